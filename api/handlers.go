/*
handlers.go - HTTP API handlers for the token ledger

PURPOSE:
  Exposes the ledger engine and reward policy via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engine.
  Handlers never touch a store directly.

ENDPOINTS (all under /api/tokens, all authenticated):
  POST /initialize     Create an empty balance for the caller
  GET  /balance        Current balance
  POST /add            Credit tokens
  POST /spend          Debit tokens
  GET  /transactions   History, most recent first
  POST /reward/{name}  Apply a named reward
  GET  /rewards        List the reward table

IDEMPOTENCY:
  Mutating endpoints accept an Idempotency-Key header. A replayed key
  returns 200 with the original transaction and "replayed": true.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid amount, insufficient balance, balance overflow,
         already initialized
  - 401: Missing or invalid token
  - 404: Balance not found, unknown reward
  - 409: Concurrency conflict (retry budget exhausted)
  - 422: Idempotency-Key reused with a different operation or amount
  - 500: Storage failures (details are logged, not returned)
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/rewards"
)

// IdempotencyHeader names the optional request header carrying an
// idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Ledger is the subset of *ledger.Engine used by the API.
type Ledger interface {
	Initialize(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	Credit(ctx context.Context, req ledger.CreditRequest) (ledger.Result, error)
	Debit(ctx context.Context, req ledger.DebitRequest) (ledger.Result, error)
	GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	GetHistory(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	ledger  Ledger
	rewards *rewards.Service
	log     logrus.FieldLogger
}

// NewHandler creates a new handler.
func NewHandler(l Ledger, rw *rewards.Service, log logrus.FieldLogger) *Handler {
	return &Handler{ledger: l, rewards: rw, log: log}
}

// =============================================================================
// TOKEN HANDLERS
// =============================================================================

// Initialize creates the caller's balance.
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	b, err := h.ledger.Initialize(r.Context(), user)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, InitializeResponse{
		Message: "User tokens initialized successfully",
		Balance: b.Balance,
	})
}

// GetBalance returns the caller's balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	b, err := h.ledger.GetBalance(r.Context(), user)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// AddTokens credits the caller.
func (h *Handler) AddTokens(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	req, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	res, err := h.ledger.Credit(r.Context(), ledger.CreditRequest{
		UserID:         user,
		Amount:         req.Amount,
		Description:    req.Description,
		ServiceType:    req.ServiceType,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	h.writeMutation(w, r, "Tokens added successfully", res, err)
}

// SpendTokens debits the caller.
func (h *Handler) SpendTokens(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	req, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	res, err := h.ledger.Debit(r.Context(), ledger.DebitRequest{
		UserID:         user,
		Amount:         req.Amount,
		Description:    req.Description,
		ServiceType:    req.ServiceType,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	h.writeMutation(w, r, "Tokens spent successfully", res, err)
}

// GetTransactions returns the caller's history, most recent first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	txs, err := h.ledger.GetHistory(r.Context(), user)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// REWARD HANDLERS
// =============================================================================

// ApplyReward credits the named reward to the caller.
func (h *Handler) ApplyReward(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	res, reward, err := h.rewards.Apply(r.Context(), user, name, r.Header.Get(IdempotencyHeader))
	h.writeMutation(w, r, reward.Message, res, err)
}

// ListRewards returns the reward table.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toRewardDTOs(h.rewards.Policy().Rewards()))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) user(w http.ResponseWriter, r *http.Request) (ledger.UserID, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "No token, authorization denied", nil)
	}
	return user, ok
}

func decodeAmount(w http.ResponseWriter, r *http.Request) (AmountRequest, bool) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return req, false
	}
	return req, true
}

func (h *Handler) writeMutation(w http.ResponseWriter, r *http.Request, message string, res ledger.Result, err error) {
	var dup *ledger.DuplicateRequestError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toMutationResponse(message, res))
	case errors.As(err, &dup):
		resp := toMutationResponse(message, res)
		resp.Replayed = true
		writeJSON(w, http.StatusOK, resp)
	default:
		h.writeLedgerError(w, r, err)
	}
}

// writeLedgerError maps engine errors to HTTP statuses. Storage failures
// are logged and reported without details.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
	case errors.Is(err, ledger.ErrBalanceOverflow):
		writeError(w, http.StatusBadRequest, "Amount exceeds the maximum balance", err)
	case errors.Is(err, ledger.ErrIdempotencyMismatch):
		writeError(w, http.StatusUnprocessableEntity, "Idempotency-Key already used for a different request", err)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusBadRequest, "Insufficient token balance", err)
	case errors.Is(err, ledger.ErrAlreadyInitialized):
		writeError(w, http.StatusBadRequest, "User tokens already initialized", nil)
	case errors.Is(err, ledger.ErrInvalidUser):
		writeError(w, http.StatusUnauthorized, "Token is not valid", nil)
	case errors.Is(err, ledger.ErrBalanceNotFound):
		writeError(w, http.StatusNotFound, "Token balance not found", nil)
	case errors.Is(err, ledger.ErrUnknownReward):
		writeError(w, http.StatusNotFound, "Unknown reward", err)
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "Balance is busy, please retry", nil)
	default:
		h.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).WithError(err).Error("ledger request failed")
		writeError(w, http.StatusInternalServerError, "Server error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
