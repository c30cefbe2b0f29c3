/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Field names are
  camelCase so existing web and mobile clients keep working.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Response wrappers

VALIDATION:
  Validation is done by the ledger engine, not in DTOs. DTOs are pure
  data carriers.
*/
package api

import (
	"time"

	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/rewards"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// AmountRequest is the body of /add and /spend.
type AmountRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	ServiceType string `json:"serviceType,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// BalanceDTO represents a user's balance.
type BalanceDTO struct {
	UserID      string    `json:"userId"`
	Balance     int64     `json:"balance"`
	TotalEarned int64     `json:"totalEarned"`
	TotalSpent  int64     `json:"totalSpent"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// TransactionDTO represents one journal entry.
type TransactionDTO struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	ServiceType string    `json:"serviceType,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// RewardDTO describes an available reward.
type RewardDTO struct {
	Name        string `json:"name"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// InitializeResponse is returned by /initialize.
type InitializeResponse struct {
	Message string `json:"message"`
	Balance int64  `json:"balance"`
}

// MutationResponse is returned by /add, /spend and /reward/{name}.
type MutationResponse struct {
	Message     string `json:"message"`
	Balance     int64  `json:"balance"`
	Amount      int64  `json:"amount"`
	Transaction string `json:"transaction"`
	Replayed    bool   `json:"replayed,omitempty"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		UserID:      string(b.UserID),
		Balance:     b.Balance,
		TotalEarned: b.TotalEarned,
		TotalSpent:  b.TotalSpent,
		LastUpdated: b.LastUpdated,
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = TransactionDTO{
			ID:          string(tx.ID),
			UserID:      string(tx.UserID),
			Amount:      tx.Amount,
			Description: tx.Description,
			ServiceType: tx.ServiceType,
			Timestamp:   tx.Timestamp,
		}
	}
	return dtos
}

func toRewardDTOs(rs []rewards.Reward) []RewardDTO {
	dtos := make([]RewardDTO, len(rs))
	for i, r := range rs {
		dtos[i] = RewardDTO{Name: r.Name, Amount: r.Amount, Description: r.Description}
	}
	return dtos
}

func toMutationResponse(message string, res ledger.Result) MutationResponse {
	return MutationResponse{
		Message:     message,
		Balance:     res.Balance.Balance,
		Amount:      res.Amount,
		Transaction: string(res.TransactionID),
	}
}
