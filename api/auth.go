package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/token-ledger/ledger"
)

// =============================================================================
// AUTHENTICATION - Bearer JWT (HS256)
// =============================================================================

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the caller identity. Older tokens use user_id, newer ones
// only set sub; both are accepted.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) user() ledger.UserID {
	if c.UserID != "" {
		return ledger.UserID(c.UserID)
	}
	return ledger.UserID(c.Subject)
}

// Authenticator validates bearer tokens and puts the user id on the
// request context. The ledger trusts that id as-is.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Parse validates a raw token and returns its user.
func (a *Authenticator) Parse(raw string) (ledger.UserID, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := new(Claims)
	token, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	user := claims.user()
	if user == "" {
		return "", ErrInvalidToken
	}
	return user, nil
}

// Issue signs a token for userID. Used by the CLI and tests.
func (a *Authenticator) Issue(userID ledger.UserID, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		UserID: string(userID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "No token, authorization denied", nil)
			return
		}
		user, err := a.Parse(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Token is not valid", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

type userKey struct{}

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, user ledger.UserID) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (ledger.UserID, bool) {
	user, ok := ctx.Value(userKey{}).(ledger.UserID)
	return user, ok && user != ""
}
