package rewards

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/warp/token-ledger/ledger"
)

// Crediter is the part of the ledger engine rewards need.
type Crediter interface {
	Credit(ctx context.Context, req ledger.CreditRequest) (ledger.Result, error)
}

// Service applies rewards from a Policy to the ledger.
type Service struct {
	ledger Crediter
	policy *Policy
	log    logrus.FieldLogger
}

func NewService(l Crediter, policy *Policy, log logrus.FieldLogger) *Service {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Service{ledger: l, policy: policy, log: log}
}

// Policy returns the reward table in use.
func (s *Service) Policy() *Policy { return s.policy }

// Apply credits the named reward to the user. An unknown name returns
// *ledger.UnknownRewardError. idempotencyKey may be empty.
//
// A reused key returns the Result of the original credit together with
// *ledger.DuplicateRequestError, exactly as Engine.Credit does.
func (s *Service) Apply(ctx context.Context, userID ledger.UserID, name, idempotencyKey string) (ledger.Result, Reward, error) {
	r, ok := s.policy.Lookup(name)
	if !ok {
		s.log.WithFields(logrus.Fields{"user_id": userID, "reward": name}).Info("unknown reward requested")
		return ledger.Result{}, Reward{}, &ledger.UnknownRewardError{Name: name}
	}

	res, err := s.ledger.Credit(ctx, ledger.CreditRequest{
		UserID:         userID,
		Amount:         r.Amount,
		Description:    r.Description,
		ServiceType:    r.ServiceType,
		IdempotencyKey: idempotencyKey,
	})
	return res, r, err
}
