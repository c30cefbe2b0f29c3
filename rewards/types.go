/*
Package rewards maps named engagement triggers to fixed token credits.

PURPOSE:
  Engagement collaborators (daily check-in, report submission) do not
  choose amounts. They name a reward, and the policy table decides the
  amount and the journal description. Applying a reward is a plain
  ledger credit.

DEFAULT TABLE:
  daily:  5 tokens,  "Daily engagement reward"
  report: 10 tokens, "Report submission reward"

  Entries from configuration ([rewards.<name>]) add to or replace the
  defaults.

REPEATABILITY:
  Rewards are repeatable. The policy does not limit how often a user may
  claim "daily". Callers that need at-most-once semantics pass an
  idempotency key, e.g. "daily:<user>:<yyyy-mm-dd>" or the event id of
  the trigger.

SEE ALSO:
  - service.go: Service.Apply
  - ledger/engine.go: Credit
*/
package rewards

import (
	"errors"
	"fmt"
	"sort"
)

// =============================================================================
// REWARD
// =============================================================================

// Reward is one named entry in the policy table.
type Reward struct {
	Name        string
	Amount      int64
	Description string // journal description
	Message     string // shown to the user on success
	ServiceType string // optional, copied onto the transaction
}

var (
	ErrEmptyName        = errors.New("reward name is required")
	ErrEmptyDescription = errors.New("reward description is required")
	ErrInvalidAmount    = errors.New("reward amount must be greater than zero")
)

// Validate checks a single reward definition.
func (r Reward) Validate() error {
	if r.Name == "" {
		return ErrEmptyName
	}
	if r.Amount <= 0 {
		return fmt.Errorf("reward %q: %w", r.Name, ErrInvalidAmount)
	}
	if r.Description == "" {
		return fmt.Errorf("reward %q: %w", r.Name, ErrEmptyDescription)
	}
	return nil
}

// =============================================================================
// POLICY TABLE
// =============================================================================

const (
	Daily  = "daily"
	Report = "report"
)

// Defaults returns the built-in reward table.
func Defaults() []Reward {
	return []Reward{
		{
			Name:        Daily,
			Amount:      5,
			Description: "Daily engagement reward",
			Message:     "Daily engagement reward received",
		},
		{
			Name:        Report,
			Amount:      10,
			Description: "Report submission reward",
			Message:     "Report submission reward received",
		},
	}
}

// Policy is an immutable, validated reward table.
type Policy struct {
	rewards map[string]Reward
}

// NewPolicy builds a policy from the defaults overlaid with overrides.
// A later entry with the same name replaces an earlier one.
func NewPolicy(overrides ...Reward) (*Policy, error) {
	p := &Policy{rewards: make(map[string]Reward)}
	for _, r := range append(Defaults(), overrides...) {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if r.Message == "" {
			r.Message = r.Description + " received"
		}
		p.rewards[r.Name] = r
	}
	return p, nil
}

// DefaultPolicy returns the built-in table. It cannot fail.
func DefaultPolicy() *Policy {
	p, err := NewPolicy()
	if err != nil {
		panic(err)
	}
	return p
}

// Lookup returns the named reward.
func (p *Policy) Lookup(name string) (Reward, bool) {
	r, ok := p.rewards[name]
	return r, ok
}

// Rewards returns every reward sorted by name.
func (p *Policy) Rewards() []Reward {
	out := make([]Reward, 0, len(p.rewards))
	for _, r := range p.rewards {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
