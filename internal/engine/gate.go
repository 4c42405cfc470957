package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Plan is a subscription tier. String backed for DB interoperability.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanBasic   Plan = "basic"
	PlanPro     Plan = "pro"
	PlanPremium Plan = "premium"
)

// ParsePlan maps stored values to a Plan, defaulting to free.
func ParsePlan(s string) Plan {
	switch Plan(s) {
	case PlanBasic, PlanPro, PlanPremium:
		return Plan(s)
	}
	return PlanFree
}

// Entitlement is what the gate knows about the caller.
type Entitlement struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"uid,omitempty"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	Plan          Plan   `json:"plan"`
	Credits       int    `json:"credits"`
}

// Guest is the entitlement of a signed-out visitor.
func Guest() Entitlement { return Entitlement{Name: "Guest", Plan: PlanFree} }

// Transaction is a credit ledger entry; spends are negative.
type Transaction struct {
	Description string    `json:"description"`
	Amount      int       `json:"amount"`
	CreatedAt   time.Time `json:"date"`
}

// Ledger is the slice of the entitlement store the gate writes to.
type Ledger interface {
	// SpendOneCredit atomically decrements the balance, failing with
	// ErrInsufficientCredits when it is already zero.
	SpendOneCredit(ctx context.Context, userID string) error
	RecordTransaction(ctx context.Context, userID string, tx Transaction) error
}

// BlockReason tells the caller where to route a blocked user.
type BlockReason string

const (
	ReasonSignInRequired BlockReason = "sign_in_required"
	ReasonEarnCredits    BlockReason = "earn_credits"
)

// Decision is the gate's tagged result: Allowed, or Blocked with a Reason.
type Decision struct {
	Allowed bool        `json:"allowed"`
	Charged bool        `json:"charged,omitempty"`
	Reason  BlockReason `json:"reason,omitempty"`
}

// Allow is an allowed decision; charged reports that one credit was spent.
func Allow(charged bool) Decision { return Decision{Allowed: true, Charged: charged} }

// Block is a blocked decision.
func Block(reason BlockReason) Decision { return Decision{Reason: reason} }

// Gate decides whether a generative call may run. It holds no per-call
// state and is evaluated afresh for every call.
type Gate struct {
	ledger Ledger
	now    func() time.Time
	logger *zap.Logger
}

// NewGate builds a gate over ledger.
func NewGate(ledger Ledger, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{ledger: ledger, now: time.Now, logger: logger}
}

// Evaluate applies the credit rules to ent. description labels the spend in
// the transaction history.
func (g *Gate) Evaluate(ctx context.Context, ent Entitlement, description string) Decision {
	if ent.Plan == PlanPremium {
		return Allow(false)
	}
	if !ent.Authenticated {
		return Block(ReasonSignInRequired)
	}
	if ent.Credits <= 0 || g.ledger == nil {
		return Block(ReasonEarnCredits)
	}
	if err := g.ledger.SpendOneCredit(ctx, ent.UserID); err != nil {
		g.logger.Info("credit spend refused", zap.String("uid", ent.UserID), zap.Error(err))
		return Block(ReasonEarnCredits)
	}
	tx := Transaction{Description: description, Amount: -1, CreatedAt: g.now()}
	if err := g.ledger.RecordTransaction(ctx, ent.UserID, tx); err != nil {
		g.logger.Warn("record transaction failed", zap.String("uid", ent.UserID), zap.Error(err))
	}
	return Allow(true)
}

// AdRewardDescription labels the credit granted for a watched ad.
const AdRewardDescription = "Watched Ad"

// Granter adds credits to an account.
type Granter interface {
	GrantCredits(ctx context.Context, userID string, n int, description string) (Entitlement, error)
}

// RewardAd grants one credit once the ad has played for wait.
func RewardAd(ctx context.Context, g Granter, userID string, wait time.Duration) (Entitlement, error) {
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Entitlement{}, ctx.Err()
		case <-t.C:
		}
	}
	return g.GrantCredits(ctx, userID, 1, AdRewardDescription)
}
