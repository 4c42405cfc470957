package store

import (
	"context"
	"database/sql"
	errs "errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/DaanHessen/fitcheck/internal/engine"
)

// NewUserCredits is the free balance of a first sign-in.
const NewUserCredits = 1

// Accounts is the entitlement store: balances, plans and the credit ledger.
type Accounts struct {
	db     *DB
	hub    *Hub
	now    func() time.Time
	logger *zap.Logger
}

// NewAccounts builds the repository. hub may be nil.
func NewAccounts(db *DB, hub *Hub, logger *zap.Logger) *Accounts {
	if hub == nil {
		hub = NewHub()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accounts{db: db, hub: hub, now: time.Now, logger: logger}
}

// Hub returns the live update hub.
func (a *Accounts) Hub() *Hub { return a.hub }

// Subscribe streams entitlement changes for uid.
func (a *Accounts) Subscribe(uid string) (<-chan engine.Entitlement, func()) {
	return a.hub.Subscribe(uid)
}

// EnsureUser creates the user on first sign-in with the free balance, and
// refreshes name and email otherwise.
func (a *Accounts) EnsureUser(ctx context.Context, id, name, email string) (engine.Entitlement, error) {
	if name == "" {
		name = "User"
	}
	err := a.db.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Exec(`INSERT INTO users(id, name, email, credits, plan, created_at) VALUES (?,?,?,?,?,?) ON CONFLICT (id) DO NOTHING`,
			id, name, email, NewUserCredits, string(engine.PlanFree), a.now())
		if res.Error != nil {
			return wrap(res.Error, "insert user")
		}
		if res.RowsAffected == 1 {
			return insertTx(tx, id, engine.Transaction{Description: "Welcome Bonus", Amount: NewUserCredits, CreatedAt: a.now()})
		}
		return wrap(tx.Exec(`UPDATE users SET name = ?, email = ? WHERE id = ?`, name, email, id).Error, "refresh user")
	})
	if err != nil {
		return engine.Entitlement{}, err
	}
	return a.publish(ctx, id)
}

// Entitlement loads the current balance and plan of uid.
func (a *Accounts) Entitlement(ctx context.Context, uid string) (engine.Entitlement, error) {
	row := a.db.gorm.WithContext(ctx).Raw(`SELECT id, name, email, credits, plan FROM users WHERE id = ?`, uid).Row()
	var (
		e    engine.Entitlement
		plan string
	)
	if err := row.Scan(&e.UserID, &e.Name, &e.Email, &e.Credits, &plan); err != nil {
		if errs.Is(err, sql.ErrNoRows) {
			return engine.Entitlement{}, ErrUserNotFound
		}
		return engine.Entitlement{}, wrap(err, "load user")
	}
	e.Authenticated = true
	e.Plan = engine.ParsePlan(plan)
	return e, nil
}

// SpendOneCredit decrements the balance in a single conditional update, so
// concurrent spends can never drive it below zero.
func (a *Accounts) SpendOneCredit(ctx context.Context, uid string) error {
	res := a.db.gorm.WithContext(ctx).Exec(`UPDATE users SET credits = credits - 1 WHERE id = ? AND credits > 0`, uid)
	if res.Error != nil {
		return wrap(res.Error, "spend credit")
	}
	if res.RowsAffected == 0 {
		return engine.ErrInsufficientCredits
	}
	_, _ = a.publish(ctx, uid)
	return nil
}

// GrantCredits adds n credits and records why.
func (a *Accounts) GrantCredits(ctx context.Context, uid string, n int, description string) (engine.Entitlement, error) {
	err := a.db.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Exec(`UPDATE users SET credits = credits + ? WHERE id = ?`, n, uid)
		if res.Error != nil {
			return wrap(res.Error, "grant credits")
		}
		if res.RowsAffected == 0 {
			return ErrUserNotFound
		}
		return insertTx(tx, uid, engine.Transaction{Description: description, Amount: n, CreatedAt: a.now()})
	})
	if err != nil {
		return engine.Entitlement{}, err
	}
	return a.publish(ctx, uid)
}

// SetPlan changes the subscription tier.
func (a *Accounts) SetPlan(ctx context.Context, uid string, plan engine.Plan) (engine.Entitlement, error) {
	res := a.db.gorm.WithContext(ctx).Exec(`UPDATE users SET plan = ? WHERE id = ?`, string(plan), uid)
	if res.Error != nil {
		return engine.Entitlement{}, wrap(res.Error, "set plan")
	}
	if res.RowsAffected == 0 {
		return engine.Entitlement{}, ErrUserNotFound
	}
	return a.publish(ctx, uid)
}

// RecordTransaction appends a ledger entry.
func (a *Accounts) RecordTransaction(ctx context.Context, uid string, t engine.Transaction) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = a.now()
	}
	return insertTx(a.db.gorm.WithContext(ctx), uid, t)
}

// ListTransactions returns the newest entries first.
func (a *Accounts) ListTransactions(ctx context.Context, uid string, limit int) ([]engine.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := a.db.gorm.WithContext(ctx).Raw(`SELECT description, amount, created_at FROM credit_transactions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, uid, limit).Rows()
	if err != nil {
		return nil, wrap(err, "list transactions")
	}
	defer rows.Close()
	out := []engine.Transaction{}
	for rows.Next() {
		var t engine.Transaction
		if err := rows.Scan(&t.Description, &t.Amount, &t.CreatedAt); err != nil {
			return nil, wrap(err, "scan transaction")
		}
		out = append(out, t)
	}
	return out, wrap(rows.Err(), "iterate transactions")
}

func insertTx(tx *gorm.DB, uid string, t engine.Transaction) error {
	return wrap(tx.Exec(`INSERT INTO credit_transactions(id, user_id, description, amount, created_at) VALUES (?,?,?,?,?)`,
		uuid.New(), uid, t.Description, t.Amount, t.CreatedAt).Error, "insert transaction")
}

// publish reloads uid and pushes it to subscribers.
func (a *Accounts) publish(ctx context.Context, uid string) (engine.Entitlement, error) {
	e, err := a.Entitlement(ctx, uid)
	if err != nil {
		a.logger.Warn("reload entitlement failed", zap.String("uid", uid), zap.Error(err))
		return engine.Entitlement{}, err
	}
	a.hub.Publish(e)
	return e, nil
}
