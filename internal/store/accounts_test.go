package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DaanHessen/fitcheck/internal/engine"
)

func newMockAccounts(t *testing.T) (*Accounts, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	db, err := OpenWithConn(conn)
	require.NoError(t, err)
	a := NewAccounts(db, NewHub(), nil)
	a.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	return a, mock
}

func userRow(credits int, plan string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "email", "credits", "plan"}).
		AddRow("u1", "Ada", "ada@example.com", credits, plan)
}

func TestEnsureUserCreatesWithWelcomeCredit(t *testing.T) {
	a, mock := newMockAccounts(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).
		WithArgs("u1", "Ada", "ada@example.com", NewUserCredits, "free", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WithArgs(sqlmock.AnyArg(), "u1", "Welcome Bonus", 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT id, name, email, credits, plan FROM users`).WithArgs("u1").WillReturnRows(userRow(1, "free"))

	e, err := a.EnsureUser(context.Background(), "u1", "Ada", "ada@example.com")
	require.NoError(t, err)
	assert.True(t, e.Authenticated)
	assert.Equal(t, 1, e.Credits)
	assert.Equal(t, engine.PlanFree, e.Plan)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureUserRefreshesExisting(t *testing.T) {
	a, mock := newMockAccounts(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE users SET name`).WithArgs("Ada", "ada@example.com", "u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT id, name, email, credits, plan FROM users`).WillReturnRows(userRow(7, "pro"))

	e, err := a.EnsureUser(context.Background(), "u1", "Ada", "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, 7, e.Credits)
	assert.Equal(t, engine.PlanPro, e.Plan)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSpendOneCreditPublishes(t *testing.T) {
	a, mock := newMockAccounts(t)
	updates, cancel := a.Subscribe("u1")
	defer cancel()

	mock.ExpectExec(`UPDATE users SET credits = credits - 1 WHERE id = \$1 AND credits > 0`).
		WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, name, email, credits, plan FROM users`).WillReturnRows(userRow(0, "free"))

	require.NoError(t, a.SpendOneCredit(context.Background(), "u1"))
	select {
	case e := <-updates:
		assert.Equal(t, 0, e.Credits)
	case <-time.After(time.Second):
		t.Fatal("no entitlement pushed")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSpendOneCreditAtZero(t *testing.T) {
	a, mock := newMockAccounts(t)
	mock.ExpectExec(`UPDATE users SET credits = credits - 1`).WillReturnResult(sqlmock.NewResult(0, 0))
	err := a.SpendOneCredit(context.Background(), "u1")
	assert.ErrorIs(t, err, engine.ErrInsufficientCredits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantCredits(t *testing.T) {
	a, mock := newMockAccounts(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users SET credits = credits \+ \$1`).WithArgs(20, "u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WithArgs(sqlmock.AnyArg(), "u1", "Purchased basic", 20, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT id, name, email, credits, plan FROM users`).WillReturnRows(userRow(21, "free"))

	e, err := a.GrantCredits(context.Background(), "u1", 20, "Purchased basic")
	require.NoError(t, err)
	assert.Equal(t, 21, e.Credits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantCreditsUnknownUserRollsBack(t *testing.T) {
	a, mock := newMockAccounts(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users SET credits = credits \+`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := a.GrantCredits(context.Background(), "ghost", 1, "Watched Ad")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPlanPublishes(t *testing.T) {
	a, mock := newMockAccounts(t)
	ch, cancel := a.Subscribe("u1")
	defer cancel()
	mock.ExpectExec(`UPDATE users SET plan = \$1 WHERE id = \$2`).WithArgs("premium", "u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, name, email, credits, plan FROM users`).WillReturnRows(userRow(3, "premium"))

	e, err := a.SetPlan(context.Background(), "u1", engine.PlanPremium)
	require.NoError(t, err)
	assert.Equal(t, engine.PlanPremium, e.Plan)
	select {
	case pushed := <-ch:
		assert.Equal(t, engine.PlanPremium, pushed.Plan)
	case <-time.After(time.Second):
		t.Fatal("no entitlement pushed")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPlanUnknownUser(t *testing.T) {
	a, mock := newMockAccounts(t)
	mock.ExpectExec(`UPDATE users SET plan`).WillReturnResult(sqlmock.NewResult(0, 0))
	_, err := a.SetPlan(context.Background(), "ghost", engine.PlanPro)
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntitlementNotFound(t *testing.T) {
	a, mock := newMockAccounts(t)
	mock.ExpectQuery(`SELECT id, name, email, credits, plan FROM users`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "credits", "plan"}))
	_, err := a.Entitlement(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestListTransactions(t *testing.T) {
	a, mock := newMockAccounts(t)
	when := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT description, amount, created_at FROM credit_transactions`).
		WithArgs("u1", 50).
		WillReturnRows(sqlmock.NewRows([]string{"description", "amount", "created_at"}).
			AddRow("Pose Change", -1, when).
			AddRow("Welcome Bonus", 1, when.Add(-time.Hour)))

	txs, err := a.ListTransactions(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "Pose Change", txs[0].Description)
	assert.Equal(t, -1, txs[0].Amount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHubKeepsNewestValue(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("u1")
	h.Publish(engine.Entitlement{UserID: "u1", Credits: 3})
	h.Publish(engine.Entitlement{UserID: "u1", Credits: 2})
	h.Publish(engine.Entitlement{UserID: "u2", Credits: 9})
	assert.Equal(t, 2, (<-ch).Credits)
	assert.Equal(t, 1, h.Subscribers("u1"))
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.Subscribers("u1"))
}

func TestGateAgainstAccounts(t *testing.T) {
	a, mock := newMockAccounts(t)
	mock.ExpectExec(`UPDATE users SET credits = credits - 1`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, name, email, credits, plan FROM users`).WillReturnRows(userRow(0, "free"))
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WithArgs(sqlmock.AnyArg(), "u1", "Pose Change", -1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	g := engine.NewGate(a, nil)
	d := g.Evaluate(context.Background(), engine.Entitlement{Authenticated: true, UserID: "u1", Credits: 1}, "Pose Change")
	assert.True(t, d.Allowed)
	assert.True(t, d.Charged)
	assert.NoError(t, mock.ExpectationsWereMet())
}
