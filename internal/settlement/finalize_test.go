package settlement

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"courier/internal/models"
	"courier/internal/provider"
	"courier/pkg/logging"
)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	engine := NewEngine(db, logging.NewLogger(), provider.NewRegistry(), nil,
		NormalizerFunc(func(string) (string, error) { return "US", nil }),
		Config{BatchSize: 500, ChunkSize: 100, PollInterval: time.Second})
	return engine, mock, func() { db.Close() }
}

func testCheck(price string) *models.MessageCheck {
	return &models.MessageCheck{
		ID:       "check-1",
		MemberID: "member-1",
		TierID:   "tier-a",
		Phone:    "111",
		Country:  "US",
		Channel:  "ch-a",
		Price:    decimal.RequireFromString(price),
		Status:   models.StatusPending,
	}
}

func tierRow(id, resellerID, cost string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "reseller_id", "country", "channel", "service_type", "provider",
		"channel_price", "cost_price", "sale_price", "ceiling_price", "is_valid", "created_at", "updated_at",
	}).AddRow(id, resellerID, "US", "ch-a", models.ServiceVerify, "gateway-a",
		"0.50000000", cost, "5.00000000", "9.00000000", true, now, now)
}

func expectBalanceAdjust(mock sqlmock.Sqlmock, column, accountID string) {
	mock.ExpectQuery(regexp.QuoteMeta("SET "+column+" = "+column+" + $2")).
		WithArgs(accountID, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{column}).AddRow("1.00000000"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO balance_records")).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestFinalizeFail_RefundsFreezeOnly(t *testing.T) {
	engine, mock, cleanup := newTestEngine(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE message_checks")).
		WithArgs("check-1", models.OutcomeFail).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Only the frozen class moves; spendable is untouched and no
	// commission walk starts.
	expectBalanceAdjust(mock, "frozen_balance", "member-1")
	mock.ExpectCommit()

	if err := engine.FinalizeFail(context.Background(), testCheck("5.00000000"), false); err != nil {
		t.Fatalf("finalize fail errored: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestFinalizeFail_AlreadyFinishedIsNoop(t *testing.T) {
	engine, mock, cleanup := newTestEngine(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE message_checks")).
		WithArgs("check-1", models.OutcomeFail).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := engine.FinalizeFail(context.Background(), testCheck("5.00000000"), false); err != nil {
		t.Fatalf("second pass over a finished check must be a no-op, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestFinalizeSuccess_DebitsAndPropagates(t *testing.T) {
	engine, mock, cleanup := newTestEngine(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE message_checks")).
		WithArgs("check-1", models.OutcomeSuccess).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectBalanceAdjust(mock, "balance", "member-1")
	expectBalanceAdjust(mock, "frozen_balance", "member-1")
	mock.ExpectCommit()

	// Commission walk: tier-a (reseller-a, cost 3) earns 5-3=2, then
	// reseller-a has no parent and the walk stops.
	mock.ExpectQuery(regexp.QuoteMeta("FROM price_tiers WHERE id = $1")).
		WithArgs("tier-a").
		WillReturnRows(tierRow("tier-a", "reseller-a", "3.00000000"))
	mock.ExpectQuery(regexp.QuoteMeta("SET balance = balance + $2")).
		WithArgs("reseller-a", "2.00000000").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("2.00000000"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO balance_records")).
		WithArgs("reseller-a", "member-1", models.ClassSpendable, models.ReasonCommission, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT parent_id FROM accounts")).
		WithArgs("reseller-a").
		WillReturnRows(sqlmock.NewRows([]string{"parent_id"}).AddRow(nil))

	if err := engine.FinalizeSuccess(context.Background(), testCheck("5.00000000")); err != nil {
		t.Fatalf("finalize success errored: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestFinalizeSuccess_AlreadyFinishedSkipsEverything(t *testing.T) {
	engine, mock, cleanup := newTestEngine(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE message_checks")).
		WithArgs("check-1", models.OutcomeSuccess).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := engine.FinalizeSuccess(context.Background(), testCheck("5.00000000")); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}

	// No balance mutation and no commission query may have run.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
