package settlement

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"courier/internal/models"
	"courier/internal/provider"
	"courier/pkg/logging"
)

type stubProvider struct {
	name    string
	results []provider.SendResult
	err     error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Send(context.Context, []string, string) ([]provider.SendResult, error) {
	return s.results, s.err
}

func newSendEngine(t *testing.T, p provider.Provider) (*Engine, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	registry := provider.NewRegistry()
	if p != nil {
		if err := registry.Register("ch-a", p); err != nil {
			t.Fatalf("failed to register provider: %v", err)
		}
	}
	engine := NewEngine(db, logging.NewLogger(), registry, nil,
		NormalizerFunc(func(string) (string, error) { return "US", nil }),
		Config{BatchSize: 500, ChunkSize: 100, PollInterval: time.Second})
	return engine, mock, func() { db.Close() }
}

func expectQuoteLookups(mock sqlmock.Sqlmock) {
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT parent_id, default_channels FROM accounts")).
		WithArgs("member-1").
		WillReturnRows(sqlmock.NewRows([]string{"parent_id", "default_channels"}).
			AddRow("reseller-1", []byte(`{}`)))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY channel_price ASC")).
		WithArgs("reseller-1", "US", models.ServiceVerify).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "reseller_id", "country", "channel", "service_type", "provider",
			"channel_price", "cost_price", "sale_price", "ceiling_price", "is_valid", "created_at", "updated_at",
		}).AddRow("tier-a", "reseller-1", "US", "ch-a", models.ServiceVerify, "gateway-a",
			"0.50000000", "3.00000000", "5.00000000", "9.00000000", true, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT price FROM member_prices")).
		WithArgs("member-1", "US", "ch-a").
		WillReturnRows(sqlmock.NewRows([]string{"price"}).AddRow("5.00000000"))
}

// expectFrozenCheck sets up the transaction that couples the freeze to
// the message row and the null-ref check.
func expectFrozenCheck(mock sqlmock.Sqlmock, withMessage bool) {
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SET frozen_balance = frozen_balance + $2")).
		WithArgs("member-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"frozen_balance"}).AddRow("5.00000000"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO balance_records")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if withMessage {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO message_checks")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestSendDirect_Success(t *testing.T) {
	engine, mock, cleanup := newSendEngine(t, &stubProvider{
		name:    "gateway-a",
		results: []provider.SendResult{{Phone: "111", Ref: "ref-1"}},
	})
	defer cleanup()

	expectQuoteLookups(mock)
	expectFrozenCheck(mock, true)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE message_checks SET provider_ref = $2")).
		WithArgs(sqlmock.AnyArg(), "ref-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	check, err := engine.SendDirect(context.Background(), "member-1", "111", "code 1234", "")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !check.ProviderRef.Valid || check.ProviderRef.String != "ref-1" {
		t.Errorf("expected provider ref ref-1, got %+v", check.ProviderRef)
	}
	if check.Status != models.StatusPending {
		t.Errorf("new check must be pending, got %s", check.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSendDirect_InsufficientFundsAbortsBeforeDispatch(t *testing.T) {
	engine, mock, cleanup := newSendEngine(t, &stubProvider{name: "gateway-a"})
	defer cleanup()

	expectQuoteLookups(mock)
	// Freeze guard fails: the transaction rolls back, no message, no
	// check, nothing dispatched.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SET frozen_balance = frozen_balance + $2")).
		WithArgs("member-1", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("member-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := engine.SendDirect(context.Background(), "member-1", "111", "code 1234", "")
	if !errors.Is(err, ErrBalanceNotEnough) {
		t.Fatalf("expected ErrBalanceNotEnough, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSendDirect_MessageInsertFailureRollsBackFreeze(t *testing.T) {
	engine, mock, cleanup := newSendEngine(t, &stubProvider{name: "gateway-a"})
	defer cleanup()

	expectQuoteLookups(mock)
	// The freeze succeeds but the message row cannot be written: the
	// rollback must take the freeze with it, so no frozen amount is
	// left behind without a check to refund it.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SET frozen_balance = frozen_balance + $2")).
		WithArgs("member-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"frozen_balance"}).AddRow("5.00000000"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO balance_records")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := engine.SendDirect(context.Background(), "member-1", "111", "code 1234", "")
	if err == nil {
		t.Fatal("expected error when the message row cannot be written")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSendDirect_DispatchFailureStillCreatesCheck(t *testing.T) {
	engine, mock, cleanup := newSendEngine(t, &stubProvider{
		name: "gateway-a",
		err:  errors.New("gateway timeout"),
	})
	defer cleanup()

	expectQuoteLookups(mock)
	expectFrozenCheck(mock, true)

	check, err := engine.SendDirect(context.Background(), "member-1", "111", "code 1234", "")
	if err != nil {
		t.Fatalf("dispatch failure must not fail the send, got %v", err)
	}
	if check.ProviderRef.Valid {
		t.Errorf("expected null provider ref after dispatch failure, got %+v", check.ProviderRef)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcessOldestIntent_EmptyQueue(t *testing.T) {
	engine, mock, cleanup := newSendEngine(t, nil)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("FROM messages")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "member_id", "recipients", "body", "service_type"}))

	progressed, err := engine.ProcessOldestIntent(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if progressed {
		t.Fatal("empty queue must not report progress")
	}
}

func expectBulkQuoteLookups(mock sqlmock.Sqlmock) {
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT parent_id, default_channels FROM accounts")).
		WithArgs("member-1").
		WillReturnRows(sqlmock.NewRows([]string{"parent_id", "default_channels"}).
			AddRow("reseller-1", []byte(`{}`)))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY channel_price ASC")).
		WithArgs("reseller-1", "US", models.ServiceBulk).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "reseller_id", "country", "channel", "service_type", "provider",
			"channel_price", "cost_price", "sale_price", "ceiling_price", "is_valid", "created_at", "updated_at",
		}).AddRow("tier-a", "reseller-1", "US", "ch-a", models.ServiceBulk, "gateway-a",
			"0.50000000", "3.00000000", "5.00000000", "9.00000000", true, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT price FROM member_prices")).
		WithArgs("member-1", "US", "ch-a").
		WillReturnRows(sqlmock.NewRows([]string{"price"}).AddRow("5.00000000"))
}

func TestProcessOldestIntent_FreezePerRecipientAndFinish(t *testing.T) {
	engine, mock, cleanup := newSendEngine(t, &stubProvider{
		name: "gateway-a",
		results: []provider.SendResult{
			{Phone: "111", Ref: "ref-1"},
			{Phone: "222", Ref: "ref-2"},
		},
	})
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("FROM messages")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "member_id", "recipients", "body", "service_type"}).
			AddRow("msg-1", "member-1", "{111,222}", "hello", models.ServiceBulk))

	// One quote for the shared country, then one freeze-and-check
	// transaction per recipient.
	expectBulkQuoteLookups(mock)

	for _, phone := range []string{"111", "222"} {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM message_checks WHERE message_id = $1 AND phone = $2")).
			WithArgs("msg-1", phone).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		expectFrozenCheck(mock, false)
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE message_checks SET provider_ref = $2")).
		WithArgs(sqlmock.AnyArg(), "ref-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE message_checks SET provider_ref = $2")).
		WithArgs(sqlmock.AnyArg(), "ref-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE messages SET status = 'finished'")).
		WithArgs("msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	progressed, err := engine.ProcessOldestIntent(context.Background())
	if err != nil {
		t.Fatalf("fan-out failed: %v", err)
	}
	if !progressed {
		t.Fatal("expected progress after fanning out a message")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcessOldestIntent_RetrySkipsProcessedRecipients(t *testing.T) {
	engine, mock, cleanup := newSendEngine(t, &stubProvider{
		name: "gateway-a",
		results: []provider.SendResult{
			{Phone: "222", Ref: "ref-2"},
		},
	})
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("FROM messages")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "member_id", "recipients", "body", "service_type"}).
			AddRow("msg-1", "member-1", "{111,222}", "hello", models.ServiceBulk))

	expectBulkQuoteLookups(mock)

	// The first recipient was frozen and checked on an earlier run of
	// this message: it must be neither frozen nor dispatched again.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM message_checks WHERE message_id = $1 AND phone = $2")).
		WithArgs("msg-1", "111").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("check-1"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM message_checks WHERE message_id = $1 AND phone = $2")).
		WithArgs("msg-1", "222").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	expectFrozenCheck(mock, false)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE message_checks SET provider_ref = $2")).
		WithArgs(sqlmock.AnyArg(), "ref-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE messages SET status = 'finished'")).
		WithArgs("msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	progressed, err := engine.ProcessOldestIntent(context.Background())
	if err != nil {
		t.Fatalf("fan-out retry failed: %v", err)
	}
	if !progressed {
		t.Fatal("expected progress after finishing the retried message")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
