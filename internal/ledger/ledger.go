// Package ledger implements race-safe balance mutations. Every write is
// a single conditional UPDATE against the account row, so concurrent
// callers can never drive a balance negative, and every successful
// mutation appends exactly one audit record.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"courier/internal/models"
	"courier/pkg/database"
)

// ErrInsufficientFunds is returned when a mutation would drive the
// targeted balance class negative. It is the only way callers learn an
// account cannot cover an amount; there is no separate read-then-act
// path.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrAccountNotFound is returned when the targeted account row does
// not exist. The conditional update cannot tell a failed guard from a
// missing row, so the miss is disambiguated before reporting funds.
var ErrAccountNotFound = errors.New("account not found")

var classColumns = map[string]string{
	models.ClassSpendable: "balance",
	models.ClassFrozen:    "frozen_balance",
	models.ClassSecondary: "usdt_balance",
}

// AdjustBalance applies delta to one balance class of an account,
// guarded so the resulting balance stays >= 0. The guard and the write
// are one statement; no row is touched when the guard fails. On success
// exactly one BalanceRecord is written with the post-mutation balance.
func AdjustBalance(ctx context.Context, db database.DBTX, accountID, class string, delta decimal.Decimal, reason string, detail models.Detail, counterpartyID string) error {
	column, ok := classColumns[class]
	if !ok {
		return fmt.Errorf("unknown balance class %q", class)
	}

	query := fmt.Sprintf(`
		UPDATE accounts
		SET %s = %s + $2, updated_at = now()
		WHERE id = $1 AND %s >= -$2
		RETURNING %s`, column, column, column, column)

	var resulting decimal.Decimal
	err := db.QueryRowContext(ctx, query, accountID, delta).Scan(&resulting)
	if err == database.ErrNoRows {
		return guardMiss(ctx, db, accountID)
	}
	if err != nil {
		return fmt.Errorf("failed to adjust %s balance: %w", class, err)
	}

	return appendRecord(ctx, db, accountID, class, delta, resulting, reason, detail, counterpartyID)
}

// Freeze places a provisional hold on a member's spendable funds by
// raising frozen_balance, guarded so frozen never exceeds spendable at
// the moment of the freeze.
func Freeze(ctx context.Context, db database.DBTX, accountID string, amount decimal.Decimal, reason string, detail models.Detail) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("freeze amount must be positive, got %s", amount)
	}

	var resulting decimal.Decimal
	err := db.QueryRowContext(ctx, `
		UPDATE accounts
		SET frozen_balance = frozen_balance + $2, updated_at = now()
		WHERE id = $1 AND balance >= frozen_balance + $2
		RETURNING frozen_balance`, accountID, amount).Scan(&resulting)
	if err == database.ErrNoRows {
		return guardMiss(ctx, db, accountID)
	}
	if err != nil {
		return fmt.Errorf("failed to freeze funds: %w", err)
	}

	return appendRecord(ctx, db, accountID, models.ClassFrozen, amount, resulting, reason, detail, "")
}

// guardMiss tells a missing account apart from a failed balance guard
// after a conditional update matched no row.
func guardMiss(ctx context.Context, db database.DBTX, accountID string) error {
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to look up account %s: %w", accountID, err)
	}
	if !exists {
		return ErrAccountNotFound
	}
	return ErrInsufficientFunds
}

func appendRecord(ctx context.Context, db database.DBTX, accountID, class string, delta, resulting decimal.Decimal, reason string, detail models.Detail, counterpartyID string) error {
	var counterparty interface{}
	if counterpartyID != "" {
		counterparty = counterpartyID
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO balance_records (account_id, counterparty_id, balance_class, reason, delta, resulting, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		accountID, counterparty, class, reason, delta, resulting, detail)
	if err != nil {
		return fmt.Errorf("failed to write balance record: %w", err)
	}
	return nil
}
