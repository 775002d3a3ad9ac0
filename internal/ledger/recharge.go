package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"courier/internal/models"
	"courier/pkg/database"
)

// Recharge credits an account's spendable balance.
func Recharge(ctx context.Context, db database.DBTX, accountID string, amount decimal.Decimal, detail models.Detail) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("recharge amount must be positive, got %s", amount)
	}
	return AdjustBalance(ctx, db, accountID, models.ClassSpendable, amount, models.ReasonRecharge, detail, "")
}

// RechargeSecondary credits a secondary-currency deposit: the deposit
// amount lands on the secondary class and the spendable balance is
// credited at the supplied exchange rate. The rate comes from outside;
// no conversion logic lives here.
func RechargeSecondary(ctx context.Context, db database.DBTX, accountID string, amount, rate decimal.Decimal, detail models.Detail) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("recharge amount must be positive, got %s", amount)
	}
	if rate.Sign() <= 0 {
		return fmt.Errorf("exchange rate must be positive, got %s", rate)
	}

	if detail == nil {
		detail = models.Detail{}
	}
	detail["exchange_rate"] = rate.String()

	if err := AdjustBalance(ctx, db, accountID, models.ClassSecondary, amount, models.ReasonRecharge, detail, ""); err != nil {
		return err
	}
	return AdjustBalance(ctx, db, accountID, models.ClassSpendable, amount.Mul(rate), models.ReasonRecharge, detail, "")
}

// Withdraw debits an account's spendable balance, failing with
// ErrInsufficientFunds when the balance cannot cover it.
func Withdraw(ctx context.Context, db database.DBTX, accountID string, amount decimal.Decimal, detail models.Detail) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("withdraw amount must be positive, got %s", amount)
	}
	return AdjustBalance(ctx, db, accountID, models.ClassSpendable, amount.Neg(), models.ReasonWithdraw, detail, "")
}

// AdminCredit is a manual balance correction by an operator; the
// operator account is recorded as the counterparty.
func AdminCredit(ctx context.Context, db database.DBTX, accountID string, amount decimal.Decimal, operatorID string, detail models.Detail) error {
	return AdjustBalance(ctx, db, accountID, models.ClassSpendable, amount, models.ReasonAdminCredit, detail, operatorID)
}
