package settlement

import (
	"context"
	"database/sql"
	"fmt"

	"courier/internal/ledger"
	"courier/internal/models"
	"courier/pkg/database"
	"courier/pkg/kafka"
	"courier/pkg/logging"
)

// FinalizeSuccess debits the member for a delivered check: the status
// CAS and both balance mutations (spendable and frozen each down by the
// price) run in one transaction, then commission propagation and the
// settlement event follow. A check already finalized is a no-op, which
// is what makes overlapping reconciliation passes safe.
func (e *Engine) FinalizeSuccess(ctx context.Context, check *models.MessageCheck) error {
	advanced := false
	err := database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		ok, err := advanceStatus(ctx, tx, check.ID, models.OutcomeSuccess, false)
		if err != nil || !ok {
			return err
		}
		advanced = true

		detail := models.Detail{"check_id": check.ID, "phone": check.Phone}
		if err := ledger.AdjustBalance(ctx, tx, check.MemberID, models.ClassSpendable,
			check.Price.Neg(), models.ReasonConsume, detail, ""); err != nil {
			return err
		}
		return ledger.AdjustBalance(ctx, tx, check.MemberID, models.ClassFrozen,
			check.Price.Neg(), models.ReasonConsume, detail, "")
	})
	if err != nil {
		return fmt.Errorf("failed to finalize check %s as success: %w", check.ID, err)
	}
	if !advanced {
		return nil
	}

	e.countSettlement(check.Channel, models.OutcomeSuccess)
	e.publishEvent(kafka.EventMessageConfirmed, check)

	if err := e.PropagateCommission(ctx, check); err != nil {
		// Commission steps are individually atomic and re-runnable;
		// a failure here leaves the chain partially applied until the
		// operator replays it.
		e.logger.WithFields(logging.Fields{
			"check_id": check.ID,
			"error":    err,
		}).Error("Commission propagation failed")
	}
	return nil
}

// FinalizeFail releases a check's freeze without charging the member.
// zeroPrice additionally stores price 0 on the check, used by the
// invalid-check pass for charges that were never dispatched.
func (e *Engine) FinalizeFail(ctx context.Context, check *models.MessageCheck, zeroPrice bool) error {
	advanced := false
	err := database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		ok, err := advanceStatus(ctx, tx, check.ID, models.OutcomeFail, zeroPrice)
		if err != nil || !ok {
			return err
		}
		advanced = true

		if check.Price.Sign() <= 0 {
			return nil
		}
		return ledger.AdjustBalance(ctx, tx, check.MemberID, models.ClassFrozen,
			check.Price.Neg(), models.ReasonRefund,
			models.Detail{"check_id": check.ID, "phone": check.Phone}, "")
	})
	if err != nil {
		return fmt.Errorf("failed to finalize check %s as fail: %w", check.ID, err)
	}
	if !advanced {
		return nil
	}

	e.countSettlement(check.Channel, models.OutcomeFail)
	if zeroPrice {
		e.publishEvent(kafka.EventMessageInvalid, check)
	} else {
		e.publishEvent(kafka.EventMessageRefunded, check)
	}
	return nil
}

// advanceStatus is the idempotence gate: it moves the check out of
// pending exactly once. Callers skip all balance work when it reports
// the row was already finished.
func advanceStatus(ctx context.Context, tx *sql.Tx, checkID, outcome string, zeroPrice bool) (bool, error) {
	query := `
		UPDATE message_checks
		SET status = 'finished', outcome = $2, finalized_at = now()
		WHERE id = $1 AND status = 'pending'`
	if zeroPrice {
		query = `
		UPDATE message_checks
		SET status = 'finished', outcome = $2, finalized_at = now(), price = 0
		WHERE id = $1 AND status = 'pending'`
	}

	res, err := tx.ExecContext(ctx, query, checkID, outcome)
	if err != nil {
		return false, fmt.Errorf("failed to advance check status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (e *Engine) publishEvent(eventType string, check *models.MessageCheck) {
	event := &kafka.SettlementEvent{
		EventType: eventType,
		AccountID: check.MemberID,
		CheckID:   check.ID,
		Channel:   check.Channel,
		Country:   check.Country,
		Amount:    check.Price.String(),
	}
	if err := e.producer.PublishSettlementEvent(event); err != nil {
		e.logger.WithFields(logging.Fields{
			"check_id":   check.ID,
			"event_type": eventType,
			"error":      err,
		}).Warn("Failed to publish settlement event")
	}
}
