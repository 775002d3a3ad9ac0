package settlement

import (
	"context"
	"database/sql"
	"fmt"

	"courier/internal/ledger"
	"courier/internal/models"
	"courier/internal/pricing"
	"courier/pkg/database"
	"courier/pkg/kafka"
	"courier/pkg/logging"
)

// PropagateCommission distributes the margin of a successfully charged
// check up the reseller tree: each tier owner is credited the
// difference between the running price and its own cost, then the
// price collapses to that cost and the walk moves to the parent's
// tier. The walk stops at a reseller with no parent or no matching
// (country, channel) tier; the root's own cost basis is never paid
// out. Each credit is an independent atomic ledger step.
func (e *Engine) PropagateCommission(ctx context.Context, check *models.MessageCheck) error {
	tier, err := pricing.TierByID(ctx, e.db, check.TierID)
	if err != nil {
		return err
	}

	price := check.Price
	for {
		margin := price.Sub(tier.CostPrice)
		if margin.Sign() > 0 {
			err := ledger.AdjustBalance(ctx, e.db, tier.ResellerID, models.ClassSpendable,
				margin, models.ReasonCommission,
				models.Detail{"check_id": check.ID, "tier_id": tier.ID}, check.MemberID)
			if err != nil {
				return fmt.Errorf("failed to credit commission to %s: %w", tier.ResellerID, err)
			}
			e.countCommission(check.Channel)
			e.publishCommissionEvent(check, tier.ResellerID, margin.String())
			e.logger.WithFields(logging.Fields{
				"check_id":    check.ID,
				"reseller_id": tier.ResellerID,
				"margin":      margin,
			}).Info("Commission credited")
		}
		price = tier.CostPrice

		var parentID sql.NullString
		err = e.db.QueryRowContext(ctx, `
			SELECT parent_id FROM accounts WHERE id = $1`, tier.ResellerID).Scan(&parentID)
		if err == database.ErrNoRows || (err == nil && !parentID.Valid) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load reseller parent: %w", err)
		}

		parentTier, err := pricing.ParentTier(ctx, e.db, parentID.String, check.Country, check.Channel)
		if err != nil {
			return err
		}
		if parentTier == nil {
			return nil
		}
		tier = parentTier
	}
}

func (e *Engine) publishCommissionEvent(check *models.MessageCheck, resellerID, margin string) {
	event := &kafka.SettlementEvent{
		EventType: kafka.EventCommissionPaid,
		AccountID: resellerID,
		CheckID:   check.ID,
		Channel:   check.Channel,
		Country:   check.Country,
		Amount:    margin,
		Data:      map[string]interface{}{"member_id": check.MemberID},
	}
	if err := e.producer.PublishSettlementEvent(event); err != nil {
		e.logger.WithFields(logging.Fields{
			"check_id": check.ID,
			"error":    err,
		}).Warn("Failed to publish commission event")
	}
}
