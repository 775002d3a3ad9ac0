package tasks

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"courier/internal/models"
	"courier/internal/pricing"
	"courier/pkg/database"
)

func parentOf(ctx context.Context, db database.DBTX, accountID string) (string, error) {
	var parentID sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT parent_id FROM accounts WHERE id = $1`, accountID).Scan(&parentID)
	if err == database.ErrNoRows {
		return "", fmt.Errorf("account %s not found", accountID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load account: %w", err)
	}
	if !parentID.Valid {
		return "", fmt.Errorf("account %s has no parent", accountID)
	}
	return parentID.String, nil
}

func tiersOwnedBy(ctx context.Context, db database.DBTX, resellerID string) ([]models.PriceTier, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, reseller_id, country, channel, service_type, provider,
		       channel_price, cost_price, sale_price, ceiling_price, is_valid, created_at, updated_at
		FROM price_tiers
		WHERE reseller_id = $1 AND is_valid = true
		ORDER BY country, channel`, resellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiers: %w", err)
	}
	defer rows.Close()

	var tiers []models.PriceTier
	for rows.Next() {
		var t models.PriceTier
		if err := rows.Scan(&t.ID, &t.ResellerID, &t.Country, &t.Channel, &t.ServiceType, &t.Provider,
			&t.ChannelPrice, &t.CostPrice, &t.SalePrice, &t.CeilingPrice, &t.IsValid, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tier: %w", err)
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

// ResellerOnboardingHandler derives a new reseller's price list from
// its parent's tiers, uplifting sale prices by marginRate. Not ready
// until the parent's tiers exist; convergent because derived rows are
// inserted with conflict-ignore, so retries and overlapping onboarding
// orders are harmless.
func ResellerOnboardingHandler(marginRate decimal.Decimal) Handler {
	return func(ctx context.Context, db database.DBTX, task *models.ScheduleTask) error {
		parentID, err := parentOf(ctx, db, task.SubjectID)
		if err != nil {
			return err
		}

		parentTiers, err := tiersOwnedBy(ctx, db, parentID)
		if err != nil {
			return err
		}
		if len(parentTiers) == 0 {
			return ErrNotReady
		}

		for _, parent := range parentTiers {
			child := pricing.DeriveChildTier(parent, task.SubjectID, marginRate)
			_, err := db.ExecContext(ctx, `
				INSERT INTO price_tiers (id, reseller_id, country, channel, service_type, provider,
				                         channel_price, cost_price, sale_price, ceiling_price, is_valid)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (reseller_id, country, channel) DO NOTHING`,
				child.ID, child.ResellerID, child.Country, child.Channel, child.ServiceType, child.Provider,
				child.ChannelPrice, child.CostPrice, child.SalePrice, child.CeilingPrice, child.IsValid)
			if err != nil {
				return fmt.Errorf("failed to insert derived tier: %w", err)
			}
		}
		return nil
	}
}

// MemberOnboardingHandler seeds a new member's price overrides from the
// owning reseller's tiers. Not ready until the reseller's tiers exist.
func MemberOnboardingHandler() Handler {
	return func(ctx context.Context, db database.DBTX, task *models.ScheduleTask) error {
		resellerID, err := parentOf(ctx, db, task.SubjectID)
		if err != nil {
			return err
		}

		tiers, err := tiersOwnedBy(ctx, db, resellerID)
		if err != nil {
			return err
		}
		if len(tiers) == 0 {
			return ErrNotReady
		}

		for _, tier := range tiers {
			mp := pricing.DeriveMemberPrice(tier, task.SubjectID)
			_, err := db.ExecContext(ctx, `
				INSERT INTO member_prices (id, member_id, country, channel, price, default_price)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (member_id, country, channel) DO NOTHING`,
				mp.ID, mp.MemberID, mp.Country, mp.Channel, mp.Price, mp.DefaultPrice)
			if err != nil {
				return fmt.Errorf("failed to seed member price: %w", err)
			}
		}
		return nil
	}
}
