// Package pricing resolves which route a member is billed on and at
// what unit price, and derives child price lists from a parent
// reseller's tiers during onboarding.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"courier/internal/models"
	"courier/pkg/database"
)

// ErrNoRouteForCountry means no valid price tier covers the requested
// (country, service type) under the member's reseller. Permanent per
// recipient: callers exclude the recipient instead of retrying.
var ErrNoRouteForCountry = errors.New("no route for country")

// Quote is a resolved billing decision for one recipient country.
type Quote struct {
	Channel   string
	Tier      models.PriceTier
	UnitPrice decimal.Decimal
}

const tierColumns = `id, reseller_id, country, channel, service_type, provider,
	       channel_price, cost_price, sale_price, ceiling_price, is_valid, created_at, updated_at`

func scanTier(row interface{ Scan(...interface{}) error }) (models.PriceTier, error) {
	var t models.PriceTier
	err := row.Scan(&t.ID, &t.ResellerID, &t.Country, &t.Channel, &t.ServiceType, &t.Provider,
		&t.ChannelPrice, &t.CostPrice, &t.SalePrice, &t.CeilingPrice, &t.IsValid, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// ResolveQuote resolves the channel, tier and member unit price for a
// single recipient country. Channel selection order: the explicit
// channel if given, then the member's configured default channel for
// the service type, then the cheapest valid tier by channel price. The
// unit price always comes from the member's own override row, never
// the reseller's sale price.
func ResolveQuote(ctx context.Context, db database.DBTX, memberID, country, serviceType, explicitChannel string) (*Quote, error) {
	var resellerID string
	var defaults models.Detail
	err := db.QueryRowContext(ctx, `
		SELECT parent_id, default_channels FROM accounts WHERE id = $1 AND is_valid = true`,
		memberID).Scan(&resellerID, &defaults)
	if err == database.ErrNoRows {
		return nil, fmt.Errorf("member %s not found", memberID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load member: %w", err)
	}

	channel := explicitChannel
	if channel == "" {
		if v, ok := defaults[serviceType].(string); ok {
			channel = v
		}
	}

	var tier models.PriceTier
	if channel != "" {
		tier, err = scanTier(db.QueryRowContext(ctx, `
			SELECT `+tierColumns+`
			FROM price_tiers
			WHERE reseller_id = $1 AND country = $2 AND channel = $3 AND service_type = $4 AND is_valid = true`,
			resellerID, country, channel, serviceType))
	} else {
		tier, err = scanTier(db.QueryRowContext(ctx, `
			SELECT `+tierColumns+`
			FROM price_tiers
			WHERE reseller_id = $1 AND country = $2 AND service_type = $3 AND is_valid = true
			ORDER BY channel_price ASC
			LIMIT 1`,
			resellerID, country, serviceType))
	}
	if err == database.ErrNoRows {
		return nil, ErrNoRouteForCountry
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve price tier: %w", err)
	}

	var unitPrice decimal.Decimal
	err = db.QueryRowContext(ctx, `
		SELECT price FROM member_prices WHERE member_id = $1 AND country = $2 AND channel = $3`,
		memberID, country, tier.Channel).Scan(&unitPrice)
	if err == database.ErrNoRows {
		return nil, ErrNoRouteForCountry
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load member price: %w", err)
	}

	return &Quote{Channel: tier.Channel, Tier: tier, UnitPrice: unitPrice}, nil
}

// ResolveQuoteMany resolves quotes for a set of countries in one call.
// Countries with no route are left out of the result instead of
// failing the batch.
func ResolveQuoteMany(ctx context.Context, db database.DBTX, memberID string, countries []string, serviceType string) (map[string]*Quote, error) {
	quotes := make(map[string]*Quote, len(countries))
	for _, country := range countries {
		if _, done := quotes[country]; done {
			continue
		}
		q, err := ResolveQuote(ctx, db, memberID, country, serviceType, "")
		if err == ErrNoRouteForCountry {
			continue
		}
		if err != nil {
			return nil, err
		}
		quotes[country] = q
	}
	return quotes, nil
}

// TierByID loads one price tier.
func TierByID(ctx context.Context, db database.DBTX, tierID string) (*models.PriceTier, error) {
	tier, err := scanTier(db.QueryRowContext(ctx, `
		SELECT `+tierColumns+`
		FROM price_tiers WHERE id = $1`, tierID))
	if err == database.ErrNoRows {
		return nil, fmt.Errorf("price tier %s not found", tierID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load price tier: %w", err)
	}
	return &tier, nil
}

// ParentTier finds the tier covering the same (country, channel) owned
// by the given reseller, or nil when none exists (the commission walk
// stops there).
func ParentTier(ctx context.Context, db database.DBTX, resellerID, country, channel string) (*models.PriceTier, error) {
	tier, err := scanTier(db.QueryRowContext(ctx, `
		SELECT `+tierColumns+`
		FROM price_tiers
		WHERE reseller_id = $1 AND country = $2 AND channel = $3 AND is_valid = true`,
		resellerID, country, channel))
	if err == database.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load parent tier: %w", err)
	}
	return &tier, nil
}
