package pricing

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"courier/internal/models"
)

// Prices are kept to 3 decimals when derived: sale prices round up so
// the parent never loses margin to rounding, cost prices round down.
const derivedScale = 3

// DeriveChildTier builds a new reseller's tier from its parent's. The
// child buys at the parent's sale price and resells with the given
// margin rate on top. A sale price that would fall below cost is
// lifted to cost.
func DeriveChildTier(parent models.PriceTier, childResellerID string, marginRate decimal.Decimal) models.PriceTier {
	cost := parent.SalePrice.RoundDown(derivedScale)
	sale := parent.SalePrice.Mul(decimal.NewFromInt(1).Add(marginRate)).RoundUp(derivedScale)
	if sale.LessThan(cost) {
		sale = cost
	}

	return models.PriceTier{
		ID:           uuid.New().String(),
		ResellerID:   childResellerID,
		Country:      parent.Country,
		Channel:      parent.Channel,
		ServiceType:  parent.ServiceType,
		Provider:     parent.Provider,
		ChannelPrice: parent.ChannelPrice,
		CostPrice:    cost,
		SalePrice:    sale,
		CeilingPrice: parent.CeilingPrice,
		IsValid:      true,
	}
}

// DeriveMemberPrice seeds a member's price override from the owning
// reseller's tier. Both the live price and the default start at the
// reseller's sale price; the live price is independently adjustable
// afterward.
func DeriveMemberPrice(tier models.PriceTier, memberID string) models.MemberPrice {
	price := tier.SalePrice.RoundUp(derivedScale)
	return models.MemberPrice{
		ID:           uuid.New().String(),
		MemberID:     memberID,
		Country:      tier.Country,
		Channel:      tier.Channel,
		Price:        price,
		DefaultPrice: price,
	}
}
