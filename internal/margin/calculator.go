// Package margin computes the per-listing profitability estimate from a
// platform fee table.
package margin

import (
	"errors"
	"fmt"

	"marketspy/internal/model"
)

// ErrUnknownPlatform is returned when the fee table has no entry for a platform.
var ErrUnknownPlatform = errors.New("no fee schedule for platform")

// FeeSchedule describes the seller costs of one marketplace.
//
// FixedFee is charged when the price is below LowThreshold; a LowThreshold of
// zero means the fixed fee is always charged. ShippingCost is charged when the
// price is at or above ShipThreshold; a zero ShippingCost means no shipping.
type FeeSchedule struct {
	Rate          float64 `json:"rate"`
	FixedFee      float64 `json:"fixed_fee"`
	LowThreshold  float64 `json:"low_threshold"`
	ShippingCost  float64 `json:"shipping_cost"`
	ShipThreshold float64 `json:"ship_threshold"`
}

// Table maps a platform to its fee schedule.
type Table map[model.Platform]FeeSchedule

// DefaultTable returns the built-in fee schedules.
func DefaultTable() Table {
	return Table{
		model.PlatformMercadoLivre: {
			Rate:          0.14,
			FixedFee:      6.00,
			LowThreshold:  79,
			ShippingCost:  20.90,
			ShipThreshold: 79,
		},
		model.PlatformShopee: {
			Rate:     0.20,
			FixedFee: 3.00,
		},
	}
}

// Calculator computes MarginBreakdown values. It is immutable and safe for
// concurrent use.
type Calculator struct {
	table Table
}

// NewCalculator returns a Calculator over DefaultTable with the given
// overrides applied per platform.
func NewCalculator(overrides Table) *Calculator {
	table := DefaultTable()
	for p, fs := range overrides {
		table[p] = fs
	}
	return &Calculator{table: table}
}

// Schedule returns the fee schedule of a platform.
func (c *Calculator) Schedule(platform model.Platform) (FeeSchedule, bool) {
	fs, ok := c.table[platform]
	return fs, ok
}

// Compute returns the breakdown for price on platform. The price is expected
// to be positive; callers filter invalid listings first.
func (c *Calculator) Compute(price float64, platform model.Platform) (model.MarginBreakdown, error) {
	fs, ok := c.table[platform]
	if !ok {
		return model.MarginBreakdown{}, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return fs.apply(price), nil
}

func (fs FeeSchedule) apply(price float64) model.MarginBreakdown {
	fees := price * fs.Rate
	if fs.LowThreshold <= 0 || price < fs.LowThreshold {
		fees += fs.FixedFee
	}

	shipping := 0.0
	if fs.ShippingCost > 0 && price >= fs.ShipThreshold {
		shipping = fs.ShippingCost
	}

	total := fees + shipping
	profit := price - total
	return model.MarginBreakdown{
		Fees:                fees,
		Shipping:            shipping,
		TotalCost:           total,
		EstimatedProfit:     profit,
		ProfitMarginPercent: profit / price * 100,
	}
}
