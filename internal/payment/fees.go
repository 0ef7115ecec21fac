package payment

import (
	"github.com/shopspring/decimal"
)

var (
	rentFeeRate    = decimal.RequireFromString("0.025")
	serviceFeeRate = decimal.RequireFromString("0.05")
)

// FeeRate returns the platform commission applied to a purpose.
func FeeRate(p Purpose) decimal.Decimal {
	if p == PurposeService {
		return serviceFeeRate
	}
	return rentFeeRate
}

// ComputeFee splits amount into the platform fee and the net amount paid out,
// rounding the fee half away from zero to whole minor units.
func ComputeFee(amount int64, p Purpose) (fee, net int64) {
	f := decimal.NewFromInt(amount).Mul(FeeRate(p)).Round(0).IntPart()
	return f, amount - f
}
