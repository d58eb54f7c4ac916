package models

import "github.com/shopspring/decimal"

// FloorRate returns floor(amount × rate) in whole units.
func FloorRate(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Floor().IntPart()
}

// CeilRate returns ceil(amount × rate) in whole units.
func CeilRate(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Ceil().IntPart()
}
