// Package dex holds the exchange-wide state: the asset and market
// tables, the global long/short aggregates, and the integer
// fixed-point position math every instruction runs through.
//
// Scaling conventions: fee rates are parts per 10,000; leverage
// carries 3 implied decimals (10_000 means 10x); USD prices carry 6
// decimals; asset amounts carry the asset's own decimals.
package dex

const (
	FeeRateBase  = 10_000
	LeverageBase = 1_000
	UsdDecimals  = 6

	MaxAssets  = 16
	MaxMarkets = 16
)
