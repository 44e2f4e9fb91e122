package dex

import (
	"errors"

	"vela/domain/mathx"
)

var (
	ErrInvalidAmount      = errors.New("dex: invalid amount")
	ErrInvalidLeverage    = errors.New("dex: invalid leverage")
	ErrCloseSizeTooLarge  = errors.New("dex: close size exceeds position")
	ErrClosingSizeMissing = errors.New("dex: closing size reservation missing")
)

// Position is one direction of exposure on one market, either a user's
// or the market's global aggregate. It is created flat, mutated in
// place by every open and close, and never deleted; size zero is the
// valid flat state.
type Position struct {
	Size         uint64
	Collateral   uint64
	AvgPrice     uint64
	ClosingSize  uint64
	Borrowed     uint64
	LastFillTime int64
	CumFundFee   uint64
	StopLoss     uint64
	TakeProfit   uint64
	Long         bool
}

// OpenResult reports what one fill added to the position.
type OpenResult struct {
	Size       uint64
	Collateral uint64
	Borrow     uint64
	Fee        uint64
}

// CloseResult reports what one close realized.
type CloseResult struct {
	Released  uint64 // collateral freed, before fees and pnl settle
	Fee       uint64 // close fee plus borrow fee
	BorrowFee uint64
	Pnl       int64 // asset units, positive in the trader's favor
	Borrow    uint64 // borrowed amount repaid to the pool
}

// Open fills amount into the position at price with the given leverage.
// The open fee is charged on the leveraged notional, so
//
//	fee = amount·rate·lev / (10000·1000 + rate·lev)
//
// and the remainder becomes collateral. The new size merges into any
// existing exposure at the size-weighted average price. The borrowed
// amount equals the opened size: the pool reserves the full exposure.
func (p *Position) Open(price, amount uint64, leverage uint32, openFeeRate uint16, now int64) (OpenResult, error) {
	if amount == 0 || price == 0 {
		return OpenResult{}, ErrInvalidAmount
	}
	if leverage < LeverageBase {
		return OpenResult{}, ErrInvalidLeverage
	}

	rateLev, err := mathx.Mul(uint64(openFeeRate), uint64(leverage))
	if err != nil {
		return OpenResult{}, err
	}
	den, err := mathx.Add(FeeRateBase*LeverageBase, rateLev)
	if err != nil {
		return OpenResult{}, err
	}
	fee, err := mathx.MulDiv(amount, rateLev, den)
	if err != nil {
		return OpenResult{}, err
	}
	collateral, err := mathx.Sub(amount, fee)
	if err != nil {
		return OpenResult{}, err
	}
	size, err := mathx.MulDiv(collateral, uint64(leverage), LeverageBase)
	if err != nil {
		return OpenResult{}, err
	}
	if size == 0 {
		return OpenResult{}, ErrInvalidAmount
	}

	merged, err := mathx.Add(p.Size, size)
	if err != nil {
		return OpenResult{}, err
	}
	avg, err := mathx.MulAddDiv(p.Size, p.AvgPrice, size, price, merged)
	if err != nil {
		return OpenResult{}, err
	}
	if p.Collateral, err = mathx.Add(p.Collateral, collateral); err != nil {
		return OpenResult{}, err
	}
	if p.Borrowed, err = mathx.Add(p.Borrowed, size); err != nil {
		return OpenResult{}, err
	}
	p.Size = merged
	p.AvgPrice = avg
	p.LastFillTime = now

	return OpenResult{Size: size, Collateral: collateral, Borrow: size, Fee: fee}, nil
}

// pnl computes the signed asset-unit pnl for closing size at price.
func (p *Position) pnl(size, price uint64) (int64, error) {
	if p.AvgPrice == 0 {
		return 0, mathx.ErrDivideZero
	}
	var gain bool
	var delta uint64
	if price >= p.AvgPrice {
		gain, delta = p.Long, price-p.AvgPrice
	} else {
		gain, delta = !p.Long, p.AvgPrice-price
	}
	v, err := mathx.MulDiv(size, delta, p.AvgPrice)
	if err != nil {
		return 0, err
	}
	if v > 1<<62 {
		return 0, mathx.ErrOverflow
	}
	if gain {
		return int64(v), nil
	}
	return -int64(v), nil
}

// Close realizes size of the position at price. fromReservation marks a
// fill of a resting ask, consuming the closing-size reservation placed
// when the order was created; a direct close may only touch size that
// no resting order has earmarked.
func (p *Position) Close(size, price uint64, closeFeeRate, borrowFeeRate uint16, now int64, fromReservation bool) (CloseResult, error) {
	if size == 0 || price == 0 {
		return CloseResult{}, ErrInvalidAmount
	}
	if size > p.Size {
		return CloseResult{}, ErrCloseSizeTooLarge
	}
	if fromReservation {
		if size > p.ClosingSize {
			return CloseResult{}, ErrClosingSizeMissing
		}
	} else if size > p.Size-p.ClosingSize {
		return CloseResult{}, ErrCloseSizeTooLarge
	}

	released, err := mathx.MulDiv(p.Collateral, size, p.Size)
	if err != nil {
		return CloseResult{}, err
	}
	borrow, err := mathx.MulDiv(p.Borrowed, size, p.Size)
	if err != nil {
		return CloseResult{}, err
	}
	pnl, err := p.pnl(size, price)
	if err != nil {
		return CloseResult{}, err
	}
	closeFee, err := mathx.MulDiv(size, uint64(closeFeeRate), FeeRateBase)
	if err != nil {
		return CloseResult{}, err
	}

	var borrowFee uint64
	if hours := elapsedHours(p.LastFillTime, now); hours > 0 {
		rate, err := mathx.Mul(uint64(borrowFeeRate), hours)
		if err != nil {
			return CloseResult{}, err
		}
		if borrowFee, err = mathx.MulDiv(borrow, rate, FeeRateBase); err != nil {
			return CloseResult{}, err
		}
	}
	fee, err := mathx.Add(closeFee, borrowFee)
	if err != nil {
		return CloseResult{}, err
	}

	p.Size -= size
	p.Collateral -= released
	p.Borrowed -= borrow
	if fromReservation {
		p.ClosingSize -= size
	}
	if p.CumFundFee, err = mathx.Add(p.CumFundFee, borrowFee); err != nil {
		return CloseResult{}, err
	}
	if p.Size == 0 {
		p.AvgPrice = 0
		p.CumFundFee = 0
		p.LastFillTime = 0
	}

	return CloseResult{
		Released:  released,
		Fee:       fee,
		BorrowFee: borrowFee,
		Pnl:       pnl,
		Borrow:    borrow,
	}, nil
}

// AddClosing earmarks size for a resting close order so concurrent
// orders cannot promise the same open size twice.
func (p *Position) AddClosing(size uint64) error {
	if size == 0 {
		return ErrInvalidAmount
	}
	if size > p.UnclosingSize() {
		return ErrCloseSizeTooLarge
	}
	p.ClosingSize += size
	return nil
}

// SubClosing returns an earmark, on cancel of the resting order.
func (p *Position) SubClosing(size uint64) error {
	if size > p.ClosingSize {
		return ErrClosingSizeMissing
	}
	p.ClosingSize -= size
	return nil
}

// UnclosingSize is the open size no resting order has claimed.
func (p *Position) UnclosingSize() uint64 {
	return p.Size - p.ClosingSize
}

// Liquidatable reports whether losses plus projected fees have eaten
// the collateral down to the liquidation threshold, expressed in parts
// per 10,000 of the remaining collateral.
func (p *Position) Liquidatable(price uint64, closeFeeRate, borrowFeeRate, threshold uint16, now int64) bool {
	if p.Size == 0 {
		return false
	}
	pnl, err := p.pnl(p.Size, price)
	if err != nil {
		return false
	}
	loss := uint64(0)
	if pnl < 0 {
		loss = uint64(-pnl)
	}
	closeFee, err := mathx.MulDiv(p.Size, uint64(closeFeeRate), FeeRateBase)
	if err != nil {
		return false
	}
	var borrowFee uint64
	if hours := elapsedHours(p.LastFillTime, now); hours > 0 {
		rate, err := mathx.Mul(uint64(borrowFeeRate), hours)
		if err != nil {
			return true
		}
		if borrowFee, err = mathx.MulDiv(p.Borrowed, rate, FeeRateBase); err != nil {
			return true
		}
	}

	burn := loss + closeFee + borrowFee
	if burn >= p.Collateral {
		return true
	}
	floor, err := mathx.MulDiv(p.Collateral, uint64(threshold), FeeRateBase)
	if err != nil {
		return false
	}
	return p.Collateral-burn <= floor
}

func elapsedHours(from, to int64) uint64 {
	if from <= 0 || to <= from {
		return 0
	}
	return uint64(to-from) / 3600
}
