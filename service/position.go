package service

import (
	"github.com/pkg/errors"

	"vela/domain/dex"
	"vela/domain/orderbook"
	"vela/domain/segment"
	"vela/domain/user"
)

// fillOpen settles an opening fill: the position grows, the pool books
// the collateral and reserves the borrowed size, and a fill event goes
// out.
func (t *txn) fillOpen(userID segment.ID, u *user.State, a *dex.AssetInfo, m *dex.MarketInfo,
	long bool, price, amount uint64, leverage uint32, now int64) error {

	market := t.marketIndex(m)
	res, err := u.OpenPosition(market, long, price, amount, leverage, m.OpenFeeRate, now)
	if err != nil {
		return err
	}
	if err := a.BorrowFund(res.Collateral, res.Borrow, res.Fee); err != nil {
		return err
	}
	if err := m.IncreaseGlobal(long, price, res.Size, res.Collateral); err != nil {
		return err
	}
	if err := m.AddVolume(price, res.Size); err != nil {
		return err
	}
	ev := dex.PositionFilled{
		Owner:      userID,
		Price:      price,
		Size:       res.Size,
		Collateral: res.Collateral,
		Borrow:     res.Borrow,
		Fee:        res.Fee,
		Market:     market,
		Open:       true,
		Long:       long,
	}
	return t.emit(dex.EventPositionFilled, now, ev.Encode())
}

// fillClose settles a closing fill: the position shrinks, the pool is
// repaid and the trader's pnl settles against LP liquidity, and the net
// payout lands back on the user's balance. The close's repaid borrow
// equals the closed size, so it doubles as the size argument of the
// global-aggregate unwind.
func (t *txn) fillClose(userID segment.ID, u *user.State, a *dex.AssetInfo, m *dex.MarketInfo,
	long bool, price, size uint64, now int64, fromReservation bool, eventKind byte) error {

	market := t.marketIndex(m)
	res, err := u.ClosePosition(market, long, size, price, m.CloseFeeRate, a.BorrowFeeRate, now, fromReservation)
	if err != nil {
		return err
	}
	if err := a.RepayFund(res.Released, res.Borrow, res.Fee, res.Pnl); err != nil {
		return err
	}
	if err := m.DecreaseGlobal(long, res.Borrow, res.Released, res.Borrow); err != nil {
		return err
	}
	if err := m.AddVolume(price, res.Borrow); err != nil {
		return err
	}

	payout := int64(res.Released) - int64(res.Fee) + res.Pnl
	if payout < 0 {
		payout = 0
	}
	if payout > 0 {
		if err := u.Deposit(m.AssetIndex, uint64(payout)); err != nil {
			return err
		}
	}

	ev := dex.PositionFilled{
		Owner:      userID,
		Price:      price,
		Size:       res.Borrow,
		Collateral: res.Released,
		Borrow:     res.Borrow,
		Fee:        res.Fee,
		Pnl:        res.Pnl,
		Market:     market,
		Open:       false,
		Long:       long,
	}
	return t.emit(eventKind, now, ev.Encode())
}

// marketIndex recovers the table index of a market row resolved from
// t.state. Rows are never removed, so pointer identity is enough.
func (t *txn) marketIndex(m *dex.MarketInfo) byte {
	for i := range t.state.Markets {
		if &t.state.Markets[i] == m {
			return byte(i)
		}
	}
	return 0
}

// OpenPosition opens at the oracle price without resting an order.
func (e *Engine) OpenPosition(userID segment.ID, market int, amount uint64, leverage uint32, long bool, now int64) error {
	return e.run(true, func(t *txn) error {
		m, err := t.state.Market(market)
		if err != nil {
			return err
		}
		if err := m.CheckLeverage(leverage); err != nil {
			return err
		}
		if amount < m.MinimumCollateral {
			return dex.ErrCollateralBelowMinimum
		}
		price, err := m.MarkPrice()
		if err != nil {
			return err
		}
		a, err := t.state.Asset(int(m.AssetIndex))
		if err != nil {
			return err
		}
		u, err := t.user(userID)
		if err != nil {
			return err
		}
		if err := u.Withdraw(m.AssetIndex, amount); err != nil {
			return err
		}
		if err := t.fillOpen(userID, u, a, m, long, price, amount, leverage, now); err != nil {
			return err
		}
		return t.bumpUser(userID, u)
	})
}

// ClosePosition closes size at the oracle price without resting an
// order. Size earmarked by resting asks stays reserved.
func (e *Engine) ClosePosition(userID segment.ID, market int, size uint64, long bool, now int64) error {
	return e.run(true, func(t *txn) error {
		m, err := t.state.Market(market)
		if err != nil {
			return err
		}
		price, err := m.MarkPrice()
		if err != nil {
			return err
		}
		a, err := t.state.Asset(int(m.AssetIndex))
		if err != nil {
			return err
		}
		u, err := t.user(userID)
		if err != nil {
			return err
		}
		if err := t.fillClose(userID, u, a, m, long, price, size, now, false, dex.EventPositionFilled); err != nil {
			return err
		}
		return t.bumpUser(userID, u)
	})
}

// Liquidate force-closes a whole position once its collateral no longer
// covers losses and fees past the market's liquidation threshold. The
// user's resting asks on that side are cancelled first so the earmarked
// size can close.
func (e *Engine) Liquidate(userID segment.ID, market int, long bool, now int64) error {
	return e.run(true, func(t *txn) error {
		m, err := t.state.Market(market)
		if err != nil {
			return err
		}
		price, err := m.MarkPrice()
		if err != nil {
			return err
		}
		a, err := t.state.Asset(int(m.AssetIndex))
		if err != nil {
			return err
		}
		u, err := t.user(userID)
		if err != nil {
			return err
		}
		p, err := u.Position(byte(market), long)
		if err != nil {
			return err
		}
		if p.Size == 0 {
			return dex.ErrInvalidAmount
		}
		if !p.Liquidatable(price, m.CloseFeeRate, a.BorrowFeeRate, m.LiquidateFeeRate, now) {
			return ErrNotLiquidatable
		}

		for _, o := range u.Orders() {
			if o.Open || int(o.Market) != market || o.Long != long {
				continue
			}
			// an ask whose book slot is already released was matched and
			// sits in the match queue; the crank settles its share
			if err := t.cancelOne(userID, u, o, now); err != nil {
				if errors.Is(err, orderbook.ErrInvalidOrderSlot) {
					continue
				}
				return err
			}
		}

		if p, err = u.Position(byte(market), long); err != nil {
			return err
		}
		if size := p.UnclosingSize(); size > 0 {
			if err := t.fillClose(userID, u, a, m, long, price, size, now, false, dex.EventLiquidated); err != nil {
				return err
			}
		}
		return t.bumpUser(userID, u)
	})
}
