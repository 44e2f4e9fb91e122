package service

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vela/domain/collections/ringqueue"
	"vela/domain/dex"
	"vela/domain/orderbook"
	"vela/domain/segment"
	"vela/domain/user"
)

// Deposit moves tokens from the owner's account into the asset vault
// and credits the user's internal balance. The ledger transfer runs
// last so a failed instruction leaves no token movement behind.
func (e *Engine) Deposit(userID segment.ID, asset int, amount uint64) error {
	return e.run(true, func(t *txn) error {
		a, err := t.state.Asset(asset)
		if err != nil {
			return err
		}
		u, err := t.user(userID)
		if err != nil {
			return err
		}
		if err := u.Deposit(byte(asset), amount); err != nil {
			return err
		}
		return t.e.ledger.Transfer(a.Mint, u.Owner(), a.Vault, amount)
	})
}

// Withdraw debits the user's internal balance and returns tokens from
// the vault to the owner's account.
func (e *Engine) Withdraw(userID segment.ID, asset int, amount uint64) error {
	return e.run(true, func(t *txn) error {
		a, err := t.state.Asset(asset)
		if err != nil {
			return err
		}
		u, err := t.user(userID)
		if err != nil {
			return err
		}
		if err := u.Withdraw(byte(asset), amount); err != nil {
			return err
		}
		return t.e.ledger.Transfer(a.Mint, a.Vault, u.Owner(), amount)
	})
}

// PlaceBid rests a limit open order. The collateral amount is debited
// from the user's balance now and moves into pool bookkeeping when the
// bid fills.
func (e *Engine) PlaceBid(userID segment.ID, market int, price, amount uint64, leverage uint32, long bool, now int64) (byte, error) {
	var userSlot byte
	err := e.run(true, func(t *txn) error {
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
		u, err := t.user(userID)
		if err != nil {
			return err
		}
		if err := u.Withdraw(m.AssetIndex, amount); err != nil {
			return err
		}
		if userSlot, err = u.NewBidOrder(amount, price, leverage, long, byte(market), m.AssetIndex, now); err != nil {
			return err
		}
		b, err := t.book(m)
		if err != nil {
			return err
		}
		o, err := b.NewOrder(price, amount, userID, userSlot)
		if err != nil {
			return err
		}
		if err := u.SetOrderSlot(userSlot, o.Index()); err != nil {
			return err
		}
		return b.Link(orderbook.Bid, o)
	})
	return userSlot, err
}

// PlaceAsk rests a limit close order, earmarking the close size on the
// position so no other order can claim it.
func (e *Engine) PlaceAsk(userID segment.ID, market int, price, size uint64, long bool, now int64) (byte, error) {
	var userSlot byte
	err := e.run(true, func(t *txn) error {
		m, err := t.state.Market(market)
		if err != nil {
			return err
		}
		u, err := t.user(userID)
		if err != nil {
			return err
		}
		if userSlot, err = u.NewAskOrder(size, price, long, byte(market), now); err != nil {
			return err
		}
		b, err := t.book(m)
		if err != nil {
			return err
		}
		o, err := b.NewOrder(price, size, userID, userSlot)
		if err != nil {
			return err
		}
		if err := u.SetOrderSlot(userSlot, o.Index()); err != nil {
			return err
		}
		if err := b.Link(orderbook.Ask, o); err != nil {
			return err
		}
		return t.bumpUser(userID, u)
	})
	return userSlot, err
}

func orderSide(o user.Order) orderbook.Side {
	if o.Open {
		return orderbook.Bid
	}
	return orderbook.Ask
}

func (t *txn) cancelOne(userID segment.ID, u *user.State, o user.Order, now int64) error {
	m, err := t.state.Market(int(o.Market))
	if err != nil {
		return err
	}
	b, err := t.book(m)
	if err != nil {
		return err
	}
	// fails closed once a fill released the slot
	if _, err := b.Unlink(orderSide(o), o.OrderSlot, o.Slot); err != nil {
		return err
	}
	if _, err := u.CancelOrder(o.Slot); err != nil {
		return err
	}
	if o.Open {
		if err := u.Deposit(o.Asset, o.Size); err != nil {
			return err
		}
	}
	ev := dex.OrderCancelled{
		Owner:         userID,
		Price:         o.Price,
		Size:          o.Size,
		Market:        o.Market,
		UserOrderSlot: o.Slot,
	}
	return t.emit(dex.EventOrderCancelled, now, ev.Encode())
}

// Cancel withdraws one resting order. A bid refunds its collateral, an
// ask returns its closing-size earmark. Cancelling an order that has
// already matched fails with ErrInvalidOrderSlot.
func (e *Engine) Cancel(userID segment.ID, userOrderSlot byte, now int64) error {
	return e.run(true, func(t *txn) error {
		u, err := t.user(userID)
		if err != nil {
			return err
		}
		o, err := u.GetOrder(userOrderSlot)
		if err != nil {
			return err
		}
		if err := t.cancelOne(userID, u, o, now); err != nil {
			return err
		}
		if !o.Open {
			return t.bumpUser(userID, u)
		}
		return nil
	})
}

// CancelAll withdraws every resting order of one user and reports how
// many were cancelled.
func (e *Engine) CancelAll(userID segment.ID, now int64) (int, error) {
	var n int
	err := e.run(true, func(t *txn) error {
		u, err := t.user(userID)
		if err != nil {
			return err
		}
		orders := u.Orders()
		for _, o := range orders {
			if err := t.cancelOne(userID, u, o, now); err != nil {
				return err
			}
			n++
		}
		if n > 0 {
			return t.bumpUser(userID, u)
		}
		return nil
	})
	if err != nil {
		n = 0
	}
	return n, err
}

// MatchOrders pops every order crossed by the current oracle price into
// the market's match queue. Matching stops when the queue has one free
// record left; unmatched orders stay on the book for the next tick.
func (e *Engine) MatchOrders(market int) (int, error) {
	var matched int
	err := e.run(true, func(t *txn) error {
		m, err := t.state.Market(market)
		if err != nil {
			return err
		}
		price, err := m.MarkPrice()
		if err != nil {
			return err
		}
		b, err := t.book(m)
		if err != nil {
			return err
		}
		q, err := t.matchQueue(m)
		if err != nil {
			return err
		}
		for _, side := range []orderbook.Side{orderbook.Bid, orderbook.Ask} {
			for q.Size() < q.Capacity() {
				taken, err := b.NextMatch(side, price)
				if errors.Is(err, orderbook.ErrNoMatch) {
					break
				}
				if err != nil {
					return err
				}
				rec, err := q.PushTail()
				if err != nil {
					return err
				}
				ev := dex.MatchEvent{
					Owner:         taken.Owner,
					OrderSlot:     taken.Index,
					UserOrderSlot: taken.UserOrderSlot,
				}
				ev.Encode(rec)
				matched++
			}
		}
		if matched > 0 {
			t.e.log.WithFields(logrus.Fields{
				"market":  market,
				"price":   price,
				"matched": matched,
			}).Debug("orders matched")
		}
		return nil
	})
	if err != nil {
		matched = 0
	}
	return matched, err
}

// Crank drains the market's match queue: each match event names a
// filled order whose book slot is already released, and the crank
// settles it against the owner's position at the current oracle price.
func (e *Engine) Crank(market int, now int64) (int, error) {
	var settled int
	err := e.run(true, func(t *txn) error {
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
		q, err := t.matchQueue(m)
		if err != nil {
			return err
		}
		for {
			rec, err := q.ReadHead()
			if errors.Is(err, ringqueue.ErrQueueEmpty) {
				break
			}
			if err != nil {
				return err
			}
			ev, err := dex.DecodeMatchEvent(rec)
			if err != nil {
				return err
			}
			u, err := t.user(ev.Owner)
			if err != nil {
				return err
			}
			o, err := u.ConsumeOrder(ev.UserOrderSlot)
			if err != nil {
				return err
			}
			if o.Open {
				err = t.fillOpen(ev.Owner, u, a, m, o.Long, price, o.Size, o.Leverage, now)
			} else {
				err = t.fillClose(ev.Owner, u, a, m, o.Long, price, o.Size, now, true, dex.EventPositionFilled)
			}
			if err != nil {
				return err
			}
			if err := q.RemoveHead(); err != nil {
				return err
			}
			if err := t.bumpUser(ev.Owner, u); err != nil {
				return err
			}
			settled++
		}
		return nil
	})
	if err != nil {
		settled = 0
	}
	return settled, err
}
