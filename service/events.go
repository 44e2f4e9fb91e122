package service

import (
	"vela/domain/collections/eventqueue"
	"vela/domain/dex"
	"vela/domain/orderbook"
	"vela/domain/segment"
	"vela/domain/user"
)

// PumpOutbox moves up to max events from the on-segment event queue
// into the durable settlement outbox. The queue head advances in the
// same batch that appends the outbox records, so an event is either
// still in the queue or already durable, never both or neither.
func (e *Engine) PumpOutbox(max int) (int, error) {
	var moved int
	err := e.run(true, func(t *txn) error {
		q, err := t.events()
		if err != nil {
			return err
		}
		for moved < max {
			ev, err := q.ReadHead()
			if err == eventqueue.ErrQueueEmpty {
				break
			}
			if err != nil {
				return err
			}
			t.outbox = append(t.outbox, pendingEvent{
				kind:    ev.Kind,
				time:    ev.Time,
				payload: append([]byte(nil), ev.Payload...),
			})
			if err := q.RemoveHead(); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		moved = 0
	}
	return moved, err
}

//
// Read-only queries.
//

// UserOrders lists a user's resting orders, oldest first.
func (e *Engine) UserOrders(userID segment.ID) ([]user.Order, error) {
	var out []user.Order
	err := e.view(func(t *txn) error {
		u, err := t.user(userID)
		if err != nil {
			return err
		}
		out = u.Orders()
		return nil
	})
	return out, err
}

// UserPosition returns a copy of one side of a user's position.
func (e *Engine) UserPosition(userID segment.ID, market int, long bool) (dex.Position, error) {
	var p dex.Position
	err := e.view(func(t *txn) error {
		u, err := t.user(userID)
		if err != nil {
			return err
		}
		p, err = u.Position(byte(market), long)
		return err
	})
	return p, err
}

// UserBalance reports a user's internal balance of one asset.
func (e *Engine) UserBalance(userID segment.ID, asset int) (uint64, error) {
	var bal uint64
	err := e.view(func(t *txn) error {
		u, err := t.user(userID)
		if err != nil {
			return err
		}
		bal = u.AssetBalance(byte(asset))
		return nil
	})
	return bal, err
}

// Depth counts the resting orders on one side of a market's book.
func (e *Engine) Depth(market int, side orderbook.Side) (int, error) {
	var depth int
	err := e.view(func(t *txn) error {
		m, err := t.state.Market(market)
		if err != nil {
			return err
		}
		b, err := t.book(m)
		if err != nil {
			return err
		}
		depth, err = b.Depth(side)
		return err
	})
	return depth, err
}

// BestPrice reports the top of one side of a market's book.
func (e *Engine) BestPrice(market int, side orderbook.Side) (uint64, bool, error) {
	var price uint64
	var ok bool
	err := e.view(func(t *txn) error {
		m, err := t.state.Market(market)
		if err != nil {
			return err
		}
		b, err := t.book(m)
		if err != nil {
			return err
		}
		price, ok = b.BestPrice(side)
		return nil
	})
	return price, ok, err
}

// MarketInfo returns a copy of one market row.
func (e *Engine) MarketInfo(market int) (dex.MarketInfo, error) {
	var out dex.MarketInfo
	err := e.view(func(t *txn) error {
		m, err := t.state.Market(market)
		if err != nil {
			return err
		}
		out = *m
		return nil
	})
	return out, err
}

// Markets returns a copy of the whole market table.
func (e *Engine) Markets() ([]dex.MarketInfo, error) {
	var out []dex.MarketInfo
	err := e.view(func(t *txn) error {
		out = append(out, t.state.Markets...)
		return nil
	})
	return out, err
}

// AssetInfo returns a copy of one asset row.
func (e *Engine) AssetInfo(asset int) (dex.AssetInfo, error) {
	var out dex.AssetInfo
	err := e.view(func(t *txn) error {
		a, err := t.state.Asset(asset)
		if err != nil {
			return err
		}
		out = *a
		return nil
	})
	return out, err
}
