package dex

import (
	"encoding/binary"
	"errors"

	"vela/domain/segment"
)

// Serialized event-queue discriminators.
const (
	EventPositionFilled byte = 1
	EventOrderCancelled byte = 2
	EventLiquidated     byte = 3
)

var ErrBadEventRecord = errors.New("dex: malformed event record")

// MatchEvent is one fixed-width record in the match queue: enough to
// find the filled order's owner and their order-table slot at crank
// time, nothing more. The order pool slot is already released when the
// event is produced.
type MatchEvent struct {
	Owner         segment.ID
	OrderSlot     uint32
	UserOrderSlot byte
}

// MatchEventSize is the ring record footprint: owner, order slot, user
// order slot, and three bytes of padding.
const MatchEventSize = 40

func (e *MatchEvent) Encode(b []byte) {
	copy(b[0:32], e.Owner[:])
	binary.LittleEndian.PutUint32(b[32:36], e.OrderSlot)
	b[36] = e.UserOrderSlot
	b[37], b[38], b[39] = 0, 0, 0
}

func DecodeMatchEvent(b []byte) (MatchEvent, error) {
	if len(b) < MatchEventSize {
		return MatchEvent{}, ErrBadEventRecord
	}
	var e MatchEvent
	copy(e.Owner[:], b[0:32])
	e.OrderSlot = binary.LittleEndian.Uint32(b[32:36])
	e.UserOrderSlot = b[36]
	return e, nil
}

// PositionFilled is the serialized settlement event the broadcaster
// ships off-chain after a position opens or closes.
type PositionFilled struct {
	Owner      segment.ID
	Price      uint64
	Size       uint64
	Collateral uint64
	Borrow     uint64
	Fee        uint64
	Pnl        int64 // closes only
	Market     byte
	Open       bool
	Long       bool
}

const positionFilledSize = 32 + 6*8 + 3

func (e *PositionFilled) Encode() []byte {
	b := make([]byte, positionFilledSize)
	copy(b[0:32], e.Owner[:])
	binary.LittleEndian.PutUint64(b[32:], e.Price)
	binary.LittleEndian.PutUint64(b[40:], e.Size)
	binary.LittleEndian.PutUint64(b[48:], e.Collateral)
	binary.LittleEndian.PutUint64(b[56:], e.Borrow)
	binary.LittleEndian.PutUint64(b[64:], e.Fee)
	binary.LittleEndian.PutUint64(b[72:], uint64(e.Pnl))
	b[80] = e.Market
	b[81] = boolByte(e.Open)
	b[82] = boolByte(e.Long)
	return b
}

func DecodePositionFilled(b []byte) (PositionFilled, error) {
	if len(b) < positionFilledSize {
		return PositionFilled{}, ErrBadEventRecord
	}
	var e PositionFilled
	copy(e.Owner[:], b[0:32])
	e.Price = binary.LittleEndian.Uint64(b[32:])
	e.Size = binary.LittleEndian.Uint64(b[40:])
	e.Collateral = binary.LittleEndian.Uint64(b[48:])
	e.Borrow = binary.LittleEndian.Uint64(b[56:])
	e.Fee = binary.LittleEndian.Uint64(b[64:])
	e.Pnl = int64(binary.LittleEndian.Uint64(b[72:]))
	e.Market = b[80]
	e.Open = b[81] == 1
	e.Long = b[82] == 1
	return e, nil
}

// OrderCancelled reports a cancelled resting order.
type OrderCancelled struct {
	Owner         segment.ID
	Price         uint64
	Size          uint64
	Market        byte
	UserOrderSlot byte
}

const orderCancelledSize = 32 + 2*8 + 2

func (e *OrderCancelled) Encode() []byte {
	b := make([]byte, orderCancelledSize)
	copy(b[0:32], e.Owner[:])
	binary.LittleEndian.PutUint64(b[32:], e.Price)
	binary.LittleEndian.PutUint64(b[40:], e.Size)
	b[48] = e.Market
	b[49] = e.UserOrderSlot
	return b
}

func DecodeOrderCancelled(b []byte) (OrderCancelled, error) {
	if len(b) < orderCancelledSize {
		return OrderCancelled{}, ErrBadEventRecord
	}
	var e OrderCancelled
	copy(e.Owner[:], b[0:32])
	e.Price = binary.LittleEndian.Uint64(b[32:])
	e.Size = binary.LittleEndian.Uint64(b[40:])
	e.Market = b[48]
	e.UserOrderSlot = b[49]
	return e, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// PositionSize is the fixed byte footprint of one marshalled Position
// inside a user-state segment.
const PositionSize = 88

// Marshal writes the position into b, which must hold PositionSize
// bytes.
func (p *Position) Marshal(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], p.Size)
	binary.LittleEndian.PutUint64(b[8:], p.Collateral)
	binary.LittleEndian.PutUint64(b[16:], p.AvgPrice)
	binary.LittleEndian.PutUint64(b[24:], p.ClosingSize)
	binary.LittleEndian.PutUint64(b[32:], p.Borrowed)
	binary.LittleEndian.PutUint64(b[40:], uint64(p.LastFillTime))
	binary.LittleEndian.PutUint64(b[48:], p.CumFundFee)
	binary.LittleEndian.PutUint64(b[56:], p.StopLoss)
	binary.LittleEndian.PutUint64(b[64:], p.TakeProfit)
	b[72] = boolByte(p.Long)
}

// UnmarshalPosition reads a position back from b.
func UnmarshalPosition(b []byte) (Position, error) {
	if len(b) < PositionSize {
		return Position{}, ErrBadEventRecord
	}
	return Position{
		Size:         binary.LittleEndian.Uint64(b[0:]),
		Collateral:   binary.LittleEndian.Uint64(b[8:]),
		AvgPrice:     binary.LittleEndian.Uint64(b[16:]),
		ClosingSize:  binary.LittleEndian.Uint64(b[24:]),
		Borrowed:     binary.LittleEndian.Uint64(b[32:]),
		LastFillTime: int64(binary.LittleEndian.Uint64(b[40:])),
		CumFundFee:   binary.LittleEndian.Uint64(b[48:]),
		StopLoss:     binary.LittleEndian.Uint64(b[56:]),
		TakeProfit:   binary.LittleEndian.Uint64(b[64:]),
		Long:         b[72] == 1,
	}, nil
}
