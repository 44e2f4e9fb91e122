// Package user implements the per-user state segment: a meta header
// followed by three embedded slot tables for resting orders, per-market
// positions, and asset balances. Everything a trader owns lives in this
// one segment; the order book and the user registry refer into it by
// index and get verified on every dereference.
package user

import (
	"encoding/binary"
	"errors"

	"vela/domain/collections/smalllist"
	"vela/domain/dex"
	"vela/domain/mathx"
	"vela/domain/segment"
)

const (
	magic = 0xd1c34800

	metaSize = 64

	orderPayloadSize    = 40
	positionPayloadSize = 8 + 2*dex.PositionSize
	assetPayloadSize    = 16
)

// Meta header layout (little endian):
//
//	[0:4)   magic
//	[4:8)   serial
//	[8:12)  user-list slot index
//	[12]    order table slots
//	[13]    position table slots
//	[14]    asset table slots
//	[15]    padding
//	[16:48) owner key
//	[48:64) padding
const (
	offMagic         = 0
	offSerial        = 4
	offUserListIndex = 8
	offOrderSlots    = 12
	offPositionSlots = 13
	offAssetSlots    = 14
	offOwner         = 16
)

// Order payload layout:
//
//	[0:8)   list time
//	[8:16)  size (collateral amount for bids, close size for asks)
//	[16:24) limit price
//	[24:28) book order slot
//	[28:32) leverage
//	[32]    long
//	[33]    open
//	[34]    asset index
//	[35]    market index
//	[36:40) padding
const (
	ordOffTime     = 0
	ordOffSize     = 8
	ordOffPrice    = 16
	ordOffSlot     = 24
	ordOffLeverage = 28
	ordOffLong     = 32
	ordOffOpen     = 33
	ordOffAsset    = 34
	ordOffMarket   = 35
)

var (
	ErrInvalidUserState    = errors.New("user: invalid state segment")
	ErrAlreadyInUse        = errors.New("user: segment already initialized")
	ErrNotInitialized      = errors.New("user: segment not initialized")
	ErrInsufficientBalance = errors.New("user: insufficient asset balance")
	ErrNoSuchAsset         = errors.New("user: no balance for asset")
)

// Order is the decoded view of one resting-order record.
type Order struct {
	Slot      byte // index in the user's order table
	OrderSlot uint32
	Size      uint64
	Price     uint64
	Leverage  uint32
	ListTime  int64
	Long      bool
	Open      bool
	Asset     byte
	Market    byte
}

// State is a mounted view over one user-state segment.
type State struct {
	data      []byte
	orders    *smalllist.List
	positions *smalllist.List
	assets    *smalllist.List
}

// RequiredSize reports the segment footprint for the given table
// geometry.
func RequiredSize(orderSlots, positionSlots, assetSlots int) int {
	return metaSize +
		smalllist.RequiredSize(orderSlots, orderPayloadSize) +
		smalllist.RequiredSize(positionSlots, positionPayloadSize) +
		smalllist.RequiredSize(assetSlots, assetPayloadSize)
}

func carve(data []byte, orderSlots, positionSlots, assetSlots int) (o, p, a []byte) {
	off := metaSize
	next := off + smalllist.RequiredSize(orderSlots, orderPayloadSize)
	o = data[off:next]
	off = next
	next = off + smalllist.RequiredSize(positionSlots, positionPayloadSize)
	p = data[off:next]
	a = data[next : next+smalllist.RequiredSize(assetSlots, assetPayloadSize)]
	return o, p, a
}

// Initialize writes a fresh user state over seg.
func Initialize(seg *segment.Segment, owner segment.ID, orderSlots, positionSlots, assetSlots int) error {
	if len(seg.Data) < RequiredSize(orderSlots, positionSlots, assetSlots) {
		return ErrInvalidUserState
	}
	if binary.LittleEndian.Uint32(seg.Data[offMagic:]) == magic {
		return ErrAlreadyInUse
	}
	binary.LittleEndian.PutUint32(seg.Data[offMagic:], magic)
	binary.LittleEndian.PutUint32(seg.Data[offSerial:], 0)
	binary.LittleEndian.PutUint32(seg.Data[offUserListIndex:], 0xffffffff)
	seg.Data[offOrderSlots] = byte(orderSlots)
	seg.Data[offPositionSlots] = byte(positionSlots)
	seg.Data[offAssetSlots] = byte(assetSlots)
	copy(seg.Data[offOwner:offOwner+32], owner[:])

	o, p, a := carve(seg.Data, orderSlots, positionSlots, assetSlots)
	if _, err := smalllist.Mount(o, orderSlots, orderPayloadSize, smalllist.Initialize); err != nil {
		return err
	}
	if _, err := smalllist.Mount(p, positionSlots, positionPayloadSize, smalllist.Initialize); err != nil {
		return err
	}
	_, err := smalllist.Mount(a, assetSlots, assetPayloadSize, smalllist.Initialize)
	return err
}

// Mount validates the segment and returns a live view.
func Mount(seg *segment.Segment) (*State, error) {
	if len(seg.Data) < metaSize {
		return nil, ErrInvalidUserState
	}
	got := binary.LittleEndian.Uint32(seg.Data[offMagic:])
	if got == 0 {
		return nil, ErrNotInitialized
	}
	if got != magic {
		return nil, ErrInvalidUserState
	}
	orderSlots := int(seg.Data[offOrderSlots])
	positionSlots := int(seg.Data[offPositionSlots])
	assetSlots := int(seg.Data[offAssetSlots])
	if len(seg.Data) < RequiredSize(orderSlots, positionSlots, assetSlots) {
		return nil, ErrInvalidUserState
	}

	o, p, a := carve(seg.Data, orderSlots, positionSlots, assetSlots)
	s := &State{data: seg.Data}
	var err error
	if s.orders, err = smalllist.Mount(o, orderSlots, orderPayloadSize, smalllist.ReadWrite); err != nil {
		return nil, err
	}
	if s.positions, err = smalllist.Mount(p, positionSlots, positionPayloadSize, smalllist.ReadWrite); err != nil {
		return nil, err
	}
	if s.assets, err = smalllist.Mount(a, assetSlots, assetPayloadSize, smalllist.ReadWrite); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *State) Owner() segment.ID {
	var id segment.ID
	copy(id[:], s.data[offOwner:offOwner+32])
	return id
}

func (s *State) Serial() uint32 {
	return binary.LittleEndian.Uint32(s.data[offSerial:])
}

func (s *State) SetSerial(v uint32) {
	binary.LittleEndian.PutUint32(s.data[offSerial:], v)
}

func (s *State) UserListIndex() uint32 {
	return binary.LittleEndian.Uint32(s.data[offUserListIndex:])
}

func (s *State) SetUserListIndex(v uint32) {
	binary.LittleEndian.PutUint32(s.data[offUserListIndex:], v)
}

func decodeOrder(slot *smalllist.Slot) Order {
	p := slot.Payload()
	return Order{
		Slot:      slot.Index(),
		ListTime:  int64(binary.LittleEndian.Uint64(p[ordOffTime:])),
		Size:      binary.LittleEndian.Uint64(p[ordOffSize:]),
		Price:     binary.LittleEndian.Uint64(p[ordOffPrice:]),
		OrderSlot: binary.LittleEndian.Uint32(p[ordOffSlot:]),
		Leverage:  binary.LittleEndian.Uint32(p[ordOffLeverage:]),
		Long:      p[ordOffLong] == 1,
		Open:      p[ordOffOpen] == 1,
		Asset:     p[ordOffAsset],
		Market:    p[ordOffMarket],
	}
}

func (s *State) newOrder(size, price uint64, leverage uint32, long, open bool, market, asset byte, now int64) (byte, error) {
	slot, err := s.orders.NewSlot()
	if err != nil {
		return 0, err
	}
	p := slot.Payload()
	binary.LittleEndian.PutUint64(p[ordOffTime:], uint64(now))
	binary.LittleEndian.PutUint64(p[ordOffSize:], size)
	binary.LittleEndian.PutUint64(p[ordOffPrice:], price)
	binary.LittleEndian.PutUint32(p[ordOffSlot:], 0xffffffff)
	binary.LittleEndian.PutUint32(p[ordOffLeverage:], leverage)
	p[ordOffLong] = boolByte(long)
	p[ordOffOpen] = boolByte(open)
	p[ordOffAsset] = asset
	p[ordOffMarket] = market
	if err := s.orders.AddToTail(slot); err != nil {
		return 0, err
	}
	return slot.Index(), nil
}

// NewBidOrder records a resting open order. size is the collateral
// amount already transferred in; the position opens only when the bid
// fills.
func (s *State) NewBidOrder(size, price uint64, leverage uint32, long bool, market, asset byte, now int64) (byte, error) {
	return s.newOrder(size, price, leverage, long, true, market, asset, now)
}

// NewAskOrder records a resting close order and earmarks the close
// size on the position so no other order can claim it.
func (s *State) NewAskOrder(size, price uint64, long bool, market byte, now int64) (byte, error) {
	if err := s.mutatePosition(market, long, func(p *dex.Position) error {
		return p.AddClosing(size)
	}); err != nil {
		return 0, err
	}
	return s.newOrder(size, price, 0, long, false, market, 0, now)
}

// SetOrderSlot stores the book's slot index after the order is linked.
func (s *State) SetOrderSlot(userOrderSlot byte, orderSlot uint32) error {
	slot, err := s.orders.FromIndex(userOrderSlot)
	if err != nil {
		return err
	}
	if !slot.InUse() {
		return smalllist.ErrSlotNotInUse
	}
	binary.LittleEndian.PutUint32(slot.Payload()[ordOffSlot:], orderSlot)
	return nil
}

// GetOrder decodes one live order record.
func (s *State) GetOrder(userOrderSlot byte) (Order, error) {
	slot, err := s.orders.FromIndex(userOrderSlot)
	if err != nil {
		return Order{}, err
	}
	if !slot.InUse() {
		return Order{}, smalllist.ErrSlotNotInUse
	}
	return decodeOrder(slot), nil
}

// CancelOrder removes an order on the cancel path; an ask order hands
// its closing-size earmark back to the position.
func (s *State) CancelOrder(userOrderSlot byte) (Order, error) {
	o, err := s.GetOrder(userOrderSlot)
	if err != nil {
		return Order{}, err
	}
	if !o.Open {
		if err := s.mutatePosition(o.Market, o.Long, func(p *dex.Position) error {
			return p.SubClosing(o.Size)
		}); err != nil {
			return Order{}, err
		}
	}
	return o, s.orders.Remove(userOrderSlot)
}

// ConsumeOrder removes an order on the fill path. The earmark is not
// restored here: a filled ask spends it through the close itself.
func (s *State) ConsumeOrder(userOrderSlot byte) (Order, error) {
	o, err := s.GetOrder(userOrderSlot)
	if err != nil {
		return Order{}, err
	}
	return o, s.orders.Remove(userOrderSlot)
}

// Orders lists every live order, oldest first.
func (s *State) Orders() []Order {
	var out []Order
	_ = s.orders.Walk(func(slot *smalllist.Slot) bool {
		out = append(out, decodeOrder(slot))
		return true
	})
	return out
}

func (s *State) findPosition(market byte) (*smalllist.Slot, error) {
	var found *smalllist.Slot
	if err := s.positions.Walk(func(slot *smalllist.Slot) bool {
		if slot.Payload()[0] == market {
			found = slot
			return false
		}
		return true
	}); err != nil {
		return nil, err
	}
	return found, nil
}

func (s *State) findOrNewPosition(market byte) (*smalllist.Slot, error) {
	found, err := s.findPosition(market)
	if err != nil {
		return nil, err
	}
	if found != nil {
		return found, nil
	}

	slot, err := s.positions.NewSlot()
	if err != nil {
		return nil, err
	}
	p := slot.Payload()
	for i := range p {
		p[i] = 0
	}
	p[0] = market
	long := dex.Position{Long: true}
	long.Marshal(p[8 : 8+dex.PositionSize])
	short := dex.Position{Long: false}
	short.Marshal(p[8+dex.PositionSize:])
	if err := s.positions.AddToTail(slot); err != nil {
		return nil, err
	}
	return slot, nil
}

func positionArea(slot *smalllist.Slot, long bool) []byte {
	if long {
		return slot.Payload()[8 : 8+dex.PositionSize]
	}
	return slot.Payload()[8+dex.PositionSize:]
}

func (s *State) mutatePosition(market byte, long bool, fn func(*dex.Position) error) error {
	slot, err := s.findOrNewPosition(market)
	if err != nil {
		return err
	}
	area := positionArea(slot, long)
	p, err := dex.UnmarshalPosition(area)
	if err != nil {
		return err
	}
	if err := fn(&p); err != nil {
		return err
	}
	p.Marshal(area)
	return nil
}

// Position returns a copy of the user's position on one market side. A
// market with no row reads as a flat position; no slot is allocated.
func (s *State) Position(market byte, long bool) (dex.Position, error) {
	slot, err := s.findPosition(market)
	if err != nil {
		return dex.Position{}, err
	}
	if slot == nil {
		return dex.Position{Long: long}, nil
	}
	return dex.UnmarshalPosition(positionArea(slot, long))
}

// OpenPosition fills amount into the user's position on one market
// side.
func (s *State) OpenPosition(market byte, long bool, price, amount uint64, leverage uint32, openFeeRate uint16, now int64) (dex.OpenResult, error) {
	var res dex.OpenResult
	err := s.mutatePosition(market, long, func(p *dex.Position) error {
		var err error
		res, err = p.Open(price, amount, leverage, openFeeRate, now)
		return err
	})
	return res, err
}

// ClosePosition realizes size of the user's position on one market
// side.
func (s *State) ClosePosition(market byte, long bool, size, price uint64, closeFeeRate, borrowFeeRate uint16, now int64, fromReservation bool) (dex.CloseResult, error) {
	var res dex.CloseResult
	err := s.mutatePosition(market, long, func(p *dex.Position) error {
		var err error
		res, err = p.Close(size, price, closeFeeRate, borrowFeeRate, now, fromReservation)
		return err
	})
	return res, err
}

// SubClosing returns a closing-size earmark, outside the cancel path.
func (s *State) SubClosing(market byte, long bool, size uint64) error {
	return s.mutatePosition(market, long, func(p *dex.Position) error {
		return p.SubClosing(size)
	})
}

func (s *State) findAsset(asset byte) (*smalllist.Slot, error) {
	var found *smalllist.Slot
	if err := s.assets.Walk(func(slot *smalllist.Slot) bool {
		if slot.Payload()[8] == asset {
			found = slot
			return false
		}
		return true
	}); err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNoSuchAsset
	}
	return found, nil
}

// Deposit credits an asset balance, creating the row on first use.
func (s *State) Deposit(asset byte, amount uint64) error {
	slot, err := s.findAsset(asset)
	if errors.Is(err, ErrNoSuchAsset) {
		if slot, err = s.assets.NewSlot(); err != nil {
			return err
		}
		p := slot.Payload()
		binary.LittleEndian.PutUint64(p[0:8], 0)
		p[8] = asset
		if err = s.assets.AddToTail(slot); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	p := slot.Payload()
	balance, err := mathx.Add(binary.LittleEndian.Uint64(p[0:8]), amount)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(p[0:8], balance)
	return nil
}

// Withdraw debits an asset balance.
func (s *State) Withdraw(asset byte, amount uint64) error {
	slot, err := s.findAsset(asset)
	if err != nil {
		return err
	}
	p := slot.Payload()
	balance := binary.LittleEndian.Uint64(p[0:8])
	if amount > balance {
		return ErrInsufficientBalance
	}
	binary.LittleEndian.PutUint64(p[0:8], balance-amount)
	return nil
}

// AssetBalance reports the user's balance of one asset.
func (s *State) AssetBalance(asset byte) uint64 {
	slot, err := s.findAsset(asset)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(slot.Payload()[0:8])
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
