// Package service hosts the Engine, the only write entry point into the
// exchange. Every instruction runs under one mutex, mounts fresh views
// over cached segment bytes, and on success commits every touched
// segment plus the exchange state blob through a single pebble batch.
// On error the touched cache entries are dropped so the next mount
// re-reads committed bytes, which is what gives an instruction its
// all-or-nothing semantics.
package service

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vela/domain/collections/eventqueue"
	"vela/domain/collections/pagedlist"
	"vela/domain/collections/ringqueue"
	"vela/domain/dex"
	"vela/domain/orderbook"
	"vela/domain/segment"
	"vela/domain/user"
	"vela/infra/segstore"
	"vela/infra/vault"
)

// Magic tags for the segment families the engine owns.
const (
	bookTag       byte = 0x0b
	orderPoolTag  byte = 0x0f
	matchQueueTag byte = 0x4d
	eventQueueTag byte = 0x45
)

var (
	ErrNotInitialized     = errors.New("service: exchange not initialized")
	ErrAlreadyInitialized = errors.New("service: exchange already initialized")
	ErrNotLiquidatable    = errors.New("service: position not liquidatable")
)

// Engine serializes and settles every exchange instruction.
type Engine struct {
	mu     sync.Mutex
	store  *segstore.Store
	ledger *vault.Ledger
	log    *logrus.Entry

	// committed bytes, keyed by segment id
	segs      map[segment.ID]*segment.Segment
	stateBlob []byte
}

func NewEngine(store *segstore.Store, ledger *vault.Ledger, log *logrus.Entry) (*Engine, error) {
	e := &Engine{
		store:  store,
		ledger: ledger,
		log:    log,
		segs:   make(map[segment.ID]*segment.Segment),
	}
	blob, err := store.LoadStateBlob()
	switch {
	case errors.Is(err, segstore.ErrStateNotFound):
		// fresh store, InitExchange comes first
	case err != nil:
		return nil, errors.Wrap(err, "load exchange state")
	default:
		e.stateBlob = blob
	}
	return e, nil
}

func encodeState(s *dex.State) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, errors.Wrap(err, "encode exchange state")
	}
	return buf.Bytes(), nil
}

func decodeState(blob []byte) (*dex.State, error) {
	s := new(dex.State)
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(s); err != nil {
		return nil, errors.Wrap(err, "decode exchange state")
	}
	return s, nil
}

type pendingEvent struct {
	kind    byte
	time    int64
	payload []byte
}

// txn is one instruction's working set.
type txn struct {
	e       *Engine
	state   *dex.State
	touched map[segment.ID]*segment.Segment
	outbox  []pendingEvent
}

func (t *txn) seg(id segment.ID) (*segment.Segment, error) {
	if s, ok := t.touched[id]; ok {
		return s, nil
	}
	s, ok := t.e.segs[id]
	if !ok {
		var err error
		if s, err = t.e.store.LoadSegment(id); err != nil {
			return nil, err
		}
		t.e.segs[id] = s
	}
	t.touched[id] = s
	return s, nil
}

func (t *txn) segList(ids []segment.ID) ([]*segment.Segment, error) {
	out := make([]*segment.Segment, len(ids))
	for i, id := range ids {
		s, err := t.seg(id)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func (t *txn) create(size int) *segment.Segment {
	s := segment.New(size)
	t.e.segs[s.ID] = s
	t.touched[s.ID] = s
	return s
}

func (e *Engine) run(requireInit bool, fn func(*txn) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := &txn{e: e, touched: make(map[segment.ID]*segment.Segment)}
	if e.stateBlob == nil {
		if requireInit {
			return ErrNotInitialized
		}
		t.state = new(dex.State)
	} else {
		var err error
		if t.state, err = decodeState(e.stateBlob); err != nil {
			return err
		}
	}

	invalidate := func() {
		for id := range t.touched {
			delete(e.segs, id)
		}
	}

	if err := fn(t); err != nil {
		invalidate()
		return err
	}

	blob, err := encodeState(t.state)
	if err != nil {
		invalidate()
		return err
	}

	c := e.store.NewCommit()
	for _, s := range t.touched {
		if err := c.PutSegment(s); err != nil {
			c.Discard()
			invalidate()
			return err
		}
	}
	if err := c.PutStateBlob(blob); err != nil {
		c.Discard()
		invalidate()
		return err
	}
	for _, ev := range t.outbox {
		if _, err := c.AppendOutbox(ev.kind, ev.time, ev.payload); err != nil {
			c.Discard()
			invalidate()
			return err
		}
	}
	if err := c.Apply(); err != nil {
		invalidate()
		return errors.Wrap(err, "commit instruction")
	}
	e.stateBlob = blob
	return nil
}

// view runs a read-only instruction. Mutations made by fn are never
// committed; the cache is dropped on error just like run.
func (e *Engine) view(fn func(*txn) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stateBlob == nil {
		return ErrNotInitialized
	}
	state, err := decodeState(e.stateBlob)
	if err != nil {
		return err
	}
	t := &txn{e: e, state: state, touched: make(map[segment.ID]*segment.Segment)}
	if err := fn(t); err != nil {
		for id := range t.touched {
			delete(e.segs, id)
		}
		return err
	}
	return nil
}

//
// Mount helpers. Views are rebuilt per instruction; nothing outlives
// the txn.
//

func (t *txn) registry() (*user.Registry, error) {
	entry, err := t.seg(t.state.UserListEntry)
	if err != nil {
		return nil, err
	}
	pages, err := t.segList(t.state.UserListPages)
	if err != nil {
		return nil, err
	}
	return user.MountRegistry(entry, pages, segment.ReadWrite)
}

func (t *txn) book(m *dex.MarketInfo) (*orderbook.Book, error) {
	entry, err := t.seg(m.OrderPoolEntry)
	if err != nil {
		return nil, err
	}
	pages, err := t.segList(m.OrderPoolPages)
	if err != nil {
		return nil, err
	}
	pool, err := pagedlist.Mount(entry, pages, orderPoolTag, orderbook.OrderPayloadSize, segment.ReadWrite)
	if err != nil {
		return nil, err
	}
	head, err := t.seg(m.OrderBook)
	if err != nil {
		return nil, err
	}
	return orderbook.Mount(head, pool, bookTag, segment.ReadWrite)
}

func (t *txn) matchQueue(m *dex.MarketInfo) (*ringqueue.Queue, error) {
	seg, err := t.seg(m.MatchQueue)
	if err != nil {
		return nil, err
	}
	return ringqueue.Mount(seg, matchQueueTag, dex.MatchEventSize, segment.ReadWrite)
}

func (t *txn) events() (*eventqueue.Queue, error) {
	seg, err := t.seg(t.state.EventQueue)
	if err != nil {
		return nil, err
	}
	return eventqueue.Mount(seg, eventQueueTag, segment.ReadWrite)
}

func (t *txn) user(id segment.ID) (*user.State, error) {
	seg, err := t.seg(id)
	if err != nil {
		return nil, err
	}
	return user.Mount(seg)
}

// bumpUser advances the user's serial and mirrors it into the registry
// so off-chain readers can detect stale snapshots.
func (t *txn) bumpUser(id segment.ID, u *user.State) error {
	serial := u.Serial() + 1
	u.SetSerial(serial)
	reg, err := t.registry()
	if err != nil {
		return err
	}
	return reg.BumpSerial(u.UserListIndex(), id, serial)
}

func (t *txn) emit(kind byte, now int64, payload []byte) error {
	q, err := t.events()
	if err != nil {
		return err
	}
	_, err = q.Append(kind, now, payload)
	return err
}

//
// Administration.
//

// InitExchange creates the exchange root: the user registry entry page,
// the serialized event queue and the VLP share mint.
func (e *Engine) InitExchange(userSlots, eventQueueBytes int) error {
	return e.run(false, func(t *txn) error {
		if !t.state.UserListEntry.IsNil() {
			return ErrAlreadyInitialized
		}

		reg := t.create(user.RegistryEntrySize(userSlots))
		if _, err := user.MountRegistry(reg, nil, segment.Initialize); err != nil {
			return err
		}
		events := t.create(eventQueueBytes)
		if _, err := eventqueue.Mount(events, eventQueueTag, segment.Initialize); err != nil {
			return err
		}

		t.state.UserListEntry = reg.ID
		t.state.EventQueue = events.ID
		t.state.VlpMint = segment.NewID()

		t.e.log.WithFields(logrus.Fields{
			"user_slots":  userSlots,
			"event_bytes": eventQueueBytes,
		}).Info("exchange initialized")
		return nil
	})
}

// AddAsset registers a settlement asset and returns its index.
func (e *Engine) AddAsset(a dex.AssetInfo) (int, error) {
	var index int
	err := e.run(true, func(t *txn) error {
		var err error
		if index, err = t.state.AddAsset(a); err != nil {
			return err
		}
		t.e.log.WithFields(logrus.Fields{
			"symbol": t.state.Assets[index].Symbol,
			"index":  index,
		}).Info("asset added")
		return nil
	})
	return index, err
}

// MarketConfig carries everything AddMarket needs beyond the fee
// schedule: the initial order pool and match queue geometry.
type MarketConfig struct {
	Symbol              string
	AssetIndex          byte
	Decimals            byte
	SignificantDecimals byte

	OpenFeeRate       uint16
	CloseFeeRate      uint16
	LiquidateFeeRate  uint16
	MinimumCollateral uint64
	MaxLeverage       uint32

	OrderPoolSlots  int
	MatchQueueSlots int
}

// AddMarket creates the market's book header, order pool entry page and
// match queue, then registers the market row.
func (e *Engine) AddMarket(cfg MarketConfig) (int, error) {
	var index int
	err := e.run(true, func(t *txn) error {
		head := t.create(16)
		entry := t.create(pagedlist.EntrySize(cfg.OrderPoolSlots, orderbook.OrderPayloadSize))
		queue := t.create(16 + cfg.MatchQueueSlots*dex.MatchEventSize)

		pool, err := pagedlist.Mount(entry, nil, orderPoolTag, orderbook.OrderPayloadSize, segment.Initialize)
		if err != nil {
			return err
		}
		if _, err := orderbook.Mount(head, pool, bookTag, segment.Initialize); err != nil {
			return err
		}
		if _, err := ringqueue.Mount(queue, matchQueueTag, dex.MatchEventSize, segment.Initialize); err != nil {
			return err
		}

		if index, err = t.state.AddMarket(dex.MarketInfo{
			Symbol:              cfg.Symbol,
			AssetIndex:          cfg.AssetIndex,
			Decimals:            cfg.Decimals,
			SignificantDecimals: cfg.SignificantDecimals,
			OpenFeeRate:         cfg.OpenFeeRate,
			CloseFeeRate:        cfg.CloseFeeRate,
			LiquidateFeeRate:    cfg.LiquidateFeeRate,
			MinimumCollateral:   cfg.MinimumCollateral,
			MaxLeverage:         cfg.MaxLeverage,
			OrderBook:           head.ID,
			OrderPoolEntry:      entry.ID,
			MatchQueue:          queue.ID,
		}); err != nil {
			return err
		}
		t.e.log.WithFields(logrus.Fields{
			"symbol": t.state.Markets[index].Symbol,
			"index":  index,
		}).Info("market added")
		return nil
	})
	return index, err
}

// AppendOrderPages grows a market's order pool by one page.
func (e *Engine) AppendOrderPages(market, slots int) error {
	return e.run(true, func(t *txn) error {
		m, err := t.state.Market(market)
		if err != nil {
			return err
		}
		entry, err := t.seg(m.OrderPoolEntry)
		if err != nil {
			return err
		}
		existing, err := t.segList(m.OrderPoolPages)
		if err != nil {
			return err
		}
		fresh := t.create(pagedlist.PageSize(slots, orderbook.OrderPayloadSize))
		if _, err := pagedlist.AppendPages(entry, existing, []*segment.Segment{fresh},
			orderPoolTag, orderbook.OrderPayloadSize); err != nil {
			return err
		}
		m.OrderPoolPages = append(m.OrderPoolPages, fresh.ID)
		return nil
	})
}

// AppendUserPages grows the user registry by one page.
func (e *Engine) AppendUserPages(slots int) error {
	return e.run(true, func(t *txn) error {
		entry, err := t.seg(t.state.UserListEntry)
		if err != nil {
			return err
		}
		existing, err := t.segList(t.state.UserListPages)
		if err != nil {
			return err
		}
		fresh := t.create(user.RegistryPageSize(slots))
		if err := user.AppendRegistryPages(entry, existing, []*segment.Segment{fresh}); err != nil {
			return err
		}
		t.state.UserListPages = append(t.state.UserListPages, fresh.ID)
		return nil
	})
}

// CreateUser allocates and registers a user-state segment, returning
// its id. The id is the handle every later instruction takes.
func (e *Engine) CreateUser(owner segment.ID, orderSlots, positionSlots, assetSlots int) (segment.ID, error) {
	var id segment.ID
	err := e.run(true, func(t *txn) error {
		seg := t.create(user.RequiredSize(orderSlots, positionSlots, assetSlots))
		if err := user.Initialize(seg, owner, orderSlots, positionSlots, assetSlots); err != nil {
			return err
		}
		u, err := user.Mount(seg)
		if err != nil {
			return err
		}
		reg, err := t.registry()
		if err != nil {
			return err
		}
		index, err := reg.Add(seg.ID)
		if err != nil {
			return err
		}
		u.SetUserListIndex(index)
		id = seg.ID
		t.e.log.WithField("user", id.String()).Info("user created")
		return nil
	})
	return id, err
}

// FeedPrice refreshes a market's oracle price cache.
func (e *Engine) FeedPrice(symbol string, price uint64, now int64) error {
	return e.run(true, func(t *txn) error {
		_, m, err := t.state.MarketBySymbol(symbol)
		if err != nil {
			return err
		}
		m.Price = price
		m.PriceUpdated = now
		return nil
	})
}
