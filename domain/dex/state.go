package dex

import (
	"errors"
	"strings"

	"vela/domain/mathx"
	"vela/domain/segment"
)

var (
	ErrInvalidAsset           = errors.New("dex: invalid asset")
	ErrInvalidMarket          = errors.New("dex: invalid market")
	ErrDuplicateSymbol        = errors.New("dex: duplicate symbol")
	ErrTooManyAssets          = errors.New("dex: asset table full")
	ErrTooManyMarkets         = errors.New("dex: market table full")
	ErrInsufficientLiquidity  = errors.New("dex: insufficient liquidity")
	ErrInsufficientCollateral = errors.New("dex: insufficient collateral booked")
	ErrNoPriceFeed            = errors.New("dex: no oracle price cached")
	ErrCollateralBelowMinimum = errors.New("dex: collateral below market minimum")
	ErrLeverageOutOfRange     = errors.New("dex: leverage out of market range")
)

// AssetInfo is one row of the asset table. Amount columns are the
// pool-level aggregates the liquidity accounting reads: what LPs
// deposited, what traders posted, what positions borrowed, and what
// fees accrued.
type AssetInfo struct {
	Symbol   string
	Mint     segment.ID
	Vault    segment.ID
	Decimals byte
	Valid    bool

	LiquidityAmount  uint64
	CollateralAmount uint64
	BorrowedAmount   uint64
	FeeAmount        uint64

	AddLiquidityFeeRate    uint16
	RemoveLiquidityFeeRate uint16
	BorrowFeeRate          uint16
}

// MarketInfo is one row of the market table, including the segment
// references the engine mounts the book and order pool from.
type MarketInfo struct {
	Symbol string
	Valid  bool

	AssetIndex          byte
	Decimals            byte
	SignificantDecimals byte

	OpenFeeRate       uint16
	CloseFeeRate      uint16
	LiquidateFeeRate  uint16
	MinimumCollateral uint64
	MaxLeverage       uint32

	GlobalLong  Position
	GlobalShort Position

	OrderBook      segment.ID
	OrderPoolEntry segment.ID
	OrderPoolPages []segment.ID
	MatchQueue     segment.ID

	// Oracle cache, refreshed by price feed ticks.
	Price        uint64
	PriceUpdated int64
	Volume       uint64
}

// State is the exchange root, persisted as one blob per commit.
type State struct {
	Assets  []AssetInfo
	Markets []MarketInfo

	VlpMint   segment.ID
	VlpSupply uint64

	UserListEntry segment.ID
	UserListPages []segment.ID
	EventQueue    segment.ID
	UserSerial    uint32
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// AddAsset appends a row to the asset table.
func (s *State) AddAsset(a AssetInfo) (int, error) {
	if len(s.Assets) >= MaxAssets {
		return 0, ErrTooManyAssets
	}
	a.Symbol = normalizeSymbol(a.Symbol)
	if a.Symbol == "" {
		return 0, ErrInvalidAsset
	}
	for _, existing := range s.Assets {
		if existing.Symbol == a.Symbol {
			return 0, ErrDuplicateSymbol
		}
	}
	a.Valid = true
	s.Assets = append(s.Assets, a)
	return len(s.Assets) - 1, nil
}

// AddMarket appends a row to the market table. The asset it settles in
// must already exist.
func (s *State) AddMarket(m MarketInfo) (int, error) {
	if len(s.Markets) >= MaxMarkets {
		return 0, ErrTooManyMarkets
	}
	m.Symbol = normalizeSymbol(m.Symbol)
	if m.Symbol == "" {
		return 0, ErrInvalidMarket
	}
	for _, existing := range s.Markets {
		if existing.Symbol == m.Symbol {
			return 0, ErrDuplicateSymbol
		}
	}
	if _, err := s.Asset(int(m.AssetIndex)); err != nil {
		return 0, err
	}
	m.Valid = true
	m.GlobalLong.Long = true
	m.GlobalShort.Long = false
	s.Markets = append(s.Markets, m)
	return len(s.Markets) - 1, nil
}

// Asset resolves an asset index, rejecting invalid rows.
func (s *State) Asset(index int) (*AssetInfo, error) {
	if index < 0 || index >= len(s.Assets) || !s.Assets[index].Valid {
		return nil, ErrInvalidAsset
	}
	return &s.Assets[index], nil
}

// Market resolves a market index, rejecting invalid rows.
func (s *State) Market(index int) (*MarketInfo, error) {
	if index < 0 || index >= len(s.Markets) || !s.Markets[index].Valid {
		return nil, ErrInvalidMarket
	}
	return &s.Markets[index], nil
}

// MarketBySymbol resolves a market by its normalized symbol.
func (s *State) MarketBySymbol(symbol string) (int, *MarketInfo, error) {
	symbol = normalizeSymbol(symbol)
	for i := range s.Markets {
		if s.Markets[i].Valid && s.Markets[i].Symbol == symbol {
			return i, &s.Markets[i], nil
		}
	}
	return 0, nil, ErrInvalidMarket
}

// MarkPrice returns the cached oracle price for a market.
func (m *MarketInfo) MarkPrice() (uint64, error) {
	if m.Price == 0 {
		return 0, ErrNoPriceFeed
	}
	return m.Price, nil
}

// CheckLeverage validates a requested leverage against market bounds.
func (m *MarketInfo) CheckLeverage(leverage uint32) error {
	if leverage < LeverageBase || leverage > m.MaxLeverage {
		return ErrLeverageOutOfRange
	}
	return nil
}

// Global returns the market-wide aggregate for one direction.
func (m *MarketInfo) Global(long bool) *Position {
	if long {
		return &m.GlobalLong
	}
	return &m.GlobalShort
}

// BorrowFund books an open against the pool: the trader's collateral
// is posted, the opened size is reserved out of LP liquidity, and the
// open fee accrues. Utilization can never exceed deposits.
func (a *AssetInfo) BorrowFund(collateral, borrow, fee uint64) error {
	borrowed, err := mathx.Add(a.BorrowedAmount, borrow)
	if err != nil {
		return err
	}
	if borrowed > a.LiquidityAmount {
		return ErrInsufficientLiquidity
	}
	if a.CollateralAmount, err = mathx.Add(a.CollateralAmount, collateral); err != nil {
		return err
	}
	if a.FeeAmount, err = mathx.Add(a.FeeAmount, fee); err != nil {
		return err
	}
	a.BorrowedAmount = borrowed
	return nil
}

// RepayFund unwinds BorrowFund for a close and settles the trader's
// pnl against LP liquidity: a trader profit drains the pool, a trader
// loss feeds it.
func (a *AssetInfo) RepayFund(collateral, borrow, fee uint64, pnl int64) error {
	if borrow > a.BorrowedAmount {
		return ErrInsufficientLiquidity
	}
	if collateral > a.CollateralAmount {
		return ErrInsufficientCollateral
	}
	a.BorrowedAmount -= borrow
	a.CollateralAmount -= collateral

	var err error
	if a.FeeAmount, err = mathx.Add(a.FeeAmount, fee); err != nil {
		return err
	}
	if pnl > 0 {
		if uint64(pnl) > a.LiquidityAmount {
			return ErrInsufficientLiquidity
		}
		a.LiquidityAmount -= uint64(pnl)
	} else if pnl < 0 {
		if a.LiquidityAmount, err = mathx.Add(a.LiquidityAmount, uint64(-pnl)); err != nil {
			return err
		}
	}
	return nil
}

// AddLiquidity books an LP deposit, fee deducted.
func (a *AssetInfo) AddLiquidity(amount uint64) (added, fee uint64, err error) {
	if amount == 0 {
		return 0, 0, ErrInvalidAmount
	}
	if fee, err = mathx.MulDiv(amount, uint64(a.AddLiquidityFeeRate), FeeRateBase); err != nil {
		return 0, 0, err
	}
	added = amount - fee
	if a.LiquidityAmount, err = mathx.Add(a.LiquidityAmount, added); err != nil {
		return 0, 0, err
	}
	if a.FeeAmount, err = mathx.Add(a.FeeAmount, fee); err != nil {
		return 0, 0, err
	}
	return added, fee, nil
}

// RemoveLiquidity books an LP withdrawal, fee deducted from the
// returned amount. Liquidity still borrowed by open positions cannot
// leave the pool.
func (a *AssetInfo) RemoveLiquidity(amount uint64) (returned, fee uint64, err error) {
	if amount == 0 {
		return 0, 0, ErrInvalidAmount
	}
	if amount > a.LiquidityAmount || a.LiquidityAmount-amount < a.BorrowedAmount {
		return 0, 0, ErrInsufficientLiquidity
	}
	if fee, err = mathx.MulDiv(amount, uint64(a.RemoveLiquidityFeeRate), FeeRateBase); err != nil {
		return 0, 0, err
	}
	a.LiquidityAmount -= amount
	if a.FeeAmount, err = mathx.Add(a.FeeAmount, fee); err != nil {
		return 0, 0, err
	}
	return amount - fee, fee, nil
}

// IncreaseGlobal merges a fill into the market-wide aggregate.
func (m *MarketInfo) IncreaseGlobal(long bool, price, size, collateral uint64) error {
	g := m.Global(long)
	merged, err := mathx.Add(g.Size, size)
	if err != nil {
		return err
	}
	avg, err := mathx.MulAddDiv(g.Size, g.AvgPrice, size, price, merged)
	if err != nil {
		return err
	}
	if g.Collateral, err = mathx.Add(g.Collateral, collateral); err != nil {
		return err
	}
	if g.Borrowed, err = mathx.Add(g.Borrowed, size); err != nil {
		return err
	}
	g.Size = merged
	g.AvgPrice = avg
	return nil
}

// DecreaseGlobal unwinds a closed fill from the aggregate.
func (m *MarketInfo) DecreaseGlobal(long bool, size, collateral, borrow uint64) error {
	g := m.Global(long)
	if size > g.Size || collateral > g.Collateral || borrow > g.Borrowed {
		return ErrInvalidMarket
	}
	g.Size -= size
	g.Collateral -= collateral
	g.Borrowed -= borrow
	if g.Size == 0 {
		g.AvgPrice = 0
	}
	return nil
}

// AddVolume accumulates the USD notional of a fill.
func (m *MarketInfo) AddVolume(price, size uint64) error {
	v, err := mathx.MulDiv(size, price, pow10(m.Decimals))
	if err != nil {
		return err
	}
	m.Volume, err = mathx.Add(m.Volume, v)
	return err
}

func pow10(n byte) uint64 {
	v := uint64(1)
	for i := byte(0); i < n; i++ {
		v *= 10
	}
	return v
}
