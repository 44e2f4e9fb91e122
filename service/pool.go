package service

import (
	"vela/domain/dex"
	"vela/domain/mathx"
	"vela/domain/segment"
)

// assetPrice resolves an asset's USD price through the first valid
// market settled in it.
func (t *txn) assetPrice(asset int) (uint64, byte, error) {
	a, err := t.state.Asset(asset)
	if err != nil {
		return 0, 0, err
	}
	for i := range t.state.Markets {
		m := &t.state.Markets[i]
		if m.Valid && int(m.AssetIndex) == asset && m.Price != 0 {
			return m.Price, a.Decimals, nil
		}
	}
	return 0, 0, dex.ErrNoPriceFeed
}

// poolValue sums the USD value of all deposited liquidity. Assets with
// no liquidity are skipped so an unpriced idle asset does not block the
// pool.
func (t *txn) poolValue() (uint64, error) {
	var total uint64
	for i := range t.state.Assets {
		a := &t.state.Assets[i]
		if !a.Valid || a.LiquidityAmount == 0 {
			continue
		}
		price, decimals, err := t.assetPrice(i)
		if err != nil {
			return 0, err
		}
		v, err := mathx.MulDiv(a.LiquidityAmount, price, pow10(decimals))
		if err != nil {
			return 0, err
		}
		if total, err = mathx.Add(total, v); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func pow10(n byte) uint64 {
	v := uint64(1)
	for i := byte(0); i < n; i++ {
		v *= 10
	}
	return v
}

// AddLiquidity deposits amount of one asset into the shared pool and
// mints VLP shares against the pool's USD value before the deposit.
// The first deposit mints shares one-to-one with its USD value.
func (e *Engine) AddLiquidity(userID segment.ID, asset int, amount uint64) (uint64, error) {
	var minted uint64
	err := e.run(true, func(t *txn) error {
		a, err := t.state.Asset(asset)
		if err != nil {
			return err
		}
		price, decimals, err := t.assetPrice(asset)
		if err != nil {
			return err
		}
		before, err := t.poolValue()
		if err != nil {
			return err
		}
		u, err := t.user(userID)
		if err != nil {
			return err
		}

		added, _, err := a.AddLiquidity(amount)
		if err != nil {
			return err
		}
		addedValue, err := mathx.MulDiv(added, price, pow10(decimals))
		if err != nil {
			return err
		}
		if t.state.VlpSupply == 0 || before == 0 {
			minted = addedValue
		} else {
			if minted, err = mathx.MulDiv(t.state.VlpSupply, addedValue, before); err != nil {
				return err
			}
		}
		if t.state.VlpSupply, err = mathx.Add(t.state.VlpSupply, minted); err != nil {
			return err
		}

		if err := t.e.ledger.Transfer(a.Mint, u.Owner(), a.Vault, amount); err != nil {
			return err
		}
		return t.e.ledger.Mint(t.state.VlpMint, u.Owner(), minted)
	})
	if err != nil {
		minted = 0
	}
	return minted, err
}

// RemoveLiquidity burns VLP shares and withdraws the matching slice of
// one asset's liquidity, fee deducted. Liquidity still borrowed by open
// positions cannot leave.
func (e *Engine) RemoveLiquidity(userID segment.ID, asset int, shares uint64) (uint64, error) {
	var returned uint64
	err := e.run(true, func(t *txn) error {
		if shares == 0 || shares > t.state.VlpSupply {
			return dex.ErrInvalidAmount
		}
		a, err := t.state.Asset(asset)
		if err != nil {
			return err
		}
		price, decimals, err := t.assetPrice(asset)
		if err != nil {
			return err
		}
		total, err := t.poolValue()
		if err != nil {
			return err
		}
		u, err := t.user(userID)
		if err != nil {
			return err
		}

		value, err := mathx.MulDiv(shares, total, t.state.VlpSupply)
		if err != nil {
			return err
		}
		amount, err := mathx.MulDiv(value, pow10(decimals), price)
		if err != nil {
			return err
		}
		if returned, _, err = a.RemoveLiquidity(amount); err != nil {
			return err
		}
		t.state.VlpSupply -= shares

		if err := t.e.ledger.Burn(t.state.VlpMint, u.Owner(), shares); err != nil {
			return err
		}
		return t.e.ledger.Transfer(a.Mint, a.Vault, u.Owner(), returned)
	})
	if err != nil {
		returned = 0
	}
	return returned, err
}

// PoolValue reports the pool's total USD value and the VLP supply.
func (e *Engine) PoolValue() (value, supply uint64, err error) {
	err = e.view(func(t *txn) error {
		var verr error
		value, verr = t.poolValue()
		supply = t.state.VlpSupply
		return verr
	})
	return value, supply, err
}
