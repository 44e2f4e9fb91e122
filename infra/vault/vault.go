// Package vault is the token ledger the engine settles against. Every
// deposit, withdrawal and liquidity move ends in a transfer here, keyed
// by (mint, account). Balances live in pebble so they survive restarts
// together with the segment images.
package vault

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"vela/domain/segment"
)

var (
	ErrInsufficientFunds = errors.New("vault: insufficient funds")
	ErrSameAccount       = errors.New("vault: transfer to self")
)

// Ledger tracks per-account token balances.
type Ledger struct {
	db *pebble.DB
}

func Open(dir string) (*Ledger, error) {
	db, err := pebble.Open(dir, &pebble.Options{DisableWAL: false})
	if err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func balKey(mint, account segment.ID) []byte {
	return []byte(fmt.Sprintf("bal/%s/%s", mint, account))
}

func (l *Ledger) balance(mint, account segment.ID) (uint64, error) {
	val, closer, err := l.db.Get(balKey(mint, account))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(val), nil
}

func (l *Ledger) setBalance(b *pebble.Batch, mint, account segment.ID, amount uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], amount)
	return b.Set(balKey(mint, account), buf[:], nil)
}

// Balance returns the account's holding of one mint. Unknown accounts
// hold zero.
func (l *Ledger) Balance(mint, account segment.ID) (uint64, error) {
	return l.balance(mint, account)
}

// Mint credits freshly issued tokens to an account.
func (l *Ledger) Mint(mint, account segment.ID, amount uint64) error {
	cur, err := l.balance(mint, account)
	if err != nil {
		return err
	}
	next := cur + amount
	if next < cur {
		return fmt.Errorf("vault: balance overflow on %s", account)
	}
	b := l.db.NewBatch()
	defer b.Close()
	if err := l.setBalance(b, mint, account, next); err != nil {
		return err
	}
	return l.db.Apply(b, pebble.Sync)
}

// Burn destroys tokens held by an account. Used when liquidity shares
// are redeemed.
func (l *Ledger) Burn(mint, account segment.ID, amount uint64) error {
	cur, err := l.balance(mint, account)
	if err != nil {
		return err
	}
	if cur < amount {
		return ErrInsufficientFunds
	}
	b := l.db.NewBatch()
	defer b.Close()
	if err := l.setBalance(b, mint, account, cur-amount); err != nil {
		return err
	}
	return l.db.Apply(b, pebble.Sync)
}

// Transfer moves tokens between two accounts of the same mint. Both
// sides land in one synced batch.
func (l *Ledger) Transfer(mint, from, to segment.ID, amount uint64) error {
	if from == to {
		return ErrSameAccount
	}
	src, err := l.balance(mint, from)
	if err != nil {
		return err
	}
	if src < amount {
		return ErrInsufficientFunds
	}
	dst, err := l.balance(mint, to)
	if err != nil {
		return err
	}
	next := dst + amount
	if next < dst {
		return fmt.Errorf("vault: balance overflow on %s", to)
	}

	b := l.db.NewBatch()
	defer b.Close()
	if err := l.setBalance(b, mint, from, src-amount); err != nil {
		return err
	}
	if err := l.setBalance(b, mint, to, next); err != nil {
		return err
	}
	return l.db.Apply(b, pebble.Sync)
}
