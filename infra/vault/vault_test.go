package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vela/domain/segment"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestMintAndBalance(t *testing.T) {
	l := openLedger(t)
	mint := segment.NewID()
	acct := segment.NewID()

	bal, err := l.Balance(mint, acct)
	require.NoError(t, err)
	assert.Zero(t, bal)

	require.NoError(t, l.Mint(mint, acct, 500))
	require.NoError(t, l.Mint(mint, acct, 250))

	bal, err = l.Balance(mint, acct)
	require.NoError(t, err)
	assert.Equal(t, uint64(750), bal)
}

func TestTransfer(t *testing.T) {
	l := openLedger(t)
	mint := segment.NewID()
	alice := segment.NewID()
	bob := segment.NewID()

	require.NoError(t, l.Mint(mint, alice, 1000))
	require.NoError(t, l.Transfer(mint, alice, bob, 400))

	a, err := l.Balance(mint, alice)
	require.NoError(t, err)
	b, err := l.Balance(mint, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), a)
	assert.Equal(t, uint64(400), b)

	assert.ErrorIs(t, l.Transfer(mint, alice, bob, 601), ErrInsufficientFunds)
	assert.ErrorIs(t, l.Transfer(mint, alice, alice, 1), ErrSameAccount)

	// failed transfers leave both sides untouched
	a, err = l.Balance(mint, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), a)
}

func TestBurn(t *testing.T) {
	l := openLedger(t)
	mint := segment.NewID()
	acct := segment.NewID()

	require.NoError(t, l.Mint(mint, acct, 100))
	require.NoError(t, l.Burn(mint, acct, 60))
	assert.ErrorIs(t, l.Burn(mint, acct, 41), ErrInsufficientFunds)

	bal, err := l.Balance(mint, acct)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), bal)
}

func TestMintsAreIsolated(t *testing.T) {
	l := openLedger(t)
	usdc := segment.NewID()
	btc := segment.NewID()
	acct := segment.NewID()

	require.NoError(t, l.Mint(usdc, acct, 100))

	bal, err := l.Balance(btc, acct)
	require.NoError(t, err)
	assert.Zero(t, bal)
}
