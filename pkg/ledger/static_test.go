package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticClientDefaultBalance(t *testing.T) {
	lc := NewStaticClient()
	ctx := context.Background()

	balance, err := lc.BalanceOf(ctx, testAddr(0x01), testAddr(0x02))
	require.NoError(t, err)
	assert.Zero(t, balance)

	lc.SetDefaultBalance(1)
	balance, err = lc.BalanceOf(ctx, testAddr(0x01), testAddr(0x02))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), balance)

	// An explicit entry wins over the default, including explicit zero.
	lc.SetBalance(testAddr(0x01), testAddr(0x02), 0)
	balance, err = lc.BalanceOf(ctx, testAddr(0x01), testAddr(0x02))
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestStaticClientPurchases(t *testing.T) {
	lc := NewStaticClient()
	ctx := context.Background()

	lc.SetBalance(testAddr(0x01), testAddr(0x02), 3)
	lc.SetBalance(testAddr(0x01), testAddr(0x02), 5) // not a new purchase
	lc.SetBalance(testAddr(0x01), testAddr(0x03), 1)

	purchases, err := lc.PurchasedCreators(ctx, testAddr(0x01))
	require.NoError(t, err)
	assert.Equal(t, []Address{testAddr(0x02), testAddr(0x03)}, purchases)
}

func TestStaticClientUnavailable(t *testing.T) {
	lc := NewStaticClient()
	lc.SetBalance(testAddr(0x01), testAddr(0x02), 3)
	lc.SetUnavailable(true)
	ctx := context.Background()

	_, err := lc.BalanceOf(ctx, testAddr(0x01), testAddr(0x02))
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = lc.PurchasedCreators(ctx, testAddr(0x01))
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = lc.BuyPrice(ctx, testAddr(0x02), 1)
	assert.ErrorIs(t, err, ErrUnavailable)
}
