package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *TradeCache {
	t.Helper()
	cache, err := OpenTradeCache(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestTradeCacheRoundTrip(t *testing.T) {
	cache := openTestCache(t)
	trader := testAddr(0x01)

	require.NoError(t, cache.RecordTrades([]tradeEvent{
		{Trader: trader, Subject: testAddr(0x02), IsBuy: true, Amount: 1, Block: 10},
		{Trader: trader, Subject: testAddr(0x03), IsBuy: true, Amount: 2, Block: 11},
		{Trader: trader, Subject: testAddr(0x02), IsBuy: true, Amount: 1, Block: 12},
		{Trader: trader, Subject: testAddr(0x04), IsBuy: false, Amount: 1, Block: 13},
	}))

	subjects, err := cache.PurchasedSubjects(trader)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Address{testAddr(0x02), testAddr(0x03)}, subjects)

	// Sells and other traders never show up.
	subjects, err = cache.PurchasedSubjects(testAddr(0x04))
	require.NoError(t, err)
	assert.Empty(t, subjects)
}

func TestTradeCacheEmptyBatch(t *testing.T) {
	cache := openTestCache(t)
	assert.NoError(t, cache.RecordTrades(nil))
}

func TestScanState(t *testing.T) {
	cache := openTestCache(t)
	trader := testAddr(0x01)

	block, err := cache.LastScannedBlock(trader)
	require.NoError(t, err)
	assert.Zero(t, block)

	require.NoError(t, cache.SetLastScannedBlock(trader, 42))
	block, err = cache.LastScannedBlock(trader)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), block)

	// Upsert, not insert-only.
	require.NoError(t, cache.SetLastScannedBlock(trader, 99))
	block, err = cache.LastScannedBlock(trader)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), block)

	// Per-trader state.
	block, err = cache.LastScannedBlock(testAddr(0x05))
	require.NoError(t, err)
	assert.Zero(t, block)
}

func TestTradeCacheSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.db")
	trader := testAddr(0x01)

	cache, err := OpenTradeCache(path)
	require.NoError(t, err)
	require.NoError(t, cache.RecordTrades([]tradeEvent{
		{Trader: trader, Subject: testAddr(0x02), IsBuy: true, Amount: 1, Block: 10},
	}))
	require.NoError(t, cache.SetLastScannedBlock(trader, 10))
	require.NoError(t, cache.Close())

	cache, err = OpenTradeCache(path)
	require.NoError(t, err)
	defer cache.Close()

	subjects, err := cache.PurchasedSubjects(trader)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Address{testAddr(0x02)}, subjects)

	block, err := cache.LastScannedBlock(trader)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), block)
}
