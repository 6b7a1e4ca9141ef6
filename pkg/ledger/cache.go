package ledger

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS trades (
	trader  TEXT    NOT NULL,
	subject TEXT    NOT NULL,
	block   INTEGER NOT NULL,
	is_buy  INTEGER NOT NULL,
	amount  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_trader ON trades(trader, is_buy);

CREATE TABLE IF NOT EXISTS scan_state (
	trader     TEXT PRIMARY KEY,
	last_block INTEGER NOT NULL
);
`

// TradeCache persists observed trade events so purchase-history lookups only
// need to scan the chain tail after a restart. It is a hint store: access
// decisions never read from it, only BalanceOf is authoritative.
type TradeCache struct {
	db *sql.DB
}

// OpenTradeCache opens (creating if needed) the cache database at path.
func OpenTradeCache(path string) (*TradeCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trade cache: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create trade cache schema: %w", err)
	}

	return &TradeCache{db: db}, nil
}

// Close closes the underlying database.
func (tc *TradeCache) Close() error {
	return tc.db.Close()
}

// RecordTrades appends a batch of trade events.
func (tc *TradeCache) RecordTrades(events []tradeEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := tc.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO trades (trader, subject, block, is_buy, amount) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		isBuy := 0
		if ev.IsBuy {
			isBuy = 1
		}
		if _, err := stmt.Exec(ev.Trader.Hex(), ev.Subject.Hex(), int64(ev.Block), isBuy, int64(ev.Amount)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// PurchasedSubjects returns the distinct subjects trader has bought keys of.
func (tc *TradeCache) PurchasedSubjects(trader Address) ([]Address, error) {
	rows, err := tc.db.Query(
		"SELECT DISTINCT subject FROM trades WHERE trader = ? AND is_buy = 1 ORDER BY subject",
		trader.Hex(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subjects []Address
	for rows.Next() {
		var hexAddr string
		if err := rows.Scan(&hexAddr); err != nil {
			return nil, err
		}
		addr, err := ParseAddress(hexAddr)
		if err != nil {
			// Corrupt row; skip rather than fail the whole lookup.
			continue
		}
		subjects = append(subjects, addr)
	}
	return subjects, rows.Err()
}

// LastScannedBlock returns the newest block already scanned for trader, or
// zero if trader has never been scanned.
func (tc *TradeCache) LastScannedBlock(trader Address) (uint64, error) {
	var block int64
	err := tc.db.QueryRow("SELECT last_block FROM scan_state WHERE trader = ?", trader.Hex()).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(block), nil
}

// SetLastScannedBlock records that trader's history is complete up to block.
func (tc *TradeCache) SetLastScannedBlock(trader Address, block uint64) error {
	_, err := tc.db.Exec(
		"INSERT INTO scan_state (trader, last_block) VALUES (?, ?) ON CONFLICT(trader) DO UPDATE SET last_block = excluded.last_block",
		trader.Hex(), int64(block),
	)
	return err
}
