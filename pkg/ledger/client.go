package ledger

import (
	"context"
	"errors"
	"math/big"
)

// ErrUnavailable indicates the ledger could not be reached or returned a
// transport-level failure. Callers must treat this as "deny access", never
// "allow".
var ErrUnavailable = errors.New("ledger unavailable")

// Client is the read-only view of the keys contract the gateway needs.
//
// BalanceOf is authoritative for access decisions. PurchasedCreators is a
// hint derived from trade history and may lag the chain; it must never be
// used to grant access on its own.
type Client interface {
	// BalanceOf returns how many of creator's keys holder currently owns.
	BalanceOf(ctx context.Context, holder, creator Address) (uint64, error)

	// PurchasedCreators returns the distinct creators whose keys holder has
	// bought at least once, per the ledger's trade event history.
	PurchasedCreators(ctx context.Context, holder Address) ([]Address, error)

	// BuyPrice returns the bonding-curve price (in wei) for buying amount
	// keys of creator.
	BuyPrice(ctx context.Context, creator Address, amount uint64) (*big.Int, error)

	// SellPrice returns the bonding-curve proceeds (in wei) for selling
	// amount keys of creator.
	SellPrice(ctx context.Context, creator Address, amount uint64) (*big.Int, error)
}
