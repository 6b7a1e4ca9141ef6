package ledger

import (
	"context"
	"math/big"
	"sync"
)

// StaticClient is an in-memory Client with a fixed fee curve and mutable
// balances. It backs tests and lets cmd/loadtest run against gateways that
// have no node behind them.
type StaticClient struct {
	mu         sync.RWMutex
	balances   map[Address]map[Address]uint64 // holder -> creator -> balance
	purchases  map[Address][]Address          // holder -> creators ever bought
	defBalance uint64                         // returned when no explicit entry exists
	down       bool
}

// NewStaticClient returns an empty static ledger.
func NewStaticClient() *StaticClient {
	return &StaticClient{
		balances:  make(map[Address]map[Address]uint64),
		purchases: make(map[Address][]Address),
	}
}

// SetBalance fixes holder's balance of creator's keys. A transition from
// zero to positive is also recorded as a purchase.
func (s *StaticClient) SetBalance(holder, creator Address, balance uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.balances[holder] == nil {
		s.balances[holder] = make(map[Address]uint64)
	}
	prev := s.balances[holder][creator]
	s.balances[holder][creator] = balance

	if prev == 0 && balance > 0 {
		for _, c := range s.purchases[holder] {
			if c == creator {
				return
			}
		}
		s.purchases[holder] = append(s.purchases[holder], creator)
	}
}

// SetDefaultBalance sets the balance reported for holder/creator pairs that
// have no explicit entry. Load testing sets this positive so generated
// identities pass admission without seeding every pair.
func (s *StaticClient) SetDefaultBalance(balance uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defBalance = balance
}

// SetUnavailable toggles simulated ledger downtime: every call fails with
// ErrUnavailable while set.
func (s *StaticClient) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *StaticClient) BalanceOf(_ context.Context, holder, creator Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return 0, ErrUnavailable
	}
	if inner, ok := s.balances[holder]; ok {
		if balance, ok := inner[creator]; ok {
			return balance, nil
		}
	}
	return s.defBalance, nil
}

func (s *StaticClient) PurchasedCreators(_ context.Context, holder Address) ([]Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return nil, ErrUnavailable
	}
	out := make([]Address, len(s.purchases[holder]))
	copy(out, s.purchases[holder])
	return out, nil
}

func (s *StaticClient) BuyPrice(_ context.Context, _ Address, amount uint64) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return nil, ErrUnavailable
	}
	// Flat dev price: 0.001 ether per key.
	price := new(big.Int).SetUint64(amount)
	return price.Mul(price, big.NewInt(1_000_000_000_000_000)), nil
}

func (s *StaticClient) SellPrice(ctx context.Context, creator Address, amount uint64) (*big.Int, error) {
	return s.BuyPrice(ctx, creator, amount)
}
