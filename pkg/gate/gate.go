package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/keygate-io/keygate/pkg/ledger"
)

var ErrAuthenticationFailed = errors.New("authentication failed")

// Decision reasons reported to clients on a denied join.
const (
	ReasonNoKeys            = "no key balance for this creator"
	ReasonLedgerUnavailable = "ledger unavailable"
	ReasonBadRoom           = "invalid room identifier"
)

// Decision is the result of one join authorization. It is recomputed on
// every attempt; balances change between requests and prior membership
// grants nothing.
type Decision struct {
	Allowed bool
	Reason  string
}

// AccessGate combines signature verification with ledger balance checks.
type AccessGate struct {
	ledger ledger.Client
}

// New creates an AccessGate backed by the given ledger client.
func New(lc ledger.Client) *AccessGate {
	return &AccessGate{ledger: lc}
}

// Authenticate verifies a signed auth message and returns the signer's
// identity. The message must embed the challenge issued to this connection;
// a valid signature over some other text (for example one captured from an
// earlier connection) is rejected.
func (g *AccessGate) Authenticate(message, signature []byte, challenge string) (ledger.Address, error) {
	if challenge == "" || !strings.Contains(string(message), challenge) {
		return ledger.Address{}, fmt.Errorf("%w: message does not embed the session challenge", ErrAuthenticationFailed)
	}

	identity, err := Verify(message, signature)
	if err != nil {
		return ledger.Address{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return identity, nil
}

// AuthorizeJoin decides whether identity may enter the room of creator
// roomID. Allowed iff the ledger reports a positive key balance. Any ledger
// failure denies (fail-closed): a gateway that cannot see balances admits
// nobody.
func (g *AccessGate) AuthorizeJoin(ctx context.Context, identity, roomID ledger.Address) Decision {
	if roomID.IsZero() {
		return Decision{Allowed: false, Reason: ReasonBadRoom}
	}

	balance, err := g.ledger.BalanceOf(ctx, identity, roomID)
	if err != nil {
		return Decision{Allowed: false, Reason: ReasonLedgerUnavailable}
	}
	if balance == 0 {
		return Decision{Allowed: false, Reason: ReasonNoKeys}
	}
	return Decision{Allowed: true}
}

// AccessibleRooms returns the rooms identity has bought keys for at some
// point, as a hint for clients. Errors degrade to an empty list; the hint
// must never block or fail authentication, and joining still goes through
// AuthorizeJoin.
func (g *AccessGate) AccessibleRooms(ctx context.Context, identity ledger.Address) []ledger.Address {
	rooms, err := g.ledger.PurchasedCreators(ctx, identity)
	if err != nil {
		return nil
	}
	return rooms
}
