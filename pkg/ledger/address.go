// Package ledger queries the external keys contract for balances, prices
// and trade history. The gateway never writes to the ledger; everything
// here is read-only and fail-closed.
package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// AddressLength is the byte length of a ledger address.
const AddressLength = 20

var ErrInvalidAddress = errors.New("invalid address")

// Address identifies a ledger account. Creators' addresses double as room
// identifiers in the gateway.
type Address [AddressLength]byte

// ParseAddress parses a 0x-prefixed hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return a, fmt.Errorf("%w: missing 0x prefix", ErrInvalidAddress)
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != AddressLength {
		return a, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, AddressLength, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// BytesToAddress copies the last AddressLength bytes of b into an Address.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
	return a
}

// Hex returns the lowercase 0x-prefixed hex encoding.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) String() string {
	return a.Hex()
}

// IsZero reports whether the address is all zero bytes. The zero address is
// never a valid room identifier.
func (a Address) IsZero() bool {
	return a == Address{}
}
