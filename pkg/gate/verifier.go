// Package gate authenticates connections from signed challenges and
// authorizes room admission against ledger key balances.
package gate

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/keygate-io/keygate/pkg/ledger"
)

// SignatureLength is the length of a signature blob: the signer's Ed25519
// public key followed by the Ed25519 signature over the message.
const SignatureLength = ed25519.PublicKeySize + ed25519.SignatureSize

// ChallengeLength is the random byte length of a server-issued challenge.
const ChallengeLength = 32

var ErrInvalidSignature = errors.New("invalid signature")

// Verify checks that signature is a valid signature blob over message and
// returns the signer's identity. The identity is derived from the embedded
// public key (last 20 bytes of its Keccak-256 digest), so a valid signature
// is the only way to produce it. Pure function, no I/O.
//
// Freshness of message is the caller's concern; see AccessGate.Authenticate.
func Verify(message, signature []byte) (ledger.Address, error) {
	if len(signature) != SignatureLength {
		return ledger.Address{}, fmt.Errorf("%w: blob is %d bytes, want %d", ErrInvalidSignature, len(signature), SignatureLength)
	}

	pub := ed25519.PublicKey(signature[:ed25519.PublicKeySize])
	sig := signature[ed25519.PublicKeySize:]

	if !ed25519.Verify(pub, message, sig) {
		return ledger.Address{}, ErrInvalidSignature
	}

	return IdentityFromPublicKey(pub), nil
}

// Sign builds a signature blob for message that Verify accepts. Used by
// clients and tests; the server never signs.
func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	blob := make([]byte, 0, SignatureLength)
	blob = append(blob, priv.Public().(ed25519.PublicKey)...)
	blob = append(blob, ed25519.Sign(priv, message)...)
	return blob
}

// IdentityFromPublicKey derives the address-like identity for a public key:
// the last 20 bytes of Keccak-256 of the raw key.
func IdentityFromPublicKey(pub ed25519.PublicKey) ledger.Address {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub)
	return ledger.BytesToAddress(h.Sum(nil))
}

// NewChallenge returns a fresh hex-encoded random challenge. Each connection
// gets its own; a signed auth message is only accepted if it embeds the
// challenge issued to that connection.
func NewChallenge() (string, error) {
	buf := make([]byte, ChallengeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
