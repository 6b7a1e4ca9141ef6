package gate

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgregory.net/rapid"
)

func testKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestVerifyValidSignature(t *testing.T) {
	pub, priv := testKeypair(t)
	message := []byte("login:abc123")

	identity, err := Verify(message, Sign(priv, message))
	require.NoError(t, err)
	assert.Equal(t, IdentityFromPublicKey(pub), identity)
	assert.False(t, identity.IsZero())
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	_, priv := testKeypair(t)
	blob := Sign(priv, []byte("login:abc123"))

	_, err := Verify([]byte("login:abc124"), blob)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsTamperedBlob(t *testing.T) {
	_, priv := testKeypair(t)
	message := []byte("login:abc123")
	blob := Sign(priv, message)

	// Flip one bit anywhere in the blob: verification must fail. Flipping a
	// public key byte changes the recovered identity, so the signature no
	// longer matches either.
	for i := 0; i < len(blob); i += 7 {
		tampered := make([]byte, len(blob))
		copy(tampered, blob)
		tampered[i] ^= 0x01

		if _, err := Verify(message, tampered); err == nil {
			t.Fatalf("bit flip at byte %d accepted", i)
		}
	}
}

func TestVerifyRejectsWrongLength(t *testing.T) {
	_, priv := testKeypair(t)
	blob := Sign(priv, []byte("msg"))

	for _, data := range [][]byte{nil, {}, blob[:SignatureLength-1], append(blob, 0x00)} {
		_, err := Verify([]byte("msg"), data)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	}
}

func TestIdentityIsStablePerKey(t *testing.T) {
	pub, _ := testKeypair(t)
	assert.Equal(t, IdentityFromPublicKey(pub), IdentityFromPublicKey(pub))

	other, _ := testKeypair(t)
	assert.NotEqual(t, IdentityFromPublicKey(pub), IdentityFromPublicKey(other))
}

func TestNewChallenge(t *testing.T) {
	a, err := NewChallenge()
	require.NoError(t, err)
	b, err := NewChallenge()
	require.NoError(t, err)

	assert.Len(t, a, ChallengeLength*2) // hex doubles the length
	assert.NotEqual(t, a, b)
}

// TestSignVerifyRoundTrip checks the signing round trip for arbitrary
// messages and keys.
func TestSignVerifyRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		seed := rapid.SliceOfN(rapid.Byte(), ed25519.SeedSize, ed25519.SeedSize).Draw(t, "seed")
		message := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "message")

		priv := ed25519.NewKeyFromSeed(seed)
		identity, err := Verify(message, Sign(priv, message))
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		want := IdentityFromPublicKey(priv.Public().(ed25519.PublicKey))
		if identity != want {
			t.Fatalf("identity mismatch: got %s, want %s", identity, want)
		}
	})
}
