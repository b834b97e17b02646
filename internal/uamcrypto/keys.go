package uamcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"

	"github.com/YouAM-Network/uam/internal/uamerr"
)

const (
	SeedSize      = ed25519.SeedSize      // 32
	SigningKeySize = ed25519.PrivateKeySize // 64
	VerifyKeySize = ed25519.PublicKeySize  // 32
	SignatureSize = ed25519.SignatureSize  // 64
)

// Keypair holds an agent's Ed25519 identity. Seed is the only form that is
// ever persisted; SigningKey and VerifyKey are derived deterministically
// from it on load.
type Keypair struct {
	Seed       []byte
	SigningKey ed25519.PrivateKey
	VerifyKey  ed25519.PublicKey
}

// GenerateKeypair creates a fresh random keypair using the OS CSPRNG.
func GenerateKeypair() (Keypair, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return Keypair{}, err
	}
	return DeriveKeypair(seed)
}

// DeriveKeypair reconstructs the signing and verify keys from a persisted
// 32-byte seed.
func DeriveKeypair(seed []byte) (Keypair, error) {
	if len(seed) != SeedSize {
		return Keypair{}, &uamerr.InvalidContactCardError{Reason: "seed must be 32 bytes"}
	}
	signingKey := ed25519.NewKeyFromSeed(seed)
	verifyKey := signingKey.Public().(ed25519.PublicKey)
	return Keypair{Seed: seed, SigningKey: signingKey, VerifyKey: verifyKey}, nil
}

// Sign produces a 64-byte Ed25519 signature over data.
func Sign(signingKey ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(signingKey, data)
}

// Verify checks an Ed25519 signature over data under verifyKey.
func Verify(verifyKey ed25519.PublicKey, data, signature []byte) error {
	if len(verifyKey) != VerifyKeySize {
		return &uamerr.SignatureVerificationError{Reason: "invalid verify key length"}
	}
	if len(signature) != SignatureSize {
		return &uamerr.SignatureVerificationError{Reason: "invalid signature length"}
	}
	if !ed25519.Verify(verifyKey, data, signature) {
		return &uamerr.SignatureVerificationError{}
	}
	return nil
}

// Fingerprint returns the lowercase SHA-256 hex digest of a 32-byte verify
// key: the content-addressed agent identity label.
func Fingerprint(verifyKey ed25519.PublicKey) string {
	return fingerprintHex(verifyKey)
}

// B64Encode renders bytes as URL-safe, unpadded base64 (the wire encoding
// for nonces, payloads, signatures, and keys throughout this module).
func B64Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// B64Decode decodes URL-safe base64, tolerating both the padded and
// unpadded forms a caller might send.
func B64Decode(s string) ([]byte, error) {
	if dec, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return dec, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// ed25519PubToX25519 converts an Ed25519 verify key to its Curve25519
// equivalent via Edwards point decoding, the same technique libsodium's
// crypto_sign_ed25519_pk_to_curve25519 uses.
func ed25519PubToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, &uamerr.EncryptionError{Reason: "invalid Ed25519 public key: " + err.Error()}
	}
	return p.BytesMontgomery(), nil
}

// ed25519SeedToX25519Private converts an Ed25519 seed to its Curve25519
// private key equivalent: SHA-512 of the seed, clamped per RFC 7748 / the
// standard Ed25519-to-X25519 conversion used by libsodium.
func ed25519SeedToX25519Private(seed []byte) []byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	out := make([]byte, 32)
	copy(out, h[:32])
	return out
}

// x25519PublicFromPrivate derives the X25519 public key for a converted
// private scalar.
func x25519PublicFromPrivate(priv []byte) ([]byte, error) {
	return curve25519.X25519(priv, curve25519.Basepoint)
}
