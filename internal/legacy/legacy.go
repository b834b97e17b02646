// Package legacy decodes the pre-envelope direct-message wire format used
// by agents provisioned before this module's handshake/envelope protocol
// existed: an ephemeral-X25519 + HKDF-SHA256 + ChaCha20-Poly1305 scheme
// rather than this module's NaCl Box. It is read-only — no new envelope
// is ever produced in this format — kept only so an agent migrating a
// population of old peers can still open messages those peers send.
package legacy

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/YouAM-Network/uam/internal/uamerr"
)

const (
	protocolVersion  = "uam-legacy-dm-v1"
	ephemeralPKSize  = 32
	nonceSize        = 12
	keySize          = 32
	tagSize          = 16
	minCiphertextLen = ephemeralPKSize + nonceSize + tagSize
)

// IsLegacyFormat reports whether ciphertextB64 looks like a legacy-format
// payload rather than this module's base64(nonce||box-sealed) wire format:
// legacy payloads are at least minCiphertextLen bytes once decoded and use
// standard (padded) base64, not the URL-safe unpadded encoding envelopes
// use.
func IsLegacyFormat(ciphertextB64 string) bool {
	wire, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return false
	}
	return len(wire) >= minCiphertextLen
}

// Decrypt opens a legacy-format ciphertext using the recipient's Ed25519
// private key, returning the plaintext bytes.
func Decrypt(ciphertextB64 string, recipientSigningKey ed25519.PrivateKey) ([]byte, error) {
	wire, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, &uamerr.DecryptionError{Reason: "invalid legacy base64: " + err.Error()}
	}
	if len(wire) < minCiphertextLen {
		return nil, &uamerr.DecryptionError{Reason: "legacy ciphertext too short"}
	}

	ephPub := wire[:ephemeralPKSize]
	nonce := wire[ephemeralPKSize : ephemeralPKSize+nonceSize]
	ciphertext := wire[ephemeralPKSize+nonceSize:]

	if len(recipientSigningKey) != ed25519.PrivateKeySize {
		return nil, &uamerr.DecryptionError{Reason: "invalid recipient key length"}
	}
	ownX25519Priv := ed25519SeedToX25519Private(recipientSigningKey.Seed())
	ownX25519Pub, err := curve25519.X25519(ownX25519Priv, curve25519.Basepoint)
	if err != nil {
		return nil, &uamerr.DecryptionError{Reason: "deriving own X25519 public key: " + err.Error()}
	}

	sharedSecret, err := curve25519.X25519(ownX25519Priv, ephPub)
	if err != nil {
		return nil, &uamerr.DecryptionError{Reason: "invalid ephemeral key"}
	}

	key, err := deriveKey(sharedSecret, ephPub, ownX25519Pub)
	if err != nil {
		return nil, &uamerr.DecryptionError{Reason: err.Error()}
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, &uamerr.DecryptionError{Reason: err.Error()}
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &uamerr.DecryptionError{Reason: "legacy authentication failed: wrong key or tampered ciphertext"}
	}
	return plaintext, nil
}

func deriveKey(sharedSecret, ephemeralPK, recipientX25519PK []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeralPK)+len(recipientX25519PK))
	salt = append(salt, ephemeralPK...)
	salt = append(salt, recipientX25519PK...)

	reader := hkdf.New(sha256.New, sharedSecret, salt, []byte(protocolVersion))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func ed25519SeedToX25519Private(seed []byte) []byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	out := make([]byte, 32)
	copy(out, h[:32])
	return out
}
