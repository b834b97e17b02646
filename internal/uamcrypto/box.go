// Box and SealedBox encryption, bridging Ed25519 identity keys to the
// Curve25519 keys the underlying NaCl box primitives need. The wire format
// for EncryptBox matches libsodium/PyNaCl's "box easy" representation
// (nonce prepended to ciphertext) so payloads remain byte-compatible with
// non-Go implementations of this protocol.
package uamcrypto

import (
	"crypto/ed25519"
	"crypto/rand"

	"golang.org/x/crypto/nacl/box"

	"github.com/YouAM-Network/uam/internal/uamerr"
)

const boxNonceSize = 24

// EncryptBox authenticates and encrypts plaintext from senderSigningKey to
// recipientVerifyKey, returning base64(nonce || ciphertext).
func EncryptBox(plaintext []byte, senderSigningKey ed25519.PrivateKey, recipientVerifyKey ed25519.PublicKey) (string, error) {
	senderPriv, err := x25519PrivateFromSigningKey(senderSigningKey)
	if err != nil {
		return "", &uamerr.EncryptionError{Reason: err.Error()}
	}
	recipientPub, err := ed25519PubToX25519(recipientVerifyKey)
	if err != nil {
		return "", &uamerr.EncryptionError{Reason: err.Error()}
	}

	var nonce [boxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", &uamerr.EncryptionError{Reason: err.Error()}
	}

	var recipientKey, senderKey [32]byte
	copy(recipientKey[:], recipientPub)
	copy(senderKey[:], senderPriv)

	sealed := box.Seal(nil, plaintext, &nonce, &recipientKey, &senderKey)

	wire := make([]byte, 0, boxNonceSize+len(sealed))
	wire = append(wire, nonce[:]...)
	wire = append(wire, sealed...)

	return B64Encode(wire), nil
}

// DecryptBox reverses EncryptBox: it splits the leading 24-byte nonce from
// ciphertextB64, then authenticates and decrypts under the recipient's
// signing key and the sender's verify key.
func DecryptBox(ciphertextB64 string, recipientSigningKey ed25519.PrivateKey, senderVerifyKey ed25519.PublicKey) ([]byte, error) {
	wire, err := B64Decode(ciphertextB64)
	if err != nil {
		return nil, &uamerr.DecryptionError{Reason: "invalid base64: " + err.Error()}
	}
	if len(wire) < boxNonceSize {
		return nil, &uamerr.DecryptionError{Reason: "ciphertext shorter than nonce"}
	}

	recipientPriv, err := x25519PrivateFromSigningKey(recipientSigningKey)
	if err != nil {
		return nil, &uamerr.DecryptionError{Reason: err.Error()}
	}
	senderPub, err := ed25519PubToX25519(senderVerifyKey)
	if err != nil {
		return nil, &uamerr.DecryptionError{Reason: err.Error()}
	}

	var nonce [boxNonceSize]byte
	copy(nonce[:], wire[:boxNonceSize])

	var senderKey, recipientKey [32]byte
	copy(senderKey[:], senderPub)
	copy(recipientKey[:], recipientPriv)

	plaintext, ok := box.Open(nil, wire[boxNonceSize:], &nonce, &senderKey, &recipientKey)
	if !ok {
		return nil, &uamerr.DecryptionError{Reason: "authentication failed: wrong key or tampered ciphertext"}
	}
	return plaintext, nil
}

// EncryptSealed performs anonymous public-key encryption to
// recipientVerifyKey: an ephemeral sender keypair is generated internally
// and discarded, so the recipient cannot identify the sender from the
// ciphertext alone. Matches libsodium's crypto_box_seal.
func EncryptSealed(plaintext []byte, recipientVerifyKey ed25519.PublicKey) (string, error) {
	recipientPub, err := ed25519PubToX25519(recipientVerifyKey)
	if err != nil {
		return "", &uamerr.EncryptionError{Reason: err.Error()}
	}
	var recipientKey [32]byte
	copy(recipientKey[:], recipientPub)

	sealed, err := box.SealAnonymous(nil, plaintext, &recipientKey, rand.Reader)
	if err != nil {
		return "", &uamerr.EncryptionError{Reason: err.Error()}
	}
	return B64Encode(sealed), nil
}

// DecryptSealed opens an anonymous-sender sealed box addressed to
// recipientSigningKey's owner, recovering the recipient's Curve25519
// keypair from its Ed25519 signing key first.
func DecryptSealed(ciphertextB64 string, recipientSigningKey ed25519.PrivateKey) ([]byte, error) {
	sealed, err := B64Decode(ciphertextB64)
	if err != nil {
		return nil, &uamerr.DecryptionError{Reason: "invalid base64: " + err.Error()}
	}

	recipientPriv, err := x25519PrivateFromSigningKey(recipientSigningKey)
	if err != nil {
		return nil, &uamerr.DecryptionError{Reason: err.Error()}
	}
	recipientPub, err := x25519PublicFromPrivate(recipientPriv)
	if err != nil {
		return nil, &uamerr.DecryptionError{Reason: err.Error()}
	}

	var privKey, pubKey [32]byte
	copy(privKey[:], recipientPriv)
	copy(pubKey[:], recipientPub)

	plaintext, ok := box.OpenAnonymous(nil, sealed, &pubKey, &privKey)
	if !ok {
		return nil, &uamerr.DecryptionError{Reason: "seal authentication failed"}
	}
	return plaintext, nil
}

func x25519PrivateFromSigningKey(signingKey ed25519.PrivateKey) ([]byte, error) {
	if len(signingKey) != ed25519.PrivateKeySize {
		return nil, &uamerr.EncryptionError{Reason: "invalid Ed25519 private key length"}
	}
	return ed25519SeedToX25519Private(signingKey.Seed()), nil
}
