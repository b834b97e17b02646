package uamcrypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// fingerprintHex computes the lowercase SHA-256 hex digest of a 32-byte
// verify key.
func fingerprintHex(verifyKey []byte) string {
	sum := sha256.Sum256(verifyKey)
	return hex.EncodeToString(sum[:])
}
