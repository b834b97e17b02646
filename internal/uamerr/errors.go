// Package uamerr defines the error taxonomy shared across the UAM core.
//
// Callers distinguish error kinds with errors.As against the typed values
// below rather than string matching, mirroring the sentinel/typed error
// style the rest of this module's ambient stack uses.
package uamerr

import "fmt"

// InvalidAddressError is returned when an agent::domain string fails the
// address grammar.
type InvalidAddressError struct {
	Raw    string
	Reason string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %q: %s", e.Raw, e.Reason)
}

// InvalidEnvelopeError is returned when a wire envelope is missing required
// fields or otherwise malformed.
type InvalidEnvelopeError struct {
	Missing []string
}

func (e *InvalidEnvelopeError) Error() string {
	if len(e.Missing) == 0 {
		return "invalid envelope"
	}
	return fmt.Sprintf("invalid envelope: missing fields %v", e.Missing)
}

// EnvelopeTooLargeError is returned when a serialized envelope exceeds
// MaxEnvelopeSize.
type EnvelopeTooLargeError struct {
	Size  int
	Limit int
}

func (e *EnvelopeTooLargeError) Error() string {
	return fmt.Sprintf("envelope too large: %d bytes exceeds limit of %d", e.Size, e.Limit)
}

// SignatureVerificationError is returned when an Ed25519 signature fails to
// verify over its claimed canonical payload.
type SignatureVerificationError struct {
	Reason string
}

func (e *SignatureVerificationError) Error() string {
	if e.Reason == "" {
		return "signature verification failed"
	}
	return fmt.Sprintf("signature verification failed: %s", e.Reason)
}

// EncryptionError is returned when a payload cannot be encrypted.
type EncryptionError struct {
	Reason string
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption failed: %s", e.Reason)
}

// DecryptionError is returned when a payload cannot be authenticated and
// decrypted.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed: %s", e.Reason)
}

// InvalidContactCardError is returned when a contact card is missing
// required fields or embeds an invalid address.
type InvalidContactCardError struct {
	Missing []string
	Reason  string
}

func (e *InvalidContactCardError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("invalid contact card: missing fields %v", e.Missing)
	}
	return fmt.Sprintf("invalid contact card: %s", e.Reason)
}

// KeyPinningError is returned when a pinned contact's resolved key no
// longer matches the key it was pinned under.
type KeyPinningError struct {
	Address    string
	PinnedKey  string
	ObservedKey string
}

func (e *KeyPinningError) Error() string {
	return fmt.Sprintf("key pinning violation for %s: pinned key does not match resolved key", e.Address)
}

// ResolutionError is returned when no resolver tier could produce a public
// key for an address.
type ResolutionError struct {
	Address string
	Reason  string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("could not resolve public key for %s: %s", e.Address, e.Reason)
}

// TransportError is returned when a transport's network or push-channel
// operation fails.
type TransportError struct {
	Op     string
	Reason string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %s", e.Op, e.Reason)
}

// RegistrationError is returned when relay registration fails or no bearer
// token is available.
type RegistrationError struct {
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration failed: %s", e.Reason)
}
