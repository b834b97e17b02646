// Package contactcard builds, signs, and verifies self-signed ContactCard
// identity documents.
package contactcard

import (
	"crypto/ed25519"
	"encoding/json"
	"sort"

	"github.com/YouAM-Network/uam/internal/uamaddress"
	"github.com/YouAM-Network/uam/internal/uamcrypto"
	"github.com/YouAM-Network/uam/internal/uamerr"
)

// Version is the contact card schema version, tracking the protocol
// version.
const Version = "0.1"

var defaultPayloadFormats = []string{"text/plain", "text/markdown"}

var requiredCardFields = []string{"version", "address", "display_name", "relay", "public_key", "signature"}

// ContactCard is a self-signed identity document an agent presents during
// the handshake.
type ContactCard struct {
	Version            string   `json:"version"`
	Address            string   `json:"address"`
	DisplayName        string   `json:"display_name"`
	Relay              string   `json:"relay"`
	PublicKey          string   `json:"public_key"`
	Signature          string   `json:"signature"`
	Description        string   `json:"description,omitempty"`
	System             string   `json:"system,omitempty"`
	ConnectionEndpoint string   `json:"connection_endpoint,omitempty"`
	VerifiedDomain     string   `json:"verified_domain,omitempty"`
	PayloadFormats     []string `json:"payload_formats,omitempty"`
	Fingerprint        string   `json:"fingerprint,omitempty"`
	Relays             []string `json:"relays,omitempty"`
}

// CreateOptions carries the optional identity fields a card may advertise.
type CreateOptions struct {
	Description        string
	System             string
	ConnectionEndpoint string
	VerifiedDomain     string
	Relays             []string
}

// Create builds and signs a new ContactCard for address, deriving
// public_key and fingerprint from signingKey.
func Create(address, displayName, relay string, signingKey ed25519.PrivateKey, opts CreateOptions) (*ContactCard, error) {
	addr, err := uamaddress.Parse(address)
	if err != nil {
		return nil, err
	}

	verifyKey := signingKey.Public().(ed25519.PublicKey)

	card := &ContactCard{
		Version:            Version,
		Address:            addr.Full(),
		DisplayName:        displayName,
		Relay:              relay,
		PublicKey:          uamcrypto.B64Encode(verifyKey),
		Description:        opts.Description,
		System:             opts.System,
		ConnectionEndpoint: opts.ConnectionEndpoint,
		VerifiedDomain:     opts.VerifiedDomain,
		PayloadFormats:     defaultPayloadFormats,
		Fingerprint:        uamcrypto.Fingerprint(verifyKey),
		Relays:             opts.Relays,
	}

	signable, err := buildSignableMap(*card)
	if err != nil {
		return nil, err
	}
	sig := uamcrypto.Sign(signingKey, uamcrypto.Canonicalize(signable))
	card.Signature = uamcrypto.B64Encode(sig)

	return card, nil
}

// Verify re-derives the signable map and checks the card's signature under
// its own embedded public_key.
func Verify(card *ContactCard) error {
	if _, err := uamaddress.Parse(card.Address); err != nil {
		return err
	}

	verifyKey, err := uamcrypto.B64Decode(card.PublicKey)
	if err != nil || len(verifyKey) != uamcrypto.VerifyKeySize {
		return &uamerr.InvalidContactCardError{Reason: "public_key is not a valid Ed25519 verify key"}
	}

	sigBytes, err := uamcrypto.B64Decode(card.Signature)
	if err != nil {
		return &uamerr.SignatureVerificationError{Reason: "invalid signature encoding"}
	}

	signable, err := buildSignableMap(*card)
	if err != nil {
		return err
	}
	return uamcrypto.Verify(ed25519.PublicKey(verifyKey), uamcrypto.Canonicalize(signable), sigBytes)
}

// ToDict renders the card to its wire JSON map representation.
func ToDict(card *ContactCard) (map[string]any, error) {
	b, err := json.Marshal(card)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// FromDict parses a wire JSON map into a ContactCard. When verify is true
// (the common case) it also checks the card's self-signature.
func FromDict(d map[string]any, verify bool) (*ContactCard, error) {
	var missing []string
	for _, f := range requiredCardFields {
		v, ok := d[f]
		if !ok || v == nil || v == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &uamerr.InvalidContactCardError{Missing: missing}
	}

	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var card ContactCard
	if err := json.Unmarshal(b, &card); err != nil {
		return nil, err
	}

	if verify {
		if err := Verify(&card); err != nil {
			return nil, err
		}
	}
	return &card, nil
}

// buildSignableMap excludes signature, payload_formats, fingerprint, and
// relays so multi-relay lists and the derived identity fields can be
// appended by any party without invalidating the card's self-signature.
func buildSignableMap(card ContactCard) (map[string]any, error) {
	card.Signature = ""
	card.PayloadFormats = nil
	card.Fingerprint = ""
	card.Relays = nil

	b, err := json.Marshal(card)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
