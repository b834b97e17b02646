// Package envelope builds, signs, verifies, and maps to/from wire JSON the
// signed, encrypted message envelopes that carry every UAM message.
package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/YouAM-Network/uam/internal/crypto"
	"github.com/YouAM-Network/uam/internal/uamaddress"
	"github.com/YouAM-Network/uam/internal/uamcrypto"
	"github.com/YouAM-Network/uam/internal/uamerr"
)

// UAMVersion is the current protocol version stamped on every envelope.
const UAMVersion = "0.1"

// MaxEnvelopeSize is the maximum allowed compact-JSON wire size, in bytes.
const MaxEnvelopeSize = 65536

const envelopeNonceSize = 24

// MessageType enumerates the fixed set of envelope types.
type MessageType string

const (
	TypeMessage           MessageType = "message"
	TypeHandshakeRequest  MessageType = "handshake.request"
	TypeHandshakeAccept   MessageType = "handshake.accept"
	TypeHandshakeDeny     MessageType = "handshake.deny"
	TypeReceiptDelivered  MessageType = "receipt.delivered"
	TypeReceiptRead       MessageType = "receipt.read"
	TypeReceiptFailed     MessageType = "receipt.failed"
	TypeSessionRequest    MessageType = "session.request"
	TypeSessionAccept     MessageType = "session.accept"
	TypeSessionDecline    MessageType = "session.decline"
	TypeSessionEnd        MessageType = "session.end"
)

var requiredWireFields = []string{
	"uam_version", "message_id", "from", "to", "timestamp", "type", "nonce", "payload", "signature",
}

// Envelope is the signed, encrypted wrapper for a single UAM message. Its
// JSON tags are the wire field names directly: marshaling an Envelope
// already produces wire JSON.
type Envelope struct {
	UAMVersion  string           `json:"uam_version"`
	MessageID   string           `json:"message_id"`
	From        string           `json:"from"`
	To          string           `json:"to"`
	Timestamp   string           `json:"timestamp"`
	Type        MessageType      `json:"type"`
	Nonce       string           `json:"nonce"`
	Payload     string           `json:"payload"`
	Signature   string           `json:"signature"`
	ThreadID    string           `json:"thread_id,omitempty"`
	ReplyTo     string           `json:"reply_to,omitempty"`
	Expires     string           `json:"expires,omitempty"`
	MediaType   string           `json:"media_type,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	Attachments []map[string]any `json:"attachments,omitempty"`
}

// CreateOptions carries the optional fields a caller may attach to a new
// envelope.
type CreateOptions struct {
	ThreadID    string
	ReplyTo     string
	Expires     string
	MediaType   string
	Metadata    map[string]any
	Attachments []map[string]any
}

// CreateEnvelope builds, encrypts, and signs a new envelope from plaintext.
// HANDSHAKE_REQUEST messages are encrypted with SealedBox (the sender may
// still be anonymous to the recipient); every other type uses Box, keyed to
// both sender and recipient.
func CreateEnvelope(
	from, to string,
	msgType MessageType,
	plaintext []byte,
	signingKey ed25519.PrivateKey,
	recipientVerifyKey ed25519.PublicKey,
	opts CreateOptions,
) (*Envelope, error) {
	fromAddr, err := uamaddress.Parse(from)
	if err != nil {
		return nil, err
	}
	toAddr, err := uamaddress.Parse(to)
	if err != nil {
		return nil, err
	}

	nonceBytes := make([]byte, envelopeNonceSize)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, err
	}

	var payload string
	if msgType == TypeHandshakeRequest {
		payload, err = uamcrypto.EncryptSealed(plaintext, recipientVerifyKey)
	} else {
		payload, err = uamcrypto.EncryptBox(plaintext, signingKey, recipientVerifyKey)
	}
	if err != nil {
		return nil, err
	}

	e := &Envelope{
		UAMVersion:  UAMVersion,
		MessageID:   crypto.NewUUIDv7().String(),
		From:        fromAddr.Full(),
		To:          toAddr.Full(),
		Timestamp:   utcTimestamp(),
		Type:        msgType,
		Nonce:       uamcrypto.B64Encode(nonceBytes),
		Payload:     payload,
		ThreadID:    opts.ThreadID,
		ReplyTo:     opts.ReplyTo,
		Expires:     opts.Expires,
		MediaType:   opts.MediaType,
		Metadata:    opts.Metadata,
		Attachments: opts.Attachments,
	}

	signable, err := buildSignableMap(*e)
	if err != nil {
		return nil, err
	}
	sig := uamcrypto.Sign(signingKey, uamcrypto.Canonicalize(signable))
	e.Signature = uamcrypto.B64Encode(sig)

	wire, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if len(wire) > MaxEnvelopeSize {
		return nil, &uamerr.EnvelopeTooLargeError{Size: len(wire), Limit: MaxEnvelopeSize}
	}

	return e, nil
}

// VerifyEnvelope recomputes the canonical signable bytes and checks the
// signature under senderVerifyKey.
func VerifyEnvelope(e *Envelope, senderVerifyKey ed25519.PublicKey) error {
	sigBytes, err := uamcrypto.B64Decode(e.Signature)
	if err != nil {
		return &uamerr.SignatureVerificationError{Reason: "invalid signature encoding"}
	}
	signable, err := buildSignableMap(*e)
	if err != nil {
		return err
	}
	canon := uamcrypto.Canonicalize(signable)
	return uamcrypto.Verify(senderVerifyKey, canon, sigBytes)
}

// ToWireDict renders the envelope to its wire JSON map representation.
func ToWireDict(e *Envelope) (map[string]any, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// FromWireDict parses a wire JSON map into an Envelope, failing with
// InvalidEnvelopeError listing any missing required fields (sorted).
func FromWireDict(d map[string]any) (*Envelope, error) {
	var missing []string
	for _, f := range requiredWireFields {
		v, ok := d[f]
		if !ok || v == nil || v == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &uamerr.InvalidEnvelopeError{Missing: missing}
	}

	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &e, nil
}

// buildSignableMap produces the map of fields that participate in the
// signature: every field except signature and attachments, with absent
// optional fields dropped by the struct's omitempty tags.
func buildSignableMap(e Envelope) (map[string]any, error) {
	e.Signature = ""
	e.Attachments = nil
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func utcTimestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
