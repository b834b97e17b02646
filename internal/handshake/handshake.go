// Package handshake implements the three-phase trust negotiation FSM:
// request, accept, deny. It never reads or writes the network directly —
// it borrows the contact book to record decisions and emits envelopes
// through a narrow callback the Agent supplies, avoiding the cyclic
// ownership a direct Agent back-reference would create.
package handshake

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/YouAM-Network/uam/internal/contactbook"
	"github.com/YouAM-Network/uam/internal/contactcard"
	"github.com/YouAM-Network/uam/internal/envelope"
	"github.com/YouAM-Network/uam/internal/uamaddress"
	"github.com/YouAM-Network/uam/internal/uamcrypto"
	"github.com/YouAM-Network/uam/internal/uamerr"
)

// Policy governs how an inbound handshake.request is handled.
type Policy string

const (
	PolicyAutoAccept       Policy = "auto-accept"
	PolicyApprovalRequired Policy = "approval-required"
	PolicyAllowlistOnly    Policy = "allowlist-only"
	PolicyRequireVerify    Policy = "require-verify"
)

// EmitFunc delivers an envelope through the Agent's transport. It is the
// one seam the Manager uses instead of holding a reference back to the
// Agent itself.
type EmitFunc func(ctx context.Context, env *envelope.Envelope) error

// Identity is the subset of an agent's own identity the Manager needs to
// build and sign handshake envelopes.
type Identity struct {
	Address    uamaddress.Address
	SigningKey ed25519.PrivateKey
	Card       func() (*contactcard.ContactCard, error)
}

// Manager runs the handshake FSM for a single agent identity.
type Manager struct {
	book     *contactbook.ContactBook
	identity Identity
	policy   Policy
	emit     EmitFunc
	logger   zerolog.Logger

	// inFlight deduplicates concurrent outbound handshakes to the same
	// address: exactly one HANDSHAKE_REQUEST must be emitted even if N
	// sends race to the same unknown peer.
	inFlight sync.Map // map[string]chan struct{}
}

// New constructs a Manager bound to book under policy, emitting envelopes
// via emit.
func New(book *contactbook.ContactBook, identity Identity, policy Policy, emit EmitFunc, logger zerolog.Logger) *Manager {
	return &Manager{book: book, identity: identity, policy: policy, emit: emit, logger: logger}
}

// InitiateHandshake sends a HANDSHAKE_REQUEST to peer, sealed so the peer
// can decrypt it without already knowing this agent's verify key. If
// another concurrent call is already handshaking with peer, this waits for
// it to finish instead of emitting a second request.
func (m *Manager) InitiateHandshake(ctx context.Context, peer uamaddress.Address, peerVerifyKey ed25519.PublicKey) error {
	addr := peer.Full()

	done := make(chan struct{})
	existing, loaded := m.inFlight.LoadOrStore(addr, done)
	if loaded {
		// Someone else is already handshaking with this peer: wait for
		// them to finish rather than emit a second request.
		select {
		case <-existing.(chan struct{}):
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	defer func() {
		close(done)
		m.inFlight.Delete(addr)
	}()

	card, err := m.identity.Card()
	if err != nil {
		return err
	}
	cardJSON, err := json.Marshal(card)
	if err != nil {
		return err
	}

	env, err := envelope.CreateEnvelope(
		m.identity.Address.Full(), addr, envelope.TypeHandshakeRequest, cardJSON,
		m.identity.SigningKey, peerVerifyKey, envelope.CreateOptions{},
	)
	if err != nil {
		return err
	}

	if err := m.emit(ctx, env); err != nil {
		return err
	}

	return m.book.AddContact(ctx, addr, uamcrypto.B64Encode(peerVerifyKey), "", contactbook.TrustHandshakeSent, "outbound-handshake")
}

// ProcessInboundRequest decrypts a HANDSHAKE_REQUEST envelope (SealedBox,
// so the sender's key is not yet known), verifies the embedded contact
// card's self-signature, then checks the envelope's own signature against
// the key the card declares, and applies the active trust policy.
func (m *Manager) ProcessInboundRequest(ctx context.Context, env *envelope.Envelope) error {
	plaintext, err := uamcrypto.DecryptSealed(env.Payload, m.identity.SigningKey)
	if err != nil {
		return err
	}

	var cardDict map[string]any
	if err := json.Unmarshal(plaintext, &cardDict); err != nil {
		return &uamerr.InvalidContactCardError{Reason: "handshake payload is not a contact card: " + err.Error()}
	}
	card, err := contactcard.FromDict(cardDict, true)
	if err != nil {
		return err
	}
	if card.Address != env.From {
		return &uamerr.InvalidContactCardError{Reason: "contact card address does not match envelope sender"}
	}

	verifyKey, err := uamcrypto.B64Decode(card.PublicKey)
	if err != nil {
		return &uamerr.InvalidContactCardError{Reason: "invalid public key encoding"}
	}
	if err := envelope.VerifyEnvelope(env, ed25519.PublicKey(verifyKey)); err != nil {
		return err
	}

	return m.handleRequest(ctx, card)
}

func (m *Manager) handleRequest(ctx context.Context, card *contactcard.ContactCard) error {
	switch m.policy {
	case PolicyAutoAccept:
		return m.autoAccept(ctx, card)
	case PolicyAllowlistOnly:
		return m.denyRequest(ctx, card, "allowlist-only policy rejects unsolicited handshakes")
	default: // approval-required, require-verify
		return m.book.AddPending(ctx, card.Address, mustJSON(card))
	}
}

// autoAccept implements the base specification's chosen resolution of its
// open TOFU question: a HANDSHAKE_REQUEST from an address already pinned
// under a different public key is rejected with KeyPinningError rather
// than silently overwriting the pinned key. See DESIGN.md.
func (m *Manager) autoAccept(ctx context.Context, card *contactcard.ContactCard) error {
	existing, err := m.book.GetContact(ctx, card.Address)
	if err != nil {
		return err
	}
	if existing != nil && existing.TrustState == contactbook.TrustPinned && existing.PublicKey != card.PublicKey {
		return &uamerr.KeyPinningError{Address: card.Address, PinnedKey: existing.PublicKey, ObservedKey: card.PublicKey}
	}

	if err := m.book.AddContact(ctx, card.Address, card.PublicKey, card.DisplayName, contactbook.TrustProvisional, "auto-accepted"); err != nil {
		return err
	}
	if len(card.Relays) > 0 {
		relaysJSON, _ := json.Marshal(card.Relays)
		_ = m.book.SetContactRelays(ctx, card.Address, card.Relay, string(relaysJSON))
	} else if card.Relay != "" {
		_ = m.book.SetContactRelays(ctx, card.Address, card.Relay, "")
	}

	return m.replyAccept(ctx, card)
}

// Approve promotes a pending handshake to trusted, as if the user had
// reviewed and accepted it out of band.
func (m *Manager) Approve(ctx context.Context, address string) error {
	pending, err := m.book.GetPending(ctx, address)
	if err != nil {
		return err
	}
	if pending == nil {
		return fmt.Errorf("no pending handshake for %s", address)
	}

	card, err := cardFromJSON(pending.ContactCardJSON)
	if err != nil {
		return err
	}

	if err := m.book.AddContact(ctx, card.Address, card.PublicKey, card.DisplayName, contactbook.TrustTrusted, "explicit-approval"); err != nil {
		return err
	}
	if err := m.book.RemovePending(ctx, address); err != nil {
		return err
	}
	return m.replyAccept(ctx, card)
}

// Deny drops a pending handshake and emits a HANDSHAKE_DENY.
func (m *Manager) Deny(ctx context.Context, address string) error {
	pending, err := m.book.GetPending(ctx, address)
	if err != nil {
		return err
	}
	if pending == nil {
		return fmt.Errorf("no pending handshake for %s", address)
	}
	card, err := cardFromJSON(pending.ContactCardJSON)
	if err != nil {
		return err
	}
	if err := m.book.RemovePending(ctx, address); err != nil {
		return err
	}
	return m.denyRequest(ctx, card, "denied")
}

// HandleAccept processes an inbound HANDSHAKE_ACCEPT: the peer is pinned
// and pinned_at is stamped (a no-op if already set, preserving the
// original pin time).
func (m *Manager) HandleAccept(ctx context.Context, env *envelope.Envelope, peerVerifyKey ed25519.PublicKey) error {
	if err := m.book.AddContact(ctx, env.From, uamcrypto.B64Encode(peerVerifyKey), "", contactbook.TrustPinned, "handshake-accept"); err != nil {
		return err
	}
	return m.book.SetPinnedAt(ctx, env.From, time.Now().UTC())
}

// HandleDeny processes an inbound HANDSHAKE_DENY: per the base
// specification this is purely informational, logged with no contact-book
// mutation.
func (m *Manager) HandleDeny(ctx context.Context, env *envelope.Envelope) error {
	m.logger.Info().Str("from", env.From).Msg("peer denied handshake")
	return nil
}

// SweepExpired emits RECEIPT_FAILED (reason handshake_expired) for every
// pending handshake older than the contact book's 7-day TTL, then drops
// it.
func (m *Manager) SweepExpired(ctx context.Context) error {
	expired, err := m.book.ExpiredPending(ctx)
	if err != nil {
		return err
	}
	for _, pending := range expired {
		card, err := cardFromJSON(pending.ContactCardJSON)
		if err == nil {
			_ = m.failExpired(ctx, card)
		}
		if err := m.book.RemovePending(ctx, pending.Address); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) replyAccept(ctx context.Context, peerCard *contactcard.ContactCard) error {
	peerVerifyKey, err := uamcrypto.B64Decode(peerCard.PublicKey)
	if err != nil {
		return err
	}
	ownCard, err := m.identity.Card()
	if err != nil {
		return err
	}
	cardJSON, err := json.Marshal(ownCard)
	if err != nil {
		return err
	}
	env, err := envelope.CreateEnvelope(
		m.identity.Address.Full(), peerCard.Address, envelope.TypeHandshakeAccept, cardJSON,
		m.identity.SigningKey, ed25519.PublicKey(peerVerifyKey), envelope.CreateOptions{},
	)
	if err != nil {
		return err
	}
	return m.emit(ctx, env)
}

func (m *Manager) failExpired(ctx context.Context, peerCard *contactcard.ContactCard) error {
	peerVerifyKey, err := uamcrypto.B64Decode(peerCard.PublicKey)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]string{"reason": "handshake_expired"})
	env, err := envelope.CreateEnvelope(
		m.identity.Address.Full(), peerCard.Address, envelope.TypeReceiptFailed, body,
		m.identity.SigningKey, ed25519.PublicKey(peerVerifyKey), envelope.CreateOptions{},
	)
	if err != nil {
		return err
	}
	return m.emit(ctx, env)
}

func (m *Manager) denyRequest(ctx context.Context, peerCard *contactcard.ContactCard, reason string) error {
	peerVerifyKey, err := uamcrypto.B64Decode(peerCard.PublicKey)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]string{"reason": reason})
	env, err := envelope.CreateEnvelope(
		m.identity.Address.Full(), peerCard.Address, envelope.TypeHandshakeDeny, body,
		m.identity.SigningKey, ed25519.PublicKey(peerVerifyKey), envelope.CreateOptions{},
	)
	if err != nil {
		return err
	}
	return m.emit(ctx, env)
}

func cardFromJSON(raw string) (*contactcard.ContactCard, error) {
	var dict map[string]any
	if err := json.Unmarshal([]byte(raw), &dict); err != nil {
		return nil, err
	}
	return contactcard.FromDict(dict, false)
}

func mustJSON(card *contactcard.ContactCard) string {
	b, _ := json.Marshal(card)
	return string(b)
}
