// Package uamagent composes the address, crypto, envelope, contact card,
// key store, contact book, resolver, transport, and handshake packages
// into the user-level operations a caller actually wants: send, inbox,
// approve, deny, block, and the background housekeeping that keeps the
// trust store honest.
package uamagent

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/YouAM-Network/uam/internal/agentconfig"
	"github.com/YouAM-Network/uam/internal/agentmetrics"
	"github.com/YouAM-Network/uam/internal/contactbook"
	"github.com/YouAM-Network/uam/internal/contactcard"
	"github.com/YouAM-Network/uam/internal/envelope"
	"github.com/YouAM-Network/uam/internal/handshake"
	"github.com/YouAM-Network/uam/internal/keystore"
	"github.com/YouAM-Network/uam/internal/legacy"
	"github.com/YouAM-Network/uam/internal/resolver"
	"github.com/YouAM-Network/uam/internal/transport"
	"github.com/YouAM-Network/uam/internal/uamaddress"
	"github.com/YouAM-Network/uam/internal/uamcrypto"
	"github.com/YouAM-Network/uam/internal/uamerr"
)

// ReceivedMessage is the caller-facing decoded form of an inbound
// message-type envelope. Immutable once returned.
type ReceivedMessage struct {
	MessageID  string
	From       string
	ThreadID   string
	Body       []byte
	MediaType  string
	Metadata   map[string]any
	ReceivedAt time.Time
	Verified   bool
}

// SendOptions carries the optional fields a caller may attach to Send.
type SendOptions struct {
	ThreadID    string
	Attachments []map[string]any
}

// Agent is the top-level orchestrator for one agent identity.
type Agent struct {
	cfg     *agentconfig.Config
	logger  zerolog.Logger
	ks      *keystore.KeyStore
	book    *contactbook.ContactBook
	tr      transport.Transport
	res     resolver.Resolver
	hs      *handshake.Manager
	address uamaddress.Address

	httpClient *http.Client

	mu     sync.Mutex
	closed bool
}

// New constructs an Agent from cfg without performing any I/O; call
// Connect before Send/Inbox.
func New(cfg *agentconfig.Config, logger zerolog.Logger) (*Agent, error) {
	ks := keystore.New(cfg.DataDir, cfg.AgentName, logger)
	if err := ks.LoadOrGenerate(); err != nil {
		return nil, fmt.Errorf("loading agent identity: %w", err)
	}

	return &Agent{
		cfg:        cfg,
		logger:     logger,
		ks:         ks,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Connect is idempotent: it ensures a bearer token exists (auto-registering
// if configured to), opens the contact book, builds the resolver and
// transport, and sweeps expired pending handshakes.
func (a *Agent) Connect(ctx context.Context) error {
	if a.hs != nil {
		return nil
	}
	domain := relayDomain(a.cfg.RelayURL)
	if domain == "" {
		return &uamerr.RegistrationError{Reason: "cannot derive an address domain: relay URL is not configured"}
	}
	addr, err := uamaddress.Parse(a.cfg.AgentName + "::" + domain)
	if err != nil {
		return &uamerr.RegistrationError{Reason: "invalid agent name or relay domain: " + err.Error()}
	}
	a.address = addr

	if !a.ks.HasToken() {
		if !a.cfg.AutoRegister {
			return &uamerr.RegistrationError{Reason: "no bearer token on disk and auto-register is disabled"}
		}
		if err := a.register(ctx); err != nil {
			return err
		}
	}
	token, err := a.ks.LoadToken()
	if err != nil {
		return &uamerr.RegistrationError{Reason: "loading bearer token: " + err.Error()}
	}

	bookPath := filepath.Join(a.cfg.DataDir, "contacts", a.cfg.AgentName+".db")
	book, err := contactbook.Open(ctx, bookPath, a.logger)
	if err != nil {
		return err
	}
	a.book = book

	a.res = &resolver.SmartResolver{
		RelayDomain: domain,
		Tier1:       &resolver.Tier1Resolver{RelayURL: a.cfg.RelayURL, Token: token},
		Tier2:       &resolver.Tier2Resolver{},
	}

	if a.cfg.UsePushTransport && a.cfg.RelayWSURL != "" {
		a.tr = transport.NewPushTransport(a.cfg.RelayWSURL, token, a.logger)
	} else {
		a.tr = transport.NewPullTransport(a.address.Full(), token, []string{a.cfg.RelayURL}, a.logger)
	}
	if err := a.tr.Connect(ctx); err != nil {
		return &uamerr.TransportError{Op: "connect", Reason: err.Error()}
	}

	a.hs = handshake.New(a.book, handshake.Identity{
		Address:    a.address,
		SigningKey: a.ks.Keypair.SigningKey,
		Card:       a.ContactCard,
	}, a.cfg.Policy, a.emit, a.logger)

	if err := a.hs.SweepExpired(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("sweeping expired pending handshakes")
	}

	return nil
}

func relayDomain(relayURL string) string {
	d := strings.TrimPrefix(strings.TrimPrefix(relayURL, "https://"), "http://")
	if i := strings.IndexAny(d, "/:"); i >= 0 {
		d = d[:i]
	}
	return d
}

type registerResponse struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

func (a *Agent) register(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"agent_name": a.cfg.AgentName,
		"public_key": uamcrypto.B64Encode(a.ks.Keypair.VerifyKey),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.cfg.RelayURL, "/")+"/api/v1/register", strings.NewReader(string(body)))
	if err != nil {
		return &uamerr.RegistrationError{Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &uamerr.RegistrationError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return &uamerr.RegistrationError{Reason: "agent name already registered under a different key"}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &uamerr.RegistrationError{Reason: fmt.Sprintf("relay returned status %d", resp.StatusCode)}
	}

	var out registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return &uamerr.RegistrationError{Reason: "decoding register response: " + err.Error()}
	}
	return a.ks.SaveToken(out.Token)
}

// emit is the Handshake Manager's EmitFunc: it delivers a handshake
// envelope to its recipient using whatever relay(s) that contact
// advertises, falling back to this agent's own relay.
func (a *Agent) emit(ctx context.Context, env *envelope.Envelope) error {
	return a.deliver(ctx, env)
}

// deliver implements the multi-relay failover algorithm: candidate relay
// URLs are tried in order, each normalized (trailing slash and /ws
// stripped, ws(s):// rewritten to http(s)://) and posted to
// {base}/api/v1/send with bearer auth and a 10-second timeout. The first
// success wins; every candidate failing surfaces the last error.
func (a *Agent) deliver(ctx context.Context, env *envelope.Envelope) error {
	wire, err := envelope.ToWireDict(env)
	if err != nil {
		return err
	}

	relayURLs, err := a.book.GetRelayURLs(ctx, env.To)
	if err != nil {
		return err
	}
	if len(relayURLs) == 0 {
		relayURLs = []string{a.cfg.RelayURL}
	}

	token, _ := a.ks.LoadToken()
	deliverer := transport.NewPullTransport(a.address.Full(), token, relayURLs, a.logger)
	return deliverer.Send(ctx, wire)
}

// ContactCard builds and signs a fresh card advertising this agent's
// current identity and relay.
func (a *Agent) ContactCard() (*contactcard.ContactCard, error) {
	return contactcard.Create(a.address.Full(), a.cfg.AgentName, a.cfg.RelayURL, a.ks.Keypair.SigningKey, contactcard.CreateOptions{
		Relays: []string{a.cfg.RelayURL},
	})
}

// Send resolves to's public key, initiates a handshake on first contact,
// then builds, signs, encrypts, and delivers a MESSAGE envelope.
func (a *Agent) Send(ctx context.Context, to, text string, opts SendOptions) (string, error) {
	start := time.Now()
	defer func() { agentmetrics.SendLatency.Observe(time.Since(start).Seconds()) }()
	toAddr, err := uamaddress.Parse(to)
	if err != nil {
		agentmetrics.MessagesSent.WithLabelValues("error").Inc()
		return "", err
	}

	verifyKey, isFirstContact, err := a.resolveRecipientKey(ctx, toAddr)
	if err != nil {
		agentmetrics.MessagesSent.WithLabelValues("error").Inc()
		return "", err
	}

	if isFirstContact {
		if err := a.hs.InitiateHandshake(ctx, toAddr, verifyKey); err != nil {
			agentmetrics.MessagesSent.WithLabelValues("error").Inc()
			return "", err
		}
		agentmetrics.HandshakeOutcomes.WithLabelValues("sent").Inc()
	}

	env, err := envelope.CreateEnvelope(
		a.address.Full(), toAddr.Full(), envelope.TypeMessage, []byte(text),
		a.ks.Keypair.SigningKey, verifyKey,
		envelope.CreateOptions{ThreadID: opts.ThreadID, Attachments: opts.Attachments},
	)
	if err != nil {
		agentmetrics.MessagesSent.WithLabelValues("error").Inc()
		return "", err
	}

	if err := a.deliver(ctx, env); err != nil {
		agentmetrics.MessagesSent.WithLabelValues("error").Inc()
		return "", &uamerr.TransportError{Op: "send", Reason: err.Error()}
	}

	agentmetrics.MessagesSent.WithLabelValues("ok").Inc()
	return env.MessageID, nil
}

// resolveRecipientKey implements the cache-first lookup: an unknown
// address goes to the resolver chain and is cached as unverified. A known,
// non-pinned address returns straight from the contact book without a
// resolver round trip. A pinned address is re-checked against the
// resolver before every send — the one exception to the cache-first rule
// — because the value of TOFU pinning is exactly the case it exists to
// protect: if the resolver now disagrees with the pinned key, that is a
// KeyPinningError, not a silent re-pin, and the resolver being unreachable
// leaves the pinned key trusted rather than blocking the send.
func (a *Agent) resolveRecipientKey(ctx context.Context, addr uamaddress.Address) (ed25519.PublicKey, bool, error) {
	contact, err := a.book.GetContact(ctx, addr.Full())
	if err != nil {
		return nil, false, err
	}

	if contact != nil {
		cachedKey, decodeErr := uamcrypto.B64Decode(contact.PublicKey)
		if decodeErr != nil {
			return nil, false, &uamerr.ResolutionError{Address: addr.Full(), Reason: "cached public key is corrupt"}
		}
		if contact.TrustState == contactbook.TrustPinned {
			if resolved, err := a.res.ResolvePublicKey(ctx, addr); err == nil && resolved != contact.PublicKey {
				return nil, false, &uamerr.KeyPinningError{Address: addr.Full(), PinnedKey: contact.PublicKey, ObservedKey: resolved}
			}
		}
		isFirstContact := contact.TrustState == contactbook.TrustUnknown || contact.TrustState == contactbook.TrustUnverified
		agentmetrics.ResolverTierHits.WithLabelValues("contact-book").Inc()
		return ed25519.PublicKey(cachedKey), isFirstContact, nil
	}

	keyB64, err := a.res.ResolvePublicKey(ctx, addr)
	if err != nil {
		return nil, false, err
	}
	key, err := uamcrypto.B64Decode(keyB64)
	if err != nil {
		return nil, false, &uamerr.ResolutionError{Address: addr.Full(), Reason: "resolver returned an invalid public key"}
	}
	if err := a.book.AddContact(ctx, addr.Full(), keyB64, "", contactbook.TrustUnverified, ""); err != nil {
		return nil, false, err
	}
	return ed25519.PublicKey(key), true, nil
}

// Inbox sweeps expired pending handshakes, pulls up to limit inbound
// envelopes from the transport, and returns the decrypted MESSAGE-type
// ones. Every other failure mode along the way — a blocked sender, a bad
// signature, an untrusted sender under the active policy, a decryption
// failure — is a silent drop, never a returned error: a single malformed
// or malicious envelope must not disrupt the rest of the poll.
func (a *Agent) Inbox(ctx context.Context, limit int) ([]ReceivedMessage, error) {
	if err := a.hs.SweepExpired(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("sweeping expired pending handshakes")
	}

	wireEnvs, err := a.tr.Receive(ctx, limit)
	if err != nil {
		return nil, &uamerr.TransportError{Op: "receive", Reason: err.Error()}
	}

	var out []ReceivedMessage
	for _, wire := range wireEnvs {
		msg := a.processInbound(ctx, wire)
		if msg != nil {
			out = append(out, *msg)
			agentmetrics.MessagesReceived.WithLabelValues("message").Inc()
		}
	}
	return out, nil
}

func (a *Agent) processInbound(ctx context.Context, wire transport.WireEnvelope) *ReceivedMessage {
	env, err := envelope.FromWireDict(wire)
	if err != nil {
		a.drop("malformed", err)
		return nil
	}

	if a.book.IsBlocked(env.From) {
		a.drop("blocked", fmt.Errorf("sender %s is blocked", env.From))
		return nil
	}

	if env.Type == envelope.TypeHandshakeRequest {
		if err := a.hs.ProcessInboundRequest(ctx, env); err != nil {
			a.logger.Warn().Str("from", env.From).Err(err).Msg("processing inbound handshake request")
		}
		return nil
	}

	fromAddr, err := uamaddress.Parse(env.From)
	if err != nil {
		a.drop("invalid-sender", err)
		return nil
	}
	senderKey, _, err := a.resolveRecipientKey(ctx, fromAddr)
	if err != nil {
		a.drop("resolution", err)
		return nil
	}

	if err := envelope.VerifyEnvelope(env, senderKey); err != nil {
		a.drop("signature", err)
		return nil
	}

	switch env.Type {
	case envelope.TypeHandshakeAccept:
		if err := a.hs.HandleAccept(ctx, env, senderKey); err != nil {
			a.logger.Warn().Err(err).Msg("handling handshake accept")
		} else {
			agentmetrics.HandshakeOutcomes.WithLabelValues("accepted").Inc()
		}
		return nil
	case envelope.TypeHandshakeDeny:
		_ = a.hs.HandleDeny(ctx, env)
		agentmetrics.HandshakeOutcomes.WithLabelValues("denied").Inc()
		return nil
	case envelope.TypeMessage:
		return a.decodeMessage(ctx, env, senderKey)
	default:
		// receipt.* and session.* types are routed internally with no
		// further action: the base specification does not ask this core
		// to maintain session state, and receipts are informational only.
		a.logger.Debug().Str("type", string(env.Type)).Str("from", env.From).Msg("received non-message envelope")
		return nil
	}
}

func (a *Agent) decodeMessage(ctx context.Context, env *envelope.Envelope, senderKey ed25519.PublicKey) *ReceivedMessage {
	if a.cfg.Policy != handshake.PolicyAutoAccept {
		trusted, err := a.book.IsTrustedOrVerified(ctx, env.From)
		if err != nil || !trusted {
			a.drop("untrusted", fmt.Errorf("sender %s is not trusted under the active policy", env.From))
			return nil
		}
	}

	plaintext, err := uamcrypto.DecryptBox(env.Payload, a.ks.Keypair.SigningKey, senderKey)
	if err != nil {
		if legacy.IsLegacyFormat(env.Payload) {
			plaintext, err = legacy.Decrypt(env.Payload, a.ks.Keypair.SigningKey)
		}
		if err != nil {
			a.drop("decryption", err)
			return nil
		}
	}

	msg := &ReceivedMessage{
		MessageID:  env.MessageID,
		From:       env.From,
		ThreadID:   env.ThreadID,
		Body:       plaintext,
		MediaType:  env.MediaType,
		Metadata:   env.Metadata,
		ReceivedAt: time.Now().UTC(),
		Verified:   true,
	}

	go a.sendReadReceipt(env, senderKey)

	return msg
}

// sendReadReceipt fires a receipt.read for a user message. Per the base
// specification's resolved Open Question, the broader rule is applied:
// only type "message" ever triggers a read receipt, suppressing it for
// every other envelope type rather than just the receipt./handshake./
// session. prefixes, closing the loop-recurrence risk a type-name-prefix
// check would leave open if a relay ever reroutes a message under an
// unexpected type.
func (a *Agent) sendReadReceipt(original *envelope.Envelope, senderKey ed25519.PublicKey) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"message_id": original.MessageID})
	receipt, err := envelope.CreateEnvelope(
		a.address.Full(), original.From, envelope.TypeReceiptRead, body,
		a.ks.Keypair.SigningKey, senderKey, envelope.CreateOptions{},
	)
	if err != nil {
		a.logger.Warn().Err(err).Msg("building read receipt")
		return
	}
	if err := a.deliver(ctx, receipt); err != nil {
		a.logger.Warn().Err(err).Msg("delivering read receipt")
	}
}

func (a *Agent) drop(reason string, err error) {
	agentmetrics.InboxDropped.WithLabelValues(reason).Inc()
	a.logger.Debug().Str("reason", reason).Err(err).Msg("dropped inbound envelope")
}

// Pending returns every handshake request awaiting manual approval.
func (a *Agent) Pending(ctx context.Context) ([]contactbook.PendingHandshake, error) {
	return a.book.ListPending(ctx)
}

// Approve accepts a pending handshake from address.
func (a *Agent) Approve(ctx context.Context, address string) error {
	if err := a.hs.Approve(ctx, address); err != nil {
		return err
	}
	agentmetrics.HandshakeOutcomes.WithLabelValues("accepted").Inc()
	return nil
}

// Deny rejects a pending handshake from address.
func (a *Agent) Deny(ctx context.Context, address string) error {
	if err := a.hs.Deny(ctx, address); err != nil {
		return err
	}
	agentmetrics.HandshakeOutcomes.WithLabelValues("denied").Inc()
	return nil
}

// Block adds an exact-address or *::domain wildcard block pattern.
func (a *Agent) Block(ctx context.Context, pattern string) error {
	return a.book.AddBlock(ctx, pattern)
}

// Unblock removes a previously blocked pattern.
func (a *Agent) Unblock(ctx context.Context, pattern string) error {
	return a.book.RemoveBlock(ctx, pattern)
}

// VerifyDomain polls the relay's domain-verification endpoint for address
// and, if the relay reports the domain as confirmed, upgrades the
// contact's trust state toward verified.
func (a *Agent) VerifyDomain(ctx context.Context, address string) (bool, error) {
	url := strings.TrimRight(a.cfg.RelayURL, "/") + "/api/v1/agents/" + address + "/verify-domain"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	token, _ := a.ks.LoadToken()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false, &uamerr.TransportError{Op: "verify-domain", Reason: err.Error()}
	}
	defer resp.Body.Close()

	var body struct {
		Verified bool `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}

	if body.Verified {
		contact, err := a.book.GetContact(ctx, address)
		if err == nil && contact != nil {
			_ = a.book.AddContact(ctx, address, contact.PublicKey, contact.DisplayName, contactbook.TrustVerified, "domain-verification")
		}
	}
	return body.Verified, nil
}

// Close disconnects the transport and closes the contact book. Idempotent.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var firstErr error
	if a.tr != nil {
		if err := a.tr.Disconnect(ctx); err != nil {
			firstErr = err
		}
	}
	if a.book != nil {
		if err := a.book.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
