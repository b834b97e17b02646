package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/YouAM-Network/uam/internal/uamerr"
)

const failoverSendTimeout = 10 * time.Second

// PullTransport is the request/response relay transport: Send POSTs one
// envelope, Receive GETs the caller's inbox. Listen is unsupported — a
// pull transport has no channel to push down.
type PullTransport struct {
	Address    string
	Token      string
	HTTPClient *http.Client
	logger     zerolog.Logger

	// relayURLs is the ordered list of candidate relay base URLs tried on
	// Send, normalized once at construction time.
	relayURLs []string
}

// NewPullTransport builds a PullTransport that tries relayURLs, in order,
// on every Send — the multi-relay failover the Agent's send path relies on.
func NewPullTransport(address, token string, relayURLs []string, logger zerolog.Logger) *PullTransport {
	normalized := make([]string, 0, len(relayURLs))
	for _, u := range relayURLs {
		normalized = append(normalized, NormalizeRelayURL(u))
	}
	return &PullTransport{
		Address:    address,
		Token:      token,
		HTTPClient: &http.Client{Timeout: failoverSendTimeout},
		logger:     logger,
		relayURLs:  normalized,
	}
}

// NormalizeRelayURL strips a trailing slash and trailing /ws, and rewrites
// ws(s):// to http(s):// so a relay URL collected from a WebSocket contact
// card can still be used for the HTTP send/receive endpoints.
func NormalizeRelayURL(raw string) string {
	u := strings.TrimSuffix(raw, "/")
	u = strings.TrimSuffix(u, "/ws")
	u = strings.Replace(u, "wss://", "https://", 1)
	u = strings.Replace(u, "ws://", "http://", 1)
	return u
}

// Connect is a no-op: the pull transport has no persistent connection.
func (p *PullTransport) Connect(ctx context.Context) error { return nil }

// Disconnect is a no-op, idempotent.
func (p *PullTransport) Disconnect(ctx context.Context) error { return nil }

// Send tries each configured relay URL in order, posting to
// {base}/api/v1/send with bearer auth. The first success wins; if every
// candidate fails, the last error is returned.
func (p *PullTransport) Send(ctx context.Context, env WireEnvelope) error {
	if len(p.relayURLs) == 0 {
		return &uamerr.TransportError{Op: "send", Reason: "no relay URLs configured"}
	}

	body, err := json.Marshal(map[string]any{"envelope": env})
	if err != nil {
		return &uamerr.TransportError{Op: "send", Reason: err.Error()}
	}

	var lastErr error
	for _, base := range p.relayURLs {
		sendCtx, cancel := context.WithTimeout(ctx, failoverSendTimeout)
		err := p.postEnvelope(sendCtx, base, body)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		p.logger.Warn().Str("relay", base).Err(err).Msg("send failed, trying next relay")
	}
	return lastErr
}

func (p *PullTransport) postEnvelope(ctx context.Context, base string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/send", bytes.NewReader(body))
	if err != nil {
		return &uamerr.TransportError{Op: "send", Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	resp, err := p.client().Do(req)
	if err != nil {
		return &uamerr.TransportError{Op: "send", Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &uamerr.TransportError{Op: "send", Reason: fmt.Sprintf("relay returned status %d: %s", resp.StatusCode, string(respBody))}
	}
	return nil
}

// Receive GETs up to limit inbound envelopes from the caller's relay
// inbox.
func (p *PullTransport) Receive(ctx context.Context, limit int) ([]WireEnvelope, error) {
	if len(p.relayURLs) == 0 {
		return nil, &uamerr.TransportError{Op: "receive", Reason: "no relay URLs configured"}
	}

	url := fmt.Sprintf("%s/api/v1/inbox/%s?limit=%d", p.relayURLs[0], p.Address, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &uamerr.TransportError{Op: "receive", Reason: err.Error()}
	}
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	resp, err := p.client().Do(req)
	if err != nil {
		return nil, &uamerr.TransportError{Op: "receive", Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &uamerr.TransportError{Op: "receive", Reason: fmt.Sprintf("relay returned status %d", resp.StatusCode)}
	}

	var body struct {
		Messages []WireEnvelope `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &uamerr.TransportError{Op: "receive", Reason: "decoding inbox response: " + err.Error()}
	}
	return body.Messages, nil
}

// Listen always fails: the pull transport has no channel to push down.
func (p *PullTransport) Listen(ctx context.Context, callback func(WireEnvelope)) error {
	return &uamerr.TransportError{Op: "listen", Reason: "pull transport does not support listen"}
}

func (p *PullTransport) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return &http.Client{Timeout: failoverSendTimeout}
}
