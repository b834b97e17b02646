package transport

import (
	"context"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/YouAM-Network/uam/internal/uamerr"
)

const (
	pushConnectTimeout = 30 * time.Second
	backoffBase        = 500 * time.Millisecond
	backoffMax         = 30 * time.Second
	backoffJitter      = 1 * time.Second
)

// PushTransport is the persistent WebSocket relay transport. It answers
// heartbeat pings, reconnects on drop with capped exponential backoff plus
// jitter, and buffers inbound envelopes until a listener is registered.
type PushTransport struct {
	RelayWSURL string
	Token      string
	logger     zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	listener func(WireEnvelope)
	buffer   []WireEnvelope
	attempt  int
	closed   bool
	closeCh  chan struct{}
}

// NewPushTransport builds a PushTransport pointed at relayWSURL (its
// ws(s):// scheme is used verbatim for the dial; see NormalizeRelayURL for
// the HTTP-side equivalent used by PullTransport).
func NewPushTransport(relayWSURL, token string, logger zerolog.Logger) *PushTransport {
	return &PushTransport{RelayWSURL: relayWSURL, Token: token, logger: logger}
}

// Connect dials the relay's WebSocket endpoint and starts the read loop.
// A failed initial connect is surfaced; subsequent drops trigger the
// internal reconnect loop instead of failing the caller.
func (p *PushTransport) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.closeCh == nil {
		p.closeCh = make(chan struct{})
	}
	p.closed = false
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		return &uamerr.TransportError{Op: "connect", Reason: err.Error()}
	}

	p.mu.Lock()
	p.conn = conn
	p.attempt = 0
	p.mu.Unlock()

	go p.readLoop()
	return nil
}

func (p *PushTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, pushConnectTimeout)
	defer cancel()

	dialURL := p.RelayWSURL
	if p.Token != "" {
		sep := "?"
		if strings.Contains(dialURL, "?") {
			sep = "&"
		}
		dialURL += sep + "token=" + url.QueryEscape(p.Token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, dialURL, nil)
	return conn, err
}

// readLoop owns the connection for its lifetime: it dispatches or buffers
// inbound frames, answers heartbeat pings, and on disconnect hands off to
// reconnectLoop unless Disconnect was called.
func (p *PushTransport) readLoop() {
	for {
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn == nil {
			return
		}

		var frame map[string]any
		err := conn.ReadJSON(&frame)
		if err != nil {
			p.mu.Lock()
			closing := p.closed
			p.mu.Unlock()
			if closing {
				return
			}
			p.logger.Warn().Err(err).Msg("push transport read failed, reconnecting")
			p.reconnectLoop()
			return
		}

		if frame["type"] == "ping" {
			p.writeJSON(map[string]any{"type": "pong"})
			continue
		}
		if _, ok := frame["uam_version"]; !ok {
			continue
		}

		p.mu.Lock()
		listener := p.listener
		if listener == nil {
			p.buffer = append(p.buffer, frame)
		}
		p.mu.Unlock()

		if listener != nil {
			listener(frame)
		}
	}
}

// reconnectLoop retries Connect with exponential backoff capped at
// backoffMax, plus random jitter in [0, backoffJitter), to avoid
// thundering-herd reconnects against the relay. The attempt counter resets
// on a successful reconnection.
func (p *PushTransport) reconnectLoop() {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		attempt := p.attempt
		p.attempt++
		p.mu.Unlock()

		delay := backoffBase * time.Duration(1<<uint(attempt))
		if delay > backoffMax || delay <= 0 {
			delay = backoffMax
		}
		delay += time.Duration(rand.Int63n(int64(backoffJitter)))

		select {
		case <-time.After(delay):
		case <-p.closeCh:
			return
		}

		conn, err := p.dial(context.Background())
		if err != nil {
			p.logger.Warn().Err(err).Int("attempt", attempt).Msg("push transport reconnect failed")
			continue
		}

		p.mu.Lock()
		p.conn = conn
		p.attempt = 0
		p.mu.Unlock()

		p.logger.Info().Msg("push transport reconnected")
		go p.readLoop()
		return
	}
}

func (p *PushTransport) writeJSON(v any) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteJSON(v)
}

// Disconnect closes the connection and stops any in-flight reconnect loop.
// Idempotent.
func (p *PushTransport) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	p.conn = nil
	closeCh := p.closeCh
	p.mu.Unlock()

	if closeCh != nil {
		close(closeCh)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send writes one envelope frame to the relay connection.
func (p *PushTransport) Send(ctx context.Context, env WireEnvelope) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return &uamerr.TransportError{Op: "send", Reason: "not connected"}
	}
	if err := conn.WriteJSON(env); err != nil {
		return &uamerr.TransportError{Op: "send", Reason: err.Error()}
	}
	return nil
}

// Receive drains up to limit buffered inbound envelopes, for callers that
// poll instead of registering a Listen callback.
func (p *PushTransport) Receive(ctx context.Context, limit int) ([]WireEnvelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limit <= 0 || limit > len(p.buffer) {
		limit = len(p.buffer)
	}
	out := p.buffer[:limit]
	p.buffer = p.buffer[limit:]
	return out, nil
}

// Listen registers callback as the push handler, immediately flushing any
// envelopes buffered while no listener was registered.
func (p *PushTransport) Listen(ctx context.Context, callback func(WireEnvelope)) error {
	p.mu.Lock()
	p.listener = callback
	buffered := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	for _, env := range buffered {
		callback(env)
	}
	return nil
}
