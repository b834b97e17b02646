package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newEchoRelay(t *testing.T, onMessage func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		onMessage(conn)
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestPushTransportConnectAndReceiveBuffered(t *testing.T) {
	srv := newEchoRelay(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"uam_version": "0.1", "message_id": "1"})
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	tr := NewPushTransport(wsURL(srv.URL), "", zerolog.Nop())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect(context.Background())

	var got []WireEnvelope
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := tr.Receive(context.Background(), 10)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		got = append(got, msgs...)
		if len(got) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if len(got) != 1 {
		t.Fatalf("expected one buffered envelope, got %d", len(got))
	}
}

func TestPushTransportListenFlushesBuffer(t *testing.T) {
	srv := newEchoRelay(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"uam_version": "0.1", "message_id": "1"})
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	tr := NewPushTransport(wsURL(srv.URL), "", zerolog.Nop())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect(context.Background())

	time.Sleep(100 * time.Millisecond)

	received := make(chan WireEnvelope, 1)
	if err := tr.Listen(context.Background(), func(env WireEnvelope) {
		received <- env
	}); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	select {
	case env := <-received:
		if env["message_id"] != "1" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for buffered envelope to flush to listener")
	}
}

func TestPushTransportDisconnectIsIdempotent(t *testing.T) {
	srv := newEchoRelay(t, func(conn *websocket.Conn) {
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	tr := NewPushTransport(wsURL(srv.URL), "", zerolog.Nop())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.Disconnect(context.Background()); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := tr.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect should be a no-op, got: %v", err)
	}
}

func TestPushTransportSendRequiresConnection(t *testing.T) {
	tr := NewPushTransport("ws://unused.test", "", zerolog.Nop())
	if err := tr.Send(context.Background(), WireEnvelope{}); err == nil {
		t.Fatal("expected Send to fail before Connect")
	}
}
