package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/cyrus/pkg/protocol"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// proxyFrame is one newline-delimited message from the central proxy.
type proxyFrame struct {
	Type    string          `json:"type"` // protocol.ProxyFrameWebhook or ProxyFrameHeartbeat
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ProxyTransport consumes webhooks pushed from the central proxy over a
// websocket, one connection per tracker token.
type ProxyTransport struct {
	url     string
	token   string
	handler Handler

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewProxyTransport creates a proxy transport for one token.
func NewProxyTransport(proxyURL, token string, handler Handler) *ProxyTransport {
	return &ProxyTransport{url: proxyURL, token: token, handler: handler}
}

// Start launches the connect/read loop.
func (t *ProxyTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	go t.run(ctx)
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (t *ProxyTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.running = false
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *ProxyTransport) run(ctx context.Context) {
	defer close(t.done)

	delay := reconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}

		err := t.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("proxy transport disconnected, reconnecting",
				"delay", delay, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, reconnectMaxDelay)
	}
}

func (t *ProxyTransport) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.token)

	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")
	conn.SetReadLimit(1 << 22) // webhooks with large issue descriptions

	slog.Info("proxy transport connected", "url", t.url)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		t.handleFrame(ctx, data)
	}
}

func (t *ProxyTransport) handleFrame(ctx context.Context, data []byte) {
	var frame proxyFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("proxy transport: bad frame", "error", err)
		return
	}

	switch frame.Type {
	case protocol.ProxyFrameHeartbeat:
		// Keepalive only; never delivers an event.
		return
	case protocol.ProxyFrameWebhook:
		ev, err := Decode(frame.Payload)
		if err != nil {
			var unknown *ErrUnknownEvent
			if errors.As(err, &unknown) {
				slog.Debug("proxy transport: unhandled event", "type", unknown.Type, "action", unknown.Action)
			} else {
				slog.Warn("proxy transport: webhook decode failed", "error", err)
			}
			return
		}
		t.handler(ctx, ev)
	default:
		slog.Debug("proxy transport: unknown frame type", "type", frame.Type)
	}
}
