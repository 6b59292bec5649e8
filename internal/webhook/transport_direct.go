package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// maxDirectBody bounds webhook request bodies.
const maxDirectBody = 1 << 22

// DirectTransport receives native tracker webhooks as HTTP POSTs on the
// shared application server. One instance per token; the edge worker mounts
// it at a token-scoped path.
type DirectTransport struct {
	secret  string // HMAC secret; empty disables verification (dev mode)
	handler Handler
	active  atomic.Bool
}

// NewDirectTransport creates a direct webhook endpoint.
func NewDirectTransport(secret string, handler Handler) *DirectTransport {
	return &DirectTransport{secret: secret, handler: handler}
}

// Start enables delivery. The HTTP route stays mounted; requests arriving
// while stopped get 503.
func (t *DirectTransport) Start(ctx context.Context) error {
	t.active.Store(true)
	return nil
}

// Stop disables delivery.
func (t *DirectTransport) Stop(ctx context.Context) error {
	t.active.Store(false)
	return nil
}

// ServeHTTP implements the webhook endpoint.
func (t *DirectTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !t.active.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDirectBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if t.secret != "" && !t.verifySignature(body, r.Header.Get("X-Webhook-Signature")) {
		slog.Warn("direct webhook: bad signature", "remote", r.RemoteAddr)
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	ev, err := Decode(body)
	if err != nil {
		var unknown *ErrUnknownEvent
		if errors.As(err, &unknown) {
			slog.Debug("direct webhook: unhandled event", "type", unknown.Type, "action", unknown.Action)
			w.WriteHeader(http.StatusOK) // acknowledged, intentionally dropped
			return
		}
		slog.Warn("direct webhook: decode failed", "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	// Acknowledge before processing; the tracker retries slow endpoints.
	w.WriteHeader(http.StatusOK)
	t.handler(r.Context(), ev)
}

func (t *DirectTransport) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(t.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
