package webhook

import "context"

// Handler receives each decoded event from a transport. One transport exists
// per tracker token; the edge worker binds the handler to that token's
// repository set.
type Handler func(ctx context.Context, ev Event)

// Transport delivers tracker webhooks for one token. Reconnection is the
// transport's concern; handlers only ever see decoded events.
type Transport interface {
	// Start begins delivery. Non-blocking after setup.
	Start(ctx context.Context) error
	// Stop halts delivery and releases the connection.
	Stop(ctx context.Context) error
}
