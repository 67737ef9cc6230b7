package ports

import (
	"context"
	"encoding/json"

	"meetline/internal/core/domain"
	"meetline/pkg/protocol"
)

// SignalingTransport is one live connection to a relay endpoint.
// Subscribe handlers run on the transport's read goroutine and must not block.
type SignalingTransport interface {
	PeerID() domain.PeerID
	Endpoint() string
	Connected() bool

	// Publish sends a fire-and-forget event.
	Publish(ctx context.Context, event string, payload any) error
	// Request sends event and waits for the matching acknowledgment.
	Request(ctx context.Context, event string, payload any) (*protocol.Ack, error)

	Subscribe(event string, handler func(data json.RawMessage)) (unsubscribe func())
	// OnDisconnect is called once when the connection drops without Close.
	OnDisconnect(handler func(err error))

	Close() error
}

// TransportDialer establishes a SignalingTransport by trying endpoints in order.
type TransportDialer interface {
	Connect(ctx context.Context, endpoints []string, identity domain.Identity) (SignalingTransport, error)
}
