package ports

import (
	"context"

	"presencerelay/internal/core/domain"
)

// Transport is the send/close handle of one live client link. Send must not
// block: it queues the frame or fails.
type Transport interface {
	Send(frame []byte) error
	Close() error
	RemoteAddr() string
}

// ConnectionHandler receives transport lifecycle events. Calls for a single
// connection arrive in order.
type ConnectionHandler interface {
	OnConnect(ctx context.Context, transport Transport) domain.ConnectionID
	OnMessage(ctx context.Context, connectionID domain.ConnectionID, raw []byte) error
	OnDisconnect(ctx context.Context, connectionID domain.ConnectionID)
	ReplyError(connectionID domain.ConnectionID, err error)
}

// PresenceReader exposes read-only presence state to outer surfaces.
type PresenceReader interface {
	Participants() []domain.Identity
	ConnectionCount() int
	View() domain.PresenceView
}
