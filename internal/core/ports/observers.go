package ports

import "presencerelay/internal/core/domain"

// PresencePublisher forwards presence events to external observers. Every
// method must return without waiting on I/O.
type PresencePublisher interface {
	PublishJoined(identity domain.Identity)
	PublishLeft(identity domain.Identity)
	PublishTakeover(identity domain.Identity, previous domain.ConnectionID)
	PublishTick(snapshot domain.PresenceSnapshot)
}

// RelayMetrics records relay activity.
type RelayMetrics interface {
	SetConnections(n int)
	SetAnnounced(n int)
	FrameReceived(kind string)
	FrameSent()
	SendDropped()
	Takeover()
	ErrorReplied(code string)
	TickEmitted(participants int)
}
