package domain

import "time"

type ConnectionID string

type ParticipantID string

// ConnectionState is the lifecycle position of a single transport link.
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateAnnounced    ConnectionState = "announced"
	StateDisconnected ConnectionState = "disconnected"
)

// Identity is the logical participant a connection has announced as.
type Identity struct {
	ParticipantID ParticipantID `json:"participantId"`
	DisplayName   string        `json:"displayName,omitempty"`
	Kind          string        `json:"kind,omitempty"`
	Capabilities  []string      `json:"capabilities,omitempty"`
	ConnectionID  ConnectionID  `json:"connectionId"`
	AnnouncedAt   time.Time     `json:"announcedAt"`
}

// Merge applies a re-announce from the same connection. Empty fields in the
// update leave the current value untouched.
func (i *Identity) Merge(a Announce) {
	if a.DisplayName != "" {
		i.DisplayName = a.DisplayName
	}
	if a.Kind != "" {
		i.Kind = a.Kind
	}
	if a.Capabilities != nil {
		i.Capabilities = append([]string(nil), a.Capabilities...)
	}
}

// ConnectionInfo is a read-only view of a live connection.
type ConnectionInfo struct {
	ID            ConnectionID    `json:"connectionId"`
	State         ConnectionState `json:"state"`
	ParticipantID ParticipantID   `json:"participantId,omitempty"`
	RemoteAddr    string          `json:"remoteAddr,omitempty"`
	ConnectedAt   time.Time       `json:"connectedAt"`
}
