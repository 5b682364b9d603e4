package domain

import "time"

const (
	PhaseA = "a"
	PhaseB = "b"
)

// PresenceSnapshot is the aggregate state emitted on every tick.
type PresenceSnapshot struct {
	Phase        string          `json:"phase"`
	Participants []ParticipantID `json:"participants"`
	Count        int             `json:"count"`
	TakenAt      time.Time       `json:"takenAt"`
}

// PresenceView is the snapshot together with the identities and connections
// it was taken from, all read under one lock.
type PresenceView struct {
	Snapshot     PresenceSnapshot
	Participants []Identity
	Connections  []ConnectionInfo
}

// PhaseAt alternates between PhaseA and PhaseB every period:
// floor(now_ms / period_ms) mod 2.
func PhaseAt(now time.Time, period time.Duration) string {
	periodMs := period.Milliseconds()
	if periodMs < 1 {
		periodMs = 1
	}
	if ((now.UnixMilli()/periodMs)%2+2)%2 == 0 {
		return PhaseA
	}
	return PhaseB
}
