package domain

// Server to client frame types.
const (
	TypeWelcome = "welcome"
	TypeJoined  = "joined"
	TypeLeft    = "left"
	TypeError   = "error"
	TypeTick    = "presence:tick"
)

type WelcomeFrame struct {
	Type         string       `json:"type"`
	ConnectionID ConnectionID `json:"connectionId"`
	Protocol     string       `json:"protocol"`
}

// PresenceFrame announces a participant joining or leaving.
type PresenceFrame struct {
	Type          string        `json:"type"`
	ParticipantID ParticipantID `json:"participantId"`
	DisplayName   string        `json:"displayName"`
	Kind          string        `json:"kind,omitempty"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type TickFrame struct {
	Type         string          `json:"type"`
	Phase        string          `json:"phase"`
	Participants []ParticipantID `json:"participants"`
	Count        int             `json:"count"`
}

func NewJoinedFrame(id Identity) PresenceFrame {
	return PresenceFrame{Type: TypeJoined, ParticipantID: id.ParticipantID, DisplayName: id.DisplayName, Kind: id.Kind}
}

func NewLeftFrame(id Identity) PresenceFrame {
	return PresenceFrame{Type: TypeLeft, ParticipantID: id.ParticipantID, DisplayName: id.DisplayName}
}

func NewTickFrame(s PresenceSnapshot) TickFrame {
	return TickFrame{Type: TypeTick, Phase: s.Phase, Participants: s.Participants, Count: s.Count}
}
