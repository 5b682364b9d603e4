package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	apperrors "presencerelay/pkg/errors"
	"presencerelay/pkg/validation"
)

// Envelope field names on the wire.
const (
	FieldType          = "type"
	FieldParticipantID = "participantId"
	FieldDisplayName   = "displayName"
	FieldKind          = "kind"
	FieldCapabilities  = "capabilities"
	FieldTo            = "to"
	FieldPayload       = "payload"
	FieldFrom          = "from"
	FieldTimestamp     = "timestamp"
)

// Frame is a decoded JSON envelope. Keys the relay does not interpret are kept
// verbatim so they survive relaying.
type Frame map[string]json.RawMessage

// Annotate returns a copy of the frame with the server-assigned sender and
// timestamp, overriding anything the client supplied.
func (f Frame) Annotate(from ParticipantID, timestamp string) Frame {
	out := make(Frame, len(f)+2)
	for k, v := range f {
		out[k] = v
	}
	out[FieldFrom], _ = json.Marshal(from)
	out[FieldTimestamp], _ = json.Marshal(timestamp)
	return out
}

// Inbound is one decoded client frame: Announce, Directed, Broadcast or Unknown.
type Inbound interface {
	MessageType() string
	isInbound()
}

type Announce struct {
	Type          string
	ParticipantID ParticipantID
	DisplayName   string
	Kind          string
	Capabilities  []string
}

type Directed struct {
	Type  string
	To    ParticipantID
	Frame Frame
}

type Broadcast struct {
	Type  string
	Frame Frame
}

// Unknown carries any type the relay has no handler for; it is broadcast
// as-is so newer clients can talk through an older relay.
type Unknown struct {
	Type  string
	Frame Frame
}

func (a Announce) MessageType() string  { return a.Type }
func (d Directed) MessageType() string  { return d.Type }
func (b Broadcast) MessageType() string { return b.Type }
func (u Unknown) MessageType() string   { return u.Type }

func (Announce) isInbound()  {}
func (Directed) isInbound()  {}
func (Broadcast) isInbound() {}
func (Unknown) isInbound()   {}

// KindOf names the variant for metrics and tracing.
func KindOf(in Inbound) string {
	switch in.(type) {
	case Announce:
		return "announce"
	case Directed:
		return "directed"
	case Broadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Decoder classifies raw frames by their type field.
type Decoder struct {
	announce  map[string]struct{}
	message   map[string]struct{}
	broadcast string
}

// NewDecoder builds a decoder for the given announce-class and message-class
// type names. A message whose "to" is empty or equals sentinel is a broadcast.
func NewDecoder(announceTypes, messageTypes []string, sentinel string) *Decoder {
	d := &Decoder{
		announce:  make(map[string]struct{}, len(announceTypes)),
		message:   make(map[string]struct{}, len(messageTypes)),
		broadcast: sentinel,
	}
	for _, t := range announceTypes {
		d.announce[t] = struct{}{}
	}
	for _, t := range messageTypes {
		d.message[t] = struct{}{}
	}
	return d
}

// Decode parses raw into exactly one Inbound variant. Errors are
// *apperrors.AppError values suitable for an error frame.
func (d *Decoder) Decode(raw []byte) (Inbound, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, apperrors.NewMalformedFrameError(err)
	}
	if frame == nil {
		return nil, apperrors.NewMalformedFrameError(errors.New("frame must be a JSON object"))
	}

	msgType, present, err := stringField(frame, FieldType)
	if err != nil {
		return nil, apperrors.NewMalformedFrameError(err)
	}
	if !present || msgType == "" {
		return nil, apperrors.NewMalformedFrameError(errors.New("type field is required"))
	}

	if _, ok := d.announce[msgType]; ok {
		return decodeAnnounce(msgType, frame)
	}

	if _, ok := d.message[msgType]; ok {
		to, _, err := stringField(frame, FieldTo)
		if err != nil {
			return nil, apperrors.NewMalformedFrameError(err)
		}
		if to == "" || to == d.broadcast {
			return Broadcast{Type: msgType, Frame: frame}, nil
		}
		return Directed{Type: msgType, To: ParticipantID(to), Frame: frame}, nil
	}

	return Unknown{Type: msgType, Frame: frame}, nil
}

func decodeAnnounce(msgType string, frame Frame) (Inbound, error) {
	a := Announce{Type: msgType}

	pid, _, err := stringField(frame, FieldParticipantID)
	if err != nil {
		return nil, apperrors.NewMalformedFrameError(err)
	}
	if validation.ValidateNonEmptyString(pid, FieldParticipantID) != nil {
		return nil, apperrors.NewMissingFieldError(FieldParticipantID)
	}
	a.ParticipantID = ParticipantID(pid)

	if a.DisplayName, _, err = stringField(frame, FieldDisplayName); err != nil {
		return nil, apperrors.NewMalformedFrameError(err)
	}
	if a.Kind, _, err = stringField(frame, FieldKind); err != nil {
		return nil, apperrors.NewMalformedFrameError(err)
	}
	if raw, ok := frame[FieldCapabilities]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &a.Capabilities); err != nil {
			return nil, apperrors.NewMalformedFrameError(fmt.Errorf("capabilities must be an array of strings"))
		}
		if a.Capabilities == nil {
			a.Capabilities = []string{}
		}
	}

	if err := validateMetadata(a); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	return a, nil
}

// validateMetadata bounds the optional announce fields that are echoed to
// every other connection in joined and tick frames.
func validateMetadata(a Announce) error {
	if err := validation.ValidateDisplayName(a.DisplayName); err != nil {
		return err
	}
	if err := validation.ValidateKind(a.Kind); err != nil {
		return err
	}
	return validation.ValidateCapabilities(a.Capabilities)
}

// stringField reads an optional string field. A JSON null counts as absent.
func stringField(frame Frame, key string) (string, bool, error) {
	raw, ok := frame[key]
	if !ok || isNull(raw) {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", true, fmt.Errorf("%s must be a string", key)
	}
	return s, true, nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
