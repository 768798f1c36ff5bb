package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"rentalconnect-realtime/internal/domain"
)

// Event names carried on the channel
const (
	EventOffer          = "webrtc-offer"
	EventAnswer         = "webrtc-answer"
	EventICECandidate   = "webrtc-ice-candidate"
	EventEndCall        = "end-call"
	EventNewMessage     = "newMessage"
	EventMessageReceive = "message-receive"
	EventError          = "error"
)

// Frame is the envelope of every message on the wire
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Addressing is embedded by every call-signaling payload. Outbound frames set
// ToUserID; the relay strips it and fills FromUserID before delivery.
type Addressing struct {
	ToUserID   domain.ID `json:"toUserId,omitempty"`
	FromUserID domain.ID `json:"fromUserId,omitempty"`
}

// OfferPayload carries a session offer
type OfferPayload struct {
	Addressing
	RoomID domain.ID                  `json:"roomId,omitempty"`
	Offer  *webrtc.SessionDescription `json:"offer"`
}

// AnswerPayload carries a session answer
type AnswerPayload struct {
	Addressing
	RoomID domain.ID                  `json:"roomId,omitempty"`
	Answer *webrtc.SessionDescription `json:"answer"`
}

// ICECandidatePayload carries one trickled ICE candidate
type ICECandidatePayload struct {
	Addressing
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// EndCallPayload tells the peer the call is over
type EndCallPayload struct {
	Addressing
	RoomID domain.ID        `json:"roomId,omitempty"`
	Reason domain.EndReason `json:"reason,omitempty"`
}

// MessagePayload is the body of newMessage and message-receive pushes. The
// two event flavours name their fields differently; Body and ContextID
// hide that.
type MessagePayload struct {
	RoomID          domain.ID                   `json:"roomId,omitempty"`
	AccommodationID domain.ID                   `json:"accommodationId,omitempty"`
	Message         *domain.ConversationMessage `json:"message,omitempty"`
	Payload         *domain.ConversationMessage `json:"payload,omitempty"`
}

// Body returns the pushed message, whichever field carried it
func (p *MessagePayload) Body() (domain.ConversationMessage, bool) {
	switch {
	case p.Message != nil:
		return *p.Message, true
	case p.Payload != nil:
		return *p.Payload, true
	default:
		return domain.ConversationMessage{}, false
	}
}

// ContextID returns the accommodation/room the message belongs to
func (p *MessagePayload) ContextID() domain.ID {
	if !p.AccommodationID.IsZero() {
		return p.AccommodationID
	}
	if !p.RoomID.IsZero() {
		return p.RoomID
	}
	if body, ok := p.Body(); ok {
		return body.AccommodationID
	}
	return domain.NilID
}

// ErrorPayload is sent by the relay when a frame cannot be handled
type ErrorPayload struct {
	Message string `json:"message"`
}

// Decode unmarshals frame data into v
func Decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(data, v)
}

// Route reads the target of an outbound payload and rewrites it for
// delivery: toUserId is removed and fromUserId is set to the sender.
// Payloads without a target return NilID and are not rewritten.
func Route(data json.RawMessage, from domain.ID) (domain.ID, json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return domain.NilID, nil, fmt.Errorf("payload is not an object: %w", err)
	}

	rawTo, ok := fields["toUserId"]
	if !ok {
		return domain.NilID, data, nil
	}
	var to domain.ID
	if err := json.Unmarshal(rawTo, &to); err != nil {
		return domain.NilID, nil, fmt.Errorf("invalid toUserId: %w", err)
	}

	delete(fields, "toUserId")
	fromJSON, err := json.Marshal(from)
	if err != nil {
		return domain.NilID, nil, err
	}
	fields["fromUserId"] = fromJSON

	rewritten, err := json.Marshal(fields)
	if err != nil {
		return domain.NilID, nil, err
	}
	return to, rewritten, nil
}
