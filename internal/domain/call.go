package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// CallStatus is the state of a client-side call session
type CallStatus string

const (
	CallStatusIdle            CallStatus = "idle"
	CallStatusOutgoingRinging CallStatus = "outgoing-ringing"
	CallStatusIncomingRinging CallStatus = "incoming-ringing"
	CallStatusConnected       CallStatus = "connected"
	CallStatusEnded           CallStatus = "ended"
)

// IsRinging reports whether the status is one of the two ringing states
func (s CallStatus) IsRinging() bool {
	return s == CallStatusOutgoingRinging || s == CallStatusIncomingRinging
}

// EndReason explains why a call session ended
type EndReason string

const (
	EndReasonHangup      EndReason = "hangup"
	EndReasonRemote      EndReason = "remote-hangup"
	EndReasonRejected    EndReason = "rejected"
	EndReasonTimeout     EndReason = "timeout"
	EndReasonBusy        EndReason = "busy"
	EndReasonUnavailable EndReason = "unavailable"
	EndReasonFailed      EndReason = "failed"
	EndReasonClosed      EndReason = "closed"
)

// CallSession is the ephemeral state of one call negotiation. It lives only
// inside the controller that created it and is never shared or persisted.
type CallSession struct {
	PeerUserID        ID
	RoomID            ID
	IsCaller          bool
	Status            CallStatus
	LocalDescription  *webrtc.SessionDescription
	RemoteDescription *webrtc.SessionDescription
	StartedAt         time.Time
	ConnectedAt       time.Time
}

// Call log statuses
const (
	CallRecordRinging = "ringing"
	CallRecordActive  = "active"
	CallRecordEnded   = "ended"
)

// Call is the server-side call log record written by the signaling relay
type Call struct {
	CallID     uuid.UUID  `json:"call_id"`
	RoomID     string     `json:"room_id"`
	CallerID   uuid.UUID  `json:"caller_id"`
	CalleeID   uuid.UUID  `json:"callee_id"`
	Status     string     `json:"status"` // ringing, active, ended
	EndReason  string     `json:"end_reason,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Duration   int        `json:"duration,omitempty"` // in seconds, from answer to end
}
