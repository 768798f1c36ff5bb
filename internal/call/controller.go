// Package call drives one user's side of a one-to-one call. A Controller
// owns at most one session and moves it through
// idle → ringing → connected → ended → idle in response to local actions,
// inbound signaling and the ringing timer.
package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"rentalconnect-realtime/internal/domain"
	"rentalconnect-realtime/internal/rtc"
	"rentalconnect-realtime/internal/signaling"
	"rentalconnect-realtime/pkg/constants"
	apperrors "rentalconnect-realtime/pkg/errors"
	"rentalconnect-realtime/pkg/logger"
	"rentalconnect-realtime/pkg/metrics"
)

// Peer is the peer connection surface the controller needs. *rtc.Manager
// implements it.
type Peer interface {
	Create() error
	AttachLocalMedia(ctx context.Context, c rtc.Constraints) (*rtc.MediaStream, error)
	CreateOfferAndSetLocal() (*webrtc.SessionDescription, error)
	CreateAnswerAndSetLocal(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) (bool, error)
	HasRemoteDescription() bool
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	Teardown()
}

// Config holds per-controller settings
type Config struct {
	SelfID      domain.ID
	RingTimeout time.Duration
	Constraints rtc.Constraints
}

// StateChange is delivered to OnStateChange observers
type StateChange struct {
	From       domain.CallStatus
	To         domain.CallStatus
	PeerUserID domain.ID
	RoomID     domain.ID
	Reason     domain.EndReason
}

// IncomingCall is delivered to OnIncomingCall observers
type IncomingCall struct {
	FromUserID domain.ID
	RoomID     domain.ID
}

// Option configures a Controller
type Option func(*Controller)

// WithMetrics records call lifecycle and ICE metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller is the call session state machine. All events are serialized
// under one mutex; observers run after the mutex is released, in order.
type Controller struct {
	cfg     Config
	channel signaling.Channel
	peer    Peer
	queue   *rtc.ICEQueue
	metrics *metrics.Metrics
	log     *zap.Logger

	handlers map[string]signaling.HandlerID

	mu           sync.Mutex
	session      *domain.CallSession
	pendingOffer *webrtc.SessionDescription
	ending       bool
	timer        *time.Timer
	generation   uint64
	notes        []func()

	// set when glare was won: candidates queued before the answer belong to
	// the connection the peer abandoned
	staleCandidates bool

	// local ICE routing, separate from mu so pion callbacks never wait on it
	localMu      sync.Mutex
	localTarget  domain.ID
	localReady   bool
	localPending []webrtc.ICECandidateInit

	obsMu      sync.RWMutex
	onState    []func(StateChange)
	onIncoming []func(IncomingCall)
	onError    []func(error)
}

// New creates a controller and subscribes it to the channel
func New(cfg Config, ch signaling.Channel, peer Peer, opts ...Option) *Controller {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = constants.DefaultRingTimeout
	}
	if !cfg.Constraints.Audio && !cfg.Constraints.Video {
		cfg.Constraints = rtc.DefaultConstraints
	}

	c := &Controller{
		cfg:      cfg,
		channel:  ch,
		peer:     peer,
		log:      logger.Named("call").With(zap.String("self", cfg.SelfID.String())),
		handlers: make(map[string]signaling.HandlerID),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.queue = rtc.NewICEQueue(c.metrics)

	peer.OnICECandidate(c.handleLocalCandidate)
	peer.OnConnectionStateChange(c.handleConnectionState)

	c.handlers[signaling.EventOffer] = ch.On(signaling.EventOffer, c.handleOffer)
	c.handlers[signaling.EventAnswer] = ch.On(signaling.EventAnswer, c.handleAnswer)
	c.handlers[signaling.EventICECandidate] = ch.On(signaling.EventICECandidate, c.handleRemoteCandidate)
	c.handlers[signaling.EventEndCall] = ch.On(signaling.EventEndCall, c.handleEndCall)
	return c
}

// OnStateChange registers an observer for state transitions
func (c *Controller) OnStateChange(fn func(StateChange)) {
	c.obsMu.Lock()
	c.onState = append(c.onState, fn)
	c.obsMu.Unlock()
}

// OnIncomingCall registers an observer for inbound offers
func (c *Controller) OnIncomingCall(fn func(IncomingCall)) {
	c.obsMu.Lock()
	c.onIncoming = append(c.onIncoming, fn)
	c.obsMu.Unlock()
}

// OnError registers an observer for failures that do not come back as a
// return value, such as a failed auto-accept
func (c *Controller) OnError(fn func(error)) {
	c.obsMu.Lock()
	c.onError = append(c.onError, fn)
	c.obsMu.Unlock()
}

// State returns the current status
func (c *Controller) State() domain.CallStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return domain.CallStatusIdle
	}
	return c.session.Status
}

// Session returns a copy of the active session, if any
func (c *Controller) Session() (domain.CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return domain.CallSession{}, false
	}
	return *c.session, true
}

// QueuedCandidates returns how many remote candidates are waiting
func (c *Controller) QueuedCandidates() int {
	return c.queue.Len()
}

// Start places a call to peerID. Local media is captured before anything is
// sent; a *rtc.MediaAccessError leaves the controller idle.
func (c *Controller) Start(ctx context.Context, peerID, roomID domain.ID) error {
	c.mu.Lock()
	defer c.unlockAndNotify()

	if peerID.IsZero() {
		return apperrors.MissingFieldError("peer user id")
	}
	if peerID == c.cfg.SelfID {
		return apperrors.ValidationError("Cannot call yourself")
	}
	if !c.channel.Connected() {
		return apperrors.SignalingUnavailableError()
	}
	if c.session != nil {
		return apperrors.InvalidCallStateError("start", string(c.session.Status))
	}

	c.queue.Reset()
	c.resetLocalRouting(peerID)

	offer, err := c.prepareOffer(ctx)
	if err != nil {
		c.peer.Teardown()
		c.resetLocalRouting(domain.NilID)
		c.log.Warn("Failed to start call", zap.String("peer", peerID.String()), zap.Error(err))
		return err
	}

	c.session = &domain.CallSession{
		PeerUserID:       peerID,
		RoomID:           roomID,
		IsCaller:         true,
		Status:           domain.CallStatusIdle,
		LocalDescription: offer,
		StartedAt:        time.Now(),
	}

	c.channel.Emit(signaling.EventOffer, signaling.OfferPayload{
		Addressing: signaling.Addressing{ToUserID: peerID},
		RoomID:     roomID,
		Offer:      offer,
	})
	c.flushLocalCandidates()

	c.setStatus(domain.CallStatusOutgoingRinging, "")
	c.armRingTimer()
	c.metrics.RecordCallStarted("outgoing")
	c.log.Info("Call started", zap.String("peer", peerID.String()), zap.String("room", roomID.String()))
	return nil
}

func (c *Controller) prepareOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	if err := c.peer.Create(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to create peer connection", err)
	}
	if _, err := c.peer.AttachLocalMedia(ctx, c.cfg.Constraints); err != nil {
		return nil, err
	}
	offer, err := c.peer.CreateOfferAndSetLocal()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to create offer", err)
	}
	return offer, nil
}

// Accept answers the ringing incoming call. A *rtc.MediaAccessError keeps
// the call ringing so the user can retry or reject.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.session == nil || c.session.Status != domain.CallStatusIncomingRinging {
		return apperrors.InvalidCallStateError("accept", string(c.stateLocked()))
	}
	return c.acceptLocked(ctx)
}

func (c *Controller) acceptLocked(ctx context.Context) error {
	s := c.session
	c.resetLocalRouting(s.PeerUserID)

	if err := c.peer.Create(); err != nil {
		c.finishLocked(domain.EndReasonFailed, true)
		return apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to create peer connection", err)
	}
	if _, err := c.peer.AttachLocalMedia(ctx, c.cfg.Constraints); err != nil {
		c.peer.Teardown()
		c.log.Warn("Local media unavailable on accept", zap.Error(err))
		return err
	}

	answer, err := c.peer.CreateAnswerAndSetLocal(*c.pendingOffer)
	if err != nil {
		c.finishLocked(domain.EndReasonFailed, true)
		return apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to answer call", err)
	}
	s.RemoteDescription = c.pendingOffer
	s.LocalDescription = answer
	c.pendingOffer = nil

	c.channel.Emit(signaling.EventAnswer, signaling.AnswerPayload{
		Addressing: signaling.Addressing{ToUserID: s.PeerUserID},
		RoomID:     s.RoomID,
		Answer:     answer,
	})
	c.flushLocalCandidates()
	c.drainQueue()
	c.connectLocked()
	return nil
}

// Reject declines the ringing incoming call. The offer and any queued
// candidates are discarded and nothing is sent: the caller keeps ringing
// until its own timeout ends the attempt.
func (c *Controller) Reject() error {
	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.session == nil || c.session.Status != domain.CallStatusIncomingRinging {
		return apperrors.InvalidCallStateError("reject", string(c.stateLocked()))
	}
	c.closeSessionLocked(domain.EndReasonRejected, false, false)
	return nil
}

// End hangs up the current call and notifies the peer. It is a no-op when
// idle or while an end is already in progress.
func (c *Controller) End() {
	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.session == nil || c.ending {
		return
	}
	c.finishLocked(domain.EndReasonHangup, true)
}

// Close ends any call and unsubscribes from the channel
func (c *Controller) Close() {
	c.mu.Lock()
	if c.session != nil && !c.ending {
		c.finishLocked(domain.EndReasonClosed, true)
	}
	c.unlockAndNotify()

	for event, id := range c.handlers {
		c.channel.Off(event, id)
	}
}

func (c *Controller) handleOffer(data json.RawMessage) {
	var p signaling.OfferPayload
	if err := signaling.Decode(data, &p); err != nil || p.Offer == nil || p.FromUserID.IsZero() {
		c.log.Warn("Invalid offer payload", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.unlockAndNotify()

	from := p.FromUserID
	switch {
	case c.session == nil:
		c.queue.Reset()
		c.pendingOffer = p.Offer
		c.session = &domain.CallSession{
			PeerUserID: from,
			RoomID:     p.RoomID,
			Status:     domain.CallStatusIdle,
			StartedAt:  time.Now(),
		}
		c.setStatus(domain.CallStatusIncomingRinging, "")
		c.armRingTimer()
		c.metrics.RecordCallStarted("incoming")
		incoming := IncomingCall{FromUserID: from, RoomID: p.RoomID}
		c.notify(func() { c.emitIncoming(incoming) })

	case from != c.session.PeerUserID:
		c.log.Info("Busy, declining offer", zap.String("from", from.String()))
		c.channel.Emit(signaling.EventEndCall, signaling.EndCallPayload{
			Addressing: signaling.Addressing{ToUserID: from},
			RoomID:     p.RoomID,
			Reason:     domain.EndReasonBusy,
		})

	case c.session.Status == domain.CallStatusOutgoingRinging:
		c.resolveGlare(p)

	case c.session.Status == domain.CallStatusIncomingRinging:
		c.pendingOffer = p.Offer

	default:
		c.log.Debug("Ignoring offer in current state", zap.String("state", string(c.session.Status)))
	}
}

// resolveGlare handles both sides calling each other at once. The lower user
// id keeps its offer; the higher one abandons its attempt silently and
// answers the winner's offer instead.
func (c *Controller) resolveGlare(p signaling.OfferPayload) {
	if c.cfg.SelfID < p.FromUserID {
		c.log.Info("Glare: keeping own offer", zap.String("peer", p.FromUserID.String()))
		c.staleCandidates = true
		return
	}

	c.log.Info("Glare: yielding to peer offer", zap.String("peer", p.FromUserID.String()))
	c.cancelRingTimer()
	c.peer.Teardown()

	s := c.session
	s.IsCaller = false
	s.LocalDescription = nil
	if !p.RoomID.IsZero() {
		s.RoomID = p.RoomID
	}
	c.pendingOffer = p.Offer
	c.setStatus(domain.CallStatusIncomingRinging, "")
	c.armRingTimer()

	if err := c.acceptLocked(context.Background()); err != nil {
		c.notify(func() { c.emitError(err) })
	}
}

func (c *Controller) handleAnswer(data json.RawMessage) {
	var p signaling.AnswerPayload
	if err := signaling.Decode(data, &p); err != nil || p.Answer == nil {
		c.log.Warn("Invalid answer payload", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.session == nil || p.FromUserID != c.session.PeerUserID {
		return
	}
	if c.session.Status != domain.CallStatusOutgoingRinging {
		// Duplicate answers are absorbed by the idempotent guard
		if c.session.Status == domain.CallStatusConnected {
			_, _ = c.peer.SetRemoteDescription(*p.Answer)
		}
		return
	}

	if _, err := c.peer.SetRemoteDescription(*p.Answer); err != nil {
		c.log.Error("Failed to apply answer", zap.Error(err))
		c.finishLocked(domain.EndReasonFailed, true)
		c.notify(func() { c.emitError(err) })
		return
	}
	c.session.RemoteDescription = p.Answer
	if c.staleCandidates {
		// The peer emits its answer before any candidate of the new
		// connection, so everything queued so far is from the old one.
		c.staleCandidates = false
		c.queue.Reset()
	}
	c.drainQueue()
	c.connectLocked()
}

func (c *Controller) handleRemoteCandidate(data json.RawMessage) {
	var p signaling.ICECandidatePayload
	if err := signaling.Decode(data, &p); err != nil {
		c.log.Warn("Invalid ICE candidate payload", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.session == nil || p.FromUserID != c.session.PeerUserID {
		return
	}
	if !c.peer.HasRemoteDescription() {
		c.queue.Enqueue(p.Candidate)
		return
	}
	if err := c.peer.AddICECandidate(p.Candidate); err != nil {
		c.log.Warn("Failed to apply ICE candidate", zap.String("candidate", p.Candidate.Candidate), zap.Error(err))
		c.metrics.RecordICECandidate("failed")
		return
	}
	c.metrics.RecordICECandidate("applied")
}

func (c *Controller) handleEndCall(data json.RawMessage) {
	var p signaling.EndCallPayload
	if err := signaling.Decode(data, &p); err != nil {
		c.log.Warn("Invalid end-call payload", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.session == nil || c.ending || p.FromUserID != c.session.PeerUserID {
		return
	}
	reason := p.Reason
	switch reason {
	case domain.EndReasonBusy, domain.EndReasonRejected, domain.EndReasonUnavailable, domain.EndReasonTimeout:
	default:
		reason = domain.EndReasonRemote
	}
	c.finishLocked(reason, false)
}

func (c *Controller) handleConnectionState(state webrtc.PeerConnectionState) {
	if state != webrtc.PeerConnectionStateFailed {
		return
	}
	c.mu.Lock()
	defer c.unlockAndNotify()

	if c.session == nil || c.ending || c.session.Status != domain.CallStatusConnected {
		return
	}
	c.log.Warn("Peer connection failed", zap.String("peer", c.session.PeerUserID.String()))
	c.finishLocked(domain.EndReasonFailed, true)
}

func (c *Controller) handleRingTimeout(gen uint64) {
	c.mu.Lock()
	defer c.unlockAndNotify()

	if gen != c.generation || c.session == nil || c.ending || !c.session.Status.IsRinging() {
		return
	}
	c.log.Info("Ringing timed out", zap.String("peer", c.session.PeerUserID.String()))
	c.finishLocked(domain.EndReasonTimeout, c.session.IsCaller)
}

// handleLocalCandidate forwards gathered candidates once the description
// they belong to has been sent.
func (c *Controller) handleLocalCandidate(cand webrtc.ICECandidateInit) {
	c.localMu.Lock()
	target := c.localTarget
	if target.IsZero() {
		c.localMu.Unlock()
		return
	}
	if !c.localReady {
		c.localPending = append(c.localPending, cand)
		c.localMu.Unlock()
		return
	}
	c.localMu.Unlock()

	c.channel.Emit(signaling.EventICECandidate, signaling.ICECandidatePayload{
		Addressing: signaling.Addressing{ToUserID: target},
		Candidate:  cand,
	})
}

func (c *Controller) resetLocalRouting(target domain.ID) {
	c.localMu.Lock()
	c.localTarget = target
	c.localReady = false
	c.localPending = nil
	c.localMu.Unlock()
}

func (c *Controller) flushLocalCandidates() {
	c.localMu.Lock()
	target := c.localTarget
	pending := c.localPending
	c.localPending = nil
	c.localReady = true
	c.localMu.Unlock()

	for _, cand := range pending {
		c.channel.Emit(signaling.EventICECandidate, signaling.ICECandidatePayload{
			Addressing: signaling.Addressing{ToUserID: target},
			Candidate:  cand,
		})
	}
}

func (c *Controller) drainQueue() {
	if _, err := c.queue.DrainInto(c.peer); err != nil {
		c.log.Warn("ICE queue not drained", zap.Error(err))
	}
}

func (c *Controller) connectLocked() {
	c.cancelRingTimer()
	c.session.ConnectedAt = time.Now()
	c.setStatus(domain.CallStatusConnected, "")
	c.metrics.RecordCallConnected(c.session.ConnectedAt.Sub(c.session.StartedAt))
	c.log.Info("Call connected", zap.String("peer", c.session.PeerUserID.String()))
}

// finishLocked ends the session through ended to idle
func (c *Controller) finishLocked(reason domain.EndReason, notifyPeer bool) {
	c.closeSessionLocked(reason, notifyPeer, true)
}

// closeSessionLocked tears the session down and returns to idle. Only a
// local reject skips the ended state, since no call ever existed.
func (c *Controller) closeSessionLocked(reason domain.EndReason, notifyPeer, viaEnded bool) {
	c.ending = true
	defer func() { c.ending = false }()

	s := c.session
	wasConnected := s.Status == domain.CallStatusConnected
	c.cancelRingTimer()

	if notifyPeer {
		c.channel.Emit(signaling.EventEndCall, signaling.EndCallPayload{
			Addressing: signaling.Addressing{ToUserID: s.PeerUserID},
			RoomID:     s.RoomID,
			Reason:     reason,
		})
	}

	c.resetLocalRouting(domain.NilID)
	c.peer.Teardown()
	c.queue.Reset()
	c.pendingOffer = nil
	c.staleCandidates = false

	if viaEnded {
		c.setStatus(domain.CallStatusEnded, reason)
	}
	c.setStatus(domain.CallStatusIdle, reason)
	c.session = nil

	c.metrics.RecordCallEnded(string(reason), wasConnected)
	c.log.Info("Call ended",
		zap.String("peer", s.PeerUserID.String()),
		zap.String("reason", string(reason)),
		zap.Bool("was_connected", wasConnected))
}

func (c *Controller) setStatus(to domain.CallStatus, reason domain.EndReason) {
	s := c.session
	change := StateChange{
		From:       s.Status,
		To:         to,
		PeerUserID: s.PeerUserID,
		RoomID:     s.RoomID,
		Reason:     reason,
	}
	s.Status = to
	c.notify(func() { c.emitState(change) })
}

func (c *Controller) armRingTimer() {
	c.cancelRingTimer()
	gen := c.generation
	c.timer = time.AfterFunc(c.cfg.RingTimeout, func() { c.handleRingTimeout(gen) })
}

func (c *Controller) cancelRingTimer() {
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) stateLocked() domain.CallStatus {
	if c.session == nil {
		return domain.CallStatusIdle
	}
	return c.session.Status
}

func (c *Controller) notify(fn func()) {
	c.notes = append(c.notes, fn)
}

// unlockAndNotify releases mu and then runs the observers queued while it
// was held.
func (c *Controller) unlockAndNotify() {
	notes := c.notes
	c.notes = nil
	c.mu.Unlock()
	for _, fn := range notes {
		fn()
	}
}

func (c *Controller) emitState(change StateChange) {
	c.obsMu.RLock()
	observers := append([]func(StateChange){}, c.onState...)
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(change)
	}
}

func (c *Controller) emitIncoming(in IncomingCall) {
	c.obsMu.RLock()
	observers := append([]func(IncomingCall){}, c.onIncoming...)
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(in)
	}
}

func (c *Controller) emitError(err error) {
	c.obsMu.RLock()
	observers := append([]func(error){}, c.onError...)
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(err)
	}
}
