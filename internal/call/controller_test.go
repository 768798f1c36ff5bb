package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentalconnect-realtime/internal/domain"
	"rentalconnect-realtime/internal/rtc"
	"rentalconnect-realtime/internal/signaling"
	apperrors "rentalconnect-realtime/pkg/errors"
	"rentalconnect-realtime/pkg/metrics"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// fakePeer records what the controller asks of the peer connection
type fakePeer struct {
	name string

	mu         sync.Mutex
	active     bool
	remote     *webrtc.SessionDescription
	mediaErr   error
	applied    []string
	created    int
	tornDown   int
	onCand     func(webrtc.ICECandidateInit)
	onState    func(webrtc.PeerConnectionState)
	gatherOnSL []string
}

func newFakePeer(name string) *fakePeer { return &fakePeer{name: name} }

func (f *fakePeer) Create() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = true
	f.remote = nil
	f.created++
	return nil
}

func (f *fakePeer) AttachLocalMedia(ctx context.Context, c rtc.Constraints) (*rtc.MediaStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mediaErr != nil {
		return nil, f.mediaErr
	}
	return rtc.NewMediaStream(), nil
}

func (f *fakePeer) gather() {
	f.mu.Lock()
	cands := f.gatherOnSL
	fn := f.onCand
	f.mu.Unlock()
	for _, c := range cands {
		if fn != nil {
			fn(webrtc.ICECandidateInit{Candidate: c})
		}
	}
}

func (f *fakePeer) CreateOfferAndSetLocal() (*webrtc.SessionDescription, error) {
	// Candidates gathered before the offer leaves must still follow it
	f.gather()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + f.name}, nil
}

func (f *fakePeer) CreateAnswerAndSetLocal(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if _, err := f.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	f.gather()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + f.name}, nil
}

func (f *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return false, errors.New("no connection")
	}
	if f.remote != nil && f.remote.Type == desc.Type {
		return false, nil
	}
	f.remote = &desc
	return true, nil
}

func (f *fakePeer) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active && f.remote != nil
}

func (f *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, c.Candidate)
	return nil
}

func (f *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	f.onCand = fn
	f.mu.Unlock()
}

func (f *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakePeer) Teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		f.tornDown++
	}
	f.active = false
	f.remote = nil
}

func (f *fakePeer) setMediaErr(err error) {
	f.mu.Lock()
	f.mediaErr = err
	f.mu.Unlock()
}

func (f *fakePeer) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

func (f *fakePeer) remoteSDP() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return ""
	}
	return f.remote.SDP
}

// recordingChannel counts emitted events
type recordingChannel struct {
	signaling.Channel

	mu      sync.Mutex
	emitted []string
}

func (r *recordingChannel) Emit(event string, payload any) {
	r.mu.Lock()
	r.emitted = append(r.emitted, event)
	r.mu.Unlock()
	r.Channel.Emit(event, payload)
}

func (r *recordingChannel) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.emitted {
		if e == event {
			n++
		}
	}
	return n
}

// changes collects state transitions
type changes struct {
	mu  sync.Mutex
	all []StateChange
}

func (c *changes) add(sc StateChange) {
	c.mu.Lock()
	c.all = append(c.all, sc)
	c.mu.Unlock()
}

func (c *changes) statuses() []domain.CallStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.CallStatus, len(c.all))
	for i, sc := range c.all {
		out[i] = sc.To
	}
	return out
}

func (c *changes) last() StateChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.all) == 0 {
		return StateChange{}
	}
	return c.all[len(c.all)-1]
}

type party struct {
	id      domain.ID
	ctrl    *Controller
	peer    *fakePeer
	ch      *recordingChannel
	ep      *signaling.Endpoint
	changes *changes
}

func newParty(t *testing.T, bus *signaling.Bus, id domain.ID, ring time.Duration) *party {
	t.Helper()
	ep := bus.Endpoint(id)
	ch := &recordingChannel{Channel: ep}
	peer := newFakePeer(string(id))
	ctrl := New(Config{SelfID: id, RingTimeout: ring}, ch, peer, WithMetrics(metrics.NewMetrics("test")))
	p := &party{id: id, ctrl: ctrl, peer: peer, ch: ch, ep: ep, changes: &changes{}}
	ctrl.OnStateChange(p.changes.add)
	t.Cleanup(ctrl.Close)
	return p
}

func (p *party) waitState(t *testing.T, want domain.CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return p.ctrl.State() == want }, waitFor, tick,
		"%s expected %s, got %s", p.id, want, p.ctrl.State())
}

// waitEnded waits for the observer to see the return to idle with reason
func (p *party) waitEnded(t *testing.T, reason domain.EndReason) {
	t.Helper()
	require.Eventually(t, func() bool {
		last := p.changes.last()
		return last.To == domain.CallStatusIdle && last.Reason == reason
	}, waitFor, tick, "%s expected end with %s, got %+v", p.id, reason, p.changes.last())
}

func TestController_CallAcceptedConnectsBothSides(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	alice := newParty(t, bus, "alice", time.Minute)
	bob := newParty(t, bus, "bob", time.Minute)

	incoming := make(chan IncomingCall, 1)
	bob.ctrl.OnIncomingCall(func(in IncomingCall) { incoming <- in })

	require.NoError(t, alice.ctrl.Start(context.Background(), "bob", "acc-7"))
	assert.Equal(t, domain.CallStatusOutgoingRinging, alice.ctrl.State())

	select {
	case in := <-incoming:
		assert.Equal(t, domain.ID("alice"), in.FromUserID)
		assert.Equal(t, domain.ID("acc-7"), in.RoomID)
	case <-time.After(waitFor):
		t.Fatal("no incoming call")
	}
	assert.Equal(t, domain.CallStatusIncomingRinging, bob.ctrl.State())

	require.NoError(t, bob.ctrl.Accept(context.Background()))
	assert.Equal(t, domain.CallStatusConnected, bob.ctrl.State())
	alice.waitState(t, domain.CallStatusConnected)

	assert.Equal(t, "answer-bob", alice.peer.remoteSDP())
	assert.Equal(t, "offer-alice", bob.peer.remoteSDP())

	s, ok := alice.ctrl.Session()
	require.True(t, ok)
	assert.True(t, s.IsCaller)
	assert.Equal(t, domain.ID("bob"), s.PeerUserID)
	assert.False(t, s.ConnectedAt.IsZero())

	assert.Eventually(t, func() bool { return len(alice.changes.statuses()) == 2 }, waitFor, tick)
	assert.Equal(t, []domain.CallStatus{domain.CallStatusOutgoingRinging, domain.CallStatusConnected}, alice.changes.statuses())
}

func TestController_EarlyCandidatesAreQueuedAndDrainedInOrder(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	alice := newParty(t, bus, "alice", time.Minute)
	bob := newParty(t, bus, "bob", time.Minute)
	alice.peer.gatherOnSL = []string{"c1", "c2", "c3"}

	require.NoError(t, alice.ctrl.Start(context.Background(), "bob", "acc-1"))
	bob.waitState(t, domain.CallStatusIncomingRinging)

	require.Eventually(t, func() bool { return bob.ctrl.QueuedCandidates() == 3 }, waitFor, tick)
	assert.Empty(t, bob.peer.appliedCandidates())

	require.NoError(t, bob.ctrl.Accept(context.Background()))
	assert.Equal(t, []string{"c1", "c2", "c3"}, bob.peer.appliedCandidates())
	assert.Zero(t, bob.ctrl.QueuedCandidates())

	// Once the remote description exists, candidates apply immediately
	require.NoError(t, bob.ep.Inject(signaling.EventICECandidate, signaling.ICECandidatePayload{
		Addressing: signaling.Addressing{FromUserID: "alice"},
		Candidate:  webrtc.ICECandidateInit{Candidate: "c4"},
	}))
	require.Eventually(t, func() bool { return len(bob.peer.appliedCandidates()) == 4 }, waitFor, tick)
}

func TestController_StartWithDeniedMediaStaysIdle(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	alice := newParty(t, bus, "alice", time.Minute)
	bob := newParty(t, bus, "bob", time.Minute)
	alice.peer.setMediaErr(rtc.NewMediaDeniedError("camera"))

	err := alice.ctrl.Start(context.Background(), "bob", "acc-1")

	var mae *rtc.MediaAccessError
	require.True(t, errors.As(err, &mae))
	assert.Equal(t, domain.CallStatusIdle, alice.ctrl.State())
	assert.Zero(t, alice.ch.count(signaling.EventOffer))
	assert.Empty(t, alice.changes.statuses())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.CallStatusIdle, bob.ctrl.State())

	// A fresh attempt works once media is available
	alice.peer.setMediaErr(nil)
	require.NoError(t, alice.ctrl.Start(context.Background(), "bob", "acc-1"))
	bob.waitState(t, domain.CallStatusIncomingRinging)
}

func TestController_AcceptWithDeniedMediaKeepsRinging(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	alice := newParty(t, bus, "alice", time.Minute)
	bob := newParty(t, bus, "bob", time.Minute)
	bob.peer.setMediaErr(rtc.NewMediaNotFoundError("camera"))

	require.NoError(t, alice.ctrl.Start(context.Background(), "bob", "acc-1"))
	bob.waitState(t, domain.CallStatusIncomingRinging)

	err := bob.ctrl.Accept(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaNotFound))
	assert.Equal(t, domain.CallStatusIncomingRinging, bob.ctrl.State())
	assert.Zero(t, bob.ch.count(signaling.EventAnswer))

	bob.peer.setMediaErr(nil)
	require.NoError(t, bob.ctrl.Accept(context.Background()))
	alice.waitState(t, domain.CallStatusConnected)
}

func TestController_RejectLeavesCallerRingingUntilTimeout(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	alice := newParty(t, bus, "alice", 300*time.Millisecond)
	bob := newParty(t, bus, "bob", time.Minute)
	alice.peer.gatherOnSL = []string{"c1"}

	require.NoError(t, alice.ctrl.Start(context.Background(), "bob", "acc-1"))
	bob.waitState(t, domain.CallStatusIncomingRinging)
	require.Eventually(t, func() bool { return bob.ctrl.QueuedCandidates() == 1 }, waitFor, tick)

	require.NoError(t, bob.ctrl.Reject())
	assert.Equal(t, domain.CallStatusIdle, bob.ctrl.State())
	assert.Zero(t, bob.ctrl.QueuedCandidates())
	assert.Equal(t, []domain.CallStatus{domain.CallStatusIncomingRinging, domain.CallStatusIdle}, bob.changes.statuses())
	assert.Zero(t, bob.ch.count(signaling.EventEndCall))
	assert.Zero(t, bob.ch.count(signaling.EventAnswer))

	// The caller never hears about the reject
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, domain.CallStatusOutgoingRinging, alice.ctrl.State())

	alice.waitEnded(t, domain.EndReasonTimeout)
	assert.Equal(t, []domain.CallStatus{
		domain.CallStatusOutgoingRinging,
		domain.CallStatusEnded,
		domain.CallStatusIdle,
	}, alice.changes.statuses())
	assert.Equal(t, 1, alice.ch.count(signaling.EventEndCall))

	// Bob is already idle, so the caller's timeout notice changes nothing
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, bob.changes.statuses(), 2)
}

func TestController_RemoteRejectPassesThroughEnded(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	alice := newParty(t, bus, "alice", time.Minute)
	bus.Endpoint("bob")

	require.NoError(t, alice.ctrl.Start(context.Background(), "bob", "acc-1"))
	require.NoError(t, alice.ep.Inject(signaling.EventEndCall, signaling.EndCallPayload{
		Addressing: signaling.Addressing{FromUserID: "bob"},
		RoomID:     "acc-1",
		Reason:     domain.EndReasonRejected,
	}))

	alice.waitEnded(t, domain.EndReasonRejected)
	assert.Equal(t, []domain.CallStatus{
		domain.CallStatusOutgoingRinging,
		domain.CallStatusEnded,
		domain.CallStatusIdle,
	}, alice.changes.statuses())
	assert.Zero(t, alice.ch.count(signaling.EventEndCall))
}

func TestController_EndIsIdempotent(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	alice := newParty(t, bus, "alice", time.Minute)
	bob := newParty(t, bus, "bob", time.Minute)

	alice.ctrl.End()
	assert.Zero(t, alice.ch.count(signaling.EventEndCall))

	require.NoError(t, alice.ctrl.Start(context.Background(), "bob", "acc-1"))
	bob.waitState(t, domain.CallStatusIncomingRinging)
	require.NoError(t, bob.ctrl.Accept(context.Background()))
	alice.waitState(t, domain.CallStatusConnected)
	require.Eventually(t, func() bool { return len(alice.changes.statuses()) == 2 }, waitFor, tick)

	alice.ctrl.End()
	alice.ctrl.End()

	assert.Equal(t, domain.CallStatusIdle, alice.ctrl.State())
	assert.Equal(t, 1, alice.ch.count(signaling.EventEndCall))
	assert.Equal(t, []domain.CallStatus{
		domain.CallStatusOutgoingRinging,
		domain.CallStatusConnected,
		domain.CallStatusEnded,
		domain.CallStatusIdle,
	}, alice.changes.statuses())

	bob.waitEnded(t, domain.EndReasonRemote)
	assert.Equal(t, 1, bob.peer.tornDown)
	assert.Zero(t, bob.ch.count(signaling.EventEndCall))
}

func TestController_ThirdPartyOfferGetsBusy(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	alice := newParty(t, bus, "alice", time.Minute)
	bob := newParty(t, bus, "bob", time.Minute)
	carol := newParty(t, bus, "carol", time.Minute)

	require.NoError(t, alice.ctrl.Start(context.Background(), "bob", "acc-1"))
	bob.waitState(t, domain.CallStatusIncomingRinging)

	require.NoError(t, carol.ctrl.Start(context.Background(), "bob", "acc-2"))
	carol.waitEnded(t, domain.EndReasonBusy)

	s, ok := bob.ctrl.Session()
	require.True(t, ok)
	assert.Equal(t, domain.ID("alice"), s.PeerUserID)
	assert.Equal(t, domain.CallStatusIncomingRinging, s.Status)
}

func TestController_IgnoresSignalsFromOtherUsers(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	alice := newParty(t, bus, "alice", time.Minute)
	bus.Endpoint("bob")

	require.NoError(t, alice.ctrl.Start(context.Background(), "bob", "acc-1"))

	require.NoError(t, alice.ep.Inject(signaling.EventAnswer, signaling.AnswerPayload{
		Addressing: signaling.Addressing{FromUserID: "mallory"},
		Answer:     &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "evil"},
	}))
	require.NoError(t, alice.ep.Inject(signaling.EventEndCall, signaling.EndCallPayload{
		Addressing: signaling.Addressing{FromUserID: "mallory"},
	}))
	require.NoError(t, alice.ep.Inject(signaling.EventICECandidate, signaling.ICECandidatePayload{
		Addressing: signaling.Addressing{FromUserID: "mallory"},
		Candidate:  webrtc.ICECandidateInit{Candidate: "evil"},
	}))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, domain.CallStatusOutgoingRinging, alice.ctrl.State())
	assert.Empty(t, alice.peer.remoteSDP())
	assert.Zero(t, alice.ctrl.QueuedCandidates())
}

func TestController_RingingTimeout(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	alice := newParty(t, bus, "alice", 60*time.Millisecond)
	bob := newParty(t, bus, "bob", time.Minute)

	require.NoError(t, alice.ctrl.Start(context.Background(), "bob", "acc-1"))
	bob.waitState(t, domain.CallStatusIncomingRinging)

	alice.waitEnded(t, domain.EndReasonTimeout)
	assert.Equal(t, 1, alice.ch.count(signaling.EventEndCall))

	bob.waitEnded(t, domain.EndReasonTimeout)
}

func TestController_ConnectedCallDoesNotTimeOut(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	alice := newParty(t, bus, "alice", 200*time.Millisecond)
	bob := newParty(t, bus, "bob", 200*time.Millisecond)

	require.NoError(t, alice.ctrl.Start(context.Background(), "bob", "acc-1"))
	bob.waitState(t, domain.CallStatusIncomingRinging)
	require.NoError(t, bob.ctrl.Accept(context.Background()))
	alice.waitState(t, domain.CallStatusConnected)

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, domain.CallStatusConnected, alice.ctrl.State())
	assert.Equal(t, domain.CallStatusConnected, bob.ctrl.State())
}

func TestController_GlareHigherIDYields(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	bob := newParty(t, bus, "bob", time.Minute)
	aliceEP := bus.Endpoint("alice")

	answers := make(chan signaling.AnswerPayload, 1)
	aliceEP.On(signaling.EventAnswer, func(data json.RawMessage) {
		var p signaling.AnswerPayload
		if signaling.Decode(data, &p) == nil {
			answers <- p
		}
	})

	require.NoError(t, bob.ctrl.Start(context.Background(), "alice", "acc-1"))
	require.NoError(t, bob.ep.Inject(signaling.EventOffer, signaling.OfferPayload{
		Addressing: signaling.Addressing{FromUserID: "alice"},
		RoomID:     "acc-1",
		Offer:      &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-alice"},
	}))

	select {
	case p := <-answers:
		assert.Equal(t, domain.ID("bob"), p.FromUserID)
		assert.Equal(t, "answer-bob", p.Answer.SDP)
	case <-time.After(waitFor):
		t.Fatal("yielding side never answered")
	}

	bob.waitState(t, domain.CallStatusConnected)
	s, _ := bob.ctrl.Session()
	assert.False(t, s.IsCaller)
	assert.Zero(t, bob.ch.count(signaling.EventEndCall))
	assert.Equal(t, "offer-alice", bob.peer.remoteSDP())
}

func TestController_GlareLowerIDKeepsOffer(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	alice := newParty(t, bus, "alice", time.Minute)
	bus.Endpoint("bob")

	require.NoError(t, alice.ctrl.Start(context.Background(), "bob", "acc-1"))
	require.NoError(t, alice.ep.Inject(signaling.EventOffer, signaling.OfferPayload{
		Addressing: signaling.Addressing{FromUserID: "bob"},
		Offer:      &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-bob"},
	}))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, domain.CallStatusOutgoingRinging, alice.ctrl.State())
	assert.Zero(t, alice.ch.count(signaling.EventAnswer))
	assert.Zero(t, alice.ch.count(signaling.EventEndCall))
}

func TestController_GlareWinnerDropsCandidatesOfAbandonedOffer(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	alice := newParty(t, bus, "alice", time.Minute)
	bus.Endpoint("bob")

	require.NoError(t, alice.ctrl.Start(context.Background(), "bob", "acc-1"))
	require.NoError(t, alice.ep.Inject(signaling.EventOffer, signaling.OfferPayload{
		Addressing: signaling.Addressing{FromUserID: "bob"},
		Offer:      &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-bob"},
	}))
	require.NoError(t, alice.ep.Inject(signaling.EventICECandidate, signaling.ICECandidatePayload{
		Addressing: signaling.Addressing{FromUserID: "bob"},
		Candidate:  webrtc.ICECandidateInit{Candidate: "abandoned"},
	}))
	require.Eventually(t, func() bool { return alice.ctrl.QueuedCandidates() == 1 }, waitFor, tick)

	require.NoError(t, alice.ep.Inject(signaling.EventAnswer, signaling.AnswerPayload{
		Addressing: signaling.Addressing{FromUserID: "bob"},
		Answer:     &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-bob"},
	}))
	require.NoError(t, alice.ep.Inject(signaling.EventICECandidate, signaling.ICECandidatePayload{
		Addressing: signaling.Addressing{FromUserID: "bob"},
		Candidate:  webrtc.ICECandidateInit{Candidate: "fresh"},
	}))

	alice.waitState(t, domain.CallStatusConnected)
	require.Eventually(t, func() bool { return len(alice.peer.appliedCandidates()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"fresh"}, alice.peer.appliedCandidates())
	assert.Zero(t, alice.ctrl.QueuedCandidates())
}

func TestController_RealPeersReleaseAllTracksOnEnd(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)

	newRealParty := func(id domain.ID) (*Controller, *rtc.Manager, *changes) {
		peer := rtc.NewManager(nil, rtc.NewStaticSource())
		ctrl := New(Config{SelfID: id, RingTimeout: time.Minute}, bus.Endpoint(id), peer)
		ch := &changes{}
		ctrl.OnStateChange(ch.add)
		t.Cleanup(ctrl.Close)
		return ctrl, peer, ch
	}
	alice, alicePeer, _ := newRealParty("alice")
	bob, bobPeer, bobChanges := newRealParty("bob")

	require.NoError(t, alice.Start(context.Background(), "bob", "acc-1"))
	require.Eventually(t, func() bool { return bob.State() == domain.CallStatusIncomingRinging }, waitFor, tick)
	require.NoError(t, bob.Accept(context.Background()))
	require.Eventually(t, func() bool { return alice.State() == domain.CallStatusConnected }, waitFor, tick)

	streams := []*rtc.MediaStream{
		alicePeer.LocalStream(), alicePeer.RemoteStream(),
		bobPeer.LocalStream(), bobPeer.RemoteStream(),
	}
	for _, s := range streams {
		require.NotNil(t, s)
	}
	assert.NotEmpty(t, alicePeer.LocalStream().GetTracks())
	assert.NotEmpty(t, bobPeer.LocalStream().GetTracks())

	alice.End()
	require.Eventually(t, func() bool {
		last := bobChanges.last()
		return last.To == domain.CallStatusIdle && last.Reason == domain.EndReasonRemote
	}, waitFor, tick)

	assert.Equal(t, domain.CallStatusIdle, alice.State())
	assert.False(t, alicePeer.Active())
	assert.False(t, bobPeer.Active())
	for _, s := range streams {
		assert.Empty(t, s.GetTracks())
	}
}

func TestController_StartRequiresConnectedChannel(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	alice := newParty(t, bus, "alice", time.Minute)
	alice.ep.SetConnected(false)

	err := alice.ctrl.Start(context.Background(), "bob", "acc-1")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalingUnavailable))
	assert.Equal(t, domain.CallStatusIdle, alice.ctrl.State())
}

func TestController_StartValidation(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	alice := newParty(t, bus, "alice", time.Minute)

	assert.Error(t, alice.ctrl.Start(context.Background(), "", "acc-1"))
	assert.Error(t, alice.ctrl.Start(context.Background(), "alice", "acc-1"))

	require.NoError(t, alice.ctrl.Start(context.Background(), "bob", "acc-1"))
	err := alice.ctrl.Start(context.Background(), "carol", "acc-1")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidCallState))

	assert.True(t, apperrors.HasCode(alice.ctrl.Accept(context.Background()), apperrors.ErrCodeInvalidCallState))
	assert.True(t, apperrors.HasCode(alice.ctrl.Reject(), apperrors.ErrCodeInvalidCallState))
}

func TestController_ConnectionFailureEndsCall(t *testing.T) {
	bus := signaling.NewBus()
	t.Cleanup(bus.Close)
	alice := newParty(t, bus, "alice", time.Minute)
	bob := newParty(t, bus, "bob", time.Minute)

	require.NoError(t, alice.ctrl.Start(context.Background(), "bob", "acc-1"))
	bob.waitState(t, domain.CallStatusIncomingRinging)
	require.NoError(t, bob.ctrl.Accept(context.Background()))
	alice.waitState(t, domain.CallStatusConnected)

	alice.peer.mu.Lock()
	onState := alice.peer.onState
	alice.peer.mu.Unlock()
	onState(webrtc.PeerConnectionStateFailed)

	assert.Equal(t, domain.CallStatusIdle, alice.ctrl.State())
	assert.Equal(t, domain.EndReasonFailed, alice.changes.last().Reason)
	bob.waitState(t, domain.CallStatusIdle)
}
