// Package rtc wraps pion/webrtc for one-to-one calls: peer connection
// lifecycle, local capture tracks, and the queue that holds remote ICE
// candidates until a remote description exists.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	apperrors "rentalconnect-realtime/pkg/errors"
	"rentalconnect-realtime/pkg/logger"
)

// Manager owns at most one pion PeerConnection plus the local and remote
// media bound to it.
type Manager struct {
	iceServers []webrtc.ICEServer
	source     MediaSource
	log        *zap.Logger

	mu            sync.Mutex
	pc            *webrtc.PeerConnection
	localStream   *MediaStream
	remoteStream  *MediaStream
	onCandidate   func(webrtc.ICECandidateInit)
	onRemoteTrack func(*MediaStream)
	onState       func(webrtc.PeerConnectionState)
}

// NewManager creates a manager. stunServers are STUN URLs; an empty list
// gives a connection with host candidates only.
func NewManager(stunServers []string, source MediaSource) *Manager {
	m := &Manager{
		source: source,
		log:    logger.Named("peer"),
	}
	if len(stunServers) > 0 {
		m.iceServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return m
}

// OnICECandidate sets the callback for locally gathered candidates
func (m *Manager) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	m.mu.Lock()
	m.onCandidate = fn
	m.mu.Unlock()
}

// OnRemoteTrack sets the callback fired when a remote track is bound to the
// remote stream
func (m *Manager) OnRemoteTrack(fn func(*MediaStream)) {
	m.mu.Lock()
	m.onRemoteTrack = fn
	m.mu.Unlock()
}

// OnConnectionStateChange sets the callback for connection state changes
func (m *Manager) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// Create builds a new peer connection. Any previous one is torn down first.
func (m *Manager) Create() error {
	m.Teardown()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return fmt.Errorf("register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{LoggerFactory: newZapLoggerFactory()}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settings),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}

	remote := NewMediaStream()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.mu.Lock()
		fn := m.onCandidate
		current := m.pc == pc
		m.mu.Unlock()
		if fn != nil && current {
			fn(c.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.log.Info("Remote track received",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))

		m.mu.Lock()
		if m.pc != pc {
			m.mu.Unlock()
			return
		}
		remote.AddTrack(&RemoteTrack{TrackRemote: track, receiver: receiver})
		fn := m.onRemoteTrack
		m.mu.Unlock()
		if fn != nil {
			fn(remote)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.log.Debug("Peer connection state", zap.String("state", state.String()))
		m.mu.Lock()
		fn := m.onState
		current := m.pc == pc
		m.mu.Unlock()
		if fn != nil && current {
			fn(state)
		}
	})

	m.mu.Lock()
	m.pc = pc
	m.remoteStream = remote
	m.mu.Unlock()
	return nil
}

// AttachLocalMedia captures local media and adds its tracks to the
// connection. Capture failures are returned as *MediaAccessError.
func (m *Manager) AttachLocalMedia(ctx context.Context, c Constraints) (*MediaStream, error) {
	pc, err := m.current()
	if err != nil {
		return nil, err
	}
	if m.source == nil {
		return nil, NewMediaNotFoundError("camera and microphone")
	}

	stream, err := m.source.GetUserMedia(ctx, c)
	if err != nil {
		return nil, err
	}

	for _, t := range stream.GetTracks() {
		local, ok := t.(*LocalTrack)
		if !ok {
			continue
		}
		if _, err := pc.AddTrack(local.TrackLocalStaticSample); err != nil {
			stream.Stop()
			return nil, fmt.Errorf("add %s track: %w", local.Kind(), err)
		}
	}

	m.mu.Lock()
	if m.localStream != nil {
		m.localStream.Stop()
	}
	m.localStream = stream
	m.mu.Unlock()
	return stream, nil
}

// CreateOfferAndSetLocal creates an offer, sets it as the local description
// and returns it for transmission.
func (m *Manager) CreateOfferAndSetLocal() (*webrtc.SessionDescription, error) {
	pc, err := m.current()
	if err != nil {
		return nil, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	return pc.LocalDescription(), nil
}

// CreateAnswerAndSetLocal applies the remote offer, creates an answer, sets
// it as the local description and returns it for transmission.
func (m *Manager) CreateAnswerAndSetLocal(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	pc, err := m.current()
	if err != nil {
		return nil, err
	}
	if _, err := m.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	return pc.LocalDescription(), nil
}

// SetRemoteDescription applies desc unless a remote description of the same
// type is already in place. applied is false for the duplicate case.
func (m *Manager) SetRemoteDescription(desc webrtc.SessionDescription) (bool, error) {
	pc, err := m.current()
	if err != nil {
		return false, err
	}
	if existing := pc.RemoteDescription(); existing != nil && existing.Type == desc.Type {
		m.log.Debug("Remote description already set", zap.String("type", desc.Type.String()))
		return false, nil
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return false, fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	return true, nil
}

// HasRemoteDescription reports whether a remote description is set
func (m *Manager) HasRemoteDescription() bool {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	return pc != nil && pc.RemoteDescription() != nil
}

// AddICECandidate applies a remote candidate
func (m *Manager) AddICECandidate(c webrtc.ICECandidateInit) error {
	pc, err := m.current()
	if err != nil {
		return err
	}
	if err := pc.AddICECandidate(c); err != nil {
		return apperrors.ICEApplyError(err)
	}
	return nil
}

// LocalStream returns the captured stream, or nil
func (m *Manager) LocalStream() *MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localStream
}

// RemoteStream returns the stream remote tracks are bound to, or nil
func (m *Manager) RemoteStream() *MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteStream
}

// Active reports whether a connection exists
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pc != nil
}

// Teardown stops local and remote tracks, then closes the connection.
// Streams handed out earlier report no tracks afterwards. Safe to call
// repeatedly.
func (m *Manager) Teardown() {
	m.mu.Lock()
	pc := m.pc
	local := m.localStream
	remote := m.remoteStream
	m.pc = nil
	m.localStream = nil
	m.remoteStream = nil
	m.mu.Unlock()

	if local != nil {
		local.Stop()
	}
	if remote != nil {
		remote.Stop()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			m.log.Warn("Failed to close peer connection", zap.Error(err))
		}
	}
}

func (m *Manager) current() (*webrtc.PeerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc == nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidCallState, "No active peer connection")
	}
	return m.pc, nil
}
