package rtc

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	apperrors "rentalconnect-realtime/pkg/errors"
)

// Constraints selects which devices to capture
type Constraints struct {
	Audio bool
	Video bool
}

// DefaultConstraints asks for camera and microphone
var DefaultConstraints = Constraints{Audio: true, Video: true}

// MediaSource acquires local capture tracks. Implementations report a
// missing device or a denied permission as *MediaAccessError.
type MediaSource interface {
	GetUserMedia(ctx context.Context, c Constraints) (*MediaStream, error)
}

// MediaAccessError is returned when local media cannot be captured. It is
// user-recoverable and carries an AppError code (MEDIA_ACCESS_DENIED or
// MEDIA_DEVICE_NOT_FOUND).
type MediaAccessError struct {
	Device string
	app    *apperrors.AppError
}

// NewMediaDeniedError reports a refused capture permission
func NewMediaDeniedError(device string) *MediaAccessError {
	return &MediaAccessError{
		Device: device,
		app:    apperrors.NewWithStatus(apperrors.ErrCodeMediaDenied, fmt.Sprintf("Permission to use %s was denied", device), http.StatusForbidden),
	}
}

// NewMediaNotFoundError reports a missing capture device
func NewMediaNotFoundError(device string) *MediaAccessError {
	return &MediaAccessError{
		Device: device,
		app:    apperrors.NewWithStatus(apperrors.ErrCodeMediaNotFound, fmt.Sprintf("No %s device found", device), http.StatusNotFound),
	}
}

func (e *MediaAccessError) Error() string { return e.app.Error() }

// Unwrap exposes the AppError so errors.As and apperrors.HasCode work
func (e *MediaAccessError) Unwrap() error { return e.app }

// Denied reports whether the user refused permission
func (e *MediaAccessError) Denied() bool { return e.app.Code == apperrors.ErrCodeMediaDenied }

// Track is a media track that can be stopped
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Live() bool
	Stop()
}

// LocalTrack is a captured track sent to the peer
type LocalTrack struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	stopped bool
}

// NewLocalTrack creates a sample track for the given kind
func NewLocalTrack(kind webrtc.RTPCodecType, streamID string) (*LocalTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	if kind == webrtc.RTPCodecTypeAudio {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	sample, err := webrtc.NewTrackLocalStaticSample(capability, kind.String()+"-"+uuid.NewString()[:8], streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	return &LocalTrack{TrackLocalStaticSample: sample}, nil
}

// Live reports whether the track has not been stopped
func (t *LocalTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// Stop ends the track; further samples are not sent
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// RemoteTrack wraps an inbound track and the receiver it arrived on
type RemoteTrack struct {
	*webrtc.TrackRemote
	receiver *webrtc.RTPReceiver

	mu      sync.Mutex
	stopped bool
}

// Live reports whether the track is still bound
func (t *RemoteTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

// Stop releases the receiver
func (t *RemoteTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	if t.receiver != nil {
		_ = t.receiver.Stop()
	}
}

// MediaStream groups tracks rendered or sent together. Only live tracks are
// reported, so a stream whose tracks were stopped reads as empty.
type MediaStream struct {
	id string

	mu     sync.Mutex
	tracks []Track
}

// NewMediaStream creates an empty stream
func NewMediaStream() *MediaStream {
	return &MediaStream{id: uuid.NewString()}
}

// ID returns the stream id
func (s *MediaStream) ID() string { return s.id }

// AddTrack binds a track to the stream
func (s *MediaStream) AddTrack(t Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// GetTracks returns the live tracks
func (s *MediaStream) GetTracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		if t.Live() {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track and unbinds them
func (s *MediaStream) Stop() {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}
}

// StaticSource is a MediaSource backed by pion sample tracks. It stands in
// for device capture in headless agents and tests; HasCamera, HasMicrophone
// and Denied model the device and permission situation.
type StaticSource struct {
	HasCamera     bool
	HasMicrophone bool
	Denied        bool
}

// NewStaticSource returns a source with both devices present
func NewStaticSource() *StaticSource {
	return &StaticSource{HasCamera: true, HasMicrophone: true}
}

// GetUserMedia creates one track per requested kind
func (s *StaticSource) GetUserMedia(ctx context.Context, c Constraints) (*MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Denied {
		return nil, NewMediaDeniedError("camera and microphone")
	}
	if c.Video && !s.HasCamera {
		return nil, NewMediaNotFoundError("camera")
	}
	if c.Audio && !s.HasMicrophone {
		return nil, NewMediaNotFoundError("microphone")
	}

	stream := NewMediaStream()
	kinds := make([]webrtc.RTPCodecType, 0, 2)
	if c.Audio {
		kinds = append(kinds, webrtc.RTPCodecTypeAudio)
	}
	if c.Video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		track, err := NewLocalTrack(kind, stream.ID())
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.AddTrack(track)
	}
	return stream, nil
}
