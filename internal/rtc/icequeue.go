package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	apperrors "rentalconnect-realtime/pkg/errors"
	"rentalconnect-realtime/pkg/logger"
	"rentalconnect-realtime/pkg/metrics"
)

// ErrRemoteDescriptionNotSet is returned by DrainInto when the target has no
// remote description yet. The queue is left untouched.
var ErrRemoteDescriptionNotSet = errors.New("remote description not set")

// CandidateApplier is the part of a peer connection the queue drains into
type CandidateApplier interface {
	HasRemoteDescription() bool
	AddICECandidate(c webrtc.ICECandidateInit) error
}

// ICEQueue holds remote candidates that arrived before the remote
// description. Candidates are applied in arrival order and never dropped
// while queued.
type ICEQueue struct {
	mu         sync.Mutex
	candidates []webrtc.ICECandidateInit
	metrics    *metrics.Metrics
	log        *zap.Logger
}

// NewICEQueue creates an empty queue. m may be nil.
func NewICEQueue(m *metrics.Metrics) *ICEQueue {
	return &ICEQueue{
		metrics: m,
		log:     logger.Named("ice-queue"),
	}
}

// Enqueue appends a candidate at the tail
func (q *ICEQueue) Enqueue(c webrtc.ICECandidateInit) {
	q.mu.Lock()
	q.candidates = append(q.candidates, c)
	q.mu.Unlock()
	q.metrics.RecordICECandidate("queued")
}

// Len returns the number of queued candidates
func (q *ICEQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.candidates)
}

// Reset discards every queued candidate
func (q *ICEQueue) Reset() {
	q.mu.Lock()
	q.candidates = nil
	q.mu.Unlock()
}

// DrainInto applies every queued candidate to pc in FIFO order and empties
// the queue. A candidate that fails to apply is logged and skipped. It
// returns the number applied successfully.
func (q *ICEQueue) DrainInto(pc CandidateApplier) (int, error) {
	if pc == nil || !pc.HasRemoteDescription() {
		return 0, ErrRemoteDescriptionNotSet
	}

	q.mu.Lock()
	pending := q.candidates
	q.candidates = nil
	q.mu.Unlock()

	applied := 0
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			q.log.Warn("Failed to apply queued ICE candidate",
				zap.String("candidate", c.Candidate),
				zap.Error(apperrors.ICEApplyError(err)))
			q.metrics.RecordICECandidate("failed")
			continue
		}
		applied++
		q.metrics.RecordICECandidate("applied")
	}

	if len(pending) > 0 {
		q.log.Debug("Drained ICE queue", zap.Int("queued", len(pending)), zap.Int("applied", applied))
	}
	return applied, nil
}
