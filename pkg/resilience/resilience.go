package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"rentalconnect-realtime/pkg/logger"
	"rentalconnect-realtime/pkg/metrics"
)

// ErrCircuitOpen is returned while the breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker open")

// State represents the state of the circuit breaker
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

func (s State) gauge() int {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Breaker guards calls to one backing store with per-attempt timeouts,
// bounded retries and a circuit breaker. After maxFailures consecutive
// transient failures the circuit opens; once cooldown has passed a single
// probe is let through and its result closes or reopens the circuit.
type Breaker struct {
	store   string
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	maxFailures    int
	cooldown       time.Duration
	maxAttempts    int
	backoff        time.Duration
	maxBackoff     time.Duration
	attemptTimeout time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Option configures a Breaker
type Option func(*Breaker)

// WithMetrics records store requests and circuit state
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Breaker) { b.metrics = m }
}

// WithThreshold sets how many consecutive failures open the circuit and how
// long it stays open
func WithThreshold(maxFailures int, cooldown time.Duration) Option {
	return func(b *Breaker) {
		if maxFailures > 0 {
			b.maxFailures = maxFailures
		}
		if cooldown > 0 {
			b.cooldown = cooldown
		}
	}
}

// WithRetry sets the attempt budget and the linear backoff step
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(b *Breaker) {
		if maxAttempts > 0 {
			b.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			b.backoff = backoff
		}
	}
}

// WithAttemptTimeout bounds each attempt
func WithAttemptTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.attemptTimeout = d
		}
	}
}

// NewBreaker creates a closed breaker for store
func NewBreaker(store string, opts ...Option) *Breaker {
	b := &Breaker{
		store:          store,
		log:            logger.Named("resilience").With(zap.String("store", store)),
		now:            time.Now,
		maxFailures:    3,
		cooldown:       10 * time.Second,
		maxAttempts:    3,
		backoff:        100 * time.Millisecond,
		maxBackoff:     2 * time.Second,
		attemptTimeout: 5 * time.Second,
		state:          StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics.SetCircuitState(store, 0)
	return b
}

// Execute runs fn under the breaker. Only transient errors (timeouts and
// connection failures) are retried and counted against the circuit; other
// errors are returned as they are. A nil Breaker just calls fn.
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if b == nil {
		return fn(ctx)
	}

	var err error
	for attempt := 1; ; attempt++ {
		if !b.allow() {
			b.metrics.RecordStoreRequest(b.store, operation, "rejected")
			if err != nil {
				return err
			}
			return fmt.Errorf("%s %s: %w", b.store, operation, ErrCircuitOpen)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, b.attemptTimeout)
		err = fn(attemptCtx)
		cancel()

		if err == nil {
			b.onSuccess()
			b.metrics.RecordStoreRequest(b.store, operation, "success")
			return nil
		}

		kind := classifyError(err)
		b.metrics.RecordStoreRequest(b.store, operation, "failure")
		b.metrics.RecordStoreError(b.store, operation, kind)
		if !transient(kind) {
			b.releaseProbe()
			return err
		}
		b.onFailure()

		if attempt >= b.maxAttempts || ctx.Err() != nil {
			break
		}
		wait := min(time.Duration(attempt)*b.backoff, b.maxBackoff)
		b.log.Debug("Store operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
	}
	return err
}

// State returns the current circuit state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.setStateLocked(StateHalfOpen)
		fallthrough
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		b.setStateLocked(StateClosed)
		b.log.Info("Circuit closed")
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	wasProbe := b.probing
	b.probing = false
	if wasProbe || b.failures >= b.maxFailures {
		b.openedAt = b.now()
		if b.state != StateOpen {
			b.setStateLocked(StateOpen)
			b.log.Warn("Circuit opened", zap.Int("consecutive_failures", b.failures))
		}
	}
}

// releaseProbe handles a non-transient error: the store answered, so the
// failure streak ends and a probing circuit closes.
func (b *Breaker) releaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.probing {
		b.probing = false
		b.setStateLocked(StateClosed)
	}
}

func (b *Breaker) setStateLocked(s State) {
	b.state = s
	b.metrics.SetCircuitState(b.store, s.gauge())
}

func transient(kind string) bool {
	return kind == "timeout" || kind == "network" || kind == "unavailable"
}

// classifyError buckets an error for metrics and retry decisions
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return "timeout"
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "network unreachable") || strings.Contains(msg, "broken pipe"):
		return "network"
	case strings.Contains(msg, "no hosts available") || strings.Contains(msg, "no connections") ||
		strings.Contains(msg, "unavailable"):
		return "unavailable"
	case strings.Contains(msg, "not found"):
		return "not_found"
	default:
		return "unknown"
	}
}
