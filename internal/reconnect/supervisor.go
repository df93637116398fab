package reconnect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lamim/comfyremote/internal/metrics"
	"github.com/lamim/comfyremote/pkg/models"
)

const (
	DefaultBaseDelay   = 1000 * time.Millisecond
	DefaultMaxDelay    = 30000 * time.Millisecond
	DefaultMaxAttempts = 10
)

// State is the supervisor's position in its reconnect cycle
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateBackoff    State = "backoff"
	StateGivenUp    State = "given_up"
)

// Status maps the state onto the connection status shown to callers
func (s State) Status() models.ConnectionStatus {
	switch s {
	case StateConnecting:
		return models.StatusConnecting
	case StateConnected:
		return models.StatusConnected
	case StateBackoff:
		return models.StatusReconnecting
	case StateGivenUp:
		return models.StatusGivenUp
	default:
		return models.StatusDisconnected
	}
}

// Dialer is the connection being supervised
type Dialer interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
}

// Timer is a pending scheduled attempt
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests replace it to drive time by hand.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Config holds the backoff parameters
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Supervisor re-establishes a dropped connection with exponential backoff
type Supervisor struct {
	cfg       Config
	dialer    Dialer
	logger    *slog.Logger
	metrics   *metrics.Collector
	afterFunc AfterFunc

	mu         sync.Mutex
	state      State
	attempt    int
	timer      Timer
	cancel     context.CancelFunc
	stopped    bool
	generation uint64

	onStatus func(models.ConnectionStatus)
	onGiveUp func()
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithAfterFunc replaces the timer source
func WithAfterFunc(fn AfterFunc) Option {
	return func(s *Supervisor) { s.afterFunc = fn }
}

// WithMetrics attaches a metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// OnStatus registers a callback for connection status changes
func OnStatus(fn func(models.ConnectionStatus)) Option {
	return func(s *Supervisor) { s.onStatus = fn }
}

// OnGiveUp registers a callback for when the attempt budget is exhausted
func OnGiveUp(fn func()) Option {
	return func(s *Supervisor) { s.onGiveUp = fn }
}

// New creates an idle supervisor for dialer
func New(cfg Config, dialer Dialer, logger *slog.Logger, opts ...Option) *Supervisor {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		cfg:       cfg,
		dialer:    dialer,
		logger:    logger,
		afterFunc: realAfterFunc,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Delay returns the wait before attempt n (0-based): min(base*2^n, cap)
func (s *Supervisor) Delay(n int) time.Duration {
	return Delay(s.cfg.BaseDelay, s.cfg.MaxDelay, n)
}

// Delay computes min(base*2^n, maxDelay) without overflowing
func Delay(base, maxDelay time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// State returns the current state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the number of failed attempts since the last success
func (s *Supervisor) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Start marks the connection as established by the caller and enables
// reconnection. An armed backoff timer is cancelled. If the socket already
// dropped before Start, the first attempt is scheduled right away.
func (s *Supervisor) Start() {
	s.mu.Lock()
	s.stopped = false
	s.attempt = 0
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.state = StateConnected
	next := StateConnected
	// Checked under s.mu: a close after this point reaches NotifyClosed,
	// which waits for the lock and sees StateConnected
	if !s.dialer.IsConnected() {
		s.logger.Warn("Stream closed before the connection was confirmed")
		next = s.scheduleLocked()
	}
	s.mu.Unlock()

	s.emit(next)
}

// NotifyClosed reports an unexpected close. It schedules the first attempt
// unless the supervisor is stopped or a cycle is already running.
func (s *Supervisor) NotifyClosed() {
	s.mu.Lock()
	if s.stopped || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	next := s.scheduleLocked()
	s.mu.Unlock()

	s.emit(next)
}

// Stop cancels any pending or in-flight attempt and blocks future scheduling
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.attempt = 0
	s.state = StateIdle
	s.mu.Unlock()

	s.emit(StateIdle)
}

// scheduleLocked arms the timer for the current attempt, or gives up when
// the budget is spent. Caller holds s.mu.
func (s *Supervisor) scheduleLocked() State {
	if s.attempt >= s.cfg.MaxAttempts {
		s.state = StateGivenUp
		s.logger.Error("Reconnection given up", "attempts", s.attempt)
		return StateGivenUp
	}

	delay := s.Delay(s.attempt)
	s.generation++
	gen := s.generation
	s.state = StateBackoff
	s.timer = s.afterFunc(delay, func() { s.fire(gen) })

	s.logger.Info("Reconnecting",
		"attempt", s.attempt+1,
		"max_attempts", s.cfg.MaxAttempts,
		"backoff", delay)
	return StateBackoff
}

func (s *Supervisor) fire(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = StateConnecting
	s.mu.Unlock()

	s.emit(StateConnecting)

	err := s.dialer.Connect(ctx)
	cancel()
	s.metrics.RecordReconnect(err == nil)

	s.mu.Lock()
	s.cancel = nil
	if s.stopped {
		s.mu.Unlock()
		if err == nil {
			// Stopped while dialing
			_ = s.dialer.Disconnect()
		}
		return
	}
	if gen != s.generation {
		// Start took over while dialing
		s.mu.Unlock()
		return
	}

	var next State
	switch {
	case err == nil && !s.dialer.IsConnected():
		// The new socket closed while its close could not be scheduled
		s.attempt++
		s.logger.Warn("Reconnected stream dropped immediately", "attempt", s.attempt)
		next = s.scheduleLocked()
	case err == nil:
		s.logger.Info("Reconnected", "attempts", s.attempt+1)
		s.attempt = 0
		s.state = StateConnected
		next = StateConnected
	default:
		s.attempt++
		s.logger.Warn("Reconnect attempt failed", "attempt", s.attempt, "error", err)
		next = s.scheduleLocked()
	}
	s.mu.Unlock()

	s.emit(next)
}

func (s *Supervisor) emit(state State) {
	s.metrics.SetConnectionStatus(state.Status())
	if s.onStatus != nil {
		s.onStatus(state.Status())
	}
	if state == StateGivenUp && s.onGiveUp != nil {
		s.onGiveUp()
	}
}
