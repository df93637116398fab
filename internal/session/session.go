// Package session ties the transport, reconnection, event routing, control
// plane and artifact retrieval together behind one client instance.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/comfyremote/internal/api"
	"github.com/lamim/comfyremote/internal/artifact"
	"github.com/lamim/comfyremote/internal/config"
	"github.com/lamim/comfyremote/internal/endpoint"
	"github.com/lamim/comfyremote/internal/events"
	"github.com/lamim/comfyremote/internal/metrics"
	"github.com/lamim/comfyremote/internal/reconnect"
	"github.com/lamim/comfyremote/internal/tracker"
	"github.com/lamim/comfyremote/internal/transport"
	"github.com/lamim/comfyremote/pkg/models"
)

var (
	// ErrDisconnected fails jobs still pending when Disconnect is called
	ErrDisconnected = errors.New("session disconnected")
	// ErrConnectionLost fails jobs still pending when reconnection gives up
	ErrConnectionLost = errors.New("connection lost: reconnection attempts exhausted")
)

// Observer receives session-wide notifications. Either field may be nil.
// Both run on internal goroutines and must not block.
type Observer struct {
	OnQueueUpdate      func(remaining int)
	OnConnectionStatus func(status models.ConnectionStatus)
}

// Option customizes a Session
type Option func(*options)

type options struct {
	logger    *slog.Logger
	metrics   *metrics.Collector
	observer  Observer
	locality  endpoint.Locality
	sink      artifact.Sink
	afterFunc reconnect.AfterFunc
	clientID  string
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithObserver registers session-wide callbacks
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithLocality replaces the local/LAN check used by the auto TLS policy
func WithLocality(l endpoint.Locality) Option {
	return func(o *options) { o.locality = l }
}

// WithSink replaces the artifact sink built from configuration
func WithSink(s artifact.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithReconnectTimer replaces the timer used for reconnect backoff
func WithReconnectTimer(fn reconnect.AfterFunc) Option {
	return func(o *options) { o.afterFunc = fn }
}

// WithClientID fixes the client id instead of generating one
func WithClientID(id string) Option {
	return func(o *options) { o.clientID = id }
}

// Session is one client instance: a client id, the streaming connection it
// owns, and the jobs it is tracking
type Session struct {
	clientID   string
	resolved   *endpoint.Resolved
	conn       *transport.Conn
	demux      *events.Demux
	registry   *tracker.Registry
	supervisor *reconnect.Supervisor
	api        *api.Client
	resolver   *artifact.Resolver
	observer   Observer
	logger     *slog.Logger
	metrics    *metrics.Collector

	idleTimeout     time.Duration
	jobTimeout      time.Duration
	requestTimeout  time.Duration
	downloadTimeout time.Duration

	statusMu sync.Mutex
	status   models.ConnectionStatus
}

// New builds a disconnected session. The endpoint scheme is decided once
// here and never changes for the session's lifetime.
func New(cfg *config.Config, secrets *config.Secrets, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewCollector(o.logger)
	}
	if o.clientID == "" {
		o.clientID = uuid.New().String()
	}

	setupTimeout := time.Duration(cfg.Timeouts.HandshakeSeconds) * time.Second
	if setupTimeout <= 0 {
		setupTimeout = transport.DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	resolved, err := endpoint.Resolve(ctx, cfg.Endpoint(secrets), o.locality, o.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve endpoint: %w", err)
	}

	s := &Session{
		clientID:        o.clientID,
		resolved:        resolved,
		observer:        o.observer,
		logger:          o.logger.With("client_id", o.clientID),
		metrics:         o.metrics,
		idleTimeout:     cfg.Watchdog.Idle(),
		jobTimeout:      time.Duration(cfg.Watchdog.JobTimeoutSeconds) * time.Second,
		requestTimeout:  time.Duration(cfg.Timeouts.RequestSeconds) * time.Second,
		downloadTimeout: time.Duration(cfg.Timeouts.DownloadSeconds) * time.Second,
		status:          models.StatusDisconnected,
	}

	s.conn = transport.New(transport.Options{
		StreamURL:        resolved.StreamURL(s.clientID),
		Token:            resolved.Token(),
		HandshakeTimeout: setupTimeout,
		RequestTimeout:   s.requestTimeout,
		PingInterval:     cfg.Timeouts.PingInterval(),
	}, s.logger)

	s.registry = tracker.NewRegistry(s.logger, s.metrics)
	s.demux = events.NewDemux(events.HandlerFunc(s.handleEvent), s.logger, s.metrics)
	s.conn.OnMessage(s.demux.Feed)
	s.conn.OnClose(s.handleClose)

	supervisorOpts := []reconnect.Option{
		reconnect.WithMetrics(s.metrics),
		reconnect.OnStatus(s.setStatus),
		reconnect.OnGiveUp(s.handleGiveUp),
	}
	if o.afterFunc != nil {
		supervisorOpts = append(supervisorOpts, reconnect.WithAfterFunc(o.afterFunc))
	}
	s.supervisor = reconnect.New(reconnect.Config{
		BaseDelay:   cfg.Reconnect.BaseDelay(),
		MaxDelay:    cfg.Reconnect.MaxDelay(),
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}, s.conn, s.logger, supervisorOpts...)

	s.api = api.NewClient(s.conn, resolved, s.logger, s.metrics, api.Options{
		MaxRetries:        cfg.ControlPlane.MaxRetries,
		BaseRetryDelay:    time.Duration(cfg.ControlPlane.RetryBaseDelayMs) * time.Millisecond,
		RequestsPerMinute: cfg.ControlPlane.RateLimitPerMinute,
	})

	sink := o.sink
	if sink == nil && artifact.Mode(cfg.Artifacts.Mode) == artifact.ModeDownload {
		sink, err = buildSink(ctx, cfg, secrets)
		if err != nil {
			return nil, err
		}
	}
	s.resolver, err = artifact.NewResolver(s.api, artifact.Options{
		Mode:        artifact.Mode(cfg.Artifacts.Mode),
		Sink:        sink,
		Concurrency: cfg.Artifacts.Concurrency,
	}, s.logger, s.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact resolver: %w", err)
	}

	return s, nil
}

// buildSink assembles the download destinations named in cfg
func buildSink(ctx context.Context, cfg *config.Config, secrets *config.Secrets) (artifact.Sink, error) {
	var sinks artifact.MultiSink
	if cfg.Artifacts.Dir != "" {
		sinks = append(sinks, artifact.DirSink{Dir: cfg.Artifacts.Dir})
	}
	if s3cfg := cfg.Artifacts.S3; s3cfg.Enabled {
		sc := artifact.S3Config{
			Bucket:       s3cfg.Bucket,
			Prefix:       s3cfg.Prefix,
			Region:       s3cfg.Region,
			Endpoint:     s3cfg.Endpoint,
			UsePathStyle: s3cfg.UsePathStyle,
			PublicURL:    s3cfg.PublicURL,
		}
		if secrets != nil {
			sc.AccessKeyID = secrets.S3AccessKeyID
			sc.SecretAccessKey = secrets.S3SecretAccessKey
		}
		s3sink, err := artifact.NewS3Sink(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 sink: %w", err)
		}
		sinks = append(sinks, s3sink)
	}

	switch len(sinks) {
	case 0:
		return nil, errors.New("download mode requires artifacts.dir or artifacts.s3")
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

// ClientID returns the id the server attributes this session's events to
func (s *Session) ClientID() string {
	return s.clientID
}

// Endpoint returns the resolved server endpoint
func (s *Session) Endpoint() *endpoint.Resolved {
	return s.resolved
}

// Status returns the last reported connection status
func (s *Session) Status() models.ConnectionStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// IsConnected reports whether the streaming connection is open
func (s *Session) IsConnected() bool {
	return s.conn.IsConnected()
}

// CurrentJobID returns the most recently submitted job id, or ""
func (s *Session) CurrentJobID() string {
	return s.registry.CurrentJobID()
}

// Connect opens the streaming connection and arms reconnection. It is a
// no-op when already connected. A failed first connect is returned to the
// caller and not retried in the background.
func (s *Session) Connect(ctx context.Context) error {
	if s.conn.IsConnected() {
		return nil
	}

	s.setStatus(models.StatusConnecting)
	if err := s.conn.Connect(ctx); err != nil {
		s.setStatus(models.StatusDisconnected)
		return err
	}
	s.supervisor.Start()

	s.logger.Info("Connected", "url", transport.RedactURL(s.resolved.StreamURL(s.clientID)))
	return nil
}

// Disconnect cancels any pending reconnection, closes the stream and fails
// jobs still being tracked with ErrDisconnected. It is idempotent.
func (s *Session) Disconnect() error {
	s.supervisor.Stop()
	err := s.conn.Disconnect()
	s.registry.DetachAll(ErrDisconnected)
	s.setStatus(models.StatusDisconnected)
	return err
}

func (s *Session) handleEvent(ev events.Event) {
	if ev.Type == events.TypeStatus {
		if s.observer.OnQueueUpdate != nil {
			s.observer.OnQueueUpdate(ev.QueueRemaining)
		}
		return
	}
	s.registry.Dispatch(ev)
}

func (s *Session) handleClose(ev transport.CloseEvent) {
	if ev.Requested {
		return
	}
	s.supervisor.NotifyClosed()
}

func (s *Session) handleGiveUp() {
	live := s.registry.Live()
	if len(live) > 0 {
		s.logger.Error("Failing pending jobs after reconnection gave up", "jobs", len(live))
	}
	s.registry.DetachAll(ErrConnectionLost)
}

func (s *Session) setStatus(status models.ConnectionStatus) {
	s.statusMu.Lock()
	if s.status == status {
		s.statusMu.Unlock()
		return
	}
	s.status = status
	s.statusMu.Unlock()

	s.metrics.SetConnectionStatus(status)
	if s.observer.OnConnectionStatus != nil {
		s.observer.OnConnectionStatus(status)
	}
}
