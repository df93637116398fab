package events

import (
	"errors"
	"log/slog"

	"github.com/lamim/comfyremote/internal/metrics"
	"github.com/lamim/comfyremote/internal/transport"
)

// Handler receives accepted events in arrival order
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

// Demux turns raw frames into events and drops everything else
type Demux struct {
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewDemux creates a demultiplexer feeding handler
func NewDemux(handler Handler, logger *slog.Logger, m *metrics.Collector) *Demux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Demux{
		handler: handler,
		logger:  logger,
		metrics: m,
	}
}

// Feed processes one frame. It never fails; unusable frames are logged and
// counted.
func (d *Demux) Feed(frame transport.Frame) {
	ev, err := Parse(frame)
	if err != nil {
		d.drop(frame, err)
		return
	}

	d.metrics.RecordFrame(string(ev.Type))
	if d.handler != nil {
		d.handler.HandleEvent(ev)
	}
}

func (d *Demux) drop(frame transport.Frame, err error) {
	var parseErr *ParseError
	switch {
	case errors.Is(err, ErrNoise):
		d.metrics.RecordDroppedFrame("noise")
		d.logger.Debug("Ignoring non-event frame", "binary", frame.Binary, "size", len(frame.Data))
	case errors.Is(err, ErrUnknownType):
		d.metrics.RecordDroppedFrame("unknown_type")
		d.logger.Debug("Ignoring event", "reason", err)
	case errors.As(err, &parseErr):
		d.metrics.RecordDroppedFrame("parse_error")
		d.logger.Debug("Dropping malformed frame", "error", err, "frame", preview(frame.Data))
	default:
		d.metrics.RecordDroppedFrame("parse_error")
		d.logger.Debug("Dropping frame", "error", err)
	}
}

func preview(data []byte) string {
	const limit = 200
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
