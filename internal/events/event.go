package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lamim/comfyremote/internal/transport"
)

// Type is the event kind carried in a frame's "type" field
type Type string

const (
	TypeProgress         Type = "progress"
	TypeExecutionCached  Type = "execution_cached"
	TypeExecuting        Type = "executing"
	TypeExecutionError   Type = "execution_error"
	TypeExecuted         Type = "executed"
	TypeExecutionSuccess Type = "execution_success"
	TypeExecutionStart   Type = "execution_start"
	TypeStatus           Type = "status"
)

var (
	// ErrNoise marks frames that are not protocol events (keep-alives,
	// transport handshakes, binary previews)
	ErrNoise = errors.New("noise frame")
	// ErrUnknownType marks well-formed events of a kind the client ignores
	ErrUnknownType = errors.New("unknown event type")
)

// ParseError is returned for frames that look like events but cannot be decoded
type ParseError struct {
	Type Type
	Err  error
}

func (e *ParseError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("parse %s event: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("parse event: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Event is one decoded stream event. Only the fields relevant to Type are set.
type Event struct {
	Type     Type
	PromptID string // empty when the frame did not name a job

	// progress
	Value float64
	Max   float64

	// executing: Node is nil for the end-of-job marker
	Node *string

	// execution_cached
	Nodes []string

	// execution_error
	NodeType         string
	ExceptionMessage string
	ErrorText        string

	// executed
	Output json.RawMessage

	// status
	QueueRemaining int
}

// Finished reports whether this is the executing{node:null} end-of-job marker
func (e Event) Finished() bool {
	return e.Type == TypeExecuting && e.Node == nil
}

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

type progressData struct {
	Value    *float64 `json:"value"`
	Max      *float64 `json:"max"`
	PromptID string   `json:"prompt_id"`
}

type cachedData struct {
	Nodes    []string `json:"nodes"`
	PromptID string   `json:"prompt_id"`
}

type executingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type errorData struct {
	PromptID         string `json:"prompt_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
	Error            string `json:"error"`
}

type executedData struct {
	Node     string          `json:"node"`
	Output   json.RawMessage `json:"output"`
	PromptID string          `json:"prompt_id"`
}

type promptData struct {
	PromptID string `json:"prompt_id"`
}

type statusData struct {
	Status *struct {
		ExecInfo struct {
			QueueRemaining *int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
	ExecInfo *struct {
		QueueRemaining *int `json:"queue_remaining"`
	} `json:"exec_info"`
}

// Parse decodes a frame into an Event. It returns ErrNoise for frames that
// are not JSON objects, ErrUnknownType for unhandled kinds and *ParseError
// for malformed events.
func Parse(frame transport.Frame) (Event, error) {
	if frame.Binary {
		return Event{}, ErrNoise
	}
	data := bytes.TrimSpace(frame.Data)
	if len(data) == 0 || data[0] != '{' {
		return Event{}, ErrNoise
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, &ParseError{Err: err}
	}
	if env.Type == "" {
		return Event{}, &ParseError{Err: errors.New("missing type")}
	}

	ev := Event{Type: env.Type}
	switch env.Type {
	case TypeProgress:
		var d progressData
		if err := decodeData(env, &d); err != nil {
			return Event{}, err
		}
		if d.Value == nil || d.Max == nil {
			return Event{}, &ParseError{Type: env.Type, Err: errors.New("missing value or max")}
		}
		ev.Value, ev.Max, ev.PromptID = *d.Value, *d.Max, d.PromptID

	case TypeExecutionCached:
		var d cachedData
		if err := decodeData(env, &d); err != nil {
			return Event{}, err
		}
		ev.Nodes, ev.PromptID = d.Nodes, d.PromptID

	case TypeExecuting:
		var d executingData
		if err := decodeData(env, &d); err != nil {
			return Event{}, err
		}
		ev.Node, ev.PromptID = d.Node, d.PromptID

	case TypeExecutionError:
		var d errorData
		if err := decodeData(env, &d); err != nil {
			return Event{}, err
		}
		ev.PromptID = d.PromptID
		ev.NodeType = d.NodeType
		ev.ExceptionMessage = d.ExceptionMessage
		ev.ErrorText = d.Error

	case TypeExecuted:
		var d executedData
		if err := decodeData(env, &d); err != nil {
			return Event{}, err
		}
		node := d.Node
		ev.Node, ev.Output, ev.PromptID = &node, d.Output, d.PromptID

	case TypeExecutionSuccess, TypeExecutionStart:
		var d promptData
		if err := decodeData(env, &d); err != nil {
			return Event{}, err
		}
		ev.PromptID = d.PromptID

	case TypeStatus:
		var d statusData
		if err := decodeData(env, &d); err != nil {
			return Event{}, err
		}
		switch {
		case d.Status != nil && d.Status.ExecInfo.QueueRemaining != nil:
			ev.QueueRemaining = *d.Status.ExecInfo.QueueRemaining
		case d.ExecInfo != nil && d.ExecInfo.QueueRemaining != nil:
			ev.QueueRemaining = *d.ExecInfo.QueueRemaining
		default:
			return Event{}, &ParseError{Type: env.Type, Err: errors.New("missing queue_remaining")}
		}

	default:
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
	}

	return ev, nil
}

func decodeData(env envelope, v any) error {
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return &ParseError{Type: env.Type, Err: errors.New("missing data")}
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return &ParseError{Type: env.Type, Err: err}
	}
	return nil
}
