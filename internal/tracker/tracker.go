package tracker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lamim/comfyremote/internal/artifact"
	"github.com/lamim/comfyremote/internal/events"
	"github.com/lamim/comfyremote/internal/metrics"
	"github.com/lamim/comfyremote/pkg/models"
)

// ErrSuperseded fails a job that was replaced by a newer submission
var ErrSuperseded = errors.New("job superseded by a newer submission")

// ExecutionError reports a server-side failure while running the graph
type ExecutionError struct {
	JobID    string
	NodeType string
	Message  string
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// executionMessage takes exception_message, then error, then a fixed text,
// and prefixes "[node_type]" whenever the node type is known
func executionMessage(ev events.Event) string {
	return FormatExecutionError(ev.NodeType, ev.ExceptionMessage, ev.ErrorText)
}

// FormatExecutionError builds the failure text reported for a node error
func FormatExecutionError(nodeType, exception, errText string) string {
	msg := exception
	if msg == "" {
		msg = errText
	}
	if msg == "" {
		msg = "Unknown error"
	}
	if nodeType != "" {
		msg = "[" + nodeType + "] " + msg
	}
	return strings.TrimSpace(msg)
}

// Callbacks are the per-job notifications. Any of them may be nil. Stream
// callbacks run on the connection's read goroutine and must not block.
type Callbacks struct {
	OnProgress         func(value, max float64)
	OnNodeStart        func(nodeID string)
	OnNodeComplete     func(nodeID string, total, completed int)
	OnComplete         func(Result)
	OnDownloadProgress func(filename string, percent float64)
	// OnArtifacts receives the finished job's artifact refs once, after they
	// are fetched. Refs whose download failed carry only the remote URL.
	OnArtifacts func(refs []artifact.Ref)
}

// Result is the final (or current) view of a job
type Result struct {
	JobID          string
	State          models.JobState
	Err            error
	Progress       models.ExecutionProgress
	CompletedNodes []string
	TotalNodes     int
	Outputs        map[string]json.RawMessage // node id -> executed output
	SubmittedAt    time.Time
	FinishedAt     time.Time
}

// Tracker follows one job from submission to its terminal state
type Tracker struct {
	job     models.Job
	nodeSet map[string]struct{}
	cb      Callbacks
	logger  *slog.Logger
	metrics *metrics.Collector

	mu           sync.Mutex
	state        models.JobState
	progress     models.ExecutionProgress
	completed    *models.NodeCompletionSet
	outputs      map[string]json.RawMessage
	err          error
	submittedAt  time.Time
	finishedAt   time.Time
	lastActivity time.Time

	done chan struct{}
}

// New creates a tracker in the submitted state
func New(job models.Job, cb Callbacks, logger *slog.Logger, m *metrics.Collector) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	nodeSet := make(map[string]struct{}, len(job.NodeIDs))
	for _, id := range job.NodeIDs {
		nodeSet[id] = struct{}{}
	}
	now := time.Now()
	return &Tracker{
		job:          job,
		nodeSet:      nodeSet,
		cb:           cb,
		logger:       logger.With("job_id", job.ID),
		metrics:      m,
		state:        models.JobSubmitted,
		completed:    models.NewNodeCompletionSet(),
		outputs:      make(map[string]json.RawMessage),
		submittedAt:  now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

// JobID returns the tracked job's id
func (t *Tracker) JobID() string { return t.job.ID }

// Callbacks returns the callbacks the tracker was created with
func (t *Tracker) Callbacks() Callbacks { return t.cb }

// Done is closed once the job reaches a terminal state
func (t *Tracker) Done() <-chan struct{} { return t.done }

// State returns the current lifecycle state
func (t *Tracker) State() models.JobState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastActivity returns when the tracker last saw an event for its job
func (t *Tracker) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// Result returns a snapshot of the job
func (t *Tracker) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resultLocked()
}

func (t *Tracker) resultLocked() Result {
	outputs := make(map[string]json.RawMessage, len(t.outputs))
	for k, v := range t.outputs {
		outputs[k] = v
	}
	return Result{
		JobID:          t.job.ID,
		State:          t.state,
		Err:            t.err,
		Progress:       t.progress,
		CompletedNodes: t.completed.IDs(),
		TotalNodes:     len(t.nodeSet),
		Outputs:        outputs,
		SubmittedAt:    t.submittedAt,
		FinishedAt:     t.finishedAt,
	}
}

// HandleEvent applies one stream event. Events after the terminal state are
// ignored.
func (t *Tracker) HandleEvent(ev events.Event) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.lastActivity = time.Now()

	switch ev.Type {
	case events.TypeProgress:
		t.state = models.JobExecuting
		t.progress = models.ExecutionProgress{Value: ev.Value, Max: ev.Max}
		t.mu.Unlock()
		if t.cb.OnProgress != nil {
			t.cb.OnProgress(ev.Value, ev.Max)
		}

	case events.TypeExecutionStart:
		t.state = models.JobExecuting
		t.mu.Unlock()

	case events.TypeExecutionCached:
		t.state = models.JobExecuting
		t.mu.Unlock()
		for _, id := range ev.Nodes {
			t.completeNode(id)
		}

	case events.TypeExecuting:
		if ev.Finished() {
			t.mu.Unlock()
			if ev.PromptID == t.job.ID {
				t.Succeed()
			}
			return
		}
		t.state = models.JobExecuting
		t.mu.Unlock()
		if t.cb.OnNodeStart != nil {
			t.cb.OnNodeStart(*ev.Node)
		}
		t.completeNode(*ev.Node)

	case events.TypeExecuted:
		if ev.Node != nil && len(ev.Output) > 0 {
			t.outputs[*ev.Node] = ev.Output
		}
		t.mu.Unlock()

	case events.TypeExecutionSuccess:
		t.mu.Unlock()
		t.Succeed()

	case events.TypeExecutionError:
		t.mu.Unlock()
		t.Fail(&ExecutionError{
			JobID:    t.job.ID,
			NodeType: ev.NodeType,
			Message:  executionMessage(ev),
		})

	default:
		t.mu.Unlock()
	}
}

// completeNode records id if it belongs to the graph and was not seen yet
func (t *Tracker) completeNode(id string) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	if _, ok := t.nodeSet[id]; !ok {
		t.mu.Unlock()
		t.logger.Debug("Ignoring node outside the graph", "node", id)
		return
	}
	if !t.completed.Add(id) {
		t.mu.Unlock()
		return
	}
	total, completed := len(t.nodeSet), t.completed.Len()
	t.mu.Unlock()

	if t.cb.OnNodeComplete != nil {
		t.cb.OnNodeComplete(id, total, completed)
	}
}

// Succeed moves the job to succeeded. It reports false if the job was
// already terminal.
func (t *Tracker) Succeed() bool {
	return t.finish(models.JobSucceeded, nil)
}

// Fail moves the job to failed with err. It reports false if the job was
// already terminal.
func (t *Tracker) Fail(err error) bool {
	if err == nil {
		err = errors.New("unknown error")
	}
	return t.finish(models.JobFailed, err)
}

func (t *Tracker) finish(state models.JobState, err error) bool {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.state = state
	t.err = err
	t.finishedAt = time.Now()
	result := t.resultLocked()
	t.mu.Unlock()

	close(t.done)
	t.metrics.RecordJobFinished(state, result.FinishedAt.Sub(result.SubmittedAt))

	if err != nil {
		t.logger.Warn("Job failed", "error", err)
	} else {
		t.logger.Info("Job finished",
			"nodes_completed", len(result.CompletedNodes),
			"nodes_total", result.TotalNodes,
			"duration", result.FinishedAt.Sub(result.SubmittedAt).Round(time.Millisecond))
	}

	if t.cb.OnComplete != nil {
		t.cb.OnComplete(result)
	}
	return true
}
