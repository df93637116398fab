package tracker

import (
	"log/slog"
	"sync"

	"github.com/lamim/comfyremote/internal/events"
	"github.com/lamim/comfyremote/internal/metrics"
	"github.com/lamim/comfyremote/pkg/models"
)

// maxEarlyEvents bounds events held for jobs whose submission has not
// returned yet
const maxEarlyEvents = 256

// Registry routes stream events to job trackers
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	trackers map[string]*Tracker
	current  string
	early    []events.Event
	// replaying queues events for jobs whose held events are still being
	// replayed, so live events stay behind them
	replaying map[string][]events.Event
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger, m *metrics.Collector) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		metrics:  m,
		trackers:  make(map[string]*Tracker),
		replaying: make(map[string][]events.Event),
	}
}

// Start registers a tracker for job and makes it current. An unresolved
// previous current job is failed with ErrSuperseded. Events that arrived for
// the job before Start are replayed.
func (r *Registry) Start(job models.Job, cb Callbacks) *Tracker {
	t := New(job, cb, r.logger, r.metrics)

	r.mu.Lock()
	prev := r.trackers[r.current]
	for id, old := range r.trackers {
		if old.State().Terminal() {
			delete(r.trackers, id)
		}
	}
	r.trackers[job.ID] = t
	r.current = job.ID

	var replay []events.Event
	kept := r.early[:0]
	for _, ev := range r.early {
		if ev.PromptID == job.ID {
			replay = append(replay, ev)
		} else {
			kept = append(kept, ev)
		}
	}
	r.early = kept
	if len(replay) > 0 {
		r.replaying[job.ID] = replay
	}
	r.mu.Unlock()

	if prev != nil && prev != t && prev.Fail(ErrSuperseded) {
		r.logger.Info("Previous job superseded", "previous_job_id", prev.JobID(), "job_id", job.ID)
	}
	r.drain(job.ID, t)
	return t
}

// drain applies queued events to t in order until none are left. Dispatch
// keeps appending to the queue until drain removes it.
func (r *Registry) drain(jobID string, t *Tracker) {
	for {
		r.mu.Lock()
		queue := r.replaying[jobID]
		if len(queue) == 0 {
			delete(r.replaying, jobID)
			r.mu.Unlock()
			return
		}
		ev := queue[0]
		r.replaying[jobID] = queue[1:]
		r.mu.Unlock()

		t.HandleEvent(ev)
	}
}

// Get returns the tracker for jobID, if any
func (r *Registry) Get(jobID string) (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[jobID]
	return t, ok
}

// Current returns the most recently started tracker, if any
func (r *Registry) Current() (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[r.current]
	return t, ok
}

// CurrentJobID returns the id of the most recently started job
func (r *Registry) CurrentJobID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Live returns every tracker that has not reached a terminal state
func (r *Registry) Live() []*Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Tracker
	for _, t := range r.trackers {
		if !t.State().Terminal() {
			out = append(out, t)
		}
	}
	return out
}

// Dispatch routes ev to its job. Events naming a job route by id; events
// without one go to the current job. Events for unknown jobs are held
// briefly in case their submission is still in flight.
func (r *Registry) Dispatch(ev events.Event) {
	r.mu.Lock()
	jobID := ev.PromptID
	if jobID == "" {
		jobID = r.current
	}
	t := r.trackers[jobID]
	if t == nil && ev.PromptID != "" {
		r.holdLocked(ev)
		r.mu.Unlock()
		return
	}
	if queue, ok := r.replaying[jobID]; ok && t != nil {
		r.replaying[jobID] = append(queue, ev)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if t == nil {
		r.logger.Debug("Dropping event with no job", "type", ev.Type)
		return
	}
	t.HandleEvent(ev)
}

func (r *Registry) holdLocked(ev events.Event) {
	if len(r.early) >= maxEarlyEvents {
		r.early = r.early[1:]
	}
	r.early = append(r.early, ev)
}

// DetachAll fails every live tracker with err and forgets the current job
func (r *Registry) DetachAll(err error) {
	r.mu.Lock()
	live := make([]*Tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		live = append(live, t)
	}
	r.current = ""
	r.early = nil
	r.mu.Unlock()

	for _, t := range live {
		t.Fail(err)
	}
}
