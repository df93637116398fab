package session

import (
	"context"
	"fmt"
	"time"

	"github.com/lamim/comfyremote/internal/tracker"
	"github.com/lamim/comfyremote/pkg/models"
)

// TimeoutError fails a job the server stopped reporting on
type TimeoutError struct {
	JobID  string
	After  time.Duration
	Reason string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s timed out after %s: %s", e.JobID, e.After.Round(time.Second), e.Reason)
}

// watch bounds a job's wait for a terminal event. After the idle period
// without events the server is asked directly whether it still knows the
// job; the optional job timeout caps the whole wait.
func (s *Session) watch(t *tracker.Tracker) {
	logger := s.logger.With("job_id", t.JobID())
	started := time.Now()

	var deadline <-chan time.Time
	if s.jobTimeout > 0 {
		timer := time.NewTimer(s.jobTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var idle *time.Timer
	var idleC <-chan time.Time
	if s.idleTimeout > 0 {
		idle = time.NewTimer(s.idleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case <-t.Done():
			return

		case <-deadline:
			if t.Fail(&TimeoutError{JobID: t.JobID(), After: s.jobTimeout, Reason: "job timeout exceeded"}) {
				logger.Warn("Job exceeded its timeout", "timeout", s.jobTimeout)
			}
			return

		case <-idleC:
			if quiet := time.Since(t.LastActivity()); quiet < s.idleTimeout {
				idle.Reset(s.idleTimeout - quiet)
				continue
			}
			if s.probe(t, time.Since(started)) {
				return
			}
			idle.Reset(s.idleTimeout)
		}
	}
}

// probe asks the control plane about a quiet job and resolves it when the
// answer is definitive. It reports whether the job is now terminal.
func (s *Session) probe(t *tracker.Tracker, waited time.Duration) bool {
	logger := s.logger.With("job_id", t.JobID())
	logger.Debug("No events for job, checking server", "idle", s.idleTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 2*s.requestTimeout)
	defer cancel()

	if done, handled := s.resolveFromHistory(ctx, t); handled {
		return done
	}

	queue, err := s.api.GetQueue(ctx)
	if err != nil {
		logger.Warn("Watchdog queue probe failed", "error", err)
		return false
	}
	if queue.Contains(t.JobID()) {
		logger.Debug("Job still queued on server")
		return false
	}

	// The job may have finished between the two probes
	if done, handled := s.resolveFromHistory(ctx, t); handled {
		return done
	}

	if t.Fail(&TimeoutError{JobID: t.JobID(), After: waited, Reason: "server has no record of the job"}) {
		logger.Warn("Job forgotten by server", "waited", waited.Round(time.Second))
	}
	return true
}

// resolveFromHistory settles t from its history entry. handled is false only
// when the server has no history for the job and the queue must be checked.
func (s *Session) resolveFromHistory(ctx context.Context, t *tracker.Tracker) (done, handled bool) {
	entry, found, err := s.api.GetHistory(ctx, t.JobID())
	if err != nil {
		s.logger.Warn("Watchdog history probe failed", "job_id", t.JobID(), "error", err)
		return false, true
	}
	if !found {
		return false, false
	}

	switch {
	case entry.Status.StatusStr == "error":
		t.Fail(historyError(t.JobID(), entry))
		return true, true
	case entry.Status.Completed || entry.Status.StatusStr == "success":
		if t.Succeed() {
			s.logger.Info("Job resolved from history", "job_id", t.JobID())
		}
		return true, true
	default:
		// Recorded but unfinished; keep waiting
		return false, true
	}
}

// historyError rebuilds the execution error from the status messages kept in history
func historyError(jobID string, entry models.HistoryEntry) *tracker.ExecutionError {
	for _, msg := range entry.Status.Messages {
		if len(msg) < 2 || msg[0] != "execution_error" {
			continue
		}
		data, _ := msg[1].(map[string]interface{})
		nodeType, _ := data["node_type"].(string)
		exception, _ := data["exception_message"].(string)
		errText, _ := data["error"].(string)
		return &tracker.ExecutionError{
			JobID:    jobID,
			NodeType: nodeType,
			Message:  tracker.FormatExecutionError(nodeType, exception, errText),
		}
	}
	return &tracker.ExecutionError{JobID: jobID, Message: "execution failed"}
}
