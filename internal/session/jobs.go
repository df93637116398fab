package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lamim/comfyremote/internal/artifact"
	"github.com/lamim/comfyremote/internal/tracker"
	"github.com/lamim/comfyremote/pkg/models"
)

// Submit sends graph to the server and starts tracking it. The stream is
// connected first so no event for the job is missed. A job still pending
// from an earlier Submit is failed with tracker.ErrSuperseded.
func (s *Session) Submit(ctx context.Context, graph models.Graph, cb tracker.Callbacks) (string, error) {
	if len(graph) == 0 {
		return "", errors.New("graph has no nodes")
	}
	if err := s.Connect(ctx); err != nil {
		return "", err
	}

	resp, err := s.api.SubmitPrompt(ctx, graph, s.clientID)
	if err != nil {
		return "", err
	}

	t := s.registry.Start(models.NewJob(resp.PromptID, graph), cb)
	s.logger.Info("Job submitted",
		"job_id", resp.PromptID,
		"queue_number", resp.Number,
		"nodes", len(graph))

	if s.idleTimeout > 0 || s.jobTimeout > 0 {
		go s.watch(t)
	}
	return resp.PromptID, nil
}

// Wait blocks until jobID reaches a terminal state or ctx is done. The
// returned error is the job's failure, if any.
func (s *Session) Wait(ctx context.Context, jobID string) (tracker.Result, error) {
	t, ok := s.registry.Get(jobID)
	if !ok {
		return tracker.Result{}, fmt.Errorf("job %s is not tracked by this session", jobID)
	}

	select {
	case <-t.Done():
		result := t.Result()
		return result, result.Err
	case <-ctx.Done():
		return t.Result(), ctx.Err()
	}
}

// Generate submits graph, waits for it and fetches its artifacts. The refs
// are returned and also passed to cb.OnArtifacts. On a partial download
// failure the refs for every artifact are still delivered (failed ones carry
// only the remote URL) together with the joined *artifact.FetchError values.
func (s *Session) Generate(ctx context.Context, graph models.Graph, cb tracker.Callbacks) ([]artifact.Ref, error) {
	jobID, err := s.Submit(ctx, graph, cb)
	if err != nil {
		return nil, err
	}
	if _, err := s.Wait(ctx, jobID); err != nil {
		return nil, err
	}

	artifacts, err := s.ResolveArtifacts(ctx, jobID)
	if err != nil {
		return nil, err
	}

	results := s.FetchArtifacts(ctx, artifacts, cb.OnDownloadProgress)
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	if len(errs) > 0 {
		s.logger.Warn("Some artifacts could not be fetched",
			"job_id", jobID,
			"failed", len(errs),
			"total", len(results))
	}

	refs := artifact.Refs(results)
	if cb.OnArtifacts != nil {
		cb.OnArtifacts(refs)
	}
	return refs, errors.Join(errs...)
}

// GetQueue returns the server's running and pending jobs
func (s *Session) GetQueue(ctx context.Context) (models.QueueSnapshot, error) {
	return s.api.GetQueue(ctx)
}

// DeleteQueueItems removes pending jobs from the server queue
func (s *Session) DeleteQueueItems(ctx context.Context, ids []string) error {
	return s.api.DeleteQueueItems(ctx, ids)
}

// ClearQueue removes every pending job; the running job is unaffected
func (s *Session) ClearQueue(ctx context.Context) error {
	return s.api.ClearQueue(ctx)
}

// Interrupt stops the session's current job. With no current job the
// server's running job is interrupted.
func (s *Session) Interrupt(ctx context.Context) error {
	return s.api.Interrupt(ctx, s.registry.CurrentJobID())
}

// InterruptJob stops a specific job
func (s *Session) InterruptJob(ctx context.Context, jobID string) error {
	return s.api.Interrupt(ctx, jobID)
}

// History returns the server's record of jobID
func (s *Session) History(ctx context.Context, jobID string) (models.HistoryEntry, bool, error) {
	return s.api.GetHistory(ctx, jobID)
}

// ResolveArtifacts lists a finished job's artifacts
func (s *Session) ResolveArtifacts(ctx context.Context, jobID string) ([]models.Artifact, error) {
	return s.resolver.ResolveArtifacts(ctx, jobID)
}

// ViewURL returns the remote address of an artifact
func (s *Session) ViewURL(a models.Artifact) string {
	return s.api.ViewURL(a)
}

// FetchArtifact retrieves one artifact according to the configured mode
func (s *Session) FetchArtifact(ctx context.Context, a models.Artifact, progress artifact.ProgressFunc) (artifact.Ref, error) {
	ctx, cancel := s.downloadContext(ctx)
	defer cancel()
	return s.resolver.Fetch(ctx, a, progress)
}

// FetchArtifacts retrieves artifacts concurrently; partial failure is reported per item
func (s *Session) FetchArtifacts(ctx context.Context, artifacts []models.Artifact, progress artifact.ProgressFunc) []artifact.Result {
	ctx, cancel := s.downloadContext(ctx)
	defer cancel()
	return s.resolver.FetchAll(ctx, artifacts, progress)
}

// Ping measures control-plane round-trip latency
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	return s.api.Ping(ctx)
}

func (s *Session) downloadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.downloadTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.downloadTimeout)
}
