package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/lamim/comfyremote/internal/metrics"
	"github.com/lamim/comfyremote/internal/transport"
	"github.com/lamim/comfyremote/pkg/models"
)

// Mode decides what Fetch produces
type Mode string

const (
	// ModeURL returns the server's view URL without downloading
	ModeURL Mode = "url"
	// ModeDownload streams the artifact into a Sink
	ModeDownload Mode = "download"
)

// DefaultConcurrency is how many artifacts FetchAll downloads at once
const DefaultConcurrency = 4

// ErrNoHistory is returned when the server has no record of the job
var ErrNoHistory = errors.New("job not found in history")

// Source is the control-plane surface the resolver reads from
type Source interface {
	GetHistory(ctx context.Context, promptID string) (models.HistoryEntry, bool, error)
	ViewURL(a models.Artifact) string
	OpenView(ctx context.Context, a models.Artifact) (io.ReadCloser, int64, error)
}

// Ref is a consumable reference to a produced artifact. URL is always the
// remote view URL; Location is where a download landed.
type Ref struct {
	Artifact models.Artifact
	URL      string
	Location string
	Size     int64
}

// FetchError reports a failed download. Ref still carries the remote URL.
type FetchError struct {
	Ref Ref
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Ref.Artifact.Filename, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Result is one artifact's outcome in FetchAll
type Result struct {
	Ref Ref
	Err error
}

// ProgressFunc receives download progress as a 0-100 percentage
type ProgressFunc func(filename string, percent float64)

// Options configures a Resolver
type Options struct {
	Mode        Mode
	Sink        Sink // required for ModeDownload
	Concurrency int
}

// Resolver turns a finished job into artifact references
type Resolver struct {
	src         Source
	mode        Mode
	sink        Sink
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Collector
}

// NewResolver creates a resolver reading from src
func NewResolver(src Source, opts Options, logger *slog.Logger, m *metrics.Collector) (*Resolver, error) {
	if opts.Mode == "" {
		opts.Mode = ModeURL
	}
	if opts.Mode != ModeURL && opts.Mode != ModeDownload {
		return nil, fmt.Errorf("unknown artifact mode %q", opts.Mode)
	}
	if opts.Mode == ModeDownload && opts.Sink == nil {
		return nil, errors.New("download mode requires a sink")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		src:         src,
		mode:        opts.Mode,
		sink:        opts.Sink,
		concurrency: opts.Concurrency,
		logger:      logger,
		metrics:     m,
	}, nil
}

// Mode returns the configured fetch mode
func (r *Resolver) Mode() Mode { return r.mode }

// ResolveArtifacts lists the job's artifacts after output-type selection
func (r *Resolver) ResolveArtifacts(ctx context.Context, jobID string) ([]models.Artifact, error) {
	entry, found, err := r.src.GetHistory(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("resolve artifacts for %s: %w", jobID, err)
	}
	if !found {
		return nil, fmt.Errorf("resolve artifacts for %s: %w", jobID, ErrNoHistory)
	}

	all := Collect(entry)
	selected := SelectOutputs(all)
	r.logger.Debug("Resolved artifacts",
		"job_id", jobID,
		"found", len(all),
		"selected", len(selected))
	return selected, nil
}

// Collect gathers every media descriptor from a history entry in node id order
func Collect(entry models.HistoryEntry) []models.Artifact {
	nodeIDs := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var out []models.Artifact
	for _, id := range nodeIDs {
		out = append(out, entry.Outputs[id].All()...)
	}
	return out
}

// SelectOutputs keeps only output-typed artifacts when any exist, otherwise
// returns all of them
func SelectOutputs(all []models.Artifact) []models.Artifact {
	var outputs []models.Artifact
	for _, a := range all {
		if a.Type == models.ArtifactOutput {
			outputs = append(outputs, a)
		}
	}
	if len(outputs) > 0 {
		return outputs
	}
	return all
}

// Fetch produces a Ref for a. In download mode a failure returns a
// *FetchError whose Ref still points at the remote URL.
func (r *Resolver) Fetch(ctx context.Context, a models.Artifact, progress ProgressFunc) (Ref, error) {
	ref := Ref{Artifact: a, URL: r.src.ViewURL(a), Size: -1}
	if r.mode == ModeURL {
		return ref, nil
	}

	body, size, err := r.src.OpenView(ctx, a)
	if err != nil {
		return ref, r.fetchFailed(ref, err)
	}
	defer func() {
		if err := body.Close(); err != nil {
			r.logger.Warn("Failed to close artifact body", "error", err)
		}
	}()

	pr := newProgressReader(body, size, a.Filename, progress)
	location, err := r.sink.Put(ctx, a, pr, size)
	r.metrics.AddArtifactBytes(pr.read)
	if err != nil {
		return ref, r.fetchFailed(ref, err)
	}
	pr.finish()

	ref.Location = location
	ref.Size = pr.read
	r.logger.Info("Artifact downloaded",
		"filename", a.Filename,
		"bytes", pr.read,
		"location", location)
	return ref, nil
}

func (r *Resolver) fetchFailed(ref Ref, err error) error {
	r.logger.Warn("Artifact download failed, keeping remote URL",
		"filename", ref.Artifact.Filename,
		"url", transport.RedactURL(ref.URL),
		"error", err)
	return &FetchError{Ref: ref, Err: err}
}

// FetchAll fetches every artifact. Failures are reported per artifact and do
// not stop the others. progress may be called from several goroutines.
func (r *Resolver) FetchAll(ctx context.Context, artifacts []models.Artifact, progress ProgressFunc) []Result {
	results := make([]Result, len(artifacts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, a := range artifacts {
		i, a := i, a
		g.Go(func() error {
			ref, err := r.Fetch(gctx, a, progress)
			results[i] = Result{Ref: ref, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Refs returns the references of results, including degraded ones
func Refs(results []Result) []Ref {
	refs := make([]Ref, len(results))
	for i, res := range results {
		refs[i] = res.Ref
	}
	return refs
}
