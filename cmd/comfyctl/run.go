package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/lamim/comfyremote/internal/artifact"
	"github.com/lamim/comfyremote/internal/session"
	"github.com/lamim/comfyremote/internal/tracker"
	"github.com/lamim/comfyremote/pkg/models"
)

var (
	downloadDir string
	noProgress  bool
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workflow.json>",
		Short: "Submit a workflow and wait for its outputs",
		Long: `Submit an API-format workflow graph, follow its execution and print the
resulting artifacts. Interrupting with Ctrl-C also interrupts the job on the server.`,
		Args: cobra.ExactArgs(1),
		RunE: runWorkflow,
	}
	cmd.Flags().StringVar(&downloadDir, "download-dir", "", "Download artifacts into this directory")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bars")
	return cmd
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	graph, err := loadWorkflow(args[0])
	if err != nil {
		return err
	}

	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if downloadDir != "" {
		a.cfg.Artifacts.Mode = string(artifact.ModeDownload)
		a.cfg.Artifacts.Dir = downloadDir
	}

	showBars := !noProgress && isTerminal(os.Stderr)
	view := newProgressView(os.Stderr, showBars)

	s, err := a.newSession(session.Observer{
		OnConnectionStatus: func(status models.ConnectionStatus) {
			switch status {
			case models.StatusReconnecting:
				view.note("Connection lost, reconnecting...")
			case models.StatusGivenUp:
				view.note("Could not reconnect to server")
			}
		},
		OnQueueUpdate: func(remaining int) {
			a.logger.Debug("Queue updated", "remaining", remaining)
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = s.Disconnect() }()

	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.Info("Submitting workflow",
		"file", args[0],
		"nodes", len(graph),
		"client_id", s.ClientID())

	start := time.Now()
	refs, err := s.Generate(ctx, graph, view.callbacks())
	view.finish()

	if ctx.Err() != nil {
		if jobID := s.CurrentJobID(); jobID != "" {
			ictx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if ierr := s.InterruptJob(ictx, jobID); ierr != nil {
				a.logger.Warn("Failed to interrupt job", "job_id", jobID, "error", ierr)
			} else {
				a.logger.Info("Job interrupted", "job_id", jobID)
			}
			cancel()
		}
		return ctx.Err()
	}

	var fetchErr *artifact.FetchError
	if err != nil && !errors.As(err, &fetchErr) {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), renderRefs(refs))
	a.logger.Info("Workflow finished",
		"artifacts", len(refs),
		"duration", time.Since(start).Round(time.Millisecond))
	return err
}

// loadWorkflow reads an API-format graph. A {"prompt": {...}} wrapper is
// accepted; the editor's save format is not.
func loadWorkflow(path string) (models.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse workflow %s: %w", path, err)
	}
	if _, ok := probe["nodes"]; ok {
		if _, ok := probe["links"]; ok {
			return nil, fmt.Errorf("workflow %s is in editor format; export it in API format", path)
		}
	}
	if inner, ok := probe["prompt"]; ok {
		data = inner
	}

	var graph models.Graph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("failed to parse workflow %s: %w", path, err)
	}
	if len(graph) == 0 {
		return nil, fmt.Errorf("workflow %s has no nodes", path)
	}
	for id, node := range graph {
		if node.ClassType == "" {
			return nil, fmt.Errorf("workflow %s: node %s has no class_type", path, id)
		}
	}
	return graph, nil
}

// progressView renders job progress as two bars: nodes and sampler steps
type progressView struct {
	out     io.Writer
	enabled bool

	mu      sync.Mutex
	nodes   *progressbar.ProgressBar
	sampler *progressbar.ProgressBar
}

func newProgressView(out io.Writer, enabled bool) *progressView {
	return &progressView{out: out, enabled: enabled}
}

func (v *progressView) newBar(max int64, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(max,
		progressbar.OptionSetWriter(v.out),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)
}

func (v *progressView) callbacks() tracker.Callbacks {
	if !v.enabled {
		return tracker.Callbacks{}
	}
	return tracker.Callbacks{
		OnNodeComplete: func(nodeID string, total, completed int) {
			v.mu.Lock()
			defer v.mu.Unlock()
			if v.nodes == nil {
				v.nodes = v.newBar(int64(total), "Nodes")
			}
			_ = v.nodes.Set(completed)
		},
		OnProgress: func(value, max float64) {
			v.mu.Lock()
			defer v.mu.Unlock()
			if v.sampler == nil {
				v.sampler = v.newBar(int64(max), "Sampling")
			} else if v.sampler.GetMax64() != int64(max) {
				v.sampler.ChangeMax64(int64(max))
			}
			_ = v.sampler.Set64(int64(value))
		},
		OnDownloadProgress: func(filename string, percent float64) {
			if percent >= 100 {
				v.note(fmt.Sprintf("Downloaded %s", filename))
			}
		},
	}
}

// note prints a line without tearing the bars
func (v *progressView) note(msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sampler != nil {
		_ = v.sampler.Clear()
	}
	if v.nodes != nil {
		_ = v.nodes.Clear()
	}
	fmt.Fprintln(v.out, msg)
}

func (v *progressView) finish() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, bar := range []*progressbar.ProgressBar{v.sampler, v.nodes} {
		if bar != nil {
			_ = bar.Finish()
		}
	}
}

// renderRefs lists artifacts with where they can be found
func renderRefs(refs []artifact.Ref) string {
	if len(refs) == 0 {
		return "No artifacts produced."
	}
	rows := make([][]string, 0, len(refs))
	for _, ref := range refs {
		location := ref.Location
		if location == "" {
			location = ref.URL
		}
		size := "-"
		if ref.Size >= 0 {
			size = humanize.Bytes(uint64(ref.Size))
		}
		rows = append(rows, []string{ref.Artifact.Filename, string(ref.Artifact.Type), size, location})
	}
	return renderTable(
		[]string{"File", "Type", "Size", "Location"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	)
}
