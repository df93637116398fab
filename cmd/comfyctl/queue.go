package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lamim/comfyremote/internal/artifact"
	"github.com/lamim/comfyremote/internal/session"
	"github.com/lamim/comfyremote/pkg/models"
)

// withSession runs fn against a session that is never connected to the
// event stream; these commands only use the control plane
func withSession(cmd *cobra.Command, fn func(ctx context.Context, a *app, s *session.Session) error) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	s, err := a.newSession(session.Observer{})
	if err != nil {
		return err
	}
	defer func() { _ = s.Disconnect() }()

	timeout := time.Duration(a.cfg.Timeouts.RequestSeconds) * time.Second * 2
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, a, s)
}

func newQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the server queue",
	}

	queueCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List running and pending jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, a *app, s *session.Session) error {
				q, err := s.GetQueue(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderQueue(q))
				return nil
			})
		},
	})

	queueCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every pending job (the running job is not affected)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, a *app, s *session.Session) error {
				if err := s.ClearQueue(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Queue cleared.")
				return nil
			})
		},
	})

	queueCmd.AddCommand(&cobra.Command{
		Use:   "delete <prompt-id>...",
		Short: "Remove specific pending jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, a *app, s *session.Session) error {
				if err := s.DeleteQueueItems(ctx, args); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d job(s).\n", len(args))
				return nil
			})
		},
	})

	return queueCmd
}

func newInterruptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interrupt [prompt-id]",
		Short: "Interrupt a job, or the running job when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, a *app, s *session.Session) error {
				id := ""
				if len(args) == 1 {
					id = args[0]
				}
				if err := s.InterruptJob(ctx, id); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Interrupt sent.")
				return nil
			})
		},
	}
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <prompt-id>",
		Short: "Show a finished job's status and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, a *app, s *session.Session) error {
				entry, found, err := s.History(ctx, args[0])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("no history for %s (still queued, or expired)", args[0])
				}

				status := entry.Status.StatusStr
				if status == "" {
					status = strconv.FormatBool(entry.Status.Completed)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Status: %s\n", status)

				selected := artifact.SelectOutputs(artifact.Collect(entry))
				refs := make([]artifact.Ref, 0, len(selected))
				for _, art := range selected {
					refs = append(refs, artifact.Ref{Artifact: art, URL: s.ViewURL(art), Size: -1})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderRefs(refs))
				return nil
			})
		},
	}
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the server is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, a *app, s *session.Session) error {
				latency, err := s.Ping(ctx)
				if err != nil {
					return err
				}
				scheme := "http"
				if s.Endpoint().Secure() {
					scheme = "https"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s:%d (%s) reachable in %s\n",
					a.cfg.Server.Host, a.cfg.Server.Port, scheme, latency.Round(time.Millisecond))
				return nil
			})
		},
	}
}

// renderQueue lists running jobs first, then pending jobs by queue number
func renderQueue(q models.QueueSnapshot) string {
	if len(q.Running) == 0 && len(q.Pending) == 0 {
		return "Queue is empty."
	}

	pending := append([]models.QueueEntry(nil), q.Pending...)
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Number < pending[j].Number })

	rows := make([][]string, 0, len(q.Running)+len(pending))
	add := func(state string, e models.QueueEntry) {
		rows = append(rows, []string{
			state,
			strconv.FormatFloat(e.Number, 'f', -1, 64),
			e.PromptID,
			strings.Join(e.OutputsToExecute, ","),
		})
	}
	for _, e := range q.Running {
		add("running", e)
	}
	for _, e := range pending {
		add("pending", e)
	}

	return renderTable(
		[]string{"State", "#", "Prompt ID", "Outputs"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft},
	)
}
