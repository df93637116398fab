package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/lamim/comfyremote/pkg/models"
)

// GetQueue returns the running and pending jobs
func (c *Client) GetQueue(ctx context.Context) (models.QueueSnapshot, error) {
	resp, err := c.withRetry(ctx, "queue", func() (*response, error) {
		return c.send(ctx, request{op: "queue", method: http.MethodGet, path: "/queue"})
	})
	if err != nil {
		return models.QueueSnapshot{}, err
	}

	var snap models.QueueSnapshot
	if err := decode("queue", resp.body, &snap); err != nil {
		return models.QueueSnapshot{}, err
	}
	return snap, nil
}

// DeleteQueueItems removes pending jobs by id
func (c *Client) DeleteQueueItems(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return errors.New("no queue items to delete")
	}
	_, err := c.send(ctx, request{
		op:     "queue_delete",
		method: http.MethodPost,
		path:   "/queue",
		body:   queueRequest{Delete: ids},
	})
	if err == nil {
		c.logger.Info("Queue items deleted", "count", len(ids))
	}
	return err
}

// ClearQueue removes every pending job. The running job is not affected.
func (c *Client) ClearQueue(ctx context.Context) error {
	_, err := c.send(ctx, request{
		op:     "queue_clear",
		method: http.MethodPost,
		path:   "/queue",
		body:   queueRequest{Clear: true},
	})
	if err == nil {
		c.logger.Info("Queue cleared")
	}
	return err
}

// Interrupt stops the running job. With a non-empty promptID the server
// only interrupts if that job is the one running.
func (c *Client) Interrupt(ctx context.Context, promptID string) error {
	_, err := c.send(ctx, request{
		op:     "interrupt",
		method: http.MethodPost,
		path:   "/interrupt",
		body:   interruptRequest{PromptID: promptID},
	})
	if err == nil {
		c.logger.Info("Interrupt sent", "job_id", promptID)
	}
	return err
}

// Ping measures the round trip of a queue read. It is not retried.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.send(ctx, request{op: "ping", method: http.MethodGet, path: "/queue"}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
