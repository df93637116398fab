package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/lamim/comfyremote/pkg/models"
)

// GetHistory returns the history entry for promptID. found is false when the
// server has no record of the job (still queued, or forgotten).
func (c *Client) GetHistory(ctx context.Context, promptID string) (entry models.HistoryEntry, found bool, err error) {
	resp, err := c.withRetry(ctx, "history", func() (*response, error) {
		return c.send(ctx, request{
			op:     "history",
			method: http.MethodGet,
			path:   "/history/" + url.PathEscape(promptID),
		})
	})
	if err != nil {
		return models.HistoryEntry{}, false, err
	}

	var byID map[string]models.HistoryEntry
	if err := decode("history", resp.body, &byID); err != nil {
		return models.HistoryEntry{}, false, err
	}
	entry, found = byID[promptID]
	return entry, found, nil
}

// ViewURL returns the address a caller can fetch artifact from
func (c *Client) ViewURL(a models.Artifact) string {
	return c.urls.HTTPURL("/view", viewQuery(a))
}

func viewQuery(a models.Artifact) url.Values {
	q := url.Values{}
	q.Set("filename", a.Filename)
	q.Set("subfolder", a.Subfolder)
	q.Set("type", string(a.Type))
	return q
}

// OpenView starts downloading artifact. The caller closes the returned body.
// size is -1 when the server does not report a length.
func (c *Client) OpenView(ctx context.Context, a models.Artifact) (body io.ReadCloser, size int64, err error) {
	if err := c.rateLimiterPool.Wait(ctx, c.serverID, c.rpm); err != nil {
		return nil, 0, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ViewURL(a), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, 0, &APIError{
			Op:         "view",
			Message:    string(msg),
			StatusCode: resp.StatusCode,
			Retryable:  isStatusCodeRetryable(resp.StatusCode),
		}
	}
	return resp.Body, resp.ContentLength, nil
}
