package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lamim/comfyremote/pkg/models"
)

// SubmitError is returned when the server rejects a prompt
type SubmitError struct {
	StatusCode int
	Type       string
	Message    string
	Details    string
	NodeErrors json.RawMessage
	Body       string
}

func (e *SubmitError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("prompt rejected (status %d): %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("prompt rejected: %s", msg)
}

// HasNodeErrors reports whether the server flagged individual nodes
func (e *SubmitError) HasNodeErrors() bool {
	s := strings.TrimSpace(string(e.NodeErrors))
	return s != "" && s != "{}" && s != "null"
}

// SubmitPrompt queues graph for execution on behalf of clientID. It is never
// retried: a resend could queue the job twice.
func (c *Client) SubmitPrompt(ctx context.Context, graph models.Graph, clientID string) (models.PromptResponse, error) {
	if len(graph) == 0 {
		return models.PromptResponse{}, errors.New("graph has no nodes")
	}

	resp, err := c.do(ctx, request{
		op:     "submit",
		method: http.MethodPost,
		path:   "/prompt",
		body:   models.PromptRequest{Prompt: graph, ClientID: clientID},
	})
	if err != nil {
		return models.PromptResponse{}, fmt.Errorf("submit prompt: %w", err)
	}

	if resp.status < 200 || resp.status > 299 {
		return models.PromptResponse{}, newSubmitError(resp)
	}

	var out models.PromptResponse
	if err := decode("submit", resp.body, &out); err != nil {
		return models.PromptResponse{}, err
	}
	if out.PromptID == "" {
		return models.PromptResponse{}, &SubmitError{
			StatusCode: resp.status,
			Message:    "response did not include a prompt_id",
			NodeErrors: out.NodeErrors,
			Body:       string(resp.body),
		}
	}

	c.logger.Info("Prompt queued",
		"job_id", out.PromptID,
		"number", out.Number,
		"nodes", len(graph))
	return out, nil
}

func newSubmitError(resp *response) *SubmitError {
	se := &SubmitError{
		StatusCode: resp.status,
		Body:       strings.TrimSpace(string(resp.body)),
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(resp.body, &errResp); err == nil {
		se.Type = errResp.Error.Type
		se.Message = errResp.Error.Message
		se.Details = errResp.Error.Details
		se.NodeErrors = errResp.NodeErrors
	}
	return se
}
