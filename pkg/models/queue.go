package models

import (
	"encoding/json"
	"fmt"
)

// QueueEntry is one running or pending job on the server.
// On the wire it is a 5-tuple: [number, prompt_id, prompt, extra_data, outputs_to_execute].
type QueueEntry struct {
	Number           float64         `json:"number"`
	PromptID         string          `json:"prompt_id"`
	Prompt           json.RawMessage `json:"prompt,omitempty"`
	ExtraData        json.RawMessage `json:"extra_data,omitempty"`
	OutputsToExecute []string        `json:"outputs_to_execute,omitempty"`
}

// UnmarshalJSON decodes the server's tuple form
func (e *QueueEntry) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("queue entry is not an array: %w", err)
	}
	if len(tuple) < 2 {
		return fmt.Errorf("queue entry has %d elements, want at least 2", len(tuple))
	}

	if err := json.Unmarshal(tuple[0], &e.Number); err != nil {
		return fmt.Errorf("queue entry number: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &e.PromptID); err != nil {
		return fmt.Errorf("queue entry prompt_id: %w", err)
	}
	if len(tuple) > 2 {
		e.Prompt = tuple[2]
	}
	if len(tuple) > 3 {
		e.ExtraData = tuple[3]
	}
	if len(tuple) > 4 {
		if err := json.Unmarshal(tuple[4], &e.OutputsToExecute); err != nil {
			return fmt.Errorf("queue entry outputs_to_execute: %w", err)
		}
	}
	return nil
}

// MarshalJSON encodes the entry back into the tuple form
func (e QueueEntry) MarshalJSON() ([]byte, error) {
	prompt := e.Prompt
	if prompt == nil {
		prompt = json.RawMessage("{}")
	}
	extra := e.ExtraData
	if extra == nil {
		extra = json.RawMessage("{}")
	}
	outputs := e.OutputsToExecute
	if outputs == nil {
		outputs = []string{}
	}
	return json.Marshal([]any{e.Number, e.PromptID, prompt, extra, outputs})
}

// QueueSnapshot is the server queue as returned by GET /queue
type QueueSnapshot struct {
	Running []QueueEntry `json:"queue_running"`
	Pending []QueueEntry `json:"queue_pending"`
}

// Contains reports whether promptID is running or pending
func (q QueueSnapshot) Contains(promptID string) bool {
	for _, e := range q.Running {
		if e.PromptID == promptID {
			return true
		}
	}
	for _, e := range q.Pending {
		if e.PromptID == promptID {
			return true
		}
	}
	return false
}

// PromptRequest is the body of POST /prompt
type PromptRequest struct {
	Prompt   Graph  `json:"prompt"`
	ClientID string `json:"client_id"`
}

// PromptResponse is the success body of POST /prompt
type PromptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}
