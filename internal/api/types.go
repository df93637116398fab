package api

import "encoding/json"

// queueRequest is the body of POST /queue
type queueRequest struct {
	Delete []string `json:"delete,omitempty"`
	Clear  bool     `json:"clear,omitempty"`
}

// interruptRequest is the body of POST /interrupt. An empty body interrupts
// whatever is running.
type interruptRequest struct {
	PromptID string `json:"prompt_id,omitempty"`
}

// ErrorResponse is the server's error body for rejected prompts
type ErrorResponse struct {
	Error struct {
		Type      string          `json:"type"`
		Message   string          `json:"message"`
		Details   string          `json:"details"`
		ExtraInfo json.RawMessage `json:"extra_info,omitempty"`
	} `json:"error"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}
