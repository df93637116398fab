package models

// JobState represents where a tracked job is in its lifecycle
type JobState string

const (
	JobSubmitted JobState = "submitted"
	JobExecuting JobState = "executing"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Terminal reports whether the state is final
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// ConnectionStatus is the streaming connection state shown to callers
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting" // waiting out a backoff delay
	StatusGivenUp      ConnectionStatus = "given_up"
)
