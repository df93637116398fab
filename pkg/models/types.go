package models

import (
	"encoding/json"
	"sort"
)

// TLSPolicy decides whether the client talks to the server over TLS
type TLSPolicy string

const (
	// TLSAlways always uses https/wss
	TLSAlways TLSPolicy = "always"
	// TLSNever always uses http/ws
	TLSNever TLSPolicy = "never"
	// TLSAuto uses plaintext for local/LAN hosts and TLS for everything else
	TLSAuto TLSPolicy = "auto"
)

// Endpoint identifies a remote execution server
type Endpoint struct {
	Host  string    `json:"host" toml:"host"`
	Port  int       `json:"port" toml:"port"`
	TLS   TLSPolicy `json:"tls" toml:"tls"`
	Token string    `json:"-" toml:"-"` // Loaded from secrets, never serialized
}

// Node is a single unit of work in a graph. Only the node id (its key in the
// graph) matters to the client; the rest is forwarded untouched.
type Node struct {
	ClassType string                     `json:"class_type"`
	Inputs    map[string]json.RawMessage `json:"inputs"`
	Meta      map[string]any             `json:"_meta,omitempty"`
}

// Graph maps graph-local node ids to node definitions (API-format workflow)
type Graph map[string]Node

// NodeIDs returns the graph's node ids in a stable order
func (g Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Job is one submitted graph execution
type Job struct {
	ID      string   `json:"id"`
	Graph   Graph    `json:"-"`
	NodeIDs []string `json:"node_ids"`
}

// NewJob builds a Job for a server-assigned id
func NewJob(id string, graph Graph) Job {
	return Job{
		ID:      id,
		Graph:   graph,
		NodeIDs: graph.NodeIDs(),
	}
}

// ExecutionProgress is the most recent sampler progress sample
type ExecutionProgress struct {
	Value float64 `json:"value"`
	Max   float64 `json:"max"`
}

// Percent returns progress as 0-100, or 0 when max is unknown
func (p ExecutionProgress) Percent() float64 {
	if p.Max <= 0 {
		return 0
	}
	return p.Value / p.Max * 100
}

// NodeCompletionSet records finished node ids in completion order.
// Adding an id twice is a no-op.
type NodeCompletionSet struct {
	seen  map[string]struct{}
	order []string
}

// NewNodeCompletionSet creates an empty set
func NewNodeCompletionSet() *NodeCompletionSet {
	return &NodeCompletionSet{seen: make(map[string]struct{})}
}

// Add inserts id and reports whether it was absent
func (s *NodeCompletionSet) Add(id string) bool {
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

// Has reports whether id has completed
func (s *NodeCompletionSet) Has(id string) bool {
	_, ok := s.seen[id]
	return ok
}

// Len returns the number of completed nodes
func (s *NodeCompletionSet) Len() int {
	return len(s.order)
}

// IDs returns completed ids in completion order
func (s *NodeCompletionSet) IDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
