package models

// ArtifactType is the storage bucket a server-side file lives in
type ArtifactType string

const (
	ArtifactOutput ArtifactType = "output"
	ArtifactTemp   ArtifactType = "temp"
	ArtifactInput  ArtifactType = "input"
)

// Artifact describes one produced file
type Artifact struct {
	Filename  string       `json:"filename"`
	Subfolder string       `json:"subfolder"`
	Type      ArtifactType `json:"type"`
}

// NodeOutput is one node's output buckets in a history entry
type NodeOutput struct {
	Images []Artifact `json:"images,omitempty"`
	Gifs   []Artifact `json:"gifs,omitempty"`
	Videos []Artifact `json:"videos,omitempty"`
	Audio  []Artifact `json:"audio,omitempty"`
}

// All returns every media descriptor of the node in bucket order
func (o NodeOutput) All() []Artifact {
	out := make([]Artifact, 0, len(o.Images)+len(o.Gifs)+len(o.Videos)+len(o.Audio))
	out = append(out, o.Images...)
	out = append(out, o.Gifs...)
	out = append(out, o.Videos...)
	out = append(out, o.Audio...)
	return out
}

// HistoryStatus is the execution status recorded in history
type HistoryStatus struct {
	StatusStr string          `json:"status_str"`
	Completed bool            `json:"completed"`
	Messages  [][]interface{} `json:"messages,omitempty"`
}

// HistoryEntry is one job's record from GET /history/{id}
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  HistoryStatus         `json:"status"`
}
