package api

import (
	"bytes"
	"encoding/json"
	"sync"
)

// bufferPool reuses byte buffers for JSON request bodies. Graph payloads
// are often tens of kilobytes.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// putBuffer returns buf to the pool unless it grew past the size limit
func putBuffer(buf *bytes.Buffer) {
	const maxBufferSize = 256 * 1024
	if buf.Cap() <= maxBufferSize {
		bufferPool.Put(buf)
	}
}

// encodeJSON marshals v into a pooled buffer and returns a copy of the bytes
func encodeJSON(v any) ([]byte, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
