package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/lamim/comfyremote/pkg/models"
)

// Sink stores downloaded artifacts. size is -1 when unknown.
type Sink interface {
	Put(ctx context.Context, a models.Artifact, r io.Reader, size int64) (location string, err error)
}

// objectKey builds a relative slash path for a: subfolder/filename. Path
// elements that would escape the root are rejected.
func objectKey(a models.Artifact) (string, error) {
	name := path.Base(strings.ReplaceAll(a.Filename, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "", fmt.Errorf("invalid artifact filename %q", a.Filename)
	}

	sub := path.Clean("/" + strings.ReplaceAll(a.Subfolder, "\\", "/"))
	sub = strings.TrimPrefix(sub, "/")
	if sub == "" || sub == "." {
		return name, nil
	}
	return sub + "/" + name, nil
}

// DirSink writes artifacts under a local directory, keeping subfolders
type DirSink struct {
	Dir string
}

// Put writes the artifact atomically and returns its path
func (d DirSink) Put(ctx context.Context, a models.Artifact, r io.Reader, size int64) (string, error) {
	key, err := objectKey(a)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(d.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	written, err := io.Copy(tmp, ctxReader{ctx: ctx, r: r})
	if err != nil {
		cleanup()
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	if size >= 0 && written != size {
		cleanup()
		return "", fmt.Errorf("short download for %s: got %d of %d bytes", key, written, size)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to move %s into place: %w", key, err)
	}
	return dest, nil
}

// MultiSink writes to every sink in order. The first sink's location is
// returned; any failure fails the whole put.
type MultiSink []Sink

// Put fans the artifact out to every sink
func (m MultiSink) Put(ctx context.Context, a models.Artifact, r io.Reader, size int64) (string, error) {
	if len(m) == 0 {
		return "", errors.New("multi sink has no sinks")
	}
	if len(m) == 1 {
		return m[0].Put(ctx, a, r, size)
	}

	// Spool once so every sink reads the same bytes
	spool, err := os.CreateTemp("", "comfyremote-artifact-*")
	if err != nil {
		return "", fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()
	n, err := io.Copy(spool, ctxReader{ctx: ctx, r: r})
	if err != nil {
		return "", fmt.Errorf("failed to spool %s: %w", a.Filename, err)
	}

	var first string
	for i, s := range m {
		loc, err := s.Put(ctx, a, io.NewSectionReader(spool, 0, n), n)
		if err != nil {
			return "", err
		}
		if i == 0 {
			first = loc
		}
	}
	return first, nil
}

// ctxReader stops reading once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
