package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lamim/comfyremote/internal/api"
	"github.com/lamim/comfyremote/internal/comfytest"
	"github.com/lamim/comfyremote/internal/endpoint"
	"github.com/lamim/comfyremote/internal/transport"
	"github.com/lamim/comfyremote/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newSource(t *testing.T, server *comfytest.Server) *api.Client {
	t.Helper()
	ep := server.Endpoint()
	resolved, err := endpoint.Resolve(context.Background(), ep, nil, testLogger())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	conn := transport.New(transport.Options{Token: ep.Token}, testLogger())
	return api.NewClient(conn, resolved, testLogger(), nil, api.Options{MaxRetries: -1})
}

func TestSelectOutputs(t *testing.T) {
	out := models.Artifact{Filename: "final.png", Type: models.ArtifactOutput}
	tmp := models.Artifact{Filename: "preview.png", Type: models.ArtifactTemp}
	in := models.Artifact{Filename: "source.png", Type: models.ArtifactInput}

	tests := []struct {
		name string
		in   []models.Artifact
		want []string
	}{
		{"outputs win", []models.Artifact{tmp, out, in}, []string{"final.png"}},
		{"no outputs keeps all", []models.Artifact{tmp, in}, []string{"preview.png", "source.png"}},
		{"empty", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectOutputs(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d artifacts, got %d", len(tt.want), len(got))
			}
			for i := range got {
				if got[i].Filename != tt.want[i] {
					t.Errorf("Expected %s at %d, got %s", tt.want[i], i, got[i].Filename)
				}
			}
		})
	}
}

func TestResolveArtifacts_AllBuckets(t *testing.T) {
	server := comfytest.NewServer(t)
	server.SetHistory("p1", models.HistoryEntry{
		Outputs: map[string]models.NodeOutput{
			"9": {
				Images: []models.Artifact{{Filename: "a.png", Type: models.ArtifactOutput}},
				Gifs:   []models.Artifact{{Filename: "b.gif", Type: models.ArtifactOutput}},
			},
			"12": {
				Videos: []models.Artifact{{Filename: "c.mp4", Subfolder: "vid", Type: models.ArtifactOutput}},
				Audio:  []models.Artifact{{Filename: "d.flac", Type: models.ArtifactOutput}},
			},
			"20": {Images: []models.Artifact{{Filename: "tmp.png", Type: models.ArtifactTemp}}},
		},
		Status: models.HistoryStatus{Completed: true},
	})

	r, err := NewResolver(newSource(t, server), Options{}, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	got, err := r.ResolveArtifacts(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ResolveArtifacts failed: %v", err)
	}

	var names []string
	for _, a := range got {
		names = append(names, a.Filename)
	}
	want := "c.mp4,d.flac,a.png,b.gif"
	if strings.Join(names, ",") != want {
		t.Errorf("Expected %s, got %s", want, strings.Join(names, ","))
	}

	_, err = r.ResolveArtifacts(context.Background(), "missing")
	if !errors.Is(err, ErrNoHistory) {
		t.Errorf("Expected ErrNoHistory, got %v", err)
	}
}

func TestFetch_URLMode(t *testing.T) {
	server := comfytest.NewServer(t)
	server.Token = "tok"
	r, _ := NewResolver(newSource(t, server), Options{Mode: ModeURL}, testLogger(), nil)

	ref, err := r.Fetch(context.Background(), models.Artifact{Filename: "a.png", Type: models.ArtifactOutput}, nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !strings.Contains(ref.URL, "/view?") || !strings.Contains(ref.URL, "token=tok") {
		t.Errorf("Expected tokenised view URL, got %s", ref.URL)
	}
	if ref.Location != "" {
		t.Errorf("Expected no local location in url mode, got %s", ref.Location)
	}
}

func TestFetch_DownloadWithProgress(t *testing.T) {
	server := comfytest.NewServer(t)
	a := models.Artifact{Filename: "a.png", Subfolder: "run1", Type: models.ArtifactOutput}
	data := bytes.Repeat([]byte("x"), 256*1024)
	server.AddFile(a, data)

	dir := t.TempDir()
	r, _ := NewResolver(newSource(t, server), Options{Mode: ModeDownload, Sink: DirSink{Dir: dir}}, testLogger(), nil)

	var mu sync.Mutex
	var percents []float64
	ref, err := r.Fetch(context.Background(), a, func(name string, pct float64) {
		mu.Lock()
		defer mu.Unlock()
		percents = append(percents, pct)
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	want := filepath.Join(dir, "run1", "a.png")
	if ref.Location != want {
		t.Errorf("Expected location %s, got %s", want, ref.Location)
	}
	got, err := os.ReadFile(want)
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("Downloaded file does not match (err=%v)", err)
	}
	if len(percents) == 0 || percents[len(percents)-1] != 100 {
		t.Errorf("Expected progress to end at 100, got %v", percents)
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Errorf("Progress went backwards: %v", percents)
			break
		}
	}
}

func TestFetchAll_PartialFailureKeepsURL(t *testing.T) {
	server := comfytest.NewServer(t)
	ok := models.Artifact{Filename: "ok.png", Type: models.ArtifactOutput}
	missing := models.Artifact{Filename: "gone.png", Type: models.ArtifactOutput}
	server.AddFile(ok, []byte("png"))

	r, _ := NewResolver(newSource(t, server), Options{Mode: ModeDownload, Sink: DirSink{Dir: t.TempDir()}}, testLogger(), nil)
	results := r.FetchAll(context.Background(), []models.Artifact{ok, missing}, nil)

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Errorf("Expected first fetch to succeed, got %v", results[0].Err)
	}

	var fetchErr *FetchError
	if !errors.As(results[1].Err, &fetchErr) {
		t.Fatalf("Expected *FetchError, got %v", results[1].Err)
	}
	if !strings.Contains(fetchErr.Ref.URL, "filename=gone.png") {
		t.Errorf("Expected degraded ref to keep remote URL, got %s", fetchErr.Ref.URL)
	}

	refs := Refs(results)
	if refs[1].URL == "" || refs[0].Location == "" {
		t.Errorf("Unexpected refs %+v", refs)
	}
}

func TestObjectKey_RejectsTraversal(t *testing.T) {
	tests := []struct {
		a    models.Artifact
		want string
	}{
		{models.Artifact{Filename: "a.png"}, "a.png"},
		{models.Artifact{Filename: "a.png", Subfolder: "x/y"}, "x/y/a.png"},
		{models.Artifact{Filename: "../../etc/passwd", Subfolder: "../.."}, "passwd"},
		{models.Artifact{Filename: "a.png", Subfolder: "..\\up"}, "up/a.png"},
	}
	for _, tt := range tests {
		got, err := objectKey(tt.a)
		if err != nil {
			t.Errorf("objectKey(%+v) failed: %v", tt.a, err)
			continue
		}
		if got != tt.want {
			t.Errorf("objectKey(%+v): expected %s, got %s", tt.a, tt.want, got)
		}
	}

	if _, err := objectKey(models.Artifact{Filename: ".."}); err == nil {
		t.Error("Expected error for '..' filename")
	}
}

type fakePutter struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if in.ContentLength == nil || *in.ContentLength != int64(len(data)) {
		return nil, errors.New("content length mismatch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = data
	f.types[*in.Key] = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink_Put(t *testing.T) {
	putter := &fakePutter{objects: map[string][]byte{}, types: map[string]string{}}
	sink := NewS3SinkWithClient(putter, S3Config{Bucket: "renders", Prefix: "/jobs/"})

	a := models.Artifact{Filename: "a.png", Subfolder: "run1", Type: models.ArtifactOutput}
	loc, err := sink.Put(context.Background(), a, strings.NewReader("pngdata"), -1)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if loc != "s3://renders/jobs/run1/a.png" {
		t.Errorf("Expected s3 location, got %s", loc)
	}
	if string(putter.objects["renders/jobs/run1/a.png"]) != "pngdata" {
		t.Errorf("Unexpected object contents %q", putter.objects["renders/jobs/run1/a.png"])
	}
	if putter.types["jobs/run1/a.png"] != "image/png" {
		t.Errorf("Expected image/png, got %s", putter.types["jobs/run1/a.png"])
	}

	public := NewS3SinkWithClient(putter, S3Config{Bucket: "renders", PublicURL: "https://cdn.example.com/"})
	loc, err = public.Put(context.Background(), a, strings.NewReader("x"), 1)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if loc != "https://cdn.example.com/run1/a.png" {
		t.Errorf("Expected public URL, got %s", loc)
	}
}

func TestMultiSink_WritesEverywhere(t *testing.T) {
	putter := &fakePutter{objects: map[string][]byte{}, types: map[string]string{}}
	dir := t.TempDir()
	sink := MultiSink{DirSink{Dir: dir}, NewS3SinkWithClient(putter, S3Config{Bucket: "b"})}

	a := models.Artifact{Filename: "clip.mp4", Type: models.ArtifactOutput}
	loc, err := sink.Put(context.Background(), a, strings.NewReader("video"), -1)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if loc != filepath.Join(dir, "clip.mp4") {
		t.Errorf("Expected first sink's location, got %s", loc)
	}
	if string(putter.objects["b/clip.mp4"]) != "video" {
		t.Errorf("Expected object mirrored to bucket, got %q", putter.objects["b/clip.mp4"])
	}
}
