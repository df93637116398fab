package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lamim/comfyremote/internal/artifact"
	"github.com/lamim/comfyremote/internal/config"
	"github.com/lamim/comfyremote/pkg/models"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadWorkflow(t *testing.T) {
	tests := []struct {
		name    string
		content string
		nodes   int
		wantErr string
	}{
		{
			name:    "api format",
			content: `{"3": {"class_type": "KSampler", "inputs": {"seed": 1}}, "9": {"class_type": "SaveImage", "inputs": {}}}`,
			nodes:   2,
		},
		{
			name:    "prompt wrapper",
			content: `{"prompt": {"1": {"class_type": "LoadImage", "inputs": {}}}}`,
			nodes:   1,
		},
		{
			name:    "editor format",
			content: `{"nodes": [], "links": []}`,
			wantErr: "editor format",
		},
		{
			name:    "empty",
			content: `{}`,
			wantErr: "no nodes",
		},
		{
			name:    "missing class type",
			content: `{"1": {"inputs": {}}}`,
			wantErr: "no class_type",
		},
		{
			name:    "not json",
			content: `workflow`,
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			graph, err := loadWorkflow(writeFile(t, "workflow.json", tt.content))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("loadWorkflow failed: %v", err)
			}
			if len(graph) != tt.nodes {
				t.Errorf("Expected %d nodes, got %d", tt.nodes, len(graph))
			}
		})
	}
}

func TestRenderQueue(t *testing.T) {
	if got := renderQueue(models.QueueSnapshot{}); got != "Queue is empty." {
		t.Errorf("Expected empty message, got %q", got)
	}

	out := renderQueue(models.QueueSnapshot{
		Running: []models.QueueEntry{{Number: 4, PromptID: "run-1"}},
		Pending: []models.QueueEntry{{Number: 9, PromptID: "late"}, {Number: 5, PromptID: "early"}},
	})
	running := strings.Index(out, "run-1")
	early := strings.Index(out, "early")
	late := strings.Index(out, "late")
	if running < 0 || early < 0 || late < 0 {
		t.Fatalf("Expected all prompt ids in output:\n%s", out)
	}
	if !(running < early && early < late) {
		t.Errorf("Expected running first then pending by number:\n%s", out)
	}
}

func TestRenderRefs(t *testing.T) {
	out := renderRefs([]artifact.Ref{
		{Artifact: models.Artifact{Filename: "a.png", Type: models.ArtifactOutput}, Location: "/tmp/a.png", Size: 2048},
		{Artifact: models.Artifact{Filename: "b.png", Type: models.ArtifactOutput}, URL: "http://host/view?filename=b.png", Size: -1},
	})
	for _, want := range []string{"a.png", "/tmp/a.png", "2.0 kB", "http://host/view?filename=b.png"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}
	if renderRefs(nil) != "No artifacts produced." {
		t.Error("Expected empty message for no refs")
	}
}

func TestLoadConfig_DefaultsWhenMissing(t *testing.T) {
	t.Setenv(config.EnvToken, "tok")
	t.Setenv(config.EnvS3AccessKeyID, "")
	t.Setenv(config.EnvS3SecretAccessKey, "")
	missing := filepath.Join(t.TempDir(), "config.toml")

	cfg, secrets, err := loadConfig(missing, false)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Server.Port != config.DefaultPort || secrets.Token != "tok" {
		t.Errorf("Expected defaults with token, got %+v %+v", cfg.Server, secrets)
	}

	if _, _, err := loadConfig(missing, true); err == nil {
		t.Error("Expected error for explicit missing config")
	}
}

func TestLoadEnvFile(t *testing.T) {
	t.Setenv("COMFYCTL_TEST_VAR", "")
	_ = os.Unsetenv("COMFYCTL_TEST_VAR")

	path := writeFile(t, ".env", "COMFYCTL_TEST_VAR=from-file\n")
	if err := loadEnvFile(path, true); err != nil {
		t.Fatalf("loadEnvFile failed: %v", err)
	}
	if got := os.Getenv("COMFYCTL_TEST_VAR"); got != "from-file" {
		t.Errorf("Expected from-file, got %q", got)
	}

	missing := filepath.Join(t.TempDir(), ".env")
	if err := loadEnvFile(missing, false); err != nil {
		t.Errorf("Missing default env file should be ignored, got %v", err)
	}
	if err := loadEnvFile(missing, true); err == nil {
		t.Error("Expected error for explicit missing env file")
	}
}
