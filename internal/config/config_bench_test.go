package config

import (
	"os"
	"path/filepath"
	"testing"
)

// BenchmarkLoad benchmarks config loading
func BenchmarkLoad(b *testing.B) {
	tempDir := b.TempDir()
	configPath := filepath.Join(tempDir, "config.toml")

	if err := os.WriteFile(configPath, []byte(ExampleConfig()), 0644); err != nil {
		b.Fatal(err)
	}

	b.Setenv(EnvToken, "test-token-123")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, err := Load(configPath)
		if err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkValidate benchmarks config validation
func BenchmarkValidate(b *testing.B) {
	cfg := Default()
	cfg.Artifacts.Mode = "download"
	cfg.Artifacts.Dir = "outputs"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := cfg.Validate(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkValidateInputs benchmarks input validation
func BenchmarkValidateInputs(b *testing.B) {
	cfg := Default()
	cfg.Artifacts.Dir = "outputs"
	cfg.Artifacts.S3 = S3Config{Enabled: true, Bucket: "renders", Prefix: "jobs", Endpoint: "https://s3.example.com"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := cfg.ValidateInputs(); err != nil {
			b.Fatal(err)
		}
	}
}
