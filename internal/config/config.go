package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lamim/comfyremote/pkg/models"
)

// Config represents the complete client configuration
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Reconnect    ReconnectConfig    `toml:"reconnect"`
	Timeouts     TimeoutsConfig     `toml:"timeouts"`
	Watchdog     WatchdogConfig     `toml:"watchdog"`
	ControlPlane ControlPlaneConfig `toml:"control_plane"`
	Artifacts    ArtifactsConfig    `toml:"artifacts"`
	Logging      LoggingConfig      `toml:"logging"`
}

// ServerConfig identifies the execution server
type ServerConfig struct {
	Host string           `toml:"host" validate:"required,max=253"`
	Port int              `toml:"port" validate:"min=1,max=65535"`
	TLS  models.TLSPolicy `toml:"tls" validate:"oneof=always never auto"`
}

// ReconnectConfig holds the streaming reconnection backoff
type ReconnectConfig struct {
	BaseDelayMs int `toml:"base_delay_ms" validate:"min=1"`
	MaxDelayMs  int `toml:"max_delay_ms" validate:"min=1,gtefield=BaseDelayMs"`
	MaxAttempts int `toml:"max_attempts" validate:"min=1,max=1000"`
}

// TimeoutsConfig bounds network operations
type TimeoutsConfig struct {
	HandshakeSeconds    int `toml:"handshake_seconds" validate:"min=1,max=300"`
	RequestSeconds      int `toml:"request_seconds" validate:"min=1,max=3600"`
	DownloadSeconds     int `toml:"download_seconds" validate:"min=1,max=86400"`
	PingIntervalSeconds int `toml:"ping_interval_seconds" validate:"min=-1,max=3600"` // -1 disables keep-alive pings
}

// WatchdogConfig controls detection of jobs the server forgot
type WatchdogConfig struct {
	IdleSeconds       int `toml:"idle_seconds" validate:"min=-1,max=86400"`        // -1 disables the idle probe
	JobTimeoutSeconds int `toml:"job_timeout_seconds" validate:"min=0,max=604800"` // 0 = no overall cap
}

// ControlPlaneConfig tunes HTTP control-plane calls
type ControlPlaneConfig struct {
	// In TOML we can't distinguish 0 from unset, so 0 means the default (3)
	// and -1 disables retries
	MaxRetries         int `toml:"max_retries" validate:"min=-1,max=10"`
	RetryBaseDelayMs   int `toml:"retry_base_delay_ms" validate:"min=0,max=60000"`
	RateLimitPerMinute int `toml:"rate_limit_per_minute" validate:"min=0,max=100000"` // 0 = unlimited
}

// ArtifactsConfig decides what happens to job outputs
type ArtifactsConfig struct {
	Mode        string   `toml:"mode" validate:"oneof=url download"`
	Dir         string   `toml:"dir"`
	Concurrency int      `toml:"concurrency" validate:"min=1,max=64"`
	S3          S3Config `toml:"s3"`
}

// S3Config mirrors downloaded artifacts into an S3-compatible bucket
type S3Config struct {
	Enabled      bool   `toml:"enabled"`
	Bucket       string `toml:"bucket" validate:"required_if=Enabled true,max=63"`
	Prefix       string `toml:"prefix"`
	Region       string `toml:"region"`
	Endpoint     string `toml:"endpoint" validate:"omitempty,url"`
	UsePathStyle bool   `toml:"use_path_style"`
	PublicURL    string `toml:"public_url" validate:"omitempty,url"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
	File  string `toml:"file"`
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	Token             string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

const (
	EnvToken             = "COMFY_TOKEN"
	EnvS3AccessKeyID     = "COMFY_S3_ACCESS_KEY_ID"
	EnvS3SecretAccessKey = "COMFY_S3_SECRET_ACCESS_KEY"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their TOML names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if strings.Contains(c.Server.Host, "://") {
		return fmt.Errorf("server.host must be a bare host name, not a URL (got %s)", c.Server.Host)
	}
	if c.Artifacts.Mode == "download" && c.Artifacts.Dir == "" && !c.Artifacts.S3.Enabled {
		return fmt.Errorf("artifacts.mode=download requires artifacts.dir or artifacts.s3.enabled=true")
	}
	if c.Artifacts.S3.Enabled && c.Artifacts.Mode != "download" {
		return fmt.Errorf("artifacts.s3.enabled=true requires artifacts.mode=download")
	}
	if c.Watchdog.JobTimeoutSeconds > 0 && c.Watchdog.IdleSeconds > 0 &&
		c.Watchdog.JobTimeoutSeconds < c.Watchdog.IdleSeconds {
		fmt.Fprintf(os.Stderr, "WARNING: watchdog.job_timeout_seconds (%d) is shorter than idle_seconds (%d); the idle probe will never run\n",
			c.Watchdog.JobTimeoutSeconds, c.Watchdog.IdleSeconds)
	}

	return nil
}

// formatValidationErrors turns validator output into one readable error
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := e.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		msgs = append(msgs, describe(field, e))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func describe(field string, e validator.FieldError) string {
	switch e.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got %v)", field, e.Param(), e.Value())
	case "max":
		if e.Kind() == reflect.String {
			return fmt.Sprintf("%s must not exceed %s characters", field, e.Param())
		}
		return fmt.Sprintf("%s must not exceed %s (got %v)", field, e.Param(), e.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s (got %v)", field, strings.ReplaceAll(e.Param(), " ", ", "), e.Value())
	case "gtefield":
		return fmt.Sprintf("%s must not be less than %s (got %v)", field, e.Param(), e.Value())
	case "url":
		return fmt.Sprintf("%s must be a valid URL (got %v)", field, e.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}

// Endpoint returns the server endpoint with the token from secrets
func (c *Config) Endpoint(secrets *Secrets) models.Endpoint {
	ep := models.Endpoint{
		Host: c.Server.Host,
		Port: c.Server.Port,
		TLS:  c.Server.TLS,
	}
	if secrets != nil {
		ep.Token = secrets.Token
	}
	return ep
}

// BaseDelay returns the reconnect base delay
func (r ReconnectConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the reconnect delay cap
func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// PingInterval returns the keep-alive interval, 0 when disabled
func (t TimeoutsConfig) PingInterval() time.Duration {
	if t.PingIntervalSeconds < 0 {
		return 0
	}
	return time.Duration(t.PingIntervalSeconds) * time.Second
}

// Idle returns the watchdog idle threshold, 0 when disabled
func (w WatchdogConfig) Idle() time.Duration {
	if w.IdleSeconds < 0 {
		return 0
	}
	return time.Duration(w.IdleSeconds) * time.Second
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{
		Token:             strings.TrimSpace(os.Getenv(EnvToken)),
		S3AccessKeyID:     os.Getenv(EnvS3AccessKeyID),
		S3SecretAccessKey: os.Getenv(EnvS3SecretAccessKey),
	}

	if (secrets.S3AccessKeyID == "") != (secrets.S3SecretAccessKey == "") {
		return nil, fmt.Errorf("%s and %s must be set together", EnvS3AccessKeyID, EnvS3SecretAccessKey)
	}
	return secrets, nil
}
