package config

import "github.com/lamim/comfyremote/pkg/models"

const (
	DefaultHost      = "127.0.0.1"
	DefaultPort      = 8188
	DefaultTLSPolicy = models.TLSAuto

	DefaultReconnectBaseDelayMs = 1000
	DefaultReconnectMaxDelayMs  = 30000
	DefaultReconnectMaxAttempts = 10

	DefaultHandshakeSeconds    = 10
	DefaultRequestSeconds      = 30
	DefaultDownloadSeconds     = 600
	DefaultPingIntervalSeconds = 30

	DefaultWatchdogIdleSeconds = 120

	DefaultRetryBaseDelayMs = 500

	DefaultArtifactMode        = "url"
	DefaultArtifactConcurrency = 4

	DefaultLogLevel = "info"
)

// ExampleConfig returns a commented configuration file with every section
func ExampleConfig() string {
	return `# comfyremote client configuration

[server]
host = "127.0.0.1"
port = 8188
tls = "auto"          # always | never | auto (plaintext for local/LAN hosts)

[reconnect]
base_delay_ms = 1000  # delay before attempt n is min(base * 2^n, max)
max_delay_ms = 30000
max_attempts = 10

[timeouts]
handshake_seconds = 10
request_seconds = 30
download_seconds = 600
ping_interval_seconds = 30   # -1 disables keep-alive pings

[watchdog]
idle_seconds = 120           # probe history after this long without events, -1 disables
job_timeout_seconds = 0      # 0 = no overall limit

[control_plane]
max_retries = 0              # 0 = default (3), -1 = no retries
retry_base_delay_ms = 500
rate_limit_per_minute = 0    # 0 = unlimited

[artifacts]
mode = "url"                 # url | download
dir = "./outputs"
concurrency = 4

[artifacts.s3]
enabled = false
bucket = ""
prefix = ""
region = "auto"
endpoint = ""                # e.g. https://<account>.r2.cloudflarestorage.com
use_path_style = false
public_url = ""

[logging]
level = "info"               # debug | info | warn | error
file = ""

# Secrets are read from the environment (or a .env file):
#   COMFY_TOKEN, COMFY_S3_ACCESS_KEY_ID, COMFY_S3_SECRET_ACCESS_KEY
`
}
