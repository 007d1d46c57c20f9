package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable for the audio bridge, loaded from the
// environment with validated defaults.
type Config struct {
	Addr string

	// Optional API keys for the REST/WS surface; empty disables auth.
	APIKeys map[string]struct{}

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Control plane (ARI)
	ARIBaseURL        string
	ARIEventsURL      string
	ARIUsername       string
	ARIPassword       string
	ARIAppName        string
	ARIConnectTimeout time.Duration
	ARIRequestTimeout time.Duration

	// Carrier trunk channel name prefix, e.g. "SIP/galax".
	CarrierChannelPrefix string

	// Monitor
	EnableEventMonitor bool
	PollInterval       time.Duration

	// Recording
	RecordingFormat        string
	RecordingStartAttempts int
	RecordingStartBackoff  time.Duration
	RecordingStartTimeout  time.Duration
	SnoopCreateTimeout     time.Duration
	ConferenceMoveTimeout  time.Duration
	ConferenceContext      string

	// Audio pipeline
	CaptureInterval   time.Duration
	AudioChunkSize    int
	AudioSampleRate   int
	AudioChannels     int
	AudioFormat       string
	UploadWorkers     int
	UploadMaxAttempts int
	UploadBackoff     time.Duration

	// Broadcast hub
	HubSubscriberQueue int
	HubReplayChunks    int

	// Persistence
	DatabaseURL string

	// Object storage (S3-compatible)
	StorageBucket          string
	StorageRegion          string
	StorageEndpoint        string // empty => AWS default resolution
	StoragePublicURL       string // base URL for returned references; empty derives from bucket
	StorageAccessKeyID     string // empty => ambient AWS credential chain
	StorageSecretAccessKey string

	// Operational
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	WSPingInterval      time.Duration
	WSWriteTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

// LoadFromEnv reads configuration from BRIDGE_* environment variables,
// applying defaults and validating the result.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:               envOr("BRIDGE_ADDR", ":8000"),
		APIKeys:            make(map[string]struct{}),
		CORSAllowedOrigins: make(map[string]struct{}),

		ARIBaseURL:        envOr("BRIDGE_ARI_BASE_URL", "http://localhost:8088/ari"),
		ARIEventsURL:      envOr("BRIDGE_ARI_EVENTS_URL", "ws://localhost:8088/ari/events?app=audio-bridge&subscribeAll=true"),
		ARIUsername:       envOr("BRIDGE_ARI_USERNAME", "asterisk"),
		ARIPassword:       os.Getenv("BRIDGE_ARI_PASSWORD"),
		ARIAppName:        envOr("BRIDGE_ARI_APP", "audio-bridge"),
		ARIConnectTimeout: envDurationOr("BRIDGE_ARI_CONNECT_TIMEOUT", 5*time.Second),
		ARIRequestTimeout: envDurationOr("BRIDGE_ARI_REQUEST_TIMEOUT", 15*time.Second),

		CarrierChannelPrefix: envOr("BRIDGE_CARRIER_PREFIX", "SIP/galax"),

		EnableEventMonitor: envBoolOr("BRIDGE_ENABLE_EVENT_MONITOR", true),
		PollInterval:       envDurationOr("BRIDGE_POLL_INTERVAL", 2*time.Second),

		RecordingFormat:        envOr("BRIDGE_RECORDING_FORMAT", "wav"),
		RecordingStartAttempts: envIntOr("BRIDGE_RECORDING_START_ATTEMPTS", 3),
		RecordingStartBackoff:  envDurationOr("BRIDGE_RECORDING_START_BACKOFF", 500*time.Millisecond),
		RecordingStartTimeout:  envDurationOr("BRIDGE_RECORDING_START_TIMEOUT", 10*time.Second),
		SnoopCreateTimeout:     envDurationOr("BRIDGE_SNOOP_CREATE_TIMEOUT", 5*time.Second),
		ConferenceMoveTimeout:  envDurationOr("BRIDGE_CONFERENCE_MOVE_TIMEOUT", 5*time.Second),
		ConferenceContext:      envOr("BRIDGE_CONFERENCE_CONTEXT", "default"),

		CaptureInterval:   envDurationOr("BRIDGE_CAPTURE_INTERVAL", 100*time.Millisecond),
		AudioChunkSize:    envIntOr("BRIDGE_AUDIO_CHUNK_SIZE", 4096),
		AudioSampleRate:   envIntOr("BRIDGE_AUDIO_SAMPLE_RATE", 8000),
		AudioChannels:     envIntOr("BRIDGE_AUDIO_CHANNELS", 1),
		AudioFormat:       envOr("BRIDGE_AUDIO_FORMAT", "PCM"),
		UploadWorkers:     envIntOr("BRIDGE_UPLOAD_WORKERS", 8),
		UploadMaxAttempts: envIntOr("BRIDGE_UPLOAD_MAX_ATTEMPTS", 4),
		UploadBackoff:     envDurationOr("BRIDGE_UPLOAD_BACKOFF", 250*time.Millisecond),

		HubSubscriberQueue: envIntOr("BRIDGE_HUB_SUBSCRIBER_QUEUE", 64),
		HubReplayChunks:    envIntOr("BRIDGE_HUB_REPLAY_CHUNKS", 0),

		DatabaseURL: envOr("BRIDGE_DATABASE_URL", "postgres://localhost:5432/audiobridge"),

		StorageBucket:          envOr("BRIDGE_STORAGE_BUCKET", "audio-bucket"),
		StorageRegion:          envOr("BRIDGE_STORAGE_REGION", "us-east-1"),
		StorageEndpoint:        os.Getenv("BRIDGE_STORAGE_ENDPOINT"),
		StoragePublicURL:       os.Getenv("BRIDGE_STORAGE_PUBLIC_URL"),
		StorageAccessKeyID:     os.Getenv("BRIDGE_STORAGE_ACCESS_KEY_ID"),
		StorageSecretAccessKey: os.Getenv("BRIDGE_STORAGE_SECRET_ACCESS_KEY"),

		ReadHeaderTimeout:   envDurationOr("BRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("BRIDGE_READ_TIMEOUT", 30*time.Second),
		WSPingInterval:      envDurationOr("BRIDGE_WS_PING_INTERVAL", 30*time.Second),
		WSWriteTimeout:      envDurationOr("BRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		ShutdownGracePeriod: envDurationOr("BRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, key := range splitCSV(os.Getenv("BRIDGE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("BRIDGE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if !strings.HasPrefix(cfg.ARIBaseURL, "http://") && !strings.HasPrefix(cfg.ARIBaseURL, "https://") {
		return Config{}, fmt.Errorf("BRIDGE_ARI_BASE_URL must be an http(s) URL")
	}
	if !strings.HasPrefix(cfg.ARIEventsURL, "ws://") && !strings.HasPrefix(cfg.ARIEventsURL, "wss://") {
		return Config{}, fmt.Errorf("BRIDGE_ARI_EVENTS_URL must be a ws(s) URL")
	}
	if strings.TrimSpace(cfg.ARIAppName) == "" {
		return Config{}, fmt.Errorf("BRIDGE_ARI_APP must not be empty")
	}
	if strings.TrimSpace(cfg.CarrierChannelPrefix) == "" {
		return Config{}, fmt.Errorf("BRIDGE_CARRIER_PREFIX must not be empty")
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_POLL_INTERVAL must be > 0")
	}
	if cfg.RecordingStartAttempts <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_RECORDING_START_ATTEMPTS must be > 0")
	}
	if cfg.RecordingStartBackoff <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_RECORDING_START_BACKOFF must be > 0")
	}
	if cfg.RecordingStartTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_RECORDING_START_TIMEOUT must be > 0")
	}
	if cfg.SnoopCreateTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_SNOOP_CREATE_TIMEOUT must be > 0")
	}
	if cfg.ConferenceMoveTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_CONFERENCE_MOVE_TIMEOUT must be > 0")
	}
	if strings.TrimSpace(cfg.ConferenceContext) == "" {
		return Config{}, fmt.Errorf("BRIDGE_CONFERENCE_CONTEXT must not be empty")
	}
	if cfg.CaptureInterval <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_CAPTURE_INTERVAL must be > 0")
	}
	if cfg.AudioChunkSize <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_AUDIO_CHUNK_SIZE must be > 0")
	}
	if cfg.UploadWorkers <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_UPLOAD_WORKERS must be > 0")
	}
	if cfg.UploadMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_UPLOAD_MAX_ATTEMPTS must be > 0")
	}
	if cfg.UploadBackoff <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_UPLOAD_BACKOFF must be > 0")
	}
	if cfg.HubSubscriberQueue <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_HUB_SUBSCRIBER_QUEUE must be > 0")
	}
	if cfg.HubReplayChunks < 0 {
		return Config{}, fmt.Errorf("BRIDGE_HUB_REPLAY_CHUNKS must be >= 0")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("BRIDGE_DATABASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.StorageBucket) == "" {
		return Config{}, fmt.Errorf("BRIDGE_STORAGE_BUCKET must not be empty")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_READ_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
