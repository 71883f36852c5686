package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "RTMS_INGEST_LISTEN_ADDR"
	envVarPort            = "PORT"
	envVarMode            = "RTMS_INGEST_MODE"
	envVarLogFormat       = "RTMS_INGEST_LOG_FORMAT"
	envVarLogLevel        = "RTMS_INGEST_LOG_LEVEL"
	envVarShutdownTimeout = "RTMS_INGEST_SHUTDOWN_TIMEOUT"

	// Credentials issued to the marketplace app. The client secret keys the
	// handshake signature; the secret token keys webhook validation.
	envVarClientID     = "ZOOM_APP_CLIENT_ID"
	envVarClientSecret = "ZOOM_APP_CLIENT_SECRET"
	envVarSecretToken  = "ZOOM_SECRET_TOKEN"

	// Opt-in, since the display backend forwards lifecycle events unsigned.
	envVarVerifyWebhookSignature = "RTMS_VERIFY_WEBHOOK_SIGNATURE"

	// Status side channel.
	envVarBackendURL = "BACKEND_URL"
	envVarStatusRate = "RTMS_STATUS_RATE"

	// Persistence.
	envVarAudioDir      = "RTMS_AUDIO_DIR"
	envVarTranscriptDir = "RTMS_TRANSCRIPT_DIR"

	// Streaming session knobs.
	envVarHandshakeTimeout    = "RTMS_HANDSHAKE_TIMEOUT"
	envVarInactivityTimeout   = "RTMS_INACTIVITY_TIMEOUT"
	envVarProgressEvery       = "RTMS_PROGRESS_EVERY"
	envVarSubscribeEvents     = "RTMS_SUBSCRIBE_EVENTS"
	envVarMaxEngagements      = "RTMS_MAX_ENGAGEMENTS"
	envVarMaxMessageBytes     = "RTMS_MAX_MESSAGE_BYTES"
	envVarMaxWebhookBodyBytes = "RTMS_MAX_WEBHOOK_BODY_BYTES"

	DefaultListenAddr               = "0.0.0.0:8080"
	DefaultShutdown                 = 15 * time.Second
	DefaultMode                Mode = ModeDev
	DefaultAudioDir                 = "data/audio"
	DefaultTranscriptDir            = "data/transcripts"
	DefaultHandshakeTimeout         = 10 * time.Second
	DefaultInactivityTimeout        = 90 * time.Second
	DefaultProgressEvery            = 50
	DefaultMaxMessageBytes          = int64(1 << 20)
	DefaultMaxWebhookBodyBytes      = int64(1 << 20)
	DefaultStatusRatePerSecond      = 5.0

	// StatusPath is appended to BACKEND_URL to form the status sink endpoint.
	StatusPath = "/api/rtms/status"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	ClientID     string
	ClientSecret string
	// WebhookSecretToken keys endpoint URL validation and, when
	// VerifyWebhookSignature is set, request signature checks.
	WebhookSecretToken     string
	VerifyWebhookSignature bool

	BackendURL          string
	StatusRatePerSecond float64

	AudioDir string
	// TranscriptDir may be empty, which disables the transcript sink.
	TranscriptDir string

	HandshakeTimeout time.Duration
	// InactivityTimeout retires a session when neither channel has received any
	// message for this long. Zero disables the watchdog.
	InactivityTimeout time.Duration
	ProgressEvery     int
	// SubscribeEvents is the list of signaling event types requested once the
	// media handshake succeeds. Empty means no subscription is sent.
	SubscribeEvents []int

	// MaxEngagements caps concurrently tracked engagements (0 = unlimited).
	MaxEngagements      int
	MaxMessageBytes     int64
	MaxWebhookBodyBytes int64
}

// StatusURL returns the status sink endpoint, or "" when the side channel is
// not configured.
func (c Config) StatusURL() string {
	base := strings.TrimRight(strings.TrimSpace(c.BackendURL), "/")
	if base == "" {
		return ""
	}
	return base + StatusPath
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := DefaultListenAddr
	if port := strings.TrimSpace(envOrDefault(lookup, envVarPort, "")); port != "" {
		listenAddr = "0.0.0.0:" + port
	}
	listenAddr = envOrDefault(lookup, envVarListenAddr, listenAddr)

	clientID := envOrDefault(lookup, envVarClientID, "")
	clientSecret := envOrDefault(lookup, envVarClientSecret, "")
	secretToken := envOrDefault(lookup, envVarSecretToken, "")
	verifySignature, err := envBoolOrDefault(lookup, envVarVerifyWebhookSignature, false)
	if err != nil {
		return Config{}, err
	}
	backendURL := envOrDefault(lookup, envVarBackendURL, "")
	audioDir := envOrDefault(lookup, envVarAudioDir, DefaultAudioDir)
	transcriptDir := DefaultTranscriptDir
	if raw, ok := lookup(envVarTranscriptDir); ok {
		// An explicitly empty value disables transcripts.
		transcriptDir = strings.TrimSpace(raw)
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	handshakeTimeout, err := envDurationOrDefault(lookup, envVarHandshakeTimeout, DefaultHandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	inactivityTimeout, err := envDurationOrDefault(lookup, envVarInactivityTimeout, DefaultInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	progressEvery, err := envIntOrDefault(lookup, envVarProgressEvery, DefaultProgressEvery)
	if err != nil {
		return Config{}, err
	}
	maxEngagements, err := envIntOrDefault(lookup, envVarMaxEngagements, 0)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envInt64OrDefault(lookup, envVarMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxWebhookBodyBytes, err := envInt64OrDefault(lookup, envVarMaxWebhookBodyBytes, DefaultMaxWebhookBodyBytes)
	if err != nil {
		return Config{}, err
	}

	statusRate := DefaultStatusRatePerSecond
	if raw, ok := lookup(envVarStatusRate); ok && strings.TrimSpace(raw) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarStatusRate, raw, err)
		}
		statusRate = f
	}

	subscribeEventsStr := envOrDefault(lookup, envVarSubscribeEvents, "")

	fs := flag.NewFlagSet("rtms-ingest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port) (env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout, including retiring active engagements (e.g. 15s)")
	fs.BoolVar(&verifySignature, "verify-webhook-signature", verifySignature, "Drop webhooks whose x-zm-signature does not match "+envVarSecretToken+" (env "+envVarVerifyWebhookSignature+")")
	fs.StringVar(&backendURL, "backend-url", backendURL, "Base URL of the status display backend; empty disables status messages (env "+envVarBackendURL+")")
	fs.Float64Var(&statusRate, "status-rate", statusRate, "Max status messages per second (env "+envVarStatusRate+")")
	fs.StringVar(&audioDir, "audio-dir", audioDir, "Directory for per-engagement WAV files (env "+envVarAudioDir+")")
	fs.StringVar(&transcriptDir, "transcript-dir", transcriptDir, "Directory for per-engagement transcript logs; empty disables (env "+envVarTranscriptDir+")")
	fs.DurationVar(&handshakeTimeout, "handshake-timeout", handshakeTimeout, "Max time to dial and complete each RTMS handshake (env "+envVarHandshakeTimeout+")")
	fs.DurationVar(&inactivityTimeout, "inactivity-timeout", inactivityTimeout, "Retire an engagement after this long without any inbound message; 0 disables (env "+envVarInactivityTimeout+")")
	fs.IntVar(&progressEvery, "progress-every", progressEvery, "Log and report progress every N audio chunks (env "+envVarProgressEvery+")")
	fs.StringVar(&subscribeEventsStr, "subscribe-events", subscribeEventsStr, "Comma-separated signaling event types to subscribe to after media is ready (env "+envVarSubscribeEvents+")")
	fs.IntVar(&maxEngagements, "max-engagements", maxEngagements, "Maximum concurrent engagements (0 = unlimited) (env "+envVarMaxEngagements+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound RTMS websocket message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.Int64Var(&maxWebhookBodyBytes, "max-webhook-body-bytes", maxWebhookBodyBytes, "Max webhook request body size in bytes (env "+envVarMaxWebhookBodyBytes+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	// If the mode flag changes the default log format/level, apply it unless the
	// operator explicitly chose a value.
	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Config{}, fmt.Errorf("%s/--listen-addr must not be empty", envVarListenAddr)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if handshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--handshake-timeout must be > 0", envVarHandshakeTimeout)
	}
	if inactivityTimeout < 0 {
		return Config{}, fmt.Errorf("%s/--inactivity-timeout must be >= 0", envVarInactivityTimeout)
	}
	if progressEvery <= 0 {
		return Config{}, fmt.Errorf("%s/--progress-every must be > 0", envVarProgressEvery)
	}
	if maxEngagements < 0 {
		return Config{}, fmt.Errorf("%s/--max-engagements must be >= 0", envVarMaxEngagements)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if maxWebhookBodyBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-webhook-body-bytes must be > 0", envVarMaxWebhookBodyBytes)
	}
	if statusRate <= 0 {
		return Config{}, fmt.Errorf("%s/--status-rate must be > 0", envVarStatusRate)
	}
	if strings.TrimSpace(audioDir) == "" {
		return Config{}, fmt.Errorf("%s/--audio-dir must not be empty", envVarAudioDir)
	}

	if verifySignature && strings.TrimSpace(secretToken) == "" {
		return Config{}, fmt.Errorf("%s/--verify-webhook-signature requires %s", envVarVerifyWebhookSignature, envVarSecretToken)
	}

	backendURL = strings.TrimSpace(backendURL)
	if backendURL != "" {
		u, err := url.Parse(backendURL)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--backend-url %q: %w", envVarBackendURL, backendURL, err)
		}
		scheme := strings.ToLower(u.Scheme)
		if (scheme != "http" && scheme != "https") || u.Host == "" {
			return Config{}, fmt.Errorf("invalid %s/--backend-url %q (expected http:// or https:// with a host)", envVarBackendURL, backendURL)
		}
	}

	subscribeEvents, err := parseEventList(subscribeEventsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--subscribe-events %q: %w", envVarSubscribeEvents, subscribeEventsStr, err)
	}

	if mode == ModeProd {
		if strings.TrimSpace(clientID) == "" || strings.TrimSpace(clientSecret) == "" {
			return Config{}, fmt.Errorf("%s and %s are required in prod mode", envVarClientID, envVarClientSecret)
		}
	}

	return Config{
		ListenAddr:      listenAddr,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		ClientID:               clientID,
		ClientSecret:           clientSecret,
		WebhookSecretToken:     secretToken,
		VerifyWebhookSignature: verifySignature,

		BackendURL:          backendURL,
		StatusRatePerSecond: statusRate,

		AudioDir:      strings.TrimSpace(audioDir),
		TranscriptDir: strings.TrimSpace(transcriptDir),

		HandshakeTimeout:    handshakeTimeout,
		InactivityTimeout:   inactivityTimeout,
		ProgressEvery:       progressEvery,
		SubscribeEvents:     subscribeEvents,
		MaxEngagements:      maxEngagements,
		MaxMessageBytes:     maxMessageBytes,
		MaxWebhookBodyBytes: maxWebhookBodyBytes,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseEventList(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, fmt.Errorf("event type %d must be > 0", n)
		}
		out = append(out, n)
	}
	return out, nil
}
