package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "CHAT_APP_LISTEN_ADDR"
	envVarServerURL       = "CHAT_APP_SERVER_URL"
	envVarLogFormat       = "CHAT_APP_LOG_FORMAT"
	envVarLogLevel        = "CHAT_APP_LOG_LEVEL"
	envVarShutdownTimeout = "CHAT_APP_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	envVarAuthMode     = "AUTH_MODE"
	envVarJWTSecret    = "JWT_SECRET"
	envVarStaticTokens = "CHAT_APP_STATIC_TOKENS"

	// WebSocket inbound signaling hardening.
	envVarMaxSignalingMessageBytes      = "CHAT_APP_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "CHAT_APP_MAX_SIGNALING_MESSAGES_PER_SECOND"

	// TURN REST credential minting for /webrtc/ice.
	envVarTURNRESTSecret         = "CHAT_APP_TURN_REST_SECRET"
	envVarTURNRESTTTL            = "CHAT_APP_TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "CHAT_APP_TURN_REST_USERNAME_PREFIX"

	// Client-side call policy.
	envVarRingTimeout = "CHAT_APP_RING_TIMEOUT"
)

const (
	DefaultListenAddr      = ":8080"
	DefaultServerURL       = "ws://localhost:8080/ws"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRingTimeout     = 45 * time.Second

	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultTURNRESTTTL            = time.Hour
	DefaultTURNRESTUsernamePrefix = "chat"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	// AuthModeJWT verifies HS256 bearer tokens issued by the external auth
	// service and extracts the user identity from the `sub` claim.
	AuthModeJWT AuthMode = "jwt"
	// AuthModeStatic maps opaque tokens to user IDs from configuration. Meant
	// for development and tests, not production.
	AuthModeStatic AuthMode = "static"
)

type Config struct {
	ListenAddr string
	// ServerURL is the signaling endpoint used by the client binary.
	ServerURL string

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	AuthMode  AuthMode
	JWTSecret string
	// StaticTokens maps bearer token -> user ID for AUTH_MODE=static.
	StaticTokens map[string]string

	AllowedOrigins []string

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	ICEServers []webrtc.ICEServer

	TURNRESTSecret         string
	TURNRESTTTL            time.Duration
	TURNRESTUsernamePrefix string

	RingTimeout time.Duration
}

// fileConfig is the YAML shape accepted via -config. Values act as defaults
// and are overridden by environment variables and flags, in that order.
type fileConfig struct {
	ListenAddr      string            `yaml:"listenAddr"`
	ServerURL       string            `yaml:"serverUrl"`
	LogFormat       string            `yaml:"logFormat"`
	LogLevel        string            `yaml:"logLevel"`
	ShutdownTimeout string            `yaml:"shutdownTimeout"`
	AuthMode        string            `yaml:"authMode"`
	JWTSecret       string            `yaml:"jwtSecret"`
	StaticTokens    map[string]string `yaml:"staticTokens"`
	AllowedOrigins  []string          `yaml:"allowedOrigins"`

	MaxSignalingMessageBytes      int64 `yaml:"maxSignalingMessageBytes"`
	MaxSignalingMessagesPerSecond int   `yaml:"maxSignalingMessagesPerSecond"`

	ICEServersJSON string `yaml:"iceServersJson"`
	StunURLs       string `yaml:"stunUrls"`
	TurnURLs       string `yaml:"turnUrls"`
	TurnUsername   string `yaml:"turnUsername"`
	TurnCredential string `yaml:"turnCredential"`

	TURNRESTSecret         string `yaml:"turnRestSecret"`
	TURNRESTTTL            string `yaml:"turnRestTtl"`
	TURNRESTUsernamePrefix string `yaml:"turnRestUsernamePrefix"`

	RingTimeout string `yaml:"ringTimeout"`
}

func Load(args []string) (Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (Config, error) {
	fs := flag.NewFlagSet("chat-app", flag.ContinueOnError)

	configPath := fs.String("config", "", "Optional YAML config file; env vars and flags override its values")

	// Resolve the config file first so its values become flag defaults.
	var fc fileConfig
	if path := peekConfigPath(args); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	stringDefault := func(env, fromFile, fallback string) string {
		if raw, ok := lookup(env); ok && strings.TrimSpace(raw) != "" {
			return strings.TrimSpace(raw)
		}
		if fromFile != "" {
			return fromFile
		}
		return fallback
	}
	durationDefault := func(env, fromFile string, fallback time.Duration) (time.Duration, error) {
		raw := stringDefault(env, fromFile, "")
		if raw == "" {
			return fallback, nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", env, err)
		}
		return d, nil
	}

	shutdownTimeout, err := durationDefault(envVarShutdownTimeout, fc.ShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	ringTimeout, err := durationDefault(envVarRingTimeout, fc.RingTimeout, DefaultRingTimeout)
	if err != nil {
		return Config{}, err
	}
	turnRestTTL, err := durationDefault(envVarTURNRESTTTL, fc.TURNRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}

	maxMsgBytes := int64(DefaultMaxSignalingMessageBytes)
	if fc.MaxSignalingMessageBytes > 0 {
		maxMsgBytes = fc.MaxSignalingMessageBytes
	}
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%s: must be a positive integer", envVarMaxSignalingMessageBytes)
		}
		maxMsgBytes = n
	}

	maxMsgRate := DefaultMaxSignalingMessagesPerSecond
	if fc.MaxSignalingMessagesPerSecond > 0 {
		maxMsgRate = fc.MaxSignalingMessagesPerSecond
	}
	if raw, ok := lookup(envVarMaxSignalingMessagesPerSecond); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%s: must be a positive integer", envVarMaxSignalingMessagesPerSecond)
		}
		maxMsgRate = n
	}

	var (
		listenAddr = fs.String("listen-addr", stringDefault(envVarListenAddr, fc.ListenAddr, DefaultListenAddr), "HTTP listen address (env "+envVarListenAddr+")")
		serverURL  = fs.String("server-url", stringDefault(envVarServerURL, fc.ServerURL, DefaultServerURL), "Signaling server websocket URL for the client (env "+envVarServerURL+")")
		logFormat  = fs.String("log-format", stringDefault(envVarLogFormat, fc.LogFormat, string(LogFormatText)), "Log format: text or json (env "+envVarLogFormat+")")
		logLevel   = fs.String("log-level", stringDefault(envVarLogLevel, fc.LogLevel, "info"), "Log level: debug, info, warn, or error (env "+envVarLogLevel+")")

		authMode     = fs.String("auth-mode", stringDefault(envVarAuthMode, fc.AuthMode, string(AuthModeJWT)), "Auth mode: jwt or static (env "+envVarAuthMode+")")
		jwtSecret    = fs.String("jwt-secret", stringDefault(envVarJWTSecret, fc.JWTSecret, ""), "HS256 secret shared with the auth service (env "+envVarJWTSecret+")")
		staticTokens = fs.String("static-tokens", stringDefault(envVarStaticTokens, encodeStaticTokens(fc.StaticTokens), ""), "Comma-separated token=userId pairs for auth-mode=static (env "+envVarStaticTokens+")")

		allowedOrigins = fs.String("allowed-origins", stringDefault(envVarAllowedOrigins, strings.Join(fc.AllowedOrigins, ","), ""), "Comma-separated browser origins allowed on /ws; empty means same-host, * allows all (env "+envVarAllowedOrigins+")")

		iceServersJSON = fs.String("ice-servers-json", stringDefault(envICEServersJSON, fc.ICEServersJSON, ""), "ICE servers as a JSON array (env "+envICEServersJSON+")")
		stunURLs       = fs.String("stun-urls", stringDefault(envStunURLs, fc.StunURLs, ""), "Comma-separated STUN URLs (env "+envStunURLs+")")
		turnURLs       = fs.String("turn-urls", stringDefault(envTurnURLs, fc.TurnURLs, ""), "Comma-separated TURN URLs (env "+envTurnURLs+")")
		turnUsername   = fs.String("turn-username", stringDefault(envTurnUsername, fc.TurnUsername, ""), "Static TURN username (env "+envTurnUsername+")")
		turnCredential = fs.String("turn-credential", stringDefault(envTurnCredential, fc.TurnCredential, ""), "Static TURN credential (env "+envTurnCredential+")")

		turnRESTSecret = fs.String("turn-rest-secret", stringDefault(envVarTURNRESTSecret, fc.TURNRESTSecret, ""), "coturn shared secret; when set, /webrtc/ice mints TURN REST credentials (env "+envVarTURNRESTSecret+")")
		turnRESTPrefix = fs.String("turn-rest-username-prefix", stringDefault(envVarTURNRESTUsernamePrefix, fc.TURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix), "TURN REST username prefix (env "+envVarTURNRESTUsernamePrefix+")")
	)
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.DurationVar(&ringTimeout, "ring-timeout", ringTimeout, "How long an unanswered call rings before it is torn down (env "+envVarRingTimeout+")")
	fs.DurationVar(&turnRestTTL, "turn-rest-ttl", turnRestTTL, "Lifetime of minted TURN REST credentials (env "+envVarTURNRESTTTL+")")
	fs.Int64Var(&maxMsgBytes, "max-signaling-message-bytes", maxMsgBytes, "Maximum inbound signaling message size (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxMsgRate, "max-signaling-messages-per-second", maxMsgRate, "Per-connection inbound signaling message rate (env "+envVarMaxSignalingMessagesPerSecond+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	_ = configPath

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return Config{}, err
	}

	format := LogFormat(strings.ToLower(strings.TrimSpace(*logFormat)))
	switch format {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("unsupported log format %q", *logFormat)
	}

	mode := AuthMode(strings.ToLower(strings.TrimSpace(*authMode)))
	tokens, err := parseStaticTokens(*staticTokens)
	if err != nil {
		return Config{}, err
	}

	iceServers, err := parseICEServersFromValues(*iceServersJSON, *stunURLs, *turnURLs, *turnUsername, *turnCredential, *turnRESTSecret != "")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      *listenAddr,
		ServerURL:       *serverURL,
		LogFormat:       format,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,

		AuthMode:     mode,
		JWTSecret:    *jwtSecret,
		StaticTokens: tokens,

		AllowedOrigins: splitCommaSeparated(*allowedOrigins),

		MaxSignalingMessageBytes:      maxMsgBytes,
		MaxSignalingMessagesPerSecond: maxMsgRate,

		ICEServers: iceServers,

		TURNRESTSecret:         *turnRESTSecret,
		TURNRESTTTL:            turnRestTTL,
		TURNRESTUsernamePrefix: *turnRESTPrefix,

		RingTimeout: ringTimeout,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.AuthMode {
	case AuthModeJWT:
		if strings.TrimSpace(c.JWTSecret) == "" {
			return fmt.Errorf("%s is required when %s=jwt", envVarJWTSecret, envVarAuthMode)
		}
	case AuthModeStatic:
		if len(c.StaticTokens) == 0 {
			return fmt.Errorf("%s is required when %s=static", envVarStaticTokens, envVarAuthMode)
		}
	default:
		return fmt.Errorf("unsupported auth mode %q", c.AuthMode)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%s must be positive", envVarShutdownTimeout)
	}
	if c.RingTimeout <= 0 {
		return fmt.Errorf("%s must be positive", envVarRingTimeout)
	}
	if c.TURNRESTSecret != "" && c.TURNRESTTTL <= 0 {
		return fmt.Errorf("%s must be positive", envVarTURNRESTTTL)
	}
	return nil
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

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

// parseStaticTokens parses "token=userId,token2=userId2".
func parseStaticTokens(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, userID, found := strings.Cut(pair, "=")
		token = strings.TrimSpace(token)
		userID = strings.TrimSpace(userID)
		if !found || token == "" || userID == "" {
			return nil, fmt.Errorf("%s: invalid entry %q (want token=userId)", envVarStaticTokens, pair)
		}
		if _, dup := out[token]; dup {
			return nil, fmt.Errorf("%s: duplicate token", envVarStaticTokens)
		}
		out[token] = userID
	}
	return out, nil
}

func encodeStaticTokens(tokens map[string]string) string {
	if len(tokens) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(tokens))
	for token, userID := range tokens {
		pairs = append(pairs, token+"="+userID)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// peekConfigPath extracts -config before the full flag set is parsed so file
// values can seed flag defaults.
func peekConfigPath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-config" || arg == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(arg, "-config="):
			return strings.TrimPrefix(arg, "-config=")
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return ""
}
