package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/origin"
)

const (
	EnvListenAddr          = "INTERCOM_RELAY_LISTEN_ADDR"
	EnvAddrQueryListenAddr = "INTERCOM_RELAY_ADDR_QUERY_LISTEN_ADDR"
	EnvAllowedOrigins      = "ALLOWED_ORIGINS"
	EnvLogFormat           = "INTERCOM_RELAY_LOG_FORMAT"
	EnvLogLevel            = "INTERCOM_RELAY_LOG_LEVEL"
	EnvShutdownTimeout     = "INTERCOM_RELAY_SHUTDOWN_TIMEOUT"
	EnvMode                = "INTERCOM_RELAY_MODE"

	// Relay channel hardening.
	EnvSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	EnvSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	EnvSignalingWSWriteTimeout       = "SIGNALING_WS_WRITE_TIMEOUT"
	EnvMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	EnvMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	EnvPeerSendQueueBytes            = "PEER_SEND_QUEUE_BYTES"

	DefaultListenAddr          = "0.0.0.0:3000"
	DefaultAddrQueryListenAddr = "127.0.0.1:3001"
	DefaultShutdown            = 15 * time.Second
	DefaultMode                = ModeDev

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultSignalingWSWriteTimeout       = 5 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	// DefaultPeerSendQueueBytes bounds the frames buffered for one slow
	// participant before sends to it start being dropped.
	DefaultPeerSendQueueBytes = 1 << 20 // 1MiB
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
	ListenAddr string
	// AddrQueryListenAddr is where the address query endpoint listens. Empty
	// disables it.
	AddrQueryListenAddr string
	// AllowedOrigins restricts WebSocket upgrades and /webrtc/ice by browser
	// Origin. Empty admits every origin.
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration
	SignalingWSWriteTimeout time.Duration

	MaxSignalingMessageBytes int64
	// MaxSignalingMessagesPerSecond caps inbound messages per participant;
	// excess messages are dropped. 0 disables the limit.
	MaxSignalingMessagesPerSecond int
	PeerSendQueueBytes            int

	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. It is kept off
// the Load error path so the relay itself still starts; /readyz and
// /webrtc/ice surface it instead.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, EnvMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, EnvLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, EnvLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, EnvListenAddr, DefaultListenAddr)
	addrQueryListenAddr := DefaultAddrQueryListenAddr
	if raw, ok := lookup(EnvAddrQueryListenAddr); ok {
		// Present-but-empty is meaningful here: it disables the endpoint.
		addrQueryListenAddr = strings.TrimSpace(raw)
	}
	allowedOriginsStr := envOrDefault(lookup, EnvAllowedOrigins, "")

	ice := ICESource{
		JSON:           envOrDefault(lookup, EnvICEServersJSON, ""),
		STUNURLs:       envOrDefault(lookup, EnvSTUNURLs, ""),
		TURNURLs:       envOrDefault(lookup, EnvTURNURLs, ""),
		TURNUsername:   envOrDefault(lookup, EnvTURNUsername, ""),
		TURNCredential: envOrDefault(lookup, EnvTURNCredential, ""),
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, EnvSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, EnvSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	writeTimeout, err := envDurationOrDefault(lookup, EnvSignalingWSWriteTimeout, DefaultSignalingWSWriteTimeout)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(EnvMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvMaxSignalingMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, EnvMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	peerSendQueueBytes, err := envIntOrDefault(lookup, EnvPeerSendQueueBytes, DefaultPeerSendQueueBytes)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("intercom-signal-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Relay HTTP/WebSocket listen address (host:port) (env "+EnvListenAddr+")")
	fs.StringVar(&addrQueryListenAddr, "addr-query-listen-addr", addrQueryListenAddr, "Address query listen address; empty disables it (env "+EnvAddrQueryListenAddr+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins; empty allows any (env "+EnvAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&idleTimeout, "signaling-ws-idle-timeout", idleTimeout, "Close relay channels with no inbound traffic or pong for this long (env "+EnvSignalingWSIdleTimeout+")")
	fs.DurationVar(&pingInterval, "signaling-ws-ping-interval", pingInterval, "Interval between keepalive pings on relay channels (env "+EnvSignalingWSPingInterval+")")
	fs.DurationVar(&writeTimeout, "signaling-ws-write-timeout", writeTimeout, "Deadline for a single write to a relay channel (env "+EnvSignalingWSWriteTimeout+")")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound relay message size in bytes (env "+EnvMaxSignalingMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Max inbound messages/sec per participant, excess dropped (0 = unlimited; env "+EnvMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&peerSendQueueBytes, "peer-send-queue-bytes", peerSendQueueBytes, "Max queued outbound bytes per participant before dropping (env "+EnvPeerSendQueueBytes+")")
	fs.StringVar(&ice.JSON, "ice-servers-json", ice.JSON, "ICE server JSON config handed to browsers (env "+EnvICEServersJSON+")")
	fs.StringVar(&ice.STUNURLs, "stun-urls", ice.STUNURLs, "Comma-separated STUN URLs (env "+EnvSTUNURLs+")")
	fs.StringVar(&ice.TURNURLs, "turn-urls", ice.TURNURLs, "Comma-separated TURN URLs (env "+EnvTURNURLs+")")
	fs.StringVar(&ice.TURNUsername, "turn-username", ice.TURNUsername, "TURN username (env "+EnvTURNUsername+")")
	fs.StringVar(&ice.TURNCredential, "turn-credential", ice.TURNCredential, "TURN credential (env "+EnvTURNCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, bad, ok := origin.ParseList(allowedOriginsStr)
	if !ok {
		return Config{}, fmt.Errorf("invalid %s entry %q (expected full origin like http://192.168.1.20:8080, null, or *)", EnvAllowedOrigins, bad)
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if idleTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid %s %s: must be > 0", EnvSignalingWSIdleTimeout, idleTimeout)
	}
	if pingInterval <= 0 || pingInterval >= idleTimeout {
		return Config{}, fmt.Errorf("invalid %s %s: must be > 0 and below %s (%s)", EnvSignalingWSPingInterval, pingInterval, EnvSignalingWSIdleTimeout, idleTimeout)
	}
	if writeTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid %s %s: must be > 0", EnvSignalingWSWriteTimeout, writeTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d: must be > 0", EnvMaxSignalingMessageBytes, maxMessageBytes)
	}
	if maxMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("invalid %s %d: must be >= 0", EnvMaxSignalingMessagesPerSecond, maxMessagesPerSecond)
	}
	if peerSendQueueBytes <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d: must be > 0", EnvPeerSendQueueBytes, peerSendQueueBytes)
	}
	if int64(peerSendQueueBytes) < maxMessageBytes {
		// A relayed message is forwarded verbatim, so a queue smaller than the
		// largest accepted message would drop it for every recipient.
		return Config{}, fmt.Errorf("invalid %s %d: must be >= %s (%d)", EnvPeerSendQueueBytes, peerSendQueueBytes, EnvMaxSignalingMessageBytes, maxMessageBytes)
	}

	cfg := Config{
		ListenAddr:                    listenAddr,
		AddrQueryListenAddr:           strings.TrimSpace(addrQueryListenAddr),
		AllowedOrigins:                allowedOrigins,
		LogFormat:                     logFormat,
		LogLevel:                      logLevel,
		ShutdownTimeout:               shutdownTimeout,
		Mode:                          mode,
		SignalingWSIdleTimeout:        idleTimeout,
		SignalingWSPingInterval:       pingInterval,
		SignalingWSWriteTimeout:       writeTimeout,
		MaxSignalingMessageBytes:      maxMessageBytes,
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
		PeerSendQueueBytes:            peerSendQueueBytes,
	}

	iceServers, err := ice.Servers()
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
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
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
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
