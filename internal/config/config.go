package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarAdminListenAddr = "LINK_RELAY_ADMIN_LISTEN_ADDR"
	envVarWSListenAddr    = "LINK_RELAY_WS_LISTEN_ADDR"
	envVarLogFormat       = "LINK_RELAY_LOG_FORMAT"
	envVarLogLevel        = "LINK_RELAY_LOG_LEVEL"
	envVarMode            = "LINK_RELAY_MODE"
	envVarShutdownTimeout = "LINK_RELAY_SHUTDOWN_TIMEOUT"
	envVarGlobalPassword  = "LINK_RELAY_GLOBAL_PASSWORD"

	// Covert TURN ingress.
	envVarTURNListenAddr = "TURN_LISTEN_ADDR"
	envVarTURNRealm      = "TURN_REALM"
	envVarTURNPublicIP   = "TURN_PUBLIC_IP"

	// WebRTC negotiation.
	envVarSTUNURLs         = "STUN_URLS"
	envVarICEGatherTimeout = "ICE_GATHERING_TIMEOUT"

	// Fragment reassembly.
	envVarFragmentIdleTimeout = "FRAGMENT_IDLE_TIMEOUT"

	// Rendezvous mailbox publishing.
	envVarMailboxBaseURL        = "MAILBOX_BASE_URL"
	envVarMailboxAuthCookie     = "MAILBOX_AUTH_COOKIE"
	envVarMailboxIDFile         = "MAILBOX_ID_FILE"
	envVarPublishMinInterval    = "PUBLISH_MIN_INTERVAL"
	envVarMailboxUpdateTimeout  = "MAILBOX_UPDATE_TIMEOUT"
	envVarMailboxDocumentTitle  = "MAILBOX_DOCUMENT_TITLE"
	envVarEnrichmentLookupURL   = "ENRICHMENT_LOOKUP_URL"
	envVarEnrichmentLookupToken = "ENRICHMENT_LOOKUP_TOKEN"

	// Session frame handling.
	envVarMaxFramesPerSecond = "MAX_FRAMES_PER_SECOND"

	// Rooms and sandboxed subprocesses.
	envVarStorageRoot          = "STORAGE_ROOT"
	envVarSandboxCommand       = "SANDBOX_COMMAND"
	envVarDefaultMaxPlayers    = "DEFAULT_MAX_PLAYERS"
	envVarRoomOutputCeiling    = "ROOM_OUTPUT_CEILING_BYTES"
	envVarRoomOutputQuietReset = "ROOM_OUTPUT_QUIET_RESET"
	envVarRoomKVMaxValueBytes  = "ROOM_KV_MAX_VALUE_BYTES"

	DefaultAdminListenAddr = "127.0.0.1:8080"
	DefaultWSListenAddr    = ""
	DefaultTURNListenAddr  = "0.0.0.0:3478"
	DefaultTURNRealm       = "link-relay"

	DefaultShutdownTimeout     = 15 * time.Second
	DefaultICEGatherTimeout    = 2 * time.Second
	DefaultFragmentIdleTimeout = 30 * time.Second
	DefaultPublishMinInterval  = 5 * time.Second
	DefaultMailboxIDFile       = "mailbox-id"
	DefaultMailboxTitle        = "Link4"
	DefaultMailboxTimeout      = 10 * time.Second

	DefaultMaxFramesPerSecond = 50

	DefaultStorageRoot          = "./storage"
	DefaultSandboxCommand       = "deno run --v8-flags=--max-old-space-size=256"
	DefaultMaxPlayers           = 0 // unlimited
	DefaultRoomOutputCeiling    = 50000
	DefaultRoomOutputQuietReset = 6 * time.Second
	DefaultRoomKVMaxValueBytes  = 4096

	DefaultMode Mode = ModeDev
)

// DefaultSTUNURLs provides two independent resolvers for NAT traversal
// redundancy when STUN_URLS is unset.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:global.stun.twilio.com:3478?transport=udp",
}

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
	AdminListenAddr string
	// WSListenAddr enables the WebSocket fragment ingress when non-empty.
	// It is a dev/test transport; production traffic arrives via TURN.
	WSListenAddr string

	LogFormat LogFormat
	LogLevel  slog.Level
	Mode      Mode

	ShutdownTimeout time.Duration

	// GlobalPassword authenticates the remote shutdown command. Empty
	// disables remote shutdown entirely.
	GlobalPassword string

	TURNListenAddr string
	TURNRealm      string
	// TURNPublicIP is the relay address advertised to TURN clients. The
	// allocations are throwaway (the username field is the real payload), but
	// pion still requires a routable relay address.
	TURNPublicIP string

	STUNURLs         []string
	ICEGatherTimeout time.Duration

	FragmentIdleTimeout time.Duration

	MailboxBaseURL       string
	MailboxAuthCookie    string
	MailboxIDFile        string
	MailboxDocumentTitle string
	MailboxUpdateTimeout time.Duration
	PublishMinInterval   time.Duration

	EnrichmentLookupURL   string
	EnrichmentLookupToken string

	MaxFramesPerSecond int

	StorageRoot          string
	SandboxCommand       string
	DefaultMaxPlayers    int
	RoomOutputCeiling    int
	RoomOutputQuietReset time.Duration
	RoomKVMaxValueBytes  int
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

	adminListenAddr := envOrDefault(lookup, envVarAdminListenAddr, DefaultAdminListenAddr)
	wsListenAddr := envOrDefault(lookup, envVarWSListenAddr, DefaultWSListenAddr)
	turnListenAddr := envOrDefault(lookup, envVarTURNListenAddr, DefaultTURNListenAddr)
	turnRealm := envOrDefault(lookup, envVarTURNRealm, DefaultTURNRealm)
	turnPublicIP := envOrDefault(lookup, envVarTURNPublicIP, "")
	globalPassword := envOrDefault(lookup, envVarGlobalPassword, "")
	stunURLsStr := envOrDefault(lookup, envVarSTUNURLs, "")

	mailboxBaseURL := envOrDefault(lookup, envVarMailboxBaseURL, "")
	mailboxAuthCookie := envOrDefault(lookup, envVarMailboxAuthCookie, "")
	mailboxIDFile := envOrDefault(lookup, envVarMailboxIDFile, DefaultMailboxIDFile)
	mailboxTitle := envOrDefault(lookup, envVarMailboxDocumentTitle, DefaultMailboxTitle)
	enrichmentURL := envOrDefault(lookup, envVarEnrichmentLookupURL, "")
	enrichmentToken := envOrDefault(lookup, envVarEnrichmentLookupToken, "")
	storageRoot := envOrDefault(lookup, envVarStorageRoot, DefaultStorageRoot)
	sandboxCommand := envOrDefault(lookup, envVarSandboxCommand, DefaultSandboxCommand)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	iceGatherTimeout, err := envDurationOrDefault(lookup, envVarICEGatherTimeout, DefaultICEGatherTimeout)
	if err != nil {
		return Config{}, err
	}
	fragmentIdleTimeout, err := envDurationOrDefault(lookup, envVarFragmentIdleTimeout, DefaultFragmentIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	publishMinInterval, err := envDurationOrDefault(lookup, envVarPublishMinInterval, DefaultPublishMinInterval)
	if err != nil {
		return Config{}, err
	}
	mailboxUpdateTimeout, err := envDurationOrDefault(lookup, envVarMailboxUpdateTimeout, DefaultMailboxTimeout)
	if err != nil {
		return Config{}, err
	}
	roomOutputQuietReset, err := envDurationOrDefault(lookup, envVarRoomOutputQuietReset, DefaultRoomOutputQuietReset)
	if err != nil {
		return Config{}, err
	}

	maxFramesPerSecond, err := envIntOrDefault(lookup, envVarMaxFramesPerSecond, DefaultMaxFramesPerSecond)
	if err != nil {
		return Config{}, err
	}
	defaultMaxPlayers, err := envIntOrDefault(lookup, envVarDefaultMaxPlayers, DefaultMaxPlayers)
	if err != nil {
		return Config{}, err
	}
	roomOutputCeiling, err := envIntOrDefault(lookup, envVarRoomOutputCeiling, DefaultRoomOutputCeiling)
	if err != nil {
		return Config{}, err
	}
	roomKVMaxValueBytes, err := envIntOrDefault(lookup, envVarRoomKVMaxValueBytes, DefaultRoomKVMaxValueBytes)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("link-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&adminListenAddr, "admin-listen-addr", adminListenAddr, "Admin HTTP listen address (healthz, metrics, rooms; env "+envVarAdminListenAddr+")")
	fs.StringVar(&wsListenAddr, "ws-listen-addr", wsListenAddr, "WebSocket fragment ingress listen address (empty = disabled; env "+envVarWSListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&turnListenAddr, "turn-listen-addr", turnListenAddr, "UDP listen address for the covert TURN ingress (env "+envVarTURNListenAddr+")")
	fs.StringVar(&turnRealm, "turn-realm", turnRealm, "TURN realm (env "+envVarTURNRealm+")")
	fs.StringVar(&turnPublicIP, "turn-public-ip", turnPublicIP, "Relay IP advertised to TURN clients (env "+envVarTURNPublicIP+")")
	fs.StringVar(&stunURLsStr, "stun-urls", stunURLsStr, "Comma-separated STUN URLs for answer-side ICE (env "+envVarSTUNURLs+")")
	fs.DurationVar(&iceGatherTimeout, "ice-gather-timeout", iceGatherTimeout, "Max time to wait for ICE gathering before using the partial answer (env "+envVarICEGatherTimeout+")")
	fs.DurationVar(&fragmentIdleTimeout, "fragment-idle-timeout", fragmentIdleTimeout, "Discard incomplete fragment buffers after this idle period (env "+envVarFragmentIdleTimeout+")")
	fs.StringVar(&mailboxBaseURL, "mailbox-base-url", mailboxBaseURL, "Base URL of the rendezvous document API (env "+envVarMailboxBaseURL+")")
	fs.StringVar(&mailboxIDFile, "mailbox-id-file", mailboxIDFile, "File (under the storage root) persisting the rendezvous document id (env "+envVarMailboxIDFile+")")
	fs.DurationVar(&publishMinInterval, "publish-min-interval", publishMinInterval, "Minimum interval between rendezvous document writes (env "+envVarPublishMinInterval+")")
	fs.DurationVar(&mailboxUpdateTimeout, "mailbox-update-timeout", mailboxUpdateTimeout, "Per-request timeout for rendezvous document writes (env "+envVarMailboxUpdateTimeout+")")
	fs.IntVar(&maxFramesPerSecond, "max-frames-per-second", maxFramesPerSecond, "Max inbound data-channel frames per second per session (0 = unlimited; env "+envVarMaxFramesPerSecond+")")
	fs.StringVar(&storageRoot, "storage-root", storageRoot, "Root directory for projects, logs and the key-value store (env "+envVarStorageRoot+")")
	fs.StringVar(&sandboxCommand, "sandbox-command", sandboxCommand, "Command prefix used to run a project's server script (env "+envVarSandboxCommand+")")
	fs.IntVar(&defaultMaxPlayers, "default-max-players", defaultMaxPlayers, "Default room capacity when project info omits maxPlayers (0 = unlimited; env "+envVarDefaultMaxPlayers+")")
	fs.IntVar(&roomOutputCeiling, "room-output-ceiling-bytes", roomOutputCeiling, "Cumulative subprocess output bytes per active window before the room is torn down (env "+envVarRoomOutputCeiling+")")
	fs.DurationVar(&roomOutputQuietReset, "room-output-quiet-reset", roomOutputQuietReset, "Quiet period after which the output window resets (env "+envVarRoomOutputQuietReset+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

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

	stunURLs := DefaultSTUNURLs
	if strings.TrimSpace(stunURLsStr) != "" {
		stunURLs = splitCommaList(stunURLsStr)
	}

	if adminListenAddr == "" {
		return Config{}, fmt.Errorf("admin listen address must not be empty")
	}
	if turnListenAddr == "" {
		return Config{}, fmt.Errorf("%s/--turn-listen-addr must not be empty", envVarTURNListenAddr)
	}
	if turnRealm == "" {
		return Config{}, fmt.Errorf("%s/--turn-realm must not be empty", envVarTURNRealm)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if iceGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-gather-timeout must be > 0", envVarICEGatherTimeout)
	}
	if fragmentIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--fragment-idle-timeout must be > 0", envVarFragmentIdleTimeout)
	}
	if publishMinInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--publish-min-interval must be > 0", envVarPublishMinInterval)
	}
	if mailboxUpdateTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--mailbox-update-timeout must be > 0", envVarMailboxUpdateTimeout)
	}
	if len(stunURLs) < 2 {
		return Config{}, fmt.Errorf("%s/--stun-urls must list at least two STUN resolvers", envVarSTUNURLs)
	}
	if maxFramesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--max-frames-per-second must be >= 0", envVarMaxFramesPerSecond)
	}
	if defaultMaxPlayers < 0 {
		return Config{}, fmt.Errorf("%s/--default-max-players must be >= 0", envVarDefaultMaxPlayers)
	}
	if roomOutputCeiling <= 0 {
		return Config{}, fmt.Errorf("%s/--room-output-ceiling-bytes must be > 0", envVarRoomOutputCeiling)
	}
	if roomOutputQuietReset <= 0 {
		return Config{}, fmt.Errorf("%s/--room-output-quiet-reset must be > 0", envVarRoomOutputQuietReset)
	}
	if roomKVMaxValueBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarRoomKVMaxValueBytes)
	}
	if storageRoot == "" {
		return Config{}, fmt.Errorf("%s/--storage-root must not be empty", envVarStorageRoot)
	}
	if strings.TrimSpace(sandboxCommand) == "" {
		return Config{}, fmt.Errorf("%s/--sandbox-command must not be empty", envVarSandboxCommand)
	}

	return Config{
		AdminListenAddr:       adminListenAddr,
		WSListenAddr:          wsListenAddr,
		LogFormat:             logFormat,
		LogLevel:              level,
		Mode:                  mode,
		ShutdownTimeout:       shutdownTimeout,
		GlobalPassword:        globalPassword,
		TURNListenAddr:        turnListenAddr,
		TURNRealm:             turnRealm,
		TURNPublicIP:          turnPublicIP,
		STUNURLs:              stunURLs,
		ICEGatherTimeout:      iceGatherTimeout,
		FragmentIdleTimeout:   fragmentIdleTimeout,
		MailboxBaseURL:        mailboxBaseURL,
		MailboxAuthCookie:     mailboxAuthCookie,
		MailboxIDFile:         mailboxIDFile,
		MailboxDocumentTitle:  mailboxTitle,
		MailboxUpdateTimeout:  mailboxUpdateTimeout,
		PublishMinInterval:    publishMinInterval,
		EnrichmentLookupURL:   enrichmentURL,
		EnrichmentLookupToken: enrichmentToken,
		MaxFramesPerSecond:    maxFramesPerSecond,
		StorageRoot:           storageRoot,
		SandboxCommand:        sandboxCommand,
		DefaultMaxPlayers:     defaultMaxPlayers,
		RoomOutputCeiling:     roomOutputCeiling,
		RoomOutputQuietReset:  roomOutputQuietReset,
		RoomKVMaxValueBytes:   roomKVMaxValueBytes,
	}, nil
}

func parseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want dev or prod)", s)
	}
}

func parseLogFormat(s string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(s))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (want text or json)", s)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", s)
	}
}

func defaultLogFormatForMode(mode string) string {
	if Mode(mode) == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if Mode(mode) == ModeProd {
		return "info"
	}
	return "debug"
}

func splitCommaList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
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
