package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"alertdelivery/internal/policy"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultHTTPListen     = ":8080"
	defaultHealthPath     = "/healthz"
	defaultReadyPath      = "/readyz"
	defaultMetricsPath    = "/metrics"
	defaultMaxBodyBytes   = 1 << 20
	defaultNATSURL        = "nats://127.0.0.1:4222"
	defaultLedgerBucket   = "deliveries"
	defaultRedisPrefix    = "deliveries"
	defaultQueueStream    = "ALERT_ESCALATIONS"
	defaultQueueSubject   = "alertdelivery.escalations"
	defaultQueueDLQ       = "alertdelivery.escalations.dlq"
	defaultQueueConsumer  = "alertdelivery-escalator"
	defaultQueueWorkers   = 1
	defaultQueueAckWait   = 30
	defaultQueueNackDelay = 1000
	defaultMaxGenerations = 3
	defaultAdapterTimeout = 30
	defaultVoiceTimeout   = 60

	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"
	// ServiceModeNATS keeps NATS-backed ledger/queue settings.
	ServiceModeNATS = "nats"

	// LedgerBackendMemory keeps delivery records in process memory.
	LedgerBackendMemory = "memory"
	// LedgerBackendNATS keeps delivery records in a JetStream KV bucket.
	LedgerBackendNATS = "nats"
	// LedgerBackendRedis keeps delivery records in Redis hashes.
	LedgerBackendRedis = "redis"
)

// Config holds service runtime settings for the delivery engine.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service    ServiceConfig    `toml:"service"`
	Log        LogConfig        `toml:"log"`
	HTTP       HTTPConfig       `toml:"http"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Escalation EscalationConfig `toml:"escalation"`
	QuietHours QuietHoursConfig `toml:"quiet_hours"`
	Adapters   AdaptersConfig   `toml:"adapters"`
	Queue      QueueConfig      `toml:"queue"`
}

// ServiceConfig contains process-level settings.
// Params: service name and runtime mode.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name string `toml:"name"`
	Mode string `toml:"mode"`
}

// LogConfig defines console/file logging sinks.
// Params: sink sections for console and file outputs.
// Returns: logging setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig configures one logging sink.
// Params: enable flag, level, format, and file path for file sinks.
// Returns: sink behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// HTTPConfig configures the inbound HTTP API.
// Params: enable flag, listen address, endpoint paths, body limit.
// Returns: HTTP serving behavior.
type HTTPConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	MetricsPath  string `toml:"metrics_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// LedgerConfig selects and configures the delivery ledger backend.
// Params: backend name plus per-backend sections.
// Returns: ledger behavior for the chosen backend.
type LedgerConfig struct {
	Backend string            `toml:"backend"`
	NATS    NATSLedgerConfig  `toml:"nats"`
	Redis   RedisLedgerConfig `toml:"redis"`
}

// NATSLedgerConfig contains JetStream KV controls for the NATS backend.
// Params: URL list, bucket name, and bucket auto-create flag.
// Returns: NATS ledger backend options.
type NATSLedgerConfig struct {
	URL               []string `toml:"url"`
	Bucket            string   `toml:"bucket"`
	AllowCreateBucket bool     `toml:"allow_create_bucket"`
}

// RedisLedgerConfig contains Redis controls for the Redis backend.
// Params: connection URL, key namespace, and retention TTL.
// Returns: Redis ledger backend options.
type RedisLedgerConfig struct {
	URL          string `toml:"url"`
	KeyPrefix    string `toml:"key_prefix"`
	RetentionSec int    `toml:"retention_sec"`
}

// EscalationConfig bounds escalation behavior.
// Params: generation cap and transient retry toggle.
// Returns: escalation policy knobs.
type EscalationConfig struct {
	MaxGenerations   int   `toml:"max_generations"`
	RetryOnTransient *bool `toml:"retry_on_transient"`
}

// TransientRetryEnabled reports whether one immediate retry is allowed.
// Params: none.
// Returns: configured value, defaulting to true when unset.
func (c EscalationConfig) TransientRetryEnabled() bool {
	if c.RetryOnTransient == nil {
		return true
	}
	return *c.RetryOnTransient
}

// QuietHoursConfig is the default quiet-hours window applied when a
// recipient carries no per-recipient window.
// Params: "HH:MM" start/end bounds; empty disables the default window.
// Returns: default suppression window.
type QuietHoursConfig struct {
	Start string `toml:"start"`
	End   string `toml:"end"`
}

// AdaptersConfig configures transport adapters by channel type.
// Params: one section per supported channel type.
// Returns: adapter construction options.
type AdaptersConfig struct {
	Push    PushAdapterConfig    `toml:"push"`
	SMS     GatewayAdapterConfig `toml:"sms"`
	Voice   GatewayAdapterConfig `toml:"voice"`
	Email   GatewayAdapterConfig `toml:"email"`
	Desktop DesktopAdapterConfig `toml:"desktop"`
	Webhook WebhookAdapterConfig `toml:"webhook"`
}

// PushAdapterConfig configures the Telegram-backed push adapter.
// Params: bot token, API base, and call timeout.
// Returns: push adapter options.
type PushAdapterConfig struct {
	Enabled    bool   `toml:"enabled"`
	BotToken   string `toml:"bot_token"`
	APIBase    string `toml:"api_base"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// GatewayAdapterConfig configures one templated HTTP provider gateway
// (SMS, voice, or email provider API).
// Params: base URL, request templates, auth, and success statuses.
// Returns: gateway adapter options.
type GatewayAdapterConfig struct {
	Enabled       bool              `toml:"enabled"`
	BaseURL       string            `toml:"base_url"`
	Method        string            `toml:"method"`
	Path          string            `toml:"path"`
	BodyTemplate  string            `toml:"body_template"`
	Headers       map[string]string `toml:"headers"`
	SuccessStatus []int             `toml:"success_status"`
	TimeoutSec    int               `toml:"timeout_sec"`
	Auth          GatewayAuthConfig `toml:"auth"`
}

// GatewayAuthConfig configures provider gateway authentication.
// Params: auth scheme and scheme-specific credentials.
// Returns: request auth options.
type GatewayAuthConfig struct {
	Type     string `toml:"type"`
	Token    string `toml:"token"`
	Prefix   string `toml:"prefix"`
	Header   string `toml:"header"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// DesktopAdapterConfig configures the desktop notifier adapter.
// Params: notifier endpoint, extra headers, and call timeout.
// Returns: desktop adapter options.
type DesktopAdapterConfig struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	Headers    map[string]string `toml:"headers"`
	TimeoutSec int               `toml:"timeout_sec"`
}

// WebhookAdapterConfig configures the signed webhook adapter.
// Params: HMAC secret, signature header name, and call timeout.
// Returns: webhook adapter options.
type WebhookAdapterConfig struct {
	Enabled         bool   `toml:"enabled"`
	Secret          string `toml:"secret"`
	SignatureHeader string `toml:"signature_header"`
	TimeoutSec      int    `toml:"timeout_sec"`
}

// QueueConfig configures the durable escalation job queue.
// Params: JetStream connection, stream/subject routing, and worker policy.
// Returns: queue behavior for nats service mode.
type QueueConfig struct {
	Enabled           bool     `toml:"enabled"`
	URL               []string `toml:"url"`
	Stream            string   `toml:"stream"`
	Subject           string   `toml:"subject"`
	DLQSubject        string   `toml:"dlq_subject"`
	Consumer          string   `toml:"consumer"`
	Workers           int      `toml:"workers"`
	MaxDeliver        int      `toml:"max_deliver"`
	AckWaitSec        int      `toml:"ack_wait_sec"`
	NackDelayMS       int      `toml:"nack_delay_ms"`
	AllowCreateStream bool     `toml:"allow_create_stream"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		err = decodeFileInto(&cfg, src.File)
	} else {
		err = loadDirInto(&cfg, src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeFileInto decodes one TOML file over the accumulated snapshot.
// Params: destination config and file path.
// Returns: read or decode error.
func decodeFileInto(cfg *Config, path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := toml.Unmarshal(body, cfg); err != nil {
		return fmt.Errorf("decode config %q: %w", path, err)
	}
	return nil
}

// loadDirInto decodes every *.toml fragment in lexical order; later
// fragments override keys they set explicitly.
// Params: destination config and directory path.
// Returns: read or decode error.
func loadDirInto(cfg *Config, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read config dir %q: %w", dir, err)
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	if len(paths) == 0 {
		return fmt.Errorf("config dir %q contains no toml fragments", dir)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if err := decodeFileInto(cfg, path); err != nil {
			return err
		}
	}
	return nil
}

// applyDefaults fills unset values with runtime defaults.
// Params: mutable config snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = "alertdelivery"
	}
	if strings.TrimSpace(cfg.Service.Mode) == "" {
		cfg.Service.Mode = ServiceModeSingle
	}

	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Console.Enabled {
		if strings.TrimSpace(cfg.Log.Console.Level) == "" {
			cfg.Log.Console.Level = "info"
		}
		if strings.TrimSpace(cfg.Log.Console.Format) == "" {
			cfg.Log.Console.Format = "line"
		}
	}
	if cfg.Log.File.Enabled {
		if strings.TrimSpace(cfg.Log.File.Level) == "" {
			cfg.Log.File.Level = "info"
		}
		if strings.TrimSpace(cfg.Log.File.Format) == "" {
			cfg.Log.File.Format = "json"
		}
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.MetricsPath) == "" {
		cfg.HTTP.MetricsPath = defaultMetricsPath
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	if strings.TrimSpace(cfg.Ledger.Backend) == "" {
		if cfg.Service.Mode == ServiceModeNATS {
			cfg.Ledger.Backend = LedgerBackendNATS
		} else {
			cfg.Ledger.Backend = LedgerBackendMemory
		}
	}
	if len(cfg.Ledger.NATS.URL) == 0 {
		cfg.Ledger.NATS.URL = []string{defaultNATSURL}
	}
	if strings.TrimSpace(cfg.Ledger.NATS.Bucket) == "" {
		cfg.Ledger.NATS.Bucket = defaultLedgerBucket
	}
	if strings.TrimSpace(cfg.Ledger.Redis.KeyPrefix) == "" {
		cfg.Ledger.Redis.KeyPrefix = defaultRedisPrefix
	}

	if cfg.Escalation.MaxGenerations <= 0 {
		cfg.Escalation.MaxGenerations = defaultMaxGenerations
	}

	fillGatewayDefaults(&cfg.Adapters.SMS, defaultAdapterTimeout)
	fillGatewayDefaults(&cfg.Adapters.Voice, defaultVoiceTimeout)
	fillGatewayDefaults(&cfg.Adapters.Email, defaultAdapterTimeout)
	if cfg.Adapters.Push.TimeoutSec <= 0 {
		cfg.Adapters.Push.TimeoutSec = defaultAdapterTimeout
	}
	if cfg.Adapters.Desktop.TimeoutSec <= 0 {
		cfg.Adapters.Desktop.TimeoutSec = defaultAdapterTimeout
	}
	if cfg.Adapters.Webhook.TimeoutSec <= 0 {
		cfg.Adapters.Webhook.TimeoutSec = defaultAdapterTimeout
	}
	if strings.TrimSpace(cfg.Adapters.Webhook.SignatureHeader) == "" {
		cfg.Adapters.Webhook.SignatureHeader = "X-Alert-Signature"
	}

	if len(cfg.Queue.URL) == 0 {
		cfg.Queue.URL = cfg.Ledger.NATS.URL
	}
	if strings.TrimSpace(cfg.Queue.Stream) == "" {
		cfg.Queue.Stream = defaultQueueStream
	}
	if strings.TrimSpace(cfg.Queue.Subject) == "" {
		cfg.Queue.Subject = defaultQueueSubject
	}
	if strings.TrimSpace(cfg.Queue.DLQSubject) == "" {
		cfg.Queue.DLQSubject = defaultQueueDLQ
	}
	if strings.TrimSpace(cfg.Queue.Consumer) == "" {
		cfg.Queue.Consumer = defaultQueueConsumer
	}
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = defaultQueueWorkers
	}
	if cfg.Queue.AckWaitSec <= 0 {
		cfg.Queue.AckWaitSec = defaultQueueAckWait
	}
	if cfg.Queue.NackDelayMS <= 0 {
		cfg.Queue.NackDelayMS = defaultQueueNackDelay
	}
}

// fillGatewayDefaults fills one gateway adapter section.
// Params: mutable gateway config and default timeout seconds.
// Returns: defaults applied in place.
func fillGatewayDefaults(cfg *GatewayAdapterConfig, timeoutSec int) {
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = timeoutSec
	}
	if strings.TrimSpace(cfg.Method) == "" {
		cfg.Method = "POST"
	}
	if len(cfg.SuccessStatus) == 0 {
		cfg.SuccessStatus = []int{200, 201, 202}
	}
}

// validateConfig validates one config snapshot after defaults.
// Params: config snapshot.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	switch cfg.Service.Mode {
	case ServiceModeSingle, ServiceModeNATS:
	default:
		return fmt.Errorf("service.mode must be %q or %q", ServiceModeSingle, ServiceModeNATS)
	}

	switch cfg.Ledger.Backend {
	case LedgerBackendMemory, LedgerBackendNATS, LedgerBackendRedis:
	default:
		return fmt.Errorf("ledger.backend must be one of memory/nats/redis, got %q", cfg.Ledger.Backend)
	}
	if cfg.Ledger.Backend == LedgerBackendRedis && strings.TrimSpace(cfg.Ledger.Redis.URL) == "" {
		return errors.New("ledger.redis.url is required for redis backend")
	}
	if cfg.Service.Mode == ServiceModeSingle && cfg.Ledger.Backend == LedgerBackendNATS {
		return errors.New("ledger.backend=nats requires service.mode=nats")
	}

	if _, err := policy.ParseWindow(cfg.QuietHours.Start, cfg.QuietHours.End); err != nil {
		return fmt.Errorf("quiet_hours: %w", err)
	}

	if cfg.Queue.Enabled && cfg.Service.Mode != ServiceModeNATS {
		return errors.New("queue.enabled requires service.mode=nats")
	}

	if cfg.Adapters.Push.Enabled && strings.TrimSpace(cfg.Adapters.Push.BotToken) == "" {
		return errors.New("adapters.push.bot_token is required when push is enabled")
	}
	if cfg.Adapters.Webhook.Enabled && strings.TrimSpace(cfg.Adapters.Webhook.Secret) == "" {
		return errors.New("adapters.webhook.secret is required when webhook is enabled")
	}
	if cfg.Adapters.Desktop.Enabled && strings.TrimSpace(cfg.Adapters.Desktop.URL) == "" {
		return errors.New("adapters.desktop.url is required when desktop is enabled")
	}
	for _, gateway := range []struct {
		name string
		cfg  GatewayAdapterConfig
	}{
		{name: "sms", cfg: cfg.Adapters.SMS},
		{name: "voice", cfg: cfg.Adapters.Voice},
		{name: "email", cfg: cfg.Adapters.Email},
	} {
		if !gateway.cfg.Enabled {
			continue
		}
		if strings.TrimSpace(gateway.cfg.BaseURL) == "" {
			return fmt.Errorf("adapters.%s.base_url is required when %s is enabled", gateway.name, gateway.name)
		}
		if strings.TrimSpace(gateway.cfg.Path) == "" {
			return fmt.Errorf("adapters.%s.path is required when %s is enabled", gateway.name, gateway.name)
		}
	}
	return nil
}

// AdapterTimeout returns the configured call timeout for one channel type.
// Params: config snapshot and channel type key.
// Returns: timeout duration, defaulting by channel class.
func AdapterTimeout(cfg Config, channelType string) time.Duration {
	seconds := defaultAdapterTimeout
	switch channelType {
	case "push":
		seconds = cfg.Adapters.Push.TimeoutSec
	case "sms":
		seconds = cfg.Adapters.SMS.TimeoutSec
	case "voice":
		seconds = cfg.Adapters.Voice.TimeoutSec
	case "email":
		seconds = cfg.Adapters.Email.TimeoutSec
	case "desktop":
		seconds = cfg.Adapters.Desktop.TimeoutSec
	case "webhook":
		seconds = cfg.Adapters.Webhook.TimeoutSec
	}
	if seconds <= 0 {
		seconds = defaultAdapterTimeout
	}
	return time.Duration(seconds) * time.Second
}
