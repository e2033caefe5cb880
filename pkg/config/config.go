package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath       = "WABRIDGE_CONFIG"
	envBridgeURL        = "WABRIDGE_BRIDGE_URL"
	envTelegramBotToken = "TELEGRAM_BOT_TOKEN"
	envRabbitMQURI      = "RABBITMQ_URI"
	envMongoURI         = "MONGO_URI"
	envMinioAccessKey   = "MINIO_ACCESS_KEY"
	envMinioSecretKey   = "MINIO_SECRET_KEY"
	envRedisPassword    = "REDIS_PASSWORD"
)

const (
	TransportBridge   = "bridge"
	TransportTelegram = "telegram"

	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMinio  = "minio"
	BackendMongo  = "mongo"
	BackendMemory = "memory"
)

const (
	DefaultUnsupportedReply = "🚫 *Desculpe, houve um erro ao processar sua última mensagem.* 😓\n" +
		" Parece que não é possível processar este tipo de mensagem. 🤔"
	DefaultFailureReply = "⚠️ *Parece haver algum problema em nossos servidores!*\n" +
		"🌐 Por favor, tente novamente em algumas horas. ⏳"
)

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Session       SessionConfig       `json:"session" yaml:"session"`
	Credentials   CredentialsConfig   `json:"credentials" yaml:"credentials"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Database      DatabaseConfig      `json:"database" yaml:"database"`
	RabbitMQ      RabbitMQConfig      `json:"rabbitmq" yaml:"rabbitmq"`
	Transcription TranscriptionConfig `json:"transcription" yaml:"transcription"`
	Replies       RepliesConfig       `json:"replies" yaml:"replies"`
	Gateway       GatewayConfig       `json:"gateway" yaml:"gateway"`
	Logging       LoggingConfig       `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// SessionConfig selects the chat transport and its reconnect policy.
type SessionConfig struct {
	Transport               string         `json:"transport" yaml:"transport"`
	Bridge                  BridgeConfig   `json:"bridge" yaml:"bridge"`
	Telegram                TelegramConfig `json:"telegram" yaml:"telegram"`
	HandshakeTimeoutSeconds int            `json:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds"`
	Retry                   RetryConfig    `json:"retry" yaml:"retry"`
}

// BridgeConfig points at the websocket protocol bridge.
type BridgeConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// TelegramConfig configures the Telegram bot transport.
type TelegramConfig struct {
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allow_from,omitempty" yaml:"allow_from,omitempty"`
}

// RetryConfig is the reconnect backoff ladder, in milliseconds.
type RetryConfig struct {
	MaxAttempts          int `json:"max_attempts" yaml:"max_attempts"`
	BaseMillis           int `json:"base_ms" yaml:"base_ms"`
	CapMillis            int `json:"cap_ms" yaml:"cap_ms"`
	LoggedOutDelayMillis int `json:"logged_out_delay_ms" yaml:"logged_out_delay_ms"`
}

// CredentialsConfig selects where the session credentials live.
type CredentialsConfig struct {
	Backend string      `json:"backend" yaml:"backend"`
	Dir     string      `json:"dir" yaml:"dir"`
	Redis   RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig configures the Redis credentials backend.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Key      string `json:"key" yaml:"key"`
}

// StorageConfig configures media object storage.
type StorageConfig struct {
	Backend   string `json:"backend" yaml:"backend"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
	Region    string `json:"region" yaml:"region"`
	Bucket    string `json:"bucket" yaml:"bucket"`
}

// DatabaseConfig configures the contact and message record store.
type DatabaseConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	URI     string `json:"uri" yaml:"uri"`
	Name    string `json:"name" yaml:"name"`
}

// RabbitMQConfig configures the messaging backbone.
type RabbitMQConfig struct {
	URI              string `json:"uri" yaml:"uri"`
	Exchange         string `json:"exchange" yaml:"exchange"`
	ReceivedQueue    string `json:"received_queue" yaml:"received_queue"`
	SendQueue        string `json:"send_queue" yaml:"send_queue"`
	Prefetch         int    `json:"prefetch" yaml:"prefetch"`
	RequeueOnFailure bool   `json:"requeue_on_failure" yaml:"requeue_on_failure"`
	Durable          bool   `json:"durable" yaml:"durable"`
}

// TranscriptionConfig configures optional voice note transcription.
type TranscriptionConfig struct {
	Enabled               bool   `json:"enabled" yaml:"enabled"`
	BaseURL               string `json:"base_url" yaml:"base_url"`
	Organization          string `json:"organization" yaml:"organization"`
	Project               string `json:"project" yaml:"project"`
	APIKeyEnv             string `json:"api_key_env" yaml:"api_key_env"`
	Model                 string `json:"model" yaml:"model"`
	Language              string `json:"language" yaml:"language"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// RepliesConfig holds the fixed texts sent back to senders.
type RepliesConfig struct {
	Unsupported string `json:"unsupported" yaml:"unsupported"`
	Failure     string `json:"failure" yaml:"failure"`
}

// GatewayConfig configures the HTTP status server bind settings.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// LoadConfig resolves the config file, parses it, applies environment
// overrides and defaults.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(configPath)
}

// LoadFile parses one config file. YAML is used for .yaml/.yml, JSON otherwise.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.ApplyDefaults()

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	overrides := []struct {
		env    string
		target *string
	}{
		{envBridgeURL, &cfg.Session.Bridge.URL},
		{envTelegramBotToken, &cfg.Session.Telegram.Token},
		{envRabbitMQURI, &cfg.RabbitMQ.URI},
		{envMongoURI, &cfg.Database.URI},
		{envMinioAccessKey, &cfg.Storage.AccessKey},
		{envMinioSecretKey, &cfg.Storage.SecretKey},
		{envRedisPassword, &cfg.Credentials.Redis.Password},
	}

	for _, o := range overrides {
		if value := strings.TrimSpace(os.Getenv(o.env)); value != "" {
			*o.target = value
		}
	}
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}

	setDefault(&c.Session.Transport, TransportBridge)
	if c.Session.HandshakeTimeoutSeconds <= 0 {
		c.Session.HandshakeTimeoutSeconds = 20
	}
	if c.Session.Retry.MaxAttempts <= 0 {
		c.Session.Retry.MaxAttempts = 100
	}
	if c.Session.Retry.BaseMillis <= 0 {
		c.Session.Retry.BaseMillis = 2000
	}
	if c.Session.Retry.CapMillis <= 0 {
		c.Session.Retry.CapMillis = 30000
	}
	if c.Session.Retry.LoggedOutDelayMillis <= 0 {
		c.Session.Retry.LoggedOutDelayMillis = 3000
	}

	setDefault(&c.Credentials.Backend, BackendFile)
	setDefault(&c.Credentials.Dir, "auth_info")
	setDefault(&c.Credentials.Redis.Addr, "127.0.0.1:6379")

	setDefault(&c.Storage.Backend, BackendMinio)
	setDefault(&c.Storage.Bucket, "whatsapp")

	setDefault(&c.Database.Backend, BackendMongo)
	setDefault(&c.Database.Name, "wabridge")

	setDefault(&c.RabbitMQ.ReceivedQueue, "whatsapp_received_message")
	setDefault(&c.RabbitMQ.SendQueue, "whatsapp_send_message")
	if c.RabbitMQ.Prefetch <= 0 {
		c.RabbitMQ.Prefetch = 1
	}

	setDefault(&c.Transcription.Model, "whisper-1")

	setDefault(&c.Replies.Unsupported, DefaultUnsupportedReply)
	setDefault(&c.Replies.Failure, DefaultFailureReply)

	setDefault(&c.Gateway.Host, "127.0.0.1")
	if c.Gateway.Port <= 0 {
		c.Gateway.Port = 18790
	}
}

// Validate reports settings that would fail at startup.
func (c *Config) Validate() error {
	var errs []error

	switch c.Session.Transport {
	case TransportBridge:
		if strings.TrimSpace(c.Session.Bridge.URL) == "" {
			errs = append(errs, errors.New("session.bridge.url is required for the bridge transport"))
		}
	case TransportTelegram:
		if strings.TrimSpace(c.Session.Telegram.Token) == "" {
			errs = append(errs, errors.New("session.telegram.token is required for the telegram transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.transport %q is not supported", c.Session.Transport))
	}

	if !oneOf(c.Credentials.Backend, BackendFile, BackendRedis) {
		errs = append(errs, fmt.Errorf("credentials.backend %q is not supported", c.Credentials.Backend))
	}

	switch c.Storage.Backend {
	case BackendMinio:
		if strings.TrimSpace(c.Storage.Endpoint) == "" {
			errs = append(errs, errors.New("storage.endpoint is required for the minio backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}

	switch c.Database.Backend {
	case BackendMongo:
		if strings.TrimSpace(c.Database.URI) == "" {
			errs = append(errs, errors.New("database.uri is required for the mongo backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("database.backend %q is not supported", c.Database.Backend))
	}

	if strings.TrimSpace(c.RabbitMQ.URI) == "" {
		errs = append(errs, errors.New("rabbitmq.uri is required"))
	}

	return errors.Join(errs...)
}

// HandshakeTimeout returns the session handshake timeout.
func (s SessionConfig) HandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeoutSeconds) * time.Second
}

// Addr returns host:port of the status server.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

func setDefault(target *string, value string) {
	if strings.TrimSpace(*target) == "" {
		*target = value
	}
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// findConfigPath resolves the active config file location.
//
// Precedence is WABRIDGE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config.yml"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config file not found (checked %s)", strings.Join(candidates, ", "))
}
