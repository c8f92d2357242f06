package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"topicchat/cmd/internal/mockbackend"
	"topicchat/cmd/internal/storage"
)

// ErrConfig wraps every configuration validation failure.
var ErrConfig = errors.New("invalid config")

// EnvConfigPath names the YAML config file when --config is not given.
const EnvConfigPath = "TOPICCHAT_CONFIG"

// Config is the runtime configuration shared by the CLI and the dev backend.
type Config struct {
	// APIURL is the REST root, e.g. http://localhost:8000/api.
	APIURL string `yaml:"api_url"`
	// RealtimeURL is the broker endpoint. Derived from APIURL when empty.
	RealtimeURL string `yaml:"realtime_url"`
	// UseRealtimeToken connects with the dedicated realtime token instead of the session token.
	UseRealtimeToken bool          `yaml:"use_realtime_token"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	// MetricsAddr enables a Prometheus listener when set.
	MetricsAddr string `yaml:"metrics_addr"`

	Storage StorageConfig `yaml:"storage"`
	Chat    ChatConfig    `yaml:"chat"`
	Log     LogConfig     `yaml:"log"`
	Mock    MockConfig    `yaml:"mock"`
}

// StorageConfig selects where the session is persisted.
type StorageConfig struct {
	Kind          string `yaml:"kind"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisUsername string `yaml:"redis_username"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	DatabaseURL   string `yaml:"database_url"`
	Schema        string `yaml:"schema"`
	// Passphrase encrypts stored values when set.
	Passphrase string `yaml:"passphrase"`
}

// ChatConfig controls topics and channel naming.
type ChatConfig struct {
	Topics           []string      `yaml:"topics"`
	MaxMessages      int           `yaml:"max_messages"`
	ChannelPrefix    string        `yaml:"channel_prefix"`
	FanIn            bool          `yaml:"fan_in"`
	FanInTopic       string        `yaml:"fan_in_topic"`
	FanInMembers     []string      `yaml:"fan_in_members"`
	ResubscribeDelay time.Duration `yaml:"resubscribe_delay"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, pretty
	Output string `yaml:"output"` // stdout, stderr, file
	// File settings apply when Output is "file".
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
	Color      bool   `yaml:"color"`
}

// MockConfig configures the dev backend.
type MockConfig struct {
	Addr         string        `yaml:"addr"`
	Secret       string        `yaml:"secret"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
	RealtimeTTL  time.Duration `yaml:"realtime_ttl"`
	PingInterval time.Duration `yaml:"ping_interval"`
	// Users restricts logins (username -> password or argon2id hash). Empty accepts any password.
	Users          map[string]string `yaml:"users"`
	AllowedOrigins []string          `yaml:"allowed_origins"`
}

// DefaultConfig returns the local development defaults.
func DefaultConfig() Config {
	return Config{
		APIURL:           "http://localhost:8000/api",
		UseRealtimeToken: true,
		RequestTimeout:   10 * time.Second,
		Storage: StorageConfig{
			Kind: storage.KindFile,
			Path: defaultStatePath(),
		},
		Chat: ChatConfig{
			Topics:        []string{"all", "general", "tech", "random"},
			MaxMessages:   10_000,
			ChannelPrefix: "chat:",
			FanIn:         true,
			FanInTopic:    "all",
			FanInMembers:  []string{"general", "tech", "random"},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "pretty",
			Output:     "stderr",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Color:      true,
		},
		Mock: MockConfig{
			Addr:           "127.0.0.1:8000",
			Secret:         "topicchat-dev-secret-change-me",
			SessionTTL:     24 * time.Hour,
			RealtimeTTL:    time.Hour,
			PingInterval:   25 * time.Second,
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		},
	}
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(".topicchat", "state.json")
	}
	return filepath.Join(dir, "topicchat", "state.json")
}

// LoadConfig builds the configuration: defaults, then the YAML file (path, or $TOPICCHAT_CONFIG),
// then environment overrides. A .env file in the working directory is loaded first when present.
func LoadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path == "" {
		path = EnvString(EnvConfigPath, "")
	}
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if cfg.RealtimeURL == "" {
		cfg.RealtimeURL = realtimeURLFromAPI(cfg.APIURL, mockbackend.WebSocketPath)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.APIURL = EnvString("TOPICCHAT_API_URL", cfg.APIURL)
	cfg.RealtimeURL = EnvString("TOPICCHAT_REALTIME_URL", cfg.RealtimeURL)
	cfg.UseRealtimeToken = EnvBool("TOPICCHAT_USE_REALTIME_TOKEN", cfg.UseRealtimeToken)
	cfg.RequestTimeout = EnvDuration("TOPICCHAT_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.MetricsAddr = EnvString("TOPICCHAT_METRICS_ADDR", cfg.MetricsAddr)

	s := &cfg.Storage
	s.Kind = EnvString("TOPICCHAT_STORAGE", s.Kind)
	s.Path = EnvString("TOPICCHAT_STATE_FILE", s.Path)
	s.RedisAddr = EnvString("TOPICCHAT_REDIS_ADDR", s.RedisAddr)
	s.RedisUsername = EnvString("TOPICCHAT_REDIS_USERNAME", s.RedisUsername)
	s.RedisPassword = EnvString("TOPICCHAT_REDIS_PASSWORD", s.RedisPassword)
	s.RedisDB = EnvInt("TOPICCHAT_REDIS_DB", s.RedisDB)
	s.RedisPrefix = EnvString("TOPICCHAT_REDIS_PREFIX", s.RedisPrefix)
	s.DatabaseURL = EnvString("TOPICCHAT_DATABASE_URL", s.DatabaseURL)
	s.Schema = EnvString("TOPICCHAT_DB_SCHEMA", s.Schema)
	s.Passphrase = EnvString("TOPICCHAT_PASSPHRASE", s.Passphrase)

	c := &cfg.Chat
	c.Topics = EnvCSV("TOPICCHAT_TOPICS", c.Topics)
	c.MaxMessages = EnvInt("TOPICCHAT_MAX_MESSAGES", c.MaxMessages)
	c.ChannelPrefix = EnvString("TOPICCHAT_CHANNEL_PREFIX", c.ChannelPrefix)
	c.FanIn = EnvBool("TOPICCHAT_FAN_IN", c.FanIn)
	c.FanInTopic = EnvString("TOPICCHAT_FAN_IN_TOPIC", c.FanInTopic)
	c.FanInMembers = EnvCSV("TOPICCHAT_FAN_IN_MEMBERS", c.FanInMembers)
	c.ResubscribeDelay = EnvDuration("TOPICCHAT_RESUBSCRIBE_DELAY", c.ResubscribeDelay)

	l := &cfg.Log
	l.Level = EnvString("TOPICCHAT_LOG_LEVEL", l.Level)
	l.Format = EnvString("TOPICCHAT_LOG_FORMAT", l.Format)
	l.Output = EnvString("TOPICCHAT_LOG_OUTPUT", l.Output)
	l.FilePath = EnvString("TOPICCHAT_LOG_FILE", l.FilePath)
	l.Color = EnvBool("TOPICCHAT_LOG_COLOR", l.Color)

	m := &cfg.Mock
	m.Addr = EnvString("TOPICCHAT_MOCK_ADDR", m.Addr)
	m.Secret = EnvString("TOPICCHAT_MOCK_SECRET", m.Secret)
	m.SessionTTL = EnvDuration("TOPICCHAT_MOCK_SESSION_TTL", m.SessionTTL)
	m.RealtimeTTL = EnvDuration("TOPICCHAT_MOCK_REALTIME_TTL", m.RealtimeTTL)
	m.PingInterval = EnvDuration("TOPICCHAT_MOCK_PING_INTERVAL", m.PingInterval)
	m.AllowedOrigins = EnvCSV("TOPICCHAT_MOCK_ALLOWED_ORIGINS", m.AllowedOrigins)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if err := validateURL(c.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("%w: api_url: %v", ErrConfig, err)
	}
	if err := validateURL(c.RealtimeURL, "ws", "wss", "http", "https"); err != nil {
		return fmt.Errorf("%w: realtime_url: %v", ErrConfig, err)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout must be positive", ErrConfig)
	}

	switch strings.ToLower(c.Storage.Kind) {
	case "", storage.KindMemory:
	case storage.KindFile:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("%w: storage.path required for file storage", ErrConfig)
		}
	case storage.KindRedis:
		if strings.TrimSpace(c.Storage.RedisAddr) == "" {
			return fmt.Errorf("%w: storage.redis_addr required for redis storage", ErrConfig)
		}
	case storage.KindPostgres:
		if strings.TrimSpace(c.Storage.DatabaseURL) == "" {
			return fmt.Errorf("%w: storage.database_url required for postgres storage", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage kind %q", ErrConfig, c.Storage.Kind)
	}

	if len(c.Chat.Topics) == 0 {
		return fmt.Errorf("%w: chat.topics must not be empty", ErrConfig)
	}
	if c.Chat.FanIn && len(c.Chat.FanInMembers) == 0 {
		return fmt.Errorf("%w: chat.fan_in_members required when fan_in is enabled", ErrConfig)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrConfig, c.Log.Format)
	}
	switch strings.ToLower(c.Log.Output) {
	case "", "stdout", "stderr":
	case "file":
		if strings.TrimSpace(c.Log.FilePath) == "" {
			return fmt.Errorf("%w: log.file_path required for file output", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown log output %q", ErrConfig, c.Log.Output)
	}
	return nil
}

// Validate checks the settings the dev backend needs.
func (m MockConfig) Validate() error {
	if strings.TrimSpace(m.Addr) == "" {
		return fmt.Errorf("%w: mock.addr required", ErrConfig)
	}
	if len(m.Secret) < 16 {
		return fmt.Errorf("%w: mock.secret must be at least 16 bytes", ErrConfig)
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}

// storageConfig maps the app settings onto the storage factory.
func (s StorageConfig) storageConfig() storage.Config {
	return storage.Config{
		Kind:     s.Kind,
		FilePath: s.Path,
		Redis: storage.RedisConfig{
			Addr:     s.RedisAddr,
			Username: s.RedisUsername,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
			Prefix:   s.RedisPrefix,
		},
		DatabaseURL: s.DatabaseURL,
		Schema:      s.Schema,
		Passphrase:  s.Passphrase,
		KDF:         storage.DefaultKDFParams(),
	}
}
