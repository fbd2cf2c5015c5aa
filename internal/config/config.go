package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" toml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" toml:"databases"`
	Redis       RedisConfig               `json:"redis" toml:"redis"`
	Auth        AuthConfig                `json:"auth" toml:"auth"`
	Chat        ChatConfig                `json:"chat" toml:"chat"`
	RateLimit   RateLimitConfig           `json:"rate_limit" toml:"rate_limit"`
	Events      EventsConfig              `json:"events" toml:"events"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" toml:"server_address"`
	Database      string `json:"database" toml:"database"`
	GinMode       string `json:"gin_mode" toml:"gin_mode"`
	LogLevel      string `json:"log_level" toml:"log_level"`
	LogFormat     string `json:"log_format" toml:"log_format"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" toml:"dsn"`
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Username string `json:"username" toml:"username"`
	Password string `json:"password" toml:"password"`
	DBName   string `json:"db_name" toml:"db_name"`
	Params   string `json:"params" toml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" toml:"enabled"`
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Username string `json:"username" toml:"username"`
	Password string `json:"password" toml:"password"`
	DB       int    `json:"db" toml:"db"`
}

type AuthConfig struct {
	TokenTTLHours   int    `json:"token_ttl_hours" toml:"token_ttl_hours"`
	NonceSecret     string `json:"nonce_secret" toml:"nonce_secret"`
	NonceTTLMinutes int    `json:"nonce_ttl_minutes" toml:"nonce_ttl_minutes"`
}

// ChatConfig tunes the message feed and the typing presence windows.
type ChatConfig struct {
	RecentLimit          int    `json:"recent_limit" toml:"recent_limit"`
	TypingWindowSeconds  int    `json:"typing_window_seconds" toml:"typing_window_seconds"`
	PresenceTTLSeconds   int    `json:"presence_ttl_seconds" toml:"presence_ttl_seconds"`
	PresenceStore        string `json:"presence_store" toml:"presence_store"`
	SweepIntervalSeconds int    `json:"sweep_interval_seconds" toml:"sweep_interval_seconds"`
	CatalogCacheSeconds  int    `json:"catalog_cache_seconds" toml:"catalog_cache_seconds"`
}

type RateLimitConfig struct {
	RPS   float64 `json:"rps" toml:"rps"`
	Burst int     `json:"burst" toml:"burst"`
}

type EventsConfig struct {
	AMQPURL string `json:"amqp_url" toml:"amqp_url"`
	Queue   string `json:"queue" toml:"queue"`
}

// MaxRecentLimit caps the recent-messages window served to clients.
const MaxRecentLimit = 50

const (
	PresenceStoreMemory = "memory"
	PresenceStoreRedis  = "redis"
)

// Default returns a configuration usable for local development with sqlite.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress: ":8090",
			Database:      "sqlite3",
			GinMode:       "debug",
			LogLevel:      "info",
			LogFormat:     "json",
		},
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "./data/pollchat.db"},
		},
		Redis: RedisConfig{Host: "127.0.0.1", Port: 6379},
		Auth: AuthConfig{
			TokenTTLHours:   24,
			NonceTTLMinutes: 12 * 60,
		},
		Chat: ChatConfig{
			RecentLimit:          50,
			TypingWindowSeconds:  5,
			PresenceTTLSeconds:   10,
			PresenceStore:        PresenceStoreMemory,
			SweepIntervalSeconds: 30,
			CatalogCacheSeconds:  60,
		},
		RateLimit: RateLimitConfig{RPS: 5, Burst: 10},
		Events:    EventsConfig{Queue: "pollchat.message.created"},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file yields the defaults; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := decodeFile(absPath, cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	overrideByEnv(cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if dbCfg, ok := cfg.Databases["sqlite3"]; ok && dbCfg.DSN != "" && dbCfg.DSN != ":memory:" &&
		!strings.HasPrefix(dbCfg.DSN, "file:") && !filepath.IsAbs(dbCfg.DSN) {
		dbCfg.DSN = filepath.Join(filepath.Dir(absPath), dbCfg.DSN)
		cfg.Databases["sqlite3"] = dbCfg
	}

	return cfg, nil
}

func decodeFile(absPath string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(absPath), ".toml") {
		if _, err := os.Stat(absPath); err != nil {
			return fmt.Errorf("open config %s: %w", absPath, err)
		}
		if _, err := toml.DecodeFile(absPath, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}

	file, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	driver := strings.ToLower(c.BasicConfig.Database)
	dbCfg, ok := c.Databases[driver]
	if !ok {
		return fmt.Errorf("database config for %s not found", driver)
	}
	if (driver == "sqlite3" || driver == "sqlite") && dbCfg.DSN == "" {
		return errors.New("sqlite dsn must be configured")
	}
	if c.Chat.RecentLimit > MaxRecentLimit {
		return fmt.Errorf("recent_limit (%d) must not exceed %d", c.Chat.RecentLimit, MaxRecentLimit)
	}
	if c.Chat.TypingWindowSeconds >= c.Chat.PresenceTTLSeconds {
		return fmt.Errorf("typing_window_seconds (%d) must be below presence_ttl_seconds (%d)",
			c.Chat.TypingWindowSeconds, c.Chat.PresenceTTLSeconds)
	}
	switch c.Chat.PresenceStore {
	case PresenceStoreMemory:
	case PresenceStoreRedis:
		if !c.Redis.Enabled {
			return errors.New("redis presence store requires redis.enabled")
		}
	default:
		return fmt.Errorf("unknown presence_store %q", c.Chat.PresenceStore)
	}
	if strings.EqualFold(c.BasicConfig.GinMode, "release") && c.Auth.NonceSecret == "" {
		return errors.New("auth.nonce_secret must be configured in release mode")
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = d.BasicConfig.ServerAddress
	}
	if c.BasicConfig.Database == "" {
		c.BasicConfig.Database = d.BasicConfig.Database
	}
	if c.Databases == nil {
		c.Databases = d.Databases
	}
	if c.Auth.TokenTTLHours <= 0 {
		c.Auth.TokenTTLHours = d.Auth.TokenTTLHours
	}
	if c.Auth.NonceTTLMinutes <= 0 {
		c.Auth.NonceTTLMinutes = d.Auth.NonceTTLMinutes
	}
	if c.Chat.RecentLimit <= 0 {
		c.Chat.RecentLimit = d.Chat.RecentLimit
	}
	if c.Chat.TypingWindowSeconds <= 0 {
		c.Chat.TypingWindowSeconds = d.Chat.TypingWindowSeconds
	}
	if c.Chat.PresenceTTLSeconds <= 0 {
		c.Chat.PresenceTTLSeconds = d.Chat.PresenceTTLSeconds
	}
	if c.Chat.PresenceStore == "" {
		c.Chat.PresenceStore = d.Chat.PresenceStore
	}
	if c.Chat.SweepIntervalSeconds <= 0 {
		c.Chat.SweepIntervalSeconds = d.Chat.SweepIntervalSeconds
	}
	if c.RateLimit.RPS <= 0 {
		c.RateLimit.RPS = d.RateLimit.RPS
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = d.RateLimit.Burst
	}
	if c.Events.Queue == "" {
		c.Events.Queue = d.Events.Queue
	}
}

func overrideByEnv(cfg *Config) {
	cfg.BasicConfig.Database = getEnv("POLLCHAT_DB", cfg.BasicConfig.Database)
	cfg.BasicConfig.ServerAddress = getEnv("POLLCHAT_ADDR", cfg.BasicConfig.ServerAddress)
	cfg.BasicConfig.LogLevel = getEnv("POLLCHAT_LOG_LEVEL", cfg.BasicConfig.LogLevel)
	cfg.Auth.NonceSecret = getEnv("POLLCHAT_NONCE_SECRET", cfg.Auth.NonceSecret)
	cfg.Events.AMQPURL = getEnv("POLLCHAT_AMQP_URL", cfg.Events.AMQPURL)
	if addr, ok := os.LookupEnv("POLLCHAT_REDIS_ADDR"); ok && addr != "" {
		host, port, found := strings.Cut(addr, ":")
		cfg.Redis.Enabled = true
		cfg.Redis.Host = host
		if found {
			if n, err := strconv.Atoi(port); err == nil {
				cfg.Redis.Port = n
			}
		}
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
