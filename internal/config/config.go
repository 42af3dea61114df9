package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Client    ClientConfig    `mapstructure:"client"`
}

// ServerConfig holds the remote endpoints
type ServerConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	WSPath    string `mapstructure:"ws_path"`
	APIPrefix string `mapstructure:"api_prefix"`
}

// WSURL returns the push channel URL derived from the base URL
func (c *ServerConfig) WSURL() string {
	base := strings.TrimRight(c.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + c.WSPath
}

// APIURL returns the request/response base URL
func (c *ServerConfig) APIURL() string {
	return strings.TrimRight(c.BaseURL, "/") + c.APIPrefix
}

// WebSocketConfig holds push channel configuration
type WebSocketConfig struct {
	DialTimeout          time.Duration `mapstructure:"dial_timeout"`
	WriteWait            time.Duration `mapstructure:"write_wait"`
	MaxMessageSize       int64         `mapstructure:"max_message_size"`
	WriteChannelSize     int           `mapstructure:"write_channel_size"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	SendRate             float64       `mapstructure:"send_rate"`
	SendBurst            int           `mapstructure:"send_burst"`
}

// ChatConfig holds reconciliation store configuration
type ChatConfig struct {
	HistoryPageSize    int           `mapstructure:"history_page_size"`
	SyncPageSize       int           `mapstructure:"sync_page_size"`
	TypingIdle         time.Duration `mapstructure:"typing_idle"`
	TypingExpiry       time.Duration `mapstructure:"typing_expiry"`
	PendingRefreshCron string        `mapstructure:"pending_refresh_cron"`
	TombstoneText      string        `mapstructure:"tombstone_text"`
}

// StorageConfig holds local state persistence configuration
type StorageConfig struct {
	Driver string      `mapstructure:"driver"` // memory | pebble | redis | mysql
	Path   string      `mapstructure:"path"`
	Redis  RedisConfig `mapstructure:"redis"`
	MySQL  MySQLConfig `mapstructure:"mysql"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Charset  string `mapstructure:"charset"`
}

// DSN returns the MySQL data source name
func (c *MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Database, c.Charset)
}

// MetricsConfig holds Prometheus exposition configuration
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ClientConfig identifies this device to the server
type ClientConfig struct {
	DeviceId   string `mapstructure:"device_id"`
	AppVersion string `mapstructure:"app_version"`
}

// Load loads configuration from file. An empty path loads defaults and environment only.
func Load(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load(".env")

	v := viper.New()
	v.SetEnvPrefix("RTCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// bindEnv registers the keys that may be supplied only through the environment
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"server.base_url",
		"storage.driver",
		"storage.path",
		"storage.redis.host",
		"storage.redis.port",
		"storage.redis.password",
		"storage.mysql.host",
		"storage.mysql.user",
		"storage.mysql.password",
		"storage.mysql.database",
		"metrics.addr",
		"client.device_id",
	} {
		_ = v.BindEnv(key)
	}
}

// Default returns a config with every default filled in
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values with defaults
func (cfg *Config) SetDefaults() {
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "http://localhost:8000"
	}
	if cfg.Server.WSPath == "" {
		cfg.Server.WSPath = "/ws/rt"
	}
	if cfg.Server.APIPrefix == "" {
		cfg.Server.APIPrefix = "/rt"
	}
	if cfg.WebSocket.DialTimeout == 0 {
		cfg.WebSocket.DialTimeout = 10 * time.Second
	}
	if cfg.WebSocket.WriteWait == 0 {
		cfg.WebSocket.WriteWait = 10 * time.Second
	}
	if cfg.WebSocket.MaxMessageSize == 0 {
		cfg.WebSocket.MaxMessageSize = 1 << 20
	}
	if cfg.WebSocket.WriteChannelSize == 0 {
		cfg.WebSocket.WriteChannelSize = 256
	}
	if cfg.WebSocket.ReconnectBaseDelay == 0 {
		cfg.WebSocket.ReconnectBaseDelay = time.Second
	}
	if cfg.WebSocket.ReconnectMaxDelay == 0 {
		cfg.WebSocket.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.WebSocket.MaxReconnectAttempts == 0 {
		cfg.WebSocket.MaxReconnectAttempts = 10
	}
	if cfg.WebSocket.HeartbeatInterval == 0 {
		cfg.WebSocket.HeartbeatInterval = 30 * time.Second
	}
	if cfg.WebSocket.SendRate == 0 {
		cfg.WebSocket.SendRate = 20
	}
	if cfg.WebSocket.SendBurst == 0 {
		cfg.WebSocket.SendBurst = 20
	}
	if cfg.Chat.HistoryPageSize == 0 {
		cfg.Chat.HistoryPageSize = 50
	}
	if cfg.Chat.SyncPageSize == 0 {
		cfg.Chat.SyncPageSize = 50
	}
	if cfg.Chat.TypingIdle == 0 {
		cfg.Chat.TypingIdle = time.Second
	}
	if cfg.Chat.TypingExpiry == 0 {
		cfg.Chat.TypingExpiry = 3 * time.Second
	}
	if cfg.Chat.PendingRefreshCron == "" {
		cfg.Chat.PendingRefreshCron = "*/5 * * * *"
	}
	if cfg.Chat.TombstoneText == "" {
		cfg.Chat.TombstoneText = "This message was deleted"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "pebble"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "data/rtchat"
	}
	if cfg.Storage.Redis.Host == "" {
		cfg.Storage.Redis.Host = "127.0.0.1"
	}
	if cfg.Storage.Redis.Port == 0 {
		cfg.Storage.Redis.Port = 6379
	}
	if cfg.Storage.Redis.KeyPrefix == "" {
		cfg.Storage.Redis.KeyPrefix = "rtchat:"
	}
	if cfg.Storage.MySQL.Port == 0 {
		cfg.Storage.MySQL.Port = 3306
	}
	if cfg.Storage.MySQL.Charset == "" {
		cfg.Storage.MySQL.Charset = "utf8mb4"
	}
	if cfg.Client.AppVersion == "" {
		cfg.Client.AppVersion = "dev"
	}
}
