package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Bus     BusConfig     `yaml:"bus"`
	Session SessionConfig `yaml:"session"`
	Gateway GatewayConfig `yaml:"gateway"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host" env:"TOURNEYBUS_HOST"`
	Port int    `yaml:"port" env:"TOURNEYBUS_PORT"`
	// 订阅连接是长连接，WriteTimeout 默认不设置。
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"TOURNEYBUS_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"TOURNEYBUS_WRITE_TIMEOUT"`
	// AllowedOrigins 为空时接受任意来源的 WebSocket 与跨域请求。
	AllowedOrigins []string `yaml:"allowed_origins" env:"TOURNEYBUS_ALLOWED_ORIGINS" envSeparator:","`
}

type BusConfig struct {
	// RecoveryBuffer 是每条 (division, eventType) 流保留的记录数。
	RecoveryBuffer     int `yaml:"recovery_buffer" env:"TOURNEYBUS_RECOVERY_BUFFER"`
	SubscriptionBuffer int `yaml:"subscription_buffer" env:"TOURNEYBUS_SUBSCRIPTION_BUFFER"`
}

type SessionConfig struct {
	// Length 是评审场次时长，到时自动完成。
	Length time.Duration `yaml:"length" env:"TOURNEYBUS_SESSION_LENGTH"`
}

type GatewayConfig struct {
	PingInterval time.Duration `yaml:"ping_interval" env:"TOURNEYBUS_PING_INTERVAL"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"TOURNEYBUS_WS_WRITE_TIMEOUT"`
	SendBuffer   int           `yaml:"send_buffer" env:"TOURNEYBUS_SEND_BUFFER"`
}

type StorageConfig struct {
	// Driver: memory | sqlite
	Driver string `yaml:"driver" env:"TOURNEYBUS_STORAGE_DRIVER"`
	Path   string `yaml:"path" env:"TOURNEYBUS_STORAGE_PATH"`
	// Schedule 是启动时导入的场次排期文件，可为空。
	Schedule string `yaml:"schedule" env:"TOURNEYBUS_SCHEDULE"`
}

type LoggingConfig struct {
	// Level 是 loggo 的配置串，例如 "<root>=INFO;tourneybus.bus=DEBUG"，也可以只写级别。
	Level string `yaml:"level" env:"TOURNEYBUS_LOG_LEVEL"`
}

const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// Default 返回所有字段都取默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load 从文件加载配置，再用环境变量覆盖，最后校验。path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Bus.RecoveryBuffer == 0 {
		c.Bus.RecoveryBuffer = 200
	}
	if c.Bus.SubscriptionBuffer == 0 {
		c.Bus.SubscriptionBuffer = 16
	}
	if c.Session.Length == 0 {
		// 占位值，赛事方应按实际评审时长配置。
		c.Session.Length = 30 * time.Minute
	}
	if c.Gateway.PingInterval == 0 {
		c.Gateway.PingInterval = 30 * time.Second
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = 10 * time.Second
	}
	if c.Gateway.SendBuffer == 0 {
		c.Gateway.SendBuffer = 64
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Bus.RecoveryBuffer < 1 {
		return fmt.Errorf("bus.recovery_buffer must be positive, got %d", c.Bus.RecoveryBuffer)
	}
	if c.Bus.SubscriptionBuffer < 0 {
		return fmt.Errorf("bus.subscription_buffer must not be negative")
	}
	if c.Session.Length <= 0 {
		return fmt.Errorf("session.length must be positive, got %v", c.Session.Length)
	}
	if c.Gateway.PingInterval <= 0 || c.Gateway.WriteTimeout <= 0 {
		return fmt.Errorf("gateway intervals must be positive")
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// Addr 返回 HTTP 监听地址。
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// OriginAllowed 判断请求来源是否在白名单中。没有 Origin 头的请求（非浏览器客户端）总是允许。
func (c *Config) OriginAllowed(origin string) bool {
	if origin == "" || len(c.Server.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range c.Server.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// LoggingSpec 把 Level 转成 loggo.ConfigureLoggers 接受的配置串。
func (c *Config) LoggingSpec() string {
	level := strings.TrimSpace(c.Logging.Level)
	if strings.Contains(level, "=") {
		return level
	}
	return "<root>=" + strings.ToUpper(level)
}
