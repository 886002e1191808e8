package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config 描述 attestd 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Engine   EngineConfig   `json:"engine"`
	Signing  SigningConfig  `json:"signing"`
	Escrow   EscrowConfig   `json:"escrow"`
	Storage  StorageConfig  `json:"storage"`
	Identity IdentityConfig `json:"identity"`
	Events   EventsConfig   `json:"events"`
	Metrics  MetricsConfig  `json:"metrics"`
	Logging  LoggingConfig  `json:"logging"`
	Alerting AlertingConfig `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址与管理口令。
type ServerConfig struct {
	Address       string `json:"address"`
	AdminToken    string `json:"admin_token"`
	AdminTokenEnv string `json:"admin_token_env"`
	// ShutdownTimeoutSeconds 是优雅退出的最长等待时间。
	ShutdownTimeoutSeconds int `json:"shutdown_timeout_seconds"`
}

// ResolveAdminToken 优先使用明文配置，其次读取环境变量。
func (s ServerConfig) ResolveAdminToken() string {
	if token := strings.TrimSpace(s.AdminToken); token != "" {
		return token
	}
	if s.AdminTokenEnv != "" {
		return strings.TrimSpace(os.Getenv(s.AdminTokenEnv))
	}
	return ""
}

// ShutdownTimeout 返回优雅退出的等待时间。
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// EngineConfig 描述账本引擎的身份。
type EngineConfig struct {
	Address         string `json:"address"`
	Initializer     string `json:"initializer"`
	EscrowAuthority string `json:"escrow_authority"`
}

// SigningConfig 描述签名域。DomainFile 中的值覆盖这里的默认值。
type SigningConfig struct {
	DomainFile string `json:"domain_file"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	ChainID    uint64 `json:"chain_id"`
	RPCURL     string `json:"rpc_url"`
}

// EscrowConfig 描述内置托管实例。
type EscrowConfig struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Version string `json:"version"`
	// Seed 预置开发环境余额，金额为十进制字符串。
	Seed []EscrowSeed `json:"seed"`
}

// EscrowSeed 是一个账户的初始余额。
type EscrowSeed struct {
	Account string `json:"account"`
	Liquid  string `json:"liquid"`
	Locked  string `json:"locked"`
}

// StorageConfig 选择账本存储后端。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
	PebblePath             string `json:"pebble_path"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// IdentityConfig 选择身份注册表。
type IdentityConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
	Prefix string      `json:"prefix"`
}

// EventsConfig 选择事件转发目标。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Attempts int            `json:"attempts"`
	Redis    RedisConfig    `json:"redis"`
	List     string         `json:"list"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// MetricsConfig 控制独立的指标端口，为空时只在 API 上暴露 /metrics。
type MetricsConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// AlertingConfig 配置告警渠道，Webhook 为空的渠道不启用。
type AlertingConfig struct {
	DingTalkWebhook string `json:"dingtalk_webhook"`
	SlackWebhook    string `json:"slack_webhook"`
	SlackChannel    string `json:"slack_channel"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	if c.Signing.Name == "" {
		c.Signing.Name = "Attestation Logic"
	}
	if c.Signing.Version == "" {
		c.Signing.Version = "2"
	}
	if c.Signing.ChainID == 0 && c.Signing.RPCURL == "" {
		c.Signing.ChainID = 1
	}
	c.Signing.DomainFile = resolve(baseDir, c.Signing.DomainFile)

	if c.Engine.EscrowAuthority == "" {
		c.Engine.EscrowAuthority = c.Escrow.Address
	}
	if c.Escrow.Name == "" {
		c.Escrow.Name = "Token Escrow Marketplace"
	}
	if c.Escrow.Version == "" {
		c.Escrow.Version = "2"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "pebble" {
		if c.Storage.PebblePath == "" {
			c.Storage.PebblePath = filepath.Join(baseDir, "data", "ledger")
		} else {
			c.Storage.PebblePath = resolve(baseDir, c.Storage.PebblePath)
		}
	}

	if c.Identity.Driver == "" {
		c.Identity.Driver = "memory"
	}
	if c.Identity.Prefix == "" {
		c.Identity.Prefix = "attest:identity"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.Attempts <= 0 {
		c.Events.Attempts = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	} else if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}
}

// Validate 检查必须提供的地址与驱动名称。
func (c *Config) Validate() error {
	for field, value := range map[string]string{
		"engine.address":          c.Engine.Address,
		"engine.initializer":      c.Engine.Initializer,
		"engine.escrow_authority": c.Engine.EscrowAuthority,
		"escrow.address":          c.Escrow.Address,
	} {
		if !common.IsHexAddress(value) {
			return fmt.Errorf("%s 不是有效地址: %q", field, value)
		}
	}
	switch c.Storage.Driver {
	case "memory", "pebble":
	case "mysql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.dsn 不能为空")
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	switch c.Identity.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("未知的身份注册表驱动: %s", c.Identity.Driver)
	}
	switch c.Events.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的事件驱动: %s", c.Events.Driver)
	}
	return nil
}

// ConnMaxLifetime 返回连接最长存活时间。
func (s StorageConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(s.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 返回连接最长空闲时间。
func (s StorageConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(s.ConnMaxIdleTimeSeconds) * time.Second
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
