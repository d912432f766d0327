package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"Oracle-Relay/internal/storage/mysql"
	"Oracle-Relay/pkg/logger"
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "ORACLE_RELAY_CONFIG"

// DefaultPath 是未设置环境变量时使用的配置文件。
var DefaultPath = filepath.Join("configs", "relay.yaml")

// Config 描述了 oracle-relayd 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Logging   logger.Config     `yaml:"logging"`
	Ledger    LedgerConfig      `yaml:"ledger"`
	Genesis   map[string]uint64 `yaml:"genesis"`
	Relay     RelayConfig       `yaml:"relay"`
	Oracle    OracleConfig      `yaml:"oracle"`
	Scheduler SchedulerConfig   `yaml:"scheduler"`
	Alerting  AlertingConfig    `yaml:"alerting"`
	Auth      AuthConfig        `yaml:"auth"`
	Runtime   RuntimeConfig     `yaml:"runtime"`
}

// ServerConfig 控制 API 与指标服务的监听地址。
type ServerConfig struct {
	Address        string `yaml:"address"`
	MetricsAddress string `yaml:"metrics_address"`
	// MaxClockSkew 是请求签名时间戳允许的偏差。
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
}

// LedgerConfig 选择账本后端。
type LedgerConfig struct {
	Driver string       `yaml:"driver"`
	MySQL  mysql.Config `yaml:"mysql"`
	// SQLitePath 为相对路径时基于配置文件所在目录解析。
	SQLitePath string `yaml:"sqlite_path"`
}

// RelayConfig 描述中继程序的部署参数。
type RelayConfig struct {
	ProgramID     string `yaml:"program_id"`
	DefaultPrompt string `yaml:"default_prompt"`
	// Bootstrap 为 true 时启动阶段自动完成 initialize。
	Bootstrap bool `yaml:"bootstrap"`
}

// OracleConfig 描述预言机程序与执行推理的后端。
type OracleConfig struct {
	Driver         string             `yaml:"driver"`
	ProgramID      string             `yaml:"program_id"`
	Operator       string             `yaml:"operator"`
	InteractionFee uint64             `yaml:"interaction_fee"`
	Remote         RemoteOracleConfig `yaml:"remote"`
	LLM            LLMConfig          `yaml:"llm"`
	Workers        int                `yaml:"workers"`
	Timeout        time.Duration      `yaml:"timeout"`
	// SweepInterval 是本地预言机扫描未回调交互的周期，负数关闭。
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RemoteOracleConfig 描述远端预言机网关。
type RemoteOracleConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
	// ReconcileInterval 是重新登记未回调交互的周期，负数关闭。
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// LLMConfig 用于配置本地预言机调用的大模型。
type LLMConfig struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
	// Reply 是 static provider 的固定回复，为空时回显提示词。
	Reply string `yaml:"reply"`
}

// SchedulerConfig 描述调度程序、任务队列与执行方。
type SchedulerConfig struct {
	ProgramID       string          `yaml:"program_id"`
	QueueName       string          `yaml:"queue_name"`
	UpdateAuthority string          `yaml:"update_authority"`
	MinCrankReward  uint64          `yaml:"min_crank_reward"`
	Capacity        uint16          `yaml:"capacity"`
	Crank           string          `yaml:"crank"`
	Workers         int             `yaml:"workers"`
	Queue           QueueConfig     `yaml:"queue"`
	TaskStore       TaskStoreConfig `yaml:"task_store"`
}

// QueueConfig 选择任务投递通道。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Size     int            `yaml:"size"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列。
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Queue     string        `yaml:"queue"`
	BlockWait time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL                string `yaml:"url"`
	Queue              string `yaml:"queue"`
	Prefetch           int    `yaml:"prefetch"`
	Durable            bool   `yaml:"durable"`
	AutoDelete         bool   `yaml:"auto_delete"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
}

// TaskStoreConfig 选择任务记录的存储后端。
type TaskStoreConfig struct {
	Driver     string       `yaml:"driver"`
	MySQL      mysql.Config `yaml:"mysql"`
	SQLitePath string       `yaml:"sqlite_path"`
}

// AlertingConfig 描述任务失败告警。
type AlertingConfig struct {
	WebhookURL  string `yaml:"webhook_url"`
	MinSeverity string `yaml:"min_severity"`
}

// AuthConfig 为签名地址授予角色。oracle.operator 自动获得 oracle 角色。
// ledger 使用 SQL 后端时角色写入同一数据库的 relay_roles 表。
type AuthConfig struct {
	Admins  []string    `yaml:"admins"`
	Oracles []string    `yaml:"oracles"`
	Nonces  NonceConfig `yaml:"nonces"`
}

// NonceConfig 选择已用请求 nonce 的记录位置，多实例部署应使用 redis。
type NonceConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir  string `yaml:"data_dir"`
	MaxDepth int    `yaml:"max_depth"`
}

// PathFromEnv 返回环境变量指定的配置路径，未设置时返回默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(content, filepath.Dir(path))
}

// Parse 解析配置内容，相对路径基于 baseDir。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
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
	if c.Server.MaxClockSkew <= 0 {
		c.Server.MaxClockSkew = 5 * time.Minute
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	c.Ledger.SQLitePath = c.resolveData(c.Ledger.SQLitePath, "ledger.db")

	if c.Oracle.Driver == "" {
		c.Oracle.Driver = "local"
	}
	if c.Oracle.LLM.Provider == "" {
		c.Oracle.LLM.Provider = "static"
	}
	if c.Oracle.Workers <= 0 {
		c.Oracle.Workers = 1
	}
	if c.Oracle.Timeout <= 0 {
		c.Oracle.Timeout = 30 * time.Second
	}

	if c.Scheduler.QueueName == "" {
		c.Scheduler.QueueName = "relay"
	}
	if c.Scheduler.Capacity == 0 {
		c.Scheduler.Capacity = 1024
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 1
	}
	if c.Scheduler.Queue.Driver == "" {
		c.Scheduler.Queue.Driver = "memory"
	}
	if c.Scheduler.Queue.Size <= 0 {
		c.Scheduler.Queue.Size = 1024
	}
	if c.Scheduler.TaskStore.Driver == "" {
		c.Scheduler.TaskStore.Driver = "memory"
	}
	if c.Auth.Nonces.Driver == "" {
		c.Auth.Nonces.Driver = "memory"
	}
	c.Scheduler.TaskStore.SQLitePath = c.resolveData(c.Scheduler.TaskStore.SQLitePath, "tasks.db")
}

func (c *Config) resolveData(path, fallback string) string {
	if path == "" {
		return filepath.Join(c.Runtime.DataDir, fallback)
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Runtime.DataDir, path)
}

// Validate 校验枚举字段与地址格式。
func (c *Config) Validate() error {
	if err := oneOf("ledger.driver", c.Ledger.Driver, "memory", "mysql", "sqlite"); err != nil {
		return err
	}
	if c.Ledger.Driver == "mysql" && strings.TrimSpace(c.Ledger.MySQL.DSN) == "" {
		return errors.New("ledger.mysql.dsn 不能为空")
	}
	if err := oneOf("oracle.driver", c.Oracle.Driver, "local", "remote"); err != nil {
		return err
	}
	if c.Oracle.Driver == "remote" && strings.TrimSpace(c.Oracle.Remote.BaseURL) == "" {
		return errors.New("oracle.remote.base_url 不能为空")
	}
	if err := oneOf("oracle.llm.provider", c.Oracle.LLM.Provider, "static", "openai"); err != nil {
		return err
	}
	if err := oneOf("scheduler.queue.driver", c.Scheduler.Queue.Driver, "memory", "redis", "rabbitmq"); err != nil {
		return err
	}
	if err := oneOf("scheduler.task_store.driver", c.Scheduler.TaskStore.Driver, "memory", "mysql", "sqlite"); err != nil {
		return err
	}
	if c.Scheduler.TaskStore.Driver == "mysql" && strings.TrimSpace(c.Scheduler.TaskStore.MySQL.DSN) == "" {
		return errors.New("scheduler.task_store.mysql.dsn 不能为空")
	}
	if err := oneOf("auth.nonces.driver", c.Auth.Nonces.Driver, "memory", "redis"); err != nil {
		return err
	}
	if c.Auth.Nonces.Driver == "redis" && strings.TrimSpace(c.Auth.Nonces.Redis.Address) == "" {
		return errors.New("auth.nonces.redis.address 不能为空")
	}
	addresses := map[string]string{
		"relay.program_id":           c.Relay.ProgramID,
		"oracle.program_id":          c.Oracle.ProgramID,
		"oracle.operator":            c.Oracle.Operator,
		"scheduler.program_id":       c.Scheduler.ProgramID,
		"scheduler.update_authority": c.Scheduler.UpdateAuthority,
		"scheduler.crank":            c.Scheduler.Crank,
	}
	for field, value := range addresses {
		if value != "" && !common.IsHexAddress(value) {
			return fmt.Errorf("%s 不是合法地址: %q", field, value)
		}
	}
	for _, group := range [][]string{c.Auth.Admins, c.Auth.Oracles} {
		for _, addr := range group {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("auth 中的地址不合法: %q", addr)
			}
		}
	}
	for addr := range c.Genesis {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("genesis 中的地址不合法: %q", addr)
		}
	}
	return nil
}

// Address 把可选的十六进制地址转换为 common.Address，空串返回零地址。
func Address(value string) common.Address {
	if value == "" {
		return common.Address{}
	}
	return common.HexToAddress(value)
}

// GenesisBalances 返回初始余额。
func (c *Config) GenesisBalances() map[common.Address]uint64 {
	balances := make(map[common.Address]uint64, len(c.Genesis))
	for addr, amount := range c.Genesis {
		balances[common.HexToAddress(addr)] = amount
	}
	return balances
}

// ResolveSecret 优先使用显式值，其次读取 envName 指定的环境变量。
func ResolveSecret(value, envName string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	if envName == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s 取值 %q 不受支持，可选 %s", field, value, strings.Join(allowed, "|"))
}
