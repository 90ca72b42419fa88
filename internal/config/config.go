package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"ChainChat/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "CHAINCHAT_CONFIG"

// DefaultPath 是未指定路径时加载的配置文件。
var DefaultPath = filepath.Join("configs", "chainchat.json")

// DefaultSystemPrompt 描述助手的身份以及使用确认工具的约束。
const DefaultSystemPrompt = `You are a helpful on-chain assistant. You can check the wallet balance, convert between currencies, send native tokens and swap tokens.
Before any action that moves funds (transfer, swap, bridge) you must call askForConfirmation with the action type, a short human readable message and the exact parameters.
Only perform the action after the user confirms it. Never invent transaction hashes or balances; always use the tools.`

// Config 描述了服务在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  logger.Config  `json:"logging"`
	LLM      LLMConfig      `json:"llm"`
	Agent    AgentConfig    `json:"agent"`
	Web3     Web3Config     `json:"web3"`
	Storage  StorageConfig  `json:"storage"`
	Latch    LatchConfig    `json:"latch"`
	Events   EventsConfig   `json:"events"`
	Rates    RatesConfig    `json:"rates"`
	Metrics  MetricsConfig  `json:"metrics"`
	Alerting AlertingConfig `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                string `json:"address"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds"`
}

// LLMConfig 用于配置远程与本地两类模型后端。
type LLMConfig struct {
	SystemPrompt string        `json:"system_prompt"`
	Remote       BackendConfig `json:"remote"`
	Local        BackendConfig `json:"local"`
}

// BackendConfig 描述一个 OpenAI 兼容的推理端点。
type BackendConfig struct {
	BaseURL        string  `json:"base_url"`
	Model          string  `json:"model"`
	APIKey         string  `json:"api_key"`
	APIKeyEnv      string  `json:"api_key_env"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	Temperature    float32 `json:"temperature"`
}

// ResolveAPIKey 优先使用显式配置的密钥，其次读取环境变量。
func (b BackendConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(b.APIKey); key != "" {
		return key
	}
	if b.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(b.APIKeyEnv))
	}
	return ""
}

// AgentConfig 控制单轮对话的编排参数。
type AgentConfig struct {
	MaxSteps                int `json:"max_steps"`
	ExecutionTimeoutSeconds int `json:"execution_timeout_seconds"`
}

// Web3Config 包含访问区块链节点以及钱包签名所需的参数。
type Web3Config struct {
	ChainConfig           string `json:"chain_config"`
	DefaultChain          string `json:"default_chain"`
	RPCURL                string `json:"rpc_url"`
	PrivateKey            string `json:"private_key"`
	PrivateKeyEnv         string `json:"private_key_env"`
	MaxNativeValue        string `json:"max_native_value"`
	ReceiptTimeoutSeconds int    `json:"receipt_timeout_seconds"`
}

// StorageConfig 描述会话存储的后端。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// LatchConfig 描述执行锁的后端，多实例部署时使用 redis。
type LatchConfig struct {
	Driver     string `json:"driver"`
	Address    string `json:"address"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	Prefix     string `json:"prefix"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// EventsConfig 描述生命周期事件的外发通道。
type EventsConfig struct {
	Driver   string `json:"driver"`
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	Queue    string `json:"queue"`
	Durable  bool   `json:"durable"`
}

// RatesConfig 描述 convert 工具使用的汇率来源。
type RatesConfig struct {
	Provider        string             `json:"provider"`
	Table           map[string]float64 `json:"table"`
	FallbackRate    float64            `json:"fallback_rate"`
	Endpoint        string             `json:"endpoint"`
	CacheTTLSeconds int                `json:"cache_ttl_seconds"`
}

// MetricsConfig 控制 Prometheus 指标的暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AlertingConfig 控制告警的外发渠道。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ResolvePath 按 flag、环境变量、默认值的顺序确定配置文件路径。
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
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

	cfg, err := Parse(content, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析 JSON 内容，相对路径以 baseDir 为基准。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
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
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.LLM.SystemPrompt == "" {
		c.LLM.SystemPrompt = DefaultSystemPrompt
	}
	if c.LLM.Remote.Model == "" {
		c.LLM.Remote.Model = "gpt-4o"
	}
	if c.LLM.Remote.APIKeyEnv == "" {
		c.LLM.Remote.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Remote.TimeoutSeconds <= 0 {
		c.LLM.Remote.TimeoutSeconds = 60
	}
	if c.LLM.Local.BaseURL == "" {
		c.LLM.Local.BaseURL = "http://localhost:11434/v1"
	}
	if c.LLM.Local.Model == "" {
		c.LLM.Local.Model = "llama3.1:latest"
	}
	if c.LLM.Local.TimeoutSeconds <= 0 {
		c.LLM.Local.TimeoutSeconds = 120
	}

	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 5
	}
	if c.Agent.ExecutionTimeoutSeconds <= 0 {
		c.Agent.ExecutionTimeoutSeconds = 180
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.PrivateKeyEnv == "" {
		c.Web3.PrivateKeyEnv = "CHAINCHAT_PRIVATE_KEY"
	}
	if c.Web3.ReceiptTimeoutSeconds <= 0 {
		c.Web3.ReceiptTimeoutSeconds = 120
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Latch.Driver == "" {
		c.Latch.Driver = "memory"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Driver == "rabbitmq" && c.Events.Queue == "" {
		c.Events.Queue = "chainchat.invocations"
	}

	if c.Rates.Provider == "" {
		c.Rates.Provider = "static"
	}
	if c.Rates.FallbackRate <= 0 {
		c.Rates.FallbackRate = 0.85
	}
	if c.Rates.CacheTTLSeconds <= 0 {
		c.Rates.CacheTTLSeconds = 300
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
}

// Validate 拒绝相互矛盾或不完整的配置。
func (c *Config) Validate() error {
	var problems []string

	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			problems = append(problems, "storage.driver=mysql 需要配置 storage.dsn")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的存储驱动: %s", c.Storage.Driver))
	}

	switch c.Latch.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Latch.Address) == "" {
			problems = append(problems, "latch.driver=redis 需要配置 latch.address")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的执行锁驱动: %s", c.Latch.Driver))
	}

	switch c.Events.Driver {
	case "memory":
	case "rabbitmq":
		if strings.TrimSpace(c.Events.URL) == "" {
			problems = append(problems, "events.driver=rabbitmq 需要配置 events.url")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的事件驱动: %s", c.Events.Driver))
	}

	switch c.Rates.Provider {
	case "static":
	case "http":
		if strings.TrimSpace(c.Rates.Endpoint) == "" {
			problems = append(problems, "rates.provider=http 需要配置 rates.endpoint")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的汇率来源: %s", c.Rates.Provider))
	}

	if c.Agent.MaxSteps > 50 {
		problems = append(problems, "agent.max_steps 不能超过 50")
	}

	if len(problems) > 0 {
		return fmt.Errorf("配置无效: %s", strings.Join(problems, "; "))
	}
	return nil
}
