package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "ChainPulse/internal/errors"
	"ChainPulse/internal/web3"
)

// 未配置任何链时使用的公共 Esplora 接口。
const (
	DefaultChainName  = "bitcoin"
	DefaultBitcoinAPI = "https://mempool.space/api"
)

// Config 描述了 ChainPulse 启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	Session  SessionConfig  `json:"session" yaml:"session"`
	Cache    CacheConfig    `json:"cache" yaml:"cache"`
	Tools    ToolsConfig    `json:"tools" yaml:"tools"`
	Realtime RealtimeConfig `json:"realtime" yaml:"realtime"`
	Web3     Web3Config     `json:"web3" yaml:"web3"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify"`
	Archive  ArchiveConfig  `json:"archive" yaml:"archive"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Tracing  TracingConfig  `json:"tracing" yaml:"tracing"`
}

// ServerConfig 控制 HTTP 与 WebSocket 服务。
type ServerConfig struct {
	ListenAddr        string          `json:"listen_addr" yaml:"listen_addr"`
	ReadTimeout       Duration        `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout      Duration        `json:"write_timeout" yaml:"write_timeout"`
	RateLimit         RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	TurnTimeout       Duration        `json:"turn_timeout" yaml:"turn_timeout"`
	HeartbeatInterval Duration        `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	SendBuffer        int             `json:"send_buffer" yaml:"send_buffer"`
}

// RateLimitConfig 描述按客户端 IP 的令牌桶限流。
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// LLMConfig 用于选择模型供应商。
type LLMConfig struct {
	Provider  string   `json:"provider" yaml:"provider"`
	Model     string   `json:"model" yaml:"model"`
	APIKey    string   `json:"api_key" yaml:"api_key"`
	BaseURL   string   `json:"base_url" yaml:"base_url"`
	MaxTokens int      `json:"max_tokens" yaml:"max_tokens"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
}

// SessionConfig 控制会话历史与上下文窗口。
type SessionConfig struct {
	MaxHistory         int `json:"max_history" yaml:"max_history"`
	MaxContextMessages int `json:"max_context_messages" yaml:"max_context_messages"`
}

// CacheConfig 选择缓存实现。
type CacheConfig struct {
	Driver        string      `json:"driver" yaml:"driver"`
	DefaultTTL    Duration    `json:"default_ttl" yaml:"default_ttl"`
	SweepInterval Duration    `json:"sweep_interval" yaml:"sweep_interval"`
	MaxEntries    int         `json:"max_entries" yaml:"max_entries"`
	Redis         RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig 描述 Redis 缓存后端。
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// ToolsConfig 控制工具调用的超时与重试。
type ToolsConfig struct {
	MaxRetries  *int     `json:"max_retries" yaml:"max_retries"`
	BackoffBase Duration `json:"backoff_base" yaml:"backoff_base"`
	CallTimeout Duration `json:"call_timeout" yaml:"call_timeout"`
	CacheTTL    Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// RealtimeConfig 控制后台轮询。
type RealtimeConfig struct {
	BlockInterval  Duration `json:"block_interval" yaml:"block_interval"`
	FeeInterval    Duration `json:"fee_interval" yaml:"fee_interval"`
	FinalityMargin *uint64  `json:"finality_margin" yaml:"finality_margin"`
	Chain          string   `json:"chain" yaml:"chain"`
	StopWhenIdle   *bool    `json:"stop_when_idle" yaml:"stop_when_idle"`
	BroadcastGroup string   `json:"broadcast_group" yaml:"broadcast_group"`
}

// Web3Config 包含链定义文件或内联的链列表。
type Web3Config struct {
	ChainsFile   string                          `json:"chains_file" yaml:"chains_file"`
	DefaultChain string                          `json:"default_chain" yaml:"default_chain"`
	Chains       map[string]web3.ChainDefinition `json:"chains" yaml:"chains"`
}

// NotifyConfig 控制实时事件的外部投递。
type NotifyConfig struct {
	AMQP AMQPConfig `json:"amqp" yaml:"amqp"`
}

// AMQPConfig 为空 URL 时不启用 RabbitMQ 投递。
type AMQPConfig struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
}

// ArchiveConfig 为空 DSN 时不启用 MySQL 快照归档。
type ArchiveConfig struct {
	DSN             string   `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string   `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"`
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
	MaxSizeMB   int      `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups  int      `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays  int      `json:"max_age_days" yaml:"max_age_days"`
	Compress    bool     `json:"compress" yaml:"compress"`
	AuditPath   string   `json:"audit_path" yaml:"audit_path"`
}

// TracingConfig 控制 OpenTelemetry。
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// Load 解析指定路径的配置文件，扩展名为 .yaml/.yml 时按 YAML 解析，其余按 JSON。
// 路径为空时返回纯默认配置。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."

	if strings.TrimSpace(path) != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(content, &cfg)
		default:
			err = json.Unmarshal(content, &cfg)
		}
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析配置失败")
		}
		baseDir = filepath.Dir(path)
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 使用环境变量覆盖敏感或部署相关的字段。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, target *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*target = strings.TrimSpace(v)
		}
	}
	set("CHAINPULSE_LLM_PROVIDER", &c.LLM.Provider)
	set("CHAINPULSE_LISTEN_ADDR", &c.Server.ListenAddr)
	set("CHAINPULSE_REDIS_ADDR", &c.Cache.Redis.Addr)
	set("CHAINPULSE_MYSQL_DSN", &c.Archive.DSN)
	set("CHAINPULSE_AMQP_URL", &c.Notify.AMQP.URL)

	switch strings.ToLower(c.LLM.Provider) {
	case "anthropic":
		if c.LLM.APIKey == "" {
			set("ANTHROPIC_API_KEY", &c.LLM.APIKey)
		}
	case "openai":
		if c.LLM.APIKey == "" {
			set("OPENAI_API_KEY", &c.LLM.APIKey)
		}
	}
	if c.Cache.Redis.Addr != "" && c.Cache.Driver == "" {
		c.Cache.Driver = "redis"
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	defaultDuration(&c.Server.ReadTimeout, 15*time.Second)
	defaultDuration(&c.Server.WriteTimeout, 15*time.Second)
	defaultDuration(&c.Server.TurnTimeout, 60*time.Second)
	defaultDuration(&c.Server.HeartbeatInterval, 30*time.Second)
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.RateLimit.RequestsPerSecond == 0 {
		c.Server.RateLimit.RequestsPerSecond = 10
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 20
	}
	if c.Server.SendBuffer == 0 {
		c.Server.SendBuffer = 64
	}

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = "mock"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1024
	}
	defaultDuration(&c.LLM.Timeout, 60*time.Second)

	if c.Session.MaxHistory == 0 {
		c.Session.MaxHistory = 50
	}
	if c.Session.MaxContextMessages == 0 {
		c.Session.MaxContextMessages = 20
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	defaultDuration(&c.Cache.DefaultTTL, 5*time.Minute)
	defaultDuration(&c.Cache.SweepInterval, time.Minute)
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 4096
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "chainpulse:"
	}

	if c.Tools.MaxRetries == nil {
		retries := 2
		c.Tools.MaxRetries = &retries
	}
	defaultDuration(&c.Tools.BackoffBase, time.Second)
	defaultDuration(&c.Tools.CallTimeout, 10*time.Second)
	defaultDuration(&c.Tools.CacheTTL, 15*time.Second)

	defaultDuration(&c.Realtime.BlockInterval, 60*time.Second)
	defaultDuration(&c.Realtime.FeeInterval, 30*time.Second)
	if c.Realtime.FinalityMargin == nil {
		margin := uint64(1)
		c.Realtime.FinalityMargin = &margin
	}
	if c.Realtime.StopWhenIdle == nil {
		stop := true
		c.Realtime.StopWhenIdle = &stop
	}

	if c.Web3.ChainsFile != "" && !filepath.IsAbs(c.Web3.ChainsFile) {
		c.Web3.ChainsFile = filepath.Join(baseDir, c.Web3.ChainsFile)
	}
	if c.Web3.ChainsFile == "" && len(c.Web3.Chains) == 0 {
		c.Web3.Chains = map[string]web3.ChainDefinition{
			DefaultChainName: {Type: web3.TypeBitcoin, APIURL: DefaultBitcoinAPI, Default: true},
		}
	}

	if c.Notify.AMQP.Exchange == "" {
		c.Notify.AMQP.Exchange = "chainpulse.realtime"
	}

	if c.Archive.MaxOpenConns == 0 {
		c.Archive.MaxOpenConns = 10
	}
	if c.Archive.MaxIdleConns == 0 {
		c.Archive.MaxIdleConns = 5
	}
	defaultDuration(&c.Archive.ConnMaxLifetime, 30*time.Minute)

	if c.Logging.AuditPath != "" && !filepath.IsAbs(c.Logging.AuditPath) {
		c.Logging.AuditPath = filepath.Join(baseDir, c.Logging.AuditPath)
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "chainpulse"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1
	}
}

func defaultDuration(target *Duration, fallback time.Duration) {
	if *target == 0 {
		*target = Duration(fallback)
	}
}

// Validate 检查配置组合是否合法。
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai", "mock":
	default:
		return xerrors.Newf(xerrors.CodeConfigInvalid, "不支持的模型供应商 %q", c.LLM.Provider)
	}
	switch c.Cache.Driver {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return xerrors.New(xerrors.CodeConfigInvalid, "redis 缓存需要配置 addr")
		}
	default:
		return xerrors.Newf(xerrors.CodeConfigInvalid, "不支持的缓存驱动 %q", c.Cache.Driver)
	}
	if c.Realtime.BlockInterval <= 0 || c.Realtime.FeeInterval <= 0 {
		return xerrors.New(xerrors.CodeConfigInvalid, "轮询间隔必须为正数")
	}
	if c.Session.MaxHistory < 1 || c.Session.MaxContextMessages < 1 {
		return xerrors.New(xerrors.CodeConfigInvalid, "会话历史与上下文上限必须至少为 1")
	}
	if c.Tools.Retries() < 0 {
		return xerrors.New(xerrors.CodeConfigInvalid, "重试次数不能为负数")
	}
	if c.Server.TurnTimeout <= 0 || c.Server.HeartbeatInterval <= 0 {
		return xerrors.New(xerrors.CodeConfigInvalid, "超时与心跳间隔必须为正数")
	}
	return nil
}

// Finality 返回确认深度，未设置时为 1。
func (r RealtimeConfig) Finality() uint64 {
	if r.FinalityMargin == nil {
		return 1
	}
	return *r.FinalityMargin
}

// IdleStop 返回最后一个客户端断开时是否停止轮询。
func (r RealtimeConfig) IdleStop() bool {
	return r.StopWhenIdle == nil || *r.StopWhenIdle
}

// Retries 返回临时故障的额外重试次数，未设置时为 2。
func (t ToolsConfig) Retries() int {
	if t.MaxRetries == nil {
		return 2
	}
	return *t.MaxRetries
}
