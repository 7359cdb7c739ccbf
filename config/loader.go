// =============================================================================
// 📦 Gateway 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("langdb.yaml").
//	    WithEnvPrefix("LANGDB").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量 → 兼容环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/flowgate/gateway/gateway/guard"
	"github.com/flowgate/gateway/gateway/pricing"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是网关的完整配置结构
type Config struct {
	// REST HTTP 服务配置
	REST RESTConfig `yaml:"rest" env:"REST"`

	// Trace 入站 OTLP 采集器配置
	Trace TraceConfig `yaml:"trace" env:"TRACE"`

	// ClickHouse 列式存储配置（可选，未配置时 span 写入为 no-op）
	ClickHouse ClickHouseConfig `yaml:"clickhouse" env:"CLICKHOUSE"`

	// Redis 计数器后端配置（可选，未配置时使用进程内存计数器）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// CostControl 租户费用上限
	CostControl CostControlConfig `yaml:"cost_control" env:"COST_CONTROL"`

	// RateLimit HTTP 层 api_calls 限流
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`

	// Providers 上游提供者凭证
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`

	// Guards 对每个请求按声明顺序评估的守卫
	Guards []guard.Guard `yaml:"guards"`

	// Models 内联模型目录（为空时使用内置目录 + 用户覆盖文件）
	Models []pricing.ModelMetadata `yaml:"models"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 出站遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// RESTConfig HTTP 服务配置
type RESTConfig struct {
	// 监听地址
	Host string `yaml:"host" env:"HOST"`
	// 监听端口
	Port int `yaml:"port" env:"PORT"`
	// 允许的 CORS 来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 单请求硬超时
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 单 IP 每秒请求数上限，0 表示关闭
	IPRateLimitRPS float64 `yaml:"ip_rate_limit_rps" env:"IP_RATE_LIMIT_RPS"`
	// 单 IP 突发请求上限
	IPRateLimitBurst int `yaml:"ip_rate_limit_burst" env:"IP_RATE_LIMIT_BURST"`
	// 网关自身的 Bearer API Key 列表，为空时不鉴权
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
}

// Addr 返回监听地址
func (c RESTConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TraceConfig 入站 OTLP 采集器配置
type TraceConfig struct {
	// 是否启用采集器
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// gRPC 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
}

// ClickHouseConfig 列式存储配置
type ClickHouseConfig struct {
	// HTTP 接口 URL，凭证与库名随 URL 传递
	URL string `yaml:"url" env:"URL"`
	// 用户名（可选，拼入 URL）
	User string `yaml:"user" env:"USER"`
	// 密码（可选）
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（可选）
	Database string `yaml:"database" env:"DATABASE"`
	// 协议（http/https，可选）
	Protocol string `yaml:"protocol" env:"PROTOCOL"`
}

// RedisConfig Redis 计数器后端
type RedisConfig struct {
	// 地址；为空时禁用 Redis
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
}

// CostControlConfig 租户费用上限（美元），空值表示不限
type CostControlConfig struct {
	Daily   *float64 `yaml:"daily,omitempty"`
	Monthly *float64 `yaml:"monthly,omitempty"`
	Total   *float64 `yaml:"total,omitempty"`
}

// RateLimitConfig HTTP 层 api_calls 计数上限，空值表示不限
type RateLimitConfig struct {
	Hourly  *float64 `yaml:"hourly,omitempty"`
	Daily   *float64 `yaml:"daily,omitempty"`
	Monthly *float64 `yaml:"monthly,omitempty"`
}

// ProvidersConfig 上游提供者凭证。Cohere/Jina/Voyage 仅服务 embedding，
// Flux 仅服务图像生成，Tavily 预留给工具桥接。
type ProvidersConfig struct {
	OpenAI    ProviderKeyConfig     `yaml:"openai" env:"OPENAI"`
	Anthropic ProviderKeyConfig     `yaml:"anthropic" env:"ANTHROPIC"`
	Gemini    ProviderKeyConfig     `yaml:"gemini" env:"GEMINI"`
	Bedrock   BedrockProviderConfig `yaml:"bedrock" env:"BEDROCK"`
	Cohere    ProviderKeyConfig     `yaml:"cohere" env:"COHERE"`
	Jina      ProviderKeyConfig     `yaml:"jina" env:"JINA"`
	Voyage    ProviderKeyConfig     `yaml:"voyage" env:"VOYAGE"`
	Flux      ProviderKeyConfig     `yaml:"flux" env:"FLUX"`
	Tavily    ProviderKeyConfig     `yaml:"tavily" env:"TAVILY"`
}

// ProviderKeyConfig 单个提供者的 API 凭证
type ProviderKeyConfig struct {
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
}

// BedrockProviderConfig AWS Bedrock 凭证
type BedrockProviderConfig struct {
	Region          string `yaml:"region" env:"REGION"`
	AssumeRoleARN   string `yaml:"assume_role_arn" env:"ASSUME_ROLE_ARN"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig 出站遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "LANGDB",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量 → 兼容环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 兼容既有部署使用的环境变量名
	applyCompatEnv(cfg)

	// 5. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// applyCompatEnv 识别既有部署的环境变量名，保持兼容
func applyCompatEnv(cfg *Config) {
	if v := os.Getenv("RUST_LOG"); v != "" {
		cfg.Log.Level = normalizeLogLevel(v)
	}
	if v := os.Getenv("LANGDB_OPENAI_API_KEY"); v != "" && cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("TAVILY_API_KEY"); v != "" && cfg.Providers.Tavily.APIKey == "" {
		cfg.Providers.Tavily.APIKey = v
	}
	if v := os.Getenv("AWS_DEFAULT_REGION"); v != "" && cfg.Providers.Bedrock.Region == "" {
		cfg.Providers.Bedrock.Region = v
	}
	if v := os.Getenv("AWS_ASSUME_ROLE_ARN"); v != "" && cfg.Providers.Bedrock.AssumeRoleARN == "" {
		cfg.Providers.Bedrock.AssumeRoleARN = v
	}
	if v := os.Getenv("CLICKHOUSE_DATA_URL"); v != "" {
		cfg.ClickHouse.URL = v
	}
	if v := os.Getenv("CLICKHOUSE_DATA_USER"); v != "" {
		cfg.ClickHouse.User = v
	}
	if v := os.Getenv("CLICKHOUSE_DATA_PASSWORD"); v != "" {
		cfg.ClickHouse.Password = v
	}
	if v := os.Getenv("CLICKHOUSE_DATA_DATABASE"); v != "" {
		cfg.ClickHouse.Database = v
	}
	if v := os.Getenv("CLICKHOUSE_DATA_PROTOCOL"); v != "" {
		cfg.ClickHouse.Protocol = v
	}
}

// normalizeLogLevel 将 RUST_LOG 风格的过滤表达式折算成单一级别
func normalizeLogLevel(v string) string {
	// "info,ai_gateway=debug" 之类的表达式取第一段
	first := strings.SplitN(v, ",", 2)[0]
	switch strings.ToLower(strings.TrimSpace(first)) {
	case "trace", "debug":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return "info"
	}
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.REST.Port <= 0 || c.REST.Port > 65535 {
		errs = append(errs, "invalid REST port")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "sample_rate must be between 0 and 1")
	}
	for i := range c.Guards {
		g := &c.Guards[i]
		if g.ID == "" {
			errs = append(errs, fmt.Sprintf("guard %d missing id", i))
		}
		if g.Kind == "" {
			errs = append(errs, fmt.Sprintf("guard %q missing type", g.ID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DataURL 拼出带凭证与库名的 ClickHouse HTTP URL
func (c *ClickHouseConfig) DataURL() string {
	if c.URL == "" {
		return ""
	}
	u := c.URL
	if c.Protocol != "" && !strings.Contains(u, "://") {
		u = c.Protocol + "://" + u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	var params []string
	if c.User != "" {
		params = append(params, "user="+c.User)
	}
	if c.Password != "" {
		params = append(params, "password="+c.Password)
	}
	if c.Database != "" {
		params = append(params, "database="+c.Database)
	}
	if len(params) == 0 {
		return u
	}
	return u + sep + strings.Join(params, "&")
}
