package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/llm-hub/backend/internal/provider"
	"github.com/zhouzirui/llm-hub/backend/internal/provider/claude"
	"github.com/zhouzirui/llm-hub/backend/internal/provider/openaicompat"
)

const (
	EnvDevelopment = "development"
	EnvTest        = "test"

	devJWTSecret = "dev-only-insecure-secret"
)

// Config 聚合整个服务的配置项。启动后只读。
type Config struct {
	Server   ServerConfig
	App      AppConfig
	Database DatabaseConfig
	Auth     AuthConfig
	CORS     CORSConfig
	LLM      LLMConfig
	Relay    RelayConfig
	Log      LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	app := AppConfig{Environment: firstEnv(EnvDevelopment, "APP_ENV", "NODE_ENV")}

	database, err := loadDatabaseConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig(app)
	if err != nil {
		return nil, err
	}

	llm, err := loadLLMConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	defaultFormat := "json"
	if app.IsDevelopment() {
		defaultFormat = "text"
	}

	return &Config{
		Server:   server,
		App:      app,
		Database: database,
		Auth:     auth,
		CORS:     CORSConfig{Origins: splitList(firstEnv("http://localhost:3000", "CORS_ORIGINS", "FRONTEND_URL"))},
		LLM:      llm,
		Relay:    relay,
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", defaultFormat),
		},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "4000"
	}

	if strings.Contains(port, ":") {
		// 允许直接传入 ":4000" 或 "127.0.0.1:4000"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AppConfig 描述运行环境。
type AppConfig struct {
	Environment string
}

func (c AppConfig) IsDevelopment() bool {
	return c.Environment == EnvDevelopment || c.Environment == EnvTest
}

// DatabaseConfig 描述持久化连接。
type DatabaseConfig struct {
	URI string
}

func loadDatabaseConfig() (DatabaseConfig, error) {
	uri := firstEnv("mongodb://localhost:27017/llm-hub", "DATABASE_URI", "MONGODB_URI")
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme == "" {
		return DatabaseConfig{}, fmt.Errorf("invalid DATABASE_URI value")
	}
	switch parsed.Scheme {
	case "mongodb", "mongodb+srv", "postgres", "postgresql", "memory":
	default:
		return DatabaseConfig{}, fmt.Errorf("unsupported DATABASE_URI scheme %q", parsed.Scheme)
	}
	return DatabaseConfig{URI: uri}, nil
}

// AuthConfig 描述令牌签发。
type AuthConfig struct {
	Secret     string
	Expiration time.Duration
}

func loadAuthConfig(app AppConfig) (AuthConfig, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		if !app.IsDevelopment() {
			return AuthConfig{}, errors.New("JWT_SECRET is required outside development")
		}
		secret = devJWTSecret
	}

	expiration, err := ParseDuration(getEnvOrDefault("JWT_EXPIRATION", "7d"))
	if err != nil {
		return AuthConfig{}, fmt.Errorf("invalid JWT_EXPIRATION value: %w", err)
	}

	return AuthConfig{Secret: secret, Expiration: expiration}, nil
}

// CORSConfig 列出允许的来源。"*" 放行全部。
type CORSConfig struct {
	Origins []string
}

// Providers understood by LLM_PROVIDER.
const (
	ProviderClaude   = "claude"
	ProviderChatGPT  = "chatgpt"
	ProviderDeepSeek = "deepseek"
	ProviderGrok     = "grok"
	ProviderArk      = "ark"
)

// LLMConfig 描述大模型相关配置。
type LLMConfig struct {
	Provider        string
	APIKey          string
	BaseURL         string
	Model           string
	MaxTokens       int
	Temperature     *float64
	SystemPrompt    string
	UpstreamTimeout time.Duration

	// Ark 的 AK/SK 鉴权与区域。
	AccessKey string
	SecretKey string
	Region    string
}

var providerDefaults = map[string]struct {
	prefix  string
	baseURL string
	model   string
}{
	ProviderClaude:   {"CLAUDE", claude.DefaultBaseURL, claude.DefaultModel},
	ProviderChatGPT:  {"CHATGPT", "https://api.openai.com/v1", "gpt-4o-mini"},
	ProviderDeepSeek: {"DEEPSEEK", "https://api.deepseek.com/v1", "deepseek-chat"},
	ProviderGrok:     {"GROK", "https://api.x.ai/v1", "grok-2-latest"},
}

func loadLLMConfig() (LLMConfig, error) {
	name := strings.ToLower(getEnvOrDefault("LLM_PROVIDER", ProviderClaude))

	maxTokens := 1024
	if override, err := parseOptionalIntEnv("LLM_MAX_TOKENS"); err != nil {
		return LLMConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return LLMConfig{}, fmt.Errorf("invalid LLM_MAX_TOKENS value %d", *override)
		}
		maxTokens = *override
	}

	temperature, err := parseOptionalFloatEnv("LLM_TEMPERATURE")
	if err != nil {
		return LLMConfig{}, err
	}

	timeout, err := ParseDuration(getEnvOrDefault("UPSTREAM_TIMEOUT", "60s"))
	if err != nil {
		return LLMConfig{}, fmt.Errorf("invalid UPSTREAM_TIMEOUT value: %w", err)
	}

	cfg := LLMConfig{
		Provider:        name,
		Model:           strings.TrimSpace(os.Getenv("LLM_MODEL")),
		MaxTokens:       maxTokens,
		Temperature:     temperature,
		SystemPrompt:    strings.TrimSpace(os.Getenv("LLM_SYSTEM_PROMPT")),
		UpstreamTimeout: timeout,
	}

	if name == ProviderArk {
		cfg.APIKey = strings.TrimSpace(os.Getenv("ARK_API_KEY"))
		cfg.AccessKey = strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY"))
		cfg.SecretKey = strings.TrimSpace(os.Getenv("ARK_SECRET_KEY"))
		cfg.BaseURL = getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3")
		cfg.Region = getEnvOrDefault("ARK_REGION", "cn-beijing")
		if cfg.Model == "" {
			cfg.Model = strings.TrimSpace(os.Getenv("ARK_MODEL"))
		}
		return cfg, nil
	}

	defaults, ok := providerDefaults[name]
	if !ok {
		return LLMConfig{}, fmt.Errorf("unsupported LLM_PROVIDER %q", name)
	}
	cfg.APIKey = strings.TrimSpace(os.Getenv(defaults.prefix + "_API_KEY"))
	cfg.BaseURL = getEnvOrDefault(defaults.prefix+"_API_URL", defaults.baseURL)
	if cfg.Model == "" {
		cfg.Model = defaults.model
	}
	return cfg, nil
}

// Enabled 表示是否提供了必需的密钥。
func (c LLMConfig) Enabled() bool {
	if c.Provider == ProviderArk {
		return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
	}
	return c.APIKey != "" && c.Model != ""
}

// NewChatModel 使用配置创建一个模型实例。
func (c LLMConfig) NewChatModel(ctx context.Context, opts ...Option) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("%s credentials or model missing", c.Provider)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch c.Provider {
	case ProviderArk:
		maxTokens := c.MaxTokens
		chatModel, err = ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:     c.BaseURL,
			Region:      c.Region,
			APIKey:      c.APIKey,
			AccessKey:   c.AccessKey,
			SecretKey:   c.SecretKey,
			Model:       c.Model,
			MaxTokens:   &maxTokens,
			Temperature: temperature,
		})
	case ProviderClaude:
		chatModel, err = claude.NewChatModel(c.providerConfig(temperature, o))
	default:
		chatModel, err = openaicompat.NewChatModel(c.providerConfig(temperature, o))
	}
	if err != nil {
		return nil, fmt.Errorf("create %s chat model: %w", c.Provider, err)
	}
	return chatModel, nil
}

func (c LLMConfig) providerConfig(temperature *float32, o options) provider.Config {
	return provider.Config{
		Name:        c.Provider,
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		HTTPClient:  o.httpClient,
		Logger:      o.logger,
	}
}

// RelayConfig 描述流式转发行为。
type RelayConfig struct {
	Persist        bool
	HistoryLimit   int
	TurnsPerMinute int
}

func loadRelayConfig() (RelayConfig, error) {
	persist, err := parseBoolEnv("RELAY_PERSIST", true)
	if err != nil {
		return RelayConfig{}, err
	}

	history := 10
	if override, err := parseOptionalIntEnv("RELAY_HISTORY_LIMIT"); err != nil {
		return RelayConfig{}, err
	} else if override != nil {
		if *override < 0 {
			history = 0
		} else {
			history = *override
		}
	}

	turns := 20
	if override, err := parseOptionalIntEnv("RELAY_TURNS_PER_MINUTE"); err != nil {
		return RelayConfig{}, err
	} else if override != nil {
		turns = max(*override, 0)
	}

	return RelayConfig{Persist: persist, HistoryLimit: history, TurnsPerMinute: turns}, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
}

// ParseDuration accepts Go durations plus a whole-day suffix such as "7d".
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid duration %q", raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %q", raw)
	}
	return d, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// firstEnv returns the first non-empty variable among keys.
func firstEnv(defaultValue string, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.TrimRight(p, "/"))
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
