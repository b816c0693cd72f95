package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research agent system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Security  SecurityConfig  `mapstructure:"security"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type        string        `mapstructure:"type"` // openai, anthropic, local, etc.
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Backoff     time.Duration `mapstructure:"backoff"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
}

// LLMRoutingConfig defines which model to use for different decision nodes
type LLMRoutingConfig struct {
	Classification string `mapstructure:"classification"` // persona routing
	Planning       string `mapstructure:"planning"`       // research plan generation
	Supervision    string `mapstructure:"supervision"`    // quality gating
	Synthesis      string `mapstructure:"synthesis"`      // report writing
	Chat           string `mapstructure:"chat"`           // conversational replies
	Fallback       string `mapstructure:"fallback"`       // fallback model
}

// SecurityConfig controls the input sanitizer boundary.
type SecurityConfig struct {
	PolicyFile     string  `mapstructure:"policy_file"`      // optional YAML with injection patterns
	MaxInputChars  int     `mapstructure:"max_input_chars"`  // ceiling before reject
	MaxSymbolRatio float64 `mapstructure:"max_symbol_ratio"` // non-alphanumeric ratio before reject
}

// Normalize applies documented defaults for unset sanitizer thresholds.
func (s SecurityConfig) Normalize() SecurityConfig {
	if s.MaxInputChars <= 0 {
		s.MaxInputChars = 1000
	}
	if s.MaxSymbolRatio <= 0 {
		s.MaxSymbolRatio = 0.3
	}
	return s
}

// AgentConfig bounds the orchestration loop.
type AgentConfig struct {
	MaxIterations      int           `mapstructure:"max_iterations"`      // supervisor loop cap
	MaxPlanSteps       int           `mapstructure:"max_plan_steps"`      // plan length cap
	MaxToolCalls       int           `mapstructure:"max_tool_calls"`      // per-turn tool call budget
	MaxModelCalls      int           `mapstructure:"max_model_calls"`     // per-turn model call budget
	TurnTimeout        time.Duration `mapstructure:"turn_timeout"`        // wall-time budget per turn
	PerCallTimeout     time.Duration `mapstructure:"per_call_timeout"`    // model/tool call timeout
	MinFindingChars    int           `mapstructure:"min_finding_chars"`   // sufficiency: minimum content
	RelevanceThreshold float64       `mapstructure:"relevance_threshold"` // sufficiency: BM25 score floor
	HistoryWindow      int           `mapstructure:"history_window"`      // turns of context for model nodes
}

// Normalize applies defaults for unset loop bounds.
func (a AgentConfig) Normalize() AgentConfig {
	if a.MaxIterations <= 0 {
		a.MaxIterations = 3
	}
	if a.MaxPlanSteps <= 0 {
		a.MaxPlanSteps = 10
	}
	if a.MaxToolCalls <= 0 {
		a.MaxToolCalls = 30
	}
	if a.MaxModelCalls <= 0 {
		a.MaxModelCalls = 20
	}
	if a.TurnTimeout <= 0 {
		a.TurnTimeout = 10 * time.Minute
	}
	if a.PerCallTimeout <= 0 {
		a.PerCallTimeout = 60 * time.Second
	}
	if a.MinFindingChars <= 0 {
		a.MinFindingChars = 100
	}
	if a.RelevanceThreshold <= 0 {
		// bleve BM25 scores on short finding corpora sit in the low
		// hundredths; a relevant hit typically lands around 0.02
		a.RelevanceThreshold = 0.01
	}
	if a.HistoryWindow <= 0 {
		a.HistoryWindow = 4
	}
	return a
}

// ToolsConfig contains research tool provider settings
type ToolsConfig struct {
	Search SearchConfig `mapstructure:"search"`
	Scrape ScrapeConfig `mapstructure:"scrape"`
	Tavily TavilyConfig `mapstructure:"tavily"`
}

// SearchConfig contains discovery-tier web search settings
type SearchConfig struct {
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ScrapeConfig contains deep-dive-tier headless scraping settings
type ScrapeConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxPages int           `mapstructure:"max_pages"`
	MaxChars int           `mapstructure:"max_chars"`
}

// TavilyConfig contains fallback-tier research API settings
type TavilyConfig struct {
	APIKey   string        `mapstructure:"api_key"`
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres       PostgresConfig `mapstructure:"postgres"`
	Redis          RedisConfig    `mapstructure:"redis"`
	SessionBackend string         `mapstructure:"session_backend"` // inmemory or redis
	SessionTTL     time.Duration  `mapstructure:"session_ttl"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	LogFile      string `mapstructure:"log_file"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("storage.session_backend", "inmemory")
	viper.SetDefault("storage.session_ttl", "4h")
	viper.SetDefault("security.max_input_chars", 1000)
	viper.SetDefault("security.max_symbol_ratio", 0.3)
	viper.SetDefault("agent.max_iterations", 3)
	viper.SetDefault("agent.max_plan_steps", 10)
	viper.SetDefault("agent.max_tool_calls", 30)
	viper.SetDefault("tools.search.max_results", 8)
	viper.SetDefault("tools.scrape.max_pages", 3)
	viper.SetDefault("tools.scrape.max_chars", 20000)
	viper.SetDefault("tools.tavily.endpoint", "https://api.tavily.com/search")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("PROSPECT")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Security = config.Security.Normalize()
	config.Agent = config.Agent.Normalize()

	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
