package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestration core.
type Config struct {
	General  GeneralConfig  `mapstructure:"general"`
	Server   ServerConfig   `mapstructure:"server"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Index    IndexConfig    `mapstructure:"index"`
	Scoring  ScoringConfig  `mapstructure:"scoring"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Events   EventsConfig   `mapstructure:"events"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret is required")
	}
	return nil
}

// LLMConfig contains provider configurations for the gateway.
type LLMConfig struct {
	Providers  []ProviderConfig `mapstructure:"providers"`
	MaxRetries int              `mapstructure:"max_retries"`
	Backoff    time.Duration    `mapstructure:"backoff"`
	// HealthWindow is the number of trailing attempts tracked per provider.
	HealthWindow int `mapstructure:"health_window"`
}

// ProviderConfig represents a single LLM provider configuration.
// Priority 0 is highest; providers with equal health keep this order.
type ProviderConfig struct {
	Name           string        `mapstructure:"name"`
	Type           string        `mapstructure:"type"` // openai, anthropic
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	MaxContext     int           `mapstructure:"max_context"`
	CostTier       int           `mapstructure:"cost_tier"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Priority       int           `mapstructure:"priority"`
}

func (l LLMConfig) Validate() error {
	if len(l.Providers) == 0 {
		return fmt.Errorf("llm.providers must contain at least one provider")
	}
	seen := map[string]bool{}
	for _, p := range l.Providers {
		if p.Name == "" {
			return fmt.Errorf("llm.providers[].name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate llm provider name %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("unsupported llm provider type %q", p.Type)
		}
	}
	return nil
}

// IndexConfig tunes the retrieval index.
type IndexConfig struct {
	EmbeddingDimensions int     `mapstructure:"embedding_dimensions"`
	DefaultTopK         int     `mapstructure:"default_top_k"`
	DefaultThreshold    float64 `mapstructure:"default_threshold"`
	ContextBudget       int     `mapstructure:"context_budget"`
	RebuildCron         string  `mapstructure:"rebuild_cron"`
	BatchSize           int     `mapstructure:"batch_size"`
}

// VisitedPolicy controls how previously visited users interact with scoring.
type VisitedPolicy string

const (
	// VisitedExclude removes visited users from the candidate set before scoring.
	VisitedExclude VisitedPolicy = "exclude"
	// VisitedPenalize keeps visited users but applies a negative score component.
	VisitedPenalize VisitedPolicy = "penalize"
)

// ScoringConfig contains the value scorer knobs.
type ScoringConfig struct {
	VisitedPolicy    VisitedPolicy `mapstructure:"visited_policy"`
	MinInteractions  int           `mapstructure:"min_interactions"`
	CandidateLimit   int           `mapstructure:"candidate_limit"`
	SentimentFilters []string      `mapstructure:"sentiment_filters"`
	RequireUnmetNeed bool          `mapstructure:"require_unmet_need"`
}

func (s ScoringConfig) Validate() error {
	switch s.VisitedPolicy {
	case VisitedExclude, VisitedPenalize, "":
		return nil
	default:
		return fmt.Errorf("scoring.visited_policy must be %q or %q", VisitedExclude, VisitedPenalize)
	}
}

// WorkflowConfig bounds engine concurrency and run deadlines.
type WorkflowConfig struct {
	MaxConcurrentNodes int           `mapstructure:"max_concurrent_nodes"`
	RunDeadline        time.Duration `mapstructure:"run_deadline"`
	BatchWorkers       int           `mapstructure:"batch_workers"`
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (p PostgresConfig) Validate() error {
	if p.URL == "" && (p.Host == "" || p.DBName == "") {
		return fmt.Errorf("storage.postgres requires url or host/dbname")
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

// RedisConfig contains Redis connection settings for the run event stream.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EventsConfig controls run event publishing.
type EventsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Stream    string `mapstructure:"stream"`
	MaxLength int64  `mapstructure:"max_length"`
}

// LoadConfig loads configuration from file and ENGAGE_* environment overrides.
// An absent config file is tolerated; environment variables can carry the
// full configuration on their own.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")

	v.SetDefault("general.default_timeout", "10m")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.backoff", "300ms")
	v.SetDefault("llm.health_window", 20)
	v.SetDefault("index.embedding_dimensions", 1536)
	v.SetDefault("index.default_top_k", 5)
	v.SetDefault("index.default_threshold", 0.6)
	v.SetDefault("index.context_budget", 6000)
	v.SetDefault("index.batch_size", 64)
	v.SetDefault("scoring.visited_policy", string(VisitedExclude))
	v.SetDefault("scoring.min_interactions", 1)
	v.SetDefault("scoring.candidate_limit", 50)
	v.SetDefault("scoring.sentiment_filters", []string{"positive"})
	v.SetDefault("scoring.require_unmet_need", false)
	v.SetDefault("workflow.max_concurrent_nodes", 4)
	v.SetDefault("workflow.run_deadline", "5m")
	v.SetDefault("workflow.batch_workers", 8)
	v.SetDefault("events.stream", "engage:runs")
	v.SetDefault("events.max_length", 10000)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("ENGAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.LLM.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Scoring.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
