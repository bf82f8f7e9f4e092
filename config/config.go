package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the retrieval orchestration service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Index     IndexConfig     `mapstructure:"index"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
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

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address required")
	}
	return nil
}

// LLMConfig points at an OpenAI-compatible chat completion endpoint.
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	AnswerModel string        `mapstructure:"answer_model"`
	IntentModel string        `mapstructure:"intent_model"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.BaseURL) == "" {
		return fmt.Errorf("llm.base_url required")
	}
	if strings.TrimSpace(l.AnswerModel) == "" {
		return fmt.Errorf("llm.answer_model required")
	}
	return nil
}

// EngineConfig holds the orchestration loop tunables. Fields mirror the
// engine policy; values left at zero fall back to the engine defaults.
type EngineConfig struct {
	MaxIterations       int           `mapstructure:"max_iterations"`
	PrimaryLimit        int           `mapstructure:"primary_limit"`
	AdditionalLimit     int           `mapstructure:"additional_limit"`
	MaxAdditional       int           `mapstructure:"max_additional"`
	StageTimeout        time.Duration `mapstructure:"stage_timeout"`
	SearchMode          string        `mapstructure:"search_mode"`
	MinQuality          float64       `mapstructure:"min_quality"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
}

func (e EngineConfig) Validate() error {
	if e.MaxIterations < 1 {
		return fmt.Errorf("engine.max_iterations must be >= 1")
	}
	if e.SimilarityThreshold < 0 || e.SimilarityThreshold > 1 {
		return fmt.Errorf("engine.similarity_threshold must be in [0,1]")
	}
	switch e.SearchMode {
	case "hybrid", "semantic", "lexical":
	default:
		return fmt.Errorf("engine.search_mode must be hybrid, semantic or lexical")
	}
	return nil
}

// BudgetConfig holds the answer token-budget tunables.
type BudgetConfig struct {
	TotalBudget      int     `mapstructure:"total_budget"`
	OutputCeiling    int     `mapstructure:"output_ceiling"`
	TemplateOverhead int     `mapstructure:"template_overhead"`
	SafetyMargin     float64 `mapstructure:"safety_margin"`
	MinAnswerTokens  int     `mapstructure:"min_answer_tokens"`
	CitationCeiling  int     `mapstructure:"citation_ceiling"`
}

func (b BudgetConfig) Validate() error {
	if b.MinAnswerTokens > b.OutputCeiling {
		return fmt.Errorf("budget.min_answer_tokens cannot exceed budget.output_ceiling")
	}
	return nil
}

// IndexConfig controls the local document index.
type IndexConfig struct {
	Path         string `mapstructure:"path"`
	ChunkChars   int    `mapstructure:"chunk_chars"`
	ChunkOverlap int    `mapstructure:"chunk_overlap"`
}

func (i IndexConfig) Validate() error {
	if strings.TrimSpace(i.Path) == "" {
		return fmt.Errorf("index.path required")
	}
	if i.ChunkOverlap >= i.ChunkChars {
		return fmt.Errorf("index.chunk_overlap must be smaller than index.chunk_chars")
	}
	return nil
}

// IngestSource is one document source polled into the index.
type IngestSource struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// IngestConfig controls document ingestion and refresh scheduling.
type IngestConfig struct {
	Sources     []IngestSource `mapstructure:"sources"`
	RefreshCron string         `mapstructure:"refresh_cron"`
	FetchUA     string         `mapstructure:"fetch_user_agent"`
	Timeout     time.Duration  `mapstructure:"timeout"`
}

// StorageConfig groups the backing stores.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
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
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// ConnString builds a libpq DSN from the discrete fields unless a full URL
// was configured.
func (p PostgresConfig) ConnString() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, ssl)
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
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// LoadConfig reads the JSON config file plus ASKBASE_* environment
// overrides. Missing or invalid configuration is fatal at startup.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json") // REQUIRED if the config file does not have the extension in the name

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "120s")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.answer_model", "gpt-4o-mini")
	viper.SetDefault("llm.intent_model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.timeout", "60s")
	viper.SetDefault("llm.max_retries", 2)
	viper.SetDefault("engine.max_iterations", 3)
	viper.SetDefault("engine.primary_limit", 50)
	viper.SetDefault("engine.additional_limit", 20)
	viper.SetDefault("engine.max_additional", 3)
	viper.SetDefault("engine.stage_timeout", "15s")
	viper.SetDefault("engine.search_mode", "hybrid")
	viper.SetDefault("engine.min_quality", 0.3)
	viper.SetDefault("engine.similarity_threshold", 0.9)
	viper.SetDefault("budget.total_budget", 4000)
	viper.SetDefault("budget.output_ceiling", 3000)
	viper.SetDefault("budget.template_overhead", 500)
	viper.SetDefault("budget.safety_margin", 0.9)
	viper.SetDefault("budget.min_answer_tokens", 1000)
	viper.SetDefault("budget.citation_ceiling", 20)
	viper.SetDefault("index.path", "./data/index.bleve")
	viper.SetDefault("index.chunk_chars", 4000)
	viper.SetDefault("index.chunk_overlap", 200)
	viper.SetDefault("ingest.refresh_cron", "0 3 * * *")
	viper.SetDefault("ingest.timeout", "30s")
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.metrics_path", "/metrics")

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

	viper.SetEnvPrefix("ASKBASE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match (ASKBASE_*)

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Server.Validate(); err != nil {
		panic(err)
	}
	if err := config.LLM.Validate(); err != nil {
		panic(err)
	}
	if err := config.Engine.Validate(); err != nil {
		panic(err)
	}
	if err := config.Budget.Validate(); err != nil {
		panic(err)
	}
	if err := config.Index.Validate(); err != nil {
		panic(err)
	}
	return &config
}
