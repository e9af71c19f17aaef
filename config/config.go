package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the assistant, the tool server and the indexer
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Voice     VoiceConfig     `mapstructure:"voice"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	WebSearch WebSearchConfig `mapstructure:"web_search"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Env      string `mapstructure:"env" validate:"oneof=development production"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFile  string `mapstructure:"log_file"`
}

// LLMConfig selects the chat and embedding provider.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider" validate:"oneof=openai ollama"`
	Temperature float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `mapstructure:"max_tokens" validate:"gte=0"`
	Timeout     time.Duration `mapstructure:"timeout"`
	OpenAI      OpenAIConfig  `mapstructure:"openai"`
	Ollama      OllamaConfig  `mapstructure:"ollama"`
}

type OpenAIConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model" validate:"required"`
	EmbeddingModel string `mapstructure:"embedding_model"`
}

type OllamaConfig struct {
	BaseURL        string `mapstructure:"base_url" validate:"required,url"`
	Model          string `mapstructure:"model" validate:"required"`
	EmbeddingModel string `mapstructure:"embedding_model"`
}

// Validate reports missing credentials for the selected provider.
func (l LLMConfig) Validate() error {
	switch l.Provider {
	case "openai":
		if strings.TrimSpace(l.OpenAI.APIKey) == "" {
			return errors.New("llm.openai.api_key (OPENAI_API_KEY) is required when llm.provider is openai")
		}
	case "ollama":
		if strings.TrimSpace(l.Ollama.BaseURL) == "" {
			return errors.New("llm.ollama.base_url (OLLAMA_BASE_URL) is required when llm.provider is ollama")
		}
	default:
		return fmt.Errorf("unsupported llm.provider %q", l.Provider)
	}
	return nil
}

// VoiceConfig contains speech-to-text and text-to-speech settings
type VoiceConfig struct {
	TranscriptionModel string `mapstructure:"transcription_model"`
	TTSModel           string `mapstructure:"tts_model"`
	Voice              string `mapstructure:"voice"`
	ResponseFormat     string `mapstructure:"response_format" validate:"oneof=pcm wav mp3 opus aac flac"`
	Instructions       string `mapstructure:"instructions"`
	SampleRate         int    `mapstructure:"sample_rate" validate:"gt=0"`
}

// ToolsConfig covers both ends of the tool protocol.
type ToolsConfig struct {
	ListenAddress string        `mapstructure:"listen_address" validate:"required"`
	BaseURL       string        `mapstructure:"base_url" validate:"required,url"`
	ClientTimeout time.Duration `mapstructure:"client_timeout" validate:"gt=0"`
	CallTimeout   time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
}

// CatalogConfig selects the vector index backend and its build parameters.
type CatalogConfig struct {
	Backend        string          `mapstructure:"backend" validate:"oneof=local pgvector"`
	DataDir        string          `mapstructure:"data_dir"`
	Collection     string          `mapstructure:"collection" validate:"required"`
	DefaultResults int             `mapstructure:"default_results" validate:"gte=1,lte=50"`
	BatchSize      int             `mapstructure:"batch_size" validate:"gt=0"`
	Dataset        string          `mapstructure:"dataset"`
	Embedding      EmbeddingConfig `mapstructure:"embedding"`
}

type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider" validate:"oneof=openai ollama hash"`
	Dimensions int    `mapstructure:"dimensions" validate:"gte=0"`
}

// WebSearchConfig contains Serper settings
type WebSearchConfig struct {
	SerperAPIKey    string        `mapstructure:"serper_api_key"`
	Endpoint        string        `mapstructure:"endpoint" validate:"required,url"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
	// DefaultResults is the max_results the pipeline asks for.
	DefaultResults int `mapstructure:"default_results" validate:"gte=1,lte=10"`
}

// Available reports whether live web search can be offered.
func (w WebSearchConfig) Available() bool { return strings.TrimSpace(w.SerperAPIKey) != "" }

type PipelineConfig struct {
	MaxPasses      int    `mapstructure:"max_passes" validate:"gte=1,lte=5"`
	ContinuePolicy string `mapstructure:"continue_policy" validate:"oneof=terminate insufficient_evidence"`
}

// ServerConfig contains the assistant HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address" validate:"required"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings. An empty URL and host
// disables Redis and history is kept in memory.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	HistoryTTL   time.Duration `mapstructure:"history_ttl"`
	HistoryLimit int           `mapstructure:"history_limit" validate:"gte=0"`
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Host) != ""
}

// Addr returns host:port for the non-URL form.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return net.JoinHostPort(r.Host, port)
}

// PostgresConfig contains Postgres connection settings
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

// DSN returns the URL as given or builds one from the individual fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, port),
		Path:   "/" + p.DBName,
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	q := url.Values{}
	if p.SSLMode != "" {
		q.Set("sslmode", p.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// TelemetryConfig contains tracing settings. Spans are exported over OTLP/gRPC
// only when enabled; otherwise the global no-op tracer is used.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Validate checks cross-field rules that struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Catalog.Backend == "pgvector" {
		if err := c.Storage.Postgres.Validate(); err != nil {
			return err
		}
	}
	if c.Catalog.Backend == "local" && strings.TrimSpace(c.Catalog.DataDir) == "" {
		return fmt.Errorf("catalog.data_dir required for the local backend")
	}
	if c.Catalog.Embedding.Provider == "hash" && c.Catalog.Embedding.Dimensions <= 0 {
		return fmt.Errorf("catalog.embedding.dimensions must be > 0 for the hash embedder")
	}
	return nil
}

// envAliases binds the plain variable names used by deployments alongside
// the SHOPVOICE_ prefixed ones.
var envAliases = map[string]string{
	"llm.provider":              "MODEL_PROVIDER",
	"llm.openai.api_key":        "OPENAI_API_KEY",
	"llm.openai.model":          "OPENAI_MODEL",
	"llm.ollama.model":          "OLLAMA_MODEL",
	"llm.ollama.base_url":       "OLLAMA_BASE_URL",
	"web_search.serper_api_key": "SERPER_API_KEY",
	"tools.base_url":            "MCP_BASE_URL",
	"storage.redis.url":         "REDIS_URL",
	"storage.postgres.url":      "DATABASE_URL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.env", "development")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.log_file", "")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.openai.api_key", "")
	v.SetDefault("llm.openai.base_url", "")
	v.SetDefault("llm.openai.model", "gpt-4")
	v.SetDefault("llm.openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.ollama.base_url", "http://localhost:11434")
	v.SetDefault("llm.ollama.model", "llama3.1")
	v.SetDefault("llm.ollama.embedding_model", "nomic-embed-text")

	v.SetDefault("voice.transcription_model", "whisper-1")
	v.SetDefault("voice.tts_model", "gpt-4o-mini-tts")
	v.SetDefault("voice.voice", "coral")
	v.SetDefault("voice.response_format", "pcm")
	v.SetDefault("voice.instructions", "Speak in a cheerful and positive tone.")
	v.SetDefault("voice.sample_rate", 24000)

	v.SetDefault("tools.listen_address", ":8001")
	v.SetDefault("tools.base_url", "http://0.0.0.0:8001")
	v.SetDefault("tools.client_timeout", 20*time.Second)
	v.SetDefault("tools.call_timeout", 30*time.Second)

	v.SetDefault("catalog.backend", "local")
	v.SetDefault("catalog.data_dir", "./data/catalog")
	v.SetDefault("catalog.collection", "products_toys")
	v.SetDefault("catalog.default_results", 5)
	v.SetDefault("catalog.batch_size", 256)
	v.SetDefault("catalog.dataset", "./data/products.parquet")
	v.SetDefault("catalog.embedding.provider", "hash")
	v.SetDefault("catalog.embedding.dimensions", 256)

	v.SetDefault("web_search.serper_api_key", "")
	v.SetDefault("web_search.endpoint", "https://google.serper.dev")
	v.SetDefault("web_search.timeout", 10*time.Second)
	v.SetDefault("web_search.breaker_failures", 5)
	v.SetDefault("web_search.breaker_cooldown", 30*time.Second)
	v.SetDefault("web_search.default_results", 5)

	v.SetDefault("pipeline.max_passes", 2)
	v.SetDefault("pipeline.continue_policy", "terminate")

	v.SetDefault("server.address", ":8080")

	v.SetDefault("storage.redis.url", "")
	v.SetDefault("storage.redis.host", "")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.history_ttl", 24*time.Hour)
	v.SetDefault("storage.redis.history_limit", 50)
	v.SetDefault("storage.postgres.url", "")
	v.SetDefault("storage.postgres.host", "")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.user", "")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.dbname", "")
	v.SetDefault("storage.postgres.sslmode", "disable")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "shopvoice")
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
}

// Load reads defaults, an optional config file and the environment, in that
// order of precedence (environment wins). A .env file in the working
// directory is loaded first when present. With an empty path the file is
// searched as config.{yaml,json,...} in "." and "./config"; a missing file
// is fine, a malformed one is not.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("SHOPVOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		envKey := "SHOPVOICE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, alias); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", alias, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
