// Package config loads the flat key-value configuration surface: draft/
// specialist/voting/refinement/budget/memory/health tuning plus provider
// credentials and backend DSNs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DraftConfig tunes Agent-0.
type DraftConfig struct {
	MaxTokens      int
	Timeout        time.Duration
	ConfidenceGate float64
	Temperature    float64
}

// SpecialistConfig holds specialist execution settings. Only Concurrency is
// read: it bounds concurrent background refinements. MaxTokens and Timeout
// are loaded but unused; per-specialist token caps and timeouts come from
// each roster descriptor.
type SpecialistConfig struct {
	MaxTokens   int
	Timeout     time.Duration
	Concurrency int
}

// VotingConfig tunes voting. Deadline is passed to the VotingEngine and
// ReplaceMargin is the Orchestrator's confidence margin for delivering a
// refinement. The Engine itself uses fixed values (top-K 3, shortcut 0.80,
// relative replace margin 15%); FusionTopK and ShortcutThreshold are unused.
type VotingConfig struct {
	Deadline          time.Duration
	FusionTopK        int
	ShortcutThreshold float64
	ReplaceMargin     float64
}

// RefinementConfig tunes background refinement.
type RefinementConfig struct {
	Deadline time.Duration
	Enabled  bool
}

// BudgetConfig tunes BudgetGuard.
type BudgetConfig struct {
	PerRequestUSD float64
	SessionUSD    float64
	DailyUSD      float64
	ResetUTC      string // "HH:MM"
}

// MemoryConfig tunes MemoryStore.
type MemoryConfig struct {
	QueryK            int
	FlushInterval     time.Duration
	ReindexInterval   time.Duration
	ArchiveAgeDays    int
	PurgeAgeDays      int
	SessionTTLDays    int
	EmbeddingDim      int
	DurableLogPath    string
	ArchiveLogPath    string
	EmbedderURL       string
	EmbedderModel     string
	EmbedderAPIKey    string
}

// HealthConfig tunes HealthMonitor thresholds.
type HealthConfig struct {
	GPULowUtilPct       float64
	DraftLatencyP95Ms   int64
	PendingQueueWarn    int
	GPULowUtilWindow    time.Duration
	DraftLatencyWindow  time.Duration
}

// ProviderCreds holds per-backend credentials/endpoints.
type ProviderCreds struct {
	APIKey  string
	Model   string
	BaseURL string
}

// ObsConfig configures the OpenTelemetry exporters.
type ObsConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLP           string
}

// DatabasesConfig configures the persistence backends.
type DatabasesConfig struct {
	DefaultDSN       string
	VectorBackend    string
	VectorDSN        string
	VectorDimensions int
	VectorMetric     string
	QdrantCollection string
	SessionBackend   string
	SessionDSN       string
}

type KafkaConfig struct {
	Brokers     string
	AlertsTopic string
}

type RedisConfig struct {
	Addr string
}

// SpecialistDescriptor is the static per-specialist configuration loaded at
// startup; hot-reload is out of scope.
type SpecialistDescriptor struct {
	Name        string   `yaml:"name"`
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	DomainTags  []string `yaml:"domainTags"`
	TokenCap    int      `yaml:"tokenCap"`
	TimeoutSecs int      `yaml:"timeoutSeconds"`
	Temperature float64  `yaml:"temperature"`
	Priority    int      `yaml:"priority"`
}

type Config struct {
	Workdir     string
	LogPath     string
	LogLevel    string
	RequestBudget time.Duration

	Draft       DraftConfig
	Specialist  SpecialistConfig
	Voting      VotingConfig
	Refinement  RefinementConfig
	Budget      BudgetConfig
	Memory      MemoryConfig
	Health      HealthConfig
	Obs         ObsConfig
	Databases   DatabasesConfig
	Kafka       KafkaConfig
	Redis       RedisConfig

	Anthropic ProviderCreds
	OpenAI    ProviderCreds
	Google    ProviderCreds
	Local     ProviderCreds

	Specialists []SpecialistDescriptor
}

// Load reads configuration from environment variables (optionally .env),
// applying defaults for anything unset, then merges an optional
// specialists.yaml roster, env-first then YAML.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		Workdir:       strings.TrimSpace(os.Getenv("WORKDIR")),
		LogPath:       strings.TrimSpace(os.Getenv("LOG_PATH")),
		LogLevel:      firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), "info"),
		RequestBudget: durationEnv("REQUEST_BUDGET", 15*time.Second),

		Draft: DraftConfig{
			MaxTokens:      intEnv("DRAFT_MAX_TOKENS", 24),
			Timeout:        durationEnv("DRAFT_TIMEOUT", 5*time.Second),
			ConfidenceGate: floatEnv("DRAFT_CONFIDENCE_GATE", 0.60),
			Temperature:    floatEnv("DRAFT_TEMPERATURE", 0.0),
		},
		Specialist: SpecialistConfig{
			MaxTokens:   intEnv("SPECIALIST_MAX_TOKENS", 160),
			Timeout:     durationEnv("SPECIALIST_TIMEOUT", 4*time.Second),
			Concurrency: intEnv("SPECIALIST_CONCURRENCY", 8),
		},
		Voting: VotingConfig{
			Deadline:          durationEnv("VOTING_DEADLINE", 4*time.Second),
			FusionTopK:        intEnv("VOTING_FUSION_TOPK", 3),
			ShortcutThreshold: floatEnv("VOTING_SHORTCUT_THRESHOLD", 0.80),
			ReplaceMargin:     floatEnv("VOTING_REPLACE_MARGIN", 0.15),
		},
		Refinement: RefinementConfig{
			Deadline: durationEnv("REFINEMENT_DEADLINE", 8*time.Second),
			Enabled:  boolEnv("REFINEMENT_ENABLED", true),
		},
		Budget: BudgetConfig{
			PerRequestUSD: floatEnv("BUDGET_PER_REQUEST_USD", 0.05),
			SessionUSD:    floatEnv("BUDGET_SESSION_USD", 0.30),
			DailyUSD:      floatEnv("BUDGET_DAILY_USD", 1.00),
			ResetUTC:      firstNonEmpty(strings.TrimSpace(os.Getenv("BUDGET_RESET_UTC")), "00:00"),
		},
		Memory: MemoryConfig{
			QueryK:          intEnv("MEMORY_QUERY_K", 3),
			FlushInterval:   durationEnv("MEMORY_FLUSH_INTERVAL", 500*time.Millisecond),
			ReindexInterval: durationEnv("MEMORY_REINDEX_INTERVAL", 30*time.Second),
			ArchiveAgeDays:  intEnv("MEMORY_ARCHIVE_AGE_DAYS", 30),
			PurgeAgeDays:    intEnv("MEMORY_PURGE_AGE_DAYS", 90),
			SessionTTLDays:  intEnv("MEMORY_SESSION_TTL_DAYS", 30),
			EmbeddingDim:    intEnv("MEMORY_EMBEDDING_DIM", 64),
			DurableLogPath:  firstNonEmpty(strings.TrimSpace(os.Getenv("MEMORY_LOG_PATH")), "memory.log"),
			ArchiveLogPath:  firstNonEmpty(strings.TrimSpace(os.Getenv("MEMORY_ARCHIVE_PATH")), "memory.archive.log"),
			EmbedderURL:     strings.TrimSpace(os.Getenv("MEMORY_EMBEDDER_URL")),
			EmbedderModel:   firstNonEmpty(strings.TrimSpace(os.Getenv("MEMORY_EMBEDDER_MODEL")), "text-embedding-3-small"),
			EmbedderAPIKey:  strings.TrimSpace(os.Getenv("MEMORY_EMBEDDER_API_KEY")),
		},
		Health: HealthConfig{
			GPULowUtilPct:      floatEnv("HEALTH_GPU_LOW_UTIL_PCT", 20),
			DraftLatencyP95Ms:  int64(intEnv("HEALTH_DRAFT_LATENCY_P95_MS", 400)),
			PendingQueueWarn:   intEnv("HEALTH_PENDING_QUEUE_WARN", 1000),
			GPULowUtilWindow:   durationEnv("HEALTH_GPU_LOW_UTIL_WINDOW", 3*time.Minute),
			DraftLatencyWindow: durationEnv("HEALTH_DRAFT_LATENCY_WINDOW", 5*time.Minute),
		},
		Obs: ObsConfig{
			ServiceName:    firstNonEmpty(strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")), "council"),
			ServiceVersion: firstNonEmpty(strings.TrimSpace(os.Getenv("SERVICE_VERSION")), "dev"),
			Environment:    firstNonEmpty(strings.TrimSpace(os.Getenv("ENVIRONMENT")), "dev"),
			OTLP:           strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		},
		Databases: DatabasesConfig{
			DefaultDSN:       strings.TrimSpace(firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("POSTGRES_DSN"))),
			VectorBackend:    strings.TrimSpace(os.Getenv("VECTOR_BACKEND")),
			VectorDSN:        strings.TrimSpace(os.Getenv("VECTOR_DSN")),
			VectorDimensions: intEnv("VECTOR_DIMENSIONS", 64),
			VectorMetric:     firstNonEmpty(strings.TrimSpace(os.Getenv("VECTOR_METRIC")), "cosine"),
			QdrantCollection: firstNonEmpty(strings.TrimSpace(os.Getenv("QDRANT_COLLECTION")), "council_memory"),
			SessionBackend:   strings.TrimSpace(os.Getenv("SESSION_BACKEND")),
			SessionDSN:       strings.TrimSpace(os.Getenv("SESSION_DSN")),
		},
		Kafka: KafkaConfig{
			Brokers:     firstNonEmpty(strings.TrimSpace(os.Getenv("KAFKA_BROKERS")), "localhost:9092"),
			AlertsTopic: firstNonEmpty(strings.TrimSpace(os.Getenv("KAFKA_ALERTS_TOPIC")), "council.health.alerts"),
		},
		Redis: RedisConfig{
			Addr: strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		},
		Anthropic: ProviderCreds{
			APIKey:  strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
			Model:   firstNonEmpty(strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL")), "claude-3-5-haiku-latest"),
			BaseURL: strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL")),
		},
		OpenAI: ProviderCreds{
			APIKey:  strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			Model:   firstNonEmpty(strings.TrimSpace(os.Getenv("OPENAI_MODEL")), "gpt-4o-mini"),
			BaseURL: strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		},
		Google: ProviderCreds{
			APIKey:  strings.TrimSpace(os.Getenv("GOOGLE_LLM_API_KEY")),
			Model:   firstNonEmpty(strings.TrimSpace(os.Getenv("GOOGLE_LLM_MODEL")), "gemini-1.5-flash"),
			BaseURL: strings.TrimSpace(os.Getenv("GOOGLE_LLM_BASE_URL")),
		},
		Local: ProviderCreds{
			BaseURL: firstNonEmpty(strings.TrimSpace(os.Getenv("LOCAL_LLM_BASE_URL")), "http://localhost:8080"),
			Model:   strings.TrimSpace(os.Getenv("LOCAL_LLM_MODEL")),
		},
	}

	if err := loadSpecialists(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.Workdir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("resolve default workdir: %w", err)
		}
		cfg.Workdir = wd
	}
	absWD, err := filepath.Abs(cfg.Workdir)
	if err != nil {
		return Config{}, fmt.Errorf("resolve workdir: %w", err)
	}
	cfg.Workdir = absWD

	return cfg, nil
}

// loadSpecialists populates cfg.Specialists from SPECIALISTS_CONFIG, or
// falls back to specialists.yaml/.yml in the working directory if present.
// Absent file is not an error: specialists are optional for the draft-only path.
func loadSpecialists(cfg *Config) error {
	var paths []string
	if p := strings.TrimSpace(os.Getenv("SPECIALISTS_CONFIG")); p != "" {
		paths = append(paths, p)
	}
	paths = append(paths, "specialists.yaml", "specialists.yml")

	var data []byte
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err == nil {
			data = b
			break
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", p, err)
		}
	}
	if len(data) == 0 {
		return nil
	}
	var doc struct {
		Specialists []SpecialistDescriptor `yaml:"specialists"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse specialists config: %w", err)
	}
	for i := range doc.Specialists {
		if doc.Specialists[i].TokenCap <= 0 {
			doc.Specialists[i].TokenCap = 160
		}
		if doc.Specialists[i].TimeoutSecs <= 0 {
			doc.Specialists[i].TimeoutSecs = 4
		}
	}
	cfg.Specialists = doc.Specialists
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func boolEnv(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
