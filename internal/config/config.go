// Package config loads screenloom's runtime configuration from the
// environment (and an optional .env file), the way the upstream daemon's
// own entrypoint does.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable named in the specification, grouped by the
// component that owns it.
type Config struct {
	DataDir string // user-scoped data directory: db file, tmp captures, ann index, logs

	LogLevel string
	LogPath  string

	APIListenAddr string // §6.1 request/response surface's bind address

	Providers Providers
	Runtime   RuntimeConfig
	Reconcile ReconcileConfig
	Capture   CaptureConfig
	Backpressure BackpressureConfig
	Activity  ActivityConfig
	OCR       OCRConfig
	Monitor   MonitorConfig
	Telemetry TelemetryConfig
	VectorIndex VectorIndexConfig
	Search    SearchConfig
}

// Providers configures the opaque AI capability backends (§6 External
// Interfaces treats these as collaborators; we still need connection
// settings for the concrete adapters we wire them to).
type Providers struct {
	VLMProvider       string // "anthropic" | "openai"
	TextProvider      string // "anthropic" | "openai"
	EmbeddingProvider string // "openai" | "http"

	AnthropicAPIKey string
	AnthropicModel  string

	OpenAIAPIKey    string
	OpenAIVLMModel  string
	OpenAITextModel string

	EmbeddingBaseURL string
	EmbeddingPath    string
	EmbeddingModel   string
	EmbeddingAPIKey  string
	EmbeddingAPIHeader string
	EmbeddingDimensions int
	EmbeddingTimeoutSeconds int
}

// RuntimeConfig governs C2, the per-capability permit/AIMD/breaker machine.
type RuntimeConfig struct {
	InitialLimit map[string]int // per-capability starting permits
	MaxLimit     map[string]int // per-capability ceiling

	SuccessStreakForIncrease int           // consecutive successes before +1
	FailureWindow            time.Duration // window breaker failure counts are measured over
	FailureThresholdToTrip   int           // failures inside FailureWindow that open the breaker
	SemaphoreWaitAlertAfter  time.Duration

	VLMTimeout       time.Duration
	TextTimeout      time.Duration
	EmbeddingTimeout time.Duration
}

// ReconcileConfig governs C8, the heart of the pipeline.
type ReconcileConfig struct {
	StaleRunningThreshold time.Duration
	ScanLimitMin          int
	ScanLimitMax          int
	MaxAttempts           int
	BackoffSchedule       []time.Duration
	BackoffJitter         time.Duration
	IdleScanInterval      time.Duration
	BatchPoolMin          int
	BatchPoolMax          int
	BatchTimeout          time.Duration
}

// CaptureConfig governs C6 (dedup + adaptive scheduling).
type CaptureConfig struct {
	BaseInterval      time.Duration
	PHashWindow       int
	PHashThreshold    int
	MaxBatchSize      int
	MaxBatchAge       time.Duration
}

// BackpressureConfig governs C15's ladder.
type BackpressureConfig struct {
	WarningBacklog  int
	HotBacklog      int
	CriticalBacklog int
	HysteresisFloor int
	PollInterval    time.Duration
}

// ActivityConfig governs C14.
type ActivityConfig struct {
	WindowSize          time.Duration
	LongEventThreshold  time.Duration
	ChangeDebounce      time.Duration
	MaxDetailsNodes      int
	MaxDetailsCharBudget int
}

// OCRConfig governs C13 eligibility.
type OCRConfig struct {
	SupportedLanguages map[string]struct{}
}

// SearchConfig governs C16's hybrid keyword+vector retrieval.
type SearchConfig struct {
	Alpha              float64 // weight toward FTS vs vector when splitting the candidate budget and fusing ranks
	RRFK               int     // reciprocal-rank-fusion denominator constant
	CandidateK         int     // candidates fetched per source before fusion
	TopK               int     // final result size after fuse + diversify
	Diversify          bool
	NeighborTopN       int           // top fused seeds considered for neighbor expansion
	NeighborMaxPerSeed int           // neighbors pulled per seed, per axis (thread, window)
	NeighborWindow     time.Duration // adjacent-event-window radius
	NeighborBoost      float64       // additive score boost applied to expanded neighbors
	RerankEnabled      bool          // gate the optional LLM re-rank/synthesis pass
	Timeout            time.Duration
	FTSHealthCheckOnBoot bool
	FTSDegradeAfterFailures int // consecutive integrity failures before vector-only degrade
}

// MonitorConfig governs §6.4's loopback-only dashboard.
type MonitorConfig struct {
	Enabled       bool
	PortRangeFrom int
	PortRangeTo   int
}

// VectorIndexConfig governs C4's qdrant-backed ANN adapter.
type VectorIndexConfig struct {
	DSN           string
	Collection    string
	Dimension     int
	Metric        string
	FlushInterval time.Duration
}

// TelemetryConfig governs optional OTLP export, matching the "Enabled"
// toggle pattern used elsewhere in the example corpus.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	ServiceVersion string
	Environment  string
}

// Load reads .env (best-effort, like the upstream agent's entrypoint) then
// builds a Config from the environment, applying defaults for everything
// spec.md leaves as a tunable rather than a fixed constant.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := strings.TrimSpace(os.Getenv("SCREENLOOM_DATA_DIR"))
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default data dir: %w", err)
		}
		dataDir = filepath.Join(home, ".screenloom")
	}
	absDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve SCREENLOOM_DATA_DIR: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	cfg := &Config{
		DataDir:       absDir,
		LogLevel:      firstNonEmpty(os.Getenv("SCREENLOOM_LOG_LEVEL"), "info"),
		LogPath:       os.Getenv("SCREENLOOM_LOG_PATH"),
		APIListenAddr: firstNonEmpty(os.Getenv("SCREENLOOM_API_ADDR"), "127.0.0.1:8787"),

		Providers: Providers{
			VLMProvider:       firstNonEmpty(os.Getenv("SCREENLOOM_VLM_PROVIDER"), "anthropic"),
			TextProvider:      firstNonEmpty(os.Getenv("SCREENLOOM_TEXT_PROVIDER"), "anthropic"),
			EmbeddingProvider: firstNonEmpty(os.Getenv("SCREENLOOM_EMBEDDING_PROVIDER"), "openai"),
			AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
			AnthropicModel:    firstNonEmpty(os.Getenv("SCREENLOOM_ANTHROPIC_MODEL"), "claude-sonnet-4-5"),
			OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
			OpenAIVLMModel:    firstNonEmpty(os.Getenv("SCREENLOOM_OPENAI_VLM_MODEL"), "gpt-4o-mini"),
			OpenAITextModel:   firstNonEmpty(os.Getenv("SCREENLOOM_OPENAI_TEXT_MODEL"), "gpt-4o-mini"),

			EmbeddingBaseURL:        firstNonEmpty(os.Getenv("SCREENLOOM_EMBEDDING_BASE_URL"), "https://api.openai.com"),
			EmbeddingPath:           firstNonEmpty(os.Getenv("SCREENLOOM_EMBEDDING_PATH"), "/v1/embeddings"),
			EmbeddingModel:          firstNonEmpty(os.Getenv("SCREENLOOM_EMBEDDING_MODEL"), "text-embedding-3-small"),
			EmbeddingAPIKey:         os.Getenv("OPENAI_API_KEY"),
			EmbeddingAPIHeader:      "Authorization",
			EmbeddingDimensions:     intFromEnv("SCREENLOOM_EMBEDDING_DIMENSIONS", 1536),
			EmbeddingTimeoutSeconds: intFromEnv("SCREENLOOM_EMBEDDING_TIMEOUT_SECONDS", 30),
		},

		Runtime: RuntimeConfig{
			InitialLimit: map[string]int{"vlm": 2, "text": 3, "embedding": 4},
			MaxLimit:     map[string]int{"vlm": 6, "text": 8, "embedding": 12},
			SuccessStreakForIncrease: intFromEnv("SCREENLOOM_AIMD_SUCCESS_STREAK", 5),
			FailureWindow:            durationFromEnv("SCREENLOOM_BREAKER_WINDOW", time.Minute),
			FailureThresholdToTrip:   intFromEnv("SCREENLOOM_BREAKER_THRESHOLD", 5),
			SemaphoreWaitAlertAfter:  durationFromEnv("SCREENLOOM_SEMAPHORE_WAIT_ALERT", 10*time.Second),
			VLMTimeout:               durationFromEnv("SCREENLOOM_VLM_TIMEOUT", 60*time.Second),
			TextTimeout:              durationFromEnv("SCREENLOOM_TEXT_TIMEOUT", 30*time.Second),
			EmbeddingTimeout:         durationFromEnv("SCREENLOOM_EMBEDDING_TIMEOUT", 20*time.Second),
		},

		Reconcile: ReconcileConfig{
			StaleRunningThreshold: durationFromEnv("SCREENLOOM_STALE_RUNNING", 5*time.Minute),
			ScanLimitMin:          20,
			ScanLimitMax:          200,
			MaxAttempts:           intFromEnv("SCREENLOOM_MAX_ATTEMPTS", 8),
			BackoffSchedule: []time.Duration{
				1 * time.Second, 5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute,
			},
			BackoffJitter:    2 * time.Second,
			IdleScanInterval: durationFromEnv("SCREENLOOM_IDLE_SCAN_INTERVAL", 30*time.Second),
			BatchPoolMin:     1,
			BatchPoolMax:     4,
			BatchTimeout:     durationFromEnv("SCREENLOOM_BATCH_TIMEOUT", 20*time.Second),
		},

		Capture: CaptureConfig{
			BaseInterval:   durationFromEnv("SCREENLOOM_CAPTURE_INTERVAL", 3*time.Second),
			PHashWindow:    intFromEnv("SCREENLOOM_PHASH_WINDOW", 8),
			PHashThreshold: intFromEnv("SCREENLOOM_PHASH_THRESHOLD", 6),
			MaxBatchSize:   intFromEnv("SCREENLOOM_MAX_BATCH_SIZE", 8),
			MaxBatchAge:    durationFromEnv("SCREENLOOM_MAX_BATCH_AGE", 2*time.Minute),
		},

		Backpressure: BackpressureConfig{
			WarningBacklog:  intFromEnv("SCREENLOOM_BP_WARNING", 20),
			HotBacklog:      intFromEnv("SCREENLOOM_BP_HOT", 60),
			CriticalBacklog: intFromEnv("SCREENLOOM_BP_CRITICAL", 150),
			HysteresisFloor: intFromEnv("SCREENLOOM_BP_HYSTERESIS_FLOOR", 10),
			PollInterval:    durationFromEnv("SCREENLOOM_BP_POLL_INTERVAL", 5*time.Second),
		},

		Activity: ActivityConfig{
			WindowSize:           durationFromEnv("SCREENLOOM_WINDOW_SIZE", 20*time.Minute),
			LongEventThreshold:   durationFromEnv("SCREENLOOM_LONG_EVENT_THRESHOLD", 25*time.Minute),
			ChangeDebounce:       durationFromEnv("SCREENLOOM_TIMELINE_DEBOUNCE", 800*time.Millisecond),
			MaxDetailsNodes:      200,
			MaxDetailsCharBudget: intFromEnv("SCREENLOOM_DETAILS_CHAR_BUDGET", 24000),
		},

		OCR: OCRConfig{
			SupportedLanguages: toSet(strings.Split(firstNonEmpty(os.Getenv("SCREENLOOM_OCR_LANGS"), "en,es,fr,de,ja,zh"), ",")),
		},

		Search: SearchConfig{
			Alpha:                   float64FromEnv("SCREENLOOM_SEARCH_ALPHA", 0.5),
			RRFK:                    intFromEnv("SCREENLOOM_SEARCH_RRF_K", 60),
			CandidateK:              intFromEnv("SCREENLOOM_SEARCH_CANDIDATE_K", 40),
			TopK:                    intFromEnv("SCREENLOOM_SEARCH_TOP_K", 20),
			Diversify:               os.Getenv("SCREENLOOM_SEARCH_DIVERSIFY") != "false",
			NeighborTopN:            intFromEnv("SCREENLOOM_SEARCH_NEIGHBOR_TOP_N", 5),
			NeighborMaxPerSeed:      intFromEnv("SCREENLOOM_SEARCH_NEIGHBOR_MAX_PER_SEED", 3),
			NeighborWindow:          durationFromEnv("SCREENLOOM_SEARCH_NEIGHBOR_WINDOW", 10*time.Minute),
			NeighborBoost:           0.01,
			RerankEnabled:           os.Getenv("SCREENLOOM_SEARCH_RERANK_ENABLED") == "true",
			Timeout:                 durationFromEnv("SCREENLOOM_SEARCH_TIMEOUT", 20*time.Second),
			FTSHealthCheckOnBoot:    os.Getenv("SCREENLOOM_SEARCH_FTS_HEALTHCHECK") != "false",
			FTSDegradeAfterFailures: intFromEnv("SCREENLOOM_SEARCH_FTS_DEGRADE_AFTER", 3),
		},

		Monitor: MonitorConfig{
			Enabled:       os.Getenv("SCREENLOOM_MONITOR_ENABLED") == "true",
			PortRangeFrom: intFromEnv("SCREENLOOM_MONITOR_PORT_FROM", 7391),
			PortRangeTo:   intFromEnv("SCREENLOOM_MONITOR_PORT_TO", 7420),
		},

		Telemetry: TelemetryConfig{
			Enabled:        os.Getenv("OTEL_ENABLED") == "true",
			OTLPEndpoint:   firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "http://localhost:4318"),
			ServiceName:    firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "screenloom"),
			ServiceVersion: firstNonEmpty(os.Getenv("SCREENLOOM_VERSION"), "dev"),
			Environment:    firstNonEmpty(os.Getenv("OTEL_ENVIRONMENT"), "development"),
		},

		VectorIndex: VectorIndexConfig{
			DSN:           firstNonEmpty(os.Getenv("SCREENLOOM_QDRANT_DSN"), "http://127.0.0.1:6334"),
			Collection:    firstNonEmpty(os.Getenv("SCREENLOOM_QDRANT_COLLECTION"), "screenloom_nodes"),
			Dimension:     intFromEnv("SCREENLOOM_EMBEDDING_DIMENSIONS", 1536),
			Metric:        firstNonEmpty(os.Getenv("SCREENLOOM_QDRANT_METRIC"), "cosine"),
			FlushInterval: durationFromEnv("SCREENLOOM_QDRANT_FLUSH_INTERVAL", 5*time.Second),
		},
	}

	if cfg.Providers.VLMProvider == "anthropic" && cfg.Providers.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required when SCREENLOOM_VLM_PROVIDER=anthropic")
	}
	if cfg.Providers.VLMProvider == "openai" && cfg.Providers.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required when SCREENLOOM_VLM_PROVIDER=openai")
	}

	return cfg, nil
}

// TempDir is where ephemeral capture files live until OCR/retention deletes them.
func (c *Config) TempDir() string { return filepath.Join(c.DataDir, "tmp") }

// DBPath is the relational store file (§6.3).
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "screenloom.db") }

// VectorIndexPath is the ANN index binary's on-disk home.
func (c *Config) VectorIndexPath() string { return filepath.Join(c.DataDir, "vectors") }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func intFromEnv(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func float64FromEnv(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func toSet(vals []string) map[string]struct{} {
	out := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}
