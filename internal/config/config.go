package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// WatchRoot names one directory the watcher monitors.
type WatchRoot struct {
	Path      string `yaml:"path"`
	Recursive bool   `yaml:"recursive"`
}

type WatchConfig struct {
	Roots               []WatchRoot `yaml:"roots"`
	DebounceMillis      int         `yaml:"debounce_ms"`
	PollIntervalSeconds int         `yaml:"poll_interval_seconds"`
}

type CoordinatorConfig struct {
	TickMillis         int            `yaml:"tick_ms"`
	GlobalCeiling      int            `yaml:"global_ceiling"`
	QueueCeilings      map[string]int `yaml:"queue_ceilings"`
	QueuePriority      []string       `yaml:"queue_priority"`
	RetryLimit         int            `yaml:"retry_limit"`
	TaskTimeoutSeconds int            `yaml:"task_timeout_seconds"`
	DrainGraceSeconds  int            `yaml:"drain_grace_seconds"`
}

type ClassifierConfig struct {
	SampleBytes int `yaml:"sample_bytes"`
}

type OrganizerConfig struct {
	// LibraryDir is the destination root for domain folders.
	LibraryDir          string  `yaml:"library_dir"`
	AutoMoveThreshold   float64 `yaml:"auto_move_threshold"`
	SuggestThreshold    float64 `yaml:"suggest_threshold"`
	BackupRetentionDays int     `yaml:"backup_retention_days"`
}

type GovernanceConfig struct {
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold"`
}

type IngestionConfig struct {
	ChunkTokens  int   `yaml:"chunk_tokens"`
	MaxFileBytes int64 `yaml:"max_file_bytes"`
}

type AIConfig struct {
	// Provider selects the collaborator implementation: "mock" or "openai"
	// (any OpenAI-compatible endpoint).
	Provider       string `yaml:"provider"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	EmbeddingModel string `yaml:"embedding_model"`
	ChatModel      string `yaml:"chat_model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type GatewayConfig struct {
	CORS         CORSConfig      `yaml:"cors"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	MaxBodyBytes int64           `yaml:"max_body_bytes"`
}

type RetentionConfig struct {
	// Schedule is a five-field cron spec; empty uses the hourly default.
	Schedule        string `yaml:"schedule"`
	AuditLogDays    int    `yaml:"audit_log_days"`
	AgentRecordDays int    `yaml:"agent_record_days"`
}

type ScanConfig struct {
	// Schedule is an optional five-field cron spec for periodic re-scans of
	// all watch roots. Empty disables scheduled scans.
	Schedule    string `yaml:"schedule"`
	Concurrency int    `yaml:"concurrency"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WebSocket connections to /events. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	Watch       WatchConfig       `yaml:"watch"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Organizer   OrganizerConfig   `yaml:"organizer"`
	Governance  GovernanceConfig  `yaml:"governance"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	AI          AIConfig          `yaml:"ai"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Retention   RetentionConfig   `yaml:"retention"`
	Scan        ScanConfig        `yaml:"scan"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`

	// FirstRun is set when config.yaml did not exist; the daemon writes the
	// defaults back so operators have a file to edit.
	FirstRun bool `yaml:"-"`
}

// Queue names used across config, queues and the coordinator.
const (
	QueueSchema     = "schema"
	QueueIngestion  = "ingestion"
	QueueTrustAudit = "trust_audit"
)

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, exposed in /status
// so dashboards can detect drift.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|global=%d|ceilings=%v|auto=%.2f|suggest=%.2f|approve=%.2f|roots=%d",
		c.BindAddr, c.LogLevel,
		c.Coordinator.GlobalCeiling, c.Coordinator.QueueCeilings,
		c.Organizer.AutoMoveThreshold, c.Organizer.SuggestThreshold,
		c.Governance.AutoApproveThreshold, len(c.Watch.Roots))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:8787",
		LogLevel: "info",
		Watch: WatchConfig{
			DebounceMillis:      500,
			PollIntervalSeconds: 30,
		},
		Coordinator: CoordinatorConfig{
			TickMillis:    250,
			GlobalCeiling: 5,
			QueueCeilings: map[string]int{
				QueueSchema:     2,
				QueueIngestion:  3,
				QueueTrustAudit: 2,
			},
			QueuePriority:      []string{QueueSchema, QueueIngestion, QueueTrustAudit},
			RetryLimit:         3,
			TaskTimeoutSeconds: 60,
			DrainGraceSeconds:  10,
		},
		Classifier: ClassifierConfig{
			SampleBytes: 4096,
		},
		Organizer: OrganizerConfig{
			AutoMoveThreshold:   0.85,
			SuggestThreshold:    0.50,
			BackupRetentionDays: 30,
		},
		Governance: GovernanceConfig{
			AutoApproveThreshold: 0.85,
		},
		Ingestion: IngestionConfig{
			ChunkTokens:  400,
			MaxFileBytes: 64 << 20,
		},
		AI: AIConfig{
			Provider:       "mock",
			EmbeddingModel: "nomic-embed-text",
			ChatModel:      "gpt-4o-mini",
			TimeoutSeconds: 30,
		},
		Gateway: GatewayConfig{
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				BurstSize:         20,
			},
			MaxBodyBytes: 1 << 20,
		},
		Retention: RetentionConfig{
			AuditLogDays:    365,
			AgentRecordDays: 90,
		},
		Scan: ScanConfig{
			Concurrency: 4,
		},
	}
}

// HomeDir resolves the librarian data directory.
func HomeDir() string {
	if override := os.Getenv("LIBRARIAN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".librarian")
}

// Load reads the effective configuration: defaults, then config.yaml, then
// env overrides, then normalization and validation.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create librarian home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstRun = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to config.yaml in the configured home directory. Used on
// first run so operators have a populated file to edit.
func Save(cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	header := []byte("# librarian configuration. Environment variables prefixed LIBRARIAN_ override\n# individual fields; see `librarian doctor` for the effective values.\n")
	return os.WriteFile(ConfigPath(cfg.HomeDir), append(header, data...), 0o644)
}

func normalize(cfg *Config) {
	def := defaultConfig()

	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = def.BindAddr
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Watch.DebounceMillis <= 0 {
		cfg.Watch.DebounceMillis = def.Watch.DebounceMillis
	}
	if cfg.Watch.PollIntervalSeconds <= 0 {
		cfg.Watch.PollIntervalSeconds = def.Watch.PollIntervalSeconds
	}
	if cfg.Coordinator.TickMillis <= 0 {
		cfg.Coordinator.TickMillis = def.Coordinator.TickMillis
	}
	if cfg.Coordinator.GlobalCeiling <= 0 {
		cfg.Coordinator.GlobalCeiling = def.Coordinator.GlobalCeiling
	}
	if len(cfg.Coordinator.QueueCeilings) == 0 {
		cfg.Coordinator.QueueCeilings = def.Coordinator.QueueCeilings
	} else {
		for _, q := range []string{QueueSchema, QueueIngestion, QueueTrustAudit} {
			if cfg.Coordinator.QueueCeilings[q] <= 0 {
				cfg.Coordinator.QueueCeilings[q] = def.Coordinator.QueueCeilings[q]
			}
		}
	}
	if len(cfg.Coordinator.QueuePriority) == 0 {
		cfg.Coordinator.QueuePriority = def.Coordinator.QueuePriority
	}
	if cfg.Coordinator.RetryLimit <= 0 {
		cfg.Coordinator.RetryLimit = def.Coordinator.RetryLimit
	}
	if cfg.Coordinator.TaskTimeoutSeconds <= 0 {
		cfg.Coordinator.TaskTimeoutSeconds = def.Coordinator.TaskTimeoutSeconds
	}
	if cfg.Coordinator.DrainGraceSeconds <= 0 {
		cfg.Coordinator.DrainGraceSeconds = def.Coordinator.DrainGraceSeconds
	}
	if cfg.Classifier.SampleBytes <= 0 {
		cfg.Classifier.SampleBytes = def.Classifier.SampleBytes
	}
	if strings.TrimSpace(cfg.Organizer.LibraryDir) == "" {
		cfg.Organizer.LibraryDir = filepath.Join(cfg.HomeDir, "library")
	}
	if cfg.Organizer.AutoMoveThreshold <= 0 {
		cfg.Organizer.AutoMoveThreshold = def.Organizer.AutoMoveThreshold
	}
	if cfg.Organizer.SuggestThreshold <= 0 {
		cfg.Organizer.SuggestThreshold = def.Organizer.SuggestThreshold
	}
	if cfg.Organizer.BackupRetentionDays <= 0 {
		cfg.Organizer.BackupRetentionDays = def.Organizer.BackupRetentionDays
	}
	if cfg.Governance.AutoApproveThreshold <= 0 {
		cfg.Governance.AutoApproveThreshold = def.Governance.AutoApproveThreshold
	}
	if cfg.Ingestion.ChunkTokens <= 0 {
		cfg.Ingestion.ChunkTokens = def.Ingestion.ChunkTokens
	}
	if cfg.Ingestion.MaxFileBytes <= 0 {
		cfg.Ingestion.MaxFileBytes = def.Ingestion.MaxFileBytes
	}
	if strings.TrimSpace(cfg.AI.Provider) == "" {
		cfg.AI.Provider = def.AI.Provider
	}
	if cfg.AI.TimeoutSeconds <= 0 {
		cfg.AI.TimeoutSeconds = def.AI.TimeoutSeconds
	}
	if cfg.Gateway.MaxBodyBytes <= 0 {
		cfg.Gateway.MaxBodyBytes = def.Gateway.MaxBodyBytes
	}
	if cfg.Gateway.RateLimit.RequestsPerMinute <= 0 {
		cfg.Gateway.RateLimit.RequestsPerMinute = def.Gateway.RateLimit.RequestsPerMinute
	}
	if cfg.Gateway.RateLimit.BurstSize <= 0 {
		cfg.Gateway.RateLimit.BurstSize = def.Gateway.RateLimit.BurstSize
	}
	if cfg.Retention.AuditLogDays < 0 {
		cfg.Retention.AuditLogDays = def.Retention.AuditLogDays
	}
	if cfg.Retention.AgentRecordDays < 0 {
		cfg.Retention.AgentRecordDays = def.Retention.AgentRecordDays
	}
	if cfg.Scan.Concurrency <= 0 {
		cfg.Scan.Concurrency = def.Scan.Concurrency
	}

	for i := range cfg.Watch.Roots {
		cfg.Watch.Roots[i].Path = expandHome(cfg.Watch.Roots[i].Path)
	}
	cfg.Organizer.LibraryDir = expandHome(cfg.Organizer.LibraryDir)
}

func validate(cfg *Config) error {
	if cfg.Organizer.AutoMoveThreshold > 1.0 || cfg.Organizer.SuggestThreshold > 1.0 ||
		cfg.Governance.AutoApproveThreshold > 1.0 {
		return fmt.Errorf("confidence thresholds must be within (0.0, 1.0]")
	}
	if cfg.Organizer.SuggestThreshold > cfg.Organizer.AutoMoveThreshold {
		return fmt.Errorf("organizer.suggest_threshold (%.2f) must not exceed auto_move_threshold (%.2f)",
			cfg.Organizer.SuggestThreshold, cfg.Organizer.AutoMoveThreshold)
	}

	known := map[string]bool{QueueSchema: true, QueueIngestion: true, QueueTrustAudit: true}
	seen := map[string]bool{}
	for _, q := range cfg.Coordinator.QueuePriority {
		if !known[q] {
			return fmt.Errorf("coordinator.queue_priority: unknown queue %q", q)
		}
		if seen[q] {
			return fmt.Errorf("coordinator.queue_priority: duplicate queue %q", q)
		}
		seen[q] = true
	}
	if len(seen) != len(known) {
		return fmt.Errorf("coordinator.queue_priority must list all of %s, %s, %s",
			QueueSchema, QueueIngestion, QueueTrustAudit)
	}

	sum := 0
	for q, ceiling := range cfg.Coordinator.QueueCeilings {
		if !known[q] {
			return fmt.Errorf("coordinator.queue_ceilings: unknown queue %q", q)
		}
		sum += ceiling
	}
	if cfg.Coordinator.GlobalCeiling > sum {
		return fmt.Errorf("coordinator.global_ceiling (%d) exceeds the sum of queue ceilings (%d); the extra capacity can never be used",
			cfg.Coordinator.GlobalCeiling, sum)
	}

	for _, root := range cfg.Watch.Roots {
		if strings.TrimSpace(root.Path) == "" {
			return fmt.Errorf("watch.roots: empty path")
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("LIBRARIAN_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("LIBRARIAN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LIBRARIAN_LIBRARY_DIR"); raw != "" {
		cfg.Organizer.LibraryDir = raw
	}
	if raw := os.Getenv("LIBRARIAN_GLOBAL_CEILING"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Coordinator.GlobalCeiling = v
		}
	}
	if raw := os.Getenv("LIBRARIAN_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Coordinator.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("LIBRARIAN_DRAIN_GRACE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Coordinator.DrainGraceSeconds = v
		}
	}
	if raw := os.Getenv("LIBRARIAN_AI_PROVIDER"); raw != "" {
		cfg.AI.Provider = raw
	}
	if raw := os.Getenv("LIBRARIAN_AI_BASE_URL"); raw != "" {
		cfg.AI.BaseURL = raw
	}
	if raw := os.Getenv("LIBRARIAN_AI_API_KEY"); raw != "" {
		cfg.AI.APIKey = raw
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
