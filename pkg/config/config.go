// Package config assembles the gateway's runtime settings from
// environment variables plus an optional YAML scoring file, resolved
// once at startup into a value the rest of the service receives by
// reference. Env parsing is forgiving: a malformed value falls back to
// its default instead of failing startup. Validate reports the
// combinations that cannot work at all.
package config

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parapetlabs/parapet/pkg/scoring"
	"github.com/parapetlabs/parapet/pkg/store"
)

// Config holds every tunable the gateway reads. Construct with Load;
// treat as immutable afterwards.
type Config struct {
	// === Service ===
	ListenAddr string // Bind address for the HTTP API (default ":8088")
	LogLevel   string // zerolog level name (default "info")
	LogFormat  string // "console" for dev, "json" for machines
	DevMode    bool   // Enables the destructive dev reset endpoint

	// === Storage ===
	StoreDSN string // "", "memory", sqlite path, postgres:// or redis://

	// === Scoring ===
	ScoringPath    string         // Optional YAML scoring file
	ScoringVersion int            // Version declared by the scoring file
	Baseline       int            // Score floor before rule weights
	Cap            int            // Score ceiling after rule weights
	Weights        map[string]int // Per-label score contributions
	Thresholds     map[string]int // Per-rule tunables (see rules.TunedRules)
	Bands          []scoring.Band // Severity bands, ascending by min score

	// === Features ===
	Keywords          []string // Sensitive keyword override; empty keeps the built-in list
	RephraseThreshold float64  // Jaccard similarity for a rephrase hit
	RephraseWindow    int      // User turns after a refusal checked for rephrasing

	// === Routing ===
	BlockScore   int      // Score at or above which we block
	ReviewScore  int      // Score at or above which we review
	BlockLabels  []string // Labels that force a block; empty keeps defaults
	ReviewLabels []string // Labels that force a review; empty keeps defaults

	// === Alerts ===
	AlertThreshold int // Minimum score that emits an alert

	// === Timeline ===
	TimelineTruncate int // Rune cap for timeline entry content

	// === Forwarding ===
	ForwardEnabled   bool          // Route endpoint forwards to the provider when true
	PrimaryProvider  string        // Target for allowed traffic
	SafeProvider     string        // Target for reviewed/blocked traffic
	OllamaBaseURL    string        // Empty keeps the executor default
	OllamaModel      string        // Empty keeps the executor default
	ExecutorTimeout  time.Duration // Deadline for blocking generate calls
	ModelConcurrency int           // In-flight provider call cap; 0 keeps the default
}

// Load builds a Config from the environment, then merges the YAML
// scoring file when PARAPET_SCORING_CONFIG points at one. A set but
// unreadable scoring file is an error; everything else degrades to
// defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: GetEnv("PARAPET_LISTEN_ADDR", ":8088"),
		LogLevel:   GetEnv("PARAPET_LOG_LEVEL", "info"),
		LogFormat:  GetEnv("PARAPET_LOG_FORMAT", "console"),
		DevMode:    GetEnvBool("PARAPET_DEV", false),

		StoreDSN: GetEnv("PARAPET_STORE_DSN", ""),

		ScoringPath:    GetEnv("PARAPET_SCORING_CONFIG", ""),
		ScoringVersion: 1,
		Baseline:       GetEnvInt("PARAPET_BASELINE", scoring.DefaultBaseline),
		Cap:            GetEnvInt("PARAPET_CAP", scoring.DefaultCap),
		Weights:        weightsFromEnv(),
		Thresholds:     map[string]int{},
		Bands:          append([]scoring.Band(nil), scoring.DefaultBands...),

		Keywords:          GetEnvSlice("PARAPET_KEYWORDS", nil),
		RephraseThreshold: GetEnvFloat("PARAPET_REPHRASE_THRESHOLD", 0.35),
		RephraseWindow:    GetEnvInt("PARAPET_REPHRASE_WINDOW", 2),

		BlockScore:   GetEnvInt("PARAPET_ROUTE_BLOCK_SCORE", 85),
		ReviewScore:  GetEnvInt("PARAPET_ROUTE_REVIEW_SCORE", 60),
		BlockLabels:  GetEnvSlice("PARAPET_ROUTE_BLOCK_LABELS", nil),
		ReviewLabels: GetEnvSlice("PARAPET_ROUTE_REVIEW_LABELS", nil),

		AlertThreshold: GetEnvInt("PARAPET_ALERT_THRESHOLD", 80),

		TimelineTruncate: GetEnvInt("PARAPET_TIMELINE_TRUNCATE", 240),

		ForwardEnabled:   GetEnvBool("PARAPET_FORWARD", false),
		PrimaryProvider:  GetEnv("PRIMARY_LLM_PROVIDER", "ollama"),
		SafeProvider:     GetEnv("SAFE_LLM_PROVIDER", "ollama"),
		OllamaBaseURL:    GetEnv("OLLAMA_BASE_URL", ""),
		OllamaModel:      GetEnv("OLLAMA_MODEL", ""),
		ExecutorTimeout:  time.Duration(GetEnvFloat("LLM_EXECUTOR_TIMEOUT_S", 60) * float64(time.Second)),
		ModelConcurrency: GetEnvInt("PARAPET_MODEL_CONCURRENCY", 0),
	}

	if cfg.ScoringPath != "" {
		if err := cfg.applyScoringFile(cfg.ScoringPath); err != nil {
			return nil, fmt.Errorf("config: scoring file %s: %w", cfg.ScoringPath, err)
		}
	}
	return cfg, nil
}

// weightsFromEnv copies the built-in weight table, then merges
// PARAPET_WEIGHTS entries of the form "LABEL=35,OTHER=50" over it.
// Malformed entries are skipped.
func weightsFromEnv() map[string]int {
	weights := make(map[string]int, len(scoring.DefaultWeights))
	for label, w := range scoring.DefaultWeights {
		weights[label] = w
	}
	for _, pair := range GetEnvSlice("PARAPET_WEIGHTS", nil) {
		label, val, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		w, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			continue
		}
		weights[strings.TrimSpace(label)] = w
	}
	return weights
}

// scoringFile mirrors the YAML scoring document. Pointer fields
// distinguish "absent" from an explicit zero.
type scoringFile struct {
	Version       *int           `yaml:"version"`
	Baseline      *int           `yaml:"baseline"`
	Cap           *int           `yaml:"cap"`
	Weights       map[string]int `yaml:"weights"`
	Thresholds    map[string]int `yaml:"thresholds"`
	SeverityBands []scoring.Band `yaml:"severity_bands"`
}

// applyScoringFile merges a YAML scoring file over the current values.
// File entries win per key; anything the file omits keeps its env or
// built-in value. Bands replace wholesale and are re-sorted ascending.
func (c *Config) applyScoringFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f scoringFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return err
	}

	if f.Version != nil {
		c.ScoringVersion = *f.Version
	}
	if f.Baseline != nil {
		c.Baseline = *f.Baseline
	}
	if f.Cap != nil {
		c.Cap = *f.Cap
	}
	for label, w := range f.Weights {
		c.Weights[label] = w
	}
	for name, v := range f.Thresholds {
		c.Thresholds[name] = v
	}
	if len(f.SeverityBands) > 0 {
		bands := append([]scoring.Band(nil), f.SeverityBands...)
		sort.Slice(bands, func(i, j int) bool { return bands[i].MinScore < bands[j].MinScore })
		c.Bands = bands
	}
	return nil
}

// Validate reports every problem that would make the configuration
// unusable, joined into one error.
func (c *Config) Validate() error {
	var problems []string

	if c.Cap < 1 {
		problems = append(problems, "cap must be positive")
	}
	if c.Baseline < 0 {
		problems = append(problems, "baseline must not be negative")
	}
	if c.Baseline > c.Cap {
		problems = append(problems, "baseline above cap")
	}
	if len(c.Bands) == 0 {
		problems = append(problems, "severity bands must not be empty")
	} else if c.Bands[0].MinScore > 0 {
		problems = append(problems, "severity bands must cover score 0")
	}
	if c.RephraseThreshold <= 0 || c.RephraseThreshold > 1 {
		problems = append(problems, "rephrase threshold must be in (0,1]")
	}
	if c.RephraseWindow < 1 {
		problems = append(problems, "rephrase window must be at least 1")
	}
	if c.BlockScore < c.ReviewScore {
		problems = append(problems, "block score below review score")
	}
	if c.AlertThreshold < 0 {
		problems = append(problems, "alert threshold must not be negative")
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("unknown log format %q", c.LogFormat))
	}
	if c.ExecutorTimeout <= 0 {
		problems = append(problems, "executor timeout must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// MustValidate exits the process on an invalid configuration. Call at
// startup, before anything opens.
func (c *Config) MustValidate() {
	if err := c.Validate(); err != nil {
		log.Fatalf("[STARTUP] %v", err)
	}
}

// Snapshot returns the non-secret view served by the config endpoint.
// The store DSN is reduced to its backend kind so credentials inside
// it never leave the process.
func (c *Config) Snapshot() map[string]any {
	return map[string]any{
		"scoring_config_path":    c.ScoringPath,
		"scoring_config_version": c.ScoringVersion,
		"baseline":               c.Baseline,
		"cap":                    c.Cap,
		"weights":                c.Weights,
		"thresholds":             c.Thresholds,
		"severity_bands":         c.Bands,
		"route": map[string]any{
			"block_score":   c.BlockScore,
			"review_score":  c.ReviewScore,
			"block_labels":  c.BlockLabels,
			"review_labels": c.ReviewLabels,
		},
		"alert_threshold": c.AlertThreshold,
		"rephrase": map[string]any{
			"threshold": c.RephraseThreshold,
			"window":    c.RephraseWindow,
		},
		"keyword_override_count": len(c.Keywords),
		"timeline_truncate":      c.TimelineTruncate,
		"store":                  store.Kind(c.StoreDSN),
		"forwarding_enabled":     c.ForwardEnabled,
	}
}

// ============================================================================
// ENVIRONMENT HELPERS
// ============================================================================

// GetEnv returns the value of an environment variable or a default.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of an environment variable or a
// default.
func GetEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvInt returns the integer value of an environment variable or a
// default.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of an environment variable or
// a default.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvSlice returns a comma-separated list from an environment
// variable or a default. Entries are trimmed; empty entries dropped.
func GetEnvSlice(key string, defaultValue []string) []string {
	if v := os.Getenv(key); v != "" {
		var parts []string
		for _, p := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		if len(parts) > 0 {
			return parts
		}
	}
	return defaultValue
}
