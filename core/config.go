package core

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunable values for the orchestration engine.
// Priority: defaults < YAML file < environment variables.
//
// Every numeric default mirrors documented behavior but is deliberately
// configuration, not contract: operators may retune any of them.
type Config struct {
	Intent    IntentConfig    `yaml:"intent"`
	Selection SelectionConfig `yaml:"selection"`
	Retry     RetryConfig     `yaml:"retry"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Engine    EngineConfig    `yaml:"engine"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Redis     RedisConfig     `yaml:"redis"`
}

// IntentConfig tunes the intent analyzer.
type IntentConfig struct {
	// ConfidenceThreshold below which the intent is reported UNKNOWN
	// together with a clarification suggestion.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// ContextBoostCap bounds the total confidence increment contributed
	// by conversation history and preference matches.
	ContextBoostCap float64 `yaml:"context_boost_cap"`
}

// SelectionWeights are the scoring weights for tool selection.
// They must sum to 1.0 within ±0.01.
type SelectionWeights struct {
	Capability    float64 `yaml:"capability"`
	Performance   float64 `yaml:"performance"`
	Health        float64 `yaml:"health"`
	Context       float64 `yaml:"context"`
	Compatibility float64 `yaml:"compatibility"`
}

// SelectionConfig tunes the tool selector.
type SelectionConfig struct {
	Weights           SelectionWeights `yaml:"weights"`
	MaxTools          int              `yaml:"max_tools"`
	MinScoreThreshold float64          `yaml:"min_score_threshold"`
	// LatencyCeiling normalizes P95 latency into [0,1] for scoring.
	LatencyCeiling time.Duration `yaml:"latency_ceiling"`
}

// RetryConfig tunes the error handler's retry behavior for transient
// failure classes.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// BreakerConfig tunes per-tool circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

// EngineConfig tunes workflow execution.
type EngineConfig struct {
	MaxConcurrentWorkflows int           `yaml:"max_concurrent_workflows"`
	StepTimeout            time.Duration `yaml:"step_timeout"`
	WorkflowTimeout        time.Duration `yaml:"workflow_timeout"`
	// ToleratePartialResults returns a PartialWorkflowFailure instead of
	// failing the whole workflow when a required step fails irrecoverably.
	ToleratePartialResults bool `yaml:"tolerate_partial_results"`
	// ResultTTL bounds how long completed results stay cached for
	// idempotent re-invocation by correlation ID.
	ResultTTL time.Duration `yaml:"result_ttl"`
}

// MonitorConfig tunes performance and health monitoring.
type MonitorConfig struct {
	HistoryCapacity    int           `yaml:"history_capacity"`
	ErrorRateAlert     float64       `yaml:"error_rate_alert"`
	P95LatencyAlert    time.Duration `yaml:"p95_latency_alert"`
	CheckInterval      time.Duration `yaml:"check_interval"`
	CheckTimeout       time.Duration `yaml:"check_timeout"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	DegradedLatency    time.Duration `yaml:"degraded_latency"`
	PublishPerformance bool          `yaml:"publish_performance"`
}

// RedisConfig selects the Redis backend for the registry and result cache.
// When URL is empty, in-memory implementations are used.
type RedisConfig struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		Intent: IntentConfig{
			ConfidenceThreshold: 0.6,
			ContextBoostCap:     0.15,
		},
		Selection: SelectionConfig{
			Weights: SelectionWeights{
				Capability:    0.35,
				Performance:   0.25,
				Health:        0.20,
				Context:       0.10,
				Compatibility: 0.10,
			},
			MaxTools:          5,
			MinScoreThreshold: 0.3,
			LatencyCeiling:    2 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  200 * time.Millisecond,
			MaxBackoff: 10 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			RecoveryTimeout:  60 * time.Second,
			HalfOpenMaxCalls: 3,
		},
		Engine: EngineConfig{
			MaxConcurrentWorkflows: 50,
			StepTimeout:            30 * time.Second,
			WorkflowTimeout:        120 * time.Second,
			ToleratePartialResults: false,
			ResultTTL:              10 * time.Minute,
		},
		Monitor: MonitorConfig{
			HistoryCapacity:    10000,
			ErrorRateAlert:     0.10,
			P95LatencyAlert:    5 * time.Second,
			CheckInterval:      30 * time.Second,
			CheckTimeout:       5 * time.Second,
			UnhealthyThreshold: 3,
			DegradedLatency:    2 * time.Second,
			PublishPerformance: true,
		},
		Redis: RedisConfig{
			Namespace: "orchestrator",
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML
// file, and environment overrides, then validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", ErrMissingConfiguration)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, ErrInvalidConfiguration)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ORCHESTRATOR_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("ORCHESTRATOR_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Intent.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("ORCHESTRATOR_MAX_CONCURRENT_WORKFLOWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxConcurrentWorkflows = n
		}
	}
	if v := os.Getenv("ORCHESTRATOR_STEP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.StepTimeout = d
		}
	}
	if v := os.Getenv("ORCHESTRATOR_WORKFLOW_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.WorkflowTimeout = d
		}
	}
	if v := os.Getenv("ORCHESTRATOR_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("ORCHESTRATOR_RECOVERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Breaker.RecoveryTimeout = d
		}
	}
}

// Sum returns the total of all selection weights.
func (w SelectionWeights) Sum() float64 {
	return w.Capability + w.Performance + w.Health + w.Context + w.Compatibility
}

// Validate rejects configurations the engine cannot run with. Selection
// weights must sum to 1.0 within ±0.01.
func (c *Config) Validate() error {
	if sum := c.Selection.Weights.Sum(); math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("selection weights sum to %.4f, must be 1.0±0.01: %w", sum, ErrInvalidConfiguration)
	}
	if c.Intent.ConfidenceThreshold < 0 || c.Intent.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold %.2f out of [0,1]: %w", c.Intent.ConfidenceThreshold, ErrInvalidConfiguration)
	}
	if c.Selection.MaxTools <= 0 {
		return fmt.Errorf("selection max_tools must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max_retries cannot be negative: %w", ErrInvalidConfiguration)
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxBackoff < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays misconfigured (base=%s max=%s): %w", c.Retry.BaseDelay, c.Retry.MaxBackoff, ErrInvalidConfiguration)
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("circuit breaker thresholds must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit breaker recovery_timeout must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Breaker.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("circuit breaker half_open_max_calls must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Engine.MaxConcurrentWorkflows <= 0 {
		return fmt.Errorf("max_concurrent_workflows must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Engine.StepTimeout <= 0 || c.Engine.WorkflowTimeout <= 0 {
		return fmt.Errorf("engine timeouts must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Monitor.HistoryCapacity <= 0 {
		return fmt.Errorf("monitor history_capacity must be positive: %w", ErrInvalidConfiguration)
	}
	return nil
}
