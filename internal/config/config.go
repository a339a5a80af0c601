// Package config loads configuration for the cognitived binaries.
//
// Configuration comes from environment variables with sensible defaults;
// every tunable of the inference pipeline (sequence length, confidence
// threshold, cooldowns, evaluation delay) is an environment variable so
// deployments can be tuned without rebuilds.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete cognitived configuration. All three binaries
// share one struct; each reads the subset it needs.
type Config struct {
	// Infrastructure addresses.
	NATSURL       string `koanf:"nats_url"`
	RedisAddr     string `koanf:"redis_addr"` // empty selects the in-memory KV
	RedisPassword string `koanf:"redis_password"`
	DBPath        string `koanf:"db_path"`
	InstanceID    string `koanf:"instance_id"`

	// Logging.
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"` // json | console

	// HTTP listeners.
	GatewayPort  int `koanf:"gateway_port"`
	NodePort     int `koanf:"node_port"`
	ResolverPort int `koanf:"resolver_port"`

	// Gateway.
	NodeURL             string `koanf:"node_url"` // downstream inference node ws base
	TenantServiceURL    string `koanf:"tenant_service_url"`
	AuthCacheTTLSeconds int    `koanf:"auth_cache_ttl_seconds"`
	MaxBufferSize       int    `koanf:"max_buffer_size"`
	MaxFramesPerSecond  int    `koanf:"max_frames_per_second"`
	ThrottleThreshold   int    `koanf:"throttle_threshold"`

	// Inference node.
	ModelURL                     string  `koanf:"model_url"` // empty selects the synthetic classifier
	SequenceLength               int     `koanf:"sequence_length"`
	ConfidenceThreshold          float64 `koanf:"confidence_threshold"`
	CooldownVibrationSeconds     int     `koanf:"cooldown_vibration_seconds"`
	CooldownInstructionSeconds   int     `koanf:"cooldown_instruction_seconds"`
	CooldownPauseSeconds         int     `koanf:"cooldown_pause_seconds"`
	ResultEvaluationDelaySeconds int     `koanf:"result_evaluation_delay_seconds"`
	NegativeSampleRate           float64 `koanf:"negative_sample_rate"`
	ClusteringMinSamples         int     `koanf:"clustering_min_samples"`
	ClusteringUpdateFrequency    int     `koanf:"clustering_update_frequency"`
	EvaluationSweepSeconds       int     `koanf:"evaluation_sweep_seconds"`
	EvaluationWorkers            int     `koanf:"evaluation_workers"`

	// Content resolver.
	GeminiAPIKey             string `koanf:"gemini_api_key"`
	GeminiModel              string `koanf:"gemini_model"`
	GeminiRateLimitPerMinute int    `koanf:"gemini_rate_limit_per_minute"`
	RPCTimeoutSeconds        int    `koanf:"rpc_timeout_seconds"`
	MaxRetries               int    `koanf:"max_retries"`
	ResolverPrefetch         int    `koanf:"resolver_prefetch"`
}

// Load reads configuration from the environment and applies defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.NATSURL == "" {
		cfg.NATSURL = "nats://localhost:4222"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "cognitived.db"
	}
	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "cognitived-local"
		}
		cfg.InstanceID = host
	}

	if cfg.GatewayPort == 0 {
		cfg.GatewayPort = 8080
	}
	if cfg.NodePort == 0 {
		cfg.NodePort = 8081
	}
	if cfg.ResolverPort == 0 {
		cfg.ResolverPort = 8082
	}
	if cfg.NodeURL == "" {
		cfg.NodeURL = fmt.Sprintf("ws://localhost:%d", cfg.NodePort)
	}
	if cfg.AuthCacheTTLSeconds == 0 {
		cfg.AuthCacheTTLSeconds = 3600
	}
	if cfg.MaxBufferSize == 0 {
		cfg.MaxBufferSize = 300
	}
	if cfg.MaxFramesPerSecond == 0 {
		cfg.MaxFramesPerSecond = 60
	}
	if cfg.ThrottleThreshold == 0 {
		cfg.ThrottleThreshold = 250
	}

	if cfg.SequenceLength == 0 {
		cfg.SequenceLength = 30
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 0.6
	}
	if cfg.CooldownVibrationSeconds == 0 {
		cfg.CooldownVibrationSeconds = 30
	}
	if cfg.CooldownInstructionSeconds == 0 {
		cfg.CooldownInstructionSeconds = 60
	}
	if cfg.CooldownPauseSeconds == 0 {
		cfg.CooldownPauseSeconds = 180
	}
	if cfg.ResultEvaluationDelaySeconds == 0 {
		cfg.ResultEvaluationDelaySeconds = 45
	}
	if cfg.NegativeSampleRate == 0 {
		cfg.NegativeSampleRate = 0.05
	}
	if cfg.ClusteringMinSamples == 0 {
		cfg.ClusteringMinSamples = 50
	}
	if cfg.ClusteringUpdateFrequency == 0 {
		cfg.ClusteringUpdateFrequency = 10
	}
	if cfg.EvaluationSweepSeconds == 0 {
		cfg.EvaluationSweepSeconds = 10
	}
	if cfg.EvaluationWorkers == 0 {
		cfg.EvaluationWorkers = 4
	}

	if cfg.GeminiModel == "" {
		cfg.GeminiModel = "gemini-1.5-flash"
	}
	if cfg.GeminiRateLimitPerMinute == 0 {
		cfg.GeminiRateLimitPerMinute = 15
	}
	if cfg.RPCTimeoutSeconds == 0 {
		cfg.RPCTimeoutSeconds = 5
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ResolverPrefetch == 0 {
		cfg.ResolverPrefetch = 10
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.SequenceLength < 2 {
		return fmt.Errorf("sequence_length must be at least 2, got %d", c.SequenceLength)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0,1], got %f", c.ConfidenceThreshold)
	}
	if c.NegativeSampleRate < 0 || c.NegativeSampleRate > 1 {
		return fmt.Errorf("negative_sample_rate must be in [0,1], got %f", c.NegativeSampleRate)
	}
	if c.ThrottleThreshold > c.MaxBufferSize {
		return fmt.Errorf("throttle_threshold %d exceeds max_buffer_size %d", c.ThrottleThreshold, c.MaxBufferSize)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries)
	}
	return nil
}

// Duration accessors. The *_SECONDS environment variables take bare
// integers; internally everything is a time.Duration.

func (c *Config) CooldownVibration() time.Duration {
	return time.Duration(c.CooldownVibrationSeconds) * time.Second
}

func (c *Config) CooldownInstruction() time.Duration {
	return time.Duration(c.CooldownInstructionSeconds) * time.Second
}

func (c *Config) CooldownPause() time.Duration {
	return time.Duration(c.CooldownPauseSeconds) * time.Second
}

func (c *Config) ResultEvaluationDelay() time.Duration {
	return time.Duration(c.ResultEvaluationDelaySeconds) * time.Second
}

func (c *Config) EvaluationSweep() time.Duration {
	return time.Duration(c.EvaluationSweepSeconds) * time.Second
}

func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutSeconds) * time.Second
}

func (c *Config) AuthCacheTTL() time.Duration {
	return time.Duration(c.AuthCacheTTLSeconds) * time.Second
}
