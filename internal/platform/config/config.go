// Package config loads worker configuration, either a single worker
// from process environment variables (the common container-per-type
// deployment) or a multi-worker process description from a YAML file
// (the fan-out-many-types-from-one-binary deployment).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/jobworker/internal/platform/envutil"
	"github.com/yungbote/jobworker/internal/platform/logger"
)

// WorkerConfig configures a single worker process reading its
// settings from the environment.
type WorkerConfig struct {
	RedisAddr        string
	JobType          string
	MaxAttempts      int
	BackoffEnabled   bool
	RemoveOnComplete bool
	ShutdownGrace    time.Duration
	EventChannelPfx  string
}

// LoadWorkerConfig reads a WorkerConfig from the environment, logging
// each field's source (found vs default) through log.
func LoadWorkerConfig(log *logger.Logger) WorkerConfig {
	return WorkerConfig{
		RedisAddr:        envutil.GetEnv("REDIS_ADDR", "127.0.0.1:6379", log),
		JobType:          envutil.GetEnv("JOB_TYPE", "default", log),
		MaxAttempts:      envutil.MaxAttemptsFromEnv(5, log),
		BackoffEnabled:   envutil.GetEnvAsBool("BACKOFF_ENABLED", true, log),
		RemoveOnComplete: envutil.GetEnvAsBool("REMOVE_ON_COMPLETE", false, log),
		ShutdownGrace:    envutil.ShutdownGraceFromEnv(5000, log),
		EventChannelPfx:  envutil.GetEnv("EVENT_CHANNEL_PREFIX", "jobqueue:events:", log),
	}
}

// TypeBinding configures one worker within a multi-worker process.
type TypeBinding struct {
	JobType          string `yaml:"job_type"`
	MaxAttempts      int    `yaml:"max_attempts"`
	BackoffEnabled   bool   `yaml:"backoff_enabled"`
	RemoveOnComplete bool   `yaml:"remove_on_complete"`
}

// MultiWorkerConfig describes a single process running one worker per
// entry in Types, all sharing one Redis address.
type MultiWorkerConfig struct {
	RedisAddr       string        `yaml:"redis_addr"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	EventChannelPfx string        `yaml:"event_channel_prefix"`
	Types           []TypeBinding `yaml:"types"`
}

// LoadMultiWorkerConfig reads a MultiWorkerConfig from a YAML file.
func LoadMultiWorkerConfig(path string) (MultiWorkerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return MultiWorkerConfig{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	var cfg MultiWorkerConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return MultiWorkerConfig{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if cfg.RedisAddr == "" {
		return MultiWorkerConfig{}, fmt.Errorf("config: %q: redis_addr is required", path)
	}
	if len(cfg.Types) == 0 {
		return MultiWorkerConfig{}, fmt.Errorf("config: %q: at least one entry under types is required", path)
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	if cfg.EventChannelPfx == "" {
		cfg.EventChannelPfx = "jobqueue:events:"
	}
	return cfg, nil
}
