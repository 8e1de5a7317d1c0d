// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the service configuration: a YAML file as the
// base, environment variables as overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianVision/services/modelops/retrain"
	"github.com/AleutianAI/AleutianVision/services/modelops/version"
)

// Duration wraps time.Duration so YAML files can use "30m" / "24h"
// notation. Bare integers are taken as nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Storage    StorageConfig     `yaml:"storage"`
	Classifier ClassifierConfig  `yaml:"classifier"`
	Experiment ExperimentConfig  `yaml:"experiment"`
	Winner     WinnerConfig      `yaml:"winner"`
	Monitor    MonitorSettings   `yaml:"monitor"`
	Scheduler  SchedulerSettings `yaml:"scheduler"`
	Logging    LoggingConfig     `yaml:"logging"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
}

type ServerConfig struct {
	Port string `yaml:"port" validate:"required,numeric"`
}

type StorageConfig struct {
	// DataDir holds the embedded database.
	DataDir string `yaml:"dataDir" validate:"required"`

	// ArtifactsDir holds model artifact slots (active, versions,
	// backups, staging).
	ArtifactsDir string `yaml:"artifactsDir" validate:"required"`
}

type ClassifierConfig struct {
	// BaseURL of the classifier sidecar. Empty runs the service
	// without inference-backed verification and retraining.
	BaseURL string `yaml:"baseUrl" validate:"omitempty,url"`
}

type ExperimentConfig struct {
	DefaultSplitPercentage int      `yaml:"defaultSplitPercentage" validate:"min=0,max=100"`
	DefaultMinSampleSize   int      `yaml:"defaultMinSampleSize" validate:"min=0"`
	DefaultMaxDuration     Duration `yaml:"defaultMaxDuration"`
	MinEvaluationWindow    Duration `yaml:"minEvaluationWindow"`
}

type WinnerConfig struct {
	AutoDeployEnabled           bool     `yaml:"autoDeployEnabled"`
	MinimumConfidenceLevel      float64  `yaml:"minimumConfidenceLevel" validate:"min=0,max=1"`
	MinimumImprovementThreshold float64  `yaml:"minimumImprovementThreshold" validate:"min=0"`
	MinimumSampleSize           int      `yaml:"minimumSampleSize" validate:"min=0"`
	MinimumTestDuration         Duration `yaml:"minimumTestDuration"`
	DeploymentStrategy          string   `yaml:"deploymentStrategy" validate:"omitempty,oneof=replace canary blue-green"`
	RollbackOnFailure           bool     `yaml:"rollbackOnFailure"`
	NotificationEnabled         bool     `yaml:"notificationEnabled"`
	CanarySteps                 []int    `yaml:"canarySteps" validate:"omitempty,dive,min=1,max=100"`
}

// MonitorSettings is the YAML-facing mirror of the trigger thresholds.
type MonitorSettings struct {
	MinValidations          int      `yaml:"minValidations" validate:"min=0"`
	MinPerClass             int      `yaml:"minPerClass" validate:"min=0"`
	AccuracyDropThreshold   float64  `yaml:"accuracyDropThreshold" validate:"min=0,max=1"`
	ConfidenceAccuracyFloor float64  `yaml:"confidenceAccuracyFloor" validate:"min=0,max=1"`
	MinBucketSamples        int      `yaml:"minBucketSamples" validate:"min=0"`
	MaxTrainingInterval     Duration `yaml:"maxTrainingInterval"`
}

// MonitorConfig converts the settings to the monitor's domain config.
func (m MonitorSettings) MonitorConfig() retrain.MonitorConfig {
	return retrain.MonitorConfig{
		MinValidations:          m.MinValidations,
		MinPerClass:             m.MinPerClass,
		AccuracyDropThreshold:   m.AccuracyDropThreshold,
		ConfidenceAccuracyFloor: m.ConfidenceAccuracyFloor,
		MinBucketSamples:        m.MinBucketSamples,
		MaxTrainingInterval:     m.MaxTrainingInterval.Std(),
	}
}

// SchedulerSettings is the YAML-facing mirror of the scheduler policy.
type SchedulerSettings struct {
	CheckInterval        Duration `yaml:"checkInterval"`
	MaxRetrainingsPerDay int      `yaml:"maxRetrainingsPerDay" validate:"min=0"`
	CooldownHours        int      `yaml:"cooldownHours" validate:"min=0"`
	TriggerHistoryLimit  int      `yaml:"triggerHistoryLimit" validate:"min=0"`
	RegisterVersions     bool     `yaml:"registerVersions"`
	FollowUpExperiment   bool     `yaml:"followUpExperiment"`
}

// SchedulerConfig converts the settings to the scheduler's domain
// config.
func (s SchedulerSettings) SchedulerConfig() retrain.SchedulerConfig {
	return retrain.SchedulerConfig{
		CheckInterval:        s.CheckInterval.Std(),
		MaxRetrainingsPerDay: s.MaxRetrainingsPerDay,
		CooldownHours:        s.CooldownHours,
		TriggerHistoryLimit:  s.TriggerHistoryLimit,
		RegisterVersions:     s.RegisterVersions,
		FollowUpExperiment:   s.FollowUpExperiment,
	}
}

type LoggingConfig struct {
	// Level is the minimum log level.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Dir enables daily log files alongside stderr when set.
	Dir string `yaml:"dir"`
}

type TelemetryConfig struct {
	// OTLPEndpoint of the trace collector. Empty disables export.
	OTLPEndpoint string `yaml:"otlpEndpoint"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Server:  ServerConfig{Port: "12260"},
		Storage: StorageConfig{DataDir: "/data/modelops/db", ArtifactsDir: "/data/modelops/models"},
		Winner: WinnerConfig{
			AutoDeployEnabled:   true,
			DeploymentStrategy:  string(version.StrategyReplace),
			RollbackOnFailure:   true,
			NotificationEnabled: true,
		},
		Scheduler: SchedulerSettings{RegisterVersions: true},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path (skipped when empty), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnv layers environment variables over the file values. Only
// operational knobs are exposed this way; tuning thresholds stay in the
// file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MODELOPS_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("MODELOPS_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("MODELOPS_ARTIFACTS_DIR"); v != "" {
		cfg.Storage.ArtifactsDir = v
	}
	if v := os.Getenv("CLASSIFIER_SERVICE_URL"); v != "" {
		cfg.Classifier.BaseURL = v
	}
	if v := os.Getenv("MODELOPS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MODELOPS_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
}
