// Package config loads the service configuration with the precedence
// (highest wins): defaults, config file, environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/tailscale/hujson"
)

// Environment variable names.
const (
	EnvAutoSave            = "DOCX_AUTO_SAVE"
	EnvStorageRoot         = "DOCX_STORAGE_ROOT"
	EnvCheckpointInterval  = "DOCX_CHECKPOINT_INTERVAL"
	EnvMaxBatchOps         = "DOCX_MAX_BATCH_OPS"
	EnvSimilarityThreshold = "DOCX_SIMILARITY_THRESHOLD"
)

// ConfigFileName is the default config file name.
const ConfigFileName = ".docx-session.json"

var (
	errStorageRootEmpty    = errors.New("storage_root cannot be empty")
	errCheckpointInterval  = errors.New("checkpoint_interval must be > 0")
	errMaxBatchOps         = errors.New("max_batch_ops must be > 0")
	errSimilarityThreshold = errors.New("similarity_threshold must be in [0, 1]")
)

// Config holds all configuration options.
type Config struct {
	StorageRoot         string  `json:"storage_root"`
	AutoSave            bool    `json:"auto_save"`
	CheckpointInterval  int     `json:"checkpoint_interval"`
	MaxBatchOps         int     `json:"max_batch_ops"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		StorageRoot:         ".docx-sessions",
		AutoSave:            true,
		CheckpointInterval:  10,
		MaxBatchOps:         10,
		SimilarityThreshold: 0.6,
	}
}

// Load builds the configuration from the optional config file at path
// (empty means "no file") and the process environment.
func Load(path string, env map[string]string) (Config, error) {
	cfg := Default()

	if path != "" {
		fileCfg, err := loadFile(path)
		if err != nil {
			return Config{}, err
		}

		cfg = merge(cfg, fileCfg)
	}

	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// fileConfig mirrors Config with pointers so absent keys don't clobber
// lower-precedence values.
type fileConfig struct {
	StorageRoot         *string  `json:"storage_root"`
	AutoSave            *bool    `json:"auto_save"`
	CheckpointInterval  *int     `json:"checkpoint_interval"`
	MaxBatchOps         *int     `json:"max_batch_ops"`
	SimilarityThreshold *float64 `json:"similarity_threshold"`
}

func loadFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fileConfig{}, nil
	}

	if err != nil {
		return fileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	// Config files allow comments and trailing commas.
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(standardized, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	return fc, nil
}

func merge(base Config, fc fileConfig) Config {
	if fc.StorageRoot != nil {
		base.StorageRoot = *fc.StorageRoot
	}

	if fc.AutoSave != nil {
		base.AutoSave = *fc.AutoSave
	}

	if fc.CheckpointInterval != nil {
		base.CheckpointInterval = *fc.CheckpointInterval
	}

	if fc.MaxBatchOps != nil {
		base.MaxBatchOps = *fc.MaxBatchOps
	}

	if fc.SimilarityThreshold != nil {
		base.SimilarityThreshold = *fc.SimilarityThreshold
	}

	return base
}

func applyEnv(cfg *Config, env map[string]string) error {
	if v, ok := env[EnvAutoSave]; ok {
		cfg.AutoSave = v != "false"
	}

	if v, ok := env[EnvStorageRoot]; ok && v != "" {
		cfg.StorageRoot = v
	}

	if v, ok := env[EnvCheckpointInterval]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCheckpointInterval, err)
		}

		cfg.CheckpointInterval = n
	}

	if v, ok := env[EnvMaxBatchOps]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxBatchOps, err)
		}

		cfg.MaxBatchOps = n
	}

	if v, ok := env[EnvSimilarityThreshold]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSimilarityThreshold, err)
		}

		cfg.SimilarityThreshold = f
	}

	return nil
}

func validate(cfg Config) error {
	if cfg.StorageRoot == "" {
		return errStorageRootEmpty
	}

	if cfg.CheckpointInterval <= 0 {
		return errCheckpointInterval
	}

	if cfg.MaxBatchOps <= 0 {
		return errMaxBatchOps
	}

	if cfg.SimilarityThreshold < 0 || cfg.SimilarityThreshold > 1 {
		return errSimilarityThreshold
	}

	return nil
}
