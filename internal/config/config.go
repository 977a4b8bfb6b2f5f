package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig is the full runtime configuration. Values come from an optional
// YAML file (MATCH_CONFIG_FILE) with environment variables taking precedence.
type AppConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	OpsAddr        string   `yaml:"ops_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	StockfishPath string `yaml:"stockfish_path"`

	InactivityTimeoutSec int `yaml:"inactivity_timeout_sec"`
	SweepIntervalSec     int `yaml:"sweep_interval_sec"`

	DefaultSkillLevel  int `yaml:"default_skill_level"`
	DefaultSearchDepth int `yaml:"default_search_depth"`

	MsgOverrideDir string `yaml:"msg_override_dir"`
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:           ":8080",
		StockfishPath:        "stockfish",
		InactivityTimeoutSec: 1800,
		SweepIntervalSec:     300,
		DefaultSkillLevel:    10,
		DefaultSearchDepth:   12,
	}

	if path := strings.TrimSpace(os.Getenv("MATCH_CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("OPS_ADDR")); v != "" {
		cfg.OpsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = nil
		for _, p := range strings.Split(v, ",") {
			s := strings.TrimSpace(p)
			if s != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, s)
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("STOCKFISH_PATH")); v != "" {
		cfg.StockfishPath = v
	}
	if v := strings.TrimSpace(os.Getenv("INACTIVITY_TIMEOUT")); v != "" { // seconds
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.InactivityTimeoutSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SWEEP_INTERVAL")); v != "" { // seconds
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SweepIntervalSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_SKILL_LEVEL")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.DefaultSkillLevel = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_SEARCH_DEPTH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultSearchDepth = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MSG_OVERRIDE_DIR")); v != "" {
		cfg.MsgOverrideDir = v
	}

	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return nil, errors.New("listen_addr is required")
	}
	if cfg.InactivityTimeoutSec <= 0 {
		return nil, errors.New("inactivity_timeout_sec must be > 0")
	}
	if cfg.SweepIntervalSec <= 0 {
		return nil, errors.New("sweep_interval_sec must be > 0")
	}

	return cfg, nil
}
