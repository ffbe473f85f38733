// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Aurastim Medical

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds controller defaults loaded from the optional --config file.
type Config struct {
	StorePath          string `toml:"protocol_store"`
	AuditPath          string `toml:"audit_log"`
	TickPeriodMs       int    `toml:"tick_period_ms"`
	AutoDischarge      bool   `toml:"auto_discharge"`
	AutoDischargeAfter string `toml:"auto_discharge_after"` // Go duration, e.g. "10m"
	DefaultProtocol    string `toml:"default_protocol"`
}

// loadConfig reads the config file, or returns defaults when no path is
// given.
func loadConfig(path string) (Config, error) {
	cfg := Config{
		AutoDischarge:      true,
		AutoDischargeAfter: "10m",
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if _, err := cfg.autoDischargeAfter(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func (c Config) autoDischargeAfter() (time.Duration, error) {
	if c.AutoDischargeAfter == "" {
		return 0, nil
	}
	return time.ParseDuration(c.AutoDischargeAfter)
}

func (c Config) tickPeriod() time.Duration {
	return time.Duration(c.TickPeriodMs) * time.Millisecond
}
