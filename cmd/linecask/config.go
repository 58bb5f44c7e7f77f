package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

// fileConfig mirrors the settings a HuJSON config file may supply. CLI flags
// always take precedence over whatever is loaded here (P9).
type fileConfig struct {
	Dir             string `json:"dir,omitempty"`
	MaxSegmentBytes int64  `json:"max_segment_bytes,omitempty"` //nolint:tagliatelle
	MergeInterval   string `json:"merge_interval,omitempty"`    //nolint:tagliatelle
	Fsync           *bool  `json:"fsync,omitempty"`
	MergeEnabled    *bool  `json:"merge_enabled,omitempty"` //nolint:tagliatelle
}

// loadFileConfig reads and parses a HuJSON (JSON-with-comments) config file.
// A missing file is an error: the caller only reaches here when --config was
// actually set.
func loadFileConfig(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("parse config %q: invalid JSONC: %w", path, err)
	}

	var cfg fileConfig
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %q: %w", path, err)
	}

	return cfg, nil
}

// mergeInterval parses the config file's merge_interval field, defaulting to
// zero (caller substitutes its own default) on an empty or invalid string.
func (c fileConfig) mergeInterval() time.Duration {
	if c.MergeInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(c.MergeInterval)
	if err != nil {
		return 0
	}
	return d
}
