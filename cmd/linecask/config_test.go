package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	flag "github.com/spf13/pflag"
)

// newTestFlagSet builds a flag set with the same overridable flags run()
// registers (everything but --config), so
// applyFileConfig can be exercised without touching the package-level
// flag.CommandLine.
func newTestFlagSet() (*flag.FlagSet, cliOverrides) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	o := cliOverrides{
		dir:             fs.String("dir", "./storage", ""),
		maxSegmentBytes: fs.Int64("max-segment-bytes", 512, ""),
		mergeInterval:   fs.Duration("merge-interval", 30*time.Second, ""),
		fsync:           fs.Bool("fsync", false, ""),
		mergeEnabled:    fs.Bool("merge-enabled", true, ""),
	}
	return fs, o
}

// TestCLIFlagWinsOverConfigFile covers P9: a config file and CLI flags that
// disagree on MaxSegmentBytes leave the CLI flag's value in effect.
func TestCLIFlagWinsOverConfigFile(t *testing.T) {
	fs, o := newTestFlagSet()
	if err := fs.Parse([]string{"--max-segment-bytes=1024"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	fcfg := fileConfig{MaxSegmentBytes: 99}
	applyFileConfig(fs, fcfg, o)

	if *o.maxSegmentBytes != 1024 {
		t.Errorf("expected CLI flag 1024 to win, got %d", *o.maxSegmentBytes)
	}
}

// TestConfigFileFillsUnsetFlags checks the other half of the precedence
// rule: a setting the operator never passed on the CLI is taken from the
// config file.
func TestConfigFileFillsUnsetFlags(t *testing.T) {
	fs, o := newTestFlagSet()
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	mergeEnabled := false
	fcfg := fileConfig{
		Dir:             "/data/linecask",
		MaxSegmentBytes: 2048,
		MergeInterval:   "1m",
		MergeEnabled:    &mergeEnabled,
	}
	applyFileConfig(fs, fcfg, o)

	if *o.dir != "/data/linecask" {
		t.Errorf("expected dir from config file, got %q", *o.dir)
	}
	if *o.maxSegmentBytes != 2048 {
		t.Errorf("expected max-segment-bytes from config file, got %d", *o.maxSegmentBytes)
	}
	if *o.mergeInterval != time.Minute {
		t.Errorf("expected merge-interval from config file, got %v", *o.mergeInterval)
	}
	if *o.mergeEnabled != false {
		t.Errorf("expected merge-enabled=false from config file, got %v", *o.mergeEnabled)
	}
}

// TestMergeEnabledCLIFlagWinsOverConfigFile is the MergeEnabled-specific
// case of P9: the config file says merge-enabled=false, but the CLI flag
// was explicitly set to true, so true wins.
func TestMergeEnabledCLIFlagWinsOverConfigFile(t *testing.T) {
	fs, o := newTestFlagSet()
	if err := fs.Parse([]string{"--merge-enabled=true"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	mergeEnabled := false
	fcfg := fileConfig{MergeEnabled: &mergeEnabled}
	applyFileConfig(fs, fcfg, o)

	if *o.mergeEnabled != true {
		t.Errorf("expected CLI flag true to win, got %v", *o.mergeEnabled)
	}
}

func TestLoadFileConfigParsesHuJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	contents := `{
		// trailing comment support is the point of HuJSON
		"dir": "/var/lib/linecask",
		"max_segment_bytes": 4096,
		"merge_enabled": false,
	}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := loadFileConfig(path)
	if err != nil {
		t.Fatalf("loadFileConfig failed: %v", err)
	}

	if cfg.Dir != "/var/lib/linecask" {
		t.Errorf("got dir %q", cfg.Dir)
	}
	if cfg.MaxSegmentBytes != 4096 {
		t.Errorf("got max_segment_bytes %d", cfg.MaxSegmentBytes)
	}
	if cfg.MergeEnabled == nil || *cfg.MergeEnabled != false {
		t.Errorf("got merge_enabled %v", cfg.MergeEnabled)
	}
}

func TestLoadFileConfigMissingFileIsError(t *testing.T) {
	_, err := loadFileConfig(filepath.Join(t.TempDir(), "missing.jsonc"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
