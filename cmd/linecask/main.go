// Command linecask is a line-oriented key-value store server: it reads
// insert/get/delete/merge/stats commands from standard input and writes
// human-readable responses to standard output, backed by a Bitcask-style
// append-only segment store on disk.
package main

import (
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/linecask/linecask/internal/loop"
	"github.com/linecask/linecask/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dir             = flag.String("dir", "./storage", "storage directory")
		maxSegmentBytes = flag.Int64("max-segment-bytes", 512, "active segment rollover threshold, in bytes")
		mergeInterval   = flag.Duration("merge-interval", 30*time.Second, "interval between automatic merge cycles")
		fsync           = flag.Bool("fsync", false, "fsync after every write, not just on segment seal")
		mergeEnabled    = flag.Bool("merge-enabled", true, "run automatic merges on the merge-interval timer")
		configPath      = flag.String("config", "", "path to an optional HuJSON config file")
	)
	flag.Parse()

	log, err := newLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	sugar := log.Sugar()

	if *configPath != "" {
		fcfg, err := loadFileConfig(*configPath)
		if err != nil {
			return err
		}
		applyFileConfig(flag.CommandLine, fcfg, cliOverrides{
			dir:             dir,
			maxSegmentBytes: maxSegmentBytes,
			mergeInterval:   mergeInterval,
			fsync:           fsync,
			mergeEnabled:    mergeEnabled,
		})
	}

	st, err := store.Open(*dir,
		store.WithMaxSegmentBytes(*maxSegmentBytes),
		store.WithFsync(*fsync),
		store.WithLogger(sugar),
	)
	if err != nil {
		return fmt.Errorf("open storage directory %q: %w", *dir, err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			sugar.Errorw("close failed", "err", cerr)
		}
	}()

	lp, err := loop.New(st, os.Stdin, os.Stdout, loop.Config{
		MergeInterval: *mergeInterval,
		MergeEnabled:  *mergeEnabled,
	}, sugar)
	if err != nil {
		return fmt.Errorf("build event loop: %w", err)
	}

	sugar.Infow("linecask ready", "dir", *dir, "max_segment_bytes", *maxSegmentBytes, "merge_interval", *mergeInterval)

	if err := lp.Run(); err != nil {
		return fmt.Errorf("event loop: %w", err)
	}

	return nil
}

// cliOverrides points at the flag variables applyFileConfig may fill in from
// a config file.
type cliOverrides struct {
	dir             *string
	maxSegmentBytes *int64
	mergeInterval   *time.Duration
	fsync           *bool
	mergeEnabled    *bool
}

// applyFileConfig fills in flags the operator didn't explicitly pass on the
// command line from the config file — CLI flags that were set on fs always
// win (P9).
func applyFileConfig(fs *flag.FlagSet, fcfg fileConfig, o cliOverrides) {
	if !fs.Changed("dir") && fcfg.Dir != "" {
		*o.dir = fcfg.Dir
	}
	if !fs.Changed("max-segment-bytes") && fcfg.MaxSegmentBytes != 0 {
		*o.maxSegmentBytes = fcfg.MaxSegmentBytes
	}
	if !fs.Changed("merge-interval") {
		if d := fcfg.mergeInterval(); d != 0 {
			*o.mergeInterval = d
		}
	}
	if !fs.Changed("fsync") && fcfg.Fsync != nil {
		*o.fsync = *fcfg.Fsync
	}
	if !fs.Changed("merge-enabled") && fcfg.MergeEnabled != nil {
		*o.mergeEnabled = *fcfg.MergeEnabled
	}
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg.Build()
}
