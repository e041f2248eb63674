package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/omriariav/FaceFindr/internal/config"
	"github.com/omriariav/FaceFindr/internal/constants"
	"github.com/omriariav/FaceFindr/internal/logging"
	"github.com/omriariav/FaceFindr/internal/match"
	"github.com/omriariav/FaceFindr/internal/pipeline"
	"github.com/omriariav/FaceFindr/internal/runner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Sort candidate photos by similarity to reference faces",
	Long: `Compare every face in the candidate photos against the reference faces and
copy each photo into matched, almost_matched or not_matched inside a new
timestamped output directory.

A photo is matched when its best similarity reaches the threshold, almost
matched when it is within 0.1 below it, and not matched otherwise. Photos
without faces are not matched. Unreadable photos are counted as errors and
never stop the run.

Examples:
  facefindr match --photos ./party --reference ./me.jpg
  facefindr match --photos a.jpg,b.jpg --reference ./refs --threshold 0.75 --dry-run`,
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)
	registerMatchFlags(matchCmd)
	_ = matchCmd.MarkFlagRequired("photos")
	_ = matchCmd.MarkFlagRequired("reference")
}

func registerMatchFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("photos", nil, "Candidate photo files or directories (required)")
	cmd.Flags().StringSlice("reference", nil, "Reference photo files or directories (required)")
	cmd.Flags().Float64("threshold", constants.DefaultThreshold, "Minimum similarity for matched (0.0-1.0)")
	cmd.Flags().String("metric", "euclidean", "Distance metric: euclidean or cosine")
	cmd.Flags().Int("batch-size", constants.DefaultBatchSize, "Photos per batch")
	cmd.Flags().Int("concurrency", constants.DefaultConcurrency, "Parallel workers per batch")
	cmd.Flags().Duration("timeout", 0, "Soft per-photo time limit, 0 disables")
	cmd.Flags().String("output", constants.DefaultOutputDir, "Base path of the output directory; a timestamp is appended")
	cmd.Flags().Bool("dry-run", false, "Categorize without copying photos")
	cmd.Flags().Bool("no-progress", false, "Disable the progress bar")
}

// applyMatchFlags overrides configuration values with the flags that were set explicitly.
func applyMatchFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("threshold") {
		cfg.Match.Threshold = mustGetFloat64(cmd, "threshold")
	}
	if flags.Changed("metric") {
		cfg.Match.Metric = mustGetString(cmd, "metric")
	}
	if flags.Changed("batch-size") {
		cfg.Match.BatchSize = mustGetInt(cmd, "batch-size")
		if cfg.Match.BatchSize < 1 {
			return fmt.Errorf("--batch-size must be at least 1, got %d", cfg.Match.BatchSize)
		}
	}
	if flags.Changed("concurrency") {
		cfg.Match.Concurrency = mustGetInt(cmd, "concurrency")
		if cfg.Match.Concurrency < 1 {
			return fmt.Errorf("--concurrency must be at least 1, got %d", cfg.Match.Concurrency)
		}
	}
	if flags.Changed("timeout") {
		cfg.Match.PhotoTimeout = mustGetDuration(cmd, "timeout")
	}
	if flags.Changed("output") {
		cfg.Match.Output = mustGetString(cmd, "output")
	}
	if flags.Changed("dry-run") {
		cfg.Match.DryRun = mustGetBool(cmd, "dry-run")
	}
	return cfg.Validate()
}

// runOptions converts the match configuration into runner options.
func runOptions(m config.MatchConfig) (runner.Options, error) {
	metric, err := match.ParseMetric(m.Metric)
	if err != nil {
		return runner.Options{}, err
	}
	opts := runner.DefaultOptions()
	opts.Threshold = m.Threshold
	opts.Metric = metric
	opts.BatchSize = m.BatchSize
	opts.Concurrency = m.Concurrency
	opts.PhotoTimeout = m.PhotoTimeout
	return opts, nil
}

func runMatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyMatchFlags(cmd, cfg); err != nil {
		return err
	}
	opts, err := runOptions(cfg.Match)
	if err != nil {
		return err
	}
	fileLevel, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}

	logger := logging.FromContext(cmd.Context())
	showProgress := !mustGetBool(cmd, "no-progress") && isTerminal(os.Stderr)
	if showProgress {
		// progress bar replaces per-photo console lines; log.txt keeps them
		if logger, err = logging.NewLogger(cfg.Log.Format, "warn"); err != nil {
			return err
		}
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		fmt.Fprintln(os.Stderr, "\nStopping after the current batch... (press Ctrl+C again to quit)")
		cancel()
		<-sigChan
		os.Exit(130)
	}()

	enc, closeEncoder, err := buildEncoder(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeEncoder(); err != nil {
			logger.Warn("Failed to close encoder", zap.Error(err))
		}
	}()

	shared, err := openSharedStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening result store: %w", err)
	}
	if shared != nil {
		defer shared.Close()
	}

	run, err := pipeline.Prepare(ctx, pipeline.Params{
		Photos:     mustGetStringSlice(cmd, "photos"),
		References: mustGetStringSlice(cmd, "reference"),
		Options:    opts,
		Output:     cfg.Match.Output,
		DryRun:     cfg.Match.DryRun,
	}, pipeline.Deps{
		Encoder:   enc,
		Logger:    logger,
		LogLevel:  fileLevel,
		OpenStore: storeOpener(cfg, shared, logger),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := run.Close(); err != nil {
			logger.Warn("Failed to close run", zap.Error(err))
		}
	}()

	if showProgress {
		run.Runner.AddObserver(newProgressObserver(os.Stderr))
	}

	report, runErr := run.Execute(ctx)
	if report != nil {
		printSummary(cmd.OutOrStdout(), report, run.Layout, cfg.Match.DryRun)
	}
	if errors.Is(runErr, runner.ErrCancelled) && report != nil {
		return fmt.Errorf("run %s aborted: partial results are in %s", report.RunID, run.Layout.Root)
	}
	return runErr
}
