package cmd

import (
	"errors"
	"fmt"

	"github.com/omriariav/FaceFindr/internal/embcache"
	"github.com/omriariav/FaceFindr/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Embedding cache management commands",
	Long:  `Commands for inspecting and clearing the embedding cache configured by cache.backend.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the number of cached images",
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached embedding",
	RunE:  runCacheClear,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)

	cacheClearCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")
}

// openMaintainer opens the configured cache for maintenance.
func openMaintainer(cmd *cobra.Command) (embcache.Maintainer, string, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", nil, err
	}
	if cfg.Cache.Backend == "none" {
		return nil, "", nil, errors.New("embedding cache is disabled; set cache.backend or FACEFINDR_CACHE")
	}
	_, m, closeFn, err := openCache(cmd.Context(), cfg, logging.FromContext(cmd.Context()))
	if err != nil {
		return nil, "", nil, err
	}
	return m, cfg.Cache.Backend, closeFn, nil
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	m, backend, closeFn, err := openMaintainer(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := m.Count(cmd.Context())
	if err != nil {
		return fmt.Errorf("counting cache entries: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"Backend", "Entries"},
		[][]string{{backend, fmt.Sprint(n)}},
		[]columnAlignment{alignLeft, alignRight},
	))
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	m, backend, closeFn, err := openMaintainer(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	if !mustGetBool(cmd, "yes") {
		fmt.Fprintf(cmd.OutOrStdout(), "Clear the %s embedding cache? [y/N] ", backend)
		var answer string
		_, _ = fmt.Fscanln(cmd.InOrStdin(), &answer)
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
			return nil
		}
	}

	n, err := m.Clear(cmd.Context())
	if err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	logging.FromContext(cmd.Context()).Info("Cleared embedding cache", zap.String("backend", backend), zap.Int("entries", n))
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cached images\n", n)
	return nil
}
