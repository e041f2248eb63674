package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/omriariav/FaceFindr/internal/config"
	"github.com/omriariav/FaceFindr/internal/logging"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "facefindr",
	Short: "Sort photos by whether they contain a known face",
	Long: `FaceFindr compares the faces found in candidate photos against a set of
reference faces and copies every photo into matched, almost_matched or
not_matched, writing a run log and a summary of the run.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupCommand,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console or json")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// setupCommand loads the configuration and stores a logger in the command context.
func setupCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	cmd.SetContext(logging.ContextWithLogger(cmd.Context(), logger))
	return nil
}

// loadConfig reads the config file and environment, then applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}
