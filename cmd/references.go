package cmd

import (
	"fmt"
	"strconv"

	"github.com/omriariav/FaceFindr/internal/constants"
	"github.com/omriariav/FaceFindr/internal/logging"
	"github.com/omriariav/FaceFindr/internal/reference"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var referencesCmd = &cobra.Command{
	Use:   "references <path>...",
	Short: "Check which reference images are usable",
	Long: `Build the reference set from files and directories and report which images
were accepted and which were rejected. A reference image must contain exactly
one face. At most 100 references are kept.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runReferences,
}

func init() {
	rootCmd.AddCommand(referencesCmd)
}

func runReferences(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.FromContext(cmd.Context())
	ctx := cmd.Context()

	enc, closeEncoder, err := buildEncoder(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeEncoder(); err != nil {
			logger.Warn("Failed to close encoder", zap.Error(err))
		}
	}()

	set, buildErr := reference.Build(ctx, enc, logger, args...)
	if set == nil {
		return buildErr
	}

	out := cmd.OutOrStdout()
	rows := make([][]string, 0, set.Len()+len(set.Rejected()))
	for i, e := range set.Entries() {
		rows = append(rows, []string{strconv.Itoa(i + 1), e.Path, "accepted", strconv.Itoa(len(e.Embedding)) + "-d"})
	}
	for _, r := range set.Rejected() {
		rows = append(rows, []string{"-", r.Path, "rejected", r.Err.Error()})
	}
	fmt.Fprintln(out, renderTable([]string{"#", "Image", "Status", "Detail"}, rows, []columnAlignment{alignRight}))
	fmt.Fprintf(out, "%d accepted, %d rejected\n", set.Len(), len(set.Rejected()))
	if set.Truncated() {
		fmt.Fprintf(out, "Only the first %d references are used\n", constants.MaxReferences)
	}

	return buildErr
}
