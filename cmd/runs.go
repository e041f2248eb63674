package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/omriariav/FaceFindr/internal/logging"
	"github.com/omriariav/FaceFindr/internal/match"
	"github.com/omriariav/FaceFindr/internal/store"
	"github.com/omriariav/FaceFindr/internal/store/sqlite"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect stored runs",
	Long: `Commands for listing stored runs and their results.

Runs are read from the configured result store. With the default sqlite
store, pass --db with a results.db file or a run output directory.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored runs, newest first",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a stored run and its results",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)

	runsCmd.PersistentFlags().String("db", "", "sqlite results database or run output directory")
	runsListCmd.Flags().Int("limit", 20, "Maximum number of runs to list")
	runsShowCmd.Flags().String("tier", "", "Only show results of this tier (matched, almost_matched, not_matched)")
	runsShowCmd.Flags().Int("limit", 0, "Maximum number of results to show, 0 shows all")
}

// openRunStore opens the store named by --db, or the configured shared store.
func openRunStore(cmd *cobra.Command) (store.Store, error) {
	logger := logging.FromContext(cmd.Context())
	if db := mustGetString(cmd, "db"); db != "" {
		path := resolveResultsDB(db)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("results database: %w", err)
		}
		s, err := sqlite.Open(cmd.Context(), path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := openSharedStore(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("no shared result store configured; pass --db <output dir>")
	}
	return s, nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	s, err := openRunStore(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListRuns(cmd.Context(), mustGetInt(cmd, "limit"))
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs found")
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			string(r.State),
			fmt.Sprintf("%.2f", r.Threshold),
			strconv.Itoa(r.Stats.Matched),
			strconv.Itoa(r.Stats.AlmostMatched),
			strconv.Itoa(r.Stats.NotMatched),
			strconv.Itoa(r.Stats.Errors),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"Run", "Started", "State", "Threshold", "Matched", "Almost", "Not matched", "Errors"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	))
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	s, err := openRunStore(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	run, err := s.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	tier := match.Tier(mustGetString(cmd, "tier"))
	if tier != "" && tier != match.Matched && tier != match.AlmostMatched && tier != match.NotMatched {
		return fmt.Errorf("unknown tier %q", tier)
	}
	results, err := s.Results(ctx, run.ID, store.ResultFilter{Tier: tier, Limit: mustGetInt(cmd, "limit")})
	if err != nil {
		return err
	}
	photoErrors, err := s.Errors(ctx, run.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printRunHeader(out, run)

	rows := make([][]string, 0, len(results))
	for _, res := range results {
		rows = append(rows, []string{res.CandidatePath, res.Tier.Label(), res.ScoreString(), res.ReferenceString()})
	}
	fmt.Fprintln(out, renderTable([]string{"Photo", "Tier", "Score", "Reference"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft}))

	if len(photoErrors) > 0 {
		errRows := make([][]string, 0, len(photoErrors))
		for _, pe := range photoErrors {
			errRows = append(errRows, []string{pe.Path, pe.Kind, pe.Error})
		}
		fmt.Fprintln(out, renderTable([]string{"Photo", "Kind", "Error"}, errRows, nil))
	}
	return nil
}

func printRunHeader(w io.Writer, run *store.Run) {
	fmt.Fprintf(w, "Run:        %s (%s)\n", run.ID, run.State)
	fmt.Fprintf(w, "Started:    %s\n", run.StartedAt.Local().Format(time.DateTime))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Finished:   %s\n", run.FinishedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintf(w, "Threshold:  %.2f (%s)\n", run.Threshold, run.Metric)
	fmt.Fprintf(w, "References: %d\n", len(run.References))
	fmt.Fprintf(w, "Photos:     %d matched, %d almost matched, %d not matched, %d errors\n",
		run.Stats.Matched, run.Stats.AlmostMatched, run.Stats.NotMatched, run.Stats.Errors)
}
