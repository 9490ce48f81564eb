package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/habitloop/intervals/internal/config"
	"github.com/habitloop/intervals/internal/history"
	"github.com/spf13/cobra"
)

var nowFn = time.Now

func newHistoryCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent interval sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger.With("command", "history").Debug("listing sessions", "limit", limit)
			return printHistory(cmd.Context(), cfg.HistoryDB, limit, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions to list")
	return cmd
}

func newStatsCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize sessions over the last days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive, got %d", days)
			}
			logger.With("command", "stats").Debug("aggregating sessions", "days", days)
			return printStats(cmd.Context(), cfg.HistoryDB, days, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of days to include, today included")
	return cmd
}

func printHistory(ctx context.Context, dbPath string, limit int, out io.Writer) error {
	store, err := history.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no sessions recorded yet")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tNAME\tDURATION\tLOOPS\tOUTCOME")
	for _, record := range records {
		loops := fmt.Sprintf("%d", record.CompletedLoops)
		if record.TargetLoops > 0 {
			loops = fmt.Sprintf("%d/%d", record.CompletedLoops, record.TargetLoops)
		}
		outcome := "killed"
		if record.Completed {
			outcome = "completed"
		}
		name := record.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			record.StartedAt.Local().Format("2006-01-02 15:04"),
			name,
			formatClock(record.Duration),
			loops,
			outcome,
		)
	}
	return tw.Flush()
}

func printStats(ctx context.Context, dbPath string, days int, out io.Writer) error {
	store, err := history.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	now := nowFn()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	from := today.AddDate(0, 0, -(days - 1))
	to := today.AddDate(0, 0, 1)

	stats, err := store.Stats(ctx, from, to)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "period\t%s .. %s\n", from.Format("2006-01-02"), today.Format("2006-01-02"))
	fmt.Fprintf(tw, "sessions\t%d (%d completed)\n", stats.Sessions, stats.CompletedSessions)
	fmt.Fprintf(tw, "loops\t%d\n", stats.TotalLoops)
	fmt.Fprintf(tw, "total time\t%s\n", formatClock(stats.TotalDuration))
	fmt.Fprintf(tw, "average session\t%s\n", formatClock(stats.AverageDuration))
	return tw.Flush()
}
