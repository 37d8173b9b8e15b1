package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/sheet-assist/internal/model"
	"github.com/sells-group/sheet-assist/internal/monitoring"
	"github.com/sells-group/sheet-assist/internal/store"
)

var (
	historyStatus string
	historyLimit  int
	historyOffset int
	historyOutput string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past query cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initHistoryStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cycles, err := st.ListCycles(ctx, store.CycleFilter{
			Status: model.CycleStatus(historyStatus),
			Limit:  historyLimit,
			Offset: historyOffset,
		})
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), historyOutput, cycles, func(w io.Writer) error {
			return writeHistoryTable(w, cycles)
		})
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show [cycle-id]",
	Short: "Show one past cycle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initHistoryStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := st.GetCycle(ctx, args[0])
		if err != nil {
			return err
		}
		return renderCycle(cmd.OutOrStdout(), historyOutput, res)
	},
}

var historyStatsHours int

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recent cycle outcomes and spend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initHistoryStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st, nil).Collect(ctx, historyStatsHours)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), historyOutput, snap, func(w io.Writer) error {
			return writeStats(w, snap)
		})
	},
}

func writeStats(w io.Writer, s *monitoring.MetricsSnapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Window:\tlast %dh\n", s.LookbackHours)
	fmt.Fprintf(tw, "Cycles:\t%d\n", s.CyclesTotal)
	fmt.Fprintf(tw, "  succeeded\t%d\n", s.CyclesSucceeded)
	fmt.Fprintf(tw, "  exhausted\t%d\n", s.CyclesExhausted)
	fmt.Fprintf(tw, "  no implementation\t%d\n", s.CyclesNoImplementation)
	fmt.Fprintf(tw, "  gateway failed\t%d\n", s.CyclesGatewayFailed)
	fmt.Fprintf(tw, "Failure rate:\t%.1f%%\n", s.FailureRate*100)
	fmt.Fprintf(tw, "Avg attempts:\t%.2f\n", s.AvgAttempts)
	fmt.Fprintf(tw, "Estimated cost:\t$%.4f\n", s.CostUSD)
	return tw.Flush()
}

func writeHistoryTable(w io.Writer, cycles []store.CycleSummary) error {
	if len(cycles) == 0 {
		_, err := fmt.Fprintln(w, "No cycles recorded.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tATTEMPTS\tCOST\tQUERY")
	for _, c := range cycles {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t$%.4f\t%s\n",
			c.ID, c.StartedAt.Local().Format("2006-01-02 15:04"), c.Status,
			c.Attempts, c.Candidates, c.CostUSD, truncate(c.Query, 48))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	historyCmd.PersistentFlags().StringVar(&historyOutput, "output", "text", "output format: text, json, or yaml")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "only cycles with this status")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum cycles to list")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "cycles to skip")
	historyStatsCmd.Flags().IntVar(&historyStatsHours, "hours", 24, "lookback window in hours")
	historyCmd.AddCommand(historyShowCmd, historyStatsCmd)
	rootCmd.AddCommand(historyCmd)
}
