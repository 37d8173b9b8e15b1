package main

import (
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sheet-assist/internal/orchestrator"
	"github.com/sells-group/sheet-assist/internal/workbook"
)

var (
	askWorkbook string
	askOut      string
	askSheet    string
	askBackend  string
	askOutput   string
	askDryRun   bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question about a workbook and apply the suggested changes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		wb, err := workbook.Open(askWorkbook)
		if err != nil {
			return err
		}
		if askSheet != "" {
			if err := wb.SetActiveSheet(askSheet); err != nil {
				return err
			}
		}

		env, err := initAssist(ctx, "ask", wb, askBackend)
		if err != nil {
			return err
		}
		defer env.Close()

		res, runErr := env.Orchestrator.Ask(ctx, strings.Join(args, " "))
		if res == nil {
			return runErr
		}
		if err := renderCycle(cmd.OutOrStdout(), askOutput, res); err != nil {
			return err
		}

		var exhausted *orchestrator.ExhaustedError
		switch {
		case res.Succeeded() && !askDryRun:
			out := askOut
			if out == "" {
				out = askWorkbook
			}
			if err := wb.Save(out); err != nil {
				return err
			}
			zap.L().Info("workbook saved", zap.String("path", out), zap.String("cycle_id", res.ID))
		case errors.As(runErr, &exhausted):
			// A partially applied candidate is not saved.
			return eris.New("no implementation succeeded; workbook left unchanged")
		}
		return runErr
	},
}

func init() {
	askCmd.Flags().StringVarP(&askWorkbook, "workbook", "w", "", "xlsx file to read")
	askCmd.Flags().StringVarP(&askOut, "out", "o", "", "where to write the edited workbook (default: overwrite --workbook)")
	askCmd.Flags().StringVar(&askSheet, "sheet", "", "sheet to treat as active (default: first sheet)")
	askCmd.Flags().StringVar(&askBackend, "backend", "", "backend slot: primary or secondary (default from config)")
	askCmd.Flags().StringVar(&askOutput, "output", "text", "output format: text, json, or yaml")
	askCmd.Flags().BoolVar(&askDryRun, "dry-run", false, "run the cycle without saving the workbook")
	_ = askCmd.MarkFlagRequired("workbook")
	rootCmd.AddCommand(askCmd)
}

// fileExists reports whether path names an existing file.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
