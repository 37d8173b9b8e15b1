package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sheet-assist/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "sheet-assist",
	Short: "Spreadsheet assistant that turns questions into workbook edits",
	Long: "Sends a question and the active sheet's data to an LLM, extracts the implementation blocks it returns, " +
		"screens them against a denylist, and applies the first one that runs cleanly to the workbook.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
