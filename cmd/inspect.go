package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/sheet-assist/internal/workbook"
)

var inspectOutput string

var inspectCmd = &cobra.Command{
	Use:   "inspect [workbook.xlsx]",
	Short: "Describe the sheets of a workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wb, err := workbook.Open(args[0])
		if err != nil {
			return err
		}
		sheets := wb.Describe()
		return render(cmd.OutOrStdout(), inspectOutput, sheets, func(w io.Writer) error {
			return writeSheetTable(w, sheets)
		})
	},
}

func writeSheetTable(w io.Writer, sheets []workbook.SheetSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SHEET\tUSED RANGE\tROWS\tCOLUMNS\tCHARTS")
	for _, s := range sheets {
		name := s.Name
		if s.Active {
			name += " *"
		}
		used := s.UsedRange
		if used == "" {
			used = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", name, used, s.Rows, s.Columns, s.Charts)
	}
	return tw.Flush()
}

func init() {
	inspectCmd.Flags().StringVar(&inspectOutput, "output", "text", "output format: text, json, or yaml")
	rootCmd.AddCommand(inspectCmd)
}
