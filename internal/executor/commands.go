package executor

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sheet-assist/internal/model"
	"github.com/sells-group/sheet-assist/internal/workbook"
)

type step func(tx *workbook.Tx) error

// runCommands decodes every command before opening the transaction, then
// applies them in order with a sync after each so later commands see earlier
// results.
func (e *Executor) runCommands(ctx context.Context, src string, host workbook.Host) error {
	cmds, err := model.ParseCommands(src)
	if err != nil {
		return &FormatError{Reason: "malformed command list", Err: err}
	}

	steps := make([]step, len(cmds))
	for i, c := range cmds {
		s, err := plan(c)
		if err != nil {
			return &FormatError{Reason: fmt.Sprintf("command %d (%s)", i+1, c.Type), Err: err}
		}
		steps[i] = s
	}

	return host.Run(ctx, func(tx *workbook.Tx) error {
		for i, s := range steps {
			if err := s(tx); err != nil {
				return &ExecutionError{Err: eris.Wrapf(err, "%s", cmds[i].Type)}
			}
			if err := tx.Sync(); err != nil {
				return &ExecutionError{Err: eris.Wrapf(err, "%s", cmds[i].Type)}
			}
		}
		return nil
	})
}

func plan(c model.Command) (step, error) {
	switch c.Type {
	case model.CommandCreatePivotTable:
		var p model.PivotParams
		if err := c.DecodeParams(&p); err != nil {
			return nil, err
		}
		if p.SourceRange == "" {
			return nil, eris.New("sourceRange is required")
		}
		if len(p.RowFields) == 0 && len(p.ColumnFields) == 0 {
			return nil, eris.New("at least one row or column field is required")
		}
		if len(p.DataFields) == 0 {
			return nil, eris.New("at least one data field is required")
		}
		agg, err := parseSummarizeBy(p.SummarizeBy)
		if err != nil {
			return nil, err
		}
		return func(tx *workbook.Tx) error { return createPivot(tx, p, agg) }, nil

	case model.CommandCreateChart:
		var p model.ChartParams
		if err := c.DecodeParams(&p); err != nil {
			return nil, err
		}
		if p.SourceRange == "" {
			return nil, eris.New("sourceRange is required")
		}
		return func(tx *workbook.Tx) error { return createChart(tx, p) }, nil

	case model.CommandFormatRange:
		var p model.FormatParams
		if err := c.DecodeParams(&p); err != nil {
			return nil, err
		}
		if p.Range == "" {
			return nil, eris.New("range is required")
		}
		return func(tx *workbook.Tx) error { return formatRange(tx, p) }, nil

	case model.CommandWriteValues:
		var p model.WriteValuesParams
		if err := c.DecodeParams(&p); err != nil {
			return nil, err
		}
		if p.Range == "" || len(p.Values) == 0 {
			return nil, eris.New("range and values are required")
		}
		return func(tx *workbook.Tx) error { return writeValues(tx, p) }, nil

	default:
		return nil, eris.Errorf("unknown command type %q", c.Type)
	}
}

func createChart(tx *workbook.Tx, p model.ChartParams) error {
	rng, err := tx.Resolve("", p.SourceRange)
	if err != nil {
		return err
	}

	chart := &workbook.Chart{
		Type:          p.ChartType,
		Title:         p.Title,
		SourceAddress: rng.String(),
		SeriesBy:      "Auto",
		TopLeft:       "A1",
	}
	if chart.Type == "" {
		chart.Type = "ColumnClustered"
	}
	if chart.Title == "" {
		chart.Title = "Data Analysis"
	}
	if p.AxisLabels != nil {
		chart.XAxisTitle = p.AxisLabels.XAxis
		chart.YAxisTitle = p.AxisLabels.YAxis
	}
	if p.Position != nil {
		if p.Position.Top != "" {
			chart.TopLeft = p.Position.Top
		}
		chart.BottomRight = p.Position.Left
	}
	if p.Size != nil {
		chart.Height, chart.Width = p.Size.Height, p.Size.Width
		if chart.Height == 0 {
			chart.Height = 300
		}
		if chart.Width == 0 {
			chart.Width = 500
		}
	}
	tx.AddChart(rng.Sheet, chart)
	return nil
}

var borderEdges = []string{"top", "bottom", "left", "right"}

func formatRange(tx *workbook.Tx, p model.FormatParams) error {
	rng, err := tx.Resolve("", p.Range)
	if err != nil {
		return err
	}
	if len(p.ConditionalFormat) > 0 && string(p.ConditionalFormat) != "null" {
		zap.L().Warn("executor: conditional formats are not supported; ignored", zap.String("range", rng.String()))
	}
	f := p.Format
	if f == nil {
		return nil
	}

	tx.UpdateFormat(rng, "format range", func(cf *workbook.Format) {
		if font := f.Font; font != nil {
			if font.Bold {
				cf.Font.Bold = true
			}
			if font.Italic {
				cf.Font.Italic = true
			}
			if font.Size > 0 {
				cf.Font.Size = font.Size
			}
			if font.Color != "" {
				cf.Font.Color = font.Color
			}
			if font.Name != "" {
				cf.Font.Name = font.Name
			}
		}
		if f.Fill != nil && f.Fill.Color != "" {
			cf.FillColor = f.Fill.Color
		}
		for _, edge := range borderEdges {
			if style := f.Borders[edge]; style != "" {
				if cf.Borders == nil {
					cf.Borders = make(map[string]string)
				}
				cf.Borders[edge] = style
			}
		}
		if f.NumberFormat != "" {
			cf.NumberFormat = f.NumberFormat
		}
		if a := f.Alignment; a != nil {
			if a.Horizontal != "" {
				cf.HorizontalAlignment = a.Horizontal
			}
			if a.Vertical != "" {
				cf.VerticalAlignment = a.Vertical
			}
			if a.WrapText != nil {
				cf.WrapText = *a.WrapText
			}
		}
	})
	return nil
}

// writeValues writes a grid. A single-cell range is the top-left anchor and
// grows to fit the values.
func writeValues(tx *workbook.Tx, p model.WriteValuesParams) error {
	rng, err := tx.Resolve("", p.Range)
	if err != nil {
		return err
	}
	if rng.Rows() == 1 && rng.Cols() == 1 {
		rng = rng.Resize(len(p.Values), len(p.Values[0]))
	}
	return tx.SetFormulas(rng, p.Values)
}
