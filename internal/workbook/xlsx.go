package workbook

import (
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
)

var namedColors = map[string]string{
	"black":  "#000000",
	"white":  "#FFFFFF",
	"red":    "#FF0000",
	"green":  "#00FF00",
	"blue":   "#0000FF",
	"yellow": "#FFFF00",
	"orange": "#FFA500",
	"gray":   "#808080",
	"grey":   "#808080",
	"purple": "#800080",
}

// Open loads an xlsx file. Values, formulas, fonts, fills, alignment, and
// number formats are carried over; charts are not.
func Open(path string) (*Workbook, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "workbook: open %s", path)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("workbook: %s has no sheets", path)
	}

	wb := &Workbook{}
	for _, xs := range f.Sheets {
		s := newSheet(xs.Name)
		for r, row := range xs.Rows {
			if row == nil {
				continue
			}
			for c, xc := range row.Cells {
				if xc == nil {
					continue
				}
				readCell(s, r, c, xc)
			}
		}
		readColumnWidths(s, xs)
		wb.sheets = append(wb.sheets, s)
	}

	zap.L().Debug("workbook: opened", zap.String("path", path), zap.Int("sheets", len(wb.sheets)))
	return wb, nil
}

func readCell(s *Sheet, r, c int, xc *xlsx.Cell) {
	var value any
	switch xc.Type() {
	case xlsx.CellTypeNumeric, xlsx.CellTypeDate:
		if f, err := xc.Float(); err == nil {
			value = f
		} else {
			value = xc.String()
		}
	case xlsx.CellTypeBool:
		value = xc.Bool()
	default:
		value = xc.String()
	}
	value = NormalizeValue(value)
	formula := xc.Formula()
	if formula != "" && !strings.HasPrefix(formula, "=") {
		formula = "=" + formula
	}

	format := readFormat(xc)
	if isBlank(value) && formula == "" && isZeroFormat(format) {
		return
	}
	cell := s.ensure(r, c)
	cell.Value, cell.Formula, cell.Format = value, formula, format
}

func readColumnWidths(s *Sheet, xs *xlsx.Sheet) {
	if xs.Cols == nil {
		return
	}
	xs.Cols.ForEach(func(_ int, col *xlsx.Col) {
		if col == nil || !col.CustomWidth || col.Width <= 0 {
			return
		}
		// Whole-sheet ranges are clipped to the first 256 columns.
		for c := col.Min; c <= col.Max && c-col.Min < 256; c++ {
			s.ColumnWidths[c-1] = col.Width
		}
	})
}

// isZeroFormat reports whether f carries no formatting at all.
func isZeroFormat(f Format) bool {
	return f.Font == (Font{}) &&
		f.FillColor == "" &&
		f.HorizontalAlignment == "" &&
		f.VerticalAlignment == "" &&
		!f.WrapText &&
		f.NumberFormat == "" &&
		len(f.Borders) == 0
}

func readFormat(xc *xlsx.Cell) Format {
	var f Format
	if xc.NumFmt != "" && !strings.EqualFold(xc.NumFmt, "general") {
		f.NumberFormat = xc.NumFmt
	}
	style := xc.GetStyle()
	if style == nil {
		return f
	}
	if style.ApplyFont {
		f.Font = Font{
			Bold:   style.Font.Bold,
			Italic: style.Font.Italic,
			Size:   float64(style.Font.Size),
			Color:  fromARGB(style.Font.Color),
			Name:   style.Font.Name,
		}
	}
	if style.ApplyFill && style.Fill.PatternType == "solid" {
		f.FillColor = fromARGB(style.Fill.FgColor)
	}
	if style.ApplyAlignment {
		f.HorizontalAlignment = style.Alignment.Horizontal
		f.VerticalAlignment = style.Alignment.Vertical
		f.WrapText = style.Alignment.WrapText
	}
	return f
}

// Save writes the workbook to an xlsx file.
func (wb *Workbook) Save(path string) error {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	f := xlsx.NewFile()
	for _, s := range wb.sheets {
		xs, err := f.AddSheet(s.Name)
		if err != nil {
			return eris.Wrapf(err, "workbook: add sheet %s", s.Name)
		}
		for _, k := range sortedKeys(s.cells) {
			writeCell(xs.Cell(k.row, k.col), s.cells[k])
		}
		for col, width := range s.ColumnWidths {
			// xlsx column numbers are one-based.
			xs.SetColWidth(col+1, col+1, width)
		}
		if len(s.Charts) > 0 {
			zap.L().Warn("workbook: charts are not persisted to xlsx",
				zap.String("sheet", s.Name),
				zap.Int("charts", len(s.Charts)),
			)
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "workbook: save %s", path)
	}
	return nil
}

func writeCell(xc *xlsx.Cell, c *Cell) {
	switch v := c.Value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			xc.SetString(FormatValue(v))
		} else {
			xc.SetFloat(v)
		}
	case bool:
		xc.SetBool(v)
	case string:
		xc.SetString(v)
	}
	if c.Formula != "" {
		xc.SetFormula(strings.TrimPrefix(c.Formula, "="))
	}
	if c.Format.NumberFormat != "" {
		xc.NumFmt = c.Format.NumberFormat
	}
	if style := toStyle(c.Format); style != nil {
		xc.SetStyle(style)
	}
}

func toStyle(f Format) *xlsx.Style {
	if f.Font == (Font{}) && f.FillColor == "" && f.HorizontalAlignment == "" && f.VerticalAlignment == "" && !f.WrapText {
		return nil
	}
	style := xlsx.NewStyle()
	if f.Font != (Font{}) {
		size := int(f.Font.Size)
		if size == 0 {
			size = 11
		}
		name := f.Font.Name
		if name == "" {
			name = "Calibri"
		}
		style.Font = *xlsx.NewFont(size, name)
		style.Font.Bold = f.Font.Bold
		style.Font.Italic = f.Font.Italic
		style.Font.Color = toARGB(f.Font.Color)
		style.ApplyFont = true
	}
	if f.FillColor != "" {
		argb := toARGB(f.FillColor)
		style.Fill = *xlsx.NewFill("solid", argb, argb)
		style.ApplyFill = true
	}
	if f.HorizontalAlignment != "" || f.VerticalAlignment != "" || f.WrapText {
		style.Alignment.Horizontal = strings.ToLower(f.HorizontalAlignment)
		style.Alignment.Vertical = strings.ToLower(f.VerticalAlignment)
		style.Alignment.WrapText = f.WrapText
		style.ApplyAlignment = true
	}
	return style
}

// toARGB converts "#RRGGBB" or a named color to the xlsx "FFRRGGBB" form.
func toARGB(color string) string {
	if color == "" {
		return ""
	}
	if hex, ok := namedColors[strings.ToLower(color)]; ok {
		color = hex
	}
	color = strings.TrimPrefix(strings.ToUpper(color), "#")
	if len(color) == 6 {
		return "FF" + color
	}
	return color
}

func fromARGB(argb string) string {
	if len(argb) == 8 {
		return "#" + strings.ToUpper(argb[2:])
	}
	return argb
}
