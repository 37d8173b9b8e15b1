package executor

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"github.com/sells-group/sheet-assist/internal/model"
	"github.com/sells-group/sheet-assist/internal/workbook"
)

// PivotSheetName is the sheet a pivot command writes to. A numeric suffix is
// added when it already exists.
const PivotSheetName = "PivotTable Analysis"

type aggregator struct {
	name string
	fn   func(nums []float64, count int) float64
}

var aggregators = map[string]aggregator{
	"sum": {"Sum", func(n []float64, _ int) float64 {
		var t float64
		for _, v := range n {
			t += v
		}
		return t
	}},
	"count": {"Count", func(_ []float64, c int) float64 { return float64(c) }},
	"average": {"Average", func(n []float64, _ int) float64 {
		if len(n) == 0 {
			return 0
		}
		var t float64
		for _, v := range n {
			t += v
		}
		return t / float64(len(n))
	}},
	"max": {"Max", func(n []float64, _ int) float64 {
		if len(n) == 0 {
			return 0
		}
		m := math.Inf(-1)
		for _, v := range n {
			m = math.Max(m, v)
		}
		return m
	}},
	"min": {"Min", func(n []float64, _ int) float64 {
		if len(n) == 0 {
			return 0
		}
		m := math.Inf(1)
		for _, v := range n {
			m = math.Min(m, v)
		}
		return m
	}},
}

func parseSummarizeBy(s string) (aggregator, error) {
	if s == "" {
		return aggregators["sum"], nil
	}
	agg, ok := aggregators[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return aggregator{}, eris.Errorf("unsupported summarizeBy %q (want Sum, Count, Average, Max, or Min)", s)
	}
	return agg, nil
}

var folder = cases.Fold()

// fieldKey normalizes a header for matching: NFKC, full-width to narrow,
// case-folded, trimmed.
func fieldKey(s string) string {
	s = width.Narrow.String(norm.NFKC.String(s))
	return folder.String(strings.TrimSpace(s))
}

type cell struct {
	nums  []float64
	count int
}

func (c *cell) add(v any) {
	if v == nil {
		return
	}
	c.count++
	switch x := v.(type) {
	case float64:
		c.nums = append(c.nums, x)
	case string:
		if f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(x), ",", ""), 64); err == nil {
			c.nums = append(c.nums, f)
		}
	}
}

func createPivot(tx *workbook.Tx, p model.PivotParams, agg aggregator) error {
	src, err := tx.Resolve("", p.SourceRange)
	if err != nil {
		return err
	}
	values, err := tx.Values(src)
	if err != nil {
		return err
	}
	if len(values) < 2 || len(values[0]) < 1 {
		return eris.New("source range must have at least one header row and one data row")
	}

	headers := make([]string, len(values[0]))
	for i, h := range values[0] {
		headers[i] = strings.TrimSpace(workbook.FormatValue(h))
	}
	find := func(fields []string, kind string) ([]int, error) {
		idx := make([]int, len(fields))
		for i, f := range fields {
			idx[i] = -1
			for j, h := range headers {
				if h == f {
					idx[i] = j
					break
				}
			}
			if idx[i] < 0 {
				for j, h := range headers {
					if fieldKey(h) == fieldKey(f) {
						idx[i] = j
						break
					}
				}
			}
			if idx[i] < 0 {
				return nil, eris.Errorf("%s field %q not found in headers. Available headers: %s", kind, f, strings.Join(headers, ", "))
			}
		}
		return idx, nil
	}
	rowIdx, err := find(p.RowFields, "Row")
	if err != nil {
		return err
	}
	colIdx, err := find(p.ColumnFields, "Column")
	if err != nil {
		return err
	}
	dataIdx, err := find(p.DataFields, "Data")
	if err != nil {
		return err
	}

	keyOf := func(row []any, idx []int) string {
		parts := make([]string, len(idx))
		for i, j := range idx {
			parts[i] = workbook.FormatValue(row[j])
		}
		return strings.Join(parts, " / ")
	}

	// cells[rowKey][colKey][dataField]; rowTotal holds each row's total across columns.
	const rowTotal = "\x00"
	type bucket = map[string][]*cell
	cells := map[string]bucket{}
	rowKeys, colKeys := map[string][]any{}, map[string]bool{}
	colTotals := bucket{}
	grand := make([]*cell, len(dataIdx))
	newCells := func() []*cell {
		cs := make([]*cell, len(dataIdx))
		for i := range cs {
			cs[i] = &cell{}
		}
		return cs
	}
	for i := range grand {
		grand[i] = &cell{}
	}

	for _, row := range values[1:] {
		rk, ck := keyOf(row, rowIdx), keyOf(row, colIdx)
		if _, ok := rowKeys[rk]; !ok {
			labels := make([]any, len(rowIdx))
			for i, j := range rowIdx {
				labels[i] = row[j]
			}
			rowKeys[rk] = labels
			cells[rk] = bucket{}
		}
		colKeys[ck] = true
		if cells[rk][ck] == nil {
			cells[rk][ck] = newCells()
		}
		if cells[rk][rowTotal] == nil && len(colIdx) > 0 {
			cells[rk][rowTotal] = newCells()
		}
		if colTotals[ck] == nil {
			colTotals[ck] = newCells()
		}
		for d, j := range dataIdx {
			cells[rk][ck][d].add(row[j])
			if len(colIdx) > 0 {
				cells[rk][rowTotal][d].add(row[j])
			}
			colTotals[ck][d].add(row[j])
			grand[d].add(row[j])
		}
	}

	coll := collate.New(language.English, collate.Numeric, collate.IgnoreCase)
	sortedRows := sortKeys(coll, rowKeys)
	sortedCols := sortKeys(coll, colKeys)

	label := func(d int) string { return agg.name + " of " + headers[dataIdx[d]] }

	// Header row.
	header := make([]any, 0, len(rowIdx)+len(sortedCols)*len(dataIdx)+len(dataIdx))
	for _, j := range rowIdx {
		header = append(header, headers[j])
	}
	for _, ck := range sortedCols {
		for d := range dataIdx {
			switch {
			case len(colIdx) == 0:
				header = append(header, label(d))
			case len(dataIdx) == 1:
				header = append(header, ck)
			default:
				header = append(header, ck+" - "+label(d))
			}
		}
	}
	if len(colIdx) > 0 {
		for d := range dataIdx {
			if len(dataIdx) == 1 {
				header = append(header, "Grand Total")
			} else {
				header = append(header, "Total "+label(d))
			}
		}
	}

	value := func(c *cell) any {
		if c == nil {
			return nil
		}
		return agg.fn(c.nums, c.count)
	}

	grid := [][]any{header}
	for _, rk := range sortedRows {
		row := append([]any(nil), rowKeys[rk]...)
		for _, ck := range sortedCols {
			for d := range dataIdx {
				var c *cell
				if cs := cells[rk][ck]; cs != nil {
					c = cs[d]
				}
				row = append(row, value(c))
			}
		}
		if len(colIdx) > 0 {
			for d := range dataIdx {
				row = append(row, value(cells[rk][rowTotal][d]))
			}
		}
		grid = append(grid, row)
	}
	total := make([]any, len(rowIdx))
	if len(total) > 0 {
		total[0] = "Grand Total"
	}
	for _, ck := range sortedCols {
		for d := range dataIdx {
			total = append(total, value(colTotals[ck][d]))
		}
	}
	if len(colIdx) > 0 {
		for d := range dataIdx {
			total = append(total, value(grand[d]))
		}
	}
	if len(rowIdx) > 0 {
		grid = append(grid, total)
	}

	name := PivotSheetName
	for n := 2; tx.HasSheet(name); n++ {
		name = PivotSheetName + " " + strconv.Itoa(n)
	}
	if _, err := tx.AddSheet(name); err != nil {
		return err
	}
	tx.Activate(name)

	title := workbook.Range{Sheet: name}
	if err := tx.SetValues(title, [][]any{{"Pivot Table Analysis"}}); err != nil {
		return err
	}
	tx.UpdateFormat(title, "format pivot title", func(f *workbook.Format) {
		f.Font.Bold = true
		f.Font.Size = 14
	})

	table := workbook.Range{Sheet: name, Row: 2}.Resize(len(grid), len(header))
	if err := tx.SetValues(table, grid); err != nil {
		return err
	}
	tx.UpdateFormat(table.Resize(1, len(header)), "format pivot header", func(f *workbook.Format) {
		f.Font.Bold = true
	})
	tx.AutofitColumns(table)
	return nil
}

func sortKeys[V any](coll *collate.Collator, m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return coll.CompareString(keys[i], keys[j]) < 0 })
	return keys
}
