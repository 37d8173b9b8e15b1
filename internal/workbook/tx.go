package workbook

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

type op struct {
	desc  string
	apply func(wb *Workbook) error
}

// Tx is an open transaction. Mutations are queued and applied in order on
// Sync; reads see the last synced state. A failed Sync stops at the failing
// operation and drops the rest of the queue, leaving earlier ones applied.
type Tx struct {
	wb      *Workbook
	ctx     context.Context
	pending []op
	added   map[string]bool
	syncs   int
	applied int
}

// Context returns the context the transaction was opened with.
func (tx *Tx) Context() context.Context { return tx.ctx }

// Syncs returns how many times Sync has been called.
func (tx *Tx) Syncs() int { return tx.syncs }

// Pending returns the number of queued operations.
func (tx *Tx) Pending() int { return len(tx.pending) }

// UpdatesSuspended reports whether visual updates are held for this transaction.
func (tx *Tx) UpdatesSuspended() bool { return tx.wb.updatesSuspended }

// Sync applies queued operations in order.
func (tx *Tx) Sync() error {
	tx.syncs++
	if err := tx.ctx.Err(); err != nil {
		tx.discard()
		return eris.Wrap(err, "workbook: sync")
	}
	queue := tx.pending
	tx.pending = nil
	for _, o := range queue {
		if err := o.apply(tx.wb); err != nil {
			return eris.Wrapf(err, "workbook: sync failed at %s", o.desc)
		}
		tx.applied++
	}
	tx.added = nil
	return nil
}

func (tx *Tx) discard() {
	tx.pending = nil
	tx.added = nil
}

func (tx *Tx) queue(desc string, apply func(wb *Workbook) error) {
	tx.pending = append(tx.pending, op{desc: desc, apply: apply})
}

// ActiveSheet returns the synced active sheet's name.
func (tx *Tx) ActiveSheet() string {
	return tx.wb.sheets[tx.wb.active].Name
}

// HasSheet reports whether a sheet exists or is queued for creation.
func (tx *Tx) HasSheet(name string) bool {
	return tx.wb.sheetIndex(name) >= 0 || tx.added[strings.ToLower(name)]
}

// SheetName resolves a name case-insensitively to its stored form.
func (tx *Tx) SheetName(name string) (string, error) {
	if i := tx.wb.sheetIndex(name); i >= 0 {
		return tx.wb.sheets[i].Name, nil
	}
	if tx.added[strings.ToLower(name)] {
		return name, nil
	}
	return "", eris.Errorf("workbook: sheet %q not found", name)
}

// Resolve parses an address against the transaction. A bare address refers to
// sheet, or the active sheet when sheet is empty.
func (tx *Tx) Resolve(sheet, addr string) (Range, error) {
	rng, err := ParseRange(addr)
	if err != nil {
		return Range{}, err
	}
	if rng.Sheet == "" {
		rng.Sheet = sheet
	}
	if rng.Sheet == "" {
		rng.Sheet = tx.ActiveSheet()
	}
	name, err := tx.SheetName(rng.Sheet)
	if err != nil {
		return Range{}, err
	}
	rng.Sheet = name
	return rng, nil
}

// Values reads synced values. Sheets still queued for creation read as blank.
func (tx *Tx) Values(rng Range) ([][]any, error) {
	s, err := tx.readSheet(rng.Sheet)
	if err != nil {
		return nil, err
	}
	return s.Values(rng), nil
}

// Formulas reads synced formulas, falling back to values.
func (tx *Tx) Formulas(rng Range) ([][]any, error) {
	s, err := tx.readSheet(rng.Sheet)
	if err != nil {
		return nil, err
	}
	return s.Formulas(rng), nil
}

// CellFormat reads the synced format of the range's top-left cell.
func (tx *Tx) CellFormat(rng Range) (Format, error) {
	s, err := tx.readSheet(rng.Sheet)
	if err != nil {
		return Format{}, err
	}
	if c := s.Cell(rng.Row, rng.Col); c != nil {
		return c.Format, nil
	}
	return Format{}, nil
}

// UsedRange returns the synced used range of a sheet. An empty sheet reports A1.
func (tx *Tx) UsedRange(sheet string) (Range, error) {
	s, err := tx.readSheet(sheet)
	if err != nil {
		return Range{}, err
	}
	rng, _ := s.UsedRange()
	rng.Sheet = s.Name
	return rng, nil
}

func (tx *Tx) readSheet(name string) (*Sheet, error) {
	if name != "" && tx.wb.sheetIndex(name) < 0 && tx.added[strings.ToLower(name)] {
		return newSheet(name), nil
	}
	return tx.wb.sheet(name)
}

// SetValues queues a write. values must match the range dimensions exactly.
func (tx *Tx) SetValues(rng Range, values [][]any) error {
	if err := checkDims(rng, values); err != nil {
		return err
	}
	grid := copyGrid(values)
	tx.queue("set values "+rng.String(), func(wb *Workbook) error {
		s, err := wb.sheet(rng.Sheet)
		if err != nil {
			return err
		}
		for r, row := range grid {
			for c, v := range row {
				cell := s.ensure(rng.Row+r, rng.Col+c)
				cell.Value = NormalizeValue(v)
				cell.Formula = ""
			}
		}
		return nil
	})
	return nil
}

// SetFormulas queues a write where strings starting with "=" are stored as
// formulas and everything else as values.
func (tx *Tx) SetFormulas(rng Range, values [][]any) error {
	if err := checkDims(rng, values); err != nil {
		return err
	}
	grid := copyGrid(values)
	tx.queue("set formulas "+rng.String(), func(wb *Workbook) error {
		s, err := wb.sheet(rng.Sheet)
		if err != nil {
			return err
		}
		for r, row := range grid {
			for c, v := range row {
				cell := s.ensure(rng.Row+r, rng.Col+c)
				if str, ok := v.(string); ok && strings.HasPrefix(str, "=") {
					cell.Formula, cell.Value = str, nil
					continue
				}
				cell.Formula, cell.Value = "", NormalizeValue(v)
			}
		}
		return nil
	})
	return nil
}

// UpdateFormat queues a format change applied to every cell in rng.
func (tx *Tx) UpdateFormat(rng Range, desc string, fn func(f *Format)) {
	tx.queue(desc+" "+rng.String(), func(wb *Workbook) error {
		s, err := wb.sheet(rng.Sheet)
		if err != nil {
			return err
		}
		for r := rng.Row; r <= rng.EndRow; r++ {
			for c := rng.Col; c <= rng.EndCol; c++ {
				fn(&s.ensure(r, c).Format)
			}
		}
		return nil
	})
}

// Clear queues removal of values, formulas, and formats in rng.
func (tx *Tx) Clear(rng Range) {
	tx.queue("clear "+rng.String(), func(wb *Workbook) error {
		s, err := wb.sheet(rng.Sheet)
		if err != nil {
			return err
		}
		for k := range s.cells {
			if rng.Contains(k.row, k.col) {
				delete(s.cells, k)
			}
		}
		return nil
	})
}

// AutofitColumns queues a width estimate for each column in rng based on the
// longest rendered value.
func (tx *Tx) AutofitColumns(rng Range) {
	tx.queue("autofit "+rng.String(), func(wb *Workbook) error {
		s, err := wb.sheet(rng.Sheet)
		if err != nil {
			return err
		}
		for c := rng.Col; c <= rng.EndCol; c++ {
			width := 8.43
			for k, cell := range s.cells {
				if k.col != c {
					continue
				}
				if w := float64(len(FormatValue(cell.Value))) + 2; w > width {
					width = w
				}
			}
			s.ColumnWidths[c] = width
		}
		return nil
	})
}

// AddSheet queues a new sheet. An empty name picks the next "SheetN".
func (tx *Tx) AddSheet(name string) (string, error) {
	if name == "" {
		for i := len(tx.wb.sheets) + len(tx.added) + 1; ; i++ {
			if candidate := fmt.Sprintf("Sheet%d", i); !tx.HasSheet(candidate) {
				name = candidate
				break
			}
		}
	}
	if tx.HasSheet(name) {
		return "", eris.Errorf("workbook: a sheet named %q already exists", name)
	}
	if strings.ContainsAny(name, `[]:*?/\`) || len(name) > 31 {
		return "", eris.Errorf("workbook: invalid sheet name %q", name)
	}
	if tx.added == nil {
		tx.added = make(map[string]bool)
	}
	tx.added[strings.ToLower(name)] = true
	tx.queue("add sheet "+name, func(wb *Workbook) error {
		if wb.sheetIndex(name) >= 0 {
			return eris.Errorf("workbook: a sheet named %q already exists", name)
		}
		wb.sheets = append(wb.sheets, newSheet(name))
		return nil
	})
	return name, nil
}

// DeleteSheet queues removal of a sheet. The last sheet cannot be removed.
func (tx *Tx) DeleteSheet(name string) {
	tx.queue("delete sheet "+name, func(wb *Workbook) error {
		i := wb.sheetIndex(name)
		if i < 0 {
			return eris.Errorf("workbook: sheet %q not found", name)
		}
		if len(wb.sheets) == 1 {
			return eris.New("workbook: cannot delete the only sheet")
		}
		activeName := wb.sheets[wb.active].Name
		wb.sheets = append(wb.sheets[:i], wb.sheets[i+1:]...)
		if j := wb.sheetIndex(activeName); j >= 0 {
			wb.active = j
		} else {
			wb.active = 0
		}
		return nil
	})
}

// Activate queues a change of active sheet.
func (tx *Tx) Activate(name string) {
	tx.queue("activate "+name, func(wb *Workbook) error {
		i := wb.sheetIndex(name)
		if i < 0 {
			return eris.Errorf("workbook: sheet %q not found", name)
		}
		wb.active = i
		return nil
	})
}

// AddChart queues a chart on a sheet. Later changes go through UpdateChart.
func (tx *Tx) AddChart(sheet string, chart *Chart) {
	tx.queue("add chart on "+sheet, func(wb *Workbook) error {
		s, err := wb.sheet(sheet)
		if err != nil {
			return err
		}
		s.Charts = append(s.Charts, chart)
		return nil
	})
}

// UpdateChart queues a change to a chart created by AddChart.
func (tx *Tx) UpdateChart(chart *Chart, desc string, fn func(c *Chart)) {
	tx.queue(desc, func(_ *Workbook) error {
		fn(chart)
		return nil
	})
}

func checkDims(rng Range, values [][]any) error {
	if len(values) != rng.Rows() {
		return eris.Errorf("workbook: the number of rows in the input array (%d) doesn't match the size of range %s (%d)",
			len(values), rng.Local(), rng.Rows())
	}
	for i, row := range values {
		if len(row) != rng.Cols() {
			return eris.Errorf("workbook: the number of columns in row %d (%d) doesn't match the size of range %s (%d)",
				i+1, len(row), rng.Local(), rng.Cols())
		}
	}
	return nil
}

func copyGrid(values [][]any) [][]any {
	out := make([][]any, len(values))
	for i, row := range values {
		out[i] = append([]any(nil), row...)
	}
	return out
}
