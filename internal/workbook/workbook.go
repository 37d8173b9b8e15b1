// Package workbook is the host document the assistant reads from and edits:
// sheets of typed cells with formatting and charts, a transaction primitive
// that batches mutations until an explicit sync, and xlsx load/save.
package workbook

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Host is the document contract the pipeline depends on.
type Host interface {
	// Run opens a transaction, calls fn, and commits with a final sync when fn
	// returns nil. Mutations are only visible after a sync.
	Run(ctx context.Context, fn func(tx *Tx) error) error

	// UsedRange returns a copy of the active sheet's used values and address.
	UsedRange(ctx context.Context) ([][]any, string, error)
}

// Font holds text styling for a cell.
type Font struct {
	Bold   bool    `json:"bold,omitempty" yaml:"bold,omitempty"`
	Italic bool    `json:"italic,omitempty" yaml:"italic,omitempty"`
	Size   float64 `json:"size,omitempty" yaml:"size,omitempty"`
	Color  string  `json:"color,omitempty" yaml:"color,omitempty"`
	Name   string  `json:"name,omitempty" yaml:"name,omitempty"`
}

// Format holds the presentation of a cell.
type Format struct {
	Font                Font              `json:"font" yaml:"font"`
	FillColor           string            `json:"fillColor,omitempty" yaml:"fill_color,omitempty"`
	HorizontalAlignment string            `json:"horizontalAlignment,omitempty" yaml:"horizontal_alignment,omitempty"`
	VerticalAlignment   string            `json:"verticalAlignment,omitempty" yaml:"vertical_alignment,omitempty"`
	WrapText            bool              `json:"wrapText,omitempty" yaml:"wrap_text,omitempty"`
	NumberFormat        string            `json:"numberFormat,omitempty" yaml:"number_format,omitempty"`
	Borders             map[string]string `json:"borders,omitempty" yaml:"borders,omitempty"`
}

// Cell is one cell's content. Value is nil, string, float64, or bool.
type Cell struct {
	Value   any    `json:"value"`
	Formula string `json:"formula,omitempty"`
	Format  Format `json:"format"`
}

// Chart is a chart anchored on a sheet.
type Chart struct {
	Type          string  `json:"type" yaml:"type"`
	Title         string  `json:"title" yaml:"title"`
	SourceAddress string  `json:"sourceAddress" yaml:"source_address"`
	SeriesBy      string  `json:"seriesBy,omitempty" yaml:"series_by,omitempty"`
	XAxisTitle    string  `json:"xAxisTitle,omitempty" yaml:"x_axis_title,omitempty"`
	YAxisTitle    string  `json:"yAxisTitle,omitempty" yaml:"y_axis_title,omitempty"`
	TopLeft       string  `json:"topLeft,omitempty" yaml:"top_left,omitempty"`
	BottomRight   string  `json:"bottomRight,omitempty" yaml:"bottom_right,omitempty"`
	Height        float64 `json:"height,omitempty" yaml:"height,omitempty"`
	Width         float64 `json:"width,omitempty" yaml:"width,omitempty"`
}

type cellKey struct{ row, col int }

// Sheet is a sparse grid of cells plus charts.
type Sheet struct {
	Name         string
	Charts       []*Chart
	ColumnWidths map[int]float64

	cells map[cellKey]*Cell
}

func newSheet(name string) *Sheet {
	return &Sheet{
		Name:         name,
		ColumnWidths: make(map[int]float64),
		cells:        make(map[cellKey]*Cell),
	}
}

// Cell returns the cell at a zero-based position, or nil when empty.
func (s *Sheet) Cell(row, col int) *Cell {
	return s.cells[cellKey{row, col}]
}

func (s *Sheet) ensure(row, col int) *Cell {
	k := cellKey{row, col}
	c, ok := s.cells[k]
	if !ok {
		c = &Cell{}
		s.cells[k] = c
	}
	return c
}

// Values returns the displayed values of rng. Empty cells are "".
func (s *Sheet) Values(rng Range) [][]any {
	out := make([][]any, rng.Rows())
	for r := range out {
		out[r] = make([]any, rng.Cols())
		for c := range out[r] {
			out[r][c] = ""
			if cell := s.Cell(rng.Row+r, rng.Col+c); cell != nil && cell.Value != nil {
				out[r][c] = cell.Value
			}
		}
	}
	return out
}

// Formulas returns formulas where present and values elsewhere.
func (s *Sheet) Formulas(rng Range) [][]any {
	out := s.Values(rng)
	for r := range out {
		for c := range out[r] {
			if cell := s.Cell(rng.Row+r, rng.Col+c); cell != nil && cell.Formula != "" {
				out[r][c] = cell.Formula
			}
		}
	}
	return out
}

// UsedRange returns the bounding box of cells holding a value or formula.
func (s *Sheet) UsedRange() (Range, bool) {
	rng := Range{Sheet: s.Name, Row: math.MaxInt, Col: math.MaxInt, EndRow: -1, EndCol: -1}
	for k, c := range s.cells {
		if isBlank(c.Value) && c.Formula == "" {
			continue
		}
		rng.Row, rng.Col = min(rng.Row, k.row), min(rng.Col, k.col)
		rng.EndRow, rng.EndCol = max(rng.EndRow, k.row), max(rng.EndCol, k.col)
	}
	if rng.EndRow < 0 {
		return Range{Sheet: s.Name}, false
	}
	return rng, true
}

func (s *Sheet) clone() *Sheet {
	out := newSheet(s.Name)
	for k, c := range s.cells {
		cp := *c
		if c.Format.Borders != nil {
			cp.Format.Borders = make(map[string]string, len(c.Format.Borders))
			for side, style := range c.Format.Borders {
				cp.Format.Borders[side] = style
			}
		}
		out.cells[k] = &cp
	}
	for _, ch := range s.Charts {
		cp := *ch
		out.Charts = append(out.Charts, &cp)
	}
	for col, w := range s.ColumnWidths {
		out.ColumnWidths[col] = w
	}
	return out
}

// Workbook is an in-memory spreadsheet that implements Host. Only one
// transaction may be open at a time.
type Workbook struct {
	mu               sync.Mutex
	sheets           []*Sheet
	active           int
	updatesSuspended bool
	transactions     int
	rollback         bool
}

// New returns a workbook with one empty sheet named "Sheet1".
func New() *Workbook {
	return &Workbook{sheets: []*Sheet{newSheet("Sheet1")}}
}

// FromValues builds a single-sheet workbook from a grid of values.
func FromValues(sheet string, values [][]any) *Workbook {
	s := newSheet(sheet)
	for r, row := range values {
		for c, v := range row {
			if v = NormalizeValue(v); !isBlank(v) {
				s.ensure(r, c).Value = v
			}
		}
	}
	return &Workbook{sheets: []*Sheet{s}}
}

// SetRollbackOnFailure makes Run restore the pre-transaction state when the
// callback or the final sync fails. Off by default: partial mutations that
// were already synced stay applied.
func (wb *Workbook) SetRollbackOnFailure(enabled bool) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	wb.rollback = enabled
}

// Run implements Host.
func (wb *Workbook) Run(ctx context.Context, fn func(tx *Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "workbook: run")
	}

	wb.mu.Lock()
	defer wb.mu.Unlock()

	wb.transactions++
	wb.updatesSuspended = true
	defer func() { wb.updatesSuspended = false }()

	var snapshot []*Sheet
	var snapshotActive int
	if wb.rollback {
		snapshot, snapshotActive = wb.cloneSheets(), wb.active
	}
	defer func() {
		if err != nil && snapshot != nil {
			wb.sheets, wb.active = snapshot, snapshotActive
			zap.L().Info("workbook: restored snapshot after failed transaction", zap.Error(err))
		}
	}()

	tx := &Tx{wb: wb, ctx: ctx}
	if err := runGuarded(tx, fn); err != nil {
		tx.discard()
		return err
	}
	if err := tx.Sync(); err != nil {
		return err
	}

	zap.L().Debug("workbook: transaction committed",
		zap.Int("syncs", tx.syncs),
		zap.Int("ops", tx.applied),
	)
	return nil
}

func runGuarded(tx *Tx, fn func(tx *Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("workbook: transaction panicked: %v", r)
		}
	}()
	return fn(tx)
}

// UsedRange implements Host for the active sheet. An empty sheet reports A1
// with a single blank value.
func (wb *Workbook) UsedRange(ctx context.Context) ([][]any, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", eris.Wrap(err, "workbook: used range")
	}
	wb.mu.Lock()
	defer wb.mu.Unlock()

	s := wb.sheets[wb.active]
	rng, ok := s.UsedRange()
	if !ok {
		rng = Range{Sheet: s.Name}
	}
	return s.Values(rng), rng.String(), nil
}

// Transactions returns how many transactions have been opened.
func (wb *Workbook) Transactions() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.transactions
}

// UpdatesSuspended reports whether a transaction currently holds visual
// updates. Readers outside a transaction always see false.
func (wb *Workbook) UpdatesSuspended() bool {
	if !wb.mu.TryLock() {
		return true
	}
	defer wb.mu.Unlock()
	return wb.updatesSuspended
}

// SheetNames lists sheets in workbook order.
func (wb *Workbook) SheetNames() []string {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	names := make([]string, len(wb.sheets))
	for i, s := range wb.sheets {
		names[i] = s.Name
	}
	return names
}

// ActiveSheet returns the active sheet's name.
func (wb *Workbook) ActiveSheet() string {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.sheets[wb.active].Name
}

// SetActiveSheet activates a sheet outside of a transaction.
func (wb *Workbook) SetActiveSheet(name string) error {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	i := wb.sheetIndex(name)
	if i < 0 {
		return eris.Errorf("workbook: sheet %q not found", name)
	}
	wb.active = i
	return nil
}

// Values reads a range outside of a transaction. An address without a sheet
// prefix refers to the active sheet.
func (wb *Workbook) Values(addr string) ([][]any, error) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	s, rng, err := wb.resolve(addr)
	if err != nil {
		return nil, err
	}
	return s.Values(rng), nil
}

// CellFormat returns the format of a single cell.
func (wb *Workbook) CellFormat(addr string) (Format, error) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	s, rng, err := wb.resolve(addr)
	if err != nil {
		return Format{}, err
	}
	if c := s.Cell(rng.Row, rng.Col); c != nil {
		return c.Format, nil
	}
	return Format{}, nil
}

// Charts returns copies of a sheet's charts.
func (wb *Workbook) Charts(sheet string) []Chart {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	i := wb.sheetIndex(sheet)
	if i < 0 {
		return nil
	}
	out := make([]Chart, len(wb.sheets[i].Charts))
	for j, c := range wb.sheets[i].Charts {
		out[j] = *c
	}
	return out
}

// Describe summarizes each sheet's used range, for inspection output.
func (wb *Workbook) Describe() []SheetSummary {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	out := make([]SheetSummary, 0, len(wb.sheets))
	for i, s := range wb.sheets {
		rng, ok := s.UsedRange()
		sum := SheetSummary{Name: s.Name, Active: i == wb.active, Charts: len(s.Charts)}
		if ok {
			sum.UsedRange = rng.Local()
			sum.Rows, sum.Columns = rng.Rows(), rng.Cols()
		}
		out = append(out, sum)
	}
	return out
}

// SheetSummary is a compact description of one sheet.
type SheetSummary struct {
	Name      string `json:"name" yaml:"name"`
	Active    bool   `json:"active" yaml:"active"`
	UsedRange string `json:"usedRange,omitempty" yaml:"used_range,omitempty"`
	Rows      int    `json:"rows" yaml:"rows"`
	Columns   int    `json:"columns" yaml:"columns"`
	Charts    int    `json:"charts" yaml:"charts"`
}

func (wb *Workbook) sheetIndex(name string) int {
	for i, s := range wb.sheets {
		if strings.EqualFold(s.Name, name) {
			return i
		}
	}
	return -1
}

func (wb *Workbook) sheet(name string) (*Sheet, error) {
	if name == "" {
		return wb.sheets[wb.active], nil
	}
	i := wb.sheetIndex(name)
	if i < 0 {
		return nil, eris.Errorf("workbook: sheet %q not found", name)
	}
	return wb.sheets[i], nil
}

func (wb *Workbook) resolve(addr string) (*Sheet, Range, error) {
	rng, err := ParseRange(addr)
	if err != nil {
		return nil, Range{}, err
	}
	s, err := wb.sheet(rng.Sheet)
	if err != nil {
		return nil, Range{}, err
	}
	rng.Sheet = s.Name
	return s, rng, nil
}

func (wb *Workbook) cloneSheets() []*Sheet {
	out := make([]*Sheet, len(wb.sheets))
	for i, s := range wb.sheets {
		out[i] = s.clone()
	}
	return out
}

// NormalizeValue coerces a value to the cell value domain: nil, string,
// float64, or bool. Other types are formatted as strings.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if x == "" {
			return nil
		}
		return x
	case bool:
		return x
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// FormatValue renders a cell value as text.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	default:
		return fmt.Sprint(x)
	}
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func sortedKeys(m map[cellKey]*Cell) []cellKey {
	keys := make([]cellKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].row != keys[j].row {
			return keys[i].row < keys[j].row
		}
		return keys[i].col < keys[j].col
	})
	return keys
}
