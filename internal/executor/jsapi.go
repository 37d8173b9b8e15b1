package executor

import (
	"strings"

	"github.com/dop251/goja"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sheet-assist/internal/workbook"
)

// session exposes one transaction to script code as an Office.js-shaped
// object graph. Only the members built here exist; everything else reads as
// undefined.
type session struct {
	vm *goja.Runtime
	tx *workbook.Tx
}

func newSession(vm *goja.Runtime, tx *workbook.Tx) *session {
	return &session{vm: vm, tx: tx}
}

func (s *session) throw(err error) {
	panic(s.vm.NewGoError(err))
}

func (s *session) must(err error) {
	if err != nil {
		s.throw(err)
	}
}

type native = func(call goja.FunctionCall) goja.Value

func (s *session) method(obj *goja.Object, name string, fn native) {
	_ = obj.Set(name, fn)
}

// prop defines an accessor. A nil set makes the property read-only.
func (s *session) prop(obj *goja.Object, name string, get func() any, set func(v goja.Value)) {
	getter := s.vm.ToValue(func(goja.FunctionCall) goja.Value {
		return s.vm.ToValue(get())
	})
	setter := s.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if set == nil {
			panic(s.vm.NewTypeError("%s is read-only", name))
		}
		set(call.Argument(0))
		return goja.Undefined()
	})
	_ = obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

func returnThis(call goja.FunctionCall) goja.Value { return call.This }

func (s *session) contextObject() (*goja.Object, error) {
	wrapper, err := s.vm.RunString(syncWrapper)
	if err != nil {
		return nil, err
	}
	wrap, ok := goja.AssertFunction(wrapper)
	if !ok {
		return nil, eris.New("executor: sync wrapper is not a function")
	}
	syncFn, err := wrap(goja.Undefined(), s.vm.ToValue(func(goja.FunctionCall) goja.Value {
		s.must(s.tx.Sync())
		return goja.Undefined()
	}))
	if err != nil {
		return nil, err
	}

	wb := s.vm.NewObject()
	_ = wb.Set("worksheets", s.worksheets())

	ctx := s.vm.NewObject()
	_ = ctx.Set("workbook", wb)
	_ = ctx.Set("sync", syncFn)

	if err := s.vm.Set("console", s.console()); err != nil {
		return nil, err
	}
	return ctx, nil
}

func (s *session) console() *goja.Object {
	obj := s.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		s.method(obj, level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			zap.L().Debug("executor: script console",
				zap.String("level", level),
				zap.String("message", strings.Join(parts, " ")),
			)
			return goja.Undefined()
		})
	}
	return obj
}

func (s *session) worksheets() *goja.Object {
	obj := s.vm.NewObject()
	s.method(obj, "getActiveWorksheet", func(goja.FunctionCall) goja.Value {
		return s.worksheet(s.tx.ActiveSheet())
	})
	s.method(obj, "getItem", func(call goja.FunctionCall) goja.Value {
		name, err := s.tx.SheetName(call.Argument(0).String())
		if err != nil {
			s.throw(eris.Errorf("ItemNotFound: the requested worksheet %q doesn't exist", call.Argument(0).String()))
		}
		return s.worksheet(name)
	})
	s.method(obj, "getItemOrNullObject", func(call goja.FunctionCall) goja.Value {
		name, err := s.tx.SheetName(call.Argument(0).String())
		if err != nil {
			null := s.vm.NewObject()
			s.prop(null, "isNullObject", func() any { return true }, nil)
			s.method(null, "load", returnThis)
			return null
		}
		return s.worksheet(name)
	})
	s.method(obj, "add", func(call goja.FunctionCall) goja.Value {
		var name string
		if a := call.Argument(0); !goja.IsUndefined(a) && !goja.IsNull(a) {
			name = a.String()
		}
		name, err := s.tx.AddSheet(name)
		s.must(err)
		return s.worksheet(name)
	})
	s.method(obj, "load", returnThis)
	return obj
}

func (s *session) worksheet(name string) *goja.Object {
	obj := s.vm.NewObject()
	s.prop(obj, "name", func() any { return name }, nil)
	s.prop(obj, "isNullObject", func() any { return false }, nil)
	s.method(obj, "load", returnThis)

	s.method(obj, "getRange", func(call goja.FunctionCall) goja.Value {
		addr := call.Argument(0)
		if goja.IsUndefined(addr) || goja.IsNull(addr) {
			panic(s.vm.NewTypeError("getRange requires an address"))
		}
		rng, err := s.tx.Resolve(name, addr.String())
		s.must(err)
		return s.rangeObject(rng)
	})
	s.method(obj, "getCell", func(call goja.FunctionCall) goja.Value {
		row, col := s.index(call.Argument(0)), s.index(call.Argument(1))
		sheet, err := s.tx.SheetName(name)
		s.must(err)
		return s.rangeObject(workbook.Range{Sheet: sheet, Row: row, Col: col, EndRow: row, EndCol: col})
	})
	s.method(obj, "getUsedRange", func(goja.FunctionCall) goja.Value {
		rng, err := s.tx.UsedRange(name)
		s.must(err)
		return s.rangeObject(rng)
	})
	s.method(obj, "activate", func(goja.FunctionCall) goja.Value {
		s.tx.Activate(name)
		return goja.Undefined()
	})
	s.method(obj, "delete", func(goja.FunctionCall) goja.Value {
		s.tx.DeleteSheet(name)
		return goja.Undefined()
	})

	charts := s.vm.NewObject()
	s.method(charts, "add", func(call goja.FunctionCall) goja.Value {
		rng := s.rangeArg(name, call.Argument(1))
		chart := &workbook.Chart{
			Type:          "ColumnClustered",
			SourceAddress: rng.String(),
			SeriesBy:      "Auto",
		}
		if t := call.Argument(0); !goja.IsUndefined(t) {
			chart.Type = t.String()
		}
		if sb := call.Argument(2); !goja.IsUndefined(sb) {
			chart.SeriesBy = sb.String()
		}
		s.tx.AddChart(rng.Sheet, chart)
		return s.chartObject(chart)
	})
	s.method(charts, "load", returnThis)
	_ = obj.Set("charts", charts)
	return obj
}

// rangeArg accepts either an address string or a range object.
func (s *session) rangeArg(sheet string, v goja.Value) workbook.Range {
	if goja.IsUndefined(v) || goja.IsNull(v) {
		panic(s.vm.NewTypeError("a source range is required"))
	}
	addr := v.String()
	if obj, ok := v.(*goja.Object); ok {
		if a := obj.Get("address"); a != nil && !goja.IsUndefined(a) {
			addr = a.String()
		}
	}
	rng, err := s.tx.Resolve(sheet, addr)
	s.must(err)
	return rng
}

func (s *session) index(v goja.Value) int {
	n := v.ToInteger()
	if n < 0 {
		panic(s.vm.NewTypeError("index must not be negative"))
	}
	return int(n)
}

func (s *session) rangeObject(rng workbook.Range) *goja.Object {
	obj := s.vm.NewObject()
	s.prop(obj, "address", func() any { return rng.String() }, nil)
	s.prop(obj, "rowCount", func() any { return rng.Rows() }, nil)
	s.prop(obj, "columnCount", func() any { return rng.Cols() }, nil)
	s.prop(obj, "rowIndex", func() any { return rng.Row }, nil)
	s.prop(obj, "columnIndex", func() any { return rng.Col }, nil)
	s.method(obj, "load", returnThis)

	s.prop(obj, "values",
		func() any {
			vals, err := s.tx.Values(rng)
			s.must(err)
			return s.array(vals)
		},
		func(v goja.Value) { s.must(s.tx.SetValues(rng, s.grid(v, rng))) },
	)
	s.prop(obj, "formulas",
		func() any {
			vals, err := s.tx.Formulas(rng)
			s.must(err)
			return s.array(vals)
		},
		func(v goja.Value) { s.must(s.tx.SetFormulas(rng, s.grid(v, rng))) },
	)
	s.prop(obj, "numberFormat",
		func() any {
			out := make([][]any, rng.Rows())
			for r := range out {
				out[r] = make([]any, rng.Cols())
				for c := range out[r] {
					f, err := s.tx.CellFormat(rng.Cell(r, c))
					s.must(err)
					out[r][c] = f.NumberFormat
					if f.NumberFormat == "" {
						out[r][c] = "General"
					}
				}
			}
			return s.array(out)
		},
		func(v goja.Value) {
			grid := s.grid(v, rng)
			for r, row := range grid {
				for c, nf := range row {
					nf := workbook.FormatValue(workbook.NormalizeValue(nf))
					s.tx.UpdateFormat(rng.Cell(r, c), "set number format", func(f *workbook.Format) {
						f.NumberFormat = nf
					})
				}
			}
		},
	)
	_ = obj.Set("format", s.formatObject(rng))

	s.method(obj, "clear", func(call goja.FunctionCall) goja.Value {
		switch call.Argument(0).String() {
		case "Formats":
			s.tx.UpdateFormat(rng, "clear formats", func(f *workbook.Format) { *f = workbook.Format{} })
		case "Contents":
			s.must(s.tx.SetValues(rng, make2D(rng.Rows(), rng.Cols(), nil)))
		default:
			s.tx.Clear(rng)
		}
		return goja.Undefined()
	})
	s.method(obj, "getCell", func(call goja.FunctionCall) goja.Value {
		return s.rangeObject(rng.Cell(s.index(call.Argument(0)), s.index(call.Argument(1))))
	})
	s.method(obj, "getRow", func(call goja.FunctionCall) goja.Value {
		i := s.index(call.Argument(0))
		if i >= rng.Rows() {
			panic(s.vm.NewTypeError("row %d is outside %s", i, rng.Local()))
		}
		return s.rangeObject(rng.Offset(i, 0).Resize(1, rng.Cols()))
	})
	s.method(obj, "getColumn", func(call goja.FunctionCall) goja.Value {
		j := s.index(call.Argument(0))
		if j >= rng.Cols() {
			panic(s.vm.NewTypeError("column %d is outside %s", j, rng.Local()))
		}
		return s.rangeObject(rng.Offset(0, j).Resize(rng.Rows(), 1))
	})
	s.method(obj, "getOffsetRange", func(call goja.FunctionCall) goja.Value {
		shifted := rng.Offset(int(call.Argument(0).ToInteger()), int(call.Argument(1).ToInteger()))
		if shifted.Row < 0 || shifted.Col < 0 {
			panic(s.vm.NewTypeError("offset moves %s off the sheet", rng.Local()))
		}
		return s.rangeObject(shifted)
	})
	s.method(obj, "getResizedRange", func(call goja.FunctionCall) goja.Value {
		rows := rng.Rows() + int(call.Argument(0).ToInteger())
		cols := rng.Cols() + int(call.Argument(1).ToInteger())
		if rows < 1 || cols < 1 {
			panic(s.vm.NewTypeError("resize leaves %s empty", rng.Local()))
		}
		return s.rangeObject(rng.Resize(rows, cols))
	})
	return obj
}

func (s *session) formatObject(rng workbook.Range) *goja.Object {
	current := func() workbook.Format {
		f, err := s.tx.CellFormat(rng)
		s.must(err)
		return f
	}
	update := func(desc string, fn func(f *workbook.Format)) {
		s.tx.UpdateFormat(rng, desc, fn)
	}

	font := s.vm.NewObject()
	s.prop(font, "bold", func() any { return current().Font.Bold }, func(v goja.Value) {
		b := v.ToBoolean()
		update("set bold", func(f *workbook.Format) { f.Font.Bold = b })
	})
	s.prop(font, "italic", func() any { return current().Font.Italic }, func(v goja.Value) {
		b := v.ToBoolean()
		update("set italic", func(f *workbook.Format) { f.Font.Italic = b })
	})
	s.prop(font, "size", func() any { return current().Font.Size }, func(v goja.Value) {
		size := v.ToFloat()
		update("set font size", func(f *workbook.Format) { f.Font.Size = size })
	})
	s.prop(font, "color", func() any { return current().Font.Color }, func(v goja.Value) {
		color := v.String()
		update("set font color", func(f *workbook.Format) { f.Font.Color = color })
	})
	s.prop(font, "name", func() any { return current().Font.Name }, func(v goja.Value) {
		name := v.String()
		update("set font name", func(f *workbook.Format) { f.Font.Name = name })
	})

	fill := s.vm.NewObject()
	s.prop(fill, "color", func() any { return current().FillColor }, func(v goja.Value) {
		color := v.String()
		update("set fill", func(f *workbook.Format) { f.FillColor = color })
	})
	s.method(fill, "clear", func(goja.FunctionCall) goja.Value {
		update("clear fill", func(f *workbook.Format) { f.FillColor = "" })
		return goja.Undefined()
	})

	borders := s.vm.NewObject()
	s.method(borders, "getItem", func(call goja.FunctionCall) goja.Value {
		edge := strings.ToLower(strings.TrimPrefix(call.Argument(0).String(), "Edge"))
		border := s.vm.NewObject()
		s.prop(border, "style", func() any { return current().Borders[edge] }, func(v goja.Value) {
			style := v.String()
			update("set border "+edge, func(f *workbook.Format) {
				if f.Borders == nil {
					f.Borders = make(map[string]string)
				}
				f.Borders[edge] = style
			})
		})
		return border
	})

	obj := s.vm.NewObject()
	_ = obj.Set("font", font)
	_ = obj.Set("fill", fill)
	_ = obj.Set("borders", borders)
	s.prop(obj, "horizontalAlignment", func() any { return current().HorizontalAlignment }, func(v goja.Value) {
		a := v.String()
		update("set horizontal alignment", func(f *workbook.Format) { f.HorizontalAlignment = a })
	})
	s.prop(obj, "verticalAlignment", func() any { return current().VerticalAlignment }, func(v goja.Value) {
		a := v.String()
		update("set vertical alignment", func(f *workbook.Format) { f.VerticalAlignment = a })
	})
	s.prop(obj, "wrapText", func() any { return current().WrapText }, func(v goja.Value) {
		w := v.ToBoolean()
		update("set wrap text", func(f *workbook.Format) { f.WrapText = w })
	})
	s.method(obj, "autofitColumns", func(goja.FunctionCall) goja.Value {
		s.tx.AutofitColumns(rng)
		return goja.Undefined()
	})
	s.method(obj, "autofitRows", func(goja.FunctionCall) goja.Value {
		return goja.Undefined()
	})
	return obj
}

func (s *session) chartObject(chart *workbook.Chart) *goja.Object {
	update := func(desc string, fn func(c *workbook.Chart)) {
		s.tx.UpdateChart(chart, desc, fn)
	}
	titled := func(get func() string, set func(c *workbook.Chart, text string)) *goja.Object {
		title := s.vm.NewObject()
		s.prop(title, "text", func() any { return get() }, func(v goja.Value) {
			text := v.String()
			update("set chart title", func(c *workbook.Chart) { set(c, text) })
		})
		return title
	}

	obj := s.vm.NewObject()
	_ = obj.Set("title", titled(
		func() string { return chart.Title },
		func(c *workbook.Chart, text string) { c.Title = text },
	))

	category := s.vm.NewObject()
	_ = category.Set("title", titled(
		func() string { return chart.XAxisTitle },
		func(c *workbook.Chart, text string) { c.XAxisTitle = text },
	))
	value := s.vm.NewObject()
	_ = value.Set("title", titled(
		func() string { return chart.YAxisTitle },
		func(c *workbook.Chart, text string) { c.YAxisTitle = text },
	))
	axes := s.vm.NewObject()
	_ = axes.Set("categoryAxis", category)
	_ = axes.Set("valueAxis", value)
	_ = obj.Set("axes", axes)

	s.prop(obj, "height", func() any { return chart.Height }, func(v goja.Value) {
		h := v.ToFloat()
		update("set chart height", func(c *workbook.Chart) { c.Height = h })
	})
	s.prop(obj, "width", func() any { return chart.Width }, func(v goja.Value) {
		w := v.ToFloat()
		update("set chart width", func(c *workbook.Chart) { c.Width = w })
	})
	s.method(obj, "setPosition", func(call goja.FunctionCall) goja.Value {
		start := call.Argument(0).String()
		var end string
		if e := call.Argument(1); !goja.IsUndefined(e) && !goja.IsNull(e) {
			end = e.String()
		}
		update("position chart", func(c *workbook.Chart) { c.TopLeft, c.BottomRight = start, end })
		return goja.Undefined()
	})
	s.method(obj, "load", returnThis)
	return obj
}

// array converts a cell grid to nested JS arrays. Blank cells read as "".
func (s *session) array(values [][]any) *goja.Object {
	rows := make([]any, len(values))
	for i, row := range values {
		cells := make([]any, len(row))
		for j, v := range row {
			if v == nil {
				v = ""
			}
			cells[j] = v
		}
		rows[i] = s.vm.NewArray(cells...)
	}
	return s.vm.NewArray(rows...)
}

// grid converts an assigned value to a cell grid. A scalar fills the range.
func (s *session) grid(v goja.Value, rng workbook.Range) [][]any {
	exported := v.Export()
	rows, ok := exported.([]any)
	if !ok {
		return make2D(rng.Rows(), rng.Cols(), exported)
	}
	out := make([][]any, len(rows))
	for i, r := range rows {
		cells, ok := r.([]any)
		if !ok {
			panic(s.vm.NewTypeError("expected a two-dimensional array for %s", rng.Local()))
		}
		out[i] = cells
	}
	return out
}

func make2D(rows, cols int, fill any) [][]any {
	out := make([][]any, rows)
	for i := range out {
		out[i] = make([]any, cols)
		for j := range out[i] {
			out[i][j] = fill
		}
	}
	return out
}
