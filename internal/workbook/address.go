package workbook

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Range is a rectangular block of cells. Rows and columns are zero-based and
// inclusive. Sheet is empty when the address carried no sheet prefix.
type Range struct {
	Sheet  string
	Row    int
	Col    int
	EndRow int
	EndCol int
}

// Rows returns the number of rows covered.
func (r Range) Rows() int { return r.EndRow - r.Row + 1 }

// Cols returns the number of columns covered.
func (r Range) Cols() int { return r.EndCol - r.Col + 1 }

// Contains reports whether the zero-based cell lies inside the range.
func (r Range) Contains(row, col int) bool {
	return row >= r.Row && row <= r.EndRow && col >= r.Col && col <= r.EndCol
}

// Cell returns the single-cell range at the given offset inside r.
func (r Range) Cell(rowOffset, colOffset int) Range {
	return Range{Sheet: r.Sheet, Row: r.Row + rowOffset, Col: r.Col + colOffset, EndRow: r.Row + rowOffset, EndCol: r.Col + colOffset}
}

// Offset shifts the range by the given rows and columns.
func (r Range) Offset(rows, cols int) Range {
	return Range{Sheet: r.Sheet, Row: r.Row + rows, Col: r.Col + cols, EndRow: r.EndRow + rows, EndCol: r.EndCol + cols}
}

// Resize keeps the top-left corner and sets the size.
func (r Range) Resize(rows, cols int) Range {
	return Range{Sheet: r.Sheet, Row: r.Row, Col: r.Col, EndRow: r.Row + rows - 1, EndCol: r.Col + cols - 1}
}

// Local formats the range without its sheet prefix, e.g. "A1:B3".
func (r Range) Local() string {
	start := CellName(r.Row, r.Col)
	if r.Row == r.EndRow && r.Col == r.EndCol {
		return start
	}
	return start + ":" + CellName(r.EndRow, r.EndCol)
}

// String formats the range as a qualified address, e.g. "Sheet1!A1:B3".
func (r Range) String() string {
	if r.Sheet == "" {
		return r.Local()
	}
	return quoteSheet(r.Sheet) + "!" + r.Local()
}

// CellName formats a zero-based cell position as A1 notation.
func CellName(row, col int) string {
	return ColumnName(col) + strconv.Itoa(row+1)
}

// ColumnName converts a zero-based column index to letters (0 -> A, 26 -> AA).
func ColumnName(col int) string {
	var b []byte
	for n := col + 1; n > 0; n = (n - 1) / 26 {
		b = append([]byte{byte('A' + (n-1)%26)}, b...)
	}
	return string(b)
}

// ColumnIndex converts column letters to a zero-based index.
func ColumnIndex(letters string) (int, error) {
	if letters == "" {
		return 0, eris.New("workbook: empty column")
	}
	n := 0
	for _, ch := range strings.ToUpper(letters) {
		if ch < 'A' || ch > 'Z' {
			return 0, eris.Errorf("workbook: invalid column %q", letters)
		}
		n = n*26 + int(ch-'A'+1)
	}
	return n - 1, nil
}

// ParseRange parses an A1-style address with an optional sheet prefix:
// "B2", "$A$1:$C$3", "Sheet1!A1:B2", "'Q1 Sales'!A1".
func ParseRange(addr string) (Range, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Range{}, eris.New("workbook: empty address")
	}

	var rng Range
	if i := strings.LastIndex(addr, "!"); i >= 0 {
		rng.Sheet = unquoteSheet(addr[:i])
		addr = addr[i+1:]
	}

	start, end, found := strings.Cut(addr, ":")
	row, col, err := parseCell(start)
	if err != nil {
		return Range{}, err
	}
	rng.Row, rng.Col, rng.EndRow, rng.EndCol = row, col, row, col

	if found {
		endRow, endCol, err := parseCell(end)
		if err != nil {
			return Range{}, err
		}
		rng.Row, rng.EndRow = min(row, endRow), max(row, endRow)
		rng.Col, rng.EndCol = min(col, endCol), max(col, endCol)
	}
	return rng, nil
}

func parseCell(ref string) (int, int, error) {
	ref = strings.ReplaceAll(strings.TrimSpace(ref), "$", "")
	i := 0
	for i < len(ref) && (ref[i] >= 'A' && ref[i] <= 'Z' || ref[i] >= 'a' && ref[i] <= 'z') {
		i++
	}
	if i == 0 || i == len(ref) {
		return 0, 0, eris.Errorf("workbook: invalid cell reference %q", ref)
	}
	col, err := ColumnIndex(ref[:i])
	if err != nil {
		return 0, 0, err
	}
	row, err := strconv.Atoi(ref[i:])
	if err != nil || row < 1 {
		return 0, 0, eris.Errorf("workbook: invalid row in %q", ref)
	}
	return row - 1, col, nil
}

func quoteSheet(name string) string {
	if strings.ContainsAny(name, " '!-") {
		return "'" + strings.ReplaceAll(name, "'", "''") + "'"
	}
	return name
}

func unquoteSheet(name string) string {
	name = strings.TrimSpace(name)
	if len(name) >= 2 && name[0] == '\'' && name[len(name)-1] == '\'' {
		name = strings.ReplaceAll(name[1:len(name)-1], "''", "'")
	}
	return name
}
