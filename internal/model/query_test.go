package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQuery_Metadata(t *testing.T) {
	tests := []struct {
		name   string
		values [][]any
		want   SheetMetadata
	}{
		{
			name:   "headers",
			values: [][]any{{"Region", "Sales"}, {"East", 10.0}, {"West", 20.0}},
			want:   SheetMetadata{RowCount: 3, ColumnCount: 2, HasHeaders: true},
		},
		{
			name:   "numeric_first_row",
			values: [][]any{{1.0, 2.0}, {3.0, 4.0}},
			want:   SheetMetadata{RowCount: 2, ColumnCount: 2, HasHeaders: false},
		},
		{
			name:   "blank_header_cell",
			values: [][]any{{"Region", ""}, {"East", 10.0}},
			want:   SheetMetadata{RowCount: 2, ColumnCount: 2, HasHeaders: false},
		},
		{
			name:   "ragged",
			values: [][]any{{"a"}, {"b", "c", "d"}},
			want:   SheetMetadata{RowCount: 2, ColumnCount: 3, HasHeaders: true},
		},
		{
			name:   "empty",
			values: nil,
			want:   SheetMetadata{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQuery("  total sales by region ", tt.values, "Sheet1!A1:B3")
			assert.Equal(t, tt.want, q.Metadata())
			assert.Equal(t, "total sales by region", q.Text())
			assert.Equal(t, "Sheet1!A1:B3", q.RangeAddress())
		})
	}
}

func TestNewQuery_SnapshotIsolation(t *testing.T) {
	values := [][]any{{"Region", "Sales"}, {"East", 10.0}}
	q := NewQuery("q", values, "Sheet1!A1:B2")

	values[1][1] = 99.0
	assert.Equal(t, 10.0, q.SourceData()[1][1], "query must not alias caller data")

	out := q.SourceData()
	out[0][0] = "changed"
	assert.Equal(t, "Region", q.SourceData()[0][0], "accessor must return a copy")
}

func TestQuery_JSONRoundTrip(t *testing.T) {
	q := NewQuery("sum", [][]any{{"A", "B"}, {1.0, 2.0}}, "Sheet1!A1:B2")

	b, err := json.Marshal(q)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"sheetMetadata"`)
	assert.Contains(t, string(b), `"range":"Sheet1!A1:B2"`)

	var got Query
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, q.Text(), got.Text())
	assert.Equal(t, q.Metadata(), got.Metadata())
	assert.Equal(t, q.SourceData(), got.SourceData())
}
