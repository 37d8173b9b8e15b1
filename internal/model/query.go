package model

import (
	"encoding/json"
	"strings"
)

// SheetMetadata describes the shape of the snapshot sent with a query.
type SheetMetadata struct {
	RowCount    int  `json:"rowCount"`
	ColumnCount int  `json:"columnCount"`
	HasHeaders  bool `json:"hasHeaders"`
}

// Query is one user submission plus a snapshot of the worksheet's used range.
// It is immutable once built; the snapshot is copied in and copied out.
type Query struct {
	text         string
	sourceData   [][]any
	rangeAddress string
	metadata     SheetMetadata
}

// NewQuery copies values and derives sheet metadata from them.
func NewQuery(text string, values [][]any, rangeAddress string) Query {
	data := copyValues(values)
	return Query{
		text:         strings.TrimSpace(text),
		sourceData:   data,
		rangeAddress: rangeAddress,
		metadata:     deriveMetadata(data),
	}
}

// Text returns the user's question.
func (q Query) Text() string { return q.text }

// RangeAddress returns the address the snapshot was read from, e.g. "Sheet1!A1:B3".
func (q Query) RangeAddress() string { return q.rangeAddress }

// Metadata returns row/column counts and header detection.
func (q Query) Metadata() SheetMetadata { return q.metadata }

// SourceData returns a copy of the worksheet snapshot.
func (q Query) SourceData() [][]any { return copyValues(q.sourceData) }

// Payload is the serialized form sent to model backends.
type Payload struct {
	Query         string        `json:"query"`
	Data          [][]any       `json:"data"`
	Range         string        `json:"range"`
	SheetMetadata SheetMetadata `json:"sheetMetadata"`
}

// Payload returns the wire representation of the query.
func (q Query) Payload() Payload {
	return Payload{
		Query:         q.text,
		Data:          q.SourceData(),
		Range:         q.rangeAddress,
		SheetMetadata: q.metadata,
	}
}

// MarshalJSON encodes the query as its payload.
func (q Query) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.Payload())
}

// UnmarshalJSON decodes a payload back into a query.
func (q *Query) UnmarshalJSON(b []byte) error {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*q = NewQuery(p.Query, p.Data, p.Range)
	return nil
}

func copyValues(values [][]any) [][]any {
	if values == nil {
		return nil
	}
	out := make([][]any, len(values))
	for i, row := range values {
		out[i] = append([]any(nil), row...)
	}
	return out
}

func deriveMetadata(values [][]any) SheetMetadata {
	md := SheetMetadata{RowCount: len(values)}
	for _, row := range values {
		if len(row) > md.ColumnCount {
			md.ColumnCount = len(row)
		}
	}
	if len(values) == 0 || len(values[0]) == 0 {
		return md
	}

	// A header row is a first row of non-empty strings.
	md.HasHeaders = true
	for _, v := range values[0] {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			md.HasHeaders = false
			break
		}
	}
	return md
}
