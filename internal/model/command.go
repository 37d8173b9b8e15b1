package model

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// CommandType names one operation of the structured action language.
type CommandType string

const (
	CommandCreatePivotTable CommandType = "CREATE_PIVOT_TABLE"
	CommandCreateChart      CommandType = "CREATE_CHART"
	CommandFormatRange      CommandType = "FORMAT_RANGE"
	CommandWriteValues      CommandType = "WRITE_VALUES"
)

// Command is one tagged entry of an EXCEL_COMMAND block. Params is decoded
// by the executor according to Type.
type Command struct {
	Type   CommandType     `json:"type"`
	Params json.RawMessage `json:"params"`
}

// PivotParams configures CREATE_PIVOT_TABLE.
type PivotParams struct {
	SourceRange  string   `json:"sourceRange"`
	RowFields    []string `json:"rowFields"`
	ColumnFields []string `json:"columnFields"`
	DataFields   []string `json:"dataFields"`
	SummarizeBy  string   `json:"summarizeBy"`
}

// ChartParams configures CREATE_CHART.
type ChartParams struct {
	SourceRange string `json:"sourceRange"`
	ChartType   string `json:"chartType"`
	Title       string `json:"title"`
	AxisLabels  *struct {
		XAxis string `json:"xAxis"`
		YAxis string `json:"yAxis"`
	} `json:"axisLabels"`
	Position *struct {
		Top  string `json:"top"`
		Left string `json:"left"`
	} `json:"position"`
	Size *struct {
		Height float64 `json:"height"`
		Width  float64 `json:"width"`
	} `json:"size"`
}

// FormatParams configures FORMAT_RANGE.
type FormatParams struct {
	Range  string `json:"range"`
	Format *struct {
		Font *struct {
			Bold   bool    `json:"bold"`
			Italic bool    `json:"italic"`
			Size   float64 `json:"size"`
			Color  string  `json:"color"`
			Name   string  `json:"name"`
		} `json:"font"`
		Fill *struct {
			Color string `json:"color"`
		} `json:"fill"`
		Borders      map[string]string `json:"borders"`
		NumberFormat string            `json:"numberFormat"`
		Alignment    *struct {
			Horizontal string `json:"horizontal"`
			Vertical   string `json:"vertical"`
			WrapText   *bool  `json:"wrapText"`
		} `json:"alignment"`
	} `json:"format"`
	ConditionalFormat json.RawMessage `json:"conditionalFormat"`
}

// WriteValuesParams configures WRITE_VALUES. Strings starting with "=" are
// written as formulas.
type WriteValuesParams struct {
	Range  string  `json:"range"`
	Values [][]any `json:"values"`
}

// ParseCommands decodes the JSON array carried by a commands candidate.
func ParseCommands(src string) ([]Command, error) {
	var cmds []Command
	if err := json.Unmarshal([]byte(strings.TrimSpace(src)), &cmds); err != nil {
		return nil, eris.Wrap(err, "model: decode command list")
	}
	if len(cmds) == 0 {
		return nil, eris.New("model: empty command list")
	}
	for i := range cmds {
		cmds[i].Type = CommandType(strings.ToUpper(strings.TrimSpace(string(cmds[i].Type))))
	}
	return cmds, nil
}

// DecodeParams unmarshals c.Params into v.
func (c Command) DecodeParams(v any) error {
	if len(c.Params) == 0 {
		return eris.Errorf("model: %s has no params", c.Type)
	}
	if err := json.Unmarshal(c.Params, v); err != nil {
		return eris.Wrapf(err, "model: decode %s params", c.Type)
	}
	return nil
}
