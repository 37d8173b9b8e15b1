// Package safety statically screens candidate implementations before they
// reach the executor. Script candidates are matched against a fixed,
// case-insensitive denylist; command candidates must decode and use only
// allowlisted command types.
//
// The denylist is textual and can be bypassed by obfuscation. The executor's
// capability-limited runtime is the real boundary; this check only keeps
// obviously unsafe code from being attempted at all.
package safety

import (
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/sheet-assist/internal/model"
)

// Pattern categories.
const (
	CategoryEval     = "dynamic_eval"
	CategoryTimer    = "timer"
	CategoryDOM      = "dom_injection"
	CategoryGlobal   = "global_scope"
	CategoryStorage  = "client_storage"
	CategoryNetwork  = "network"
	CategoryCustom   = "custom"
	CategoryCommands = "command_allowlist"
)

// notMember keeps identifiers like "borders.top." or "x.parent." from
// matching global-object checks.
const notMember = `(?:^|[^.\w$])`

// Pattern is one named denylist entry.
type Pattern struct {
	Name     string `yaml:"name" mapstructure:"name"`
	Category string `yaml:"category" mapstructure:"category"`
	Expr     string `yaml:"expr" mapstructure:"expr"`

	re *regexp.Regexp
}

// DefaultPatterns is the built-in denylist in match order. The first match
// names the violation, so more specific entries come first.
var DefaultPatterns = []Pattern{
	{Name: "eval", Category: CategoryEval, Expr: `\beval\b`},
	{Name: "new Function", Category: CategoryEval, Expr: `\bnew\s+function\b`},
	{Name: "Function constructor", Category: CategoryEval, Expr: `\bfunction\s*\(\s*["'` + "`" + `]|\.constructor\s*\(`},

	{Name: "setTimeout", Category: CategoryTimer, Expr: `\bsetTimeout\b`},
	{Name: "setInterval", Category: CategoryTimer, Expr: `\bsetInterval\b`},
	{Name: "setImmediate", Category: CategoryTimer, Expr: `\bsetImmediate\b`},
	{Name: "requestAnimationFrame", Category: CategoryTimer, Expr: `\brequestAnimationFrame\b`},

	{Name: "document.cookie", Category: CategoryStorage, Expr: `\bdocument\s*\.\s*cookie\b`},
	{Name: "document", Category: CategoryDOM, Expr: `\bdocument\s*\.`},
	{Name: "innerHTML", Category: CategoryDOM, Expr: `\binnerHTML\b`},
	{Name: "outerHTML", Category: CategoryDOM, Expr: `\bouterHTML\b`},
	{Name: "insertAdjacentHTML", Category: CategoryDOM, Expr: `\binsertAdjacentHTML\b`},
	{Name: "script tag", Category: CategoryDOM, Expr: `<\s*/?\s*script\b`},

	{Name: "navigator.sendBeacon", Category: CategoryNetwork, Expr: `\bnavigator\s*\.\s*sendBeacon\b`},
	{Name: "window", Category: CategoryGlobal, Expr: notMember + `window\b`},
	{Name: "globalThis", Category: CategoryGlobal, Expr: notMember + `globalThis\b`},
	{Name: "self", Category: CategoryGlobal, Expr: notMember + `self\s*\.`},
	{Name: "top", Category: CategoryGlobal, Expr: notMember + `top\s*\.`},
	{Name: "parent", Category: CategoryGlobal, Expr: notMember + `parent\s*\.`},
	{Name: "process", Category: CategoryGlobal, Expr: notMember + `process\s*\.`},
	{Name: "require", Category: CategoryGlobal, Expr: `\brequire\s*\(`},
	{Name: "dynamic import", Category: CategoryGlobal, Expr: `\bimport\s*\(`},

	{Name: "localStorage", Category: CategoryStorage, Expr: `\blocalStorage\b`},
	{Name: "sessionStorage", Category: CategoryStorage, Expr: `\bsessionStorage\b`},
	{Name: "indexedDB", Category: CategoryStorage, Expr: `\bindexedDB\b`},

	{Name: "fetch", Category: CategoryNetwork, Expr: `\bfetch\s*\(`},
	{Name: "XMLHttpRequest", Category: CategoryNetwork, Expr: `\bXMLHttpRequest\b`},
	{Name: "WebSocket", Category: CategoryNetwork, Expr: `\bWebSocket\b`},
	{Name: "EventSource", Category: CategoryNetwork, Expr: `\bEventSource\b`},
}

// AllowedCommands is the command-set allowlist.
var AllowedCommands = map[model.CommandType]bool{
	model.CommandCreatePivotTable: true,
	model.CommandCreateChart:      true,
	model.CommandFormatRange:      true,
	model.CommandWriteValues:      true,
}

// Validator checks candidates against a compiled denylist.
type Validator struct {
	patterns []Pattern
}

// New compiles the default denylist followed by any extra patterns.
func New(extra ...Pattern) (*Validator, error) {
	all := make([]Pattern, 0, len(DefaultPatterns)+len(extra))
	all = append(all, DefaultPatterns...)
	all = append(all, extra...)

	v := &Validator{patterns: make([]Pattern, 0, len(all))}
	for _, p := range all {
		if p.Name == "" || p.Expr == "" {
			return nil, eris.Errorf("safety: pattern needs a name and an expression (got %q)", p.Name)
		}
		re, err := regexp.Compile(`(?i)` + p.Expr)
		if err != nil {
			return nil, eris.Wrapf(err, "safety: compile pattern %q", p.Name)
		}
		if p.Category == "" {
			p.Category = CategoryCustom
		}
		p.re = re
		v.patterns = append(v.patterns, p)
	}
	return v, nil
}

// MustNew is New for the default denylist, which always compiles.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Patterns returns the compiled patterns in match order.
func (v *Validator) Patterns() []Pattern {
	out := make([]Pattern, len(v.patterns))
	copy(out, v.patterns)
	return out
}

// Validate returns the verdict for one candidate. It never executes anything.
func (v *Validator) Validate(c model.CandidateImplementation) model.ValidationVerdict {
	verdict := model.ValidationVerdict{Candidate: c, Passed: true}

	var violated string
	if c.Kind == model.CandidateCommands {
		violated = checkCommands(c.SourceCode)
	} else {
		violated = v.Match(c.SourceCode)
	}
	if violated != "" {
		verdict.Passed = false
		verdict.ViolatedPattern = violated
		zap.L().Info("safety: candidate rejected",
			zap.String("candidate", c.Label()),
			zap.String("pattern", violated),
		)
	}
	return verdict
}

// Match returns the name of the first pattern found in src, or "".
func (v *Validator) Match(src string) string {
	for _, p := range v.patterns {
		if p.re.MatchString(src) {
			return p.Name
		}
	}
	return ""
}

func checkCommands(src string) string {
	cmds, err := model.ParseCommands(src)
	if err != nil {
		return "malformed command list"
	}
	for _, cmd := range cmds {
		if !AllowedCommands[cmd.Type] {
			return "command " + string(cmd.Type)
		}
	}
	return ""
}

// patternFile is the on-disk shape of an extra pattern list.
type patternFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// LoadPatternFile reads extra denylist entries from a YAML file of the form
//
//	patterns:
//	  - name: clipboard
//	    expr: '\bnavigator\s*\.\s*clipboard\b'
func LoadPatternFile(path string) ([]Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "safety: read pattern file %s", path)
	}
	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, eris.Wrapf(err, "safety: parse pattern file %s", path)
	}
	return pf.Patterns, nil
}
