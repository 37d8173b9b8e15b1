// Package parser extracts candidate implementations from raw model text. It
// only locates and trims text; it never interprets the code it finds.
package parser

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/sheet-assist/internal/model"
)

// Markers recognised in model output.
const (
	MarkerImplement  = "IMPLEMENT:"
	MarkerCommand    = "EXCEL_COMMAND:"
	MarkerCommandEnd = "END_COMMAND"
)

const fence = "```"

var (
	scriptTags   = map[string]bool{"": true, "javascript": true, "js": true}
	blankRunsRe  = regexp.MustCompile(`\n{3,}`)
	jsonFenceRe  = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\n?(.*?)\\s*```$")
	lineBreaksRe = regexp.MustCompile(`[ \t]+\n`)
)

type segment struct {
	start, end int
	candidate  *model.CandidateImplementation
}

// Extract returns the candidates found in resp, in the order they appear.
// Each carries a pointer back to resp.
func Extract(resp *model.ModelResponse) []model.CandidateImplementation {
	if resp == nil {
		return nil
	}
	out := ExtractText(resp.RawText)
	for i := range out {
		out[i].ExtractedFrom = resp
	}
	return out
}

// ExtractText returns the candidates found in raw. Text with no marker yields
// none.
func ExtractText(raw string) []model.CandidateImplementation {
	var out []model.CandidateImplementation
	for _, seg := range scan(raw) {
		if seg.candidate == nil {
			continue
		}
		c := *seg.candidate
		c.OriginIndex = len(out)
		out = append(out, c)
	}
	return out
}

// HasImplementation reports whether raw carries at least one candidate.
func HasImplementation(raw string) bool {
	for _, seg := range scan(raw) {
		if seg.candidate != nil {
			return true
		}
	}
	return false
}

// Analysis returns the advisory prose of raw with implementation blocks
// removed.
func Analysis(raw string) string {
	var b strings.Builder
	last := 0
	for _, seg := range scan(raw) {
		if seg.candidate == nil {
			continue
		}
		b.WriteString(raw[last:seg.start])
		last = seg.end
	}
	b.WriteString(raw[last:])

	text := lineBreaksRe.ReplaceAllString(b.String(), "\n")
	text = blankRunsRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func scan(raw string) []segment {
	var segs []segment
	pos := 0
	for pos < len(raw) {
		i, marker := nextMarker(raw, pos)
		if i < 0 {
			break
		}
		var seg segment
		var ok bool
		switch marker {
		case MarkerImplement:
			seg, ok = scanScript(raw, i)
		case MarkerCommand:
			seg, ok = scanCommands(raw, i)
		}
		if !ok {
			pos = i + len(marker)
			continue
		}
		segs = append(segs, seg)
		pos = seg.end
	}
	return segs
}

func nextMarker(raw string, from int) (int, string) {
	best, marker := -1, ""
	for _, m := range []string{MarkerImplement, MarkerCommand} {
		if j := strings.Index(raw[from:], m); j >= 0 && (best < 0 || from+j < best) {
			best, marker = from+j, m
		}
	}
	return best, marker
}

// scanScript reads the first fenced block after an IMPLEMENT: marker and
// before the next marker.
func scanScript(raw string, at int) (segment, bool) {
	body := at + len(MarkerImplement)
	limit := len(raw)
	if next, _ := nextMarker(raw, body); next >= 0 {
		limit = next
	}

	for from := body; from < limit; {
		f := strings.Index(raw[from:limit], fence)
		if f < 0 {
			break
		}
		open := from + f
		nl := strings.IndexByte(raw[open:limit], '\n')
		if nl < 0 {
			break
		}
		contentStart := open + nl + 1
		c := strings.Index(raw[contentStart:], fence)
		if c < 0 {
			zap.L().Debug("parser: unterminated fence after implement marker", zap.Int("offset", open))
			return segment{}, false
		}
		closeAt := contentStart + c

		tag := strings.ToLower(strings.TrimSpace(raw[open+len(fence) : open+nl]))
		if !scriptTags[tag] {
			from = closeAt + len(fence)
			continue
		}

		code := strings.TrimSpace(raw[contentStart:closeAt])
		if code == "" {
			return segment{}, false
		}
		return segment{
			start: at,
			end:   closeAt + len(fence),
			candidate: &model.CandidateImplementation{
				SourceCode: code,
				Kind:       model.CandidateScript,
			},
		}, true
	}
	return segment{}, false
}

// scanCommands reads an EXCEL_COMMAND: ... END_COMMAND block. The body may be
// fenced and may carry // comments copied from the prompt's example.
func scanCommands(raw string, at int) (segment, bool) {
	body := at + len(MarkerCommand)
	e := strings.Index(raw[body:], MarkerCommandEnd)
	if e < 0 {
		return segment{}, false
	}
	end := body + e

	src := strings.TrimSpace(raw[body:end])
	if m := jsonFenceRe.FindStringSubmatch(src); m != nil {
		src = m[1]
	}
	src = strings.TrimSpace(stripLineComments(src))
	if src == "" {
		return segment{}, false
	}
	return segment{
		start: at,
		end:   end + len(MarkerCommandEnd),
		candidate: &model.CandidateImplementation{
			SourceCode: src,
			Kind:       model.CandidateCommands,
		},
	}, true
}

// stripLineComments removes // comments that sit outside JSON strings.
func stripLineComments(src string) string {
	var b strings.Builder
	inString, escaped := false, false
	for i := 0; i < len(src); i++ {
		ch := src[i]
		if inString {
			b.WriteByte(ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		if ch == '"' {
			inString = true
		}
		if ch == '/' && i+1 < len(src) && src[i+1] == '/' {
			for i < len(src) && src[i] != '\n' {
				i++
			}
			if i < len(src) {
				b.WriteByte('\n')
			}
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}
