package expressions

import (
	"context"
	"strings"
)

const (
	islandOpen  = "{{"
	islandClose = "}}"
)

// IslandError records one failed {{ }} island.
type IslandError struct {
	Island string `json:"island"`
	Err    error  `json:"-"`
}

func (e IslandError) Error() string {
	return e.Island + ": " + e.Err.Error()
}

// RenderResult is the outcome of RenderTemplate.
// Value holds the raw evaluated value when the template is exactly one island,
// and equals Text otherwise.
type RenderResult struct {
	Text    string
	Value   any
	Errors  []IslandError
	Islands []string
}

// Ok reports whether every island evaluated.
func (r RenderResult) Ok() bool {
	return len(r.Errors) == 0
}

type segment struct {
	text   string
	island bool
	expr   string
}

// splitIslands tokenizes text into literal and island segments.
// An unclosed "{{" is treated as literal text.
func splitIslands(text string) []segment {
	var segs []segment
	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], islandOpen)
		if idx == -1 {
			segs = append(segs, segment{text: text[i:]})
			break
		}
		start := i + idx
		end := strings.Index(text[start+len(islandOpen):], islandClose)
		if end == -1 {
			segs = append(segs, segment{text: text[i:]})
			break
		}
		end += start + len(islandOpen)

		if start > i {
			segs = append(segs, segment{text: text[i:start]})
		}
		raw := text[start : end+len(islandClose)]
		segs = append(segs, segment{
			text:   raw,
			island: true,
			expr:   strings.TrimSpace(text[start+len(islandOpen) : end]),
		})
		i = end + len(islandClose)
	}
	return segs
}

// IsIsland reports whether text, ignoring surrounding whitespace, is exactly
// one {{ }} island, and returns its inner expression. Conditions use it;
// RenderTemplate keeps the raw value only for an unpadded island.
func IsIsland(text string) (string, bool) {
	segs := splitIslands(strings.TrimSpace(text))
	if len(segs) == 1 && segs[0].island {
		return segs[0].expr, true
	}
	return "", false
}

// RenderTemplate evaluates every {{ }} island in text independently. A failing
// island is left as its raw text and recorded in Errors. Text with anything
// around a single island, whitespace included, renders as a string.
func (s *Sandbox) RenderTemplate(ctx context.Context, text string, data map[string]any) RenderResult {
	res := RenderResult{}

	segs := splitIslands(text)

	if len(segs) == 1 && segs[0].island {
		res.Islands = []string{segs[0].expr}
		val, err := s.Evaluate(ctx, segs[0].expr, data)
		if err != nil {
			res.Errors = append(res.Errors, IslandError{Island: text, Err: err})
			res.Text, res.Value = text, text
			return res
		}
		res.Text, res.Value = Stringify(val), JSONSafe(val)
		return res
	}

	var b strings.Builder
	b.Grow(len(text))
	for _, seg := range segs {
		if !seg.island {
			b.WriteString(seg.text)
			continue
		}
		res.Islands = append(res.Islands, seg.expr)
		val, err := s.Evaluate(ctx, seg.expr, data)
		if err != nil {
			res.Errors = append(res.Errors, IslandError{Island: seg.text, Err: err})
			b.WriteString(seg.text)
			continue
		}
		b.WriteString(Stringify(val))
	}
	res.Text = b.String()
	res.Value = res.Text
	return res
}

// DeepRender renders every string leaf of v, recursing into maps and slices.
// Non-string leaves are returned untouched. The input is not modified.
func (s *Sandbox) DeepRender(ctx context.Context, v any, data map[string]any) (any, []IslandError) {
	var errs []IslandError
	out := s.deepRender(ctx, v, data, &errs)
	return out, errs
}

func (s *Sandbox) deepRender(ctx context.Context, v any, data map[string]any, errs *[]IslandError) any {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, islandOpen) {
			return val
		}
		res := s.RenderTemplate(ctx, val, data)
		*errs = append(*errs, res.Errors...)
		return res.Value
	case map[string]any:
		if val == nil {
			return val
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = s.deepRender(ctx, item, data, errs)
		}
		return out
	case []any:
		if val == nil {
			return val
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.deepRender(ctx, item, data, errs)
		}
		return out
	default:
		return v
	}
}
