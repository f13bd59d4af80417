package balance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// jsonPath is a small JSON path selector used to pull balances out of
// service responses.
//
// Supported forms:
// - $.a.b.c
// - a.b.c
// - a[0].b
type jsonPath struct {
	expr  string
	steps []jsonStep
}

type jsonStep struct {
	Key   string
	Index *int
}

func compileJSONPath(expr string) (*jsonPath, error) {
	orig := expr
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("json path is empty")
	}
	expr = strings.TrimPrefix(expr, "$")
	expr = strings.TrimPrefix(expr, ".")

	var steps []jsonStep
	for _, seg := range strings.Split(expr, ".") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		step, err := parseJSONSegment(seg)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("json path has no steps")
	}
	return &jsonPath{expr: orig, steps: steps}, nil
}

func mustJSONPath(expr string) *jsonPath {
	p, err := compileJSONPath(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func parseJSONSegment(seg string) (jsonStep, error) {
	open := strings.IndexByte(seg, '[')
	if open == -1 {
		return jsonStep{Key: seg}, nil
	}
	if !strings.HasSuffix(seg, "]") {
		return jsonStep{}, fmt.Errorf("invalid json path segment %q", seg)
	}
	key := strings.TrimSpace(seg[:open])
	idxStr := strings.TrimSpace(strings.TrimSuffix(seg[open+1:], "]"))
	if idxStr == "" {
		return jsonStep{}, fmt.Errorf("empty index in json path segment %q", seg)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return jsonStep{}, fmt.Errorf("invalid index %q", idxStr)
	}
	if idx < 0 {
		return jsonStep{}, fmt.Errorf("index must be >= 0")
	}
	return jsonStep{Key: key, Index: &idx}, nil
}

// Eval walks v along the path. The second return value is false when any
// step is missing or has the wrong shape.
func (p *jsonPath) Eval(v any) (any, bool) {
	cur := v
	for _, step := range p.steps {
		if step.Key != "" {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			next, ok := m[step.Key]
			if !ok {
				return nil, false
			}
			cur = next
		}
		if step.Index != nil {
			arr, ok := cur.([]any)
			if !ok {
				return nil, false
			}
			idx := *step.Index
			if idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
		}
	}
	return cur, true
}

func (p *jsonPath) String() string {
	return p.expr
}

// decodeJSON decodes body keeping numbers as json.Number so satoshi
// amounts survive without float rounding.
func decodeJSON(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}
