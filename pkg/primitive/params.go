package primitive

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
)

// Params are builder supplied game parameters as decoded from JSON.
type Params map[string]any

// ParamKind is the accepted type of a builder parameter.
type ParamKind int

const (
	ParamInt ParamKind = iota
	ParamString
)

// ParamBound declares the accepted values of one builder parameter.
type ParamBound struct {
	Kind    ParamKind `json:"kind"`
	Min     *int64    `json:"min,omitempty"`
	Max     *int64    `json:"max,omitempty"`
	Allowed []string  `json:"allowed,omitempty"`
	Default any       `json:"default,omitempty"`
}

// Bounds maps parameter names to their bounds.
type Bounds map[string]ParamBound

func intBound(lo, hi, def int64) ParamBound {
	return ParamBound{Kind: ParamInt, Min: &lo, Max: &hi, Default: def}
}

// Int returns the integer parameter name, or def when absent or mistyped.
func (p Params) Int(name string, def int64) int64 {
	v, ok := p[name]
	if !ok {
		return def
	}
	n, ok := asInt(v)
	if !ok {
		return def
	}
	return n
}

// Str returns the string parameter name, or def.
func (p Params) Str(name string, def string) string {
	if s, ok := p[name].(string); ok {
		return s
	}
	return def
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
		if n != math.Trunc(n) || math.IsInf(n, 0) || n >= math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// check validates params against b, returning one message per violation in
// name order.
func (b Bounds) check(params Params) []string {
	var errs []string
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := params[name]
		bound, ok := b[name]
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: unknown parameter", name))
			continue
		}
		switch bound.Kind {
		case ParamInt:
			n, ok := asInt(v)
			if !ok {
				errs = append(errs, fmt.Sprintf("%s: expected integer, got %T", name, v))
				continue
			}
			if bound.Min != nil && n < *bound.Min {
				errs = append(errs, fmt.Sprintf("%s: %d below minimum %d", name, n, *bound.Min))
			}
			if bound.Max != nil && n > *bound.Max {
				errs = append(errs, fmt.Sprintf("%s: %d above maximum %d", name, n, *bound.Max))
			}
		case ParamString:
			s, ok := v.(string)
			if !ok {
				errs = append(errs, fmt.Sprintf("%s: expected string, got %T", name, v))
				continue
			}
			if len(bound.Allowed) > 0 && !slices.Contains(bound.Allowed, s) {
				errs = append(errs, fmt.Sprintf("%s: %q not in %v", name, s, bound.Allowed))
			}
		}
	}
	return errs
}

// withDefaults returns a copy of params with every missing bounded parameter
// set to its default.
func (b Bounds) withDefaults(params Params) Params {
	out := make(Params, len(b))
	for name, bound := range b {
		if bound.Default != nil {
			out[name] = bound.Default
		}
	}
	for name, v := range params {
		if n, ok := asInt(v); ok && b[name].Kind == ParamInt {
			out[name] = n
			continue
		}
		out[name] = v
	}
	return out
}
