package workflow

import (
	"fmt"
	"strings"
)

// EvaluateTransform implements the advanced transform expression language
// spec §4.1 describes only by contract ("a full JSON-query/transform
// dialect with set aggregation, filtering items[predicate], sum/avg, and
// projection"): a `$.path` root, an optional `[predicate]` array filter at
// the end of that root path (a predicate elsewhere in the path is not
// recognised), and a chain of `.fn(...)` pipeline calls.
//
// Examples:
//
//	$.orders[status == 'open'].sum(amount)
//	$.orders[amount > 100].map(customerId)
//	$.items.count()
func EvaluateTransform(expr string, ectx *ExecutionContext) (interface{}, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("transform: empty expression")
	}
	if !strings.HasPrefix(expr, "$.") && expr != "$" {
		// fall back to the ordinary expression/template evaluator for
		// non-pipeline transforms (a transform step need not always filter).
		ev := NewEvaluator(nil)
		return ev.ResolveValue(ectx, expr), nil
	}

	segments := splitPipeline(expr)
	root, pathExpr := segments[0], segments[1:]

	ev := NewEvaluator(nil)
	path, predicate := splitPredicate(root)
	value := ev.ResolveVariablePath(ectx, path)
	if isUnresolved(value) {
		return nil, nil
	}
	if predicate != "" {
		arr, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("transform: predicate applied to non-array at %q", path)
		}
		value = filterByPredicate(arr, predicate)
	}

	for _, call := range pathExpr {
		var err error
		value, err = applyPipelineCall(value, call)
		if err != nil {
			return nil, err
		}
	}
	return value, nil
}

// splitPipeline splits "$.a.b[pred].fn1(x).fn2(y)" into the root path
// segment (with its optional bracket predicate) and the chain of calls,
// respecting parens so a call's own args aren't split on.
func splitPipeline(expr string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range expr {
		switch r {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case '.':
			if depth == 0 {
				parts = append(parts, expr[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, expr[start:])
	// the root path runs up to the first segment that is a call
	root := 0
	for root+1 < len(parts) && !strings.HasSuffix(parts[root+1], ")") {
		root++
	}
	return append([]string{strings.Join(parts[:root+1], ".")}, parts[root+1:]...)
}

// splitPredicate splits "items[predicate]" into ("items", "predicate"); a
// path with no bracket returns ("items", "").
func splitPredicate(seg string) (string, string) {
	open := strings.Index(seg, "[")
	if open < 0 || !strings.HasSuffix(seg, "]") {
		return seg, ""
	}
	return seg[:open], seg[open+1 : len(seg)-1]
}

// filterByPredicate keeps array elements matching a single "field op value"
// comparison, reusing the event-filter grammar (spec §4.5) since both are
// deliberately simple single-comparison dialects.
func filterByPredicate(arr []interface{}, predicate string) []interface{} {
	out := make([]interface{}, 0, len(arr))
	for _, el := range arr {
		obj, ok := el.(map[string]interface{})
		if !ok {
			continue
		}
		if EvaluateEventFilter(obj, predicate) {
			out = append(out, el)
		}
	}
	return out
}

func applyPipelineCall(value interface{}, call string) (interface{}, error) {
	call = strings.TrimSpace(call)
	if call == "" {
		return value, nil
	}
	open := strings.Index(call, "(")
	if open < 0 || !strings.HasSuffix(call, ")") {
		return nil, fmt.Errorf("transform: malformed call %q", call)
	}
	name := call[:open]
	arg := strings.TrimSpace(call[open+1 : len(call)-1])

	arr, ok := value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("transform: %s() applied to non-array", name)
	}

	switch name {
	case "sum", "avg", "min", "max":
		xs, err := fieldFloats(arr, arg)
		if err != nil {
			return nil, err
		}
		if len(xs) == 0 {
			return 0.0, nil
		}
		switch name {
		case "sum":
			return aggSum(xs), nil
		case "avg":
			return aggAvg(xs), nil
		case "min":
			return aggMin(xs), nil
		case "max":
			return aggMax(xs), nil
		}
	case "count":
		return int64(len(arr)), nil
	case "map":
		out := make([]interface{}, 0, len(arr))
		for _, el := range arr {
			out = append(out, fieldValue(el, arg))
		}
		return out, nil
	}
	return nil, fmt.Errorf("transform: unknown pipeline call %q", name)
}

func fieldValue(el interface{}, field string) interface{} {
	if field == "" {
		return el
	}
	obj, ok := el.(map[string]interface{})
	if !ok {
		return nil
	}
	return resolvePath(obj, field)
}

func fieldFloats(arr []interface{}, field string) ([]float64, error) {
	out := make([]float64, 0, len(arr))
	for _, el := range arr {
		v := fieldValue(el, field)
		f, ok := toFloat(v)
		if !ok {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}
