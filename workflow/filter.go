package workflow

import "strings"

// EvaluateEventFilter implements spec §4.5's simplified single-comparison
// filter grammar: "path op value" with op in {==, !=, >, <, >=, <=}. Parse
// failures default to a match (the spec's documented "log and match"
// behavior for the hot event path).
func EvaluateEventFilter(data map[string]interface{}, filter string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return true
	}
	op, opLen := detectFilterOperator(filter)
	if op == "" {
		return true
	}
	idx := strings.Index(filter, op)
	left := strings.TrimSpace(filter[:idx])
	rightTok := strings.TrimSpace(filter[idx+opLen:])

	leftVal := resolvePath(data, strings.TrimPrefix(strings.TrimPrefix(left, "$."), "$"))
	if isUnresolved(leftVal) {
		return true
	}
	rightVal := parseFilterLiteral(rightTok)

	switch op {
	case "==":
		return compareValues(leftVal, rightVal) == 0
	case "!=":
		return compareValues(leftVal, rightVal) != 0
	case ">=":
		return numericCompareOK(leftVal, rightVal) && compareValues(leftVal, rightVal) >= 0
	case "<=":
		return numericCompareOK(leftVal, rightVal) && compareValues(leftVal, rightVal) <= 0
	case ">":
		return numericCompareOK(leftVal, rightVal) && compareValues(leftVal, rightVal) > 0
	case "<":
		return numericCompareOK(leftVal, rightVal) && compareValues(leftVal, rightVal) < 0
	default:
		return true
	}
}

// detectFilterOperator finds the first of the multi-char operators before
// falling back to the single-char ones, so ">=" isn't mis-split as ">" "=".
func detectFilterOperator(filter string) (string, int) {
	for _, op := range []string{"==", "!=", ">=", "<="} {
		if strings.Contains(filter, op) {
			return op, len(op)
		}
	}
	for _, op := range []string{">", "<"} {
		if strings.Contains(filter, op) {
			return op, len(op)
		}
	}
	return "", 0
}

func parseFilterLiteral(tok string) interface{} {
	e := NewEvaluator(nil)
	return e.parseArgLiteral(NewExecutionContextEmpty(), tok)
}

// NewExecutionContextEmpty builds an empty ExecutionContext, used where a
// literal parse needs an evaluator context but has no real one (filter
// literals never reference $.variables).
func NewExecutionContextEmpty() *ExecutionContext {
	return NewExecutionContext(nil, nil, nil, nil)
}
