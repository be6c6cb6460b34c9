package workflow

import (
	"regexp"
	"sort"
	"strings"
)

// Evaluate dispatches a ConditionExpression by its tag (spec §4.2).
func (e *Evaluator) Evaluate(ctx *ExecutionContext, cond *ConditionExpression) bool {
	if cond == nil {
		return false
	}
	switch cond.Tag {
	case ConditionSimple:
		return e.evaluateSimple(ctx, cond)
	case ConditionCompound:
		return e.evaluateCompound(ctx, cond)
	case ConditionNot:
		return !e.Evaluate(ctx, cond.Inner)
	default:
		return false
	}
}

func (e *Evaluator) evaluateCompound(ctx *ExecutionContext, cond *ConditionExpression) bool {
	switch cond.CompoundOp {
	case CompoundAnd:
		for _, c := range cond.Conditions {
			if !e.Evaluate(ctx, c) {
				return false
			}
		}
		return true
	case CompoundOr:
		for _, c := range cond.Conditions {
			if e.Evaluate(ctx, c) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (e *Evaluator) evaluateSimple(ctx *ExecutionContext, cond *ConditionExpression) bool {
	left := e.resolveConditionLeft(ctx, cond.Left)

	switch cond.Operator {
	case OpExists:
		return left != nil && !isUnresolved(left)
	case OpNotExists:
		return left == nil || isUnresolved(left)
	case OpIn:
		return membershipMatch(left, cond.Right)
	case OpNotIn:
		arr, ok := cond.Right.([]interface{})
		if !ok {
			return true
		}
		return !membershipMatch(left, arr)
	case OpRegex:
		pattern, ok := asString(cond.Right)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		s, ok := asString(left)
		if !ok {
			return false
		}
		return re.MatchString(s)
	case OpContains:
		return containsMatch(left, cond.Right)
	case OpStartsWith:
		ls, lok := asString(left)
		rs, rok := asString(cond.Right)
		return lok && rok && strings.HasPrefix(ls, rs)
	case OpEndsWith:
		ls, lok := asString(left)
		rs, rok := asString(cond.Right)
		return lok && rok && strings.HasSuffix(ls, rs)
	case OpEq:
		return compareValues(left, cond.Right) == 0
	case OpNeq:
		return compareValues(left, cond.Right) != 0
	case OpGt:
		return numericCompareOK(left, cond.Right) && compareValues(left, cond.Right) > 0
	case OpGte:
		return numericCompareOK(left, cond.Right) && compareValues(left, cond.Right) >= 0
	case OpLt:
		return numericCompareOK(left, cond.Right) && compareValues(left, cond.Right) < 0
	case OpLte:
		return numericCompareOK(left, cond.Right) && compareValues(left, cond.Right) <= 0
	default:
		return false
	}
}

// resolveConditionLeft resolves cond.Left the way any other expression
// resolves: `$.path`, `{{...}}`, or a literal path shorthand without the
// `$.` prefix (condition authors commonly omit it).
func (e *Evaluator) resolveConditionLeft(ctx *ExecutionContext, left string) interface{} {
	trimmed := strings.TrimSpace(left)
	if strings.HasPrefix(trimmed, "$.") || strings.HasPrefix(trimmed, "{{") || strings.HasPrefix(trimmed, "steps.") || strings.HasPrefix(trimmed, "input") || strings.HasPrefix(trimmed, "env.") {
		return e.resolveString(ctx, trimmed)
	}
	return e.ResolveVariablePath(ctx, trimmed)
}

func membershipMatch(left interface{}, right interface{}) bool {
	arr, ok := right.([]interface{})
	if !ok {
		return false
	}
	for _, v := range arr {
		if valuesEqual(left, v) {
			return true
		}
	}
	return false
}

func containsMatch(left, right interface{}) bool {
	switch l := left.(type) {
	case string:
		rs, ok := asString(right)
		return ok && strings.Contains(l, rs)
	case []interface{}:
		for _, v := range l {
			if valuesEqual(v, right) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func numericCompareOK(left, right interface{}) bool {
	_, lok := toFloat(left)
	_, rok := toFloat(right)
	return lok && rok
}

// compareValues returns -1/0/1. Numeric operands compare numerically;
// everything else compares as strings.
func compareValues(left, right interface{}) int {
	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			switch {
			case lf < rf:
				return -1
			case lf > rf:
				return 1
			default:
				return 0
			}
		}
	}
	if lb, ok := left.(bool); ok {
		if rb, ok := right.(bool); ok {
			if lb == rb {
				return 0
			}
			if !lb && rb {
				return -1
			}
			return 1
		}
	}
	ls := stringifyForSplice(left)
	rs := stringifyForSplice(right)
	return strings.Compare(ls, rs)
}

// FindMatchingTransition implements spec §4.2's findMatchingTransition:
// sort ascending by priority (missing = +inf), first conditioned match wins,
// unconditioned non-default transitions match unconditionally, falling back
// to the isDefault transition if nothing else matched.
func (e *Evaluator) FindMatchingTransition(ctx *ExecutionContext, transitions []TransitionRule) (string, bool) {
	ordered := make([]TransitionRule, len(transitions))
	copy(ordered, transitions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return priorityOf(ordered[i]) < priorityOf(ordered[j])
	})

	var defaultTarget string
	haveDefault := false
	for _, t := range ordered {
		if t.IsDefault {
			if !haveDefault {
				defaultTarget = t.TargetStepID
				haveDefault = true
			}
			continue
		}
		if t.Condition != nil {
			if e.Evaluate(ctx, t.Condition) {
				return t.TargetStepID, true
			}
			continue
		}
		// unconditioned, non-default: unconditional fallthrough match
		return t.TargetStepID, true
	}
	if haveDefault {
		return defaultTarget, true
	}
	return "", false
}

func priorityOf(t TransitionRule) int {
	if t.Priority == nil {
		return int(^uint(0) >> 1) // max int, "missing = +inf"
	}
	return *t.Priority
}
