package workflow

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// unresolved is the sentinel value the evaluator returns for a path or
// template it cannot resolve. It is distinct from nil (a resolved null) per
// spec §4.1/§4.2's `exists`/`notExists` semantics.
type unresolvedType struct{}

var unresolved = unresolvedType{}

func isUnresolved(v interface{}) bool {
	_, ok := v.(unresolvedType)
	return ok
}

var bracketPathSegment = regexp.MustCompile(`^([^\[\]]*)((?:\[\d+\])*)$`)

// resolvePath resolves a `$.a.b[i].c`-style dotted/bracketed path against
// variables. The leading "$." (or bare "$") is stripped by the caller.
func resolvePath(root interface{}, path string) interface{} {
	if path == "" {
		return root
	}
	cur := root
	for _, rawSeg := range strings.Split(path, ".") {
		if rawSeg == "" {
			continue
		}
		m := bracketPathSegment.FindStringSubmatch(rawSeg)
		if m == nil {
			return unresolved
		}
		name, idxPart := m[1], m[2]
		if name != "" {
			obj, ok := cur.(map[string]interface{})
			if !ok {
				return unresolved
			}
			v, ok := obj[name]
			if !ok {
				return unresolved
			}
			cur = v
		}
		for idxPart != "" {
			end := strings.Index(idxPart, "]")
			if end < 0 {
				return unresolved
			}
			idxStr := idxPart[1:end]
			idxPart = idxPart[end+1:]
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				return unresolved
			}
			arr, ok := cur.([]interface{})
			if !ok || idx < 0 || idx >= len(arr) {
				return unresolved
			}
			cur = arr[idx]
		}
	}
	return cur
}

// Evaluator resolves expressions and templates against an ExecutionContext.
type Evaluator struct {
	clock func() time.Time
}

// NewEvaluator builds an Evaluator. clock defaults to time.Now when nil,
// overridable for deterministic tests of `now`/`today`.
func NewEvaluator(clock func() time.Time) *Evaluator {
	if clock == nil {
		clock = time.Now
	}
	return &Evaluator{clock: clock}
}

// ResolveVariablePath resolves a "$.a.b" path against ctx.Variables. Returns
// unresolved (not an error) on any missing segment, per spec §4.1.
func (e *Evaluator) ResolveVariablePath(ctx *ExecutionContext, path string) interface{} {
	path = strings.TrimPrefix(path, "$.")
	path = strings.TrimPrefix(path, "$")
	return resolvePath(ctx.Variables, path)
}

// ResolveValue applies recursive-descent object resolution (spec §4.1):
// strings pass through the template rule, maps/slices recurse, other leaves
// are preserved unchanged.
func (e *Evaluator) ResolveValue(ctx *ExecutionContext, v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return e.resolveString(ctx, t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = e.ResolveValue(ctx, val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = e.ResolveValue(ctx, val)
		}
		return out
	default:
		return v
	}
}

// resolveString implements the `$.path` and `{{ expr }}` primitive forms.
// A lone `{{...}}` preserves the resolved value's type; an embedded
// `{{...}}` inside a larger string is stringified and spliced.
func (e *Evaluator) resolveString(ctx *ExecutionContext, s string) interface{} {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "$.") || trimmed == "$" {
		return e.ResolveVariablePath(ctx, trimmed)
	}

	if lone, ok := loneTemplate(s); ok {
		return e.evalTemplateExpr(ctx, lone)
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start
		b.WriteString(rest[:start])
		inner := rest[start+2 : end]
		val := e.evalTemplateExpr(ctx, strings.TrimSpace(inner))
		b.WriteString(stringifyForSplice(val))
		rest = rest[end+2:]
	}
	return b.String()
}

// loneTemplate reports whether s, once trimmed, is exactly one `{{ ... }}`
// block with nothing else around it.
func loneTemplate(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "{{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := t[2 : len(t)-2]
	if strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

func stringifyForSplice(v interface{}) string {
	if isUnresolved(v) {
		return ""
	}
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// evalTemplateExpr evaluates the contents of a single `{{ ... }}` block:
// steps.<id>[.path], input[.path], env.NAME, $.path, or fn.name(args).
func (e *Evaluator) evalTemplateExpr(ctx *ExecutionContext, expr string) interface{} {
	if expr == "" {
		return unresolved
	}
	switch {
	case strings.HasPrefix(expr, "steps."):
		return resolvePath(ctx.StepOutputs, strings.TrimPrefix(expr, "steps."))
	case strings.HasPrefix(expr, "input"):
		rest := strings.TrimPrefix(expr, "input")
		rest = strings.TrimPrefix(rest, ".")
		return resolvePath(ctx.Input, rest)
	case strings.HasPrefix(expr, "env."):
		name := strings.TrimPrefix(expr, "env.")
		val, ok := ctx.Env[name]
		if !ok {
			return unresolved
		}
		return val
	case strings.HasPrefix(expr, "$."), expr == "$":
		return e.ResolveVariablePath(ctx, expr)
	case strings.HasPrefix(expr, "fn."):
		return e.evalBuiltin(ctx, strings.TrimPrefix(expr, "fn."))
	default:
		return unresolved
	}
}

// evalBuiltin parses "name(arg1, arg2, ...)" and dispatches to a builtin.
// Malformed calls yield unresolved per spec §4.1.
func (e *Evaluator) evalBuiltin(ctx *ExecutionContext, call string) interface{} {
	open := strings.Index(call, "(")
	if open < 0 || !strings.HasSuffix(call, ")") {
		return unresolved
	}
	name := call[:open]
	argsStr := call[open+1 : len(call)-1]
	args := e.parseArgs(ctx, argsStr)
	return e.callBuiltin(name, args)
}

// parseArgs splits a builtin's argument list respecting nested parens and
// quoted strings, then resolves each argument: numbers/booleans/null as
// literals, `$.x` paths recursively resolved, everything else as a string.
func (e *Evaluator) parseArgs(ctx *ExecutionContext, s string) []interface{} {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var parts []string
	depth := 0
	var quote rune
	start := 0
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			depth--
		case r == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])

	out := make([]interface{}, 0, len(parts))
	for _, p := range parts {
		out = append(out, e.parseArgLiteral(ctx, strings.TrimSpace(p)))
	}
	return out
}

func (e *Evaluator) parseArgLiteral(ctx *ExecutionContext, tok string) interface{} {
	switch tok {
	case "true":
		return true
	case "false":
		return false
	case "null", "":
		return nil
	}
	if len(tok) >= 2 {
		if (tok[0] == '\'' && tok[len(tok)-1] == '\'') || (tok[0] == '"' && tok[len(tok)-1] == '"') {
			return tok[1 : len(tok)-1]
		}
	}
	if n, err := strconv.ParseFloat(tok, 64); err == nil {
		return n
	}
	if strings.HasPrefix(tok, "$.") || tok == "$" {
		return e.ResolveVariablePath(ctx, tok)
	}
	if strings.Contains(tok, "(") {
		return e.evalTemplateExpr(ctx, "fn."+tok)
	}
	return tok
}

func (e *Evaluator) callBuiltin(name string, args []interface{}) interface{} {
	switch name {
	case "now":
		return e.clock()
	case "today":
		return e.clock().Truncate(24 * time.Hour)
	case "dateAdd":
		return builtinDateAdd(args)
	case "dateDiff":
		return builtinDateDiff(args)
	case "formatDate":
		return builtinFormatDate(args)
	case "uuid":
		return uuid.NewString()
	case "randomInt":
		return builtinRandomInt(args)
	case "upper":
		return applyString(args, strings.ToUpper)
	case "lower":
		return applyString(args, strings.ToLower)
	case "trim":
		return applyString(args, strings.TrimSpace)
	case "split":
		return builtinSplit(args)
	case "join":
		return builtinJoin(args)
	case "concat":
		return builtinConcat(args)
	case "substring":
		return builtinSubstring(args)
	case "replace":
		return builtinReplace(args)
	case "startsWith":
		return builtinTwoStringPred(args, strings.HasPrefix)
	case "endsWith":
		return builtinTwoStringPred(args, strings.HasSuffix)
	case "contains":
		return builtinContains(args)
	case "length":
		return builtinLength(args)
	case "sum":
		return builtinAggregate(args, aggSum)
	case "avg":
		return builtinAggregate(args, aggAvg)
	case "min":
		return builtinAggregate(args, aggMin)
	case "max":
		return builtinAggregate(args, aggMax)
	case "count":
		return builtinCount(args)
	case "round":
		return builtinRound(args)
	case "abs":
		return builtinAbs(args)
	case "default":
		return builtinDefault(args)
	case "coalesce":
		return builtinCoalesce(args)
	case "ifThen":
		return builtinIfThen(args)
	case "isNull":
		return len(args) > 0 && args[0] == nil
	case "isNotNull":
		return len(args) > 0 && args[0] != nil && !isUnresolved(args[0])
	case "isEmpty":
		return builtinIsEmpty(args)
	case "stringify":
		return builtinStringify(args)
	case "parse":
		return builtinParse(args)
	case "toNumber":
		return builtinToNumber(args)
	case "toString":
		return builtinToString(args)
	case "toBoolean":
		return builtinToBoolean(args)
	default:
		return unresolved
	}
}

var randSource = rand.New(rand.NewSource(1))

func builtinRandomInt(args []interface{}) interface{} {
	if len(args) < 2 {
		return unresolved
	}
	min, ok1 := toFloat(args[0])
	max, ok2 := toFloat(args[1])
	if !ok1 || !ok2 || max < min {
		return unresolved
	}
	span := int64(max) - int64(min) + 1
	if span <= 0 {
		return int64(min)
	}
	return int64(min) + randSource.Int63n(span)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func applyString(args []interface{}, fn func(string) string) interface{} {
	if len(args) < 1 {
		return unresolved
	}
	s, ok := asString(args[0])
	if !ok {
		return unresolved
	}
	return fn(s)
}

func builtinSplit(args []interface{}) interface{} {
	if len(args) < 2 {
		return unresolved
	}
	s, ok1 := asString(args[0])
	sep, ok2 := asString(args[1])
	if !ok1 || !ok2 {
		return unresolved
	}
	parts := strings.Split(s, sep)
	out := make([]interface{}, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}

func builtinJoin(args []interface{}) interface{} {
	if len(args) < 2 {
		return unresolved
	}
	arr, ok := args[0].([]interface{})
	sep, ok2 := asString(args[1])
	if !ok || !ok2 {
		return unresolved
	}
	parts := make([]string, len(arr))
	for i, v := range arr {
		parts[i] = stringifyForSplice(v)
	}
	return strings.Join(parts, sep)
}

func builtinConcat(args []interface{}) interface{} {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(stringifyForSplice(a))
	}
	return b.String()
}

func builtinSubstring(args []interface{}) interface{} {
	if len(args) < 2 {
		return unresolved
	}
	s, ok := asString(args[0])
	start, ok2 := toFloat(args[1])
	if !ok || !ok2 {
		return unresolved
	}
	runes := []rune(s)
	si := clampIndex(int(start), len(runes))
	ei := len(runes)
	if len(args) >= 3 {
		end, ok3 := toFloat(args[2])
		if !ok3 {
			return unresolved
		}
		ei = clampIndex(int(end), len(runes))
	}
	if ei < si {
		ei = si
	}
	return string(runes[si:ei])
}

func clampIndex(i, n int) int {
	if i < 0 {
		i = 0
	}
	if i > n {
		i = n
	}
	return i
}

func builtinReplace(args []interface{}) interface{} {
	if len(args) < 3 {
		return unresolved
	}
	s, ok1 := asString(args[0])
	old, ok2 := asString(args[1])
	new_, ok3 := asString(args[2])
	if !ok1 || !ok2 || !ok3 {
		return unresolved
	}
	return strings.ReplaceAll(s, old, new_)
}

func builtinTwoStringPred(args []interface{}, fn func(s, prefix string) bool) interface{} {
	if len(args) < 2 {
		return unresolved
	}
	s, ok1 := asString(args[0])
	t, ok2 := asString(args[1])
	if !ok1 || !ok2 {
		return unresolved
	}
	return fn(s, t)
}

func builtinContains(args []interface{}) interface{} {
	if len(args) < 2 {
		return unresolved
	}
	switch haystack := args[0].(type) {
	case string:
		needle, ok := asString(args[1])
		if !ok {
			return unresolved
		}
		return strings.Contains(haystack, needle)
	case []interface{}:
		for _, v := range haystack {
			if valuesEqual(v, args[1]) {
				return true
			}
		}
		return false
	default:
		return unresolved
	}
}

func builtinLength(args []interface{}) interface{} {
	if len(args) < 1 {
		return unresolved
	}
	switch v := args[0].(type) {
	case string:
		return int64(len([]rune(v)))
	case []interface{}:
		return int64(len(v))
	case map[string]interface{}:
		return int64(len(v))
	default:
		return unresolved
	}
}

func toFloatSlice(v interface{}) ([]float64, bool) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, len(arr))
	for _, e := range arr {
		f, ok := toFloat(e)
		if !ok {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

func aggSum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func aggAvg(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return aggSum(xs) / float64(len(xs))
}

func aggMin(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func aggMax(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func builtinAggregate(args []interface{}, fn func([]float64) float64) interface{} {
	if len(args) < 1 {
		return unresolved
	}
	// one array argument, or the numbers themselves: sum([1, 2]) or sum(1, 2)
	list := args[0]
	if _, isArr := list.([]interface{}); !isArr {
		list = args
	}
	xs, ok := toFloatSlice(list)
	if !ok || len(xs) == 0 {
		return unresolved
	}
	return fn(xs)
}

func builtinCount(args []interface{}) interface{} {
	if len(args) < 1 {
		return unresolved
	}
	arr, ok := args[0].([]interface{})
	if !ok {
		return unresolved
	}
	return int64(len(arr))
}

func builtinRound(args []interface{}) interface{} {
	if len(args) < 1 {
		return unresolved
	}
	f, ok := toFloat(args[0])
	if !ok {
		return unresolved
	}
	precision := 0
	if len(args) >= 2 {
		p, ok := toFloat(args[1])
		if ok {
			precision = int(p)
		}
	}
	mult := 1.0
	for i := 0; i < precision; i++ {
		mult *= 10
	}
	r := float64(int64(f*mult+sign(f)*0.5)) / mult
	return r
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}

func builtinAbs(args []interface{}) interface{} {
	if len(args) < 1 {
		return unresolved
	}
	f, ok := toFloat(args[0])
	if !ok {
		return unresolved
	}
	if f < 0 {
		return -f
	}
	return f
}

func builtinDefault(args []interface{}) interface{} {
	if len(args) < 2 {
		return unresolved
	}
	if args[0] == nil || isUnresolved(args[0]) {
		return args[1]
	}
	return args[0]
}

func builtinCoalesce(args []interface{}) interface{} {
	for _, a := range args {
		if a != nil && !isUnresolved(a) {
			return a
		}
	}
	return unresolved
}

func builtinIfThen(args []interface{}) interface{} {
	if len(args) < 3 {
		return unresolved
	}
	cond, ok := args[0].(bool)
	if !ok {
		return unresolved
	}
	if cond {
		return args[1]
	}
	return args[2]
}

func builtinIsEmpty(args []interface{}) interface{} {
	if len(args) < 1 {
		return unresolved
	}
	switch v := args[0].(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []interface{}:
		return len(v) == 0
	case map[string]interface{}:
		return len(v) == 0
	default:
		return false
	}
}

func builtinStringify(args []interface{}) interface{} {
	if len(args) < 1 {
		return unresolved
	}
	return toJSONString(args[0])
}

func builtinParse(args []interface{}) interface{} {
	if len(args) < 1 {
		return unresolved
	}
	s, ok := asString(args[0])
	if !ok {
		return unresolved
	}
	v, err := fromJSONString(s)
	if err != nil {
		return unresolved
	}
	return v
}

func builtinToNumber(args []interface{}) interface{} {
	if len(args) < 1 {
		return unresolved
	}
	f, ok := toFloat(args[0])
	if !ok {
		return unresolved
	}
	return f
}

func builtinToString(args []interface{}) interface{} {
	if len(args) < 1 {
		return unresolved
	}
	return stringifyForSplice(args[0])
}

func builtinToBoolean(args []interface{}) interface{} {
	if len(args) < 1 {
		return unresolved
	}
	switch v := args[0].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return unresolved
		}
		return b
	case float64:
		return v != 0
	default:
		return unresolved
	}
}

func builtinDateAdd(args []interface{}) interface{} {
	if len(args) < 2 {
		return unresolved
	}
	t, ok := toTime(args[0])
	n, ok2 := toFloat(args[1])
	if !ok || !ok2 {
		return unresolved
	}
	unit := "days"
	if len(args) >= 3 {
		if u, ok := asString(args[2]); ok {
			unit = u
		}
	}
	switch unit {
	case "days":
		return t.AddDate(0, 0, int(n))
	case "hours":
		return t.Add(time.Duration(n) * time.Hour)
	case "minutes":
		return t.Add(time.Duration(n) * time.Minute)
	default:
		return unresolved
	}
}

func builtinDateDiff(args []interface{}) interface{} {
	if len(args) < 2 {
		return unresolved
	}
	a, ok1 := toTime(args[0])
	b, ok2 := toTime(args[1])
	if !ok1 || !ok2 {
		return unresolved
	}
	unit := "days"
	if len(args) >= 3 {
		if u, ok := asString(args[2]); ok {
			unit = u
		}
	}
	d := a.Sub(b)
	switch unit {
	case "days":
		return d.Hours() / 24
	case "hours":
		return d.Hours()
	case "minutes":
		return d.Minutes()
	default:
		return unresolved
	}
}

func builtinFormatDate(args []interface{}) interface{} {
	if len(args) < 2 {
		return unresolved
	}
	t, ok := toTime(args[0])
	pattern, ok2 := asString(args[1])
	if !ok || !ok2 {
		return unresolved
	}
	return t.Format(goLayoutFromPattern(pattern))
}

// goLayoutFromPattern translates a handful of common strftime/moment-style
// tokens into Go's reference-time layout; unrecognized patterns pass through
// unchanged (callers then get a literal, which is the safest failure mode).
func goLayoutFromPattern(pattern string) string {
	replacer := strings.NewReplacer(
		"YYYY", "2006", "MM", "01", "DD", "02",
		"HH", "15", "mm", "04", "ss", "05",
	)
	return replacer.Replace(pattern)
}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

func valuesEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
