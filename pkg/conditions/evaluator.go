// Package conditions evaluates nested AND/OR rule trees against semi-structured records.
package conditions

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dukex/nurture/pkg/models"
	"github.com/jonboulle/clockwork"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Evaluator is safe for concurrent use. The clock is only read by within_days.
type Evaluator struct {
	clock   clockwork.Clock
	regexes sync.Map
}

func NewEvaluator(clock clockwork.Clock) *Evaluator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Evaluator{clock: clock}
}

// Evaluate reports whether record satisfies group. A nil or empty group matches.
// The record is never mutated.
func (e *Evaluator) Evaluate(group *models.ConditionGroup, record map[string]any) bool {
	if group.IsEmpty() {
		return true
	}

	if group.Logic == models.LogicOr {
		return slices.ContainsFunc(group.Items, func(item models.Rule) bool {
			return e.Match(item, record)
		})
	}

	for _, item := range group.Items {
		if !e.Match(item, record) {
			return false
		}
	}

	return true
}

// Match evaluates one rule, leaf or group.
func (e *Evaluator) Match(rule models.Rule, record map[string]any) bool {
	switch r := rule.(type) {
	case *models.ConditionGroup:
		return e.Evaluate(r, record)
	case *models.Condition:
		return e.condition(r, record)
	default:
		return false
	}
}

func (e *Evaluator) condition(c *models.Condition, record map[string]any) bool {
	actual, found := Resolve(record, c.Field)

	switch c.Operator {
	case models.OperatorEquals:
		return found && equal(actual, c.Value) || !found && c.Value == nil
	case models.OperatorNotEquals:
		return !(found && equal(actual, c.Value) || !found && c.Value == nil)
	case models.OperatorContains:
		return found && contains(actual, c.Value)
	case models.OperatorNotContains:
		return !found || !contains(actual, c.Value)
	case models.OperatorGreaterThan:
		return found && compare(actual, c.Value, func(a, b float64) bool { return a > b })
	case models.OperatorLessThan:
		return found && compare(actual, c.Value, func(a, b float64) bool { return a < b })
	case models.OperatorIn:
		return found && in(actual, c.Value)
	case models.OperatorNotIn:
		return !found || !in(actual, c.Value)
	case models.OperatorExists:
		return found && actual != nil
	case models.OperatorNotExists:
		return !found || actual == nil
	case models.OperatorRegex:
		return found && e.regex(actual, c.Value)
	case models.OperatorBefore:
		return found && compareTime(actual, c.Value, func(a, b time.Time) bool { return a.Before(b) })
	case models.OperatorAfter:
		return found && compareTime(actual, c.Value, func(a, b time.Time) bool { return a.After(b) })
	case models.OperatorWithinDays:
		return found && e.withinDays(actual, c.Value)
	default:
		return false
	}
}

func (e *Evaluator) regex(actual, pattern any) bool {
	source := toString(pattern)

	cached, ok := e.regexes.Load(source)
	if !ok {
		re, err := regexp.Compile("(?i)" + source)
		if err != nil {
			cached = (*regexp.Regexp)(nil)
		} else {
			cached = re
		}

		e.regexes.Store(source, cached)
	}

	re, _ := cached.(*regexp.Regexp)
	if re == nil {
		return false
	}

	return re.MatchString(toString(actual))
}

func (e *Evaluator) withinDays(actual, value any) bool {
	days, ok := toNumber(value)
	if !ok || days < 0 {
		return false
	}

	at, ok := toTime(actual)
	if !ok {
		return false
	}

	now := e.clock.Now()
	since := now.Add(-time.Duration(days * float64(24*time.Hour)))

	return !at.Before(since) && !at.After(now)
}

// Resolve walks a dotted path through nested maps and slices. An exact key match on the
// top level wins over walking, so flattened records keep working.
func Resolve(record map[string]any, path string) (any, bool) {
	if record == nil || path == "" {
		return nil, false
	}

	if v, ok := record[path]; ok {
		return v, true
	}

	var current any = record

	for _, part := range strings.Split(path, ".") {
		next, ok := step(current, part)
		if !ok {
			return nil, false
		}

		current = next
	}

	return current, true
}

func step(current any, key string) (any, bool) {
	switch node := current.(type) {
	case map[string]any:
		v, ok := node[key]
		return v, ok
	case map[string]string:
		v, ok := node[key]
		return v, ok
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(node) {
			return nil, false
		}

		return node[idx], true
	case []string:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(node) {
			return nil, false
		}

		return node[idx], true
	default:
		return nil, false
	}
}

func fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func toNumber(v any) (float64, bool) {
	var f float64

	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint64:
		f = float64(t)
	case bool:
		if t {
			f = 1
		}
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}

		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) {
		return 0, false
	}

	return f, true
}

func isNumeric(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, uint, uint64:
		return true
	default:
		return false
	}
}

func equal(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}

	if isNumeric(actual) || isNumeric(expected) {
		a, okA := toNumber(actual)
		b, okB := toNumber(expected)

		if okA && okB {
			return a == b
		}
	}

	if ab, ok := actual.(bool); ok {
		if eb, ok := expected.(bool); ok {
			return ab == eb
		}
	}

	return fold(toString(actual)) == fold(toString(expected))
}

func contains(actual, expected any) bool {
	if items, ok := asSlice(actual); ok {
		return slices.ContainsFunc(items, func(item any) bool {
			return equal(item, expected)
		})
	}

	return strings.Contains(fold(toString(actual)), fold(toString(expected)))
}

func in(actual, set any) bool {
	members, ok := asSlice(set)
	if !ok {
		members = []any{set}
	}

	if values, ok := asSlice(actual); ok {
		return slices.ContainsFunc(values, func(v any) bool {
			return in(v, members)
		})
	}

	return slices.ContainsFunc(members, func(member any) bool {
		return equal(actual, member)
	})
}

func asSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}

		return out, true
	case nil, string, []byte:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}

	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}

	return out, true
}

func compare(actual, expected any, cmp func(a, b float64) bool) bool {
	a, ok := toNumber(actual)
	if !ok {
		return false
	}

	b, ok := toNumber(expected)
	if !ok {
		return false
	}

	return cmp(a, b)
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}

		return *t, true
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed, true
			}
		}

		return time.Time{}, false
	}

	if n, ok := toNumber(v); ok && isNumeric(v) {
		return time.UnixMilli(int64(n)).UTC(), true
	}

	return time.Time{}, false
}

func compareTime(actual, expected any, cmp func(a, b time.Time) bool) bool {
	a, ok := toTime(actual)
	if !ok {
		return false
	}

	b, ok := toTime(expected)
	if !ok {
		return false
	}

	return cmp(a, b)
}
