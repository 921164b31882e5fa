package storage

import (
	"reflect"
	"regexp"
	"strings"
)

// Matches reports whether obj satisfies query. Both concrete adapters share
// this evaluator so the pipeline sees one set of operator semantics.
func Matches(obj Object, query Query) bool {
	for key, cond := range query {
		if key == "$or" {
			alts, ok := cond.([]any)
			if !ok {
				if qs, ok := cond.([]Query); ok {
					alts = make([]any, len(qs))
					for i, q := range qs {
						alts[i] = q
					}
				} else {
					return false
				}
			}
			matched := false
			for _, alt := range alts {
				if sub, ok := alt.(map[string]any); ok && Matches(obj, sub) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
			continue
		}

		value, present := FieldAtPath(obj, key)
		if !matchField(value, present, cond) {
			return false
		}
	}
	return true
}

func matchField(value any, present bool, cond any) bool {
	if ops, ok := cond.(map[string]any); ok && hasOperator(ops) {
		for op, operand := range ops {
			switch op {
			case "$eq":
				if !valueEqual(value, operand) {
					return false
				}
			case "$ne":
				if valueEqual(value, operand) {
					return false
				}
			case "$in":
				targets, _ := operand.([]any)
				found := false
				for _, t := range targets {
					if valueEqual(value, t) {
						found = true
						break
					}
				}
				if !found {
					return false
				}
			case "$exists":
				want, _ := operand.(bool)
				if present != want {
					return false
				}
			case "$regex":
				pattern, _ := operand.(string)
				if opts, ok := ops["$options"].(string); ok && strings.Contains(opts, "i") {
					pattern = "(?i)" + pattern
				}
				s, ok := value.(string)
				if !ok {
					return false
				}
				re, err := regexp.Compile(pattern)
				if err != nil || !re.MatchString(s) {
					return false
				}
			case "$options":
				// consumed together with $regex
			default:
				return false
			}
		}
		return true
	}

	return valueEqual(value, cond)
}

func hasOperator(m map[string]any) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// valueEqual compares a stored value with a query operand. Arrays match by
// containment, the document-store convention.
func valueEqual(value, operand any) bool {
	if arr, ok := value.([]any); ok {
		if _, operandIsArr := operand.([]any); !operandIsArr {
			for _, item := range arr {
				if valueEqual(item, operand) {
					return true
				}
			}
			return false
		}
	}
	return reflect.DeepEqual(normalize(value), normalize(operand))
}

func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}

// FieldAtPath resolves a possibly dotted path ("authData.github.id") inside obj.
func FieldAtPath(obj Object, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = obj
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// CaseInsensitiveEqual builds the query condition for a case-insensitive
// whole-string match, used by the username and email uniqueness checks.
func CaseInsensitiveEqual(value string) map[string]any {
	return map[string]any{
		"$regex":   "^" + regexp.QuoteMeta(value) + "$",
		"$options": "i",
	}
}
