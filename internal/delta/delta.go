// Package delta computes minimal field-level differences between two versions
// of an entity's domain fields.
package delta

import (
	"sort"
)

// Change пара значений поля до и после изменения
type Change struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// Delta field -> change. Отсутствующее поле и поле со значением nil считаются одинаковыми.
type Delta map[string]Change

// Diff returns the fields whose values differ between before and after.
// The result does not depend on map iteration order.
func Diff(before, after map[string]any) Delta {
	d := make(Delta)
	for _, name := range unionKeys(before, after) {
		b, a := before[name], after[name]
		if Equal(b, a) {
			continue
		}
		d[name] = Change{Before: b, After: a}
	}
	return d
}

// Empty reports whether the delta contains no changes.
func (d Delta) Empty() bool {
	return len(d) == 0
}

// Fields returns the changed field names in sorted order.
func (d Delta) Fields() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Patch returns the after-values of the changed fields. A nil value means the
// field was cleared. This is what an update sends over the wire.
func (d Delta) Patch() map[string]any {
	patch := make(map[string]any, len(d))
	for name, c := range d {
		patch[name] = c.After
	}
	return patch
}

// Without returns a copy of the delta without the named fields.
func (d Delta) Without(names ...string) Delta {
	skip := make(map[string]struct{}, len(names))
	for _, n := range names {
		skip[n] = struct{}{}
	}
	out := make(Delta, len(d))
	for name, c := range d {
		if _, ok := skip[name]; ok {
			continue
		}
		out[name] = c
	}
	return out
}

// Apply накладывает patch на копию base. nil в patch удаляет поле.
func Apply(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Merge сливает две дельты-патча: значения из next перекрывают prev.
func Merge(prev, next map[string]any) map[string]any {
	out := make(map[string]any, len(prev)+len(next))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range next {
		out[k] = v
	}
	return out
}

// Equal deeply compares two JSON-like values. Numbers are compared by value
// regardless of their Go type, so 3 and 3.0 are equal.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}

	switch va := a.(type) {
	case map[string]any:
		vb, ok := b.(map[string]any)
		if !ok {
			return false
		}
		for _, k := range unionKeys(va, vb) {
			if !Equal(va[k], vb[k]) {
				return false
			}
		}
		return true
	case []any:
		vb, ok := toList(b)
		if !ok || len(va) != len(vb) {
			return false
		}
		for i := range va {
			if !Equal(va[i], vb[i]) {
				return false
			}
		}
		return true
	case []string:
		la, _ := toList(va)
		return Equal(la, b)
	case string:
		vb, ok := b.(string)
		return ok && va == vb
	case bool:
		vb, ok := b.(bool)
		return ok && va == vb
	default:
		return false
	}
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out, true
	}
	return nil, false
}
