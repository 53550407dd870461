package node

import "reflect"

// DeepEqual is the change-detection equality rule used across the runtime:
// the gate before plain attribute notifications, the slot replacement
// check, and link verification.
//
// Nodes compare by identity (two distinct nodes are never equal, however
// similar their attributes). Maps compare by key and value recursively; Go
// maps carry no order, so the comparison is unordered. Slices compare
// element-wise in order. Everything else falls back to reflect.DeepEqual.
func DeepEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	if an, ok := a.(Noder); ok {
		bn, ok := b.(Noder)
		return ok && an.AsNode() == bn.AsNode()
	}
	if _, ok := b.(Noder); ok {
		return false
	}

	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !DeepEqual(x, y) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !DeepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(a, b)
}

// identical reports pointer-level identity for dedup and membership diffs.
// Non-comparable values (maps, slices, funcs) are never identical to
// anything, so they cannot be collapsed.
func identical(a, b any) bool {
	if !isComparable(a) || !isComparable(b) {
		return false
	}
	return a == b
}

func isComparable(v any) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).Comparable()
}
