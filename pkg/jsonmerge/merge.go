// Package jsonmerge implements the deep-merge and change-detection semantics
// used for versioned profile documents.
//
// Merge rules:
//
//   - nested objects merge field-wise
//   - arrays replace wholesale
//   - scalars replace
//   - an explicit JSON null deletes the field
//
// Changed fields are reported as dotted paths ("address.city", "family"),
// one entry per leaf whose value differs between base and result.
package jsonmerge

import (
	"fmt"
	"reflect"
	"sort"
)

// Merge returns a new document produced by deep-merging patch into base.
// Neither input is mutated.
func Merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		if pv == nil {
			delete(out, k)
			continue
		}
		pm, patchIsObj := pv.(map[string]any)
		bm, baseIsObj := out[k].(map[string]any)
		if patchIsObj && baseIsObj {
			out[k] = Merge(bm, pm)
			continue
		}
		out[k] = pv
	}
	return out
}

// Diff returns the dotted paths at which old and new differ. Paths descend
// into nested objects; arrays and scalars are compared as whole values. The
// result is sorted for deterministic output.
func Diff(oldDoc, newDoc map[string]any) []string {
	paths := map[string]struct{}{}
	diffInto("", oldDoc, newDoc, paths)

	out := make([]string, 0, len(paths))
	for p := range paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func diffInto(prefix string, oldDoc, newDoc map[string]any, acc map[string]struct{}) {
	seen := map[string]struct{}{}
	for k, nv := range newDoc {
		seen[k] = struct{}{}
		path := joinPath(prefix, k)
		ov, had := oldDoc[k]
		if !had {
			acc[path] = struct{}{}
			continue
		}
		om, oldIsObj := ov.(map[string]any)
		nm, newIsObj := nv.(map[string]any)
		if oldIsObj && newIsObj {
			diffInto(path, om, nm, acc)
			continue
		}
		if !valuesEqual(ov, nv) {
			acc[path] = struct{}{}
		}
	}
	for k := range oldDoc {
		if _, ok := seen[k]; !ok {
			acc[joinPath(prefix, k)] = struct{}{}
		}
	}
}

// Lookup resolves a dotted path against a document. The second return is
// false when any segment is missing or a non-object is traversed.
func Lookup(doc map[string]any, path string) (any, bool) {
	cur := any(doc)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		seg := path[start:i]
		start = i + 1
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// valuesEqual compares two decoded JSON values structurally. Numbers decoded
// from JSON are float64, so reflect.DeepEqual is sufficient once both sides
// came through encoding/json.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return fmt.Sprintf("%s.%s", prefix, key)
}
