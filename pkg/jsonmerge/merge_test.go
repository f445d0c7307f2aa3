package jsonmerge_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/mnemohq/mnemo/pkg/jsonmerge"
)

func doc(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("bad test document: %v", err)
	}
	return m
}

func TestMerge_nestedObjectsMergeFieldwise(t *testing.T) {
	base := doc(t, `{"name":"Alice","address":{"city":"Oslo","zip":"0150"}}`)
	patch := doc(t, `{"address":{"city":"Bergen"}}`)

	got := jsonmerge.Merge(base, patch)

	addr := got["address"].(map[string]any)
	if addr["city"] != "Bergen" {
		t.Errorf("city: got %v, want Bergen", addr["city"])
	}
	if addr["zip"] != "0150" {
		t.Errorf("zip should survive a partial patch, got %v", addr["zip"])
	}
	if got["name"] != "Alice" {
		t.Errorf("untouched field changed: %v", got["name"])
	}
}

func TestMerge_arraysReplaceWholesale(t *testing.T) {
	base := doc(t, `{"tags":["a","b","c"]}`)
	patch := doc(t, `{"tags":["x"]}`)

	got := jsonmerge.Merge(base, patch)

	tags := got["tags"].([]any)
	if len(tags) != 1 || tags[0] != "x" {
		t.Errorf("arrays must replace, got %v", tags)
	}
}

func TestMerge_nullDeletesField(t *testing.T) {
	base := doc(t, `{"name":"Alice","nickname":"Al"}`)
	patch := doc(t, `{"nickname":null}`)

	got := jsonmerge.Merge(base, patch)

	if _, ok := got["nickname"]; ok {
		t.Error("null patch value should delete the field")
	}
}

func TestMerge_doesNotMutateInputs(t *testing.T) {
	base := doc(t, `{"a":{"b":1}}`)
	patch := doc(t, `{"a":{"c":2}}`)

	_ = jsonmerge.Merge(base, patch)

	if _, ok := base["a"].(map[string]any)["c"]; ok {
		t.Error("Merge mutated base document")
	}
}

func TestDiff_dottedPaths(t *testing.T) {
	oldDoc := doc(t, `{"name":"Alice","address":{"city":"Oslo","zip":"0150"},"tags":["a"]}`)
	newDoc := doc(t, `{"name":"Alice","address":{"city":"Bergen","zip":"0150"},"tags":["a","b"]}`)

	got := jsonmerge.Diff(oldDoc, newDoc)
	want := []string{"address.city", "tags"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Diff: got %v, want %v", got, want)
	}
}

func TestDiff_addedAndRemovedFields(t *testing.T) {
	oldDoc := doc(t, `{"a":1,"gone":"x"}`)
	newDoc := doc(t, `{"a":1,"added":true}`)

	got := jsonmerge.Diff(oldDoc, newDoc)
	want := []string{"added", "gone"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Diff: got %v, want %v", got, want)
	}
}

func TestDiff_identicalDocsEmpty(t *testing.T) {
	d := doc(t, `{"a":{"b":[1,2,3]}}`)
	if got := jsonmerge.Diff(d, d); len(got) != 0 {
		t.Errorf("Diff of identical docs: got %v, want empty", got)
	}
}

func TestLookup(t *testing.T) {
	d := doc(t, `{"address":{"city":"Oslo"},"n":3}`)

	if v, ok := jsonmerge.Lookup(d, "address.city"); !ok || v != "Oslo" {
		t.Errorf("Lookup(address.city): got %v %v", v, ok)
	}
	if _, ok := jsonmerge.Lookup(d, "address.street"); ok {
		t.Error("Lookup of missing path should report not found")
	}
	if _, ok := jsonmerge.Lookup(d, "n.x"); ok {
		t.Error("Lookup through a scalar should report not found")
	}
}
