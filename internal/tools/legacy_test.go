package tools

import (
	"reflect"
	"testing"
)

func TestTranslateLegacy(t *testing.T) {
	cases := []struct {
		name     string
		tool     string
		args     map[string]any
		wantTool string
		wantArgs map[string]any
	}{
		{
			name:     "get_user_context",
			tool:     "get_user_context",
			args:     nil,
			wantTool: "recall",
			wantArgs: map[string]any{"mode": ModeContext},
		},
		{
			name:     "list_tables",
			tool:     "list_tables",
			wantTool: "recall",
			wantArgs: map[string]any{"mode": ModeTable},
		},
		{
			name:     "search_memory prefers topic over query",
			tool:     "search_memory",
			args:     map[string]any{"topic": "coffee", "query": "tea"},
			wantTool: "recall",
			wantArgs: map[string]any{"mode": ModeKnowledge, "topic": "coffee"},
		},
		{
			name:     "search_memory falls back to query",
			tool:     "search_memory",
			args:     map[string]any{"query": "tea"},
			wantTool: "recall",
			wantArgs: map[string]any{"mode": ModeKnowledge, "topic": "tea"},
		},
		{
			name:     "query_graph maps to knowledge recall",
			tool:     "query_graph",
			args:     map[string]any{"entity": "jane"},
			wantTool: "recall",
			wantArgs: map[string]any{"mode": ModeKnowledge, "topic": "jane"},
		},
		{
			name:     "save_memory carries content and metadata",
			tool:     "save_memory",
			args:     map[string]any{"content": "likes jazz", "metadata": map[string]any{"mood": "calm"}},
			wantTool: "memorize",
			wantArgs: map[string]any{"text": "likes jazz", "data": map[string]any{"mood": "calm"}},
		},
		{
			name:     "update_profile routes to profile category",
			tool:     "update_profile",
			args:     map[string]any{"profile": map[string]any{"name": "Jane"}},
			wantTool: "memorize",
			wantArgs: map[string]any{"category": "profile", "text": "", "data": map[string]any{"name": "Jane"}},
		},
		{
			name:     "add_record routes to table category",
			tool:     "add_record",
			args:     map[string]any{"table": "workouts", "record": map[string]any{"kind": "run"}},
			wantTool: "memorize",
			wantArgs: map[string]any{"category": "workouts", "text": "", "data": map[string]any{"kind": "run"}},
		},
		{
			name:     "review_memories lists the queue",
			tool:     "review_memories",
			wantTool: "review",
			wantArgs: map[string]any{"action": "list"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotTool, gotArgs, ok := TranslateLegacy(tc.tool, tc.args)
			if !ok {
				t.Fatalf("TranslateLegacy(%q) not recognized", tc.tool)
			}
			if gotTool != tc.wantTool {
				t.Fatalf("tool = %q, want %q", gotTool, tc.wantTool)
			}
			if tc.wantArgs["data"] == nil {
				delete(gotArgs, "data")
				delete(tc.wantArgs, "data")
			}
			if !reflect.DeepEqual(gotArgs, tc.wantArgs) {
				t.Fatalf("args = %#v, want %#v", gotArgs, tc.wantArgs)
			}
		})
	}
}

func TestTranslateLegacyUnknown(t *testing.T) {
	if _, _, ok := TranslateLegacy("delete_everything", nil); ok {
		t.Fatal("unknown legacy name should not translate")
	}
}

func TestTranslateLegacyQueryTablePaging(t *testing.T) {
	name, args, ok := TranslateLegacy("query_table", map[string]any{
		"name": "books", "limit": float64(25), "offset": float64(50),
	})
	if !ok || name != "recall" {
		t.Fatalf("translated to %q ok=%v", name, ok)
	}
	var decoded RecallArgs
	if err := decodeArgs(args, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Mode != ModeTable || decoded.Table != "books" {
		t.Fatalf("decoded %+v", decoded)
	}
	if decoded.Budget != 25 || decoded.Offset != 50 {
		t.Fatalf("paging lost: budget=%d offset=%d", decoded.Budget, decoded.Offset)
	}
}
