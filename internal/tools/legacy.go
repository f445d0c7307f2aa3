package tools

// Legacy tool names from before the facade collapse. Translation is a pure
// argument rewrite; the facade tool then runs exactly as if called
// directly, consent checks included. The transport gates whether
// translation happens at all.

// TranslateLegacy rewrites a retired tool name and its arguments into the
// equivalent facade call. ok is false for names that were never ours, which
// the transport reports as UNKNOWN_TOOL.
func TranslateLegacy(name string, args map[string]any) (string, map[string]any, bool) {
	if args == nil {
		args = map[string]any{}
	}
	switch name {
	case "get_user_context":
		return "recall", map[string]any{"mode": ModeContext}, true
	case "list_tables":
		return "recall", map[string]any{"mode": ModeTable}, true
	case "search_memory":
		return "recall", map[string]any{
			"mode":  ModeKnowledge,
			"topic": strArg(args, "topic", "query", "text"),
		}, true
	case "query_table":
		return "recall", map[string]any{
			"mode":   ModeTable,
			"table":  strArg(args, "table", "name"),
			"budget": args["limit"],
			"offset": args["offset"],
		}, true
	case "query_graph":
		return "recall", map[string]any{
			"mode":  ModeKnowledge,
			"topic": strArg(args, "query", "entity", "topic"),
		}, true
	case "save_memory":
		return "memorize", map[string]any{
			"text": strArg(args, "text", "content", "memory"),
			"data": mapArg(args, "metadata", "data"),
		}, true
	case "update_profile":
		return "memorize", map[string]any{
			"category": categoryProfile,
			"text":     strArg(args, "text"),
			"data":     mapArg(args, "data", "profile", "fields"),
		}, true
	case "add_record":
		return "memorize", map[string]any{
			"category": strArg(args, "table", "name"),
			"text":     strArg(args, "text", "description"),
			"data":     mapArg(args, "data", "record", "fields"),
		}, true
	case "review_memories":
		return "review", map[string]any{"action": "list"}, true
	default:
		return "", nil, false
	}
}

// strArg returns the first of keys present as a non-empty string.
func strArg(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// mapArg returns the first of keys present as an object.
func mapArg(args map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if v, ok := args[k].(map[string]any); ok && len(v) > 0 {
			return v
		}
	}
	return nil
}
