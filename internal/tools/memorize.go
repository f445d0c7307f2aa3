package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mnemohq/mnemo/internal/ingest"
	"github.com/mnemohq/mnemo/internal/vectors"
)

// MemorizeArgs is the input for the memorize tool. Category routes the
// write; Data carries structured fields when the target wants them.
type MemorizeArgs struct {
	Text     string         `json:"text"`
	Category string         `json:"category,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// MemorizeResult reports where the fact landed and how.
type MemorizeResult struct {
	Success     bool   `json:"success"`
	Category    string `json:"category"`
	WriteID     string `json:"writeId"`
	WriteStatus string `json:"writeStatus"`
	SourceRef   string `json:"sourceRef,omitempty"`
	MetaID      string `json:"metaId,omitempty"`
	Reinforced  bool   `json:"reinforced,omitempty"`
	NeedsReview bool   `json:"needsReview,omitempty"`
}

// Write kinds memorize routes between.
const (
	categoryMemory  = "memory"
	categoryProfile = "profile"
)

// classifyCategory normalizes the routing hint: empty and the memory
// aliases map to the default collection, "profile" targets the identity
// document, anything else names a table.
func classifyCategory(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	switch c {
	case "", categoryMemory, vectors.DefaultCollection:
		return categoryMemory
	case categoryProfile:
		return categoryProfile
	default:
		return c
	}
}

// profilePatch extracts the patch for a profile-bound memorize call. Data
// wins when present; otherwise the text must itself be a JSON object, the
// shape legacy update_profile callers send.
func profilePatch(a MemorizeArgs) (map[string]any, error) {
	if len(a.Data) > 0 {
		return a.Data, nil
	}
	text := strings.TrimSpace(a.Text)
	if strings.HasPrefix(text, "{") {
		var patch map[string]any
		if err := json.Unmarshal([]byte(text), &patch); err == nil && len(patch) > 0 {
			return patch, nil
		}
	}
	return nil, fmt.Errorf("%w: profile writes need a data object of fields to set", ErrInvalidArgs)
}

// Memorize routes one fact through the write pipeline by category.
func (s *Service) Memorize(ctx context.Context, caller Caller, a MemorizeArgs) (*MemorizeResult, error) {
	req := caller.request()
	category := classifyCategory(a.Category)

	var (
		res *ingest.Result
		err error
	)
	switch category {
	case categoryMemory:
		res, err = s.d.Pipeline.MemorizeText(ctx, req, vectors.DefaultCollection, a.Text, a.Data)
	case categoryProfile:
		patch, perr := profilePatch(a)
		if perr != nil {
			return nil, perr
		}
		res, err = s.d.Pipeline.PatchProfile(ctx, req, patch)
	default:
		record := a.Data
		if len(record) == 0 {
			if strings.TrimSpace(a.Text) == "" {
				return nil, fmt.Errorf("%w: table writes need data fields or text", ErrInvalidArgs)
			}
			record = map[string]any{"text": a.Text}
		}
		res, err = s.d.Pipeline.AddTableRow(ctx, req, category, "", record)
	}
	if err != nil {
		return nil, err
	}

	out := &MemorizeResult{
		Success:     true,
		Category:    category,
		WriteID:     res.WriteID.String(),
		WriteStatus: string(res.Status),
		SourceRef:   res.SourceRef,
		Reinforced:  res.Reinforced,
		NeedsReview: res.Escalated,
	}
	if res.MetaID != nil {
		out.MetaID = res.MetaID.String()
	}
	return out, nil
}
