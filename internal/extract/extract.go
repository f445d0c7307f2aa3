// Package extract pulls graph candidates out of free-form memory text.
//
// The default extractor is rule-based: a fixed set of patterns that catch
// the first-person statements agents most often memorize (preferences,
// relationships, places, workplaces). LLM-backed extraction plugs in behind
// the same interface. The extractor only proposes; the enrichment consumer
// decides what lands in the graph and under which provenance.
package extract

import (
	"context"
	"regexp"
	"strings"
)

// SelfName is the canonical node standing in for the tenant's user in
// first-person statements. Extraction anchors "I ..." edges to it.
const SelfName = "me"

// Entity is one proposed node.
type Entity struct {
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Confidence float64        `json:"confidence"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Relation is one proposed edge between two proposed entities, identified by
// (type, name) pairs rather than ids since nothing is persisted yet.
type Relation struct {
	SourceType string  `json:"source_type"`
	SourceName string  `json:"source_name"`
	Relation   string  `json:"relation"`
	TargetType string  `json:"target_type"`
	TargetName string  `json:"target_name"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
}

// Result is everything one text yielded.
type Result struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// Extractor proposes graph candidates for a memory text.
type Extractor interface {
	Extract(ctx context.Context, text string) (*Result, error)
}

// RuleBased is the dependency-free extractor.
type RuleBased struct{}

// NewRuleBased returns the default extractor.
func NewRuleBased() *RuleBased { return &RuleBased{} }

var (
	// "I like sushi", "i really love hiking in the Alps"
	rePreference = regexp.MustCompile(`(?i)\bI\s+(?:really\s+|absolutely\s+)?(like|love|enjoy|prefer|hate|dislike)\s+([A-Za-z][A-Za-z0-9' -]{1,60}?)(?:\s+(?:in|at|on|with)\s+|[.,;:!?]|$)`)
	// "I live in Lisbon", "I stay in New York"
	reSelfPlace = regexp.MustCompile(`(?i)\bI\s+(?:live|stay)\s+in\s+([A-Z][A-Za-z' -]{1,60}?)(?:[.,;:!?]|$)`)
	// "I visited Kyoto", "I went to Berlin"
	reVisited = regexp.MustCompile(`(?i)\bI\s+(?:visited|went\s+to|traveled\s+to|travelled\s+to)\s+([A-Z][A-Za-z' -]{1,60}?)(?:[.,;:!?]|$)`)
	// "I work at Acme Corp", "I work for Initech"
	reSelfWork = regexp.MustCompile(`(?i)\bI\s+work\s+(?:at|for)\s+([A-Z][A-Za-z0-9&' -]{1,60}?)(?:[.,;:!?]|$)`)
	// "Alice works at Globex"
	reWorksAt = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s[A-Z][a-z]+)?)\s+works\s+(?:at|for)\s+([A-Z][A-Za-z0-9&' -]{1,60}?)(?:[.,;:!?]|$)`)
	// "Bob lives in Austin"
	reLivesIn = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s[A-Z][a-z]+)?)\s+lives\s+in\s+([A-Z][A-Za-z' -]{1,60}?)(?:[.,;:!?]|$)`)
	// "Maya is my sister", "Tom is my dentist"
	reRole = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s[A-Z][a-z]+)?)\s+is\s+my\s+([a-z]{2,30})\b`)
)

// preferenceRelation folds the preference verbs onto two relations so the
// graph does not fragment across synonyms.
func preferenceRelation(verb string) string {
	switch strings.ToLower(verb) {
	case "hate", "dislike":
		return "dislikes"
	case "prefer":
		return "prefers"
	default:
		return "likes"
	}
}

const ruleConfidence = 0.6

// Extract applies every rule to the text. Results carry modest confidence;
// pattern extraction sees shapes, not meaning.
func (r *RuleBased) Extract(_ context.Context, text string) (*Result, error) {
	res := &Result{}
	seenEntity := map[string]bool{}
	selfNeeded := false

	addEntity := func(typ, name string, props map[string]any) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		key := typ + "\x00" + strings.ToLower(name)
		if seenEntity[key] {
			return
		}
		seenEntity[key] = true
		res.Entities = append(res.Entities, Entity{
			Type: typ, Name: name, Confidence: ruleConfidence, Properties: props,
		})
	}
	addSelfRelation := func(relation, targetType, targetName, evidence string) {
		selfNeeded = true
		res.Relations = append(res.Relations, Relation{
			SourceType: "person", SourceName: SelfName,
			Relation:   relation,
			TargetType: targetType, TargetName: strings.TrimSpace(targetName),
			Confidence: ruleConfidence, Evidence: evidence,
		})
	}

	for _, m := range rePreference.FindAllStringSubmatch(text, -1) {
		thing := strings.TrimSpace(m[2])
		addEntity("concept", thing, nil)
		addSelfRelation(preferenceRelation(m[1]), "concept", thing, m[0])
	}
	for _, m := range reSelfPlace.FindAllStringSubmatch(text, -1) {
		addEntity("place", m[1], nil)
		addSelfRelation("lives_in", "place", m[1], m[0])
	}
	for _, m := range reVisited.FindAllStringSubmatch(text, -1) {
		addEntity("place", m[1], nil)
		addSelfRelation("visited", "place", m[1], m[0])
	}
	for _, m := range reSelfWork.FindAllStringSubmatch(text, -1) {
		addEntity("organization", m[1], nil)
		addSelfRelation("works_at", "organization", m[1], m[0])
	}
	for _, m := range reWorksAt.FindAllStringSubmatch(text, -1) {
		addEntity("person", m[1], nil)
		addEntity("organization", m[2], nil)
		res.Relations = append(res.Relations, Relation{
			SourceType: "person", SourceName: strings.TrimSpace(m[1]),
			Relation:   "works_at",
			TargetType: "organization", TargetName: strings.TrimSpace(m[2]),
			Confidence: ruleConfidence, Evidence: m[0],
		})
	}
	for _, m := range reLivesIn.FindAllStringSubmatch(text, -1) {
		addEntity("person", m[1], nil)
		addEntity("place", m[2], nil)
		res.Relations = append(res.Relations, Relation{
			SourceType: "person", SourceName: strings.TrimSpace(m[1]),
			Relation:   "lives_in",
			TargetType: "place", TargetName: strings.TrimSpace(m[2]),
			Confidence: ruleConfidence, Evidence: m[0],
		})
	}
	for _, m := range reRole.FindAllStringSubmatch(text, -1) {
		addEntity("person", m[1], map[string]any{"role": m[2]})
		addSelfRelation("knows", "person", m[1], m[0])
	}

	if selfNeeded {
		addEntity("person", SelfName, nil)
	}
	return res, nil
}
