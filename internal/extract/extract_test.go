package extract_test

import (
	"context"
	"testing"

	"github.com/mnemohq/mnemo/internal/extract"
)

func findRelation(res *extract.Result, relation, targetName string) *extract.Relation {
	for i := range res.Relations {
		r := &res.Relations[i]
		if r.Relation == relation && r.TargetName == targetName {
			return r
		}
	}
	return nil
}

func hasEntity(res *extract.Result, typ, name string) bool {
	for _, e := range res.Entities {
		if e.Type == typ && e.Name == name {
			return true
		}
	}
	return false
}

func TestExtractPreferences(t *testing.T) {
	res, err := extract.NewRuleBased().Extract(context.Background(), "I really love sushi. I dislike cilantro.")
	if err != nil {
		t.Fatal(err)
	}
	if !hasEntity(res, "concept", "sushi") || !hasEntity(res, "concept", "cilantro") {
		t.Fatalf("entities = %+v", res.Entities)
	}
	if r := findRelation(res, "likes", "sushi"); r == nil || r.SourceName != extract.SelfName {
		t.Fatalf("likes relation missing or misanchored: %+v", res.Relations)
	}
	if findRelation(res, "dislikes", "cilantro") == nil {
		t.Fatalf("dislikes relation missing: %+v", res.Relations)
	}
	if !hasEntity(res, "person", extract.SelfName) {
		t.Fatal("self entity not proposed for first-person statements")
	}
}

func TestExtractThirdPartyFacts(t *testing.T) {
	res, err := extract.NewRuleBased().Extract(context.Background(),
		"Alice Chen works at Globex. Bob lives in Austin.")
	if err != nil {
		t.Fatal(err)
	}
	if !hasEntity(res, "person", "Alice Chen") || !hasEntity(res, "organization", "Globex") {
		t.Fatalf("entities = %+v", res.Entities)
	}
	r := findRelation(res, "works_at", "Globex")
	if r == nil || r.SourceName != "Alice Chen" {
		t.Fatalf("works_at relation = %+v", r)
	}
	if findRelation(res, "lives_in", "Austin") == nil {
		t.Fatalf("lives_in relation missing: %+v", res.Relations)
	}
}

func TestExtractRoles(t *testing.T) {
	res, err := extract.NewRuleBased().Extract(context.Background(), "Maya is my sister.")
	if err != nil {
		t.Fatal(err)
	}
	if !hasEntity(res, "person", "Maya") {
		t.Fatalf("entities = %+v", res.Entities)
	}
	var role any
	for _, e := range res.Entities {
		if e.Name == "Maya" {
			role = e.Properties["role"]
		}
	}
	if role != "sister" {
		t.Fatalf("role property = %v", role)
	}
	if findRelation(res, "knows", "Maya") == nil {
		t.Fatalf("knows relation missing: %+v", res.Relations)
	}
}

func TestExtractFirstPersonPlaces(t *testing.T) {
	res, err := extract.NewRuleBased().Extract(context.Background(),
		"I live in Lisbon. Last spring I visited Kyoto!")
	if err != nil {
		t.Fatal(err)
	}
	if findRelation(res, "lives_in", "Lisbon") == nil {
		t.Fatalf("lives_in missing: %+v", res.Relations)
	}
	if findRelation(res, "visited", "Kyoto") == nil {
		t.Fatalf("visited missing: %+v", res.Relations)
	}
}

func TestExtractIgnoresPlainProse(t *testing.T) {
	res, err := extract.NewRuleBased().Extract(context.Background(),
		"the weather was mild and nothing much happened today")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 0 || len(res.Relations) != 0 {
		t.Fatalf("plain prose produced %+v / %+v", res.Entities, res.Relations)
	}
}

func TestExtractDeduplicatesEntities(t *testing.T) {
	res, err := extract.NewRuleBased().Extract(context.Background(),
		"I like sushi. I love Sushi.")
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, e := range res.Entities {
		if e.Type == "concept" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("concept entities = %d, want 1 (case-insensitive dedup)", count)
	}
}
