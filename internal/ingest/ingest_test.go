package ingest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/mnemohq/mnemo/internal/consent"
	"github.com/mnemohq/mnemo/internal/ledger"
	"github.com/mnemohq/mnemo/internal/profile"
	"github.com/mnemohq/mnemo/internal/vectors"
)

func TestRequestNormalize(t *testing.T) {
	r := Request{TenantID: uuid.New(), AgentID: "claude"}
	r.normalize()
	if r.WriteID == uuid.Nil {
		t.Error("expected a minted write id")
	}
	if r.Origin != ledger.OriginAIStated {
		t.Errorf("default origin = %q, want ai_stated", r.Origin)
	}
	if r.Actor != "agent:claude" {
		t.Errorf("actor = %q, want agent:claude", r.Actor)
	}

	owner := Request{TenantID: uuid.New()}
	owner.normalize()
	if owner.Actor != "owner" {
		t.Errorf("owner actor = %q", owner.Actor)
	}

	keep := Request{WriteID: uuid.New(), Origin: ledger.OriginUserStated, Actor: "dashboard"}
	id := keep.WriteID
	keep.normalize()
	if keep.WriteID != id || keep.Origin != ledger.OriginUserStated || keep.Actor != "dashboard" {
		t.Error("normalize must not overwrite caller-set fields")
	}
}

func TestConsentErrorUnwraps(t *testing.T) {
	err := error(&ConsentError{Agent: "bot", Resource: "profile", Reason: "no rule"})
	if !errors.Is(err, consent.ErrDenied) {
		t.Fatal("ConsentError must unwrap to consent.ErrDenied")
	}
}

func TestIsDomainErr(t *testing.T) {
	domain := []error{
		&ConsentError{Agent: "a", Resource: "r"},
		fmt.Errorf("limit: %w", vectors.ErrTierLimit),
		vectors.ErrBadCollection,
		vectors.ErrEmptyContent,
	}
	for _, err := range domain {
		if !isDomainErr(err) {
			t.Errorf("expected %v to be a domain error", err)
		}
	}
	if isDomainErr(errors.New("connection refused")) {
		t.Error("infrastructure errors must not classify as domain")
	}
}

func TestJSONString(t *testing.T) {
	if got := jsonString(`"sushi"`); got != "sushi" {
		t.Errorf("jsonString string = %q", got)
	}
	if got := jsonString(`42`); got != "" {
		t.Errorf("jsonString number = %q, want empty", got)
	}
	if got := jsonString(`{"a":1}`); got != "" {
		t.Errorf("jsonString object = %q, want empty", got)
	}
}

func TestRecordTextIsDeterministic(t *testing.T) {
	rec := map[string]any{
		"note":     "ran 5k with Alice",
		"distance": 5.0,
		"place":    "riverside park",
	}
	want := "ran 5k with Alice. riverside park"
	for i := 0; i < 10; i++ {
		if got := recordText(rec); got != want {
			t.Fatalf("recordText = %q, want %q", got, want)
		}
	}
	if recordText(map[string]any{"n": 1, "b": true}) != "" {
		t.Error("expected empty text for a record with no strings")
	}
}

func TestChangesText(t *testing.T) {
	old := "old"
	changes := []profile.Change{
		{Field: "name", NewValue: `"Dana"`},
		{Field: "age", NewValue: `34`},
		{Field: "city", OldValue: &old, NewValue: `"Lisbon"`},
	}
	if got := changesText(changes); got != "Dana. Lisbon" {
		t.Errorf("changesText = %q", got)
	}
}
