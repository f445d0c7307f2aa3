package consent_test

import (
	"testing"
	"time"

	"github.com/mnemohq/mnemo/internal/consent"
)

func rule(resource string, perm consent.Permission) *consent.Rule {
	return &consent.Rule{
		AgentID:    "agent-1",
		Resource:   resource,
		Permission: perm,
		UpdatedAt:  time.Now(),
	}
}

func TestDecideDenyByDefault(t *testing.T) {
	d := consent.Decide(nil, "profile", consent.PermRead)
	if d.Allowed {
		t.Fatal("expected deny with no rules")
	}
	if d.Reason == "" {
		t.Error("deny decision should carry a reason")
	}
}

func TestDecideExactMatch(t *testing.T) {
	rules := []*consent.Rule{rule("tables/tasks", consent.PermRead)}
	if !consent.Decide(rules, "tables/tasks", consent.PermRead).Allowed {
		t.Error("exact rule should allow read")
	}
	if consent.Decide(rules, "tables/notes", consent.PermRead).Allowed {
		t.Error("rule for tables/tasks must not cover tables/notes")
	}
}

func TestDecideWriteImpliesRead(t *testing.T) {
	rules := []*consent.Rule{rule("profile", consent.PermWrite)}
	if !consent.Decide(rules, "profile", consent.PermRead).Allowed {
		t.Error("write grant should satisfy a read check")
	}
	if !consent.Decide(rules, "profile", consent.PermWrite).Allowed {
		t.Error("write grant should satisfy a write check")
	}
}

func TestDecideReadDoesNotImplyWrite(t *testing.T) {
	rules := []*consent.Rule{rule("profile", consent.PermRead)}
	if consent.Decide(rules, "profile", consent.PermWrite).Allowed {
		t.Error("read grant must not satisfy a write check")
	}
}

func TestDecideWildcardSuffix(t *testing.T) {
	rules := []*consent.Rule{rule("tables/*", consent.PermRead)}
	if !consent.Decide(rules, "tables/tasks", consent.PermRead).Allowed {
		t.Error("tables/* should cover tables/tasks")
	}
	if !consent.Decide(rules, "tables", consent.PermRead).Allowed {
		t.Error("tables/* should cover the stem resource tables")
	}
	if consent.Decide(rules, "tablesque", consent.PermRead).Allowed {
		t.Error("tables/* must not cover tablesque")
	}
	if consent.Decide(rules, "graph", consent.PermRead).Allowed {
		t.Error("tables/* must not cover graph")
	}
}

// A rule on a parent resource covers everything under it.
func TestDecideHierarchicalMatch(t *testing.T) {
	rules := []*consent.Rule{rule("graph", consent.PermRead)}
	for _, res := range []string{"graph", "graph/stats", "graph/entities/42"} {
		if !consent.Decide(rules, res, consent.PermRead).Allowed {
			t.Errorf("graph rule should cover %s", res)
		}
	}
	if consent.Decide(rules, "graphite", consent.PermRead).Allowed {
		t.Error("graph rule must not cover graphite")
	}
}

func TestDecideGlobalWildcard(t *testing.T) {
	rules := []*consent.Rule{rule("*", consent.PermRead)}
	for _, res := range []string{"profile", "tables/tasks", "memory", "graph"} {
		if !consent.Decide(rules, res, consent.PermRead).Allowed {
			t.Errorf("* should cover %s", res)
		}
	}
}

func TestDecideMostSpecificWins(t *testing.T) {
	rules := []*consent.Rule{
		rule("*", consent.PermWrite),
		rule("tables/*", consent.PermRead),
		rule("tables/secrets", consent.PermNone),
	}
	if consent.Decide(rules, "tables/secrets", consent.PermRead).Allowed {
		t.Error("explicit none on tables/secrets must beat wildcards")
	}
	if d := consent.Decide(rules, "tables/tasks", consent.PermWrite); d.Allowed {
		t.Error("tables/* read must beat * write for table resources")
	}
	if !consent.Decide(rules, "profile", consent.PermWrite).Allowed {
		t.Error("* write should still cover profile")
	}
}

func TestDecideLongerPrefixWins(t *testing.T) {
	rules := []*consent.Rule{
		rule("graph", consent.PermNone),
		rule("graph/entities", consent.PermRead),
	}
	if !consent.Decide(rules, "graph/entities/7", consent.PermRead).Allowed {
		t.Error("deeper rule graph/entities should outrank graph")
	}
	if consent.Decide(rules, "graph/stats", consent.PermRead).Allowed {
		t.Error("graph/stats should fall to the none rule")
	}
}

func TestDecideRevokedRulesIgnored(t *testing.T) {
	revoked := rule("profile", consent.PermWrite)
	now := time.Now()
	revoked.RevokedAt = &now
	if consent.Decide([]*consent.Rule{revoked}, "profile", consent.PermRead).Allowed {
		t.Error("revoked rule must not grant access")
	}
}

// Resource names containing SQL LIKE metacharacters are matched literally:
// '_' is a single ordinary byte, not a single-character wildcard.
func TestDecideLikeMetacharactersAreLiteral(t *testing.T) {
	rules := []*consent.Rule{rule("tables/user_notes", consent.PermRead)}
	if !consent.Decide(rules, "tables/user_notes", consent.PermRead).Allowed {
		t.Error("literal resource should match itself")
	}
	for x := byte(' '); x <= '~'; x++ {
		if x == '_' {
			continue
		}
		res := "tables/user" + string(x) + "notes"
		if consent.Decide(rules, res, consent.PermRead).Allowed {
			t.Errorf("%q must not match pattern tables/user_notes", res)
		}
	}

	percent := []*consent.Rule{rule("tables/50%_off", consent.PermRead)}
	if !consent.Decide(percent, "tables/50%_off", consent.PermRead).Allowed {
		t.Error("literal resource with %% and _ should match itself")
	}
	for _, res := range []string{"tables/500_off", "tables/50x_off", "tables/50%Xoff"} {
		if consent.Decide(percent, res, consent.PermRead).Allowed {
			t.Errorf("%q must not match pattern tables/50%%_off", res)
		}
	}

	escaped := []*consent.Rule{rule(`tables/a\b`, consent.PermRead)}
	if !consent.Decide(escaped, `tables/a\b`, consent.PermRead).Allowed {
		t.Error(`backslash in resource should match literally`)
	}
	if consent.Decide(escaped, "tables/ab", consent.PermRead).Allowed {
		t.Error(`tables/a\b must not match tables/ab`)
	}
}

func TestPermissionSatisfies(t *testing.T) {
	cases := []struct {
		have, want consent.Permission
		ok         bool
	}{
		{consent.PermWrite, consent.PermRead, true},
		{consent.PermWrite, consent.PermWrite, true},
		{consent.PermRead, consent.PermRead, true},
		{consent.PermRead, consent.PermWrite, false},
		{consent.PermNone, consent.PermRead, false},
		{consent.PermNone, consent.PermWrite, false},
	}
	for _, c := range cases {
		if got := c.have.Satisfies(c.want); got != c.ok {
			t.Errorf("%s satisfies %s = %v, want %v", c.have, c.want, got, c.ok)
		}
	}
}

func TestDecideTieGoesToNewestRule(t *testing.T) {
	old := rule("profile", consent.PermNone)
	old.UpdatedAt = time.Now().Add(-time.Hour)
	newer := rule("profile", consent.PermRead)
	// Same specificity, same resource. The newer rule reflects the owner's
	// latest intent.
	d := consent.Decide([]*consent.Rule{old, newer}, "profile", consent.PermRead)
	if !d.Allowed {
		t.Error("newest rule should win a specificity tie")
	}
}
