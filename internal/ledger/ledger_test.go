package ledger_test

import (
	"testing"

	"github.com/mnemohq/mnemo/internal/ledger"
)

func TestInitialStateByOrigin(t *testing.T) {
	cases := []struct {
		origin     ledger.Origin
		confidence float64
		status     ledger.Status
	}{
		{ledger.OriginUserStated, 0.85, ledger.StatusTrusted},
		{ledger.OriginUserTyped, 0.85, ledger.StatusTrusted},
		{ledger.OriginAIStated, 0.50, ledger.StatusUnvetted},
		{ledger.OriginAIInferred, 0.40, ledger.StatusUnvetted},
		{ledger.OriginAIPattern, 0.30, ledger.StatusUnvetted},
		{ledger.OriginImported, 0.70, ledger.StatusActive},
		{ledger.OriginSystem, 0.70, ledger.StatusActive},
	}
	for _, c := range cases {
		conf, st, err := ledger.InitialState(c.origin)
		if err != nil {
			t.Errorf("InitialState(%s) error: %v", c.origin, err)
			continue
		}
		if conf != c.confidence || st != c.status {
			t.Errorf("InitialState(%s) = (%v, %s), want (%v, %s)",
				c.origin, conf, st, c.confidence, c.status)
		}
	}
}

func TestInitialStateRejectsUnknownOrigin(t *testing.T) {
	if _, _, err := ledger.InitialState("telepathy"); err == nil {
		t.Fatal("unknown origin must error")
	}
}

func TestNudgeDiminishingReturns(t *testing.T) {
	cfg := ledger.DefaultConfig()
	low := cfg.Nudge(0.40) - 0.40
	high := cfg.Nudge(0.90) - 0.90
	if low <= high {
		t.Errorf("nudge at 0.40 (+%v) should exceed nudge at 0.90 (+%v)", low, high)
	}
	if got := cfg.Nudge(1.0); got != 1.0 {
		t.Errorf("Nudge(1.0) = %v, want 1.0", got)
	}
	for c := 0.0; c <= 1.0; c += 0.1 {
		n := cfg.Nudge(c)
		if n < c {
			t.Errorf("Nudge(%v) = %v decreased confidence", c, n)
		}
		if n > 1.0 {
			t.Errorf("Nudge(%v) = %v exceeds 1.0", c, n)
		}
	}
}

// An ai_inferred fact starting at 0.40 must clear the 0.50 confidence gate
// within five read touches and promote exactly when the read count gate is
// also met.
func TestFiveReadsPromoteInferredFact(t *testing.T) {
	cfg := ledger.DefaultConfig()
	confidence := 0.40
	status := ledger.StatusUnvetted
	for reads := int64(1); reads <= 5; reads++ {
		confidence = cfg.Nudge(confidence)
		promoted := cfg.ShouldPromote(status, confidence, reads)
		if reads < 5 && promoted {
			t.Errorf("promoted after %d reads, gate is 5", reads)
		}
		if reads == 5 {
			if confidence < 0.50 {
				t.Fatalf("confidence %v after 5 reads, want >= 0.50", confidence)
			}
			if !promoted {
				t.Fatalf("not promoted after 5 reads at confidence %v", confidence)
			}
		}
	}
}

func TestShouldPromoteGates(t *testing.T) {
	cfg := ledger.DefaultConfig()
	if cfg.ShouldPromote(ledger.StatusActive, 0.9, 100) {
		t.Error("only unvetted rows are promotable")
	}
	if cfg.ShouldPromote(ledger.StatusUnvetted, 0.49, 100) {
		t.Error("confidence below floor must not promote")
	}
	if cfg.ShouldPromote(ledger.StatusUnvetted, 0.9, 4) {
		t.Error("read count below gate must not promote")
	}
	if !cfg.ShouldPromote(ledger.StatusUnvetted, 0.50, 5) {
		t.Error("both gates met must promote")
	}
}

func TestTriggersReview(t *testing.T) {
	cfg := ledger.DefaultConfig()
	cases := []struct {
		confidence float64
		status     ledger.Status
		want       bool
	}{
		{0.85, ledger.StatusTrusted, true},
		{0.70, ledger.StatusActive, true},
		{0.69, ledger.StatusActive, false},
		{0.90, ledger.StatusUnvetted, false},
		{0.90, ledger.StatusReview, false},
		{0.90, ledger.StatusRejected, false},
	}
	for _, c := range cases {
		prior := &ledger.Meta{Confidence: c.confidence, Status: c.status}
		if got := cfg.TriggersReview(prior); got != c.want {
			t.Errorf("TriggersReview(conf=%v, status=%s) = %v, want %v",
				c.confidence, c.status, got, c.want)
		}
	}
	if cfg.TriggersReview(nil) {
		t.Error("nil prior must not trigger review")
	}
}

func TestResolveOutcome(t *testing.T) {
	cfg := ledger.DefaultConfig()

	target, counterpart, conf, ok := cfg.ResolveOutcome(ledger.ResolveConfirm)
	if !ok || target != ledger.StatusTrusted || counterpart != ledger.StatusRejected || conf != 0.95 {
		t.Errorf("confirm = (%s, %s, %v, %v)", target, counterpart, conf, ok)
	}

	target, counterpart, conf, ok = cfg.ResolveOutcome(ledger.ResolveReject)
	if !ok || target != ledger.StatusRejected || counterpart != ledger.StatusActive || conf >= 0 {
		t.Errorf("reject = (%s, %s, %v, %v)", target, counterpart, conf, ok)
	}

	target, counterpart, _, ok = cfg.ResolveOutcome(ledger.ResolveKeepBoth)
	if !ok || target != ledger.StatusActive || counterpart != ledger.StatusActive {
		t.Errorf("keep_both = (%s, %s, %v)", target, counterpart, ok)
	}

	if _, _, _, ok := cfg.ResolveOutcome("split"); ok {
		t.Error("unknown action must not resolve")
	}
}

func TestResolveActionValid(t *testing.T) {
	for _, a := range []ledger.ResolveAction{ledger.ResolveConfirm, ledger.ResolveReject, ledger.ResolveKeepBoth} {
		if !a.Valid() {
			t.Errorf("%s should be valid", a)
		}
	}
	if ledger.ResolveAction("merge").Valid() {
		t.Error("merge is not a resolve action")
	}
}
