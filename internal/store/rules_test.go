package store_test

import (
	"context"
	"testing"

	"github.com/gracekernel/librarian/internal/store"
)

func TestRules_UpsertMergesOnConflict(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	id1, err := st.UpsertRule(ctx, store.Rule{
		MatchKind: store.RuleMatchKeyword, Pattern: "invoice", Domain: "finance",
		TargetFolder: "finance/invoices", Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	id2, err := st.UpsertRule(ctx, store.Rule{
		MatchKind: store.RuleMatchKeyword, Pattern: "invoice", Domain: "finance",
		TargetFolder: "finance/invoices-2026", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected conflict upsert to keep row id, got %s vs %s", id1, id2)
	}

	r, err := st.GetRule(ctx, id1)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if r.TargetFolder != "finance/invoices-2026" {
		t.Fatalf("expected target refreshed, got %q", r.TargetFolder)
	}
	if r.Confidence <= 0.8 || r.Confidence > 1.0 {
		t.Fatalf("expected confidence nudged upward within bounds, got %v", r.Confidence)
	}
}

func TestRules_HitAndMissAdjustConfidence(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	id, err := st.UpsertRule(ctx, store.Rule{
		MatchKind: store.RuleMatchExtension, Pattern: ".csv", Domain: "finance",
		TargetFolder: "finance/data", Confidence: 0.5,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := st.RecordRuleHit(ctx, id); err != nil {
		t.Fatalf("hit: %v", err)
	}
	r, err := st.GetRule(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.HitCount != 1 || r.Confidence <= 0.5 {
		t.Fatalf("expected hit to raise confidence, got %+v", r)
	}

	before := r.Confidence
	if err := st.RecordRuleMiss(ctx, id); err != nil {
		t.Fatalf("miss: %v", err)
	}
	r, err = st.GetRule(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.MissCount != 1 || r.Confidence >= before {
		t.Fatalf("expected miss to lower confidence, got %+v", r)
	}
}

func TestRules_ListOrdersByConfidenceThenPattern(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	seed := []store.Rule{
		{MatchKind: store.RuleMatchKeyword, Pattern: "zebra", Domain: "media", TargetFolder: "media", Confidence: 0.9},
		{MatchKind: store.RuleMatchKeyword, Pattern: "apple", Domain: "media", TargetFolder: "media", Confidence: 0.9},
		{MatchKind: store.RuleMatchKeyword, Pattern: "midway", Domain: "media", TargetFolder: "media", Confidence: 0.4},
	}
	for _, r := range seed {
		if _, err := st.UpsertRule(ctx, r); err != nil {
			t.Fatalf("upsert %s: %v", r.Pattern, err)
		}
	}

	rules, err := st.ListRules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}
	// Ties on confidence break lexicographically by pattern.
	if rules[0].Pattern != "apple" || rules[1].Pattern != "zebra" || rules[2].Pattern != "midway" {
		t.Fatalf("unexpected order: %s, %s, %s", rules[0].Pattern, rules[1].Pattern, rules[2].Pattern)
	}
}

func TestRules_Delete(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	id, err := st.UpsertRule(ctx, store.Rule{
		MatchKind: store.RuleMatchGlob, Pattern: "*.bak", Domain: "archive",
		TargetFolder: "archive", Confidence: 0.6,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ok, err := st.DeleteRule(ctx, id)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !ok {
		t.Fatalf("expected delete to succeed")
	}
	ok, err = st.DeleteRule(ctx, id)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if ok {
		t.Fatalf("expected second delete to report ok=false")
	}
}
