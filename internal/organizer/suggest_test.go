package organizer_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gracekernel/librarian/internal/organizer"
	"github.com/gracekernel/librarian/internal/store"
)

func TestOrganize_AutoMovesConfidentFile(t *testing.T) {
	org, _, home := newTestOrganizer(t)
	ctx := context.Background()

	src := filepath.Join(home, "inbox", "go_programming_book.pdf")
	writeTempFile(t, src, make([]byte, 2<<20))

	out, err := org.Organize(ctx, src, "agent-scout")
	if err != nil {
		t.Fatalf("organize: %v", err)
	}
	if out.Action != organizer.ActionMoved {
		t.Fatalf("expected moved, got %s (confidence %v)", out.Action, out.Confidence)
	}
	if out.Domain != "books" {
		t.Fatalf("expected domain books, got %q", out.Domain)
	}
	if out.Confidence < 0.85 {
		t.Fatalf("three signals must clear the auto-move threshold, got %v", out.Confidence)
	}
	if out.Operation == nil {
		t.Fatal("auto-move must return its ledger operation")
	}
	if _, err := os.Stat(filepath.Join(org.LibraryDir(), "books", "go_programming_book.pdf")); err != nil {
		t.Fatalf("file not in books folder: %v", err)
	}
}

func TestOrganize_MidBandCreatesSuggestion(t *testing.T) {
	org, st, home := newTestOrganizer(t)
	ctx := context.Background()

	// Keyword plus extension is two signals: 0.80, under auto-move.
	src := filepath.Join(home, "inbox", "july_statement.pdf")
	writeTempFile(t, src, []byte("monthly account overview"))

	out, err := org.Organize(ctx, src, "agent-scout")
	if err != nil {
		t.Fatalf("organize: %v", err)
	}
	if out.Action != organizer.ActionSuggested {
		t.Fatalf("expected suggested, got %s (confidence %v)", out.Action, out.Confidence)
	}
	if out.Suggestion == nil || out.Suggestion.Status != store.SuggestionOpen {
		t.Fatalf("expected open suggestion, got %+v", out.Suggestion)
	}
	if out.Suggestion.Domain != "finance" {
		t.Fatalf("expected finance, got %q", out.Suggestion.Domain)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("mid-band file must stay in place: %v", err)
	}

	open, err := st.ListSuggestions(ctx, store.SuggestionOpen, 10)
	if err != nil {
		t.Fatalf("list suggestions: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected one open suggestion, got %d", len(open))
	}
}

func TestOrganize_ZeroSignalsLandInSuggestBand(t *testing.T) {
	org, _, home := newTestOrganizer(t)

	src := filepath.Join(home, "inbox", "mystery.xyz")
	writeTempFile(t, src, []byte("qqq"))

	out, err := org.Organize(context.Background(), src, "agent-scout")
	if err != nil {
		t.Fatalf("organize: %v", err)
	}
	// Base confidence 0.50 sits exactly on the suggest threshold.
	if out.Action != organizer.ActionSuggested {
		t.Fatalf("expected suggested, got %s", out.Action)
	}
	if out.Domain != "unsorted" {
		t.Fatalf("expected unsorted, got %q", out.Domain)
	}
}

func TestOrganize_LowConfidenceRuleFlagsOnly(t *testing.T) {
	org, st, home := newTestOrganizer(t)
	ctx := context.Background()

	// A decayed rule drags the verdict under the suggest threshold.
	if _, err := st.UpsertRule(ctx, store.Rule{
		MatchKind:    store.RuleMatchKeyword,
		Pattern:      "mystery",
		Domain:       "misc",
		TargetFolder: "misc",
		Confidence:   0.30,
		Origin:       "learned",
	}); err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	src := filepath.Join(home, "inbox", "mystery_case.txt")
	writeTempFile(t, src, []byte("who knows"))

	out, err := org.Organize(ctx, src, "agent-scout")
	if err != nil {
		t.Fatalf("organize: %v", err)
	}
	if out.Action != organizer.ActionFlagged {
		t.Fatalf("expected flagged, got %s (confidence %v)", out.Action, out.Confidence)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("flagged file must stay in place: %v", err)
	}
	open, err := st.ListSuggestions(ctx, "", 10)
	if err != nil {
		t.Fatalf("list suggestions: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("flag-only band must not persist records, got %d", len(open))
	}
}

func TestOrganize_RuleBackedAutoMoveRecordsHit(t *testing.T) {
	org, st, home := newTestOrganizer(t)
	ctx := context.Background()

	id, err := st.UpsertRule(ctx, store.Rule{
		MatchKind:    store.RuleMatchKeyword,
		Pattern:      "invoice",
		Domain:       "finance",
		TargetFolder: "finance/invoices",
		Confidence:   0.95,
		Origin:       "user",
	})
	if err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	src := filepath.Join(home, "inbox", "acme_invoice.pdf")
	writeTempFile(t, src, []byte("amount due 42"))

	out, err := org.Organize(ctx, src, "agent-scout")
	if err != nil {
		t.Fatalf("organize: %v", err)
	}
	if out.Action != organizer.ActionMoved {
		t.Fatalf("expected moved, got %s", out.Action)
	}
	if out.TargetFolder != "finance/invoices" {
		t.Fatalf("expected rule target folder, got %q", out.TargetFolder)
	}

	rule, err := st.GetRule(ctx, id)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if rule.HitCount != 1 {
		t.Fatalf("expected one hit recorded, got %d", rule.HitCount)
	}
}

func TestOrganize_CorrectionDrivesLaterSuggestions(t *testing.T) {
	org, _, home := newTestOrganizer(t)
	ctx := context.Background()

	// The user files an invoice under finance by hand.
	if _, err := org.LearnFromCorrection(ctx, "/inbox/acme_invoice_2026.pdf", "finance", ""); err != nil {
		t.Fatalf("learn from correction: %v", err)
	}

	// A later file with the same shape follows the learned rule, and the
	// reasoning names the rule rather than the built-in heuristics.
	src := filepath.Join(home, "inbox", "invoice_dentist.md")
	writeTempFile(t, src, []byte("see attachment"))

	out, err := org.Organize(ctx, src, "agent-scout")
	if err != nil {
		t.Fatalf("organize: %v", err)
	}
	if out.Action != organizer.ActionSuggested {
		t.Fatalf("expected suggested, got %s", out.Action)
	}
	if out.Domain != "finance" {
		t.Fatalf("expected finance from the learned rule, got %q", out.Domain)
	}
	if out.Confidence != 0.75 {
		t.Fatalf("expected the rule confidence 0.75, got %v", out.Confidence)
	}
	if len(out.Reasoning) != 1 || !strings.Contains(out.Reasoning[0], "learned rule") {
		t.Fatalf("expected rule-backed reasoning, got %v", out.Reasoning)
	}
}

func TestSuggest_HigherConfidenceRuleWins(t *testing.T) {
	org, st, home := newTestOrganizer(t)
	ctx := context.Background()

	for _, r := range []store.Rule{
		{MatchKind: store.RuleMatchKeyword, Pattern: "report", Domain: "projects", TargetFolder: "projects", Confidence: 0.60, Origin: "learned"},
		{MatchKind: store.RuleMatchExtension, Pattern: ".csv", Domain: "finance", TargetFolder: "finance", Confidence: 0.90, Origin: "user"},
	} {
		if _, err := st.UpsertRule(ctx, r); err != nil {
			t.Fatalf("seed rule: %v", err)
		}
	}

	src := filepath.Join(home, "inbox", "report.csv")
	writeTempFile(t, src, []byte("a,b\n1,2\n"))

	res, err := org.Suggest(ctx, src)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if res.Domain != "finance" || res.Confidence != 0.90 {
		t.Fatalf("expected finance at 0.90, got %s at %v", res.Domain, res.Confidence)
	}
}

func TestAcceptSuggestion_MovesFileAndResolves(t *testing.T) {
	org, st, home := newTestOrganizer(t)
	ctx := context.Background()

	src := filepath.Join(home, "inbox", "july_statement.pdf")
	writeTempFile(t, src, []byte("balance"))

	out, err := org.Organize(ctx, src, "agent-scout")
	if err != nil {
		t.Fatalf("organize: %v", err)
	}
	if out.Action != organizer.ActionSuggested {
		t.Fatalf("fixture must land in the suggest band, got %s", out.Action)
	}

	op, err := org.AcceptSuggestion(ctx, out.Suggestion.ID, "user")
	if err != nil {
		t.Fatalf("accept suggestion: %v", err)
	}
	if _, err := os.Stat(op.TargetPath); err != nil {
		t.Fatalf("accepted file not moved: %v", err)
	}

	sg, err := st.GetSuggestion(ctx, out.Suggestion.ID)
	if err != nil {
		t.Fatalf("get suggestion: %v", err)
	}
	if sg.Status != store.SuggestionAccepted {
		t.Fatalf("expected ACCEPTED, got %s", sg.Status)
	}

	if _, err := org.AcceptSuggestion(ctx, out.Suggestion.ID, "user"); err == nil {
		t.Fatal("second accept must fail")
	}
}

func TestDismissSuggestion_ClosesWithoutMoving(t *testing.T) {
	org, st, home := newTestOrganizer(t)
	ctx := context.Background()

	src := filepath.Join(home, "inbox", "july_statement.pdf")
	writeTempFile(t, src, []byte("balance"))

	out, err := org.Organize(ctx, src, "agent-scout")
	if err != nil {
		t.Fatalf("organize: %v", err)
	}
	if err := org.DismissSuggestion(ctx, out.Suggestion.ID); err != nil {
		t.Fatalf("dismiss suggestion: %v", err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("dismissed file must stay in place: %v", err)
	}
	sg, err := st.GetSuggestion(ctx, out.Suggestion.ID)
	if err != nil {
		t.Fatalf("get suggestion: %v", err)
	}
	if sg.Status != store.SuggestionDismissed {
		t.Fatalf("expected DISMISSED, got %s", sg.Status)
	}
	if err := org.DismissSuggestion(ctx, out.Suggestion.ID); err == nil {
		t.Fatal("second dismiss must fail")
	}
}

func TestOrganize_QuarantinedSourceNeverAutoMoves(t *testing.T) {
	org, st, home := newTestOrganizer(t)
	ctx := context.Background()

	src := filepath.Join(home, "inbox", "go_programming_book.pdf")
	writeTempFile(t, src, make([]byte, 2<<20))

	for i := 0; i < 3; i++ {
		if _, err := st.FlagSource(ctx, src, "checksum drift"); err != nil {
			t.Fatalf("flag source: %v", err)
		}
	}
	quarantined, err := st.GetSource(ctx, src)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if quarantined.Status != store.SourceQuarantined {
		t.Fatalf("expected quarantined source, got %s", quarantined.Status)
	}

	out, err := org.Organize(ctx, src, "agent-scout")
	if err != nil {
		t.Fatalf("organize: %v", err)
	}
	if out.Action != organizer.ActionSuggested {
		t.Fatalf("quarantined source must not auto-move, got %s", out.Action)
	}
	if out.Confidence < 0.85 {
		t.Fatalf("the verdict itself should still be confident, got %v", out.Confidence)
	}
	if !strings.Contains(strings.Join(out.Reasoning, "; "), "quarantined") {
		t.Fatalf("reasoning should name the quarantine, got %v", out.Reasoning)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("file must stay in place: %v", err)
	}
}

func TestSetThresholds_MovesVerdictsBetweenBands(t *testing.T) {
	org, _, home := newTestOrganizer(t)
	ctx := context.Background()

	src := filepath.Join(home, "inbox", "go_programming_book.pdf")
	writeTempFile(t, src, make([]byte, 2<<20))

	// Raising the auto band above a confident verdict demotes it to a
	// suggestion.
	org.SetThresholds(0.99, 0.50)
	out, err := org.Organize(ctx, src, "grace")
	if err != nil {
		t.Fatalf("organize: %v", err)
	}
	if out.Action != organizer.ActionSuggested {
		t.Fatalf("raised threshold must demote to a suggestion, got %s (confidence %v)", out.Action, out.Confidence)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("file must stay put under a suggestion: %v", err)
	}

	// Invalid pairs are ignored.
	org.SetThresholds(0.40, 0.60)
	org.SetThresholds(0, 0.50)

	src2 := filepath.Join(home, "inbox", "another_book.pdf")
	writeTempFile(t, src2, make([]byte, 2<<20))
	out2, err := org.Organize(ctx, src2, "grace")
	if err != nil {
		t.Fatalf("organize second file: %v", err)
	}
	if out2.Action != organizer.ActionSuggested {
		t.Fatalf("invalid pairs must not change the bands, got %s", out2.Action)
	}
}
