package classifier_test

import (
	"reflect"
	"strings"
	"testing"

	"github.com/gracekernel/librarian/internal/classifier"
)

func TestClassify_BookPDFOverMegabyte(t *testing.T) {
	meta := classifier.FileMeta{Path: "/inbox/go_programming_book.pdf", Size: 2 << 20}

	res := classifier.Classify(meta, nil, nil)

	if res.Domain != "books" {
		t.Fatalf("domain = %q, want books", res.Domain)
	}
	if res.Confidence < 0.85 {
		t.Fatalf("confidence = %.2f, want >= 0.85", res.Confidence)
	}
	if res.TargetFolder != "books" {
		t.Fatalf("target folder = %q, want books", res.TargetFolder)
	}
	if len(res.Reasoning) != 3 {
		t.Fatalf("reasoning = %v, want 3 entries (keyword, extension, size)", res.Reasoning)
	}
	if res.MatchedRule != nil {
		t.Fatalf("expected heuristic verdict, got rule match %+v", res.MatchedRule)
	}
	if len(res.Fields) == 0 {
		t.Fatal("expected proposed fields for books domain")
	}
}

func TestClassify_SameInputSameVerdict(t *testing.T) {
	meta := classifier.FileMeta{Path: "/inbox/tax_statement_2026.pdf", Size: 400 << 10}
	sample := []byte("Amount due: 120.00 EUR\nIBAN DE00 1234")
	rules := []classifier.Rule{
		{MatchKind: classifier.MatchKeyword, Pattern: "payslip", Domain: "finance", Confidence: 0.9},
	}

	first := classifier.Classify(meta, sample, rules)
	second := classifier.Classify(meta, sample, rules)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("classification not stable:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestClassify_LearnedRuleShortCircuitsHeuristics(t *testing.T) {
	meta := classifier.FileMeta{Path: "/inbox/july_statement.pdf", Size: 80 << 10}
	rules := []classifier.Rule{
		{
			MatchKind:    classifier.MatchKeyword,
			Pattern:      "statement",
			Domain:       "finance",
			TargetFolder: "finance/statements",
			Confidence:   0.75,
		},
	}

	res := classifier.Classify(meta, nil, rules)

	if res.MatchedRule == nil {
		t.Fatal("expected the learned rule to decide the verdict")
	}
	if res.Domain != "finance" {
		t.Fatalf("domain = %q, want finance", res.Domain)
	}
	if res.TargetFolder != "finance/statements" {
		t.Fatalf("target folder = %q, want the rule's folder", res.TargetFolder)
	}
	// Heuristics alone would score keyword+extension at 0.80; the rule's own
	// confidence proves it short-circuited.
	if res.Confidence != 0.75 {
		t.Fatalf("confidence = %.2f, want the rule's 0.75", res.Confidence)
	}
	if len(res.Reasoning) != 1 || !strings.Contains(res.Reasoning[0], "learned rule") {
		t.Fatalf("reasoning = %v, want a single learned-rule entry", res.Reasoning)
	}
}

func TestClassify_FirstMatchingRuleWins(t *testing.T) {
	meta := classifier.FileMeta{Path: "/inbox/receipt_scan.pdf", Size: 10 << 10}
	rules := []classifier.Rule{
		{MatchKind: classifier.MatchKeyword, Pattern: "receipt", Domain: "finance", Confidence: 0.9},
		{MatchKind: classifier.MatchExtension, Pattern: ".pdf", Domain: "books", Confidence: 0.95},
	}

	res := classifier.Classify(meta, nil, rules)

	if res.Domain != "finance" {
		t.Fatalf("domain = %q, want finance (rules are pre-sorted, first match wins)", res.Domain)
	}
}

func TestClassify_NoSignalsFallsBackToUnsorted(t *testing.T) {
	meta := classifier.FileMeta{Path: "/inbox/mystery.xyz", Size: 100}

	res := classifier.Classify(meta, nil, nil)

	if res.Domain != classifier.UnsortedDomain {
		t.Fatalf("domain = %q, want %s", res.Domain, classifier.UnsortedDomain)
	}
	if res.Confidence != classifier.BaseConfidence {
		t.Fatalf("confidence = %.2f, want base %.2f", res.Confidence, classifier.BaseConfidence)
	}
	if res.TargetFolder != classifier.UnsortedDomain {
		t.Fatalf("target folder = %q, want %s", res.TargetFolder, classifier.UnsortedDomain)
	}
}

func TestClassify_ContentSampleAddsOneSignal(t *testing.T) {
	meta := classifier.FileMeta{Path: "/inbox/meeting_notes.md", Size: 4 << 10}

	without := classifier.Classify(meta, nil, nil)
	with := classifier.Classify(meta, []byte("## Summary\n\nReferences:\n- RFC 9110"), nil)

	if without.Domain != "knowledge" || with.Domain != "knowledge" {
		t.Fatalf("domains = %q/%q, want knowledge for both", without.Domain, with.Domain)
	}
	diff := with.Confidence - without.Confidence
	if diff < 0.14 || diff > 0.16 {
		t.Fatalf("content sample added %.2f, want one signal weight %.2f", diff, classifier.SignalWeight)
	}
}

func TestClassify_ConfidenceCappedAtOne(t *testing.T) {
	meta := classifier.FileMeta{Path: "/inbox/isbn_book_collection.epub", Size: 3 << 20}
	sample := []byte("ISBN 978-1-59327-000-0")

	res := classifier.Classify(meta, sample, nil)

	if res.Domain != "books" {
		t.Fatalf("domain = %q, want books", res.Domain)
	}
	if res.Confidence != 1.0 {
		t.Fatalf("confidence = %.2f, want capped 1.0 (four signals fired)", res.Confidence)
	}
	if len(res.Reasoning) != 4 {
		t.Fatalf("reasoning = %v, want 4 entries", res.Reasoning)
	}
}

func TestClassify_ExtensionRuleAcceptsDotlessPattern(t *testing.T) {
	meta := classifier.FileMeta{Path: "/inbox/drawing.sketchup", Size: 50 << 10}
	rules := []classifier.Rule{
		{MatchKind: classifier.MatchExtension, Pattern: "sketchup", Domain: "projects", Confidence: 0.8},
	}

	res := classifier.Classify(meta, nil, rules)

	if res.MatchedRule == nil || res.Domain != "projects" {
		t.Fatalf("result = %+v, want the dotless extension rule to match", res)
	}
}

func TestClassify_GlobRuleMatchesBaseName(t *testing.T) {
	meta := classifier.FileMeta{Path: "/inbox/deep/nested/report-2026.csv", Size: 2 << 10}
	rules := []classifier.Rule{
		{MatchKind: classifier.MatchGlob, Pattern: "report-*.csv", Domain: "finance", Confidence: 0.85},
	}

	res := classifier.Classify(meta, nil, rules)

	if res.MatchedRule == nil || res.Domain != "finance" {
		t.Fatalf("result = %+v, want the glob rule to match the base name", res)
	}
}

func TestKnownDomain(t *testing.T) {
	for _, name := range classifier.Domains() {
		if !classifier.KnownDomain(name) {
			t.Fatalf("built-in domain %q not recognized", name)
		}
	}
	if !classifier.KnownDomain(classifier.UnsortedDomain) {
		t.Fatal("unsorted fallback should be a known domain")
	}
	if classifier.KnownDomain("geology") {
		t.Fatal("geology should not be a built-in domain")
	}
}

func TestTargetFolderForDomain(t *testing.T) {
	if got := classifier.TargetFolderForDomain("books"); got != "books" {
		t.Fatalf("books folder = %q", got)
	}
	if got := classifier.TargetFolderForDomain("geology"); got != "geology" {
		t.Fatalf("unknown domains file under their own name, got %q", got)
	}
	if got := classifier.TargetFolderForDomain(""); got != classifier.UnsortedDomain {
		t.Fatalf("empty domain folder = %q, want %s", got, classifier.UnsortedDomain)
	}
}

func TestFieldsForDomain(t *testing.T) {
	if fields := classifier.FieldsForDomain("books"); len(fields) == 0 {
		t.Fatal("books should propose table fields")
	}
	if fields := classifier.FieldsForDomain("geology"); fields != nil {
		t.Fatalf("unknown domain proposed fields %v", fields)
	}
}
