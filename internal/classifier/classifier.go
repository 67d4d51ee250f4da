// Package classifier assigns files to library domains from filename,
// extension, size, and a small content sample. Classification is pure:
// the same metadata, sample, and rule set always produce the same result.
package classifier

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// BaseConfidence is the floor every verdict starts from; each
	// independent signal adds SignalWeight, capped at MaxConfidence.
	BaseConfidence = 0.5
	SignalWeight   = 0.15
	MaxConfidence  = 1.0

	// UnsortedDomain is the fallback for files with no recognizable signals.
	UnsortedDomain = "unsorted"
)

// Rule match kinds, mirroring the rule store.
const (
	MatchExtension = "extension"
	MatchKeyword   = "keyword"
	MatchGlob      = "glob"
)

// Rule is a learned or seeded organization rule. Callers pass rules
// pre-sorted (confidence descending); the first match wins and
// short-circuits the built-in heuristics. ID is opaque here; callers use
// it to record hits and misses once the verdict is decided.
type Rule struct {
	ID           string
	MatchKind    string
	Pattern      string
	Domain       string
	TargetFolder string
	Confidence   float64
}

// FileMeta is the on-disk identity of a candidate file.
type FileMeta struct {
	Path string
	Size int64
}

// Result is a classification verdict. MatchedRule is non-nil when a learned
// rule decided the outcome instead of the built-in heuristics.
type Result struct {
	Domain       string
	TargetFolder string
	Confidence   float64
	Reasoning    []string
	Fields       []Field
	MatchedRule  *Rule
}

// Classify scores meta and sample against learned rules first, then the
// built-in domain profiles. Zero signals yield UnsortedDomain at
// BaseConfidence.
func Classify(meta FileMeta, sample []byte, rules []Rule) Result {
	name := strings.ToLower(filepath.Base(meta.Path))
	ext := strings.ToLower(filepath.Ext(name))
	content := strings.ToLower(string(sample))

	for i := range rules {
		r := rules[i]
		if !ruleMatches(r, name, ext) {
			continue
		}
		folder := r.TargetFolder
		if folder == "" {
			folder = TargetFolderForDomain(r.Domain)
		}
		return Result{
			Domain:       r.Domain,
			TargetFolder: folder,
			Confidence:   clamp(r.Confidence),
			Reasoning:    []string{fmt.Sprintf("learned rule %s:%q maps to %s", r.MatchKind, r.Pattern, r.Domain)},
			Fields:       FieldsForDomain(r.Domain),
			MatchedRule:  &r,
		}
	}

	var (
		best        *domainProfile
		bestSignals int
		bestReasons []string
	)
	for i := range builtinProfiles {
		p := &builtinProfiles[i]
		signals, reasons := scoreProfile(p, name, ext, content, meta.Size)
		if signals > bestSignals {
			best = p
			bestSignals = signals
			bestReasons = reasons
		}
	}
	if best == nil {
		return Result{
			Domain:       UnsortedDomain,
			TargetFolder: UnsortedDomain,
			Confidence:   BaseConfidence,
			Reasoning:    []string{"no filename, extension, content, or size signals matched"},
		}
	}
	return Result{
		Domain:       best.name,
		TargetFolder: best.targetFolder,
		Confidence:   clamp(BaseConfidence + SignalWeight*float64(bestSignals)),
		Reasoning:    bestReasons,
		Fields:       append([]Field(nil), best.fields...),
	}
}

// scoreProfile counts how many independent signal kinds fire for one
// profile. Multiple keyword hits within a kind still count once.
func scoreProfile(p *domainProfile, name, ext, content string, size int64) (int, []string) {
	var (
		signals int
		reasons []string
	)
	for _, kw := range p.keywords {
		if strings.Contains(name, kw) {
			signals++
			reasons = append(reasons, fmt.Sprintf("filename contains %q", kw))
			break
		}
	}
	for _, e := range p.extensions {
		if ext == e {
			signals++
			reasons = append(reasons, fmt.Sprintf("extension %s is typical for %s", ext, p.name))
			break
		}
	}
	if content != "" {
		for _, w := range p.contentWords {
			if strings.Contains(content, w) {
				signals++
				reasons = append(reasons, fmt.Sprintf("content sample mentions %q", strings.TrimSpace(w)))
				break
			}
		}
	}
	if p.minBytes > 0 && size >= p.minBytes {
		signals++
		reasons = append(reasons, fmt.Sprintf("size %d bytes fits the %s profile", size, p.name))
	}
	return signals, reasons
}

func ruleMatches(r Rule, name, ext string) bool {
	pattern := strings.ToLower(strings.TrimSpace(r.Pattern))
	if pattern == "" {
		return false
	}
	switch r.MatchKind {
	case MatchExtension:
		if !strings.HasPrefix(pattern, ".") {
			pattern = "." + pattern
		}
		return ext == pattern
	case MatchKeyword:
		return strings.Contains(name, pattern)
	case MatchGlob:
		ok, err := filepath.Match(pattern, name)
		return err == nil && ok
	default:
		return false
	}
}

func clamp(v float64) float64 {
	if v > MaxConfidence {
		return MaxConfidence
	}
	if v < 0 {
		return 0
	}
	return v
}
