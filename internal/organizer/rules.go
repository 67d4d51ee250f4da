package organizer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/store"
)

// learnedRuleConfidence starts corrections in the suggest band; repeated
// confirmations push a rule over the auto-move threshold via hit credits.
const learnedRuleConfidence = 0.75

// LearnFromCorrection turns a manual filing into an organization rule, so
// later files with the same shape follow the user's choice instead of the
// built-in heuristics.
func (o *Organizer) LearnFromCorrection(ctx context.Context, sourcePath, domain, targetFolder string) (*store.Rule, error) {
	base := filepath.Base(sourcePath)
	kind, pattern := deriveRulePattern(base)
	if pattern == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoUsablePattern, base)
	}
	if targetFolder == "" {
		targetFolder = domain
	}
	id, err := o.store.UpsertRule(ctx, store.Rule{
		MatchKind:    kind,
		Pattern:      pattern,
		Domain:       domain,
		TargetFolder: targetFolder,
		Confidence:   learnedRuleConfidence,
		Origin:       "learned",
	})
	if err != nil {
		return nil, err
	}
	rule, err := o.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.bus != nil {
		o.bus.Publish(bus.TopicRuleLearned, bus.RuleEvent{
			RuleID:       rule.ID,
			MatchKind:    string(rule.MatchKind),
			Pattern:      rule.Pattern,
			Domain:       rule.Domain,
			TargetFolder: rule.TargetFolder,
			Confidence:   rule.Confidence,
		})
	}
	o.logger.Info("rule learned", "kind", kind, "pattern", pattern, "domain", domain)
	return rule, nil
}

// deriveRulePattern prefers the longest alphabetic token of the stem (at
// least 4 chars); short or numeric names fall back to the extension.
func deriveRulePattern(base string) (store.RuleMatchKind, string) {
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	var (
		best  string
		token strings.Builder
	)
	flush := func() {
		if token.Len() > len(best) {
			best = token.String()
		}
		token.Reset()
	}
	for _, r := range strings.ToLower(stem) {
		if unicode.IsLetter(r) {
			token.WriteRune(r)
			continue
		}
		flush()
	}
	flush()

	if len(best) >= 4 {
		return store.RuleMatchKeyword, best
	}
	if ext := strings.ToLower(filepath.Ext(base)); ext != "" {
		return store.RuleMatchExtension, ext
	}
	return "", ""
}
