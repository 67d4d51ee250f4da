package organizer

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/classifier"
	"github.com/gracekernel/librarian/internal/ingest"
	"github.com/gracekernel/librarian/internal/store"
)

// suggestSampleBytes bounds how much of a file the classifier reads.
const suggestSampleBytes = 4096

// Suggest classifies one file without mutating anything. Learned rules are
// consulted before the built-in heuristics, highest confidence first.
func (o *Organizer) Suggest(ctx context.Context, path string) (*classifier.Result, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("suggest: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("suggest: %s is a directory", abs)
	}

	sample, err := ingest.Sample(abs, suggestSampleBytes)
	if err != nil {
		// Name, extension, and size signals still apply to unreadable files.
		o.logger.Debug("content sample unavailable", "path", abs, "error", err)
		sample = nil
	}

	rules, err := o.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	res := classifier.Classify(classifier.FileMeta{Path: abs, Size: info.Size()}, sample, classifierRules(rules))
	return &res, nil
}

// OrganizeAction is the band a classification landed in.
type OrganizeAction string

const (
	ActionMoved     OrganizeAction = "moved"
	ActionSuggested OrganizeAction = "suggested"
	ActionFlagged   OrganizeAction = "flagged"
)

// OrganizeOutcome reports what Organize did with one file.
type OrganizeOutcome struct {
	Action       OrganizeAction    `json:"action"`
	Domain       string            `json:"domain"`
	TargetFolder string            `json:"target_folder"`
	Confidence   float64           `json:"confidence"`
	Reasoning    []string          `json:"reasoning"`
	Operation    *store.Operation  `json:"operation,omitempty"`
	Suggestion   *store.Suggestion `json:"suggestion,omitempty"`
}

// Organize classifies a file and acts on the verdict: confident placements
// move immediately, mid-band ones become durable suggestions awaiting
// approval, and low-confidence files are flagged on the bus with no record.
// Quarantined sources never auto-move; their confident verdicts downgrade
// to suggestions so a human settles them.
func (o *Organizer) Organize(ctx context.Context, path, actor string) (*OrganizeOutcome, error) {
	res, err := o.Suggest(ctx, path)
	if err != nil {
		return nil, err
	}
	autoMoveAt, suggestAt := o.thresholds()
	quarantined := o.quarantined(ctx, absPath(path))
	if quarantined && res.Confidence >= autoMoveAt {
		res.Reasoning = append(res.Reasoning, "source is quarantined, auto-move withheld")
	}
	out := &OrganizeOutcome{
		Domain:       res.Domain,
		TargetFolder: res.TargetFolder,
		Confidence:   res.Confidence,
		Reasoning:    res.Reasoning,
	}

	switch {
	case res.Confidence >= autoMoveAt && !quarantined:
		op, err := o.Move(ctx, MoveRequest{
			SourcePath:   path,
			TargetFolder: res.TargetFolder,
			Actor:        actor,
			Detail:       verdictDetail(res),
		})
		if err != nil {
			return nil, err
		}
		if res.MatchedRule != nil {
			if err := o.store.RecordRuleHit(ctx, res.MatchedRule.ID); err != nil {
				o.logger.Warn("rule hit not recorded", "rule_id", res.MatchedRule.ID, "error", err)
			}
		}
		out.Action = ActionMoved
		out.Operation = op
		return out, nil

	case res.Confidence >= suggestAt:
		id, err := o.store.CreateSuggestion(ctx, store.Suggestion{
			Path:         absPath(path),
			Domain:       res.Domain,
			TargetFolder: res.TargetFolder,
			Confidence:   res.Confidence,
			Reasoning:    strings.Join(res.Reasoning, "; "),
		})
		if err != nil {
			return nil, fmt.Errorf("create suggestion: %w", err)
		}
		sg, err := o.store.GetSuggestion(ctx, id)
		if err != nil {
			return nil, err
		}
		if o.bus != nil {
			o.bus.Publish(bus.TopicSuggestionCreated, bus.SuggestionEvent{
				SuggestionID: sg.ID,
				Path:         sg.Path,
				Domain:       sg.Domain,
				TargetFolder: sg.TargetFolder,
				Confidence:   sg.Confidence,
			})
		}
		o.logger.Info("placement suggested", "path", sg.Path, "domain", sg.Domain, "confidence", sg.Confidence)
		out.Action = ActionSuggested
		out.Suggestion = sg
		return out, nil

	default:
		if o.bus != nil {
			o.bus.Publish(bus.TopicSuggestionFlagged, bus.SuggestionEvent{
				Path:         absPath(path),
				Domain:       res.Domain,
				TargetFolder: res.TargetFolder,
				Confidence:   res.Confidence,
			})
		}
		o.logger.Info("file flagged for review", "path", path, "domain", res.Domain, "confidence", res.Confidence)
		out.Action = ActionFlagged
		return out, nil
	}
}

// AcceptSuggestion applies a pending suggestion. The move lands before the
// status flips, so a failed move leaves the suggestion open for retry.
func (o *Organizer) AcceptSuggestion(ctx context.Context, id, actor string) (*store.Operation, error) {
	sg, err := o.store.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if sg.Status != store.SuggestionOpen {
		return nil, fmt.Errorf("%w: suggestion %s is %s, not OPEN", store.ErrInvalidTransition, id, sg.Status)
	}

	op, err := o.Move(ctx, MoveRequest{
		SourcePath:   sg.Path,
		TargetFolder: sg.TargetFolder,
		Actor:        actor,
		Detail:       fmt.Sprintf(`{"suggestion_id":%q}`, sg.ID),
	})
	if err != nil {
		return nil, err
	}
	ok, err := o.store.ResolveSuggestion(ctx, id, store.SuggestionAccepted)
	if err != nil {
		return nil, err
	}
	if !ok {
		o.logger.Warn("suggestion resolved concurrently after move", "suggestion_id", id)
	}
	return op, nil
}

// DismissSuggestion closes a pending suggestion without moving anything.
func (o *Organizer) DismissSuggestion(ctx context.Context, id string) error {
	ok, err := o.store.ResolveSuggestion(ctx, id, store.SuggestionDismissed)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: suggestion %s is not open", store.ErrInvalidTransition, id)
	}
	return nil
}

// classifierRules maps stored rules into the classifier's shape, highest
// confidence first with a lexicographic tie-break so classification stays
// deterministic.
func classifierRules(rules []store.Rule) []classifier.Rule {
	out := make([]classifier.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, classifier.Rule{
			ID:           r.ID,
			MatchKind:    string(r.MatchKind),
			Pattern:      r.Pattern,
			Domain:       r.Domain,
			TargetFolder: r.TargetFolder,
			Confidence:   r.Confidence,
		})
	}
	slices.SortStableFunc(out, func(a, b classifier.Rule) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(a.Pattern, b.Pattern)
	})
	return out
}

// quarantined reports whether the path's source row is quarantined after
// repeated audit flags. Missing rows and lookup errors read as clean.
func (o *Organizer) quarantined(ctx context.Context, path string) bool {
	src, err := o.store.GetSource(ctx, path)
	if err != nil {
		return false
	}
	return src.Status == store.SourceQuarantined
}

func verdictDetail(res *classifier.Result) string {
	detail := struct {
		Domain     string   `json:"domain"`
		Confidence float64  `json:"confidence"`
		Reasoning  []string `json:"reasoning"`
		RuleID     string   `json:"rule_id,omitempty"`
	}{
		Domain:     res.Domain,
		Confidence: res.Confidence,
		Reasoning:  res.Reasoning,
	}
	if res.MatchedRule != nil {
		detail.RuleID = res.MatchedRule.ID
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return ""
	}
	return string(b)
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
