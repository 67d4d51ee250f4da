// Package governance settles scout proposals. The gate itself is a pure
// confidence threshold; around it sits the plumbing that applies approved
// proposals, parks deferred ones for a human, and keeps rejections as
// terminal audit rows.
package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/classifier"
	"github.com/gracekernel/librarian/internal/config"
	"github.com/gracekernel/librarian/internal/organizer"
	"github.com/gracekernel/librarian/internal/queue"
	"github.com/gracekernel/librarian/internal/store"
)

// Decision is the outcome of the gate rule.
type Decision string

const (
	DecisionApprove      Decision = "approve"
	DecisionDeferToHuman Decision = "defer_to_human"
)

// Decide is the gate rule, kept pure: confidence at or above the threshold
// approves, anything lower waits for a human.
func Decide(confidence, threshold float64) Decision {
	if confidence >= threshold {
		return DecisionApprove
	}
	return DecisionDeferToHuman
}

var (
	// ErrAlreadyDecided rejects approve and reject calls on settled proposals.
	ErrAlreadyDecided = errors.New("proposal already decided")
	// ErrMalformedFields marks proposals whose field payload failed schema
	// validation. Such proposals are auto-rejected.
	ErrMalformedFields = errors.New("proposal fields failed validation")
)

// autoActor is the decided_by value for decisions no human made.
const autoActor = "governance-gate"

type Gate struct {
	store     *store.Store
	organizer *organizer.Organizer
	queues    *queue.Manager
	bus       *bus.Bus
	logger    *slog.Logger
	fields    *fieldsValidator

	mu        sync.RWMutex
	threshold float64
}

func New(st *store.Store, org *organizer.Organizer, queues *queue.Manager, eventBus *bus.Bus, cfg config.GovernanceConfig, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.AutoApproveThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	fv, err := newFieldsValidator()
	if err != nil {
		return nil, err
	}
	return &Gate{
		store:     st,
		organizer: org,
		queues:    queues,
		bus:       eventBus,
		logger:    logger.With("component", "governance"),
		threshold: threshold,
		fields:    fv,
	}, nil
}

// Threshold returns the auto-approve confidence bound.
func (g *Gate) Threshold() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.threshold
}

// SetThreshold re-applies the auto-approve bound without a restart. Values
// outside (0, 1] are ignored. Only new submissions see the change; pending
// proposals keep waiting for a decision.
func (g *Gate) SetThreshold(v float64) {
	if v <= 0 || v > 1 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if v != g.threshold {
		g.logger.Info("auto-approve threshold updated", "from", g.threshold, "to", v)
		g.threshold = v
	}
}

// Submit persists a scout verdict as a proposal and runs the gate over it.
// Confident proposals are approved and applied in the same call; the rest
// stay PENDING until a human decides.
func (g *Gate) Submit(ctx context.Context, kind store.ProposalKind, path string, res *classifier.Result) (*store.Proposal, error) {
	p := store.Proposal{
		Kind:         kind,
		SourcePath:   path,
		Domain:       res.Domain,
		TargetFolder: res.TargetFolder,
		Confidence:   res.Confidence,
		Reasoning:    strings.Join(res.Reasoning, "; "),
		Signals:      jsonStrings(res.Reasoning),
		Fields:       jsonFields(res.Fields),
	}
	if res.MatchedRule != nil {
		p.RuleID = res.MatchedRule.ID
	}
	id, err := g.store.CreateProposal(ctx, p)
	if err != nil {
		return nil, err
	}

	if Decide(res.Confidence, g.Threshold()) == DecisionApprove {
		return g.approve(ctx, id, autoActor)
	}

	got, err := g.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	g.publishDecision(got, bus.TopicGovernanceDeferred, "deferred", "")
	g.logger.Info("proposal deferred to human",
		"proposal_id", got.ID, "path", got.SourcePath, "domain", got.Domain, "confidence", got.Confidence)
	return got, nil
}

// Approve settles a pending proposal in the caller's name and applies it.
func (g *Gate) Approve(ctx context.Context, id, decidedBy string) (*store.Proposal, error) {
	if decidedBy == "" {
		decidedBy = "api"
	}
	return g.approve(ctx, id, decidedBy)
}

func (g *Gate) approve(ctx context.Context, id, decidedBy string) (*store.Proposal, error) {
	p, err := g.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}

	// Malformed field payloads never pass the gate, no matter who asks.
	if err := g.fields.validate(p.Fields); err != nil {
		return g.rejectMalformed(ctx, p, err)
	}

	ok, err := g.store.DecideProposal(ctx, id, store.ProposalApproved, decidedBy)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, p.Status)
	}
	if p.RuleID != "" {
		if err := g.store.RecordRuleHit(ctx, p.RuleID); err != nil {
			g.logger.Warn("rule hit not recorded", "rule_id", p.RuleID, "error", err)
		}
	}
	g.publishDecision(p, bus.TopicGovernanceApproved, "approved", decidedBy)
	g.logger.Info("proposal approved",
		"proposal_id", id, "path", p.SourcePath, "domain", p.Domain, "confidence", p.Confidence, "decided_by", decidedBy)

	if err := g.apply(ctx, p, decidedBy); err != nil {
		// The approval stands; the row stays APPROVED instead of APPLIED so
		// the stall is visible in proposal listings.
		return nil, fmt.Errorf("proposal %s approved but not applied: %w", id, err)
	}
	return g.store.GetProposal(ctx, id)
}

// Reject settles a pending proposal without acting on it. Rejections are
// terminal and the row is retained for audit.
func (g *Gate) Reject(ctx context.Context, id, decidedBy string) (*store.Proposal, error) {
	if decidedBy == "" {
		decidedBy = "api"
	}
	p, err := g.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := g.store.DecideProposal(ctx, id, store.ProposalRejected, decidedBy)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, p.Status)
	}
	if p.RuleID != "" {
		if err := g.store.RecordRuleMiss(ctx, p.RuleID); err != nil {
			g.logger.Warn("rule miss not recorded", "rule_id", p.RuleID, "error", err)
		}
	}
	g.publishDecision(p, bus.TopicGovernanceRejected, "rejected", decidedBy)
	g.logger.Info("proposal rejected", "proposal_id", id, "path", p.SourcePath, "decided_by", decidedBy)
	return g.store.GetProposal(ctx, id)
}

// apply executes what an approved proposal asked for: domain assignments
// move the file and feed ingestion, schema changes materialize the folder.
func (g *Gate) apply(ctx context.Context, p *store.Proposal, decidedBy string) error {
	switch p.Kind {
	case store.ProposalSchemaChange:
		if _, err := g.organizer.EnsureFolder(p.TargetFolder); err != nil {
			return err
		}
	case store.ProposalDomainAssignment:
		op, err := g.organizer.Move(ctx, organizer.MoveRequest{
			SourcePath:   p.SourcePath,
			TargetFolder: p.TargetFolder,
			Actor:        decidedBy,
			Detail:       fmt.Sprintf(`{"proposal_id":%q}`, p.ID),
		})
		if err != nil {
			return err
		}
		if g.queues != nil {
			// Ingestion follows the file to its new home. A saturated queue
			// is backpressure, not loss: a later scan re-derives the work.
			if _, err := g.queues.Enqueue(queue.KindIngestFile, op.TargetPath, "", false); err != nil {
				g.logger.Warn("ingestion not enqueued", "path", op.TargetPath, "error", err)
			}
		}
	default:
		return fmt.Errorf("unknown proposal kind %q", p.Kind)
	}
	if _, err := g.store.MarkProposalApplied(ctx, p.ID); err != nil {
		return err
	}
	return nil
}

func (g *Gate) rejectMalformed(ctx context.Context, p *store.Proposal, cause error) (*store.Proposal, error) {
	ok, err := g.store.DecideProposal(ctx, p.ID, store.ProposalRejected, autoActor)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, p.ID, p.Status)
	}
	g.publishDecision(p, bus.TopicGovernanceRejected, "rejected", autoActor)
	g.logger.Warn("proposal rejected on malformed fields", "proposal_id", p.ID, "error", cause)
	return nil, fmt.Errorf("%w: %v", ErrMalformedFields, cause)
}

func (g *Gate) publishDecision(p *store.Proposal, topic, decision, decidedBy string) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(topic, bus.GovernanceEvent{
		ProposalID: p.ID,
		SourcePath: p.SourcePath,
		Domain:     p.Domain,
		Confidence: p.Confidence,
		Decision:   decision,
		DecidedBy:  decidedBy,
	})
}

func jsonStrings(ss []string) string {
	b, err := json.Marshal(ss)
	if err != nil || ss == nil {
		return "[]"
	}
	return string(b)
}

func jsonFields(fields []classifier.Field) string {
	if len(fields) == 0 {
		return "[]"
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "[]"
	}
	return string(b)
}
