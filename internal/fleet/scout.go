package fleet

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/gracekernel/librarian/internal/classifier"
	"github.com/gracekernel/librarian/internal/governance"
	"github.com/gracekernel/librarian/internal/organizer"
	"github.com/gracekernel/librarian/internal/store"
)

// schemaScout classifies one file and submits the verdict to the governance
// gate. Every verdict becomes a proposal, confident or not; the gate decides
// whether it applies now or waits for a human. When the verdict names a
// domain outside the built-in set, a schema change proposal goes in first so
// the domain's folder and fields are settled before any file moves there.
type schemaScout struct {
	org    *organizer.Organizer
	gate   *governance.Gate
	logger *slog.Logger
}

func newSchemaScout(deps Deps) Agent {
	return &schemaScout{
		org:    deps.Organizer,
		gate:   deps.Gate,
		logger: deps.Logger.With("agent", string(KindSchemaScout)),
	}
}

func (a *schemaScout) Kind() Kind { return KindSchemaScout }

func (a *schemaScout) Execute(ctx context.Context, task Task) (Report, error) {
	res, err := a.org.Suggest(ctx, task.Path)
	if err != nil {
		return Report{}, err
	}

	facts := map[string]string{
		"domain":     res.Domain,
		"confidence": strconv.FormatFloat(res.Confidence, 'f', 2, 64),
	}

	if !classifier.KnownDomain(res.Domain) {
		// Rule credit rides on the assignment proposal alone, so the
		// schema submission drops the matched rule.
		schemaRes := *res
		schemaRes.MatchedRule = nil
		schema, err := a.gate.Submit(ctx, store.ProposalSchemaChange, task.Path, &schemaRes)
		if err != nil {
			return Report{}, err
		}
		facts["schema_proposal_id"] = schema.ID
		facts["schema_proposal_status"] = string(schema.Status)
		a.logger.Info("new domain proposed",
			"path", task.Path, "domain", res.Domain, "proposal_id", schema.ID, "status", schema.Status)
	}

	p, err := a.gate.Submit(ctx, store.ProposalDomainAssignment, task.Path, res)
	if err != nil {
		return Report{}, err
	}
	facts["proposal_id"] = p.ID
	facts["proposal_status"] = string(p.Status)

	outcome := "proposal_deferred"
	if p.Status == store.ProposalApplied || p.Status == store.ProposalApproved {
		outcome = "proposal_applied"
	}
	a.logger.Info("scout verdict submitted",
		"path", task.Path, "domain", res.Domain, "confidence", res.Confidence, "status", p.Status)
	return Report{Outcome: outcome, Facts: facts}, nil
}
