package cultivation

import (
	"context"
	"errors"
	"fmt"
)

// PropagationOutcome says what happened to a propagation request.
type PropagationOutcome string

const (
	// OutcomeCommitted: the clones were recorded against the ledger.
	OutcomeCommitted PropagationOutcome = "committed"
	// OutcomeDiverted: limits were exceeded and the site requires approval,
	// so a Pending override was opened instead.
	OutcomeDiverted PropagationOutcome = "diverted"
)

// PropagateInput is a request to take clones from a mother plant.
type PropagateInput struct {
	MotherPlantID MotherPlantID
	Count         int
	Notes         string
	// Reason is used for the override when the request is diverted.
	Reason string
}

// PropagationResult carries Commit when committed, Override and Limit when diverted.
type PropagationResult struct {
	Outcome  PropagationOutcome
	Commit   *Commit
	Override *OverrideRequest
	Limit    *LimitExceededError
}

// PropagationService routes requests between the governor and the override
// workflow:
//
//	within limits                      -> commit
//	over limits, approval not required -> *LimitExceededError
//	over limits, approval required     -> Pending override (Diverted)
//	approved override                  -> ExecuteOverride commits with bypass
type PropagationService struct {
	store     Store
	opts      options
	governor  *Governor
	overrides *Overrides
}

func NewPropagationService(store Store, governor *Governor, overrides *Overrides, opts ...Option) *PropagationService {
	return &PropagationService{store: store, opts: buildOptions(opts), governor: governor, overrides: overrides}
}

func (p *PropagationService) Propagate(ctx context.Context, siteID SiteID, in PropagateInput, actor Actor) (*PropagationResult, error) {
	c, err := p.governor.CommitPropagation(ctx, CommitRequest{
		SiteID:        siteID,
		MotherPlantID: in.MotherPlantID,
		Count:         in.Count,
		Actor:         actor,
		Notes:         in.Notes,
	})
	if err == nil {
		return &PropagationResult{Outcome: OutcomeCommitted, Commit: c}, nil
	}

	var limit *LimitExceededError
	if !errors.As(err, &limit) {
		return nil, err
	}
	settings, serr := p.store.GetPropagationSettings(ctx, siteID)
	if serr != nil {
		return nil, serr
	}
	if !settings.RequiresOverrideApproval {
		return nil, err
	}

	reason := in.Reason
	if reason == "" {
		reason = fmt.Sprintf("%s limit exceeded: %d requested, %d of %d used", limit.Scope, limit.Requested, limit.Used, limit.Limit)
	}
	mother := in.MotherPlantID
	o, oerr := p.overrides.Request(ctx, siteID, OverrideInput{
		MotherPlantID: &mother,
		Quantity:      in.Count,
		Reason:        reason,
	}, actor)
	if oerr != nil {
		return nil, oerr
	}
	return &PropagationResult{Outcome: OutcomeDiverted, Override: o, Limit: limit}, nil
}

// ExecuteOverride commits an approved override exactly once.
func (p *PropagationService) ExecuteOverride(ctx context.Context, siteID SiteID, id OverrideID, actor Actor, notes string) (*Commit, error) {
	return p.governor.CommitApprovedOverride(ctx, siteID, id, actor, notes)
}
