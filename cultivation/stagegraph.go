/*
stagegraph.go - Per-site stage definitions and the directed edges between them

PURPOSE:
  A site's stages are the nodes and its transitions the edges of a directed
  graph. The lifecycle machine consults the graph to decide whether a batch
  may move from its current stage to a requested one.

EDGE RULES:
  - At most one transition per (from, to) pair per site.
  - Both endpoints must exist in the same site.
  - No self-loops and no edges leaving a terminal stage.
  - requiresApproval without approvalRole is malformed.

  ValidateEdge reports a missing edge as (nil, false, nil). Absence of an edge
  is an expected outcome; Lifecycle turns it into an InvalidTransitionError.

EXAMPLE:
  veg, _ := graph.CreateStage(ctx, site, StageInput{Key: "veg", SequenceOrder: 2})
  flower, _ := graph.CreateStage(ctx, site, StageInput{Key: "flower", SequenceOrder: 3})
  graph.CreateTransition(ctx, site, TransitionInput{
      From: veg.ID, To: flower.ID, RequiresApproval: true, ApprovalRole: "Manager",
  })

SEE ALSO:
  - lifecycle.go: Applies transitions to batches
  - factory/template.go: Builds whole graphs from templates
*/
package cultivation

import (
	"context"
	"errors"
	"strings"
)

// StageInput describes a stage to create.
type StageInput struct {
	Key                    string
	DisplayName            string
	SequenceOrder          int
	IsTerminal             bool
	RequiresHarvestMetrics bool
}

// TransitionInput describes an edge to create.
type TransitionInput struct {
	From             StageID
	To               StageID
	AutoAdvance      bool
	RequiresApproval bool
	ApprovalRole     string
}

// StageGraph manages stage and transition definitions.
type StageGraph struct {
	store Store
	opts  options
}

func NewStageGraph(store Store, opts ...Option) *StageGraph {
	return newStageGraph(store, buildOptions(opts))
}

func newStageGraph(store Store, o options) *StageGraph {
	return &StageGraph{store: store, opts: o}
}

// CreateStage adds a stage. Keys are case-sensitive and unique per site.
func (g *StageGraph) CreateStage(ctx context.Context, siteID SiteID, in StageInput) (*Stage, error) {
	if siteID == "" {
		return nil, invalid("site_id", "required")
	}
	if strings.TrimSpace(in.Key) == "" {
		return nil, invalid("key", "required")
	}
	stage := Stage{
		ID:                     StageID(NewID()),
		SiteID:                 siteID,
		Key:                    in.Key,
		DisplayName:            in.DisplayName,
		SequenceOrder:          in.SequenceOrder,
		IsTerminal:             in.IsTerminal,
		RequiresHarvestMetrics: in.RequiresHarvestMetrics,
		CreatedAt:              g.opts.now(),
	}
	if stage.DisplayName == "" {
		stage.DisplayName = in.Key
	}

	err := g.store.WithTx(ctx, func(tx Tx) error {
		_, err := tx.GetStageByKey(ctx, siteID, in.Key)
		switch {
		case err == nil:
			return &DuplicateKeyError{Entity: "stage", SiteID: siteID, Key: in.Key}
		case !errors.Is(err, ErrNotFound):
			return err
		}
		return tx.InsertStage(ctx, stage)
	})
	if err != nil {
		return nil, err
	}
	g.opts.log.Info().Str("site_id", string(siteID)).Str("stage_key", stage.Key).Msg("stage created")
	return &stage, nil
}

// CreateTransition adds a directed edge between two existing stages of a site.
func (g *StageGraph) CreateTransition(ctx context.Context, siteID SiteID, in TransitionInput) (*Transition, error) {
	if in.From == "" || in.To == "" {
		return nil, invalid("stage_id", "from and to are required")
	}
	if in.From == in.To {
		return nil, invalid("to_stage_id", "a stage cannot transition to itself")
	}
	if in.RequiresApproval && strings.TrimSpace(in.ApprovalRole) == "" {
		return nil, invalid("approval_role", "required when approval is required")
	}
	t := Transition{
		ID:               NewID(),
		SiteID:           siteID,
		FromStageID:      in.From,
		ToStageID:        in.To,
		AutoAdvance:      in.AutoAdvance,
		RequiresApproval: in.RequiresApproval,
		ApprovalRole:     in.ApprovalRole,
		CreatedAt:        g.opts.now(),
	}

	err := g.store.WithTx(ctx, func(tx Tx) error {
		from, err := tx.GetStage(ctx, siteID, in.From)
		if err != nil {
			return err
		}
		if _, err := tx.GetStage(ctx, siteID, in.To); err != nil {
			return err
		}
		if from.IsTerminal {
			return invalid("from_stage_id", "terminal stage "+from.Key+" cannot have outgoing transitions")
		}
		existing, err := tx.GetTransition(ctx, siteID, in.From, in.To)
		if err != nil {
			return err
		}
		if existing != nil {
			return &DuplicateKeyError{Entity: "transition", SiteID: siteID, Key: string(in.From) + "->" + string(in.To)}
		}
		return tx.InsertTransition(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ValidateEdge returns the transition from -> to, or ok=false when the graph
// has no such edge.
func (g *StageGraph) ValidateEdge(ctx context.Context, siteID SiteID, from, to StageID) (*Transition, bool, error) {
	return validateEdge(ctx, g.store, siteID, from, to)
}

func validateEdge(ctx context.Context, r Reader, siteID SiteID, from, to StageID) (*Transition, bool, error) {
	t, err := r.GetTransition(ctx, siteID, from, to)
	if err != nil {
		return nil, false, err
	}
	if t == nil {
		return nil, false, nil
	}
	return t, true, nil
}

func (g *StageGraph) Stage(ctx context.Context, siteID SiteID, id StageID) (*Stage, error) {
	return g.store.GetStage(ctx, siteID, id)
}

func (g *StageGraph) StageByKey(ctx context.Context, siteID SiteID, key string) (*Stage, error) {
	return g.store.GetStageByKey(ctx, siteID, key)
}

func (g *StageGraph) Stages(ctx context.Context, siteID SiteID) ([]Stage, error) {
	return g.store.ListStages(ctx, siteID)
}

func (g *StageGraph) Transitions(ctx context.Context, siteID SiteID) ([]Transition, error) {
	return g.store.ListTransitions(ctx, siteID)
}

// Outgoing lists the edges leaving a stage.
func (g *StageGraph) Outgoing(ctx context.Context, siteID SiteID, from StageID) ([]Transition, error) {
	if _, err := g.store.GetStage(ctx, siteID, from); err != nil {
		return nil, err
	}
	return g.store.ListTransitionsFrom(ctx, siteID, from)
}
