/*
lifecycle.go - The batch lifecycle state machine

PURPOSE:
  Validates and applies stage transitions for a batch, recording one
  StageHistory row per executed transition. Also owns batch creation,
  splitting, plant count and harvest metric changes.

ADVANCE FLOW:
  ┌───────────────────────────────────────────────────────────────────┐
  │  lock batch ─▶ load batch ─▶ current stage terminal? ─▶ edge?     │
  │                                   │ yes                  │ none   │
  │                                   ▼                      ▼        │
  │                         TerminalStageError   InvalidTransitionError│
  │                                                                   │
  │  approval role? ─▶ harvest metrics? ─▶ update batch + history     │
  │       │ mismatch         │ missing          (one transaction)     │
  │       ▼                  ▼                          │             │
  │  ApprovalRequired   PreconditionError              ▼             │
  │                                          auto-advance chain       │
  └───────────────────────────────────────────────────────────────────┘

AUTO-ADVANCE:
  When the applied edge has AutoAdvance set, the machine keeps following the
  single outgoing auto-advance edge of the new stage. The chain stops when
  there is no such edge, more than one, the edge would be rejected, or a stage
  repeats. It never runs more hops than the graph has stages. Every hop gets
  its own history row, all inside the same transaction.

RETRIES:
  Advance evaluates edges from the batch's stage at the time of the call.
  Replaying an advance after it committed evaluates from the new stage, so a
  transition is never applied twice for the same input.

TERMINAL BATCHES:
  Once in a terminal stage a batch is read-only except for harvest metrics.

SEE ALSO:
  - stagegraph.go: Edge definitions
  - genealogy.go: Relationship recording used by SplitBatch
*/
package cultivation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Lifecycle is the BatchLifecycleMachine.
type Lifecycle struct {
	store Store
	opts  options
}

func NewLifecycle(store Store, opts ...Option) *Lifecycle {
	return newLifecycle(store, buildOptions(opts))
}

func newLifecycle(store Store, o options) *Lifecycle {
	return &Lifecycle{store: store, opts: o}
}

// =============================================================================
// INPUTS AND RESULTS
// =============================================================================

// NewBatch describes a batch to create. StageID is the initial stage.
type NewBatch struct {
	Code             string
	Name             string
	StrainID         string
	Type             BatchType
	SourceType       SourceType
	ParentBatchID    *BatchID
	PlantCount       int
	TargetPlantCount int
	StageID          StageID
	Location         string
	Metadata         map[string]string
	Notes            string
}

// AdvanceResult is the batch after the call plus every transition applied,
// the requested one first and any auto-advance hops after it.
type AdvanceResult struct {
	Batch       Batch
	Applied     []StageHistory
	Transitions []Transition
}

// Final is the stage the batch ended in.
func (r *AdvanceResult) Final() StageID { return r.Batch.CurrentStageID }

// SplitResult is the outcome of SplitBatch.
type SplitResult struct {
	Parent       Batch
	Child        Batch
	Relationship BatchRelationship
}

// HarvestInput carries harvest measurements. HarvestDate is appended to the
// batch's harvest dates if not already present.
type HarvestInput struct {
	HarvestDate      Day
	WetWeightGrams   decimal.Decimal
	DryWeightGrams   decimal.NullDecimal
	WasteWeightGrams decimal.NullDecimal
}

// =============================================================================
// QUERIES
// =============================================================================

func (l *Lifecycle) Get(ctx context.Context, siteID SiteID, id BatchID) (*Batch, error) {
	return l.store.GetBatch(ctx, siteID, id)
}

func (l *Lifecycle) List(ctx context.Context, siteID SiteID) ([]Batch, error) {
	return l.store.ListBatches(ctx, siteID)
}

// History returns the batch's stage history, oldest first.
func (l *Lifecycle) History(ctx context.Context, siteID SiteID, id BatchID) ([]StageHistory, error) {
	if _, err := l.store.GetBatch(ctx, siteID, id); err != nil {
		return nil, err
	}
	return l.store.ListStageHistory(ctx, id)
}

// =============================================================================
// CREATE
// =============================================================================

// CreateBatch creates a batch in its initial stage and writes the initial
// history row (FromStageID nil) in the same transaction.
func (l *Lifecycle) CreateBatch(ctx context.Context, siteID SiteID, in NewBatch, actor Actor) (*Batch, error) {
	if err := validateNewBatch(&in); err != nil {
		return nil, err
	}
	var created *Batch
	var history StageHistory
	err := l.store.WithTx(ctx, func(tx Tx) error {
		b, h, err := l.createBatchTx(ctx, tx, siteID, in, actor)
		if err != nil {
			return err
		}
		created, history = b, h
		return ctx.Err()
	})
	if err != nil {
		return nil, l.opts.reportIntegrity(err)
	}

	l.opts.log.Info().
		Str("site_id", string(siteID)).
		Str("batch_id", string(created.ID)).
		Str("code", created.Code).
		Int("generation", created.Generation).
		Msg("batch created")
	l.opts.emit(ctx, Event{
		Kind:      EventBatchCreated,
		SiteID:    siteID,
		ActorID:   actor.UserID,
		BatchID:   created.ID,
		ToStageID: history.ToStageID,
		Quantity:  created.PlantCount,
	})
	return created, nil
}

func validateNewBatch(in *NewBatch) error {
	if strings.TrimSpace(in.Code) == "" {
		return invalid("code", "required")
	}
	if in.StageID == "" {
		return invalid("stage_id", "initial stage is required")
	}
	if in.PlantCount < 0 {
		return invalid("plant_count", "must be >= 0")
	}
	if in.TargetPlantCount < 0 {
		return invalid("target_plant_count", "must be >= 0")
	}
	if in.Type == "" {
		in.Type = BatchProduction
	}
	if _, err := ParseBatchType(string(in.Type)); err != nil {
		return err
	}
	if in.SourceType == "" {
		return invalid("source_type", "required")
	}
	if _, err := ParseSourceType(string(in.SourceType)); err != nil {
		return err
	}
	return nil
}

func (l *Lifecycle) createBatchTx(ctx context.Context, tx Tx, siteID SiteID, in NewBatch, actor Actor) (*Batch, StageHistory, error) {
	stage, err := tx.GetStage(ctx, siteID, in.StageID)
	if err != nil {
		return nil, StageHistory{}, err
	}

	generation := 0
	if in.ParentBatchID != nil {
		parent, err := tx.GetBatch(ctx, siteID, *in.ParentBatchID)
		if err != nil {
			return nil, StageHistory{}, err
		}
		generation = parent.Generation + 1
	}

	now := l.opts.now()
	b := Batch{
		ID:               BatchID(NewID()),
		SiteID:           siteID,
		StrainID:         in.StrainID,
		Code:             in.Code,
		Name:             in.Name,
		Type:             in.Type,
		SourceType:       in.SourceType,
		ParentBatchID:    in.ParentBatchID,
		Generation:       generation,
		PlantCount:       in.PlantCount,
		TargetPlantCount: in.TargetPlantCount,
		CurrentStageID:   stage.ID,
		StageStartedAt:   now,
		Location:         in.Location,
		Status:           BatchActive,
		Metadata:         in.Metadata,
		CreatedAt:        now,
		CreatedBy:        actor.UserID,
		UpdatedAt:        now,
		UpdatedBy:        actor.UserID,
	}
	if stage.IsTerminal {
		b.Status = BatchCompleted
	}
	if err := tx.InsertBatch(ctx, b); err != nil {
		return nil, StageHistory{}, err
	}

	h := StageHistory{
		ID:        NewID(),
		BatchID:   b.ID,
		ToStageID: stage.ID,
		ChangedBy: actor.UserID,
		ChangedAt: now,
		Notes:     in.Notes,
	}
	if err := tx.AppendStageHistory(ctx, h); err != nil {
		return nil, StageHistory{}, err
	}
	return &b, h, nil
}

// =============================================================================
// ADVANCE
// =============================================================================

// Advance moves a batch to the given stage.
func (l *Lifecycle) Advance(ctx context.Context, siteID SiteID, id BatchID, to StageID, actor Actor, notes string) (*AdvanceResult, error) {
	var result *AdvanceResult
	err := l.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.Lock(ctx, batchLockKey(id)); err != nil {
			return err
		}
		b, err := tx.GetBatch(ctx, siteID, id)
		if err != nil {
			return err
		}

		r := &AdvanceResult{}
		edge, target, err := l.check(ctx, tx, b, to, actor)
		if err != nil {
			return err
		}
		if err := l.apply(ctx, tx, b, edge, target, actor, notes, r); err != nil {
			return err
		}
		if edge.AutoAdvance {
			if err := l.autoAdvance(ctx, tx, b, actor, r); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.Batch = *b
		result = r
		return nil
	})
	if err != nil {
		l.recordRejection(siteID, id, to, err)
		return nil, l.opts.reportIntegrity(err)
	}

	for _, h := range result.Applied {
		l.opts.metrics.transition("applied")
		from := StageID("")
		if h.FromStageID != nil {
			from = *h.FromStageID
		}
		l.opts.log.Info().
			Str("site_id", string(siteID)).
			Str("batch_id", string(id)).
			Str("from_stage_id", string(from)).
			Str("to_stage_id", string(h.ToStageID)).
			Str("actor", actor.UserID).
			Msg("stage transition applied")
		l.opts.emit(ctx, Event{
			Kind:        EventLifecycleChanged,
			SiteID:      siteID,
			ActorID:     actor.UserID,
			BatchID:     id,
			FromStageID: from,
			ToStageID:   h.ToStageID,
			OccurredAt:  h.ChangedAt,
		})
	}
	return result, nil
}

func (l *Lifecycle) recordRejection(siteID SiteID, id BatchID, to StageID, err error) {
	if IsRejection(err) || IsNotFound(err) {
		l.opts.metrics.transition("rejected")
		l.opts.log.Debug().Err(err).
			Str("site_id", string(siteID)).
			Str("batch_id", string(id)).
			Str("to_stage_id", string(to)).
			Msg("stage transition rejected")
		return
	}
	l.opts.metrics.transition("error")
}

// check runs every rule that can reject b moving to `to` without writing.
func (l *Lifecycle) check(ctx context.Context, tx Tx, b *Batch, to StageID, actor Actor) (*Transition, *Stage, error) {
	current, err := tx.GetStage(ctx, b.SiteID, b.CurrentStageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, &IntegrityError{Entity: "batch", ID: string(b.ID),
				Detail: fmt.Sprintf("current stage %s does not exist", b.CurrentStageID)}
		}
		return nil, nil, err
	}
	if current.IsTerminal {
		return nil, nil, &TerminalStageError{BatchID: b.ID, StageID: current.ID}
	}

	edge, ok, err := validateEdge(ctx, tx, b.SiteID, current.ID, to)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, &InvalidTransitionError{From: current.ID, To: to}
	}
	if edge.RequiresApproval && actor.Role != edge.ApprovalRole {
		return nil, nil, &ApprovalRequiredError{RequiredRole: edge.ApprovalRole, ActorRole: actor.Role}
	}

	target, err := tx.GetStage(ctx, b.SiteID, to)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, &IntegrityError{Entity: "transition", ID: edge.ID,
				Detail: fmt.Sprintf("target stage %s does not exist", to)}
		}
		return nil, nil, err
	}
	if target.RequiresHarvestMetrics {
		if missing := b.MissingHarvestFields(); len(missing) > 0 {
			return nil, nil, &PreconditionError{BatchID: b.ID, Missing: missing}
		}
	}
	return edge, target, nil
}

// apply mutates b and writes the batch row and one history row.
func (l *Lifecycle) apply(ctx context.Context, tx Tx, b *Batch, edge *Transition, target *Stage, actor Actor, notes string, r *AdvanceResult) error {
	now := l.opts.now()
	from := b.CurrentStageID

	b.CurrentStageID = target.ID
	b.StageStartedAt = now
	b.UpdatedAt = now
	b.UpdatedBy = actor.UserID
	if target.IsTerminal {
		b.Status = BatchCompleted
	}
	if err := tx.UpdateBatch(ctx, *b); err != nil {
		return err
	}

	h := StageHistory{
		ID:          NewID(),
		BatchID:     b.ID,
		FromStageID: &from,
		ToStageID:   target.ID,
		ChangedBy:   actor.UserID,
		ChangedAt:   now,
		Notes:       notes,
	}
	if err := tx.AppendStageHistory(ctx, h); err != nil {
		return err
	}
	r.Applied = append(r.Applied, h)
	r.Transitions = append(r.Transitions, *edge)
	return nil
}

func (l *Lifecycle) autoAdvance(ctx context.Context, tx Tx, b *Batch, actor Actor, r *AdvanceResult) error {
	stages, err := tx.ListStages(ctx, b.SiteID)
	if err != nil {
		return err
	}
	visited := map[StageID]bool{}
	for _, h := range r.Applied {
		visited[*h.FromStageID] = true
		visited[h.ToStageID] = true
	}

	for hop := 0; hop < len(stages); hop++ {
		out, err := tx.ListTransitionsFrom(ctx, b.SiteID, b.CurrentStageID)
		if err != nil {
			return err
		}
		var next []Transition
		for _, t := range out {
			if t.AutoAdvance {
				next = append(next, t)
			}
		}
		if len(next) != 1 || visited[next[0].ToStageID] {
			return nil
		}

		edge, target, err := l.check(ctx, tx, b, next[0].ToStageID, actor)
		if err != nil {
			if IsRejection(err) {
				l.opts.log.Debug().Err(err).
					Str("batch_id", string(b.ID)).
					Str("to_stage_id", string(next[0].ToStageID)).
					Msg("auto-advance stopped")
				return nil
			}
			return err
		}
		if err := l.apply(ctx, tx, b, edge, target, actor, "auto-advance", r); err != nil {
			return err
		}
		visited[target.ID] = true
	}
	return nil
}

// =============================================================================
// SPLIT, HARVEST, PLANT COUNT
// =============================================================================

// SplitBatch moves count plants from a parent into a new child batch and
// records a split relationship, all in one transaction. The child starts in
// the parent's current stage unless child.StageID is set.
func (l *Lifecycle) SplitBatch(ctx context.Context, siteID SiteID, parentID BatchID, child NewBatch, count int, actor Actor) (*SplitResult, error) {
	if count <= 0 {
		return nil, invalid("count", "must be > 0")
	}
	child.ParentBatchID = &parentID
	child.PlantCount = count

	var result *SplitResult
	err := l.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.Lock(ctx, genealogyLockKey(siteID)); err != nil {
			return err
		}
		if err := tx.Lock(ctx, batchLockKey(parentID)); err != nil {
			return err
		}
		parent, err := tx.GetBatch(ctx, siteID, parentID)
		if err != nil {
			return err
		}
		if err := requireMutable(ctx, tx, parent); err != nil {
			return err
		}
		if count > parent.PlantCount {
			return invalid("count", fmt.Sprintf("parent has %d plants, cannot transfer %d", parent.PlantCount, count))
		}

		if child.StageID == "" {
			child.StageID = parent.CurrentStageID
		}
		if child.StrainID == "" {
			child.StrainID = parent.StrainID
		}
		if child.SourceType == "" {
			child.SourceType = parent.SourceType
		}
		if err := validateNewBatch(&child); err != nil {
			return err
		}
		c, _, err := l.createBatchTx(ctx, tx, siteID, child, actor)
		if err != nil {
			return err
		}

		now := l.opts.now()
		parent.PlantCount -= count
		parent.UpdatedAt = now
		parent.UpdatedBy = actor.UserID
		if err := tx.UpdateBatch(ctx, *parent); err != nil {
			return err
		}

		rel := BatchRelationship{
			ID:                    NewID(),
			SiteID:                siteID,
			ParentBatchID:         parentID,
			ChildBatchID:          c.ID,
			Type:                  RelationshipSplit,
			PlantCountTransferred: IntPtr(count),
			TransferDate:          now,
			Notes:                 child.Notes,
			CreatedBy:             actor.UserID,
		}
		if err := tx.InsertRelationship(ctx, rel); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		result = &SplitResult{Parent: *parent, Child: *c, Relationship: rel}
		return nil
	})
	if err != nil {
		return nil, l.opts.reportIntegrity(err)
	}

	l.opts.log.Info().
		Str("site_id", string(siteID)).
		Str("parent_batch_id", string(parentID)).
		Str("child_batch_id", string(result.Child.ID)).
		Int("plants", count).
		Msg("batch split")
	l.opts.emit(ctx, Event{
		Kind:      EventBatchCreated,
		SiteID:    siteID,
		ActorID:   actor.UserID,
		BatchID:   result.Child.ID,
		ToStageID: result.Child.CurrentStageID,
		Quantity:  count,
	})
	return result, nil
}

// requireMutable rejects changes to a batch sitting in a terminal stage.
func requireMutable(ctx context.Context, tx Tx, b *Batch) error {
	stage, err := tx.GetStage(ctx, b.SiteID, b.CurrentStageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &IntegrityError{Entity: "batch", ID: string(b.ID),
				Detail: fmt.Sprintf("current stage %s does not exist", b.CurrentStageID)}
		}
		return err
	}
	if stage.IsTerminal {
		return &TerminalStageError{BatchID: b.ID, StageID: stage.ID}
	}
	return nil
}

// AdjustPlantCount records a new plant count (culls, losses, recounts).
func (l *Lifecycle) AdjustPlantCount(ctx context.Context, siteID SiteID, id BatchID, count int, actor Actor) (*Batch, error) {
	if count < 0 {
		return nil, invalid("plant_count", "must be >= 0")
	}
	return l.mutate(ctx, siteID, id, func(tx Tx, b *Batch) error {
		if err := requireMutable(ctx, tx, b); err != nil {
			return err
		}
		b.PlantCount = count
		return nil
	}, actor)
}

// RecordHarvestMetrics sets harvest measurements. Allowed in any stage,
// including terminal ones.
func (l *Lifecycle) RecordHarvestMetrics(ctx context.Context, siteID SiteID, id BatchID, in HarvestInput, actor Actor) (*Batch, error) {
	if in.HarvestDate.IsZero() {
		return nil, invalid("harvest_date", "required")
	}
	if !in.WetWeightGrams.IsPositive() {
		return nil, invalid("wet_weight_grams", "must be > 0")
	}
	if in.DryWeightGrams.Valid && in.DryWeightGrams.Decimal.IsNegative() {
		return nil, invalid("dry_weight_grams", "must be >= 0")
	}
	if in.WasteWeightGrams.Valid && in.WasteWeightGrams.Decimal.IsNegative() {
		return nil, invalid("waste_weight_grams", "must be >= 0")
	}

	return l.mutate(ctx, siteID, id, func(_ Tx, b *Batch) error {
		if !containsDay(b.HarvestDates, in.HarvestDate) {
			b.HarvestDates = append(b.HarvestDates, in.HarvestDate)
			sort.Slice(b.HarvestDates, func(i, j int) bool { return b.HarvestDates[i].Before(b.HarvestDates[j]) })
		}
		b.Harvest = &HarvestMetrics{
			WetWeightGrams:   in.WetWeightGrams,
			DryWeightGrams:   in.DryWeightGrams,
			WasteWeightGrams: in.WasteWeightGrams,
			RecordedBy:       actor.UserID,
			RecordedAt:       l.opts.now(),
		}
		return nil
	}, actor)
}

func (l *Lifecycle) mutate(ctx context.Context, siteID SiteID, id BatchID, fn func(Tx, *Batch) error, actor Actor) (*Batch, error) {
	var out *Batch
	err := l.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.Lock(ctx, batchLockKey(id)); err != nil {
			return err
		}
		b, err := tx.GetBatch(ctx, siteID, id)
		if err != nil {
			return err
		}
		if err := fn(tx, b); err != nil {
			return err
		}
		b.UpdatedAt = l.opts.now()
		b.UpdatedBy = actor.UserID
		if err := tx.UpdateBatch(ctx, *b); err != nil {
			return err
		}
		out = b
		return ctx.Err()
	})
	if err != nil {
		return nil, l.opts.reportIntegrity(err)
	}
	return out, nil
}

func containsDay(days []Day, d Day) bool {
	for _, x := range days {
		if x.Equal(d) {
			return true
		}
	}
	return false
}

