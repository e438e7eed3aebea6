package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/cultivation-engine/cultivation"
)

// =============================================================================
// ROW SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

// collect drains rows through scan.
func collect[T any](rows *sql.Rows, err error, what string, scan func(scanner) (T, error)) ([]T, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", what, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// one scans a single row, mapping sql.ErrNoRows to a NotFoundError.
func one[T any](row *sql.Row, entity, id string, scan func(scanner) (T, error)) (*T, error) {
	v, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &cultivation.NotFoundError{Entity: entity, ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// =============================================================================
// STAGES & TRANSITIONS
// =============================================================================

const stageColumns = `id, site_id, stage_key, display_name, sequence_order, is_terminal, requires_harvest_metrics, created_at`

func scanStage(sc scanner) (cultivation.Stage, error) {
	var (
		s         cultivation.Stage
		createdAt string
	)
	if err := sc.Scan(&s.ID, &s.SiteID, &s.Key, &s.DisplayName, &s.SequenceOrder,
		&s.IsTerminal, &s.RequiresHarvestMetrics, &createdAt); err != nil {
		return s, fmt.Errorf("failed to scan stage: %w", err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return s, cultivation.Integrity("stage", string(s.ID), err)
	}
	s.CreatedAt = t
	return s, nil
}

func (q queries) GetStage(ctx context.Context, site cultivation.SiteID, id cultivation.StageID) (*cultivation.Stage, error) {
	return one(q.row(ctx, `SELECT `+stageColumns+` FROM stages WHERE site_id = ? AND id = ?`, site, id),
		"stage", string(id), scanStage)
}

func (q queries) GetStageByKey(ctx context.Context, site cultivation.SiteID, key string) (*cultivation.Stage, error) {
	return one(q.row(ctx, `SELECT `+stageColumns+` FROM stages WHERE site_id = ? AND stage_key = ?`, site, key),
		"stage", key, scanStage)
}

func (q queries) ListStages(ctx context.Context, site cultivation.SiteID) ([]cultivation.Stage, error) {
	rows, err := q.query(ctx, `SELECT `+stageColumns+` FROM stages WHERE site_id = ? ORDER BY sequence_order, stage_key`, site)
	return collect(rows, err, "stages", scanStage)
}

const transitionColumns = `id, site_id, from_stage_id, to_stage_id, auto_advance, requires_approval, approval_role, created_at`

func scanTransition(sc scanner) (cultivation.Transition, error) {
	var (
		t         cultivation.Transition
		createdAt string
	)
	if err := sc.Scan(&t.ID, &t.SiteID, &t.FromStageID, &t.ToStageID,
		&t.AutoAdvance, &t.RequiresApproval, &t.ApprovalRole, &createdAt); err != nil {
		return t, fmt.Errorf("failed to scan transition: %w", err)
	}
	ts, err := parseTime(createdAt)
	if err != nil {
		return t, cultivation.Integrity("transition", t.ID, err)
	}
	t.CreatedAt = ts
	return t, nil
}

func (q queries) GetTransition(ctx context.Context, site cultivation.SiteID, from, to cultivation.StageID) (*cultivation.Transition, error) {
	t, err := one(q.row(ctx, `SELECT `+transitionColumns+` FROM transitions
		WHERE site_id = ? AND from_stage_id = ? AND to_stage_id = ?`, site, from, to),
		"transition", "", scanTransition)
	if cultivation.IsNotFound(err) {
		return nil, nil
	}
	return t, err
}

func (q queries) ListTransitions(ctx context.Context, site cultivation.SiteID) ([]cultivation.Transition, error) {
	rows, err := q.query(ctx, `SELECT `+transitionColumns+` FROM transitions WHERE site_id = ? ORDER BY seq`, site)
	return collect(rows, err, "transitions", scanTransition)
}

func (q queries) ListTransitionsFrom(ctx context.Context, site cultivation.SiteID, from cultivation.StageID) ([]cultivation.Transition, error) {
	rows, err := q.query(ctx, `SELECT `+transitionColumns+` FROM transitions
		WHERE site_id = ? AND from_stage_id = ? ORDER BY seq`, site, from)
	return collect(rows, err, "transitions", scanTransition)
}

// =============================================================================
// BATCHES
// =============================================================================

const batchColumns = `id, site_id, strain_id, code, name, batch_type, source_type, parent_batch_id,
	generation, plant_count, target_plant_count, current_stage_id, stage_started_at, harvest_dates,
	wet_weight_grams, dry_weight_grams, waste_weight_grams, harvest_recorded_by, harvest_recorded_at,
	location, status, metadata, created_at, created_by, updated_at, updated_by`

func scanBatch(sc scanner) (cultivation.Batch, error) {
	var (
		b                      cultivation.Batch
		batchType, sourceType  string
		status                 string
		parent                 sql.NullString
		stageStarted           string
		harvestDates, metadata string
		wet, dry, waste        decimal.NullDecimal
		harvestBy, harvestAt   sql.NullString
		createdAt, updatedAt   string
	)
	if err := sc.Scan(&b.ID, &b.SiteID, &b.StrainID, &b.Code, &b.Name, &batchType, &sourceType, &parent,
		&b.Generation, &b.PlantCount, &b.TargetPlantCount, &b.CurrentStageID, &stageStarted, &harvestDates,
		&wet, &dry, &waste, &harvestBy, &harvestAt,
		&b.Location, &status, &metadata, &createdAt, &b.CreatedBy, &updatedAt, &b.UpdatedBy); err != nil {
		return b, fmt.Errorf("failed to scan batch: %w", err)
	}

	corrupt := func(err error) (cultivation.Batch, error) {
		return b, cultivation.Integrity("batch", string(b.ID), err)
	}
	var err error
	if b.Type, err = cultivation.ParseBatchType(batchType); err != nil {
		return corrupt(err)
	}
	if b.SourceType, err = cultivation.ParseSourceType(sourceType); err != nil {
		return corrupt(err)
	}
	if b.Status, err = cultivation.ParseBatchStatus(status); err != nil {
		return corrupt(err)
	}
	b.ParentBatchID = idPtr[cultivation.BatchID](parent)
	if b.StageStartedAt, err = parseTime(stageStarted); err != nil {
		return corrupt(err)
	}
	if b.HarvestDates, err = decodeDays(harvestDates); err != nil {
		return corrupt(err)
	}
	if b.Metadata, err = decodeMetadata(metadata); err != nil {
		return corrupt(err)
	}
	if wet.Valid {
		h := &cultivation.HarvestMetrics{
			WetWeightGrams:   wet.Decimal,
			DryWeightGrams:   dry,
			WasteWeightGrams: waste,
			RecordedBy:       harvestBy.String,
		}
		at, err := parseNullTime(harvestAt)
		if err != nil {
			return corrupt(err)
		}
		if at != nil {
			h.RecordedAt = *at
		}
		b.Harvest = h
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return corrupt(err)
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return corrupt(err)
	}
	return b, nil
}

func (q queries) GetBatch(ctx context.Context, site cultivation.SiteID, id cultivation.BatchID) (*cultivation.Batch, error) {
	return one(q.row(ctx, `SELECT `+batchColumns+` FROM batches WHERE site_id = ? AND id = ?`, site, id),
		"batch", string(id), scanBatch)
}

func (q queries) ListBatches(ctx context.Context, site cultivation.SiteID) ([]cultivation.Batch, error) {
	rows, err := q.query(ctx, `SELECT `+batchColumns+` FROM batches WHERE site_id = ?
		ORDER BY generation, created_at, id`, site)
	return collect(rows, err, "batches", scanBatch)
}

const historyColumns = `id, batch_id, from_stage_id, to_stage_id, changed_by, changed_at, notes`

func scanHistory(sc scanner) (cultivation.StageHistory, error) {
	var (
		h         cultivation.StageHistory
		from      sql.NullString
		changedAt string
	)
	if err := sc.Scan(&h.ID, &h.BatchID, &from, &h.ToStageID, &h.ChangedBy, &changedAt, &h.Notes); err != nil {
		return h, fmt.Errorf("failed to scan stage history: %w", err)
	}
	h.FromStageID = idPtr[cultivation.StageID](from)
	t, err := parseTime(changedAt)
	if err != nil {
		return h, cultivation.Integrity("stage_history", h.ID, err)
	}
	h.ChangedAt = t
	return h, nil
}

func (q queries) ListStageHistory(ctx context.Context, id cultivation.BatchID) ([]cultivation.StageHistory, error) {
	rows, err := q.query(ctx, `SELECT `+historyColumns+` FROM stage_history WHERE batch_id = ?
		ORDER BY changed_at, seq`, id)
	return collect(rows, err, "stage history", scanHistory)
}

const relationshipColumns = `id, site_id, parent_batch_id, child_batch_id, relationship_type,
	plant_count_transferred, transfer_date, notes, created_by`

func scanRelationship(sc scanner) (cultivation.BatchRelationship, error) {
	var (
		r            cultivation.BatchRelationship
		relType      string
		transferred  sql.NullInt64
		transferDate string
	)
	if err := sc.Scan(&r.ID, &r.SiteID, &r.ParentBatchID, &r.ChildBatchID, &relType,
		&transferred, &transferDate, &r.Notes, &r.CreatedBy); err != nil {
		return r, fmt.Errorf("failed to scan relationship: %w", err)
	}
	var err error
	if r.Type, err = cultivation.ParseRelationshipType(relType); err != nil {
		return r, cultivation.Integrity("batch_relationship", r.ID, err)
	}
	r.PlantCountTransferred = intPtr(transferred)
	if r.TransferDate, err = parseTime(transferDate); err != nil {
		return r, cultivation.Integrity("batch_relationship", r.ID, err)
	}
	return r, nil
}

func (q queries) ListRelationships(ctx context.Context, site cultivation.SiteID) ([]cultivation.BatchRelationship, error) {
	rows, err := q.query(ctx, `SELECT `+relationshipColumns+` FROM batch_relationships WHERE site_id = ? ORDER BY seq`, site)
	return collect(rows, err, "relationships", scanRelationship)
}

// =============================================================================
// MOTHER PLANTS & PROPAGATION LEDGER
// =============================================================================

const motherColumns = `id, site_id, batch_id, strain_id, plant_tag, status, propagation_count,
	max_propagation_count, last_propagation_date, created_at, updated_at`

func scanMother(sc scanner) (cultivation.MotherPlant, error) {
	var (
		m                    cultivation.MotherPlant
		status               string
		maxCount             sql.NullInt64
		lastDate             sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&m.ID, &m.SiteID, &m.BatchID, &m.StrainID, &m.PlantTag, &status, &m.PropagationCount,
		&maxCount, &lastDate, &createdAt, &updatedAt); err != nil {
		return m, fmt.Errorf("failed to scan mother plant: %w", err)
	}
	corrupt := func(err error) (cultivation.MotherPlant, error) {
		return m, cultivation.Integrity("mother_plant", string(m.ID), err)
	}
	var err error
	if m.Status, err = cultivation.ParseMotherStatus(status); err != nil {
		return corrupt(err)
	}
	m.MaxPropagationCount = intPtr(maxCount)
	if m.LastPropagationDate, err = parseNullDay(lastDate); err != nil {
		return corrupt(err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return corrupt(err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return corrupt(err)
	}
	return m, nil
}

func (q queries) GetMotherPlant(ctx context.Context, site cultivation.SiteID, id cultivation.MotherPlantID) (*cultivation.MotherPlant, error) {
	return one(q.row(ctx, `SELECT `+motherColumns+` FROM mother_plants WHERE site_id = ? AND id = ?`, site, id),
		"mother_plant", string(id), scanMother)
}

func (q queries) ListMotherPlants(ctx context.Context, site cultivation.SiteID) ([]cultivation.MotherPlant, error) {
	rows, err := q.query(ctx, `SELECT `+motherColumns+` FROM mother_plants WHERE site_id = ? ORDER BY seq`, site)
	return collect(rows, err, "mother plants", scanMother)
}

func (q queries) SumPropagations(ctx context.Context, site cultivation.SiteID, from, to cultivation.Day) (int, error) {
	var sum int64
	err := q.row(ctx, `SELECT COALESCE(SUM(propagated_count), 0) FROM propagation_events
		WHERE site_id = ? AND recorded_on >= ? AND recorded_on <= ?`,
		site, from.String(), to.String()).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum propagations: %w", err)
	}
	return int(sum), nil
}

const eventColumns = `id, site_id, mother_plant_id, propagated_count, recorded_on, recorded_by, notes,
	override_id, bypassed, created_at`

func scanEvent(sc scanner) (cultivation.PropagationEvent, error) {
	var (
		e                     cultivation.PropagationEvent
		recordedOn, createdAt string
		overrideID            sql.NullString
	)
	if err := sc.Scan(&e.ID, &e.SiteID, &e.MotherPlantID, &e.PropagatedCount, &recordedOn, &e.RecordedBy,
		&e.Notes, &overrideID, &e.Bypassed, &createdAt); err != nil {
		return e, fmt.Errorf("failed to scan propagation event: %w", err)
	}
	var err error
	if e.RecordedOn, err = cultivation.ParseDay(recordedOn); err != nil {
		return e, cultivation.Integrity("propagation_event", e.ID, err)
	}
	e.OverrideID = idPtr[cultivation.OverrideID](overrideID)
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, cultivation.Integrity("propagation_event", e.ID, err)
	}
	return e, nil
}

func (q queries) ListPropagationEvents(ctx context.Context, site cultivation.SiteID, from, to cultivation.Day) ([]cultivation.PropagationEvent, error) {
	rows, err := q.query(ctx, `SELECT `+eventColumns+` FROM propagation_events
		WHERE site_id = ? AND recorded_on >= ? AND recorded_on <= ?
		ORDER BY recorded_on, seq`, site, from.String(), to.String())
	return collect(rows, err, "propagation events", scanEvent)
}

func (q queries) GetPropagationSettings(ctx context.Context, site cultivation.SiteID) (*cultivation.PropagationSettings, error) {
	var (
		s                        cultivation.PropagationSettings
		daily, weekly, perMother sql.NullInt64
		updatedAt                string
	)
	err := q.row(ctx, `SELECT site_id, daily_limit, weekly_limit, mother_propagation_limit,
		requires_override_approval, approver_role, timezone, updated_at
		FROM propagation_settings WHERE site_id = ?`, site).
		Scan(&s.SiteID, &daily, &weekly, &perMother, &s.RequiresOverrideApproval, &s.ApproverRole, &s.Timezone, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &cultivation.PropagationSettings{SiteID: site}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load propagation settings: %w", err)
	}
	s.DailyLimit = intPtr(daily)
	s.WeeklyLimit = intPtr(weekly)
	s.MotherPropagationLimit = intPtr(perMother)
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, cultivation.Integrity("propagation_settings", string(site), err)
	}
	return &s, nil
}

// =============================================================================
// OVERRIDES
// =============================================================================

const overrideColumns = `id, site_id, requested_by, mother_plant_id, batch_id, requested_quantity, reason,
	status, requested_on, approved_by, resolved_on, decision_notes, consumed_on`

func scanOverride(sc scanner) (cultivation.OverrideRequest, error) {
	var (
		o                    cultivation.OverrideRequest
		mother, batch        sql.NullString
		status, requestedOn  string
		approvedBy           sql.NullString
		resolvedOn, consumed sql.NullString
	)
	if err := sc.Scan(&o.ID, &o.SiteID, &o.RequestedBy, &mother, &batch, &o.RequestedQuantity, &o.Reason,
		&status, &requestedOn, &approvedBy, &resolvedOn, &o.DecisionNotes, &consumed); err != nil {
		return o, fmt.Errorf("failed to scan override request: %w", err)
	}
	corrupt := func(err error) (cultivation.OverrideRequest, error) {
		return o, cultivation.Integrity("override_request", string(o.ID), err)
	}
	var err error
	if o.Status, err = cultivation.ParseOverrideStatus(status); err != nil {
		return corrupt(err)
	}
	o.MotherPlantID = idPtr[cultivation.MotherPlantID](mother)
	o.BatchID = idPtr[cultivation.BatchID](batch)
	o.ApprovedBy = strPtr(approvedBy)
	if o.RequestedOn, err = parseTime(requestedOn); err != nil {
		return corrupt(err)
	}
	if o.ResolvedOn, err = parseNullTime(resolvedOn); err != nil {
		return corrupt(err)
	}
	if o.ConsumedOn, err = parseNullTime(consumed); err != nil {
		return corrupt(err)
	}
	return o, nil
}

func (q queries) GetOverrideRequest(ctx context.Context, site cultivation.SiteID, id cultivation.OverrideID) (*cultivation.OverrideRequest, error) {
	return one(q.row(ctx, `SELECT `+overrideColumns+` FROM override_requests WHERE site_id = ? AND id = ?`, site, id),
		"override", string(id), scanOverride)
}

func (q queries) ListOverrideRequests(ctx context.Context, site cultivation.SiteID, status cultivation.OverrideStatus) ([]cultivation.OverrideRequest, error) {
	if status == "" {
		rows, err := q.query(ctx, `SELECT `+overrideColumns+` FROM override_requests WHERE site_id = ? ORDER BY seq`, site)
		return collect(rows, err, "override requests", scanOverride)
	}
	rows, err := q.query(ctx, `SELECT `+overrideColumns+` FROM override_requests
		WHERE site_id = ? AND status = ? ORDER BY seq`, site, status)
	return collect(rows, err, "override requests", scanOverride)
}
