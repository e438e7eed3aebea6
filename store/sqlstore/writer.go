package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/cultivation-engine/cultivation"
)

// =============================================================================
// WRITER (cultivation.Writer, reachable only through txStore)
// =============================================================================

// insert runs an INSERT, turning a unique violation into dup.
func (t *txStore) insert(ctx context.Context, what string, dup func() error, query string, args ...any) error {
	_, err := t.exec(ctx, query, args...)
	if err == nil {
		return nil
	}
	if dup != nil && t.d.kind(err) == KindDuplicate {
		return dup()
	}
	return t.d.fail("failed to insert "+what, err)
}

// update runs an UPDATE that must touch exactly one row.
func (t *txStore) update(ctx context.Context, entity, id string, dup func() error, query string, args ...any) error {
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		if dup != nil && t.d.kind(err) == KindDuplicate {
			return dup()
		}
		return t.d.fail("failed to update "+entity, err)
	}
	return requireOne(res, entity, id)
}

func requireOne(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return &cultivation.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

func (t *txStore) InsertStage(ctx context.Context, s cultivation.Stage) error {
	return t.insert(ctx, "stage",
		func() error { return &cultivation.DuplicateKeyError{Entity: "stage", SiteID: s.SiteID, Key: s.Key} },
		`INSERT INTO stages (`+stageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.SiteID, s.Key, s.DisplayName, s.SequenceOrder, s.IsTerminal, s.RequiresHarvestMetrics,
		formatTime(s.CreatedAt))
}

func (t *txStore) InsertTransition(ctx context.Context, tr cultivation.Transition) error {
	return t.insert(ctx, "transition",
		func() error {
			return &cultivation.DuplicateKeyError{Entity: "transition", SiteID: tr.SiteID,
				Key: string(tr.FromStageID) + "->" + string(tr.ToStageID)}
		},
		`INSERT INTO transitions (`+transitionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.SiteID, tr.FromStageID, tr.ToStageID, tr.AutoAdvance, tr.RequiresApproval, tr.ApprovalRole,
		formatTime(tr.CreatedAt))
}

// batchArgs returns the values for batchColumns, in order.
func batchArgs(b cultivation.Batch) []any {
	var wet, dry, waste, by, at any
	if h := b.Harvest; h != nil {
		wet, dry, waste, by = h.WetWeightGrams, h.DryWeightGrams, h.WasteWeightGrams, h.RecordedBy
		if !h.RecordedAt.IsZero() {
			at = formatTime(h.RecordedAt)
		}
	}
	return []any{
		b.ID, b.SiteID, b.StrainID, b.Code, b.Name, b.Type, b.SourceType, nullID(b.ParentBatchID),
		b.Generation, b.PlantCount, b.TargetPlantCount, b.CurrentStageID, formatTime(b.StageStartedAt),
		encodeDays(b.HarvestDates),
		wet, dry, waste, by, at,
		b.Location, b.Status, encodeMetadata(b.Metadata),
		formatTime(b.CreatedAt), b.CreatedBy, formatTime(b.UpdatedAt), b.UpdatedBy,
	}
}

func batchDup(b cultivation.Batch) func() error {
	return func() error { return &cultivation.DuplicateKeyError{Entity: "batch", SiteID: b.SiteID, Key: b.Code} }
}

func (t *txStore) InsertBatch(ctx context.Context, b cultivation.Batch) error {
	return t.insert(ctx, "batch", batchDup(b),
		`INSERT INTO batches (`+batchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batchArgs(b)...)
}

func (t *txStore) UpdateBatch(ctx context.Context, b cultivation.Batch) error {
	args := batchArgs(b)
	// Drop id and site_id from the SET list; they key the WHERE clause.
	args = append(args[2:], b.ID, b.SiteID)
	return t.update(ctx, "batch", string(b.ID), batchDup(b), `UPDATE batches SET
		strain_id = ?, code = ?, name = ?, batch_type = ?, source_type = ?, parent_batch_id = ?,
		generation = ?, plant_count = ?, target_plant_count = ?, current_stage_id = ?, stage_started_at = ?,
		harvest_dates = ?, wet_weight_grams = ?, dry_weight_grams = ?, waste_weight_grams = ?,
		harvest_recorded_by = ?, harvest_recorded_at = ?, location = ?, status = ?, metadata = ?,
		created_at = ?, created_by = ?, updated_at = ?, updated_by = ?
		WHERE id = ? AND site_id = ?`, args...)
}

func (t *txStore) AppendStageHistory(ctx context.Context, h cultivation.StageHistory) error {
	return t.insert(ctx, "stage history", nil,
		`INSERT INTO stage_history (`+historyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.BatchID, nullID(h.FromStageID), h.ToStageID, h.ChangedBy, formatTime(h.ChangedAt), h.Notes)
}

func (t *txStore) InsertRelationship(ctx context.Context, r cultivation.BatchRelationship) error {
	return t.insert(ctx, "relationship", nil,
		`INSERT INTO batch_relationships (`+relationshipColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SiteID, r.ParentBatchID, r.ChildBatchID, r.Type, nullInt(r.PlantCountTransferred),
		formatTime(r.TransferDate), r.Notes, r.CreatedBy)
}

func (t *txStore) InsertMotherPlant(ctx context.Context, m cultivation.MotherPlant) error {
	return t.insert(ctx, "mother plant",
		func() error {
			return &cultivation.DuplicateKeyError{Entity: "mother_plant", SiteID: m.SiteID, Key: m.PlantTag}
		},
		`INSERT INTO mother_plants (`+motherColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SiteID, m.BatchID, m.StrainID, m.PlantTag, m.Status, m.PropagationCount,
		nullInt(m.MaxPropagationCount), nullDay(m.LastPropagationDate), formatTime(m.CreatedAt), formatTime(m.UpdatedAt))
}

func (t *txStore) UpdateMotherPlant(ctx context.Context, m cultivation.MotherPlant) error {
	return t.update(ctx, "mother_plant", string(m.ID), nil, `UPDATE mother_plants SET
		status = ?, propagation_count = ?, max_propagation_count = ?, last_propagation_date = ?, updated_at = ?
		WHERE id = ? AND site_id = ?`,
		m.Status, m.PropagationCount, nullInt(m.MaxPropagationCount), nullDay(m.LastPropagationDate),
		formatTime(m.UpdatedAt), m.ID, m.SiteID)
}

func (t *txStore) AppendPropagationEvent(ctx context.Context, e cultivation.PropagationEvent) error {
	return t.insert(ctx, "propagation event", nil,
		`INSERT INTO propagation_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SiteID, e.MotherPlantID, e.PropagatedCount, e.RecordedOn.String(), e.RecordedBy, e.Notes,
		nullID(e.OverrideID), e.Bypassed, formatTime(e.CreatedAt))
}

func (t *txStore) PutPropagationSettings(ctx context.Context, s cultivation.PropagationSettings) error {
	return t.insert(ctx, "propagation settings", nil, `INSERT INTO propagation_settings
		(site_id, daily_limit, weekly_limit, mother_propagation_limit, requires_override_approval,
		 approver_role, timezone, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (site_id) DO UPDATE SET
			daily_limit = excluded.daily_limit,
			weekly_limit = excluded.weekly_limit,
			mother_propagation_limit = excluded.mother_propagation_limit,
			requires_override_approval = excluded.requires_override_approval,
			approver_role = excluded.approver_role,
			timezone = excluded.timezone,
			updated_at = excluded.updated_at`,
		s.SiteID, nullInt(s.DailyLimit), nullInt(s.WeeklyLimit), nullInt(s.MotherPropagationLimit),
		s.RequiresOverrideApproval, s.ApproverRole, s.Timezone, formatTime(s.UpdatedAt))
}

func (t *txStore) InsertOverrideRequest(ctx context.Context, o cultivation.OverrideRequest) error {
	return t.insert(ctx, "override request", nil,
		`INSERT INTO override_requests (`+overrideColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.SiteID, o.RequestedBy, nullID(o.MotherPlantID), nullID(o.BatchID), o.RequestedQuantity, o.Reason,
		o.Status, formatTime(o.RequestedOn), o.ApprovedBy, nullTime(o.ResolvedOn), o.DecisionNotes, nullTime(o.ConsumedOn))
}

func (t *txStore) UpdateOverrideRequest(ctx context.Context, o cultivation.OverrideRequest) error {
	return t.update(ctx, "override", string(o.ID), nil, `UPDATE override_requests SET
		status = ?, approved_by = ?, resolved_on = ?, decision_notes = ?, consumed_on = ?
		WHERE id = ? AND site_id = ?`,
		o.Status, o.ApprovedBy, nullTime(o.ResolvedOn), o.DecisionNotes, nullTime(o.ConsumedOn), o.ID, o.SiteID)
}
