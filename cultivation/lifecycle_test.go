package cultivation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cultivation-engine/cultivation"
)

// =============================================================================
// CREATE
// =============================================================================

func TestCreateBatch_WritesInitialHistoryRow(t *testing.T) {
	// GIVEN: A standard stage graph
	// WHEN: A batch is created in clone
	// THEN: One history row with no from-stage, generation 0, status active

	f := newFixture(t)
	f.standardGraph(t)

	b := f.batch(t, "B-1", "clone", nil)

	assert.Equal(t, 0, b.Generation)
	assert.Equal(t, cultivation.BatchActive, b.Status)
	assert.Equal(t, f.id("clone"), b.CurrentStageID)
	rows := f.history(t, b.ID)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].FromStageID)
	assert.Equal(t, f.id("clone"), rows[0].ToStageID)
	assert.Equal(t, []cultivation.EventKind{cultivation.EventBatchCreated}, f.events.kinds())
}

func TestCreateBatch_GenerationFollowsParent(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)

	root := f.batch(t, "B-1", "clone", nil)
	child := f.batch(t, "B-2", "clone", &root.ID)
	grandchild := f.batch(t, "B-3", "clone", &child.ID)

	assert.Equal(t, 1, child.Generation)
	assert.Equal(t, 2, grandchild.Generation)
}

func TestCreateBatch_Rejections(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	f.batch(t, "B-1", "clone", nil)
	ghost := cultivation.BatchID("ghost")

	tests := []struct {
		name string
		in   cultivation.NewBatch
		want error
	}{
		{"duplicate code", cultivation.NewBatch{Code: "B-1", SourceType: cultivation.SourceSeed, StageID: f.id("clone")}, cultivation.ErrDuplicateKey},
		{"missing code", cultivation.NewBatch{SourceType: cultivation.SourceSeed, StageID: f.id("clone")}, cultivation.ErrValidationFailed},
		{"negative plants", cultivation.NewBatch{Code: "X", PlantCount: -1, SourceType: cultivation.SourceSeed, StageID: f.id("clone")}, cultivation.ErrValidationFailed},
		{"unknown source", cultivation.NewBatch{Code: "X", SourceType: "grafted", StageID: f.id("clone")}, cultivation.ErrValidationFailed},
		{"unknown stage", cultivation.NewBatch{Code: "X", SourceType: cultivation.SourceSeed, StageID: "nope"}, cultivation.ErrNotFound},
		{"unknown parent", cultivation.NewBatch{Code: "X", SourceType: cultivation.SourceSeed, StageID: f.id("clone"), ParentBatchID: &ghost}, cultivation.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.Lifecycle.CreateBatch(f.ctx, site, tt.in, operator)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// =============================================================================
// ADVANCE
// =============================================================================

func TestAdvance_ValidEdge_AppendsExactlyOneHistoryRow(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	b := f.batch(t, "B-1", "clone", nil)
	f.clock.Advance(time.Hour)

	res, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("veg"), operator, "rooted")
	require.NoError(t, err)

	assert.Equal(t, f.id("veg"), res.Final())
	assert.Equal(t, march10.Add(time.Hour), res.Batch.StageStartedAt)
	assert.Equal(t, operator.UserID, res.Batch.UpdatedBy)
	require.Len(t, res.Applied, 1)

	rows := f.history(t, b.ID)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[1].FromStageID)
	assert.Equal(t, f.id("clone"), *rows[1].FromStageID)
	assert.Equal(t, f.id("veg"), rows[1].ToStageID)
	assert.Equal(t, "rooted", rows[1].Notes)
	assert.Equal(t, 1, f.events.count(cultivation.EventLifecycleChanged))
}

func TestAdvance_NoEdge_InvalidTransition_NoHistory(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	b := f.batch(t, "B-1", "clone", nil)

	_, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("flower"), manager, "")

	var invalid *cultivation.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, f.id("clone"), invalid.From)
	assert.Equal(t, f.id("flower"), invalid.To)
	assert.Len(t, f.history(t, b.ID), 1)
	got, err := f.eng.Lifecycle.Get(f.ctx, site, b.ID)
	require.NoError(t, err)
	assert.Equal(t, f.id("clone"), got.CurrentStageID)
	assert.Zero(t, f.events.count(cultivation.EventLifecycleChanged))
}

func TestAdvance_ApprovalRole(t *testing.T) {
	// GIVEN: veg -> flower requires role Manager
	// WHEN: An Operator advances to flower, then a Manager does
	// THEN: The first fails ApprovalRequired, the second succeeds

	f := newFixture(t)
	f.standardGraph(t)
	b := f.batch(t, "B-1", "clone", nil)
	_, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("veg"), operator, "")
	require.NoError(t, err)

	_, err = f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("flower"), operator, "")
	var approval *cultivation.ApprovalRequiredError
	require.ErrorAs(t, err, &approval)
	assert.Equal(t, "Manager", approval.RequiredRole)
	assert.Equal(t, "Operator", approval.ActorRole)
	assert.True(t, cultivation.NeedsApproval(err))
	assert.False(t, cultivation.NeedsOverride(err))
	assert.Len(t, f.history(t, b.ID), 2)

	res, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("flower"), manager, "")
	require.NoError(t, err)
	assert.Equal(t, f.id("flower"), res.Final())
	assert.Len(t, f.history(t, b.ID), 3)
}

func TestAdvance_RoleComparisonIsExact(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	b := f.batch(t, "B-1", "veg", nil)

	_, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("flower"), cultivation.Actor{UserID: "u", Role: "manager"}, "")
	assert.ErrorIs(t, err, cultivation.ErrApprovalRequired)
}

func TestAdvance_TerminalStage_RejectsEveryFurtherAdvance(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	b := f.batch(t, "B-1", "veg", nil)

	res, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("destroyed"), operator, "pest")
	require.NoError(t, err)
	assert.Equal(t, cultivation.BatchCompleted, res.Batch.Status)

	for _, key := range []string{"veg", "flower", "clone", "destroyed"} {
		_, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id(key), manager, "")
		var terminal *cultivation.TerminalStageError
		require.ErrorAs(t, err, &terminal, key)
		assert.Equal(t, f.id("destroyed"), terminal.StageID)
	}
	assert.Len(t, f.history(t, b.ID), 2)
}

func TestAdvance_HarvestMetricsPrecondition(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	b := f.batch(t, "B-1", "flower", nil)

	_, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("harvest"), operator, "")
	var pre *cultivation.PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, []string{"harvest_dates", "wet_weight_grams"}, pre.Missing)

	_, err = f.eng.Lifecycle.RecordHarvestMetrics(f.ctx, site, b.ID, cultivation.HarvestInput{
		HarvestDate:    cultivation.NewDay(2025, time.March, 10),
		WetWeightGrams: decimal.RequireFromString("1250.5"),
	}, operator)
	require.NoError(t, err)

	res, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("harvest"), operator, "")
	require.NoError(t, err)
	assert.Equal(t, f.id("harvest"), res.Final())
}

func TestAdvance_ReplayAfterCommit_DoesNotDoubleApply(t *testing.T) {
	// GIVEN: A batch advanced clone -> veg
	// WHEN: The same advance is replayed
	// THEN: It evaluates veg -> veg, fails InvalidTransition and writes nothing

	f := newFixture(t)
	f.standardGraph(t)
	b := f.batch(t, "B-1", "clone", nil)

	_, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("veg"), operator, "")
	require.NoError(t, err)
	_, err = f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("veg"), operator, "")

	assert.ErrorIs(t, err, cultivation.ErrInvalidTransition)
	assert.Len(t, f.history(t, b.ID), 2)
}

func TestAdvance_AutoAdvanceChain(t *testing.T) {
	// GIVEN: a -> b (auto) -> c (auto) -> d (manual)
	// WHEN: Advancing a -> b
	// THEN: The machine chains to c and stops, one history row per hop

	f := newFixture(t)
	f.stage(t, "a", cultivation.StageInput{SequenceOrder: 1})
	f.stage(t, "b", cultivation.StageInput{SequenceOrder: 2})
	f.stage(t, "c", cultivation.StageInput{SequenceOrder: 3})
	f.stage(t, "d", cultivation.StageInput{SequenceOrder: 4})
	f.edge(t, "a", "b", cultivation.TransitionInput{AutoAdvance: true})
	f.edge(t, "b", "c", cultivation.TransitionInput{AutoAdvance: true})
	f.edge(t, "c", "d", cultivation.TransitionInput{})
	b := f.batch(t, "B-1", "a", nil)

	res, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("b"), operator, "")
	require.NoError(t, err)

	assert.Equal(t, f.id("c"), res.Final())
	require.Len(t, res.Applied, 2)
	assert.Equal(t, f.id("b"), *res.Applied[1].FromStageID)
	assert.Len(t, f.history(t, b.ID), 3)
	assert.Equal(t, 2, f.events.count(cultivation.EventLifecycleChanged))
}

func TestAdvance_ManualEdgeDoesNotStartChain(t *testing.T) {
	// GIVEN: a -> b (manual) -> c (auto)
	// WHEN: Advancing a -> b
	// THEN: The batch stays in b; only an auto edge being applied starts a chain

	f := newFixture(t)
	f.stage(t, "a", cultivation.StageInput{SequenceOrder: 1})
	f.stage(t, "b", cultivation.StageInput{SequenceOrder: 2})
	f.stage(t, "c", cultivation.StageInput{SequenceOrder: 3})
	f.edge(t, "a", "b", cultivation.TransitionInput{})
	f.edge(t, "b", "c", cultivation.TransitionInput{AutoAdvance: true})
	b := f.batch(t, "B-1", "a", nil)

	res, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("b"), operator, "")
	require.NoError(t, err)

	assert.Equal(t, f.id("b"), res.Final())
	assert.Len(t, res.Applied, 1)
	assert.Len(t, f.history(t, b.ID), 2)
}

func TestAdvance_AutoAdvanceCycle_Terminates(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "p", cultivation.StageInput{})
	f.stage(t, "q", cultivation.StageInput{})
	f.edge(t, "p", "q", cultivation.TransitionInput{AutoAdvance: true})
	f.edge(t, "q", "p", cultivation.TransitionInput{AutoAdvance: true})
	b := f.batch(t, "B-1", "p", nil)

	res, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("q"), operator, "")
	require.NoError(t, err)

	assert.Equal(t, f.id("q"), res.Final())
	assert.Len(t, res.Applied, 1)
}

func TestAdvance_AutoAdvanceStopsAtGatedEdge(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "a", cultivation.StageInput{})
	f.stage(t, "b", cultivation.StageInput{})
	f.stage(t, "c", cultivation.StageInput{})
	f.edge(t, "a", "b", cultivation.TransitionInput{AutoAdvance: true})
	f.edge(t, "b", "c", cultivation.TransitionInput{AutoAdvance: true, RequiresApproval: true, ApprovalRole: "Manager"})
	b := f.batch(t, "B-1", "a", nil)

	res, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("b"), operator, "")
	require.NoError(t, err)

	assert.Equal(t, f.id("b"), res.Final())
}

func TestAdvance_NotFound(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	b := f.batch(t, "B-1", "clone", nil)

	_, err := f.eng.Lifecycle.Advance(f.ctx, site, "missing", f.id("veg"), operator, "")
	assert.True(t, cultivation.IsNotFound(err))

	_, err = f.eng.Lifecycle.Advance(f.ctx, "other-site", b.ID, f.id("veg"), operator, "")
	assert.True(t, cultivation.IsNotFound(err), "a batch of another site is invisible")
}

func TestAdvance_CancelledContext_LeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	b := f.batch(t, "B-1", "clone", nil)

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	_, err := f.eng.Lifecycle.Advance(ctx, site, b.ID, f.id("veg"), operator, "")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, f.history(t, b.ID), 1)
}

func TestAdvance_DanglingCurrentStage_IsIntegrityViolation(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	b := f.batch(t, "B-1", "clone", nil)

	require.NoError(t, f.mem.WithTx(f.ctx, func(tx cultivation.Tx) error {
		corrupt := b.Clone()
		corrupt.CurrentStageID = "vanished"
		return tx.UpdateBatch(f.ctx, corrupt)
	}))

	_, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("veg"), operator, "")
	assert.ErrorIs(t, err, cultivation.ErrIntegrityViolation)
	assert.False(t, cultivation.IsRejection(err))
}

func TestAdvance_EmitterFailureDoesNotFailTransition(t *testing.T) {
	failing := cultivation.EmitterFunc(func(context.Context, cultivation.Event) error {
		return errors.New("broker down")
	})
	f := newFixture(t, cultivation.WithEmitter(failing))
	f.standardGraph(t)
	b := f.batch(t, "B-1", "clone", nil)

	_, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("veg"), operator, "")
	assert.NoError(t, err)
}

// =============================================================================
// SPLIT, PLANT COUNT, HARVEST
// =============================================================================

func TestSplitBatch(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	parent := f.batch(t, "B-1", "veg", nil)

	res, err := f.eng.Lifecycle.SplitBatch(f.ctx, site, parent.ID, cultivation.NewBatch{Code: "B-1a"}, 4, operator)
	require.NoError(t, err)

	assert.Equal(t, 6, res.Parent.PlantCount)
	assert.Equal(t, 4, res.Child.PlantCount)
	assert.Equal(t, 1, res.Child.Generation)
	assert.Equal(t, parent.ID, *res.Child.ParentBatchID)
	assert.Equal(t, f.id("veg"), res.Child.CurrentStageID)
	assert.Equal(t, "strain-1", res.Child.StrainID)
	assert.Equal(t, cultivation.RelationshipSplit, res.Relationship.Type)
	assert.Equal(t, 4, *res.Relationship.PlantCountTransferred)

	rels, err := f.eng.Genealogy.Relationships(f.ctx, site, parent.ID)
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}

func TestSplitBatch_Rejections(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	parent := f.batch(t, "B-1", "veg", nil)

	_, err := f.eng.Lifecycle.SplitBatch(f.ctx, site, parent.ID, cultivation.NewBatch{Code: "B-1a"}, 11, operator)
	assert.ErrorIs(t, err, cultivation.ErrValidationFailed)

	_, err = f.eng.Lifecycle.SplitBatch(f.ctx, site, parent.ID, cultivation.NewBatch{Code: "B-1"}, 2, operator)
	assert.ErrorIs(t, err, cultivation.ErrDuplicateKey)

	got, err := f.eng.Lifecycle.Get(f.ctx, site, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.PlantCount, "failed splits leave the parent untouched")

	_, err = f.eng.Lifecycle.Advance(f.ctx, site, parent.ID, f.id("destroyed"), operator, "")
	require.NoError(t, err)
	_, err = f.eng.Lifecycle.SplitBatch(f.ctx, site, parent.ID, cultivation.NewBatch{Code: "B-1b"}, 2, operator)
	assert.ErrorIs(t, err, cultivation.ErrTerminalStage)
}

func TestTerminalBatch_ReadOnlyExceptHarvestMetrics(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	b := f.batch(t, "B-1", "veg", nil)
	_, err := f.eng.Lifecycle.Advance(f.ctx, site, b.ID, f.id("destroyed"), operator, "")
	require.NoError(t, err)

	_, err = f.eng.Lifecycle.AdjustPlantCount(f.ctx, site, b.ID, 3, operator)
	assert.ErrorIs(t, err, cultivation.ErrTerminalStage)

	got, err := f.eng.Lifecycle.RecordHarvestMetrics(f.ctx, site, b.ID, cultivation.HarvestInput{
		HarvestDate:    cultivation.NewDay(2025, time.March, 12),
		WetWeightGrams: decimal.NewFromInt(900),
		DryWeightGrams: decimal.NewNullDecimal(decimal.NewFromInt(210)),
	}, operator)
	require.NoError(t, err)
	assert.True(t, got.Harvest.DryWeightGrams.Decimal.Equal(decimal.NewFromInt(210)))
	assert.Len(t, got.HarvestDates, 1)
}

func TestAdjustPlantCount(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	b := f.batch(t, "B-1", "veg", nil)

	got, err := f.eng.Lifecycle.AdjustPlantCount(f.ctx, site, b.ID, 7, operator)
	require.NoError(t, err)
	assert.Equal(t, 7, got.PlantCount)

	_, err = f.eng.Lifecycle.AdjustPlantCount(f.ctx, site, b.ID, -1, operator)
	assert.ErrorIs(t, err, cultivation.ErrValidationFailed)
}
