// Package storetest is a behavioural suite every cultivation.Store
// implementation must pass. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/cultivation-engine/cultivation"
)

// Factory returns an empty, migrated store. The suite never closes it.
type Factory func(t *testing.T) cultivation.Store

const (
	siteA cultivation.SiteID = "site-a"
	siteB cultivation.SiteID = "site-b"
)

var t0 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, cultivation.Store)
	}{
		{"StageKeysUniquePerSite", stageKeysUniquePerSite},
		{"SiteScopedLookups", siteScopedLookups},
		{"TransitionLookup", transitionLookup},
		{"BatchRoundTrip", batchRoundTrip},
		{"BatchCodeUnique", batchCodeUnique},
		{"UpdateMissingRow", updateMissingRow},
		{"RollbackOnError", rollbackOnError},
		{"RollbackOnCancel", rollbackOnCancel},
		{"HistoryInsertionOrder", historyInsertionOrder},
		{"PropagationWindow", propagationWindow},
		{"SettingsDefaultAndUpsert", settingsDefaultAndUpsert},
		{"OverrideRoundTrip", overrideRoundTrip},
		{"ConcurrentCommitsRespectDailyLimit", concurrentCommitsRespectDailyLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// =============================================================================
// FIXTURES
// =============================================================================

func tx(t *testing.T, s cultivation.Store, fn func(cultivation.Tx) error) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), fn))
}

func stage(site cultivation.SiteID, id, key string, order int) cultivation.Stage {
	return cultivation.Stage{
		ID: cultivation.StageID(id), SiteID: site, Key: key, DisplayName: key,
		SequenceOrder: order, CreatedAt: t0,
	}
}

func batch(site cultivation.SiteID, id, code string, stageID cultivation.StageID) cultivation.Batch {
	return cultivation.Batch{
		ID: cultivation.BatchID(id), SiteID: site, StrainID: "strain-1", Code: code, Name: code,
		Type: cultivation.BatchProduction, SourceType: cultivation.SourceClone, PlantCount: 10,
		CurrentStageID: stageID, StageStartedAt: t0, Status: cultivation.BatchActive,
		CreatedAt: t0, CreatedBy: "op-1", UpdatedAt: t0, UpdatedBy: "op-1",
	}
}

// seed inserts one stage and one batch per id in siteA.
func seed(t *testing.T, s cultivation.Store, batchIDs ...string) {
	t.Helper()
	ctx := context.Background()
	tx(t, s, func(tx cultivation.Tx) error {
		if err := tx.InsertStage(ctx, stage(siteA, "st-veg", "veg", 1)); err != nil {
			return err
		}
		for _, id := range batchIDs {
			if err := tx.InsertBatch(ctx, batch(siteA, id, "CODE-"+id, "st-veg")); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// CASES
// =============================================================================

func stageKeysUniquePerSite(t *testing.T, s cultivation.Store) {
	ctx := context.Background()
	tx(t, s, func(tx cultivation.Tx) error { return tx.InsertStage(ctx, stage(siteA, "s1", "veg", 1)) })

	err := s.WithTx(ctx, func(tx cultivation.Tx) error { return tx.InsertStage(ctx, stage(siteA, "s2", "veg", 2)) })
	var dup *cultivation.DuplicateKeyError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "veg", dup.Key)

	tx(t, s, func(tx cultivation.Tx) error { return tx.InsertStage(ctx, stage(siteA, "s3", "Veg", 0)) })
	tx(t, s, func(tx cultivation.Tx) error { return tx.InsertStage(ctx, stage(siteB, "s4", "veg", 1)) })

	stages, err := s.ListStages(ctx, siteA)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "Veg", stages[0].Key)
	assert.Equal(t, "veg", stages[1].Key)

	got, err := s.GetStageByKey(ctx, siteA, "veg")
	require.NoError(t, err)
	assert.Equal(t, cultivation.StageID("s1"), got.ID)
	assert.True(t, got.CreatedAt.Equal(t0))
}

func siteScopedLookups(t *testing.T, s cultivation.Store) {
	ctx := context.Background()
	seed(t, s, "b1")

	_, err := s.GetBatch(ctx, siteB, "b1")
	assert.ErrorIs(t, err, cultivation.ErrNotFound)
	_, err = s.GetStage(ctx, siteB, "st-veg")
	assert.ErrorIs(t, err, cultivation.ErrNotFound)

	batches, err := s.ListBatches(ctx, siteB)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func transitionLookup(t *testing.T, s cultivation.Store) {
	ctx := context.Background()
	tx(t, s, func(tx cultivation.Tx) error {
		for _, st := range []cultivation.Stage{stage(siteA, "a", "a", 1), stage(siteA, "b", "b", 2), stage(siteA, "c", "c", 3)} {
			if err := tx.InsertStage(ctx, st); err != nil {
				return err
			}
		}
		for _, tr := range []cultivation.Transition{
			{ID: "t1", SiteID: siteA, FromStageID: "a", ToStageID: "b", RequiresApproval: true, ApprovalRole: "Manager", CreatedAt: t0},
			{ID: "t2", SiteID: siteA, FromStageID: "a", ToStageID: "c", AutoAdvance: true, CreatedAt: t0},
		} {
			if err := tx.InsertTransition(ctx, tr); err != nil {
				return err
			}
		}
		return nil
	})

	got, err := s.GetTransition(ctx, siteA, "a", "b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.RequiresApproval)
	assert.Equal(t, "Manager", got.ApprovalRole)

	got, err = s.GetTransition(ctx, siteA, "b", "a")
	assert.NoError(t, err)
	assert.Nil(t, got)

	out, err := s.ListTransitionsFrom(ctx, siteA, "a")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "t1", out[0].ID)
	assert.True(t, out[1].AutoAdvance)

	err = s.WithTx(ctx, func(tx cultivation.Tx) error {
		return tx.InsertTransition(ctx, cultivation.Transition{ID: "t3", SiteID: siteA, FromStageID: "a", ToStageID: "b", CreatedAt: t0})
	})
	assert.ErrorIs(t, err, cultivation.ErrDuplicateKey)
}

func batchRoundTrip(t *testing.T, s cultivation.Store) {
	ctx := context.Background()
	seed(t, s, "parent")

	b := batch(siteA, "child", "CHILD", "st-veg")
	parent := cultivation.BatchID("parent")
	b.ParentBatchID = &parent
	b.Generation = 1
	b.Location = "room 4"
	b.Metadata = map[string]string{"tray": "12"}
	b.HarvestDates = []cultivation.Day{cultivation.NewDay(2025, time.March, 1), cultivation.NewDay(2025, time.March, 8)}
	b.Harvest = &cultivation.HarvestMetrics{
		WetWeightGrams: decimal.RequireFromString("1250.75"),
		DryWeightGrams: decimal.NewNullDecimal(decimal.RequireFromString("310.2")),
		RecordedBy:     "op-1",
		RecordedAt:     t0.Add(time.Hour),
	}
	tx(t, s, func(tx cultivation.Tx) error { return tx.InsertBatch(ctx, b) })

	got, err := s.GetBatch(ctx, siteA, "child")
	require.NoError(t, err)
	require.NotNil(t, got.ParentBatchID)
	assert.Equal(t, parent, *got.ParentBatchID)
	assert.Equal(t, 1, got.Generation)
	assert.Equal(t, "room 4", got.Location)
	assert.Equal(t, map[string]string{"tray": "12"}, got.Metadata)
	assert.Equal(t, b.HarvestDates, got.HarvestDates)
	require.NotNil(t, got.Harvest)
	assert.True(t, got.Harvest.WetWeightGrams.Equal(decimal.RequireFromString("1250.75")))
	assert.True(t, got.Harvest.DryWeightGrams.Valid)
	assert.True(t, got.Harvest.DryWeightGrams.Decimal.Equal(decimal.RequireFromString("310.2")))
	assert.False(t, got.Harvest.WasteWeightGrams.Valid)
	assert.True(t, got.Harvest.RecordedAt.Equal(t0.Add(time.Hour)))
	assert.Equal(t, cultivation.SourceClone, got.SourceType)
	assert.Equal(t, cultivation.BatchActive, got.Status)

	root, err := s.GetBatch(ctx, siteA, "parent")
	require.NoError(t, err)
	assert.Nil(t, root.ParentBatchID)
	assert.Nil(t, root.Harvest)
	assert.Empty(t, root.HarvestDates)

	all, err := s.ListBatches(ctx, siteA)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, cultivation.BatchID("parent"), all[0].ID, "generation 0 sorts first")
}

func batchCodeUnique(t *testing.T, s cultivation.Store) {
	ctx := context.Background()
	seed(t, s, "b1")

	err := s.WithTx(ctx, func(tx cultivation.Tx) error {
		return tx.InsertBatch(ctx, batch(siteA, "b2", "CODE-b1", "st-veg"))
	})
	var dup *cultivation.DuplicateKeyError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "CODE-b1", dup.Key)
}

func updateMissingRow(t *testing.T, s cultivation.Store) {
	ctx := context.Background()
	seed(t, s)

	err := s.WithTx(ctx, func(tx cultivation.Tx) error {
		return tx.UpdateBatch(ctx, batch(siteA, "ghost", "GHOST", "st-veg"))
	})
	assert.ErrorIs(t, err, cultivation.ErrNotFound)

	err = s.WithTx(ctx, func(tx cultivation.Tx) error {
		return tx.UpdateOverrideRequest(ctx, cultivation.OverrideRequest{ID: "ghost", SiteID: siteA})
	})
	assert.ErrorIs(t, err, cultivation.ErrNotFound)
}

func rollbackOnError(t *testing.T, s cultivation.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx cultivation.Tx) error {
		if err := tx.InsertStage(ctx, stage(siteA, "s1", "veg", 1)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetStage(ctx, siteA, "s1")
	assert.ErrorIs(t, err, cultivation.ErrNotFound)
}

func rollbackOnCancel(t *testing.T, s cultivation.Store) {
	ctx, cancel := context.WithCancel(context.Background())

	err := s.WithTx(ctx, func(tx cultivation.Tx) error {
		if err := tx.InsertStage(ctx, stage(siteA, "s1", "veg", 1)); err != nil {
			return err
		}
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.GetStage(context.Background(), siteA, "s1")
	assert.ErrorIs(t, err, cultivation.ErrNotFound)
}

func historyInsertionOrder(t *testing.T, s cultivation.Store) {
	ctx := context.Background()
	seed(t, s, "b1")

	tx(t, s, func(tx cultivation.Tx) error {
		for _, id := range []string{"h1", "h2", "h3"} {
			if err := tx.AppendStageHistory(ctx, cultivation.StageHistory{
				ID: id, BatchID: "b1", ToStageID: "st-veg", ChangedBy: "op-1", ChangedAt: t0,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	rows, err := s.ListStageHistory(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"h1", "h2", "h3"}, []string{rows[0].ID, rows[1].ID, rows[2].ID})
	assert.Nil(t, rows[0].FromStageID)
}

func propagationWindow(t *testing.T, s cultivation.Store) {
	ctx := context.Background()
	day := func(d int) cultivation.Day { return cultivation.NewDay(2025, time.March, d) }

	tx(t, s, func(tx cultivation.Tx) error {
		for i, e := range []struct {
			day, n int
			site   cultivation.SiteID
		}{{3, 5, siteA}, {4, 7, siteA}, {10, 11, siteA}, {11, 13, siteA}, {10, 100, siteB}} {
			if err := tx.AppendPropagationEvent(ctx, cultivation.PropagationEvent{
				ID: string(rune('a' + i)), SiteID: e.site, MotherPlantID: "mp-1",
				PropagatedCount: e.n, RecordedOn: day(e.day), RecordedBy: "op-1", CreatedAt: t0,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	sum, err := s.SumPropagations(ctx, siteA, day(4), day(10))
	require.NoError(t, err)
	assert.Equal(t, 18, sum, "both ends are inclusive")

	sum, err = s.SumPropagations(ctx, siteA, day(20), day(26))
	require.NoError(t, err)
	assert.Zero(t, sum)

	events, err := s.ListPropagationEvents(ctx, siteA, day(1), day(31))
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, day(3), events[0].RecordedOn)
	assert.Equal(t, day(11), events[3].RecordedOn)
}

func settingsDefaultAndUpsert(t *testing.T, s cultivation.Store) {
	ctx := context.Background()

	got, err := s.GetPropagationSettings(ctx, siteA)
	require.NoError(t, err)
	assert.Equal(t, siteA, got.SiteID)
	assert.Nil(t, got.DailyLimit)
	assert.Nil(t, got.WeeklyLimit)

	for _, limit := range []int{100, 80} {
		tx(t, s, func(tx cultivation.Tx) error {
			return tx.PutPropagationSettings(ctx, cultivation.PropagationSettings{
				SiteID: siteA, DailyLimit: cultivation.IntPtr(limit), RequiresOverrideApproval: true,
				ApproverRole: "Manager", Timezone: "America/Los_Angeles", UpdatedAt: t0,
			})
		})
	}

	got, err = s.GetPropagationSettings(ctx, siteA)
	require.NoError(t, err)
	require.NotNil(t, got.DailyLimit)
	assert.Equal(t, 80, *got.DailyLimit)
	assert.Nil(t, got.MotherPropagationLimit)
	assert.True(t, got.RequiresOverrideApproval)
	assert.Equal(t, "America/Los_Angeles", got.Timezone)
}

func overrideRoundTrip(t *testing.T, s cultivation.Store) {
	ctx := context.Background()
	mp := cultivation.MotherPlantID("mp-1")

	tx(t, s, func(tx cultivation.Tx) error {
		for _, id := range []cultivation.OverrideID{"o1", "o2"} {
			if err := tx.InsertOverrideRequest(ctx, cultivation.OverrideRequest{
				ID: id, SiteID: siteA, RequestedBy: "op-1", MotherPlantID: &mp, RequestedQuantity: 5,
				Reason: "order", Status: cultivation.OverridePending, RequestedOn: t0,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	resolved := t0.Add(time.Hour)
	approver := "mgr-1"
	tx(t, s, func(tx cultivation.Tx) error {
		o, err := tx.GetOverrideRequest(ctx, siteA, "o1")
		if err != nil {
			return err
		}
		o.Status = cultivation.OverrideApproved
		o.ApprovedBy = &approver
		o.ResolvedOn = &resolved
		o.DecisionNotes = "ok"
		return tx.UpdateOverrideRequest(ctx, *o)
	})

	got, err := s.GetOverrideRequest(ctx, siteA, "o1")
	require.NoError(t, err)
	assert.Equal(t, cultivation.OverrideApproved, got.Status)
	require.NotNil(t, got.ApprovedBy)
	assert.Equal(t, "mgr-1", *got.ApprovedBy)
	require.NotNil(t, got.ResolvedOn)
	assert.True(t, got.ResolvedOn.Equal(resolved))
	assert.Nil(t, got.ConsumedOn)
	assert.Nil(t, got.BatchID)
	require.NotNil(t, got.MotherPlantID)
	assert.Equal(t, mp, *got.MotherPlantID)

	pending, err := s.ListOverrideRequests(ctx, siteA, cultivation.OverridePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, cultivation.OverrideID("o2"), pending[0].ID)

	all, err := s.ListOverrideRequests(ctx, siteA, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func concurrentCommitsRespectDailyLimit(t *testing.T, s cultivation.Store) {
	ctx := context.Background()
	eng := cultivation.New(s, cultivation.WithClock(cultivation.NewFixedClock(t0)))

	st, err := eng.Graph.CreateStage(ctx, siteA, cultivation.StageInput{Key: "mother-room"})
	require.NoError(t, err)
	b, err := eng.Lifecycle.CreateBatch(ctx, siteA, cultivation.NewBatch{
		Code: "M-1", StrainID: "strain-1", SourceType: cultivation.SourceClone, PlantCount: 1, StageID: st.ID,
	}, cultivation.Actor{UserID: "op-1"})
	require.NoError(t, err)
	mp, err := eng.Mothers.Designate(ctx, siteA, cultivation.DesignateInput{BatchID: b.ID, PlantTag: "MP-1"}, cultivation.Actor{UserID: "op-1"})
	require.NoError(t, err)
	_, err = eng.Quota.ConfigureSettings(ctx, cultivation.PropagationSettings{SiteID: siteA, DailyLimit: cultivation.IntPtr(100)})
	require.NoError(t, err)

	errs := make([]error, 3)
	var g errgroup.Group
	for i := range errs {
		g.Go(func() error {
			_, errs[i] = eng.Quota.CommitPropagation(ctx, cultivation.CommitRequest{
				SiteID: siteA, MotherPlantID: mp.ID, Count: 40, Actor: cultivation.Actor{UserID: "op-1"},
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, cultivation.ErrLimitExceeded)
		}
	}
	assert.Equal(t, 2, ok)

	u, err := eng.Quota.Usage(ctx, siteA)
	require.NoError(t, err)
	assert.Equal(t, 80, u.DailyUsed)

	got, err := eng.Mothers.Get(ctx, siteA, mp.ID)
	require.NoError(t, err)
	assert.Equal(t, 80, got.PropagationCount)
}
