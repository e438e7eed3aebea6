package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cultivation-engine/cultivation"
	"github.com/warp/cultivation-engine/cultivation/store/storetest"
	"github.com/warp/cultivation-engine/store/sqlite"
	"github.com/warp/cultivation-engine/store/sqlstore"
)

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) cultivation.Store { return openStore(t) })
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cultivation.db")
	ctx := context.Background()

	s, err := sqlite.New(ctx, path)
	require.NoError(t, err)
	_, err = cultivation.New(s).Graph.CreateStage(ctx, "site-1", cultivation.StageInput{Key: "veg"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// GIVEN: An existing database file
	// WHEN: Reopened (which migrates again)
	// THEN: Data survives
	s, err = sqlite.New(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetStageByKey(ctx, "site-1", "veg")
	require.NoError(t, err)
	assert.Equal(t, "veg", got.DisplayName)
}

func TestSQLite_UnknownEnumIsIntegrityViolation(t *testing.T) {
	// GIVEN: A batch row whose status was written by something else
	// WHEN: It is read back
	// THEN: IntegrityViolation, never a silent default
	ctx := context.Background()
	s := openStore(t)
	eng := cultivation.New(s)

	st, err := eng.Graph.CreateStage(ctx, "site-1", cultivation.StageInput{Key: "veg"})
	require.NoError(t, err)
	b, err := eng.Lifecycle.CreateBatch(ctx, "site-1", cultivation.NewBatch{
		Code: "B-1", SourceType: cultivation.SourceSeed, StageID: st.ID,
	}, cultivation.Actor{UserID: "op-1"})
	require.NoError(t, err)

	_, err = s.DB().ExecContext(ctx, `UPDATE batches SET status = 'archived' WHERE id = ?`, b.ID)
	require.NoError(t, err)

	_, err = s.GetBatch(ctx, "site-1", b.ID)
	var integrity *cultivation.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "batch", integrity.Entity)
	assert.Equal(t, string(b.ID), integrity.ID)

	_, err = eng.Lifecycle.List(ctx, "site-1")
	assert.ErrorIs(t, err, cultivation.ErrIntegrityViolation)
}

func TestSQLite_HistoryRowWithMissingBatchIsRejected(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	err := s.WithTx(ctx, func(tx cultivation.Tx) error {
		return tx.AppendStageHistory(ctx, cultivation.StageHistory{ID: "h1", BatchID: "ghost", ToStageID: "x"})
	})
	assert.Error(t, err)
}

func TestSQLite_EndToEndLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	eng := cultivation.New(s)
	site := cultivation.SiteID("site-1")
	op := cultivation.Actor{UserID: "op-1", Role: "Operator"}

	clone, err := eng.Graph.CreateStage(ctx, site, cultivation.StageInput{Key: "clone", SequenceOrder: 1})
	require.NoError(t, err)
	veg, err := eng.Graph.CreateStage(ctx, site, cultivation.StageInput{Key: "veg", SequenceOrder: 2})
	require.NoError(t, err)
	done, err := eng.Graph.CreateStage(ctx, site, cultivation.StageInput{Key: "done", SequenceOrder: 3, IsTerminal: true})
	require.NoError(t, err)
	_, err = eng.Graph.CreateTransition(ctx, site, cultivation.TransitionInput{From: clone.ID, To: veg.ID, AutoAdvance: true})
	require.NoError(t, err)
	_, err = eng.Graph.CreateTransition(ctx, site, cultivation.TransitionInput{From: veg.ID, To: done.ID, AutoAdvance: true})
	require.NoError(t, err)

	b, err := eng.Lifecycle.CreateBatch(ctx, site, cultivation.NewBatch{
		Code: "B-1", SourceType: cultivation.SourceClone, PlantCount: 24, StageID: clone.ID,
	}, op)
	require.NoError(t, err)

	res, err := eng.Lifecycle.Advance(ctx, site, b.ID, veg.ID, op, "")
	require.NoError(t, err)
	assert.Equal(t, done.ID, res.Final(), "veg auto-advances to done")
	assert.Equal(t, cultivation.BatchCompleted, res.Batch.Status)

	hist, err := eng.Lifecycle.History(ctx, site, b.ID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Nil(t, hist[0].FromStageID)
	assert.Equal(t, veg.ID, hist[1].ToStageID)
	assert.Equal(t, done.ID, hist[2].ToStageID)

	_, err = eng.Lifecycle.Advance(ctx, site, b.ID, veg.ID, op, "")
	assert.ErrorIs(t, err, cultivation.ErrTerminalStage)
}
