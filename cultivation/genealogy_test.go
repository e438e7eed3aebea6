package cultivation_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/cultivation-engine/cultivation"
)

func ids(batches []cultivation.Batch) []cultivation.BatchID {
	out := make([]cultivation.BatchID, len(batches))
	for i, b := range batches {
		out[i] = b.ID
	}
	return out
}

func TestRecordRelationship_RejectsCycles(t *testing.T) {
	// GIVEN: A -> B via parentBatchId, then A -> C via relationship
	// WHEN: Recording B -> A, C -> A, or A -> A
	// THEN: Each fails CycleDetected

	f := newFixture(t)
	f.standardGraph(t)
	a := f.batch(t, "A", "clone", nil)
	b := f.batch(t, "B", "clone", &a.ID)
	c := f.batch(t, "C", "clone", nil)

	_, err := f.eng.Genealogy.RecordRelationship(f.ctx, site, cultivation.RelationshipInput{
		ParentID: a.ID, ChildID: c.ID, Type: cultivation.RelationshipMerge,
	}, operator)
	require.NoError(t, err)

	for _, pair := range [][2]cultivation.BatchID{{b.ID, a.ID}, {c.ID, a.ID}, {a.ID, a.ID}} {
		_, err := f.eng.Genealogy.RecordRelationship(f.ctx, site, cultivation.RelationshipInput{
			ParentID: pair[0], ChildID: pair[1], Type: cultivation.RelationshipTransfer,
		}, operator)
		var cycle *cultivation.CycleError
		require.ErrorAs(t, err, &cycle)
		assert.Equal(t, pair[0], cycle.ParentID)
	}

	rels, err := f.eng.Genealogy.Relationships(f.ctx, site, "")
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}

func TestRecordRelationship_Validation(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	a := f.batch(t, "A", "clone", nil)
	b := f.batch(t, "B", "clone", nil)

	_, err := f.eng.Genealogy.RecordRelationship(f.ctx, site, cultivation.RelationshipInput{
		ParentID: a.ID, ChildID: b.ID, Type: "graft",
	}, operator)
	assert.ErrorIs(t, err, cultivation.ErrValidationFailed)

	_, err = f.eng.Genealogy.RecordRelationship(f.ctx, site, cultivation.RelationshipInput{
		ParentID: a.ID, ChildID: "ghost", Type: cultivation.RelationshipClone,
	}, operator)
	assert.ErrorIs(t, err, cultivation.ErrNotFound)
}

func TestRecordRelationship_ConcurrentOppositePairs_OnlyOneWins(t *testing.T) {
	// Two concurrent inserts A -> B and B -> A each pass a cycle check taken in
	// isolation; together they would close a loop.
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		f.standardGraph(t)
		a := f.batch(t, "A", "clone", nil)
		b := f.batch(t, "B", "clone", nil)

		var g errgroup.Group
		errs := make([]error, 2)
		for n, pair := range [][2]cultivation.BatchID{{a.ID, b.ID}, {b.ID, a.ID}} {
			g.Go(func() error {
				_, errs[n] = f.eng.Genealogy.RecordRelationship(f.ctx, site, cultivation.RelationshipInput{
					ParentID: pair[0], ChildID: pair[1], Type: cultivation.RelationshipTransfer,
				}, operator)
				return nil
			})
		}
		require.NoError(t, g.Wait())

		failures := 0
		for _, err := range errs {
			if err != nil {
				require.ErrorIs(t, err, cultivation.ErrCycleDetected)
				failures++
			}
		}
		assert.Equal(t, 1, failures)
	}
}

func TestDescendants_OrderedByGenerationThenCreatedAt(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	root := f.batch(t, "R", "clone", nil)
	f.clock.Advance(time.Minute)
	c2 := f.batch(t, "C2", "clone", &root.ID)
	f.clock.Advance(time.Minute)
	c1 := f.batch(t, "C1", "clone", &root.ID)
	f.clock.Advance(time.Minute)
	g1 := f.batch(t, "G1", "clone", &c2.ID)
	f.clock.Advance(time.Minute)
	f.batch(t, "UNRELATED", "clone", nil)

	got, err := f.eng.Genealogy.Descendants(f.ctx, site, root.ID)
	require.NoError(t, err)
	assert.Equal(t, []cultivation.BatchID{c2.ID, c1.ID, g1.ID}, ids(got))

	got, err = f.eng.Genealogy.Descendants(f.ctx, site, g1.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAncestorPath_NearestFirst(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	root := f.batch(t, "R", "clone", nil)
	mid := f.batch(t, "M", "clone", &root.ID)
	leaf := f.batch(t, "L", "clone", &mid.ID)

	got, err := f.eng.Genealogy.AncestorPath(f.ctx, site, leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, []cultivation.BatchID{mid.ID, root.ID}, ids(got))

	got, err = f.eng.Genealogy.AncestorPath(f.ctx, site, root.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLineage_CorruptStoredCycle_IsIntegrityViolation(t *testing.T) {
	// GIVEN: Two batches whose parentBatchId point at each other (corrupt data)
	// WHEN: Walking ancestors or descendants
	// THEN: IntegrityViolation; nothing is truncated or repaired

	f := newFixture(t)
	f.standardGraph(t)
	x := f.batch(t, "X", "clone", nil)
	y := f.batch(t, "Y", "clone", &x.ID)

	require.NoError(t, f.mem.WithTx(f.ctx, func(tx cultivation.Tx) error {
		corrupt := x.Clone()
		corrupt.ParentBatchID = &y.ID
		corrupt.Generation = 2
		return tx.UpdateBatch(f.ctx, corrupt)
	}))

	_, err := f.eng.Genealogy.AncestorPath(f.ctx, site, y.ID)
	assert.ErrorIs(t, err, cultivation.ErrIntegrityViolation)

	_, err = f.eng.Genealogy.Descendants(f.ctx, site, x.ID)
	assert.ErrorIs(t, err, cultivation.ErrIntegrityViolation)
}

func TestAncestorPath_DanglingParent_IsIntegrityViolation(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	b := f.batch(t, "B", "clone", nil)

	require.NoError(t, f.mem.WithTx(f.ctx, func(tx cultivation.Tx) error {
		corrupt := b.Clone()
		ghost := cultivation.BatchID("ghost")
		corrupt.ParentBatchID = &ghost
		corrupt.Generation = 1
		return tx.UpdateBatch(f.ctx, corrupt)
	}))

	_, err := f.eng.Genealogy.AncestorPath(f.ctx, site, b.ID)
	var integrity *cultivation.IntegrityError
	require.True(t, errors.As(err, &integrity))
	assert.Equal(t, string(b.ID), integrity.ID)
}

func TestRecordRelationship_NeverMakesParentADescendantOfChild(t *testing.T) {
	f := newFixture(t)
	f.standardGraph(t)
	a := f.batch(t, "A", "clone", nil)
	b := f.batch(t, "B", "clone", &a.ID)
	c := f.batch(t, "C", "clone", &b.ID)

	_, err := f.eng.Genealogy.RecordRelationship(f.ctx, site, cultivation.RelationshipInput{
		ParentID: c.ID, ChildID: a.ID, Type: cultivation.RelationshipClone,
	}, operator)
	require.ErrorIs(t, err, cultivation.ErrCycleDetected)

	desc, err := f.eng.Genealogy.Descendants(f.ctx, site, a.ID)
	require.NoError(t, err)
	assert.NotContains(t, ids(desc), a.ID)
}
