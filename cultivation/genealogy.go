/*
genealogy.go - Parent/child lineage across batches

PURPOSE:
  Records explicit batch relationships (split, merge, clone, transfer) and
  answers lineage queries. Two kinds of edges exist:

    Batch.ParentBatchID   single-parent lineage, drives Generation
    BatchRelationship     explicit events, may be many-to-many

  Together they must form a DAG.

CYCLE CHECK:
  RecordRelationship(parent, child) is rejected when parent is reachable
  from child over either kind of edge. The check and the insert run in one
  transaction under the site genealogy lock, so two concurrent inserts can
  never each pass the check and jointly close a loop.

TRAVERSAL:
  Descendants and AncestorPath load the site's batches once into an arena
  keyed by id with a children index keyed by parent id, then walk it
  iteratively. A cycle found in stored data is an IntegrityError; results
  are never silently truncated.

SEE ALSO:
  - lifecycle.go: SplitBatch records split relationships
*/
package cultivation

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Genealogy is the GenealogyTracker.
type Genealogy struct {
	store Store
	opts  options
}

func NewGenealogy(store Store, opts ...Option) *Genealogy {
	return newGenealogy(store, buildOptions(opts))
}

func newGenealogy(store Store, o options) *Genealogy {
	return &Genealogy{store: store, opts: o}
}

// RelationshipInput describes an explicit lineage event.
type RelationshipInput struct {
	ParentID              BatchID
	ChildID               BatchID
	Type                  RelationshipType
	PlantCountTransferred *int
	TransferDate          time.Time
	Notes                 string
}

// RecordRelationship stores parent -> child, failing with *CycleError if
// child is already a transitive ancestor of parent.
func (g *Genealogy) RecordRelationship(ctx context.Context, siteID SiteID, in RelationshipInput, actor Actor) (*BatchRelationship, error) {
	if in.ParentID == "" || in.ChildID == "" {
		return nil, invalid("batch_id", "parent and child are required")
	}
	if _, err := ParseRelationshipType(string(in.Type)); err != nil {
		return nil, err
	}
	if in.PlantCountTransferred != nil && *in.PlantCountTransferred < 0 {
		return nil, invalid("plant_count_transferred", "must be >= 0")
	}
	if in.ParentID == in.ChildID {
		return nil, &CycleError{ParentID: in.ParentID, ChildID: in.ChildID}
	}

	rel := BatchRelationship{
		ID:                    NewID(),
		SiteID:                siteID,
		ParentBatchID:         in.ParentID,
		ChildBatchID:          in.ChildID,
		Type:                  in.Type,
		PlantCountTransferred: in.PlantCountTransferred,
		TransferDate:          in.TransferDate,
		Notes:                 in.Notes,
		CreatedBy:             actor.UserID,
	}
	if rel.TransferDate.IsZero() {
		rel.TransferDate = g.opts.now()
	}

	err := g.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.Lock(ctx, genealogyLockKey(siteID)); err != nil {
			return err
		}
		if _, err := tx.GetBatch(ctx, siteID, in.ParentID); err != nil {
			return err
		}
		if _, err := tx.GetBatch(ctx, siteID, in.ChildID); err != nil {
			return err
		}
		reachable, err := reaches(ctx, tx, siteID, in.ChildID, in.ParentID)
		if err != nil {
			return err
		}
		if reachable {
			return &CycleError{ParentID: in.ParentID, ChildID: in.ChildID}
		}
		if err := tx.InsertRelationship(ctx, rel); err != nil {
			return err
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, g.opts.reportIntegrity(err)
	}

	g.opts.log.Info().
		Str("site_id", string(siteID)).
		Str("parent_batch_id", string(in.ParentID)).
		Str("child_batch_id", string(in.ChildID)).
		Str("type", string(in.Type)).
		Msg("relationship recorded")
	return &rel, nil
}

// reaches reports whether target is reachable from start over lineage and
// relationship edges. Visited nodes are skipped, so corrupt cyclic data
// cannot make it loop.
func reaches(ctx context.Context, r Reader, siteID SiteID, start, target BatchID) (bool, error) {
	batches, err := r.ListBatches(ctx, siteID)
	if err != nil {
		return false, err
	}
	rels, err := r.ListRelationships(ctx, siteID)
	if err != nil {
		return false, err
	}

	children := make(map[BatchID][]BatchID, len(batches))
	for _, b := range batches {
		if b.ParentBatchID != nil {
			children[*b.ParentBatchID] = append(children[*b.ParentBatchID], b.ID)
		}
	}
	for _, rel := range rels {
		children[rel.ParentBatchID] = append(children[rel.ParentBatchID], rel.ChildBatchID)
	}

	visited := map[BatchID]bool{start: true}
	queue := []BatchID{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == target {
			return true, nil
		}
		for _, c := range children[id] {
			if !visited[c] {
				visited[c] = true
				queue = append(queue, c)
			}
		}
	}
	return false, nil
}

// =============================================================================
// LINEAGE QUERIES
// =============================================================================

// arena is one consistent read of a site's batches.
type arena struct {
	byID     map[BatchID]*Batch
	children map[BatchID][]BatchID
}

func loadArena(ctx context.Context, r Reader, siteID SiteID) (*arena, error) {
	batches, err := r.ListBatches(ctx, siteID)
	if err != nil {
		return nil, err
	}
	a := &arena{
		byID:     make(map[BatchID]*Batch, len(batches)),
		children: make(map[BatchID][]BatchID),
	}
	for i := range batches {
		b := &batches[i]
		a.byID[b.ID] = b
		if b.ParentBatchID != nil {
			a.children[*b.ParentBatchID] = append(a.children[*b.ParentBatchID], b.ID)
		}
	}
	return a, nil
}

// Descendants returns every batch reachable from id over ParentBatchID
// edges, ordered by (Generation, CreatedAt, ID). The batch itself is excluded.
func (g *Genealogy) Descendants(ctx context.Context, siteID SiteID, id BatchID) ([]Batch, error) {
	a, err := loadArena(ctx, g.store, siteID)
	if err != nil {
		return nil, err
	}
	if _, ok := a.byID[id]; !ok {
		return nil, notFound("batch", id)
	}

	var out []Batch
	visited := map[BatchID]bool{id: true}
	queue := []BatchID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range a.children[cur] {
			if visited[c] {
				return nil, g.opts.reportIntegrity(&IntegrityError{Entity: "batch", ID: string(c),
					Detail: fmt.Sprintf("lineage cycle reached while walking descendants of %s", id)})
			}
			visited[c] = true
			out = append(out, a.byID[c].Clone())
			queue = append(queue, c)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Generation != out[j].Generation {
			return out[i].Generation < out[j].Generation
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AncestorPath walks ParentBatchID upward from id to the generation 0 root.
// The result is nearest first and excludes the batch itself. A cycle, a
// dangling parent or a generation gap is an IntegrityError.
func (g *Genealogy) AncestorPath(ctx context.Context, siteID SiteID, id BatchID) ([]Batch, error) {
	a, err := loadArena(ctx, g.store, siteID)
	if err != nil {
		return nil, err
	}
	cur, ok := a.byID[id]
	if !ok {
		return nil, notFound("batch", id)
	}

	var path []Batch
	visited := map[BatchID]bool{id: true}
	for cur.ParentBatchID != nil {
		pid := *cur.ParentBatchID
		if visited[pid] {
			return nil, g.opts.reportIntegrity(&IntegrityError{Entity: "batch", ID: string(pid),
				Detail: fmt.Sprintf("lineage cycle reached while walking ancestors of %s", id)})
		}
		visited[pid] = true

		parent, ok := a.byID[pid]
		if !ok {
			return nil, g.opts.reportIntegrity(&IntegrityError{Entity: "batch", ID: string(cur.ID),
				Detail: fmt.Sprintf("parent batch %s does not exist", pid)})
		}
		if cur.Generation != parent.Generation+1 {
			return nil, g.opts.reportIntegrity(&IntegrityError{Entity: "batch", ID: string(cur.ID),
				Detail: fmt.Sprintf("generation %d does not follow parent generation %d", cur.Generation, parent.Generation)})
		}
		path = append(path, parent.Clone())
		cur = parent
	}
	if cur.Generation != 0 {
		return nil, g.opts.reportIntegrity(&IntegrityError{Entity: "batch", ID: string(cur.ID),
			Detail: fmt.Sprintf("root batch has generation %d", cur.Generation)})
	}
	return path, nil
}

// Relationships lists the explicit relationships touching a batch, or every
// relationship in the site when id is empty.
func (g *Genealogy) Relationships(ctx context.Context, siteID SiteID, id BatchID) ([]BatchRelationship, error) {
	if id != "" {
		if _, err := g.store.GetBatch(ctx, siteID, id); err != nil {
			return nil, err
		}
	}
	rels, err := g.store.ListRelationships(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return rels, nil
	}
	var out []BatchRelationship
	for _, r := range rels {
		if r.ParentBatchID == id || r.ChildBatchID == id {
			out = append(out, r)
		}
	}
	return out, nil
}
