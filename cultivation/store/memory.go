// Package store provides an in-memory cultivation.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/warp/cultivation-engine/cultivation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a transactional in-memory store.
//
// Writers are serialized by a single mutex. WithTx runs fn against a copy of
// the committed state and publishes the copy only if fn succeeds and ctx is
// still live, so a failed or cancelled transaction leaves nothing behind.
// Readers load the committed state pointer and never block on writers.
type Memory struct {
	mu        sync.Mutex
	committed atomic.Pointer[state]

	failMu   sync.Mutex
	failNext []error
}

func NewMemory() *Memory {
	m := &Memory{}
	m.committed.Store(newState())
	return m
}

var _ cultivation.Store = (*Memory)(nil)

// FailNextTx makes the next len(errs) WithTx calls return those errors
// without running fn. Used to exercise retry paths.
func (m *Memory) FailNextTx(errs ...error) {
	m.failMu.Lock()
	m.failNext = append(m.failNext, errs...)
	m.failMu.Unlock()
}

func (m *Memory) injected() error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	if len(m.failNext) == 0 {
		return nil
	}
	err := m.failNext[0]
	m.failNext = m.failNext[1:]
	return err
}

// WithTx executes fn within a transaction.
func (m *Memory) WithTx(ctx context.Context, fn func(cultivation.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected(); err != nil {
		return err
	}

	next := m.committed.Load().clone()
	if err := fn(&memTx{reader: reader{next}}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.committed.Store(next)
	return nil
}

// Reader methods on the committed state.

func (m *Memory) r() reader { return reader{m.committed.Load()} }

func (m *Memory) GetStage(ctx context.Context, s cultivation.SiteID, id cultivation.StageID) (*cultivation.Stage, error) {
	return m.r().GetStage(ctx, s, id)
}
func (m *Memory) GetStageByKey(ctx context.Context, s cultivation.SiteID, key string) (*cultivation.Stage, error) {
	return m.r().GetStageByKey(ctx, s, key)
}
func (m *Memory) ListStages(ctx context.Context, s cultivation.SiteID) ([]cultivation.Stage, error) {
	return m.r().ListStages(ctx, s)
}
func (m *Memory) GetTransition(ctx context.Context, s cultivation.SiteID, from, to cultivation.StageID) (*cultivation.Transition, error) {
	return m.r().GetTransition(ctx, s, from, to)
}
func (m *Memory) ListTransitions(ctx context.Context, s cultivation.SiteID) ([]cultivation.Transition, error) {
	return m.r().ListTransitions(ctx, s)
}
func (m *Memory) ListTransitionsFrom(ctx context.Context, s cultivation.SiteID, from cultivation.StageID) ([]cultivation.Transition, error) {
	return m.r().ListTransitionsFrom(ctx, s, from)
}
func (m *Memory) GetBatch(ctx context.Context, s cultivation.SiteID, id cultivation.BatchID) (*cultivation.Batch, error) {
	return m.r().GetBatch(ctx, s, id)
}
func (m *Memory) ListBatches(ctx context.Context, s cultivation.SiteID) ([]cultivation.Batch, error) {
	return m.r().ListBatches(ctx, s)
}
func (m *Memory) ListStageHistory(ctx context.Context, id cultivation.BatchID) ([]cultivation.StageHistory, error) {
	return m.r().ListStageHistory(ctx, id)
}
func (m *Memory) ListRelationships(ctx context.Context, s cultivation.SiteID) ([]cultivation.BatchRelationship, error) {
	return m.r().ListRelationships(ctx, s)
}
func (m *Memory) GetMotherPlant(ctx context.Context, s cultivation.SiteID, id cultivation.MotherPlantID) (*cultivation.MotherPlant, error) {
	return m.r().GetMotherPlant(ctx, s, id)
}
func (m *Memory) ListMotherPlants(ctx context.Context, s cultivation.SiteID) ([]cultivation.MotherPlant, error) {
	return m.r().ListMotherPlants(ctx, s)
}
func (m *Memory) SumPropagations(ctx context.Context, s cultivation.SiteID, from, to cultivation.Day) (int, error) {
	return m.r().SumPropagations(ctx, s, from, to)
}
func (m *Memory) ListPropagationEvents(ctx context.Context, s cultivation.SiteID, from, to cultivation.Day) ([]cultivation.PropagationEvent, error) {
	return m.r().ListPropagationEvents(ctx, s, from, to)
}
func (m *Memory) GetPropagationSettings(ctx context.Context, s cultivation.SiteID) (*cultivation.PropagationSettings, error) {
	return m.r().GetPropagationSettings(ctx, s)
}
func (m *Memory) GetOverrideRequest(ctx context.Context, s cultivation.SiteID, id cultivation.OverrideID) (*cultivation.OverrideRequest, error) {
	return m.r().GetOverrideRequest(ctx, s, id)
}
func (m *Memory) ListOverrideRequests(ctx context.Context, s cultivation.SiteID, status cultivation.OverrideStatus) ([]cultivation.OverrideRequest, error) {
	return m.r().ListOverrideRequests(ctx, s, status)
}

// =============================================================================
// STATE
// =============================================================================

type siteKey struct {
	site cultivation.SiteID
	key  string
}

type edgeKey struct {
	site     cultivation.SiteID
	from, to cultivation.StageID
}

type state struct {
	stages    map[cultivation.StageID]cultivation.Stage
	stageKeys map[siteKey]cultivation.StageID

	transitions     map[string]cultivation.Transition
	edges           map[edgeKey]string
	transitionOrder []string

	batches    map[cultivation.BatchID]cultivation.Batch
	batchCodes map[siteKey]cultivation.BatchID
	history    map[cultivation.BatchID][]cultivation.StageHistory
	relations  []cultivation.BatchRelationship

	mothers     map[cultivation.MotherPlantID]cultivation.MotherPlant
	motherTags  map[siteKey]cultivation.MotherPlantID
	motherOrder []cultivation.MotherPlantID
	events      []cultivation.PropagationEvent
	settings    map[cultivation.SiteID]cultivation.PropagationSettings

	overrides     map[cultivation.OverrideID]cultivation.OverrideRequest
	overrideOrder []cultivation.OverrideID
}

func newState() *state {
	return &state{
		stages:      map[cultivation.StageID]cultivation.Stage{},
		stageKeys:   map[siteKey]cultivation.StageID{},
		transitions: map[string]cultivation.Transition{},
		edges:       map[edgeKey]string{},
		batches:     map[cultivation.BatchID]cultivation.Batch{},
		batchCodes:  map[siteKey]cultivation.BatchID{},
		history:     map[cultivation.BatchID][]cultivation.StageHistory{},
		mothers:     map[cultivation.MotherPlantID]cultivation.MotherPlant{},
		motherTags:  map[siteKey]cultivation.MotherPlantID{},
		settings:    map[cultivation.SiteID]cultivation.PropagationSettings{},
		overrides:   map[cultivation.OverrideID]cultivation.OverrideRequest{},
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// capped returns s with cap == len, so appends on the copy never write into
// the array shared with the committed state.
func capped[T any](s []T) []T { return s[:len(s):len(s)] }

// clone copies every index. Stored values are replaced, never mutated in
// place, so sharing them between the copy and the committed state is safe.
func (st *state) clone() *state {
	c := &state{
		stages:          copyMap(st.stages),
		stageKeys:       copyMap(st.stageKeys),
		transitions:     copyMap(st.transitions),
		edges:           copyMap(st.edges),
		transitionOrder: capped(st.transitionOrder),
		batches:         copyMap(st.batches),
		batchCodes:      copyMap(st.batchCodes),
		history:         make(map[cultivation.BatchID][]cultivation.StageHistory, len(st.history)),
		relations:       capped(st.relations),
		mothers:         copyMap(st.mothers),
		motherTags:      copyMap(st.motherTags),
		motherOrder:     capped(st.motherOrder),
		events:          capped(st.events),
		settings:        copyMap(st.settings),
		overrides:       copyMap(st.overrides),
		overrideOrder:   capped(st.overrideOrder),
	}
	for k, v := range st.history {
		c.history[k] = capped(v)
	}
	return c
}

// =============================================================================
// READER
// =============================================================================

type reader struct{ st *state }

func notFound(entity, id string) error {
	return &cultivation.NotFoundError{Entity: entity, ID: id}
}

func (r reader) GetStage(_ context.Context, site cultivation.SiteID, id cultivation.StageID) (*cultivation.Stage, error) {
	s, ok := r.st.stages[id]
	if !ok || s.SiteID != site {
		return nil, notFound("stage", string(id))
	}
	return &s, nil
}

func (r reader) GetStageByKey(ctx context.Context, site cultivation.SiteID, key string) (*cultivation.Stage, error) {
	id, ok := r.st.stageKeys[siteKey{site, key}]
	if !ok {
		return nil, notFound("stage", key)
	}
	return r.GetStage(ctx, site, id)
}

func (r reader) ListStages(_ context.Context, site cultivation.SiteID) ([]cultivation.Stage, error) {
	var out []cultivation.Stage
	for _, s := range r.st.stages {
		if s.SiteID == site {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SequenceOrder != out[j].SequenceOrder {
			return out[i].SequenceOrder < out[j].SequenceOrder
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (r reader) GetTransition(_ context.Context, site cultivation.SiteID, from, to cultivation.StageID) (*cultivation.Transition, error) {
	id, ok := r.st.edges[edgeKey{site, from, to}]
	if !ok {
		return nil, nil
	}
	t := r.st.transitions[id]
	return &t, nil
}

func (r reader) ListTransitions(_ context.Context, site cultivation.SiteID) ([]cultivation.Transition, error) {
	var out []cultivation.Transition
	for _, id := range r.st.transitionOrder {
		if t := r.st.transitions[id]; t.SiteID == site {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r reader) ListTransitionsFrom(_ context.Context, site cultivation.SiteID, from cultivation.StageID) ([]cultivation.Transition, error) {
	var out []cultivation.Transition
	for _, id := range r.st.transitionOrder {
		if t := r.st.transitions[id]; t.SiteID == site && t.FromStageID == from {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r reader) GetBatch(_ context.Context, site cultivation.SiteID, id cultivation.BatchID) (*cultivation.Batch, error) {
	b, ok := r.st.batches[id]
	if !ok || b.SiteID != site {
		return nil, notFound("batch", string(id))
	}
	c := b.Clone()
	return &c, nil
}

func (r reader) ListBatches(_ context.Context, site cultivation.SiteID) ([]cultivation.Batch, error) {
	var out []cultivation.Batch
	for _, b := range r.st.batches {
		if b.SiteID == site {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
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

func (r reader) ListStageHistory(_ context.Context, id cultivation.BatchID) ([]cultivation.StageHistory, error) {
	rows := append([]cultivation.StageHistory(nil), r.st.history[id]...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ChangedAt.Before(rows[j].ChangedAt) })
	return rows, nil
}

func (r reader) ListRelationships(_ context.Context, site cultivation.SiteID) ([]cultivation.BatchRelationship, error) {
	var out []cultivation.BatchRelationship
	for _, rel := range r.st.relations {
		if rel.SiteID == site {
			out = append(out, rel)
		}
	}
	return out, nil
}

func (r reader) GetMotherPlant(_ context.Context, site cultivation.SiteID, id cultivation.MotherPlantID) (*cultivation.MotherPlant, error) {
	mp, ok := r.st.mothers[id]
	if !ok || mp.SiteID != site {
		return nil, notFound("mother_plant", string(id))
	}
	return &mp, nil
}

func (r reader) ListMotherPlants(_ context.Context, site cultivation.SiteID) ([]cultivation.MotherPlant, error) {
	var out []cultivation.MotherPlant
	for _, id := range r.st.motherOrder {
		if mp := r.st.mothers[id]; mp.SiteID == site {
			out = append(out, mp)
		}
	}
	return out, nil
}

func (r reader) SumPropagations(_ context.Context, site cultivation.SiteID, from, to cultivation.Day) (int, error) {
	sum := 0
	for _, e := range r.st.events {
		if e.SiteID == site && from.BeforeOrEqual(e.RecordedOn) && e.RecordedOn.BeforeOrEqual(to) {
			sum += e.PropagatedCount
		}
	}
	return sum, nil
}

func (r reader) ListPropagationEvents(_ context.Context, site cultivation.SiteID, from, to cultivation.Day) ([]cultivation.PropagationEvent, error) {
	var out []cultivation.PropagationEvent
	for _, e := range r.st.events {
		if e.SiteID == site && from.BeforeOrEqual(e.RecordedOn) && e.RecordedOn.BeforeOrEqual(to) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedOn.Before(out[j].RecordedOn) })
	return out, nil
}

func (r reader) GetPropagationSettings(_ context.Context, site cultivation.SiteID) (*cultivation.PropagationSettings, error) {
	s, ok := r.st.settings[site]
	if !ok {
		return &cultivation.PropagationSettings{SiteID: site}, nil
	}
	return &s, nil
}

func (r reader) GetOverrideRequest(_ context.Context, site cultivation.SiteID, id cultivation.OverrideID) (*cultivation.OverrideRequest, error) {
	o, ok := r.st.overrides[id]
	if !ok || o.SiteID != site {
		return nil, notFound("override", string(id))
	}
	return &o, nil
}

func (r reader) ListOverrideRequests(_ context.Context, site cultivation.SiteID, status cultivation.OverrideStatus) ([]cultivation.OverrideRequest, error) {
	var out []cultivation.OverrideRequest
	for _, id := range r.st.overrideOrder {
		o := r.st.overrides[id]
		if o.SiteID == site && (status == "" || o.Status == status) {
			out = append(out, o)
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTION
// =============================================================================

type memTx struct {
	reader
}

// Lock is a no-op: WithTx already holds the store-wide writer mutex.
func (t *memTx) Lock(ctx context.Context, _ string) error { return ctx.Err() }

func (t *memTx) InsertStage(_ context.Context, s cultivation.Stage) error {
	k := siteKey{s.SiteID, s.Key}
	if _, taken := t.st.stageKeys[k]; taken {
		return &cultivation.DuplicateKeyError{Entity: "stage", SiteID: s.SiteID, Key: s.Key}
	}
	if _, taken := t.st.stages[s.ID]; taken {
		return &cultivation.DuplicateKeyError{Entity: "stage", SiteID: s.SiteID, Key: string(s.ID)}
	}
	t.st.stages[s.ID] = s
	t.st.stageKeys[k] = s.ID
	return nil
}

func (t *memTx) InsertTransition(_ context.Context, tr cultivation.Transition) error {
	k := edgeKey{tr.SiteID, tr.FromStageID, tr.ToStageID}
	if _, taken := t.st.edges[k]; taken {
		return &cultivation.DuplicateKeyError{Entity: "transition", SiteID: tr.SiteID,
			Key: string(tr.FromStageID) + "->" + string(tr.ToStageID)}
	}
	t.st.transitions[tr.ID] = tr
	t.st.edges[k] = tr.ID
	t.st.transitionOrder = append(t.st.transitionOrder, tr.ID)
	return nil
}

func (t *memTx) InsertBatch(_ context.Context, b cultivation.Batch) error {
	k := siteKey{b.SiteID, b.Code}
	if _, taken := t.st.batchCodes[k]; taken {
		return &cultivation.DuplicateKeyError{Entity: "batch", SiteID: b.SiteID, Key: b.Code}
	}
	if _, taken := t.st.batches[b.ID]; taken {
		return &cultivation.DuplicateKeyError{Entity: "batch", SiteID: b.SiteID, Key: string(b.ID)}
	}
	t.st.batches[b.ID] = b.Clone()
	t.st.batchCodes[k] = b.ID
	return nil
}

func (t *memTx) UpdateBatch(_ context.Context, b cultivation.Batch) error {
	old, ok := t.st.batches[b.ID]
	if !ok || old.SiteID != b.SiteID {
		return notFound("batch", string(b.ID))
	}
	if old.Code != b.Code {
		k := siteKey{b.SiteID, b.Code}
		if _, taken := t.st.batchCodes[k]; taken {
			return &cultivation.DuplicateKeyError{Entity: "batch", SiteID: b.SiteID, Key: b.Code}
		}
		delete(t.st.batchCodes, siteKey{old.SiteID, old.Code})
		t.st.batchCodes[k] = b.ID
	}
	t.st.batches[b.ID] = b.Clone()
	return nil
}

func (t *memTx) AppendStageHistory(_ context.Context, h cultivation.StageHistory) error {
	if _, ok := t.st.batches[h.BatchID]; !ok {
		return notFound("batch", string(h.BatchID))
	}
	t.st.history[h.BatchID] = append(t.st.history[h.BatchID], h)
	return nil
}

func (t *memTx) InsertRelationship(_ context.Context, r cultivation.BatchRelationship) error {
	t.st.relations = append(t.st.relations, r)
	return nil
}

func (t *memTx) InsertMotherPlant(_ context.Context, mp cultivation.MotherPlant) error {
	k := siteKey{mp.SiteID, mp.PlantTag}
	if _, taken := t.st.motherTags[k]; taken {
		return &cultivation.DuplicateKeyError{Entity: "mother_plant", SiteID: mp.SiteID, Key: mp.PlantTag}
	}
	t.st.mothers[mp.ID] = mp
	t.st.motherTags[k] = mp.ID
	t.st.motherOrder = append(t.st.motherOrder, mp.ID)
	return nil
}

func (t *memTx) UpdateMotherPlant(_ context.Context, mp cultivation.MotherPlant) error {
	old, ok := t.st.mothers[mp.ID]
	if !ok || old.SiteID != mp.SiteID {
		return notFound("mother_plant", string(mp.ID))
	}
	t.st.mothers[mp.ID] = mp
	return nil
}

func (t *memTx) AppendPropagationEvent(_ context.Context, e cultivation.PropagationEvent) error {
	t.st.events = append(t.st.events, e)
	return nil
}

func (t *memTx) PutPropagationSettings(_ context.Context, s cultivation.PropagationSettings) error {
	t.st.settings[s.SiteID] = s
	return nil
}

func (t *memTx) InsertOverrideRequest(_ context.Context, o cultivation.OverrideRequest) error {
	t.st.overrides[o.ID] = o
	t.st.overrideOrder = append(t.st.overrideOrder, o.ID)
	return nil
}

func (t *memTx) UpdateOverrideRequest(_ context.Context, o cultivation.OverrideRequest) error {
	old, ok := t.st.overrides[o.ID]
	if !ok || old.SiteID != o.SiteID {
		return notFound("override", string(o.ID))
	}
	t.st.overrides[o.ID] = o
	return nil
}
