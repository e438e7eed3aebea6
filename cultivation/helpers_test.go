package cultivation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/cultivation-engine/cultivation"
	"github.com/warp/cultivation-engine/cultivation/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const site cultivation.SiteID = "site-1"

var (
	operator = cultivation.Actor{UserID: "op-1", Role: "Operator"}
	manager  = cultivation.Actor{UserID: "mgr-1", Role: "Manager"}
)

// march10 09:00 UTC, a Monday.
var march10 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx    context.Context
	eng    *cultivation.Engine
	mem    *store.Memory
	clock  *cultivation.FixedClock
	events *recordingEmitter
	stages map[string]*cultivation.Stage
}

func newFixture(t *testing.T, opts ...cultivation.Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := cultivation.NewFixedClock(march10)
	events := &recordingEmitter{}
	base := []cultivation.Option{
		cultivation.WithClock(clock),
		cultivation.WithEmitter(events),
		cultivation.WithRetryPolicy(cultivation.RetryPolicy{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}),
	}
	return &fixture{
		ctx:    context.Background(),
		eng:    cultivation.New(mem, append(base, opts...)...),
		mem:    mem,
		clock:  clock,
		events: events,
		stages: map[string]*cultivation.Stage{},
	}
}

func (f *fixture) stage(t *testing.T, key string, in cultivation.StageInput) *cultivation.Stage {
	t.Helper()
	in.Key = key
	s, err := f.eng.Graph.CreateStage(f.ctx, site, in)
	require.NoError(t, err)
	f.stages[key] = s
	return s
}

func (f *fixture) edge(t *testing.T, from, to string, in cultivation.TransitionInput) *cultivation.Transition {
	t.Helper()
	in.From = f.stages[from].ID
	in.To = f.stages[to].ID
	tr, err := f.eng.Graph.CreateTransition(f.ctx, site, in)
	require.NoError(t, err)
	return tr
}

func (f *fixture) id(key string) cultivation.StageID { return f.stages[key].ID }

// standardGraph builds:
//
//	clone -> veg -> flower -> harvest -> complete
//	          \                 (metrics)  (terminal)
//	           -> destroyed (terminal)
//
// veg -> flower requires the Manager role.
func (f *fixture) standardGraph(t *testing.T) {
	t.Helper()
	f.stage(t, "clone", cultivation.StageInput{SequenceOrder: 1})
	f.stage(t, "veg", cultivation.StageInput{SequenceOrder: 2})
	f.stage(t, "flower", cultivation.StageInput{SequenceOrder: 3})
	f.stage(t, "harvest", cultivation.StageInput{SequenceOrder: 4, RequiresHarvestMetrics: true})
	f.stage(t, "complete", cultivation.StageInput{SequenceOrder: 5, IsTerminal: true})
	f.stage(t, "destroyed", cultivation.StageInput{SequenceOrder: 99, IsTerminal: true})

	f.edge(t, "clone", "veg", cultivation.TransitionInput{})
	f.edge(t, "veg", "flower", cultivation.TransitionInput{RequiresApproval: true, ApprovalRole: "Manager"})
	f.edge(t, "flower", "harvest", cultivation.TransitionInput{})
	f.edge(t, "harvest", "complete", cultivation.TransitionInput{})
	f.edge(t, "veg", "destroyed", cultivation.TransitionInput{})
}

func (f *fixture) batch(t *testing.T, code, stageKey string, parent *cultivation.BatchID) *cultivation.Batch {
	t.Helper()
	b, err := f.eng.Lifecycle.CreateBatch(f.ctx, site, cultivation.NewBatch{
		Code:          code,
		StrainID:      "strain-1",
		SourceType:    cultivation.SourceClone,
		ParentBatchID: parent,
		PlantCount:    10,
		StageID:       f.id(stageKey),
	}, operator)
	require.NoError(t, err)
	return b
}

func (f *fixture) history(t *testing.T, id cultivation.BatchID) []cultivation.StageHistory {
	t.Helper()
	rows, err := f.eng.Lifecycle.History(f.ctx, site, id)
	require.NoError(t, err)
	return rows
}

// mother creates a batch in its own single-stage graph and designates a mother.
func (f *fixture) mother(t *testing.T, tag string, max *int) *cultivation.MotherPlant {
	t.Helper()
	if _, ok := f.stages["mother-room"]; !ok {
		f.stage(t, "mother-room", cultivation.StageInput{SequenceOrder: 0})
	}
	b := f.batch(t, "M-"+tag, "mother-room", nil)
	mp, err := f.eng.Mothers.Designate(f.ctx, site, cultivation.DesignateInput{
		BatchID:             b.ID,
		PlantTag:            tag,
		MaxPropagationCount: max,
	}, operator)
	require.NoError(t, err)
	return mp
}

func (f *fixture) settings(t *testing.T, s cultivation.PropagationSettings) {
	t.Helper()
	s.SiteID = site
	_, err := f.eng.Quota.ConfigureSettings(f.ctx, s)
	require.NoError(t, err)
}

func (f *fixture) dailySum(t *testing.T) int {
	t.Helper()
	u, err := f.eng.Quota.Usage(f.ctx, site)
	require.NoError(t, err)
	return u.DailyUsed
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []cultivation.Event
}

func (r *recordingEmitter) Emit(_ context.Context, ev cultivation.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) kinds() []cultivation.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cultivation.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recordingEmitter) count(kind cultivation.EventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}
