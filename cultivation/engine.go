package cultivation

// Engine wires every component over one store with shared options, so all
// of them log, count and lock the same way.
//
//	eng := cultivation.New(store,
//	    cultivation.WithLogger(log),
//	    cultivation.WithMetrics(metrics),
//	    cultivation.WithEmitter(emitter),
//	)
//	res, err := eng.Lifecycle.Advance(ctx, site, batchID, flowerID, actor, "")
type Engine struct {
	Store       Store
	Graph       *StageGraph
	Lifecycle   *Lifecycle
	Genealogy   *Genealogy
	Mothers     *Mothers
	Quota       *Governor
	Overrides   *Overrides
	Propagation *PropagationService
}

func New(store Store, opts ...Option) *Engine {
	o := buildOptions(opts)
	gov := newGovernor(store, o)
	ovr := newOverrides(store, o)
	return &Engine{
		Store:       store,
		Graph:       newStageGraph(store, o),
		Lifecycle:   newLifecycle(store, o),
		Genealogy:   newGenealogy(store, o),
		Mothers:     newMothers(store, o),
		Quota:       gov,
		Overrides:   ovr,
		Propagation: &PropagationService{store: store, opts: o, governor: gov, overrides: ovr},
	}
}
