package cultivation

import (
	"context"
	"strings"
)

// Mothers is the registry of plants designated as clone sources.
//
// Lifecycle: Active -> Retired | Culled. Both end states are terminal.
// Status changes take the site propagation lock so they never interleave
// with a commit that has already checked the mother is active.
type Mothers struct {
	store Store
	opts  options
}

func NewMothers(store Store, opts ...Option) *Mothers {
	return newMothers(store, buildOptions(opts))
}

func newMothers(store Store, o options) *Mothers {
	return &Mothers{store: store, opts: o}
}

// DesignateInput describes a new mother plant. StrainID defaults to the batch's.
type DesignateInput struct {
	BatchID             BatchID
	StrainID            string
	PlantTag            string
	MaxPropagationCount *int
}

// Designate registers a plant of a batch as a mother. Plant tags are unique per site.
func (m *Mothers) Designate(ctx context.Context, siteID SiteID, in DesignateInput, actor Actor) (*MotherPlant, error) {
	if in.BatchID == "" {
		return nil, invalid("batch_id", "required")
	}
	if strings.TrimSpace(in.PlantTag) == "" {
		return nil, invalid("plant_tag", "required")
	}
	if in.MaxPropagationCount != nil && *in.MaxPropagationCount < 0 {
		return nil, invalid("max_propagation_count", "must be >= 0")
	}

	var out *MotherPlant
	err := m.store.WithTx(ctx, func(tx Tx) error {
		b, err := tx.GetBatch(ctx, siteID, in.BatchID)
		if err != nil {
			return err
		}
		now := m.opts.now()
		mp := MotherPlant{
			ID:                  MotherPlantID(NewID()),
			SiteID:              siteID,
			BatchID:             b.ID,
			StrainID:            in.StrainID,
			PlantTag:            in.PlantTag,
			Status:              MotherActive,
			MaxPropagationCount: in.MaxPropagationCount,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if mp.StrainID == "" {
			mp.StrainID = b.StrainID
		}
		if err := tx.InsertMotherPlant(ctx, mp); err != nil {
			return err
		}
		out = &mp
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	m.opts.log.Info().
		Str("site_id", string(siteID)).
		Str("mother_plant_id", string(out.ID)).
		Str("plant_tag", out.PlantTag).
		Str("actor", actor.UserID).
		Msg("mother plant designated")
	return out, nil
}

// Retire moves an active mother to Retired.
func (m *Mothers) Retire(ctx context.Context, siteID SiteID, id MotherPlantID, actor Actor) (*MotherPlant, error) {
	return m.setStatus(ctx, siteID, id, MotherRetired, actor)
}

// Cull moves an active mother to Culled.
func (m *Mothers) Cull(ctx context.Context, siteID SiteID, id MotherPlantID, actor Actor) (*MotherPlant, error) {
	return m.setStatus(ctx, siteID, id, MotherCulled, actor)
}

func (m *Mothers) setStatus(ctx context.Context, siteID SiteID, id MotherPlantID, status MotherStatus, actor Actor) (*MotherPlant, error) {
	var out *MotherPlant
	err := m.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.Lock(ctx, propagationLockKey(siteID)); err != nil {
			return err
		}
		mp, err := tx.GetMotherPlant(ctx, siteID, id)
		if err != nil {
			return err
		}
		if mp.Status != MotherActive {
			return &InvalidStateError{Entity: "mother_plant", ID: string(id), State: string(mp.Status),
				Reason: "only active mother plants can change status"}
		}
		mp.Status = status
		mp.UpdatedAt = m.opts.now()
		if err := tx.UpdateMotherPlant(ctx, *mp); err != nil {
			return err
		}
		out = mp
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	m.opts.log.Info().
		Str("site_id", string(siteID)).
		Str("mother_plant_id", string(id)).
		Str("status", string(status)).
		Str("actor", actor.UserID).
		Msg("mother plant status changed")
	return out, nil
}

func (m *Mothers) Get(ctx context.Context, siteID SiteID, id MotherPlantID) (*MotherPlant, error) {
	return m.store.GetMotherPlant(ctx, siteID, id)
}

func (m *Mothers) List(ctx context.Context, siteID SiteID) ([]MotherPlant, error) {
	return m.store.ListMotherPlants(ctx, siteID)
}

// requireActiveMother loads a mother for propagation.
func requireActiveMother(ctx context.Context, r Reader, siteID SiteID, id MotherPlantID) (*MotherPlant, error) {
	mp, err := r.GetMotherPlant(ctx, siteID, id)
	if err != nil {
		return nil, err
	}
	if mp.Status != MotherActive {
		return nil, &InvalidStateError{Entity: "mother_plant", ID: string(id), State: string(mp.Status),
			Reason: "only active mother plants can be propagated"}
	}
	return mp, nil
}

// motherCap is the effective per-mother limit: the tighter of the site-wide
// setting and the mother's own maximum. nil means unlimited.
func motherCap(s *PropagationSettings, mp *MotherPlant) *int {
	switch {
	case s.MotherPropagationLimit == nil:
		return mp.MaxPropagationCount
	case mp.MaxPropagationCount == nil:
		return s.MotherPropagationLimit
	case *mp.MaxPropagationCount < *s.MotherPropagationLimit:
		return mp.MaxPropagationCount
	default:
		return s.MotherPropagationLimit
	}
}
