/*
override.go - Approval workflow for propagating beyond quota limits

STATE MACHINE:
  ┌─────────┐  Resolve(approved)  ┌──────────┐  ExecuteOverride  ┌──────────┐
  │ Pending │ ──────────────────▶ │ Approved │ ────────────────▶ │ consumed │
  └─────────┘                     └──────────┘                   └──────────┘
       │       Resolve(rejected)  ┌──────────┐
       └────────────────────────▶ │ Rejected │
                                  └──────────┘

  Exactly one resolution is permitted; resolving a non-pending request fails
  with *InvalidStateError. The workflow only authorizes. The propagation
  itself is committed by the governor with limits bypassed, and the override
  is stamped consumed in that same transaction.

APPROVER ROLE:
  When the site settings name an ApproverRole, only an actor with exactly
  that role may resolve. Otherwise any caller may.
*/
package cultivation

import (
	"context"
	"strings"
)

// Overrides is the OverrideWorkflow.
type Overrides struct {
	store Store
	opts  options
}

func NewOverrides(store Store, opts ...Option) *Overrides {
	return newOverrides(store, buildOptions(opts))
}

func newOverrides(store Store, o options) *Overrides {
	return &Overrides{store: store, opts: o}
}

// OverrideInput describes a request to exceed limits.
type OverrideInput struct {
	MotherPlantID *MotherPlantID
	BatchID       *BatchID
	Quantity      int
	Reason        string
}

// Request creates a Pending override.
func (w *Overrides) Request(ctx context.Context, siteID SiteID, in OverrideInput, actor Actor) (*OverrideRequest, error) {
	if in.Quantity <= 0 {
		return nil, invalid("requested_quantity", "must be > 0")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, invalid("reason", "required")
	}

	o := OverrideRequest{
		ID:                OverrideID(NewID()),
		SiteID:            siteID,
		RequestedBy:       actor.UserID,
		MotherPlantID:     in.MotherPlantID,
		BatchID:           in.BatchID,
		RequestedQuantity: in.Quantity,
		Reason:            in.Reason,
		Status:            OverridePending,
		RequestedOn:       w.opts.now(),
	}
	err := w.store.WithTx(ctx, func(tx Tx) error {
		if in.MotherPlantID != nil {
			if _, err := tx.GetMotherPlant(ctx, siteID, *in.MotherPlantID); err != nil {
				return err
			}
		}
		if in.BatchID != nil {
			if _, err := tx.GetBatch(ctx, siteID, *in.BatchID); err != nil {
				return err
			}
		}
		if err := tx.InsertOverrideRequest(ctx, o); err != nil {
			return err
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}

	w.opts.metrics.override(OverridePending)
	w.opts.log.Info().
		Str("site_id", string(siteID)).
		Str("override_id", string(o.ID)).
		Int("quantity", o.RequestedQuantity).
		Str("requested_by", actor.UserID).
		Msg("override requested")
	ev := Event{
		Kind:       EventOverrideRequested,
		SiteID:     siteID,
		ActorID:    actor.UserID,
		OverrideID: o.ID,
		Quantity:   o.RequestedQuantity,
		Status:     string(o.Status),
	}
	if o.MotherPlantID != nil {
		ev.MotherPlantID = *o.MotherPlantID
	}
	w.opts.emit(ctx, ev)
	return &o, nil
}

// Resolve approves or rejects a Pending override.
func (w *Overrides) Resolve(ctx context.Context, siteID SiteID, id OverrideID, decision OverrideStatus, actor Actor, notes string) (*OverrideRequest, error) {
	if decision != OverrideApproved && decision != OverrideRejected {
		return nil, invalid("decision", "must be approved or rejected")
	}

	var out *OverrideRequest
	err := w.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.Lock(ctx, overrideLockKey(id)); err != nil {
			return err
		}
		o, err := tx.GetOverrideRequest(ctx, siteID, id)
		if err != nil {
			return err
		}
		if o.Status != OverridePending {
			return &InvalidStateError{Entity: "override", ID: string(id), State: string(o.Status),
				Reason: "already resolved"}
		}
		settings, err := tx.GetPropagationSettings(ctx, siteID)
		if err != nil {
			return err
		}
		if settings.ApproverRole != "" && actor.Role != settings.ApproverRole {
			return &ApprovalRequiredError{RequiredRole: settings.ApproverRole, ActorRole: actor.Role}
		}

		now := w.opts.now()
		resolver := actor.UserID
		o.Status = decision
		o.ApprovedBy = &resolver
		o.ResolvedOn = &now
		o.DecisionNotes = notes
		if err := tx.UpdateOverrideRequest(ctx, *o); err != nil {
			return err
		}
		out = o
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}

	w.opts.metrics.override(decision)
	w.opts.log.Info().
		Str("site_id", string(siteID)).
		Str("override_id", string(id)).
		Str("decision", string(decision)).
		Str("resolved_by", actor.UserID).
		Msg("override resolved")
	w.opts.emit(ctx, Event{
		Kind:       EventOverrideResolved,
		SiteID:     siteID,
		ActorID:    actor.UserID,
		OverrideID: id,
		Quantity:   out.RequestedQuantity,
		Status:     string(decision),
	})
	return out, nil
}

func (w *Overrides) Get(ctx context.Context, siteID SiteID, id OverrideID) (*OverrideRequest, error) {
	return w.store.GetOverrideRequest(ctx, siteID, id)
}

// List returns overrides with the given status, or all when status is "".
func (w *Overrides) List(ctx context.Context, siteID SiteID, status OverrideStatus) ([]OverrideRequest, error) {
	if status != "" {
		if _, err := ParseOverrideStatus(string(status)); err != nil {
			return nil, err
		}
	}
	return w.store.ListOverrideRequests(ctx, siteID, status)
}
