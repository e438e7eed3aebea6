package cultivation

import (
	"context"
	"time"
)

// EventKind names a notification emitted after a successful (or rejected) operation.
type EventKind string

const (
	EventBatchCreated         EventKind = "batch.created"
	EventLifecycleChanged     EventKind = "lifecycle.changed"
	EventPropagationCommitted EventKind = "propagation.committed"
	EventQuotaExceeded        EventKind = "quota.exceeded"
	EventOverrideRequested    EventKind = "override.requested"
	EventOverrideResolved     EventKind = "override.resolved"
)

// Event is the payload handed to an Emitter. Only the fields relevant to
// Kind are set.
type Event struct {
	ID            string        `json:"id"`
	Kind          EventKind     `json:"kind"`
	SiteID        SiteID        `json:"site_id"`
	OccurredAt    time.Time     `json:"occurred_at"`
	ActorID       string        `json:"actor_id,omitempty"`
	BatchID       BatchID       `json:"batch_id,omitempty"`
	FromStageID   StageID       `json:"from_stage_id,omitempty"`
	ToStageID     StageID       `json:"to_stage_id,omitempty"`
	MotherPlantID MotherPlantID `json:"mother_plant_id,omitempty"`
	OverrideID    OverrideID    `json:"override_id,omitempty"`
	Quantity      int           `json:"quantity,omitempty"`
	Scope         LimitScope    `json:"scope,omitempty"`
	Status        string        `json:"status,omitempty"`
}

// Emitter hands events to external notification consumers. The engine calls
// it only after the transaction that produced the event has committed.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// NopEmitter drops every event.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) error { return nil }
