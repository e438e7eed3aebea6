/*
Package notify delivers cultivation events to the outside world.

PURPOSE:
  The engine hands every committed event to one cultivation.Emitter. This
  package provides the emitters a deployment wires in:

    Log   - one structured zerolog line per event
    NATS  - JSON on subject <prefix>.<kind>, e.g. cultivation.quota.exceeded
    Multi - fan-out to several emitters

  Emitter errors are reported back to the engine, which logs them and carries
  on. A notification failure never undoes a committed transition.
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/warp/cultivation-engine/cultivation"
)

// =============================================================================
// LOG
// =============================================================================

// Log writes each event as a structured log line.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log { return &Log{log: log} }

func (l *Log) Emit(_ context.Context, ev cultivation.Event) error {
	e := l.log.Info().
		Str("event_id", ev.ID).
		Str("kind", string(ev.Kind)).
		Str("site_id", string(ev.SiteID)).
		Time("occurred_at", ev.OccurredAt)
	if ev.ActorID != "" {
		e = e.Str("actor_id", ev.ActorID)
	}
	if ev.BatchID != "" {
		e = e.Str("batch_id", string(ev.BatchID))
	}
	if ev.ToStageID != "" {
		e = e.Str("from_stage_id", string(ev.FromStageID)).Str("to_stage_id", string(ev.ToStageID))
	}
	if ev.MotherPlantID != "" {
		e = e.Str("mother_plant_id", string(ev.MotherPlantID))
	}
	if ev.OverrideID != "" {
		e = e.Str("override_id", string(ev.OverrideID))
	}
	if ev.Quantity != 0 {
		e = e.Int("quantity", ev.Quantity)
	}
	if ev.Scope != "" {
		e = e.Str("scope", string(ev.Scope))
	}
	if ev.Status != "" {
		e = e.Str("status", ev.Status)
	}
	e.Msg("cultivation event")
	return nil
}

// =============================================================================
// NATS
// =============================================================================

// Publisher is the part of *nats.Conn the emitter needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATS publishes events as JSON.
type NATS struct {
	pub    Publisher
	prefix string
}

// NewNATS publishes on <prefix>.<kind>. An empty prefix means "cultivation".
func NewNATS(pub Publisher, prefix string) *NATS {
	if prefix == "" {
		prefix = "cultivation"
	}
	return &NATS{pub: pub, prefix: prefix}
}

// Subject returns the subject ev is published on.
func (n *NATS) Subject(kind cultivation.EventKind) string { return n.prefix + "." + string(kind) }

func (n *NATS) Emit(ctx context.Context, ev cultivation.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	subject := n.Subject(ev.Kind)
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Connect dials NATS with reconnects enabled and connection state changes logged.
func Connect(url string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("cultivationd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats: disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats: reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi emits to every emitter and joins their errors.
type Multi []cultivation.Emitter

func (m Multi) Emit(ctx context.Context, ev cultivation.Event) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
