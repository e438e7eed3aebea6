package cultivation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Option configures any of the engine components. Components ignore the
// options they have no use for.
type Option func(*options)

type options struct {
	clock   Clock
	log     zerolog.Logger
	metrics *Metrics
	emitter Emitter
	locker  Locker
	retry   RetryPolicy
}

// RetryPolicy bounds how often the quota governor retries a commit that hit
// ErrConcurrencyConflict before surfacing it.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialInterval: 10 * time.Millisecond, MaxInterval: 250 * time.Millisecond}
}

func WithClock(c Clock) Option             { return func(o *options) { o.clock = c } }
func WithLogger(l zerolog.Logger) Option   { return func(o *options) { o.log = l } }
func WithMetrics(m *Metrics) Option        { return func(o *options) { o.metrics = m } }
func WithEmitter(e Emitter) Option         { return func(o *options) { o.emitter = e } }
func WithLocker(l Locker) Option           { return func(o *options) { o.locker = l } }
func WithRetryPolicy(p RetryPolicy) Option { return func(o *options) { o.retry = p } }

func buildOptions(opts []Option) options {
	o := options{
		clock:   SystemClock(),
		log:     zerolog.Nop(),
		emitter: NopEmitter{},
		retry:   DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.locker == nil {
		o.locker = NewKeyedLocker()
	}
	if o.retry.MaxAttempts < 1 {
		o.retry.MaxAttempts = 1
	}
	return o
}

func (o *options) now() time.Time { return o.clock.Now().UTC() }

// emit delivers ev after a commit. Delivery failures are logged, never returned.
func (o *options) emit(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = o.now()
	}
	if err := o.emitter.Emit(ctx, ev); err != nil {
		o.log.Warn().Err(err).
			Str("kind", string(ev.Kind)).
			Str("site_id", string(ev.SiteID)).
			Msg("event emission failed")
	}
}

// reportIntegrity logs and counts a corrupt-data finding, then returns err unchanged.
func (o *options) reportIntegrity(err error) error {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		o.log.Error().
			Str("entity", ie.Entity).
			Str("id", ie.ID).
			Str("detail", ie.Detail).
			Msg("integrity violation")
		o.metrics.integrityViolation(ie.Entity)
	}
	return err
}
