/*
quota.go - Atomic propagation quota enforcement

PURPOSE:
  Checks and commits propagation counts against the site's daily, weekly
  and per-mother limits. This is the concurrency-critical component: two
  requests that each fit under a limit but together exceed it must never
  both commit.

ALGORITHM (one transaction, serialized per site):
  1. dailySum   = ledger sum where recordedOn = today
  2. weeklySum  = ledger sum over [today-6, today]
  3. motherTotal = mother.propagationCount
  4. unless bypassing: daily, then weekly, then per-mother
     used + requested > limit  ->  *LimitExceededError{Scope}
  5. mother.propagationCount += n, lastPropagationDate = today,
     append one PropagationEvent

SERIALIZATION:
  Two layers hold the site's propagation key for the whole read-then-write:

    Locker   held around WithTx (in-process KeyedLocker by default, optionally
             chained with a Redis lock for multi-process deployments)
    Tx.Lock  transaction-scoped lock inside the store (pg_advisory_xact_lock
             on Postgres; SQLite and memory serialize writers already)

  ErrConcurrencyConflict from either layer (lock timeout, SQLITE_BUSY,
  serialization failure) is retried with exponential backoff up to
  RetryPolicy.MaxAttempts, then surfaced. Every other error is final.

"TODAY":
  Derived from the Clock in the site's configured timezone (UTC when unset).

SEE ALSO:
  - override.go: The approval flow that authorizes bypass commits
  - propagation.go: Routes limit breaches into the override workflow
*/
package cultivation

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Governor is the PropagationQuotaGovernor.
type Governor struct {
	store Store
	opts  options
}

func NewGovernor(store Store, opts ...Option) *Governor {
	return newGovernor(store, buildOptions(opts))
}

func newGovernor(store Store, o options) *Governor {
	return &Governor{store: store, opts: o}
}

// CommitRequest is one propagation attempt.
type CommitRequest struct {
	SiteID        SiteID
	MotherPlantID MotherPlantID
	Count         int
	Actor         Actor
	Notes         string
	BypassLimits  bool
}

// Commit is a successfully recorded propagation.
type Commit struct {
	Event  PropagationEvent
	Mother MotherPlant
	Usage  Usage
}

// Usage is a point-in-time view of a site's quota windows.
type Usage struct {
	SiteID     SiteID
	Today      Day
	DailyUsed  int
	WeeklyUsed int
	Settings   PropagationSettings
}

// DailyRemaining is the headroom under the daily limit, nil when unlimited.
func (u Usage) DailyRemaining() *int { return remaining(u.Settings.DailyLimit, u.DailyUsed) }

// WeeklyRemaining is the headroom under the weekly limit, nil when unlimited.
func (u Usage) WeeklyRemaining() *int { return remaining(u.Settings.WeeklyLimit, u.WeeklyUsed) }

func remaining(limit *int, used int) *int {
	if limit == nil {
		return nil
	}
	r := *limit - used
	if r < 0 {
		r = 0
	}
	return &r
}

// =============================================================================
// COMMIT
// =============================================================================

// CommitPropagation atomically checks limits and records the propagation.
// A breach returns *LimitExceededError and writes nothing.
func (g *Governor) CommitPropagation(ctx context.Context, req CommitRequest) (*Commit, error) {
	if req.SiteID == "" {
		return nil, invalid("site_id", "required")
	}
	if req.MotherPlantID == "" {
		return nil, invalid("mother_plant_id", "required")
	}
	if req.Count <= 0 {
		return nil, invalid("count", "must be > 0")
	}
	c, err := g.withRetry(ctx, req.SiteID, func() (*Commit, error) {
		return g.commitOnce(ctx, req, nil)
	})
	return g.finish(ctx, req, c, err)
}

// CommitApprovedOverride spends an approved override: it commits the
// override's quantity for its mother plant with limits bypassed and stamps
// the override consumed, in one transaction. A second call fails with
// *InvalidStateError.
func (g *Governor) CommitApprovedOverride(ctx context.Context, siteID SiteID, id OverrideID, actor Actor, notes string) (*Commit, error) {
	req := CommitRequest{SiteID: siteID, Actor: actor, Notes: notes, BypassLimits: true}
	c, err := g.withRetry(ctx, siteID, func() (*Commit, error) {
		return g.commitOnce(ctx, req, &id)
	})
	if c != nil {
		req.MotherPlantID = c.Event.MotherPlantID
		req.Count = c.Event.PropagatedCount
	}
	return g.finish(ctx, req, c, err)
}

func (g *Governor) withRetry(ctx context.Context, siteID SiteID, op func() (*Commit, error)) (*Commit, error) {
	policy := g.opts.retry
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}

	attempt := 0
	return backoff.Retry(ctx, func() (*Commit, error) {
		attempt++
		if attempt > 1 {
			g.opts.metrics.conflictRetry()
			g.opts.log.Warn().
				Str("site_id", string(siteID)).
				Int("attempt", attempt).
				Msg("retrying propagation commit after concurrency conflict")
		}

		started := time.Now()
		unlock, err := g.opts.locker.Lock(ctx, propagationLockKey(siteID))
		if err != nil {
			return nil, retryable(err)
		}
		g.opts.metrics.observeLockWait(time.Since(started))
		defer unlock()

		c, err := op()
		if err != nil {
			return nil, retryable(err)
		}
		return c, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(policy.MaxAttempts)))
}

// retryable marks every error except ErrConcurrencyConflict as permanent.
func retryable(err error) error {
	if IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (g *Governor) commitOnce(ctx context.Context, req CommitRequest, overrideID *OverrideID) (*Commit, error) {
	var out *Commit
	err := g.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.Lock(ctx, propagationLockKey(req.SiteID)); err != nil {
			return err
		}
		settings, err := tx.GetPropagationSettings(ctx, req.SiteID)
		if err != nil {
			return err
		}

		if overrideID != nil {
			o, err := g.consumeOverride(ctx, tx, req.SiteID, *overrideID)
			if err != nil {
				return err
			}
			req.MotherPlantID = *o.MotherPlantID
			req.Count = o.RequestedQuantity
		}

		mother, err := requireActiveMother(ctx, tx, req.SiteID, req.MotherPlantID)
		if err != nil {
			return err
		}

		today := DayOf(g.opts.now(), settings.Location())
		usage, err := usageAt(ctx, tx, settings, today)
		if err != nil {
			return err
		}
		if !req.BypassLimits {
			if err := checkLimits(settings, usage, mother, req.Count); err != nil {
				return err
			}
		}

		now := g.opts.now()
		mother.PropagationCount += req.Count
		mother.LastPropagationDate = &today
		mother.UpdatedAt = now
		if err := tx.UpdateMotherPlant(ctx, *mother); err != nil {
			return err
		}

		ev := PropagationEvent{
			ID:              NewID(),
			SiteID:          req.SiteID,
			MotherPlantID:   mother.ID,
			PropagatedCount: req.Count,
			RecordedOn:      today,
			RecordedBy:      req.Actor.UserID,
			Notes:           req.Notes,
			OverrideID:      overrideID,
			Bypassed:        req.BypassLimits,
			CreatedAt:       now,
		}
		if err := tx.AppendPropagationEvent(ctx, ev); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		usage.DailyUsed += req.Count
		usage.WeeklyUsed += req.Count
		out = &Commit{Event: ev, Mother: *mother, Usage: *usage}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// consumeOverride verifies an override may be spent and stamps it consumed.
func (g *Governor) consumeOverride(ctx context.Context, tx Tx, siteID SiteID, id OverrideID) (*OverrideRequest, error) {
	if err := tx.Lock(ctx, overrideLockKey(id)); err != nil {
		return nil, err
	}
	o, err := tx.GetOverrideRequest(ctx, siteID, id)
	if err != nil {
		return nil, err
	}
	switch {
	case o.Status != OverrideApproved:
		return nil, &InvalidStateError{Entity: "override", ID: string(id), State: string(o.Status),
			Reason: "only approved overrides can be executed"}
	case o.ConsumedOn != nil:
		return nil, &InvalidStateError{Entity: "override", ID: string(id), State: "consumed",
			Reason: "override was already executed"}
	case o.MotherPlantID == nil:
		return nil, &InvalidStateError{Entity: "override", ID: string(id), State: string(o.Status),
			Reason: "override is not bound to a mother plant"}
	}
	now := g.opts.now()
	o.ConsumedOn = &now
	if err := tx.UpdateOverrideRequest(ctx, *o); err != nil {
		return nil, err
	}
	return o, nil
}

func (g *Governor) finish(ctx context.Context, req CommitRequest, c *Commit, err error) (*Commit, error) {
	if err != nil {
		var limit *LimitExceededError
		switch {
		case errors.As(err, &limit):
			g.opts.metrics.propagation("limit_exceeded", 0)
			g.opts.log.Info().
				Str("site_id", string(req.SiteID)).
				Str("mother_plant_id", string(req.MotherPlantID)).
				Str("scope", string(limit.Scope)).
				Int("requested", req.Count).
				Int("used", limit.Used).
				Int("limit", limit.Limit).
				Msg("propagation limit exceeded")
			g.opts.emit(ctx, Event{
				Kind:          EventQuotaExceeded,
				SiteID:        req.SiteID,
				ActorID:       req.Actor.UserID,
				MotherPlantID: req.MotherPlantID,
				Quantity:      req.Count,
				Scope:         limit.Scope,
			})
		case IsRejection(err) || IsNotFound(err):
			g.opts.metrics.propagation("rejected", 0)
		case IsRetryable(err):
			g.opts.metrics.propagation("conflict", 0)
			g.opts.log.Warn().Err(err).Str("site_id", string(req.SiteID)).Msg("propagation commit gave up after retries")
		default:
			g.opts.metrics.propagation("error", 0)
		}
		return nil, g.opts.reportIntegrity(err)
	}

	outcome := "committed"
	if c.Event.Bypassed {
		outcome = "bypassed"
	}
	g.opts.metrics.propagation(outcome, c.Event.PropagatedCount)
	g.opts.log.Info().
		Str("site_id", string(req.SiteID)).
		Str("mother_plant_id", string(c.Event.MotherPlantID)).
		Int("count", c.Event.PropagatedCount).
		Bool("bypassed", c.Event.Bypassed).
		Str("recorded_on", c.Event.RecordedOn.String()).
		Msg("propagation committed")
	ev := Event{
		Kind:          EventPropagationCommitted,
		SiteID:        req.SiteID,
		ActorID:       req.Actor.UserID,
		MotherPlantID: c.Event.MotherPlantID,
		Quantity:      c.Event.PropagatedCount,
		OccurredAt:    c.Event.CreatedAt,
	}
	if c.Event.OverrideID != nil {
		ev.OverrideID = *c.Event.OverrideID
	}
	g.opts.emit(ctx, ev)
	return c, nil
}

// =============================================================================
// LIMIT CHECKS
// =============================================================================

func usageAt(ctx context.Context, r Reader, s *PropagationSettings, today Day) (*Usage, error) {
	daily, err := r.SumPropagations(ctx, s.SiteID, today, today)
	if err != nil {
		return nil, err
	}
	from, to := today.WeekWindow()
	weekly, err := r.SumPropagations(ctx, s.SiteID, from, to)
	if err != nil {
		return nil, err
	}
	return &Usage{SiteID: s.SiteID, Today: today, DailyUsed: daily, WeeklyUsed: weekly, Settings: *s}, nil
}

// checkLimits applies the caps in order: daily, weekly, per-mother.
func checkLimits(s *PropagationSettings, u *Usage, mp *MotherPlant, n int) error {
	if s.DailyLimit != nil && u.DailyUsed+n > *s.DailyLimit {
		return &LimitExceededError{Scope: ScopeDaily, Limit: *s.DailyLimit, Used: u.DailyUsed, Requested: n}
	}
	if s.WeeklyLimit != nil && u.WeeklyUsed+n > *s.WeeklyLimit {
		return &LimitExceededError{Scope: ScopeWeekly, Limit: *s.WeeklyLimit, Used: u.WeeklyUsed, Requested: n}
	}
	if c := motherCap(s, mp); c != nil && mp.PropagationCount+n > *c {
		return &LimitExceededError{Scope: ScopePerMother, Limit: *c, Used: mp.PropagationCount, Requested: n}
	}
	return nil
}

// =============================================================================
// SETTINGS AND USAGE
// =============================================================================

// Settings returns the site's propagation settings (unlimited when unset).
func (g *Governor) Settings(ctx context.Context, siteID SiteID) (*PropagationSettings, error) {
	return g.store.GetPropagationSettings(ctx, siteID)
}

// ConfigureSettings replaces a site's propagation settings. It takes the
// propagation lock so limits never change in the middle of a commit.
func (g *Governor) ConfigureSettings(ctx context.Context, s PropagationSettings) (*PropagationSettings, error) {
	if s.SiteID == "" {
		return nil, invalid("site_id", "required")
	}
	for field, v := range map[string]*int{
		"daily_limit":              s.DailyLimit,
		"weekly_limit":             s.WeeklyLimit,
		"mother_propagation_limit": s.MotherPropagationLimit,
	} {
		if v != nil && *v < 0 {
			return nil, invalid(field, "must be >= 0")
		}
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return nil, invalid("timezone", err.Error())
		}
	}
	s.UpdatedAt = g.opts.now()

	err := g.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.Lock(ctx, propagationLockKey(s.SiteID)); err != nil {
			return err
		}
		if err := tx.PutPropagationSettings(ctx, s); err != nil {
			return err
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	g.opts.log.Info().Str("site_id", string(s.SiteID)).Msg("propagation settings updated")
	return &s, nil
}

// Usage reports the site's current daily and weekly consumption.
func (g *Governor) Usage(ctx context.Context, siteID SiteID) (*Usage, error) {
	s, err := g.store.GetPropagationSettings(ctx, siteID)
	if err != nil {
		return nil, err
	}
	return usageAt(ctx, g.store, s, DayOf(g.opts.now(), s.Location()))
}

// Ledger lists propagation events recorded in [from, to].
func (g *Governor) Ledger(ctx context.Context, siteID SiteID, from, to Day) ([]PropagationEvent, error) {
	if to.Before(from) {
		return nil, invalid("to", "must not be before from")
	}
	return g.store.ListPropagationEvents(ctx, siteID, from, to)
}
