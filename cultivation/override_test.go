package cultivation_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/cultivation-engine/cultivation"
)

func requestOverride(t *testing.T, f *fixture, mother cultivation.MotherPlantID, qty int) *cultivation.OverrideRequest {
	t.Helper()
	o, err := f.eng.Overrides.Request(f.ctx, site, cultivation.OverrideInput{
		MotherPlantID: &mother,
		Quantity:      qty,
		Reason:        "customer order",
	}, operator)
	require.NoError(t, err)
	return o
}

func TestOverrideRequest_Validation(t *testing.T) {
	f := newFixture(t)
	mp := f.mother(t, "MP-1", nil)
	ghost := cultivation.MotherPlantID("ghost")

	_, err := f.eng.Overrides.Request(f.ctx, site, cultivation.OverrideInput{MotherPlantID: &mp.ID, Quantity: 0, Reason: "x"}, operator)
	assert.ErrorIs(t, err, cultivation.ErrValidationFailed)

	_, err = f.eng.Overrides.Request(f.ctx, site, cultivation.OverrideInput{MotherPlantID: &mp.ID, Quantity: 5, Reason: "   "}, operator)
	assert.ErrorIs(t, err, cultivation.ErrValidationFailed)

	_, err = f.eng.Overrides.Request(f.ctx, site, cultivation.OverrideInput{MotherPlantID: &ghost, Quantity: 5, Reason: "x"}, operator)
	assert.ErrorIs(t, err, cultivation.ErrNotFound)

	o := requestOverride(t, f, mp.ID, 5)
	assert.Equal(t, cultivation.OverridePending, o.Status)
	assert.Equal(t, operator.UserID, o.RequestedBy)
}

func TestOverrideResolve_ExactlyOnce(t *testing.T) {
	f := newFixture(t)
	mp := f.mother(t, "MP-1", nil)
	o := requestOverride(t, f, mp.ID, 5)

	resolved, err := f.eng.Overrides.Resolve(f.ctx, site, o.ID, cultivation.OverrideRejected, manager, "not this week")
	require.NoError(t, err)
	assert.Equal(t, cultivation.OverrideRejected, resolved.Status)
	assert.Equal(t, manager.UserID, *resolved.ApprovedBy)
	assert.NotNil(t, resolved.ResolvedOn)
	assert.Equal(t, "not this week", resolved.DecisionNotes)

	for _, decision := range []cultivation.OverrideStatus{cultivation.OverrideApproved, cultivation.OverrideRejected} {
		_, err := f.eng.Overrides.Resolve(f.ctx, site, o.ID, decision, manager, "")
		var state *cultivation.InvalidStateError
		require.ErrorAs(t, err, &state)
		assert.Equal(t, "rejected", state.State)
	}

	_, err = f.eng.Overrides.Resolve(f.ctx, site, o.ID, cultivation.OverridePending, manager, "")
	assert.ErrorIs(t, err, cultivation.ErrValidationFailed)
}

func TestOverrideResolve_ConcurrentResolvers_OneWins(t *testing.T) {
	f := newFixture(t)
	mp := f.mother(t, "MP-1", nil)
	o := requestOverride(t, f, mp.ID, 5)

	errs := make([]error, 8)
	var g errgroup.Group
	for i := range errs {
		g.Go(func() error {
			_, errs[i] = f.eng.Overrides.Resolve(f.ctx, site, o.ID, cultivation.OverrideApproved, manager, "")
			return nil
		})
	}
	require.NoError(t, g.Wait())

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, cultivation.ErrInvalidState)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestOverrideResolve_RequiresApproverRole(t *testing.T) {
	f := newFixture(t)
	f.settings(t, cultivation.PropagationSettings{ApproverRole: "Manager"})
	mp := f.mother(t, "MP-1", nil)
	o := requestOverride(t, f, mp.ID, 5)

	_, err := f.eng.Overrides.Resolve(f.ctx, site, o.ID, cultivation.OverrideApproved, operator, "")
	assert.ErrorIs(t, err, cultivation.ErrApprovalRequired)

	got, err := f.eng.Overrides.Get(f.ctx, site, o.ID)
	require.NoError(t, err)
	assert.Equal(t, cultivation.OverridePending, got.Status)

	_, err = f.eng.Overrides.Resolve(f.ctx, site, o.ID, cultivation.OverrideApproved, manager, "")
	assert.NoError(t, err)
}

func TestOverride_ApprovedThenBypassCommit_SucceedsAtLimit(t *testing.T) {
	// GIVEN: Daily limit 100 fully used, a pending override
	// WHEN: It is approved and the propagation committed with bypass
	// THEN: The commit succeeds although dailySum already equals dailyLimit

	f := newFixture(t)
	f.settings(t, cultivation.PropagationSettings{DailyLimit: cultivation.IntPtr(100)})
	mp := f.mother(t, "MP-1", nil)
	_, err := commit(f, mp.ID, 100)
	require.NoError(t, err)

	o := requestOverride(t, f, mp.ID, 25)
	_, err = f.eng.Overrides.Resolve(f.ctx, site, o.ID, cultivation.OverrideApproved, manager, "")
	require.NoError(t, err)

	_, err = f.eng.Quota.CommitPropagation(f.ctx, cultivation.CommitRequest{
		SiteID: site, MotherPlantID: mp.ID, Count: 25, Actor: manager, BypassLimits: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 125, f.dailySum(t))
}

func TestExecuteOverride_SpendsApprovalOnce(t *testing.T) {
	f := newFixture(t)
	f.settings(t, cultivation.PropagationSettings{DailyLimit: cultivation.IntPtr(100)})
	mp := f.mother(t, "MP-1", nil)
	_, err := commit(f, mp.ID, 100)
	require.NoError(t, err)
	o := requestOverride(t, f, mp.ID, 25)

	_, err = f.eng.Propagation.ExecuteOverride(f.ctx, site, o.ID, manager, "")
	assert.ErrorIs(t, err, cultivation.ErrInvalidState, "pending overrides cannot be executed")

	_, err = f.eng.Overrides.Resolve(f.ctx, site, o.ID, cultivation.OverrideApproved, manager, "")
	require.NoError(t, err)

	c, err := f.eng.Propagation.ExecuteOverride(f.ctx, site, o.ID, manager, "rush order")
	require.NoError(t, err)
	assert.True(t, c.Event.Bypassed)
	require.NotNil(t, c.Event.OverrideID)
	assert.Equal(t, o.ID, *c.Event.OverrideID)
	assert.Equal(t, 25, c.Event.PropagatedCount)

	got, err := f.eng.Overrides.Get(f.ctx, site, o.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ConsumedOn)

	_, err = f.eng.Propagation.ExecuteOverride(f.ctx, site, o.ID, manager, "")
	assert.ErrorIs(t, err, cultivation.ErrInvalidState)
	assert.Equal(t, 125, f.dailySum(t))
}

func TestExecuteOverride_RejectedOverride(t *testing.T) {
	f := newFixture(t)
	mp := f.mother(t, "MP-1", nil)
	o := requestOverride(t, f, mp.ID, 5)
	_, err := f.eng.Overrides.Resolve(f.ctx, site, o.ID, cultivation.OverrideRejected, manager, "")
	require.NoError(t, err)

	_, err = f.eng.Propagation.ExecuteOverride(f.ctx, site, o.ID, manager, "")
	assert.ErrorIs(t, err, cultivation.ErrInvalidState)
	assert.Equal(t, 0, f.dailySum(t))
}

// =============================================================================
// PROPAGATE (control flow)
// =============================================================================

func TestPropagate_WithinLimits_Commits(t *testing.T) {
	f := newFixture(t)
	f.settings(t, cultivation.PropagationSettings{DailyLimit: cultivation.IntPtr(10), RequiresOverrideApproval: true})
	mp := f.mother(t, "MP-1", nil)

	res, err := f.eng.Propagation.Propagate(f.ctx, site, cultivation.PropagateInput{MotherPlantID: mp.ID, Count: 10}, operator)
	require.NoError(t, err)
	assert.Equal(t, cultivation.OutcomeCommitted, res.Outcome)
	assert.NotNil(t, res.Commit)
}

func TestPropagate_OverLimit_DivertedWhenApprovalRequired(t *testing.T) {
	f := newFixture(t)
	f.settings(t, cultivation.PropagationSettings{DailyLimit: cultivation.IntPtr(10), RequiresOverrideApproval: true})
	mp := f.mother(t, "MP-1", nil)

	res, err := f.eng.Propagation.Propagate(f.ctx, site, cultivation.PropagateInput{MotherPlantID: mp.ID, Count: 12}, operator)
	require.NoError(t, err)

	assert.Equal(t, cultivation.OutcomeDiverted, res.Outcome)
	require.NotNil(t, res.Override)
	assert.Equal(t, cultivation.OverridePending, res.Override.Status)
	assert.Equal(t, 12, res.Override.RequestedQuantity)
	assert.Equal(t, cultivation.ScopeDaily, res.Limit.Scope)
	assert.Contains(t, res.Override.Reason, "daily limit exceeded")
	assert.Equal(t, 0, f.dailySum(t))

	pending, err := f.eng.Overrides.List(f.ctx, site, cultivation.OverridePending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPropagate_OverLimit_FailsWhenOverridesDisabled(t *testing.T) {
	f := newFixture(t)
	f.settings(t, cultivation.PropagationSettings{DailyLimit: cultivation.IntPtr(10)})
	mp := f.mother(t, "MP-1", nil)

	_, err := f.eng.Propagation.Propagate(f.ctx, site, cultivation.PropagateInput{MotherPlantID: mp.ID, Count: 12}, operator)
	assert.ErrorIs(t, err, cultivation.ErrLimitExceeded)

	all, err := f.eng.Overrides.List(f.ctx, site, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

// =============================================================================
// METRICS
// =============================================================================

func TestMetrics_CountPropagationOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := cultivation.NewMetrics(reg)
	require.NoError(t, err)
	f := newFixture(t, cultivation.WithMetrics(metrics))
	f.settings(t, cultivation.PropagationSettings{DailyLimit: cultivation.IntPtr(50)})
	mp := f.mother(t, "MP-1", nil)

	_, err = commit(f, mp.ID, 40)
	require.NoError(t, err)
	_, err = commit(f, mp.ID, 40)
	require.Error(t, err)

	expected := `
# HELP cultivation_propagated_plants_total Clones committed to the propagation ledger.
# TYPE cultivation_propagated_plants_total counter
cultivation_propagated_plants_total 40
# HELP cultivation_propagation_requests_total Propagation commit attempts by outcome.
# TYPE cultivation_propagation_requests_total counter
cultivation_propagation_requests_total{outcome="committed"} 1
cultivation_propagation_requests_total{outcome="limit_exceeded"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"cultivation_propagated_plants_total", "cultivation_propagation_requests_total"))

	_, err = cultivation.NewMetrics(reg)
	assert.Error(t, err, "collectors register once per registry")
}
