/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Stage graph and batch lifecycle over HTTP (including error mapping)
- Split, harvest gate and genealogy endpoints
- Propagation within limits, diversion into overrides, and execution
- Identity header enforcement, /healthz and /metrics
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cultivation-engine/api"
	"github.com/warp/cultivation-engine/cultivation"
	"github.com/warp/cultivation-engine/cultivation/store"
	"github.com/warp/cultivation-engine/factory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	site     = "gh-1"
	operator = "Operator"
	manager  = "Manager"
)

type testServer struct {
	t      *testing.T
	router http.Handler
	eng    *cultivation.Engine
	stages map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics, err := cultivation.NewMetrics(reg)
	require.NoError(t, err)

	eng := cultivation.New(store.NewMemory(),
		cultivation.WithClock(cultivation.NewFixedClock(time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC))),
		cultivation.WithMetrics(metrics),
	)
	_, err = factory.Apply(context.Background(), eng, site, factory.DefaultTemplate())
	require.NoError(t, err)

	stages, err := eng.Graph.Stages(context.Background(), site)
	require.NoError(t, err)
	ids := make(map[string]string, len(stages))
	for _, s := range stages {
		ids[s.Key] = string(s.ID)
	}

	h := api.NewHandler(eng, zerolog.Nop())
	return &testServer{
		t:      t,
		router: api.NewRouter(h, api.RouterOptions{Gatherer: reg}),
		eng:    eng,
		stages: ids,
	}
}

// do sends a request as the given role. An empty role sends no identity.
func (s *testServer) do(method, path, role string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/sites/"+site+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("X-User-ID", strings.ToLower(role)+"-1")
		req.Header.Set("X-User-Role", role)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createBatch(code, stage string, plants int) api.BatchDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/batches", operator, api.CreateBatchRequest{
		Code: code, SourceType: "clone", PlantCount: plants, StageID: s.stages[stage],
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[api.BatchDTO](s.t, rec)
}

func (s *testServer) advance(batchID, stage, role string) *httptest.ResponseRecorder {
	s.t.Helper()
	return s.do(http.MethodPost, "/batches/"+batchID+"/advance", role, api.AdvanceRequest{ToStageID: s.stages[stage]})
}

// =============================================================================
// STAGE GRAPH AND LIFECYCLE
// =============================================================================

func TestStages_ListedInSequenceOrder(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/stages", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stages := decodeBody[[]api.StageDTO](t, rec)
	require.Len(t, stages, 8)
	assert.Equal(t, "clone", stages[0].Key)
	assert.Equal(t, "destroyed", stages[7].Key)
}

func TestCreateStage_DuplicateKeyIsConflict(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/stages", operator, api.CreateStageRequest{Key: "veg"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_key", decodeBody[api.ErrorResponse](t, rec).Code)
}

func TestAdvance_FollowsGraphAndRejectsMissingEdge(t *testing.T) {
	s := newTestServer(t)
	b := s.createBatch("B-100", "clone", 50)

	// GIVEN: A batch in clone
	// WHEN: Advanced to veg
	// THEN: 200 with one applied hop
	rec := s.advance(b.ID, "veg", operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[api.AdvanceDTO](t, rec)
	assert.Equal(t, s.stages["veg"], res.FinalStage)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, s.stages["clone"], *res.Applied[0].FromStageID)

	// WHEN: Advanced to a stage with no edge from veg
	// THEN: 409 invalid_transition and the batch stays put
	rec = s.advance(b.ID, "curing", operator)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decodeBody[api.ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodGet, "/batches/"+b.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, s.stages["veg"], decodeBody[api.BatchDTO](t, rec).CurrentStageID)
}

func TestAdvance_ApprovalAndHarvestGate(t *testing.T) {
	s := newTestServer(t)
	b := s.createBatch("B-200", "clone", 20)
	require.Equal(t, http.StatusOK, s.advance(b.ID, "veg", operator).Code)
	require.Equal(t, http.StatusOK, s.advance(b.ID, "flower", operator).Code)

	// flower -> harvest needs a Manager
	rec := s.advance(b.ID, "harvest", operator)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	errResp := decodeBody[struct {
		Code    string `json:"code"`
		Details struct {
			RequiredRole string `json:"required_role"`
		} `json:"details"`
	}](t, rec)
	assert.Equal(t, "approval_required", errResp.Code)
	assert.Equal(t, manager, errResp.Details.RequiredRole)

	require.Equal(t, http.StatusOK, s.advance(b.ID, "harvest", manager).Code)

	// drying requires harvest metrics
	rec = s.advance(b.ID, "drying", operator)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	pre := decodeBody[struct {
		Code    string `json:"code"`
		Details struct {
			Missing []string `json:"missing"`
		} `json:"details"`
	}](t, rec)
	assert.Equal(t, "precondition_failed", pre.Code)
	assert.ElementsMatch(t, []string{"harvest_dates", "wet_weight_grams"}, pre.Details.Missing)

	rec = s.do(http.MethodPost, "/batches/"+b.ID+"/harvest", operator, map[string]any{
		"harvest_date":     "2025-03-10",
		"wet_weight_grams": "1250.5",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	harvested := decodeBody[api.BatchDTO](t, rec)
	assert.Equal(t, []string{"2025-03-10"}, harvested.HarvestDates)
	require.NotNil(t, harvested.Harvest)
	assert.Equal(t, "1250.5", harvested.Harvest.WetWeightGrams.String())

	require.Equal(t, http.StatusOK, s.advance(b.ID, "drying", operator).Code)

	rec = s.do(http.MethodGet, "/batches/"+b.ID+"/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decodeBody[[]api.HistoryDTO](t, rec)
	require.Len(t, hist, 5)
	assert.Nil(t, hist[0].FromStageID)
	assert.Equal(t, "manager-1", hist[3].ChangedBy)
}

func TestAdvance_TerminalStageIsConflict(t *testing.T) {
	s := newTestServer(t)
	b := s.createBatch("B-300", "clone", 5)
	require.Equal(t, http.StatusOK, s.advance(b.ID, "destroyed", operator).Code)

	rec := s.advance(b.ID, "veg", operator)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "terminal_stage", decodeBody[api.ErrorResponse](t, rec).Code)
}

func TestGetBatch_OtherSiteIsNotFound(t *testing.T) {
	s := newTestServer(t)
	b := s.createBatch("B-400", "clone", 5)

	req := httptest.NewRequest(http.MethodGet, "/api/sites/other-site/batches/"+b.ID, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateBatch_Validation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing code", api.CreateBatchRequest{SourceType: "seed", StageID: s.stages["clone"]}, http.StatusBadRequest},
		{"unknown source type", api.CreateBatchRequest{Code: "X", SourceType: "cutting", StageID: s.stages["clone"]}, http.StatusBadRequest},
		{"unknown stage", api.CreateBatchRequest{Code: "X", SourceType: "seed", StageID: "nope"}, http.StatusNotFound},
		{"malformed body", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/batches", operator, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

// =============================================================================
// SPLIT AND GENEALOGY
// =============================================================================

func TestSplitAndGenealogy(t *testing.T) {
	s := newTestServer(t)
	parent := s.createBatch("B-500", "veg", 40)

	rec := s.do(http.MethodPost, "/batches/"+parent.ID+"/split", operator, api.SplitRequest{
		Child: api.CreateBatchRequest{Code: "B-500-A", SourceType: "clone"},
		Count: 15,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	split := decodeBody[api.SplitDTO](t, rec)
	assert.Equal(t, 25, split.Parent.PlantCount)
	assert.Equal(t, 15, split.Child.PlantCount)
	assert.Equal(t, 1, split.Child.Generation)
	assert.Equal(t, "split", split.Relationship.Type)

	rec = s.do(http.MethodGet, "/batches/"+parent.ID+"/descendants", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	desc := decodeBody[[]api.BatchDTO](t, rec)
	require.Len(t, desc, 1)
	assert.Equal(t, split.Child.ID, desc[0].ID)

	rec = s.do(http.MethodGet, "/batches/"+split.Child.ID+"/ancestors", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	anc := decodeBody[[]api.BatchDTO](t, rec)
	require.NotEmpty(t, anc)
	assert.Equal(t, parent.ID, anc[0].ID)

	// GIVEN: parent -> child exists
	// WHEN: child -> parent is recorded
	// THEN: 409 cycle_detected
	rec = s.do(http.MethodPost, "/relationships", operator, api.RelationshipRequest{
		ParentBatchID: split.Child.ID, ChildBatchID: parent.ID, Type: "transfer",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "cycle_detected", decodeBody[api.ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodGet, "/batches/"+parent.ID+"/relationships", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]api.RelationshipDTO](t, rec), 1)
}

func TestSplit_MoreThanAvailableIsRejected(t *testing.T) {
	s := newTestServer(t)
	parent := s.createBatch("B-600", "veg", 10)

	rec := s.do(http.MethodPost, "/batches/"+parent.ID+"/split", operator, api.SplitRequest{
		Child: api.CreateBatchRequest{Code: "B-600-A", SourceType: "clone"},
		Count: 11,
	})
	assert.GreaterOrEqual(t, rec.Code, 400)
	assert.Less(t, rec.Code, 500)

	rec = s.do(http.MethodGet, "/batches/"+parent.ID, "", nil)
	assert.Equal(t, 10, decodeBody[api.BatchDTO](t, rec).PlantCount)
}

// =============================================================================
// PROPAGATION AND OVERRIDES
// =============================================================================

func (s *testServer) mother(tag string) api.MotherPlantDTO {
	s.t.Helper()
	b := s.createBatch("M-"+tag, "veg", 1)
	rec := s.do(http.MethodPost, "/mothers", operator, api.DesignateRequest{BatchID: b.ID, PlantTag: tag})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[api.MotherPlantDTO](s.t, rec)
}

func (s *testServer) setDailyLimit(limit int, requireApproval bool) {
	s.t.Helper()
	rec := s.do(http.MethodPut, "/propagation/settings", manager, api.SettingsRequest{
		DailyLimit:               &limit,
		RequiresOverrideApproval: requireApproval,
		ApproverRole:             manager,
	})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestPropagate_DivertsToOverrideAndExecutesOnce(t *testing.T) {
	s := newTestServer(t)
	m := s.mother("MP-1")
	s.setDailyLimit(10, true)

	prop := func(count int) *httptest.ResponseRecorder {
		return s.do(http.MethodPost, "/mothers/"+m.ID+"/propagate", operator, api.PropagateRequest{Count: count})
	}

	// GIVEN: A daily limit of 10
	// WHEN: 6 then 6 clones are requested
	// THEN: The first commits; the second is diverted into a pending override
	rec := prop(6)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[api.PropagationDTO](t, rec)
	assert.Equal(t, "committed", first.Outcome)
	require.NotNil(t, first.Commit)
	assert.Equal(t, 6, first.Commit.Usage.DailyUsed)
	assert.Equal(t, 4, *first.Commit.Usage.DailyRemaining)

	rec = prop(6)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	diverted := decodeBody[api.PropagationDTO](t, rec)
	assert.Equal(t, "diverted", diverted.Outcome)
	require.NotNil(t, diverted.Limit)
	assert.Equal(t, "daily", diverted.Limit.Scope)
	assert.Equal(t, 4, diverted.Limit.Remaining)
	require.NotNil(t, diverted.Override)
	assert.Equal(t, "pending", diverted.Override.Status)
	oid := diverted.Override.ID

	rec = s.do(http.MethodGet, "/overrides?status=pending", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]api.OverrideDTO](t, rec), 1)

	// Executing before approval is an invalid state
	rec = s.do(http.MethodPost, "/overrides/"+oid+"/execute", operator, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Only the approver role may resolve
	rec = s.do(http.MethodPost, "/overrides/"+oid+"/resolve", operator, api.ResolveRequest{Decision: "approved"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/overrides/"+oid+"/resolve", manager, api.ResolveRequest{Decision: "approved", Notes: "ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decodeBody[api.OverrideDTO](t, rec)
	assert.Equal(t, "approved", resolved.Status)
	require.NotNil(t, resolved.ApprovedBy)
	assert.Equal(t, "manager-1", *resolved.ApprovedBy)

	rec = s.do(http.MethodPost, "/overrides/"+oid+"/execute", operator, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	commit := decodeBody[api.CommitDTO](t, rec)
	assert.True(t, commit.Event.Bypassed)
	require.NotNil(t, commit.Event.OverrideID)
	assert.Equal(t, oid, *commit.Event.OverrideID)
	assert.Equal(t, 12, commit.Usage.DailyUsed)
	assert.Equal(t, 12, commit.Mother.PropagationCount)

	// THEN: A second execution is refused
	rec = s.do(http.MethodPost, "/overrides/"+oid+"/execute", operator, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decodeBody[api.ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodGet, "/propagation/ledger?from=2025-03-10&to=2025-03-10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]api.EventDTO](t, rec), 2)
}

func TestPropagate_LimitExceededWithoutApprovalWorkflow(t *testing.T) {
	s := newTestServer(t)
	m := s.mother("MP-2")
	s.setDailyLimit(5, false)

	rec := s.do(http.MethodPost, "/mothers/"+m.ID+"/propagate", operator, api.PropagateRequest{Count: 6})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[struct {
		Code    string       `json:"code"`
		Details api.LimitDTO `json:"details"`
	}](t, rec)
	assert.Equal(t, "limit_exceeded", resp.Code)
	assert.Equal(t, "daily", resp.Details.Scope)
	assert.Equal(t, 5, resp.Details.Limit)

	rec = s.do(http.MethodGet, "/propagation/usage", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decodeBody[api.UsageDTO](t, rec)
	assert.Equal(t, 0, usage.DailyUsed)
	assert.Equal(t, "2025-03-10", usage.Today)
}

func TestPropagate_RetiredMotherIsRejected(t *testing.T) {
	s := newTestServer(t)
	m := s.mother("MP-3")

	rec := s.do(http.MethodPost, "/mothers/"+m.ID+"/retire", operator, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "retired", decodeBody[api.MotherPlantDTO](t, rec).Status)

	rec = s.do(http.MethodPost, "/mothers/"+m.ID+"/propagate", operator, api.PropagateRequest{Count: 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetLedger_RejectsBadDates(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/propagation/ledger?from=03/10/2025", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		s.do(http.MethodGet, "/propagation/ledger?from=2025-03-10&to=2025-03-01", "", nil).Code)
}

// =============================================================================
// PLUMBING
// =============================================================================

func TestWritesRequireIdentity(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/stages", "", api.CreateStageRequest{Key: "mother-room"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/stages", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer(t)
	b := s.createBatch("B-700", "clone", 1)
	s.advance(b.ID, "veg", operator)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cultivation_stage_transitions_total")
}

func TestHealthz_ReportsNotReady(t *testing.T) {
	eng := cultivation.New(store.NewMemory())
	router := api.NewRouter(api.NewHandler(eng, zerolog.Nop()), api.RouterOptions{
		Ready: func(context.Context) error { return errors.New("database unreachable") },
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
