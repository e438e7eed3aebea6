/*
handlers.go - HTTP API handlers for the cultivation engine

PURPOSE:
  Exposes the cultivation engine via REST API. Handles HTTP request/response
  and JSON serialization, and delegates every rule to cultivation.Engine.
  No business rule lives here.

ENDPOINTS (all under /api/sites/{siteID}):
  Stage graph:
    GET    /stages                         List stages
    POST   /stages                         Create stage
    GET    /transitions                    List transitions
    POST   /transitions                    Create transition

  Batches:
    GET    /batches                        List batches
    POST   /batches                        Create batch
    GET    /batches/{id}                   Get batch
    POST   /batches/{id}/advance           Advance to a stage (with auto-advance)
    POST   /batches/{id}/split             Split plants off into a child batch
    POST   /batches/{id}/harvest           Record harvest metrics
    POST   /batches/{id}/plant-count       Adjust plant count
    GET    /batches/{id}/history           Stage history, oldest first
    GET    /batches/{id}/descendants       All descendants
    GET    /batches/{id}/ancestors         Ancestor path, root first
    GET    /batches/{id}/relationships     Explicit lineage events
    POST   /relationships                  Record a lineage event

  Mother plants:
    GET    /mothers                        List mother plants
    POST   /mothers                        Designate a mother plant
    GET    /mothers/{id}                   Get mother plant
    POST   /mothers/{id}/retire            Retire
    POST   /mothers/{id}/cull              Cull
    POST   /mothers/{id}/propagate         Take clones (may divert to override)

  Quota:
    GET    /propagation/settings           Current settings
    PUT    /propagation/settings           Replace settings
    GET    /propagation/usage              Daily/weekly usage and headroom
    GET    /propagation/ledger?from=&to=   Ledger rows in [from, to]

  Overrides:
    GET    /overrides?status=              List overrides
    POST   /overrides                      Request an override
    GET    /overrides/{id}                 Get override
    POST   /overrides/{id}/resolve         Approve or reject
    POST   /overrides/{id}/execute         Spend an approved override

IDENTITY:
  Authentication is external. The caller's identity arrives in X-User-ID
  and X-User-Role; writes without X-User-ID are refused with 401.

ERROR HANDLING:
  See errors.go. Errors are returned as JSON ErrorResponse with:
  - 400: Validation errors, unparseable input
  - 403: Approval by another role required
  - 404: Not found (including rows from another site)
  - 409: Invalid transition, terminal stage, invalid state, duplicate, cycle
  - 422: Precondition failed, limit exceeded (details carry the scope)
  - 503: Concurrency conflict (safe to retry)
  - 500: Integrity violations and internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/cultivation-engine/cultivation"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	eng *cultivation.Engine
	log zerolog.Logger
}

// NewHandler creates a new handler over the given engine.
func NewHandler(eng *cultivation.Engine, log zerolog.Logger) *Handler {
	return &Handler{eng: eng, log: log}
}

const (
	headerUserID = "X-User-ID"
	headerRole   = "X-User-Role"
)

func siteID(r *http.Request) cultivation.SiteID {
	return cultivation.SiteID(chi.URLParam(r, "siteID"))
}

func actorFrom(r *http.Request) cultivation.Actor {
	return cultivation.Actor{UserID: r.Header.Get(headerUserID), Role: r.Header.Get(headerRole)}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// parseDay parses a YYYY-MM-DD field, writing a 400 on failure.
func parseDay(w http.ResponseWriter, field, s string) (cultivation.Day, bool) {
	d, err := cultivation.ParseDay(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+field+" format (use YYYY-MM-DD)", err)
		return cultivation.Day{}, false
	}
	return d, true
}

// =============================================================================
// STAGE GRAPH HANDLERS
// =============================================================================

// ListStages returns the site's stages ordered by sequence.
func (h *Handler) ListStages(w http.ResponseWriter, r *http.Request) {
	stages, err := h.eng.Graph.Stages(r.Context(), siteID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]StageDTO, len(stages))
	for i, s := range stages {
		dtos[i] = toStageDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateStage adds a stage to the site's graph.
func (h *Handler) CreateStage(w http.ResponseWriter, r *http.Request) {
	var req CreateStageRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.eng.Graph.CreateStage(r.Context(), siteID(r), cultivation.StageInput{
		Key:                    req.Key,
		DisplayName:            req.DisplayName,
		SequenceOrder:          req.SequenceOrder,
		IsTerminal:             req.IsTerminal,
		RequiresHarvestMetrics: req.RequiresHarvestMetrics,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStageDTO(*s))
}

// ListTransitions returns every edge of the site's graph.
func (h *Handler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	ts, err := h.eng.Graph.Transitions(r.Context(), siteID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]TransitionDTO, len(ts))
	for i, t := range ts {
		dtos[i] = toTransitionDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTransition adds a directed edge between two stages.
func (h *Handler) CreateTransition(w http.ResponseWriter, r *http.Request) {
	var req CreateTransitionRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.eng.Graph.CreateTransition(r.Context(), siteID(r), cultivation.TransitionInput{
		From:             cultivation.StageID(req.FromStageID),
		To:               cultivation.StageID(req.ToStageID),
		AutoAdvance:      req.AutoAdvance,
		RequiresApproval: req.RequiresApproval,
		ApprovalRole:     req.ApprovalRole,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransitionDTO(*t))
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

func toNewBatch(req CreateBatchRequest) cultivation.NewBatch {
	nb := cultivation.NewBatch{
		Code:             req.Code,
		Name:             req.Name,
		StrainID:         req.StrainID,
		Type:             cultivation.BatchType(req.Type),
		SourceType:       cultivation.SourceType(req.SourceType),
		PlantCount:       req.PlantCount,
		TargetPlantCount: req.TargetPlantCount,
		StageID:          cultivation.StageID(req.StageID),
		Location:         req.Location,
		Metadata:         req.Metadata,
		Notes:            req.Notes,
	}
	if req.ParentBatchID != nil {
		p := cultivation.BatchID(*req.ParentBatchID)
		nb.ParentBatchID = &p
	}
	return nb
}

// ListBatches returns every batch of the site.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	bs, err := h.eng.Lifecycle.List(r.Context(), siteID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTOs(bs))
}

// CreateBatch creates a batch in its initial stage.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.eng.Lifecycle.CreateBatch(r.Context(), siteID(r), toNewBatch(req), actorFrom(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchDTO(*b))
}

// GetBatch returns one batch.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.eng.Lifecycle.Get(r.Context(), siteID(r), cultivation.BatchID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(*b))
}

// AdvanceBatch moves a batch along one edge, then follows auto-advance edges.
func (h *Handler) AdvanceBatch(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.eng.Lifecycle.Advance(r.Context(), siteID(r),
		cultivation.BatchID(chi.URLParam(r, "id")), cultivation.StageID(req.ToStageID), actorFrom(r), req.Notes)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AdvanceDTO{
		Batch:      toBatchDTO(res.Batch),
		Applied:    toHistoryDTOs(res.Applied),
		FinalStage: string(res.Final()),
	})
}

// SplitBatch moves plants from the batch into a new child batch.
func (h *Handler) SplitBatch(w http.ResponseWriter, r *http.Request) {
	var req SplitRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.eng.Lifecycle.SplitBatch(r.Context(), siteID(r),
		cultivation.BatchID(chi.URLParam(r, "id")), toNewBatch(req.Child), req.Count, actorFrom(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SplitDTO{
		Parent:       toBatchDTO(res.Parent),
		Child:        toBatchDTO(res.Child),
		Relationship: toRelationshipDTO(res.Relationship),
	})
}

// RecordHarvest sets the batch's harvest metrics.
func (h *Handler) RecordHarvest(w http.ResponseWriter, r *http.Request) {
	var req HarvestRequest
	if !decode(w, r, &req) {
		return
	}
	day, ok := parseDay(w, "harvest_date", req.HarvestDate)
	if !ok {
		return
	}
	in := cultivation.HarvestInput{HarvestDate: day, WetWeightGrams: req.WetWeightGrams}
	if req.DryWeightGrams != nil {
		in.DryWeightGrams = decimal.NewNullDecimal(*req.DryWeightGrams)
	}
	if req.WasteWeightGrams != nil {
		in.WasteWeightGrams = decimal.NewNullDecimal(*req.WasteWeightGrams)
	}
	b, err := h.eng.Lifecycle.RecordHarvestMetrics(r.Context(), siteID(r),
		cultivation.BatchID(chi.URLParam(r, "id")), in, actorFrom(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(*b))
}

// AdjustPlantCount records a new plant count (losses, culls, recounts).
func (h *Handler) AdjustPlantCount(w http.ResponseWriter, r *http.Request) {
	var req AdjustCountRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.eng.Lifecycle.AdjustPlantCount(r.Context(), siteID(r),
		cultivation.BatchID(chi.URLParam(r, "id")), req.PlantCount, actorFrom(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(*b))
}

// GetHistory returns the batch's stage history, oldest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := h.eng.Lifecycle.History(r.Context(), siteID(r), cultivation.BatchID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryDTOs(hist))
}

// =============================================================================
// GENEALOGY HANDLERS
// =============================================================================

// GetDescendants returns every batch derived from the batch.
func (h *Handler) GetDescendants(w http.ResponseWriter, r *http.Request) {
	bs, err := h.eng.Genealogy.Descendants(r.Context(), siteID(r), cultivation.BatchID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTOs(bs))
}

// GetAncestors returns the parent chain from the root down to the batch.
func (h *Handler) GetAncestors(w http.ResponseWriter, r *http.Request) {
	bs, err := h.eng.Genealogy.AncestorPath(r.Context(), siteID(r), cultivation.BatchID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTOs(bs))
}

// ListRelationships returns explicit lineage events touching the batch.
func (h *Handler) ListRelationships(w http.ResponseWriter, r *http.Request) {
	rels, err := h.eng.Genealogy.Relationships(r.Context(), siteID(r), cultivation.BatchID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]RelationshipDTO, len(rels))
	for i, rel := range rels {
		dtos[i] = toRelationshipDTO(rel)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RecordRelationship stores a parent -> child lineage event.
func (h *Handler) RecordRelationship(w http.ResponseWriter, r *http.Request) {
	var req RelationshipRequest
	if !decode(w, r, &req) {
		return
	}
	in := cultivation.RelationshipInput{
		ParentID:              cultivation.BatchID(req.ParentBatchID),
		ChildID:               cultivation.BatchID(req.ChildBatchID),
		Type:                  cultivation.RelationshipType(req.Type),
		PlantCountTransferred: req.PlantCountTransferred,
		Notes:                 req.Notes,
	}
	if req.TransferDate != nil {
		in.TransferDate = *req.TransferDate
	}
	rel, err := h.eng.Genealogy.RecordRelationship(r.Context(), siteID(r), in, actorFrom(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRelationshipDTO(*rel))
}

// =============================================================================
// MOTHER PLANT HANDLERS
// =============================================================================

func motherID(r *http.Request) cultivation.MotherPlantID {
	return cultivation.MotherPlantID(chi.URLParam(r, "id"))
}

// ListMothers returns every mother plant of the site.
func (h *Handler) ListMothers(w http.ResponseWriter, r *http.Request) {
	ms, err := h.eng.Mothers.List(r.Context(), siteID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]MotherPlantDTO, len(ms))
	for i, m := range ms {
		dtos[i] = toMotherDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DesignateMother registers a plant of a batch as a clone source.
func (h *Handler) DesignateMother(w http.ResponseWriter, r *http.Request) {
	var req DesignateRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.eng.Mothers.Designate(r.Context(), siteID(r), cultivation.DesignateInput{
		BatchID:             cultivation.BatchID(req.BatchID),
		StrainID:            req.StrainID,
		PlantTag:            req.PlantTag,
		MaxPropagationCount: req.MaxPropagationCount,
	}, actorFrom(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMotherDTO(*m))
}

// GetMother returns one mother plant.
func (h *Handler) GetMother(w http.ResponseWriter, r *http.Request) {
	m, err := h.eng.Mothers.Get(r.Context(), siteID(r), motherID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMotherDTO(*m))
}

// RetireMother stops a mother plant from being propagated.
func (h *Handler) RetireMother(w http.ResponseWriter, r *http.Request) {
	m, err := h.eng.Mothers.Retire(r.Context(), siteID(r), motherID(r), actorFrom(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMotherDTO(*m))
}

// CullMother marks a mother plant destroyed.
func (h *Handler) CullMother(w http.ResponseWriter, r *http.Request) {
	m, err := h.eng.Mothers.Cull(r.Context(), siteID(r), motherID(r), actorFrom(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMotherDTO(*m))
}

// Propagate takes clones from a mother plant. Within limits it answers 201
// with the commit; diverted into the override workflow it answers 202 with
// the pending override and the breached limit.
func (h *Handler) Propagate(w http.ResponseWriter, r *http.Request) {
	var req PropagateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.eng.Propagation.Propagate(r.Context(), siteID(r), cultivation.PropagateInput{
		MotherPlantID: motherID(r),
		Count:         req.Count,
		Notes:         req.Notes,
		Reason:        req.Reason,
	}, actorFrom(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	dto := PropagationDTO{Outcome: string(res.Outcome), Limit: toLimitDTO(res.Limit)}
	status := http.StatusCreated
	if res.Commit != nil {
		c := toCommitDTO(*res.Commit)
		dto.Commit = &c
	}
	if res.Override != nil {
		o := toOverrideDTO(*res.Override)
		dto.Override = &o
		status = http.StatusAccepted
	}
	writeJSON(w, status, dto)
}

// =============================================================================
// QUOTA HANDLERS
// =============================================================================

// GetSettings returns the site's propagation settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.eng.Quota.Settings(r.Context(), siteID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(*s))
}

// PutSettings replaces the site's propagation settings.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.eng.Quota.ConfigureSettings(r.Context(), cultivation.PropagationSettings{
		SiteID:                   siteID(r),
		DailyLimit:               req.DailyLimit,
		WeeklyLimit:              req.WeeklyLimit,
		MotherPropagationLimit:   req.MotherPropagationLimit,
		RequiresOverrideApproval: req.RequiresOverrideApproval,
		ApproverRole:             req.ApproverRole,
		Timezone:                 req.Timezone,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(*s))
}

// GetUsage returns today's and this week's consumption.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	u, err := h.eng.Quota.Usage(r.Context(), siteID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageDTO(*u))
}

// GetLedger lists propagation events in [from, to]. Both default to the
// site's current week window.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, err := h.eng.Quota.Usage(ctx, siteID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	from, to := u.Today.WeekWindow()

	q := r.URL.Query()
	var ok bool
	if v := q.Get("from"); v != "" {
		if from, ok = parseDay(w, "from", v); !ok {
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, ok = parseDay(w, "to", v); !ok {
			return
		}
	}

	events, err := h.eng.Quota.Ledger(ctx, siteID(r), from, to)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = toEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// OVERRIDE HANDLERS
// =============================================================================

func overrideID(r *http.Request) cultivation.OverrideID {
	return cultivation.OverrideID(chi.URLParam(r, "id"))
}

// ListOverrides returns overrides, optionally filtered by ?status=.
func (h *Handler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	status := cultivation.OverrideStatus(r.URL.Query().Get("status"))
	reqs, err := h.eng.Overrides.List(r.Context(), siteID(r), status)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]OverrideDTO, len(reqs))
	for i, o := range reqs {
		dtos[i] = toOverrideDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RequestOverride files a pending request to exceed limits.
func (h *Handler) RequestOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequestBody
	if !decode(w, r, &req) {
		return
	}
	in := cultivation.OverrideInput{Quantity: req.Quantity, Reason: req.Reason}
	if req.MotherPlantID != nil {
		m := cultivation.MotherPlantID(*req.MotherPlantID)
		in.MotherPlantID = &m
	}
	if req.BatchID != nil {
		b := cultivation.BatchID(*req.BatchID)
		in.BatchID = &b
	}
	o, err := h.eng.Overrides.Request(r.Context(), siteID(r), in, actorFrom(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOverrideDTO(*o))
}

// GetOverride returns one override.
func (h *Handler) GetOverride(w http.ResponseWriter, r *http.Request) {
	o, err := h.eng.Overrides.Get(r.Context(), siteID(r), overrideID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOverrideDTO(*o))
}

// ResolveOverride approves or rejects a pending override.
func (h *Handler) ResolveOverride(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := h.eng.Overrides.Resolve(r.Context(), siteID(r), overrideID(r),
		cultivation.OverrideStatus(req.Decision), actorFrom(r), req.Notes)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOverrideDTO(*o))
}

// ExecuteOverride spends an approved override on a propagation that
// bypasses the configured limits.
func (h *Handler) ExecuteOverride(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.eng.Propagation.ExecuteOverride(r.Context(), siteID(r), overrideID(r), actorFrom(r), req.Notes)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommitDTO(*c))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
