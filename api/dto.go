/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract so fields can be
  renamed without touching the cultivation package.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Stage graph: StageDTO, TransitionDTO, CreateStageRequest, CreateTransitionRequest
  Batches:     BatchDTO, HistoryDTO, AdvanceDTO, SplitDTO, CreateBatchRequest,
               AdvanceRequest, SplitRequest, HarvestRequest, AdjustCountRequest
  Genealogy:   RelationshipDTO, RelationshipRequest
  Mothers:     MotherPlantDTO, DesignateRequest, PropagateRequest, PropagationDTO
  Quota:       SettingsDTO, UsageDTO, EventDTO, CommitDTO, SettingsRequest
  Overrides:   OverrideDTO, OverrideRequestBody, ResolveRequest, ExecuteRequest

DATES:
  Calendar days travel as "YYYY-MM-DD" strings, instants as RFC 3339.
  Weights are decimal strings ("1250.5") to avoid float rounding.

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers;
  handlers only reject what cannot be parsed.

SEE ALSO:
  - handlers.go: Uses these types
  - cultivation/types.go: Domain entities
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/cultivation-engine/cultivation"
)

// =============================================================================
// STAGE GRAPH
// =============================================================================

type StageDTO struct {
	ID                     string    `json:"id"`
	Key                    string    `json:"key"`
	DisplayName            string    `json:"display_name"`
	SequenceOrder          int       `json:"sequence_order"`
	IsTerminal             bool      `json:"is_terminal"`
	RequiresHarvestMetrics bool      `json:"requires_harvest_metrics"`
	CreatedAt              time.Time `json:"created_at"`
}

type CreateStageRequest struct {
	Key                    string `json:"key"`
	DisplayName            string `json:"display_name"`
	SequenceOrder          int    `json:"sequence_order"`
	IsTerminal             bool   `json:"is_terminal"`
	RequiresHarvestMetrics bool   `json:"requires_harvest_metrics"`
}

type TransitionDTO struct {
	ID               string    `json:"id"`
	FromStageID      string    `json:"from_stage_id"`
	ToStageID        string    `json:"to_stage_id"`
	AutoAdvance      bool      `json:"auto_advance"`
	RequiresApproval bool      `json:"requires_approval"`
	ApprovalRole     string    `json:"approval_role,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type CreateTransitionRequest struct {
	FromStageID      string `json:"from_stage_id"`
	ToStageID        string `json:"to_stage_id"`
	AutoAdvance      bool   `json:"auto_advance"`
	RequiresApproval bool   `json:"requires_approval"`
	ApprovalRole     string `json:"approval_role"`
}

func toStageDTO(s cultivation.Stage) StageDTO {
	return StageDTO{
		ID:                     string(s.ID),
		Key:                    s.Key,
		DisplayName:            s.DisplayName,
		SequenceOrder:          s.SequenceOrder,
		IsTerminal:             s.IsTerminal,
		RequiresHarvestMetrics: s.RequiresHarvestMetrics,
		CreatedAt:              s.CreatedAt,
	}
}

func toTransitionDTO(t cultivation.Transition) TransitionDTO {
	return TransitionDTO{
		ID:               t.ID,
		FromStageID:      string(t.FromStageID),
		ToStageID:        string(t.ToStageID),
		AutoAdvance:      t.AutoAdvance,
		RequiresApproval: t.RequiresApproval,
		ApprovalRole:     t.ApprovalRole,
		CreatedAt:        t.CreatedAt,
	}
}

// =============================================================================
// BATCHES
// =============================================================================

type HarvestDTO struct {
	WetWeightGrams   decimal.Decimal  `json:"wet_weight_grams"`
	DryWeightGrams   *decimal.Decimal `json:"dry_weight_grams,omitempty"`
	WasteWeightGrams *decimal.Decimal `json:"waste_weight_grams,omitempty"`
	RecordedBy       string           `json:"recorded_by"`
	RecordedAt       time.Time        `json:"recorded_at"`
}

type BatchDTO struct {
	ID               string            `json:"id"`
	Code             string            `json:"code"`
	Name             string            `json:"name,omitempty"`
	StrainID         string            `json:"strain_id,omitempty"`
	Type             string            `json:"batch_type"`
	SourceType       string            `json:"source_type"`
	ParentBatchID    *string           `json:"parent_batch_id,omitempty"`
	Generation       int               `json:"generation"`
	PlantCount       int               `json:"plant_count"`
	TargetPlantCount int               `json:"target_plant_count,omitempty"`
	CurrentStageID   string            `json:"current_stage_id"`
	StageStartedAt   time.Time         `json:"stage_started_at"`
	HarvestDates     []string          `json:"harvest_dates,omitempty"`
	Harvest          *HarvestDTO       `json:"harvest,omitempty"`
	Location         string            `json:"location,omitempty"`
	Status           string            `json:"status"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	CreatedBy        string            `json:"created_by"`
	UpdatedAt        time.Time         `json:"updated_at"`
	UpdatedBy        string            `json:"updated_by"`
}

type CreateBatchRequest struct {
	Code             string            `json:"code"`
	Name             string            `json:"name"`
	StrainID         string            `json:"strain_id"`
	Type             string            `json:"batch_type"`
	SourceType       string            `json:"source_type"`
	ParentBatchID    *string           `json:"parent_batch_id"`
	PlantCount       int               `json:"plant_count"`
	TargetPlantCount int               `json:"target_plant_count"`
	StageID          string            `json:"stage_id"`
	Location         string            `json:"location"`
	Metadata         map[string]string `json:"metadata"`
	Notes            string            `json:"notes"`
}

type HistoryDTO struct {
	ID          string    `json:"id"`
	FromStageID *string   `json:"from_stage_id"`
	ToStageID   string    `json:"to_stage_id"`
	ChangedBy   string    `json:"changed_by"`
	ChangedAt   time.Time `json:"changed_at"`
	Notes       string    `json:"notes,omitempty"`
}

type AdvanceRequest struct {
	ToStageID string `json:"to_stage_id"`
	Notes     string `json:"notes"`
}

// AdvanceDTO is the batch after the call plus every hop applied, the
// requested one first.
type AdvanceDTO struct {
	Batch      BatchDTO     `json:"batch"`
	Applied    []HistoryDTO `json:"applied"`
	FinalStage string       `json:"final_stage_id"`
}

type SplitRequest struct {
	Child CreateBatchRequest `json:"child"`
	Count int                `json:"count"`
}

type SplitDTO struct {
	Parent       BatchDTO        `json:"parent"`
	Child        BatchDTO        `json:"child"`
	Relationship RelationshipDTO `json:"relationship"`
}

type HarvestRequest struct {
	HarvestDate      string           `json:"harvest_date"`
	WetWeightGrams   decimal.Decimal  `json:"wet_weight_grams"`
	DryWeightGrams   *decimal.Decimal `json:"dry_weight_grams"`
	WasteWeightGrams *decimal.Decimal `json:"waste_weight_grams"`
}

type AdjustCountRequest struct {
	PlantCount int `json:"plant_count"`
}

func toBatchDTO(b cultivation.Batch) BatchDTO {
	dto := BatchDTO{
		ID:               string(b.ID),
		Code:             b.Code,
		Name:             b.Name,
		StrainID:         b.StrainID,
		Type:             string(b.Type),
		SourceType:       string(b.SourceType),
		Generation:       b.Generation,
		PlantCount:       b.PlantCount,
		TargetPlantCount: b.TargetPlantCount,
		CurrentStageID:   string(b.CurrentStageID),
		StageStartedAt:   b.StageStartedAt,
		Location:         b.Location,
		Status:           string(b.Status),
		Metadata:         b.Metadata,
		CreatedAt:        b.CreatedAt,
		CreatedBy:        b.CreatedBy,
		UpdatedAt:        b.UpdatedAt,
		UpdatedBy:        b.UpdatedBy,
	}
	if b.ParentBatchID != nil {
		dto.ParentBatchID = strPtr(string(*b.ParentBatchID))
	}
	for _, d := range b.HarvestDates {
		dto.HarvestDates = append(dto.HarvestDates, d.String())
	}
	if h := b.Harvest; h != nil {
		dto.Harvest = &HarvestDTO{
			WetWeightGrams:   h.WetWeightGrams,
			DryWeightGrams:   decimalPtr(h.DryWeightGrams),
			WasteWeightGrams: decimalPtr(h.WasteWeightGrams),
			RecordedBy:       h.RecordedBy,
			RecordedAt:       h.RecordedAt,
		}
	}
	return dto
}

func toBatchDTOs(bs []cultivation.Batch) []BatchDTO {
	dtos := make([]BatchDTO, len(bs))
	for i, b := range bs {
		dtos[i] = toBatchDTO(b)
	}
	return dtos
}

func toHistoryDTO(h cultivation.StageHistory) HistoryDTO {
	dto := HistoryDTO{
		ID:        h.ID,
		ToStageID: string(h.ToStageID),
		ChangedBy: h.ChangedBy,
		ChangedAt: h.ChangedAt,
		Notes:     h.Notes,
	}
	if h.FromStageID != nil {
		dto.FromStageID = strPtr(string(*h.FromStageID))
	}
	return dto
}

func toHistoryDTOs(hs []cultivation.StageHistory) []HistoryDTO {
	dtos := make([]HistoryDTO, len(hs))
	for i, h := range hs {
		dtos[i] = toHistoryDTO(h)
	}
	return dtos
}

// =============================================================================
// GENEALOGY
// =============================================================================

type RelationshipDTO struct {
	ID                    string    `json:"id"`
	ParentBatchID         string    `json:"parent_batch_id"`
	ChildBatchID          string    `json:"child_batch_id"`
	Type                  string    `json:"relationship_type"`
	PlantCountTransferred *int      `json:"plant_count_transferred,omitempty"`
	TransferDate          time.Time `json:"transfer_date"`
	Notes                 string    `json:"notes,omitempty"`
	CreatedBy             string    `json:"created_by"`
}

type RelationshipRequest struct {
	ParentBatchID         string     `json:"parent_batch_id"`
	ChildBatchID          string     `json:"child_batch_id"`
	Type                  string     `json:"relationship_type"`
	PlantCountTransferred *int       `json:"plant_count_transferred"`
	TransferDate          *time.Time `json:"transfer_date"`
	Notes                 string     `json:"notes"`
}

func toRelationshipDTO(r cultivation.BatchRelationship) RelationshipDTO {
	return RelationshipDTO{
		ID:                    r.ID,
		ParentBatchID:         string(r.ParentBatchID),
		ChildBatchID:          string(r.ChildBatchID),
		Type:                  string(r.Type),
		PlantCountTransferred: r.PlantCountTransferred,
		TransferDate:          r.TransferDate,
		Notes:                 r.Notes,
		CreatedBy:             r.CreatedBy,
	}
}

// =============================================================================
// MOTHER PLANTS AND PROPAGATION
// =============================================================================

type MotherPlantDTO struct {
	ID                  string    `json:"id"`
	BatchID             string    `json:"batch_id"`
	StrainID            string    `json:"strain_id,omitempty"`
	PlantTag            string    `json:"plant_tag"`
	Status              string    `json:"status"`
	PropagationCount    int       `json:"propagation_count"`
	MaxPropagationCount *int      `json:"max_propagation_count,omitempty"`
	LastPropagationDate *string   `json:"last_propagation_date,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type DesignateRequest struct {
	BatchID             string `json:"batch_id"`
	StrainID            string `json:"strain_id"`
	PlantTag            string `json:"plant_tag"`
	MaxPropagationCount *int   `json:"max_propagation_count"`
}

type PropagateRequest struct {
	Count  int    `json:"count"`
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

type EventDTO struct {
	ID              string    `json:"id"`
	MotherPlantID   string    `json:"mother_plant_id"`
	PropagatedCount int       `json:"propagated_count"`
	RecordedOn      string    `json:"recorded_on"`
	RecordedBy      string    `json:"recorded_by"`
	Notes           string    `json:"notes,omitempty"`
	OverrideID      *string   `json:"override_id,omitempty"`
	Bypassed        bool      `json:"bypassed"`
	CreatedAt       time.Time `json:"created_at"`
}

type CommitDTO struct {
	Event  EventDTO       `json:"event"`
	Mother MotherPlantDTO `json:"mother"`
	Usage  UsageDTO       `json:"usage"`
}

// PropagationDTO carries Commit when committed, Override and Limit when the
// request was diverted into the approval workflow.
type PropagationDTO struct {
	Outcome  string       `json:"outcome"`
	Commit   *CommitDTO   `json:"commit,omitempty"`
	Override *OverrideDTO `json:"override,omitempty"`
	Limit    *LimitDTO    `json:"limit,omitempty"`
}

type LimitDTO struct {
	Scope     string `json:"scope"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Requested int    `json:"requested"`
	Remaining int    `json:"remaining"`
}

func toMotherDTO(m cultivation.MotherPlant) MotherPlantDTO {
	dto := MotherPlantDTO{
		ID:                  string(m.ID),
		BatchID:             string(m.BatchID),
		StrainID:            m.StrainID,
		PlantTag:            m.PlantTag,
		Status:              string(m.Status),
		PropagationCount:    m.PropagationCount,
		MaxPropagationCount: m.MaxPropagationCount,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
	if m.LastPropagationDate != nil {
		dto.LastPropagationDate = strPtr(m.LastPropagationDate.String())
	}
	return dto
}

func toEventDTO(e cultivation.PropagationEvent) EventDTO {
	dto := EventDTO{
		ID:              e.ID,
		MotherPlantID:   string(e.MotherPlantID),
		PropagatedCount: e.PropagatedCount,
		RecordedOn:      e.RecordedOn.String(),
		RecordedBy:      e.RecordedBy,
		Notes:           e.Notes,
		Bypassed:        e.Bypassed,
		CreatedAt:       e.CreatedAt,
	}
	if e.OverrideID != nil {
		dto.OverrideID = strPtr(string(*e.OverrideID))
	}
	return dto
}

func toCommitDTO(c cultivation.Commit) CommitDTO {
	return CommitDTO{
		Event:  toEventDTO(c.Event),
		Mother: toMotherDTO(c.Mother),
		Usage:  toUsageDTO(c.Usage),
	}
}

func toLimitDTO(e *cultivation.LimitExceededError) *LimitDTO {
	if e == nil {
		return nil
	}
	return &LimitDTO{
		Scope:     string(e.Scope),
		Limit:     e.Limit,
		Used:      e.Used,
		Requested: e.Requested,
		Remaining: e.Remaining(),
	}
}

// =============================================================================
// QUOTA SETTINGS AND USAGE
// =============================================================================

type SettingsDTO struct {
	DailyLimit               *int      `json:"daily_limit"`
	WeeklyLimit              *int      `json:"weekly_limit"`
	MotherPropagationLimit   *int      `json:"mother_propagation_limit"`
	RequiresOverrideApproval bool      `json:"requires_override_approval"`
	ApproverRole             string    `json:"approver_role,omitempty"`
	Timezone                 string    `json:"timezone,omitempty"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// SettingsRequest replaces the site's settings wholesale; omitted limits
// become unlimited.
type SettingsRequest struct {
	DailyLimit               *int   `json:"daily_limit"`
	WeeklyLimit              *int   `json:"weekly_limit"`
	MotherPropagationLimit   *int   `json:"mother_propagation_limit"`
	RequiresOverrideApproval bool   `json:"requires_override_approval"`
	ApproverRole             string `json:"approver_role"`
	Timezone                 string `json:"timezone"`
}

type UsageDTO struct {
	Today           string      `json:"today"`
	DailyUsed       int         `json:"daily_used"`
	WeeklyUsed      int         `json:"weekly_used"`
	DailyRemaining  *int        `json:"daily_remaining"`
	WeeklyRemaining *int        `json:"weekly_remaining"`
	Settings        SettingsDTO `json:"settings"`
}

func toSettingsDTO(s cultivation.PropagationSettings) SettingsDTO {
	return SettingsDTO{
		DailyLimit:               s.DailyLimit,
		WeeklyLimit:              s.WeeklyLimit,
		MotherPropagationLimit:   s.MotherPropagationLimit,
		RequiresOverrideApproval: s.RequiresOverrideApproval,
		ApproverRole:             s.ApproverRole,
		Timezone:                 s.Timezone,
		UpdatedAt:                s.UpdatedAt,
	}
}

func toUsageDTO(u cultivation.Usage) UsageDTO {
	return UsageDTO{
		Today:           u.Today.String(),
		DailyUsed:       u.DailyUsed,
		WeeklyUsed:      u.WeeklyUsed,
		DailyRemaining:  u.DailyRemaining(),
		WeeklyRemaining: u.WeeklyRemaining(),
		Settings:        toSettingsDTO(u.Settings),
	}
}

// =============================================================================
// OVERRIDES
// =============================================================================

type OverrideDTO struct {
	ID                string     `json:"id"`
	RequestedBy       string     `json:"requested_by"`
	MotherPlantID     *string    `json:"mother_plant_id,omitempty"`
	BatchID           *string    `json:"batch_id,omitempty"`
	RequestedQuantity int        `json:"requested_quantity"`
	Reason            string     `json:"reason"`
	Status            string     `json:"status"`
	RequestedOn       time.Time  `json:"requested_on"`
	ApprovedBy        *string    `json:"approved_by,omitempty"`
	ResolvedOn        *time.Time `json:"resolved_on,omitempty"`
	DecisionNotes     string     `json:"decision_notes,omitempty"`
	ConsumedOn        *time.Time `json:"consumed_on,omitempty"`
}

type OverrideRequestBody struct {
	MotherPlantID *string `json:"mother_plant_id"`
	BatchID       *string `json:"batch_id"`
	Quantity      int     `json:"quantity"`
	Reason        string  `json:"reason"`
}

// ResolveRequest approves or rejects a pending override.
type ResolveRequest struct {
	Decision string `json:"decision"` // "approved" | "rejected"
	Notes    string `json:"notes"`
}

type ExecuteRequest struct {
	Notes string `json:"notes"`
}

func toOverrideDTO(o cultivation.OverrideRequest) OverrideDTO {
	dto := OverrideDTO{
		ID:                string(o.ID),
		RequestedBy:       o.RequestedBy,
		RequestedQuantity: o.RequestedQuantity,
		Reason:            o.Reason,
		Status:            string(o.Status),
		RequestedOn:       o.RequestedOn,
		ApprovedBy:        o.ApprovedBy,
		ResolvedOn:        o.ResolvedOn,
		DecisionNotes:     o.DecisionNotes,
		ConsumedOn:        o.ConsumedOn,
	}
	if o.MotherPlantID != nil {
		dto.MotherPlantID = strPtr(string(*o.MotherPlantID))
	}
	if o.BatchID != nil {
		dto.BatchID = strPtr(string(*o.BatchID))
	}
	return dto
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func strPtr(s string) *string {
	return &s
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	return &d.Decimal
}
