/*
Package cultivation provides the business-rules engine for cultivation batches.

PURPOSE:
  This package owns the rules that govern how batches of plants move through
  growth stages, how lineage is tracked across batches, and how many clones
  may be taken from mother plants under site-wide limits. It does no I/O of
  its own: persistence, locking across processes, and notification delivery
  are all injected.

KEY CONCEPTS IN THIS FILE (types.go):
  - Typed identifiers (SiteID, StageID, BatchID, ...)
  - Closed enums with explicit parse errors (no silent defaults)
  - Entities: Stage, Transition, Batch, StageHistory, BatchRelationship,
    MotherPlant, PropagationEvent, PropagationSettings, OverrideRequest
  - Actor: the caller identity and opaque role string

DESIGN PRINCIPLES:
  1. Site scoping: every entity carries its SiteID and every lookup is by
     (site, id). A row from another site is indistinguishable from a missing one.
  2. Append-only logs: StageHistory and PropagationEvent are never mutated.
  3. Closed enums: an unknown persisted value is an integrity fault, never
     coerced to a default.
  4. Precision: harvest weights use decimal.Decimal.

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Persistence contracts
  - lifecycle.go, genealogy.go, quota.go, override.go: The components
*/
package cultivation

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SiteID string
type StageID string
type BatchID string
type MotherPlantID string
type OverrideID string

// NewID returns a fresh random identifier.
func NewID() string { return uuid.NewString() }

// Actor is the already-authenticated caller. Role is compared verbatim
// against approvalRole / approverRole configuration.
type Actor struct {
	UserID string
	Role   string
}

// =============================================================================
// ENUMS
// =============================================================================

type BatchStatus string

const (
	BatchActive    BatchStatus = "active"
	BatchCompleted BatchStatus = "completed"
)

func ParseBatchStatus(s string) (BatchStatus, error) {
	switch v := BatchStatus(s); v {
	case BatchActive, BatchCompleted:
		return v, nil
	}
	return "", enumError("batch_status", s)
}

type BatchType string

const (
	BatchProduction BatchType = "production"
	BatchMother     BatchType = "mother"
	BatchNursery    BatchType = "nursery"
)

func ParseBatchType(s string) (BatchType, error) {
	switch v := BatchType(s); v {
	case BatchProduction, BatchMother, BatchNursery:
		return v, nil
	}
	return "", enumError("batch_type", s)
}

type SourceType string

const (
	SourceSeed          SourceType = "seed"
	SourceClone         SourceType = "clone"
	SourceTissueCulture SourceType = "tissue_culture"
	SourcePurchased     SourceType = "purchased"
)

func ParseSourceType(s string) (SourceType, error) {
	switch v := SourceType(s); v {
	case SourceSeed, SourceClone, SourceTissueCulture, SourcePurchased:
		return v, nil
	}
	return "", enumError("source_type", s)
}

type RelationshipType string

const (
	RelationshipSplit    RelationshipType = "split"
	RelationshipMerge    RelationshipType = "merge"
	RelationshipClone    RelationshipType = "clone"
	RelationshipTransfer RelationshipType = "transfer"
)

func ParseRelationshipType(s string) (RelationshipType, error) {
	switch v := RelationshipType(s); v {
	case RelationshipSplit, RelationshipMerge, RelationshipClone, RelationshipTransfer:
		return v, nil
	}
	return "", enumError("relationship_type", s)
}

type MotherStatus string

const (
	MotherActive  MotherStatus = "active"
	MotherRetired MotherStatus = "retired"
	MotherCulled  MotherStatus = "culled"
)

func ParseMotherStatus(s string) (MotherStatus, error) {
	switch v := MotherStatus(s); v {
	case MotherActive, MotherRetired, MotherCulled:
		return v, nil
	}
	return "", enumError("mother_status", s)
}

// IsTerminal reports whether no further status change is allowed.
func (s MotherStatus) IsTerminal() bool { return s == MotherRetired || s == MotherCulled }

type OverrideStatus string

const (
	OverridePending  OverrideStatus = "pending"
	OverrideApproved OverrideStatus = "approved"
	OverrideRejected OverrideStatus = "rejected"
)

func ParseOverrideStatus(s string) (OverrideStatus, error) {
	switch v := OverrideStatus(s); v {
	case OverridePending, OverrideApproved, OverrideRejected:
		return v, nil
	}
	return "", enumError("override_status", s)
}

// LimitScope names which configured cap a propagation would breach.
type LimitScope string

const (
	ScopeDaily     LimitScope = "daily"
	ScopeWeekly    LimitScope = "weekly"
	ScopePerMother LimitScope = "per_mother"
)

func enumError(field, value string) error {
	return &ValidationError{Field: field, Message: "unknown value " + strconv.Quote(value)}
}

// =============================================================================
// STAGE GRAPH
// =============================================================================

// Stage is a node of a site's stage graph. Key is unique per site and
// compared case-sensitively. SequenceOrder is advisory (UI ordering only).
type Stage struct {
	ID                     StageID
	SiteID                 SiteID
	Key                    string
	DisplayName            string
	SequenceOrder          int
	IsTerminal             bool
	RequiresHarvestMetrics bool
	CreatedAt              time.Time
}

// Transition is a directed edge. At most one exists per (from, to) pair per site.
type Transition struct {
	ID               string
	SiteID           SiteID
	FromStageID      StageID
	ToStageID        StageID
	AutoAdvance      bool
	RequiresApproval bool
	ApprovalRole     string
	CreatedAt        time.Time
}

// =============================================================================
// BATCH
// =============================================================================

// HarvestMetrics are the weights recorded at harvest. Weights are grams.
type HarvestMetrics struct {
	WetWeightGrams   decimal.Decimal
	DryWeightGrams   decimal.NullDecimal
	WasteWeightGrams decimal.NullDecimal
	RecordedBy       string
	RecordedAt       time.Time
}

// Batch is a group of plants moving through stages together.
//
// INVARIANTS:
//   - Generation == parent.Generation+1 when ParentBatchID is set, else 0.
//   - CurrentStageID references a stage of the same site.
//   - PlantCount >= 0.
type Batch struct {
	ID               BatchID
	SiteID           SiteID
	StrainID         string
	Code             string
	Name             string
	Type             BatchType
	SourceType       SourceType
	ParentBatchID    *BatchID
	Generation       int
	PlantCount       int
	TargetPlantCount int
	CurrentStageID   StageID
	StageStartedAt   time.Time
	HarvestDates     []Day
	Harvest          *HarvestMetrics
	Location         string
	Status           BatchStatus
	Metadata         map[string]string

	CreatedAt time.Time
	CreatedBy string
	UpdatedAt time.Time
	UpdatedBy string
}

// MissingHarvestFields lists the harvest fields a stage gated on harvest
// metrics would require but the batch lacks.
func (b *Batch) MissingHarvestFields() []string {
	var missing []string
	if len(b.HarvestDates) == 0 {
		missing = append(missing, "harvest_dates")
	}
	if b.Harvest == nil || !b.Harvest.WetWeightGrams.IsPositive() {
		missing = append(missing, "wet_weight_grams")
	}
	return missing
}

func (b *Batch) clone() *Batch {
	c := *b
	if b.ParentBatchID != nil {
		p := *b.ParentBatchID
		c.ParentBatchID = &p
	}
	if b.HarvestDates != nil {
		c.HarvestDates = append([]Day(nil), b.HarvestDates...)
	}
	if b.Harvest != nil {
		h := *b.Harvest
		c.Harvest = &h
	}
	if b.Metadata != nil {
		c.Metadata = make(map[string]string, len(b.Metadata))
		for k, v := range b.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Clone returns a deep copy.
func (b Batch) Clone() Batch { return *b.clone() }

// StageHistory is one append-only row per executed transition. FromStageID is
// nil for the row written when the batch is created.
type StageHistory struct {
	ID          string
	BatchID     BatchID
	FromStageID *StageID
	ToStageID   StageID
	ChangedBy   string
	ChangedAt   time.Time
	Notes       string
}

// BatchRelationship records an explicit split/merge/clone/transfer event.
// Unlike Batch.ParentBatchID these may form many-to-many links, but never a cycle.
type BatchRelationship struct {
	ID                    string
	SiteID                SiteID
	ParentBatchID         BatchID
	ChildBatchID          BatchID
	Type                  RelationshipType
	PlantCountTransferred *int
	TransferDate          time.Time
	Notes                 string
	CreatedBy             string
}

// =============================================================================
// PROPAGATION
// =============================================================================

// MotherPlant is a plant kept as a clone source. PropagationCount never decreases.
type MotherPlant struct {
	ID                  MotherPlantID
	SiteID              SiteID
	BatchID             BatchID
	StrainID            string
	PlantTag            string
	Status              MotherStatus
	PropagationCount    int
	MaxPropagationCount *int
	LastPropagationDate *Day
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PropagationEvent is the append-only ledger row window sums are derived from.
type PropagationEvent struct {
	ID              string
	SiteID          SiteID
	MotherPlantID   MotherPlantID
	PropagatedCount int
	RecordedOn      Day
	RecordedBy      string
	Notes           string
	OverrideID      *OverrideID
	Bypassed        bool
	CreatedAt       time.Time
}

// PropagationSettings are the per-site caps. A nil limit means unlimited.
type PropagationSettings struct {
	SiteID                   SiteID
	DailyLimit               *int
	WeeklyLimit              *int
	MotherPropagationLimit   *int
	RequiresOverrideApproval bool
	ApproverRole             string
	// Timezone is an IANA name used to decide what "today" is. Empty = UTC.
	Timezone  string
	UpdatedAt time.Time
}

// Location resolves Timezone, falling back to UTC.
func (s PropagationSettings) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// OverrideRequest asks for permission to propagate beyond configured limits.
type OverrideRequest struct {
	ID                OverrideID
	SiteID            SiteID
	RequestedBy       string
	MotherPlantID     *MotherPlantID
	BatchID           *BatchID
	RequestedQuantity int
	Reason            string
	Status            OverrideStatus
	RequestedOn       time.Time
	// ApprovedBy is the resolver, set on approval and on rejection.
	ApprovedBy    *string
	ResolvedOn    *time.Time
	DecisionNotes string
	// ConsumedOn is stamped when an approved override is spent on a propagation.
	ConsumedOn *time.Time
}

// IntPtr is a convenience for optional limits.
func IntPtr(v int) *int { return &v }
