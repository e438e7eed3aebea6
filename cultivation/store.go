/*
store.go - Persistence contracts for the cultivation engine

PURPOSE:
  Defines the interface between the business rules and the database.
  The engine never holds a long-lived session: every mutating operation opens
  a short, explicitly scoped transaction with WithTx and receives a Tx handle
  that is valid only inside the callback.

KEY INTERFACES:
  Reader: Site-scoped lookups shared by Store and Tx
  Writer: Inserts/updates, available only inside a transaction
  Tx:     Reader + Writer + Lock (transaction-scoped serialization)
  Store:  Reader + WithTx

APPEND-ONLY CONTRACT:
  StageHistory and PropagationEvent have Append methods only. There is
  no Update or Delete for either, in any implementation.

ATOMICITY:
  WithTx is all-or-nothing. If fn returns an error, or ctx is cancelled
  before commit, nothing fn wrote is visible afterwards.

LOCKING:
  Tx.Lock(key) serializes the rest of the transaction against every other
  transaction that locks the same key, until commit or rollback. Stores that
  already serialize all writers (memory, SQLite) may treat it as a no-op;
  Postgres maps it to pg_advisory_xact_lock.

IMPLEMENTATIONS:
  - cultivation/store/memory.go: In-memory for tests and dev
  - store/sqlite: SQLite (mattn/go-sqlite3)
  - store/postgres: Postgres (pgx stdlib)

SEE ALSO:
  - store/sqlstore: Shared SQL implementation
*/
package cultivation

import "context"

// Reader is the read side shared by Store and Tx. Lookups by id return a
// *NotFoundError when the row is missing or belongs to another site.
type Reader interface {
	GetStage(ctx context.Context, siteID SiteID, id StageID) (*Stage, error)
	GetStageByKey(ctx context.Context, siteID SiteID, key string) (*Stage, error)
	// ListStages is ordered by SequenceOrder, then Key.
	ListStages(ctx context.Context, siteID SiteID) ([]Stage, error)

	// GetTransition returns (nil, nil) when no edge exists.
	GetTransition(ctx context.Context, siteID SiteID, from, to StageID) (*Transition, error)
	ListTransitions(ctx context.Context, siteID SiteID) ([]Transition, error)
	ListTransitionsFrom(ctx context.Context, siteID SiteID, from StageID) ([]Transition, error)

	GetBatch(ctx context.Context, siteID SiteID, id BatchID) (*Batch, error)
	// ListBatches is ordered by Generation, CreatedAt, ID.
	ListBatches(ctx context.Context, siteID SiteID) ([]Batch, error)
	// ListStageHistory is ordered by ChangedAt, then insertion.
	ListStageHistory(ctx context.Context, batchID BatchID) ([]StageHistory, error)
	ListRelationships(ctx context.Context, siteID SiteID) ([]BatchRelationship, error)

	GetMotherPlant(ctx context.Context, siteID SiteID, id MotherPlantID) (*MotherPlant, error)
	ListMotherPlants(ctx context.Context, siteID SiteID) ([]MotherPlant, error)

	// SumPropagations sums PropagatedCount for events with RecordedOn in [from, to].
	SumPropagations(ctx context.Context, siteID SiteID, from, to Day) (int, error)
	// ListPropagationEvents returns events with RecordedOn in [from, to], oldest first.
	ListPropagationEvents(ctx context.Context, siteID SiteID, from, to Day) ([]PropagationEvent, error)

	// GetPropagationSettings returns unlimited settings when none are stored.
	GetPropagationSettings(ctx context.Context, siteID SiteID) (*PropagationSettings, error)

	GetOverrideRequest(ctx context.Context, siteID SiteID, id OverrideID) (*OverrideRequest, error)
	// ListOverrideRequests filters by status; "" lists all. Oldest first.
	ListOverrideRequests(ctx context.Context, siteID SiteID, status OverrideStatus) ([]OverrideRequest, error)
}

// Writer is only reachable through a Tx.
type Writer interface {
	// InsertStage fails with *DuplicateKeyError when (site, key) is taken.
	InsertStage(ctx context.Context, s Stage) error
	// InsertTransition fails with *DuplicateKeyError when (site, from, to) exists.
	InsertTransition(ctx context.Context, t Transition) error

	// InsertBatch fails with *DuplicateKeyError when (site, code) is taken.
	InsertBatch(ctx context.Context, b Batch) error
	UpdateBatch(ctx context.Context, b Batch) error
	AppendStageHistory(ctx context.Context, h StageHistory) error
	InsertRelationship(ctx context.Context, r BatchRelationship) error

	// InsertMotherPlant fails with *DuplicateKeyError when (site, plant tag) is taken.
	InsertMotherPlant(ctx context.Context, m MotherPlant) error
	UpdateMotherPlant(ctx context.Context, m MotherPlant) error
	AppendPropagationEvent(ctx context.Context, e PropagationEvent) error

	PutPropagationSettings(ctx context.Context, s PropagationSettings) error

	InsertOverrideRequest(ctx context.Context, o OverrideRequest) error
	UpdateOverrideRequest(ctx context.Context, o OverrideRequest) error
}

// Tx is a unit of work handle, valid only inside the WithTx callback.
type Tx interface {
	Reader
	Writer

	// Lock takes a transaction-scoped exclusive lock on key.
	Lock(ctx context.Context, key string) error
}

// Store is the transactional persistence boundary.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Lock keys. Callers that take more than one lock in a transaction take them
// in this order: genealogy, propagation, batch, override.
func genealogyLockKey(site SiteID) string   { return "genealogy:" + string(site) }
func propagationLockKey(site SiteID) string { return "propagation:" + string(site) }
func batchLockKey(id BatchID) string        { return "batch:" + string(id) }
func overrideLockKey(id OverrideID) string  { return "override:" + string(id) }
