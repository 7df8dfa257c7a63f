package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/subflow-platform/importer-api/internal/record"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrCustomerUnresolvable = errors.New("customer could not be resolved or created")
)

// Run statuses.
const (
	RunStatusUploaded  = "uploaded"
	RunStatusPlanned   = "planned"
	RunStatusCompleted = "completed"
	RunStatusTimedOut  = "timed_out"
)

type Product struct {
	ID          int64
	Name        string
	ProductType string
}

type Customer struct {
	ID        uuid.UUID
	Email     string
	Username  string
	FirstName string
	LastName  string
}

// CustomerLookup carries everything a row knows about its customer. The
// store resolves by id, then email, then username, and finally creates a
// customer from the billing data.
type CustomerLookup struct {
	ID       string
	Email    string
	Username string
	Billing  record.Address
}

type OrderDraft struct {
	Record   record.ImportRecord
	Customer Customer
}

type OrderReceipt struct {
	OrderID            uuid.UUID
	SubscriptionID     uuid.UUID
	SubscriptionStatus string
	UserID             uuid.UUID
	ItemID             int64
	ItemName           string
}

// Commerce is the external store surface the import executor drives.
type Commerce interface {
	ProductIsSubscription(ctx context.Context, productID int64) (bool, error)
	ResolveOrCreateCustomer(ctx context.Context, lookup CustomerLookup) (Customer, bool, error)
	CreateOrderWithSubscription(ctx context.Context, draft OrderDraft) (OrderReceipt, error)
}

type ImportRun struct {
	ID          uuid.UUID
	Filename    string
	StoredPath  string
	FileSHA256  string
	Encoding    string
	Delimiter   string
	ChunkSize   int
	Headers     []string
	MappingJSON []byte
	TotalChunks int
	TotalRows   int
	Status      string
	SummaryJSON []byte
	CreatedAt   time.Time
	CompletedAt *time.Time
}

type CreateImportRunParams struct {
	Filename   string
	StoredPath string
	FileSHA256 string
	Encoding   string
	Delimiter  string
	Headers    []string
}

type PlanImportRunParams struct {
	ID          uuid.UUID
	MappingJSON []byte
	ChunkSize   int
	TotalChunks int
	TotalRows   int
}

type CompleteImportRunParams struct {
	ID          uuid.UUID
	Status      string
	SummaryJSON []byte
}

// ChunkResult is the stored outcome of one executed chunk, keyed by
// (run, start offset) so a re-dispatched chunk replays the original results
// instead of creating duplicate orders.
type ChunkResult struct {
	RunID          uuid.UUID
	StartOffset    int64
	EndOffset      int64
	FirstRowNumber int
	ResultsJSON    []byte
	CreatedAt      time.Time
}

// Runs is the import-run bookkeeping surface used by the HTTP handlers.
type Runs interface {
	CreateImportRun(ctx context.Context, params CreateImportRunParams) (ImportRun, error)
	PlanImportRun(ctx context.Context, params PlanImportRunParams) (ImportRun, error)
	CompleteImportRun(ctx context.Context, params CompleteImportRunParams) (ImportRun, error)
	GetImportRun(ctx context.Context, id uuid.UUID) (ImportRun, error)
	GetChunkResults(ctx context.Context, runID uuid.UUID, startOffset int64) ([]byte, bool, error)
	PutChunkResults(ctx context.Context, result ChunkResult) error
	ListChunkResults(ctx context.Context, runID uuid.UUID) ([]ChunkResult, error)
}
