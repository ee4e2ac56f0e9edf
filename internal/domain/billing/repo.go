package billing

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/platform/blobstore"
)

// Decision is the outcome a reviewer applies to a pending record.
type Decision struct {
	To     Status
	Amount *decimal.Decimal
	Reason string
}

// Repository is the relational side of the billing lifecycle. Methods run on
// the transaction carried by ctx when there is one.
type Repository interface {
	// NextID reserves a record id so evidence can be stored under it before
	// the record row exists.
	NextID(ctx context.Context) (int64, error)
	// Insert stores r under r.ID, or a fresh id when r.ID is zero, and fills
	// ID, Version and timestamps.
	Insert(ctx context.Context, r *Record) error
	InsertFiles(ctx context.Context, billingID int64, files []blobstore.Uploaded) ([]EvidenceFile, error)

	// Get returns one row within scope, or ErrNotFound.
	Get(ctx context.Context, id int64, scope Scope) (*Row, error)
	// GetOwned locks and returns a record submitted by therapistID.
	GetOwned(ctx context.Context, id, therapistID int64) (*Record, error)
	List(ctx context.Context, f ListFilter, scope Scope) ([]Row, int, error)
	FilesFor(ctx context.Context, billingIDs []int64) (map[int64][]EvidenceFile, error)
	GetFile(ctx context.Context, fileID int64, scope Scope) (*EvidenceFile, error)

	// UpdateCorrection writes a corrected rejected record whose version is
	// still expectedVersion, or returns ErrConflict.
	UpdateCorrection(ctx context.Context, r *Record, expectedVersion int) error
	// DeleteFiles removes the listed files of a record and returns their
	// storage keys.
	DeleteFiles(ctx context.Context, billingID int64, fileIDs []int64) ([]string, error)
	// Decide applies d to the pending records among ids and returns the ids
	// it changed.
	Decide(ctx context.Context, ids []int64, d Decision, reviewerID int64, scope Scope) ([]int64, error)
	// Delete removes a record and returns the storage keys of its files.
	Delete(ctx context.Context, id int64) ([]string, error)

	RecordsInRange(ctx context.Context, therapistID int64, from, to time.Time) ([]Record, error)
	Rates(ctx context.Context, therapistID int64) ([]RateTable, error)
}

// TxRunner runs fn inside a transaction stored in its context.
type TxRunner interface {
	RunInTx(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context) error) error
}
