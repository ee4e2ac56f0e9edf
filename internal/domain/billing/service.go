package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/platform/blobstore"
	"github.com/clinic/clinic/pkg/pagination"
)

// MaxBatchApprove bounds the ids accepted by one ApproveMany call.
const MaxBatchApprove = 500

const defaultUploadConcurrency = 4

var listTxOptions = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

type Service struct {
	repo              Repository
	tx                TxRunner
	store             blobstore.BlobStore
	scopes            ScopeSource
	logger            zerolog.Logger
	uploadConcurrency int
}

func NewService(repo Repository, tx TxRunner, store blobstore.BlobStore, scopes ScopeSource, logger zerolog.Logger) *Service {
	return &Service{
		repo:              repo,
		tx:                tx,
		store:             store,
		scopes:            scopes,
		logger:            logger.With().Str("component", "billing").Logger(),
		uploadConcurrency: defaultUploadConcurrency,
	}
}

// SetUploadConcurrency bounds parallel evidence uploads per request.
func (s *Service) SetUploadConcurrency(n int) {
	if n > 0 {
		s.uploadConcurrency = n
	}
}

// view reads one row within scope together with its evidence files.
func (s *Service) view(ctx context.Context, id int64, scope Scope) (*Row, error) {
	row, err := s.repo.Get(ctx, id, scope)
	if err != nil {
		return nil, err
	}
	files, err := s.repo.FilesFor(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	row.attach(files[id])
	return row, nil
}

// Create inserts a pending record and attaches its evidence. Objects stored
// before a failure are removed again; the record row is rolled back.
func (s *Service) Create(ctx context.Context, caller Caller, in CreateInput) (*Row, error) {
	rec, err := in.record()
	if err != nil {
		return nil, err
	}
	scope, err := s.scopes.Resolve(ctx, caller)
	if err != nil {
		return nil, err
	}
	if !scope.Allows(rec.TherapistID) {
		return nil, fmt.Errorf("%w: cannot bill for therapist %d", ErrForbidden, rec.TherapistID)
	}

	// Evidence is stored under a reserved id with no transaction open.
	if rec.ID, err = s.repo.NextID(ctx); err != nil {
		return nil, err
	}
	uploaded, err := s.uploadEvidence(ctx, rec.ID, in.Files)
	if err != nil {
		s.logger.Warn().Err(err).Int64("caller_id", caller.ID).Int64("therapist_id", rec.TherapistID).
			Msg("billing record not created")
		return nil, err
	}

	var row *Row
	err = s.tx.RunInTx(ctx, pgx.TxOptions{}, func(ctx context.Context) error {
		if err := s.repo.Insert(ctx, rec); err != nil {
			return err
		}
		if _, err := s.persistEvidence(ctx, rec.ID, uploaded); err != nil {
			return err
		}
		var err error
		row, err = s.view(ctx, rec.ID, scope)
		return err
	})
	if err != nil {
		s.compensate(ctx, rec.ID, uploaded)
		s.logger.Warn().Err(err).Int64("caller_id", caller.ID).Int64("therapist_id", rec.TherapistID).
			Msg("billing record not created")
		return nil, err
	}

	s.logger.Info().Int64("billing_id", row.ID).Int64("caller_id", caller.ID).
		Int("files", row.FileCount).Msg("billing record created")
	return row, nil
}

func (s *Service) Get(ctx context.Context, caller Caller, id int64) (*Row, error) {
	scope, err := s.scopes.Resolve(ctx, caller)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, id, scope)
}

// List returns one page of rows visible to caller. The count and the page
// come from the same snapshot.
func (s *Service) List(ctx context.Context, caller Caller, f ListFilter) (*pagination.Response[Row], error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	f.Page = pagination.New(f.Page.Page, f.Page.PageSize)

	scope, err := s.scopes.Resolve(ctx, caller)
	if err != nil {
		return nil, err
	}

	var rows []Row
	var total int
	err = s.tx.RunInTx(ctx, listTxOptions, func(ctx context.Context) error {
		var err error
		rows, total, err = s.repo.List(ctx, f, scope)
		if err != nil || len(rows) == 0 {
			return err
		}
		ids := make([]int64, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
		}
		files, err := s.repo.FilesFor(ctx, ids)
		if err != nil {
			return err
		}
		for i := range rows {
			rows[i].attach(files[rows[i].ID])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pagination.NewResponse(rows, total, f.Page), nil
}

// Correct amends a rejected record owned by caller and sends it back to
// pending. Records of other therapists are reported as not found.
func (s *Service) Correct(ctx context.Context, caller Caller, id int64, in CorrectionInput) (*Row, error) {
	start, end, err := in.validate()
	if err != nil {
		return nil, err
	}

	var sg saga
	var removed []string
	var row *Row
	err = s.tx.RunInTx(ctx, pgx.TxOptions{}, func(ctx context.Context) error {
		rec, err := s.repo.GetOwned(ctx, id, caller.ID)
		if err != nil {
			return err
		}
		if !CanTransition(rec.Status, StatusPending) {
			return fmt.Errorf("%w: record %d is %s", ErrInvalidTransition, id, rec.Status)
		}

		expected := rec.Version
		rec.StartTime, rec.EndTime = start, end
		rec.AttendanceType = in.AttendanceType
		rec.ExpenseRequested = in.ExpenseRequested
		if in.Note != nil {
			rec.Note = trimmed(in.Note)
		}
		if c := strings.TrimSpace(in.Comment); c != "" {
			rec.RejectionReason = &c
		}
		if err := s.repo.UpdateCorrection(ctx, rec, expected); err != nil {
			return err
		}

		if len(in.RemoveFileIDs) > 0 {
			removed, err = s.repo.DeleteFiles(ctx, id, in.RemoveFileIDs)
			if err != nil {
				return err
			}
		}
		files, err := s.attachEvidence(ctx, id, in.Files)
		if err != nil {
			return err
		}
		sg.track(id, files)
		row, err = s.view(ctx, id, PartialScope(caller.ID))
		return err
	})
	if err != nil {
		s.unwind(ctx, &sg)
		return nil, err
	}

	s.deleteBlobs(ctx, id, removed, "correction")
	s.logger.Info().Int64("billing_id", id).Int64("caller_id", caller.ID).
		Int("removed", len(removed)).Int("added", len(sg.keys)).Msg("billing record corrected")
	return row, nil
}

// Approve moves a pending record to approved with an optional reimbursed
// amount.
func (s *Service) Approve(ctx context.Context, caller Caller, id int64, amount *decimal.Decimal) (*Row, error) {
	if amount != nil && amount.IsNegative() {
		return nil, fmt.Errorf("%w: reimbursed_amount must not be negative", ErrValidation)
	}
	return s.decideOne(ctx, caller, id, Decision{To: StatusApproved, Amount: amount})
}

// Reject moves a pending record to rejected with a reason.
func (s *Service) Reject(ctx context.Context, caller Caller, id int64, reason string) (*Row, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a rejection reason is required", ErrValidation)
	}
	return s.decideOne(ctx, caller, id, Decision{To: StatusRejected, Reason: reason})
}

func (s *Service) decideOne(ctx context.Context, caller Caller, id int64, d Decision) (*Row, error) {
	scope, err := s.scopes.Resolve(ctx, caller)
	if err != nil {
		return nil, err
	}

	var row *Row
	err = s.tx.RunInTx(ctx, pgx.TxOptions{}, func(ctx context.Context) error {
		changed, err := s.repo.Decide(ctx, []int64{id}, d, caller.ID, scope)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			return s.explainMiss(ctx, caller, id, scope)
		}
		row, err = s.view(ctx, id, scope)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Int64("billing_id", id).Int64("reviewer_id", caller.ID).
		Str("status", string(d.To)).Msg("billing decision recorded")
	return row, nil
}

// explainMiss classifies a decision that matched no row.
func (s *Service) explainMiss(ctx context.Context, caller Caller, id int64, scope Scope) error {
	row, err := s.repo.Get(ctx, id, scope)
	if err != nil {
		return err
	}
	if row.TherapistID == caller.ID {
		return fmt.Errorf("%w: reviewers cannot decide their own records", ErrForbidden)
	}
	return fmt.Errorf("%w: record %d is %s", ErrInvalidTransition, id, row.Status)
}

// ApproveMany approves every pending record in ids that caller may decide
// and returns the ids it approved. Other ids are skipped.
func (s *Service) ApproveMany(ctx context.Context, caller Caller, ids []int64) ([]int64, error) {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: ids are required", ErrValidation)
	}
	if len(ids) > MaxBatchApprove {
		return nil, fmt.Errorf("%w: at most %d ids per batch", ErrValidation, MaxBatchApprove)
	}
	if ids[0] <= 0 {
		return nil, fmt.Errorf("%w: ids must be positive", ErrValidation)
	}

	scope, err := s.scopes.Resolve(ctx, caller)
	if err != nil {
		return nil, err
	}
	approved, err := s.repo.Decide(ctx, ids, Decision{To: StatusApproved}, caller.ID, scope)
	if err != nil {
		return nil, err
	}
	slices.Sort(approved)
	if approved == nil {
		approved = []int64{}
	}

	s.logger.Info().Int64("reviewer_id", caller.ID).Int("requested", len(ids)).
		Int("approved", len(approved)).Msg("billing batch approved")
	return approved, nil
}

// Delete removes a record and then its evidence objects. Only callers with
// full visibility may delete.
func (s *Service) Delete(ctx context.Context, caller Caller, id int64) error {
	scope, err := s.scopes.Resolve(ctx, caller)
	if err != nil {
		return err
	}
	if scope.Kind() != ScopeFull {
		return fmt.Errorf("%w: deleting billing records requires full visibility", ErrForbidden)
	}

	var keys []string
	err = s.tx.RunInTx(ctx, pgx.TxOptions{}, func(ctx context.Context) error {
		var err error
		keys, err = s.repo.Delete(ctx, id)
		return err
	})
	if err != nil {
		return err
	}
	s.deleteBlobs(ctx, id, keys, "delete")
	return nil
}

// OpenEvidence streams an evidence file visible to caller. The reader must
// be closed.
func (s *Service) OpenEvidence(ctx context.Context, caller Caller, fileID int64) (io.ReadCloser, *EvidenceFile, error) {
	scope, err := s.scopes.Resolve(ctx, caller)
	if err != nil {
		return nil, nil, err
	}
	f, err := s.repo.GetFile(ctx, fileID, scope)
	if err != nil {
		return nil, nil, err
	}
	rc, _, err := s.store.Open(ctx, f.StorageKey)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		s.logger.Error().Int64("file_id", fileID).Str("key", f.StorageKey).Msg("evidence object missing")
		return nil, nil, fmt.Errorf("%w: evidence object for file %d", ErrNotFound, fileID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open evidence %d: %w", fileID, err)
	}
	return rc, f, nil
}

// Summary totals a therapist's records whose start falls within
// [from, to] by calendar day.
func (s *Service) Summary(ctx context.Context, caller Caller, therapistID int64, from, to time.Time) (*Summary, error) {
	if therapistID <= 0 {
		return nil, fmt.Errorf("%w: invalid therapist id", ErrValidation)
	}
	from, to = startOfDay(from), startOfDay(to)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: to is before from", ErrValidation)
	}

	if caller.ID != therapistID {
		scope, err := s.scopes.Resolve(ctx, caller)
		if err != nil {
			return nil, err
		}
		if scope.Kind() != ScopeFull {
			return nil, fmt.Errorf("%w: summary of therapist %d", ErrForbidden, therapistID)
		}
	}

	records, err := s.repo.RecordsInRange(ctx, therapistID, from, to.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	rates, err := s.repo.Rates(ctx, therapistID)
	if err != nil {
		return nil, err
	}
	return Summarize(therapistID, from, to, records, rates), nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
