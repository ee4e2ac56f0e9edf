package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/blobstore"
	"github.com/clinic/clinic/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.From(ctx, r.pool)
}

// wrapPgError maps constraint violations to domain errors and wraps
// everything else as a persistence failure.
func wrapPgError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s: activity already billed (%s)", ErrConflict, op, pgErr.ConstraintName)
		case "23503", "23514":
			return fmt.Errorf("%w: %s: violates %s", ErrValidation, op, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func scanRecordInto(row pgx.Row, r *Record, extra ...any) error {
	dest := []any{&r.ID, &r.ClientID, &r.TherapistID, &r.SessionID, &r.EvolutionID, &r.MeetingMinutesID,
		&r.StartTime, &r.EndTime, &r.AttendanceType, &r.ExpenseRequested, &r.Note, &r.Status,
		&r.ReimbursedAmount, &r.RejectionReason, &r.Version, &r.CreatedAt, &r.UpdatedAt}
	return row.Scan(append(dest, extra...)...)
}

func scanRow(row pgx.Row) (*Row, error) {
	var out Row
	if err := scanRecordInto(row, &out.Record, &out.ClientName, &out.TherapistName); err != nil {
		return nil, err
	}
	out.DurationMinutes = int(out.Duration().Minutes())
	return &out, nil
}

func scanFile(row pgx.Row) (EvidenceFile, error) {
	var f EvidenceFile
	err := row.Scan(&f.ID, &f.BillingID, &f.Name, &f.StorageKey, &f.MimeType, &f.Size, &f.CreatedAt)
	return f, err
}

func (r *repoPG) NextID(ctx context.Context) (int64, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT nextval(pg_get_serial_sequence('billing_records', 'id'))`).Scan(&id)
	if err != nil {
		return 0, wrapPgError("reserve billing id", err)
	}
	return id, nil
}

func (r *repoPG) Insert(ctx context.Context, rec *Record) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO billing_records (id, client_id, therapist_id, session_id, evolution_id, meeting_minutes_id,
			start_time, end_time, attendance_type, expense_requested, note, status)
		VALUES (COALESCE($1, nextval(pg_get_serial_sequence('billing_records', 'id'))),
			$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id, version, created_at, updated_at`,
		reservedID(rec.ID), rec.ClientID, rec.TherapistID, rec.SessionID, rec.EvolutionID, rec.MeetingMinutesID,
		rec.StartTime, rec.EndTime, rec.AttendanceType, rec.ExpenseRequested, rec.Note, rec.Status,
	).Scan(&rec.ID, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return wrapPgError("insert billing record", err)
	}
	return nil
}

func reservedID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func (r *repoPG) InsertFiles(ctx context.Context, billingID int64, files []blobstore.Uploaded) ([]EvidenceFile, error) {
	names := make([]string, len(files))
	keys := make([]string, len(files))
	mimes := make([]string, len(files))
	sizes := make([]int64, len(files))
	for i, f := range files {
		names[i], keys[i], mimes[i], sizes[i] = f.Name, f.Key, f.ContentType, f.Size
	}

	rows, err := r.conn(ctx).Query(ctx, `
		INSERT INTO billing_evidence_files (billing_id, name, storage_key, mime_type, size_bytes)
		SELECT $1, u.name, u.storage_key, u.mime_type, u.size_bytes
		FROM unnest($2::text[], $3::text[], $4::text[], $5::bigint[])
			WITH ORDINALITY AS u(name, storage_key, mime_type, size_bytes, ord)
		ORDER BY u.ord
		RETURNING id, billing_id, name, storage_key, mime_type, size_bytes, created_at`,
		billingID, names, keys, mimes, sizes)
	if err != nil {
		return nil, wrapPgError("insert evidence files", err)
	}
	defer rows.Close()

	out := make([]EvidenceFile, 0, len(files))
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, wrapPgError("scan evidence file", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("insert evidence files", err)
	}
	return out, nil
}

func (r *repoPG) Get(ctx context.Context, id int64, scope Scope) (*Row, error) {
	query, args, err := getSQL(id, scope)
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}
	row, err := scanRow(r.conn(ctx).QueryRow(ctx, query, args...))
	if err != nil {
		return nil, wrapPgError("get billing record", err)
	}
	return row, nil
}

func (r *repoPG) GetOwned(ctx context.Context, id, therapistID int64) (*Record, error) {
	var rec Record
	err := scanRecordInto(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM billing_records b WHERE b.id = $1 AND b.therapist_id = $2 FOR UPDATE`,
		id, therapistID), &rec)
	if err != nil {
		return nil, wrapPgError("get owned billing record", err)
	}
	return &rec, nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter, scope Scope) ([]Row, int, error) {
	countQuery, countArgs, err := countSQL(f, scope)
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, wrapPgError("count billing records", err)
	}
	if total == 0 {
		return []Row{}, 0, nil
	}

	pageQuery, pageArgs, err := pageSQL(f, scope)
	if err != nil {
		return nil, 0, fmt.Errorf("build page query: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, pageQuery, pageArgs...)
	if err != nil {
		return nil, 0, wrapPgError("list billing records", err)
	}
	defer rows.Close()

	out := make([]Row, 0, f.Page.PageSize)
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, 0, wrapPgError("scan billing record", err)
		}
		out = append(out, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapPgError("list billing records", err)
	}
	return out, total, nil
}

func (r *repoPG) FilesFor(ctx context.Context, billingIDs []int64) (map[int64][]EvidenceFile, error) {
	out := make(map[int64][]EvidenceFile, len(billingIDs))
	if len(billingIDs) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+fileCols+` FROM billing_evidence_files f WHERE f.billing_id = ANY($1) ORDER BY f.billing_id, f.id`,
		billingIDs)
	if err != nil {
		return nil, wrapPgError("load evidence files", err)
	}
	defer rows.Close()
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, wrapPgError("scan evidence file", err)
		}
		out[f.BillingID] = append(out[f.BillingID], f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("load evidence files", err)
	}
	return out, nil
}

func (r *repoPG) GetFile(ctx context.Context, fileID int64, scope Scope) (*EvidenceFile, error) {
	query, args, err := fileSQL(fileID, scope)
	if err != nil {
		return nil, fmt.Errorf("build file query: %w", err)
	}
	f, err := scanFile(r.conn(ctx).QueryRow(ctx, query, args...))
	if err != nil {
		return nil, wrapPgError("get evidence file", err)
	}
	return &f, nil
}

func (r *repoPG) UpdateCorrection(ctx context.Context, rec *Record, expectedVersion int) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE billing_records SET start_time=$3, end_time=$4, attendance_type=$5, expense_requested=$6,
			note=$7, rejection_reason=$8, status='pending', reimbursed_amount=NULL,
			version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $2 AND status = 'rejected'
		RETURNING version, updated_at`,
		rec.ID, expectedVersion, rec.StartTime, rec.EndTime, rec.AttendanceType, rec.ExpenseRequested,
		rec.Note, rec.RejectionReason,
	).Scan(&rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: record %d changed since it was read", ErrConflict, rec.ID)
	}
	if err != nil {
		return wrapPgError("update billing record", err)
	}
	return nil
}

func (r *repoPG) DeleteFiles(ctx context.Context, billingID int64, fileIDs []int64) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`DELETE FROM billing_evidence_files WHERE billing_id = $1 AND id = ANY($2) RETURNING storage_key`,
		billingID, fileIDs)
	if err != nil {
		return nil, wrapPgError("delete evidence files", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrapPgError("delete evidence files", err)
	}
	return keys, nil
}

func (r *repoPG) Decide(ctx context.Context, ids []int64, d Decision, reviewerID int64, scope Scope) ([]int64, error) {
	query, args, err := decideSQL(ids, d, reviewerID, scope)
	if err != nil {
		return nil, fmt.Errorf("build decision query: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, wrapPgError("decide billing records", err)
	}
	changed, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, wrapPgError("decide billing records", err)
	}
	return changed, nil
}

func (r *repoPG) Delete(ctx context.Context, id int64) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT storage_key FROM billing_evidence_files WHERE billing_id = $1`, id)
	if err != nil {
		return nil, wrapPgError("load evidence keys", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrapPgError("load evidence keys", err)
	}

	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM billing_records WHERE id = $1`, id)
	if err != nil {
		return nil, wrapPgError("delete billing record", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return keys, nil
}

func (r *repoPG) RecordsInRange(ctx context.Context, therapistID int64, from, to time.Time) ([]Record, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+` FROM billing_records b
		WHERE b.therapist_id = $1 AND b.start_time >= $2 AND b.start_time < $3
		ORDER BY b.start_time`,
		therapistID, from, to)
	if err != nil {
		return nil, wrapPgError("load records for summary", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := scanRecordInto(rows, &rec); err != nil {
			return nil, wrapPgError("scan billing record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("load records for summary", err)
	}
	return out, nil
}

func (r *repoPG) Rates(ctx context.Context, therapistID int64) ([]RateTable, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT therapist_id, client_id, session_rate, home_care_rate,
			materials_hourly, supervision_hourly, meeting_hourly
		FROM therapist_client_rates WHERE therapist_id = $1`, therapistID)
	if err != nil {
		return nil, wrapPgError("load rate tables", err)
	}
	defer rows.Close()

	var out []RateTable
	for rows.Next() {
		var rt RateTable
		if err := rows.Scan(&rt.TherapistID, &rt.ClientID, &rt.SessionRate, &rt.HomeCareRate,
			&rt.MaterialsHourly, &rt.SupervisionHourly, &rt.MeetingHourly); err != nil {
			return nil, wrapPgError("scan rate table", err)
		}
		out = append(out, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("load rate tables", err)
	}
	return out, nil
}

// =========== Team directory ===========

type teamDirectoryPG struct{ pool *pgxpool.Pool }

// NewTeamDirectoryPG lists teams from the therapists.supervisor_id relation.
func NewTeamDirectoryPG(pool *pgxpool.Pool) TeamDirectory { return &teamDirectoryPG{pool: pool} }

func (t *teamDirectoryPG) TeamOf(ctx context.Context, supervisorID int64) ([]int64, error) {
	rows, err := db.From(ctx, t.pool).Query(ctx,
		`SELECT id FROM therapists WHERE supervisor_id = $1 ORDER BY id`, supervisorID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}
