package billing

import (
	"context"
	"errors"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/blobstore"
)

// Staff used across the tests. Supervisor 10 manages therapist 1; therapist
// 2 has no supervisor.
const (
	therapist1 int64 = 1
	therapist2 int64 = 2
	supervisor int64 = 10
	financeID  int64 = 20
	adminID    int64 = 30
	client1    int64 = 100
	client2    int64 = 200
)

var (
	asTherapist1 = Caller{ID: therapist1, Roles: []string{auth.RoleTherapist}}
	asTherapist2 = Caller{ID: therapist2, Roles: []string{auth.RoleTherapist}}
	asSupervisor = Caller{ID: supervisor, Roles: []string{auth.RoleSupervisor}}
	asFinance    = Caller{ID: financeID, Roles: []string{auth.RoleFinance}}
	asAdmin      = Caller{ID: adminID, Roles: []string{auth.RoleAdmin}}
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// =========== Repository ===========

type repoState struct {
	records    map[int64]Record
	files      map[int64]EvidenceFile
	nextID     int64
	nextFileID int64
}

func (s repoState) clone() repoState {
	return repoState{
		records:    maps.Clone(s.records),
		files:      maps.Clone(s.files),
		nextID:     s.nextID,
		nextFileID: s.nextFileID,
	}
}

type fakeRepo struct {
	mu         sync.Mutex
	state      repoState
	clients    map[int64]string
	therapists map[int64]string
	rates      []RateTable

	insertFilesErr error
	// beforeCorrection runs inside UpdateCorrection before the version check.
	beforeCorrection func(r *repoState, id int64)
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		state: repoState{records: map[int64]Record{}, files: map[int64]EvidenceFile{}},
		clients: map[int64]string{
			client1: "Ana Souza",
			client2: "Bruno Lima",
		},
		therapists: map[int64]string{
			therapist1: "Carla Dias",
			therapist2: "Davi Reis",
			financeID:  "Elisa Prado",
		},
	}
}

func (f *fakeRepo) snapshot() repoState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.clone()
}

func (f *fakeRepo) restore(s repoState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeRepo) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.state.records)
}

func (f *fakeRepo) fileCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.state.files)
}

func (f *fakeRepo) record(id int64) Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.records[id]
}

func (f *fakeRepo) NextID(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.nextID++
	return f.state.nextID, nil
}

func (f *fakeRepo) Insert(_ context.Context, r *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.ID == 0 {
		f.state.nextID++
		r.ID = f.state.nextID
	}
	r.Version = 1
	r.CreatedAt = epoch.Add(time.Duration(r.ID) * time.Minute)
	r.UpdatedAt = r.CreatedAt
	f.state.records[r.ID] = *r
	return nil
}

func (f *fakeRepo) InsertFiles(_ context.Context, billingID int64, files []blobstore.Uploaded) ([]EvidenceFile, error) {
	if f.insertFilesErr != nil {
		return nil, f.insertFilesErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EvidenceFile, 0, len(files))
	for _, u := range files {
		f.state.nextFileID++
		ef := EvidenceFile{
			ID:         f.state.nextFileID,
			BillingID:  billingID,
			Name:       u.Name,
			StorageKey: u.Key,
			MimeType:   u.ContentType,
			Size:       u.Size,
			CreatedAt:  epoch,
		}
		f.state.files[ef.ID] = ef
		out = append(out, ef)
	}
	return out, nil
}

func (f *fakeRepo) row(r Record) Row {
	row := Row{Record: r, ClientName: f.clients[r.ClientID], TherapistName: f.therapists[r.TherapistID]}
	row.DurationMinutes = int(row.Duration().Minutes())
	return row
}

func (f *fakeRepo) Get(_ context.Context, id int64, scope Scope) (*Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.state.records[id]
	if !ok || !scope.Allows(r.TherapistID) {
		return nil, ErrNotFound
	}
	row := f.row(r)
	return &row, nil
}

func (f *fakeRepo) GetOwned(_ context.Context, id, therapistID int64) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.state.records[id]
	if !ok || r.TherapistID != therapistID {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (f *fakeRepo) matches(r Record, lf ListFilter, scope Scope) bool {
	if !scope.Allows(r.TherapistID) {
		return false
	}
	if q := strings.TrimSpace(lf.Query); q != "" &&
		!strings.Contains(strings.ToLower(f.clients[r.ClientID]), strings.ToLower(q)) {
		return false
	}
	if lf.ClientID > 0 && r.ClientID != lf.ClientID {
		return false
	}
	if lf.Status != "" && r.Status != lf.Status {
		return false
	}
	if lf.CreatedFrom != nil && r.CreatedAt.Before(*lf.CreatedFrom) {
		return false
	}
	if lf.CreatedTo != nil && !r.CreatedAt.Before(lf.CreatedTo.AddDate(0, 0, 1)) {
		return false
	}
	return true
}

func (f *fakeRepo) List(_ context.Context, lf ListFilter, scope Scope) ([]Row, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []Row
	for _, r := range f.state.records {
		if f.matches(r, lf, scope) {
			all = append(all, f.row(r))
		}
	}
	slices.SortFunc(all, func(a, b Row) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return int(b.ID - a.ID)
	})
	total := len(all)
	start := min(lf.Page.Offset(), total)
	end := min(start+lf.Page.PageSize, total)
	return all[start:end], total, nil
}

func (f *fakeRepo) FilesFor(_ context.Context, ids []int64) (map[int64][]EvidenceFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[int64][]EvidenceFile{}
	for _, ef := range f.state.files {
		if slices.Contains(ids, ef.BillingID) {
			out[ef.BillingID] = append(out[ef.BillingID], ef)
		}
	}
	for id := range out {
		slices.SortFunc(out[id], func(a, b EvidenceFile) int { return int(a.ID - b.ID) })
	}
	return out, nil
}

func (f *fakeRepo) GetFile(_ context.Context, fileID int64, scope Scope) (*EvidenceFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ef, ok := f.state.files[fileID]
	if !ok || !scope.Allows(f.state.records[ef.BillingID].TherapistID) {
		return nil, ErrNotFound
	}
	return &ef, nil
}

func (f *fakeRepo) UpdateCorrection(_ context.Context, r *Record, expectedVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beforeCorrection != nil {
		f.beforeCorrection(&f.state, r.ID)
	}
	cur, ok := f.state.records[r.ID]
	if !ok || cur.Version != expectedVersion || cur.Status != StatusRejected {
		return ErrConflict
	}
	r.Status = StatusPending
	r.ReimbursedAmount = nil
	r.Version = cur.Version + 1
	r.UpdatedAt = cur.UpdatedAt.Add(time.Second)
	f.state.records[r.ID] = *r
	return nil
}

func (f *fakeRepo) DeleteFiles(_ context.Context, billingID int64, fileIDs []int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for _, id := range fileIDs {
		if ef, ok := f.state.files[id]; ok && ef.BillingID == billingID {
			keys = append(keys, ef.StorageKey)
			delete(f.state.files, id)
		}
	}
	return keys, nil
}

func (f *fakeRepo) Decide(_ context.Context, ids []int64, d Decision, reviewerID int64, scope Scope) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var changed []int64
	for _, id := range ids {
		r, ok := f.state.records[id]
		if !ok || r.Status != StatusPending || r.TherapistID == reviewerID || !scope.Allows(r.TherapistID) {
			continue
		}
		r.Status = d.To
		r.Version++
		switch d.To {
		case StatusApproved:
			r.RejectionReason = nil
			r.ReimbursedAmount = d.Amount
		case StatusRejected:
			r.ReimbursedAmount = nil
			reason := d.Reason
			r.RejectionReason = &reason
		}
		f.state.records[id] = r
		changed = append(changed, id)
	}
	return changed, nil
}

func (f *fakeRepo) Delete(_ context.Context, id int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.state.records[id]; !ok {
		return nil, ErrNotFound
	}
	var keys []string
	for fid, ef := range f.state.files {
		if ef.BillingID == id {
			keys = append(keys, ef.StorageKey)
			delete(f.state.files, fid)
		}
	}
	delete(f.state.records, id)
	return keys, nil
}

func (f *fakeRepo) RecordsInRange(_ context.Context, therapistID int64, from, to time.Time) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for _, r := range f.state.records {
		if r.TherapistID == therapistID && !r.StartTime.Before(from) && r.StartTime.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRepo) Rates(_ context.Context, therapistID int64) ([]RateTable, error) {
	var out []RateTable
	for _, rt := range f.rates {
		if rt.TherapistID == therapistID {
			out = append(out, rt)
		}
	}
	return out, nil
}

// =========== Transactions ===========

// fakeTx rolls the repository back to its state at begin when fn or the
// commit fails.
type fakeTx struct {
	repo      *fakeRepo
	commitErr error
	opts      []pgx.TxOptions
}

func (t *fakeTx) RunInTx(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context) error) error {
	t.opts = append(t.opts, opts)
	before := t.repo.snapshot()
	if err := fn(context.WithValue(ctx, inTxKey{}, true)); err != nil {
		t.repo.restore(before)
		return err
	}
	if t.commitErr != nil {
		t.repo.restore(before)
		return t.commitErr
	}
	return nil
}

// =========== Blob store ===========

type inTxKey struct{}

// flakyStore fails Put for names containing failName and counts every Put,
// separately noting those made inside a fakeTx.
type flakyStore struct {
	*blobstore.InMemoryBlobStore
	failName string
	puts     atomic.Int32
	txPuts   atomic.Int32
}

func (s *flakyStore) Put(ctx context.Context, key, contentType string, content io.Reader) (*blobstore.Object, error) {
	s.puts.Add(1)
	if ctx.Value(inTxKey{}) != nil {
		s.txPuts.Add(1)
	}
	if s.failName != "" && strings.Contains(key, s.failName) {
		return nil, errors.New("object store unavailable")
	}
	return s.InMemoryBlobStore.Put(ctx, key, contentType, content)
}

func evidence(name, content string) blobstore.File {
	return blobstore.File{
		Name:        name,
		ContentType: "application/pdf",
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

// =========== Scope ===========

type fakeTeams struct {
	teams map[int64][]int64
	err   error
	calls int
}

func (t *fakeTeams) TeamOf(_ context.Context, supervisorID int64) ([]int64, error) {
	t.calls++
	if t.err != nil {
		return nil, t.err
	}
	return t.teams[supervisorID], nil
}

// =========== Fixture ===========

type fixture struct {
	svc   *Service
	repo  *fakeRepo
	tx    *fakeTx
	store *flakyStore
}

func newFixture() *fixture {
	repo := newFakeRepo()
	tx := &fakeTx{repo: repo}
	store := &flakyStore{InMemoryBlobStore: blobstore.NewInMemoryBlobStore()}
	teams := &fakeTeams{teams: map[int64][]int64{supervisor: {therapist1}}}
	scopes := NewScopeResolver(teams, zerolog.Nop())
	return &fixture{
		svc:   NewService(repo, tx, store, scopes, zerolog.Nop()),
		repo:  repo,
		tx:    tx,
		store: store,
	}
}

// homeCare is the 2025-03-10 09:00-10:30 home visit of client1 by therapist1.
func homeCare() CreateInput {
	return CreateInput{
		ClientID:    client1,
		TherapistID: therapist1,
		Interval: Interval{
			Date:      "2025-03-10",
			StartTime: "09:00",
			EndTime:   "10:30",
		},
		AttendanceType: AttendanceHomeCare,
	}
}

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
