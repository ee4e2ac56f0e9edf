package billing

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/platform/blobstore"
)

// AttendanceType classifies the activity a record bills for.
type AttendanceType string

const (
	AttendanceInClinic    AttendanceType = "in-clinic"
	AttendanceHomeCare    AttendanceType = "home-care"
	AttendanceMaterials   AttendanceType = "materials"
	AttendanceSupervision AttendanceType = "supervision"
	AttendanceMeeting     AttendanceType = "meeting"
)

var attendanceTypes = []AttendanceType{
	AttendanceInClinic, AttendanceHomeCare, AttendanceMaterials, AttendanceSupervision, AttendanceMeeting,
}

func (a AttendanceType) Valid() bool {
	return slices.Contains(attendanceTypes, a)
}

// Hourly reports whether the type is charged by duration rather than per
// record.
func (a AttendanceType) Hourly() bool {
	return a == AttendanceMaterials || a == AttendanceSupervision || a == AttendanceMeeting
}

// Record maps to the billing_records table.
type Record struct {
	ID               int64            `json:"id"`
	ClientID         int64            `json:"client_id"`
	TherapistID      int64            `json:"therapist_id"`
	SessionID        *int64           `json:"session_id,omitempty"`
	EvolutionID      *int64           `json:"evolution_id,omitempty"`
	MeetingMinutesID *int64           `json:"meeting_minutes_id,omitempty"`
	StartTime        time.Time        `json:"start_time"`
	EndTime          time.Time        `json:"end_time"`
	AttendanceType   AttendanceType   `json:"attendance_type"`
	ExpenseRequested bool             `json:"expense_requested"`
	Note             *string          `json:"note,omitempty"`
	Status           Status           `json:"status"`
	ReimbursedAmount *decimal.Decimal `json:"reimbursed_amount,omitempty"`
	RejectionReason  *string          `json:"rejection_reason,omitempty"`
	Version          int              `json:"version"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	Files            []EvidenceFile   `json:"files"`
}

func (r *Record) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// EvidenceFile maps to billing_evidence_files.
type EvidenceFile struct {
	ID         int64     `json:"id"`
	BillingID  int64     `json:"billing_id"`
	Name       string    `json:"name"`
	StorageKey string    `json:"-"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// Row is the flattened projection returned by listing, reads and decisions.
type Row struct {
	Record
	ClientName      string `json:"client_name"`
	TherapistName   string `json:"therapist_name"`
	DurationMinutes int    `json:"duration_minutes"`
	FileCount       int    `json:"file_count"`
}

func (r *Row) attach(files []EvidenceFile) {
	if files == nil {
		files = []EvidenceFile{}
	}
	r.Files = files
	r.FileCount = len(files)
}

// RateTable holds the amounts negotiated for one therapist/client pair.
type RateTable struct {
	TherapistID       int64           `json:"therapist_id"`
	ClientID          int64           `json:"client_id"`
	SessionRate       decimal.Decimal `json:"session_rate"`
	HomeCareRate      decimal.Decimal `json:"home_care_rate"`
	MaterialsHourly   decimal.Decimal `json:"materials_hourly"`
	SupervisionHourly decimal.Decimal `json:"supervision_hourly"`
	MeetingHourly     decimal.Decimal `json:"meeting_hourly"`
}

// Caller is the authenticated staff member performing an operation.
type Caller struct {
	ID    int64
	Roles []string
}

func (c Caller) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// Interval is the wire form of a billed time span: a calendar date plus
// wall-clock start and end times, all read as UTC.
type Interval struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

var clockLayouts = []string{"15:04", "15:04:05"}

func parseClock(date, clock string) (time.Time, error) {
	for _, layout := range clockLayouts {
		if t, err := time.ParseInLocation("2006-01-02 "+layout, date+" "+clock, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: invalid date/time %q %q", ErrValidation, date, clock)
}

// Resolve composes the UTC start and end instants.
func (i Interval) Resolve() (time.Time, time.Time, error) {
	if strings.TrimSpace(i.Date) == "" || strings.TrimSpace(i.StartTime) == "" || strings.TrimSpace(i.EndTime) == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: date, start_time and end_time are required", ErrValidation)
	}
	start, err := parseClock(i.Date, i.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseClock(i.Date, i.EndTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end_time must be after start_time", ErrValidation)
	}
	return start, end, nil
}

// CreateInput is the payload of a new billing record.
type CreateInput struct {
	ClientID    int64 `json:"client_id"`
	TherapistID int64 `json:"therapist_id"`
	Interval
	AttendanceType   AttendanceType   `json:"attendance_type"`
	ExpenseRequested bool             `json:"expense_requested"`
	Note             *string          `json:"note,omitempty"`
	SessionID        *int64           `json:"session_id,omitempty"`
	EvolutionID      *int64           `json:"evolution_id,omitempty"`
	MeetingMinutesID *int64           `json:"meeting_minutes_id,omitempty"`
	Files            []blobstore.File `json:"-"`
}

// record validates the input and builds the pending record it describes.
func (in CreateInput) record() (*Record, error) {
	if in.ClientID <= 0 || in.TherapistID <= 0 {
		return nil, fmt.Errorf("%w: client_id and therapist_id are required", ErrValidation)
	}
	start, end, err := in.Interval.Resolve()
	if err != nil {
		return nil, err
	}
	if !in.AttendanceType.Valid() {
		return nil, fmt.Errorf("%w: unknown attendance_type %q", ErrValidation, in.AttendanceType)
	}
	refs := 0
	for _, ref := range []*int64{in.SessionID, in.EvolutionID, in.MeetingMinutesID} {
		if ref != nil {
			if *ref <= 0 {
				return nil, fmt.Errorf("%w: activity references must be positive", ErrValidation)
			}
			refs++
		}
	}
	if refs > 1 {
		return nil, fmt.Errorf("%w: at most one of session_id, evolution_id, meeting_minutes_id may be set", ErrValidation)
	}
	if err := validateFiles(in.Files); err != nil {
		return nil, err
	}
	return &Record{
		ClientID:         in.ClientID,
		TherapistID:      in.TherapistID,
		SessionID:        in.SessionID,
		EvolutionID:      in.EvolutionID,
		MeetingMinutesID: in.MeetingMinutesID,
		StartTime:        start,
		EndTime:          end,
		AttendanceType:   in.AttendanceType,
		ExpenseRequested: in.ExpenseRequested,
		Note:             trimmed(in.Note),
		Status:           StatusPending,
	}, nil
}

// CorrectionInput amends a rejected record.
type CorrectionInput struct {
	Interval
	AttendanceType   AttendanceType   `json:"attendance_type"`
	ExpenseRequested bool             `json:"expense_requested"`
	Note             *string          `json:"note,omitempty"`
	Comment          string           `json:"comment"`
	RemoveFileIDs    []int64          `json:"remove_file_ids,omitempty"`
	Files            []blobstore.File `json:"-"`
}

func (in CorrectionInput) validate() (time.Time, time.Time, error) {
	start, end, err := in.Interval.Resolve()
	if err != nil {
		return start, end, err
	}
	if !in.AttendanceType.Valid() {
		return start, end, fmt.Errorf("%w: unknown attendance_type %q", ErrValidation, in.AttendanceType)
	}
	return start, end, validateFiles(in.Files)
}

func validateFiles(files []blobstore.File) error {
	for _, f := range files {
		if strings.TrimSpace(f.Name) == "" || f.Open == nil {
			return fmt.Errorf("%w: every evidence file needs a name and content", ErrValidation)
		}
		if err := f.Check(); err != nil {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	return nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}
