package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

var sixty = decimal.NewFromInt(60)

// Totals accumulates records, billed minutes and charged amount.
type Totals struct {
	Count   int             `json:"count"`
	Minutes int             `json:"minutes"`
	Amount  decimal.Decimal `json:"amount"`
}

func (t *Totals) add(minutes int, amount decimal.Decimal) {
	t.Count++
	t.Minutes += minutes
	t.Amount = t.Amount.Add(amount)
}

// Summary is a therapist's billing over a closed range of days.
type Summary struct {
	TherapistID int64                     `json:"therapist_id"`
	From        string                    `json:"from"`
	To          string                    `json:"to"`
	ByType      map[AttendanceType]Totals `json:"by_attendance_type"`
	ByStatus    map[Status]Totals         `json:"by_status"`
	Total       Totals                    `json:"total"`
	Reimbursed  decimal.Decimal           `json:"reimbursed"`
	// Unpriced counts records whose client has no rate table; they add
	// minutes but no amount.
	Unpriced int `json:"unpriced"`
}

// Charge prices one record. Per-record types use the flat rate, hourly types
// are prorated by the minute and rounded to cents.
func (rt RateTable) Charge(r Record) decimal.Decimal {
	var hourly decimal.Decimal
	switch r.AttendanceType {
	case AttendanceInClinic:
		return rt.SessionRate
	case AttendanceHomeCare:
		return rt.HomeCareRate
	case AttendanceMaterials:
		hourly = rt.MaterialsHourly
	case AttendanceSupervision:
		hourly = rt.SupervisionHourly
	case AttendanceMeeting:
		hourly = rt.MeetingHourly
	default:
		return decimal.Zero
	}
	minutes := decimal.NewFromInt(int64(r.Duration() / time.Minute))
	return hourly.Mul(minutes).Div(sixty).Round(2)
}

// Summarize reduces records with the therapist's per-client rates.
func Summarize(therapistID int64, from, to time.Time, records []Record, rates []RateTable) *Summary {
	byClient := make(map[int64]RateTable, len(rates))
	for _, rt := range rates {
		byClient[rt.ClientID] = rt
	}

	sum := &Summary{
		TherapistID: therapistID,
		From:        from.Format(time.DateOnly),
		To:          to.Format(time.DateOnly),
		ByType:      make(map[AttendanceType]Totals),
		ByStatus:    make(map[Status]Totals),
	}
	for _, r := range records {
		minutes := int(r.Duration() / time.Minute)
		amount := decimal.Zero
		if rt, ok := byClient[r.ClientID]; ok {
			amount = rt.Charge(r)
		} else {
			sum.Unpriced++
		}

		t := sum.ByType[r.AttendanceType]
		t.add(minutes, amount)
		sum.ByType[r.AttendanceType] = t

		st := sum.ByStatus[r.Status]
		st.add(minutes, amount)
		sum.ByStatus[r.Status] = st

		sum.Total.add(minutes, amount)
		if r.Status == StatusApproved && r.ReimbursedAmount != nil {
			sum.Reimbursed = sum.Reimbursed.Add(*r.ReimbursedAmount)
		}
	}
	return sum
}
