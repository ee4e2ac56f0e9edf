package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/clinic/clinic/pkg/pagination"
)

var dialect = goqu.Dialect("postgres")

// ListFilter narrows a listing. Zero fields do not filter.
type ListFilter struct {
	Query       string
	ClientID    int64
	Status      Status
	CreatedFrom *time.Time
	CreatedTo   *time.Time // inclusive day
	Page        pagination.Params
}

func (f ListFilter) validate() error {
	if f.Status != "" && !f.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
	}
	if f.ClientID < 0 {
		return fmt.Errorf("%w: invalid client_id", ErrValidation)
	}
	if f.CreatedFrom != nil && f.CreatedTo != nil && f.CreatedTo.Before(*f.CreatedFrom) {
		return fmt.Errorf("%w: created_to is before created_from", ErrValidation)
	}
	return nil
}

const recordCols = `b.id, b.client_id, b.therapist_id, b.session_id, b.evolution_id, b.meeting_minutes_id,
	b.start_time, b.end_time, b.attendance_type, b.expense_requested, b.note, b.status,
	b.reimbursed_amount, b.rejection_reason, b.version, b.created_at, b.updated_at`

const rowCols = recordCols + `, c.name, t.name`

const fileCols = `f.id, f.billing_id, f.name, f.storage_key, f.mime_type, f.size_bytes, f.created_at`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// where builds the filter and scope conditions shared by every query that
// returns billing rows. Counting and paging must use the same conditions.
func (f ListFilter) where(scope Scope) []exp.Expression {
	var conds []exp.Expression
	if p := scope.predicate(goqu.I("b.therapist_id")); p != nil {
		conds = append(conds, p)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		conds = append(conds, goqu.I("c.name").ILike("%"+likeEscaper.Replace(q)+"%"))
	}
	if f.ClientID > 0 {
		conds = append(conds, goqu.I("b.client_id").Eq(f.ClientID))
	}
	if f.Status != "" {
		conds = append(conds, goqu.I("b.status").Eq(string(f.Status)))
	}
	if f.CreatedFrom != nil {
		conds = append(conds, goqu.I("b.created_at").Gte(*f.CreatedFrom))
	}
	if f.CreatedTo != nil {
		conds = append(conds, goqu.I("b.created_at").Lt(f.CreatedTo.AddDate(0, 0, 1)))
	}
	return conds
}

func rowsDataset(conds []exp.Expression) *goqu.SelectDataset {
	return dialect.From(goqu.T("billing_records").As("b")).
		Join(goqu.T("clients").As("c"), goqu.On(goqu.I("c.id").Eq(goqu.I("b.client_id")))).
		Join(goqu.T("therapists").As("t"), goqu.On(goqu.I("t.id").Eq(goqu.I("b.therapist_id")))).
		Where(conds...).
		Prepared(true)
}

func countSQL(f ListFilter, scope Scope) (string, []interface{}, error) {
	return rowsDataset(f.where(scope)).Select(goqu.COUNT("*")).ToSQL()
}

func pageSQL(f ListFilter, scope Scope) (string, []interface{}, error) {
	return rowsDataset(f.where(scope)).
		Select(goqu.L(rowCols)).
		Order(goqu.I("b.created_at").Desc(), goqu.I("b.id").Desc()).
		Limit(uint(f.Page.PageSize)).
		Offset(uint(f.Page.Offset())).
		ToSQL()
}

func getSQL(id int64, scope Scope) (string, []interface{}, error) {
	conds := append(ListFilter{}.where(scope), goqu.I("b.id").Eq(id))
	return rowsDataset(conds).Select(goqu.L(rowCols)).ToSQL()
}

func fileSQL(fileID int64, scope Scope) (string, []interface{}, error) {
	conds := []exp.Expression{goqu.I("f.id").Eq(fileID)}
	if p := scope.predicate(goqu.I("b.therapist_id")); p != nil {
		conds = append(conds, p)
	}
	return dialect.From(goqu.T("billing_evidence_files").As("f")).
		Join(goqu.T("billing_records").As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("f.billing_id")))).
		Select(goqu.L(fileCols)).
		Where(conds...).
		Prepared(true).
		ToSQL()
}

// decideSQL moves pending records in ids to d.To, skipping records outside
// scope and records submitted by the reviewer.
func decideSQL(ids []int64, d Decision, reviewerID int64, scope Scope) (string, []interface{}, error) {
	set := goqu.Record{
		"status":     string(d.To),
		"version":    goqu.L("version + 1"),
		"updated_at": goqu.L("NOW()"),
	}
	switch d.To {
	case StatusApproved:
		set["rejection_reason"] = nil
		if d.Amount != nil {
			set["reimbursed_amount"] = d.Amount.String()
		} else {
			set["reimbursed_amount"] = nil
		}
	case StatusRejected:
		set["reimbursed_amount"] = nil
		set["rejection_reason"] = d.Reason
	}

	conds := []exp.Expression{
		goqu.C("id").In(ids),
		goqu.C("status").Eq(string(StatusPending)),
		goqu.C("therapist_id").Neq(reviewerID),
	}
	if p := scope.predicate(goqu.C("therapist_id")); p != nil {
		conds = append(conds, p)
	}
	return dialect.Update("billing_records").
		Set(set).
		Where(conds...).
		Returning("id").
		Prepared(true).
		ToSQL()
}
