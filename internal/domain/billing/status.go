package billing

import "slices"

// Status is the approval state of a billing record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// transitions lists every allowed status change. Approved is terminal;
// rejected records re-enter the queue only through a correction.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusRejected: {StatusPending},
}

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusApproved || s == StatusRejected
}

func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}
