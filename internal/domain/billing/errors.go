package billing

import "errors"

var (
	ErrNotFound          = errors.New("billing record not found")
	ErrUploadFailed      = errors.New("evidence upload failed")
	ErrValidation        = errors.New("invalid billing data")
	ErrPersistence       = errors.New("billing persistence failed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("billing record was modified concurrently")
	ErrForbidden         = errors.New("operation not permitted for caller")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "BILLING_NOT_FOUND"},
	{ErrUploadFailed, "UPLOAD_FAILED"},
	{ErrValidation, "VALIDATION_ERROR"},
	{ErrInvalidTransition, "INVALID_TRANSITION"},
	{ErrConflict, "CONFLICT"},
	{ErrForbidden, "FORBIDDEN"},
	{ErrPersistence, "PERSISTENCE_FAILURE"},
}

// ErrorCode returns the stable wire code for err, or INTERNAL_ERROR.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "INTERNAL_ERROR"
}
