package collaboration

import "errors"

// Session and gateway errors. Operations wrap these with context, so callers
// should compare with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrAlreadyLocked    = errors.New("element already locked")
	ErrNotLocked        = errors.New("element not locked")
	ErrNotOwner         = errors.New("lock owned by another participant")
	ErrMalformed        = errors.New("malformed message")
)

// Wire codes carried in failure events.
const (
	CodeNotFound         = "NOT_FOUND"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeAlreadyLocked    = "ALREADY_LOCKED"
	CodeNotLocked        = "NOT_LOCKED"
	CodeNotOwner         = "NOT_OWNER"
	CodeMalformed        = "MALFORMED"
	CodeInternal         = "INTERNAL"
)

// ErrorCode maps an operation error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrAlreadyLocked):
		return CodeAlreadyLocked
	case errors.Is(err, ErrNotLocked):
		return CodeNotLocked
	case errors.Is(err, ErrNotOwner):
		return CodeNotOwner
	case errors.Is(err, ErrMalformed):
		return CodeMalformed
	default:
		return CodeInternal
	}
}
