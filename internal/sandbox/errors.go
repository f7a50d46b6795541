package sandbox

import "errors"

// Error kinds surfaced by the manager. The REST façade maps these (plus the
// transport and VMM sentinels from guestrpc/vmm/artifacts/overlay) onto HTTP
// statuses.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("sandbox not found")
	ErrWrongState     = errors.New("operation not permitted in current state")
	ErrAtCapacity     = errors.New("at capacity")
)

// GuestError carries a guest agent failure (success:false) verbatim.
type GuestError struct {
	Msg string
}

func (e *GuestError) Error() string { return e.Msg }
