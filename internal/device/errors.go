package device

import "errors"

// Error taxonomy shared by every device class and the surfaces above them.
// Drivers wrap their native failures with %w around one of these sentinels
// so callers can classify with errors.Is without knowing the vendor SDK.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrDisconnected     = errors.New("disconnected")
	ErrRange            = errors.New("value out of range")
	ErrNotFound         = errors.New("not found")
	ErrDriver           = errors.New("driver error")
	ErrTimeout          = errors.New("operation timed out")
	ErrSessionClosed    = errors.New("session closed")
	ErrInternal         = errors.New("internal error")
)

// Kind maps an error chain to its taxonomy name. Used by the tool surface
// for the {error: <kind>} payload and by tests.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyConnected):
		return "already_connected"
	case errors.Is(err, ErrDisconnected):
		return "disconnected"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrRange):
		return "range_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrDriver):
		return "driver_error"
	default:
		return "internal"
	}
}
