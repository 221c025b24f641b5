package app

import "errors"

// Client input errors. Handlers translate these to 400/401/403/409; anything
// else coming out of the app is an internal failure and must surface to the
// caller only as a generic 500.
var (
	ErrInvalidRequest       = errors.New("invalid request format")
	ErrMissingSessionFields = errors.New("missing session_id or start_time")
	ErrInvalidSessionID     = errors.New("session_id must be a UUID")
	ErrInvalidStartTime     = errors.New("invalid start_time format, use ISO 8601")
	ErrInvalidEndTime       = errors.New("invalid end_time format, use ISO 8601")
	ErrMissingSensorType    = errors.New("sensor_data item missing sensor_type")
	ErrMissingTimestamp     = errors.New("sensor_data item missing timestamp")
	ErrBatchTooLarge        = errors.New("sensor_data batch exceeds maximum size")

	ErrInvalidPage         = errors.New("page must be >= 1")
	ErrInvalidPageSize     = errors.New("page size must be between 1 and 100")
	ErrInvalidLastSyncTime = errors.New("invalid last_sync_time format, use ISO 8601")

	ErrMissingFields      = errors.New("missing required fields")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrEmailTaken         = errors.New("email already exists")
	ErrDeviceTaken        = errors.New("device already registered")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserDisabled       = errors.New("user account is disabled")
)

var clientInputErrors = []error{
	ErrInvalidRequest,
	ErrMissingSessionFields,
	ErrInvalidSessionID,
	ErrInvalidStartTime,
	ErrInvalidEndTime,
	ErrMissingSensorType,
	ErrMissingTimestamp,
	ErrBatchTooLarge,
	ErrInvalidPage,
	ErrInvalidPageSize,
	ErrInvalidLastSyncTime,
	ErrMissingFields,
}

// IsClientInput reports whether err is a request-shape problem the caller
// can fix, as opposed to a store or server fault.
func IsClientInput(err error) bool {
	for _, sentinel := range clientInputErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
