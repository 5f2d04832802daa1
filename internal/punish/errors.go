package punish

import "errors"

var (
	// ErrActuatorPermissionDenied means Discord refused a role change for lack of hierarchy.
	ErrActuatorPermissionDenied = errors.New("missing permission to change roles")
	ErrAlreadyPunished          = errors.New("member is already punished")
	ErrNotPunished              = errors.New("member is not punished")
	ErrDurationTooLong          = errors.New("duration exceeds the timer limit")
	ErrInvalidDuration          = errors.New("invalid duration")
	ErrMemberNotFound           = errors.New("member could not be resolved")
	ErrRoleNotConfigured        = errors.New("punishment role is not configured")
	ErrUnknownKind              = errors.New("unknown punishment kind")
)
