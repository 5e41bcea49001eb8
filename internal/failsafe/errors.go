package failsafe

import "errors"

var (
	// ErrNotFound is returned when a referenced event or alert does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyClaimed is returned when an alert is no longer NEW for the caller.
	ErrAlreadyClaimed = errors.New("alert already claimed")
	// ErrEventNotActive is returned when the parent event is assigned or resolved.
	ErrEventNotActive  = errors.New("event not active")
	ErrInvalidLocation = errors.New("invalid location")
	ErrInvalidRequest  = errors.New("invalid request")
	// ErrNotConnected is a delivery failure: the target has no live session.
	ErrNotConnected = errors.New("recipient not connected")
	// ErrEscalationNotArmed means the escalation was already fired or cancelled.
	ErrEscalationNotArmed = errors.New("escalation not armed")
)

// IsConflict reports whether err means "too late" to the caller.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrEventNotActive)
}
