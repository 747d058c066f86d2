package store

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyClaimed     = errors.New("queue already claimed")
	ErrInvalidTransition  = errors.New("invalid queue transition")
	ErrNotAuthorized      = errors.New("admin not authorized")
	ErrInvalidReference   = errors.New("invalid reference")
	ErrServiceInactive    = errors.New("service inactive")
	ErrAlreadyUsed        = errors.New("link already used")
	ErrExpired            = errors.New("link expired")
	ErrInvalidInput       = errors.New("invalid input")
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Kind names the taxonomy bucket of err. Unknown errors are "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrInvalidReference):
		return "invalid_reference"
	case errors.Is(err, ErrServiceInactive):
		return "service_inactive"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	default:
		return "internal"
	}
}
