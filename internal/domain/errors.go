package domain

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadyInProgress = errors.New("already in progress")
	ErrNotReady          = errors.New("card not ready")
	ErrUnavailable       = errors.New("service unavailable")

	// Stage failures. Adapters wrap the classified provider error with one of these.
	ErrRecognitionFailed = errors.New("recognition failure")
	ErrGenerationFailed  = errors.New("generation failure")
	ErrSendFailed        = errors.New("send failure")
)

// ErrorCode maps an error onto the stable reason code stored in CardError and
// reported in batch-send outcomes.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyInProgress):
		return "already_in_progress"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrRecognitionFailed):
		return "recognition_failure"
	case errors.Is(err, ErrGenerationFailed):
		return "generation_failure"
	case errors.Is(err, ErrSendFailed):
		return "send_failure"
	default:
		return "internal_error"
	}
}
