package videocall

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthorization means the caller is not a party to the consultation or
	// lacks the role the operation needs. Never retried.
	ErrAuthorization = errors.New("caller is not authorized for this video session")
	// ErrInvalidState means the requested transition is illegal from the
	// session's current status. The caller should re-fetch the session.
	ErrInvalidState = errors.New("invalid video session state")
	// ErrConflict means the create path kept colliding with concurrent
	// writers and gave up after its bounded retries.
	ErrConflict = errors.New("video session create conflict")

	ErrSessionNotFound      = errors.New("video session not found")
	ErrConsultationNotFound = errors.New("consultation not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrInvalidEvent         = errors.New("invalid participant event")
	ErrInvalidInput         = errors.New("invalid input")

	// ErrLiveSessionExists is returned by SessionRepository.Create when the
	// consultation already holds a live session.
	ErrLiveSessionExists = errors.New("consultation already has a live video session")
)

// TransitionError is returned when a status compare-and-swap matched no row
// because the session had already moved on.
type TransitionError struct {
	Status Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: session is %s", ErrInvalidState, e.Status)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidState
}
