package graph

import (
	goerrors "errors"
	"fmt"
)

// InterruptError is the control-flow signal a node raises to suspend a
// run: the executor persists state and exits, and a later resume
// re-enters at the raising node. It is not a failure.
type InterruptError struct {
	Reason string
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("graph interrupted: %s", e.Reason)
}

// Interrupt creates an interrupt signal with a human-readable reason,
// typically a question for the user.
func Interrupt(reason string) error {
	return &InterruptError{Reason: reason}
}

// AsInterrupt unwraps an interrupt signal from an error chain.
func AsInterrupt(err error) (*InterruptError, bool) {
	var ie *InterruptError
	if goerrors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
