package types

import "fmt"

// AutopilotError wraps a link-session failure with additional context.
type AutopilotError struct {
	Err         error
	Message     string
	Recoverable bool
}

func (e *AutopilotError) Error() string {
	return fmt.Sprintf("autopilot error: %s: %v", e.Message, e.Err)
}

func (e *AutopilotError) Unwrap() error {
	return e.Err
}
