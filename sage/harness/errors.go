package harness

import (
	"errors"
	"fmt"
)

var (
	// ErrMaxTurns is returned when an exchange reaches the turn cap without terminating.
	ErrMaxTurns = errors.New("exchange exceeded max turns")
	// ErrNoProvider is returned when an orchestrator has no exchange service.
	ErrNoProvider = errors.New("no provider configured")
)

// OrchestratorError reports a failed exchange. Turn is the responder turn that failed,
// counting from 1.
type OrchestratorError struct {
	Turn int
	Err  error
}

func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("exchange failed at turn %d: %v", e.Turn, e.Err)
}

func (e *OrchestratorError) Unwrap() error { return e.Err }

func isMaxTurns(err error) bool { return errors.Is(err, ErrMaxTurns) }
