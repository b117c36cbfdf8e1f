package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition      = errors.New("invalid task status transition")
	ErrDependenciesIncomplete = errors.New("dependencies not completed")
	ErrDependenciesComplete   = errors.New("dependencies already completed")
)

// TransitionError is returned when a status move is not in the transition table.
type TransitionError struct {
	TaskID string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition for %s: %s -> %s", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// DependencyError lists the dependencies that block a start or unblock.
type DependencyError struct {
	TaskID  string
	Pending []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("task %s: dependencies not completed: %v", e.TaskID, e.Pending)
}

func (e *DependencyError) Unwrap() error { return ErrDependenciesIncomplete }
