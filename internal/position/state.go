package position

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusIdle        Status = "idle"
	StatusOpening     Status = "opening"
	StatusOpenPending Status = "open_pending"
	StatusOpen        Status = "open"
	StatusClosing     Status = "closing"
	StatusClosed      Status = "closed"
	StatusUnwinding   Status = "unwinding"
	StatusFailed      Status = "failed"
)

var ErrInvalidTransition = errors.New("invalid position transition")

var edges = map[Status][]Status{
	StatusIdle:        {StatusOpening},
	StatusOpening:     {StatusOpenPending, StatusUnwinding},
	StatusOpenPending: {StatusOpen, StatusUnwinding},
	StatusOpen:        {StatusClosing},
	StatusClosing:     {StatusClosed, StatusUnwinding},
	StatusUnwinding:   {StatusFailed},
}

// Transition validates a single edge of the lifecycle.
func Transition(from, to Status) error {
	for _, next := range edges[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
}

func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusFailed
}

// Reconcilable reports whether the reconciliation loop watches positions in s.
func (s Status) Reconcilable() bool {
	switch s {
	case StatusOpening, StatusOpenPending, StatusOpen, StatusClosing:
		return true
	default:
		return false
	}
}
