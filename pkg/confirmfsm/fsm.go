package confirmfsm

import (
	"errors"
	"time"

	"github.com/Governs-AI/governsai-console-sub004/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid confirmation transition")

type Event string

const (
	EventApprove Event = "APPROVE"
	EventDeny    Event = "DENY"
	EventCancel  Event = "CANCEL"
	EventExpire  Event = "EXPIRE"
)

// CanTransition reports whether from->to is a legal one-way move.
// Pending is the sole source state; everything else is terminal.
func CanTransition(from, to string) bool {
	if from != models.StatusPending {
		return false
	}
	switch to {
	case models.StatusApproved, models.StatusDenied, models.StatusCancelled, models.StatusExpired:
		return true
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from string, event Event) (string, error) {
	switch event {
	case EventApprove:
		return Transition(from, models.StatusApproved)
	case EventDeny:
		return Transition(from, models.StatusDenied)
	case EventCancel:
		return Transition(from, models.StatusCancelled)
	case EventExpire:
		return Transition(from, models.StatusExpired)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(status string) bool {
	switch status {
	case models.StatusApproved, models.StatusDenied, models.StatusCancelled, models.StatusExpired:
		return true
	default:
		return false
	}
}

func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.UTC().Before(expiresAt.UTC())
}

// Materialize applies lazy expiry: a pending record past its deadline
// reads as expired even before any store write happens. Pure; callers
// persist the flip separately.
func Materialize(c models.Confirmation, now time.Time) models.Confirmation {
	if c.Status == models.StatusPending && IsExpired(now, c.ExpiresAt) {
		c.Status = models.StatusExpired
	}
	return c
}
