package domain

import (
	"errors"
	"fmt"
)

// Programmer-misuse errors (never retried; a caller bug).
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadyTerminal   = errors.New("already terminal")
	ErrTaskAlreadyActive = errors.New("task already active")
	ErrUnknownAddon      = errors.New("unknown addon id")
)

// Business/transient errors (recoverable via retry()).
var (
	ErrExpiredLock   = errors.New("price lock expired")
	ErrInvalidAmount = errors.New("invalid lock amount")
)

type PaymentFailedError struct {
	Reason string
}

func (e *PaymentFailedError) Error() string {
	return fmt.Sprintf("payment failed: %s", e.Reason)
}

type AutopilotFailedError struct {
	Reason    string
	Retryable bool
}

func (e *AutopilotFailedError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("autopilot failed (retryable): %s", e.Reason)
	}
	return fmt.Sprintf("autopilot failed: %s", e.Reason)
}

// Retryable reports whether err is worth a user-initiated retry (re-lock,
// re-confirm, or re-start with the same config) as opposed to a caller bug.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrExpiredLock) {
		return true
	}
	var pf *PaymentFailedError
	if errors.As(err, &pf) {
		return true
	}
	var af *AutopilotFailedError
	if errors.As(err, &af) {
		return af.Retryable
	}
	return false
}
