// Package synthesis turns segment text into audio through a speech backend.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antoniostano/narrate/internal/conversion"
)

// Client synthesizes one segment. Implementations must honour ctx.
type Client interface {
	Synthesize(ctx context.Context, text string, voice conversion.Voice) ([]byte, error)
}

type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "transient"
	}
}

// Error is a classified backend failure.
type Error struct {
	Kind       Kind
	StatusCode int
	// RetryAfter is the backend's hint for RateLimited errors.
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("synthesis %s (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("synthesis %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify returns the failure kind of err and any retry hint. Errors that
// carry no classification, including per-call deadline expiry, are transient.
func Classify(err error) (Kind, time.Duration) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, se.RetryAfter
	}
	return KindTransient, 0
}

// Code is a short machine-readable label for err, used in job error info.
func Code(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind.String()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "transient"
}

func Permanent(msg string) error {
	return &Error{Kind: KindPermanent, Message: msg}
}

func Transient(msg string) error {
	return &Error{Kind: KindTransient, Message: msg}
}

func RateLimited(msg string, retryAfter time.Duration) error {
	return &Error{Kind: KindRateLimited, Message: msg, RetryAfter: retryAfter}
}
