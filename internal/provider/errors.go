package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTransient marks failures worth retrying: network trouble, timeouts,
	// throttling, provider-side 5xx.
	ErrTransient = errors.New("transient provider error")

	// ErrPermanent marks failures that will not succeed on retry, such as a
	// rejected batch or malformed input.
	ErrPermanent = errors.New("permanent provider error")
)

// Kind classifies a provider failure.
type Kind int

const (
	Transient Kind = iota
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified gateway failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the cause and the matching sentinel, so
// errors.Is(err, ErrTransient) works on any classified error.
func (e *Error) Unwrap() []error {
	sentinel := ErrTransient
	if e.Kind == Permanent {
		sentinel = ErrPermanent
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// TransientError wraps err as a transient failure of op.
func TransientError(op string, err error) error {
	return &Error{Kind: Transient, Op: op, Err: err}
}

// PermanentError wraps err as a permanent failure of op.
func PermanentError(op string, err error) error {
	return &Error{Kind: Permanent, Op: op, Err: err}
}

// KindOf classifies any error. Unclassified errors, deadlines and network
// timeouts count as transient; only an explicit permanent classification
// stops retries. Cancellation of the caller's own context is reported as
// transient too, since the next run will try again.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, ErrPermanent) {
		return Permanent
	}
	return Transient
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == Transient
}

// IsPermanent reports whether err will not succeed on retry.
func IsPermanent(err error) bool {
	return err != nil && KindOf(err) == Permanent
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Classify wraps an unclassified err as an *Error for op, keeping an
// existing classification.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}
