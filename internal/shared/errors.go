package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinels for the error kinds. Storage backends and adapters attach them with
// MarkKind; callers test for them with errors.Is or KindOf.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrInternal          = errors.New("internal error")
	ErrTimeout           = errors.New("operation timed out")
	ErrDependencyFailure = errors.New("dependency failure")
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindValidation
	KindConflict
	KindInternal
	KindTimeout
	// KindDependencyFailure covers the key-value store and the report service.
	KindDependencyFailure
	KindCanceled
)

type kindInfo struct {
	kind     Kind
	name     string
	sentinel error
	match    func(error) bool
}

// kinds is in classification order: the first match wins for joined errors.
var kinds = []kindInfo{
	{KindCanceled, "Canceled", nil, IsCanceled},
	{KindTimeout, "Timeout", ErrTimeout, IsTimeout},
	{KindNotFound, "NotFound", ErrNotFound, nil},
	{KindValidation, "Validation", ErrValidation, nil},
	{KindConflict, "Conflict", ErrConflict, nil},
	{KindDependencyFailure, "DependencyFailure", ErrDependencyFailure, nil},
	{KindInternal, "Internal", ErrInternal, nil},
}

func lookup(k Kind) (kindInfo, bool) {
	for _, ki := range kinds {
		if ki.kind == k {
			return ki, true
		}
	}
	return kindInfo{}, false
}

func (k Kind) String() string {
	if ki, ok := lookup(k); ok {
		return ki.name
	}
	return "Unknown"
}

// KindOf classifies err. Cancellation beats timeouts and timeouts beat every
// sentinel, so a store call cut short by shutdown reports Canceled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, ki := range kinds {
		if ki.match != nil {
			if ki.match(err) {
				return ki.kind
			}
			continue
		}
		if errors.Is(err, ki.sentinel) {
			return ki.kind
		}
	}
	return KindUnknown
}

// HasKind reports whether err classifies as kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MarkKind attaches the sentinel of kind to err, keeping err in the chain. An error
// that already classifies as kind is returned as is, and so is err when kind has no
// sentinel (Unknown, Canceled). A nil err yields the bare sentinel.
//
//	if _, err := conn.Do("SET", key, value); err != nil {
//		return shared.MarkKind(err, shared.KindDependencyFailure)
//	}
func MarkKind(err error, kind Kind) error {
	ki, ok := lookup(kind)
	if !ok || ki.sentinel == nil {
		return err
	}
	if err == nil {
		return ki.sentinel
	}
	if KindOf(err) == kind {
		return err
	}
	return fmt.Errorf("%w: %w", ki.sentinel, err)
}

// Wrap prefixes err with msg. A nil err stays nil and an empty msg adds nothing.
func Wrap(err error, msg string) error {
	if err == nil || msg == "" {
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsTimeout matches context deadlines, ErrTimeout and net.Error timeouts.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func IsNotFound(err error) bool          { return errors.Is(err, ErrNotFound) }
func IsValidation(err error) bool        { return errors.Is(err, ErrValidation) }
func IsConflict(err error) bool          { return errors.Is(err, ErrConflict) }
func IsDependencyFailure(err error) bool { return errors.Is(err, ErrDependencyFailure) }
