// Package remote defines the collaborator interfaces the sync engine
// consumes: the remote object-store inventory and the entitlement check.
// Implementations live behind these interfaces so the core never depends
// on a particular SDK or licensing protocol.
package remote

import (
	"context"
	"errors"
	"fmt"
)

// Object is one remote inventory entry.
type Object struct {
	Key         string
	Fingerprint string // content hash recorded at upload time
	Size        int64
}

// Inventory is the remote side of reconciliation. Every call may fail
// with a transient network error (retryable) or a permanent one
// (not-found, access-denied).
type Inventory interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	Upload(ctx context.Context, localPath, key string) error
	Download(ctx context.Context, key, localPath string) error
}

// ErrNotFound is the permanent error for a missing remote object.
var ErrNotFound = errors.New("remote: object not found")

// ErrAccessDenied is the permanent error for insufficient permissions.
var ErrAccessDenied = errors.New("remote: access denied")

// transientError wraps failures worth retrying with backoff.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err should be retried with backoff rather
// than surfaced. Context timeouts count as transient per the engine's
// timeout policy.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Decision is the answer of an entitlement check.
type Decision int

const (
	Allowed Decision = iota
	Denied
	Unknown // offline; the engine degrades to local-only mode
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Entitlement is the licensing collaborator. The engine consumes the
// decision only; protocol details are the implementation's business.
type Entitlement interface {
	Check(ctx context.Context, subject string) Decision
}

// LocalEntitlement always allows. It backs purely local installs and
// tests.
type LocalEntitlement struct{}

func (LocalEntitlement) Check(context.Context, string) Decision { return Allowed }
