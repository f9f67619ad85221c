// Package puller implements the Puller capability (C4) and its built-in
// families: proc-file, callback, subprocess, and BPF-map.
package puller

import (
	"context"
	"errors"
	"fmt"

	"github.com/statsd-core/statsd/internal/event"
)

// ErrorKind enumerates the PullError variant set from §4.3.
type ErrorKind uint8

const (
	Unavailable ErrorKind = iota
	Timeout
	RemoteError
	Malformed
)

func (k ErrorKind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case Timeout:
		return "timeout"
	case RemoteError:
		return "remote_error"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error wraps an ErrorKind with call-site context. It satisfies the
// standard error interface and supports errors.As; the Kind field carries
// the variant.
type Error struct {
	Kind ErrorKind
	Tag  uint32
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("puller: tag %d: %s: %v", e.Tag, e.Kind, e.Err)
	}
	return fmt.Sprintf("puller: tag %d: %s", e.Tag, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, defaulting to Unavailable if err
// is not a *Error (an underlying collaborator returned a plain error).
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return Unavailable
}

// Puller is anything that can produce a batch of EventRecords for one
// tag_id on demand, within a deadline. deadlineNS is absolute (same clock
// base as event.Clock.Now's elapsed component), matching pull_timeout_ns
// semantics in §4.3/§4.4.
type Puller interface {
	PullInternal(ctx context.Context, tagID uint32, deadlineNS int64) ([]event.Record, error)
}

// Func adapts a plain function to the Puller interface.
type Func func(ctx context.Context, tagID uint32, deadlineNS int64) ([]event.Record, error)

func (f Func) PullInternal(ctx context.Context, tagID uint32, deadlineNS int64) ([]event.Record, error) {
	return f(ctx, tagID, deadlineNS)
}
