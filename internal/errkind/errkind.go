// Package errkind tags kv.Error values with the error taxonomy from the
// dispatcher's error handling design: ConfigError, TransientIO,
// PersistentIO, DataError and Cancelled. The supervisor's restart policy
// switches on these kinds rather than inspecting error strings, separating
// fatal startup failures from transient ones that warrant a retry.
package errkind

import (
	"github.com/jjeffery/kv"
)

// Kind identifies which bucket of the error taxonomy a failure belongs to.
type Kind string

const (
	// Config marks a validation failure, fatal before boot.
	Config Kind = "config"
	// TransientIO marks a network or broker disconnect, or a database
	// connection loss; the caller should retry with backoff.
	TransientIO Kind = "transient_io"
	// PersistentIO marks disk-full or permission failures that escalate
	// to the Supervisor as fatal.
	PersistentIO Kind = "persistent_io"
	// Data marks a hash mismatch or malformed job; routed to a
	// dead-letter sink, logged, and processing continues.
	Data Kind = "data"
	// Cancelled marks cooperative shutdown; not an error to operators.
	Cancelled Kind = "cancelled"
)

const kindField = "kind"

// Wrap annotates err with the given kind, preserving any existing kv.Error
// fields.
func Wrap(k Kind, err error, msg string) kv.Error {
	if err == nil {
		return nil
	}
	return kv.Wrap(err, msg).With(kindField, string(k))
}

// New creates a fresh kv.Error of the given kind.
func New(k Kind, msg string) kv.Error {
	return kv.NewError(msg).With(kindField, string(k))
}

// keyvaler is implemented by kv.Error; it exposes the flattened,
// alternating key/value pairs attached via With().
type keyvaler interface {
	Keyvals() []interface{}
}

// Of inspects a kv.Error produced by this package and returns its Kind, or
// "" if the error was not tagged (callers should treat untagged errors as
// TransientIO, the conservative default used by the supervisor).
func Of(err kv.Error) Kind {
	if err == nil {
		return ""
	}
	kver, ok := err.(keyvaler)
	if !ok {
		return ""
	}
	pairs := kver.Keyvals()
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok || key != kindField {
			continue
		}
		if s, ok := pairs[i+1].(string); ok {
			return Kind(s)
		}
	}
	return ""
}

// IsFatal reports whether a component observing this error kind should
// escalate to the Supervisor for global shutdown rather than retry
// locally.
func IsFatal(k Kind) bool {
	return k == Config || k == PersistentIO
}

// FromError is a convenience wrapper over Of for callers (metrics,
// logging) that hold a plain error rather than a kv.Error. It returns
// "unknown" for errors this package did not tag.
func FromError(err error) Kind {
	if kverr, ok := err.(kv.Error); ok {
		if k := Of(kverr); k != "" {
			return k
		}
	}
	return "unknown"
}
