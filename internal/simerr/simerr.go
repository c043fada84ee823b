// Package simerr classifies the error taxonomy a running simulation can hit.
package simerr

import "fmt"

// Class identifies which of the five error categories an error belongs to.
type Class uint8

const (
	// ClassConfig is an invalid or absent required configuration option.
	// Raised before the loop starts; the run is never marked Running.
	ClassConfig Class = iota
	// ClassInvariant is a breach of a simulation invariant. Fatal; the
	// current batch is best-effort flushed and the run is marked Failed.
	ClassInvariant
	// ClassTransient is a retryable repository failure.
	ClassTransient
	// ClassPermanent is a non-retryable repository failure. Immediate
	// fatal; forced shutdown.
	ClassPermanent
	// ClassDecision is a recovered decision-function anomaly (e.g. an
	// empty interest vector). Not fatal; logged once per (agent, reason).
	ClassDecision
)

func (c Class) String() string {
	switch c {
	case ClassConfig:
		return "config"
	case ClassInvariant:
		return "invariant"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassDecision:
		return "decision"
	default:
		return "unknown"
	}
}

// Error is a classified simulation error.
type Error struct {
	Class Class
	Op    string // operation that failed, e.g. "append_events"
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config wraps err as a ClassConfig error.
func Config(op string, err error) error { return &Error{Class: ClassConfig, Op: op, Err: err} }

// Invariant wraps err as a ClassInvariant error.
func Invariant(op string, err error) error { return &Error{Class: ClassInvariant, Op: op, Err: err} }

// Transient wraps err as a ClassTransient error.
func Transient(op string, err error) error { return &Error{Class: ClassTransient, Op: op, Err: err} }

// Permanent wraps err as a ClassPermanent error.
func Permanent(op string, err error) error { return &Error{Class: ClassPermanent, Op: op, Err: err} }

// Decision wraps err as a ClassDecision error.
func Decision(op string, err error) error { return &Error{Class: ClassDecision, Op: op, Err: err} }

// Is reports whether err is a simerr.Error of the given class.
func Is(err error, class Class) bool {
	var se *Error
	if e, ok := err.(*Error); ok {
		se = e
	} else {
		return false
	}
	return se.Class == class
}
