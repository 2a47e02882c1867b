// Package errs defines the probe's error taxonomy (kinds, not Go types) as
// described by the credential-non-leakage and classification requirements
// of the probe: every component surfaces one of a closed set of Kind values
// so that a caller (FSM, scheduler, DSL) can classify a failure without
// parsing a message string.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds a component may raise.
type Kind string

const (
	// FatalBooting: required configuration/dependency missing at process start.
	FatalBooting Kind = "FatalBooting"
	// BlockStorageException: bucket/key read failure or evidence upload failure.
	BlockStorageException Kind = "BlockStorageException"
	// VaultConsumerException: vault HTTP failure or mapping failure. The
	// message never contains a secret value.
	VaultConsumerException Kind = "VaultConsumerException"
	// CucumberException: BDD runner configuration failure before a test runs.
	CucumberException Kind = "CucumberException"
	// KafkaProducerException: encode or publish failure for one event.
	KafkaProducerException Kind = "KafkaProducerException"
	// KafkaConsumerException: decode failure on one record.
	KafkaConsumerException Kind = "KafkaConsumerException"
	// ServiceTimeoutException: a reply channel timed out.
	ServiceTimeoutException Kind = "ServiceTimeoutException"
	// ServiceUnavailableException: the system is shutting down or not booted.
	ServiceUnavailableException Kind = "ServiceUnavailableException"
	// ActorSystemNotReadyException: called before the scheduler is ready.
	ActorSystemNotReadyException Kind = "ActorSystemNotReadyException"
	// NotFound: an operation referenced an unknown TestId.
	NotFound Kind = "NotFound"
)

// Error is the concrete error type raised by probe components. Message is
// always safe to log and return to callers; Cause may wrap a lower-level
// error whose text is NOT guaranteed safe to expose and is therefore never
// included in Error() for credential-bearing kinds.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil || e.Kind == VaultConsumerException {
		// VaultConsumerException causes may embed raw vault response text;
		// never let it leak through Error().
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
}

func (e *Error) Unwrap() error {
	if e.Kind == VaultConsumerException {
		return nil
	}
	return e.Cause
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, else
// returns "" and false.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}
