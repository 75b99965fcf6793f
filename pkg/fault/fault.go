// Package fault defines the error taxonomy shared by every Kiln subsystem.
// Adapters, the queue, billing, and the tool surface all classify failures
// into a Kind so that callers (CLI, agents) can branch on a machine code
// instead of parsing messages.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy buckets.
type Kind string

const (
	KindValidation             Kind = "VALIDATION_ERROR"
	KindNotFound               Kind = "NOT_FOUND"
	KindAuthRequired           Kind = "AUTH_REQUIRED"
	KindAuthInvalid            Kind = "AUTH_INVALID"
	KindUnsupported            Kind = "UNSUPPORTED"
	KindPrinterUnreachable     Kind = "PRINTER_UNREACHABLE"
	KindPrinterBusy            Kind = "PRINTER_BUSY"
	KindInvalidStateTransition Kind = "INVALID_STATE_TRANSITION"
	KindPreflightFailed        Kind = "PREFLIGHT_FAILED"
	KindTimeout                Kind = "TIMEOUT"
	KindRateLimited            Kind = "RATE_LIMITED"
	KindSpendLimit             Kind = "SPEND_LIMIT"
	KindPaymentFailed          Kind = "PAYMENT_FAILED"
	KindIdempotent             Kind = "IDEMPOTENT"
	KindQuoteExpired           Kind = "QUOTE_EXPIRED"
	KindQuoteNotFound          Kind = "QUOTE_NOT_FOUND"
	KindOwnershipMismatch      Kind = "OWNERSHIP_MISMATCH"
	KindProviderMismatch       Kind = "PROVIDER_MISMATCH"
	KindPriceDriftBlocked      Kind = "PRICE_DRIFT_BLOCKED"
	KindInternal               Kind = "INTERNAL_ERROR"
)

// Error is a classified error with an optional cause chain.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, preserving it as the cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the taxonomy Kind from an error chain.
// Unclassified errors report KindInternal; nil reports "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether the error chain carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ExitCode maps a taxonomy kind to a CLI process exit code.
func ExitCode(err error) int {
	switch KindOf(err) {
	case "":
		return 0
	case KindValidation:
		return 2
	case KindPrinterUnreachable, KindTimeout:
		return 3
	case KindNotFound:
		return 4
	case KindPreflightFailed, KindInvalidStateTransition, KindPrinterBusy:
		return 5
	case KindAuthRequired, KindAuthInvalid:
		return 6
	case KindUnsupported:
		return 7
	default:
		return 1
	}
}
