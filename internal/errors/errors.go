package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and propagation decisions
type Kind string

const (
	// KindNetworkFailure is transient; callers may retry by re-invoking the operation
	KindNetworkFailure Kind = "network_failure"
	// KindInvalidInput covers a bad license code or email
	KindInvalidInput Kind = "invalid_input"
	// KindServerRejected is terminal for the attempt
	KindServerRejected Kind = "server_rejected"
	// KindBusy guards against concurrent attempts on the same product
	KindBusy Kind = "busy"
	// KindUnsupported is returned for operations the product kind cannot perform
	KindUnsupported Kind = "unsupported"
	// KindInvalidState is returned when an operation is not valid from the current state
	KindInvalidState Kind = "invalid_state"
	// KindStorage wraps License Store failures
	KindStorage Kind = "storage"
	// KindTimeout covers checkout loading and order confirmation deadlines
	KindTimeout Kind = "timeout"
	// KindNotFound is returned by the HTTP bridge for unknown product IDs
	KindNotFound Kind = "not_found"
	// KindCancelled is used when the engine shuts down under a pending attempt
	KindCancelled Kind = "cancelled"
	// KindUnknown is the classification of errors that carry no Kind
	KindUnknown Kind = "unknown"
)

// Error domains
const (
	DomainActivation = "licensekit.activation"
	DomainCheckout   = "licensekit.checkout"
	DomainRecovery   = "licensekit.recovery"
	DomainVendor     = "licensekit.vendor"
	DomainStore      = "licensekit.store"
	DomainEngine     = "licensekit.engine"
)

// ErrorRecord is the immutable error value handed to completions and to the
// delegate's error channel.
type ErrorRecord struct {
	Domain     string `json:"domain"`
	Code       Kind   `json:"code"`
	Message    string `json:"message"`
	Underlying error  `json:"-"`
}

// Error implements the error interface
func (e ErrorRecord) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Domain, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", e.Domain, e.Message)
}

// Unwrap exposes the underlying cause
func (e ErrorRecord) Unwrap() error {
	return e.Underlying
}

// Is matches on Code, and on Domain when the target sets one.
func (e ErrorRecord) Is(target error) bool {
	t, ok := target.(ErrorRecord)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Domain == "" || t.Domain == e.Domain
}

// Sentinels for errors.Is comparisons. They match any domain.
var (
	ErrNetworkFailure = ErrorRecord{Code: KindNetworkFailure, Message: "network failure"}
	ErrInvalidInput   = ErrorRecord{Code: KindInvalidInput, Message: "invalid input"}
	ErrServerRejected = ErrorRecord{Code: KindServerRejected, Message: "rejected by server"}
	ErrBusy           = ErrorRecord{Code: KindBusy, Message: "another attempt is in flight"}
	ErrUnsupported    = ErrorRecord{Code: KindUnsupported, Message: "unsupported"}
	ErrInvalidState   = ErrorRecord{Code: KindInvalidState, Message: "invalid state"}
	ErrNotActivated   = ErrorRecord{Code: KindInvalidState, Message: "product is not activated"}
	ErrStorage        = ErrorRecord{Code: KindStorage, Message: "storage failure"}
	ErrTimeout        = ErrorRecord{Code: KindTimeout, Message: "timed out"}
	ErrCancelled      = ErrorRecord{Code: KindCancelled, Message: "cancelled"}

	ErrProductNotFound = ErrorRecord{Domain: DomainEngine, Code: KindNotFound, Message: "product is not known to this engine"}
)

// New creates an ErrorRecord without an underlying cause
func New(domain string, code Kind, message string) ErrorRecord {
	return ErrorRecord{Domain: domain, Code: code, Message: message}
}

// Wrap creates an ErrorRecord around an underlying cause
func Wrap(domain string, code Kind, message string, err error) ErrorRecord {
	return ErrorRecord{Domain: domain, Code: code, Message: message, Underlying: err}
}

// Network creates a network failure record
func Network(domain string, err error) ErrorRecord {
	return Wrap(domain, KindNetworkFailure, "unable to reach the vendor service", err)
}

// InvalidInput creates an invalid input record
func InvalidInput(domain, message string) ErrorRecord {
	return New(domain, KindInvalidInput, message)
}

// Rejected creates a server rejection record
func Rejected(domain, message string) ErrorRecord {
	return New(domain, KindServerRejected, message)
}

// Busy creates a busy record for the given product
func Busy(domain, productID string) ErrorRecord {
	return New(domain, KindBusy, fmt.Sprintf("an attempt for product %s is already in flight", productID))
}

// Unsupported creates an unsupported-operation record
func Unsupported(domain, message string) ErrorRecord {
	return New(domain, KindUnsupported, message)
}

// KindOf returns the Kind of the first ErrorRecord in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var rec ErrorRecord
	if errors.As(err, &rec) {
		return rec.Code
	}
	return KindUnknown
}

// AsRecord converts any error into an ErrorRecord, keeping an existing record
// as is and wrapping anything else under the given domain.
func AsRecord(domain string, err error) ErrorRecord {
	var rec ErrorRecord
	if errors.As(err, &rec) {
		return rec
	}
	return Wrap(domain, KindUnknown, "unexpected error", err)
}

// IsRetryable reports whether re-invoking the same operation may succeed
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetworkFailure, KindTimeout, KindBusy:
		return true
	}
	return false
}
