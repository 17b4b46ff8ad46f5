package submit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a failed submission.
type Kind string

const (
	KindNetwork         Kind = "network"           // The backend could not be reached
	KindValidation      Kind = "validation"        // The backend rejected the report's fields
	KindAuth            Kind = "auth"              // Credentials were missing, invalid or could not be refreshed
	KindServer          Kind = "server"            // The backend failed or returned an unusable response
	KindPayloadTooLarge Kind = "payload_too_large" // The attachment exceeds the backend's limit
)

// Failure is the single error type Submit returns.
type Failure struct {
	Kind    Kind
	Status  int               // HTTP status, zero for network failures
	Code    string            // Backend error code when one was returned
	Fields  map[string]string // Per-field validation messages
	Message string
	Err     error
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	if f.Status != 0 {
		fmt.Fprintf(&b, " (%d)", f.Status)
	}
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	if len(f.Fields) > 0 {
		keys := make([]string, 0, len(f.Fields))
		for k := range f.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+" "+f.Fields[k])
		}
		b.WriteString(" [")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString("]")
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether resubmitting the same report could succeed.
func (f *Failure) Retryable() bool {
	switch f.Kind {
	case KindNetwork, KindAuth, KindServer:
		return true
	default:
		return false
	}
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable Failure. Errors that are not
// Failures are treated as retryable.
func IsRetryable(err error) bool {
	if f, ok := AsFailure(err); ok {
		return f.Retryable()
	}
	return true
}
