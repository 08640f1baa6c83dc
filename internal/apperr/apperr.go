// Package apperr defines the error taxonomy shared by the catalog client,
// the session manager and the watchlist store. Callers branch on Kind
// instead of matching error strings.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthentication
	KindConflict
	KindNotAuthenticated
	KindNotFound
	KindFetch
	KindGraphQL
	KindTimeout
	KindOperation
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindValidation:       "validation",
	KindAuthentication:   "authentication",
	KindConflict:         "conflict",
	KindNotAuthenticated: "not_authenticated",
	KindNotFound:         "not_found",
	KindFetch:            "fetch",
	KindGraphQL:          "graphql",
	KindTimeout:          "timeout",
	KindOperation:        "operation",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error carries a Kind plus whatever the boundary knew when it failed:
// the HTTP status and body for remote failures, a field map for
// validation failures, the joined messages for GraphQL failures.
type Error struct {
	Kind     Kind
	Op       string
	Message  string
	Status   int
	Body     string
	Fields   map[string]string
	Messages []string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(e.Kind.String())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// FieldsOf returns the field map of a validation error, or nil.
func FieldsOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// Retryable reports whether repeating the call could succeed: timeouts,
// throttling, upstream 5xx and transport failures.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindTimeout:
			return true
		case KindFetch:
			return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
		default:
			return false
		}
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func Validation(op, message string, fields map[string]string) *Error {
	if message == "" {
		message = "invalid input"
	}
	return &Error{Kind: KindValidation, Op: op, Message: message, Fields: fields}
}

func Authentication(op, message string) *Error {
	if message == "" {
		message = "invalid credentials"
	}
	return &Error{Kind: KindAuthentication, Op: op, Message: message}
}

func Conflict(op, message string) *Error {
	if message == "" {
		message = "already exists"
	}
	return &Error{Kind: KindConflict, Op: op, Message: message}
}

func NotAuthenticated(op string) *Error {
	return &Error{Kind: KindNotAuthenticated, Op: op, Message: "not authenticated"}
}

func NotFound(op, message string) *Error {
	if message == "" {
		message = "not found"
	}
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

// Fetch reports a transport-level failure. status is 0 when no response
// was received; err is the underlying cause in that case.
func Fetch(op string, status int, body string, err error) *Error {
	msg := ""
	if status != 0 {
		msg = fmt.Sprintf("remote returned status %d", status)
	}
	return &Error{Kind: KindFetch, Op: op, Message: msg, Status: status, Body: body, Err: err}
}

func GraphQL(op string, messages []string) *Error {
	return &Error{Kind: KindGraphQL, Op: op, Message: strings.Join(messages, ", "), Messages: messages}
}

func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Message: "operation timed out", Err: err}
}

func Operation(op, message string, err error) *Error {
	return &Error{Kind: KindOperation, Op: op, Message: message, Err: err}
}

// FromContext converts a context failure into a Timeout error. Other
// errors are returned unchanged.
func FromContext(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(op, err)
	}
	return err
}

// FieldSummary renders a field map deterministically, for logs.
func FieldSummary(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, "; ")
}
