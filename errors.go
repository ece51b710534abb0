package directmsg

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures by how a caller should recover from them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is caller-preventable (empty content, bad action).
	KindValidation
	// KindConflict is recoverable by re-deriving state from the error.
	KindConflict
	// KindRateLimited is user-visible and never retried automatically.
	KindRateLimited
	// KindNetwork is transient and always paired with a manual retry.
	KindNetwork
	// KindConnection means the live channel could not connect.
	KindConnection
	KindNotFound
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network"
	case KindConnection:
		return "connection"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Gateway error codes.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeRequestPending     = "REQUEST_PENDING"
	CodeConversationExists = "CONVERSATION_EXISTS"
	CodeRequestResolved    = "REQUEST_RESOLVED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInternal           = "INTERNAL"
	CodeNetwork            = "NETWORK_ERROR"
	CodeSendFailed         = "SEND_FAILED"
)

// Sentinels for errors.Is. Any *Error of the same Kind matches.
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrRateLimited  = &Error{Kind: KindRateLimited}
	ErrNetwork      = &Error{Kind: KindNetwork}
	ErrConnection   = &Error{Kind: KindConnection}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
)

// Error is the structured failure returned by every component. Extract it
// with errors.As:
//
//	var dmErr *directmsg.Error
//	if errors.As(err, &dmErr) && dmErr.Code == directmsg.CodeConversationExists {
//	    open(dmErr.ConversationID)
//	}
type Error struct {
	Kind    Kind
	Code    string
	Message string

	// Set on conflicts when the server reports the existing state.
	ConversationID string
	Status         RequestStatus

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("directmsg: %s: %s", e.Code, msg)
	}
	return fmt.Sprintf("directmsg: %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == "" && t.Message == "" && t.Kind == e.Kind
}

// Recoverable reports whether the failure should be shown with a retry or
// alternate path instead of being treated as fatal.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindConflict, KindNetwork, KindConnection, KindRateLimited:
		return true
	}
	return false
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	var dmErr *Error
	if errors.As(err, &dmErr) {
		return dmErr.Code == code
	}
	return false
}

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var dmErr *Error
	if errors.As(err, &dmErr) {
		return dmErr.Kind
	}
	return KindUnknown
}

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: msg}
}

func networkError(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Code: CodeNetwork, Message: op + " failed", Err: err}
}

// fromAPIError maps a gateway error body (and the HTTP status as a
// fallback) onto the error taxonomy.
func fromAPIError(apiErr *APIError, httpStatus int) *Error {
	if apiErr == nil {
		apiErr = &APIError{Message: http.StatusText(httpStatus)}
	}
	e := &Error{
		Code:           apiErr.Code,
		Message:        apiErr.Message,
		ConversationID: apiErr.ConversationID,
		Status:         apiErr.Status,
		Err:            apiErr,
	}
	switch apiErr.Code {
	case CodeValidation:
		e.Kind = KindValidation
	case CodeRequestPending, CodeConversationExists, CodeRequestResolved:
		e.Kind = KindConflict
	case CodeRateLimited:
		e.Kind = KindRateLimited
	case CodeNotFound:
		e.Kind = KindNotFound
	case CodeUnauthorized:
		e.Kind = KindUnauthorized
	default:
		e.Kind = kindFromStatus(httpStatus)
	}
	return e
}

func kindFromStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest:
		return KindValidation
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status >= 500:
		return KindNetwork
	default:
		return KindUnknown
	}
}
