package snowfall

import (
	"errors"
	"fmt"
)

// Kind classifies errors that cross the API boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Error carries the kind plus enough context to diagnose it in logs.
// Message is safe to show to clients; Err is not.
type Error struct {
	Kind      Kind
	Message   string
	StormID   string
	Component string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func ValidationError(stormID, message string) *Error {
	return &Error{Kind: KindValidation, Message: message, StormID: stormID, Component: "aggregator"}
}

func NotFoundError(stormID, message string) *Error {
	return &Error{Kind: KindNotFound, Message: message, StormID: stormID, Component: "aggregator"}
}

func UpstreamError(stormID string, err error) *Error {
	return &Error{
		Kind:      KindUpstream,
		Message:   "all snowfall data sources are unavailable",
		StormID:   stormID,
		Component: "sources",
		Err:       err,
	}
}

func InternalError(stormID, component string, err error) *Error {
	return &Error{
		Kind:      KindInternal,
		Message:   "an unexpected error occurred",
		StormID:   stormID,
		Component: component,
		Err:       err,
	}
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindInternal
}
