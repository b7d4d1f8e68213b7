package network

import (
	"errors"
	"fmt"
)

// Kind classifies failures on the control and data planes.
type Kind int

const (
	// KindUnknown is reported for errors that carry no classification.
	KindUnknown Kind = iota
	// KindNetwork covers resolve, connect, read and write failures and timeouts.
	KindNetwork
	// KindProtocol covers malformed bodies, unexpected replies and oversized payloads.
	KindProtocol
	// KindStorage covers create and write failures on the destination backend.
	KindStorage
	// KindCrypto covers certificate generation and loading. It is fatal at startup.
	KindCrypto
	// KindCorrelation covers unknown or consumed request ids.
	KindCorrelation
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindStorage:
		return "storage"
	case KindCrypto:
		return "crypto"
	case KindCorrelation:
		return "correlation"
	default:
		return "unknown"
	}
}

var (
	// ErrRequestTimeout is returned when no decision arrives for a pending request.
	ErrRequestTimeout = errors.New("network: transfer request timed out")
	// ErrPayloadTooLarge is returned when an upload exceeds the size ceiling.
	ErrPayloadTooLarge = errors.New("network: payload too large")
	// ErrUnknownRequest is returned for correlation ids that are not pending.
	ErrUnknownRequest = errors.New("network: unknown request id")
	// ErrUnexpectedStatus is returned by clients when a peer answers with a non-success status.
	ErrUnexpectedStatus = errors.New("network: unexpected status")
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return KindProtocol
	case errors.Is(err, ErrRequestTimeout):
		return KindNetwork
	case errors.Is(err, ErrUnknownRequest):
		return KindCorrelation
	}
	return KindUnknown
}
