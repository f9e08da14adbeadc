package streamrpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

var (
	ErrDecode            = errors.New("streamrpc: decode error")
	ErrMethodNotFound    = errors.New("streamrpc: method not found")
	ErrProtocolViolation = errors.New("streamrpc: protocol violation")
	ErrStreamClosed      = errors.New("streamrpc: stream closed")
	ErrStreamAborted     = errors.New("streamrpc: stream aborted")
	ErrTimeout           = errors.New("streamrpc: timeout")

	errConnectionLost = errors.New("streamrpc: connection lost")
	errConnClosed     = errors.New("streamrpc: conn closed")
	errCallFinished   = fmt.Errorf("streamrpc: call already finished: %w", context.Canceled)
	errFlowControl    = errors.New("streamrpc: peer exceeded the receive window")
)

// abortedError is returned by every Stream operation once a terminal error
// has been recorded. It matches ErrStreamAborted and unwraps to the cause.
type abortedError struct {
	cause error
}

func (e *abortedError) Error() string {
	if e.cause == nil || e.cause == ErrStreamAborted {
		return ErrStreamAborted.Error()
	}
	return ErrStreamAborted.Error() + ": " + e.cause.Error()
}

func (e *abortedError) Is(target error) bool { return target == ErrStreamAborted }

func (e *abortedError) Unwrap() error { return e.cause }

// RemoteError is a terminal error reported by the peer of a call. It keeps
// the peer's classification so errors.Is works against the local sentinels.
type RemoteError struct {
	Code    codes.Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("streamrpc: remote error: code = %s desc = %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrDecode:
		return e.Code == codes.InvalidArgument
	case ErrMethodNotFound:
		return e.Code == codes.Unimplemented
	case ErrProtocolViolation:
		return e.Code == codes.Internal
	case ErrStreamClosed:
		return e.Code == codes.FailedPrecondition
	case ErrStreamAborted:
		return e.Code == codes.Aborted
	case ErrTimeout, context.DeadlineExceeded:
		return e.Code == codes.DeadlineExceeded
	case context.Canceled:
		return e.Code == codes.Canceled
	}
	return false
}

// Code classifies err. An aborted stream is classified by its cause, so a
// stream aborted for a missing method reports codes.Unimplemented.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}
	switch {
	case errors.Is(err, ErrDecode):
		return codes.InvalidArgument
	case errors.Is(err, ErrMethodNotFound):
		return codes.Unimplemented
	case errors.Is(err, ErrProtocolViolation):
		return codes.Internal
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, ErrStreamClosed):
		return codes.FailedPrecondition
	case errors.Is(err, errFlowControl):
		return codes.ResourceExhausted
	}
	var aborted *abortedError
	if errors.As(err, &aborted) {
		if aborted.cause == nil || aborted.cause == ErrStreamAborted {
			return codes.Aborted
		}
		return Code(aborted.cause)
	}
	if errors.Is(err, ErrStreamAborted) {
		return codes.Aborted
	}
	return codes.Unknown
}

// terminalCause strips the abortedError wrapper, leaving the cause a peer
// should be told about.
func terminalCause(err error) error {
	var aborted *abortedError
	if errors.As(err, &aborted) && aborted.cause != nil {
		return aborted.cause
	}
	return err
}
