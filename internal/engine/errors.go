package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/meszmate/xmppconn/internal/auth"
	"github.com/meszmate/xmppconn/internal/transport"
)

var (
	// ErrNotConnected is returned by the send API before the session is bound.
	ErrNotConnected = errors.New("engine: not connected")
	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("engine: connection closed")

	errQuickStartUnsupported = errors.New("engine: quick start no longer supported by server")
	errResourceConflict      = errors.New("engine: resource conflict")
	errRotate                = errors.New("engine: sequence counter exhausted")
)

// ConnectionError ends a connection attempt with a specific status.
type ConnectionError struct {
	Status Status
	Err    error
	// URL accompanies StatusPaymentRequired when the server names one.
	URL string
	// Immediate asks the worker to reconnect without backoff.
	Immediate bool
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %v", e.Status, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func fail(status Status, format string, args ...interface{}) *ConnectionError {
	return &ConnectionError{Status: status, Err: fmt.Errorf(format, args...)}
}

func reconnectNow(err error) *ConnectionError {
	return &ConnectionError{Status: StatusOffline, Err: err, Immediate: true}
}

// StatusOf maps any error returned by an attempt to the status it surfaces.
func StatusOf(err error) Status {
	var ce *ConnectionError
	switch {
	case err == nil:
		return StatusOffline
	case errors.As(err, &ce):
		return ce.Status
	case errors.Is(err, context.Canceled):
		return StatusOffline
	case errors.Is(err, transport.ErrTorUnavailable):
		return StatusTorNotAvailable
	case errors.Is(err, transport.ErrNetworkPermission):
		return StatusMissingNetworkPermission
	case errors.Is(err, transport.ErrNoRoute):
		return StatusNoRoute
	case errors.Is(err, transport.ErrServerNotFound):
		return StatusServerNotFound
	case errors.Is(err, transport.ErrCertificate), errors.Is(err, transport.ErrTLSHandshake):
		return StatusTLSError
	case errors.Is(err, auth.ErrDowngrade):
		return StatusDowngradeAttack
	case errors.Is(err, auth.ErrNoMechanism):
		return StatusIncompatibleServer
	case errors.Is(err, auth.ErrUnsupportedContinue):
		return StatusIncompatibleClient
	case errors.Is(err, auth.ErrServerProof):
		return StatusUnauthorized
	}
	return StatusOffline
}

func immediate(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Immediate
}
