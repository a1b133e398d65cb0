package tub

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg   = errors.New("tub: invalid options")
	ErrTubClosed    = errors.New("tub: shut down")
	ErrInvalidURL   = errors.New("tub: invalid reference url")
	ErrNoLocation   = errors.New("tub: no usable location for tub")
	ErrNotReference = errors.New("tub: value is not a reference")

	ErrJoinDirectory = errors.New("directory: could not join")
	ErrNoDirectory   = errors.New("directory: not enabled")

	ErrUnknownCapability    = errors.New("broker: unknown capability")
	ErrNoSuchMethod         = errors.New("broker: no such method")
	ErrStrayReply           = errors.New("broker: reply for an unknown call")
	ErrGiftResolutionFailed = errors.New("broker: gift resolution failed")
	ErrConnectionLost       = errors.New("broker: connection lost")
	ErrUnknownGift          = errors.New("broker: unknown gift")
	ErrReferenceReleased    = errors.New("broker: reference already released")
	ErrProtocolViolation    = errors.New("broker: protocol violation")
	ErrSerialization        = errors.New("broker: serialization failed")

	ErrBufferSize       = errors.New("transport: could not allocate udp buffer")
	ErrIdentityResolve  = errors.New("transport: could not resolve tub id from certificate")
	ErrIdentityMismatch = errors.New("transport: peer is not the expected tub")
	ErrInvalidAddr      = errors.New("transport: the address you provided is invalid")
	ErrNotListening     = errors.New("transport: not listening")
	ErrShutdown         = errors.New("transport: shutting down")
	ErrNoTLSConfig      = errors.New("transport: a certificate is required")
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrIdentity = QuicApplicationError{
		Code:   0x2,
		Prefix: "identity",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrProtocol = QuicApplicationError{
		Code:   0x4,
		Prefix: "protocol",
	}
	QErrClosed = QuicApplicationError{
		Code:   0x5,
		Prefix: "closed",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// Error kinds carried by error messages on the wire.
const (
	KindUnknownCapability    = "unknown-capability"
	KindNoSuchMethod         = "no-such-method"
	KindGiftResolutionFailed = "gift-resolution-failed"
	KindSerialization        = "serialization"
	KindApplication          = "application"
)

// RemoteError is a failure reported by the peer for one call. It never
// means the connection is gone, see [ErrConnectionLost] for that.
type RemoteError struct {
	Kind    string
	Message string
}

func (rerr *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", rerr.Kind, rerr.Message)
}

// Unwrap maps well-known kinds back to their sentinel so callers can use
// errors.Is on remote failures.
func (rerr *RemoteError) Unwrap() error {
	switch rerr.Kind {
	case KindUnknownCapability:
		return ErrUnknownCapability
	case KindNoSuchMethod:
		return ErrNoSuchMethod
	case KindGiftResolutionFailed:
		return ErrGiftResolutionFailed
	case KindSerialization:
		return ErrSerialization
	default:
		return nil
	}
}

// errorKind picks the wire kind describing err.
func errorKind(err error) string {
	var rerr *RemoteError
	switch {
	case errors.As(err, &rerr):
		// a remote failure re-thrown by a method is reported as ours.
		return KindApplication
	case errors.Is(err, ErrGiftResolutionFailed):
		return KindGiftResolutionFailed
	case errors.Is(err, ErrUnknownCapability):
		return KindUnknownCapability
	case errors.Is(err, ErrNoSuchMethod):
		return KindNoSuchMethod
	case errors.Is(err, ErrSerialization):
		return KindSerialization
	default:
		return KindApplication
	}
}
