package nrs

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg      = errors.New("component: invalid options")
	ErrComponentClosed = errors.New("component: closed")
	ErrInvalidRoute    = errors.New("component: invalid route")
	ErrPortConflict    = errors.New("component: a port with this name is already attached")
	ErrPortInvalidName = errors.New("component: port names must be non-empty and contain neither '/' nor ','")
	ErrUnknownPort     = errors.New("component: unknown port")

	ErrPortClosed     = errors.New("port: closed")
	ErrPortNotOpen    = errors.New("port: not open")
	ErrUnknownAddress = errors.New("port: unknown address")
	ErrJoinCluster    = errors.New("port: could not join cluster")

	ErrBufferSize        = errors.New("transport: could not allocate udp buffer")
	ErrHostnameResolve   = errors.New("transport: could not resolve hostname from certificate")
	ErrInvalidAddr       = errors.New("transport: the IP you provided is invalid")
	ErrUdpNotAvailable   = errors.New("transport: UDP listener not available")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrStreamWrite       = errors.New("transport: error writing to a stream")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrNameConflict = QuicApplicationError{
		Code:   0x4,
		Prefix: "name conflict",
	}
)

// QuicApplicationError is how we close QUIC connections on error.
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
