package transfer

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/nstehr/go-tftp/message"
)

var (
	ErrMalformedValue    = errors.New("malformed option value")
	ErrUnknownOption     = errors.New("unsolicited option")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrTimeout           = errors.New("timed out waiting for peer")
)

type NegotiationKind int

const (
	MalformedValue NegotiationKind = iota
	UnknownOption
)

// NegotiationError reports an option echoed by the peer that cannot be
// installed.
type NegotiationError struct {
	Kind   NegotiationKind
	Option string
	Value  string
}

func (e *NegotiationError) Error() string {
	if e.Kind == UnknownOption {
		return fmt.Sprintf("peer acknowledged option %q=%q that was never proposed", e.Option, e.Value)
	}
	return fmt.Sprintf("invalid value %q for option %q", e.Value, e.Option)
}

func (e *NegotiationError) Is(target error) bool {
	switch e.Kind {
	case MalformedValue:
		return target == ErrMalformedValue
	case UnknownOption:
		return target == ErrUnknownOption
	}
	return false
}

// ProtocolError is an unexpected packet for the current state.
type ProtocolError struct {
	Op     string
	Packet *message.Packet
	Reason string
}

func (e *ProtocolError) Error() string {
	msg := e.Op + ": " + ErrProtocolViolation.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Packet != nil {
		msg += " (" + e.Packet.String() + ")"
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return ErrProtocolViolation }

// PeerError carries an ERROR packet received from the remote side.
type PeerError struct {
	Code    message.ErrorCode
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer error %d: %s", e.Code, e.Message)
}

// IOError is a local file failure. These are never retried.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }

// ErrorCodeFor maps a local failure onto the code reported to the peer.
func ErrorCodeFor(err error) message.ErrorCode {
	var ioErr *IOError
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return message.ErrFileNotFound
	case errors.Is(err, fs.ErrPermission):
		return message.ErrAccessViolation
	case errors.Is(err, fs.ErrExist):
		return message.ErrFileExists
	case errors.As(err, &ioErr):
		return message.ErrDiskFull
	case errors.Is(err, ErrProtocolViolation):
		return message.ErrIllegalOperation
	case errors.Is(err, ErrMalformedValue), errors.Is(err, ErrUnknownOption):
		return message.ErrOptionRefused
	}
	return message.ErrNotDefined
}
