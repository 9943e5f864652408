package schema

import "fmt"

// Kind is the closed error taxonomy from spec.md §7. Every Kind maps to a
// stable ResultCode so dispatch can turn any handler error into a Response
// uniformly (see ToResponse).
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionClosed
	KindConnectionError
	KindConnectionNotFound
	KindDecodeError
	KindEncodeError
	KindInvalidMessageType
	KindWebSocketError
	KindProtocolError
	KindAuthError
	KindInvalidCommand
	KindInvalidParams
	KindInternalError
	KindTimeout
	KindResourceError
	KindServiceNotFound
	KindBusinessError
	KindArgsError
	KindUnauthorized
	KindInvalidState
)

// Error is the single error type carried across the im/discover packages.
// It is deliberately flat (kind + message + optional cause) rather than a
// hierarchy of named error structs, matching the teacher's sentinel-error +
// %w-wrapping idiom (see internal/rpc/wrp_client.go's ErrBadStatus).
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// ResultCode maps the error kind to the wire-level ResultCode, per spec.md §7.
func (e *Error) ResultCode() ResultCode {
	switch e.Kind {
	case KindConnectionClosed:
		return ConnectionClosedCode
	case KindConnectionError:
		return ConnectionErrorCode
	case KindConnectionNotFound:
		return ConnectionNotFoundCode
	case KindDecodeError:
		return DecodeErrorCode
	case KindEncodeError:
		return EncodeErrorCode
	case KindInvalidMessageType:
		return InvalidMessageTypeCode
	case KindWebSocketError:
		return WebSocketErrorCode
	case KindProtocolError:
		return ProtocolErrorCode
	case KindAuthError:
		return AuthErrorCode
	case KindInvalidCommand:
		return InvalidCommandCode
	case KindInvalidParams:
		return InvalidParamsCode
	case KindInternalError:
		return InternalErrorCode
	case KindTimeout:
		return TimeoutCode
	case KindResourceError:
		return ResourceErrorCode
	case KindServiceNotFound:
		return ServiceNotFoundCode
	case KindBusinessError:
		return BusinessErrorCode
	case KindArgsError:
		return ArgsErrorCode
	case KindUnauthorized:
		return UnauthorizedCode
	case KindInvalidState:
		return InvalidStateCode
	default:
		return UnknownCode
	}
}

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// Wrap builds an *Error of the given kind, wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// ErrConnectionClosed is returned by Connection.Send/Receive once the
// connection has transitioned to Disconnected, per spec.md §3's Connection
// invariants.
var ErrConnectionClosed = New(KindConnectionClosed, "connection closed")

// ErrConnectionNotFound is returned when pushing to or responding on an
// unknown conn_id.
var ErrConnectionNotFound = New(KindConnectionNotFound, "connection not found")

// ErrInvalidMessageType is returned for unsupported frame types.
var ErrInvalidMessageType = New(KindInvalidMessageType, "invalid message type")

// ErrTimeout is returned when send_wait_timeout expires.
var ErrTimeout = New(KindTimeout, "timeout")

// ErrInvalidCommand is returned when a command has no matching handler set
// or ctx.Command is absent.
var ErrInvalidCommand = New(KindInvalidCommand, "invalid command")

// ErrAuthTimeout is the fixed message spec.md §8 names for the 30s server
// auth deadline.
var ErrAuthTimeout = New(KindAuthError, "Authentication timeout")

// ErrUnauthorized is raised for an empty login token, per spec.md §4.D.
var ErrUnauthorized = New(KindUnauthorized, "unauthorized")

// ErrDecode wraps a lower-level decode failure (msgpack, schema) as a
// *Error of KindDecodeError.
func ErrDecode(cause error) *Error { return Wrap(KindDecodeError, "decode error", cause) }

// ErrEncode wraps a lower-level encode failure.
func ErrEncode(cause error) *Error { return Wrap(KindEncodeError, "encode error", cause) }

// ConnectionError builds a KindConnectionError, per spec.md §7.
func ConnectionError(msg string) *Error { return New(KindConnectionError, msg) }

// InvalidParams builds a KindInvalidParams error for a malformed decode.
func InvalidParams(msg string) *Error { return New(KindInvalidParams, msg) }

// AuthError builds a KindAuthError.
func AuthError(msg string) *Error { return New(KindAuthError, msg) }

// InternalError wraps a handler error as KindInternalError.
func InternalError(cause error) *Error {
	return Wrap(KindInternalError, "internal error", cause)
}

// ServiceNotFound builds a KindServiceNotFound for an unknown discovery name.
func ServiceNotFound(name string) *Error {
	return New(KindServiceNotFound, fmt.Sprintf("service not found: %s", name))
}

// ResourceError builds a KindResourceError for a discovery backend failure.
func ResourceError(msg string) *Error { return New(KindResourceError, msg) }

// ToResponse converts any error into a Response, per spec.md §4.C rule 4:
// "A handler error is converted to a Response {code=mapped ResultCode,
// message=err.to_string(), data=[]}". Non-*Error values map to UnknownCode.
func ToResponse(err error) *Response {
	if err == nil {
		return &Response{Code: Success}
	}
	var fe *Error
	if as, ok := err.(*Error); ok {
		fe = as
	} else {
		fe = &Error{Kind: KindUnknown, Msg: err.Error()}
	}
	return &Response{Code: fe.ResultCode(), Message: fe.Error()}
}
