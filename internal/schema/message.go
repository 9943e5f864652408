package schema

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/ugorji/go/codec"
)

// mh is shared by all Encode/Decode calls; codec.Handle is safe for
// concurrent use once configured, matching ugorji's documented contract.
var mh codec.MsgpackHandle

// Message is the envelope exchanged over the transport in both directions:
// client->server requests and server->client pushes/responses.
type Message struct {
	Command  Command `codec:"command"`
	Data     []byte  `codec:"data"`
	ClientID string  `codec:"client_id"`
}

// Response is the result envelope a dispatcher returns for a handled command.
type Response struct {
	Code    ResultCode `codec:"code"`
	Message string     `codec:"message"`
	Data    []byte     `codec:"data"`
}

// LoginReq is the decoded payload of a LOGIN Message.
type LoginReq struct {
	UserID   string   `codec:"user_id"`
	Platform Platform `codec:"platform"`
	ClientID string   `codec:"client_id"`
	Token    string   `codec:"token"`
}

// LoginResp is the decoded payload of a successful LOGIN Response.
type LoginResp struct {
	UserID   string `codec:"user_id"`
	Language string `codec:"language"`
}

// EncodeMessage serializes m to its wire form.
func EncodeMessage(m *Message) ([]byte, error) {
	return encode(m)
}

// DecodeMessage parses a wire-form Message.
func DecodeMessage(b []byte) (*Message, error) {
	var m Message
	if err := decode(b, &m); err != nil {
		return nil, ErrDecode(err)
	}
	return &m, nil
}

// EncodeResponse serializes r to its wire form.
func EncodeResponse(r *Response) ([]byte, error) {
	return encode(r)
}

// DecodeResponse parses a wire-form Response.
func DecodeResponse(b []byte) (*Response, error) {
	var r Response
	if err := decode(b, &r); err != nil {
		return nil, ErrDecode(err)
	}
	return &r, nil
}

// EncodeLoginReq serializes a LoginReq for use as a LOGIN Message's Data.
func EncodeLoginReq(r *LoginReq) ([]byte, error) { return encode(r) }

// DecodeLoginReq parses a LOGIN Message's Data.
func DecodeLoginReq(b []byte) (*LoginReq, error) {
	var r LoginReq
	if err := decode(b, &r); err != nil {
		return nil, ErrDecode(err)
	}
	return &r, nil
}

// EncodeLoginResp serializes a LoginResp for use as a SERVER_RESPONSE's Data.
func EncodeLoginResp(r *LoginResp) ([]byte, error) { return encode(r) }

// DecodeLoginResp parses a SERVER_RESPONSE's Data for the login reply.
func DecodeLoginResp(b []byte) (*LoginResp, error) {
	var r LoginResp
	if err := decode(b, &r); err != nil {
		return nil, ErrDecode(err)
	}
	return &r, nil
}

func encode(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &mh)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func decode(b []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(b, &mh)
	return dec.Decode(v)
}

// Payload decode helpers, per spec.md §3/§4.B: string, little-endian i64,
// little-endian f64, single-byte bool, and schema-decoded structures (via
// DecodeStruct below).

// DecodeString interprets payload as a UTF-8 string (no validation beyond
// what Go's string conversion guarantees; callers that need strict UTF-8
// should use utf8.ValidString on the result).
func DecodeString(payload []byte) (string, error) {
	return string(payload), nil
}

// DecodeInt64LE interprets payload as a little-endian int64.
func DecodeInt64LE(payload []byte) (int64, error) {
	if len(payload) < 8 {
		return 0, errors.New("payload too short for int64")
	}
	return int64(binary.LittleEndian.Uint64(payload[:8])), nil
}

// DecodeFloat64LE interprets payload as a little-endian float64.
func DecodeFloat64LE(payload []byte) (float64, error) {
	if len(payload) < 8 {
		return 0, errors.New("payload too short for float64")
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(payload[:8])), nil
}

// DecodeBool interprets payload as a single byte bool (0 = false, nonzero =
// true).
func DecodeBool(payload []byte) (bool, error) {
	if len(payload) < 1 {
		return false, errors.New("payload too short for bool")
	}
	return payload[0] != 0, nil
}

// DecodeStruct msgpack-decodes payload into v.
func DecodeStruct(payload []byte, v interface{}) error {
	return decode(payload, v)
}

// EncodeInt64LE encodes v as little-endian bytes, the inverse of DecodeInt64LE.
func EncodeInt64LE(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

// EncodeFloat64LE encodes v as little-endian bytes, the inverse of DecodeFloat64LE.
func EncodeFloat64LE(v float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}
