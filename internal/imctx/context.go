// Package imctx is the per-message Context passed to every dispatcher
// handler: origin, identity, command, payload, and a mutable key/value bag.
// Pure data plus a builder, grounded on the teacher's rpc.Request (a flat
// decoded struct built per inbound frame in internal/ws/handler.go) and
// generalized from JSON-RPC fields to the spec's command/payload shape.
package imctx

import (
	"sync"

	"github.com/flare152/flare/internal/schema"
)

// Context carries everything a handler needs about one inbound message.
// Values is shared across clones of the same logical context (e.g. the
// dispatcher handing the same Context to a sub-step), so it is guarded by
// its own mutex rather than copied.
type Context struct {
	RemoteAddr  string
	Command     schema.Command
	HasCommand  bool
	Payload     []byte
	UserID      string
	Platform    schema.Platform
	ClientID    string
	Language    string
	ConnID      string
	ClientMsgID string

	values   map[string]string
	valuesMu *sync.Mutex
}

// Builder constructs a Context, enforcing that RemoteAddr is set before Build.
type Builder struct {
	ctx Context
}

// NewBuilder starts a Builder for the given required remote address.
func NewBuilder(remoteAddr string) *Builder {
	return &Builder{ctx: Context{RemoteAddr: remoteAddr}}
}

func (b *Builder) Command(c schema.Command) *Builder {
	b.ctx.Command = c
	b.ctx.HasCommand = true
	return b
}

func (b *Builder) Payload(p []byte) *Builder {
	b.ctx.Payload = p
	return b
}

func (b *Builder) UserID(id string) *Builder {
	b.ctx.UserID = id
	return b
}

func (b *Builder) Platform(p schema.Platform) *Builder {
	b.ctx.Platform = p
	return b
}

func (b *Builder) ClientID(id string) *Builder {
	b.ctx.ClientID = id
	return b
}

func (b *Builder) Language(lang string) *Builder {
	b.ctx.Language = lang
	return b
}

func (b *Builder) ConnID(id string) *Builder {
	b.ctx.ConnID = id
	return b
}

func (b *Builder) ClientMsgID(id string) *Builder {
	b.ctx.ClientMsgID = id
	return b
}

func (b *Builder) Value(key, val string) *Builder {
	if b.ctx.values == nil {
		b.ctx.values = make(map[string]string)
	}
	b.ctx.values[key] = val
	return b
}

// Build returns the assembled Context. RemoteAddr is the only required field;
// it was supplied to NewBuilder and cannot be empty.
func (b *Builder) Build() (*Context, error) {
	if b.ctx.RemoteAddr == "" {
		return nil, schema.InvalidParams("remote_addr is required")
	}
	c := b.ctx
	if c.values == nil {
		c.values = make(map[string]string)
	}
	c.valuesMu = &sync.Mutex{}
	return &c, nil
}

// Get reads a key from the mutable value bag.
func (c *Context) Get(key string) (string, bool) {
	c.valuesMu.Lock()
	defer c.valuesMu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// Set writes a key into the mutable value bag.
func (c *Context) Set(key, val string) {
	c.valuesMu.Lock()
	defer c.valuesMu.Unlock()
	c.values[key] = val
}

// Destroy clears all fields and the value map. Destroy does not affect other
// clones sharing the same underlying value map in a way that matters: once
// called, this Context is no longer usable, but the map itself is not
// shared-mutated out from under a concurrent clone beyond the clear.
func (c *Context) Destroy() {
	c.valuesMu.Lock()
	for k := range c.values {
		delete(c.values, k)
	}
	c.valuesMu.Unlock()

	c.RemoteAddr = ""
	c.Command = 0
	c.HasCommand = false
	c.Payload = nil
	c.UserID = ""
	c.Platform = schema.PlatformUnknown
	c.ClientID = ""
	c.Language = ""
	c.ConnID = ""
	c.ClientMsgID = ""
}

// DecodeString decodes Payload as a UTF-8 string.
func (c *Context) DecodeString() (string, error) {
	s, err := schema.DecodeString(c.Payload)
	if err != nil {
		return "", schema.ErrDecode(err)
	}
	return s, nil
}

// DecodeInt64 decodes Payload as a little-endian int64, failing with
// InvalidParams if the payload is too short.
func (c *Context) DecodeInt64() (int64, error) {
	v, err := schema.DecodeInt64LE(c.Payload)
	if err != nil {
		return 0, schema.InvalidParams(err.Error())
	}
	return v, nil
}

// DecodeFloat64 decodes Payload as a little-endian float64.
func (c *Context) DecodeFloat64() (float64, error) {
	v, err := schema.DecodeFloat64LE(c.Payload)
	if err != nil {
		return 0, schema.InvalidParams(err.Error())
	}
	return v, nil
}

// DecodeBool decodes Payload as a single-byte bool.
func (c *Context) DecodeBool() (bool, error) {
	v, err := schema.DecodeBool(c.Payload)
	if err != nil {
		return false, schema.InvalidParams(err.Error())
	}
	return v, nil
}

// DecodeStruct msgpack-decodes Payload into v.
func (c *Context) DecodeStruct(v interface{}) error {
	if err := schema.DecodeStruct(c.Payload, v); err != nil {
		return schema.ErrDecode(err)
	}
	return nil
}
