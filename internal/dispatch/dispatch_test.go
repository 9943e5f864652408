package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flare152/flare/internal/imctx"
	"github.com/flare152/flare/internal/schema"
)

func ctxWithCommand(t *testing.T, cmd schema.Command) *imctx.Context {
	t.Helper()
	c, err := imctx.NewBuilder("1.2.3.4:5").Command(cmd).Build()
	require.NoError(t, err)
	return c
}

func TestDispatchMissingCommand(t *testing.T) {
	d := New()
	c, err := imctx.NewBuilder("addr").Build()
	require.NoError(t, err)
	resp := d.Dispatch(c)
	assert.Equal(t, schema.InvalidCommandCode, resp.Code)
}

func TestDispatchPingPong(t *testing.T) {
	d := New()
	resp := d.Dispatch(ctxWithCommand(t, schema.Ping))
	assert.Equal(t, schema.Success, resp.Code)
	assert.Equal(t, "PONG", resp.Message)

	resp = d.Dispatch(ctxWithCommand(t, schema.Pong))
	assert.Equal(t, schema.Success, resp.Code)
	assert.Equal(t, "PING received", resp.Message)
}

func TestDispatchRoutesToFirstMatchingSet(t *testing.T) {
	business := &CommandSet{
		Commands: BusinessCommands,
		Handler: func(ctx *imctx.Context) (*schema.Response, error) {
			return &schema.Response{Code: schema.Success, Message: "handled"}, nil
		},
	}
	d := New(business)
	resp := d.Dispatch(ctxWithCommand(t, schema.SendMessage))
	assert.Equal(t, "handled", resp.Message)
}

func TestDispatchUnknownCommandIsInvalid(t *testing.T) {
	business := &CommandSet{Commands: BusinessCommands, Handler: func(ctx *imctx.Context) (*schema.Response, error) {
		return &schema.Response{Code: schema.Success}, nil
	}}
	d := New(business)
	resp := d.Dispatch(ctxWithCommand(t, schema.Kick))
	assert.Equal(t, schema.InvalidCommandCode, resp.Code)
}

func TestDispatchHandlerErrorMapsToResponse(t *testing.T) {
	auth := &CommandSet{
		Commands: ServerAuthCommands,
		Handler: func(ctx *imctx.Context) (*schema.Response, error) {
			return nil, schema.ErrUnauthorized
		},
	}
	d := New(auth)
	resp := d.Dispatch(ctxWithCommand(t, schema.Login))
	assert.Equal(t, schema.UnauthorizedCode, resp.Code)
	assert.Equal(t, schema.ErrUnauthorized.Error(), resp.Message)
}
