package imctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flare152/flare/internal/schema"
)

func TestBuilderRequiresRemoteAddr(t *testing.T) {
	_, err := NewBuilder("").Build()
	require.Error(t, err)
	assert.IsType(t, &schema.Error{}, err)
}

func TestBuilderBuild(t *testing.T) {
	c, err := NewBuilder("1.2.3.4:5").
		Command(schema.SendMessage).
		Payload([]byte("hi")).
		UserID("u1").
		ClientID("c1").
		Build()
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4:5", c.RemoteAddr)
	assert.True(t, c.HasCommand)
	assert.Equal(t, schema.SendMessage, c.Command)
	assert.Equal(t, "u1", c.UserID)
}

func TestValueBag(t *testing.T) {
	c, err := NewBuilder("1.2.3.4:5").Build()
	require.NoError(t, err)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	c.Destroy()
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, "", c.RemoteAddr)
}

func TestDecodeHelpersOnPayload(t *testing.T) {
	c, err := NewBuilder("addr").Payload(schema.EncodeInt64LE(42)).Build()
	require.NoError(t, err)
	v, err := c.DecodeInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	c2, err := NewBuilder("addr").Payload([]byte{1}).Build()
	require.NoError(t, err)
	_, err = c2.DecodeInt64()
	assert.Error(t, err)
}
