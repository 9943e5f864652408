// Package dispatch routes a Context's command to one of the Auth, Business,
// or System handler sets, grounded on the teacher's rpc.Dispatcher interface
// (internal/rpc/dispatcher.go: Handle(req) Response) generalized from a
// single JSON-RPC method-string switch to the spec's three disjoint
// command-range handler groups.
package dispatch

import (
	"github.com/flare152/flare/internal/imctx"
	"github.com/flare152/flare/internal/schema"
)

// HandlerSet answers whether it supports a command and, if so, handles it.
type HandlerSet interface {
	Supports(cmd schema.Command) bool
	Handle(ctx *imctx.Context) (*schema.Response, error)
}

// Dispatcher holds an ordered list of handler sets. Order is precedence:
// the first set whose Supports returns true for a command wins, per
// spec.md §4.C rule 3.
type Dispatcher struct {
	sets []HandlerSet
}

// New builds a Dispatcher trying sets in the given order. Auth, Business,
// System is the conventional order for both client and server engines.
func New(sets ...HandlerSet) *Dispatcher {
	return &Dispatcher{sets: sets}
}

// Dispatch implements spec.md §4.C's four dispatch rules: an absent command
// is InvalidCommand; PING/PONG short-circuit with no routing; otherwise the
// first matching handler set is invoked and its Response is returned
// unchanged, with handler errors converted via schema.ToResponse. A handler
// error that is not a *schema.Error is wrapped as schema.InternalError first.
func (d *Dispatcher) Dispatch(ctx *imctx.Context) *schema.Response {
	if !ctx.HasCommand {
		return schema.ToResponse(schema.ErrInvalidCommand)
	}

	switch ctx.Command {
	case schema.Ping:
		return &schema.Response{Code: schema.Success, Message: "PONG"}
	case schema.Pong:
		return &schema.Response{Code: schema.Success, Message: "PING received"}
	}

	for _, set := range d.sets {
		if !set.Supports(ctx.Command) {
			continue
		}
		resp, err := set.Handle(ctx)
		if err != nil {
			if _, ok := err.(*schema.Error); !ok {
				err = schema.InternalError(err)
			}
			return schema.ToResponse(err)
		}
		return resp
	}
	return schema.ToResponse(schema.ErrInvalidCommand)
}

// CommandSet is a HandlerSet built from a fixed command list and a single
// Handle function, sparing callers from writing a Supports switch by hand
// for simple handler sets (e.g. a server System set with three commands).
type CommandSet struct {
	Commands []schema.Command
	Handler  func(ctx *imctx.Context) (*schema.Response, error)
}

func (s *CommandSet) Supports(cmd schema.Command) bool {
	for _, c := range s.Commands {
		if c == cmd {
			return true
		}
	}
	return false
}

func (s *CommandSet) Handle(ctx *imctx.Context) (*schema.Response, error) {
	return s.Handler(ctx)
}

// ServerAuthCommands is the server-side Auth handler set's supported list.
var ServerAuthCommands = []schema.Command{schema.Login, schema.Logout}

// BusinessCommands is the Business handler set's supported list, shared by
// client and server engines.
var BusinessCommands = []schema.Command{schema.SendMessage, schema.PullMessage, schema.Request, schema.Ack}

// ServerSystemCommands is the server-side System handler set's supported
// list, per spec.md §4.C.
var ServerSystemCommands = []schema.Command{schema.SetBackground, schema.SetLanguage, schema.Close}

// ClientSystemCommands is the client-side System handler set's supported
// list, per spec.md §4.C.
var ClientSystemCommands = []schema.Command{schema.Logout, schema.SetBackground, schema.SetLanguage, schema.Kick, schema.Close}
