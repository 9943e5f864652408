// Command flare-client connects to a flare-server instance, authenticates,
// and sends one SendMessage request with SendWait, printing the response.
// Flag wiring mirrors the teacher's cmd/blizzardgw/main.go texture (flag
// for the primary target address, a couple of auxiliary flags for identity).
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/flare152/flare/internal/dispatch"
	"github.com/flare152/flare/internal/im/client"
	"github.com/flare152/flare/internal/imctx"
	"github.com/flare152/flare/internal/logging"
	"github.com/flare152/flare/internal/schema"
)

func main() {
	wsURL := flag.String("ws-url", "ws://127.0.0.1:8082/", "server ws:// URL")
	userID := flag.String("user", "demo-user", "user id to authenticate as")
	token := flag.String("token", "demo-token", "auth token")
	message := flag.String("message", "hello from flare-client", "payload to send")
	flag.Parse()

	logger := logging.New("info")
	defer logger.Sync()

	business := &dispatch.CommandSet{
		Commands: dispatch.BusinessCommands,
		Handler:  func(ctx *imctx.Context) (*schema.Response, error) { return &schema.Response{Code: schema.Success}, nil },
	}
	system := &dispatch.CommandSet{
		Commands: dispatch.ClientSystemCommands,
		Handler:  func(ctx *imctx.Context) (*schema.Response, error) { return &schema.Response{Code: schema.Success}, nil },
	}

	c := client.New(client.Config{
		WSURL:    *wsURL,
		Protocol: client.ProtoWS,
		UserID:   *userID,
		Token:    *token,
		Platform: schema.PlatformDesktop,
	}, business, system, logger)

	c.SetOnResponse(func(resp *schema.Response) {
		logger.Sugar().Infow("server push", "code", resp.Code, "message", resp.Message)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer c.Close()

	resp, err := c.SendWaitTimeout(&schema.Message{
		Command: schema.SendMessage,
		Data:    []byte(*message),
	}, 5*time.Second)
	if err != nil {
		log.Fatalf("send_wait: %v", err)
	}
	log.Printf("response: code=%d message=%q data=%q", resp.Code, resp.Message, resp.Data)
}
