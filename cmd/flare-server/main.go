// Command flare-server runs a dual-transport (WebSocket + QUIC) Server
// Engine, registers itself with the configured discovery backend, and
// serves until a termination signal arrives. Flag+env wiring style follows
// the teacher's cmd/blizzardgw/main.go (flag.String for the primary listen
// address, everything else from Config.Load's env/file layering).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	quicgo "github.com/quic-go/quic-go"

	"github.com/flare152/flare/internal/app"
	"github.com/flare152/flare/internal/config"
	"github.com/flare152/flare/internal/dispatch"
	"github.com/flare152/flare/internal/discover/registry"
	"github.com/flare152/flare/internal/discover/registry/consulreg"
	"github.com/flare152/flare/internal/discover/registry/kvreg"
	"github.com/flare152/flare/internal/im/server"
	"github.com/flare152/flare/internal/imctx"
	"github.com/flare152/flare/internal/logging"
	"github.com/flare152/flare/internal/schema"
	"github.com/flare152/flare/internal/transport/quic"
)

func main() {
	configFile := flag.String("config", "", "optional YAML config file")
	wsListen := flag.String("ws-listen", "", "override ws_listen from config")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *wsListen != "" {
		cfg.WSListen = *wsListen
	}

	logger := logging.New(cfg.LogLevel)
	defer logger.Sync()

	auth := &dispatch.CommandSet{
		Commands: dispatch.ServerAuthCommands,
		Handler:  handleAuth,
	}
	business := &dispatch.CommandSet{
		Commands: dispatch.BusinessCommands,
		Handler:  handleBusiness,
	}
	system := &dispatch.CommandSet{
		Commands: dispatch.ServerSystemCommands,
		Handler:  handleSystem,
	}

	srv := server.New(auth, business, system, logger)
	srv.StartWatchdog()
	defer srv.Stop()

	backend, err := newRegistryBackend(cfg)
	if err != nil {
		log.Fatalf("init registry backend: %v", err)
	}

	reg := registry.Registration{
		Name:    orDefault(cfg.ServiceName, "flare"),
		ID:      orDefault(cfg.ServiceID, uuid.NewString()),
		Tags:    cfg.ServiceTags,
		Address: hostOf(cfg.WSListen),
		Port:    portOf(cfg.WSListen),
		Weight:  cfg.ServiceWeight,
		Meta:    cfg.ServiceMeta,
		Version: cfg.ServiceVersion,
	}

	bootstrap := &app.Bootstrap{Registrar: backend, Reg: reg, Log: logger}
	if err := bootstrap.Run(context.Background(), func(ctx context.Context) error {
		return runListeners(ctx, cfg, srv)
	}); err != nil {
		log.Fatalf("server exited with error: %v", err)
	}
}

func runListeners(ctx context.Context, cfg config.Config, srv *server.Server) error {
	wsLn, err := net.Listen("tcp", cfg.WSListen)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = wsLn.Close()
	}()

	errCh := make(chan error, 2)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	go func() { errCh <- srv.ServeWSListener(wsLn, upgrader, schema.PlatformServer) }()

	if cfg.QUICListen != "" {
		quicLn, err := newQUICListener(cfg.QUICListen)
		if err != nil {
			return err
		}
		go func() {
			<-ctx.Done()
			_ = quicLn.Close()
		}()
		go func() {
			srv.ServeQUICListener(ctx, quicLn, schema.PlatformServer)
			errCh <- nil
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func newQUICListener(addr string) (*quicgo.Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	tr := &quicgo.Transport{Conn: udpConn}
	// Operators must supply Certificates via config before production use;
	// an empty tls.Config here only carries the negotiated ALPN list.
	tlsConf := quic.TLSConfig(&tls.Config{})
	return tr.Listen(tlsConf, quic.Config())
}

func newRegistryBackend(cfg config.Config) (app.Registrar, error) {
	switch cfg.RegistryBackend {
	case "consul":
		return consulreg.New(cfg.ConsulAddr, cfg.ConsulToken, cfg.TTL)
	default:
		return kvreg.New(cfg.ArgusURL, cfg.ArgusBucket, cfg.KVPrefix, cfg.ArgusAuth, cfg.TTL), nil
	}
}

// handleAuth accepts any non-empty token, mirroring a minimal auth backend
// an integrator would replace with a real identity check.
func handleAuth(ctx *imctx.Context) (*schema.Response, error) {
	req, err := schema.DecodeLoginReq(ctx.Payload)
	if err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, schema.AuthError("missing token")
	}
	data, err := schema.EncodeLoginResp(&schema.LoginResp{UserID: req.UserID})
	if err != nil {
		return nil, err
	}
	return &schema.Response{Code: schema.Success, Message: "ok", Data: data}, nil
}

// handleBusiness echoes the inbound payload back as an acknowledgement;
// a real deployment would route SendMessage/PullMessage/Request/Ack into
// its own message store.
func handleBusiness(ctx *imctx.Context) (*schema.Response, error) {
	return &schema.Response{Code: schema.Success, Message: "ack", Data: ctx.Payload}, nil
}

func handleSystem(ctx *imctx.Context) (*schema.Response, error) {
	return &schema.Response{Code: schema.Success, Message: "ok"}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return "0.0.0.0"
	}
	return host
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return p
}
