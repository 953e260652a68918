package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"coide/internal/models"
	"coide/internal/realtime"
	"coide/internal/session"
	"coide/internal/utils"
)

// Verifier turns the handshake credential into an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (models.Identity, error)
}

type GatewayConfig struct {
	AllowedOrigins    []string
	MessagesPerSecond float64
	MessageBurst      int
}

// Gateway authenticates WebSocket handshakes and hands accepted connections
// to the event router.
type Gateway struct {
	log      *utils.Logger
	router   *realtime.Router
	verifier Verifier
	upgrader websocket.Upgrader
	rate     float64
	burst    int
}

func NewGateway(log *utils.Logger, router *realtime.Router, verifier Verifier, cfg GatewayConfig) *Gateway {
	g := &Gateway{
		log:      log,
		router:   router,
		verifier: verifier,
		rate:     cfg.MessagesPerSecond,
		burst:    cfg.MessageBurst,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return g
}

// ServeWS refuses the handshake with 401 unless the token verifies, then runs
// the connection until it drops.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := g.verifier.Verify(r.Context(), tokenFromRequest(r))
	if err != nil {
		g.log.Warn("handshake refused", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := session.NewClient(uuid.New().String(), identity, conn)
	if g.rate > 0 {
		client.SetRateLimit(g.rate, g.burst)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = g.router.Connect(ctx, client)
	cancel()
	if err != nil {
		g.log.Error("attach connection", "connId", client.ID, "error", err)
		client.Close()
		return
	}

	go client.WritePump()
	err = client.ReadPump(
		func(frame models.Frame) { g.router.Inbound(client.ID, frame) },
		func(dropErr error) { g.router.Dropped(client.ID, dropErr) },
	)
	g.log.Debug("connection read loop ended", "connId", client.ID, "error", err)

	g.router.Disconnect(client.ID)
	client.Close()
}

func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	token, err := utils.ExtractTokenFromHeader(r.Header.Get("Authorization"))
	if err != nil {
		return ""
	}
	return token
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}
