// Package signal serves the voice protocol as JSON-RPC 2.0 over websocket.
package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/dkeye/voicertc/internal/app/orch"
	"github.com/dkeye/voicertc/internal/core"
	"github.com/dkeye/voicertc/internal/domain"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	// RateLimit is the sustained request rate per user; zero disables it.
	RateLimit float64
	RateBurst int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	opts    Options
	limiter *UserRateLimiter
	wg      sync.WaitGroup
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	opts = opts.withDefaults()
	ctl := &SignalWSController{Orch: o, opts: opts}
	if opts.RateLimit > 0 {
		ctl.limiter = NewUserRateLimiter(opts.RateLimit, opts.RateBurst)
	}
	return ctl
}

// WsSignalConn is the notification side of one websocket session.
type WsSignalConn struct {
	stream *wsStream
}

// Notify queues a JSON-RPC notification. A full queue is reported as
// core.ErrBackpressure.
func (c *WsSignalConn) Notify(method string, params any) error {
	req := &jsonrpc2.Request{Method: method, Notif: true}
	if err := req.SetParams(params); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.stream.TrySend(data)
}

func (c *WsSignalConn) Close() {
	_ = c.stream.Close()
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	user := domain.UserID(c.GetString("client_token"))
	if user == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	ctl.ServeWS(ctx, c.Writer, c.Request, user)
}

// ServeWS upgrades the request and runs the session of user until the
// socket closes or ctx is done.
func (ctl *SignalWSController) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request, user domain.UserID) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("user", string(user)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	stream := newWsStream(ws, ctl.opts)
	conn := &WsSignalConn{stream: stream}
	ctl.Orch.Connect(user, conn, cancel)

	h := &handler{ctl: ctl, user: user}
	rpc := jsonrpc2.NewConn(ctx, stream, jsonrpc2.HandlerWithError(h.handle))

	ctl.wg.Add(2)
	go func() {
		defer ctl.wg.Done()
		stream.writePump(ctx)
	}()
	go func() {
		defer ctl.wg.Done()
		select {
		case <-rpc.DisconnectNotify():
		case <-ctx.Done():
		}
		cancel()
		_ = rpc.Close()
		if ctl.Orch.Disconnect(user, conn) && ctl.limiter != nil {
			ctl.limiter.Forget(user)
		}
		log.Info().Str("module", "signal").Str("user", string(user)).Msg("WS connection closed")
	}()
}

// Wait blocks until every session goroutine has returned.
func (ctl *SignalWSController) Wait() {
	ctl.wg.Wait()
}
