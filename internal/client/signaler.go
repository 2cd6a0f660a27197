package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"

	"github.com/dkeye/voicertc/internal/protocol"
)

// TokenCookie carries the client token on the websocket upgrade.
const TokenCookie = "ct"

// Notification is a server event. Method is the event type.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Signaler is the request/notification channel to the server.
type Signaler interface {
	// Call sends method and decodes the reply into result. Server errors
	// come back as *protocol.RemoteError.
	Call(ctx context.Context, method string, params, result any) error
	// Notifications is closed when the connection ends.
	Notifications() <-chan Notification
	Close() error
}

// WSSignaler speaks JSON-RPC over a websocket. Notifications are queued
// without bound so a slow reader never stalls replies.
type WSSignaler struct {
	conn   *jsonrpc2.Conn
	out    chan Notification
	logger zerolog.Logger

	mu      sync.Mutex
	queue   []Notification
	wake    chan struct{}
	stopped bool
}

// Dial connects to url presenting token as the client identity.
func Dial(ctx context.Context, url, token string) (*WSSignaler, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Cookie", (&http.Cookie{Name: TokenCookie, Value: token}).String())
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	s := &WSSignaler{
		out:    make(chan Notification),
		wake:   make(chan struct{}, 1),
		logger: log.With().Str("module", "client.signal").Logger(),
	}
	s.conn = jsonrpc2.NewConn(context.Background(), wsstream.NewObjectStream(ws), jsonrpc2.HandlerWithError(s.handle))
	go s.pump()
	return s, nil
}

func (s *WSSignaler) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if !req.Notif {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "client serves no methods"}
	}
	n := Notification{Method: req.Method}
	if req.Params != nil {
		n.Params = append(json.RawMessage(nil), *req.Params...)
	}
	s.mu.Lock()
	s.queue = append(s.queue, n)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil, nil
}

func (s *WSSignaler) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, n := range batch {
			select {
			case s.out <- n:
			case <-s.conn.DisconnectNotify():
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-s.wake:
		case <-s.conn.DisconnectNotify():
			s.logger.Info().Msg("signal connection closed")
			return
		}
	}
}

func (s *WSSignaler) Call(ctx context.Context, method string, params, result any) error {
	if err := s.conn.Call(ctx, method, params, result); err != nil {
		return protocol.FromRPCError(err)
	}
	return nil
}

func (s *WSSignaler) Notifications() <-chan Notification { return s.out }

// Done is closed once the connection is gone.
func (s *WSSignaler) Done() <-chan struct{} { return s.conn.DisconnectNotify() }

func (s *WSSignaler) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()
	return s.conn.Close()
}
