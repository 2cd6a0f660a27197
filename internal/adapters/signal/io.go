package signal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicertc/internal/core"
)

const writeWait = 5 * time.Second

// wsStream is a jsonrpc2.ObjectStream whose writes are queued to a single
// write pump. Replies wait for room in the queue; notifications do not.
type wsStream struct {
	conn *websocket.Conn
	send chan []byte
	ping time.Duration
	done chan struct{}
	stop sync.Once

	mu     sync.RWMutex
	closed bool
}

func newWsStream(conn *websocket.Conn, opts Options) *wsStream {
	s := &wsStream{
		conn: conn,
		send: make(chan []byte, opts.SendBuffer),
		ping: opts.PingPeriod,
		done: make(chan struct{}),
	}
	pongWait := opts.PingPeriod * 10 / 9
	conn.SetReadLimit(opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return s
}

// WriteObject is used by jsonrpc2 for responses. It blocks up to writeWait
// for room in the queue.
func (s *wsStream) WriteObject(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return s.enqueue(data, writeWait)
}

// TrySend queues data or fails with core.ErrBackpressure when the queue is
// full.
func (s *wsStream) TrySend(data []byte) error {
	return s.enqueue(data, 0)
}

func (s *wsStream) enqueue(data []byte, wait time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.ErrClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
	}
	if wait <= 0 {
		return core.ErrBackpressure
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return core.ErrClosed
	case <-t.C:
		return core.ErrBackpressure
	}
}

func (s *wsStream) ReadObject(v any) error {
	return s.conn.ReadJSON(v)
}

func (s *wsStream) Close() error {
	// Release blocked writers before taking the write lock.
	s.stop.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.send)
	return s.conn.Close()
}

func (s *wsStream) writePump(ctx context.Context) {
	t := time.NewTicker(s.ping)
	defer func() {
		t.Stop()
		_ = s.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-s.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-t.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}
