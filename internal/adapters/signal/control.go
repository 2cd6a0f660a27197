package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/dkeye/voicertc/internal/domain"
	"github.com/dkeye/voicertc/internal/protocol"
)

type method func(ctx context.Context, h *handler, req *jsonrpc2.Request) (any, error)

var methods = map[string]method{
	protocol.MethodPing:                     handlePing,
	protocol.MethodJoinVoice:                handleJoin,
	protocol.MethodLeaveVoice:               handleLeave,
	protocol.MethodUpdateState:              handleUpdateState,
	protocol.MethodGetRouterRtpCapabilities: handleRouterCapabilities,
	protocol.MethodCreateProducerTransport:  handleCreateProducerTransport,
	protocol.MethodCreateConsumerTransport:  handleCreateConsumerTransport,
	protocol.MethodConnectTransport:         handleConnectTransport,
	protocol.MethodProduce:                  handleProduce,
	protocol.MethodConsume:                  handleConsume,
	protocol.MethodCloseProducer:            handleCloseProducer,
	protocol.MethodGetProducers:             handleGetProducers,
}

// handler serves the requests of one connection. jsonrpc2 calls it
// sequentially, in arrival order.
type handler struct {
	ctl  *SignalWSController
	user domain.UserID
}

func (h *handler) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (result any, err error) {
	fn, ok := methods[req.Method]
	label := req.Method
	if !ok {
		label = "unknown"
	}
	start := time.Now()
	m := h.ctl.Orch.Metrics
	defer func() {
		res := "ok"
		if err != nil {
			res = "error"
		}
		m.Requests.WithLabelValues(label, res).Inc()
		m.RequestDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	if !ok {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	if lim := h.ctl.limiter; lim != nil && !lim.Allow(h.user) {
		return nil, protocol.ToRPCError(protocol.ErrRateLimited)
	}
	result, err = fn(ctx, h, req)
	if err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("user", string(h.user)).Str("method", req.Method).Msg("request failed")
		return nil, protocol.ToRPCError(err)
	}
	return result, nil
}

func decode[T any](req *jsonrpc2.Request) (T, error) {
	var p T
	if req.Params == nil {
		return p, nil
	}
	if err := json.Unmarshal(*req.Params, &p); err != nil {
		return p, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return p, nil
}

func handlePing(context.Context, *handler, *jsonrpc2.Request) (any, error) {
	return protocol.Ack{OK: true}, nil
}
