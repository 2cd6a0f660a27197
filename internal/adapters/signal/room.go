package signal

import (
	"context"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/dkeye/voicertc/internal/protocol"
)

func handleJoin(ctx context.Context, h *handler, req *jsonrpc2.Request) (any, error) {
	p, err := decode[protocol.JoinVoiceParams](req)
	if err != nil {
		return nil, err
	}
	return h.ctl.Orch.Join(ctx, h.user, p)
}

func handleLeave(_ context.Context, h *handler, _ *jsonrpc2.Request) (any, error) {
	h.ctl.Orch.Leave(h.user)
	return protocol.Ack{OK: true}, nil
}

func handleUpdateState(ctx context.Context, h *handler, req *jsonrpc2.Request) (any, error) {
	p, err := decode[protocol.UpdateStateParams](req)
	if err != nil {
		return nil, err
	}
	return h.ctl.Orch.UpdateState(ctx, h.user, p)
}
