package signal

import (
	"context"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/dkeye/voicertc/internal/protocol"
)

func handleRouterCapabilities(_ context.Context, h *handler, _ *jsonrpc2.Request) (any, error) {
	return h.ctl.Orch.RouterRtpCapabilities(h.user)
}

func handleCreateProducerTransport(ctx context.Context, h *handler, _ *jsonrpc2.Request) (any, error) {
	return h.ctl.Orch.CreateProducerTransport(ctx, h.user)
}

func handleCreateConsumerTransport(ctx context.Context, h *handler, _ *jsonrpc2.Request) (any, error) {
	return h.ctl.Orch.CreateConsumerTransport(ctx, h.user)
}

func handleConnectTransport(ctx context.Context, h *handler, req *jsonrpc2.Request) (any, error) {
	p, err := decode[protocol.ConnectTransportParams](req)
	if err != nil {
		return nil, err
	}
	return h.ctl.Orch.ConnectTransport(ctx, h.user, p)
}

func handleProduce(ctx context.Context, h *handler, req *jsonrpc2.Request) (any, error) {
	p, err := decode[protocol.ProduceParams](req)
	if err != nil {
		return nil, err
	}
	return h.ctl.Orch.Produce(ctx, h.user, p)
}

func handleConsume(ctx context.Context, h *handler, req *jsonrpc2.Request) (any, error) {
	p, err := decode[protocol.ConsumeParams](req)
	if err != nil {
		return nil, err
	}
	return h.ctl.Orch.Consume(ctx, h.user, p)
}

func handleCloseProducer(_ context.Context, h *handler, req *jsonrpc2.Request) (any, error) {
	p, err := decode[protocol.CloseProducerParams](req)
	if err != nil {
		return nil, err
	}
	return h.ctl.Orch.CloseProducer(h.user, p)
}

func handleGetProducers(_ context.Context, h *handler, _ *jsonrpc2.Request) (any, error) {
	return h.ctl.Orch.GetProducers(h.user)
}
