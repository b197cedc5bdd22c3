package application

import (
	"context"
	"sync"

	"github.com/comit-network/cnd/internal/core/ports"
	"github.com/comit-network/cnd/pkg/htlc"
	"github.com/comit-network/cnd/pkg/swap"
	"github.com/comit-network/cnd/pkg/wire"
)

// mockAdapter scripts ledger observations per side. Watch hands out the
// side's channel; tests feed it.
type mockAdapter struct {
	ledger htlc.Ledger

	mu   sync.Mutex
	tick uint64
	obs  map[htlc.Side]chan htlc.Observation
	errs map[htlc.Side]chan error
}

func newMockAdapter(ledger htlc.Ledger) *mockAdapter {
	return &mockAdapter{
		ledger: ledger,
		tick:   100,
		obs: map[htlc.Side]chan htlc.Observation{
			htlc.SideAlpha: make(chan htlc.Observation, 16),
			htlc.SideBeta:  make(chan htlc.Observation, 16),
		},
		errs: map[htlc.Side]chan error{
			htlc.SideAlpha: make(chan error, 1),
			htlc.SideBeta:  make(chan error, 1),
		},
	}
}

func (m *mockAdapter) Ledger() htlc.Ledger { return m.ledger }

func (m *mockAdapter) Watch(
	ctx context.Context, side htlc.Side, params htlc.Params, startHeight uint64,
) (<-chan htlc.Observation, <-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.obs[side], m.errs[side], nil
}

func (m *mockAdapter) Tick(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tick, nil
}

func (m *mockAdapter) Height(ctx context.Context) (uint64, error) {
	return m.Tick(ctx)
}

func (m *mockAdapter) setTick(tick uint64) {
	m.mu.Lock()
	m.tick = tick
	m.mu.Unlock()
}

func (m *mockAdapter) emit(side htlc.Side, obs htlc.Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs[side] <- obs
}

func (m *mockAdapter) fail(side htlc.Side, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[side] <- err
}

func (m *mockAdapter) BuildAction(
	ctx context.Context, kind swap.ActionKind, side htlc.Side, params htlc.Params, location string, secret *htlc.Secret,
) (ports.ActionDescription, error) {
	payload := map[string]string{"location": location}
	if secret != nil {
		payload["secret"] = secret.Hash().String()
	}
	return ports.ActionDescription{
		Kind:    kind,
		Side:    side,
		Ledger:  m.ledger,
		Payload: payload,
	}, nil
}

var _ ports.LedgerAdapter = (*mockAdapter)(nil)

// mockTransport scripts the peer's announce answer and records gossip.
type mockTransport struct {
	mu       sync.Mutex
	handler  ports.InboundHandler
	answer   *wire.AnnounceOK
	rejected string
	gossiped []wire.OrderGossip
}

func (t *mockTransport) Start(ctx context.Context) error { return nil }
func (t *mockTransport) Stop()                           {}

func (t *mockTransport) SetHandler(handler ports.InboundHandler) {
	t.handler = handler
}

func (t *mockTransport) Announce(ctx context.Context, peer string, msg wire.Announce) (*wire.AnnounceOK, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rejected != "" {
		return nil, ports.ErrAnnounceRejected
	}
	if t.answer != nil {
		return t.answer, nil
	}
	return &wire.AnnounceOK{SwapID: msg.SwapID, AlphaRedeem: "peer-alpha", BetaRefund: "peer-beta"}, nil
}

func (t *mockTransport) GossipOrders(ctx context.Context, msg wire.OrderGossip) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gossiped = append(t.gossiped, msg)
	return nil
}

func (t *mockTransport) Connect(ctx context.Context, addr string) error { return nil }

var _ ports.PeerTransport = (*mockTransport)(nil)
