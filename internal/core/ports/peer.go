package ports

import (
	"context"
	"errors"

	"github.com/comit-network/cnd/pkg/wire"
)

var ErrAnnounceRejected = errors.New("peer rejected the announce")

// InboundHandler receives peer messages. HandleAnnounce returns either a
// confirmation or a rejection reason; for manually-approved swaps it blocks
// until the operator decides or the request deadline expires.
type InboundHandler interface {
	HandleAnnounce(ctx context.Context, from string, msg wire.Announce) (*wire.AnnounceOK, string)
	HandleOrderGossip(from string, msg wire.OrderGossip)
	// PeerDisconnected is invoked when a connection drops; swaps still in
	// negotiation with that peer roll back to their pre-announce state.
	PeerDisconnected(peer string)
}

// PeerTransport is the framed request/response messaging layer. Delivery is
// ordered per peer and idempotent by swap/order id; every request carries a
// deadline.
type PeerTransport interface {
	Start(ctx context.Context) error
	Stop()
	SetHandler(handler InboundHandler)
	// Announce sends the proposal to the peer and waits for its answer.
	// A rejection is final and returned as ErrAnnounceRejected.
	Announce(ctx context.Context, peer string, msg wire.Announce) (*wire.AnnounceOK, error)
	// GossipOrders broadcasts the open book to every connected peer.
	GossipOrders(ctx context.Context, msg wire.OrderGossip) error
	Connect(ctx context.Context, addr string) error
}
