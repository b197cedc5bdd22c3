package domain

import (
	"context"

	"github.com/comit-network/cnd/pkg/orderbook"
	"github.com/google/uuid"
)

// OrderRepository snapshots the open book so the CLI can list orders without
// talking to the running daemon. The in-memory book stays authoritative; the
// snapshot follows it.
type OrderRepository interface {
	Put(ctx context.Context, order orderbook.Order) error
	Delete(ctx context.Context, id uuid.UUID) error
	GetAll(ctx context.Context) ([]orderbook.Order, error)
	Close()
}
