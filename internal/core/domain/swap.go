package domain

import (
	"context"
	"time"

	"github.com/comit-network/cnd/pkg/swap"
	"github.com/google/uuid"
)

// Swap is the persisted record of a negotiated swap. The parameters are
// immutable once negotiation completed; everything that happens afterwards
// lives in the event log.
type Swap struct {
	ID           uuid.UUID
	Params       swap.Params
	Role         swap.Role
	CounterParty string // peer address the swap was negotiated with
	Invoice      string // hold invoice when one side settles over Lightning
	CreatedAt    time.Time
}

// SwapRepository stores negotiated swaps.
type SwapRepository interface {
	Add(ctx context.Context, swap Swap) error
	Get(ctx context.Context, id uuid.UUID) (*Swap, error)
	GetAll(ctx context.Context) ([]Swap, error)
	Close()
}
