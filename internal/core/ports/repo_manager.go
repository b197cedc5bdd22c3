package ports

import "github.com/comit-network/cnd/internal/core/domain"

// RepoManager gives access to the persistent repositories.
type RepoManager interface {
	Swaps() domain.SwapRepository
	Events() domain.EventRepository
	Orders() domain.OrderRepository
	Close()
}
