package ports

import (
	"context"
	"errors"

	"github.com/comit-network/cnd/pkg/htlc"
	"github.com/comit-network/cnd/pkg/swap"
)

// ErrChainInconsistent is delivered on the watch error channel when a reorg
// at or beyond the finality depth invalidates an already-delivered event.
// The affected swap halts; there is no automatic remediation.
var ErrChainInconsistent = errors.New("chain reorganisation beyond finality depth")

// ActionDescription tells the actor what to do without signing anything.
// The payload is ledger-specific: a raw script and address for Bitcoin,
// contract calldata for Ethereum, an invoice for Lightning.
type ActionDescription struct {
	Kind    swap.ActionKind
	Side    htlc.Side
	Ledger  htlc.Ledger
	Payload map[string]string
}

// LedgerAdapter is the uniform per-ledger capability set. One adapter
// instance serves all swaps on its ledger; subscriptions are keyed by the
// HTLC parameter digest.
//
// Watch delivers observations for one HTLC in chain order, none shallower
// than the ledger's finality depth. Reorgs shallower than that are absorbed
// silently. The observation channel closes after a closing observation
// (redeem or refund) or when ctx is cancelled; the error channel delivers at
// most one fatal error.
type LedgerAdapter interface {
	Ledger() htlc.Ledger
	Watch(ctx context.Context, side htlc.Side, params htlc.Params, startHeight uint64) (<-chan htlc.Observation, <-chan error, error)
	// Tick reports the chain's position in its native expiry unit: block
	// height for Bitcoin, unix seconds of the latest block for Ethereum.
	Tick(ctx context.Context) (uint64, error)
	// Height reports the scan position watchers resume from: the block
	// number for chain ledgers, zero for subscription ledgers.
	Height(ctx context.Context) (uint64, error)
	// BuildAction describes the next step for the actor's wallet. location
	// is the observed HTLC location (funding outpoint or contract address),
	// empty for opening actions; secret is required for redeems.
	BuildAction(ctx context.Context, kind swap.ActionKind, side htlc.Side, params htlc.Params, location string, secret *htlc.Secret) (ActionDescription, error)
}
