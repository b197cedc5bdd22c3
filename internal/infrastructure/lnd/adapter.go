package lnd

import (
	"context"
	"fmt"
	"math/big"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/comit-network/cnd/internal/core/ports"
	"github.com/comit-network/cnd/pkg/htlc"
	"github.com/comit-network/cnd/pkg/swap"
)

// Adapter exposes the Lightning hold-invoice flow through the uniform
// ledger capability set. Acceptance of the hold invoice is deployment and
// funding in one, settling is the redeem that reveals the preimage, and a
// cancel or invoice expiry is the refund. Events come from the invoice
// subscription, not from block scanning.
type Adapter struct {
	ln ports.LnService
}

func NewAdapter(ln ports.LnService) *Adapter {
	return &Adapter{ln: ln}
}

func (a *Adapter) Ledger() htlc.Ledger {
	return htlc.LedgerLightning
}

// Tick reports unix seconds. Lightning expiries ride on the invoice itself,
// enforced by the node; the tick only feeds the action gating.
func (a *Adapter) Tick(ctx context.Context) (uint64, error) {
	return uint64(time.Now().Unix()), nil
}

// Height is zero: invoice events come from a subscription, there is no scan
// position to resume from.
func (a *Adapter) Height(ctx context.Context) (uint64, error) {
	return 0, nil
}

func (a *Adapter) Watch(
	ctx context.Context, side htlc.Side, params htlc.Params, startHeight uint64,
) (<-chan htlc.Observation, <-chan error, error) {
	updates, subErrs, err := a.ln.SubscribeSingleInvoice(ctx, params.SecretHash)
	if err != nil {
		return nil, nil, err
	}

	obsCh := make(chan htlc.Observation)
	errCh := make(chan error, 1)
	logger := log.WithField("invoice", params.SecretHash.String()[:16])

	go func() {
		defer close(obsCh)
		defer close(errCh)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-subErrs:
				if ok && ctx.Err() == nil {
					errCh <- err
				}
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				obs, done, err := a.observation(side, params, update, logger)
				if err != nil {
					if ctx.Err() == nil {
						errCh <- err
					}
					return
				}
				for _, o := range obs {
					select {
					case <-ctx.Done():
						return
					case obsCh <- o:
					}
				}
				if done {
					return
				}
			}
		}
	}()

	return obsCh, errCh, nil
}

func (a *Adapter) observation(
	side htlc.Side, params htlc.Params, update ports.InvoiceUpdate, logger *log.Entry,
) ([]htlc.Observation, bool, error) {
	ptr := htlc.TxPointer{TxID: update.Hash.String()}
	location := update.Hash.String()

	switch update.State {
	case ports.InvoiceAccepted:
		logger.Info("hold invoice accepted")
		amount := new(big.Int).SetUint64(update.AmtSat)
		kind := htlc.ObsFunded
		if htlc.ClassifyFunding(side, params.Asset.Quantity, amount) == htlc.FundingIncorrect {
			kind = htlc.ObsIncorrectlyFunded
		}
		return []htlc.Observation{
			{Kind: kind, Tx: ptr, Location: location, Amount: amount},
		}, false, nil
	case ports.InvoiceSettled:
		secret, err := htlc.ExtractSecret(update.Preimage, params.SecretHash)
		if err != nil {
			// a settlement that does not match the hash is dropped
			logger.WithError(err).Warn("settled invoice with invalid preimage, dropped")
			return nil, true, nil
		}
		logger.Info("hold invoice settled, secret revealed")
		return []htlc.Observation{
			{Kind: htlc.ObsRedeemed, Tx: ptr, Location: location, Secret: &secret},
		}, true, nil
	case ports.InvoiceCanceled:
		logger.Info("hold invoice canceled")
		return []htlc.Observation{
			{Kind: htlc.ObsRefunded, Tx: ptr, Location: location},
		}, true, nil
	default:
		return nil, false, nil
	}
}

func (a *Adapter) BuildAction(
	ctx context.Context, kind swap.ActionKind, side htlc.Side, params htlc.Params, location string, secret *htlc.Secret,
) (ports.ActionDescription, error) {
	switch kind {
	case swap.ActionFund:
		// The funder pays the hold invoice hosted by the secret holder's
		// node; the payment blocks until the receiver settles. The invoice
		// was exchanged during negotiation and arrives here as location.
		if location == "" {
			return ports.ActionDescription{}, fmt.Errorf("no invoice negotiated for this swap")
		}
		return ports.ActionDescription{
			Kind:   swap.ActionFund,
			Side:   side,
			Ledger: htlc.LedgerLightning,
			Payload: map[string]string{
				"pay_invoice": location,
			},
		}, nil
	case swap.ActionRedeem:
		if secret == nil {
			return ports.ActionDescription{}, fmt.Errorf("redeem requires the secret")
		}
		return ports.ActionDescription{
			Kind:   swap.ActionRedeem,
			Side:   side,
			Ledger: htlc.LedgerLightning,
			Payload: map[string]string{
				"settle_preimage": fmt.Sprintf("%x", secret[:]),
			},
		}, nil
	case swap.ActionRefund:
		return ports.ActionDescription{
			Kind:   swap.ActionRefund,
			Side:   side,
			Ledger: htlc.LedgerLightning,
			Payload: map[string]string{
				"cancel_invoice": params.SecretHash.String(),
			},
		}, nil
	default:
		return ports.ActionDescription{}, fmt.Errorf("action %s not supported on lightning", kind)
	}
}

var _ ports.LedgerAdapter = (*Adapter)(nil)
