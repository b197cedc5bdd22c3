package bitcoin

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/comit-network/cnd/internal/core/ports"
	"github.com/comit-network/cnd/pkg/htlc"
	"github.com/comit-network/cnd/pkg/swap"
)

// fallbackFeeRate is used when the node has no estimate yet, e.g. on a
// fresh regtest chain. sat/kvB.
const fallbackFeeRate = 1000.0

// BuildAction describes what the actor's wallet has to do. Nothing is
// signed here; signing is the wallet's concern.
func (s *Service) BuildAction(
	ctx context.Context, kind swap.ActionKind, side htlc.Side, params htlc.Params, location string, secret *htlc.Secret,
) (ports.ActionDescription, error) {
	switch kind {
	case swap.ActionFund:
		return s.buildFund(side, params)
	case swap.ActionRedeem:
		if secret == nil {
			return ports.ActionDescription{}, fmt.Errorf("redeem requires the secret")
		}
		return s.buildSpend(ctx, kind, side, params, location, secret)
	case swap.ActionRefund:
		return s.buildSpend(ctx, kind, side, params, location, nil)
	default:
		return ports.ActionDescription{}, fmt.Errorf("action %s not supported on bitcoin", kind)
	}
}

func (s *Service) buildFund(side htlc.Side, params htlc.Params) (ports.ActionDescription, error) {
	addr, err := htlcAddress(params, s.chain)
	if err != nil {
		return ports.ActionDescription{}, err
	}
	return ports.ActionDescription{
		Kind:   swap.ActionFund,
		Side:   side,
		Ledger: htlc.LedgerBitcoin,
		Payload: map[string]string{
			"to":     addr.EncodeAddress(),
			"amount": params.Asset.Quantity.String(),
		},
	}, nil
}

// buildSpend describes a redeem or refund of the HTLC output: the witness
// script, the stack items beyond signature and pubkey, and a fee estimate.
func (s *Service) buildSpend(
	ctx context.Context, kind swap.ActionKind, side htlc.Side, params htlc.Params, location string, secret *htlc.Secret,
) (ports.ActionDescription, error) {
	outpoint, err := parseOutpoint(location)
	if err != nil {
		return ports.ActionDescription{}, err
	}
	script, err := htlcScript(params)
	if err != nil {
		return ports.ActionDescription{}, err
	}

	feeRate, err := s.client.estimateFeeRate(ctx, 3)
	if err != nil {
		feeRate = fallbackFeeRate
	}

	payload := map[string]string{
		"outpoint":       outpointString(outpoint),
		"witness_script": hex.EncodeToString(script),
		"fee_rate":       strconv.FormatFloat(feeRate, 'f', -1, 64),
	}
	if kind == swap.ActionRedeem {
		payload["secret"] = hex.EncodeToString(secret[:])
	} else {
		payload["locktime"] = strconv.FormatUint(params.Expiry, 10)
	}

	return ports.ActionDescription{
		Kind:    kind,
		Side:    side,
		Ledger:  htlc.LedgerBitcoin,
		Payload: payload,
	}, nil
}
