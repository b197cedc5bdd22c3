package ethereum

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/comit-network/cnd/internal/core/ports"
	"github.com/comit-network/cnd/pkg/htlc"
	"github.com/comit-network/cnd/pkg/swap"
)

// Gas limits of the swap contract calls, from the contract's documented
// worst cases.
const (
	deployGasLimit = 121_000
	fundGasLimit   = 100_000
	redeemGasLimit = 100_000
	refundGasLimit = 100_000
)

func (s *Service) BuildAction(
	ctx context.Context, kind swap.ActionKind, side htlc.Side, params htlc.Params, location string, secret *htlc.Secret,
) (ports.ActionDescription, error) {
	switch kind {
	case swap.ActionDeploy:
		return s.buildDeploy(side, params)
	case swap.ActionFund:
		return s.buildFund(side, params, location)
	case swap.ActionRedeem:
		if secret == nil {
			return ports.ActionDescription{}, fmt.Errorf("redeem requires the secret")
		}
		return s.buildCall(kind, side, location, secret[:], redeemGasLimit)
	case swap.ActionRefund:
		return s.buildCall(kind, side, location, nil, refundGasLimit)
	default:
		return ports.ActionDescription{}, fmt.Errorf("action %s not supported on ethereum", kind)
	}
}

// buildDeploy is the contract-creation transaction. An ether HTLC carries
// its quantity as the creation value; an ERC-20 HTLC is funded separately.
func (s *Service) buildDeploy(side htlc.Side, params htlc.Params) (ports.ActionDescription, error) {
	code, err := contractCode(params)
	if err != nil {
		return ports.ActionDescription{}, err
	}

	value := "0"
	if params.Asset.Kind == htlc.AssetEther {
		value = params.Asset.Quantity.String()
	}
	return ports.ActionDescription{
		Kind:   swap.ActionDeploy,
		Side:   side,
		Ledger: htlc.LedgerEthereum,
		Payload: map[string]string{
			"data":      hex.EncodeToString(code),
			"value":     value,
			"gas_limit": fmt.Sprintf("%d", deployGasLimit),
		},
	}, nil
}

// buildFund is the ERC-20 transfer into the deployed contract.
func (s *Service) buildFund(side htlc.Side, params htlc.Params, location string) (ports.ActionDescription, error) {
	if params.Asset.Kind != htlc.AssetERC20 {
		return ports.ActionDescription{}, fmt.Errorf("fund is a separate step only for erc20")
	}
	if !common.IsHexAddress(location) {
		return ports.ActionDescription{}, fmt.Errorf("invalid contract address %q", location)
	}
	contract := common.HexToAddress(location)

	return ports.ActionDescription{
		Kind:   swap.ActionFund,
		Side:   side,
		Ledger: htlc.LedgerEthereum,
		Payload: map[string]string{
			"to":        params.Asset.TokenContract,
			"data":      hex.EncodeToString(erc20TransferData(contract, params.Asset.Quantity.Bytes())),
			"gas_limit": fmt.Sprintf("%d", fundGasLimit),
		},
	}, nil
}

// buildCall is a plain call into the contract; the preimage as calldata
// redeems, empty calldata after expiry refunds.
func (s *Service) buildCall(
	kind swap.ActionKind, side htlc.Side, location string, data []byte, gasLimit uint64,
) (ports.ActionDescription, error) {
	if !common.IsHexAddress(location) {
		return ports.ActionDescription{}, fmt.Errorf("invalid contract address %q", location)
	}
	return ports.ActionDescription{
		Kind:   kind,
		Side:   side,
		Ledger: htlc.LedgerEthereum,
		Payload: map[string]string{
			"to":        common.HexToAddress(location).Hex(),
			"data":      hex.EncodeToString(data),
			"gas_limit": fmt.Sprintf("%d", gasLimit),
		},
	}, nil
}
