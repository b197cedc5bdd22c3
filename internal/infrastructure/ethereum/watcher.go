package ethereum

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	log "github.com/sirupsen/logrus"

	"github.com/comit-network/cnd/internal/core/ports"
	"github.com/comit-network/cnd/pkg/htlc"
)

// Watch scans finalised blocks from startHeight for the swap contract
// described by params: deployment, funding (ether value or ERC-20
// transfer), then the closing Redeemed/Refunded log.
func (s *Service) Watch(
	ctx context.Context, side htlc.Side, params htlc.Params, startHeight uint64,
) (<-chan htlc.Observation, <-chan error, error) {
	code, err := contractCode(params)
	if err != nil {
		return nil, nil, err
	}

	obsCh := make(chan htlc.Observation)
	errCh := make(chan error, 1)

	digest := params.Digest()
	logger := log.WithField("htlc", fmt.Sprintf("%x", digest[:8]))

	go func() {
		defer close(obsCh)
		defer close(errCh)
		if err := s.watch(ctx, side, params, code, startHeight, obsCh, logger); err != nil {
			if ctx.Err() == nil {
				errCh <- err
			}
		}
	}()

	return obsCh, errCh, nil
}

type scanCursor struct {
	height   uint64
	prevHash common.Hash
}

func (s *Service) nextBlock(ctx context.Context, cur *scanCursor) (*types.Block, error) {
	for {
		var tip uint64
		if err := retry(ctx, "block number", func() error {
			var err error
			tip, err = s.finalizedTip(ctx)
			return err
		}); err != nil {
			return nil, err
		}
		if tip >= cur.height {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}

	var block *types.Block
	if err := retry(ctx, "block by number", func() error {
		var err error
		block, err = s.blockAt(ctx, cur.height)
		return err
	}); err != nil {
		return nil, err
	}

	if cur.prevHash != (common.Hash{}) && block.ParentHash() != cur.prevHash {
		return nil, fmt.Errorf("%w: block %d no longer extends %s",
			ports.ErrChainInconsistent, cur.height, cur.prevHash)
	}
	cur.prevHash = block.Hash()
	cur.height++
	return block, nil
}

func (s *Service) watch(
	ctx context.Context, side htlc.Side, params htlc.Params, code []byte,
	startHeight uint64, obsCh chan<- htlc.Observation, logger *log.Entry,
) error {
	cur := &scanCursor{height: startHeight}

	contract, err := s.watchDeployment(ctx, side, params, code, cur, obsCh, logger)
	if err != nil {
		return err
	}

	if err := s.watchFunding(ctx, side, params, contract, cur, obsCh, logger); err != nil {
		return err
	}

	return s.watchClose(ctx, params, contract, cur, obsCh, logger)
}

// watchDeployment finds the contract-creation transaction whose init code
// matches the parameterised template byte for byte.
func (s *Service) watchDeployment(
	ctx context.Context, side htlc.Side, params htlc.Params, code []byte, cur *scanCursor,
	obsCh chan<- htlc.Observation, logger *log.Entry,
) (common.Address, error) {
	for {
		height := cur.height
		block, err := s.nextBlock(ctx, cur)
		if err != nil {
			return common.Address{}, err
		}
		for _, tx := range block.Transactions() {
			if tx.To() != nil || !bytes.Equal(tx.Data(), code) {
				continue
			}
			var receipt *types.Receipt
			if err := retry(ctx, "transaction receipt", func() error {
				var err error
				receipt, err = s.client.TransactionReceipt(ctx, tx.Hash())
				return err
			}); err != nil {
				return common.Address{}, err
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				continue
			}

			contract := receipt.ContractAddress
			logger.WithField("contract", contract.Hex()).Infof("htlc deployed at height %d", height)
			if err := deliver(ctx, obsCh, htlc.Observation{
				Kind:     htlc.ObsDeployed,
				Tx:       htlc.TxPointer{TxID: tx.Hash().Hex(), Height: height},
				Location: contract.Hex(),
			}); err != nil {
				return common.Address{}, err
			}

			// An ether HTLC is funded by the creation value itself.
			if params.Asset.Kind == htlc.AssetEther && tx.Value().Sign() > 0 {
				kind := htlc.ObsFunded
				if htlc.ClassifyFunding(side, params.Asset.Quantity, tx.Value()) == htlc.FundingIncorrect {
					kind = htlc.ObsIncorrectlyFunded
				}
				if err := deliver(ctx, obsCh, htlc.Observation{
					Kind:     kind,
					Tx:       htlc.TxPointer{TxID: tx.Hash().Hex(), Height: height},
					Location: contract.Hex(),
					Amount:   tx.Value(),
				}); err != nil {
					return common.Address{}, err
				}
			}
			return contract, nil
		}
	}
}

// watchFunding waits for the first finalised value reaching the contract.
// For ERC-20 that is a Transfer log with the contract as recipient; an
// ether HTLC funded at creation was already reported by watchDeployment.
func (s *Service) watchFunding(
	ctx context.Context, side htlc.Side, params htlc.Params, contract common.Address,
	cur *scanCursor, obsCh chan<- htlc.Observation, logger *log.Entry,
) error {
	if params.Asset.Kind != htlc.AssetERC20 {
		return nil
	}

	token := common.HexToAddress(params.Asset.TokenContract)
	recipientTopic := common.BytesToHash(common.LeftPadBytes(contract.Bytes(), 32))

	for {
		height := cur.height
		if _, err := s.nextBlock(ctx, cur); err != nil {
			return err
		}

		var logs []types.Log
		if err := retry(ctx, "filter logs", func() error {
			var err error
			logs, err = s.client.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(height),
				ToBlock:   new(big.Int).SetUint64(height),
				Addresses: []common.Address{token},
				Topics:    [][]common.Hash{{transferTopic}, nil, {recipientTopic}},
			})
			return err
		}); err != nil {
			return err
		}
		if len(logs) == 0 {
			continue
		}

		// first finalised funding wins, later transfers are ignored
		entry := logs[0]
		amount := new(big.Int).SetBytes(entry.Data)
		kind := htlc.ObsFunded
		if htlc.ClassifyFunding(side, params.Asset.Quantity, amount) == htlc.FundingIncorrect {
			kind = htlc.ObsIncorrectlyFunded
		}
		logger.WithField("txid", entry.TxHash.Hex()).Infof("htlc %s at height %d", kind, height)
		return deliver(ctx, obsCh, htlc.Observation{
			Kind:     kind,
			Tx:       htlc.TxPointer{TxID: entry.TxHash.Hex(), Height: height, LogIndex: uint32(entry.Index)},
			Location: contract.Hex(),
			Amount:   amount,
		})
	}
}

// watchClose waits for the Redeemed or Refunded log of the contract. The
// redeem log data carries the revealed secret.
func (s *Service) watchClose(
	ctx context.Context, params htlc.Params, contract common.Address,
	cur *scanCursor, obsCh chan<- htlc.Observation, logger *log.Entry,
) error {
	for {
		height := cur.height
		if _, err := s.nextBlock(ctx, cur); err != nil {
			return err
		}

		var logs []types.Log
		if err := retry(ctx, "filter logs", func() error {
			var err error
			logs, err = s.client.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(height),
				ToBlock:   new(big.Int).SetUint64(height),
				Addresses: []common.Address{contract},
				Topics:    [][]common.Hash{{redeemedTopic, refundedTopic}},
			})
			return err
		}); err != nil {
			return err
		}

		for _, entry := range logs {
			ptr := htlc.TxPointer{TxID: entry.TxHash.Hex(), Height: height, LogIndex: uint32(entry.Index)}
			switch entry.Topics[0] {
			case redeemedTopic:
				secret, err := htlc.ExtractSecret(entry.Data, params.SecretHash)
				if err != nil {
					// a Redeemed log without a valid preimage is dropped
					logger.WithField("txid", ptr.TxID).Warn("redeem log with invalid preimage, dropped")
					continue
				}
				logger.WithField("txid", ptr.TxID).Info("htlc redeemed, secret extracted")
				return deliver(ctx, obsCh, htlc.Observation{
					Kind: htlc.ObsRedeemed, Tx: ptr, Secret: &secret,
				})
			case refundedTopic:
				logger.WithField("txid", ptr.TxID).Info("htlc refunded")
				return deliver(ctx, obsCh, htlc.Observation{
					Kind: htlc.ObsRefunded, Tx: ptr,
				})
			}
		}
	}
}

func deliver(ctx context.Context, ch chan<- htlc.Observation, obs htlc.Observation) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch <- obs:
		return nil
	}
}
