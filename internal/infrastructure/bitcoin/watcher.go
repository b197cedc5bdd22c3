package bitcoin

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"

	"github.com/comit-network/cnd/internal/core/ports"
	"github.com/comit-network/cnd/pkg/htlc"
)

func (s *Service) Ledger() htlc.Ledger {
	return htlc.LedgerBitcoin
}

// Tick reports the current block height; Bitcoin expiries are absolute
// heights.
func (s *Service) Tick(ctx context.Context) (uint64, error) {
	var height uint64
	err := retry(ctx, "getblockcount", func() error {
		var err error
		height, err = s.client.blockCount(ctx)
		return err
	})
	return height, err
}

// Height equals Tick on Bitcoin: expiries and scan positions share the
// block height.
func (s *Service) Height(ctx context.Context) (uint64, error) {
	return s.Tick(ctx)
}

// Watch scans finalised blocks from startHeight for the HTLC described by
// params and delivers observations in chain order. The observation channel
// closes after a redeem or refund was seen.
func (s *Service) Watch(
	ctx context.Context, side htlc.Side, params htlc.Params, startHeight uint64,
) (<-chan htlc.Observation, <-chan error, error) {
	pkScript, err := htlcPkScript(params)
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
		if err := s.watch(ctx, side, params, pkScript, startHeight, obsCh, logger); err != nil {
			if ctx.Err() == nil {
				errCh <- err
			}
		}
	}()

	return obsCh, errCh, nil
}

type scanCursor struct {
	height   uint64
	prevHash string
}

// nextBlock waits until the block at cursor.height is finalised, fetches it
// and verifies it links onto the previously delivered block. A broken link
// means a reorg deeper than the finality window: fatal.
func (s *Service) nextBlock(ctx context.Context, cur *scanCursor) (*wire.MsgBlock, error) {
	for {
		var tip uint64
		if err := retry(ctx, "getblockcount", func() error {
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

	var (
		hash  string
		block *wire.MsgBlock
	)
	if err := retry(ctx, "getblock", func() error {
		var err error
		hash, block, err = s.blockAt(ctx, cur.height)
		return err
	}); err != nil {
		return nil, err
	}

	if cur.prevHash != "" && block.Header.PrevBlock.String() != cur.prevHash {
		return nil, fmt.Errorf("%w: block %d no longer extends %s",
			ports.ErrChainInconsistent, cur.height, cur.prevHash)
	}
	cur.prevHash = hash
	cur.height++
	return block, nil
}

func (s *Service) watch(
	ctx context.Context, side htlc.Side, params htlc.Params, pkScript []byte,
	startHeight uint64, obsCh chan<- htlc.Observation, logger *log.Entry,
) error {
	cur := &scanCursor{height: startHeight}

	// Phase one: the funding transaction. Deployment and funding happen in
	// the same transaction on Bitcoin, so a single Funded observation
	// carries the outpoint; later duplicates are ignored, the first
	// finalised funding wins.
	var fundingOutpoint wire.OutPoint
	var funded bool
	for !funded {
		height := cur.height
		block, err := s.nextBlock(ctx, cur)
		if err != nil {
			return err
		}
		for _, tx := range block.Transactions {
			vout, ok := findOutput(tx, pkScript)
			if !ok {
				continue
			}
			txid := tx.TxHash()
			fundingOutpoint = wire.OutPoint{Hash: txid, Index: vout}
			ptr := htlc.TxPointer{TxID: txid.String(), Height: height}
			location := outpointString(fundingOutpoint)

			amount := big.NewInt(tx.TxOut[vout].Value)
			kind := htlc.ObsFunded
			if htlc.ClassifyFunding(side, params.Asset.Quantity, amount) == htlc.FundingIncorrect {
				kind = htlc.ObsIncorrectlyFunded
			}
			logger.WithField("txid", ptr.TxID).Infof("htlc %s at height %d", kind, height)
			if err := deliver(ctx, obsCh, htlc.Observation{
				Kind: kind, Tx: ptr, Location: location, Amount: amount,
			}); err != nil {
				return err
			}
			funded = true
			break
		}
	}

	// Phase two: the spend. A witness carrying a valid preimage is a
	// redeem, anything else a refund.
	for {
		height := cur.height
		block, err := s.nextBlock(ctx, cur)
		if err != nil {
			return err
		}
		for _, tx := range block.Transactions {
			in, ok := findSpend(tx, fundingOutpoint)
			if !ok {
				continue
			}
			ptr := htlc.TxPointer{TxID: tx.TxHash().String(), Height: height}
			if secret, ok := extractSecret(in, params.SecretHash); ok {
				logger.WithField("txid", ptr.TxID).Info("htlc redeemed, secret extracted")
				return deliver(ctx, obsCh, htlc.Observation{
					Kind: htlc.ObsRedeemed, Tx: ptr, Secret: secret,
				})
			}
			logger.WithField("txid", ptr.TxID).Info("htlc refunded")
			return deliver(ctx, obsCh, htlc.Observation{
				Kind: htlc.ObsRefunded, Tx: ptr,
			})
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

func findOutput(tx *wire.MsgTx, pkScript []byte) (uint32, bool) {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return uint32(i), true
		}
	}
	return 0, false
}

func findSpend(tx *wire.MsgTx, outpoint wire.OutPoint) (*wire.TxIn, bool) {
	for _, in := range tx.TxIn {
		if in.PreviousOutPoint == outpoint {
			return in, true
		}
	}
	return nil, false
}

func outpointString(op wire.OutPoint) string {
	return op.Hash.String() + ":" + strconv.FormatUint(uint64(op.Index), 10)
}

// parseOutpoint is the inverse of outpointString, used by the action
// builders.
func parseOutpoint(s string) (wire.OutPoint, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q", s)
	}
	hash, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint txid %q: %s", parts[0], err)
	}
	index, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint index %q: %s", parts[1], err)
	}
	return wire.OutPoint{Hash: *hash, Index: uint32(index)}, nil
}
