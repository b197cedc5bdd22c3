package application

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/comit-network/cnd/internal/core/domain"
	"github.com/comit-network/cnd/pkg/expiry"
	"github.com/comit-network/cnd/pkg/htlc"
	"github.com/comit-network/cnd/pkg/orderbook"
	"github.com/comit-network/cnd/pkg/swap"
	"github.com/comit-network/cnd/pkg/wire"
)

// negotiateMatch turns a match into a running swap. The local node
// initiates only when the maker is a remote peer; matches the remote side
// will initiate, and self-matches, are released back to the book.
func (s *Service) negotiateMatch(ctx context.Context, match orderbook.Match) {
	local := match.Taker.Maker == s.cfg.LocalName
	remote := match.Maker.Maker != s.cfg.LocalName
	if !local || !remote {
		// nolint
		s.book.Release(match.ID)
		return
	}

	if err := s.initiate(ctx, match); err != nil {
		log.WithError(err).WithField("match", match.ID).Warn("negotiation failed, releasing match")
		// nolint
		s.book.Release(match.ID)
		return
	}
	// nolint
	s.book.Confirm(match.ID)
}

func (s *Service) initiate(ctx context.Context, match orderbook.Match) error {
	market, err := s.market(match.Pair)
	if err != nil {
		return err
	}

	swapID := uuid.New()
	secret := htlc.DeriveSecret(s.cfg.Seed, swapID[:])
	secretHash := secret.Hash()

	alphaAsset, betaAsset := s.swapAssets(market, match)

	deltas, err := s.cfg.ExpiryPolicy.DeltasFor(alphaAsset.Ledger, betaAsset.Ledger)
	if err != nil {
		return err
	}
	if err := expiry.Validate(deltas.Alpha, deltas.Beta, deltas.SafetyMargin); err != nil {
		return err
	}

	alphaAdapter, err := s.adapter(alphaAsset.Ledger)
	if err != nil {
		return err
	}
	betaAdapter, err := s.adapter(betaAsset.Ledger)
	if err != nil {
		return err
	}

	alphaTick, err := alphaAdapter.Tick(ctx)
	if err != nil {
		return err
	}
	betaTick, err := betaAdapter.Tick(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	params := swap.Params{
		Alpha: htlc.Params{
			Asset:          alphaAsset,
			RefundIdentity: s.identity(alphaAsset.Ledger),
			Expiry:         expiry.ToLedgerUnit(alphaAsset.Ledger, deltas.Alpha, alphaTick, now),
			SecretHash:     secretHash,
		},
		Beta: htlc.Params{
			Asset:          betaAsset,
			RedeemIdentity: s.identity(betaAsset.Ledger),
			Expiry:         expiry.ToLedgerUnit(betaAsset.Ledger, deltas.Beta, betaTick, now),
			SecretHash:     secretHash,
		},
		SecretHash: secretHash,
	}

	// When beta settles over Lightning the initiator hosts the hold
	// invoice; the counter-party pays it as their fund action.
	var invoice string
	if betaAsset.Ledger == htlc.LedgerLightning {
		if s.ln == nil {
			return fmt.Errorf("lightning swap requested but lightning is not configured")
		}
		expirySecs := int64(deltas.Beta)
		invoice, err = s.ln.AddHoldInvoice(
			ctx, secretHash, betaAsset.Quantity.Uint64(), expirySecs, "swap "+swapID.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to host hold invoice: %s", err)
		}
	}

	msg := wire.Announce{
		SwapID:      swapID.String(),
		AlphaLedger: string(alphaAsset.Ledger),
		BetaLedger:  string(betaAsset.Ledger),
		AlphaAsset:  string(alphaAsset.Kind),
		BetaAsset:   string(betaAsset.Kind),
		AlphaAmount: alphaAsset.Quantity.String(),
		BetaAmount:  betaAsset.Quantity.String(),
		AlphaExpiry: params.Alpha.Expiry,
		BetaExpiry:  params.Beta.Expiry,
		SecretHash:  secretHash[:],
		AlphaRefund: params.Alpha.RefundIdentity,
		BetaRedeem:  params.Beta.RedeemIdentity,
		Invoice:     invoice,
	}
	if alphaAsset.Kind == htlc.AssetERC20 {
		msg.TokenAddr = alphaAsset.TokenContract
	} else if betaAsset.Kind == htlc.AssetERC20 {
		msg.TokenAddr = betaAsset.TokenContract
	}
	msg.SwapDigest = announceDigest(msg)

	peer := match.Maker.Maker
	ok, err := s.transport.Announce(ctx, peer, msg)
	if err != nil {
		if invoice != "" && s.ln != nil {
			// nolint
			s.ln.CancelInvoice(ctx, secretHash)
		}
		return err
	}

	params.Alpha.RedeemIdentity = ok.AlphaRedeem
	params.Beta.RefundIdentity = ok.BetaRefund

	return s.startSwap(ctx, domain.Swap{
		ID:           swapID,
		Params:       params,
		Role:         swap.RoleAlice,
		CounterParty: peer,
		Invoice:      invoice,
		CreatedAt:    now,
	})
}

// swapAssets derives the two HTLC assets from the market and the match. The
// taker pays alpha: a Buy taker pays the quote asset, a Sell taker the base.
func (s *Service) swapAssets(market Market, match orderbook.Match) (htlc.Asset, htlc.Asset) {
	base := htlc.Asset{
		Ledger:   market.BaseLedger,
		Kind:     market.BaseKind,
		Quantity: new(big.Int).Set(match.Quantity),
	}
	quote := htlc.Asset{
		Ledger:   market.QuoteLedger,
		Kind:     market.QuoteKind,
		Quantity: orderbook.QuoteQuantity(match.Quantity, match.Price),
	}
	if market.QuoteKind == htlc.AssetERC20 {
		quote.TokenContract = market.QuoteToken
	}

	if match.Taker.Position == orderbook.Buy {
		return quote, base
	}
	return base, quote
}

func (s *Service) identity(ledger htlc.Ledger) string {
	switch ledger {
	case htlc.LedgerBitcoin:
		return s.cfg.Identities.Bitcoin
	case htlc.LedgerEthereum:
		return s.cfg.Identities.Ethereum
	case htlc.LedgerLightning:
		return s.cfg.Identities.Lightning
	default:
		return ""
	}
}

// startSwap persists the record, opens its event log and spawns the runner.
// The Negotiated event is committed before anything else happens.
func (s *Service) startSwap(ctx context.Context, record domain.Swap) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("shutting down, not accepting swaps")
	}
	s.mu.Unlock()

	alphaAdapter, err := s.adapter(record.Params.Alpha.Asset.Ledger)
	if err != nil {
		return err
	}
	betaAdapter, err := s.adapter(record.Params.Beta.Asset.Ledger)
	if err != nil {
		return err
	}
	alphaStart, err := alphaAdapter.Height(ctx)
	if err != nil {
		return err
	}
	betaStart, err := betaAdapter.Height(ctx)
	if err != nil {
		return err
	}

	if err := s.repoMgr.Swaps().Add(ctx, record); err != nil {
		return err
	}
	negotiated, err := domain.NewNegotiatedEvent(record.ID, alphaStart, betaStart)
	if err != nil {
		return err
	}
	if err := s.repoMgr.Events().Append(ctx, negotiated); err != nil {
		return err
	}

	return s.spawnRunner(record, swap.NewMachine(record.Params), 1, alphaStart, betaStart)
}

// HandleAnnounce is the responder half of the negotiation. Duplicate
// announces for a known swap confirm idempotently.
func (s *Service) HandleAnnounce(ctx context.Context, from string, msg wire.Announce) (*wire.AnnounceOK, string) {
	swapID, err := uuid.Parse(msg.SwapID)
	if err != nil {
		return nil, "invalid swap id"
	}

	logger := log.WithFields(log.Fields{"swap": swapID, "peer": from})

	s.mu.Lock()
	closed := s.closed
	_, running := s.runners[swapID]
	s.mu.Unlock()
	if closed {
		return nil, "shutting down"
	}
	if running {
		logger.Debug("duplicate announce, confirming again")
		return s.confirmation(msg), ""
	}

	if !bytes.Equal(announceDigest(msg), msg.SwapDigest) {
		logger.Warn("announce digest mismatch, rejecting")
		return nil, "digest mismatch"
	}

	params, reason := s.paramsFromAnnounce(msg)
	if reason != "" {
		logger.Warnf("rejecting announce: %s", reason)
		return nil, reason
	}

	if s.cfg.ManualAccept {
		approved, reason := s.awaitApproval(ctx, swapID)
		if !approved {
			return nil, reason
		}
	}

	record := domain.Swap{
		ID:           swapID,
		Params:       params,
		Role:         swap.RoleBob,
		CounterParty: from,
		Invoice:      msg.Invoice,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.startSwap(ctx, record); err != nil {
		logger.WithError(err).Error("failed to start announced swap")
		return nil, "internal error"
	}

	logger.Info("accepted announced swap")
	return s.confirmation(msg), ""
}

func (s *Service) confirmation(msg wire.Announce) *wire.AnnounceOK {
	return &wire.AnnounceOK{
		SwapID:      msg.SwapID,
		AlphaRedeem: s.identity(htlc.Ledger(msg.AlphaLedger)),
		BetaRefund:  s.identity(htlc.Ledger(msg.BetaLedger)),
	}
}

// paramsFromAnnounce validates the proposal and assembles the swap params
// with the local identities filled in.
func (s *Service) paramsFromAnnounce(msg wire.Announce) (swap.Params, string) {
	secretHash, err := htlc.SecretHashFromBytes(msg.SecretHash)
	if err != nil {
		return swap.Params{}, "invalid secret hash"
	}

	alphaQty, ok := new(big.Int).SetString(msg.AlphaAmount, 10)
	if !ok || alphaQty.Sign() <= 0 {
		return swap.Params{}, "invalid alpha amount"
	}
	betaQty, ok := new(big.Int).SetString(msg.BetaAmount, 10)
	if !ok || betaQty.Sign() <= 0 {
		return swap.Params{}, "invalid beta amount"
	}

	alphaAsset := htlc.Asset{
		Ledger:   htlc.Ledger(msg.AlphaLedger),
		Kind:     htlc.AssetKind(msg.AlphaAsset),
		Quantity: alphaQty,
	}
	betaAsset := htlc.Asset{
		Ledger:   htlc.Ledger(msg.BetaLedger),
		Kind:     htlc.AssetKind(msg.BetaAsset),
		Quantity: betaQty,
	}
	if alphaAsset.Kind == htlc.AssetERC20 {
		alphaAsset.TokenContract = msg.TokenAddr
	}
	if betaAsset.Kind == htlc.AssetERC20 {
		betaAsset.TokenContract = msg.TokenAddr
	}
	if err := alphaAsset.Validate(); err != nil {
		return swap.Params{}, err.Error()
	}
	if err := betaAsset.Validate(); err != nil {
		return swap.Params{}, err.Error()
	}
	if _, err := s.adapter(alphaAsset.Ledger); err != nil {
		return swap.Params{}, err.Error()
	}
	if _, err := s.adapter(betaAsset.Ledger); err != nil {
		return swap.Params{}, err.Error()
	}

	margin := s.cfg.ExpiryPolicy.SafetyMargin(alphaAsset.Ledger, betaAsset.Ledger)
	if err := validateAbsoluteExpiries(alphaAsset.Ledger, msg.AlphaExpiry, betaAsset.Ledger, msg.BetaExpiry, margin); err != nil {
		return swap.Params{}, err.Error()
	}
	if betaAsset.Ledger == htlc.LedgerLightning && msg.Invoice == "" {
		return swap.Params{}, "lightning swap without an invoice"
	}

	return swap.Params{
		Alpha: htlc.Params{
			Asset:          alphaAsset,
			RedeemIdentity: s.identity(alphaAsset.Ledger),
			RefundIdentity: msg.AlphaRefund,
			Expiry:         msg.AlphaExpiry,
			SecretHash:     secretHash,
		},
		Beta: htlc.Params{
			Asset:          betaAsset,
			RedeemIdentity: msg.BetaRedeem,
			RefundIdentity: s.identity(betaAsset.Ledger),
			Expiry:         msg.BetaExpiry,
			SecretHash:     secretHash,
		},
		SecretHash: secretHash,
	}, ""
}

// validateAbsoluteExpiries re-checks the expiry ordering invariant on the
// announced absolute values. The ordering is compared only when both
// expiries are in unix seconds, the unit of the margin; otherwise the values
// are only checked to be set, and whether each lies in the future is not
// checked.
func validateAbsoluteExpiries(
	alphaLedger htlc.Ledger, alphaExpiry uint64,
	betaLedger htlc.Ledger, betaExpiry uint64, marginSecs uint64,
) error {
	sameUnit := (alphaLedger == htlc.LedgerBitcoin) == (betaLedger == htlc.LedgerBitcoin)
	if sameUnit && alphaLedger != htlc.LedgerBitcoin {
		if alphaExpiry <= betaExpiry+marginSecs {
			return fmt.Errorf("alpha expiry %d does not clear beta expiry %d by the safety margin", alphaExpiry, betaExpiry)
		}
	}
	if alphaExpiry == 0 || betaExpiry == 0 {
		return fmt.Errorf("expiries must be set")
	}
	return nil
}

// awaitApproval parks the announce until the operator accepts or rejects,
// bounded by the peer request deadline.
func (s *Service) awaitApproval(ctx context.Context, swapID uuid.UUID) (bool, string) {
	ch := make(chan bool, 1)
	s.mu.Lock()
	s.approval[swapID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.approval, swapID)
		s.mu.Unlock()
	}()

	log.WithField("swap", swapID).Info("announce awaiting operator approval")
	select {
	case <-ctx.Done():
		return false, "approval timed out"
	case approved := <-ch:
		if !approved {
			return false, "rejected by operator"
		}
		return true, ""
	}
}

// HandleOrderGossip merges a peer's open orders into the local book.
// Redelivery is idempotent: known order ids are skipped.
func (s *Service) HandleOrderGossip(from string, msg wire.OrderGossip) {
	known := make(map[uuid.UUID]struct{})
	for _, o := range s.book.Open() {
		known[o.ID] = struct{}{}
	}

	for _, g := range msg.Orders {
		id, err := uuid.Parse(g.OrderID)
		if err != nil {
			continue
		}
		if _, ok := known[id]; ok {
			continue
		}
		qty, ok := new(big.Int).SetString(g.Quantity, 10)
		if !ok {
			continue
		}
		price, ok := new(big.Int).SetString(g.Price, 10)
		if !ok {
			continue
		}
		position := orderbook.Buy
		if g.Position == orderbook.Sell.String() {
			position = orderbook.Sell
		}

		order := orderbook.Order{
			ID:        id,
			Pair:      orderbook.Pair{Base: g.Base, Quote: g.Quote},
			Position:  position,
			Quantity:  qty,
			Price:     price,
			Maker:     from,
			CreatedAt: time.Unix(0, g.CreatedAt).UTC(),
		}
		matches, err := s.book.Submit(order)
		if err != nil {
			continue
		}
		for _, match := range matches {
			s.wg.Add(1)
			go func(m orderbook.Match) {
				defer s.wg.Done()
				s.negotiateMatch(s.ctx, m)
			}(match)
		}
	}
}

// PeerDisconnected releases matches still negotiating with the peer. Swaps
// past negotiation continue purely from on-chain data.
func (s *Service) PeerDisconnected(peer string) {
	for _, m := range s.book.PendingMatches() {
		if m.Maker.Maker == peer || m.Taker.Maker == peer {
			log.WithField("peer", peer).Info("peer disconnected during negotiation, releasing match")
			// nolint
			s.book.Release(m.ID)
		}
	}
}

// gossipOpenOrders broadcasts the locally-posted open orders.
func (s *Service) gossipOpenOrders() {
	var orders []wire.GossipOrder
	for _, o := range s.book.Open() {
		if o.Maker != s.cfg.LocalName {
			continue
		}
		orders = append(orders, wire.GossipOrder{
			OrderID:   o.ID.String(),
			Base:      o.Pair.Base,
			Quote:     o.Pair.Quote,
			Position:  o.Position.String(),
			Quantity:  o.Quantity.String(),
			Price:     o.Price.String(),
			Maker:     o.Maker,
			CreatedAt: o.CreatedAt.UnixNano(),
		})
	}
	if len(orders) == 0 {
		return
	}
	if err := s.transport.GossipOrders(s.ctx, wire.OrderGossip{Orders: orders}); err != nil {
		log.WithError(err).Debug("order gossip failed")
	}
}

// announceDigest commits to every negotiated parameter of the proposal.
func announceDigest(msg wire.Announce) []byte {
	h := sha256.New()
	for _, field := range []string{
		msg.SwapID, msg.AlphaLedger, msg.BetaLedger, msg.AlphaAsset, msg.BetaAsset,
		msg.AlphaAmount, msg.BetaAmount, msg.TokenAddr, msg.AlphaRefund, msg.BetaRedeem,
		msg.Invoice,
	} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	var expiries [16]byte
	for i := 0; i < 8; i++ {
		expiries[i] = byte(msg.AlphaExpiry >> (56 - 8*i))
		expiries[8+i] = byte(msg.BetaExpiry >> (56 - 8*i))
	}
	h.Write(expiries[:])
	h.Write(msg.SecretHash)
	return h.Sum(nil)
}
