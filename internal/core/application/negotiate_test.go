package application

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/comit-network/cnd/pkg/htlc"
	"github.com/comit-network/cnd/pkg/orderbook"
	"github.com/comit-network/cnd/pkg/wire"
)

func btcDaiMarket() Market {
	return Market{
		Pair:        orderbook.Pair{Base: "BTC", Quote: "DAI"},
		BaseLedger:  htlc.LedgerBitcoin,
		BaseKind:    htlc.AssetBitcoin,
		QuoteLedger: htlc.LedgerEthereum,
		QuoteKind:   htlc.AssetERC20,
		QuoteToken:  "0x6b175474e89094c44da98b954eedeac495271d0f",
	}
}

func newNegotiationFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixtureWithConfig(t, filepath.Join(t.TempDir(), "cnd.sqlite"), Config{
		LocalName: "local",
		Seed:      testSeed(),
		Identities: Identities{
			Bitcoin:  "local-btc",
			Ethereum: "0x00000000000000000000000000000000000000aa",
		},
		Markets: []Market{btcDaiMarket()},
	})
	return f
}

func testAnnounce(t *testing.T) wire.Announce {
	t.Helper()
	secret, err := htlc.GenSecret()
	require.NoError(t, err)
	hash := secret.Hash()

	msg := wire.Announce{
		SwapID:      uuid.New().String(),
		AlphaLedger: "bitcoin",
		BetaLedger:  "ethereum",
		AlphaAsset:  "bitcoin",
		BetaAsset:   "erc20",
		AlphaAmount: "20000000",
		BetaAmount:  "1800000000000000000000",
		TokenAddr:   "0x6b175474e89094c44da98b954eedeac495271d0f",
		AlphaExpiry: 800_600,
		BetaExpiry:  1_700_050_000,
		SecretHash:  hash[:],
		AlphaRefund: "peer-btc",
		BetaRedeem:  "0x00000000000000000000000000000000000000bb",
	}
	msg.SwapDigest = announceDigest(msg)
	return msg
}

func TestHandleAnnounce(t *testing.T) {
	t.Run("accepts a valid proposal and starts the swap", func(t *testing.T) {
		f := newNegotiationFixture(t)
		defer f.svc.Stop()

		msg := testAnnounce(t)
		ok, reason := f.svc.HandleAnnounce(context.Background(), "peer-1", msg)
		require.Empty(t, reason)
		require.NotNil(t, ok)
		require.Equal(t, msg.SwapID, ok.SwapID)
		require.Equal(t, "local-btc", ok.AlphaRedeem)
		require.Equal(t, "0x00000000000000000000000000000000000000aa", ok.BetaRefund)

		swapID := uuid.MustParse(msg.SwapID)
		events := f.waitForEvents(t, swapID, 1)
		require.Len(t, events, 1)

		record, err := f.svc.repoMgr.Swaps().Get(context.Background(), swapID)
		require.NoError(t, err)
		require.Equal(t, "peer-1", record.CounterParty)
	})

	t.Run("duplicate announce confirms idempotently", func(t *testing.T) {
		f := newNegotiationFixture(t)
		defer f.svc.Stop()

		msg := testAnnounce(t)
		ok, reason := f.svc.HandleAnnounce(context.Background(), "peer-1", msg)
		require.Empty(t, reason)
		require.NotNil(t, ok)

		again, reason := f.svc.HandleAnnounce(context.Background(), "peer-1", msg)
		require.Empty(t, reason)
		require.Equal(t, ok, again)

		events, err := f.svc.Events(context.Background(), uuid.MustParse(msg.SwapID))
		require.NoError(t, err)
		require.Len(t, events, 1)
	})

	t.Run("rejects a tampered digest", func(t *testing.T) {
		f := newNegotiationFixture(t)
		defer f.svc.Stop()

		msg := testAnnounce(t)
		msg.BetaAmount = "1"

		ok, reason := f.svc.HandleAnnounce(context.Background(), "peer-1", msg)
		require.Nil(t, ok)
		require.Equal(t, "digest mismatch", reason)
	})

	t.Run("rejects an unknown ledger", func(t *testing.T) {
		f := newNegotiationFixture(t)
		defer f.svc.Stop()

		msg := testAnnounce(t)
		msg.AlphaLedger = "dogecoin"
		msg.AlphaAsset = "bitcoin"
		msg.SwapDigest = announceDigest(msg)

		ok, reason := f.svc.HandleAnnounce(context.Background(), "peer-1", msg)
		require.Nil(t, ok)
		require.NotEmpty(t, reason)
	})

	t.Run("rejects a lightning swap without an invoice", func(t *testing.T) {
		f := newNegotiationFixture(t)
		defer f.svc.Stop()

		msg := testAnnounce(t)
		msg.BetaLedger = "lightning"
		msg.BetaAsset = "bitcoin"
		msg.TokenAddr = ""
		msg.SwapDigest = announceDigest(msg)

		ok, reason := f.svc.HandleAnnounce(context.Background(), "peer-1", msg)
		require.Nil(t, ok)
		require.NotEmpty(t, reason)
	})

	t.Run("manual approval times out into rejection", func(t *testing.T) {
		f := newFixtureWithConfig(t, filepath.Join(t.TempDir(), "cnd.sqlite"), Config{
			LocalName:    "local",
			Seed:         testSeed(),
			ManualAccept: true,
			Markets:      []Market{btcDaiMarket()},
		})
		defer f.svc.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		msg := testAnnounce(t)
		ok, reason := f.svc.HandleAnnounce(ctx, "peer-1", msg)
		require.Nil(t, ok)
		require.Equal(t, "approval timed out", reason)
	})

	t.Run("manual approval accept", func(t *testing.T) {
		f := newFixtureWithConfig(t, filepath.Join(t.TempDir(), "cnd.sqlite"), Config{
			LocalName:    "local",
			Seed:         testSeed(),
			ManualAccept: true,
			Markets:      []Market{btcDaiMarket()},
		})
		defer f.svc.Stop()

		msg := testAnnounce(t)
		swapID := uuid.MustParse(msg.SwapID)

		done := make(chan struct{})
		var ok *wire.AnnounceOK
		go func() {
			defer close(done)
			ok, _ = f.svc.HandleAnnounce(context.Background(), "peer-1", msg)
		}()

		require.Eventually(t, func() bool {
			return f.svc.AcceptAnnounce(swapID) == nil
		}, 2*time.Second, 10*time.Millisecond)

		<-done
		require.NotNil(t, ok)
	})
}

func TestOrderFlowIntoSwap(t *testing.T) {
	f := newNegotiationFixture(t)
	defer f.svc.Stop()

	// a remote sell arrives via gossip
	f.svc.HandleOrderGossip("peer-1", wire.OrderGossip{Orders: []wire.GossipOrder{{
		OrderID:   uuid.New().String(),
		Base:      "BTC",
		Quote:     "DAI",
		Position:  "sell",
		Quantity:  "20000000",
		Price:     "9000000000000000000000",
		Maker:     "peer-1",
		CreatedAt: time.Now().UnixNano(),
	}}})

	require.Len(t, f.svc.OpenOrders(), 1)

	// the local buy matches it and negotiation succeeds via the transport
	orderID, err := f.svc.PostOrder(context.Background(), orderbook.Order{
		Pair:     orderbook.Pair{Base: "BTC", Quote: "DAI"},
		Position: orderbook.Buy,
		Quantity: mustQty(t, "20000000"),
		Price:    mustQty(t, "9000000000000000000000"),
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, orderID)

	require.Eventually(t, func() bool {
		swaps, err := f.svc.repoMgr.Swaps().GetAll(context.Background())
		return err == nil && len(swaps) == 1
	}, 5*time.Second, 10*time.Millisecond)

	swaps, err := f.svc.repoMgr.Swaps().GetAll(context.Background())
	require.NoError(t, err)
	record := swaps[0]

	// buy taker pays the quote side: alpha is the DAI leg
	require.Equal(t, htlc.LedgerEthereum, record.Params.Alpha.Asset.Ledger)
	require.Equal(t, htlc.LedgerBitcoin, record.Params.Beta.Asset.Ledger)
	require.Equal(t, "1800000000000000000000", record.Params.Alpha.Asset.Quantity.String())
	require.Equal(t, "20000000", record.Params.Beta.Asset.Quantity.String())
	require.Equal(t, "peer-1", record.CounterParty)

	// the matched quantity left the book for good
	require.Empty(t, f.svc.OpenOrders())
}
