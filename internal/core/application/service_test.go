package application

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/comit-network/cnd/internal/core/domain"
	"github.com/comit-network/cnd/internal/core/ports"
	"github.com/comit-network/cnd/internal/infrastructure/db"
	"github.com/comit-network/cnd/pkg/htlc"
	"github.com/comit-network/cnd/pkg/swap"
)

type fixture struct {
	svc       *Service
	btc       *mockAdapter
	eth       *mockAdapter
	transport *mockTransport
	dbPath    string
}

func testSeed() [32]byte {
	var seed [32]byte
	copy(seed[:], []byte("deterministic test seed 32 bytes"))
	return seed
}

func newFixture(t *testing.T, dbPath string) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, dbPath, Config{LocalName: "local", Seed: testSeed()})
}

func newFixtureWithConfig(t *testing.T, dbPath string, cfg Config) *fixture {
	t.Helper()

	repoMgr, err := db.NewService(db.ServiceConfig{
		DbType:   "sqlite",
		DbConfig: []any{dbPath},
	})
	require.NoError(t, err)

	btc := newMockAdapter(htlc.LedgerBitcoin)
	eth := newMockAdapter(htlc.LedgerEthereum)
	eth.setTick(1_600_000_000)
	transport := &mockTransport{}

	svc, err := NewService(
		BuildInfo{Version: "test"},
		cfg,
		repoMgr,
		[]ports.LedgerAdapter{btc, eth},
		transport,
		nil,
	)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	return &fixture{svc: svc, btc: btc, eth: eth, transport: transport, dbPath: dbPath}
}

func mustQty(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok)
	return v
}

func (f *fixture) record(t *testing.T) domain.Swap {
	t.Helper()
	swapID := uuid.New()
	secret := htlc.DeriveSecret(testSeed(), swapID[:])
	hash := secret.Hash()

	daiQty, ok := new(big.Int).SetString("1800000000000000000000", 10)
	require.True(t, ok)

	return domain.Swap{
		ID:   swapID,
		Role: swap.RoleAlice,
		Params: swap.Params{
			Alpha: htlc.Params{
				Asset: htlc.Asset{
					Ledger:   htlc.LedgerBitcoin,
					Kind:     htlc.AssetBitcoin,
					Quantity: big.NewInt(20_000_000),
				},
				RedeemIdentity: "peer-alpha",
				RefundIdentity: "local-btc",
				Expiry:         800,
				SecretHash:     hash,
			},
			Beta: htlc.Params{
				Asset: htlc.Asset{
					Ledger:        htlc.LedgerEthereum,
					Kind:          htlc.AssetERC20,
					Quantity:      daiQty,
					TokenContract: "0x6b175474e89094c44da98b954eedeac495271d0f",
				},
				RedeemIdentity: "local-eth",
				RefundIdentity: "peer-beta",
				Expiry:         1_700_000_000,
				SecretHash:     hash,
			},
			SecretHash: hash,
		},
		CounterParty: "peer-1",
		CreatedAt:    time.Now().UTC(),
	}
}

func (f *fixture) secret(record domain.Swap) htlc.Secret {
	return htlc.DeriveSecret(testSeed(), record.ID[:])
}

func (f *fixture) waitForEvents(t *testing.T, swapID uuid.UUID, n int) []domain.Event {
	t.Helper()
	var events []domain.Event
	require.Eventually(t, func() bool {
		var err error
		events, err = f.svc.Events(context.Background(), swapID)
		return err == nil && len(events) >= n
	}, 5*time.Second, 10*time.Millisecond)
	return events
}

func kindsOf(events []domain.Event) []domain.EventKind {
	out := make([]domain.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func alphaFundedObs(amount int64) htlc.Observation {
	return htlc.Observation{
		Kind:     htlc.ObsFunded,
		Tx:       htlc.TxPointer{TxID: "btc-fund", Height: 101},
		Location: "btc-fund:0",
		Amount:   big.NewInt(amount),
	}
}

func betaDeployedObs() htlc.Observation {
	return htlc.Observation{
		Kind:     htlc.ObsDeployed,
		Tx:       htlc.TxPointer{TxID: "eth-deploy", Height: 1_600_000_100},
		Location: "0x00000000000000000000000000000000000000dd",
	}
}

func betaFundedObs(amount string) htlc.Observation {
	qty, _ := new(big.Int).SetString(amount, 10)
	return htlc.Observation{
		Kind:     htlc.ObsFunded,
		Tx:       htlc.TxPointer{TxID: "eth-fund", Height: 1_600_000_200},
		Location: "0x00000000000000000000000000000000000000dd",
		Amount:   qty,
	}
}

// S1: the BTC-DAI happy path ends in BothRedeemed with a log of exactly
// seven events.
func TestHappyPathEventLog(t *testing.T) {
	f := newFixture(t, filepath.Join(t.TempDir(), "cnd.sqlite"))
	defer f.svc.Stop()

	record := f.record(t)
	secret := f.secret(record)
	require.NoError(t, f.svc.startSwap(context.Background(), record))

	f.btc.emit(htlc.SideAlpha, alphaFundedObs(20_000_000))
	f.waitForEvents(t, record.ID, 2)
	f.eth.emit(htlc.SideBeta, betaDeployedObs())
	f.eth.emit(htlc.SideBeta, betaFundedObs("1800000000000000000000"))
	f.waitForEvents(t, record.ID, 4)

	f.eth.emit(htlc.SideBeta, htlc.Observation{
		Kind:   htlc.ObsRedeemed,
		Tx:     htlc.TxPointer{TxID: "eth-redeem", Height: 1_600_000_300},
		Secret: &secret,
	})
	f.waitForEvents(t, record.ID, 5)
	f.btc.emit(htlc.SideAlpha, htlc.Observation{
		Kind:   htlc.ObsRedeemed,
		Tx:     htlc.TxPointer{TxID: "btc-redeem", Height: 120},
		Secret: &secret,
	})

	events := f.waitForEvents(t, record.ID, 7)
	require.Equal(t, []domain.EventKind{
		domain.EventNegotiated,
		domain.EventFunded,
		domain.EventDeployed,
		domain.EventFunded,
		domain.EventRedeemed,
		domain.EventRedeemed,
		domain.EventCompleted,
	}, kindsOf(events))

	payload, err := events[6].DecodePayload()
	require.NoError(t, err)
	require.Equal(t, swap.BothRedeemed.String(), payload.Final)
}

// S2: the counter-party never funds beta; alpha refunds after expiry and
// the log contains exactly negotiated, funded and refunded.
func TestCounterPartyDisappears(t *testing.T) {
	f := newFixture(t, filepath.Join(t.TempDir(), "cnd.sqlite"))
	defer f.svc.Stop()

	record := f.record(t)
	require.NoError(t, f.svc.startSwap(context.Background(), record))

	f.btc.emit(htlc.SideAlpha, alphaFundedObs(20_000_000))
	f.waitForEvents(t, record.ID, 2)

	// alpha expiry passes; the refund action becomes available
	f.btc.setTick(record.Params.Alpha.Expiry)
	action, err := f.svc.NextAction(context.Background(), record.ID)
	require.NoError(t, err)
	require.NotNil(t, action)
	require.Equal(t, swap.ActionRefund, action.Kind)
	require.Equal(t, htlc.SideAlpha, action.Side)

	f.btc.emit(htlc.SideAlpha, htlc.Observation{
		Kind: htlc.ObsRefunded,
		Tx:   htlc.TxPointer{TxID: "btc-refund", Height: 900},
	})

	events := f.waitForEvents(t, record.ID, 3)
	require.Equal(t, []domain.EventKind{
		domain.EventNegotiated,
		domain.EventFunded,
		domain.EventRefunded,
	}, kindsOf(events))
}

// S3: beta is funded with the wrong amount; the secret is never exposed
// and both sides refund.
func TestIncorrectBetaFunding(t *testing.T) {
	f := newFixture(t, filepath.Join(t.TempDir(), "cnd.sqlite"))
	defer f.svc.Stop()

	record := f.record(t)
	require.NoError(t, f.svc.startSwap(context.Background(), record))

	f.btc.emit(htlc.SideAlpha, alphaFundedObs(20_000_000))
	f.waitForEvents(t, record.ID, 2)
	f.eth.emit(htlc.SideBeta, betaDeployedObs())
	f.eth.emit(htlc.SideBeta, htlc.Observation{
		Kind:     htlc.ObsIncorrectlyFunded,
		Tx:       htlc.TxPointer{TxID: "eth-fund", Height: 1_600_000_200},
		Location: "0x00000000000000000000000000000000000000dd",
		Amount:   big.NewInt(1),
	})
	f.waitForEvents(t, record.ID, 4)

	// no redeem is ever offered against the incorrect deposit
	action, err := f.svc.NextAction(context.Background(), record.ID)
	require.NoError(t, err)
	if action != nil {
		require.NotEqual(t, swap.ActionRedeem, action.Kind)
	}

	f.btc.emit(htlc.SideAlpha, htlc.Observation{
		Kind: htlc.ObsRefunded, Tx: htlc.TxPointer{TxID: "btc-refund", Height: 900},
	})
	f.waitForEvents(t, record.ID, 5)
	f.eth.emit(htlc.SideBeta, htlc.Observation{
		Kind: htlc.ObsRefunded, Tx: htlc.TxPointer{TxID: "eth-refund", Height: 1_700_100_000},
	})

	events := f.waitForEvents(t, record.ID, 7)
	require.Equal(t, domain.EventCompleted, events[6].Kind)
	payload, err := events[6].DecodePayload()
	require.NoError(t, err)
	require.Equal(t, swap.BothRefunded.String(), payload.Final)
}

// S4: the daemon dies after FundedAlpha and resumes from the event log,
// completing the swap to BothRedeemed.
func TestRespawnMidSwap(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cnd.sqlite")

	f := newFixture(t, dbPath)
	record := f.record(t)
	secret := f.secret(record)
	require.NoError(t, f.svc.startSwap(context.Background(), record))

	f.btc.emit(htlc.SideAlpha, alphaFundedObs(20_000_000))
	f.waitForEvents(t, record.ID, 2)
	f.svc.Stop()

	// restart: recovery replays the log and re-arms the watchers
	f2 := newFixture(t, dbPath)
	defer f2.svc.Stop()

	// the watcher re-observes the alpha funding; it must not be recorded
	// twice
	f2.btc.emit(htlc.SideAlpha, alphaFundedObs(20_000_000))
	f2.eth.emit(htlc.SideBeta, betaDeployedObs())
	f2.eth.emit(htlc.SideBeta, betaFundedObs("1800000000000000000000"))
	f2.waitForEvents(t, record.ID, 4)

	f2.eth.emit(htlc.SideBeta, htlc.Observation{
		Kind:   htlc.ObsRedeemed,
		Tx:     htlc.TxPointer{TxID: "eth-redeem", Height: 1_600_000_300},
		Secret: &secret,
	})
	f2.waitForEvents(t, record.ID, 5)
	f2.btc.emit(htlc.SideAlpha, htlc.Observation{
		Kind:   htlc.ObsRedeemed,
		Tx:     htlc.TxPointer{TxID: "btc-redeem", Height: 120},
		Secret: &secret,
	})

	events := f2.waitForEvents(t, record.ID, 7)
	require.Equal(t, []domain.EventKind{
		domain.EventNegotiated,
		domain.EventFunded,
		domain.EventDeployed,
		domain.EventFunded,
		domain.EventRedeemed,
		domain.EventRedeemed,
		domain.EventCompleted,
	}, kindsOf(events))
}

// A deep reorg halts the swap with an incident; no remediation happens.
func TestChainInconsistencyHalts(t *testing.T) {
	f := newFixture(t, filepath.Join(t.TempDir(), "cnd.sqlite"))
	defer f.svc.Stop()

	record := f.record(t)
	require.NoError(t, f.svc.startSwap(context.Background(), record))

	f.btc.emit(htlc.SideAlpha, alphaFundedObs(20_000_000))
	f.waitForEvents(t, record.ID, 2)

	f.btc.fail(htlc.SideAlpha, ports.ErrChainInconsistent)

	events := f.waitForEvents(t, record.ID, 4)
	require.Equal(t, domain.EventIncident, events[2].Kind)
	require.Equal(t, domain.EventCompleted, events[3].Kind)

	payload, err := events[3].DecodePayload()
	require.NoError(t, err)
	require.Equal(t, swap.IncidentHalted.String(), payload.Final)
}

// The action sequence for the initiator: fund alpha first, then redeem
// beta once it is funded.
func TestNextActionProgression(t *testing.T) {
	f := newFixture(t, filepath.Join(t.TempDir(), "cnd.sqlite"))
	defer f.svc.Stop()

	record := f.record(t)
	require.NoError(t, f.svc.startSwap(context.Background(), record))

	action, err := f.svc.NextAction(context.Background(), record.ID)
	require.NoError(t, err)
	require.NotNil(t, action)
	require.Equal(t, swap.ActionInit, action.Kind)

	f.btc.emit(htlc.SideAlpha, alphaFundedObs(20_000_000))
	f.eth.emit(htlc.SideBeta, betaDeployedObs())
	f.eth.emit(htlc.SideBeta, betaFundedObs("1800000000000000000000"))
	f.waitForEvents(t, record.ID, 4)

	action, err = f.svc.NextAction(context.Background(), record.ID)
	require.NoError(t, err)
	require.NotNil(t, action)
	require.Equal(t, swap.ActionRedeem, action.Kind)
	require.Equal(t, htlc.SideBeta, action.Side)
}
