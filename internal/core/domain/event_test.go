package domain_test

import (
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/comit-network/cnd/internal/core/domain"
	"github.com/comit-network/cnd/pkg/htlc"
	"github.com/comit-network/cnd/pkg/swap"
)

func TestObservationEventRoundtrip(t *testing.T) {
	swapID := uuid.New()
	secret, err := htlc.GenSecret()
	require.NoError(t, err)

	obs := htlc.Observation{
		Kind:     htlc.ObsRedeemed,
		Tx:       htlc.TxPointer{TxID: "deadbeef", Height: 812_000, LogIndex: 3},
		Location: "somewhere",
		Secret:   &secret,
	}

	event, err := domain.NewObservationEvent(swapID, 4, htlc.SideBeta, obs)
	require.NoError(t, err)
	require.Equal(t, domain.EventRedeemed, event.Kind)
	require.Equal(t, uint64(4), event.Seq)

	machineEv, ok, err := event.MachineEvent()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, htlc.SideBeta, machineEv.Side)
	require.Equal(t, htlc.ObsRedeemed, machineEv.Obs.Kind)
	require.Equal(t, obs.Tx, machineEv.Obs.Tx)
	require.Equal(t, secret, *machineEv.Obs.Secret)
}

func TestFundedEventCarriesAmount(t *testing.T) {
	swapID := uuid.New()
	amount, ok := new(big.Int).SetString("1800000000000000000000", 10)
	require.True(t, ok)

	obs := htlc.Observation{
		Kind:   htlc.ObsFunded,
		Tx:     htlc.TxPointer{TxID: "f", Height: 1},
		Amount: amount,
	}
	event, err := domain.NewObservationEvent(swapID, 2, htlc.SideAlpha, obs)
	require.NoError(t, err)

	machineEv, okFlag, err := event.MachineEvent()
	require.NoError(t, err)
	require.True(t, okFlag)
	require.Equal(t, amount, machineEv.Obs.Amount)
}

func TestNegotiatedAndCompletedDoNotDriveTheMachine(t *testing.T) {
	swapID := uuid.New()

	negotiated, err := domain.NewNegotiatedEvent(swapID, 800_000, 19_000_000)
	require.NoError(t, err)
	_, ok, err := negotiated.MachineEvent()
	require.NoError(t, err)
	require.False(t, ok)

	payload, err := negotiated.DecodePayload()
	require.NoError(t, err)
	require.Equal(t, uint64(800_000), payload.AlphaStart)
	require.Equal(t, uint64(19_000_000), payload.BetaStart)

	completed, err := domain.NewCompletedEvent(swapID, 6, swap.BothRedeemed)
	require.NoError(t, err)
	_, ok, err = completed.MachineEvent()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIncidentEventHaltsOnReplay(t *testing.T) {
	swapID := uuid.New()
	event, err := domain.NewIncidentEvent(swapID, 3, "reorg beyond finality depth")
	require.NoError(t, err)

	machineEv, ok, err := event.MachineEvent()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "reorg beyond finality depth", machineEv.Halt)
}

func TestParamsCodec(t *testing.T) {
	secret, err := htlc.GenSecret()
	require.NoError(t, err)
	hash := secret.Hash()

	quantity, ok := new(big.Int).SetString("1800000000000000000000", 10)
	require.True(t, ok)

	params := swap.Params{
		Alpha: htlc.Params{
			Asset: htlc.Asset{
				Ledger:   htlc.LedgerBitcoin,
				Kind:     htlc.AssetBitcoin,
				Quantity: big.NewInt(20_000_000),
			},
			RedeemIdentity: "bob",
			RefundIdentity: "alice",
			Expiry:         800_600,
			SecretHash:     hash,
		},
		Beta: htlc.Params{
			Asset: htlc.Asset{
				Ledger:        htlc.LedgerEthereum,
				Kind:          htlc.AssetERC20,
				Quantity:      quantity,
				TokenContract: "0x6b175474e89094c44da98b954eedeac495271d0f",
			},
			RedeemIdentity: "0xaa",
			RefundIdentity: "0xbb",
			Expiry:         1_700_050_000,
			SecretHash:     hash,
		},
		SecretHash: hash,
	}

	raw, err := domain.EncodeParams(params)
	require.NoError(t, err)

	decoded, err := domain.DecodeParams(raw)
	require.NoError(t, err)
	require.Equal(t, params, decoded)
}
