package htlc_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comit-network/cnd/pkg/htlc"
)

func TestSecret(t *testing.T) {
	t.Run("generate and hash", func(t *testing.T) {
		secret, err := htlc.GenSecret()
		require.NoError(t, err)

		hash := secret.Hash()
		extracted, err := htlc.ExtractSecret(secret[:], hash)
		require.NoError(t, err)
		require.Equal(t, secret, extracted)
	})

	t.Run("extraction rejects a wrong preimage", func(t *testing.T) {
		secret, err := htlc.GenSecret()
		require.NoError(t, err)
		other, err := htlc.GenSecret()
		require.NoError(t, err)

		_, err = htlc.ExtractSecret(other[:], secret.Hash())
		require.ErrorIs(t, err, htlc.ErrSecretMismatch)
	})

	t.Run("extraction rejects a short preimage", func(t *testing.T) {
		secret, err := htlc.GenSecret()
		require.NoError(t, err)

		_, err = htlc.ExtractSecret(secret[:16], secret.Hash())
		require.Error(t, err)
	})

	t.Run("derivation is deterministic per swap", func(t *testing.T) {
		var seed [32]byte
		copy(seed[:], []byte("test seed test seed test seed !!"))

		a := htlc.DeriveSecret(seed, []byte("swap-1"))
		b := htlc.DeriveSecret(seed, []byte("swap-1"))
		c := htlc.DeriveSecret(seed, []byte("swap-2"))

		require.Equal(t, a, b)
		require.NotEqual(t, a, c)
	})

	t.Run("zeroize", func(t *testing.T) {
		secret, err := htlc.GenSecret()
		require.NoError(t, err)
		secret.Zeroize()
		require.Equal(t, htlc.Secret{}, secret)
	})
}

func TestClassifyFunding(t *testing.T) {
	agreed := big.NewInt(20_000_000)

	tests := []struct {
		name     string
		side     htlc.Side
		observed *big.Int
		want     htlc.FundingOutcome
	}{
		{"alpha exact", htlc.SideAlpha, big.NewInt(20_000_000), htlc.FundingCorrect},
		{"alpha overfunded is accepted", htlc.SideAlpha, big.NewInt(25_000_000), htlc.FundingCorrect},
		{"alpha underfunded", htlc.SideAlpha, big.NewInt(19_999_999), htlc.FundingIncorrect},
		{"beta exact", htlc.SideBeta, big.NewInt(20_000_000), htlc.FundingCorrect},
		{"beta overfunded is rejected", htlc.SideBeta, big.NewInt(20_000_001), htlc.FundingIncorrect},
		{"beta underfunded", htlc.SideBeta, big.NewInt(1), htlc.FundingIncorrect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, htlc.ClassifyFunding(tt.side, agreed, tt.observed))
		})
	}
}

func TestSideStateLifecycle(t *testing.T) {
	secret, err := htlc.GenSecret()
	require.NoError(t, err)

	deploy := htlc.Observation{Kind: htlc.ObsDeployed, Tx: htlc.TxPointer{TxID: "d", Height: 10}, Location: "loc"}
	fund := htlc.Observation{Kind: htlc.ObsFunded, Tx: htlc.TxPointer{TxID: "f", Height: 11}, Amount: big.NewInt(5)}
	redeem := htlc.Observation{Kind: htlc.ObsRedeemed, Tx: htlc.TxPointer{TxID: "r", Height: 20}, Secret: &secret}
	refund := htlc.Observation{Kind: htlc.ObsRefunded, Tx: htlc.TxPointer{TxID: "x", Height: 30}}

	t.Run("happy path to redeemed", func(t *testing.T) {
		var s htlc.SideState
		require.NoError(t, s.Apply(deploy))
		require.Equal(t, htlc.Deployed, s.State)
		require.NoError(t, s.Apply(fund))
		require.Equal(t, htlc.Funded, s.State)
		require.NoError(t, s.Apply(redeem))
		require.Equal(t, htlc.Redeemed, s.State)
		require.Equal(t, secret, *s.Secret)
	})

	t.Run("refund path", func(t *testing.T) {
		var s htlc.SideState
		require.NoError(t, s.Apply(deploy))
		require.NoError(t, s.Apply(fund))
		require.NoError(t, s.Apply(refund))
		require.Equal(t, htlc.Refunded, s.State)
	})

	t.Run("incorrect funding allows refund only", func(t *testing.T) {
		var s htlc.SideState
		require.NoError(t, s.Apply(deploy))
		bad := htlc.Observation{Kind: htlc.ObsIncorrectlyFunded, Tx: htlc.TxPointer{TxID: "b"}, Amount: big.NewInt(1)}
		require.NoError(t, s.Apply(bad))
		require.Equal(t, htlc.IncorrectlyFunded, s.State)

		require.Error(t, s.Apply(redeem))
		require.NoError(t, s.Apply(refund))
		require.Equal(t, htlc.Refunded, s.State)
	})

	t.Run("duplicates are idempotent", func(t *testing.T) {
		var s htlc.SideState
		require.NoError(t, s.Apply(deploy))
		require.NoError(t, s.Apply(deploy))
		require.NoError(t, s.Apply(fund))
		require.NoError(t, s.Apply(fund))
		require.Equal(t, htlc.Funded, s.State)
	})

	t.Run("funding without a prior deployment deploys implicitly", func(t *testing.T) {
		// on Bitcoin the pay-to-script output is deployed and funded by
		// the same transaction
		var s htlc.SideState
		oneTx := htlc.Observation{
			Kind: htlc.ObsFunded, Tx: htlc.TxPointer{TxID: "f", Height: 11},
			Location: "f:0", Amount: big.NewInt(5),
		}
		require.NoError(t, s.Apply(oneTx))
		require.Equal(t, htlc.Funded, s.State)
		require.Equal(t, "f:0", s.Location)
		require.Equal(t, oneTx.Tx, s.DeployTx)
	})

	t.Run("redeem without secret is rejected", func(t *testing.T) {
		var s htlc.SideState
		require.NoError(t, s.Apply(deploy))
		require.NoError(t, s.Apply(fund))
		noSecret := htlc.Observation{Kind: htlc.ObsRedeemed, Tx: htlc.TxPointer{TxID: "r"}}
		require.Error(t, s.Apply(noSecret))
	})
}

func TestParamsDigest(t *testing.T) {
	secret, err := htlc.GenSecret()
	require.NoError(t, err)

	params := htlc.Params{
		Asset: htlc.Asset{
			Ledger:   htlc.LedgerBitcoin,
			Kind:     htlc.AssetBitcoin,
			Quantity: big.NewInt(20_000_000),
		},
		RedeemIdentity: "aa",
		RefundIdentity: "bb",
		Expiry:         100,
		SecretHash:     secret.Hash(),
	}

	require.Equal(t, params.Digest(), params.Digest())

	other := params
	other.Expiry = 101
	require.NotEqual(t, params.Digest(), other.Digest())
}
