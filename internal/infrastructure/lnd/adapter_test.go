package lnd

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comit-network/cnd/internal/core/ports"
	"github.com/comit-network/cnd/pkg/htlc"
	"github.com/comit-network/cnd/pkg/swap"
)

// fakeLn scripts the invoice subscription of a single swap.
type fakeLn struct {
	updates chan ports.InvoiceUpdate
	errs    chan error

	settled  []htlc.Secret
	canceled []htlc.SecretHash
}

func newFakeLn() *fakeLn {
	return &fakeLn{
		updates: make(chan ports.InvoiceUpdate, 8),
		errs:    make(chan error, 1),
	}
}

func (f *fakeLn) Connect(ctx context.Context) error { return nil }
func (f *fakeLn) Disconnect()                       {}

func (f *fakeLn) AddHoldInvoice(
	ctx context.Context, hash htlc.SecretHash, amountSat uint64, expirySecs int64, memo string,
) (string, error) {
	return "lnbcrt150m1fakeinvoice", nil
}

func (f *fakeLn) SubscribeSingleInvoice(
	ctx context.Context, hash htlc.SecretHash,
) (<-chan ports.InvoiceUpdate, <-chan error, error) {
	return f.updates, f.errs, nil
}

func (f *fakeLn) SettleInvoice(ctx context.Context, secret htlc.Secret) error {
	f.settled = append(f.settled, secret)
	return nil
}

func (f *fakeLn) CancelInvoice(ctx context.Context, hash htlc.SecretHash) error {
	f.canceled = append(f.canceled, hash)
	return nil
}

func (f *fakeLn) PayInvoice(ctx context.Context, invoice string) (htlc.Secret, error) {
	return htlc.Secret{}, nil
}

var _ ports.LnService = (*fakeLn)(nil)

func lnParams(t *testing.T) (htlc.Params, htlc.Secret) {
	t.Helper()
	secret, err := htlc.GenSecret()
	require.NoError(t, err)
	return htlc.Params{
		Asset: htlc.Asset{
			Ledger:   htlc.LedgerLightning,
			Kind:     htlc.AssetBitcoin,
			Quantity: big.NewInt(15_000_000),
		},
		Expiry:     uint64(time.Now().Unix()) + 3600,
		SecretHash: secret.Hash(),
	}, secret
}

func collect(t *testing.T, obsCh <-chan htlc.Observation, n int) []htlc.Observation {
	t.Helper()
	var out []htlc.Observation
	for len(out) < n {
		select {
		case obs, ok := <-obsCh:
			if !ok {
				return out
			}
			out = append(out, obs)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for observation %d", len(out))
		}
	}
	return out
}

func TestHoldInvoiceLifecycle(t *testing.T) {
	t.Run("accept then settle is fund then redeem", func(t *testing.T) {
		ln := newFakeLn()
		adapter := NewAdapter(ln)
		params, secret := lnParams(t)

		obsCh, _, err := adapter.Watch(context.Background(), htlc.SideBeta, params, 0)
		require.NoError(t, err)

		ln.updates <- ports.InvoiceUpdate{Hash: params.SecretHash, State: ports.InvoiceAccepted, AmtSat: 15_000_000}
		ln.updates <- ports.InvoiceUpdate{Hash: params.SecretHash, State: ports.InvoiceSettled, AmtSat: 15_000_000, Preimage: secret[:]}

		obs := collect(t, obsCh, 2)
		require.Equal(t, htlc.ObsFunded, obs[0].Kind)
		require.Equal(t, int64(15_000_000), obs[0].Amount.Int64())
		require.Equal(t, htlc.ObsRedeemed, obs[1].Kind)
		require.Equal(t, secret, *obs[1].Secret)

		// the stream ends after the closing observation
		_, open := <-obsCh
		require.False(t, open)
	})

	t.Run("wrong amount is an incorrect funding", func(t *testing.T) {
		ln := newFakeLn()
		adapter := NewAdapter(ln)
		params, _ := lnParams(t)

		obsCh, _, err := adapter.Watch(context.Background(), htlc.SideBeta, params, 0)
		require.NoError(t, err)

		ln.updates <- ports.InvoiceUpdate{Hash: params.SecretHash, State: ports.InvoiceAccepted, AmtSat: 1}
		obs := collect(t, obsCh, 1)
		require.Equal(t, htlc.ObsIncorrectlyFunded, obs[0].Kind)
	})

	t.Run("cancel is a refund", func(t *testing.T) {
		ln := newFakeLn()
		adapter := NewAdapter(ln)
		params, _ := lnParams(t)

		obsCh, _, err := adapter.Watch(context.Background(), htlc.SideBeta, params, 0)
		require.NoError(t, err)

		ln.updates <- ports.InvoiceUpdate{Hash: params.SecretHash, State: ports.InvoiceAccepted, AmtSat: 15_000_000}
		ln.updates <- ports.InvoiceUpdate{Hash: params.SecretHash, State: ports.InvoiceCanceled}

		obs := collect(t, obsCh, 2)
		require.Equal(t, htlc.ObsRefunded, obs[1].Kind)
	})

	t.Run("settlement with a wrong preimage is dropped", func(t *testing.T) {
		ln := newFakeLn()
		adapter := NewAdapter(ln)
		params, _ := lnParams(t)
		wrong, err := htlc.GenSecret()
		require.NoError(t, err)

		obsCh, _, err := adapter.Watch(context.Background(), htlc.SideBeta, params, 0)
		require.NoError(t, err)

		ln.updates <- ports.InvoiceUpdate{Hash: params.SecretHash, State: ports.InvoiceAccepted, AmtSat: 15_000_000}
		ln.updates <- ports.InvoiceUpdate{Hash: params.SecretHash, State: ports.InvoiceSettled, Preimage: wrong[:]}

		obs := collect(t, obsCh, 1)
		require.Equal(t, htlc.ObsFunded, obs[0].Kind)
		_, open := <-obsCh
		require.False(t, open)
	})
}

func TestBuildAction(t *testing.T) {
	ln := newFakeLn()
	adapter := NewAdapter(ln)
	params, secret := lnParams(t)

	t.Run("fund pays the negotiated invoice", func(t *testing.T) {
		desc, err := adapter.BuildAction(
			context.Background(), swap.ActionFund, htlc.SideBeta, params, "lnbcrt150m1fakeinvoice", nil,
		)
		require.NoError(t, err)
		require.Equal(t, "lnbcrt150m1fakeinvoice", desc.Payload["pay_invoice"])
	})

	t.Run("fund without an invoice fails", func(t *testing.T) {
		_, err := adapter.BuildAction(context.Background(), swap.ActionFund, htlc.SideBeta, params, "", nil)
		require.Error(t, err)
	})

	t.Run("redeem settles with the preimage", func(t *testing.T) {
		desc, err := adapter.BuildAction(
			context.Background(), swap.ActionRedeem, htlc.SideBeta, params, "", &secret,
		)
		require.NoError(t, err)
		require.NotEmpty(t, desc.Payload["settle_preimage"])
	})

	t.Run("deploy is not a lightning action", func(t *testing.T) {
		_, err := adapter.BuildAction(context.Background(), swap.ActionDeploy, htlc.SideBeta, params, "", nil)
		require.Error(t, err)
	})
}
