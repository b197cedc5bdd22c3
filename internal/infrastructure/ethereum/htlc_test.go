package ethereum

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/comit-network/cnd/pkg/htlc"
)

func testHtlcParams(t *testing.T) htlc.Params {
	t.Helper()
	secret, err := htlc.GenSecret()
	require.NoError(t, err)

	return htlc.Params{
		RedeemIdentity: "0x00000000000000000000000000000000000000aa",
		RefundIdentity: "0x00000000000000000000000000000000000000bb",
		Expiry:         1_700_050_000,
		SecretHash:     secret.Hash(),
	}
}

func TestContractCode(t *testing.T) {
	params := testHtlcParams(t)

	t.Run("deterministic", func(t *testing.T) {
		a, err := contractCode(params)
		require.NoError(t, err)
		b, err := contractCode(params)
		require.NoError(t, err)
		require.Equal(t, a, b)
	})

	t.Run("embeds the parameters", func(t *testing.T) {
		code, err := contractCode(params)
		require.NoError(t, err)

		require.Contains(t, string(code), string(params.SecretHash[:]))
		redeem := common.HexToAddress(params.RedeemIdentity)
		require.Contains(t, string(code), string(redeem.Bytes()))
	})

	t.Run("different params, different code", func(t *testing.T) {
		a, err := contractCode(params)
		require.NoError(t, err)

		other := params
		other.Expiry++
		b, err := contractCode(other)
		require.NoError(t, err)
		require.NotEqual(t, a, b)
	})

	t.Run("rejects non-address identities", func(t *testing.T) {
		bad := params
		bad.RedeemIdentity = "alice"
		_, err := contractCode(bad)
		require.Error(t, err)
	})
}

func TestErc20TransferData(t *testing.T) {
	contract := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	data := erc20TransferData(contract, []byte{0x01, 0x02})

	require.Len(t, data, 68)
	require.Equal(t, erc20TransferSelector, data[:4])
	require.Equal(t, contract.Bytes(), data[16:36])
	require.Equal(t, []byte{0x01, 0x02}, data[66:])
}
