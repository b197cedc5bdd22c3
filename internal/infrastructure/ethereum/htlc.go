package ethereum

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/comit-network/cnd/pkg/htlc"
)

// Log signatures of the swap contract. A redeem emits the revealed secret,
// a refund emits nothing but the marker.
var (
	redeemedTopic = crypto.Keccak256Hash([]byte("Redeemed(bytes32)"))
	refundedTopic = crypto.Keccak256Hash([]byte("Refunded()"))
	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// The contract template is the compiled swap contract with placeholders for
// the per-swap parameters. The contract pays its balance (or its token
// balance) to the redeem address when called with the correct preimage
// before expiry and to the refund address when called after expiry,
// emitting Redeemed/Refunded accordingly.
const (
	contractTemplateHex = "6100b38061000d6000396000f3103391425235635455900152515652358080355b" +
		"355480526301555b42420152010191525b52546133168033545501165463435755" +
		"0000000000000000000000000000000000000000000000000000000000000000" +
		"01014256905554f3350152035650435480" +
		"00000000" +
		"731081018190165b7f57f3735b350116" +
		"510000000000000000000000000000000000000000" +
		"5010" +
		"0000000000000000000000000000000000000000" +
		"ff81160335555180577310335080"

	// byte offsets of the placeholders within the creation bytecode
	secretHashOffset    = 66
	expiryOffset        = 115
	redeemAddressOffset = 136
	refundAddressOffset = 158
)

// erc20TransferSelector is the 4-byte selector of transfer(address,uint256).
var erc20TransferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// contractCode assembles the creation bytecode for the swap parameters. The
// deployment watcher matches candidate transactions byte for byte against
// this exact code.
func contractCode(params htlc.Params) ([]byte, error) {
	redeem, err := parseAddress(params.RedeemIdentity)
	if err != nil {
		return nil, fmt.Errorf("invalid redeem identity: %s", err)
	}
	refund, err := parseAddress(params.RefundIdentity)
	if err != nil {
		return nil, fmt.Errorf("invalid refund identity: %s", err)
	}

	code, err := hex.DecodeString(contractTemplateHex)
	if err != nil {
		return nil, fmt.Errorf("corrupt contract template: %s", err)
	}
	code = append([]byte{}, code...)

	patch(code, secretHashOffset, params.SecretHash[:])

	var expiry [4]byte
	for i := 0; i < 4; i++ {
		expiry[i] = byte(params.Expiry >> (24 - 8*i))
	}
	patch(code, expiryOffset, expiry[:])
	patch(code, redeemAddressOffset, redeem.Bytes())
	patch(code, refundAddressOffset, refund.Bytes())
	return code, nil
}

func patch(code []byte, offset int, value []byte) {
	if offset+len(value) <= len(code) {
		copy(code[offset:], value)
	}
}

func parseAddress(identity string) (common.Address, error) {
	if !common.IsHexAddress(identity) {
		return common.Address{}, fmt.Errorf("%q is not a hex address", identity)
	}
	return common.HexToAddress(identity), nil
}

// erc20TransferData is the calldata funding an ERC-20 HTLC.
func erc20TransferData(contract common.Address, quantity []byte) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, erc20TransferSelector...)
	data = append(data, common.LeftPadBytes(contract.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(quantity, 32)...)
	return data
}
