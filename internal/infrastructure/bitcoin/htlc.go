package bitcoin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/comit-network/cnd/pkg/htlc"
)

const pubKeyHashLen = 20

// htlcScript builds the witness script of the swap HTLC: spendable by the
// redeemer with a 32-byte preimage of the secret hash before expiry, or by
// the refunder once the locktime passed.
//
//	OP_IF
//	    OP_SIZE 32 OP_EQUALVERIFY
//	    OP_SHA256 <secret_hash> OP_EQUALVERIFY
//	    OP_DUP OP_HASH160 <redeem_pkh>
//	OP_ELSE
//	    <expiry> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    OP_DUP OP_HASH160 <refund_pkh>
//	OP_ENDIF
//	OP_EQUALVERIFY
//	OP_CHECKSIG
func htlcScript(params htlc.Params) ([]byte, error) {
	redeemPkh, err := identityPkh(params.RedeemIdentity)
	if err != nil {
		return nil, fmt.Errorf("invalid redeem identity: %s", err)
	}
	refundPkh, err := identityPkh(params.RefundIdentity)
	if err != nil {
		return nil, fmt.Errorf("invalid refund identity: %s", err)
	}

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_IF).
		AddOp(txscript.OP_SIZE).AddInt64(htlc.SecretLen).AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_SHA256).AddData(params.SecretHash[:]).AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).AddData(redeemPkh).
		AddOp(txscript.OP_ELSE).
		AddInt64(int64(params.Expiry)).AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).AddOp(txscript.OP_DROP).
		AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).AddData(refundPkh).
		AddOp(txscript.OP_ENDIF).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// identityPkh decodes a hex-encoded 20-byte public key hash.
func identityPkh(identity string) ([]byte, error) {
	pkh, err := hex.DecodeString(identity)
	if err != nil {
		return nil, err
	}
	if len(pkh) != pubKeyHashLen {
		return nil, fmt.Errorf("pubkey hash must be %d bytes, got %d", pubKeyHashLen, len(pkh))
	}
	return pkh, nil
}

// htlcPkScript is the P2WSH output script the funding transaction pays to.
func htlcPkScript(params htlc.Params) ([]byte, error) {
	script, err := htlcScript(params)
	if err != nil {
		return nil, err
	}
	scriptHash := sha256.Sum256(script)
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(scriptHash[:]).
		Script()
}

// htlcAddress renders the P2WSH address for the fund action.
func htlcAddress(params htlc.Params, chain *chaincfg.Params) (btcutil.Address, error) {
	script, err := htlcScript(params)
	if err != nil {
		return nil, err
	}
	scriptHash := sha256.Sum256(script)
	return btcutil.NewAddressWitnessScriptHash(scriptHash[:], chain)
}

// extractSecret scans a spending input's witness for the 32-byte preimage
// of the secret hash. Spends that reveal no valid preimage are refunds.
func extractSecret(in *wire.TxIn, hash htlc.SecretHash) (*htlc.Secret, bool) {
	for _, item := range in.Witness {
		if len(item) != htlc.SecretLen {
			continue
		}
		secret, err := htlc.ExtractSecret(item, hash)
		if err != nil {
			continue
		}
		return &secret, true
	}
	return nil, false
}
