package domain

import (
	"fmt"
	"math/big"

	"github.com/comit-network/cnd/pkg/htlc"
	"github.com/comit-network/cnd/pkg/swap"
	"github.com/fxamacker/cbor/v2"
)

// Wire layout of persisted swap params. Version-tagged so the blob can
// evolve independently of the in-memory types.
type paramsBlob struct {
	Version uint8         `cbor:"v"`
	Alpha   htlcParamsDTO `cbor:"alpha"`
	Beta    htlcParamsDTO `cbor:"beta"`
	Hash    []byte        `cbor:"secret_hash"`
}

type htlcParamsDTO struct {
	Ledger    string `cbor:"ledger"`
	Kind      string `cbor:"kind"`
	Quantity  string `cbor:"quantity"`
	TokenAddr string `cbor:"token_addr,omitempty"`
	Redeem    string `cbor:"redeem"`
	Refund    string `cbor:"refund"`
	Expiry    uint64 `cbor:"expiry"`
}

func EncodeParams(p swap.Params) ([]byte, error) {
	blob := paramsBlob{
		Version: payloadVersion,
		Alpha:   toDTO(p.Alpha),
		Beta:    toDTO(p.Beta),
		Hash:    p.SecretHash[:],
	}
	return cbor.Marshal(blob)
}

func DecodeParams(raw []byte) (swap.Params, error) {
	var blob paramsBlob
	if err := cbor.Unmarshal(raw, &blob); err != nil {
		return swap.Params{}, fmt.Errorf("failed to decode swap params: %s", err)
	}
	if blob.Version != payloadVersion {
		return swap.Params{}, fmt.Errorf("unsupported params version %d", blob.Version)
	}

	alpha, err := fromDTO(blob.Alpha)
	if err != nil {
		return swap.Params{}, err
	}
	beta, err := fromDTO(blob.Beta)
	if err != nil {
		return swap.Params{}, err
	}
	hash, err := htlc.SecretHashFromBytes(blob.Hash)
	if err != nil {
		return swap.Params{}, err
	}

	alpha.SecretHash = hash
	beta.SecretHash = hash
	return swap.Params{Alpha: alpha, Beta: beta, SecretHash: hash}, nil
}

func toDTO(p htlc.Params) htlcParamsDTO {
	return htlcParamsDTO{
		Ledger:    string(p.Asset.Ledger),
		Kind:      string(p.Asset.Kind),
		Quantity:  p.Asset.Quantity.String(),
		TokenAddr: p.Asset.TokenContract,
		Redeem:    p.RedeemIdentity,
		Refund:    p.RefundIdentity,
		Expiry:    p.Expiry,
	}
}

func fromDTO(dto htlcParamsDTO) (htlc.Params, error) {
	quantity, ok := new(big.Int).SetString(dto.Quantity, 10)
	if !ok {
		return htlc.Params{}, fmt.Errorf("invalid quantity %q", dto.Quantity)
	}
	return htlc.Params{
		Asset: htlc.Asset{
			Ledger:        htlc.Ledger(dto.Ledger),
			Kind:          htlc.AssetKind(dto.Kind),
			Quantity:      quantity,
			TokenContract: dto.TokenAddr,
		},
		RedeemIdentity: dto.Redeem,
		RefundIdentity: dto.Refund,
		Expiry:         dto.Expiry,
	}, nil
}
