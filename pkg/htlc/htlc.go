package htlc

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

const (
	SecretLen     = 32
	SecretHashLen = sha256.Size
)

var (
	ErrSecretMismatch = errors.New("preimage does not hash to the expected secret hash")
)

// Secret is the 32-byte preimage chosen by the initiator. It is shared with
// nobody until it is revealed by the redeem of the beta HTLC.
type Secret [SecretLen]byte

// SecretHash is SHA256(secret), shared publicly during negotiation.
type SecretHash [SecretHashLen]byte

// GenSecret draws a fresh secret from crypto/rand.
func GenSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return Secret{}, fmt.Errorf("failed to generate secret: %s", err)
	}
	return s, nil
}

// DeriveSecret derives a swap's secret from the node seed and the swap id.
// The derivation lets the initiator recover the secret after a restart
// without ever writing it to disk.
func DeriveSecret(seed [32]byte, swapID []byte) Secret {
	h := sha256.New()
	h.Write(seed[:])
	h.Write(swapID)
	h.Write([]byte("comit-swap-secret"))
	var s Secret
	copy(s[:], h.Sum(nil))
	return s
}

func (s Secret) Hash() SecretHash {
	return sha256.Sum256(s[:])
}

// Zeroize overwrites the secret in place. The runner calls this once a swap
// reaches a terminal state, after which the secret is derivable from the
// chain anyway.
func (s *Secret) Zeroize() {
	for i := range s {
		s[i] = 0
	}
}

func SecretFromBytes(b []byte) (Secret, error) {
	if len(b) != SecretLen {
		return Secret{}, fmt.Errorf("secret must be %d bytes, got %d", SecretLen, len(b))
	}
	var s Secret
	copy(s[:], b)
	return s, nil
}

func SecretHashFromBytes(b []byte) (SecretHash, error) {
	if len(b) != SecretHashLen {
		return SecretHash{}, fmt.Errorf("secret hash must be %d bytes, got %d", SecretHashLen, len(b))
	}
	var h SecretHash
	copy(h[:], b)
	return h, nil
}

func (h SecretHash) String() string {
	return hex.EncodeToString(h[:])
}

// ExtractSecret validates a preimage candidate observed in a redeem
// transaction. Observations whose preimage does not hash to the expected
// value are dropped by the watcher.
func ExtractSecret(candidate []byte, hash SecretHash) (Secret, error) {
	secret, err := SecretFromBytes(candidate)
	if err != nil {
		return Secret{}, err
	}
	got := secret.Hash()
	if !bytes.Equal(got[:], hash[:]) {
		return Secret{}, ErrSecretMismatch
	}
	return secret, nil
}

// Params fully determines one side's HTLC: who can redeem with the preimage
// before expiry and who can refund at or after it.
type Params struct {
	Asset          Asset
	RedeemIdentity string
	RefundIdentity string
	Expiry         uint64
	SecretHash     SecretHash
}

// Digest is the pub/sub subscription key used by the ledger adapters to fan
// out chain notifications. The announce message carries a separate digest
// computed over its own fields.
func (p Params) Digest() [32]byte {
	h := sha256.New()
	h.Write([]byte(p.Asset.Ledger))
	h.Write([]byte(p.Asset.Kind))
	h.Write([]byte(p.Asset.TokenContract))
	h.Write(p.Asset.Quantity.Bytes())
	h.Write([]byte(p.RedeemIdentity))
	h.Write([]byte(p.RefundIdentity))
	var expiry [8]byte
	for i := 0; i < 8; i++ {
		expiry[i] = byte(p.Expiry >> (56 - 8*i))
	}
	h.Write(expiry[:])
	h.Write(p.SecretHash[:])
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// FundingOutcome classifies an observed funding amount against the agreed
// quantity. Alpha tolerates overfunding, the surplus is forfeit to the
// redeemer. Beta requires an exact match.
type FundingOutcome int

const (
	FundingCorrect FundingOutcome = iota
	FundingIncorrect
)

func ClassifyFunding(side Side, agreed, observed *big.Int) FundingOutcome {
	switch side {
	case SideAlpha:
		if observed.Cmp(agreed) >= 0 {
			return FundingCorrect
		}
	case SideBeta:
		if observed.Cmp(agreed) == 0 {
			return FundingCorrect
		}
	}
	return FundingIncorrect
}
