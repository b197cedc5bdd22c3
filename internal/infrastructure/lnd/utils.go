package lnd

import "encoding/hex"

// mustDecodeHex decodes lnd's hex-encoded preimage field; a decode failure
// yields nil which the caller rejects as an invalid preimage.
func mustDecodeHex(s string) []byte {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return raw
}
