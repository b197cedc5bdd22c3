package wire

// Announce is sent by the initiator to propose a fully-parameterised swap.
// The digest commits to every negotiated parameter; the responder recomputes
// it and rejects on mismatch.
type Announce struct {
	SwapID       string `cbor:"swap_id"`
	AlphaLedger  string `cbor:"alpha_ledger"`
	BetaLedger   string `cbor:"beta_ledger"`
	AlphaAsset   string `cbor:"alpha_asset"`
	BetaAsset    string `cbor:"beta_asset"`
	AlphaAmount  string `cbor:"alpha_amount"`
	BetaAmount   string `cbor:"beta_amount"`
	TokenAddr    string `cbor:"token_addr,omitempty"`
	AlphaExpiry  uint64 `cbor:"alpha_expiry"`
	BetaExpiry   uint64 `cbor:"beta_expiry"`
	SecretHash   []byte `cbor:"secret_hash"`
	AlphaRefund  string `cbor:"alpha_refund"`
	BetaRedeem   string `cbor:"beta_redeem"`
	// Invoice is the hold invoice hosted by the initiator's node when one
	// side settles over Lightning.
	Invoice    string `cbor:"invoice,omitempty"`
	SwapDigest []byte `cbor:"swap_digest"`
}

// AnnounceOK confirms the proposal and supplies the responder's identities.
type AnnounceOK struct {
	SwapID      string `cbor:"swap_id"`
	AlphaRedeem string `cbor:"alpha_redeem"`
	BetaRefund  string `cbor:"beta_refund"`
}

// AnnounceReject is a final rejection of the proposal.
type AnnounceReject struct {
	SwapID string `cbor:"swap_id"`
	Reason string `cbor:"reason,omitempty"`
}

// GossipOrder is one open order in an order_gossip broadcast.
type GossipOrder struct {
	OrderID   string `cbor:"order_id"`
	Base      string `cbor:"base"`
	Quote     string `cbor:"quote"`
	Position  string `cbor:"position"`
	Quantity  string `cbor:"quantity"`
	Price     string `cbor:"price"`
	Maker     string `cbor:"maker"`
	CreatedAt int64  `cbor:"created_at"`
}

// OrderGossip is the unsolicited one-shot broadcast of a node's open book.
type OrderGossip struct {
	Orders []GossipOrder `cbor:"orders"`
}
