package ports

import (
	"context"

	"github.com/comit-network/cnd/pkg/htlc"
)

type InvoiceState int

const (
	InvoiceOpen InvoiceState = iota
	InvoiceAccepted
	InvoiceSettled
	InvoiceCanceled
)

func (s InvoiceState) String() string {
	switch s {
	case InvoiceOpen:
		return "OPEN"
	case InvoiceAccepted:
		return "ACCEPTED"
	case InvoiceSettled:
		return "SETTLED"
	case InvoiceCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

type InvoiceUpdate struct {
	Hash     htlc.SecretHash
	State    InvoiceState
	AmtSat   uint64
	Preimage []byte // set once settled
}

// LnService is the hold-invoice capability set of the Lightning adapter.
// Acceptance of the hold invoice plays the role of deployment+funding,
// settling reveals the preimage (redeem) and cancelling or letting the
// invoice expire is the refund path.
type LnService interface {
	Connect(ctx context.Context) error
	Disconnect()
	AddHoldInvoice(ctx context.Context, hash htlc.SecretHash, amountSat uint64, expirySecs int64, memo string) (invoice string, err error)
	SubscribeSingleInvoice(ctx context.Context, hash htlc.SecretHash) (<-chan InvoiceUpdate, <-chan error, error)
	SettleInvoice(ctx context.Context, secret htlc.Secret) error
	CancelInvoice(ctx context.Context, hash htlc.SecretHash) error
	// PayInvoice blocks until the receiver settles or the payment fails; on
	// success it returns the preimage learned from the settlement.
	PayInvoice(ctx context.Context, invoice string) (htlc.Secret, error)
}
