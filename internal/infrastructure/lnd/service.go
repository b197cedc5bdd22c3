package lnd

import (
	"context"
	"fmt"
	"os"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"

	"github.com/comit-network/cnd/internal/core/ports"
	"github.com/comit-network/cnd/pkg/htlc"
)

type Config struct {
	Host         string
	TLSCertPath  string
	MacaroonPath string
}

type service struct {
	cfg            Config
	conn           *grpc.ClientConn
	client         lnrpc.LightningClient
	invoicesClient invoicesrpc.InvoicesClient
	routerClient   routerrpc.RouterClient
}

func NewService(cfg Config) ports.LnService {
	return &service{cfg: cfg}
}

func (s *service) Connect(ctx context.Context) error {
	if len(s.cfg.Host) == 0 {
		return fmt.Errorf("empty lnd host")
	}

	creds, err := credentials.NewClientTLSFromFile(s.cfg.TLSCertPath, "")
	if err != nil {
		return fmt.Errorf("failed to load lnd tls cert: %s", err)
	}

	macBytes, err := os.ReadFile(s.cfg.MacaroonPath)
	if err != nil {
		return fmt.Errorf("failed to read macaroon: %s", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return fmt.Errorf("failed to unmarshal macaroon: %s", err)
	}
	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return fmt.Errorf("failed to create macaroon credential: %s", err)
	}

	conn, err := grpc.NewClient(
		s.cfg.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
	)
	if err != nil {
		return fmt.Errorf("unable to dial lnd: %s", err)
	}

	client := lnrpc.NewLightningClient(conn)
	info, err := client.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("unable to get info: %v", err)
	}

	s.conn = conn
	s.client = client
	s.invoicesClient = invoicesrpc.NewInvoicesClient(conn)
	s.routerClient = routerrpc.NewRouterClient(conn)

	log.Infof("connected to LND version %s with pubkey %s", info.GetVersion(), info.GetIdentityPubkey())
	return nil
}

func (s *service) Disconnect() {
	if s.conn != nil {
		// nolint
		s.conn.Close()
	}
	s.client = nil
	s.invoicesClient = nil
	s.routerClient = nil
}

func (s *service) isConnected() bool {
	return s.client != nil
}

func (s *service) AddHoldInvoice(
	ctx context.Context, hash htlc.SecretHash, amountSat uint64, expirySecs int64, memo string,
) (string, error) {
	if !s.isConnected() {
		return "", fmt.Errorf("lnd service not connected")
	}

	resp, err := s.invoicesClient.AddHoldInvoice(ctx, &invoicesrpc.AddHoldInvoiceRequest{
		Memo:   memo,
		Hash:   hash[:],
		Value:  int64(amountSat),
		Expiry: expirySecs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to add hold invoice: %v", err)
	}
	return resp.PaymentRequest, nil
}

func (s *service) SubscribeSingleInvoice(
	ctx context.Context, hash htlc.SecretHash,
) (<-chan ports.InvoiceUpdate, <-chan error, error) {
	if !s.isConnected() {
		return nil, nil, fmt.Errorf("lnd service not connected")
	}

	stream, err := s.invoicesClient.SubscribeSingleInvoice(ctx, &invoicesrpc.SubscribeSingleInvoiceRequest{
		RHash: hash[:],
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to invoice: %v", err)
	}

	updateCh := make(chan ports.InvoiceUpdate)
	errCh := make(chan error, 1)

	go func() {
		defer close(updateCh)
		defer close(errCh)
		for {
			invoice, err := stream.Recv()
			if err != nil {
				if ctx.Err() == nil {
					errCh <- err
				}
				return
			}

			update := ports.InvoiceUpdate{
				Hash:   hash,
				AmtSat: uint64(invoice.Value),
			}
			switch invoice.State {
			case lnrpc.Invoice_OPEN:
				update.State = ports.InvoiceOpen
			case lnrpc.Invoice_ACCEPTED:
				update.State = ports.InvoiceAccepted
				update.AmtSat = uint64(invoice.AmtPaidSat)
			case lnrpc.Invoice_SETTLED:
				update.State = ports.InvoiceSettled
				update.AmtSat = uint64(invoice.AmtPaidSat)
				update.Preimage = invoice.RPreimage
			case lnrpc.Invoice_CANCELED:
				update.State = ports.InvoiceCanceled
			}

			select {
			case <-ctx.Done():
				return
			case updateCh <- update:
			}

			if update.State == ports.InvoiceSettled || update.State == ports.InvoiceCanceled {
				return
			}
		}
	}()

	return updateCh, errCh, nil
}

func (s *service) SettleInvoice(ctx context.Context, secret htlc.Secret) error {
	if !s.isConnected() {
		return fmt.Errorf("lnd service not connected")
	}
	if _, err := s.invoicesClient.SettleInvoice(ctx, &invoicesrpc.SettleInvoiceMsg{
		Preimage: secret[:],
	}); err != nil {
		return fmt.Errorf("failed to settle invoice: %v", err)
	}
	return nil
}

func (s *service) CancelInvoice(ctx context.Context, hash htlc.SecretHash) error {
	if !s.isConnected() {
		return fmt.Errorf("lnd service not connected")
	}
	if _, err := s.invoicesClient.CancelInvoice(ctx, &invoicesrpc.CancelInvoiceMsg{
		PaymentHash: hash[:],
	}); err != nil {
		return fmt.Errorf("failed to cancel invoice: %v", err)
	}
	return nil
}

// PayInvoice blocks until the payment settles; for a hold invoice that only
// happens once the receiver reveals the preimage by settling.
func (s *service) PayInvoice(ctx context.Context, invoice string) (htlc.Secret, error) {
	if !s.isConnected() {
		return htlc.Secret{}, fmt.Errorf("lnd service not connected")
	}

	stream, err := s.routerClient.SendPaymentV2(ctx, &routerrpc.SendPaymentRequest{
		PaymentRequest: invoice,
		TimeoutSeconds: 3600,
		NoInflightUpdates: true,
	})
	if err != nil {
		return htlc.Secret{}, fmt.Errorf("failed to send payment: %v", err)
	}

	for {
		payment, err := stream.Recv()
		if err != nil {
			return htlc.Secret{}, fmt.Errorf("payment stream error: %v", err)
		}
		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED:
			preimage, err := htlc.SecretFromBytes(mustDecodeHex(payment.PaymentPreimage))
			if err != nil {
				return htlc.Secret{}, fmt.Errorf("lnd returned an invalid preimage: %s", err)
			}
			return preimage, nil
		case lnrpc.Payment_FAILED:
			return htlc.Secret{}, fmt.Errorf("payment failed: %s", payment.FailureReason)
		}
	}
}
