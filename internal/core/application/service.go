package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/comit-network/cnd/internal/core/domain"
	"github.com/comit-network/cnd/internal/core/ports"
	"github.com/comit-network/cnd/pkg/expiry"
	"github.com/comit-network/cnd/pkg/htlc"
	"github.com/comit-network/cnd/pkg/orderbook"
	"github.com/comit-network/cnd/pkg/swap"
)

// negotiationTimeout bounds how long a matched quantity stays parked before
// it returns to the open book.
const negotiationTimeout = 2 * time.Minute

// Market maps a trading pair onto the ledgers and assets its swaps settle
// on. The quote side of a Buy taker becomes alpha: the initiator funds what
// they pay.
type Market struct {
	Pair        orderbook.Pair
	BaseLedger  htlc.Ledger
	BaseKind    htlc.AssetKind
	QuoteLedger htlc.Ledger
	QuoteKind   htlc.AssetKind
	QuoteToken  string // erc20 contract backing the quote asset
}

// Identities are the local node's identities per ledger, handed to the
// counter-party during negotiation.
type Identities struct {
	Bitcoin   string // hex pubkey hash
	Ethereum  string // hex address
	Lightning string // node pubkey
}

type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

type Config struct {
	LocalName    string
	ManualAccept bool
	Seed         [32]byte
	Identities   Identities
	Markets      []Market
	PeerAddrs    []string // peers introduced out-of-band
	ExpiryPolicy expiry.Policy
}

// Service owns the orderbook, drives one runner per swap and exposes the
// control surface the HTTP layer consumes.
type Service struct {
	BuildInfo BuildInfo

	cfg       Config
	repoMgr   ports.RepoManager
	adapters  map[htlc.Ledger]ports.LedgerAdapter
	transport ports.PeerTransport
	ln        ports.LnService // nil when lightning is not configured
	book      *orderbook.Book
	scheduler *gocron.Scheduler

	mu       sync.Mutex
	runners  map[uuid.UUID]*runner
	approval map[uuid.UUID]chan bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(
	buildInfo BuildInfo,
	cfg Config,
	repoMgr ports.RepoManager,
	adapters []ports.LedgerAdapter,
	transport ports.PeerTransport,
	ln ports.LnService,
) (*Service, error) {
	byLedger := make(map[htlc.Ledger]ports.LedgerAdapter, len(adapters))
	for _, a := range adapters {
		byLedger[a.Ledger()] = a
	}

	svc := &Service{
		BuildInfo: buildInfo,
		cfg:       cfg,
		repoMgr:   repoMgr,
		adapters:  byLedger,
		transport: transport,
		ln:        ln,
		book:      orderbook.New(),
		scheduler: gocron.NewScheduler(time.UTC),
		runners:   make(map[uuid.UUID]*runner),
		approval:  make(map[uuid.UUID]chan bool),
	}
	transport.SetHandler(svc)
	return svc, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.transport.Start(s.ctx); err != nil {
		return err
	}
	for _, addr := range s.cfg.PeerAddrs {
		if err := s.transport.Connect(s.ctx, addr); err != nil {
			log.WithError(err).Warnf("failed to connect to peer %s", addr)
		}
	}

	if err := s.recover(s.ctx); err != nil {
		return fmt.Errorf("failed to recover swaps: %s", err)
	}

	// let freshly-connected peers see the restored book right away
	s.gossipOpenOrders()

	// park-timeout reaper and periodic order gossip
	if _, err := s.scheduler.Every(30 * time.Second).Do(s.reapStaleMatches); err != nil {
		return err
	}
	if _, err := s.scheduler.Every(time.Minute).Do(s.gossipOpenOrders); err != nil {
		return err
	}
	s.scheduler.StartAsync()

	log.Info("swap service started")
	return nil
}

// Stop refuses new swaps, cancels the watchers and lets the runners wind
// down before the repositories close.
func (s *Service) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.scheduler.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.transport.Stop()
	s.repoMgr.Close()
	log.Info("swap service stopped")
}

func (s *Service) adapter(ledger htlc.Ledger) (ports.LedgerAdapter, error) {
	a, ok := s.adapters[ledger]
	if !ok {
		return nil, fmt.Errorf("no adapter configured for ledger %s", ledger)
	}
	return a, nil
}

// PostOrder places a limit order into the book and negotiates any match.
func (s *Service) PostOrder(ctx context.Context, order orderbook.Order) (uuid.UUID, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return uuid.Nil, fmt.Errorf("shutting down, not accepting orders")
	}
	s.mu.Unlock()

	if _, err := s.market(order.Pair); err != nil {
		return uuid.Nil, err
	}

	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.Maker == "" {
		order.Maker = s.cfg.LocalName
	}

	matches, err := s.book.Submit(order)
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.repoMgr.Orders().Put(ctx, order); err != nil {
		log.WithError(err).Warn("failed to snapshot order")
	}

	for _, match := range matches {
		s.wg.Add(1)
		go func(m orderbook.Match) {
			defer s.wg.Done()
			s.negotiateMatch(s.ctx, m)
		}(match)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.gossipOpenOrders()
	}()

	return order.ID, nil
}

func (s *Service) CancelOrder(ctx context.Context, id uuid.UUID) error {
	if err := s.book.Cancel(id); err != nil {
		return err
	}
	if err := s.repoMgr.Orders().Delete(ctx, id); err != nil {
		log.WithError(err).Warn("failed to remove order snapshot")
	}
	return nil
}

func (s *Service) OpenOrders() []orderbook.Order {
	return s.book.Open()
}

// AcceptAnnounce resolves a pending manual approval.
func (s *Service) AcceptAnnounce(swapID uuid.UUID) error {
	return s.decide(swapID, true)
}

func (s *Service) RejectAnnounce(swapID uuid.UUID) error {
	return s.decide(swapID, false)
}

func (s *Service) decide(swapID uuid.UUID, accept bool) error {
	s.mu.Lock()
	ch, ok := s.approval[swapID]
	if ok {
		delete(s.approval, swapID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending announce for swap %s", swapID)
	}
	ch <- accept
	return nil
}

// NextAction returns the single action the local actor should perform for
// the swap, or nil when there is nothing to do but wait.
func (s *Service) NextAction(ctx context.Context, swapID uuid.UUID) (*ports.ActionDescription, error) {
	s.mu.Lock()
	r, ok := s.runners[swapID]
	s.mu.Unlock()
	if !ok {
		// a completed swap has no runner and no further actions
		if _, err := s.repoMgr.Swaps().Get(ctx, swapID); err != nil {
			return nil, fmt.Errorf("swap %s not found", swapID)
		}
		return nil, nil
	}
	return r.nextAction(ctx)
}

// PerformedAction acknowledges an action the actor performed out-of-band.
// The report is only logged: it is not written to the event log and does not
// advance the swap, which moves on once the ledger watcher observes the
// action.
func (s *Service) PerformedAction(ctx context.Context, swapID uuid.UUID, kind swap.ActionKind, handle string) error {
	s.mu.Lock()
	_, ok := s.runners[swapID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("swap %s not found", swapID)
	}
	log.WithFields(log.Fields{
		"swap":   swapID,
		"action": kind.String(),
		"handle": handle,
	}).Info("actor reported an action, awaiting chain confirmation")
	return nil
}

// Events exposes a swap's committed log.
func (s *Service) Events(ctx context.Context, swapID uuid.UUID) ([]domain.Event, error) {
	return s.repoMgr.Events().List(ctx, swapID)
}

func (s *Service) market(pair orderbook.Pair) (Market, error) {
	for _, m := range s.cfg.Markets {
		if m.Pair == pair {
			return m, nil
		}
	}
	return Market{}, fmt.Errorf("no market configured for pair %s", pair)
}

// reapStaleMatches returns quantities parked longer than the negotiation
// timeout to the open book. The in-line negotiation path normally releases
// them; the reaper covers negotiations that died with their goroutine.
func (s *Service) reapStaleMatches() {
	cutoff := time.Now().UTC().Add(-negotiationTimeout)
	for _, m := range s.book.PendingMatches() {
		if m.Taker.CreatedAt.Before(cutoff) {
			log.WithField("match", m.ID).Info("negotiation timed out, releasing matched quantity")
			// nolint
			s.book.Release(m.ID)
		}
	}
}
