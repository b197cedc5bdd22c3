package application

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/comit-network/cnd/internal/core/domain"
	"github.com/comit-network/cnd/internal/core/ports"
	"github.com/comit-network/cnd/pkg/htlc"
	"github.com/comit-network/cnd/pkg/swap"
)

// runner drives one swap. All events of the swap are serialised through its
// loop; the state machine never sees concurrency.
type runner struct {
	svc    *Service
	record domain.Swap
	logger *log.Entry

	mu      sync.Mutex
	machine *swap.Machine
	nextSeq uint64

	alphaStart uint64
	betaStart  uint64
}

type sideEvent struct {
	side htlc.Side
	obs  htlc.Observation
}

// spawnRunner registers and starts the swap task.
func (s *Service) spawnRunner(record domain.Swap, machine *swap.Machine, nextSeq, alphaStart, betaStart uint64) error {
	r := &runner{
		svc:        s,
		record:     record,
		logger:     log.WithField("swap", record.ID),
		machine:    machine,
		nextSeq:    nextSeq,
		alphaStart: alphaStart,
		betaStart:  betaStart,
	}

	s.mu.Lock()
	if _, ok := s.runners[record.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.runners[record.ID] = r
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.run(s.ctx)
	}()
	return nil
}

func (s *Service) removeRunner(id uuid.UUID) {
	s.mu.Lock()
	delete(s.runners, id)
	s.mu.Unlock()
}

func (r *runner) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	alphaAdapter, err := r.svc.adapter(r.record.Params.Alpha.Asset.Ledger)
	if err != nil {
		r.logger.WithError(err).Error("alpha ledger not available")
		return
	}
	betaAdapter, err := r.svc.adapter(r.record.Params.Beta.Asset.Ledger)
	if err != nil {
		r.logger.WithError(err).Error("beta ledger not available")
		return
	}

	alphaObs, alphaErrs, err := alphaAdapter.Watch(ctx, htlc.SideAlpha, r.record.Params.Alpha, r.alphaStart)
	if err != nil {
		r.logger.WithError(err).Error("failed to arm alpha watcher")
		return
	}
	betaObs, betaErrs, err := betaAdapter.Watch(ctx, htlc.SideBeta, r.record.Params.Beta, r.betaStart)
	if err != nil {
		r.logger.WithError(err).Error("failed to arm beta watcher")
		return
	}

	r.logger.WithField("state", r.state().String()).Info("swap task started")

	for {
		var ev sideEvent
		select {
		case <-ctx.Done():
			return
		case err, ok := <-alphaErrs:
			if ok && r.halt(ctx, err) {
				return
			}
			alphaErrs = nil
			continue
		case err, ok := <-betaErrs:
			if ok && r.halt(ctx, err) {
				return
			}
			betaErrs = nil
			continue
		case obs, ok := <-alphaObs:
			if !ok {
				alphaObs = nil
				if betaObs == nil {
					return
				}
				continue
			}
			ev = sideEvent{htlc.SideAlpha, obs}
		case obs, ok := <-betaObs:
			if !ok {
				betaObs = nil
				if alphaObs == nil {
					return
				}
				continue
			}
			ev = sideEvent{htlc.SideBeta, obs}
		}

		done, err := r.handleEvent(ctx, ev)
		if err != nil {
			// storage failure: abandon the task, never act on an
			// event that was not committed first
			r.logger.WithError(err).Error("failed to persist event, halting swap task")
			return
		}
		if done {
			return
		}
	}
}

// handleEvent commits the observation to the event log before it touches
// the state machine. Duplicates re-observed after a restart are skipped.
func (r *runner) handleEvent(ctx context.Context, ev sideEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	machineEv := swap.Event{Side: ev.side, Obs: ev.obs}

	probe := *r.machine
	applied, err := probe.Apply(machineEv)
	if err != nil {
		r.logger.WithError(err).Warnf("dropping %s event on %s", ev.obs.Kind, ev.side)
		return false, nil
	}
	if !applied {
		return false, nil
	}

	event, err := domain.NewObservationEvent(r.record.ID, r.nextSeq, ev.side, ev.obs)
	if err != nil {
		return false, err
	}
	if err := r.svc.repoMgr.Events().Append(ctx, event); err != nil {
		if errors.Is(err, domain.ErrDuplicateSeq) {
			r.logger.Warn("event log already has this sequence number, skipping")
			return false, nil
		}
		return false, err
	}
	r.nextSeq++

	if _, err := r.machine.Apply(machineEv); err != nil {
		return false, err
	}

	state := r.machine.State()
	r.logger.WithFields(log.Fields{
		"event": ev.obs.Kind.String(),
		"side":  ev.side.String(),
		"state": state.String(),
	}).Info("swap advanced")

	if state.Terminal() {
		return true, r.complete(ctx, state)
	}
	return false, nil
}

// halt moves the swap to IncidentHalted. Deep reorgs and any watcher error
// that survived the adapter's retries land here; an operator has to look at
// it, there is no automatic remediation.
func (r *runner) halt(ctx context.Context, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if errors.Is(cause, ports.ErrChainInconsistent) {
		r.logger.WithError(cause).Error("ALERT: chain inconsistency, halting swap")
	} else {
		r.logger.WithError(cause).Error("ALERT: watcher failed, halting swap")
	}

	event, err := domain.NewIncidentEvent(r.record.ID, r.nextSeq, cause.Error())
	if err == nil {
		err = r.svc.repoMgr.Events().Append(ctx, event)
	}
	if err != nil {
		r.logger.WithError(err).Error("failed to persist incident")
		r.svc.removeRunner(r.record.ID)
		return true
	}
	r.nextSeq++

	// nolint
	r.machine.Apply(swap.Event{Halt: cause.Error()})
	// nolint
	r.complete(ctx, swap.IncidentHalted)
	return true
}

// complete writes the terminal marker and forgets the secret.
func (r *runner) complete(ctx context.Context, final swap.State) error {
	event, err := domain.NewCompletedEvent(r.record.ID, r.nextSeq, final)
	if err != nil {
		return err
	}
	if err := r.svc.repoMgr.Events().Append(ctx, event); err != nil {
		return err
	}
	r.nextSeq++

	if secret := r.machine.Secret(); secret != nil {
		secret.Zeroize()
	}

	r.logger.WithField("final", final.String()).Info("swap completed")
	r.svc.removeRunner(r.record.ID)
	return nil
}

func (r *runner) state() swap.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.machine.State()
}

// nextAction derives the one action the local actor should perform now.
func (r *runner) nextAction(ctx context.Context) (*ports.ActionDescription, error) {
	alphaAdapter, err := r.svc.adapter(r.record.Params.Alpha.Asset.Ledger)
	if err != nil {
		return nil, err
	}
	betaAdapter, err := r.svc.adapter(r.record.Params.Beta.Asset.Ledger)
	if err != nil {
		return nil, err
	}
	alphaTick, err := alphaAdapter.Tick(ctx)
	if err != nil {
		return nil, err
	}
	betaTick, err := betaAdapter.Tick(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	actions := r.machine.NextActions(r.record.Role, swap.Clock{AlphaTick: alphaTick, BetaTick: betaTick})
	secret := r.machine.Secret()
	alphaLocation := r.machine.Alpha.Location
	betaLocation := r.machine.Beta.Location
	r.mu.Unlock()

	if len(actions) == 0 {
		return nil, nil
	}
	action := actions[0]

	if action.Kind == swap.ActionInit {
		// init has no on-chain footprint: the secret hash went to the
		// counter-party in the announce already
		return &ports.ActionDescription{
			Kind:   swap.ActionInit,
			Side:   action.Side,
			Ledger: r.record.Params.Alpha.Asset.Ledger,
			Payload: map[string]string{
				"swap_id":     r.record.ID.String(),
				"secret_hash": r.record.Params.SecretHash.String(),
			},
		}, nil
	}

	var (
		adapter  = alphaAdapter
		params   = r.record.Params.Alpha
		location = alphaLocation
	)
	if action.Side == htlc.SideBeta {
		adapter = betaAdapter
		params = r.record.Params.Beta
		location = betaLocation
	}

	// the lightning fund action pays the invoice exchanged at negotiation
	if params.Asset.Ledger == htlc.LedgerLightning && action.Kind == swap.ActionFund {
		location = r.record.Invoice
	}

	// Alice redeems beta with the secret she derived; Bob redeems alpha
	// with the secret the chain revealed.
	if action.Kind == swap.ActionRedeem && secret == nil && r.record.Role == swap.RoleAlice {
		derived := htlc.DeriveSecret(r.svc.cfg.Seed, r.record.ID[:])
		secret = &derived
	}

	desc, err := adapter.BuildAction(ctx, action.Kind, action.Side, params, location, secret)
	if err != nil {
		return nil, err
	}
	return &desc, nil
}
