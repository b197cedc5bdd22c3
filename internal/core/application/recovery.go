package application

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/comit-network/cnd/internal/core/domain"
	"github.com/comit-network/cnd/pkg/swap"
)

// recover rebuilds every live swap from its event log and re-arms the
// watchers at the last observed position of each side. The log is the only
// durable state; the machines are pure folds over it.
func (s *Service) recover(ctx context.Context) error {
	swaps, err := s.repoMgr.Swaps().GetAll(ctx)
	if err != nil {
		return err
	}

	for _, record := range swaps {
		events, err := s.repoMgr.Events().List(ctx, record.ID)
		if err != nil {
			return fmt.Errorf("failed to load events for swap %s: %s", record.ID, err)
		}
		if len(events) == 0 {
			log.WithField("swap", record.ID).Warn("swap without events, skipping")
			continue
		}

		machine := swap.NewMachine(record.Params)
		var alphaStart, betaStart uint64
		terminal := false

		for _, event := range events {
			if event.Kind == domain.EventNegotiated {
				payload, err := event.DecodePayload()
				if err != nil {
					return fmt.Errorf("swap %s: %s", record.ID, err)
				}
				alphaStart = payload.AlphaStart
				betaStart = payload.BetaStart
				continue
			}
			if event.Kind == domain.EventCompleted {
				terminal = true
				continue
			}

			machineEv, ok, err := event.MachineEvent()
			if err != nil {
				return fmt.Errorf("swap %s: %s", record.ID, err)
			}
			if !ok {
				continue
			}
			if _, err := machine.Apply(machineEv); err != nil {
				return fmt.Errorf("swap %s: replay of event %d failed: %s", record.ID, event.Seq, err)
			}
		}

		if terminal || machine.State().Terminal() {
			log.WithFields(log.Fields{
				"swap":  record.ID,
				"state": machine.State().String(),
			}).Debug("swap already terminal, not resuming")
			continue
		}

		// resume each side from the block of its first observation (the
		// deployment, or the funding where both are one transaction) so the
		// watcher walks that HTLC's lifecycle again and nothing since is
		// missed; re-observed events are deduplicated by the runner
		if machine.Alpha.DeployTx.Height > 0 {
			alphaStart = machine.Alpha.DeployTx.Height
		}
		if machine.Beta.DeployTx.Height > 0 {
			betaStart = machine.Beta.DeployTx.Height
		}

		nextSeq := events[len(events)-1].Seq + 1
		log.WithFields(log.Fields{
			"swap":  record.ID,
			"state": machine.State().String(),
		}).Info("resuming swap")

		if err := s.spawnRunner(record, machine, nextSeq, alphaStart, betaStart); err != nil {
			return err
		}
	}

	// restore the order snapshot into the book
	orders, err := s.repoMgr.Orders().GetAll(ctx)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if _, err := s.book.Submit(order); err != nil {
			log.WithError(err).WithField("order", order.ID).Warn("failed to restore order")
		}
	}

	return nil
}
