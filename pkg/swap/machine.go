package swap

import (
	"fmt"

	"github.com/comit-network/cnd/pkg/htlc"
)

// Role is the local node's part in a swap. Alice generates the secret and
// funds alpha first, Bob responds by funding beta.
type Role int

const (
	RoleAlice Role = iota
	RoleBob
)

func (r Role) String() string {
	switch r {
	case RoleAlice:
		return "alice"
	case RoleBob:
		return "bob"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// State is the composite protocol state derived from the two HTLC sides.
// Terminal states have no outgoing transitions.
type State int

const (
	Started State = iota
	AlphaDeployed
	AlphaFunded
	AlphaIncorrectlyFunded
	BothDeployed
	BothFunded
	AlphaRedeemed
	BetaRedeemed
	AlphaRefunded
	BetaRefunded
	BothRedeemed              // terminal
	BothRefunded              // terminal
	AlphaRedeemedBetaRefunded // terminal
	AlphaRefundedBetaRedeemed // terminal
	IncidentHalted            // terminal
)

func (s State) String() string {
	switch s {
	case Started:
		return "STARTED"
	case AlphaDeployed:
		return "ALPHA_DEPLOYED"
	case AlphaFunded:
		return "ALPHA_FUNDED"
	case AlphaIncorrectlyFunded:
		return "ALPHA_INCORRECTLY_FUNDED"
	case BothDeployed:
		return "BOTH_DEPLOYED"
	case BothFunded:
		return "BOTH_FUNDED"
	case AlphaRedeemed:
		return "ALPHA_REDEEMED"
	case BetaRedeemed:
		return "BETA_REDEEMED"
	case AlphaRefunded:
		return "ALPHA_REFUNDED"
	case BetaRefunded:
		return "BETA_REFUNDED"
	case BothRedeemed:
		return "BOTH_REDEEMED"
	case BothRefunded:
		return "BOTH_REFUNDED"
	case AlphaRedeemedBetaRefunded:
		return "ALPHA_REDEEMED_BETA_REFUNDED"
	case AlphaRefundedBetaRedeemed:
		return "ALPHA_REFUNDED_BETA_REDEEMED"
	case IncidentHalted:
		return "INCIDENT_HALTED"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	switch s {
	case BothRedeemed, BothRefunded, AlphaRedeemedBetaRefunded,
		AlphaRefundedBetaRedeemed, IncidentHalted:
		return true
	}
	return false
}

// Params are the immutable swap parameters fixed at negotiation.
type Params struct {
	Alpha      htlc.Params
	Beta       htlc.Params
	SecretHash htlc.SecretHash
}

// Event drives the machine. It is either a ledger observation on one side or
// a halt caused by a fatal watcher error such as a chain inconsistency.
type Event struct {
	Side htlc.Side
	Obs  htlc.Observation
	Halt string // non-empty halts the swap
}

// Machine tracks one swap. It performs no I/O; it is a pure fold over the
// event log, which makes it directly replayable on restart.
type Machine struct {
	Params Params
	Alpha  htlc.SideState
	Beta   htlc.SideState

	haltReason string
}

func NewMachine(params Params) *Machine {
	return &Machine{Params: params}
}

// Apply folds one event into the machine. It reports whether the event
// advanced the state: duplicate deliveries are idempotent no-ops and return
// false, which lets the owner skip re-persisting them. Events that cannot
// follow from the current state are rejected.
func (m *Machine) Apply(ev Event) (bool, error) {
	if m.haltReason != "" {
		return false, fmt.Errorf("swap is halted: %s", m.haltReason)
	}
	if ev.Halt != "" {
		m.haltReason = ev.Halt
		return true, nil
	}

	side := m.side(ev.Side)
	if ev.Obs.Kind == htlc.ObsRedeemed {
		// The watcher validates the preimage before delivery; a missing
		// or mismatching secret here is a programming error upstream.
		if ev.Obs.Secret == nil {
			return false, fmt.Errorf("redeem event without secret on %s", ev.Side)
		}
		if ev.Obs.Secret.Hash() != m.Params.SecretHash {
			return false, fmt.Errorf("redeem event with wrong secret on %s", ev.Side)
		}
	}

	before := *side
	if err := side.Apply(ev.Obs); err != nil {
		return false, fmt.Errorf("%s: %s", ev.Side, err)
	}
	return before.State != side.State, nil
}

func (m *Machine) side(s htlc.Side) *htlc.SideState {
	if s == htlc.SideAlpha {
		return &m.Alpha
	}
	return &m.Beta
}

// Secret returns the secret once any redeem has revealed it.
func (m *Machine) Secret() *htlc.Secret {
	if m.Beta.Secret != nil {
		return m.Beta.Secret
	}
	return m.Alpha.Secret
}

func (m *Machine) Halted() (string, bool) {
	return m.haltReason, m.haltReason != ""
}

// State derives the composite protocol state from the two sides.
func (m *Machine) State() State {
	if m.haltReason != "" {
		return IncidentHalted
	}

	a, b := m.Alpha.State, m.Beta.State

	switch {
	case a == htlc.Redeemed && b == htlc.Redeemed:
		return BothRedeemed
	case a == htlc.Refunded && b == htlc.Refunded:
		return BothRefunded
	case a == htlc.Redeemed && b == htlc.Refunded:
		return AlphaRedeemedBetaRefunded
	case a == htlc.Refunded && b == htlc.Redeemed:
		return AlphaRefundedBetaRedeemed
	case a == htlc.Redeemed:
		return AlphaRedeemed
	case b == htlc.Redeemed:
		return BetaRedeemed
	case a == htlc.Refunded:
		return AlphaRefunded
	case b == htlc.Refunded:
		return BetaRefunded
	case a == htlc.IncorrectlyFunded:
		return AlphaIncorrectlyFunded
	case funded(a) && funded(b):
		return BothFunded
	case a >= htlc.Deployed && b >= htlc.Deployed:
		return BothDeployed
	case funded(a):
		return AlphaFunded
	case a == htlc.Deployed:
		return AlphaDeployed
	default:
		return Started
	}
}

// IncorrectlyFunded beta still leaves the composite in a pre-redeem state so
// that no action ever reveals the secret against a wrong deposit.
func funded(s htlc.State) bool {
	return s == htlc.Funded || s == htlc.IncorrectlyFunded
}
