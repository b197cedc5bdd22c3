package swap

import (
	"fmt"

	"github.com/comit-network/cnd/pkg/htlc"
)

// ActionKind is something the local actor may legitimately do next.
type ActionKind int

const (
	// ActionInit shares the secret hash with the counter-party. It has no
	// on-chain footprint.
	ActionInit ActionKind = iota
	ActionDeploy
	ActionFund
	ActionRedeem
	ActionRefund
)

func (k ActionKind) String() string {
	switch k {
	case ActionInit:
		return "init"
	case ActionDeploy:
		return "deploy"
	case ActionFund:
		return "fund"
	case ActionRedeem:
		return "redeem"
	case ActionRefund:
		return "refund"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

type Action struct {
	Kind ActionKind
	Side htlc.Side
}

// Clock carries the current position of each ledger in its native expiry
// unit: block height for Bitcoin, unix seconds for Ethereum and Lightning.
// Expiries only ever trigger off these observed values, never off the local
// wall clock.
type Clock struct {
	AlphaTick uint64
	BetaTick  uint64
}

// NextActions returns exactly the actions the given role may perform in the
// current state. An empty result means the actor waits for the chain or the
// counter-party.
func (m *Machine) NextActions(role Role, clock Clock) []Action {
	if m.State().Terminal() {
		return nil
	}

	var actions []Action

	switch role {
	case RoleAlice:
		actions = append(actions, m.aliceActions(clock)...)
	case RoleBob:
		actions = append(actions, m.bobActions(clock)...)
	}
	return actions
}

func (m *Machine) aliceActions(clock Clock) []Action {
	var actions []Action

	// Alpha is Alice's side to open.
	switch m.Alpha.State {
	case htlc.NotDeployed:
		if m.State() == Started {
			actions = append(actions, Action{ActionInit, htlc.SideAlpha})
		}
		if contractLedger(m.Params.Alpha.Asset.Ledger) {
			actions = append(actions, Action{ActionDeploy, htlc.SideAlpha})
		} else {
			actions = append(actions, Action{ActionFund, htlc.SideAlpha})
		}
	case htlc.Deployed:
		actions = append(actions, Action{ActionFund, htlc.SideAlpha})
	}

	// Redeeming beta is what reveals the secret; never do it against an
	// incorrect deposit or past the beta expiry.
	if m.Beta.State == htlc.Funded && clock.BetaTick < m.Params.Beta.Expiry {
		actions = append(actions, Action{ActionRedeem, htlc.SideBeta})
	}

	if refundable(m.Alpha.State) && clock.AlphaTick >= m.Params.Alpha.Expiry {
		actions = append(actions, Action{ActionRefund, htlc.SideAlpha})
	}

	return actions
}

func (m *Machine) bobActions(clock Clock) []Action {
	var actions []Action

	// Bob opens beta only once alpha is correctly funded.
	if m.Alpha.State == htlc.Funded {
		switch m.Beta.State {
		case htlc.NotDeployed:
			if contractLedger(m.Params.Beta.Asset.Ledger) {
				actions = append(actions, Action{ActionDeploy, htlc.SideBeta})
			} else {
				actions = append(actions, Action{ActionFund, htlc.SideBeta})
			}
		case htlc.Deployed:
			actions = append(actions, Action{ActionFund, htlc.SideBeta})
		}
	}

	// Once the secret is known from the beta redeem, Bob sweeps alpha.
	if m.Secret() != nil && m.Alpha.State == htlc.Funded &&
		clock.AlphaTick < m.Params.Alpha.Expiry {
		actions = append(actions, Action{ActionRedeem, htlc.SideAlpha})
	}

	if refundable(m.Beta.State) && clock.BetaTick >= m.Params.Beta.Expiry {
		actions = append(actions, Action{ActionRefund, htlc.SideBeta})
	}

	return actions
}

func refundable(s htlc.State) bool {
	return s == htlc.Funded || s == htlc.IncorrectlyFunded
}

// contractLedger reports whether opening an HTLC on the ledger is a two-step
// deploy-then-fund sequence.
func contractLedger(l htlc.Ledger) bool {
	return l == htlc.LedgerEthereum
}
