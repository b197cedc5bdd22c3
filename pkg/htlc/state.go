package htlc

import (
	"fmt"
	"math/big"
)

// State is the lifecycle of a single HTLC on its ledger.
//
// Deployed exists as a distinct step only on contract ledgers; for Bitcoin
// the pay-to-script-hash output is deployed and funded by the same
// transaction, so the watcher reports only Funded and Apply records the
// deployment from it.
type State int

const (
	NotDeployed State = iota
	Deployed
	Funded
	IncorrectlyFunded
	Redeemed
	Refunded
)

func (s State) String() string {
	switch s {
	case NotDeployed:
		return "NOT_DEPLOYED"
	case Deployed:
		return "DEPLOYED"
	case Funded:
		return "FUNDED"
	case IncorrectlyFunded:
		return "INCORRECTLY_FUNDED"
	case Redeemed:
		return "REDEEMED"
	case Refunded:
		return "REFUNDED"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TxPointer locates an observed transaction on its chain. For Lightning the
// TxID carries the invoice payment hash and the height is zero.
type TxPointer struct {
	TxID     string
	Height   uint64
	LogIndex uint32
}

// SideState accumulates what has been observed for one HTLC.
type SideState struct {
	State    State
	Location string // htlc outpoint or contract address
	DeployTx TxPointer
	FundTx   TxPointer
	CloseTx  TxPointer // redeem or refund
	Observed *big.Int  // funded amount
	Secret   *Secret   // set once a redeem revealed it
}

// ObservationKind tags what a ledger watcher saw.
type ObservationKind int

const (
	ObsDeployed ObservationKind = iota
	ObsFunded
	ObsIncorrectlyFunded
	ObsRedeemed
	ObsRefunded
)

func (k ObservationKind) String() string {
	switch k {
	case ObsDeployed:
		return "deployed"
	case ObsFunded:
		return "funded"
	case ObsIncorrectlyFunded:
		return "incorrectly_funded"
	case ObsRedeemed:
		return "redeemed"
	case ObsRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("observation(%d)", int(k))
	}
}

// Observation is one finalised fact about an HTLC, delivered by a ledger
// adapter in chain order.
type Observation struct {
	Kind     ObservationKind
	Tx       TxPointer
	Location string
	Amount   *big.Int // funded or incorrectly funded amount
	Secret   *Secret  // redeem only, already validated against the hash
}

// Apply advances the side state with an observation. Duplicates are no-ops;
// anything else out of order is an error, the watcher contract guarantees
// chain order per HTLC.
func (s *SideState) Apply(obs Observation) error {
	switch obs.Kind {
	case ObsDeployed:
		if s.State != NotDeployed {
			if s.State >= Deployed && s.DeployTx == obs.Tx {
				return nil
			}
			return fmt.Errorf("deployment observed in state %s", s.State)
		}
		s.State = Deployed
		s.Location = obs.Location
		s.DeployTx = obs.Tx
	case ObsFunded:
		// a funding straight out of NotDeployed deploys implicitly: on
		// non-contract ledgers both happen in the same transaction
		if s.State != Deployed && s.State != NotDeployed {
			if s.State >= Funded && s.FundTx == obs.Tx {
				return nil
			}
			return fmt.Errorf("funding observed in state %s", s.State)
		}
		if s.State == NotDeployed {
			s.Location = obs.Location
			s.DeployTx = obs.Tx
		}
		s.State = Funded
		s.FundTx = obs.Tx
		s.Observed = obs.Amount
	case ObsIncorrectlyFunded:
		if s.State != Deployed && s.State != NotDeployed {
			if s.State == IncorrectlyFunded && s.FundTx == obs.Tx {
				return nil
			}
			return fmt.Errorf("incorrect funding observed in state %s", s.State)
		}
		if s.State == NotDeployed {
			s.Location = obs.Location
			s.DeployTx = obs.Tx
		}
		s.State = IncorrectlyFunded
		s.FundTx = obs.Tx
		s.Observed = obs.Amount
	case ObsRedeemed:
		if s.State != Funded {
			if s.State == Redeemed && s.CloseTx == obs.Tx {
				return nil
			}
			return fmt.Errorf("redeem observed in state %s", s.State)
		}
		if obs.Secret == nil {
			return fmt.Errorf("redeem observation without secret")
		}
		s.State = Redeemed
		s.CloseTx = obs.Tx
		s.Secret = obs.Secret
	case ObsRefunded:
		if s.State != Funded && s.State != IncorrectlyFunded {
			if s.State == Refunded && s.CloseTx == obs.Tx {
				return nil
			}
			return fmt.Errorf("refund observed in state %s", s.State)
		}
		s.State = Refunded
		s.CloseTx = obs.Tx
	default:
		return fmt.Errorf("unknown observation kind %d", obs.Kind)
	}
	return nil
}
