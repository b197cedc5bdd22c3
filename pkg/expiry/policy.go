package expiry

import (
	"fmt"
	"time"

	"github.com/comit-network/cnd/pkg/htlc"
)

// Conservative chain timing assumptions. Bitcoin confirmations follow the
// ecosystem standard, the Ethereum value is the one Kraken uses.
const (
	bitcoinBlockTimeSecs  = 600
	ethereumBlockTimeSecs = 20

	bitcoinConfirmations  = 6
	ethereumConfirmations = 30

	mineWithinBlocks = 3
)

// DefaultPeriodToAct is how long an actor gets to notice that an action
// became available and perform it.
const DefaultPeriodToAct = 60 * time.Minute

// Policy carries the tunable knobs of the expiry calculation; zero values
// fall back to the defaults.
type Policy struct {
	PeriodToAct time.Duration
}

func (p Policy) periodToAct() uint64 {
	d := p.PeriodToAct
	if d <= 0 {
		d = DefaultPeriodToAct
	}
	return uint64(d / time.Second)
}

type ledgerTiming struct {
	blockTimeSecs uint64
	confirmations uint64
}

func timing(ledger htlc.Ledger) (ledgerTiming, error) {
	switch ledger {
	case htlc.LedgerBitcoin:
		return ledgerTiming{bitcoinBlockTimeSecs, bitcoinConfirmations}, nil
	case htlc.LedgerEthereum:
		return ledgerTiming{ethereumBlockTimeSecs, ethereumConfirmations}, nil
	case htlc.LedgerLightning:
		// Hold invoices expire on their own clock; treat like bitcoin
		// for margin purposes since the CLTV delta settles on-chain.
		return ledgerTiming{bitcoinBlockTimeSecs, bitcoinConfirmations}, nil
	default:
		return ledgerTiming{}, fmt.Errorf("no timing data for ledger %s", ledger)
	}
}

// settleSecs is the worst-case seconds for one action on the ledger to be
// mined and buried under the required confirmations.
func (t ledgerTiming) settleSecs() uint64 {
	return (t.confirmations + mineWithinBlocks) * t.blockTimeSecs
}

// Deltas computes the expiry offsets for a ledger pair, in seconds from
// negotiation time.
//
// Beta must outlive: alpha fund settling, beta fund settling and the
// initiator's redeem of beta settling, plus acting periods. Alpha must
// additionally outlive the responder's redeem of alpha, plus the safety
// margin that keeps the refund ordering sound when one chain stalls.
type Deltas struct {
	Alpha        uint64
	Beta         uint64
	SafetyMargin uint64
}

func (p Policy) DeltasFor(alpha, beta htlc.Ledger) (Deltas, error) {
	at, err := timing(alpha)
	if err != nil {
		return Deltas{}, err
	}
	bt, err := timing(beta)
	if err != nil {
		return Deltas{}, err
	}

	act := p.periodToAct()
	betaDelta := at.settleSecs() + 2*bt.settleSecs() + 2*act
	margin := p.SafetyMargin(alpha, beta)
	alphaDelta := betaDelta + at.settleSecs() + act + margin

	return Deltas{Alpha: alphaDelta, Beta: betaDelta, SafetyMargin: margin}, nil
}

// SafetyMargin is the required gap between alpha and beta expiry: the
// expected confirmation time of the slower chain plus a grace period.
func (p Policy) SafetyMargin(alpha, beta htlc.Ledger) uint64 {
	at, _ := timing(alpha)
	bt, _ := timing(beta)
	slower := at.settleSecs()
	if bt.settleSecs() > slower {
		slower = bt.settleSecs()
	}
	return slower + p.periodToAct()
}

// ToLedgerUnit converts a seconds-from-now offset into the ledger's native
// expiry unit: an absolute block height for Bitcoin, absolute unix seconds
// for Ethereum and Lightning.
func ToLedgerUnit(ledger htlc.Ledger, deltaSecs uint64, currentHeight uint64, now time.Time) uint64 {
	switch ledger {
	case htlc.LedgerBitcoin:
		return currentHeight + deltaSecs/bitcoinBlockTimeSecs
	default:
		return uint64(now.Unix()) + deltaSecs
	}
}

// Validate checks the negotiation-time invariant between the two expiries,
// both expressed in seconds from now. It is checked when the initiator
// negotiates the swap; it is not re-checked before deployment.
func Validate(alphaDeltaSecs, betaDeltaSecs, safetyMargin uint64) error {
	if alphaDeltaSecs <= betaDeltaSecs+safetyMargin {
		return fmt.Errorf(
			"alpha expiry %ds must exceed beta expiry %ds by more than the safety margin %ds",
			alphaDeltaSecs, betaDeltaSecs, safetyMargin,
		)
	}
	return nil
}
