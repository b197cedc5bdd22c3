package domain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/comit-network/cnd/pkg/htlc"
	"github.com/comit-network/cnd/pkg/swap"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// EventKind tags an entry of a swap's append-only log.
type EventKind string

const (
	EventNegotiated        EventKind = "negotiated"
	EventDeployed          EventKind = "deployed"
	EventFunded            EventKind = "funded"
	EventIncorrectlyFunded EventKind = "incorrectly_funded"
	EventRedeemed          EventKind = "redeemed"
	EventRefunded          EventKind = "refunded"
	EventIncident          EventKind = "incident"
	EventCompleted         EventKind = "completed" // terminal marker
)

// payloadVersion tags the encoded payload so the format can evolve.
const payloadVersion = 1

// EventPayload is the CBOR-encoded body of an event. Unused fields are
// omitted per kind.
type EventPayload struct {
	Version  uint8  `cbor:"v"`
	Side     string `cbor:"side,omitempty"`
	TxID     string `cbor:"tx_id,omitempty"`
	Height   uint64 `cbor:"height,omitempty"`
	LogIndex uint32 `cbor:"log_index,omitempty"`
	Location string `cbor:"location,omitempty"`
	Amount   string `cbor:"amount,omitempty"`
	Secret   []byte `cbor:"secret,omitempty"`
	Final    string `cbor:"final,omitempty"`  // completed: terminal state name
	Reason   string `cbor:"reason,omitempty"` // incident: what happened

	// negotiated only: where each watcher starts scanning
	AlphaStart uint64 `cbor:"alpha_start,omitempty"`
	BetaStart  uint64 `cbor:"beta_start,omitempty"`
}

// Event is one committed fact about a swap. Events are fsynced before any
// action that depends on them is taken.
type Event struct {
	SwapID    uuid.UUID
	Seq       uint64
	Kind      EventKind
	Payload   []byte
	CreatedAt time.Time
}

var ErrDuplicateSeq = errors.New("event sequence number already exists")

// EventRepository is the append-only event log, the single source of truth
// for recovery. (swap_id, seq_no) is unique; an append is only reported as
// committed once it is durable.
type EventRepository interface {
	Append(ctx context.Context, event Event) error
	List(ctx context.Context, swapID uuid.UUID) ([]Event, error)
	NextSeq(ctx context.Context, swapID uuid.UUID) (uint64, error)
	Close()
}

func encodePayload(p EventPayload) ([]byte, error) {
	p.Version = payloadVersion
	return cbor.Marshal(p)
}

func (e Event) DecodePayload() (EventPayload, error) {
	var p EventPayload
	if err := cbor.Unmarshal(e.Payload, &p); err != nil {
		return EventPayload{}, fmt.Errorf("failed to decode %s payload: %s", e.Kind, err)
	}
	if p.Version != payloadVersion {
		return EventPayload{}, fmt.Errorf("unsupported payload version %d", p.Version)
	}
	return p, nil
}

// NewNegotiatedEvent opens a swap's log, recording where each watcher
// starts scanning.
func NewNegotiatedEvent(swapID uuid.UUID, alphaStart, betaStart uint64) (Event, error) {
	return newEvent(swapID, 0, EventNegotiated, EventPayload{
		AlphaStart: alphaStart,
		BetaStart:  betaStart,
	})
}

// NewObservationEvent records a watcher observation.
func NewObservationEvent(swapID uuid.UUID, seq uint64, side htlc.Side, obs htlc.Observation) (Event, error) {
	p := EventPayload{
		Side:     side.String(),
		TxID:     obs.Tx.TxID,
		Height:   obs.Tx.Height,
		LogIndex: obs.Tx.LogIndex,
		Location: obs.Location,
	}
	if obs.Amount != nil {
		p.Amount = obs.Amount.String()
	}
	if obs.Secret != nil {
		p.Secret = obs.Secret[:]
	}

	var kind EventKind
	switch obs.Kind {
	case htlc.ObsDeployed:
		kind = EventDeployed
	case htlc.ObsFunded:
		kind = EventFunded
	case htlc.ObsIncorrectlyFunded:
		kind = EventIncorrectlyFunded
	case htlc.ObsRedeemed:
		kind = EventRedeemed
	case htlc.ObsRefunded:
		kind = EventRefunded
	default:
		return Event{}, fmt.Errorf("no event kind for observation %s", obs.Kind)
	}
	return newEvent(swapID, seq, kind, p)
}

// NewIncidentEvent records the fatal watcher error, such as a chain
// inconsistency, that halted the swap.
func NewIncidentEvent(swapID uuid.UUID, seq uint64, reason string) (Event, error) {
	return newEvent(swapID, seq, EventIncident, EventPayload{Reason: reason})
}

// NewCompletedEvent is the terminal marker.
func NewCompletedEvent(swapID uuid.UUID, seq uint64, final swap.State) (Event, error) {
	return newEvent(swapID, seq, EventCompleted, EventPayload{Final: final.String()})
}

func newEvent(swapID uuid.UUID, seq uint64, kind EventKind, p EventPayload) (Event, error) {
	raw, err := encodePayload(p)
	if err != nil {
		return Event{}, err
	}
	return Event{
		SwapID:    swapID,
		Seq:       seq,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// MachineEvent converts a persisted event back into a state machine event
// for replay. Negotiated and completed entries return ok=false, they do not
// advance the machine.
func (e Event) MachineEvent() (swap.Event, bool, error) {
	switch e.Kind {
	case EventNegotiated, EventCompleted:
		return swap.Event{}, false, nil
	}

	p, err := e.DecodePayload()
	if err != nil {
		return swap.Event{}, false, err
	}

	if e.Kind == EventIncident {
		return swap.Event{Halt: p.Reason}, true, nil
	}

	var side htlc.Side
	switch p.Side {
	case htlc.SideAlpha.String():
		side = htlc.SideAlpha
	case htlc.SideBeta.String():
		side = htlc.SideBeta
	default:
		return swap.Event{}, false, fmt.Errorf("unknown side %q in event %d", p.Side, e.Seq)
	}

	obs := htlc.Observation{
		Tx:       htlc.TxPointer{TxID: p.TxID, Height: p.Height, LogIndex: p.LogIndex},
		Location: p.Location,
	}
	if p.Amount != "" {
		amount, ok := new(big.Int).SetString(p.Amount, 10)
		if !ok {
			return swap.Event{}, false, fmt.Errorf("invalid amount %q in event %d", p.Amount, e.Seq)
		}
		obs.Amount = amount
	}
	if len(p.Secret) > 0 {
		secret, err := htlc.SecretFromBytes(p.Secret)
		if err != nil {
			return swap.Event{}, false, err
		}
		obs.Secret = &secret
	}

	switch e.Kind {
	case EventDeployed:
		obs.Kind = htlc.ObsDeployed
	case EventFunded:
		obs.Kind = htlc.ObsFunded
	case EventIncorrectlyFunded:
		obs.Kind = htlc.ObsIncorrectlyFunded
	case EventRedeemed:
		obs.Kind = htlc.ObsRedeemed
	case EventRefunded:
		obs.Kind = htlc.ObsRefunded
	default:
		return swap.Event{}, false, fmt.Errorf("unknown event kind %q", e.Kind)
	}

	return swap.Event{Side: side, Obs: obs}, true, nil
}
