package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/comit-network/cnd/internal/core/domain"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"
)

const eventDir = "events"

type eventRepository struct {
	store *badgerhold.Store
}

func NewEventRepository(baseDir string, logger badger.Logger) (domain.EventRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, eventDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %s", err)
	}
	return &eventRepository{store}, nil
}

func (r *eventRepository) Append(ctx context.Context, ev domain.Event) error {
	data := eventData{
		SwapID:    ev.SwapID.String(),
		Seq:       ev.Seq,
		Kind:      string(ev.Kind),
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt.Unix(),
	}
	key := fmt.Sprintf("%s/%016x", data.SwapID, data.Seq)
	if err := r.store.Insert(key, data); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return domain.ErrDuplicateSeq
		}
		return fmt.Errorf("failed to append event %d for swap %s: %s", ev.Seq, ev.SwapID, err)
	}
	return nil
}

func (r *eventRepository) List(ctx context.Context, swapID uuid.UUID) ([]domain.Event, error) {
	var dataList []eventData
	query := badgerhold.Where("SwapID").Eq(swapID.String())
	if err := r.store.Find(&dataList, query); err != nil {
		return nil, fmt.Errorf("failed to list events for swap %s: %w", swapID, err)
	}

	sort.Slice(dataList, func(i, j int) bool { return dataList[i].Seq < dataList[j].Seq })

	events := make([]domain.Event, 0, len(dataList))
	for _, data := range dataList {
		events = append(events, domain.Event{
			SwapID:    swapID,
			Seq:       data.Seq,
			Kind:      domain.EventKind(data.Kind),
			Payload:   data.Payload,
			CreatedAt: time.Unix(data.CreatedAt, 0).UTC(),
		})
	}
	return events, nil
}

func (r *eventRepository) NextSeq(ctx context.Context, swapID uuid.UUID) (uint64, error) {
	events, err := r.List(ctx, swapID)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq + 1, nil
}

func (r *eventRepository) Close() {
	// nolint
	r.store.Close()
}

type eventData struct {
	SwapID    string
	Seq       uint64
	Kind      string
	Payload   []byte
	CreatedAt int64
}
