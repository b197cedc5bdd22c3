package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/comit-network/cnd/internal/core/domain"
	"github.com/google/uuid"
)

type eventRepository struct {
	db *sql.DB
}

func NewEventRepository(db *sql.DB) (domain.EventRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("cannot open event repository: db is nil")
	}
	return &eventRepository{db: db}, nil
}

func (r *eventRepository) Append(ctx context.Context, ev domain.Event) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO events (swap_id, seq_no, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.SwapID.String(), int64(ev.Seq), string(ev.Kind), ev.Payload, ev.CreatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrDuplicateSeq
		}
		return fmt.Errorf("failed to append event %d for swap %s: %s", ev.Seq, ev.SwapID, err)
	}
	return nil
}

func (r *eventRepository) List(ctx context.Context, swapID uuid.UUID) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq_no, kind, payload, created_at FROM events WHERE swap_id = ? ORDER BY seq_no`,
		swapID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			seq       int64
			kind      string
			payload   []byte
			createdAt int64
		)
		if err := rows.Scan(&seq, &kind, &payload, &createdAt); err != nil {
			return nil, err
		}
		events = append(events, domain.Event{
			SwapID:    swapID,
			Seq:       uint64(seq),
			Kind:      domain.EventKind(kind),
			Payload:   payload,
			CreatedAt: time.Unix(createdAt, 0).UTC(),
		})
	}
	return events, rows.Err()
}

func (r *eventRepository) NextSeq(ctx context.Context, swapID uuid.UUID) (uint64, error) {
	var next sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(seq_no) + 1 FROM events WHERE swap_id = ?`, swapID.String(),
	).Scan(&next)
	if err != nil {
		return 0, err
	}
	if !next.Valid {
		return 0, nil
	}
	return uint64(next.Int64), nil
}

func (r *eventRepository) Close() {
	// nolint
	r.db.Close()
}
