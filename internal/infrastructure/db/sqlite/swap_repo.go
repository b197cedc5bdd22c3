package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/comit-network/cnd/internal/core/domain"
	"github.com/comit-network/cnd/pkg/swap"
	"github.com/google/uuid"
)

type swapRepository struct {
	db *sql.DB
}

func NewSwapRepository(db *sql.DB) (domain.SwapRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("cannot open swap repository: db is nil")
	}
	return &swapRepository{db: db}, nil
}

func (r *swapRepository) Add(ctx context.Context, s domain.Swap) error {
	params, err := domain.EncodeParams(s.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params for swap %s: %s", s.ID, err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO swaps (swap_id, params, role, counter_party, invoice, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID.String(), params, int64(s.Role), s.CounterParty, s.Invoice, s.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert swap %s: %s", s.ID, err)
	}
	return nil
}

func (r *swapRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Swap, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT swap_id, params, role, counter_party, invoice, created_at FROM swaps WHERE swap_id = ?`,
		id.String(),
	)
	s, err := scanSwap(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("swap %s not found", id)
		}
		return nil, err
	}
	return s, nil
}

func (r *swapRepository) GetAll(ctx context.Context) ([]domain.Swap, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT swap_id, params, role, counter_party, invoice, created_at FROM swaps ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var swaps []domain.Swap
	for rows.Next() {
		s, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, *s)
	}
	return swaps, rows.Err()
}

func (r *swapRepository) Close() {
	// nolint
	r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSwap(row rowScanner) (*domain.Swap, error) {
	var (
		idStr        string
		paramsRaw    []byte
		role         int64
		counterParty string
		invoice      string
		createdAt    int64
	)
	if err := row.Scan(&idStr, &paramsRaw, &role, &counterParty, &invoice, &createdAt); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid swap id %q: %s", idStr, err)
	}
	params, err := domain.DecodeParams(paramsRaw)
	if err != nil {
		return nil, err
	}

	return &domain.Swap{
		ID:           id,
		Params:       params,
		Role:         swap.Role(role),
		CounterParty: counterParty,
		Invoice:      invoice,
		CreatedAt:    time.Unix(createdAt, 0).UTC(),
	}, nil
}
