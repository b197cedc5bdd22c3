package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/comit-network/cnd/internal/core/domain"
	"github.com/comit-network/cnd/pkg/swap"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"
)

const swapDir = "swaps"

type swapRepository struct {
	store *badgerhold.Store
}

func NewSwapRepository(baseDir string, logger badger.Logger) (domain.SwapRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, swapDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open swap store: %s", err)
	}
	return &swapRepository{store}, nil
}

func (r *swapRepository) Add(ctx context.Context, s domain.Swap) error {
	data, err := toSwapData(s)
	if err != nil {
		return err
	}
	if err := r.store.Insert(s.ID.String(), data); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("swap %s already exists", s.ID)
		}
		return err
	}
	return nil
}

func (r *swapRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Swap, error) {
	var data swapData
	err := r.store.Get(id.String(), &data)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, fmt.Errorf("swap %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get swap: %w", err)
	}
	return data.toSwap()
}

func (r *swapRepository) GetAll(ctx context.Context) ([]domain.Swap, error) {
	var dataList []swapData
	if err := r.store.Find(&dataList, nil); err != nil {
		return nil, fmt.Errorf("failed to get all swaps: %w", err)
	}

	var swaps []domain.Swap
	for _, data := range dataList {
		s, err := data.toSwap()
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, *s)
	}
	return swaps, nil
}

func (r *swapRepository) Close() {
	// nolint
	r.store.Close()
}

type swapData struct {
	ID           string
	Params       []byte
	Role         int
	CounterParty string
	Invoice      string
	CreatedAt    int64
}

func toSwapData(s domain.Swap) (swapData, error) {
	params, err := domain.EncodeParams(s.Params)
	if err != nil {
		return swapData{}, fmt.Errorf("failed to encode params for swap %s: %s", s.ID, err)
	}
	return swapData{
		ID:           s.ID.String(),
		Params:       params,
		Role:         int(s.Role),
		CounterParty: s.CounterParty,
		Invoice:      s.Invoice,
		CreatedAt:    s.CreatedAt.Unix(),
	}, nil
}

func (d *swapData) toSwap() (*domain.Swap, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid swap id %q: %s", d.ID, err)
	}
	params, err := domain.DecodeParams(d.Params)
	if err != nil {
		return nil, err
	}
	return &domain.Swap{
		ID:           id,
		Params:       params,
		Role:         swap.Role(d.Role),
		CounterParty: d.CounterParty,
		Invoice:      d.Invoice,
		CreatedAt:    time.Unix(d.CreatedAt, 0).UTC(),
	}, nil
}
