package badgerdb

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"time"

	"github.com/comit-network/cnd/internal/core/domain"
	"github.com/comit-network/cnd/pkg/orderbook"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"
)

const orderDir = "orders"

type orderRepository struct {
	store *badgerhold.Store
}

func NewOrderRepository(baseDir string, logger badger.Logger) (domain.OrderRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, orderDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open order store: %s", err)
	}
	return &orderRepository{store}, nil
}

func (r *orderRepository) Put(ctx context.Context, o orderbook.Order) error {
	data := orderData{
		ID:        o.ID.String(),
		Base:      o.Pair.Base,
		Quote:     o.Pair.Quote,
		Position:  int(o.Position),
		Quantity:  o.Quantity.String(),
		Price:     o.Price.String(),
		Maker:     o.Maker,
		CreatedAt: o.CreatedAt.UnixNano(),
	}
	if err := r.store.Upsert(data.ID, data); err != nil {
		return fmt.Errorf("failed to store order %s: %s", o.ID, err)
	}
	return nil
}

func (r *orderRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.store.Delete(id.String(), orderData{})
}

func (r *orderRepository) GetAll(ctx context.Context) ([]orderbook.Order, error) {
	var dataList []orderData
	if err := r.store.Find(&dataList, nil); err != nil {
		return nil, fmt.Errorf("failed to get all orders: %w", err)
	}

	var orders []orderbook.Order
	for _, data := range dataList {
		o, err := data.toOrder()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (r *orderRepository) Close() {
	// nolint
	r.store.Close()
}

type orderData struct {
	ID        string
	Base      string
	Quote     string
	Position  int
	Quantity  string
	Price     string
	Maker     string
	CreatedAt int64
}

func (d *orderData) toOrder() (orderbook.Order, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return orderbook.Order{}, fmt.Errorf("invalid order id %q: %s", d.ID, err)
	}
	qty, ok := new(big.Int).SetString(d.Quantity, 10)
	if !ok {
		return orderbook.Order{}, fmt.Errorf("invalid quantity %q", d.Quantity)
	}
	price, ok := new(big.Int).SetString(d.Price, 10)
	if !ok {
		return orderbook.Order{}, fmt.Errorf("invalid price %q", d.Price)
	}
	return orderbook.Order{
		ID:        id,
		Pair:      orderbook.Pair{Base: d.Base, Quote: d.Quote},
		Position:  orderbook.Position(d.Position),
		Quantity:  qty,
		Price:     price,
		Maker:     d.Maker,
		CreatedAt: time.Unix(0, d.CreatedAt).UTC(),
	}, nil
}
