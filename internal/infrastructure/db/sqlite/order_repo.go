package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/comit-network/cnd/internal/core/domain"
	"github.com/comit-network/cnd/pkg/orderbook"
	"github.com/google/uuid"
)

type orderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) (domain.OrderRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("cannot open order repository: db is nil")
	}
	return &orderRepository{db: db}, nil
}

func (r *orderRepository) Put(ctx context.Context, o orderbook.Order) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO orders (order_id, base, quote, position, quantity, price, maker, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(order_id) DO UPDATE SET quantity = excluded.quantity`,
		o.ID.String(), o.Pair.Base, o.Pair.Quote, int64(o.Position),
		o.Quantity.String(), o.Price.String(), o.Maker, o.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store order %s: %s", o.ID, err)
	}
	return nil
}

func (r *orderRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE order_id = ?`, id.String())
	return err
}

func (r *orderRepository) GetAll(ctx context.Context) ([]orderbook.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT order_id, base, quote, position, quantity, price, maker, created_at FROM orders ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []orderbook.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *orderRepository) Close() {
	// nolint
	r.db.Close()
}

func scanOrder(rows *sql.Rows) (orderbook.Order, error) {
	var (
		idStr       string
		base, quote string
		position    int64
		qtyStr      string
		priceStr    string
		maker       string
		createdAt   int64
	)
	if err := rows.Scan(&idStr, &base, &quote, &position, &qtyStr, &priceStr, &maker, &createdAt); err != nil {
		return orderbook.Order{}, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return orderbook.Order{}, fmt.Errorf("invalid order id %q: %s", idStr, err)
	}
	qty, ok := new(big.Int).SetString(qtyStr, 10)
	if !ok {
		return orderbook.Order{}, fmt.Errorf("invalid quantity %q", qtyStr)
	}
	price, ok := new(big.Int).SetString(priceStr, 10)
	if !ok {
		return orderbook.Order{}, fmt.Errorf("invalid price %q", priceStr)
	}

	return orderbook.Order{
		ID:        id,
		Pair:      orderbook.Pair{Base: base, Quote: quote},
		Position:  orderbook.Position(position),
		Quantity:  qty,
		Price:     price,
		Maker:     maker,
		CreatedAt: time.Unix(0, createdAt).UTC(),
	}, nil
}
