package orderbook

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrMatchNotFound = errors.New("match not found")
)

type Position int

const (
	Buy Position = iota
	Sell
)

func (p Position) String() string {
	if p == Buy {
		return "buy"
	}
	return "sell"
}

// Pair names a market, e.g. {Base: "BTC", Quote: "DAI"}.
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// baseScale is the number of base atoms per whole base unit; prices are
// expressed in quote atoms per whole base unit.
const baseScale = 100_000_000

// QuoteQuantity converts a base quantity (atoms) at a price into quote atoms.
func QuoteQuantity(quantity, price *big.Int) *big.Int {
	q := new(big.Int).Mul(quantity, price)
	return q.Div(q, big.NewInt(baseScale))
}

// Order is a limit order resting in, or submitted to, the book. Quantity is
// in base atoms, Price in quote atoms per whole base unit.
type Order struct {
	ID        uuid.UUID
	Pair      Pair
	Position  Position
	Quantity  *big.Int
	Price     *big.Int
	Maker     string
	CreatedAt time.Time
}

func (o Order) validate() error {
	if o.Quantity == nil || o.Quantity.Sign() <= 0 {
		return fmt.Errorf("order quantity must be positive")
	}
	if o.Price == nil || o.Price.Sign() <= 0 {
		return fmt.Errorf("order price must be positive")
	}
	if o.Pair.Base == "" || o.Pair.Quote == "" {
		return fmt.Errorf("order pair is incomplete")
	}
	return nil
}

// Match pairs a quantity of a resting maker order with an incoming taker
// order, at the maker's price. The matched quantity is parked until it is
// either confirmed (the peers negotiated a swap) or released back.
type Match struct {
	ID       uuid.UUID
	Pair     Pair
	Taker    Order
	Maker    Order
	Quantity *big.Int
	Price    *big.Int
}

type pendingMatch struct {
	match Match
	// the maker order's identity is kept so a release can restore the
	// quantity with its original time priority
	makerCreatedAt time.Time
}

// Book is a limit orderbook with price-time priority. It exclusively owns
// its orders; matched quantities leave the book by value.
type Book struct {
	mu      sync.Mutex
	orders  map[uuid.UUID]*Order
	pending map[uuid.UUID]*pendingMatch
}

func New() *Book {
	return &Book{
		orders:  make(map[uuid.UUID]*Order),
		pending: make(map[uuid.UUID]*pendingMatch),
	}
}

// Submit matches the incoming order against the book. Maker residuals stay
// in the book, the taker residual rests as a new maker order. The returned
// matches are pending until Confirm or Release is called for each.
func (b *Book) Submit(order Order) ([]Match, error) {
	if err := order.validate(); err != nil {
		return nil, err
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var matches []Match
	remaining := new(big.Int).Set(order.Quantity)

	for remaining.Sign() > 0 {
		maker := b.bestCounter(order)
		if maker == nil {
			break
		}

		qty := new(big.Int).Set(remaining)
		if maker.Quantity.Cmp(qty) < 0 {
			qty.Set(maker.Quantity)
		}

		m := Match{
			ID:       uuid.New(),
			Pair:     order.Pair,
			Taker:    order,
			Maker:    *maker,
			Quantity: qty,
			Price:    new(big.Int).Set(maker.Price),
		}
		matches = append(matches, m)
		b.pending[m.ID] = &pendingMatch{match: m, makerCreatedAt: maker.CreatedAt}

		maker.Quantity = new(big.Int).Sub(maker.Quantity, qty)
		if maker.Quantity.Sign() == 0 {
			delete(b.orders, maker.ID)
		}
		remaining.Sub(remaining, qty)
	}

	if remaining.Sign() > 0 {
		rest := order
		rest.Quantity = remaining
		b.orders[rest.ID] = &rest
	}

	return matches, nil
}

// bestCounter returns the best matchable resting order for the taker: the
// lowest Sell at price <= p for a Buy, the highest Buy at price >= p for a
// Sell. Ties go to the earliest creation time.
func (b *Book) bestCounter(taker Order) *Order {
	var best *Order
	for _, o := range b.orders {
		if o.Pair != taker.Pair || o.Position == taker.Position {
			continue
		}
		if taker.Position == Buy && o.Price.Cmp(taker.Price) > 0 {
			continue
		}
		if taker.Position == Sell && o.Price.Cmp(taker.Price) < 0 {
			continue
		}
		if best == nil || better(taker.Position, o, best) {
			best = o
		}
	}
	return best
}

func better(takerPos Position, a, b *Order) bool {
	c := a.Price.Cmp(b.Price)
	if c == 0 {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if takerPos == Buy {
		return c < 0
	}
	return c > 0
}

func (b *Book) Cancel(id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[id]; !ok {
		return ErrOrderNotFound
	}
	delete(b.orders, id)
	return nil
}

// Open returns the resting orders, best-priced first per side, then oldest.
func (b *Book) Open() []Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	orders := make([]Order, 0, len(b.orders))
	for _, o := range b.orders {
		cp := *o
		cp.Quantity = new(big.Int).Set(o.Quantity)
		orders = append(orders, cp)
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].Position != orders[j].Position {
			return orders[i].Position < orders[j].Position
		}
		return better(counter(orders[i].Position), &orders[i], &orders[j])
	})
	return orders
}

func counter(p Position) Position {
	if p == Buy {
		return Sell
	}
	return Buy
}

// Confirm consumes a pending match after the peers agreed on the swap.
func (b *Book) Confirm(matchID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[matchID]; !ok {
		return ErrMatchNotFound
	}
	delete(b.pending, matchID)
	return nil
}

// Release returns a pending match's quantity to the open book, preserving
// the maker order's original time priority. Called on negotiation timeout or
// rejection.
func (b *Book) Release(matchID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	pm, ok := b.pending[matchID]
	if !ok {
		return ErrMatchNotFound
	}
	delete(b.pending, matchID)

	if resting, ok := b.orders[pm.match.Maker.ID]; ok {
		resting.Quantity = new(big.Int).Add(resting.Quantity, pm.match.Quantity)
		return nil
	}
	restored := pm.match.Maker
	restored.Quantity = new(big.Int).Set(pm.match.Quantity)
	restored.CreatedAt = pm.makerCreatedAt
	b.orders[restored.ID] = &restored
	return nil
}

// PendingMatches returns the matches awaiting negotiation, oldest first.
func (b *Book) PendingMatches() []Match {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Match, 0, len(b.pending))
	for _, pm := range b.pending {
		out = append(out, pm.match)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Taker.CreatedAt.Before(out[j].Taker.CreatedAt)
	})
	return out
}
