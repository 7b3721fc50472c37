package market

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/gridtokenx/gridtokenx/types"
)

type (
	// priceLevel holds the resting orders of one price in arrival order.
	priceLevel struct {
		priceMilli uint64
		price      decimal.Decimal
		orders     []*types.EnergyOrder
	}

	// maxPriceHeap orders buy levels best (highest) price first.
	maxPriceHeap []*priceLevel
	// minPriceHeap orders sell levels best (lowest) price first.
	minPriceHeap []*priceLevel

	// Fill is one match produced by the book. The clearing price is always
	// the resting order's price.
	Fill struct {
		Buy        *types.EnergyOrder
		Sell       *types.EnergyOrder
		AmountWh   uint64
		PriceMilli uint64
	}

	// Book is the price-time-priority order book of a single market. It is
	// not safe for concurrent use, a Book is owned by exactly one Market
	// goroutine.
	Book struct {
		id         types.MarketID
		buyHeap    maxPriceHeap
		sellHeap   minPriceHeap
		buyLevels  map[uint64]*priceLevel
		sellLevels map[uint64]*priceLevel
		orderIndex map[string]*types.EnergyOrder
	}
)

func (h maxPriceHeap) Len() int           { return len(h) }
func (h maxPriceHeap) Less(i, j int) bool { return h[i].price.Cmp(h[j].price) > 0 }
func (h maxPriceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *maxPriceHeap) Push(x any) {
	*h = append(*h, x.(*priceLevel))
}

func (h *maxPriceHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h minPriceHeap) Len() int           { return len(h) }
func (h minPriceHeap) Less(i, j int) bool { return h[i].price.Cmp(h[j].price) < 0 }
func (h minPriceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minPriceHeap) Push(x any) {
	*h = append(*h, x.(*priceLevel))
}

func (h *minPriceHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func newPriceLevel(priceMilli uint64) *priceLevel {
	return &priceLevel{
		priceMilli: priceMilli,
		price:      decimal.NewFromInt(int64(priceMilli)).Div(decimal.NewFromInt(1000)),
	}
}

func NewBook(id types.MarketID) *Book {
	return &Book{
		id:         id,
		buyLevels:  map[uint64]*priceLevel{},
		sellLevels: map[uint64]*priceLevel{},
		orderIndex: map[string]*types.EnergyOrder{},
	}
}

// AddOrder matches the incoming order against the opposite side and rests
// any remaining limit amount in the book. Returned fills are in match
// emission order. A market order that cannot match at all is rejected, a
// partially matched market order's remainder is cancelled since it has no
// price to rest at.
func (b *Book) AddOrder(o *types.EnergyOrder, now int64) ([]*Fill, error) {
	if err := o.IsValid(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrderParameters, err)
	}
	if o.MarketID() != b.id {
		return nil, fmt.Errorf("%w: order belongs to market %v, not %v", ErrInvalidOrderParameters, o.MarketID(), b.id)
	}
	if _, found := b.orderIndex[o.ID]; found {
		return nil, fmt.Errorf("%w: duplicate order id %s", ErrInvalidOrderParameters, o.ID)
	}
	if o.ExpiresAt > 0 && o.ExpiresAt <= now {
		return nil, ErrOrderExpired
	}
	if o.Kind == types.MarketOrder && b.oppositeEmpty(o.Side) {
		return nil, ErrEmptyOppositeSide
	}

	o.Status = types.OrderPending
	o.RemainingWh = o.AmountWh
	fills := b.matchIncoming(o)

	switch {
	case o.RemainingWh == 0:
		o.Status = types.OrderFilled
	case o.Kind == types.MarketOrder:
		// nothing left to match against and no price to rest at
		o.Status = types.OrderCancelled
	default:
		if len(fills) > 0 {
			o.Status = types.OrderPartial
		}
		b.rest(o)
	}
	return fills, nil
}

// Cancel transitions a Pending or Partial order to Cancelled and removes
// it from the book. Cancelling an order that already reached a terminal
// state is reported, not applied.
func (b *Book) Cancel(orderID string) (*types.EnergyOrder, error) {
	o, found := b.orderIndex[orderID]
	if !found {
		return nil, ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrOrderAlreadyTerminal, orderID, o.Status)
	}
	b.remove(o)
	o.Status = types.OrderCancelled
	return o, nil
}

// RemoveExpired transitions every resting order with expires_at in the
// past to Expired and removes it from the book.
func (b *Book) RemoveExpired(now int64) []*types.EnergyOrder {
	var expired []*types.EnergyOrder
	for _, o := range b.orderIndex {
		if o.ExpiresAt > 0 && o.ExpiresAt <= now {
			expired = append(expired, o)
		}
	}
	// map iteration order is random, the caller gets a stable order
	sortOrdersByID(expired)
	for _, o := range expired {
		b.remove(o)
		o.Status = types.OrderExpired
	}
	return expired
}

// Reinstate restores a previously matched amount to the order, used to
// unwind a trade whose settlement failed. A limit order no longer in the
// book is re-inserted at the tail of its price level. A market order has
// no price to rest the returned amount at, it ends up Cancelled.
func (b *Book) Reinstate(o *types.EnergyOrder, amountWh uint64) {
	o.RemainingWh += amountWh
	if o.Kind == types.MarketOrder {
		o.Status = types.OrderCancelled
		return
	}
	if o.RemainingWh == o.AmountWh {
		o.Status = types.OrderPending
	} else {
		o.Status = types.OrderPartial
	}
	if _, found := b.orderIndex[o.ID]; found {
		return
	}
	b.rest(o)
}

// Order returns the indexed (still active) order with the given id.
func (b *Book) Order(orderID string) (*types.EnergyOrder, bool) {
	o, found := b.orderIndex[orderID]
	return o, found
}

// Depth returns the number of resting orders on the given side.
func (b *Book) Depth(side types.OrderSide) int {
	count := 0
	for _, o := range b.orderIndex {
		if o.Side == side {
			count++
		}
	}
	return count
}

// BestBid returns the highest resting buy price in milli-tokens per kWh,
// zero if the buy side is empty.
func (b *Book) BestBid() uint64 {
	b.dropEmptyLevels()
	if b.buyHeap.Len() == 0 {
		return 0
	}
	return b.buyHeap[0].priceMilli
}

// BestAsk returns the lowest resting sell price in milli-tokens per kWh,
// zero if the sell side is empty.
func (b *Book) BestAsk() uint64 {
	b.dropEmptyLevels()
	if b.sellHeap.Len() == 0 {
		return 0
	}
	return b.sellHeap[0].priceMilli
}

func (b *Book) matchIncoming(o *types.EnergyOrder) []*Fill {
	var fills []*Fill
	for o.RemainingWh > 0 {
		resting := b.bestCompatible(o)
		if resting == nil {
			break
		}
		amount := o.RemainingWh
		if resting.RemainingWh < amount {
			amount = resting.RemainingWh
		}
		o.RemainingWh -= amount
		resting.RemainingWh -= amount

		fill := &Fill{AmountWh: amount, PriceMilli: resting.PriceMilli}
		if o.Side == types.Buy {
			fill.Buy, fill.Sell = o, resting
		} else {
			fill.Buy, fill.Sell = resting, o
		}
		fills = append(fills, fill)

		if resting.RemainingWh == 0 {
			b.remove(resting)
			resting.Status = types.OrderFilled
		} else {
			// partial fill keeps its position, price-time priority is
			// unchanged
			resting.Status = types.OrderPartial
		}
	}
	return fills
}

// bestCompatible returns the best-priced opposing resting order that
// crosses the incoming order and satisfies its window and renewable
// constraints. Levels whose price crosses but whose orders are all
// incompatible are skipped without losing their place.
func (b *Book) bestCompatible(o *types.EnergyOrder) *types.EnergyOrder {
	b.dropEmptyLevels()

	var (
		h       heap.Interface
		scratch []*priceLevel
	)
	if o.Side == types.Buy {
		h = &b.sellHeap
	} else {
		h = &b.buyHeap
	}
	defer func() {
		for _, lvl := range scratch {
			heap.Push(h, lvl)
		}
	}()

	for h.Len() > 0 {
		lvl := b.peek(o.Side)
		if !b.crosses(o, lvl) {
			return nil
		}
		for _, resting := range lvl.orders {
			if compatible(o, resting) {
				return resting
			}
		}
		scratch = append(scratch, heap.Pop(h).(*priceLevel))
		b.dropEmptyLevels()
	}
	return nil
}

// peek returns the best opposing level for the given incoming side.
func (b *Book) peek(side types.OrderSide) *priceLevel {
	if side == types.Buy {
		return b.sellHeap[0]
	}
	return b.buyHeap[0]
}

// crosses reports whether the incoming order's price reaches the level.
// Market orders cross any price.
func (b *Book) crosses(o *types.EnergyOrder, lvl *priceLevel) bool {
	if o.Kind == types.MarketOrder {
		return true
	}
	price := decimal.NewFromInt(int64(o.PriceMilli))
	lvlPrice := decimal.NewFromInt(int64(lvl.priceMilli))
	if o.Side == types.Buy {
		return price.Cmp(lvlPrice) >= 0
	}
	return price.Cmp(lvlPrice) <= 0
}

// compatible checks the non-price constraints of a potential match: the
// delivery windows must overlap and a renewable-only buyer only accepts
// renewable sellers.
func compatible(incoming, resting *types.EnergyOrder) bool {
	if !incoming.Window.Overlaps(resting.Window) {
		return false
	}
	buyer, seller := incoming, resting
	if incoming.Side == types.Sell {
		buyer, seller = resting, incoming
	}
	if buyer.RenewableOnly && !seller.Source.Renewable() {
		return false
	}
	return true
}

func (b *Book) rest(o *types.EnergyOrder) {
	var lvl *priceLevel
	if o.Side == types.Buy {
		lvl = b.buyLevels[o.PriceMilli]
		if lvl == nil {
			lvl = newPriceLevel(o.PriceMilli)
			b.buyLevels[o.PriceMilli] = lvl
			heap.Push(&b.buyHeap, lvl)
		}
	} else {
		lvl = b.sellLevels[o.PriceMilli]
		if lvl == nil {
			lvl = newPriceLevel(o.PriceMilli)
			b.sellLevels[o.PriceMilli] = lvl
			heap.Push(&b.sellHeap, lvl)
		}
	}
	lvl.orders = append(lvl.orders, o)
	b.orderIndex[o.ID] = o
}

func (b *Book) remove(o *types.EnergyOrder) {
	levels := b.sellLevels
	if o.Side == types.Buy {
		levels = b.buyLevels
	}
	if lvl, found := levels[o.PriceMilli]; found {
		kept := lvl.orders[:0]
		for _, resting := range lvl.orders {
			if resting.ID != o.ID {
				kept = append(kept, resting)
			}
		}
		lvl.orders = kept
	}
	delete(b.orderIndex, o.ID)
}

// dropEmptyLevels pops exhausted price levels off both heaps.
func (b *Book) dropEmptyLevels() {
	for b.buyHeap.Len() > 0 && len(b.buyHeap[0].orders) == 0 {
		lvl := heap.Pop(&b.buyHeap).(*priceLevel)
		delete(b.buyLevels, lvl.priceMilli)
	}
	for b.sellHeap.Len() > 0 && len(b.sellHeap[0].orders) == 0 {
		lvl := heap.Pop(&b.sellHeap).(*priceLevel)
		delete(b.sellLevels, lvl.priceMilli)
	}
}

func (b *Book) oppositeEmpty(side types.OrderSide) bool {
	b.dropEmptyLevels()
	if side == types.Buy {
		return b.sellHeap.Len() == 0
	}
	return b.buyHeap.Len() == 0
}

func sortOrdersByID(orders []*types.EnergyOrder) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
}
