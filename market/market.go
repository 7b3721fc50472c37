package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gridtokenx/gridtokenx/logger"
	"github.com/gridtokenx/gridtokenx/types"
)

type (
	// TradeSink receives the fills of one matching step in emission order.
	// Implementations must not call back into the market from the same
	// goroutine delivering the fills.
	TradeSink interface {
		TradesMatched(ctx context.Context, id types.MarketID, fills []*Fill)
	}

	// OrderJournal observes every order state change made by the matching
	// engine, in the order the owning market applied them. Used to keep a
	// persistent order log.
	OrderJournal interface {
		OrderChanged(ctx context.Context, o *types.EnergyOrder)
	}

	submitMsg struct {
		order *types.EnergyOrder
		resp  chan error
	}

	cancelMsg struct {
		orderID string
		resp    chan error
	}

	sweepMsg struct {
		now int64
	}

	unwindMsg struct {
		buyOrderID  string
		sellOrderID string
		amountWh    uint64
		resp        chan error
	}

	orderQuery struct {
		orderID string
		resp    chan *types.EnergyOrder
	}

	// Market owns one order book. All access goes through the inbound
	// queue and is processed by a single goroutine, so match ordering
	// within the market is deterministic.
	Market struct {
		id      types.MarketID
		book    *Book
		inbound chan any
		sink    TradeSink
		journal OrderJournal
		// history keeps terminal orders for queries and settlement unwind
		history map[string]*types.EnergyOrder
		now     func() int64
		log     *slog.Logger
	}
)

func newMarket(id types.MarketID, sink TradeSink, journal OrderJournal, queueSize int, now func() int64, log *slog.Logger) *Market {
	return &Market{
		id:      id,
		book:    NewBook(id),
		inbound: make(chan any, queueSize),
		sink:    sink,
		journal: journal,
		history: map[string]*types.EnergyOrder{},
		now:     now,
		log:     log,
	}
}

// Run processes the inbound queue until the context is cancelled.
func (m *Market) Run(ctx context.Context) error {
	m.log.InfoContext(ctx, "market started", logger.Market(m.id.Zone, m.id.Bucket))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.inbound:
			m.handle(ctx, msg)
		}
	}
}

func (m *Market) handle(ctx context.Context, msg any) {
	switch msg := msg.(type) {
	case submitMsg:
		msg.resp <- m.handleSubmit(ctx, msg.order)
	case cancelMsg:
		msg.resp <- m.handleCancel(ctx, msg.orderID)
	case sweepMsg:
		m.handleSweep(ctx, msg.now)
	case unwindMsg:
		msg.resp <- m.handleUnwind(ctx, msg)
	case orderQuery:
		msg.resp <- m.lookupOrder(msg.orderID)
	default:
		m.log.WarnContext(ctx, fmt.Sprintf("market dropped unknown message %T", msg))
	}
}

func (m *Market) handleSubmit(ctx context.Context, o *types.EnergyOrder) error {
	fills, err := m.book.AddOrder(o, m.now())
	if err != nil {
		return err
	}
	if o.Status.Terminal() {
		m.history[o.ID] = o
	}
	for _, fill := range fills {
		if fill.Buy.Status.Terminal() {
			m.history[fill.Buy.ID] = fill.Buy
		}
		if fill.Sell.Status.Terminal() {
			m.history[fill.Sell.ID] = fill.Sell
		}
	}
	m.journal.OrderChanged(ctx, o)
	for _, fill := range fills {
		if fill.Buy.ID != o.ID {
			m.journal.OrderChanged(ctx, fill.Buy)
		}
		if fill.Sell.ID != o.ID {
			m.journal.OrderChanged(ctx, fill.Sell)
		}
	}
	if len(fills) > 0 {
		m.sink.TradesMatched(ctx, m.id, fills)
	}
	m.log.DebugContext(ctx, fmt.Sprintf("order %s accepted, %d fill(s)", o.Status, len(fills)),
		logger.OrderID(o.ID), logger.Market(m.id.Zone, m.id.Bucket))
	return nil
}

func (m *Market) handleCancel(ctx context.Context, orderID string) error {
	o, err := m.book.Cancel(orderID)
	if err != nil {
		// cancelling an order that is already terminal is reported to the
		// caller but must not crash the matching task
		if _, found := m.history[orderID]; found && errors.Is(err, ErrOrderNotFound) {
			return fmt.Errorf("%w: %s", ErrOrderAlreadyTerminal, orderID)
		}
		return err
	}
	m.history[o.ID] = o
	m.journal.OrderChanged(ctx, o)
	m.log.DebugContext(ctx, "order cancelled", logger.OrderID(orderID), logger.Market(m.id.Zone, m.id.Bucket))
	return nil
}

func (m *Market) handleSweep(ctx context.Context, now int64) {
	expired := m.book.RemoveExpired(now)
	for _, o := range expired {
		m.history[o.ID] = o
		m.journal.OrderChanged(ctx, o)
	}
	if len(expired) > 0 {
		m.log.InfoContext(ctx, fmt.Sprintf("expired %d order(s)", len(expired)), logger.Market(m.id.Zone, m.id.Bucket))
	}
}

// handleUnwind compensates for a failed settlement: both legs get the
// matched amount back and are reopened at their prior remaining amounts.
func (m *Market) handleUnwind(ctx context.Context, msg unwindMsg) error {
	buy := m.lookupOrder(msg.buyOrderID)
	if buy == nil {
		return fmt.Errorf("%w: buy leg %s", ErrOrderNotFound, msg.buyOrderID)
	}
	sell := m.lookupOrder(msg.sellOrderID)
	if sell == nil {
		return fmt.Errorf("%w: sell leg %s", ErrOrderNotFound, msg.sellOrderID)
	}
	m.book.Reinstate(buy, msg.amountWh)
	m.book.Reinstate(sell, msg.amountWh)
	// a leg the book could not re-rest stays in history so it remains
	// queryable, a re-rested one is reachable via the book again
	for _, o := range []*types.EnergyOrder{buy, sell} {
		if _, found := m.book.Order(o.ID); found {
			delete(m.history, o.ID)
		} else {
			m.history[o.ID] = o
		}
	}
	m.journal.OrderChanged(ctx, buy)
	m.journal.OrderChanged(ctx, sell)
	m.log.WarnContext(ctx, fmt.Sprintf("unwound %d Wh after settlement failure", msg.amountWh),
		logger.OrderID(msg.buyOrderID), logger.Market(m.id.Zone, m.id.Bucket))
	return nil
}

func (m *Market) lookupOrder(orderID string) *types.EnergyOrder {
	if o, found := m.book.Order(orderID); found {
		return o
	}
	if o, found := m.history[orderID]; found {
		return o
	}
	return nil
}

func (m *Market) send(ctx context.Context, msg any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.inbound <- msg:
		return nil
	}
}

func (m *Market) submit(ctx context.Context, o *types.EnergyOrder) error {
	resp := make(chan error, 1)
	if err := m.send(ctx, submitMsg{order: o, resp: resp}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-resp:
		return err
	}
}

func (m *Market) cancel(ctx context.Context, orderID string) error {
	resp := make(chan error, 1)
	if err := m.send(ctx, cancelMsg{orderID: orderID, resp: resp}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-resp:
		return err
	}
}

func (m *Market) unwind(ctx context.Context, buyOrderID, sellOrderID string, amountWh uint64) error {
	resp := make(chan error, 1)
	if err := m.send(ctx, unwindMsg{buyOrderID: buyOrderID, sellOrderID: sellOrderID, amountWh: amountWh, resp: resp}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-resp:
		return err
	}
}

func (m *Market) order(ctx context.Context, orderID string) (*types.EnergyOrder, error) {
	resp := make(chan *types.EnergyOrder, 1)
	if err := m.send(ctx, orderQuery{orderID: orderID, resp: resp}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-resp:
		if o == nil {
			return nil, ErrOrderNotFound
		}
		return o, nil
	}
}
