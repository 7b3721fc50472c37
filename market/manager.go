package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gridtokenx/gridtokenx/observability"
	"github.com/gridtokenx/gridtokenx/types"
)

const (
	defaultQueueSize     = 256
	defaultSweepInterval = 30 * time.Second
)

type (
	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}

	// Manager routes orders to the market owning their (zone, window
	// bucket) pair, creating market goroutines on demand, and drives the
	// periodic expiry sweep.
	Manager struct {
		mutex         sync.Mutex
		markets       map[types.MarketID]*Market
		sink          TradeSink
		journal       OrderJournal
		queueSize     int
		sweepInterval time.Duration
		now           func() int64
		group         *errgroup.Group
		groupCtx      context.Context
		closed        bool
		log           *slog.Logger
		tracer        trace.Tracer

		ordersSubmitted metric.Int64Counter
	}

	ManagerOption func(*Manager)
)

func WithSweepInterval(d time.Duration) ManagerOption {
	return func(mgr *Manager) {
		mgr.sweepInterval = d
	}
}

func WithQueueSize(n int) ManagerOption {
	return func(mgr *Manager) {
		mgr.queueSize = n
	}
}

// WithNowFunc overrides the clock, used by expiry tests.
func WithNowFunc(now func() int64) ManagerOption {
	return func(mgr *Manager) {
		mgr.now = now
	}
}

// WithOrderJournal attaches a persistent order log. Without it order
// state changes are not recorded anywhere outside the books.
func WithOrderJournal(j OrderJournal) ManagerOption {
	return func(mgr *Manager) {
		mgr.journal = j
	}
}

type nopJournal struct{}

func (nopJournal) OrderChanged(context.Context, *types.EnergyOrder) {}

func NewManager(sink TradeSink, obs Observability, opts ...ManagerOption) (*Manager, error) {
	if sink == nil {
		return nil, fmt.Errorf("trade sink is nil")
	}
	mgr := &Manager{
		markets:       map[types.MarketID]*Market{},
		sink:          sink,
		journal:       nopJournal{},
		queueSize:     defaultQueueSize,
		sweepInterval: defaultSweepInterval,
		now:           func() int64 { return time.Now().Unix() },
		log:           obs.Logger(),
		tracer:        obs.Tracer("market"),
	}
	for _, opt := range opts {
		opt(mgr)
	}

	var err error
	mgr.ordersSubmitted, err = obs.Meter("market").Int64Counter(
		"orders.submitted",
		metric.WithDescription("Number of orders submitted to the matching engine."),
		metric.WithUnit("{order}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating orders counter: %w", err)
	}
	return mgr, nil
}

// Run starts the market goroutines and the sweep loop, blocking until the
// context is cancelled.
func (mgr *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	mgr.mutex.Lock()
	mgr.group, mgr.groupCtx = g, gctx
	for _, m := range mgr.markets {
		market := m
		g.Go(func() error { return market.Run(gctx) })
	}
	mgr.mutex.Unlock()

	g.Go(func() error { return mgr.sweepLoop(gctx) })

	err := g.Wait()

	mgr.mutex.Lock()
	mgr.group, mgr.groupCtx = nil, nil
	mgr.closed = true
	mgr.mutex.Unlock()
	return err
}

// Submit routes the order to its market. Blocks until the market
// processed the order, the returned error is the matching outcome.
func (mgr *Manager) Submit(ctx context.Context, o *types.EnergyOrder) error {
	ctx, span := mgr.tracer.Start(ctx, "Manager.Submit")
	defer span.End()
	if o == nil {
		return fmt.Errorf("%w: order is nil", ErrInvalidOrderParameters)
	}
	m, err := mgr.market(o.MarketID())
	if err != nil {
		return err
	}
	mgr.ordersSubmitted.Add(ctx, 1, metric.WithAttributes(observability.Market(o.Location.Zone)))
	return m.submit(ctx, o)
}

// Cancel requests cancellation of an order in the given market. The
// request is processed by the owning market goroutine, an in-flight match
// against the order completes first.
func (mgr *Manager) Cancel(ctx context.Context, id types.MarketID, orderID string) error {
	ctx, span := mgr.tracer.Start(ctx, "Manager.Cancel")
	defer span.End()
	m, err := mgr.existingMarket(id)
	if err != nil {
		return err
	}
	return m.cancel(ctx, orderID)
}

// Unwind reopens both legs of a trade whose settlement failed.
func (mgr *Manager) Unwind(ctx context.Context, trade *types.Trade) error {
	ctx, span := mgr.tracer.Start(ctx, "Manager.Unwind")
	defer span.End()
	m, err := mgr.existingMarket(types.MarketID{Zone: trade.Zone, Bucket: trade.Window.Bucket()})
	if err != nil {
		return err
	}
	return m.unwind(ctx, trade.BuyOrderID, trade.SellOrderID, trade.AmountWh)
}

// Order returns the current state of an order in the given market.
func (mgr *Manager) Order(ctx context.Context, id types.MarketID, orderID string) (*types.EnergyOrder, error) {
	m, err := mgr.existingMarket(id)
	if err != nil {
		return nil, err
	}
	return m.order(ctx, orderID)
}

// market returns the market owning the id, creating it if needed. A
// market created before Run is registered here and its goroutine started
// by Run, submissions queue up until then.
func (mgr *Manager) market(id types.MarketID) (*Market, error) {
	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()
	if mgr.closed {
		return nil, ErrMarketClosed
	}
	if m, found := mgr.markets[id]; found {
		return m, nil
	}
	m := newMarket(id, mgr.sink, mgr.journal, mgr.queueSize, mgr.now, mgr.log)
	mgr.markets[id] = m
	if mgr.group != nil {
		gctx := mgr.groupCtx
		mgr.group.Go(func() error { return m.Run(gctx) })
	}
	return m, nil
}

func (mgr *Manager) existingMarket(id types.MarketID) (*Market, error) {
	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()
	m, found := mgr.markets[id]
	if !found {
		return nil, fmt.Errorf("%w: no market for %s/%d", ErrOrderNotFound, id.Zone, id.Bucket)
	}
	return m, nil
}

func (mgr *Manager) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(mgr.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			mgr.sweep(ctx)
		}
	}
}

func (mgr *Manager) sweep(ctx context.Context) {
	now := mgr.now()
	mgr.mutex.Lock()
	markets := make([]*Market, 0, len(mgr.markets))
	for _, m := range mgr.markets {
		markets = append(markets, m)
	}
	mgr.mutex.Unlock()
	for _, m := range markets {
		if err := m.send(ctx, sweepMsg{now: now}); err != nil {
			return
		}
	}
}
