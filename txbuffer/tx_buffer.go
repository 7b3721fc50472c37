package txbuffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/gridtokenx/gridtokenx/logger"
	"github.com/gridtokenx/gridtokenx/observability"
	"github.com/gridtokenx/gridtokenx/types"
)

var (
	ErrTxIsNil      = errors.New("tx is nil")
	ErrTxInBuffer   = errors.New("tx already in tx buffer")
	ErrTxBufferFull = errors.New("tx buffer is full")
)

type (
	// TxValidator admits transactions into the buffer. Usually the
	// txsystem validator over the committed state.
	TxValidator interface {
		Validate(tx *types.Transaction) error
	}

	bufferedTx struct {
		tx    *types.Transaction
		added time.Time
		// arrival orders transactions of equal fee, assigned on admission
		arrival uint64
		size    uint64
		// inFlight marks the tx as selected into a block proposal that has
		// not been finalized yet
		inFlight bool
	}

	// TxBuffer is an in-memory set of unconfirmed transactions. Admission
	// requires validator pass and a unique id; when the buffer is full the
	// lowest-fee transaction is evicted, or the candidate itself rejected
	// if it would be the one evicted.
	TxBuffer struct {
		mutex        sync.Mutex
		maxSize      uint
		seq          uint64
		transactions map[string]*bufferedTx
		validator    TxValidator
		log          *slog.Logger
		tracer       trace.Tracer

		mDur metric.Float64Histogram
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}
)

/*
New creates a new instance of the TxBuffer.
MaxSize specifies the total number of transactions the TxBuffer may contain.
*/
func New(maxSize uint, validator TxValidator, obs Observability) (*TxBuffer, error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("buffer max size must be greater than zero, got %d", maxSize)
	}
	if validator == nil {
		return nil, fmt.Errorf("tx validator is nil")
	}

	buf := &TxBuffer{
		maxSize:      maxSize,
		transactions: make(map[string]*bufferedTx),
		validator:    validator,
		log:          obs.Logger(),
		tracer:       obs.Tracer("txBuffer"),
	}
	if err := buf.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	return buf, nil
}

/*
Add adds the given transaction into the transaction buffer.
Returns an error if the transaction is nil, fails validation, is already
present in the buffer, or the buffer is full of better-paying transactions.
*/
func (buf *TxBuffer) Add(ctx context.Context, tx *types.Transaction) error {
	ctx, span := buf.tracer.Start(ctx, "TxBuffer.Add")
	defer span.End()
	if tx == nil {
		return ErrTxIsNil
	}
	if err := buf.validator.Validate(tx); err != nil {
		return fmt.Errorf("rejected by validator: %w", err)
	}
	encoded, err := types.Cbor.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshaling transaction: %w", err)
	}

	buf.log.DebugContext(ctx, fmt.Sprintf("received %s transaction", tx.Kind()), logger.TxID(tx.ID()))
	span.SetAttributes(observability.TxKind(int(tx.Kind())), attribute.String("tx.id", tx.ID()))

	buf.mutex.Lock()
	defer buf.mutex.Unlock()

	if _, found := buf.transactions[tx.ID()]; found {
		return ErrTxInBuffer
	}

	if uint(len(buf.transactions)) >= buf.maxSize {
		if err := buf.evictLocked(ctx, tx); err != nil {
			return err
		}
	}

	buf.seq++
	buf.transactions[tx.ID()] = &bufferedTx{
		tx:      tx,
		added:   time.Now(),
		arrival: buf.seq,
		size:    uint64(len(encoded)),
	}
	return nil
}

// evictLocked drops the lowest-priority evictable transaction to make room
// for the candidate, or rejects the candidate when nothing in the buffer
// pays less than it does.
func (buf *TxBuffer) evictLocked(ctx context.Context, candidate *types.Transaction) error {
	var victim *bufferedTx
	for _, btx := range buf.transactions {
		if btx.inFlight {
			continue
		}
		if victim == nil || lessPriority(btx, victim) {
			victim = btx
		}
	}
	if victim == nil || victim.tx.Payload.Fee >= candidate.Payload.Fee {
		return ErrTxBufferFull
	}
	buf.log.DebugContext(ctx, fmt.Sprintf("evicting transaction with fee %d", victim.tx.Payload.Fee), logger.TxID(victim.tx.ID()))
	buf.removeLocked(ctx, victim.tx.ID())
	return nil
}

/*
SelectForBlock returns up to maxCount transactions whose encoded sizes sum
to at most maxBytes, ordered by fee (descending), arrival (ascending) and
id (ascending). The selected transactions are marked in-flight: they stay
indexed for duplicate detection but are not selected again until either
Restore or Remove is called for them.
*/
func (buf *TxBuffer) SelectForBlock(ctx context.Context, maxCount int, maxBytes uint64) []*types.Transaction {
	_, span := buf.tracer.Start(ctx, "TxBuffer.SelectForBlock")
	defer span.End()

	buf.mutex.Lock()
	defer buf.mutex.Unlock()

	available := make([]*bufferedTx, 0, len(buf.transactions))
	for _, btx := range buf.transactions {
		if !btx.inFlight {
			available = append(available, btx)
		}
	}
	sort.Slice(available, func(i, j int) bool { return lessPriority(available[j], available[i]) })

	var (
		selected  []*types.Transaction
		sizeTotal uint64
	)
	for _, btx := range available {
		if len(selected) >= maxCount {
			break
		}
		if sizeTotal+btx.size > maxBytes {
			continue
		}
		btx.inFlight = true
		sizeTotal += btx.size
		selected = append(selected, btx.tx)
	}
	span.SetAttributes(attribute.Int("selected", len(selected)))
	return selected
}

// lessPriority reports whether a is lower priority than b: smaller fee,
// on equal fee the later arrival, on equal arrival the bigger id.
func lessPriority(a, b *bufferedTx) bool {
	if a.tx.Payload.Fee != b.tx.Payload.Fee {
		return a.tx.Payload.Fee < b.tx.Payload.Fee
	}
	if a.arrival != b.arrival {
		return a.arrival > b.arrival
	}
	return a.tx.ID() > b.tx.ID()
}

// Restore puts previously selected transactions back into selectable
// state, called when the block round they were selected for failed.
func (buf *TxBuffer) Restore(ctx context.Context, ids []string) {
	_, span := buf.tracer.Start(ctx, "TxBuffer.Restore")
	defer span.End()

	buf.mutex.Lock()
	defer buf.mutex.Unlock()
	for _, id := range ids {
		if btx, found := buf.transactions[id]; found {
			btx.inFlight = false
		}
	}
}

// Remove drops transactions from the buffer, called when the block
// containing them was finalized.
func (buf *TxBuffer) Remove(ctx context.Context, ids []string) {
	ctx, span := buf.tracer.Start(ctx, "TxBuffer.Remove")
	defer span.End()

	buf.mutex.Lock()
	defer buf.mutex.Unlock()
	for _, id := range ids {
		buf.removeLocked(ctx, id)
	}
}

func (buf *TxBuffer) removeLocked(ctx context.Context, id string) {
	if btx, found := buf.transactions[id]; found {
		bufTime := time.Since(btx.added)
		buf.mDur.Record(ctx, bufTime.Seconds())
		delete(buf.transactions, id)
	}
}

func (buf *TxBuffer) Count() int {
	buf.mutex.Lock()
	defer buf.mutex.Unlock()
	return len(buf.transactions)
}

func (buf *TxBuffer) initMetrics(obs Observability) (err error) {
	m := obs.Meter("txbuffer")

	if _, err = m.Int64ObservableUpDownCounter(
		"count",
		metric.WithDescription(`Number of transactions in the buffer.`),
		metric.WithUnit("{transaction}"),
		metric.WithInt64Callback(func(ctx context.Context, io metric.Int64Observer) error {
			io.Observe(int64(buf.Count()))
			return nil
		}),
	); err != nil {
		return fmt.Errorf("creating tx counter: %w", err)
	}

	if buf.mDur, err = m.Float64Histogram(
		"queued",
		metric.WithDescription("For how long transaction was in the buffer before being processed."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 3, 10, 60, 300),
	); err != nil {
		return fmt.Errorf("creating duration histogram: %w", err)
	}

	return nil
}
