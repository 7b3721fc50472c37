package txsystem

import (
	"context"
	"crypto"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gridtokenx/gridtokenx/logger"
	"github.com/gridtokenx/gridtokenx/observability"
	"github.com/gridtokenx/gridtokenx/state"
	"github.com/gridtokenx/gridtokenx/types"
)

type (
	// TradeSource answers whether a trade id was produced by the local
	// matching engine. EnergyTrade transactions settling unknown trades are
	// rejected.
	TradeSource interface {
		Trade(id string) (*types.Trade, bool)
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}

	executeFunc func(tx *types.Transaction) error

	// TxSystem validates and executes transactions against the ledger
	// state. Execution of a single transaction is atomic: a failing
	// transaction leaves no trace in the state. The canonical mutation path
	// is BeginBlock, Execute for every transaction, EndBlock, Commit;
	// Revert drops everything since the last commit.
	TxSystem struct {
		hashAlgorithm  crypto.Hash
		state          *state.State
		tradeSource    TradeSource
		currentHeight  uint64
		roundCommitted bool
		executors      map[types.TxKind]executeFunc
		log            *slog.Logger
		txCounter      metric.Int64Counter
	}
)

func NewTxSystem(s *state.State, observe Observability, opts ...Option) (*TxSystem, error) {
	if s == nil {
		return nil, fmt.Errorf("state is nil")
	}
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	m := &TxSystem{
		hashAlgorithm: options.hashAlgorithm,
		state:         s,
		tradeSource:   options.tradeSource,
		log:           observe.Logger(),
	}
	m.executors = map[types.TxKind]executeFunc{
		types.KindTransfer:    m.executeTransfer,
		types.KindEnergyTrade: m.executeEnergyTrade,
		types.KindAuthority:   m.executeAuthority,
		types.KindGovernance:  m.executeGovernance,
	}
	if err := m.initMetrics(observe.Meter("txsystem")); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return m, nil
}

// BeginBlock starts the execution round for a block at the given height.
func (m *TxSystem) BeginBlock(height uint64) {
	m.currentHeight = height
	m.roundCommitted = false
}

// Execute validates and applies a single transaction. All state changes
// made by a failing transaction are rolled back.
func (m *TxSystem) Execute(tx *types.Transaction) (rErr error) {
	defer func() {
		status := "ok"
		if rErr != nil {
			status = "err"
		}
		m.txCounter.Add(context.Background(), 1, metric.WithAttributes(
			observability.TxKind(int(tx.Kind())),
			attribute.String("status", status),
		))
	}()

	if err := m.Validate(tx); err != nil {
		return fmt.Errorf("invalid transaction: %w", err)
	}

	savepointID := m.state.Savepoint()
	defer func() {
		if rErr != nil {
			m.state.RollbackToSavepoint(savepointID)
			return
		}
		m.state.ReleaseToSavepoint(savepointID)
	}()

	m.log.Debug(fmt.Sprintf("execute %s", tx.Kind()), logger.TxID(tx.ID()), logger.Height(m.currentHeight))
	executor, ok := m.executors[tx.Kind()]
	if !ok {
		return fmt.Errorf("no executor for transaction kind %s", tx.Kind())
	}
	return executor(tx)
}

// EndBlock returns the state root over all changes of the round.
func (m *TxSystem) EndBlock() ([]byte, error) {
	return m.state.CalculateRoot()
}

// Commit makes the changes of the round permanent.
func (m *TxSystem) Commit() {
	m.state.Commit()
	m.roundCommitted = true
}

// Revert rolls back all changes made since the last commit.
func (m *TxSystem) Revert() {
	if m.roundCommitted {
		return
	}
	m.state.Revert()
}

// State returns a read-only clone of the underlying state.
func (m *TxSystem) State() *state.State {
	return m.state.Clone()
}

func (m *TxSystem) CurrentHeight() uint64 {
	return m.currentHeight
}

// chargeFee debits the fee from the sender and advances the nonce, the
// common tail of every executor. Fees are burned.
func (m *TxSystem) chargeFee(tx *types.Transaction) state.Action {
	return state.UpdateAccount(tx.Payload.Sender, func(acc *types.AccountState) error {
		if acc.Balance < tx.Payload.Fee {
			return ErrInsufficientBalance
		}
		acc.Balance -= tx.Payload.Fee
		acc.Nonce++
		return nil
	})
}

func (m *TxSystem) initMetrics(mtr metric.Meter) error {
	var err error
	m.txCounter, err = mtr.Int64Counter(
		"tx.executed",
		metric.WithDescription("Number of transactions executed."),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return fmt.Errorf("creating tx.executed counter: %w", err)
	}
	return nil
}
