package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	gtxcrypto "github.com/gridtokenx/gridtokenx/crypto"
	"github.com/gridtokenx/gridtokenx/logger"
	"github.com/gridtokenx/gridtokenx/observability"
	"github.com/gridtokenx/gridtokenx/types"
)

type (
	// TxPool is where settlement transactions are submitted.
	TxPool interface {
		Add(ctx context.Context, tx *types.Transaction) error
	}

	// NonceSource hands out consecutive nonces for the node's own
	// settlement transactions.
	NonceSource interface {
		NextNonce() uint64
	}

	// Unwinder reopens the legs of a trade whose settlement failed,
	// normally the market Manager.
	Unwinder interface {
		Unwind(ctx context.Context, trade *types.Trade) error
	}

	// TradeLedger records the trades produced by the matching engine and
	// turns each into a signed EnergyTrade transaction for the pool. It is
	// the TradeSource the transaction validator checks settlement
	// transactions against.
	TradeLedger struct {
		mutex    sync.Mutex
		trades   map[string]*types.Trade
		signer   gtxcrypto.Signer
		sender   types.Address
		pubKey   []byte
		nonces   NonceSource
		pool     TxPool
		unwinder Unwinder
		fee      uint64
		log      *slog.Logger

		tradesMatched metric.Int64Counter
	}
)

func NewTradeLedger(signer gtxcrypto.Signer, nonces NonceSource, pool TxPool, obs Observability) (*TradeLedger, error) {
	if signer == nil {
		return nil, fmt.Errorf("signer is nil")
	}
	if nonces == nil {
		return nil, fmt.Errorf("nonce source is nil")
	}
	if pool == nil {
		return nil, fmt.Errorf("tx pool is nil")
	}
	verifier, err := signer.Verifier()
	if err != nil {
		return nil, fmt.Errorf("getting verifier: %w", err)
	}
	pubKey, err := verifier.MarshalPublicKey()
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	ledger := &TradeLedger{
		trades: map[string]*types.Trade{},
		signer: signer,
		sender: types.NewAddress(pubKey),
		pubKey: pubKey,
		nonces: nonces,
		pool:   pool,
		log:    obs.Logger(),
	}
	ledger.tradesMatched, err = obs.Meter("market").Int64Counter(
		"trades.matched",
		metric.WithDescription("Number of trades produced by the matching engine."),
		metric.WithUnit("{trade}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating trades counter: %w", err)
	}
	return ledger, nil
}

// SetUnwinder wires the settlement failure feedback loop. Must be called
// before the ledger sees any settlement results.
func (l *TradeLedger) SetUnwinder(u Unwinder) {
	l.unwinder = u
}

// TradesMatched records each fill as a pending trade and submits the
// corresponding EnergyTrade transaction to the pool. A fill whose
// transaction cannot be submitted is unwound immediately.
func (l *TradeLedger) TradesMatched(ctx context.Context, id types.MarketID, fills []*Fill) {
	for _, fill := range fills {
		trade := l.record(id, fill)
		l.tradesMatched.Add(ctx, 1, metric.WithAttributes(observability.Market(id.Zone)))
		if err := l.submit(ctx, trade); err != nil {
			l.log.WarnContext(ctx, "failed to submit settlement transaction", logger.Error(err), logger.TradeID(trade.ID))
			l.fail(ctx, trade)
		}
	}
}

// Trade returns the recorded trade with the given id.
func (l *TradeLedger) Trade(id string) (*types.Trade, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	trade, found := l.trades[id]
	return trade, found
}

// MarkSettled records that the trade's settlement transaction was included
// in a finalized block. Settled trades are immutable.
func (l *TradeLedger) MarkSettled(tradeID string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if trade, found := l.trades[tradeID]; found && trade.Settlement == types.SettlementPending {
		trade.Settlement = types.SettlementSettled
	}
}

// MarkFailed records a settlement failure and unwinds the matched amounts
// so the book never shows state inconsistent with token-level settlement.
func (l *TradeLedger) MarkFailed(ctx context.Context, tradeID string) {
	l.mutex.Lock()
	trade, found := l.trades[tradeID]
	if !found || trade.Settlement != types.SettlementPending {
		l.mutex.Unlock()
		return
	}
	l.mutex.Unlock()
	l.fail(ctx, trade)
}

func (l *TradeLedger) fail(ctx context.Context, trade *types.Trade) {
	l.mutex.Lock()
	trade.Settlement = types.SettlementFailed
	l.mutex.Unlock()
	if l.unwinder == nil {
		return
	}
	if err := l.unwinder.Unwind(ctx, trade); err != nil {
		l.log.ErrorContext(ctx, "reconciliation failed, order book may overstate matched amounts",
			logger.Error(err), logger.TradeID(trade.ID))
	}
}

func (l *TradeLedger) record(id types.MarketID, fill *Fill) *types.Trade {
	window := types.DeliveryWindow{
		Start: max64(fill.Buy.Window.Start, fill.Sell.Window.Start),
		End:   min64(fill.Buy.Window.End, fill.Sell.Window.End),
	}
	trade := &types.Trade{
		ID:          uuid.NewString(),
		BuyOrderID:  fill.Buy.ID,
		SellOrderID: fill.Sell.ID,
		Buyer:       fill.Buy.Trader,
		Seller:      fill.Sell.Trader,
		AmountWh:    fill.AmountWh,
		PriceMilli:  fill.PriceMilli,
		ValueMilli:  types.TradeValueMilli(fill.AmountWh, fill.PriceMilli),
		Zone:        id.Zone,
		Source:      fill.Sell.Source,
		Window:      window,
		MatchedAt:   time.Now().Unix(),
		Settlement:  types.SettlementPending,
	}
	l.mutex.Lock()
	l.trades[trade.ID] = trade
	l.mutex.Unlock()
	return trade
}

func (l *TradeLedger) submit(ctx context.Context, trade *types.Trade) error {
	payload := &types.Payload{
		Kind:      types.KindEnergyTrade,
		ID:        "settle-" + trade.ID,
		Sender:    l.sender,
		Nonce:     l.nonces.NextNonce(),
		Fee:       l.fee,
		CreatedAt: time.Now().Unix(),
	}
	if err := payload.SetAttributes(types.EnergyTradeAttributes{
		TradeID:     trade.ID,
		BuyOrderID:  trade.BuyOrderID,
		SellOrderID: trade.SellOrderID,
		Buyer:       trade.Buyer,
		Seller:      trade.Seller,
		AmountWh:    trade.AmountWh,
		PriceMilli:  trade.PriceMilli,
		Zone:        trade.Zone,
		Source:      trade.Source,
		WindowStart: trade.Window.Start,
		WindowEnd:   trade.Window.End,
	}); err != nil {
		return fmt.Errorf("encoding settlement attributes: %w", err)
	}
	tx := &types.Transaction{Payload: payload}
	payloadBytes, err := tx.PayloadBytes()
	if err != nil {
		return fmt.Errorf("marshaling settlement payload: %w", err)
	}
	sig, err := l.signer.SignBytes(payloadBytes)
	if err != nil {
		return fmt.Errorf("signing settlement transaction: %w", err)
	}
	tx.OwnerProof, err = types.Cbor.Marshal(types.Signature{Sig: sig, PubKey: l.pubKey})
	if err != nil {
		return fmt.Errorf("encoding owner proof: %w", err)
	}
	return l.pool.Add(ctx, tx)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
