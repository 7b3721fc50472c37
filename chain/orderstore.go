package chain

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/gridtokenx/gridtokenx/keyvaluedb"
	"github.com/gridtokenx/gridtokenx/logger"
	"github.com/gridtokenx/gridtokenx/types"
)

// OrderStore is the persistent order log. Orders are stored by id and
// indexed by (zone, window bucket, status) so open orders of one market
// can be scanned without touching the rest of the key space. Implements
// the matching engine's order journal.
type OrderStore struct {
	db  keyvaluedb.KeyValueDB
	log *slog.Logger
}

func NewOrderStore(db keyvaluedb.KeyValueDB, log *slog.Logger) (*OrderStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is nil")
	}
	return &OrderStore{db: db, log: log}, nil
}

// OrderChanged persists the new order state. Journal delivery runs on the
// market goroutine, failures are logged and the matching outcome stands.
func (s *OrderStore) OrderChanged(ctx context.Context, o *types.EnergyOrder) {
	if err := s.Put(o); err != nil {
		s.log.ErrorContext(ctx, "persisting order failed", logger.OrderID(o.ID), logger.Error(err))
	}
}

// Put stores the order and moves its index entry when the status changed.
func (s *OrderStore) Put(o *types.EnergyOrder) error {
	if err := o.IsValid(); err != nil {
		return err
	}
	var prev types.EnergyOrder
	found, err := s.db.Read(orderKey(o.ID), &prev)
	if err != nil {
		return fmt.Errorf("reading previous order state: %w", err)
	}

	dbTx, err := s.db.StartTx()
	if err != nil {
		return fmt.Errorf("starting db transaction: %w", err)
	}
	err = func() error {
		if found && prev.Status != o.Status {
			if err := dbTx.Delete(orderIdxKey(&prev)); err != nil {
				return fmt.Errorf("removing stale index entry: %w", err)
			}
		}
		if err := dbTx.Write(orderKey(o.ID), o); err != nil {
			return fmt.Errorf("writing order: %w", err)
		}
		if err := dbTx.Write(orderIdxKey(o), o.ID); err != nil {
			return fmt.Errorf("writing index entry: %w", err)
		}
		return nil
	}()
	if err != nil {
		if rollbackErr := dbTx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("rolling back after %v: %w", err, rollbackErr)
		}
		return err
	}
	return dbTx.Commit()
}

func (s *OrderStore) Get(id string) (*types.EnergyOrder, error) {
	o := &types.EnergyOrder{}
	found, err := s.db.Read(orderKey(id), o)
	if err != nil {
		return nil, fmt.Errorf("reading order %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return o, nil
}

// Orders scans all orders of the (zone, bucket) market in the given
// status, in order id order.
func (s *OrderStore) Orders(zone string, bucket int64, status types.OrderStatus) ([]*types.EnergyOrder, error) {
	prefix := orderIdxPrefix(zone, bucket, status)
	it := s.db.Find(prefix)
	defer func() { _ = it.Close() }()

	var orders []*types.EnergyOrder
	for ; it.Valid() && bytes.HasPrefix(it.Key(), prefix); it.Next() {
		var id string
		if err := it.Value(&id); err != nil {
			return nil, fmt.Errorf("decoding index entry: %w", err)
		}
		o, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}
