package chain

import (
	"bytes"
	"fmt"

	"github.com/gridtokenx/gridtokenx/keyvaluedb"
	"github.com/gridtokenx/gridtokenx/state"
	"github.com/gridtokenx/gridtokenx/types"
	"github.com/gridtokenx/gridtokenx/util"
)

// Key space of the chain database. Namespaces share one database so a
// finalized block and all of its indexes land in a single write batch.
const (
	prefixBlock     = 'b' // big-endian height -> *types.Block
	prefixBlockHash = 'h' // block hash -> height
	prefixTx        = 't' // tx id -> TxLocation
	prefixAccount   = 'a' // address -> *types.AccountState
	prefixOrder     = 'o' // order id -> *types.EnergyOrder
	prefixOrderIdx  = 'z' // zone NUL bucket status order-id -> order id
	prefixRegistry  = 'r' // big-endian height -> *types.AuthorityRegistry
)

var (
	keyTip  = []byte("tip")
	keyGrid = []byte("grid")
)

// TxLocation points to a transaction inside a finalized block.
type TxLocation struct {
	_ struct{} `cbor:",toarray"`

	Height uint64
	Index  uint32
}

func blockKey(height uint64) []byte {
	return append([]byte{prefixBlock}, util.Uint64ToBytes(height)...)
}

func blockHashKey(hash []byte) []byte {
	return append([]byte{prefixBlockHash}, hash...)
}

func txKey(id string) []byte {
	return append([]byte{prefixTx}, id...)
}

func accountKey(addr types.Address) []byte {
	return append([]byte{prefixAccount}, addr...)
}

func registryKey(height uint64) []byte {
	return append([]byte{prefixRegistry}, util.Uint64ToBytes(height)...)
}

func orderKey(id string) []byte {
	return append([]byte{prefixOrder}, id...)
}

// orderIdxPrefix keys the (zone, bucket, status) scan range. Zone names
// must not contain NUL, it terminates the zone part of the key.
func orderIdxPrefix(zone string, bucket int64, status types.OrderStatus) []byte {
	key := make([]byte, 0, len(zone)+11)
	key = append(key, prefixOrderIdx)
	key = append(key, zone...)
	key = append(key, 0)
	key = append(key, util.Uint64ToBytes(uint64(bucket))...)
	key = append(key, byte(status))
	return key
}

func orderIdxKey(o *types.EnergyOrder) []byte {
	return append(orderIdxPrefix(o.Location.Zone, o.Window.Bucket(), o.Status), o.ID...)
}

// store is the persistence layer of the chain. All writes belonging to one
// finalized block go through a single DBTransaction.
type store struct {
	db keyvaluedb.KeyValueDB
}

func (s *store) tip() (uint64, bool, error) {
	var height uint64
	found, err := s.db.Read(keyTip, &height)
	if err != nil {
		return 0, false, fmt.Errorf("reading tip height: %w", err)
	}
	return height, found, nil
}

func (s *store) blockByHeight(height uint64) (*types.Block, error) {
	b := &types.Block{}
	found, err := s.db.Read(blockKey(height), b)
	if err != nil {
		return nil, fmt.Errorf("reading block %d: %w", height, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: block %d", ErrNotFound, height)
	}
	return b, nil
}

func (s *store) blockByHash(hash []byte) (*types.Block, error) {
	var height uint64
	found, err := s.db.Read(blockHashKey(hash), &height)
	if err != nil {
		return nil, fmt.Errorf("reading block hash index: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: block %X", ErrNotFound, hash)
	}
	return s.blockByHeight(height)
}

func (s *store) txLocation(id string) (*TxLocation, error) {
	loc := &TxLocation{}
	found, err := s.db.Read(txKey(id), loc)
	if err != nil {
		return nil, fmt.Errorf("reading tx index: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return loc, nil
}

func (s *store) registryAt(height uint64) (*types.AuthorityRegistry, error) {
	r := &types.AuthorityRegistry{}
	found, err := s.db.Read(registryKey(height), r)
	if err != nil {
		return nil, fmt.Errorf("reading registry at %d: %w", height, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: registry at %d", ErrNotFound, height)
	}
	return r, nil
}

func (s *store) gridStatus() (state.GridStatus, error) {
	var grid state.GridStatus
	if _, err := s.db.Read(keyGrid, &grid); err != nil {
		return grid, fmt.Errorf("reading grid status: %w", err)
	}
	return grid, nil
}

func (s *store) accounts() ([]*types.AccountState, error) {
	prefix := []byte{prefixAccount}
	it := s.db.Find(prefix)
	defer func() { _ = it.Close() }()

	var accounts []*types.AccountState
	for ; it.Valid() && bytes.HasPrefix(it.Key(), prefix); it.Next() {
		acc := &types.AccountState{}
		if err := it.Value(acc); err != nil {
			return nil, fmt.Errorf("decoding account %s: %w", it.Key()[1:], err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// persistBlock writes the block, its indexes and the post-block state in
// one atomic batch and advances the tip marker.
func (s *store) persistBlock(b *types.Block, accounts []*types.AccountState, registry *types.AuthorityRegistry, grid state.GridStatus) error {
	dbTx, err := s.db.StartTx()
	if err != nil {
		return fmt.Errorf("starting db transaction: %w", err)
	}
	if err := s.writeBlock(dbTx, b, accounts, registry, grid); err != nil {
		if rollbackErr := dbTx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("rolling back after %v: %w", err, rollbackErr)
		}
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("committing db transaction: %w", err)
	}
	return nil
}

func (s *store) writeBlock(w keyvaluedb.Writer, b *types.Block, accounts []*types.AccountState, registry *types.AuthorityRegistry, grid state.GridStatus) error {
	height := b.GetHeight()
	if err := w.Write(blockKey(height), b); err != nil {
		return fmt.Errorf("writing block %d: %w", height, err)
	}
	if err := w.Write(blockHashKey(b.Hash), height); err != nil {
		return fmt.Errorf("writing block hash index: %w", err)
	}
	for i, tx := range b.Transactions {
		loc := &TxLocation{Height: height, Index: uint32(i)}
		if err := w.Write(txKey(tx.ID()), loc); err != nil {
			return fmt.Errorf("writing tx index %s: %w", tx.ID(), err)
		}
	}
	for _, acc := range accounts {
		if err := w.Write(accountKey(acc.Address), acc); err != nil {
			return fmt.Errorf("writing account %s: %w", acc.Address, err)
		}
	}
	if err := w.Write(registryKey(height), registry); err != nil {
		return fmt.Errorf("writing registry at %d: %w", height, err)
	}
	if err := w.Write(keyGrid, grid); err != nil {
		return fmt.Errorf("writing grid status: %w", err)
	}
	if err := w.Write(keyTip, height); err != nil {
		return fmt.Errorf("writing tip height: %w", err)
	}
	return nil
}
