package chain

import (
	"bytes"
	"context"
	"crypto"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	gtxcrypto "github.com/gridtokenx/gridtokenx/crypto"
	"github.com/gridtokenx/gridtokenx/keyvaluedb"
	"github.com/gridtokenx/gridtokenx/logger"
	"github.com/gridtokenx/gridtokenx/state"
	"github.com/gridtokenx/gridtokenx/txsystem"
	"github.com/gridtokenx/gridtokenx/types"
	"github.com/gridtokenx/gridtokenx/util"
)

const (
	defaultMaxBlockTxs   = 100
	defaultMaxBlockBytes = 4 << 20
)

type (
	// TxPool hands out unconfirmed transactions for proposals and drops
	// the ones a finalized block confirmed or proposal building rejected.
	TxPool interface {
		SelectForBlock(ctx context.Context, maxCount int, maxBytes uint64) []*types.Transaction
		Remove(ctx context.Context, ids []string)
	}

	// Settler receives the settlement outcome for trades referenced by
	// EnergyTrade transactions.
	Settler interface {
		MarkSettled(tradeID string)
		MarkFailed(ctx context.Context, tradeID string)
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}

	Config struct {
		MaxBlockTxs   int            `mapstructure:"max-block-txs"`
		MaxBlockBytes uint64         `mapstructure:"max-block-bytes"`
		Genesis       *GenesisConfig `mapstructure:"genesis"`
	}

	// Chain is the single writer of the ledger. It validates candidate
	// blocks against the committed state, replays their transactions and
	// persists finalized blocks with all indexes in one storage batch.
	Chain struct {
		mutex         sync.RWMutex
		conf          Config
		hashAlgorithm crypto.Hash
		store         *store
		state         *state.State
		txs           *txsystem.TxSystem
		pool          TxPool
		settler       Settler
		tip           *types.Block
		log           *slog.Logger
		tracer        trace.Tracer

		mBlockTxs metric.Int64Histogram
		mEnergyWh metric.Int64Counter
	}
)

/*
New opens the chain over the given database. An empty database is
initialized from conf.Genesis, otherwise the committed state is rebuilt
from the stored tip. The state must be empty, it is populated here; the
tx system must share it.
*/
func New(conf Config, db keyvaluedb.KeyValueDB, st *state.State, txs *txsystem.TxSystem, pool TxPool, settler Settler, obs Observability) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("database is nil")
	}
	if st == nil {
		return nil, fmt.Errorf("state is nil")
	}
	if txs == nil {
		return nil, fmt.Errorf("tx system is nil")
	}
	if pool == nil {
		return nil, fmt.Errorf("tx pool is nil")
	}
	if conf.MaxBlockTxs <= 0 {
		conf.MaxBlockTxs = defaultMaxBlockTxs
	}
	if conf.MaxBlockBytes == 0 {
		conf.MaxBlockBytes = defaultMaxBlockBytes
	}
	c := &Chain{
		conf:          conf,
		hashAlgorithm: st.HashAlgorithm(),
		store:         &store{db: db},
		state:         st,
		txs:           txs,
		pool:          pool,
		settler:       settler,
		log:           obs.Logger(),
		tracer:        obs.Tracer("chain"),
	}
	if err := c.initMetrics(obs.Meter("chain")); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	empty, err := keyvaluedb.IsEmpty(db)
	if err != nil {
		return nil, fmt.Errorf("checking database: %w", err)
	}
	if empty {
		if err := c.initGenesis(); err != nil {
			return nil, fmt.Errorf("initializing genesis: %w", err)
		}
	} else {
		if err := c.load(); err != nil {
			return nil, fmt.Errorf("loading chain state: %w", err)
		}
	}
	return c, nil
}

func (c *Chain) initGenesis() error {
	if err := c.conf.Genesis.IsValid(); err != nil {
		return err
	}
	registry := c.conf.Genesis.registry()
	actions := []state.Action{
		state.UpdateRegistry(func(r *types.AuthorityRegistry) error {
			*r = *registry
			return nil
		}),
	}
	for _, acc := range c.conf.Genesis.Accounts {
		actions = append(actions, state.AddAccount(&types.AccountState{
			Address:       acc.Address,
			Balance:       acc.Balance,
			EnergyCredits: acc.EnergyCredits,
		}))
	}
	if err := c.state.Apply(actions...); err != nil {
		return fmt.Errorf("applying genesis state: %w", err)
	}
	c.state.Commit()

	b := c.conf.Genesis.block(c.hashAlgorithm)
	if err := c.store.persistBlock(b, c.state.Accounts(), c.state.Registry(true), c.state.GridStatus()); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFatal, err)
	}
	c.tip = b
	c.log.Info("genesis block created", logger.Height(0))
	return nil
}

func (c *Chain) load() error {
	height, found, err := c.store.tip()
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("database is not empty but has no tip marker")
	}
	tip, err := c.store.blockByHeight(height)
	if err != nil {
		return err
	}
	registry, err := c.store.registryAt(height)
	if err != nil {
		return err
	}
	grid, err := c.store.gridStatus()
	if err != nil {
		return err
	}
	accounts, err := c.store.accounts()
	if err != nil {
		return err
	}

	actions := []state.Action{
		state.UpdateRegistry(func(r *types.AuthorityRegistry) error {
			*r = *registry
			return nil
		}),
		state.SetGridStatus(grid),
	}
	for _, acc := range accounts {
		actions = append(actions, state.AddAccount(acc))
	}
	if err := c.state.Apply(actions...); err != nil {
		return fmt.Errorf("restoring state: %w", err)
	}
	c.state.Commit()
	c.tip = tip
	c.log.Info("chain state loaded", logger.Height(height))
	return nil
}

func (c *Chain) Height() uint64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.tip.GetHeight()
}

func (c *Chain) TipHash() []byte {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return bytes.Clone(c.tip.Hash)
}

// Registry returns the committed authority registry, the snapshot pinned
// at the tip height.
func (c *Chain) Registry() *types.AuthorityRegistry {
	return c.state.Registry(true)
}

func (c *Chain) Tip() *types.Block {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.tip
}

/*
BuildProposal assembles the next block: transactions are drawn from the
pool in selection order and replayed on a scratch state; ones that do not
execute are dropped from the pool, an energy trade among them fails its
settlement. The header carries the post-block grid status and the energy
statistics of the included trades. The scratch state is reverted, Apply
replays the block when it is finalized.
*/
func (c *Chain) BuildProposal(ctx context.Context, proposerID string, emergency bool) (*types.Block, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ctx, span := c.tracer.Start(ctx, "chain.BuildProposal")
	defer span.End()

	height := c.tip.GetHeight() + 1
	candidates := c.pool.SelectForBlock(ctx, c.conf.MaxBlockTxs, c.conf.MaxBlockBytes)

	c.txs.BeginBlock(height)
	included := []*types.Transaction{}
	var dropped []string
	for _, tx := range candidates {
		if err := c.txs.Execute(tx); err != nil {
			c.log.WarnContext(ctx, "dropping transaction from proposal", logger.TxID(tx.ID()), logger.Error(err))
			dropped = append(dropped, tx.ID())
			c.failSettlement(ctx, tx)
			continue
		}
		included = append(included, tx)
	}
	grid := c.state.GridStatus()
	c.txs.Revert()

	totalWh, renewableBP, err := energyStats(included)
	if err != nil {
		return nil, err
	}
	header := &types.Header{
		Version:           1,
		Height:            height,
		PreviousBlockHash: bytes.Clone(c.tip.Hash),
		ProposerID:        proposerID,
		Timestamp:         time.Now().Unix(),
		GridStateHash:     grid.GridStateHash,
		CongestionLevel:   grid.CongestionLevel,
		RenewableBP:       renewableBP,
		TotalEnergyWh:     totalWh,
		Emergency:         emergency,
	}
	b := &types.Block{Header: header, Transactions: included}
	root, err := b.CalculateMerkleRoot(c.hashAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("calculating merkle root: %w", err)
	}
	header.MerkleRoot = root
	b.Hash = header.Hash(c.hashAlgorithm)

	if len(dropped) > 0 {
		c.pool.Remove(ctx, dropped)
	}
	return b, nil
}

// ValidateProposal replays the candidate block on a scratch state and
// discards the result. It does not check signatures, a proposal has none
// yet.
func (c *Chain) ValidateProposal(ctx context.Context, b *types.Block) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	defer c.txs.Revert()
	return c.replay(ctx, b)
}

/*
Apply finalizes the block: full replay, signature threshold against the
registry pinned at the parent height, then the state commit and one
atomic storage batch for the block, its indexes and the post-block state.
A storage failure leaves the committed state untouched and the chain
refuses to advance.
*/
func (c *Chain) Apply(ctx context.Context, b *types.Block) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ctx, span := c.tracer.Start(ctx, "chain.Apply")
	defer span.End()

	if err := c.replay(ctx, b); err != nil {
		c.txs.Revert()
		return err
	}
	if err := verifyFinality(b, c.state.Registry(true)); err != nil {
		c.txs.Revert()
		return err
	}

	// post-block view for persistence, committed only after the batch
	// is on disk
	post := c.txs.State()
	post.Commit()
	if err := c.store.persistBlock(b, post.Accounts(), post.Registry(true), post.GridStatus()); err != nil {
		c.txs.Revert()
		return fmt.Errorf("%w: %v", ErrStorageFatal, err)
	}
	c.txs.Commit()
	c.tip = b
	c.finalize(ctx, b)
	return nil
}

// replay checks structure, linkage and proposer, then executes every
// transaction on a scratch state and compares the header statistics to
// the replayed outcome. The caller owns the revert.
func (c *Chain) replay(ctx context.Context, b *types.Block) error {
	if err := b.IsValid(c.hashAlgorithm); err != nil {
		return err
	}
	height := c.tip.GetHeight() + 1
	if b.Header.Height != height {
		return fmt.Errorf("%w: expected %d, got %d", ErrBlockHeight, height, b.Header.Height)
	}
	if !bytes.Equal(b.Header.PreviousBlockHash, c.tip.Hash) {
		return fmt.Errorf("%w: block %d parent %X, tip %X", ErrBlockLinkage, b.Header.Height, b.Header.PreviousBlockHash, c.tip.Hash)
	}
	proposer := c.state.Registry(true).Find(b.GetProposerID())
	if proposer == nil || proposer.Status != types.AuthorityActive {
		return fmt.Errorf("%w: %s", ErrUnknownProposer, b.GetProposerID())
	}
	if b.Header.Emergency && proposer.Tier != types.TierEmergency {
		return fmt.Errorf("%w: emergency block from %s authority %s", ErrUnknownProposer, proposer.Tier, proposer.ID)
	}

	c.txs.BeginBlock(b.Header.Height)
	for i, tx := range b.Transactions {
		if err := c.txs.Execute(tx); err != nil {
			return fmt.Errorf("transaction %d (%s): %w", i, tx.ID(), err)
		}
	}

	totalWh, renewableBP, err := energyStats(b.Transactions)
	if err != nil {
		return err
	}
	if totalWh != b.Header.TotalEnergyWh || renewableBP != b.Header.RenewableBP {
		return fmt.Errorf("%w: replayed %d Wh at %d bp, header claims %d Wh at %d bp",
			ErrEnergyStats, totalWh, renewableBP, b.Header.TotalEnergyWh, b.Header.RenewableBP)
	}
	grid := c.state.GridStatus()
	if !bytes.Equal(grid.GridStateHash, b.Header.GridStateHash) || grid.CongestionLevel != b.Header.CongestionLevel {
		return fmt.Errorf("%w: congestion %d, header claims %d", ErrGridStatusMismatch, grid.CongestionLevel, b.Header.CongestionLevel)
	}
	return nil
}

func (c *Chain) finalize(ctx context.Context, b *types.Block) {
	ids := make([]string, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		ids = append(ids, tx.ID())
		if c.settler != nil && tx.Kind() == types.KindEnergyTrade {
			var attr types.EnergyTradeAttributes
			if err := tx.UnmarshalAttributes(&attr); err == nil {
				c.settler.MarkSettled(attr.TradeID)
			}
		}
	}
	if len(ids) > 0 {
		c.pool.Remove(ctx, ids)
	}
	c.mBlockTxs.Record(ctx, int64(len(b.Transactions)))
	c.mEnergyWh.Add(ctx, int64(b.Header.TotalEnergyWh))
	c.log.DebugContext(ctx, "block persisted", logger.Height(b.GetHeight()))
}

func (c *Chain) failSettlement(ctx context.Context, tx *types.Transaction) {
	if c.settler == nil || tx.Kind() != types.KindEnergyTrade {
		return
	}
	var attr types.EnergyTradeAttributes
	if err := tx.UnmarshalAttributes(&attr); err != nil {
		return
	}
	c.settler.MarkFailed(ctx, attr.TradeID)
}

func (c *Chain) BlockByHeight(height uint64) (*types.Block, error) {
	return c.store.blockByHeight(height)
}

func (c *Chain) BlockByHash(hash []byte) (*types.Block, error) {
	return c.store.blockByHash(hash)
}

// Transaction returns a finalized transaction and its block location.
func (c *Chain) Transaction(id string) (*types.Transaction, *TxLocation, error) {
	loc, err := c.store.txLocation(id)
	if err != nil {
		return nil, nil, err
	}
	b, err := c.store.blockByHeight(loc.Height)
	if err != nil {
		return nil, nil, err
	}
	if int(loc.Index) >= len(b.Transactions) {
		return nil, nil, fmt.Errorf("tx index %d out of range in block %d", loc.Index, loc.Height)
	}
	return b.Transactions[loc.Index], loc, nil
}

// Account returns the committed account state.
func (c *Chain) Account(addr types.Address) (*types.AccountState, error) {
	acc, found := c.state.GetAccount(addr, true)
	if !found {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, addr)
	}
	return acc, nil
}

// verifyFinality checks the signature set against the given registry. Any
// invalid, duplicate or non-authority signature rejects the block, and
// the distinct valid signatures must reach the supermajority threshold.
func verifyFinality(b *types.Block, registry *types.AuthorityRegistry) error {
	threshold := registry.SignatureThreshold()
	if threshold == 0 {
		return fmt.Errorf("%w: registry has no active authorities", ErrSignatureThreshold)
	}
	seen := map[string]struct{}{}
	for _, sig := range b.Signatures {
		if _, dup := seen[sig.AuthorityID]; dup {
			return fmt.Errorf("%w: duplicate signature by %s", ErrSignatureInvalid, sig.AuthorityID)
		}
		auth := registry.Find(sig.AuthorityID)
		if auth == nil || auth.Status != types.AuthorityActive {
			return fmt.Errorf("%w: %s is not an active authority", ErrSignatureInvalid, sig.AuthorityID)
		}
		verifier, err := gtxcrypto.NewVerifierSecp256k1(auth.PubKey)
		if err != nil {
			return fmt.Errorf("creating verifier for %s: %w", sig.AuthorityID, err)
		}
		if err := verifier.VerifyBytes(sig.Signature, b.Hash); err != nil {
			return fmt.Errorf("%w: signature by %s does not verify", ErrSignatureInvalid, sig.AuthorityID)
		}
		seen[sig.AuthorityID] = struct{}{}
	}
	if len(seen) < threshold {
		return fmt.Errorf("%w: %d of %d", ErrSignatureThreshold, len(seen), threshold)
	}
	return nil
}

// energyStats sums the energy moved by the block's trade transactions and
// the renewable share in basis points.
func energyStats(txs []*types.Transaction) (totalWh uint64, renewableBP uint16, err error) {
	var renewableWh uint64
	for _, tx := range txs {
		if tx.Kind() != types.KindEnergyTrade {
			continue
		}
		var attr types.EnergyTradeAttributes
		if err := tx.UnmarshalAttributes(&attr); err != nil {
			return 0, 0, fmt.Errorf("decoding trade attributes of %s: %w", tx.ID(), err)
		}
		if totalWh, _, err = util.AddUint64(totalWh, attr.AmountWh); err != nil {
			return 0, 0, fmt.Errorf("summing block energy: %w", err)
		}
		if attr.Source.Renewable() {
			renewableWh += attr.AmountWh
		}
	}
	if totalWh > 0 {
		bp := uint256.NewInt(renewableWh)
		bp.Div(bp.Mul(bp, uint256.NewInt(10000)), uint256.NewInt(totalWh))
		renewableBP = uint16(bp.Uint64())
	}
	return totalWh, renewableBP, nil
}

func (c *Chain) initMetrics(mtr metric.Meter) (err error) {
	c.mBlockTxs, err = mtr.Int64Histogram(
		"block.txs",
		metric.WithDescription("Number of transactions in a finalized block."),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return fmt.Errorf("creating block.txs histogram: %w", err)
	}
	c.mEnergyWh, err = mtr.Int64Counter(
		"energy.settled",
		metric.WithDescription("Total energy settled on chain."),
		metric.WithUnit("Wh"),
	)
	if err != nil {
		return fmt.Errorf("creating energy.settled counter: %w", err)
	}
	return nil
}
