package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gridtokenx/gridtokenx/chain"
	"github.com/gridtokenx/gridtokenx/consensus"
	gtxcrypto "github.com/gridtokenx/gridtokenx/crypto"
	"github.com/gridtokenx/gridtokenx/keyvaluedb"
	"github.com/gridtokenx/gridtokenx/keyvaluedb/boltdb"
	"github.com/gridtokenx/gridtokenx/keyvaluedb/memorydb"
	"github.com/gridtokenx/gridtokenx/logger"
	"github.com/gridtokenx/gridtokenx/market"
	"github.com/gridtokenx/gridtokenx/network"
	"github.com/gridtokenx/gridtokenx/observability"
	"github.com/gridtokenx/gridtokenx/state"
	"github.com/gridtokenx/gridtokenx/txbuffer"
	"github.com/gridtokenx/gridtokenx/txsystem"
	"github.com/gridtokenx/gridtokenx/types"
)

func newRunCmd(conf *configuration) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the authority node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), conf)
		},
	}
	cmd.Flags().String("authority-id", "", "the node's authority identifier in the registry")
	cmd.Flags().String("key-file", "", "hex encoded secp256k1 private key file")
	cmd.Flags().String("db-file", "", "chain database file (empty runs in memory)")
	cmd.Flags().String("metrics-address", "", "prometheus endpoint listen address (empty disables)")
	return cmd
}

func runNode(ctx context.Context, conf *configuration) error {
	log, err := logger.New(conf.Log)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	obs := observability.Default(log)

	signer, err := loadKey(conf.Node.KeyFile)
	if err != nil {
		return fmt.Errorf("loading node key: %w", err)
	}
	db, err := openDB(conf.Node.DBFile)
	if err != nil {
		return fmt.Errorf("opening chain database: %w", err)
	}

	st := state.NewEmptyState()
	validator := &lazyValidator{}
	pool, err := txbuffer.New(conf.Node.BufferSize, validator, obs)
	if err != nil {
		return fmt.Errorf("creating tx buffer: %w", err)
	}
	nonces := &nonceSource{}
	trades, err := market.NewTradeLedger(signer, nonces, pool, obs)
	if err != nil {
		return fmt.Errorf("creating trade ledger: %w", err)
	}
	txs, err := txsystem.NewTxSystem(st, obs, txsystem.WithTradeSource(trades))
	if err != nil {
		return fmt.Errorf("creating tx system: %w", err)
	}
	validator.set(txs)

	c, err := chain.New(conf.Chain, db, st, txs, pool, trades, obs)
	if err != nil {
		return fmt.Errorf("opening chain: %w", err)
	}
	nonces.init(c, signerAddress(signer))

	orders, err := chain.NewOrderStore(db, log)
	if err != nil {
		return fmt.Errorf("creating order store: %w", err)
	}
	mgr, err := market.NewManager(trades, obs,
		market.WithOrderJournal(orders),
		market.WithSweepInterval(conf.Node.SweepInterval),
		market.WithQueueSize(int(conf.Node.QueueCapacity)),
	)
	if err != nil {
		return fmt.Errorf("creating market manager: %w", err)
	}
	trades.SetUnwinder(mgr)

	self := c.Registry().Find(conf.Consensus.AuthorityID)
	if self == nil {
		return fmt.Errorf("authority %q is not in the registry", conf.Consensus.AuthorityID)
	}
	hub := network.NewHub(log)
	net, err := hub.Join(peer.ID(self.NodeID), conf.Node.QueueCapacity)
	if err != nil {
		return fmt.Errorf("joining network: %w", err)
	}
	node, err := consensus.NewNode(conf.Consensus, signer, c, net, pool, obs)
	if err != nil {
		return fmt.Errorf("creating consensus node: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return node.Run(gctx) })
	if conf.Metrics.Address != "" {
		g.Go(func() error { return metricsServer(gctx, conf.Metrics.Address, obs, log) })
	}
	log.InfoContext(ctx, "node started",
		logger.NodeID(peer.ID(self.NodeID)), logger.Height(c.Height()))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadKey(path string) (gtxcrypto.Signer, error) {
	if path == "" {
		return nil, fmt.Errorf("key file is not configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	return gtxcrypto.NewInMemorySecp256K1SignerFromKey(raw)
}

func signerAddress(signer gtxcrypto.Signer) types.Address {
	verifier, err := signer.Verifier()
	if err != nil {
		return ""
	}
	pubKey, err := verifier.MarshalPublicKey()
	if err != nil {
		return ""
	}
	return types.NewAddress(pubKey)
}

func openDB(path string) (keyvaluedb.KeyValueDB, error) {
	if path == "" {
		return memorydb.New(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return boltdb.New(path)
}

// lazyValidator breaks the construction cycle between the tx buffer, the
// trade ledger and the tx system.
type lazyValidator struct {
	mutex sync.RWMutex
	v     txbuffer.TxValidator
}

func (l *lazyValidator) set(v txbuffer.TxValidator) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.v = v
}

func (l *lazyValidator) Validate(tx *types.Transaction) error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	if l.v == nil {
		return fmt.Errorf("validator is not ready")
	}
	return l.v.Validate(tx)
}

// nonceSource numbers the node's own settlement transactions, continuing
// after the committed account nonce.
type nonceSource struct {
	mutex sync.Mutex
	chain *chain.Chain
	addr  types.Address
	next  uint64
}

func (n *nonceSource) init(c *chain.Chain, addr types.Address) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.chain = c
	n.addr = addr
}

func (n *nonceSource) NextNonce() uint64 {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.next == 0 {
		n.next = n.committedNonce() + 1
	}
	nonce := n.next
	n.next++
	return nonce
}

func (n *nonceSource) committedNonce() uint64 {
	if n.chain == nil {
		return 0
	}
	acc, err := n.chain.Account(n.addr)
	if err != nil {
		return 0
	}
	return acc.Nonce
}

func metricsServer(ctx context.Context, addr string, obs *observability.Observe, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(obs.PrometheusGatherer(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.InfoContext(ctx, fmt.Sprintf("metrics endpoint listening on %s", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
