package consensus

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/gridtokenx/gridtokenx/chain"
	gtxcrypto "github.com/gridtokenx/gridtokenx/crypto"
	"github.com/gridtokenx/gridtokenx/logger"
	"github.com/gridtokenx/gridtokenx/network"
	"github.com/gridtokenx/gridtokenx/observability"
	"github.com/gridtokenx/gridtokenx/txbuffer"
	"github.com/gridtokenx/gridtokenx/types"
)

var (
	_ TxPool = (*txbuffer.TxBuffer)(nil)
	_ Ledger = (*chain.Chain)(nil)
)

// stubLedger is an in-memory chain of empty blocks, enough to drive the
// round state machine.
type stubLedger struct {
	mutex       sync.Mutex
	registry    *types.AuthorityRegistry
	blocks      []*types.Block
	validateErr error
}

func newStubLedger(registry *types.AuthorityRegistry) *stubLedger {
	return &stubLedger{registry: registry}
}

func (l *stubLedger) Height() uint64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return uint64(len(l.blocks))
}

func (l *stubLedger) TipHash() []byte {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.tipHash()
}

func (l *stubLedger) tipHash() []byte {
	if len(l.blocks) == 0 {
		return make([]byte, sha256.Size)
	}
	return l.blocks[len(l.blocks)-1].Hash
}

func (l *stubLedger) Registry() *types.AuthorityRegistry {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.registry
}

func (l *stubLedger) BuildProposal(_ context.Context, proposerID string, emergency bool) (*types.Block, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	header := &types.Header{
		Version:           1,
		Height:            uint64(len(l.blocks)) + 1,
		PreviousBlockHash: l.tipHash(),
		ProposerID:        proposerID,
		Timestamp:         time.Now().Unix(),
		MerkleRoot:        make([]byte, sha256.Size),
		Emergency:         emergency,
	}
	return &types.Block{
		Header:       header,
		Transactions: []*types.Transaction{},
		Hash:         header.Hash(crypto.SHA256),
	}, nil
}

func (l *stubLedger) ValidateProposal(_ context.Context, b *types.Block) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.validateErr != nil {
		return l.validateErr
	}
	return l.check(b)
}

func (l *stubLedger) Apply(_ context.Context, b *types.Block) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if err := l.check(b); err != nil {
		return err
	}
	threshold := l.registry.SignatureThreshold()
	if len(b.Signatures) < threshold {
		return fmt.Errorf("%w: %d of %d", ErrInsufficientSignatures, len(b.Signatures), threshold)
	}
	for _, sig := range b.Signatures {
		authority := l.registry.Find(sig.AuthorityID)
		if authority == nil || authority.Status != types.AuthorityActive {
			return fmt.Errorf("%w: %s", ErrNotAuthority, sig.AuthorityID)
		}
		verifier, err := gtxcrypto.NewVerifierSecp256k1(authority.PubKey)
		if err != nil {
			return err
		}
		if err := verifier.VerifyBytes(sig.Signature, b.Hash); err != nil {
			return fmt.Errorf("signature of %s: %w", sig.AuthorityID, err)
		}
	}
	l.blocks = append(l.blocks, b)
	return nil
}

func (l *stubLedger) check(b *types.Block) error {
	if err := b.IsValid(crypto.SHA256); err != nil {
		return err
	}
	if b.GetHeight() != uint64(len(l.blocks))+1 {
		return fmt.Errorf("expected height %d, got %d", len(l.blocks)+1, b.GetHeight())
	}
	if !bytes.Equal(b.Header.PreviousBlockHash, l.tipHash()) {
		return fmt.Errorf("parent hash mismatch")
	}
	return nil
}

type nodePool struct {
	mutex    sync.Mutex
	added    []*types.Transaction
	restored []string
}

func (p *nodePool) Add(_ context.Context, tx *types.Transaction) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.added = append(p.added, tx)
	return nil
}

func (p *nodePool) Restore(_ context.Context, ids []string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.restored = append(p.restored, ids...)
}

type testNode struct {
	node   *Node
	ledger *stubLedger
	pool   *nodePool
}

func testConfig(authorityID string) Config {
	return Config{
		AuthorityID:   authorityID,
		RoundTimeout:  200 * time.Millisecond,
		BlockInterval: 5 * time.Millisecond,
		HealthFloor:   0.5,
	}
}

// startNode wires one consensus node to the hub and runs it.
func startNode(t *testing.T, hub *network.Hub, registry *types.AuthorityRegistry, authorityID string, signer gtxcrypto.Signer) *testNode {
	t.Helper()
	authority := registry.Find(authorityID)
	require.NotNil(t, authority)
	endpoint, err := hub.Join(peer.ID(authority.NodeID), 100)
	require.NoError(t, err)

	ledger := newStubLedger(registry)
	pool := &nodePool{}
	node, err := NewNode(testConfig(authorityID), signer, ledger, endpoint, pool, observability.NOP())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("node did not stop")
		}
	})
	return &testNode{node: node, ledger: ledger, pool: pool}
}

func TestNewNode_invalidConfig(t *testing.T) {
	registry, signers := signingRegistry(t, 1)
	ledger := newStubLedger(registry)
	hub := network.NewHub(logger.NOP())
	endpoint, err := hub.Join(peer.ID("node-0"), 10)
	require.NoError(t, err)

	conf := testConfig("auth-0")
	conf.AuthorityID = ""
	_, err = NewNode(conf, signers["auth-0"], ledger, endpoint, &nodePool{}, observability.NOP())
	require.ErrorContains(t, err, "authority id is missing")

	conf = testConfig("auth-0")
	conf.BlockInterval = conf.RoundTimeout
	_, err = NewNode(conf, signers["auth-0"], ledger, endpoint, &nodePool{}, observability.NOP())
	require.ErrorContains(t, err, "block interval")

	conf = testConfig("auth-0")
	_, err = NewNode(conf, nil, ledger, endpoint, &nodePool{}, observability.NOP())
	require.ErrorContains(t, err, "signer is nil")
}

func TestNode_singleAuthorityFinalizesBlocks(t *testing.T) {
	registry, signers := signingRegistry(t, 1)
	hub := network.NewHub(logger.NOP())
	n := startNode(t, hub, registry, "auth-0", signers["auth-0"])

	require.Eventually(t, func() bool {
		return n.ledger.Height() >= 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNode_networkOfThreeStaysInSync(t *testing.T) {
	registry, signers := signingRegistry(t, 3)
	hub := network.NewHub(logger.NOP())
	nodes := []*testNode{
		startNode(t, hub, registry, "auth-0", signers["auth-0"]),
		startNode(t, hub, registry, "auth-1", signers["auth-1"]),
		startNode(t, hub, registry, "auth-2", signers["auth-2"]),
	}

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.ledger.Height() < 3 {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)

	// every ledger finalized the same blocks
	height := nodes[0].ledger.Height()
	for _, n := range nodes[1:] {
		other := n.ledger.Height()
		if other < height {
			height = other
		}
	}
	for h := uint64(0); h < height; h++ {
		want := nodes[0].ledger.blocks[h].Hash
		for _, n := range nodes[1:] {
			require.Equal(t, want, n.ledger.blocks[h].Hash, "height %d", h+1)
		}
	}
}

func TestNode_fallbackWhenProposerIsDown(t *testing.T) {
	// three authorities, only two nodes running. Threshold is 2 so the live
	// pair keeps finalizing; rounds where the dead authority is the
	// designated proposer go through the timeout fallback.
	registry, signers := signingRegistry(t, 3)
	hub := network.NewHub(logger.NOP())
	a := startNode(t, hub, registry, "auth-0", signers["auth-0"])
	b := startNode(t, hub, registry, "auth-1", signers["auth-1"])

	require.Eventually(t, func() bool {
		return a.ledger.Height() >= 4 && b.ledger.Height() >= 4
	}, 15*time.Second, 20*time.Millisecond)

	// the dead proposer's misses were recorded by the live nodes
	require.Eventually(t, func() bool {
		return a.node.Health().Performance("auth-2").BlocksMissed >= 1 ||
			b.node.Health().Performance("auth-2").BlocksMissed >= 1
	}, 15*time.Second, 20*time.Millisecond)
}

func TestNode_forkDetectionIsFatal(t *testing.T) {
	// the node is not part of the rotation, it only observes
	registry, signers := signingRegistry(t, 2)
	observerSigner, err := gtxcrypto.NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	verifier, err := observerSigner.Verifier()
	require.NoError(t, err)
	pubKey, err := verifier.MarshalPublicKey()
	require.NoError(t, err)
	registry.Authorities = append(registry.Authorities, &types.Authority{
		ID:     "auth-observer",
		NodeID: "node-observer",
		Tier:   types.TierTechnical,
		PubKey: pubKey,
		Status: types.AuthorityRevoked,
	})
	_ = signers

	hub := network.NewHub(logger.NOP())
	endpoint, err := hub.Join(peer.ID("node-observer"), 100)
	require.NoError(t, err)
	ledger := newStubLedger(registry)
	conf := testConfig("auth-observer")
	node, err := NewNode(conf, observerSigner, ledger, endpoint, &nodePool{}, observability.NOP())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()

	// a finalized block at the already-final height with a different hash
	sender, err := hub.Join(peer.ID("node-sender"), 10)
	require.NoError(t, err)
	fork := &types.Block{
		Header: &types.Header{Version: 1, Height: 0},
		Hash:   []byte("not-the-tip-hash"),
	}
	require.NoError(t, sender.Send(ctx, &network.FinalizedBlock{Block: fork}, peer.ID("node-observer")))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrForkDetected)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not halt on fork")
	}
}

func TestNode_emergencyProposal(t *testing.T) {
	registry, signers := signingRegistry(t, 1)
	registry.Authorities[0].Tier = types.TierEmergency
	hub := network.NewHub(logger.NOP())
	n := startNode(t, hub, registry, "auth-0", signers["auth-0"])

	require.NoError(t, n.node.RequestEmergencyProposal(context.Background()))
	require.Eventually(t, func() bool {
		n.ledger.mutex.Lock()
		defer n.ledger.mutex.Unlock()
		for _, b := range n.ledger.blocks {
			if b.Header.Emergency {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNode_emergencyProposalNeedsEmergencyTier(t *testing.T) {
	registry, signers := signingRegistry(t, 1)
	hub := network.NewHub(logger.NOP())
	n := startNode(t, hub, registry, "auth-0", signers["auth-0"])

	err := n.node.RequestEmergencyProposal(context.Background())
	require.ErrorIs(t, err, ErrNotAuthority)
}

func TestNode_forwardedTxGoesToPool(t *testing.T) {
	registry, signers := signingRegistry(t, 2)
	hub := network.NewHub(logger.NOP())
	n := startNode(t, hub, registry, "auth-0", signers["auth-0"])

	sender, err := hub.Join(peer.ID("node-sender"), 10)
	require.NoError(t, err)
	tx := &types.Transaction{Payload: &types.Payload{ID: "tx-1"}}
	require.NoError(t, sender.Send(context.Background(), &network.TxForward{Tx: tx}, peer.ID("node-0")))

	require.Eventually(t, func() bool {
		n.pool.mutex.Lock()
		defer n.pool.mutex.Unlock()
		return len(n.pool.added) == 1
	}, 5*time.Second, 10*time.Millisecond)
}
