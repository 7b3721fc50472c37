package consensus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	gtxcrypto "github.com/gridtokenx/gridtokenx/crypto"
	"github.com/gridtokenx/gridtokenx/logger"
	"github.com/gridtokenx/gridtokenx/network"
	"github.com/gridtokenx/gridtokenx/types"
)

type roundPhase uint8

const (
	phaseAwaitingProposal roundPhase = iota + 1
	phaseValidatingProposal
	phaseCollectingSignatures
)

type (
	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}

	// Ledger is the chain the node drives. Validation and application are
	// separate so a proposal can be judged before any signature exists;
	// Apply performs the full check including the signature threshold.
	Ledger interface {
		Height() uint64
		TipHash() []byte
		Registry() *types.AuthorityRegistry
		BuildProposal(ctx context.Context, proposerID string, emergency bool) (*types.Block, error)
		ValidateProposal(ctx context.Context, b *types.Block) error
		Apply(ctx context.Context, b *types.Block) error
	}

	// TxPool admits forwarded transactions and takes back the transactions
	// of a proposal whose round failed.
	TxPool interface {
		Add(ctx context.Context, tx *types.Transaction) error
		Restore(ctx context.Context, ids []string)
	}

	// Config is the consensus parameterization of one node.
	Config struct {
		// AuthorityID is the node's own identity in the registry.
		AuthorityID string `mapstructure:"authority-id"`
		// RoundTimeout bounds the wait for the designated proposer; a full
		// rotation without a block doubles it for the next cycle.
		RoundTimeout time.Duration `mapstructure:"round-timeout"`
		// BlockInterval paces the node's own proposals, it must be shorter
		// than the round timeout.
		BlockInterval time.Duration `mapstructure:"block-interval"`
		// HealthFloor is the minimum rolling success ratio an authority
		// needs to stay in rotation.
		HealthFloor float64 `mapstructure:"health-floor"`
		// HealthMinSamples observations are needed before the floor applies.
		HealthMinSamples uint64 `mapstructure:"health-min-samples"`
	}

	// Node runs the PoA round state machine: AwaitingProposal,
	// ValidatingProposal, CollectingSignatures, then the height is final
	// and the next round starts. All round state is owned by the Run
	// goroutine, external requests arrive as messages.
	Node struct {
		conf   Config
		signer gtxcrypto.Signer
		ledger Ledger
		net    network.Network
		pool   TxPool
		health *HealthTracker
		log    *slog.Logger
		tracer trace.Tracer

		emergencyRequests chan chan error

		height        uint64
		attempt       int
		timeout       time.Duration
		roundStart    time.Time
		phase         roundPhase
		proposeSelf   bool
		proposal      *types.Block
		collector     *SignatureCollector
		proposalTxIDs []string
		roundDone     bool
		// signedHash is the block this node signed at signedHeight. A node
		// signs at most one block per height, competing proposals cannot
		// both reach the threshold as long as less than a third of the
		// authorities break this rule.
		signedHeight uint64
		signedHash   []byte

		mFinalized metric.Int64Counter
		mRoundDur  metric.Float64Histogram
	}
)

func NewNode(conf Config, signer gtxcrypto.Signer, ledger Ledger, net network.Network, pool TxPool, obs Observability) (*Node, error) {
	if conf.AuthorityID == "" {
		return nil, errors.New("authority id is missing")
	}
	if conf.RoundTimeout <= 0 {
		return nil, errors.New("round timeout must be positive")
	}
	if conf.BlockInterval < 0 || conf.BlockInterval >= conf.RoundTimeout {
		return nil, errors.New("block interval must be shorter than the round timeout")
	}
	if signer == nil {
		return nil, errors.New("signer is nil")
	}
	if ledger == nil {
		return nil, errors.New("ledger is nil")
	}
	if net == nil {
		return nil, errors.New("network is nil")
	}
	if pool == nil {
		return nil, errors.New("tx pool is nil")
	}
	n := &Node{
		conf:              conf,
		signer:            signer,
		ledger:            ledger,
		net:               net,
		pool:              pool,
		health:            NewHealthTracker(conf.HealthFloor, conf.HealthMinSamples),
		log:               obs.Logger(),
		tracer:            obs.Tracer("consensus"),
		emergencyRequests: make(chan chan error, 1),
	}
	if err := n.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return n, nil
}

func (n *Node) initMetrics(obs Observability) error {
	m := obs.Meter("consensus")

	var err error
	n.mFinalized, err = m.Int64Counter(
		"blocks.finalized",
		metric.WithDescription("Number of blocks the node finalized."),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return fmt.Errorf("creating finalized counter: %w", err)
	}
	n.mRoundDur, err = m.Float64Histogram(
		"round.duration",
		metric.WithDescription("Time from round start to finality."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("creating round duration histogram: %w", err)
	}
	if _, err := m.Int64ObservableUpDownCounter(
		"height",
		metric.WithDescription("Finalized chain height."),
		metric.WithInt64Callback(func(_ context.Context, io metric.Int64Observer) error {
			io.Observe(int64(n.ledger.Height()))
			return nil
		}),
	); err != nil {
		return fmt.Errorf("creating height gauge: %w", err)
	}
	return nil
}

// Health exposes the liveness tracker, read by operator queries.
func (n *Node) Health() *HealthTracker {
	return n.health
}

// RequestEmergencyProposal asks the node to propose out of turn. Only an
// active Emergency-tier authority may do so; the proposal still goes
// through normal validation and the signature threshold.
func (n *Node) RequestEmergencyProposal(ctx context.Context) error {
	resp := make(chan error, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case n.emergencyRequests <- resp:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-resp:
		return err
	}
}

// Run drives rounds until the context is cancelled or a safety violation
// is detected. A ForkDetected error is fatal, the node must not continue.
func (n *Node) Run(ctx context.Context) error {
	roundTimer := newStoppedTimer()
	defer roundTimer.Stop()
	proposeTimer := newStoppedTimer()
	defer proposeTimer.Stop()

	if err := n.startRound(ctx); err != nil {
		return err
	}
	n.armTimers(roundTimer, proposeTimer)

	for {
		rearm := false
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-n.net.ReceivedChannel():
			if !ok {
				return errors.New("network received channel is closed")
			}
			if err := n.handleMessage(ctx, msg); err != nil {
				if errors.Is(err, ErrForkDetected) {
					n.log.ErrorContext(ctx, "safety violation, halting", logger.Error(err), logger.Height(n.height))
					return err
				}
				n.log.WarnContext(ctx, fmt.Sprintf("handling %T message", msg), logger.Error(err), logger.Height(n.height))
			}
		case resp := <-n.emergencyRequests:
			resp <- n.proposeEmergency(ctx)
		case <-proposeTimer.C:
			if n.proposeSelf && n.proposal == nil {
				if err := n.propose(ctx, false); err != nil {
					n.log.ErrorContext(ctx, "building own proposal", logger.Error(err), logger.Height(n.height))
				}
			}
		case <-roundTimer.C:
			n.onTimeout(ctx)
			rearm = true
		}
		for n.roundDone {
			n.roundDone = false
			if err := n.startRound(ctx); err != nil {
				return err
			}
			rearm = true
		}
		if rearm {
			n.armTimers(roundTimer, proposeTimer)
		}
	}
}

// armTimers restarts the round deadline and, when this node is the
// designated proposer, schedules the proposal. Fallback attempts propose
// without the pacing delay.
func (n *Node) armTimers(roundTimer, proposeTimer *time.Timer) {
	resetTimer(roundTimer, n.timeout)
	if !n.proposeSelf {
		stopTimer(proposeTimer)
		return
	}
	delay := n.conf.BlockInterval
	if n.attempt > 0 {
		delay = 0
	}
	resetTimer(proposeTimer, delay)
}

func (n *Node) handleMessage(ctx context.Context, msg any) error {
	ctx, span := n.tracer.Start(ctx, fmt.Sprintf("node.handle.%T", msg))
	defer span.End()
	switch msg := msg.(type) {
	case *network.BlockProposal:
		return n.onProposal(ctx, msg.Block)
	case *network.BlockSignature:
		return n.onSignature(ctx, msg)
	case *network.FinalizedBlock:
		return n.onFinalized(ctx, msg.Block)
	case *network.TxForward:
		return n.pool.Add(ctx, msg.Tx)
	default:
		return fmt.Errorf("unknown message type %T", msg)
	}
}

// startRound opens the round for the next height.
func (n *Node) startRound(ctx context.Context) error {
	n.height = n.ledger.Height() + 1
	n.attempt = 0
	n.timeout = n.conf.RoundTimeout
	n.roundStart = time.Now()
	return n.startAttempt(ctx)
}

func (n *Node) startAttempt(_ context.Context) error {
	n.phase = phaseAwaitingProposal
	n.proposal = nil
	n.collector = nil
	n.proposalTxIDs = nil

	proposer, err := ProposerFor(n.height, n.attempt, n.ledger.Registry(), n.health)
	if err != nil {
		return fmt.Errorf("selecting proposer for height %d: %w", n.height, err)
	}
	n.proposeSelf = proposer.ID == n.conf.AuthorityID
	return nil
}

func (n *Node) propose(ctx context.Context, emergency bool) error {
	ctx, span := n.tracer.Start(ctx, "node.propose")
	defer span.End()

	block, err := n.ledger.BuildProposal(ctx, n.conf.AuthorityID, emergency)
	if err != nil {
		return fmt.Errorf("building proposal: %w", err)
	}
	txIDs := make([]string, len(block.Transactions))
	for i, tx := range block.Transactions {
		txIDs[i] = tx.Payload.ID
	}
	if n.signedHeight == block.GetHeight() && !bytes.Equal(n.signedHash, block.Hash) {
		n.pool.Restore(ctx, txIDs)
		return fmt.Errorf("already signed a block at height %d, not proposing", block.GetHeight())
	}

	sig, err := n.signer.SignBytes(block.Hash)
	if err != nil {
		n.pool.Restore(ctx, txIDs)
		return fmt.Errorf("signing own proposal: %w", err)
	}
	collector := NewSignatureCollector(block, n.ledger.Registry())
	if err := collector.Add(&network.BlockSignature{
		AuthorityID: n.conf.AuthorityID,
		Height:      block.GetHeight(),
		BlockHash:   block.Hash,
		Signature:   sig,
	}); err != nil {
		n.pool.Restore(ctx, txIDs)
		return fmt.Errorf("recording own signature: %w", err)
	}

	n.proposal = block
	n.proposalTxIDs = txIDs
	n.collector = collector
	n.signedHeight, n.signedHash = block.GetHeight(), block.Hash
	n.phase = phaseCollectingSignatures

	if err := n.net.Broadcast(ctx, &network.BlockProposal{Block: block}); err != nil {
		n.log.WarnContext(ctx, "broadcasting proposal", logger.Error(err), logger.Height(n.height))
	}
	n.log.InfoContext(ctx, fmt.Sprintf("proposed block with %d transaction(s)", len(block.Transactions)), logger.Height(n.height))

	// a single-authority network reaches the threshold right away
	return n.maybeFinalize(ctx)
}

func (n *Node) proposeEmergency(ctx context.Context) error {
	self := n.ledger.Registry().Find(n.conf.AuthorityID)
	if self == nil || self.Status != types.AuthorityActive {
		return fmt.Errorf("%w: %s", ErrNotAuthority, n.conf.AuthorityID)
	}
	if self.Tier != types.TierEmergency {
		return fmt.Errorf("%w: emergency proposals need the emergency tier, node is %s", ErrNotAuthority, self.Tier)
	}
	return n.propose(ctx, true)
}

func (n *Node) onProposal(ctx context.Context, block *types.Block) error {
	if block.GetHeight() != n.height {
		n.log.DebugContext(ctx, fmt.Sprintf("ignoring proposal for height %d", block.GetHeight()), logger.Height(n.height))
		return nil
	}
	registry := n.ledger.Registry()
	proposerID := block.GetProposerID()
	if block.Header.Emergency {
		proposer := registry.Find(proposerID)
		if proposer == nil || proposer.Status != types.AuthorityActive || proposer.Tier != types.TierEmergency {
			return fmt.Errorf("%w: emergency proposal from %s", ErrUnexpectedProposer, proposerID)
		}
	} else {
		// any candidate of the round is acceptable, nodes advance through
		// the fallback order on their local timers and are never exactly in
		// step. The one-signature-per-height rule below keeps competing
		// candidates from both reaching the threshold.
		candidates, err := RoundCandidates(n.height, registry, n.health)
		if err != nil {
			return err
		}
		if !isCandidate(candidates, proposerID) {
			return fmt.Errorf("%w: %s is not in the rotation for height %d", ErrUnexpectedProposer, proposerID, n.height)
		}
	}
	if n.signedHeight == n.height && !bytes.Equal(n.signedHash, block.Hash) {
		return fmt.Errorf("already signed a different block at height %d, not signing %x", n.height, block.Hash)
	}

	n.phase = phaseValidatingProposal
	if err := n.ledger.ValidateProposal(ctx, block); err != nil {
		n.phase = phaseAwaitingProposal
		return fmt.Errorf("validating proposal from %s: %w", proposerID, err)
	}
	n.health.ReportProposed(proposerID, time.Since(n.roundStart))

	sig, err := n.signer.SignBytes(block.Hash)
	if err != nil {
		return fmt.Errorf("signing block hash: %w", err)
	}
	n.signedHeight, n.signedHash = n.height, block.Hash
	proposer := registry.Find(proposerID)
	if err := n.net.Send(ctx, &network.BlockSignature{
		AuthorityID: n.conf.AuthorityID,
		Height:      block.GetHeight(),
		BlockHash:   block.Hash,
		Signature:   sig,
	}, peer.ID(proposer.NodeID)); err != nil {
		return fmt.Errorf("sending signature to proposer: %w", err)
	}
	// signed, now wait for the finalized block within the same deadline
	n.phase = phaseCollectingSignatures
	return nil
}

func (n *Node) onSignature(ctx context.Context, msg *network.BlockSignature) error {
	if n.collector == nil {
		n.log.DebugContext(ctx, fmt.Sprintf("ignoring signature from %s, not collecting", msg.AuthorityID), logger.Height(n.height))
		return nil
	}
	if err := n.collector.Add(msg); err != nil {
		return err
	}
	n.health.ReportAlive(msg.AuthorityID)
	return n.maybeFinalize(ctx)
}

func (n *Node) maybeFinalize(ctx context.Context) error {
	if n.collector == nil || !n.collector.Done() {
		return nil
	}
	n.proposal.Signatures = n.collector.Signatures()
	if err := n.ledger.Apply(ctx, n.proposal); err != nil {
		n.pool.Restore(ctx, n.proposalTxIDs)
		n.proposal, n.collector, n.proposalTxIDs = nil, nil, nil
		return fmt.Errorf("applying own finalized block: %w", err)
	}
	if err := n.net.Broadcast(ctx, &network.FinalizedBlock{Block: n.proposal}); err != nil {
		n.log.WarnContext(ctx, "broadcasting finalized block", logger.Error(err), logger.Height(n.height))
	}
	n.finalizeRound(ctx)
	return nil
}

func (n *Node) onFinalized(ctx context.Context, block *types.Block) error {
	height := block.GetHeight()
	if height == n.ledger.Height() {
		if !bytes.Equal(block.Hash, n.ledger.TipHash()) {
			return fmt.Errorf("%w: two finalized blocks at height %d", ErrForkDetected, height)
		}
		return nil
	}
	if height != n.height {
		n.log.DebugContext(ctx, fmt.Sprintf("ignoring finalized block for height %d", height), logger.Height(n.height))
		return nil
	}
	if err := n.ledger.Apply(ctx, block); err != nil {
		return fmt.Errorf("applying finalized block: %w", err)
	}
	n.health.ReportProposed(block.GetProposerID(), time.Since(n.roundStart))
	n.finalizeRound(ctx)
	return nil
}

func (n *Node) finalizeRound(ctx context.Context) {
	n.mFinalized.Add(ctx, 1)
	n.mRoundDur.Record(ctx, time.Since(n.roundStart).Seconds())
	n.log.InfoContext(ctx, "block finalized", logger.Height(n.height))
	n.roundDone = true
}

// onTimeout advances to the next healthy proposer. When the whole rotation
// has been tried without a finalized block the timeout doubles and the
// cycle restarts, the chain halts rather than forking.
func (n *Node) onTimeout(ctx context.Context) {
	registry := n.ledger.Registry()
	missed, err := ProposerFor(n.height, n.attempt, registry, n.health)
	if err != nil {
		n.log.ErrorContext(ctx, "selecting proposer", logger.Error(err), logger.Height(n.height))
		return
	}
	n.health.ReportMissed(missed.ID)
	if n.proposal != nil {
		n.pool.Restore(ctx, n.proposalTxIDs)
	}
	n.log.WarnContext(ctx, fmt.Sprintf("round timeout, proposer %s missed its window", missed.ID), logger.Height(n.height))

	candidates, err := RoundCandidates(n.height, registry, n.health)
	if err != nil {
		n.log.ErrorContext(ctx, "selecting round candidates", logger.Error(err), logger.Height(n.height))
		return
	}
	n.attempt++
	if n.attempt >= len(candidates) {
		n.attempt = 0
		n.timeout *= 2
		n.log.WarnContext(ctx, fmt.Sprintf("full rotation exhausted, round timeout is now %s", n.timeout), logger.Height(n.height))
	}
	if err := n.startAttempt(ctx); err != nil {
		n.log.ErrorContext(ctx, "starting round attempt", logger.Error(err), logger.Height(n.height))
	}
}

func isCandidate(candidates []*types.Authority, authorityID string) bool {
	for _, c := range candidates {
		if c.ID == authorityID {
			return true
		}
	}
	return false
}

func newStoppedTimer() *time.Timer {
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	return timer
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	stopTimer(timer)
	timer.Reset(d)
}
