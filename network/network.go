package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/gridtokenx/gridtokenx/logger"
)

const dedupCacheSize = 4096

var ErrUnknownReceiver = errors.New("unknown receiver")

type (
	// Network is the messaging contract the consensus node depends on.
	// Delivery is at-least-once, receivers deduplicate by MessageID.
	Network interface {
		// Send delivers the message to the given peers.
		Send(ctx context.Context, msg any, receivers ...peer.ID) error
		// Broadcast delivers the message to every other peer.
		Broadcast(ctx context.Context, msg any) error
		ReceivedChannel() <-chan any
	}

	// Hub connects in-process nodes, the transport used by a single-process
	// deployment and by tests. A wire transport implements the same Network
	// contract.
	Hub struct {
		mutex sync.RWMutex
		nodes map[peer.ID]*Node
		log   *slog.Logger
	}

	// Node is one Hub endpoint, owned by the peer it was created for.
	Node struct {
		hub      *Hub
		id       peer.ID
		received chan any
		dedup    *lru.Cache
		log      *slog.Logger
	}
)

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		nodes: map[peer.ID]*Node{},
		log:   log,
	}
}

// Join registers a peer and returns its network endpoint. Up to capacity
// messages are buffered per peer, a slow consumer loses messages.
func (h *Hub) Join(id peer.ID, capacity uint) (*Node, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, found := h.nodes[id]; found {
		return nil, fmt.Errorf("peer %s already joined", id)
	}
	dedup, err := lru.New(dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating dedup cache: %w", err)
	}
	n := &Node{
		hub:      h,
		id:       id,
		received: make(chan any, capacity),
		dedup:    dedup,
		log:      h.log.With(logger.NodeID(id)),
	}
	h.nodes[id] = n
	return n, nil
}

func (h *Hub) node(id peer.ID) (*Node, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	n, found := h.nodes[id]
	return n, found
}

func (h *Hub) peers(exclude peer.ID) []*Node {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	nodes := make([]*Node, 0, len(h.nodes))
	for id, n := range h.nodes {
		if id != exclude {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func (n *Node) ID() peer.ID {
	return n.id
}

func (n *Node) Send(ctx context.Context, msg any, receivers ...peer.ID) error {
	msgID, err := MessageID(msg)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	for _, id := range receivers {
		receiver, found := n.hub.node(id)
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownReceiver, id)
		}
		receiver.deliver(ctx, msgID, msg)
	}
	return nil
}

func (n *Node) Broadcast(ctx context.Context, msg any) error {
	msgID, err := MessageID(msg)
	if err != nil {
		return fmt.Errorf("broadcasting message: %w", err)
	}
	for _, receiver := range n.hub.peers(n.id) {
		receiver.deliver(ctx, msgID, msg)
	}
	return nil
}

func (n *Node) ReceivedChannel() <-chan any {
	return n.received
}

func (n *Node) deliver(ctx context.Context, msgID string, msg any) {
	if seen, _ := n.dedup.ContainsOrAdd(msgID, struct{}{}); seen {
		return
	}
	select {
	case n.received <- msg:
	default:
		n.log.WarnContext(ctx, fmt.Sprintf("dropping %T message, slow consumer", msg))
	}
}
