// Package cluster keeps a conversation streaming on at most one node. A
// node that registers a stream announces it; every other node cancels its
// own live stream for that conversation.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"chatstream/internal/domain"
)

// DefaultChannel carries supersede notices between nodes.
const DefaultChannel = "chatstream:supersede"

// RedisClient abstracts the Redis pub/sub operations the coordinator needs.
// This allows a real go-redis client or a mock to be used interchangeably.
type RedisClient interface {
	// Publish publishes a message to a channel.
	Publish(ctx context.Context, channel string, message string) error
	// Subscribe subscribes to a channel. The returned channel closes when
	// ctx ends or the client is closed.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)
	// Close shuts down the client.
	Close() error
}

// Superseder cancels a live stream that another node has taken over.
type Superseder interface {
	Supersede(convID, sessionID string) bool
}

// Notice announces that NodeID registered SessionID for ConversationID.
type Notice struct {
	NodeID         string `json:"node_id"`
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
}

// CoordinatorConfig holds configuration for the cluster coordinator.
type CoordinatorConfig struct {
	NodeID  string // default: random uuid
	Channel string // default: DefaultChannel
}

// Coordinator broadcasts stream registrations and applies remote ones.
type Coordinator struct {
	nodeID  string
	channel string
	client  RedisClient
	streams Superseder
	logger  *slog.Logger

	mu       sync.Mutex
	unsub    func()
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewCoordinator creates a coordinator with the given Redis client.
func NewCoordinator(client RedisClient, streams Superseder, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	return &Coordinator{
		nodeID:  cfg.NodeID,
		channel: cfg.Channel,
		client:  client,
		streams: streams,
		logger:  logger.With("node_id", cfg.NodeID),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// NodeID returns this node's identifier.
func (c *Coordinator) NodeID() string { return c.nodeID }

// Start subscribes to remote notices and announces every stream bus
// reports as initiated.
func (c *Coordinator) Start(ctx context.Context, bus domain.EventBus) error {
	ch, err := c.client.Subscribe(ctx, c.channel)
	if err != nil {
		return domain.NewSubSystemError("cluster", "Coordinator.Start", domain.ErrUpstream, err.Error())
	}

	c.mu.Lock()
	c.unsub = bus.Subscribe(domain.EventStreamStatus, c.onStatus)
	c.mu.Unlock()

	go c.listen(ctx, ch)
	c.logger.Info("cluster coordinator started", "channel", c.channel)
	return nil
}

func (c *Coordinator) onStatus(ctx context.Context, event domain.Event) {
	var p domain.StreamStatusPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil || p.Status != domain.StatusInitiated {
		return
	}
	if err := c.Announce(ctx, p.StreamRef); err != nil {
		c.logger.Warn("supersede announce failed", "conversation_id", p.ConversationID, "error", err)
	}
}

// Announce tells other nodes that ref is now the conversation's live stream.
func (c *Coordinator) Announce(ctx context.Context, ref domain.StreamRef) error {
	data, err := json.Marshal(Notice{NodeID: c.nodeID, ConversationID: ref.ConversationID, SessionID: ref.SessionID})
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	if err := c.client.Publish(ctx, c.channel, string(data)); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}

func (c *Coordinator) listen(ctx context.Context, ch <-chan string) {
	defer close(c.done)
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.apply(msg)
		}
	}
}

func (c *Coordinator) apply(msg string) {
	var n Notice
	if err := json.Unmarshal([]byte(msg), &n); err != nil {
		c.logger.Warn("failed to unmarshal supersede notice", "error", err)
		return
	}
	if n.NodeID == c.nodeID || n.ConversationID == "" {
		return
	}
	if c.streams.Supersede(n.ConversationID, n.SessionID) {
		c.logger.Info("stream superseded by remote node",
			"conversation_id", n.ConversationID,
			"remote_node", n.NodeID,
			"remote_session", n.SessionID,
		)
	}
}

// Stop unsubscribes from the bus, waits for the listener and closes the
// client.
func (c *Coordinator) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.mu.Lock()
		if c.unsub != nil {
			c.unsub()
		}
		started := c.unsub != nil
		c.mu.Unlock()

		close(c.stopCh)
		if started {
			<-c.done
		}
		err = c.client.Close()
	})
	return err
}
