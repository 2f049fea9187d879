// Package redis provides cross-node nick ownership and message relay for
// running several daemons as one network.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNickTaken is returned by ClaimNick when another node owns the nick.
var ErrNickTaken = errors.New("nick owned by another node")

// Client wraps the Redis client with nick-presence operations.
type Client struct {
	rdb    *redis.Client
	nodeID string // Unique identifier for this server instance
	prefix string // Key prefix for namespacing
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string // host:port
	Password string
	DB       int
	NodeID   string // Unique ID for this instance (hostname, UUID, etc.)
	Prefix   string // Key prefix (default: "mvirc:")
}

// New creates a new Redis client.
func New(cfg Config) (*Client, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "mvirc:"
	}
	if cfg.NodeID == "" {
		return nil, errors.New("redis: node id is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:    rdb,
		nodeID: cfg.NodeID,
		prefix: cfg.Prefix,
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// NodeID returns this instance's node ID.
func (c *Client) NodeID() string {
	return c.nodeID
}

// key prefixes a key with the namespace.
func (c *Client) key(k string) string {
	return c.prefix + k
}

func (c *Client) nickKey(folded string) string {
	return c.key("nick:" + folded)
}

// ============================================================================
// Nick ownership
// ============================================================================

// ClaimNick takes ownership of a case-folded nick for this node. Claiming a
// nick this node already owns refreshes its TTL.
func (c *Client) ClaimNick(ctx context.Context, folded string, ttl time.Duration) error {
	key := c.nickKey(folded)
	ok, err := c.rdb.SetNX(ctx, key, c.nodeID, ttl).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	owner, err := c.NickOwner(ctx, folded)
	if err != nil {
		return err
	}
	if owner != c.nodeID {
		return ErrNickTaken
	}
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// releaseScript deletes the key only while this node still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseNick drops this node's claim on a nick. Claims held by other nodes
// are left alone.
func (c *Client) ReleaseNick(ctx context.Context, folded string) error {
	return releaseScript.Run(ctx, c.rdb, []string{c.nickKey(folded)}, c.nodeID).Err()
}

// NickOwner returns which node owns a nick (empty if nobody does).
func (c *Client) NickOwner(ctx context.Context, folded string) (string, error) {
	node, err := c.rdb.Get(ctx, c.nickKey(folded)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return node, err
}

// RefreshNicks extends the TTL of every nick claimed by this node.
func (c *Client) RefreshNicks(ctx context.Context, folded []string, ttl time.Duration) error {
	if len(folded) == 0 {
		return nil
	}
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, nick := range folded {
			pipe.Expire(ctx, c.nickKey(nick), ttl)
		}
		return nil
	})
	return err
}

// ============================================================================
// Pub/Sub
// ============================================================================

// Message types carried between nodes.
const (
	TypeRelay = "relay"
)

// Message represents a pub/sub message.
type Message struct {
	Type     string          `json:"type"`    // "relay"
	FromNode string          `json:"from"`    // Originating node ID
	Payload  json.RawMessage `json:"payload"` // The actual message
}

// Relay is a PRIVMSG or NOTICE forwarded to the node that owns the target.
type Relay struct {
	Target string `json:"target"` // case-folded nick
	Line   string `json:"line"`   // wire line without terminator
}

// PubSub handles pub/sub operations.
type PubSub struct {
	client  *Client
	pubsub  *redis.PubSub
	handler func(msg *Message)
}

// NewPubSub creates a new pub/sub handler.
func (c *Client) NewPubSub(handler func(msg *Message)) *PubSub {
	return &PubSub{
		client:  c,
		handler: handler,
	}
}

// SubscribeToNode subscribes to this node's direct channel.
func (ps *PubSub) SubscribeToNode(ctx context.Context) error {
	channel := ps.client.key("node:" + ps.client.nodeID)
	ps.pubsub = ps.client.rdb.Subscribe(ctx, channel)
	_, err := ps.pubsub.Receive(ctx)
	return err
}

// Listen starts listening for messages (blocking).
func (ps *PubSub) Listen(ctx context.Context) {
	if ps.pubsub == nil {
		return
	}

	ch := ps.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case redisMsg, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
				continue
			}
			// Skip messages from self
			if msg.FromNode == ps.client.nodeID {
				continue
			}
			if ps.handler != nil {
				ps.handler(&msg)
			}
		}
	}
}

// Close closes the pub/sub connection.
func (ps *PubSub) Close() error {
	if ps.pubsub != nil {
		return ps.pubsub.Close()
	}
	return nil
}

// PublishToNode publishes a message directly to a specific node.
func (c *Client) PublishToNode(ctx context.Context, nodeID string, msgType string, payload any) error {
	msgData, err := c.encode(msgType, payload)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, c.key("node:"+nodeID), msgData).Err()
}

// RelayTo forwards a line to the node owning target.
func (c *Client) RelayTo(ctx context.Context, nodeID string, relay Relay) error {
	return c.PublishToNode(ctx, nodeID, TypeRelay, relay)
}

func (c *Client) encode(msgType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	msg := Message{
		Type:     msgType,
		FromNode: c.nodeID,
		Payload:  data,
	}
	return json.Marshal(msg)
}

// DecodeRelay extracts the Relay carried by msg.
func DecodeRelay(msg *Message) (Relay, error) {
	var relay Relay
	if msg.Type != TypeRelay {
		return relay, fmt.Errorf("redis: unexpected message type %q", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, &relay); err != nil {
		return relay, fmt.Errorf("redis: decode relay: %w", err)
	}
	return relay, nil
}
