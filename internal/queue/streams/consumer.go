package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer reads envelopes from a stream through a consumer group.
type Consumer struct {
	client   *redis.Client
	registry *SchemaRegistry
	group    string
	name     string
}

// ReadOptions bounds a single read. A zero Block returns immediately.
type ReadOptions struct {
	Block time.Duration
	Count int64
}

// NewConsumer builds a consumer for group, identified as name.
func NewConsumer(client *redis.Client, registry *SchemaRegistry, group, name string) *Consumer {
	return &Consumer{client: client, registry: registry, group: group, name: name}
}

// EnsureGroup creates the consumer group, and the stream if needed. The group
// starts at start ("$" for new entries only, "0" for the full history).
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group, start string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if start == "" {
		start = "$"
	}
	if err := client.XGroupCreateMkStream(ctx, stream, group, start).Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Message is one decoded stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

// Read returns new entries for this consumer. Entries that fail to decode or
// validate are acknowledged and skipped.
func (c *Consumer) Read(ctx context.Context, stream string, opts ReadOptions) ([]Message, error) {
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return nil, fmt.Errorf("consumer group and name must be configured")
	}
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{stream, ">"},
		Block:    opts.Block,
		Count:    opts.Count,
	}
	if args.Block == 0 {
		args.Block = -1
	}
	res, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Message
	for _, st := range res {
		for _, msg := range st.Messages {
			decoded, err := c.decode(msg)
			if err != nil {
				_ = c.client.XAck(ctx, stream, c.group, msg.ID).Err()
				continue
			}
			out = append(out, decoded)
		}
	}
	return out, nil
}

// Ack acknowledges processed entries.
func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// Lag reports this consumer group's backlog on stream.
func (c *Consumer) Lag(ctx context.Context, stream string) (LagMetrics, error) {
	return GroupLag(ctx, c.client, stream, c.group)
}

func (c *Consumer) decode(msg redis.XMessage) (Message, error) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		return Message{}, fmt.Errorf("entry %s has no envelope", msg.ID)
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Message{}, err
		}
		data = b
	}
	env, err := UnmarshalEnvelope(data)
	if err != nil {
		return Message{}, err
	}
	if c.registry != nil {
		if err := c.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return Message{}, err
		}
	}
	return Message{ID: msg.ID, Envelope: env}, nil
}
