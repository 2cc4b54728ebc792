package kafka

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one topic, in practice the webhook topic that the api
// publishes to in kafka dispatch mode.
type Consumer struct {
	r     messageReader
	topic string
	group string

	consumed  atomic.Int64
	committed atomic.Int64
	lastOff   atomic.Int64
}

type ConsumerStats struct {
	Topic      string `json:"topic"`
	Group      string `json:"group"`
	Consumed   int64  `json:"consumed"`
	Committed  int64  `json:"committed"`
	LastOffset int64  `json:"lastOffset"`
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	c := newConsumerWithReader(kafka.NewReader(cfg))
	c.topic = topic
	c.group = groupID
	return c
}

func newConsumerWithReader(r messageReader) *Consumer {
	c := &Consumer{r: r}
	c.lastOff.Store(-1)
	return c
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Topic:      c.topic,
		Group:      c.group,
		Consumed:   c.consumed.Load(),
		Committed:  c.committed.Load(),
		LastOffset: c.lastOff.Load(),
	}
}

// Consume hands messages to handler one by one. A message is committed only
// after handler returns nil; a handler error stops consumption. Cancelling ctx
// returns ctx.Err() as is.
func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(err, "fetch message from %s", c.topic)
		}
		c.consumed.Add(1)

		if err := handler(msg.Key, msg.Value); err != nil {
			slog.Error("kafka handler failed, message left uncommitted",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "key", string(msg.Key), "error", err.Error())
			return err
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(err, "commit message at offset %d", msg.Offset)
		}
		c.committed.Add(1)
		c.lastOff.Store(msg.Offset)
	}
}
