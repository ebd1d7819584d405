package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Mnabil10/fasket-sub001/internal/config"
)

// Consumer is a thin wrapper around segmentio/kafka-go Reader with manual commits.
type Consumer struct {
	r *kafka.Reader
}

func NewConsumer(c config.KafkaConfig) *Consumer {
	min := c.MinBytes
	if min <= 0 {
		min = 1 << 10 // 1KB
	}
	max := c.MaxBytes
	if max <= 0 {
		max = 10 << 20 // 10MB
	}
	ci := time.Duration(c.CommitInterval) * time.Millisecond
	if ci <= 0 {
		ci = time.Second
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		Topic:          c.Topic,
		MinBytes:       min,
		MaxBytes:       max,
		CommitInterval: ci,
		MaxWait:        250 * time.Millisecond,
	})

	return &Consumer{r: r}
}

type Message = kafka.Message

func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	return c.r.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, m Message) error {
	return c.r.CommitMessages(ctx, m)
}

func (c *Consumer) Close() error { return c.r.Close() }
