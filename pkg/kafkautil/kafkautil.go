// Package kafkautil wraps kafka-go readers and writers with JSON payloads.
package kafkautil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers []string `yaml:"brokers" json:"brokers" validate:"required,min=1,dive,hostname_port"`
	GroupID string   `yaml:"groupId" json:"groupId"`
	Topic   string   `yaml:"topic" json:"topic" validate:"required"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ErrEncode marks a value that could not be serialized. Retrying the
// publish will not help.
var ErrEncode = errors.New("encode message")

// DecodeError reports a message whose payload could not be decoded. The
// message is committed before the error is returned so it is not redelivered.
type DecodeError struct {
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type Consumer[T any] struct {
	reader messageReader
}

func NewConsumer[T any](cfg Config) *Consumer[T] {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	return &Consumer[T]{reader: r}
}

// Read fetches, decodes and commits the next message.
func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	var zero T

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, err
	}

	var payload T
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		if cerr := c.reader.CommitMessages(ctx, msg); cerr != nil {
			return zero, errors.Join(&DecodeError{Offset: msg.Offset, Err: err}, cerr)
		}
		return zero, &DecodeError{Offset: msg.Offset, Err: err}
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return zero, err
	}

	return payload, nil
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}

type Publisher[T any] struct {
	writer messageWriter
	topic  string
}

func NewPublisher[T any](brokers []string, topic string) *Publisher[T] {
	return &Publisher[T]{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		topic: topic,
	}
}

// Publish writes value as JSON. Messages with the same key land on the same
// partition.
func (p *Publisher[T]) Publish(ctx context.Context, key string, value T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now(),
	})
	if errors.Is(err, kafka.UnknownTopicOrPartition) {
		return fmt.Errorf("topic %q does not exist: %w", p.topic, err)
	}
	return err
}

func (p *Publisher[T]) Close() error {
	return p.writer.Close()
}
