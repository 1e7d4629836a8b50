package kafkautil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type job struct {
	Host    string `json:"host"`
	Command string `json:"command"`
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	commitErr error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return r.commitErr
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error { return nil }

func TestConsumerRead(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"host":"h1","command":"ls"}`)},
		{Offset: 2, Value: []byte(`not json`)},
	}}
	c := &Consumer[job]{reader: r}

	got, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job{Host: "h1", Command: "ls"}, got)

	_, err = c.Read(context.Background())
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, int64(2), derr.Offset)
	assert.Equal(t, []int64{1, 2}, r.committed, "bad payloads are committed too")

	_, err = c.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestConsumerCommitFailure(t *testing.T) {
	r := &fakeReader{
		msgs:      []kafka.Message{{Offset: 7, Value: []byte(`{"host":"h1"}`)}},
		commitErr: errors.New("rebalance in progress"),
	}
	c := &Consumer[job]{reader: r}

	_, err := c.Read(context.Background())
	assert.EqualError(t, err, "rebalance in progress")
}

func TestPublisherPublish(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher[job]{writer: w, topic: "results"}

	require.NoError(t, p.Publish(context.Background(), "h1", job{Host: "h1", Command: "ls"}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "h1", string(w.msgs[0].Key))

	var decoded job
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "ls", decoded.Command)
	assert.False(t, w.msgs[0].Time.IsZero())
}

func TestPublisherUnknownTopic(t *testing.T) {
	p := &Publisher[job]{writer: &fakeWriter{err: kafka.UnknownTopicOrPartition}, topic: "results"}

	err := p.Publish(context.Background(), "h1", job{})
	assert.ErrorIs(t, err, kafka.UnknownTopicOrPartition)
	assert.Contains(t, err.Error(), `"results"`)
}

func TestPublisherEncodeFailure(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher[float64]{writer: w, topic: "results"}

	err := p.Publish(context.Background(), "h1", math.NaN())
	assert.ErrorIs(t, err, ErrEncode)
	assert.Empty(t, w.msgs)
}
