package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v3"
)

type memRecorder struct {
	recs []Record
	err  error
}

func (m *memRecorder) Record(_ context.Context, rec Record) error {
	m.recs = append(m.recs, rec)
	return m.err
}

func sample() Record {
	return Record{
		ID:        "0b7c9a3e",
		Host:      "h1",
		Command:   "ls",
		Stdout:    "a.txt\nb.txt\n",
		StartedAt: time.Date(2025, 4, 24, 10, 0, 0, 0, time.UTC),
		Duration:  150 * time.Millisecond,
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &memRecorder{}
	bad := &memRecorder{err: errors.New("disk full")}

	err := Multi{ok, Nop{}, bad}.Record(context.Background(), sample())
	assert.EqualError(t, err, "disk full")
	assert.Len(t, ok.recs, 1)
	assert.Len(t, bad.recs, 1)

	assert.NoError(t, Multi{}.Record(context.Background(), sample()))
}

func TestFileRecorder(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileRecorder(dir, "yaml")
	require.NoError(t, err)

	rec := sample()
	rec.Host = "fe80::1"
	require.NoError(t, r.Record(context.Background(), rec))

	raw, err := os.ReadFile(filepath.Join(dir, "fe80__1", "0b7c9a3e.yaml"))
	require.NoError(t, err)
	var got Record
	require.NoError(t, yaml.Unmarshal(raw, &got))
	assert.Equal(t, rec, got)
}

func TestNewFileRecorderRejectsBadInput(t *testing.T) {
	_, err := NewFileRecorder("", "json")
	assert.Error(t, err)
	_, err = NewFileRecorder(t.TempDir(), "xml")
	assert.Error(t, err)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "_", safeName(""))
	assert.Equal(t, "_", safeName(".."))
	assert.Equal(t, "a_b", safeName("a/b"))
	assert.Equal(t, "10.0.0.1", safeName("10.0.0.1"))
}

type fakeColl struct {
	filter any
	doc    any
	upsert bool
	err    error
}

func (c *fakeColl) ReplaceOne(_ context.Context, filter, replacement any, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	c.filter, c.doc = filter, replacement
	for _, o := range opts {
		if o.Upsert != nil {
			c.upsert = *o.Upsert
		}
	}
	return &mongo.UpdateResult{}, c.err
}

func TestMongoRecorderUpserts(t *testing.T) {
	coll := &fakeColl{}
	m := &MongoRecorder{coll: coll}

	require.NoError(t, m.Record(context.Background(), sample()))
	assert.Equal(t, bson.M{"_id": "0b7c9a3e"}, coll.filter)
	assert.Equal(t, sample(), coll.doc)
	assert.True(t, coll.upsert)

	coll.err = errors.New("not primary")
	assert.ErrorContains(t, m.Record(context.Background(), sample()), "not primary")
	assert.NoError(t, m.Close(context.Background()))
}

type fakePublisher struct {
	keys []string
}

func (p *fakePublisher) Publish(_ context.Context, key string, _ Record) error {
	p.keys = append(p.keys, key)
	return nil
}

func TestKafkaRecorderKeysByHost(t *testing.T) {
	p := &fakePublisher{}
	k := &KafkaRecorder{pub: p}

	require.NoError(t, k.Record(context.Background(), sample()))
	assert.Equal(t, []string{"h1"}, p.keys)
}
