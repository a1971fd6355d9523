package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/automation/internal/event"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	fetchErr  error
	closed    bool
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		if r.fetchErr != nil {
			return kafka.Message{}, r.fetchErr
		}
		r.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type sinkFunc func(*event.CustomEvent) error

func (f sinkFunc) OnCustomEvent(ev *event.CustomEvent) error { return f(ev) }

func TestConsumerDeliversAndCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &fakeReader{
		cancel: cancel,
		msgs: []kafka.Message{
			{Offset: 1, Value: []byte(`{"name":"purchase","value":3}`)},
			{Offset: 2, Value: []byte(`not json`)},
			{Offset: 3, Value: []byte(`{"value":1}`)},
		},
	}
	var got []*event.CustomEvent
	sink := sinkFunc(func(ev *event.CustomEvent) error {
		if ev.Name == "" {
			return errors.New("event name is required")
		}
		got = append(got, ev)
		return nil
	})

	require.NoError(t, NewConsumer(r, sink, nil).Run(ctx))

	require.Len(t, got, 1)
	assert.Equal(t, "purchase", got[0].Name)
	assert.Equal(t, "kafka", got[0].Source)
	assert.Equal(t, []int64{1, 2, 3}, r.committed, "bad messages are committed so they are not redelivered")
	assert.True(t, r.closed)
}

func TestConsumerFetchError(t *testing.T) {
	r := &fakeReader{fetchErr: errors.New("broker down"), cancel: func() {}}
	err := NewConsumer(r, sinkFunc(func(*event.CustomEvent) error { return nil }), nil).Run(context.Background())
	assert.ErrorContains(t, err, "broker down")
}

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitBrokers(" a:9092, ,b:9092"))
	assert.Nil(t, splitBrokers(""))
}
