package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs []kafkaGo.Message
	err  error
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafkaGo.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestPublish(t *testing.T) {
	w := &recordingWriter{}
	p := &KafkaPublisher{writer: w, topic: "pipeline-events"}

	err := p.Publish(context.Background(),
		NewEvent(TypeIndicesUpdated, "NIFTY50", map[string]float64{"value": 22100}),
		NewEvent(TypeNAVUpdated, "7", nil),
	)
	require.NoError(t, err)

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "NIFTY50", string(w.msgs[0].Key))
	assert.Equal(t, TypeIndicesUpdated, string(w.msgs[0].Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, TypeIndicesUpdated, decoded.Type)
	assert.NotEmpty(t, decoded.ID)
}

func TestPublishErrors(t *testing.T) {
	t.Run("writer failure is wrapped", func(t *testing.T) {
		boom := errors.New("leader not available")
		p := &KafkaPublisher{writer: &recordingWriter{err: boom}, topic: "t"}

		err := p.Publish(context.Background(), NewEvent(TypeJobFailed, "daily-nav", nil))
		assert.ErrorIs(t, err, boom)
	})

	t.Run("unencodable payload", func(t *testing.T) {
		w := &recordingWriter{}
		p := &KafkaPublisher{writer: w, topic: "t"}

		err := p.Publish(context.Background(), NewEvent(TypeJobFailed, "x", make(chan int)))
		assert.Error(t, err)
		assert.Empty(t, w.msgs)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		p := &KafkaPublisher{writer: &recordingWriter{err: errors.New("unused")}, topic: "t"}
		assert.NoError(t, p.Publish(context.Background()))
	})
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), NewEvent(TypeNAVUpdated, "1", nil)))
	assert.NoError(t, p.Close())
}
