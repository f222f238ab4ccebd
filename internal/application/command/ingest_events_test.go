package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

type topicsOnly map[string]bool

func (t topicsOnly) HasTopic(id string) bool      { return t[id] }
func (t topicsOnly) PathSteps(string) (int, bool) { return 0, false }

type sliceQueue struct {
	events []progress.Event
	err    error
}

func (q *sliceQueue) Submit(_ context.Context, e progress.Event) error {
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, e)
	return nil
}

func newIngest(q EventQueue) *IngestEventsHandler {
	v := progress.NewValidator(topicsOnly{"t1": true}, time.Hour, progress.WithClock(timeutil.FixedClock(ts)))
	return NewIngestEventsHandler(v, q, nil)
}

func rawStarted(id, topic string) progress.RawEvent {
	return progress.RawEvent{EventID: id, UserID: "u1", Type: "topic_started", TopicID: topic, Timestamp: ts.Format(time.RFC3339)}
}

func TestIngest_PartialBatch(t *testing.T) {
	q := &sliceQueue{}
	res, err := newIngest(q).Handle(context.Background(), IngestEventsCommand{Events: []progress.RawEvent{
		rawStarted("a", "t1"),
		rawStarted("b", "nope"),
		{EventID: "c", UserID: "u1", Type: "teleported", Timestamp: ts.Format(time.RFC3339)},
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, res.Accepted)
	require.Len(t, res.Rejected, 2)
	assert.Equal(t, 1, res.Rejected[0].Index)
	assert.Equal(t, "topicId", res.Rejected[0].Field)
	assert.Equal(t, "type", res.Rejected[1].Field)
	require.Len(t, q.events, 1)
	assert.Equal(t, progress.EventTopicStarted, q.events[0].Type)
}

func TestIngest_QueueFailureAborts(t *testing.T) {
	q := &sliceQueue{err: errors.New("queue closed")}
	res, err := newIngest(q).Handle(context.Background(), IngestEventsCommand{Events: []progress.RawEvent{rawStarted("a", "t1")}})
	require.Error(t, err)
	assert.Empty(t, res.Accepted)
}

func TestIngest_EmptyBatch(t *testing.T) {
	_, err := newIngest(&sliceQueue{}).Handle(context.Background(), IngestEventsCommand{})
	assert.ErrorIs(t, err, shared.ErrEmptyValue)
}
