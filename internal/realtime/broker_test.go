package realtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker() *Broker {
	return NewBroker(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesTopicSubscribersOnly(t *testing.T) {
	b := newTestBroker()
	roomCh, cancelRoom := b.Subscribe(RoomTopic("r1"), 4)
	defer cancelRoom()
	otherCh, cancelOther := b.Subscribe(RoomTopic("r2"), 4)
	defer cancelOther()

	b.Publish(context.Background(), Event{Topic: RoomTopic("r1"), Kind: KindMemberJoined, Subject: "u1"})

	ev := receive(t, roomCh)
	assert.Equal(t, KindMemberJoined, ev.Kind)
	assert.Equal(t, "u1", ev.Subject)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, b.Origin(), ev.Origin)
	assert.False(t, ev.At.IsZero())

	select {
	case ev := <-otherCh:
		t.Fatalf("unexpected event on other topic: %+v", ev)
	default:
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := newTestBroker()
	ch, cancel := b.Subscribe(UserTopic("u1"), 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(context.Background(), Event{Topic: UserTopic("u1"), Kind: KindUserUpdated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestCancelClosesAndIsIdempotent(t *testing.T) {
	b := newTestBroker()
	ch, cancel := b.Subscribe(RoomTopic("r1"), 1)
	assert.Equal(t, 1, b.Subscribers(RoomTopic("r1")))

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")
	assert.Equal(t, 0, b.Subscribers(RoomTopic("r1")))

	// publishing after cancel must not panic
	b.Publish(context.Background(), Event{Topic: RoomTopic("r1")})
}

func TestStampKeepsExistingFields(t *testing.T) {
	b := newTestBroker()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := b.Stamp(Event{ID: "fixed", Origin: "elsewhere", At: at})
	assert.Equal(t, "fixed", ev.ID)
	assert.Equal(t, "elsewhere", ev.Origin)
	assert.Equal(t, at, ev.At)
}
