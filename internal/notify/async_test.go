package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestAsyncDeliversInOrderAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	received := make(chan string, 4)
	async := NewAsync("test", SinkFunc(func(_ context.Context, ev Event) { received <- ev.Type }), 4, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		async.Run(ctx)
		close(done)
	}()

	async.Broadcast(ctx, Event{Type: EventNewConflict})
	async.Broadcast(ctx, Event{Type: EventConflictResolved})

	for _, want := range []string{EventNewConflict, EventConflictResolved} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("event %s not delivered", want)
		}
	}

	cancel()
	<-done
}

func TestAsyncDropsWhenFull(t *testing.T) {
	async := NewAsync("test", Discard, 1, zap.NewNop(), nil)

	async.Broadcast(context.Background(), Event{Type: "a"})
	async.Broadcast(context.Background(), Event{Type: "b"})

	assert.Len(t, async.queue, 1)
}

func TestMultiFansOut(t *testing.T) {
	var got []string
	record := func(name string) Sink {
		return SinkFunc(func(context.Context, Event) { got = append(got, name) })
	}

	Multi{record("a"), nil, record("b")}.Broadcast(context.Background(), Event{})

	assert.Equal(t, []string{"a", "b"}, got)
}
