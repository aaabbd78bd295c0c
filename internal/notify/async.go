package notify

import (
	"context"

	"go.uber.org/zap"

	"dialectic/api/internal/metrics"
)

// Async queues events for a slow sink and delivers them from one worker.
// When the queue is full the event is dropped.
type Async struct {
	name    string
	sink    Sink
	queue   chan Event
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewAsync(name string, sink Sink, buffer int, logger *zap.Logger, m *metrics.Metrics) *Async {
	if buffer <= 0 {
		buffer = 64
	}
	return &Async{
		name:    name,
		sink:    sink,
		queue:   make(chan Event, buffer),
		logger:  logger.Named(name),
		metrics: m,
	}
}

func (a *Async) Broadcast(_ context.Context, ev Event) {
	select {
	case a.queue <- ev:
	default:
		a.metrics.RecordBroadcastError(a.name)
		a.logger.Warn("queue full, dropping event", zap.String("type", ev.Type), zap.String("id", ev.ID))
	}
}

// Run delivers queued events until ctx is done. Events still queued at
// shutdown are discarded.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.queue:
			a.sink.Broadcast(ctx, ev)
		}
	}
}
