package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dialectic/api/internal/metrics"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type publishCall struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeMQTTClient implements only what the sink uses.
type fakeMQTTClient struct {
	mqtt.Client
	connected  bool
	publishErr error
	calls      []publishCall
}

func (c *fakeMQTTClient) IsConnected() bool { return c.connected }

func (c *fakeMQTTClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.calls = append(c.calls, publishCall{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken{err: c.publishErr}
}

func TestMQTTSinkPublishesToGroupTopic(t *testing.T) {
	client := &fakeMQTTClient{connected: true}
	sink := newMQTTSinkWithClient(client, "dialectic", zap.NewNop(), nil)

	ev := NewEvent(EventNewConflict, "g1", ConflictPayload{ConflictID: "C1234ABCD", Severity: "high"})
	sink.Broadcast(context.Background(), ev)

	require.Len(t, client.calls, 1)
	assert.Equal(t, "dialectic/g1/new_conflict", client.calls[0].topic)
	assert.Equal(t, byte(1), client.calls[0].qos)

	var wire wireEvent
	require.NoError(t, json.Unmarshal(client.calls[0].payload, &wire))
	assert.Equal(t, ev.ID, wire.ID)
}

func TestMQTTSinkGlobalTopic(t *testing.T) {
	sink := newMQTTSinkWithClient(&fakeMQTTClient{connected: true}, "", zap.NewNop(), nil)

	assert.Equal(t, "dialectic/global/decisions_updated", sink.Topic(Event{Type: EventDecisionsUpdated}))
}

func TestMQTTSinkCountsFailures(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	disconnected := newMQTTSinkWithClient(&fakeMQTTClient{}, "dialectic", zap.NewNop(), m)
	disconnected.Broadcast(context.Background(), NewEvent(EventNewConflict, "g1", nil))

	failing := newMQTTSinkWithClient(&fakeMQTTClient{connected: true, publishErr: errors.New("broker gone")}, "dialectic", zap.NewNop(), m)
	failing.Broadcast(context.Background(), NewEvent(EventNewConflict, "g1", nil))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.BroadcastErrors.WithLabelValues("mqtt")))
}
