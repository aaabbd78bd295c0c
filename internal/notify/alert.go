package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"go.uber.org/zap"

	"dialectic/api/internal/metrics"
	"dialectic/api/internal/store"
)

type alertSender interface {
	Send(message string, params *stypes.Params) []error
}

// AlertSink pushes high-severity conflicts and every resolution to chat or
// mail services through shoutrrr URLs.
type AlertSink struct {
	sender  alertSender
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewAlertSink builds one sender for all urls.
func NewAlertSink(urls []string, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) (*AlertSink, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one alert url is required")
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("create alert sender: %w", err)
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return &AlertSink{sender: sender, logger: logger.Named("alert"), metrics: m}, nil
}

func (a *AlertSink) Broadcast(_ context.Context, ev Event) {
	title, body, ok := alertText(ev)
	if !ok {
		return
	}

	params := stypes.Params{}
	params.SetTitle(title)
	for _, err := range a.sender.Send(body, &params) {
		if err != nil {
			a.metrics.RecordBroadcastError("alert")
			a.logger.Warn("send alert", zap.String("type", ev.Type), zap.Error(err))
			return
		}
	}
}

func alertText(ev Event) (string, string, bool) {
	switch p := ev.Payload.(type) {
	case ConflictPayload:
		if ev.Type != EventNewConflict || p.Severity != store.SeverityHigh {
			return "", "", false
		}
		title := "High severity conflict " + p.ConflictID
		body := fmt.Sprintf("%s\nStatement: %s", p.Reason, p.Statement)
		return title, body, true
	case ResolutionPayload:
		if ev.Type != EventConflictResolved {
			return "", "", false
		}
		return "Conflict " + p.ConflictID + " resolved", strings.TrimSpace(p.Outcome), true
	default:
		return "", "", false
	}
}
