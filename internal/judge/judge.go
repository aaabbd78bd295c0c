// Package judge asks a language model whether a chat statement contradicts
// retrieved evidence. Every failure path yields "no conflict".
package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dialectic/api/internal/llm"
	"dialectic/api/internal/metrics"
)

const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultThreshold = 70
	temperature      = 0.1
	maxTokens        = 300
)

// Verdict is the validated result of one judgement.
type Verdict struct {
	IsConflict bool
	Severity   string
	Reason     string
	Confidence int
}

// rawVerdict mirrors the model's JSON; pointer fields detect omissions.
type rawVerdict struct {
	Conflict   *bool    `json:"conflict"`
	Severity   string   `json:"severity"`
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence"`
}

type Judge struct {
	completer llm.Completer
	logger    *zap.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration
	threshold int
}

type Option func(*Judge)

func WithTimeout(d time.Duration) Option {
	return func(j *Judge) {
		if d > 0 {
			j.timeout = d
		}
	}
}

// WithThreshold sets the minimum confidence for a positive verdict.
func WithThreshold(threshold int) Option {
	return func(j *Judge) {
		j.threshold = threshold
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(j *Judge) {
		j.metrics = m
	}
}

func New(completer llm.Completer, logger *zap.Logger, opts ...Option) *Judge {
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &Judge{
		completer: completer,
		logger:    logger.Named("judge"),
		timeout:   defaultTimeout,
		threshold: defaultThreshold,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Judge returns the verdict for statement against evidence. Model errors,
// timeouts and malformed output are logged and reported as no conflict.
func (j *Judge) Judge(ctx context.Context, statement, evidence string) Verdict {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	response, err := j.completer.Complete(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      buildPrompt(statement, evidence),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	elapsed := time.Since(start)
	if err != nil {
		j.metrics.ObserveJudge("error", elapsed)
		j.logger.Warn("judge call failed",
			zap.String("error_type", string(llm.GetErrorType(err))),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return Verdict{}
	}

	verdict, err := decodeVerdict(response)
	if err != nil {
		j.metrics.ObserveJudge("unparsable", elapsed)
		j.logger.Warn("judge returned unusable verdict",
			zap.Error(err),
			zap.Int("response_len", len(response)))
		return Verdict{}
	}

	if verdict.IsConflict && verdict.Confidence < j.threshold {
		j.logger.Debug("low-confidence conflict discarded",
			zap.Int("confidence", verdict.Confidence),
			zap.Int("threshold", j.threshold))
		verdict.IsConflict = false
	}
	if verdict.IsConflict {
		j.metrics.ObserveJudge("conflict", elapsed)
	} else {
		j.metrics.ObserveJudge("no_conflict", elapsed)
	}
	return verdict
}

func decodeVerdict(response string) (Verdict, error) {
	raw, err := llm.ParseJSONResponse[rawVerdict](response)
	if err != nil {
		return Verdict{}, err
	}
	if raw.Conflict == nil {
		return Verdict{}, errors.New("verdict missing conflict field")
	}
	if raw.Confidence == nil {
		return Verdict{}, errors.New("verdict missing confidence field")
	}
	confidence := *raw.Confidence
	if confidence < 0 || confidence > 100 {
		return Verdict{}, fmt.Errorf("confidence %v outside 0..100", confidence)
	}

	severity := strings.ToLower(strings.TrimSpace(raw.Severity))
	switch severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
	case "":
		if *raw.Conflict {
			return Verdict{}, errors.New("conflict verdict missing severity")
		}
	default:
		if *raw.Conflict {
			return Verdict{}, fmt.Errorf("unknown severity %q", raw.Severity)
		}
		severity = ""
	}

	reason := strings.TrimSpace(raw.Reason)
	if reason == "" && *raw.Conflict {
		reason = "Conflict detected"
	}

	return Verdict{
		IsConflict: *raw.Conflict,
		Severity:   severity,
		Reason:     reason,
		Confidence: int(confidence + 0.5),
	}, nil
}
