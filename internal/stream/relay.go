// Package stream relays incrementally produced text to clients as server-sent events.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/generator"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/metrics"
	"github.com/MarcoPoloResearchLab/dailydoom/internal/usage"
	"go.uber.org/zap"
)

// Outcome describes how a relayed stream ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

const (
	doneMarker          = "[DONE]"
	upstreamFailureCode = "UPSTREAM_GENERATION_FAILED"
	upstreamFailureText = "The advisor stopped responding. Please try again."
)

// SetHeaders prepares w for an event stream.
func SetHeaders(w http.ResponseWriter) {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
}

type textFrame struct {
	Text string `json:"text"`
}

type summaryFrame struct {
	Done      bool       `json:"done"`
	Remaining int        `json:"remaining"`
	ResetAt   *time.Time `json:"resetAt"`
}

type errorFrame struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type fragment struct {
	text string
	err  error
}

// Relay forwards a TextStream as SSE data frames.
type Relay struct {
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// NewRelay constructs a relay; both arguments are optional.
func NewRelay(logger *zap.Logger, recorder *metrics.Recorder) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{logger: logger, metrics: recorder}
}

// Forward writes every fragment of source in production order, then the quota summary and
// the [DONE] marker. An upstream error ends the stream with an error frame and no summary.
// Cancelling ctx stops forwarding and closes source; usage already charged is not touched.
func (r *Relay) Forward(ctx context.Context, w io.Writer, source generator.TextStream, quota usage.QuotaStatus) Outcome {
	outcome := r.forward(ctx, w, source, quota)
	r.metrics.StreamOutcome(string(outcome))
	return outcome
}

func (r *Relay) forward(ctx context.Context, w io.Writer, source generator.TextStream, quota usage.QuotaStatus) Outcome {
	defer source.Close()

	stop := make(chan struct{})
	defer close(stop)
	fragments := make(chan fragment)
	go func() {
		defer close(fragments)
		for {
			text, err := source.Next()
			select {
			case fragments <- fragment{text: text, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("advisor stream cancelled by client")
			return OutcomeCancelled
		case next, ok := <-fragments:
			if !ok {
				return OutcomeFailed
			}
			if errors.Is(next.err, io.EOF) {
				if err := writeFrame(w, summaryFrame{Done: true, Remaining: quota.Remaining, ResetAt: quota.ResetAt}); err != nil {
					return OutcomeCancelled
				}
				if err := writeData(w, []byte(doneMarker)); err != nil {
					return OutcomeCancelled
				}
				return OutcomeCompleted
			}
			if next.err != nil {
				if ctx.Err() != nil {
					return OutcomeCancelled
				}
				r.logger.Error("advisor stream failed", zap.Error(next.err))
				_ = writeFrame(w, errorFrame{Error: upstreamFailureText, Code: upstreamFailureCode})
				return OutcomeFailed
			}
			if next.text == "" {
				continue
			}
			if err := writeFrame(w, textFrame{Text: next.text}); err != nil {
				return OutcomeCancelled
			}
		}
	}
}

func writeFrame(w io.Writer, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return writeData(w, payload)
}

func writeData(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}
