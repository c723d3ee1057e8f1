package stream

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dailydoom/internal/usage"
)

type scriptedStream struct {
	mu        sync.Mutex
	fragments []string
	failAfter error
	block     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newScriptedStream(fragments ...string) *scriptedStream {
	return &scriptedStream{fragments: fragments, closed: make(chan struct{})}
}

func (s *scriptedStream) Next() (string, error) {
	s.mu.Lock()
	if len(s.fragments) > 0 {
		next := s.fragments[0]
		s.fragments = s.fragments[1:]
		s.mu.Unlock()
		return next, nil
	}
	failure := s.failAfter
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-s.closed:
			return "", errors.New("stream closed")
		}
	}
	if failure != nil {
		return "", failure
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func dataLines(body string) []string {
	var lines []string
	for _, block := range strings.Split(body, "\n\n") {
		if strings.HasPrefix(block, "data: ") {
			lines = append(lines, strings.TrimPrefix(block, "data: "))
		}
	}
	return lines
}

func TestForwardEmitsFragmentsSummaryAndDone(t *testing.T) {
	recorder := httptest.NewRecorder()
	source := newScriptedStream("Your ", "idea ", "is doomed.")
	resetAt := time.Date(2024, time.June, 13, 8, 0, 0, 0, time.UTC)

	outcome := NewRelay(nil, nil).Forward(context.Background(), recorder, source, usage.QuotaStatus{Remaining: 4, Limit: 5, ResetAt: &resetAt})
	if outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", outcome)
	}
	lines := dataLines(recorder.Body.String())
	expected := []string{
		`{"text":"Your "}`,
		`{"text":"idea "}`,
		`{"text":"is doomed."}`,
		`{"done":true,"remaining":4,"resetAt":"2024-06-13T08:00:00Z"}`,
		`[DONE]`,
	}
	if strings.Join(lines, "\n") != strings.Join(expected, "\n") {
		t.Fatalf("unexpected frames:\n%s", strings.Join(lines, "\n"))
	}
	if !recorder.Flushed {
		t.Fatalf("expected frames to be flushed")
	}
	if !source.isClosed() {
		t.Fatalf("expected upstream to be closed")
	}
}

func TestForwardEmitsErrorFrameWithoutSummary(t *testing.T) {
	recorder := httptest.NewRecorder()
	source := newScriptedStream("partial ")
	source.failAfter = errors.New("upstream reset")

	outcome := NewRelay(nil, nil).Forward(context.Background(), recorder, source, usage.QuotaStatus{Remaining: 2, Limit: 5})
	if outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", outcome)
	}
	lines := dataLines(recorder.Body.String())
	if len(lines) != 2 {
		t.Fatalf("expected text and error frames, got %v", lines)
	}
	if !strings.Contains(lines[1], `"code":"UPSTREAM_GENERATION_FAILED"`) {
		t.Fatalf("expected error frame, got %s", lines[1])
	}
	body := recorder.Body.String()
	if strings.Contains(body, `"done"`) || strings.Contains(body, doneMarker) {
		t.Fatalf("failed stream must not carry a summary: %s", body)
	}
}

func TestForwardStopsOnCancellation(t *testing.T) {
	recorder := httptest.NewRecorder()
	source := newScriptedStream("first ")
	source.block = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Outcome, 1)
	go func() {
		done <- NewRelay(nil, nil).Forward(ctx, recorder, source, usage.QuotaStatus{Remaining: 1, Limit: 5})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case outcome := <-done:
		if outcome != OutcomeCancelled {
			t.Fatalf("expected cancelled, got %s", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop after cancellation")
	}
	if !source.isClosed() {
		t.Fatalf("expected upstream to be closed on cancellation")
	}
	if strings.Contains(recorder.Body.String(), doneMarker) {
		t.Fatalf("cancelled stream must not be terminated with [DONE]")
	}
}

func TestSetHeaders(t *testing.T) {
	recorder := httptest.NewRecorder()
	SetHeaders(recorder)
	if recorder.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected content type %q", recorder.Header().Get("Content-Type"))
	}
	if recorder.Header().Get("X-Accel-Buffering") != "no" {
		t.Fatalf("expected proxy buffering disabled")
	}
}
