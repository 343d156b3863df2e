package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/workerbus/internal/channel"
	"github.com/danmuck/workerbus/internal/protocol/frame"
	"github.com/danmuck/workerbus/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

const waitFor = 2 * time.Second

type host struct {
	end *channel.PipeEnd
	in  chan frame.Frame
}

func newHost(t *testing.T, handler Handler, cfg Config) (*Bus, *host) {
	t.Helper()
	near, far := channel.Pipe()
	h := &host{end: near, in: make(chan frame.Frame, 64)}
	near.OnReceive(func(f frame.Frame) { h.in <- f })
	b := New(far, handler, cfg)
	t.Cleanup(func() { _ = near.Close() })
	return b, h
}

func (h *host) call(t *testing.T, action string, id uint64, payload string) {
	t.Helper()
	f := frame.Frame{Action: action, ID: id}
	if payload != "" {
		f.Payload = json.RawMessage(payload)
	}
	if err := h.end.Send(f); err != nil {
		t.Fatalf("send %s: %v", action, err)
	}
}

func (h *host) next(t *testing.T) frame.Frame {
	t.Helper()
	select {
	case f := <-h.in:
		return f
	case <-time.After(waitFor):
		t.Fatalf("host saw no frame")
		return frame.Frame{}
	}
}

// nextApp skips side-channel log frames.
func (h *host) nextApp(t *testing.T) frame.Frame {
	t.Helper()
	for {
		f := h.next(t)
		if frame.Canonical(f.Action) != frame.ActionLog {
			return f
		}
	}
}

func (h *host) quiet(t *testing.T) {
	t.Helper()
	select {
	case f := <-h.in:
		t.Fatalf("unexpected frame: %+v", f)
	case <-time.After(30 * time.Millisecond):
	}
}

func echo(b *Bus, f frame.Frame, ready Ready) {
	var in map[string]int
	if err := f.Decode(&in); err != nil {
		ready(Result{Error: &frame.Fault{Code: 1, Message: err.Error()}})
		return
	}
	ready(Result{Payload: map[string]int{"y": in["x"] + 1}})
}

func TestReadyEchoesActionAndID(t *testing.T) {
	testlog.Start(t)
	_, h := newHost(t, echo, DefaultConfig())

	h.call(t, "RUN", 7, `{"x":1}`)
	f := h.nextApp(t)
	if f.Action != "RUN" || f.ID != 7 || f.Error != nil {
		t.Fatalf("unexpected response: %+v", f)
	}
	if string(f.Payload) != `{"y":2}` {
		t.Fatalf("unexpected payload: %s", f.Payload)
	}
}

func TestReadyTakesEffectOnce(t *testing.T) {
	testlog.Start(t)
	_, h := newHost(t, func(b *Bus, f frame.Frame, ready Ready) {
		ready(Result{Payload: 1})
		ready(Result{Payload: 2})
	}, DefaultConfig())

	h.call(t, "TWICE", 1, "")
	if f := h.nextApp(t); string(f.Payload) != "1" {
		t.Fatalf("unexpected payload: %s", f.Payload)
	}
	h.quiet(t)
}

func TestDeferredReadyFromGoroutine(t *testing.T) {
	testlog.Start(t)
	_, h := newHost(t, func(b *Bus, f frame.Frame, ready Ready) {
		b.Go(func() {
			time.Sleep(10 * time.Millisecond)
			ready(Result{Payload: "late"})
		})
	}, DefaultConfig())

	h.call(t, "SLOW", 1, "")
	h.call(t, "SLOW", 2, "")
	seen := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		f := h.nextApp(t)
		seen[f.ID] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("missing responses: %v", seen)
	}
}

func TestUnknownActionSentinel(t *testing.T) {
	testlog.Start(t)
	_, h := newHost(t, func(b *Bus, f frame.Frame, ready Ready) {
		ready(UnknownAction)
	}, DefaultConfig())

	h.call(t, "bogus", 3, "")
	f := h.nextApp(t)
	if f.Error == nil || f.Error.Code != frame.CodeUnknown || f.Error.Message != "Unknown action" {
		t.Fatalf("unexpected fault: %+v", f.Error)
	}
	if string(f.Payload) != "null" {
		t.Fatalf("unexpected payload: %s", f.Payload)
	}
}

func TestFramesWithoutIDAreDropped(t *testing.T) {
	testlog.Start(t)
	var calls sync.WaitGroup
	_, h := newHost(t, func(b *Bus, f frame.Frame, ready Ready) {
		calls.Done()
		ready(Result{})
	}, DefaultConfig())

	if err := h.end.Send(frame.Frame{Action: "RUN"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.quiet(t)

	calls.Add(1)
	h.call(t, "RUN", 1, "")
	h.nextApp(t)
	calls.Wait()
}

func TestPanicBecomesFaultFrame(t *testing.T) {
	testlog.Start(t)
	lines := make(chan int, 1)
	_, h := newHost(t, func(b *Bus, f frame.Frame, ready Ready) {
		if f.Action == "FAULT" {
			_, _, line, _ := runtime.Caller(0)
			lines <- line + 1
			panic("boom")
		}
		ready(Result{Payload: "ok"})
	}, DefaultConfig())

	h.call(t, "FAULT", 1, "")
	f := h.nextApp(t)
	if f.Action != frame.ActionFault || f.ID != 0 {
		t.Fatalf("expected fault frame, got %+v", f)
	}
	var report frame.Fault
	if err := f.Decode(&report); err != nil {
		t.Fatalf("decode fault: %v", err)
	}
	want := fmt.Sprintf("Worker error boom in line %d in file ", <-lines)
	if report.Code != frame.CodeUnknown || !strings.HasPrefix(report.Message, want) {
		t.Fatalf("message %q want prefix %q", report.Message, want)
	}
	if !strings.HasSuffix(report.Message, "bus_test.go") {
		t.Fatalf("message %q does not name the file", report.Message)
	}

	// The bus keeps serving.
	h.call(t, "RUN", 2, "")
	if f := h.nextApp(t); f.ID != 2 {
		t.Fatalf("unexpected response after fault: %+v", f)
	}
}

func TestRuntimeErrorPanicIsIntercepted(t *testing.T) {
	testlog.Start(t)
	_, h := newHost(t, func(b *Bus, f frame.Frame, ready Ready) {
		var pin *struct{ state int }
		pin.state = 1
	}, DefaultConfig())

	h.call(t, "RUN", 1, "")
	f := h.nextApp(t)
	var report frame.Fault
	if err := f.Decode(&report); err != nil {
		t.Fatalf("decode fault: %v", err)
	}
	if !strings.Contains(report.Message, "nil pointer") || !strings.Contains(report.Message, "bus_test.go") {
		t.Fatalf("unexpected fault message: %q", report.Message)
	}
}

func TestGoInterceptsPanics(t *testing.T) {
	testlog.Start(t)
	_, h := newHost(t, func(b *Bus, f frame.Frame, ready Ready) {
		b.Go(func() { panic(errors.New("async boom")) })
	}, DefaultConfig())

	h.call(t, "RUN", 1, "")
	f := h.nextApp(t)
	if f.Action != frame.ActionFault || !strings.Contains(string(f.Payload), "async boom") {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestReportFaultNamesCaller(t *testing.T) {
	testlog.Start(t)
	b, h := newHost(t, echo, DefaultConfig())

	_, _, line, _ := runtime.Caller(0)
	b.ReportFault(errors.New("sensor offline"))
	f := h.nextApp(t)
	var report frame.Fault
	if err := f.Decode(&report); err != nil {
		t.Fatalf("decode fault: %v", err)
	}
	want := fmt.Sprintf("Worker error sensor offline in line %d", line+1)
	if !strings.HasPrefix(report.Message, want) {
		t.Fatalf("message %q want prefix %q", report.Message, want)
	}
}

func TestLogPostsSideChannelFrames(t *testing.T) {
	testlog.Start(t)
	b, h := newHost(t, echo, DefaultConfig())

	b.Log().Info().Int("pin", 3).Msg("pin set")
	f := h.next(t)
	if f.Action != frame.ActionLog || f.ID != 0 {
		t.Fatalf("expected log frame, got %+v", f)
	}
	var line string
	if err := f.Decode(&line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not json: %q", line)
	}
	if entry["message"] != "pin set" || entry["pin"] != float64(3) {
		t.Fatalf("unexpected entry: %v", entry)
	}

	b.Log().Debug().Msg("below level")
	h.quiet(t)
}

// logLine decodes the zerolog entry carried by an INTERNAL_LOG frame.
func logLine(t *testing.T, f frame.Frame) map[string]any {
	t.Helper()
	if f.Action != frame.ActionLog {
		t.Fatalf("expected log frame, got %+v", f)
	}
	var line string
	if err := f.Decode(&line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not json: %q", line)
	}
	return entry
}

func TestTrafficLoggedUnderDefaultConfig(t *testing.T) {
	testlog.Start(t)
	_, h := newHost(t, echo, DefaultConfig())

	h.call(t, "run", 4, `{"x":1}`)
	received := logLine(t, h.next(t))
	if received["message"] != "received" || received["action"] != "run" || received["id"] != float64(4) {
		t.Fatalf("unexpected receipt entry: %v", received)
	}
	responded := logLine(t, h.next(t))
	if responded["message"] != "responded" || responded["id"] != float64(4) || responded["error"] != false {
		t.Fatalf("unexpected response entry: %v", responded)
	}
	if f := h.next(t); f.ID != 4 || string(f.Payload) != `{"y":2}` {
		t.Fatalf("unexpected response: %+v", f)
	}
}

func TestBroadcastIsLoggedBeforeItIsPosted(t *testing.T) {
	testlog.Start(t)
	b, h := newHost(t, echo, DefaultConfig())

	if err := b.Broadcast("io_changed", Result{Payload: 1}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	entry := logLine(t, h.next(t))
	if entry["message"] != "broadcast" || entry["action"] != "IO_CHANGED" {
		t.Fatalf("unexpected broadcast entry: %v", entry)
	}
	if f := h.next(t); f.Action != "IO_CHANGED" || f.ID != 0 {
		t.Fatalf("unexpected broadcast: %+v", f)
	}
}

func TestSinkReplacesSideChannel(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Sink = &buf
	cfg.LogLevel = zerolog.DebugLevel
	b, h := newHost(t, echo, cfg)

	b.Log().Info().Msg("local only")
	h.quiet(t)
	if !strings.Contains(buf.String(), "local only") {
		t.Fatalf("sink did not receive line: %q", buf.String())
	}
}

func TestBroadcastValidation(t *testing.T) {
	testlog.Start(t)
	b, h := newHost(t, echo, DefaultConfig())

	if err := b.Broadcast("internal_error", Result{}); !errors.Is(err, ErrReservedAction) {
		t.Fatalf("expected ErrReservedAction, got %v", err)
	}
	if err := b.Broadcast("", Result{}); !errors.Is(err, frame.ErrEmptyAction) {
		t.Fatalf("expected ErrEmptyAction, got %v", err)
	}
	if err := b.Broadcast("state_changed", Result{Payload: map[string]int{"pin": 3, "state": 1}}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	f := h.nextApp(t)
	if f.Action != "STATE_CHANGED" || f.ID != 0 || string(f.Payload) != `{"pin":3,"state":1}` {
		t.Fatalf("unexpected broadcast: %+v", f)
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	testlog.Start(t)
	b, h := newHost(t, echo, DefaultConfig())

	ctx, cancel := context.WithCancel(testlog.Context(t))
	errc := make(chan error, 1)
	go func() { errc <- b.Serve(ctx) }()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(waitFor):
		t.Fatalf("serve did not return")
	}
	select {
	case <-h.end.Done():
	case <-time.After(waitFor):
		t.Fatalf("channel not closed")
	}
}
