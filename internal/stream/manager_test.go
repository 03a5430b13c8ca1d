package stream

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adi99/callAI-sub000/internal/transcribe"
)

type stubTranscriber struct {
	mu      sync.Mutex
	calls   int
	text    string
	started chan struct{}
	release chan struct{}
}

func (s *stubTranscriber) Available() bool { return true }

func (s *stubTranscriber) TranscribeBuffer(_ context.Context, _ []byte, _ transcribe.Options) (transcribe.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	return transcribe.Result{Text: s.text, Provider: "stub", Confidence: 0.9}, nil
}

func (s *stubTranscriber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// segmentRecorder signals done after each forwarded segment; by then the
// session's in-flight flag has been cleared.
type segmentRecorder struct {
	mu       sync.Mutex
	segments []TranscriptSegment
	done     chan struct{}
}

func newSegmentRecorder() *segmentRecorder {
	return &segmentRecorder{done: make(chan struct{}, 8)}
}

func (r *segmentRecorder) HandleSegment(_ context.Context, _ string, seg TranscriptSegment) {
	r.mu.Lock()
	r.segments = append(r.segments, seg)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *segmentRecorder) snapshot() []TranscriptSegment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TranscriptSegment, len(r.segments))
	copy(out, r.segments)
	return out
}

func silenceFrame() MediaPayload {
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = 0xff
	}
	return MediaPayload{Track: "inbound", Payload: base64.StdEncoding.EncodeToString(payload)}
}

func startMessage(streamSID, callSID string) StreamMessage {
	return StreamMessage{
		Event:     EventStart,
		StreamSID: streamSID,
		Start: &StartPayload{
			StreamSID:   streamSID,
			AccountSID:  "AC1",
			CallSID:     callSID,
			MediaFormat: MediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1},
		},
	}
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestChunkThresholdAndFinalFlushCoverEveryFrameOnce(t *testing.T) {
	stub := &stubTranscriber{text: "hello caller"}
	rec := newSegmentRecorder()
	m := NewManager(Config{ChunkFrames: 50, FlushInterval: time.Hour}, stub, rec, nil, zerolog.Nop())
	ctx := context.Background()

	if err := m.HandleMessage(ctx, startMessage("MZ1", "CA1")); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := m.HandleMessage(ctx, StreamMessage{Event: EventMedia, StreamSID: "MZ1", Media: ptr(silenceFrame())}); err != nil {
			t.Fatalf("media frame %d: %v", i, err)
		}
	}
	waitSignal(t, rec.done, "chunk-threshold flush")

	for i := 0; i < 10; i++ {
		if err := m.HandleMessage(ctx, StreamMessage{Event: EventMedia, StreamSID: "MZ1", Media: ptr(silenceFrame())}); err != nil {
			t.Fatalf("media frame %d: %v", 50+i, err)
		}
	}
	if err := m.HandleMessage(ctx, StreamMessage{Event: EventStop, StreamSID: "MZ1"}); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := stub.callCount(); got != 2 {
		t.Fatalf("transcriber calls = %d, want 2 (one chunk flush, one final flush)", got)
	}
	segments := rec.snapshot()
	if len(segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(segments))
	}
	if segments[0].FrameStart != 0 || segments[0].FrameEnd != 50 {
		t.Fatalf("first segment range = [%d,%d), want [0,50)", segments[0].FrameStart, segments[0].FrameEnd)
	}
	if segments[1].FrameStart != 50 || segments[1].FrameEnd != 60 {
		t.Fatalf("final segment range = [%d,%d), want [50,60)", segments[1].FrameStart, segments[1].FrameEnd)
	}
	for _, seg := range segments {
		if seg.Text != "hello caller" {
			t.Fatalf("segment text = %q", seg.Text)
		}
	}
	if len(m.ActiveSessions()) != 0 {
		t.Fatalf("session not destroyed on stop")
	}
}

func TestAtMostOneInFlightFlushPerSession(t *testing.T) {
	stub := &stubTranscriber{
		text:    "busy",
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	rec := newSegmentRecorder()
	m := NewManager(Config{ChunkFrames: 5, FlushInterval: time.Hour}, stub, rec, nil, zerolog.Nop())
	ctx := context.Background()

	if err := m.HandleMessage(ctx, startMessage("MZ2", "CA2")); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := m.AppendMedia(ctx, "MZ2", silenceFrame()); err != nil {
			t.Fatalf("media: %v", err)
		}
	}
	waitSignal(t, stub.started, "first flush to start")

	// The threshold fires again while the first flush holds the flag; no
	// second transcription may start.
	for i := 0; i < 5; i++ {
		if err := m.AppendMedia(ctx, "MZ2", silenceFrame()); err != nil {
			t.Fatalf("media: %v", err)
		}
	}
	if got := stub.callCount(); got != 1 {
		t.Fatalf("transcriber calls while in-flight = %d, want 1", got)
	}

	close(stub.release)
	waitSignal(t, rec.done, "first flush to finish")

	if err := m.StopSession(ctx, "MZ2"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := stub.callCount(); got != 2 {
		t.Fatalf("transcriber calls = %d, want 2", got)
	}
	segments := rec.snapshot()
	if len(segments) != 2 || segments[0].FrameEnd != segments[1].FrameStart {
		t.Fatalf("segments = %+v, want contiguous non-overlapping ranges", segments)
	}
}

func TestTranscriptForCallConcatenatesSegments(t *testing.T) {
	stub := &stubTranscriber{text: "part"}
	rec := newSegmentRecorder()
	m := NewManager(Config{ChunkFrames: 2, FlushInterval: time.Hour}, stub, rec, nil, zerolog.Nop())
	ctx := context.Background()

	if err := m.HandleMessage(ctx, startMessage("MZ3", "CA3")); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := m.AppendMedia(ctx, "MZ3", silenceFrame()); err != nil {
			t.Fatalf("media: %v", err)
		}
	}
	waitSignal(t, rec.done, "first flush")
	for i := 0; i < 2; i++ {
		if err := m.AppendMedia(ctx, "MZ3", silenceFrame()); err != nil {
			t.Fatalf("media: %v", err)
		}
	}
	waitSignal(t, rec.done, "second flush")

	transcript, err := m.TranscriptForCall("CA3")
	if err != nil {
		t.Fatalf("TranscriptForCall() error = %v", err)
	}
	if transcript != "part part" {
		t.Fatalf("transcript = %q, want %q", transcript, "part part")
	}

	info, err := m.ByCallID("CA3")
	if err != nil {
		t.Fatalf("ByCallID() error = %v", err)
	}
	if info.FramesReceived != 4 || info.Segments != 2 {
		t.Fatalf("info = %+v", info)
	}

	if err := m.StopSession(ctx, "MZ3"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := m.TranscriptForCall("CA3"); err == nil {
		t.Fatalf("expected not-found after session destruction")
	}
}

func TestHandleMessageIgnoresUnknownEvents(t *testing.T) {
	m := NewManager(Config{}, &stubTranscriber{}, nil, nil, zerolog.Nop())

	if err := m.HandleMessage(context.Background(), StreamMessage{Event: "mark", StreamSID: "MZ9"}); err != nil {
		t.Fatalf("unknown event should be ignored, got %v", err)
	}
	if err := m.HandleMessage(context.Background(), StreamMessage{Event: EventConnected}); err != nil {
		t.Fatalf("connected event should be a no-op, got %v", err)
	}
	if err := m.HandleMessage(context.Background(), StreamMessage{Event: EventStop, StreamSID: "MZ9"}); err == nil {
		t.Fatalf("stop for unknown session should error")
	}
}

func ptr[T any](v T) *T { return &v }
