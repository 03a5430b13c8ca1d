package transcribe

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adi99/callAI-sub000/internal/reliability"
)

type stubProvider struct {
	name       string
	calls      int
	transcribe func(call int) (ProviderResult, error)
}

func (p *stubProvider) Name() string {
	if p.name == "" {
		return "stub"
	}
	return p.name
}

func (p *stubProvider) Transcribe(_ context.Context, _ []byte, _ Options) (ProviderResult, error) {
	p.calls++
	return p.transcribe(p.calls)
}

func fastConfig() Config {
	return Config{
		Timeout:       time.Second,
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		BackoffCap:    5 * time.Millisecond,
		MaxAudioBytes: 1 << 20,
	}
}

func TestEngineRejectsEmptyAudio(t *testing.T) {
	p := &stubProvider{transcribe: func(int) (ProviderResult, error) {
		t.Fatalf("provider must not be called for empty audio")
		return ProviderResult{}, nil
	}}
	e := NewEngine(p, fastConfig(), nil, zerolog.Nop())

	_, err := e.TranscribeBuffer(context.Background(), nil, Options{})
	if err == nil {
		t.Fatalf("expected validation error for empty buffer")
	}
	if reliability.CodeOf(err) != reliability.CodeEmptyInput {
		t.Fatalf("code = %q, want %q", reliability.CodeOf(err), reliability.CodeEmptyInput)
	}
	if p.calls != 0 {
		t.Fatalf("provider calls = %d, want 0", p.calls)
	}
}

func TestEngineRejectsOversizedAudio(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAudioBytes = 16
	e := NewEngine(&stubProvider{transcribe: func(int) (ProviderResult, error) {
		return ProviderResult{}, nil
	}}, cfg, nil, zerolog.Nop())

	_, err := e.TranscribeBuffer(context.Background(), make([]byte, 64), Options{})
	if reliability.CodeOf(err) != reliability.CodeOversizedInput {
		t.Fatalf("code = %q, want %q", reliability.CodeOf(err), reliability.CodeOversizedInput)
	}
}

func TestEngineRecoversAfterRetryableFailures(t *testing.T) {
	p := &stubProvider{transcribe: func(call int) (ProviderResult, error) {
		if call <= 2 {
			return ProviderResult{}, reliability.NewProviderError("stub", reliability.CodeServerError, errors.New("upstream 503"))
		}
		return ProviderResult{Text: "hello there", Duration: 2 * time.Second}, nil
	}}
	e := NewEngine(p, fastConfig(), nil, zerolog.Nop())

	res, err := e.TranscribeBuffer(context.Background(), []byte("RIFFxxxx"), Options{})
	if err != nil {
		t.Fatalf("TranscribeBuffer() error = %v", err)
	}
	if res.Text != "hello there" {
		t.Fatalf("Text = %q, want %q", res.Text, "hello there")
	}
	if res.RetryCount != 2 {
		t.Fatalf("RetryCount = %d, want 2", res.RetryCount)
	}
	if !res.ErrorRecovered {
		t.Fatalf("ErrorRecovered = false, want true")
	}
	if p.calls != 3 {
		t.Fatalf("provider calls = %d, want 3", p.calls)
	}
	snap := e.Stats().RecoveredRetries
	if snap != 2 {
		t.Fatalf("RecoveredRetries = %d, want 2", snap)
	}
}

func TestEngineStopsOnFatalProviderError(t *testing.T) {
	p := &stubProvider{transcribe: func(int) (ProviderResult, error) {
		return ProviderResult{}, reliability.NewProviderError("stub", reliability.CodeUnauthorized, errors.New("bad key"))
	}}
	e := NewEngine(p, fastConfig(), nil, zerolog.Nop())

	_, err := e.TranscribeBuffer(context.Background(), []byte("RIFFxxxx"), Options{})
	if err == nil {
		t.Fatalf("expected terminal error")
	}
	if p.calls != 1 {
		t.Fatalf("provider calls = %d, want 1 (no retry on unauthorized)", p.calls)
	}
	snap := e.Stats()
	if snap.ErrorsByCode[reliability.CodeUnauthorized] != 1 {
		t.Fatalf("unauthorized count = %d, want 1", snap.ErrorsByCode[reliability.CodeUnauthorized])
	}
	if snap.LastErrorCode != reliability.CodeUnauthorized {
		t.Fatalf("LastErrorCode = %q, want %q", snap.LastErrorCode, reliability.CodeUnauthorized)
	}
}

func TestEngineExhaustsRetriesAndReportsCount(t *testing.T) {
	p := &stubProvider{transcribe: func(int) (ProviderResult, error) {
		return ProviderResult{}, reliability.NewProviderError("stub", reliability.CodeRateLimited, errors.New("429"))
	}}
	e := NewEngine(p, fastConfig(), nil, zerolog.Nop())

	res, err := e.TranscribeBuffer(context.Background(), []byte("RIFFxxxx"), Options{})
	if err == nil {
		t.Fatalf("expected exhaustion error")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("error should carry attempt count, got %v", err)
	}
	if res.RetryCount != 2 {
		t.Fatalf("RetryCount = %d, want 2", res.RetryCount)
	}
	if p.calls != 3 {
		t.Fatalf("provider calls = %d, want 3", p.calls)
	}
}

func TestNormalizeAveragesSegmentConfidence(t *testing.T) {
	pr := ProviderResult{
		Text: "a b",
		Segments: []Segment{
			{Text: "a", Confidence: 0.8},
			{Text: "b", Confidence: 0.6},
			{Text: "c"}, // no confidence reported
		},
	}
	res := normalize(pr, "stub")
	if res.Confidence < 0.699 || res.Confidence > 0.701 {
		t.Fatalf("Confidence = %v, want 0.7", res.Confidence)
	}

	plain := normalize(ProviderResult{Text: "plain"}, "stub")
	if plain.Confidence != 0 {
		t.Fatalf("plain Confidence = %v, want 0", plain.Confidence)
	}
}

func stagedTempFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "callai-audio-*.wav"))
	if err != nil {
		t.Fatalf("glob temp dir: %v", err)
	}
	return matches
}

func TestEngineRemovesStagedTempFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("TMPDIR", tmpDir)

	p := &stubProvider{transcribe: func(int) (ProviderResult, error) {
		return ProviderResult{Text: "ok"}, nil
	}}
	e := NewEngine(p, fastConfig(), nil, zerolog.Nop())

	if _, err := e.TranscribeBuffer(context.Background(), []byte("audio"), Options{}); err != nil {
		t.Fatalf("TranscribeBuffer = %v, want nil", err)
	}
	if left := stagedTempFiles(t, tmpDir); len(left) != 0 {
		t.Fatalf("staged files after success = %v, want none", left)
	}
}

func TestEngineRemovesStagedTempFileOnProviderFailure(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("TMPDIR", tmpDir)

	p := &stubProvider{transcribe: func(int) (ProviderResult, error) {
		return ProviderResult{}, reliability.NewProviderError("stub", reliability.CodeUnauthorized, errors.New("bad key"))
	}}
	e := NewEngine(p, fastConfig(), nil, zerolog.Nop())

	if _, err := e.TranscribeBuffer(context.Background(), []byte("audio"), Options{}); err == nil {
		t.Fatalf("TranscribeBuffer should fail when the provider rejects the key")
	}
	if left := stagedTempFiles(t, tmpDir); len(left) != 0 {
		t.Fatalf("staged files after failure = %v, want none", left)
	}
}
