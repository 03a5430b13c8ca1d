package synth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adi99/callAI-sub000/internal/reliability"
)

type stubTTSProvider struct {
	calls       int
	synthesize  func(call int) ([]byte, string, error)
	healthcheck func() error
}

func (p *stubTTSProvider) Name() string { return "stub" }

func (p *stubTTSProvider) Synthesize(_ context.Context, _ string, _ VoiceParams) ([]byte, string, error) {
	p.calls++
	return p.synthesize(p.calls)
}

func (p *stubTTSProvider) Healthcheck(_ context.Context) error {
	if p.healthcheck == nil {
		return nil
	}
	return p.healthcheck()
}

func TestSpeakReturnsPrimaryAudio(t *testing.T) {
	p := &stubTTSProvider{synthesize: func(int) ([]byte, string, error) {
		return []byte("mp3bytes"), "audio/mpeg", nil
	}}
	c := NewCascade(p, Config{}, nil, zerolog.Nop())

	reply, err := c.Speak(context.Background(), "hello caller", VoiceParams{}, "")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if reply.Kind != KindAudio {
		t.Fatalf("Kind = %q, want %q", reply.Kind, KindAudio)
	}
	if reply.FallbackUsed {
		t.Fatalf("FallbackUsed = true, want false")
	}
	if reply.ContentType != "audio/mpeg" {
		t.Fatalf("ContentType = %q", reply.ContentType)
	}
}

func TestSpeakFallsBackToSayOnProviderFailure(t *testing.T) {
	p := &stubTTSProvider{synthesize: func(int) ([]byte, string, error) {
		return nil, "", reliability.NewProviderError("stub", reliability.CodeServerError, errors.New("down"))
	}}
	c := NewCascade(p, Config{}, nil, zerolog.Nop())

	reply, err := c.Speak(context.Background(), "original reply", VoiceParams{}, "short fallback")
	if err != nil {
		t.Fatalf("Speak() error = %v, fallback must never fail", err)
	}
	if reply.Kind != KindSay {
		t.Fatalf("Kind = %q, want %q", reply.Kind, KindSay)
	}
	if !reply.FallbackUsed {
		t.Fatalf("FallbackUsed = false, want true")
	}
	if reply.Text != "short fallback" {
		t.Fatalf("Text = %q, want caller-supplied fallback", reply.Text)
	}

	stats := c.Stats()
	if stats.FallbacksUsed != 1 {
		t.Fatalf("FallbacksUsed = %d, want 1", stats.FallbacksUsed)
	}
}

func TestSpeakUsesOriginalTextWhenNoFallbackGiven(t *testing.T) {
	p := &stubTTSProvider{synthesize: func(int) ([]byte, string, error) {
		return nil, "", errors.New("tls handshake")
	}}
	c := NewCascade(p, Config{}, nil, zerolog.Nop())

	reply, err := c.Speak(context.Background(), "say this instead", VoiceParams{}, "")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if reply.Text != "say this instead" {
		t.Fatalf("Text = %q, want original text", reply.Text)
	}
}

func TestSpeakWithoutProviderGoesStraightToSay(t *testing.T) {
	c := NewCascade(nil, Config{}, nil, zerolog.Nop())

	reply, err := c.Speak(context.Background(), "no provider configured", VoiceParams{}, "")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if reply.Kind != KindSay || !reply.FallbackUsed {
		t.Fatalf("reply = %+v, want Say fallback", reply)
	}
}

func TestSpeakRejectsInvalidText(t *testing.T) {
	c := NewCascade(nil, Config{MaxTextLen: 10}, nil, zerolog.Nop())

	if _, err := c.Speak(context.Background(), "   ", VoiceParams{}, ""); err == nil {
		t.Fatalf("expected error for blank text")
	}
	if _, err := c.Speak(context.Background(), strings.Repeat("x", 11), VoiceParams{}, ""); err == nil {
		t.Fatalf("expected error for over-length text")
	}
}

func TestApologyIsAlwaysPlayable(t *testing.T) {
	c := NewCascade(nil, Config{}, nil, zerolog.Nop())
	reply := c.Apology()
	if reply.Kind != KindSay || reply.Text != ApologyText {
		t.Fatalf("Apology() = %+v", reply)
	}
}

func TestStatsRunningAverage(t *testing.T) {
	c := NewCascade(nil, Config{}, nil, zerolog.Nop())
	c.record(true, false, 100*time.Millisecond)
	c.record(true, false, 300*time.Millisecond)

	stats := c.Stats()
	if stats.Requests != 2 {
		t.Fatalf("Requests = %d, want 2", stats.Requests)
	}
	if stats.AvgProcessing != 200*time.Millisecond {
		t.Fatalf("AvgProcessing = %v, want 200ms", stats.AvgProcessing)
	}
}
