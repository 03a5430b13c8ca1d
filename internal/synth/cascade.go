// Package synth turns reply text into playable audio with a guaranteed
// fallback path through the telephony platform's built-in speech output.
package synth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/adi99/callAI-sub000/internal/observability"
	"github.com/adi99/callAI-sub000/internal/reliability"
)

// ApologyText is the terminal fallback spoken when nothing else can be.
const ApologyText = "I'm sorry, I'm having trouble responding right now. Please try again later."

// VoiceParams select the synthesis voice.
type VoiceParams struct {
	VoiceID         string
	ModelID         string
	Stability       float64
	SimilarityBoost float64
}

// Provider is the external text-to-speech backend.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, text string, params VoiceParams) (audio []byte, contentType string, err error)
	Healthcheck(ctx context.Context) error
}

// ReplyKind says how the telephony layer should render the reply.
type ReplyKind string

const (
	// KindAudio plays synthesized audio bytes.
	KindAudio ReplyKind = "audio"
	// KindSay renders text through the telephony platform's own voice.
	KindSay ReplyKind = "say"
)

// SpokenReply is the cascade outcome. It always carries something playable.
type SpokenReply struct {
	Kind         ReplyKind
	Audio        []byte
	ContentType  string
	Text         string
	FallbackUsed bool
}

// StatsSnapshot is a read-only copy of the cascade counters.
type StatsSnapshot struct {
	Requests      int64         `json:"requests"`
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	FallbacksUsed int64         `json:"fallbacks_used"`
	AvgProcessing time.Duration `json:"avg_processing"`
}

// Cascade drives the provider and degrades through Say and a fixed apology.
type Cascade struct {
	provider   Provider
	timeout    time.Duration
	maxTextLen int
	metrics    *observability.Metrics
	log        zerolog.Logger

	mu            sync.Mutex
	requests      int64
	successes     int64
	failures      int64
	fallbacksUsed int64
	avgProcessing time.Duration
}

// Config bounds cascade behaviour. Provider may be nil when synthesis is
// unavailable; the cascade then always answers through the Say path.
type Config struct {
	Timeout    time.Duration
	MaxTextLen int
}

var ErrInvalidText = errors.New("synthesis text is empty or over length")

func NewCascade(provider Provider, cfg Config, metrics *observability.Metrics, log zerolog.Logger) *Cascade {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Second
	}
	if cfg.MaxTextLen <= 0 {
		cfg.MaxTextLen = 2000
	}
	return &Cascade{
		provider:   provider,
		timeout:    cfg.Timeout,
		maxTextLen: cfg.MaxTextLen,
		metrics:    metrics,
		log:        log,
	}
}

// Speak synthesizes text. On provider failure it falls back to the telephony
// Say path using fallbackText (or the original text), and as a last resort a
// fixed apology, so the call never receives silence.
func (c *Cascade) Speak(ctx context.Context, text string, params VoiceParams, fallbackText string) (SpokenReply, error) {
	started := time.Now()
	clean := sanitize(text)
	if clean == "" || len(clean) > c.maxTextLen {
		c.record(false, false, time.Since(started))
		return SpokenReply{}, reliability.NewValidationError("tts", reliability.CodeEmptyInput, ErrInvalidText)
	}

	if c.provider != nil {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		audio, contentType, err := c.provider.Synthesize(attemptCtx, clean, params)
		cancel()
		if err == nil && len(audio) > 0 {
			c.record(true, false, time.Since(started))
			if c.metrics != nil {
				c.metrics.SynthRequests.WithLabelValues("primary").Inc()
				c.metrics.ObserveSynthLatency(time.Since(started))
			}
			return SpokenReply{Kind: KindAudio, Audio: audio, ContentType: contentType, Text: clean}, nil
		}
		if err != nil {
			c.log.Warn().Str("code", reliability.CodeOf(err)).Err(err).Msg("primary synthesis failed, using fallback")
			if c.metrics != nil {
				c.metrics.ProviderErrors.WithLabelValues(c.provider.Name(), reliability.CodeOf(err)).Inc()
			}
		}
	}

	say := sanitize(fallbackText)
	if say == "" {
		say = clean
	}
	path := "fallback"
	if say == "" || len(say) > c.maxTextLen {
		say = ApologyText
		path = "apology"
	}
	c.record(true, true, time.Since(started))
	if c.metrics != nil {
		c.metrics.SynthRequests.WithLabelValues(path).Inc()
		c.metrics.ObserveSynthLatency(time.Since(started))
	}
	return SpokenReply{Kind: KindSay, Text: say, FallbackUsed: true}, nil
}

// Apology returns the terminal apologetic reply rendered through the most
// basic available method.
func (c *Cascade) Apology() SpokenReply {
	if c.metrics != nil {
		c.metrics.SynthRequests.WithLabelValues("apology").Inc()
	}
	return SpokenReply{Kind: KindSay, Text: ApologyText, FallbackUsed: true}
}

// Healthcheck performs a lightweight provider round-trip without side effects.
func (c *Cascade) Healthcheck(ctx context.Context) error {
	if c.provider == nil {
		return errors.New("synthesis provider not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.provider.Healthcheck(ctx)
}

// Stats returns the cumulative cascade counters.
func (c *Cascade) Stats() StatsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StatsSnapshot{
		Requests:      c.requests,
		Successes:     c.successes,
		Failures:      c.failures,
		FallbacksUsed: c.fallbacksUsed,
		AvgProcessing: c.avgProcessing,
	}
}

func (c *Cascade) record(success, fallback bool, dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	if success {
		c.successes++
	} else {
		c.failures++
	}
	if fallback {
		c.fallbacksUsed++
	}
	// Incremental running average: avg' = (avg*(n-1) + latest) / n.
	n := c.requests
	c.avgProcessing = time.Duration((int64(c.avgProcessing)*(n-1) + int64(dur)) / n)
}

// sanitize trims the text and strips non-printable control characters.
func sanitize(text string) string {
	var b strings.Builder
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
