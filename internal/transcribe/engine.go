// Package transcribe adapts an external speech-to-text provider with input
// validation, capped exponential-backoff retries and temp-file hygiene.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/adi99/callAI-sub000/internal/observability"
	"github.com/adi99/callAI-sub000/internal/reliability"
)

// Options tune a single transcription request.
type Options struct {
	Language string
	Prompt   string
	Format   string
}

// Segment is one provider-reported slice of the transcript.
type Segment struct {
	Text       string
	Confidence float64 // <= 0 when the provider did not report one
}

// ProviderResult is the normalized provider payload. Providers that only
// return plain text leave Segments empty.
type ProviderResult struct {
	Text     string
	Duration time.Duration
	Segments []Segment
}

// Provider is the external speech-to-text backend.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, wav []byte, opts Options) (ProviderResult, error)
}

// Result is the terminal outcome of one engine call.
type Result struct {
	Text           string
	Confidence     float64
	Duration       time.Duration
	Provider       string
	ProcessingTime time.Duration
	RetryCount     int
	ErrorRecovered bool
}

// Config bounds provider calls and retry behaviour.
type Config struct {
	Timeout       time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxAudioBytes int
}

// Engine validates audio, drives the provider with retries and keeps the
// process-wide error statistics.
type Engine struct {
	provider Provider
	cfg      Config
	stats    *Stats
	metrics  *observability.Metrics
	log      zerolog.Logger
}

var ErrNoProvider = errors.New("transcription provider not configured")

func NewEngine(provider Provider, cfg Config, metrics *observability.Metrics, log zerolog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 4 * time.Second
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = 10 << 20
	}
	return &Engine{
		provider: provider,
		cfg:      cfg,
		stats:    NewStats(),
		metrics:  metrics,
		log:      log,
	}
}

// Stats exposes the engine's error counters, read-only for callers.
func (e *Engine) Stats() StatsSnapshot { return e.stats.Snapshot() }

// Available reports whether a provider is wired in.
func (e *Engine) Available() bool { return e.provider != nil }

// TranscribeBuffer transcribes an in-memory WAV buffer. The buffer is staged
// through a temp file, which is removed on success and failure alike.
func (e *Engine) TranscribeBuffer(ctx context.Context, wav []byte, opts Options) (Result, error) {
	if e.provider == nil {
		return Result{}, ErrNoProvider
	}
	if len(wav) == 0 {
		return e.fail(reliability.NewValidationError(e.provider.Name(), reliability.CodeEmptyInput, errors.New("empty audio buffer")))
	}
	if len(wav) > e.cfg.MaxAudioBytes {
		return e.fail(reliability.NewValidationError(e.provider.Name(), reliability.CodeOversizedInput,
			fmt.Errorf("audio buffer %d bytes exceeds limit %d", len(wav), e.cfg.MaxAudioBytes)))
	}

	tmp, err := os.CreateTemp("", "callai-audio-*.wav")
	if err != nil {
		return e.fail(reliability.NewValidationError(e.provider.Name(), reliability.CodeUnreadableInput, err))
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(wav); err != nil {
		tmp.Close()
		return e.fail(reliability.NewValidationError(e.provider.Name(), reliability.CodeUnreadableInput, err))
	}
	if err := tmp.Close(); err != nil {
		return e.fail(reliability.NewValidationError(e.provider.Name(), reliability.CodeUnreadableInput, err))
	}

	return e.transcribeFromFile(ctx, tmpName, opts)
}

// TranscribeFile transcribes an audio file already on disk, e.g. an uploaded
// call recording. The file is left in place.
func (e *Engine) TranscribeFile(ctx context.Context, path string, opts Options) (Result, error) {
	if e.provider == nil {
		return Result{}, ErrNoProvider
	}
	return e.transcribeFromFile(ctx, path, opts)
}

func (e *Engine) transcribeFromFile(ctx context.Context, path string, opts Options) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return e.fail(reliability.NewValidationError(e.provider.Name(), reliability.CodeUnreadableInput, err))
	}
	if info.Size() == 0 {
		return e.fail(reliability.NewValidationError(e.provider.Name(), reliability.CodeEmptyInput, fmt.Errorf("empty audio file %s", path)))
	}
	if info.Size() > int64(e.cfg.MaxAudioBytes) {
		return e.fail(reliability.NewValidationError(e.provider.Name(), reliability.CodeOversizedInput,
			fmt.Errorf("audio file %d bytes exceeds limit %d", info.Size(), e.cfg.MaxAudioBytes)))
	}
	wav, err := os.ReadFile(path)
	if err != nil {
		return e.fail(reliability.NewValidationError(e.provider.Name(), reliability.CodeUnreadableInput, err))
	}
	return e.transcribeWithRetry(ctx, wav, opts)
}

func (e *Engine) transcribeWithRetry(ctx context.Context, wav []byte, opts Options) (Result, error) {
	started := time.Now()
	var lastErr error

	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := reliability.ExponentialBackoff(attempt-1, e.cfg.BackoffBase, e.cfg.BackoffCap)
			if e.metrics != nil {
				e.metrics.TranscribeRetries.Inc()
			}
			select {
			case <-ctx.Done():
				return e.failWithRetries(reliability.NewProviderError(e.provider.Name(), reliability.CodeTimeout, ctx.Err()), attempt)
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		pr, err := e.provider.Transcribe(attemptCtx, wav, opts)
		cancel()

		if err == nil {
			res := normalize(pr, e.provider.Name())
			res.ProcessingTime = time.Since(started)
			res.RetryCount = attempt
			res.ErrorRecovered = attempt > 0
			e.stats.recordSuccess(attempt, res.ProcessingTime)
			if e.metrics != nil {
				e.metrics.Transcriptions.WithLabelValues("ok").Inc()
				e.metrics.ObserveTranscribeLatency(res.ProcessingTime)
			}
			return res, nil
		}

		lastErr = err
		e.log.Warn().
			Int("attempt", attempt+1).
			Str("code", reliability.CodeOf(err)).
			Err(err).
			Msg("transcription attempt failed")
		if !reliability.IsRetryable(err) {
			return e.failWithRetries(err, attempt)
		}
	}

	return e.failWithRetries(
		fmt.Errorf("transcription failed after %d attempts: %w", e.cfg.MaxAttempts, lastErr),
		e.cfg.MaxAttempts-1,
	)
}

func (e *Engine) fail(err error) (Result, error) {
	return e.failWithRetries(err, 0)
}

func (e *Engine) failWithRetries(err error, retries int) (Result, error) {
	code := reliability.CodeOf(err)
	e.stats.recordFailure(code, err.Error())
	if e.metrics != nil {
		e.metrics.Transcriptions.WithLabelValues("error").Inc()
		if e.provider != nil {
			e.metrics.ProviderErrors.WithLabelValues(e.provider.Name(), code).Inc()
		}
	}
	return Result{RetryCount: retries}, err
}

// normalize folds segmented and plain provider responses into one shape,
// averaging segment confidences when present.
func normalize(pr ProviderResult, providerName string) Result {
	res := Result{
		Text:     pr.Text,
		Duration: pr.Duration,
		Provider: providerName,
	}
	var sum float64
	var n int
	for _, seg := range pr.Segments {
		if seg.Confidence > 0 {
			sum += seg.Confidence
			n++
		}
	}
	if n > 0 {
		res.Confidence = sum / float64(n)
	}
	return res
}
