// Package app assembles the service from configuration: providers, the
// stream manager, the orchestrator and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/adi99/callAI-sub000/internal/calllog"
	"github.com/adi99/callAI-sub000/internal/config"
	"github.com/adi99/callAI-sub000/internal/convo"
	"github.com/adi99/callAI-sub000/internal/httpapi"
	"github.com/adi99/callAI-sub000/internal/llm"
	"github.com/adi99/callAI-sub000/internal/lookup"
	"github.com/adi99/callAI-sub000/internal/observability"
	"github.com/adi99/callAI-sub000/internal/stream"
	"github.com/adi99/callAI-sub000/internal/synth"
	"github.com/adi99/callAI-sub000/internal/transcribe"
)

// BuildResult carries every constructed component plus a Cleanup to release
// external resources on shutdown.
type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Streams      *stream.Manager
	Orchestrator *convo.Orchestrator
	Transcriber  *transcribe.Engine
	Voice        *synth.Cascade
	Clips        *httpapi.ClipCache
	Metrics      *observability.Metrics

	Cleanup func() error
}

// Build wires the service. Missing provider credentials disable the affected
// capability instead of failing startup; call flows then degrade to the
// telephony platform's own primitives.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var pool *pgxpool.Pool
	logbook := calllog.Logger(calllog.Noop{})
	var lookups lookup.Service = lookup.NewStaticService()
	if cfg.DatabaseURL != "" {
		var err error
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		pgLogbook, err := calllog.NewPostgresLogger(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("call log init failed: %w", err)
		}
		logbook = pgLogbook
		pgLookups, err := lookup.NewPostgresService(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("lookup service init failed: %w", err)
		}
		lookups = pgLookups
		log.Info().Msg("call log and lookups backed by postgres")
	} else {
		log.Warn().Msg("DATABASE_URL unset, call log disabled and lookups served from fixtures")
	}

	// Speech to text.
	var transcriber *transcribe.Engine
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		sttProvider, err := transcribe.NewWhisperProvider(transcribe.WhisperConfig{
			APIURL:   cfg.WhisperAPIURL,
			APIKey:   cfg.OpenAIAPIKey,
			Model:    cfg.WhisperModel,
			Language: cfg.WhisperLanguage,
		})
		if err != nil {
			if pool != nil {
				pool.Close()
			}
			return nil, fmt.Errorf("whisper provider init failed: %w", err)
		}
		transcriber = transcribe.NewEngine(sttProvider, transcribe.Config{
			Timeout:       cfg.TranscribeTimeout,
			MaxAttempts:   cfg.TranscribeAttempts,
			BackoffBase:   cfg.TranscribeBackoff,
			BackoffCap:    cfg.TranscribeBackoffCap,
			MaxAudioBytes: cfg.MaxAudioBytes,
		}, metrics, log)
	} else {
		transcriber = transcribe.NewEngine(nil, transcribe.Config{}, metrics, log)
		log.Warn().Msg("OPENAI_API_KEY unset, transcription unavailable")
	}

	// Language model.
	var model llm.Provider
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		p, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.LLMTimeout,
		})
		if err != nil {
			if pool != nil {
				pool.Close()
			}
			return nil, fmt.Errorf("model provider init failed: %w", err)
		}
		model = p
	} else {
		log.Warn().Msg("OPENAI_API_KEY unset, conversations will close with an apology")
	}

	// Text to speech. The cascade works without a provider; it then always
	// answers through the telephony Say path.
	var ttsProvider synth.Provider
	if strings.TrimSpace(cfg.ElevenLabsAPIKey) != "" {
		p, err := synth.NewElevenLabsProvider(synth.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			BaseURL:      cfg.ElevenLabsBaseURL,
			DefaultVoice: cfg.ElevenLabsVoice,
			DefaultModel: cfg.ElevenLabsModel,
		})
		if err != nil {
			if pool != nil {
				pool.Close()
			}
			return nil, fmt.Errorf("elevenlabs provider init failed: %w", err)
		}
		ttsProvider = p
	} else {
		log.Warn().Msg("ELEVENLABS_API_KEY unset, replies use the telephony platform voice")
	}
	voice := synth.NewCascade(ttsProvider, synth.Config{
		Timeout:    cfg.SynthTimeout,
		MaxTextLen: cfg.MaxSpeakTextLen,
	}, metrics, log)

	orchestrator := convo.NewOrchestrator(convo.Config{
		MaxTurns:          cfg.MaxTurns,
		NoInputRetryLimit: cfg.NoInputRetryLimit,
		VoiceParams: synth.VoiceParams{
			VoiceID: cfg.ElevenLabsVoice,
			ModelID: cfg.ElevenLabsModel,
		},
	}, model, lookups, voice, logbook, metrics, log)

	// Stream segments land in the call log; the spoken dialogue itself is
	// driven by the telephony turn callbacks.
	sink := stream.SegmentSinkFunc(func(ctx context.Context, callID string, seg stream.TranscriptSegment) {
		if err := logbook.LogTranscription(ctx, callID, seg.Text, seg.Confidence); err != nil {
			log.Warn().Err(err).Str("call_id", callID).Msg("recording stream segment failed")
		}
	})
	streams := stream.NewManager(stream.Config{
		ChunkFrames:   cfg.StreamChunkFrames,
		FlushInterval: cfg.StreamFlushInterval,
		Language:      cfg.WhisperLanguage,
	}, transcriber, sink, metrics, log)

	clips := httpapi.NewClipCache(cfg.ClipTTL)
	api := httpapi.New(cfg, streams, orchestrator, voice, transcriber, clips, metrics, log)

	cleanup := func() error {
		streams.Close()
		if pool != nil {
			pool.Close()
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Streams:      streams,
		Orchestrator: orchestrator,
		Transcriber:  transcriber,
		Voice:        voice,
		Clips:        clips,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}
