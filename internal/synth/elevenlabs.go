package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/adi99/callAI-sub000/internal/reliability"
)

const elevenLabsProviderName = "elevenlabs"

// ElevenLabsConfig configures the ElevenLabs REST synthesis endpoint.
type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	DefaultVoice string
	DefaultModel string
}

// ElevenLabsProvider synthesizes speech through the ElevenLabs HTTP API.
type ElevenLabsProvider struct {
	cfg        ElevenLabsConfig
	httpClient *http.Client
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) (*ElevenLabsProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("elevenlabs: api key must not be empty")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		cfg.DefaultModel = "eleven_flash_v2_5"
	}
	return &ElevenLabsProvider{cfg: cfg, httpClient: &http.Client{}}, nil
}

func (p *ElevenLabsProvider) Name() string { return elevenLabsProviderName }

type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text string, params VoiceParams) ([]byte, string, error) {
	voiceID := strings.TrimSpace(params.VoiceID)
	if voiceID == "" {
		voiceID = p.cfg.DefaultVoice
	}
	if voiceID == "" {
		return nil, "", reliability.NewValidationError(elevenLabsProviderName, reliability.CodeEmptyInput,
			errors.New("elevenlabs: voice id is required"))
	}
	modelID := strings.TrimSpace(params.ModelID)
	if modelID == "" {
		modelID = p.cfg.DefaultModel
	}

	stability := clamp01(params.Stability, 0.42)
	similarity := clamp01(params.SimilarityBoost, 0.85)

	payload, err := json.Marshal(ttsRequest{
		Text:    text,
		ModelID: modelID,
		VoiceSettings: voiceSettings{
			Stability:       stability,
			SimilarityBoost: similarity,
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	endpoint := p.cfg.BaseURL + "/v1/text-to-speech/" + url.PathEscape(voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", p.cfg.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, "", reliability.NewProviderError(elevenLabsProviderName, reliability.CodeTimeout, err)
		}
		return nil, "", reliability.NewTransportError(elevenLabsProviderName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		code := reliability.CodeForHTTPStatus(resp.StatusCode)
		return nil, "", reliability.NewProviderError(elevenLabsProviderName, code,
			fmt.Errorf("elevenlabs: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", reliability.NewTransportError(elevenLabsProviderName, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return audio, contentType, nil
}

// Healthcheck lists voices, a cheap authenticated round-trip.
func (p *ElevenLabsProvider) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/v1/voices", nil)
	if err != nil {
		return fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("xi-api-key", p.cfg.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return reliability.NewTransportError(elevenLabsProviderName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return reliability.NewProviderError(elevenLabsProviderName,
			reliability.CodeForHTTPStatus(resp.StatusCode),
			fmt.Errorf("elevenlabs: healthcheck HTTP %d", resp.StatusCode))
	}
	return nil
}

func clamp01(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	if v > 1 {
		return 1
	}
	return v
}
