package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/adi99/callAI-sub000/internal/reliability"
)

const whisperProviderName = "whisper"

// WhisperConfig configures the OpenAI-compatible transcription endpoint.
type WhisperConfig struct {
	APIURL   string
	APIKey   string
	Model    string
	Language string
}

// WhisperProvider calls an OpenAI-compatible /v1/audio/transcriptions
// endpoint with a multipart WAV upload and verbose_json output.
type WhisperProvider struct {
	cfg        WhisperConfig
	httpClient *http.Client
}

func NewWhisperProvider(cfg WhisperConfig) (*WhisperProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("whisper: api key must not be empty")
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = "https://api.openai.com/v1/audio/transcriptions"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "whisper-1"
	}
	return &WhisperProvider{cfg: cfg, httpClient: &http.Client{}}, nil
}

func (p *WhisperProvider) Name() string { return whisperProviderName }

// verboseResponse mirrors the verbose_json transcription payload.
type verboseResponse struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Text         string  `json:"text"`
		AvgLogprob   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

func (p *WhisperProvider) Transcribe(ctx context.Context, wav []byte, opts Options) (ProviderResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return ProviderResult{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return ProviderResult{}, fmt.Errorf("whisper: write wav data: %w", err)
	}
	if err := mw.WriteField("model", p.cfg.Model); err != nil {
		return ProviderResult{}, fmt.Errorf("whisper: write model field: %w", err)
	}
	language := opts.Language
	if language == "" {
		language = p.cfg.Language
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return ProviderResult{}, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if opts.Prompt != "" {
		if err := mw.WriteField("prompt", opts.Prompt); err != nil {
			return ProviderResult{}, fmt.Errorf("whisper: write prompt field: %w", err)
		}
	}
	format := opts.Format
	if format == "" {
		format = "verbose_json"
	}
	if err := mw.WriteField("response_format", format); err != nil {
		return ProviderResult{}, fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return ProviderResult{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.APIURL, &body)
	if err != nil {
		return ProviderResult{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ProviderResult{}, reliability.NewProviderError(whisperProviderName, reliability.CodeTimeout, err)
		}
		return ProviderResult{}, reliability.NewTransportError(whisperProviderName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		code := reliability.CodeForHTTPStatus(resp.StatusCode)
		return ProviderResult{}, reliability.NewProviderError(whisperProviderName, code,
			fmt.Errorf("whisper: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ProviderResult{}, reliability.NewTransportError(whisperProviderName, err)
	}

	var parsed verboseResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return ProviderResult{}, reliability.NewProviderError(whisperProviderName, reliability.CodeServerError,
			fmt.Errorf("whisper: parse response: %w", err))
	}

	out := ProviderResult{
		Text:     strings.TrimSpace(parsed.Text),
		Duration: time.Duration(parsed.Duration * float64(time.Second)),
	}
	for _, seg := range parsed.Segments {
		out.Segments = append(out.Segments, Segment{
			Text:       strings.TrimSpace(seg.Text),
			Confidence: confidenceFromLogprob(seg.AvgLogprob),
		})
	}
	return out, nil
}

// confidenceFromLogprob maps a mean token logprob into (0, 1].
func confidenceFromLogprob(logprob float64) float64 {
	if logprob > 0 {
		return 1
	}
	c := math.Exp(logprob)
	if c > 1 {
		c = 1
	}
	return c
}
