// Package calllog records the durable trail of each call: lifecycle, caller
// utterances, model interactions and synthesized replies.
package calllog

import (
	"context"
	"time"
)

// Call statuses written by EndCall.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
)

// ModelInteraction captures one model round-trip for later audit.
type ModelInteraction struct {
	Turn         int
	Prompt       string
	Reply        string
	FunctionName string
	At           time.Time
}

// Logger persists call events. Implementations must tolerate being called
// from multiple goroutines.
type Logger interface {
	StartCall(ctx context.Context, callID, fromNumber string) error
	LogTranscription(ctx context.Context, callID, text string, confidence float64) error
	LogModelInteraction(ctx context.Context, callID string, interaction ModelInteraction) error
	LogSynthesizedAudio(ctx context.Context, callID, text, path string) error
	EndCall(ctx context.Context, callID, status string) error
}

// Noop discards every event. Used when no database is configured.
type Noop struct{}

func (Noop) StartCall(context.Context, string, string) error { return nil }

func (Noop) LogTranscription(context.Context, string, string, float64) error { return nil }

func (Noop) LogModelInteraction(context.Context, string, ModelInteraction) error { return nil }

func (Noop) LogSynthesizedAudio(context.Context, string, string, string) error { return nil }

func (Noop) EndCall(context.Context, string, string) error { return nil }
