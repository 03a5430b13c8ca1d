// Package stream manages live per-call audio connections: it decodes the
// framed media protocol, buffers audio, and schedules transcription flushes.
package stream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Wire events carried by the media-stream envelope.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
)

// MediaFormat describes the audio encoding negotiated at stream start.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StartPayload opens a stream and binds it to a call.
type StartPayload struct {
	StreamSID   string      `json:"streamSid"`
	AccountSID  string      `json:"accountSid"`
	CallSID     string      `json:"callSid"`
	MediaFormat MediaFormat `json:"mediaFormat"`
}

// MediaPayload carries one base64-encoded audio frame.
type MediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// StopPayload closes the stream.
type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// StreamMessage is the envelope sent by the telephony platform. Only the
// field matching Event is populated.
type StreamMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
}

// ParseStreamMessage decodes one envelope. Unknown event types parse fine;
// callers ignore them.
func ParseStreamMessage(data []byte) (StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return StreamMessage{}, fmt.Errorf("parse stream message: %w", err)
	}
	if msg.Event == "" {
		return StreamMessage{}, fmt.Errorf("stream message missing event discriminator")
	}
	return msg, nil
}

// DecodeFrame returns the raw audio bytes of a media payload.
func (p *MediaPayload) DecodeFrame() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return raw, nil
}
