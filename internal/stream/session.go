package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// TranscriptSegment is one flushed chunk's transcription outcome. Immutable
// once appended.
type TranscriptSegment struct {
	Text        string        `json:"text"`
	ProducedAt  time.Time     `json:"produced_at"`
	FrameStart  int           `json:"frame_start"`
	FrameEnd    int           `json:"frame_end"` // exclusive
	Confidence  float64       `json:"confidence,omitempty"`
	Provider    string        `json:"provider,omitempty"`
	ProcessTime time.Duration `json:"process_time"`
}

// StreamSession is the live state of one audio connection. The manager owns
// the registry; the session owns its buffer behind its own mutex, and the
// in-flight flag serializes flushes.
type StreamSession struct {
	ID        string
	CallID    string
	AccountID string
	Format    MediaFormat
	CreatedAt time.Time

	cancel context.CancelFunc

	mu          sync.Mutex
	buffer      []byte
	bufferStart int // frame index of the first buffered frame
	frames      int // total frames received
	segments    []TranscriptSegment
	lastFlush   time.Time

	inFlight atomic.Bool
}

// append adds one decoded frame and reports the buffered frame count.
func (s *StreamSession) append(frame []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, frame...)
	s.frames++
	return s.frames - s.bufferStart
}

// takeBuffer swaps the buffered frames out for flushing. Frames arriving
// after the swap land in a fresh buffer and belong to the next flush.
func (s *StreamSession) takeBuffer() (data []byte, start, end int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data = s.buffer
	start = s.bufferStart
	end = s.frames
	s.buffer = nil
	s.bufferStart = s.frames
	s.lastFlush = time.Now().UTC()
	return data, start, end
}

func (s *StreamSession) buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames - s.bufferStart
}

func (s *StreamSession) appendSegment(seg TranscriptSegment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, seg)
}

func (s *StreamSession) snapshotSegments() []TranscriptSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptSegment, len(s.segments))
	copy(out, s.segments)
	return out
}

// SessionInfo is a read-only view of a session for introspection endpoints.
type SessionInfo struct {
	ID             string    `json:"session_id"`
	CallID         string    `json:"call_id"`
	AccountID      string    `json:"account_id"`
	CreatedAt      time.Time `json:"created_at"`
	FramesReceived int       `json:"frames_received"`
	FramesBuffered int       `json:"frames_buffered"`
	Segments       int       `json:"segments"`
	LastFlushAt    time.Time `json:"last_flush_at,omitzero"`
	InFlight       bool      `json:"in_flight"`
}

func (s *StreamSession) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:             s.ID,
		CallID:         s.CallID,
		AccountID:      s.AccountID,
		CreatedAt:      s.CreatedAt,
		FramesReceived: s.frames,
		FramesBuffered: s.frames - s.bufferStart,
		Segments:       len(s.segments),
		LastFlushAt:    s.lastFlush,
		InFlight:       s.inFlight.Load(),
	}
}
