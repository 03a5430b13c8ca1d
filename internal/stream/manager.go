package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adi99/callAI-sub000/internal/audio"
	"github.com/adi99/callAI-sub000/internal/observability"
	"github.com/adi99/callAI-sub000/internal/transcribe"
)

var ErrSessionNotFound = errors.New("stream session not found")

// Transcriber converts a WAV buffer into text. Satisfied by
// *transcribe.Engine.
type Transcriber interface {
	TranscribeBuffer(ctx context.Context, wav []byte, opts transcribe.Options) (transcribe.Result, error)
	Available() bool
}

// SegmentSink receives each flushed transcript segment for downstream
// processing.
type SegmentSink interface {
	HandleSegment(ctx context.Context, callID string, seg TranscriptSegment)
}

// SegmentSinkFunc adapts a function to SegmentSink.
type SegmentSinkFunc func(ctx context.Context, callID string, seg TranscriptSegment)

func (f SegmentSinkFunc) HandleSegment(ctx context.Context, callID string, seg TranscriptSegment) {
	f(ctx, callID, seg)
}

// Config bounds the manager's flush scheduling.
type Config struct {
	// ChunkFrames triggers an immediate flush once this many frames are
	// buffered.
	ChunkFrames int
	// FlushInterval is the periodic flush check per session.
	FlushInterval time.Duration
	// Language is passed through to the transcriber.
	Language string
}

// Manager owns the registry of live stream sessions and decides when each
// one's buffer is flushed to the transcriber.
type Manager struct {
	cfg         Config
	transcriber Transcriber
	sink        SegmentSink
	metrics     *observability.Metrics
	log         zerolog.Logger

	mu            sync.RWMutex
	sessions      map[string]*StreamSession
	sessionByCall map[string]string

	wg sync.WaitGroup
}

func NewManager(cfg Config, transcriber Transcriber, sink SegmentSink, metrics *observability.Metrics, log zerolog.Logger) *Manager {
	if cfg.ChunkFrames <= 0 {
		cfg.ChunkFrames = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &Manager{
		cfg:           cfg,
		transcriber:   transcriber,
		sink:          sink,
		metrics:       metrics,
		log:           log,
		sessions:      make(map[string]*StreamSession),
		sessionByCall: make(map[string]string),
	}
}

// HandleMessage processes one wire envelope in arrival order for its
// connection. Unknown events are ignored.
func (m *Manager) HandleMessage(ctx context.Context, msg StreamMessage) error {
	if m.metrics != nil {
		m.metrics.StreamEvents.WithLabelValues(msg.Event).Inc()
	}
	switch msg.Event {
	case EventConnected:
		return nil
	case EventStart:
		if msg.Start == nil {
			return fmt.Errorf("start event missing payload")
		}
		_, err := m.StartSession(ctx, *msg.Start)
		return err
	case EventMedia:
		if msg.Media == nil {
			return fmt.Errorf("media event missing payload")
		}
		return m.AppendMedia(ctx, msg.StreamSID, *msg.Media)
	case EventStop:
		return m.StopSession(ctx, msg.StreamSID)
	default:
		m.log.Debug().Str("event", msg.Event).Msg("ignoring unknown stream event")
		return nil
	}
}

// StartSession registers a new session and arms its periodic flush check.
func (m *Manager) StartSession(ctx context.Context, start StartPayload) (SessionInfo, error) {
	if start.StreamSID == "" {
		return SessionInfo{}, fmt.Errorf("start event missing stream sid")
	}

	tickCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &StreamSession{
		ID:        start.StreamSID,
		CallID:    start.CallSID,
		AccountID: start.AccountSID,
		Format:    start.MediaFormat,
		CreatedAt: time.Now().UTC(),
		cancel:    cancel,
	}

	m.mu.Lock()
	if _, exists := m.sessions[s.ID]; exists {
		m.mu.Unlock()
		cancel()
		return SessionInfo{}, fmt.Errorf("stream session %s already started", s.ID)
	}
	m.sessions[s.ID] = s
	if s.CallID != "" {
		m.sessionByCall[s.CallID] = s.ID
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveStreams.Inc()
	}
	m.log.Info().Str("stream_sid", s.ID).Str("call_sid", s.CallID).Msg("stream started")

	if m.transcriber != nil && m.transcriber.Available() {
		m.wg.Add(1)
		go m.runTicker(tickCtx, s)
	}
	return s.info(), nil
}

// AppendMedia decodes one frame into the session buffer and flushes when the
// chunk threshold is met. The threshold trigger races the periodic tick;
// the in-flight flag arbitrates.
func (m *Manager) AppendMedia(ctx context.Context, streamSID string, media MediaPayload) error {
	s, err := m.lookup(streamSID)
	if err != nil {
		return err
	}
	frame, err := media.DecodeFrame()
	if err != nil {
		return err
	}
	buffered := s.append(frame)
	if buffered >= m.cfg.ChunkFrames {
		m.tryFlush(ctx, s, "chunk", false)
	}
	return nil
}

// StopSession flushes any remaining frames synchronously, cancels the
// periodic check, and destroys the session.
func (m *Manager) StopSession(ctx context.Context, streamSID string) error {
	s, err := m.lookup(streamSID)
	if err != nil {
		return err
	}
	s.cancel()
	if !m.tryFlush(ctx, s, "final", true) && s.buffered() > 0 {
		// An in-flight flush holds the flag; the leftover frames go down
		// with the session.
		m.log.Warn().Str("stream_sid", s.ID).Int("frames", s.buffered()).Msg("discarding buffered frames on stop")
	}

	m.mu.Lock()
	delete(m.sessions, s.ID)
	if s.CallID != "" {
		delete(m.sessionByCall, s.CallID)
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveStreams.Dec()
	}
	m.log.Info().Str("stream_sid", s.ID).Str("call_sid", s.CallID).Int("frames", s.info().FramesReceived).Msg("stream stopped")
	return nil
}

// Close cancels every session's scheduler and waits for in-flight flushes.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, s := range m.sessions {
		s.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) runTicker(ctx context.Context, s *StreamSession) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tryFlush(ctx, s, "tick", false)
		}
	}
}

// tryFlush claims the in-flight flag and swaps the buffer out. It reports
// whether a flush ran (or was not needed).
func (m *Manager) tryFlush(ctx context.Context, s *StreamSession, trigger string, final bool) bool {
	if s.buffered() == 0 {
		return true
	}
	if m.transcriber == nil || !m.transcriber.Available() {
		return false
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return false
	}
	data, start, end := s.takeBuffer()
	if len(data) == 0 {
		s.inFlight.Store(false)
		return true
	}
	if m.metrics != nil {
		m.metrics.Flushes.WithLabelValues(trigger).Inc()
	}
	if final {
		m.flush(ctx, s, data, start, end)
		return true
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.flush(context.WithoutCancel(ctx), s, data, start, end)
	}()
	return true
}

// flush transcribes one swapped-out chunk, appends the segment, clears the
// in-flight flag, and only then forwards the segment downstream so the flag
// is never held across sink work.
func (m *Manager) flush(ctx context.Context, s *StreamSession, data []byte, start, end int) {
	seg, ok := m.transcribeChunk(ctx, s, data, start, end)
	s.inFlight.Store(false)
	if !ok {
		return
	}
	if m.sink != nil && seg.Text != "" {
		m.sink.HandleSegment(ctx, s.CallID, seg)
	}
}

func (m *Manager) transcribeChunk(ctx context.Context, s *StreamSession, data []byte, start, end int) (TranscriptSegment, bool) {
	began := time.Now()
	wav, err := audio.MulawToWAV(data, s.Format.SampleRate)
	if err != nil {
		m.log.Error().Err(err).Str("stream_sid", s.ID).Msg("encoding buffered frames failed")
		return TranscriptSegment{}, false
	}
	result, err := m.transcriber.TranscribeBuffer(ctx, wav, transcribe.Options{Language: m.cfg.Language})
	if err != nil {
		m.log.Error().Err(err).Str("stream_sid", s.ID).Int("frame_start", start).Int("frame_end", end).Msg("flush transcription failed")
		return TranscriptSegment{}, false
	}

	seg := TranscriptSegment{
		Text:        result.Text,
		ProducedAt:  time.Now().UTC(),
		FrameStart:  start,
		FrameEnd:    end,
		Confidence:  result.Confidence,
		Provider:    result.Provider,
		ProcessTime: time.Since(began),
	}

	// A session torn down mid-flight keeps the result out of the registry.
	if _, err := m.lookup(s.ID); err != nil {
		m.log.Debug().Str("stream_sid", s.ID).Msg("discarding segment for destroyed session")
		return TranscriptSegment{}, false
	}
	s.appendSegment(seg)
	return seg, true
}

func (m *Manager) lookup(streamSID string) (*StreamSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[streamSID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, streamSID)
	}
	return s, nil
}

// ActiveSessions lists a snapshot of every live session.
func (m *Manager) ActiveSessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	return out
}

// ByCallID resolves the session serving a call.
func (m *Manager) ByCallID(callID string) (SessionInfo, error) {
	m.mu.RLock()
	sid, ok := m.sessionByCall[callID]
	m.mu.RUnlock()
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: call %s", ErrSessionNotFound, callID)
	}
	s, err := m.lookup(sid)
	if err != nil {
		return SessionInfo{}, err
	}
	return s.info(), nil
}

// TranscriptForCall concatenates a call's segment texts in arrival order.
func (m *Manager) TranscriptForCall(callID string) (string, error) {
	m.mu.RLock()
	sid, ok := m.sessionByCall[callID]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: call %s", ErrSessionNotFound, callID)
	}
	s, err := m.lookup(sid)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, 8)
	for _, seg := range s.snapshotSegments() {
		if seg.Text != "" {
			parts = append(parts, seg.Text)
		}
	}
	return strings.Join(parts, " "), nil
}

// SegmentsForCall returns a copy of a call's transcript segments.
func (m *Manager) SegmentsForCall(callID string) ([]TranscriptSegment, error) {
	m.mu.RLock()
	sid, ok := m.sessionByCall[callID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: call %s", ErrSessionNotFound, callID)
	}
	s, err := m.lookup(sid)
	if err != nil {
		return nil, err
	}
	return s.snapshotSegments(), nil
}
