package transcribe

import (
	"sync"
	"time"
)

// Stats aggregates transcription failures for observability. One instance is
// owned by the Engine and shared by every caller of it.
type Stats struct {
	mu                sync.Mutex
	total             int64
	failures          int64
	recoveredRetries  int64
	errorsByCode      map[string]int64
	lastErrorCode     string
	lastErrorMessage  string
	lastErrorAt       time.Time
	lastSuccessAt     time.Time
	lastProcessingDur time.Duration
}

// StatsSnapshot is a read-only copy of the counters.
type StatsSnapshot struct {
	Total            int64            `json:"total"`
	Failures         int64            `json:"failures"`
	RecoveredRetries int64            `json:"recovered_retries"`
	ErrorsByCode     map[string]int64 `json:"errors_by_code"`
	LastErrorCode    string           `json:"last_error_code,omitempty"`
	LastErrorMessage string           `json:"last_error_message,omitempty"`
	LastErrorAt      time.Time        `json:"last_error_at,omitzero"`
	LastSuccessAt    time.Time        `json:"last_success_at,omitzero"`
}

func NewStats() *Stats {
	return &Stats{errorsByCode: make(map[string]int64)}
}

func (s *Stats) recordSuccess(retries int, dur time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if retries > 0 {
		s.recoveredRetries += int64(retries)
	}
	s.lastSuccessAt = time.Now().UTC()
	s.lastProcessingDur = dur
}

func (s *Stats) recordFailure(code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.failures++
	s.errorsByCode[code]++
	s.lastErrorCode = code
	s.lastErrorMessage = message
	s.lastErrorAt = time.Now().UTC()
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	byCode := make(map[string]int64, len(s.errorsByCode))
	for k, v := range s.errorsByCode {
		byCode[k] = v
	}
	return StatsSnapshot{
		Total:            s.total,
		Failures:         s.failures,
		RecoveredRetries: s.recoveredRetries,
		ErrorsByCode:     byCode,
		LastErrorCode:    s.lastErrorCode,
		LastErrorMessage: s.lastErrorMessage,
		LastErrorAt:      s.lastErrorAt,
		LastSuccessAt:    s.lastSuccessAt,
	}
}
