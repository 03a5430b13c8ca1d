// Package convo owns per-call dialogue state and drives the model, the data
// lookups and the synthesis cascade for each turn.
package convo

import "time"

// Speaker labels a history entry's author.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// FunctionResult records one data lookup executed for a turn.
type FunctionResult struct {
	Name   string `json:"name"`
	Result string `json:"result"`
}

// HistoryEntry is one utterance in the accumulated dialogue.
type HistoryEntry struct {
	Speaker         Speaker          `json:"speaker"`
	Text            string           `json:"text"`
	At              time.Time        `json:"at"`
	FunctionResults []FunctionResult `json:"function_results,omitempty"`
}

// End reasons recorded when a conversation leaves the active state.
const (
	EndReasonFarewell = "farewell"
	EndReasonMaxTurns = "max_turns"
	EndReasonNoInput  = "no_input"
	EndReasonExplicit = "explicit"
	EndReasonError    = "error"
)

// ConversationState is the live dialogue state for one call. Owned by the
// Orchestrator; callers only ever see View copies.
type ConversationState struct {
	ID           string
	CallID       string
	CallerNumber string
	CustomerNote string
	Turns        int
	Active       bool
	EndReason    string
	History      []HistoryEntry
	StartedAt    time.Time
	LastActivity time.Time

	noInputCount int
}

// View is a read-only snapshot of a conversation.
type View struct {
	ID           string         `json:"conversation_id"`
	CallID       string         `json:"call_id"`
	CallerNumber string         `json:"caller_number"`
	Turns        int            `json:"turns"`
	Active       bool           `json:"active"`
	EndReason    string         `json:"end_reason,omitempty"`
	History      []HistoryEntry `json:"history"`
	StartedAt    time.Time      `json:"started_at"`
	LastActivity time.Time      `json:"last_activity"`
}

func (s *ConversationState) view() View {
	history := make([]HistoryEntry, len(s.History))
	copy(history, s.History)
	return View{
		ID:           s.ID,
		CallID:       s.CallID,
		CallerNumber: s.CallerNumber,
		Turns:        s.Turns,
		Active:       s.Active,
		EndReason:    s.EndReason,
		History:      history,
		StartedAt:    s.StartedAt,
		LastActivity: s.LastActivity,
	}
}

func (s *ConversationState) appendHistory(speaker Speaker, text string, results []FunctionResult) {
	now := time.Now().UTC()
	s.History = append(s.History, HistoryEntry{Speaker: speaker, Text: text, At: now, FunctionResults: results})
	s.LastActivity = now
}
