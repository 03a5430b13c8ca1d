package convo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adi99/callAI-sub000/internal/calllog"
	"github.com/adi99/callAI-sub000/internal/llm"
	"github.com/adi99/callAI-sub000/internal/lookup"
	"github.com/adi99/callAI-sub000/internal/observability"
	"github.com/adi99/callAI-sub000/internal/synth"
)

var ErrNotFound = errors.New("conversation not found")

// Farewell phrases that mark a reply as closing the call. Substring matching
// is crude and language-specific but mirrors how the callers actually ring
// off; revisit if the model grows an explicit end-of-call marker.
var farewellPhrases = []string{
	"goodbye",
	"bye for now",
	"have a great day",
	"have a wonderful day",
	"take care",
	"thanks for calling",
}

const (
	defaultGreeting     = "Hello! Thanks for calling. How can I help you today?"
	defaultReprompt     = "Sorry, I didn't catch that. Could you say it again?"
	defaultNoInputBye   = "It seems we got disconnected. Goodbye!"
	defaultContinuation = " Is there anything else I can help you with?"
	defaultSystemPrompt = "You are a friendly phone support agent for an online store. " +
		"Keep replies short and conversational, suitable for being read aloud. " +
		"Use the provided functions to look up orders and products instead of guessing. " +
		"When the caller is done, say goodbye politely."
)

// Synthesizer is the voice side of the cascade. Satisfied by *synth.Cascade.
type Synthesizer interface {
	Speak(ctx context.Context, text string, params synth.VoiceParams, fallbackText string) (synth.SpokenReply, error)
	Apology() synth.SpokenReply
}

// Config bounds conversation behaviour.
type Config struct {
	MaxTurns          int
	NoInputRetryLimit int
	SystemPrompt      string
	Greeting          string
	VoiceParams       synth.VoiceParams
}

// TurnResult is the outcome of one caller-utterance/agent-reply exchange.
type TurnResult struct {
	ConversationID string
	Turn           int
	ReplyText      string
	ShouldContinue bool
	Spoken         synth.SpokenReply
}

// Orchestrator owns the conversation registry and per-turn dialogue logic.
type Orchestrator struct {
	cfg     Config
	model   llm.Provider
	lookups lookup.Service
	voice   Synthesizer
	logbook calllog.Logger
	metrics *observability.Metrics
	log     zerolog.Logger

	mu            sync.RWMutex
	conversations map[string]*ConversationState
	convoByCall   map[string]string
}

func NewOrchestrator(cfg Config, model llm.Provider, lookups lookup.Service, voice Synthesizer, logbook calllog.Logger, metrics *observability.Metrics, log zerolog.Logger) *Orchestrator {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 10
	}
	if cfg.NoInputRetryLimit <= 0 {
		cfg.NoInputRetryLimit = 2
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Greeting == "" {
		cfg.Greeting = defaultGreeting
	}
	if logbook == nil {
		logbook = calllog.Noop{}
	}
	return &Orchestrator{
		cfg:           cfg,
		model:         model,
		lookups:       lookups,
		voice:         voice,
		logbook:       logbook,
		metrics:       metrics,
		log:           log,
		conversations: make(map[string]*ConversationState),
		convoByCall:   make(map[string]string),
	}
}

// StartConversation creates the dialogue state for a new call and resolves
// the caller's context snapshot. Returns the greeting to speak first.
func (o *Orchestrator) StartConversation(ctx context.Context, callID, fromNumber string) (View, string, error) {
	now := time.Now().UTC()
	s := &ConversationState{
		ID:           uuid.NewString(),
		CallID:       callID,
		CallerNumber: fromNumber,
		Active:       true,
		StartedAt:    now,
		LastActivity: now,
	}

	if o.lookups != nil && fromNumber != "" {
		customer, err := o.lookups.CustomerContext(ctx, fromNumber)
		switch {
		case err == nil:
			s.CustomerNote = fmt.Sprintf("The caller is %s (%s tier customer).", customer.Name, customer.Tier)
			if customer.Notes != "" {
				s.CustomerNote += " " + customer.Notes
			}
		case errors.Is(err, lookup.ErrNotFound):
			// Unknown caller; proceed without personalization.
		default:
			o.log.Warn().Err(err).Str("call_id", callID).Msg("customer context lookup failed")
		}
	}

	o.mu.Lock()
	o.conversations[s.ID] = s
	if callID != "" {
		o.convoByCall[callID] = s.ID
	}
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ActiveConversations.Inc()
	}
	if err := o.logbook.StartCall(ctx, callID, fromNumber); err != nil {
		o.log.Warn().Err(err).Str("call_id", callID).Msg("call log start failed")
	}
	o.log.Info().Str("conversation_id", s.ID).Str("call_id", callID).Msg("conversation started")
	return s.view(), o.cfg.Greeting, nil
}

// HandleTurn runs one exchange: utterance in, spoken reply out, plus the
// decision whether the call continues.
func (o *Orchestrator) HandleTurn(ctx context.Context, conversationID, utterance string) (TurnResult, error) {
	s, err := o.get(conversationID)
	if err != nil {
		return TurnResult{}, err
	}

	o.mu.Lock()
	if !s.Active {
		view := s.view()
		o.mu.Unlock()
		return TurnResult{ConversationID: view.ID, Turn: view.Turns, ShouldContinue: false, Spoken: synth.SpokenReply{Kind: synth.KindSay, Text: defaultNoInputBye}}, nil
	}
	s.Turns++
	turn := s.Turns
	o.mu.Unlock()

	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return o.handleNoInput(ctx, s, turn)
	}

	o.mu.Lock()
	s.noInputCount = 0
	s.appendHistory(SpeakerCaller, utterance, nil)
	o.mu.Unlock()

	if err := o.logbook.LogTranscription(ctx, s.CallID, utterance, 0); err != nil {
		o.log.Warn().Err(err).Str("call_id", s.CallID).Msg("call log transcription failed")
	}

	replyText, results, err := o.generateReply(ctx, s, turn)
	if err != nil {
		o.log.Error().Err(err).Str("conversation_id", s.ID).Int("turn", turn).Msg("turn failed, terminating call")
		return o.failTurn(ctx, s, turn), nil
	}

	o.mu.Lock()
	s.appendHistory(SpeakerAgent, replyText, results)
	o.mu.Unlock()

	shouldContinue := true
	endReason := ""
	switch {
	case turn >= o.cfg.MaxTurns:
		shouldContinue = false
		endReason = EndReasonMaxTurns
	case containsFarewell(replyText):
		shouldContinue = false
		endReason = EndReasonFarewell
	}

	speakText := replyText
	if shouldContinue {
		speakText += defaultContinuation
	}
	spoken := o.speak(ctx, s, speakText, replyText)

	if !shouldContinue {
		o.end(ctx, s, endReason, calllog.StatusCompleted)
	}
	if o.metrics != nil {
		result := "continue"
		if !shouldContinue {
			result = endReason
		}
		o.metrics.Turns.WithLabelValues(result).Inc()
	}

	return TurnResult{
		ConversationID: s.ID,
		Turn:           turn,
		ReplyText:      replyText,
		ShouldContinue: shouldContinue,
		Spoken:         spoken,
	}, nil
}

// EndConversation terminates a conversation on external request. Ending an
// already-ended conversation is a no-op returning the same terminal state.
func (o *Orchestrator) EndConversation(ctx context.Context, conversationID string) (View, error) {
	s, err := o.get(conversationID)
	if err != nil {
		return View{}, err
	}
	o.mu.Lock()
	if !s.Active {
		view := s.view()
		o.mu.Unlock()
		return view, nil
	}
	o.mu.Unlock()
	o.end(ctx, s, EndReasonExplicit, calllog.StatusCompleted)
	o.mu.RLock()
	defer o.mu.RUnlock()
	return s.view(), nil
}

// Get returns a conversation snapshot by id.
func (o *Orchestrator) Get(conversationID string) (View, error) {
	s, err := o.get(conversationID)
	if err != nil {
		return View{}, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return s.view(), nil
}

// ByCallID resolves the conversation serving a call.
func (o *Orchestrator) ByCallID(callID string) (View, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	id, ok := o.convoByCall[callID]
	if !ok {
		return View{}, fmt.Errorf("%w: call %s", ErrNotFound, callID)
	}
	s, ok := o.conversations[id]
	if !ok {
		return View{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.view(), nil
}

// Active lists snapshots of every conversation still in progress.
func (o *Orchestrator) Active() []View {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]View, 0, len(o.conversations))
	for _, s := range o.conversations {
		if s.Active {
			out = append(out, s.view())
		}
	}
	return out
}

func (o *Orchestrator) handleNoInput(ctx context.Context, s *ConversationState, turn int) (TurnResult, error) {
	o.mu.Lock()
	s.noInputCount++
	count := s.noInputCount
	o.mu.Unlock()

	if count <= o.cfg.NoInputRetryLimit && turn < o.cfg.MaxTurns {
		spoken := o.speak(ctx, s, defaultReprompt, defaultReprompt)
		if o.metrics != nil {
			o.metrics.Turns.WithLabelValues("no_input_retry").Inc()
		}
		return TurnResult{ConversationID: s.ID, Turn: turn, ReplyText: defaultReprompt, ShouldContinue: true, Spoken: spoken}, nil
	}

	spoken := o.speak(ctx, s, defaultNoInputBye, defaultNoInputBye)
	o.end(ctx, s, EndReasonNoInput, calllog.StatusAbandoned)
	if o.metrics != nil {
		o.metrics.Turns.WithLabelValues(EndReasonNoInput).Inc()
	}
	return TurnResult{ConversationID: s.ID, Turn: turn, ReplyText: defaultNoInputBye, ShouldContinue: false, Spoken: spoken}, nil
}

// generateReply runs the model, executing any requested function calls and
// feeding their results back for a final answer.
func (o *Orchestrator) generateReply(ctx context.Context, s *ConversationState, turn int) (string, []FunctionResult, error) {
	if o.model == nil {
		return "", nil, errors.New("language model not configured")
	}

	req := llm.Request{
		SystemPrompt: o.systemPrompt(s),
		Messages:     o.historyMessages(s),
	}
	if o.lookups != nil {
		req.Tools = lookup.ToolDefinitions()
	}

	reply, err := o.model.Generate(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("model turn %d: %w", turn, err)
	}
	if len(reply.FunctionCalls) == 0 {
		return reply.Content, nil, nil
	}

	// Second pass: answer with the function results in context.
	results := make([]FunctionResult, 0, len(reply.FunctionCalls))
	followup := req
	followup.Messages = append(followup.Messages, llm.Message{
		Role:    llm.RoleAssistant,
		Content: reply.Content,
		Calls:   reply.FunctionCalls,
	})
	for _, call := range reply.FunctionCalls {
		result, err := lookup.Dispatch(ctx, o.lookups, call)
		if err != nil {
			o.log.Warn().Err(err).Str("function", call.Name).Msg("function call failed")
			result = `{"error":"lookup unavailable"}`
		}
		results = append(results, FunctionResult{Name: call.Name, Result: result})
		followup.Messages = append(followup.Messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    result,
			ToolCallID: call.ID,
		})
		if err := o.logbook.LogModelInteraction(ctx, s.CallID, calllog.ModelInteraction{
			Turn:         turn,
			Reply:        result,
			FunctionName: call.Name,
			At:           time.Now().UTC(),
		}); err != nil {
			o.log.Warn().Err(err).Str("call_id", s.CallID).Msg("call log model interaction failed")
		}
	}
	followup.Tools = nil

	final, err := o.model.Generate(ctx, followup)
	if err != nil {
		return "", nil, fmt.Errorf("model followup turn %d: %w", turn, err)
	}
	if err := o.logbook.LogModelInteraction(ctx, s.CallID, calllog.ModelInteraction{
		Turn:  turn,
		Reply: final.Content,
		At:    time.Now().UTC(),
	}); err != nil {
		o.log.Warn().Err(err).Str("call_id", s.CallID).Msg("call log model interaction failed")
	}
	return final.Content, results, nil
}

func (o *Orchestrator) systemPrompt(s *ConversationState) string {
	o.mu.RLock()
	note := s.CustomerNote
	o.mu.RUnlock()
	if note == "" {
		return o.cfg.SystemPrompt
	}
	return o.cfg.SystemPrompt + "\n\n" + note
}

func (o *Orchestrator) historyMessages(s *ConversationState) []llm.Message {
	o.mu.RLock()
	defer o.mu.RUnlock()
	msgs := make([]llm.Message, 0, len(s.History))
	for _, entry := range s.History {
		role := llm.RoleUser
		if entry.Speaker == SpeakerAgent {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: entry.Text})
	}
	return msgs
}

// speak never fails: the cascade degrades through Say and the apology.
func (o *Orchestrator) speak(ctx context.Context, s *ConversationState, text, fallbackText string) synth.SpokenReply {
	if o.voice == nil {
		return synth.SpokenReply{Kind: synth.KindSay, Text: text, FallbackUsed: true}
	}
	spoken, err := o.voice.Speak(ctx, text, o.cfg.VoiceParams, fallbackText)
	if err != nil {
		o.log.Error().Err(err).Str("conversation_id", s.ID).Msg("synthesis rejected text, using apology")
		return o.voice.Apology()
	}
	if err := o.logbook.LogSynthesizedAudio(ctx, s.CallID, spoken.Text, ""); err != nil {
		o.log.Warn().Err(err).Str("call_id", s.CallID).Msg("call log synthesis failed")
	}
	return spoken
}

// failTurn degrades gracefully on an unrecoverable error: apology out,
// failed status logged, conversation closed.
func (o *Orchestrator) failTurn(ctx context.Context, s *ConversationState, turn int) TurnResult {
	var spoken synth.SpokenReply
	if o.voice != nil {
		spoken = o.voice.Apology()
	} else {
		spoken = synth.SpokenReply{Kind: synth.KindSay, Text: synth.ApologyText, FallbackUsed: true}
	}
	o.end(ctx, s, EndReasonError, calllog.StatusFailed)
	if o.metrics != nil {
		o.metrics.Turns.WithLabelValues(EndReasonError).Inc()
	}
	return TurnResult{
		ConversationID: s.ID,
		Turn:           turn,
		ReplyText:      spoken.Text,
		ShouldContinue: false,
		Spoken:         spoken,
	}
}

func (o *Orchestrator) end(ctx context.Context, s *ConversationState, reason, status string) {
	o.mu.Lock()
	if !s.Active {
		o.mu.Unlock()
		return
	}
	s.Active = false
	s.EndReason = reason
	s.LastActivity = time.Now().UTC()
	turns := s.Turns
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ActiveConversations.Dec()
	}
	if err := o.logbook.EndCall(ctx, s.CallID, status); err != nil {
		o.log.Warn().Err(err).Str("call_id", s.CallID).Msg("call log end failed")
	}
	o.log.Info().Str("conversation_id", s.ID).Str("reason", reason).Int("turns", turns).Msg("conversation ended")
}

func (o *Orchestrator) get(conversationID string) (*ConversationState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	return s, nil
}

func containsFarewell(reply string) bool {
	lower := strings.ToLower(reply)
	for _, phrase := range farewellPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
