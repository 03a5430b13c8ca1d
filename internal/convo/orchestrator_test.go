package convo

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/adi99/callAI-sub000/internal/calllog"
	"github.com/adi99/callAI-sub000/internal/llm"
	"github.com/adi99/callAI-sub000/internal/lookup"
	"github.com/adi99/callAI-sub000/internal/synth"
)

type stubModel struct {
	mu       sync.Mutex
	calls    int
	requests []llm.Request
	generate func(call int, req llm.Request) (llm.Reply, error)
}

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) Generate(_ context.Context, req llm.Request) (llm.Reply, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.generate(call, req)
}

type stubVoice struct{}

func (stubVoice) Speak(_ context.Context, text string, _ synth.VoiceParams, _ string) (synth.SpokenReply, error) {
	return synth.SpokenReply{Kind: synth.KindSay, Text: text}, nil
}

func (stubVoice) Apology() synth.SpokenReply {
	return synth.SpokenReply{Kind: synth.KindSay, Text: synth.ApologyText, FallbackUsed: true}
}

type memLogger struct {
	mu       sync.Mutex
	started  []string
	statuses map[string]string
	endCalls int
}

func newMemLogger() *memLogger {
	return &memLogger{statuses: make(map[string]string)}
}

func (l *memLogger) StartCall(_ context.Context, callID, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, callID)
	return nil
}

func (l *memLogger) LogTranscription(context.Context, string, string, float64) error { return nil }

func (l *memLogger) LogModelInteraction(context.Context, string, calllog.ModelInteraction) error {
	return nil
}

func (l *memLogger) LogSynthesizedAudio(context.Context, string, string, string) error { return nil }

func (l *memLogger) EndCall(_ context.Context, callID, status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[callID] = status
	l.endCalls++
	return nil
}

func (l *memLogger) status(callID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses[callID]
}

func newTestOrchestrator(t *testing.T, cfg Config, model llm.Provider) (*Orchestrator, *memLogger) {
	t.Helper()
	logbook := newMemLogger()
	svc := lookup.NewStaticService()
	svc.AddOrder(lookup.Order{ID: "ord-42", CustomerID: "cust-1", Status: "shipped", Items: []string{"kettle"}})
	o := NewOrchestrator(cfg, model, svc, stubVoice{}, logbook, nil, zerolog.Nop())
	return o, logbook
}

func TestFarewellReplyEndsConversation(t *testing.T) {
	model := &stubModel{generate: func(call int, _ llm.Request) (llm.Reply, error) {
		if call == 1 {
			return llm.Reply{Content: "Your order is on its way."}, nil
		}
		return llm.Reply{Content: "You're welcome, have a great day!"}, nil
	}}
	o, _ := newTestOrchestrator(t, Config{MaxTurns: 10}, model)

	view, _, err := o.StartConversation(context.Background(), "CA1", "+15550001111")
	if err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}

	first, err := o.HandleTurn(context.Background(), view.ID, "where is my order")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if !first.ShouldContinue {
		t.Fatalf("first turn ShouldContinue = false, want true")
	}

	second, err := o.HandleTurn(context.Background(), view.ID, "thanks, that's all")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if second.ShouldContinue {
		t.Fatalf("farewell reply at turn %d: ShouldContinue = true, want false", second.Turn)
	}

	got, err := o.Get(view.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Active || got.EndReason != EndReasonFarewell {
		t.Fatalf("conversation = %+v, want ended with farewell", got)
	}
}

func TestMaxTurnsForcesTermination(t *testing.T) {
	model := &stubModel{generate: func(int, llm.Request) (llm.Reply, error) {
		return llm.Reply{Content: "Sure, what else can I look up?"}, nil
	}}
	o, _ := newTestOrchestrator(t, Config{MaxTurns: 3}, model)

	view, _, err := o.StartConversation(context.Background(), "CA2", "")
	if err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}

	lastTurn := 0
	for i := 0; i < 3; i++ {
		res, err := o.HandleTurn(context.Background(), view.ID, "another question")
		if err != nil {
			t.Fatalf("HandleTurn() error = %v", err)
		}
		if res.Turn <= lastTurn {
			t.Fatalf("turn counter not monotonic: %d after %d", res.Turn, lastTurn)
		}
		lastTurn = res.Turn
		if i < 2 && !res.ShouldContinue {
			t.Fatalf("turn %d ended early", res.Turn)
		}
		if i == 2 && res.ShouldContinue {
			t.Fatalf("turn %d at max: ShouldContinue = true, want false regardless of reply", res.Turn)
		}
	}

	got, err := o.Get(view.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Active || got.EndReason != EndReasonMaxTurns || got.Turns != 3 {
		t.Fatalf("conversation = %+v, want ended at max turns", got)
	}
}

func TestEndConversationIsIdempotent(t *testing.T) {
	model := &stubModel{generate: func(int, llm.Request) (llm.Reply, error) {
		return llm.Reply{Content: "ok"}, nil
	}}
	o, logbook := newTestOrchestrator(t, Config{}, model)

	view, _, err := o.StartConversation(context.Background(), "CA3", "")
	if err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}

	first, err := o.EndConversation(context.Background(), view.ID)
	if err != nil {
		t.Fatalf("EndConversation() error = %v", err)
	}
	second, err := o.EndConversation(context.Background(), view.ID)
	if err != nil {
		t.Fatalf("repeat EndConversation() error = %v", err)
	}
	if first.Active || second.Active {
		t.Fatalf("ended conversation still active")
	}
	if first.EndReason != second.EndReason || first.Turns != second.Turns {
		t.Fatalf("repeat end changed terminal state: %+v vs %+v", first, second)
	}
	if logbook.endCalls != 1 {
		t.Fatalf("EndCall invoked %d times, want 1", logbook.endCalls)
	}

	// A turn after the end stays terminal.
	res, err := o.HandleTurn(context.Background(), view.ID, "hello?")
	if err != nil {
		t.Fatalf("HandleTurn() after end error = %v", err)
	}
	if res.ShouldContinue {
		t.Fatalf("turn after end: ShouldContinue = true")
	}
}

func TestNoInputPolicyRepromptsThenHangsUp(t *testing.T) {
	model := &stubModel{generate: func(int, llm.Request) (llm.Reply, error) {
		return llm.Reply{Content: "ok"}, nil
	}}
	o, logbook := newTestOrchestrator(t, Config{MaxTurns: 10, NoInputRetryLimit: 2}, model)

	view, _, err := o.StartConversation(context.Background(), "CA4", "")
	if err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		res, err := o.HandleTurn(context.Background(), view.ID, "")
		if err != nil {
			t.Fatalf("HandleTurn() error = %v", err)
		}
		if !res.ShouldContinue {
			t.Fatalf("no-input retry %d ended the call", i+1)
		}
		if !strings.Contains(res.ReplyText, "didn't catch") {
			t.Fatalf("reply = %q, want re-prompt", res.ReplyText)
		}
	}

	res, err := o.HandleTurn(context.Background(), view.ID, "   ")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.ShouldContinue {
		t.Fatalf("third silent turn should terminate the call")
	}
	if logbook.status("CA4") != calllog.StatusAbandoned {
		t.Fatalf("call status = %q, want %q", logbook.status("CA4"), calllog.StatusAbandoned)
	}
	if model.calls != 0 {
		t.Fatalf("model called %d times for silent turns, want 0", model.calls)
	}
}

func TestFunctionCallsFeedSecondModelPass(t *testing.T) {
	model := &stubModel{generate: func(call int, req llm.Request) (llm.Reply, error) {
		if call == 1 {
			return llm.Reply{FunctionCalls: []llm.FunctionCall{{
				ID:        "call_1",
				Name:      "get_order_status",
				Arguments: `{"order_id":"ord-42"}`,
			}}}, nil
		}
		// The followup must carry the tool result.
		last := req.Messages[len(req.Messages)-1]
		if last.Role != llm.RoleTool || !strings.Contains(last.Content, "shipped") {
			return llm.Reply{}, errors.New("tool result missing from followup")
		}
		if last.ToolCallID != "call_1" {
			return llm.Reply{}, errors.New("tool call id not threaded through")
		}
		return llm.Reply{Content: "Your order ord-42 has shipped."}, nil
	}}
	o, _ := newTestOrchestrator(t, Config{MaxTurns: 10}, model)

	view, _, err := o.StartConversation(context.Background(), "CA5", "")
	if err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	res, err := o.HandleTurn(context.Background(), view.ID, "where is order ord-42")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if !strings.Contains(res.ReplyText, "has shipped") {
		t.Fatalf("reply = %q", res.ReplyText)
	}
	if model.calls != 2 {
		t.Fatalf("model calls = %d, want 2 (tool pass + answer pass)", model.calls)
	}

	got, err := o.Get(view.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	agent := got.History[len(got.History)-1]
	if len(agent.FunctionResults) != 1 || agent.FunctionResults[0].Name != "get_order_status" {
		t.Fatalf("agent history entry = %+v, want recorded function result", agent)
	}
}

func TestModelFailureDegradesToApology(t *testing.T) {
	model := &stubModel{generate: func(int, llm.Request) (llm.Reply, error) {
		return llm.Reply{}, errors.New("upstream exploded")
	}}
	o, logbook := newTestOrchestrator(t, Config{}, model)

	view, _, err := o.StartConversation(context.Background(), "CA6", "")
	if err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	res, err := o.HandleTurn(context.Background(), view.ID, "hello")
	if err != nil {
		t.Fatalf("HandleTurn() must not surface raw errors, got %v", err)
	}
	if res.ShouldContinue {
		t.Fatalf("failed turn should terminate the call")
	}
	if res.Spoken.Text != synth.ApologyText {
		t.Fatalf("spoken = %q, want apology", res.Spoken.Text)
	}
	if logbook.status("CA6") != calllog.StatusFailed {
		t.Fatalf("call status = %q, want %q", logbook.status("CA6"), calllog.StatusFailed)
	}
}

func TestHandleTurnUnknownConversation(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{}, &stubModel{generate: func(int, llm.Request) (llm.Reply, error) {
		return llm.Reply{}, nil
	}})
	if _, err := o.HandleTurn(context.Background(), "missing", "hi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}
