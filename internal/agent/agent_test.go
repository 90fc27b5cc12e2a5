package agent

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/threadworks/scrivener/internal/chat"
	"github.com/threadworks/scrivener/internal/engine"
	"github.com/threadworks/scrivener/internal/observability"
)

func newTestAgent(t *testing.T, eng *fakeEngine, client *fakeClient, clock *fakeClock) *Agent {
	t.Helper()
	cfg := AgentConfig{
		UserID:  "ai-bot-general",
		CID:     "messaging:general",
		Client:  client,
		Engine:  eng,
		Tools:   testRegistry(t),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: observability.NopMetrics(),
		Model:   "gpt-4o",
	}
	if clock != nil {
		cfg.Now = clock.Now
	}
	return New(cfg)
}

func TestAgentIgnoresMessagesBeforeInit(t *testing.T) {
	eng := &fakeEngine{}
	client := newFakeClient()
	a := newTestAgent(t, eng, client, nil)

	a.handleMessage(chat.MessageNew{CID: "messaging:general", Text: "hello"})
	time.Sleep(10 * time.Millisecond)

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.userMessages) != 0 {
		t.Errorf("user messages submitted before Init = %d, want 0", len(eng.userMessages))
	}
}

func TestAgentFiltersInboundMessages(t *testing.T) {
	tests := []struct {
		name  string
		event chat.MessageNew
	}{
		{"empty text", chat.MessageNew{CID: "messaging:general", Text: ""}},
		{"ai generated", chat.MessageNew{CID: "messaging:general", Text: "hi", AIGenerated: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			client := newFakeClient()
			a := newTestAgent(t, eng, client, nil)
			if err := a.Init(context.Background()); err != nil {
				t.Fatalf("Init() error = %v", err)
			}

			client.emitMessage(tt.event)
			time.Sleep(10 * time.Millisecond)

			eng.mu.Lock()
			defer eng.mu.Unlock()
			if len(eng.userMessages) != 0 {
				t.Errorf("user messages submitted = %d, want 0", len(eng.userMessages))
			}
		})
	}
}

func TestAgentRunsInboundMessageToCompletion(t *testing.T) {
	stream := &fakeStream{events: []engine.Event{
		engine.RunCreated{RunID: "run_1"},
		engine.MessageDelta{Text: "Sure, here is a draft."},
		engine.MessageCompleted{Text: "Sure, here is a draft."},
		engine.RunCompleted{},
	}}
	eng := &fakeEngine{streams: []*fakeStream{stream}}
	client := newFakeClient()
	a := newTestAgent(t, eng, client, nil)
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	client.emitMessage(chat.MessageNew{CID: "messaging:general", MessageID: "msg_user", Text: "write me a draft"})

	waitFor(t, time.Second, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.userMessages) == 1
	})
	eng.mu.Lock()
	submitted := eng.userMessages[0]
	eng.mu.Unlock()
	if submitted != "write me a draft" {
		t.Errorf("submitted user message = %q", submitted)
	}

	// Placeholder message, then the handler fills it and winds down.
	waitFor(t, time.Second, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.messages) == 1
	})
	client.mu.Lock()
	placeholder := client.messages[0]
	client.mu.Unlock()
	if placeholder.text != "" || !placeholder.ai {
		t.Errorf("placeholder message = %+v, want empty ai-generated", placeholder)
	}

	waitFor(t, time.Second, func() bool { return a.ActiveHandlers() == 0 })
	partials := client.partialTexts()
	if len(partials) == 0 || partials[len(partials)-1] != "Sure, here is a draft." {
		t.Errorf("partials = %v, want trailing final text", partials)
	}

	sawThinking := false
	for _, state := range client.indicatorStates() {
		if state == chat.IndicatorThinking {
			sawThinking = true
		}
	}
	if !sawThinking {
		t.Error("thinking indicator was never sent")
	}
}

func TestAgentUpdatesLastInteraction(t *testing.T) {
	clock := newFakeClock()
	eng := &fakeEngine{}
	client := newFakeClient()
	a := newTestAgent(t, eng, client, clock)
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	before := a.LastInteraction()
	clock.Advance(time.Minute)
	client.emitMessage(chat.MessageNew{CID: "messaging:general", Text: "ping"})

	waitFor(t, time.Second, func() bool { return a.LastInteraction().After(before) })
	if got, want := a.LastInteraction().Sub(before), time.Minute; got != want {
		t.Errorf("LastInteraction advanced by %v, want %v", got, want)
	}
}

func TestAgentDisposeIsIdempotent(t *testing.T) {
	eng := &fakeEngine{}
	client := newFakeClient()
	a := newTestAgent(t, eng, client, nil)
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	if err := a.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose() error = %v", err)
	}
	if err := a.Dispose(context.Background()); err != nil {
		t.Fatalf("second Dispose() error = %v", err)
	}

	client.mu.Lock()
	disconnected := client.disconnected
	unsubs := client.unsubCount
	client.mu.Unlock()
	if !disconnected {
		t.Error("chat client was not disconnected")
	}
	if unsubs != 1 {
		t.Errorf("subscription removals = %d, want 1", unsubs)
	}

	// Messages after disposal are ignored.
	client.emitMessage(chat.MessageNew{CID: "messaging:general", Text: "too late"})
	time.Sleep(10 * time.Millisecond)
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.userMessages) != 0 {
		t.Errorf("user messages after dispose = %d, want 0", len(eng.userMessages))
	}
}

func TestAgentDisposeStopsActiveHandlers(t *testing.T) {
	release := make(chan struct{})
	stream := &fakeStream{
		events:  []engine.Event{engine.RunCreated{RunID: "run_1"}},
		release: release,
		err:     context.Canceled,
	}
	eng := &fakeEngine{streams: []*fakeStream{stream}}
	client := newFakeClient()
	a := newTestAgent(t, eng, client, nil)
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	client.emitMessage(chat.MessageNew{CID: "messaging:general", Text: "go"})
	waitFor(t, time.Second, func() bool { return a.ActiveHandlers() == 1 })

	if err := a.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose() error = %v", err)
	}
	close(release)

	waitFor(t, time.Second, func() bool { return a.ActiveHandlers() == 0 })
}
