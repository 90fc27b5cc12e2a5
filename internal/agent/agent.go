// Package agent implements the per-conversation AI run orchestrator: one
// Agent owns an assistant identity and thread for a conversation, launches a
// streaming run per inbound user message, and tracks the response handlers
// driving those runs.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/threadworks/scrivener/internal/chat"
	"github.com/threadworks/scrivener/internal/engine"
	"github.com/threadworks/scrivener/internal/observability"
	"github.com/threadworks/scrivener/internal/tools"
)

// assistantName is the display name of the assistant identity.
const assistantName = "AI Writing Assistant"

// AgentConfig wires one Agent to its conversation.
type AgentConfig struct {
	// UserID is the bot participant id on the chat transport.
	UserID string

	// CID is the conversation reference (type:id).
	CID string

	Client  chat.Client
	Engine  engine.Engine
	Tools   *tools.Registry
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// Model and Temperature configure the assistant identity.
	Model       string
	Temperature float32

	// MaxToolCycles and FlushInterval are passed through to handlers.
	MaxToolCycles int
	FlushInterval time.Duration

	// Now overrides the clock. Tests inject this.
	Now func() time.Time
}

// Agent owns the assistant identity and thread for one conversation. Each
// accepted inbound message spawns an independent ResponseHandler; handlers
// do not serialize against each other.
type Agent struct {
	userID  string
	cid     string
	client  chat.Client
	engine  engine.Engine
	tools   *tools.Registry
	logger  *slog.Logger
	metrics *observability.Metrics

	model         string
	temperature   float32
	maxToolCycles int
	flushInterval time.Duration
	now           func() time.Time

	mu                  sync.Mutex
	assistantID         string
	threadID            string
	initialized         bool
	disposed            bool
	lastInteraction     time.Time
	handlers            map[*ResponseHandler]struct{}
	unsubscribeMessages func()
}

// New creates an Agent. Call Init before use.
func New(cfg AgentConfig) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Agent{
		userID:          cfg.UserID,
		cid:             cfg.CID,
		client:          cfg.Client,
		engine:          cfg.Engine,
		tools:           cfg.Tools,
		logger:          logger.With("agent", cfg.UserID),
		metrics:         metrics,
		model:           cfg.Model,
		temperature:     cfg.Temperature,
		maxToolCycles:   cfg.MaxToolCycles,
		flushInterval:   cfg.FlushInterval,
		now:             now,
		lastInteraction: now(),
		handlers:        make(map[*ResponseHandler]struct{}),
	}
}

// Init establishes the assistant identity and thread, then subscribes to
// inbound messages. It fails fast when the engine rejects the configuration
// (e.g. missing credentials); no subscription is left behind on error.
func (a *Agent) Init(ctx context.Context) error {
	spec := engine.AssistantSpec{
		Name:         assistantName,
		Instructions: writingAssistantPrompt("", a.now()),
		Model:        a.model,
		Temperature:  a.temperature,
		Tools:        a.toolSchema(),
	}

	assistantID, err := a.engine.CreateAssistant(ctx, spec)
	if err != nil {
		return fmt.Errorf("create assistant: %w", err)
	}
	threadID, err := a.engine.CreateThread(ctx)
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}

	a.mu.Lock()
	a.assistantID = assistantID
	a.threadID = threadID
	a.initialized = true
	a.unsubscribeMessages = a.client.OnMessageNew(a.handleMessage)
	a.mu.Unlock()

	a.logger.Info("agent initialized", "assistant_id", assistantID, "thread_id", threadID)
	return nil
}

// toolSchema builds the assistant tool declarations: the code interpreter
// plus every function tool in the registry.
func (a *Agent) toolSchema() []engine.Tool {
	schema := []engine.Tool{{Type: "code_interpreter"}}
	for _, tool := range a.tools.All() {
		schema = append(schema, engine.Tool{
			Type: "function",
			Function: &engine.Function{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return schema
}

// LastInteraction returns the liveness timestamp used for idle eviction.
func (a *Agent) LastInteraction() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastInteraction
}

// ActiveHandlers returns the number of in-flight response handlers.
func (a *Agent) ActiveHandlers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handlers)
}

// handleMessage reacts to one inbound message. Launching the run happens on
// a fresh goroutine so the transport's event loop is never blocked.
func (a *Agent) handleMessage(event chat.MessageNew) {
	a.mu.Lock()
	initialized := a.initialized && !a.disposed
	a.mu.Unlock()

	if !initialized {
		a.logger.Debug("agent not initialized, ignoring message")
		return
	}
	if event.Text == "" || event.AIGenerated {
		return
	}

	a.mu.Lock()
	a.lastInteraction = a.now()
	a.mu.Unlock()

	go a.startRun(event)
}

// startRun submits the user text to the thread, creates the placeholder
// target message, and launches a ResponseHandler for the streaming run.
func (a *Agent) startRun(event chat.MessageNew) {
	ctx, cancel := context.WithCancel(context.Background())

	fail := func(stage string, err error) {
		cancel()
		a.logger.Error("failed to start run", "stage", stage, "error", err)
	}

	var taskContext string
	if event.WritingTask != "" {
		taskContext = "Writing Task: " + event.WritingTask
	}
	instructions := writingAssistantPrompt(taskContext, a.now())

	if err := a.engine.AddUserMessage(ctx, a.threadID, event.Text); err != nil {
		fail("add user message", err)
		return
	}

	target, err := a.client.SendMessage(ctx, a.cid, "", true)
	if err != nil {
		fail("create placeholder message", err)
		return
	}

	if err := a.client.SendIndicator(ctx, target.CID, target.ID, chat.IndicatorThinking); err != nil {
		a.logger.Warn("send thinking indicator failed", "error", err)
	}

	stream, err := a.engine.StreamRun(ctx, a.threadID, a.assistantID, instructions)
	if err != nil {
		fail("start run", err)
		return
	}

	handler := NewResponseHandler(HandlerConfig{
		Engine:        a.engine,
		Tools:         a.tools,
		Client:        a.client,
		Logger:        a.logger,
		Metrics:       a.metrics,
		ThreadID:      a.threadID,
		Message:       target,
		Stream:        stream,
		Cancel:        cancel,
		MaxToolCycles: a.maxToolCycles,
		FlushInterval: a.flushInterval,
		OnDispose:     a.removeHandler,
	})

	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		handler.Dispose()
		return
	}
	a.handlers[handler] = struct{}{}
	a.mu.Unlock()

	a.metrics.MessagesHandled.Inc()
	a.metrics.RunsStarted.Inc()
	a.logger.Info("run started", "message_id", target.ID)

	go handler.Run(ctx)
}

// removeHandler drops a disposed handler from the active set.
func (a *Agent) removeHandler(handler *ResponseHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.handlers, handler)
}

// Dispose unsubscribes from inbound messages, disconnects the chat identity,
// and disposes every active handler. Idempotent.
func (a *Agent) Dispose(ctx context.Context) error {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return nil
	}
	a.disposed = true
	unsubscribe := a.unsubscribeMessages
	a.unsubscribeMessages = nil
	active := make([]*ResponseHandler, 0, len(a.handlers))
	for handler := range a.handlers {
		active = append(active, handler)
	}
	a.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	err := a.client.Disconnect(ctx)
	if err != nil {
		a.logger.Warn("chat disconnect failed", "error", err)
	}

	for _, handler := range active {
		handler.Dispose()
	}

	a.logger.Info("agent disposed")
	return err
}
