package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/threadworks/scrivener/internal/chat"
	"github.com/threadworks/scrivener/internal/engine"
	"github.com/threadworks/scrivener/internal/observability"
	"github.com/threadworks/scrivener/internal/tools"
)

// HandlerState is the lifecycle state of a ResponseHandler.
type HandlerState string

const (
	StateStreaming     HandlerState = "streaming"
	StateAwaitingTools HandlerState = "awaiting_tool_outputs"
	StateCompleted     HandlerState = "completed"
	StateFailed        HandlerState = "failed"
	StateCancelled     HandlerState = "cancelled"
)

// defaultFlushInterval coalesces partial message updates so rapid deltas do
// not cause one transport write per token.
const defaultFlushInterval = time.Second

// cancelCallTimeout bounds the best-effort engine cancel issued on a stop
// signal.
const cancelCallTimeout = 10 * time.Second

// HandlerConfig wires one ResponseHandler to its run.
type HandlerConfig struct {
	Engine  engine.Engine
	Tools   *tools.Registry
	Client  chat.Client
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// ThreadID is the engine thread the run executes on.
	ThreadID string

	// Message is the placeholder target message this handler fills.
	Message chat.MessageRef

	// Stream is the event stream of the freshly created run.
	Stream engine.Stream

	// Cancel aborts the run context so a stop signal unblocks stream reads.
	Cancel context.CancelFunc

	// MaxToolCycles caps submit-tool-outputs round trips before the run is
	// failed. Zero means the default of 16.
	MaxToolCycles int

	// FlushInterval overrides the partial-update coalescing window. Zero
	// means the 1s default. Tests shrink this.
	FlushInterval time.Duration

	// Now overrides the clock used for flush coalescing. Tests inject this.
	Now func() time.Time

	// OnDispose notifies the owning agent that the handler left its active
	// set. Called exactly once.
	OnDispose func(*ResponseHandler)
}

// ResponseHandler drives one assistant run to completion: it consumes the
// run's event stream, fills the target message incrementally, executes
// requested tool calls and resubmits their outputs, and reacts to
// completion, failure, and stop signals.
//
// The handler reaches a terminal state exactly once; disposal is guarded by
// a done flag so stop signals racing completion resolve to whichever comes
// first, the loser becoming a no-op.
type ResponseHandler struct {
	engine  engine.Engine
	tools   *tools.Registry
	client  chat.Client
	logger  *slog.Logger
	metrics *observability.Metrics

	threadID      string
	message       chat.MessageRef
	initialStream engine.Stream
	cancel        context.CancelFunc
	maxToolCycles int
	flushInterval time.Duration
	now           func() time.Time
	onDispose     func(*ResponseHandler)

	unsubscribeStop func()

	mu           sync.Mutex
	runID        string
	state        HandlerState
	done         bool
	buffer       strings.Builder
	lastFlush    time.Time
	finalWritten bool
}

// NewResponseHandler creates a handler bound to one run and target message
// and subscribes it to stop-generation signals.
func NewResponseHandler(cfg HandlerConfig) *ResponseHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	maxToolCycles := cfg.MaxToolCycles
	if maxToolCycles <= 0 {
		maxToolCycles = 16
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cancel := cfg.Cancel
	if cancel == nil {
		cancel = func() {}
	}

	h := &ResponseHandler{
		engine:        cfg.Engine,
		tools:         cfg.Tools,
		client:        cfg.Client,
		logger:        logger.With("message_id", cfg.Message.ID),
		metrics:       metrics,
		threadID:      cfg.ThreadID,
		message:       cfg.Message,
		initialStream: cfg.Stream,
		cancel:        cancel,
		maxToolCycles: maxToolCycles,
		flushInterval: flushInterval,
		now:           now,
		onDispose:     cfg.OnDispose,
		state:         StateStreaming,
	}
	h.unsubscribeStop = cfg.Client.OnStopGeneration(h.handleStop)
	metrics.ActiveHandlers.Inc()
	return h
}

// MessageID returns the id of the target message this handler owns.
func (h *ResponseHandler) MessageID() string {
	return h.message.ID
}

// RunID returns the engine-assigned run id, or empty before the first
// lifecycle event arrives. Immutable once observed.
func (h *ResponseHandler) RunID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runID
}

// State returns the handler's current lifecycle state.
func (h *ResponseHandler) State() HandlerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done reports whether the handler reached a terminal state.
func (h *ResponseHandler) Done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// streamOutcome is the reason a single stream consumption pass ended.
type streamOutcome int

const (
	outcomeCompleted streamOutcome = iota
	outcomeFailed
	outcomeRequiresAction
	outcomeAborted
)

// Run consumes the run's streams until a terminal state. It is the
// handler's goroutine body; errors never escape it.
func (h *ResponseHandler) Run(ctx context.Context) {
	stream := h.initialStream
	cycles := 0

	for {
		outcome, outputs, err := h.consume(ctx, stream)
		stream.Close()

		switch {
		case err != nil:
			h.fail(err)
			return
		case outcome == outcomeCompleted, outcome == outcomeFailed, outcome == outcomeAborted:
			return
		case outcome == outcomeRequiresAction:
			cycles++
			if cycles > h.maxToolCycles {
				h.fail(fmt.Errorf("run exceeded %d tool-output cycles", h.maxToolCycles))
				return
			}
			next, err := h.engine.SubmitToolOutputs(ctx, h.threadID, h.RunID(), outputs)
			if err != nil {
				if h.Done() {
					return
				}
				h.fail(fmt.Errorf("submit tool outputs: %w", err))
				return
			}
			stream = next
		}
	}
}

// consume processes events from one stream until it yields a terminal event,
// suspends for tool outputs, or ends. A stream that ends without a terminal
// event is an error unless the handler was already disposed (stop signal
// races surface as aborted reads).
func (h *ResponseHandler) consume(ctx context.Context, stream engine.Stream) (streamOutcome, []engine.ToolOutput, error) {
	for {
		event, err := stream.Next()
		if err != nil {
			if h.Done() {
				return outcomeAborted, nil, nil
			}
			if errors.Is(err, io.EOF) {
				return outcomeFailed, nil, errors.New("run stream ended without a terminal event")
			}
			return outcomeFailed, nil, fmt.Errorf("read run stream: %w", err)
		}

		switch event := event.(type) {
		case engine.RunCreated:
			h.setRunID(event.RunID)

		case engine.MessageDelta:
			h.appendDelta(ctx, event.Text)

		case engine.RunStepCreated:
			if event.MessageCreation {
				h.sendIndicator(ctx, chat.IndicatorGenerating)
			}

		case engine.MessageCompleted:
			h.writeFinal(ctx, event.Text)

		case engine.RunRequiresAction:
			h.setRunID(event.RunID)
			h.setState(StateAwaitingTools)
			h.sendIndicator(ctx, chat.IndicatorExternalSources)
			outputs := h.executeToolCalls(ctx, event.ToolCalls)
			h.setState(StateStreaming)
			return outcomeRequiresAction, outputs, nil

		case engine.RunCompleted:
			h.complete(ctx)
			return outcomeCompleted, nil, nil

		case engine.RunFailed:
			message := event.Message
			if message == "" {
				message = "Run failed"
			}
			h.fail(errors.New(message))
			return outcomeFailed, nil, nil
		}
	}
}

// executeToolCalls collects one output per pending call. Argument parsing
// and execution failures become error-shaped outputs so the batch is always
// complete; the engine never receives a partial resubmission.
func (h *ResponseHandler) executeToolCalls(ctx context.Context, calls []engine.ToolCall) []engine.ToolOutput {
	outputs := make([]engine.ToolOutput, 0, len(calls))
	for _, call := range calls {
		output := h.tools.Execute(ctx, call.Name, call.Arguments)
		outputs = append(outputs, engine.ToolOutput{CallID: call.ID, Output: output})
	}
	return outputs
}

// setRunID records the engine-assigned run id. First assignment wins.
func (h *ResponseHandler) setRunID(runID string) {
	if runID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runID == "" {
		h.runID = runID
	}
}

func (h *ResponseHandler) setState(state HandlerState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.done {
		h.state = state
	}
}

// appendDelta accumulates assistant text and pushes a coalesced partial
// update at most once per flush window.
func (h *ResponseHandler) appendDelta(ctx context.Context, text string) {
	h.mu.Lock()
	h.buffer.WriteString(text)
	now := h.now()
	flush := now.Sub(h.lastFlush) >= h.flushInterval
	var snapshot string
	if flush {
		h.lastFlush = now
		snapshot = h.buffer.String()
	}
	h.mu.Unlock()

	if !flush {
		return
	}
	if err := h.client.PartialUpdateMessage(ctx, h.message.ID, snapshot); err != nil {
		h.logger.Warn("partial message update failed", "error", err)
		return
	}
	h.metrics.PartialUpdates.Inc()
}

// writeFinal pushes the terminal message content and clears the indicator.
// Empty terminal content falls back to the accumulated buffer.
func (h *ResponseHandler) writeFinal(ctx context.Context, text string) {
	h.mu.Lock()
	if text == "" {
		text = h.buffer.String()
	}
	h.finalWritten = true
	h.mu.Unlock()

	if err := h.client.PartialUpdateMessage(ctx, h.message.ID, text); err != nil {
		h.logger.Warn("final message update failed", "error", err)
	}
	if err := h.client.ClearIndicator(ctx, h.message.CID, h.message.ID); err != nil {
		h.logger.Warn("clear indicator failed", "error", err)
	}
}

func (h *ResponseHandler) sendIndicator(ctx context.Context, state chat.IndicatorState) {
	if err := h.client.SendIndicator(ctx, h.message.CID, h.message.ID, state); err != nil {
		h.logger.Warn("send indicator failed", "state", string(state), "error", err)
	}
}

// complete finishes the run. If no terminal content event arrived, the
// accumulated buffer becomes the final text.
func (h *ResponseHandler) complete(ctx context.Context) {
	h.mu.Lock()
	written := h.finalWritten
	h.mu.Unlock()
	if !written {
		h.writeFinal(ctx, "")
	}
	h.dispose(StateCompleted)
}

// fail is the last line of defense before disposal: it surfaces the error on
// the target message and must not propagate anything further.
func (h *ResponseHandler) fail(err error) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	h.logger.Error("run failed", "error", err)

	ctx, cancel := context.WithTimeout(context.Background(), cancelCallTimeout)
	defer cancel()

	if indicatorErr := h.client.SendIndicator(ctx, h.message.CID, h.message.ID, chat.IndicatorError); indicatorErr != nil {
		h.logger.Warn("send error indicator failed", "error", indicatorErr)
	}
	text := err.Error()
	if text == "" {
		text = "Error generating the message"
	}
	if updateErr := h.client.PartialUpdateMessage(ctx, h.message.ID, text); updateErr != nil {
		h.logger.Warn("error message update failed", "error", updateErr)
	}
	h.dispose(StateFailed)
}

// handleStop reacts to a stop-generation signal for this handler's message.
// Signals for other messages or after disposal are ignored.
func (h *ResponseHandler) handleStop(event chat.StopGeneration) {
	if event.MessageID != h.message.ID {
		return
	}

	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	runID := h.runID
	h.mu.Unlock()

	if runID == "" {
		// No run id observed yet, nothing to cancel upstream. The signal is
		// dropped; the run id arrives with the first lifecycle event, so
		// this window is a few milliseconds wide.
		h.logger.Debug("stop signal before run id, ignoring")
		return
	}

	h.logger.Info("stop generating requested", "run_id", runID)

	ctx, cancel := context.WithTimeout(context.Background(), cancelCallTimeout)
	defer cancel()

	// Best effort: the run is torn down locally even if the engine cancel
	// call fails.
	if err := h.engine.CancelRun(ctx, h.threadID, runID); err != nil {
		h.logger.Warn("engine cancel failed", "run_id", runID, "error", err)
	}
	if err := h.client.ClearIndicator(ctx, h.message.CID, h.message.ID); err != nil {
		h.logger.Warn("clear indicator failed", "error", err)
	}
	h.dispose(StateCancelled)
	h.cancel()
}

// Dispose tears the handler down without touching the target message, used
// when the owning agent shuts down. Idempotent.
func (h *ResponseHandler) Dispose() {
	h.dispose(StateCancelled)
	h.cancel()
}

// dispose transitions to a terminal state and releases resources exactly
// once: the stop subscription is removed and the owning agent is notified.
// Calls after the first are no-ops.
func (h *ResponseHandler) dispose(state HandlerState) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.state = state
	h.mu.Unlock()

	if h.unsubscribeStop != nil {
		h.unsubscribeStop()
	}
	h.metrics.ActiveHandlers.Dec()
	h.metrics.RunsFinished.WithLabelValues(string(state)).Inc()
	if h.onDispose != nil {
		h.onDispose(h)
	}
}
