// Package engine abstracts the assistants backend: a thread-scoped execution
// engine that streams lifecycle and content-delta events and can suspend a
// run to request tool outputs. The OpenAI Assistants binding lives in
// engine/openai.
package engine

import "context"

// Event is one item of a run's event stream. It is a closed union over the
// lifecycle and content events the orchestrator reacts to; adapters drop
// engine events outside this set.
type Event interface {
	event()
}

// RunCreated reports the engine-assigned run id. First event of a fresh run.
type RunCreated struct {
	RunID string
}

// MessageDelta carries an incremental chunk of assistant text.
type MessageDelta struct {
	Text string
}

// MessageCompleted carries the final full text of the assistant message, when
// the engine provides one.
type MessageCompleted struct {
	Text string
}

// RunStepCreated reports a new run step. MessageCreation is true for steps
// that produce assistant messages, as opposed to tool-call steps.
type RunStepCreated struct {
	MessageCreation bool
}

// RunRequiresAction suspends the run until tool outputs for every listed call
// are submitted.
type RunRequiresAction struct {
	RunID     string
	ToolCalls []ToolCall
}

// RunCompleted is a terminal event: the run finished successfully.
type RunCompleted struct{}

// RunFailed is a terminal event carrying the engine's error detail.
type RunFailed struct {
	Message string
}

func (RunCreated) event()        {}
func (MessageDelta) event()      {}
func (MessageCompleted) event()  {}
func (RunStepCreated) event()    {}
func (RunRequiresAction) event() {}
func (RunCompleted) event()      {}
func (RunFailed) event()         {}

// ToolCall is one pending tool invocation requested by the engine.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolOutput is the result for one tool call, keyed by its original call id.
type ToolOutput struct {
	CallID string
	Output string
}

// Stream is a lazy, single-pass, ordered sequence of run events.
//
// Next returns io.EOF when the underlying transport closes. A stream that
// ends without a terminal event is treated as a run failure by the consumer.
type Stream interface {
	Next() (Event, error)
	Close() error
}

// Function declares a callable tool exposed to the assistant.
type Function struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Tool is one entry of an assistant's tool schema. Type is an engine-defined
// kind such as "function" or "code_interpreter"; Function is set for
// function tools.
type Tool struct {
	Type     string
	Function *Function
}

// AssistantSpec configures an assistant identity.
type AssistantSpec struct {
	Name         string
	Instructions string
	Model        string
	Temperature  float32
	Tools        []Tool
}

// Engine is the assistants backend consumed by the agent core.
type Engine interface {
	// CreateAssistant registers an assistant identity and returns its id.
	CreateAssistant(ctx context.Context, spec AssistantSpec) (string, error)

	// CreateThread creates an empty conversation thread and returns its id.
	CreateThread(ctx context.Context) (string, error)

	// AddUserMessage appends a user message to a thread.
	AddUserMessage(ctx context.Context, threadID, text string) error

	// StreamRun starts a run on the thread and returns its event stream.
	// Instructions override the assistant's defaults for this run.
	StreamRun(ctx context.Context, threadID, assistantID, instructions string) (Stream, error)

	// SubmitToolOutputs resumes a suspended run with the collected tool
	// outputs and returns the continuation event stream.
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (Stream, error)

	// CancelRun requests cancellation of an in-flight run.
	CancelRun(ctx context.Context, threadID, runID string) error
}
