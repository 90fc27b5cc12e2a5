// Package openai binds the engine interface to the OpenAI Assistants API.
//
// Non-streaming calls (assistant, thread, message, cancel) go through the
// go-openai SDK. The SDK does not expose Assistants run streaming, so the two
// streaming endpoints are plain SSE POSTs decoded in stream.go.
package openai

import (
	"context"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/threadworks/scrivener/internal/engine"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config configures the OpenAI engine.
type Config struct {
	// APIKey authenticates against the OpenAI API. Required.
	APIKey string

	// BaseURL overrides the API endpoint. Used by tests.
	BaseURL string

	// HTTPClient is used for streaming requests. Streaming responses stay
	// open for the whole run, so the client must not enforce an overall
	// request timeout.
	HTTPClient *http.Client
}

// Engine implements engine.Engine against the OpenAI Assistants API.
type Engine struct {
	client     *openai.Client
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

var _ engine.Engine = (*Engine)(nil)

// New creates an OpenAI-backed engine.
func New(cfg Config) (*Engine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = baseURL
	clientCfg.AssistantVersion = "v2"

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No overall timeout: run streams are long-lived. Dialing and TLS
		// handshakes are still bounded by the default transport.
		httpClient = &http.Client{Timeout: 0}
	}

	return &Engine{
		client:     openai.NewClientWithConfig(clientCfg),
		httpClient: httpClient,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
	}, nil
}

// CreateAssistant registers an assistant identity and returns its id.
func (e *Engine) CreateAssistant(ctx context.Context, spec engine.AssistantSpec) (string, error) {
	tools := make([]openai.AssistantTool, 0, len(spec.Tools))
	for _, tool := range spec.Tools {
		assistantTool := openai.AssistantTool{Type: openai.AssistantToolType(tool.Type)}
		if tool.Function != nil {
			assistantTool.Function = &openai.FunctionDefinition{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			}
		}
		tools = append(tools, assistantTool)
	}

	name := spec.Name
	instructions := spec.Instructions
	temperature := spec.Temperature
	assistant, err := e.client.CreateAssistant(ctx, openai.AssistantRequest{
		Model:        spec.Model,
		Name:         &name,
		Instructions: &instructions,
		Tools:        tools,
		Temperature:  &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}
	return assistant.ID, nil
}

// CreateThread creates an empty conversation thread and returns its id.
func (e *Engine) CreateThread(ctx context.Context) (string, error) {
	thread, err := e.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return thread.ID, nil
}

// AddUserMessage appends a user message to the thread.
func (e *Engine) AddUserMessage(ctx context.Context, threadID, text string) error {
	_, err := e.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    "user",
		Content: text,
	})
	if err != nil {
		return fmt.Errorf("create thread message: %w", err)
	}
	return nil
}

// CancelRun requests cancellation of an in-flight run.
func (e *Engine) CancelRun(ctx context.Context, threadID, runID string) error {
	if _, err := e.client.CancelRun(ctx, threadID, runID); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}

// StreamRun starts a streaming run on the thread.
func (e *Engine) StreamRun(ctx context.Context, threadID, assistantID, instructions string) (engine.Stream, error) {
	payload := map[string]any{
		"assistant_id": assistantID,
		"stream":       true,
	}
	if instructions != "" {
		payload["instructions"] = instructions
	}
	url := fmt.Sprintf("%s/threads/%s/runs", e.baseURL, threadID)
	return e.openStream(ctx, url, payload)
}

// SubmitToolOutputs resumes a suspended run with the collected tool outputs.
func (e *Engine) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []engine.ToolOutput) (engine.Stream, error) {
	toolOutputs := make([]map[string]any, 0, len(outputs))
	for _, output := range outputs {
		toolOutputs = append(toolOutputs, map[string]any{
			"tool_call_id": output.CallID,
			"output":       output.Output,
		})
	}
	payload := map[string]any{
		"tool_outputs": toolOutputs,
		"stream":       true,
	}
	url := fmt.Sprintf("%s/threads/%s/runs/%s/submit_tool_outputs", e.baseURL, threadID, runID)
	return e.openStream(ctx, url, payload)
}
