package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/threadworks/scrivener/internal/engine"
)

// openStream POSTs a streaming Assistants request and wraps the SSE response.
func (e *Engine) openStream(ctx context.Context, url string, payload map[string]any) (engine.Stream, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open run stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("open run stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	return newSSEStream(resp.Body), nil
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	// Deltas are small but requires_action payloads carry full tool
	// arguments; allow lines up to 8MB.
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	return &sseStream{body: body, scanner: scanner}
}

// sseStream decodes server-sent events into engine events. Event kinds the
// orchestrator does not consume are skipped, not surfaced as errors.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	event   string
	closed  bool
}

func (s *sseStream) Next() (engine.Event, error) {
	if s.closed {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			s.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return nil, io.EOF
			}
			event, ok := translateEvent(s.event, []byte(data))
			if !ok {
				continue
			}
			return event, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read run stream: %w", err)
	}
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// messageDelta is the wire shape of thread.message.delta payloads. go-openai
// has no streaming delta types, so this is decoded locally.
type messageDelta struct {
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

// runStep is the minimal wire shape of thread.run.step.created payloads.
type runStep struct {
	Type string `json:"type"`
}

func translateEvent(name string, data []byte) (engine.Event, bool) {
	switch name {
	case "thread.run.created":
		var run openai.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, false
		}
		return engine.RunCreated{RunID: run.ID}, true

	case "thread.message.delta":
		var delta messageDelta
		if err := json.Unmarshal(data, &delta); err != nil {
			return nil, false
		}
		var text strings.Builder
		for _, content := range delta.Delta.Content {
			if content.Type == "text" {
				text.WriteString(content.Text.Value)
			}
		}
		if text.Len() == 0 {
			return nil, false
		}
		return engine.MessageDelta{Text: text.String()}, true

	case "thread.message.completed":
		var message openai.Message
		if err := json.Unmarshal(data, &message); err != nil {
			return nil, false
		}
		for _, content := range message.Content {
			if content.Type == "text" && content.Text != nil {
				return engine.MessageCompleted{Text: content.Text.Value}, true
			}
		}
		return engine.MessageCompleted{}, true

	case "thread.run.step.created":
		var step runStep
		if err := json.Unmarshal(data, &step); err != nil {
			return nil, false
		}
		return engine.RunStepCreated{MessageCreation: step.Type == "message_creation"}, true

	case "thread.run.requires_action":
		var run openai.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, false
		}
		if run.RequiredAction == nil ||
			run.RequiredAction.Type != openai.RequiredActionTypeSubmitToolOutputs ||
			run.RequiredAction.SubmitToolOutputs == nil {
			return nil, false
		}
		calls := make([]engine.ToolCall, 0, len(run.RequiredAction.SubmitToolOutputs.ToolCalls))
		for _, call := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
			calls = append(calls, engine.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
		return engine.RunRequiresAction{RunID: run.ID, ToolCalls: calls}, true

	case "thread.run.completed":
		return engine.RunCompleted{}, true

	case "thread.run.failed", "thread.run.expired":
		var run openai.Run
		message := "run failed"
		if err := json.Unmarshal(data, &run); err == nil && run.LastError != nil && run.LastError.Message != "" {
			message = run.LastError.Message
		}
		return engine.RunFailed{Message: message}, true
	}

	return nil, false
}
