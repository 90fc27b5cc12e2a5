package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// WebSearchToolName is the function name declared in the assistant's
	// tool schema.
	WebSearchToolName = "web_search"

	defaultTavilyURL = "https://api.tavily.com/search"

	// maxSearchResults bounds the result count requested from the provider.
	maxSearchResults = 5
)

// WebSearchConfig configures the web search tool.
type WebSearchConfig struct {
	// APIKey is the Tavily bearer credential. When empty the tool stays
	// registered but reports unavailability to the model.
	APIKey string

	// BaseURL overrides the Tavily endpoint. Used by tests.
	BaseURL string

	// HTTPClient overrides the default client. Used by tests.
	HTTPClient *http.Client
}

// WebSearch performs web searches through the Tavily API. The raw provider
// JSON is returned verbatim so the model can interpret the result shape
// itself; every failure mode degrades to an {"error": ...} payload.
type WebSearch struct {
	config     WebSearchConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebSearch creates the web search tool.
func NewWebSearch(config WebSearchConfig, logger *slog.Logger) *WebSearch {
	if config.BaseURL == "" {
		config.BaseURL = defaultTavilyURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSearch{config: config, httpClient: httpClient, logger: logger}
}

func (t *WebSearch) Name() string { return WebSearchToolName }

func (t *WebSearch) Description() string {
	return "Search the web for current information, news, facts, or research on any topic"
}

func (t *WebSearch) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query to find information about",
			},
		},
		"required": []string{"query"},
	}
}

type searchArgs struct {
	Query string `json:"query"`
}

// Execute parses the argument payload and performs one provider call.
// No retries: a failed search yields an error payload the model reacts to
// in text.
func (t *WebSearch) Execute(ctx context.Context, rawArgs string) string {
	var args searchArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Query == "" {
		t.logger.Error("failed to parse web search arguments", "error", err)
		return errorPayload("failed to call tool")
	}

	if t.config.APIKey == "" {
		return errorPayload("Web search is not available. API key not configured.")
	}

	t.logger.Info("performing web search", "query", args.Query)

	body, err := json.Marshal(map[string]any{
		"query":               args.Query,
		"search_depth":        "advanced",
		"max_results":         maxSearchResults,
		"include_answer":      true,
		"include_raw_content": false,
	})
	if err != nil {
		return errorPayload("failed to call tool")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.BaseURL, bytes.NewReader(body))
	if err != nil {
		return errorPayload("failed to call tool")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.config.APIKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Error("web search request failed", "query", args.Query, "error", err)
		return t.exceptionPayload(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		t.logger.Error("web search response read failed", "query", args.Query, "error", err)
		return t.exceptionPayload(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := strings.TrimSpace(string(payload))
		t.logger.Error("web search returned error status",
			"query", args.Query, "status", resp.StatusCode, "detail", detail)
		failure, _ := json.Marshal(map[string]string{
			"error":   fmt.Sprintf("Search failed with status: %d", resp.StatusCode),
			"details": detail,
		})
		return string(failure)
	}

	t.logger.Info("web search succeeded", "query", args.Query)
	return string(payload)
}

func (t *WebSearch) exceptionPayload(err error) string {
	payload, _ := json.Marshal(map[string]string{
		"error":   "An exception occurred during the search.",
		"message": err.Error(),
	})
	return string(payload)
}
