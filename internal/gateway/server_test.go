package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/threadworks/scrivener/internal/agent"
)

type fakeManager struct {
	started  []string
	stopped  []string
	startErr error
	stopErr  error
	status   agent.AgentStatus
	active   int
}

func (m *fakeManager) Start(ctx context.Context, channelType, channelID string) error {
	m.started = append(m.started, channelType+":"+channelID)
	return m.startErr
}

func (m *fakeManager) Stop(ctx context.Context, channelID string) error {
	m.stopped = append(m.stopped, channelID)
	return m.stopErr
}

func (m *fakeManager) Status(channelID string) agent.AgentStatus {
	return m.status
}

func (m *fakeManager) ActiveCount() int { return m.active }

type fakeIssuer struct {
	token string
	err   error
}

func (i *fakeIssuer) CreateToken(userID string, expiresAt time.Time) (string, error) {
	if i.err != nil {
		return "", i.err
	}
	return i.token + ":" + userID, nil
}

func (i *fakeIssuer) APIKey() string { return "stream-api-key" }

func serveRequest(t *testing.T, manager *fakeManager, issuer *fakeIssuer, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	s := NewServer(":0", manager, issuer, slog.New(slog.NewTextHandler(io.Discard, nil)))
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response body is not JSON: %v", err)
	}
	return body
}

func TestRootReportsAPIKeyAndActiveAgents(t *testing.T) {
	rec := serveRequest(t, &fakeManager{active: 3}, &fakeIssuer{}, http.MethodGet, "/", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["apiKey"] != "stream-api-key" {
		t.Errorf("apiKey = %v, want stream-api-key", body["apiKey"])
	}
	if body["activeAgents"] != float64(3) {
		t.Errorf("activeAgents = %v, want 3", body["activeAgents"])
	}
}

func TestStartAgent(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		startErr   error
		wantStatus int
		wantStarts []string
	}{
		{
			name:       "default channel type",
			body:       `{"channel_id":"general"}`,
			wantStatus: http.StatusOK,
			wantStarts: []string{"messaging:general"},
		},
		{
			name:       "explicit channel type",
			body:       `{"channel_id":"general","channel_type":"team"}`,
			wantStatus: http.StatusOK,
			wantStarts: []string{"team:general"},
		},
		{
			name:       "missing channel id",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       `{"channel_id":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "registry failure",
			body:       `{"channel_id":"general"}`,
			startErr:   errors.New("engine unavailable"),
			wantStatus: http.StatusInternalServerError,
			wantStarts: []string{"messaging:general"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := &fakeManager{startErr: tt.startErr}
			rec := serveRequest(t, manager, &fakeIssuer{}, http.MethodPost, "/start-ai-agent", tt.body)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if len(manager.started) != len(tt.wantStarts) {
				t.Fatalf("starts = %v, want %v", manager.started, tt.wantStarts)
			}
			for i := range tt.wantStarts {
				if manager.started[i] != tt.wantStarts[i] {
					t.Errorf("start[%d] = %q, want %q", i, manager.started[i], tt.wantStarts[i])
				}
			}
			if tt.wantStatus == http.StatusInternalServerError {
				body := decodeBody(t, rec)
				if body["reason"] != "engine unavailable" {
					t.Errorf("reason = %v, want underlying error", body["reason"])
				}
			}
		})
	}
}

func TestStopAgent(t *testing.T) {
	manager := &fakeManager{}
	rec := serveRequest(t, manager, &fakeIssuer{}, http.MethodPost, "/stop-ai-agent", `{"channel_id":"general"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(manager.stopped) != 1 || manager.stopped[0] != "general" {
		t.Errorf("stops = %v, want [general]", manager.stopped)
	}
}

func TestStopAgentRequiresChannelID(t *testing.T) {
	manager := &fakeManager{}
	rec := serveRequest(t, manager, &fakeIssuer{}, http.MethodPost, "/stop-ai-agent", `{}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(manager.stopped) != 0 {
		t.Errorf("stops = %v, want none", manager.stopped)
	}
}

func TestAgentStatus(t *testing.T) {
	rec := serveRequest(t, &fakeManager{status: agent.StatusConnecting}, &fakeIssuer{}, http.MethodGet, "/agent-status?channel_id=general", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "connecting" {
		t.Errorf("status field = %v, want connecting", body["status"])
	}
}

func TestAgentStatusRequiresChannelID(t *testing.T) {
	rec := serveRequest(t, &fakeManager{}, &fakeIssuer{}, http.MethodGet, "/agent-status", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTokenEndpoint(t *testing.T) {
	rec := serveRequest(t, &fakeManager{}, &fakeIssuer{token: "jwt"}, http.MethodPost, "/token", `{"userId":"alice"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["token"] != "jwt:alice" {
		t.Errorf("token = %v, want issued token", body["token"])
	}
}

func TestTokenEndpointRequiresUserID(t *testing.T) {
	rec := serveRequest(t, &fakeManager{}, &fakeIssuer{}, http.MethodPost, "/token", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTokenEndpointIssuerFailure(t *testing.T) {
	rec := serveRequest(t, &fakeManager{}, &fakeIssuer{err: errors.New("bad secret")}, http.MethodPost, "/token", `{"userId":"alice"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	rec := serveRequest(t, &fakeManager{}, &fakeIssuer{}, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
