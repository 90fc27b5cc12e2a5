package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/threadworks/scrivener/internal/chat"
	"github.com/threadworks/scrivener/internal/engine"
	"github.com/threadworks/scrivener/internal/observability"
	"github.com/threadworks/scrivener/internal/tools"
)

// Transport is the slice of the chat backend the registry needs for agent
// lifecycle: bot user management and per-agent connections.
type Transport interface {
	UpsertUser(ctx context.Context, id, name string) error
	DeleteUser(ctx context.Context, id string, hard bool) error
	AddChannelMembers(ctx context.Context, channelType, channelID string, userIDs ...string) error
	Connect(ctx context.Context, userID, channelType, channelID string) (chat.Client, error)
}

// AgentStatus is the lifecycle state of a conversation's agent entry.
type AgentStatus string

const (
	StatusDisconnected AgentStatus = "disconnected"
	StatusConnecting   AgentStatus = "connecting"
	StatusConnected    AgentStatus = "connected"
)

// entryState distinguishes an agent still being created from a live one.
// Absent entries are simply missing from the map.
type entryState int

const (
	entryPending entryState = iota
	entryActive
)

type entry struct {
	state entryState
	agent *Agent
}

// RegistryConfig configures the agent registry.
type RegistryConfig struct {
	Transport Transport
	Engine    engine.Engine
	Tools     *tools.Registry
	Logger    *slog.Logger
	Metrics   *observability.Metrics

	Model       string
	Temperature float32

	// IdleTimeout evicts agents whose last interaction is older than this.
	IdleTimeout time.Duration

	// SweepInterval is the idle sweep period.
	SweepInterval time.Duration

	MaxToolCycles int
}

// Registry is the keyed store of active agents. One entry per conversation,
// with a pending state standing in for the separate "creation in progress"
// marker so concurrent starts de-duplicate on a single map.
type Registry struct {
	config  RegistryConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an agent registry.
func NewRegistry(config RegistryConfig) *Registry {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Registry{
		config:  config,
		logger:  logger,
		metrics: metrics,
		entries: make(map[string]*entry),
	}
}

// AgentID derives the bot participant id from a channel id.
func AgentID(channelID string) string {
	return "ai-bot-" + strings.ReplaceAll(channelID, "!", "")
}

// Start creates and initializes an agent for the channel. A second Start for
// the same channel while one is pending or active is a no-op.
func (r *Registry) Start(ctx context.Context, channelType, channelID string) error {
	if channelType == "" {
		channelType = "messaging"
	}
	userID := AgentID(channelID)

	r.mu.Lock()
	if _, exists := r.entries[userID]; exists {
		r.mu.Unlock()
		r.logger.Info("agent already started or pending", "user_id", userID)
		return nil
	}
	r.entries[userID] = &entry{state: entryPending}
	r.mu.Unlock()

	agent, err := r.create(ctx, userID, channelType, channelID)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, userID)
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.entries[userID] = &entry{state: entryActive, agent: agent}
	r.mu.Unlock()

	r.metrics.ActiveAgents.Inc()
	r.logger.Info("agent started", "user_id", userID, "channel", channelType+":"+channelID)
	return nil
}

func (r *Registry) create(ctx context.Context, userID, channelType, channelID string) (*Agent, error) {
	transport := r.config.Transport

	if err := transport.UpsertUser(ctx, userID, assistantName); err != nil {
		return nil, fmt.Errorf("upsert bot user: %w", err)
	}
	if err := transport.AddChannelMembers(ctx, channelType, channelID, userID); err != nil {
		return nil, fmt.Errorf("add bot to channel: %w", err)
	}

	client, err := transport.Connect(ctx, userID, channelType, channelID)
	if err != nil {
		return nil, fmt.Errorf("connect bot: %w", err)
	}

	agent := New(AgentConfig{
		UserID:        userID,
		CID:           channelType + ":" + channelID,
		Client:        client,
		Engine:        r.config.Engine,
		Tools:         r.config.Tools,
		Logger:        r.logger,
		Metrics:       r.metrics,
		Model:         r.config.Model,
		Temperature:   r.config.Temperature,
		MaxToolCycles: r.config.MaxToolCycles,
	})

	if err := agent.Init(ctx); err != nil {
		if disconnectErr := client.Disconnect(ctx); disconnectErr != nil {
			r.logger.Warn("disconnect after failed init", "error", disconnectErr)
		}
		return nil, fmt.Errorf("init agent: %w", err)
	}
	return agent, nil
}

// Stop disposes the channel's agent and removes its bot user. Stopping a
// channel with no agent is a no-op.
func (r *Registry) Stop(ctx context.Context, channelID string) error {
	userID := AgentID(channelID)

	r.mu.Lock()
	existing, ok := r.entries[userID]
	if !ok || existing.state != entryActive {
		r.mu.Unlock()
		r.logger.Info("agent not found", "user_id", userID)
		return nil
	}
	agent := existing.agent
	r.mu.Unlock()

	r.disposeAgent(ctx, userID, agent)
	return nil
}

// disposeAgent tears an agent down and then removes its record, in that
// order: the handler and transport teardown must finish before the entry
// disappears.
func (r *Registry) disposeAgent(ctx context.Context, userID string, agent *Agent) {
	if err := agent.Dispose(ctx); err != nil {
		r.logger.Warn("agent dispose reported error", "user_id", userID, "error", err)
	}
	if err := r.config.Transport.DeleteUser(ctx, userID, true); err != nil {
		r.logger.Warn("delete bot user failed", "user_id", userID, "error", err)
	}

	r.mu.Lock()
	delete(r.entries, userID)
	r.mu.Unlock()

	r.metrics.ActiveAgents.Dec()
	r.logger.Info("agent stopped", "user_id", userID)
}

// Status reports the lifecycle state of the channel's agent entry.
func (r *Registry) Status(channelID string) AgentStatus {
	userID := AgentID(channelID)

	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.entries[userID]
	switch {
	case !ok:
		return StatusDisconnected
	case existing.state == entryPending:
		return StatusConnecting
	default:
		return StatusConnected
	}
}

// ActiveCount returns the number of live agents.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, existing := range r.entries {
		if existing.state == entryActive {
			count++
		}
	}
	return count
}

// RunSweeper periodically evicts idle agents until the context ends.
func (r *Registry) RunSweeper(ctx context.Context) {
	interval := r.config.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepIdle(ctx)
		}
	}
}

// SweepIdle disposes every active agent idle for longer than the configured
// timeout.
func (r *Registry) SweepIdle(ctx context.Context) {
	timeout := r.config.IdleTimeout
	if timeout <= 0 {
		timeout = 8 * time.Hour
	}
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	idle := make(map[string]*Agent)
	for userID, existing := range r.entries {
		if existing.state == entryActive && existing.agent.LastInteraction().Before(cutoff) {
			idle[userID] = existing.agent
		}
	}
	r.mu.Unlock()

	for userID, agent := range idle {
		r.logger.Info("disposing idle agent", "user_id", userID)
		r.disposeAgent(ctx, userID, agent)
	}
}

// DisposeAll tears down every active agent, used at shutdown.
func (r *Registry) DisposeAll(ctx context.Context) {
	r.mu.Lock()
	active := make(map[string]*Agent)
	for userID, existing := range r.entries {
		if existing.state == entryActive {
			active[userID] = existing.agent
		}
	}
	r.mu.Unlock()

	for userID, agent := range active {
		r.disposeAgent(ctx, userID, agent)
	}
}
