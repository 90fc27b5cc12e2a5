// Package chat defines the transport-neutral interface between the agent
// core and a chat backend. The concrete Stream Chat binding lives in
// chat/getstream; tests use in-package fakes.
package chat

import "context"

// IndicatorState is a transient, message-scoped generation status shown to
// users while the assistant works. The values are the wire strings the
// frontend consumes.
type IndicatorState string

const (
	IndicatorThinking        IndicatorState = "AI_STATE_THINKING"
	IndicatorGenerating      IndicatorState = "AI_STATE_GENERATING"
	IndicatorExternalSources IndicatorState = "AI_STATE_EXTERNAL_SOURCES"
	IndicatorError           IndicatorState = "AI_STATE_ERROR"
)

// MessageRef identifies a message created on a conversation channel.
type MessageRef struct {
	ID  string
	CID string
}

// MessageNew is an inbound message event on a watched channel.
type MessageNew struct {
	CID         string
	MessageID   string
	Text        string
	UserID      string
	AIGenerated bool

	// WritingTask is optional per-message task context supplied by the
	// client, used to parameterize run instructions.
	WritingTask string
}

// StopGeneration is a user request to stop generating the given message.
type StopGeneration struct {
	MessageID string
}

// Client is one bot identity connected to a conversation channel.
//
// Implementations must tolerate concurrent calls: multiple response handlers
// for the same agent write partial updates and indicators independently.
type Client interface {
	// SendMessage creates a message on the channel. Messages created by the
	// agent are flagged so inbound handling can ignore them.
	SendMessage(ctx context.Context, cid, text string, aiGenerated bool) (MessageRef, error)

	// PartialUpdateMessage replaces the text of an existing message.
	PartialUpdateMessage(ctx context.Context, messageID, text string) error

	// SendIndicator updates the generation status indicator for a message.
	SendIndicator(ctx context.Context, cid, messageID string, state IndicatorState) error

	// ClearIndicator removes the generation status indicator for a message.
	ClearIndicator(ctx context.Context, cid, messageID string) error

	// OnMessageNew subscribes to inbound messages. The returned function
	// removes the subscription and is safe to call more than once.
	OnMessageNew(fn func(MessageNew)) (unsubscribe func())

	// OnStopGeneration subscribes to stop-generation signals. The returned
	// function removes the subscription and is safe to call more than once.
	OnStopGeneration(fn func(StopGeneration)) (unsubscribe func())

	// Disconnect tears down the bot identity's connection. Subscriptions
	// stop receiving events after Disconnect returns.
	Disconnect(ctx context.Context) error
}
