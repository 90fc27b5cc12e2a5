package getstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/threadworks/scrivener/internal/chat"
)

// BotClient is one bot identity connected to a channel. It implements
// chat.Client: outbound writes go over REST with bot attribution, inbound
// events arrive on a WebSocket read loop.
type BotClient struct {
	server      *ServerClient
	userID      string
	channelType string
	channelID   string
	cid         string

	mu          sync.Mutex
	conn        *websocket.Conn
	closed      bool
	nextSubID   int
	messageSubs map[int]func(chat.MessageNew)
	stopSubs    map[int]func(chat.StopGeneration)
}

var _ chat.Client = (*BotClient)(nil)

// Connect adapts ConnectBot to the transport-neutral client interface.
func (c *ServerClient) Connect(ctx context.Context, userID, channelType, channelID string) (chat.Client, error) {
	return c.ConnectBot(ctx, userID, channelType, channelID)
}

// ConnectBot connects a bot user to a channel and starts watching it.
func (c *ServerClient) ConnectBot(ctx context.Context, userID, channelType, channelID string) (*BotClient, error) {
	bot := &BotClient{
		server:      c,
		userID:      userID,
		channelType: channelType,
		channelID:   channelID,
		cid:         channelType + ":" + channelID,
		messageSubs: make(map[int]func(chat.MessageNew)),
		stopSubs:    make(map[int]func(chat.StopGeneration)),
	}
	if err := bot.connect(ctx); err != nil {
		return nil, err
	}
	go bot.readLoop()
	return bot, nil
}

// connect dials the event socket and registers the channel watch for the new
// connection. Also used to re-establish a dropped connection.
func (b *BotClient) connect(ctx context.Context) error {
	token, err := b.server.CreateToken(b.userID, time.Time{})
	if err != nil {
		return fmt.Errorf("sign bot token: %w", err)
	}

	connectPayload, err := json.Marshal(map[string]any{
		"user_id":      b.userID,
		"user_details": map[string]any{"id": b.userID},
	})
	if err != nil {
		return fmt.Errorf("encode connect payload: %w", err)
	}

	query := url.Values{}
	query.Set("api_key", b.server.config.APIKey)
	query.Set("authorization", token)
	query.Set("stream-auth-type", "jwt")
	query.Set("json", string(connectPayload))

	endpoint := b.server.config.WSURL + "?" + query.Encode()
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial event socket: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	// The first frame is a health check carrying the connection id the
	// watch registration must reference.
	var health struct {
		Type         string `json:"type"`
		ConnectionID string `json:"connection_id"`
	}
	if err := conn.ReadJSON(&health); err != nil {
		conn.Close()
		return fmt.Errorf("read connection handshake: %w", err)
	}

	watchPath := fmt.Sprintf("/channels/%s/%s/query", url.PathEscape(b.channelType), url.PathEscape(b.channelID))
	watchPayload := map[string]any{
		"watch":         true,
		"state":         true,
		"connection_id": health.ConnectionID,
		"user_id":       b.userID,
	}
	if err := b.server.do(ctx, http.MethodPost, watchPath, nil, watchPayload, nil); err != nil {
		conn.Close()
		return fmt.Errorf("watch channel: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	return nil
}

// readLoop dispatches inbound events to subscribers until Disconnect. A
// dropped connection is re-dialed with backoff; events during the gap are
// lost, which the transport's own delivery semantics already allow.
func (b *BotClient) readLoop() {
	for {
		b.mu.Lock()
		conn, closed := b.conn, b.closed
		b.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			b.mu.Lock()
			closed = b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			b.server.logger.Warn("event socket read failed, reconnecting",
				"user_id", b.userID, "error", err)
			time.Sleep(2 * time.Second)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := b.connect(ctx)
			cancel()
			if err != nil {
				b.server.logger.Error("event socket reconnect failed",
					"user_id", b.userID, "error", err)
				return
			}
			continue
		}

		b.dispatch(data)
	}
}

// wireEvent is the envelope of inbound socket events.
type wireEvent struct {
	Type      string `json:"type"`
	CID       string `json:"cid"`
	MessageID string `json:"message_id"`
	Message   *struct {
		ID          string `json:"id"`
		Text        string `json:"text"`
		AIGenerated bool   `json:"ai_generated"`
		WritingTask string `json:"writingTask"`
		User        struct {
			ID string `json:"id"`
		} `json:"user"`
		Custom struct {
			WritingTask string `json:"writingTask"`
		} `json:"custom"`
	} `json:"message"`
}

func (b *BotClient) dispatch(data []byte) {
	var event wireEvent
	if err := json.Unmarshal(data, &event); err != nil {
		b.server.logger.Debug("dropping undecodable event", "error", err)
		return
	}

	switch event.Type {
	case "message.new":
		if event.Message == nil {
			return
		}
		writingTask := event.Message.Custom.WritingTask
		if writingTask == "" {
			writingTask = event.Message.WritingTask
		}
		inbound := chat.MessageNew{
			CID:         event.CID,
			MessageID:   event.Message.ID,
			Text:        event.Message.Text,
			UserID:      event.Message.User.ID,
			AIGenerated: event.Message.AIGenerated,
			WritingTask: writingTask,
		}
		for _, fn := range b.messageSubscribers() {
			fn(inbound)
		}
	case "ai_indicator.stop":
		stop := chat.StopGeneration{MessageID: event.MessageID}
		for _, fn := range b.stopSubscribers() {
			fn(stop)
		}
	}
}

func (b *BotClient) messageSubscribers() []func(chat.MessageNew) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]func(chat.MessageNew), 0, len(b.messageSubs))
	for _, fn := range b.messageSubs {
		subs = append(subs, fn)
	}
	return subs
}

func (b *BotClient) stopSubscribers() []func(chat.StopGeneration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]func(chat.StopGeneration), 0, len(b.stopSubs))
	for _, fn := range b.stopSubs {
		subs = append(subs, fn)
	}
	return subs
}

// OnMessageNew subscribes to inbound messages on the watched channel.
func (b *BotClient) OnMessageNew(fn func(chat.MessageNew)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	b.messageSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.messageSubs, id)
	}
}

// OnStopGeneration subscribes to stop-generation signals.
func (b *BotClient) OnStopGeneration(fn func(chat.StopGeneration)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	b.stopSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.stopSubs, id)
	}
}

// SendMessage creates a message on the channel attributed to the bot user.
// The message id is generated client side, matching how Stream's own SDKs
// create messages.
func (b *BotClient) SendMessage(ctx context.Context, cid, text string, aiGenerated bool) (chat.MessageRef, error) {
	path := fmt.Sprintf("/channels/%s/%s/message", url.PathEscape(b.channelType), url.PathEscape(b.channelID))
	messageID := uuid.NewString()
	payload := map[string]any{
		"message": map[string]any{
			"id":           messageID,
			"text":         text,
			"ai_generated": aiGenerated,
			"user_id":      b.userID,
		},
	}
	var out struct {
		Message struct {
			ID  string `json:"id"`
			CID string `json:"cid"`
		} `json:"message"`
	}
	if err := b.server.do(ctx, http.MethodPost, path, nil, payload, &out); err != nil {
		return chat.MessageRef{}, err
	}
	ref := chat.MessageRef{ID: out.Message.ID, CID: out.Message.CID}
	if ref.ID == "" {
		ref.ID = messageID
	}
	if ref.CID == "" {
		ref.CID = b.cid
	}
	return ref, nil
}

// PartialUpdateMessage replaces the text of an existing message.
func (b *BotClient) PartialUpdateMessage(ctx context.Context, messageID, text string) error {
	payload := map[string]any{
		"set":     map[string]any{"text": text},
		"user_id": b.userID,
	}
	return b.server.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID), nil, payload, nil)
}

// SendIndicator updates the generation status indicator for a message.
func (b *BotClient) SendIndicator(ctx context.Context, cid, messageID string, state chat.IndicatorState) error {
	return b.sendEvent(ctx, map[string]any{
		"type":       "ai_indicator.update",
		"ai_state":   string(state),
		"cid":        cid,
		"message_id": messageID,
		"user_id":    b.userID,
	})
}

// ClearIndicator removes the generation status indicator for a message.
func (b *BotClient) ClearIndicator(ctx context.Context, cid, messageID string) error {
	return b.sendEvent(ctx, map[string]any{
		"type":       "ai_indicator.clear",
		"cid":        cid,
		"message_id": messageID,
		"user_id":    b.userID,
	})
}

func (b *BotClient) sendEvent(ctx context.Context, event map[string]any) error {
	path := fmt.Sprintf("/channels/%s/%s/event", url.PathEscape(b.channelType), url.PathEscape(b.channelID))
	return b.server.do(ctx, http.MethodPost, path, nil, map[string]any{"event": event}, nil)
}

// Disconnect closes the event socket. Safe to call more than once.
func (b *BotClient) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
