package agent

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/threadworks/scrivener/internal/chat"
	"github.com/threadworks/scrivener/internal/engine"
)

// fakeStream replays scripted events, then blocks on release (if set), then
// yields err or io.EOF.
type fakeStream struct {
	mu      sync.Mutex
	events  []engine.Event
	err     error
	pos     int
	closed  bool
	release chan struct{}
}

func (s *fakeStream) Next() (engine.Event, error) {
	s.mu.Lock()
	if s.pos < len(s.events) {
		event := s.events[s.pos]
		s.pos++
		s.mu.Unlock()
		return event, nil
	}
	release := s.release
	s.mu.Unlock()

	if release != nil {
		<-release
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeEngine hands out scripted streams: the first for StreamRun, the rest
// for successive SubmitToolOutputs calls.
type fakeEngine struct {
	mu              sync.Mutex
	streams         []*fakeStream
	streamErr       error
	userMessages    []string
	submittedRunIDs []string
	submitted       [][]engine.ToolOutput
	cancelledRunIDs []string
	cancelErr       error
	assistantErr    error
}

func (e *fakeEngine) CreateAssistant(ctx context.Context, spec engine.AssistantSpec) (string, error) {
	if e.assistantErr != nil {
		return "", e.assistantErr
	}
	return "asst_1", nil
}

func (e *fakeEngine) CreateThread(ctx context.Context) (string, error) {
	return "thread_1", nil
}

func (e *fakeEngine) AddUserMessage(ctx context.Context, threadID, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userMessages = append(e.userMessages, text)
	return nil
}

func (e *fakeEngine) nextStream() (engine.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streamErr != nil {
		return nil, e.streamErr
	}
	if len(e.streams) == 0 {
		return &fakeStream{}, nil
	}
	stream := e.streams[0]
	e.streams = e.streams[1:]
	return stream, nil
}

func (e *fakeEngine) StreamRun(ctx context.Context, threadID, assistantID, instructions string) (engine.Stream, error) {
	return e.nextStream()
}

func (e *fakeEngine) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []engine.ToolOutput) (engine.Stream, error) {
	e.mu.Lock()
	e.submittedRunIDs = append(e.submittedRunIDs, runID)
	e.submitted = append(e.submitted, outputs)
	e.mu.Unlock()
	return e.nextStream()
}

func (e *fakeEngine) CancelRun(ctx context.Context, threadID, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelledRunIDs = append(e.cancelledRunIDs, runID)
	return e.cancelErr
}

type sentMessage struct {
	cid  string
	text string
	ai   bool
}

type partialUpdate struct {
	messageID string
	text      string
}

type indicatorCall struct {
	cid       string
	messageID string
	state     chat.IndicatorState
	clear     bool
}

// fakeClient records transport writes and lets tests emit inbound events.
type fakeClient struct {
	mu           sync.Mutex
	nextID       int
	messages     []sentMessage
	partials     []partialUpdate
	indicators   []indicatorCall
	messageSubs  map[int]func(chat.MessageNew)
	stopSubs     map[int]func(chat.StopGeneration)
	unsubCount   int
	disconnected bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		messageSubs: make(map[int]func(chat.MessageNew)),
		stopSubs:    make(map[int]func(chat.StopGeneration)),
	}
}

func (c *fakeClient) SendMessage(ctx context.Context, cid, text string, aiGenerated bool) (chat.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.messages = append(c.messages, sentMessage{cid: cid, text: text, ai: aiGenerated})
	return chat.MessageRef{ID: "msg_placeholder", CID: cid}, nil
}

func (c *fakeClient) PartialUpdateMessage(ctx context.Context, messageID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partials = append(c.partials, partialUpdate{messageID: messageID, text: text})
	return nil
}

func (c *fakeClient) SendIndicator(ctx context.Context, cid, messageID string, state chat.IndicatorState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indicators = append(c.indicators, indicatorCall{cid: cid, messageID: messageID, state: state})
	return nil
}

func (c *fakeClient) ClearIndicator(ctx context.Context, cid, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indicators = append(c.indicators, indicatorCall{cid: cid, messageID: messageID, clear: true})
	return nil
}

func (c *fakeClient) OnMessageNew(fn func(chat.MessageNew)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.messageSubs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.messageSubs[id]; ok {
			delete(c.messageSubs, id)
			c.unsubCount++
		}
	}
}

func (c *fakeClient) OnStopGeneration(fn func(chat.StopGeneration)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.stopSubs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.stopSubs[id]; ok {
			delete(c.stopSubs, id)
			c.unsubCount++
		}
	}
}

func (c *fakeClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *fakeClient) emitMessage(event chat.MessageNew) {
	c.mu.Lock()
	subs := make([]func(chat.MessageNew), 0, len(c.messageSubs))
	for _, fn := range c.messageSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(event)
	}
}

func (c *fakeClient) emitStop(messageID string) {
	c.mu.Lock()
	subs := make([]func(chat.StopGeneration), 0, len(c.stopSubs))
	for _, fn := range c.stopSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(chat.StopGeneration{MessageID: messageID})
	}
}

func (c *fakeClient) partialTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	texts := make([]string, 0, len(c.partials))
	for _, p := range c.partials {
		texts = append(texts, p.text)
	}
	return texts
}

func (c *fakeClient) indicatorStates() []chat.IndicatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	states := make([]chat.IndicatorState, 0, len(c.indicators))
	for _, ind := range c.indicators {
		if ind.clear {
			states = append(states, "clear")
		} else {
			states = append(states, ind.state)
		}
	}
	return states
}

// fakeClock is a manually advanced clock for flush-coalescing tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
