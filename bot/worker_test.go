package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildseer/guildseer/ai/llm"
	"github.com/guildseer/guildseer/platform"
	"github.com/guildseer/guildseer/store"
)

type sentMsg struct {
	channelID string
	content   string
}

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []sentMsg
	edits   map[string]string
	typing  int
	sendErr error
	seq     int
}

func (f *fakeMessenger) SendMessage(_ context.Context, channelID, content string) (platform.MessageHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return platform.MessageHandle{}, f.sendErr
	}
	f.seq++
	f.sent = append(f.sent, sentMsg{channelID, content})
	return platform.MessageHandle{ChannelID: channelID, MessageID: fmt.Sprintf("sent-%d", f.seq)}, nil
}

func (f *fakeMessenger) EditMessage(_ context.Context, handle platform.MessageHandle, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.edits == nil {
		f.edits = make(map[string]string)
	}
	f.edits[handle.MessageID] = content
	return nil
}

func (f *fakeMessenger) Typing(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeMessenger) sentMessages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func (f *fakeMessenger) editOf(messageID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.edits[messageID]
}

type chatTurn struct {
	resp  *llm.ChatResponse
	err   error
	block bool // wait for ctx cancellation
}

// fakeToolChat scripts model responses per call; past the end of the script
// the last turn repeats.
type fakeToolChat struct {
	mu    sync.Mutex
	turns []chatTurn
	calls [][]llm.Message
}

func (f *fakeToolChat) ChatWithTools(ctx context.Context, messages []llm.Message, _ []llm.ToolDescriptor) (*llm.ChatResponse, *llm.CallStats, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]llm.Message(nil), messages...))
	idx := len(f.calls) - 1
	var turn chatTurn
	if idx < len(f.turns) {
		turn = f.turns[idx]
	} else if len(f.turns) > 0 {
		turn = f.turns[len(f.turns)-1]
	}
	f.mu.Unlock()

	if turn.block {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	if turn.err != nil {
		return nil, nil, turn.err
	}
	if turn.resp == nil {
		return &llm.ChatResponse{Content: "stub answer"}, &llm.CallStats{}, nil
	}
	return turn.resp, &llm.CallStats{}, nil
}

func (f *fakeToolChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeToolChat) call(i int) []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type fakeTurnLog struct {
	mu       sync.Mutex
	appended []*store.ConversationTurn
	history  []*store.ConversationTurn
	nextID   int64
}

func (f *fakeTurnLog) AppendConversationTurn(_ context.Context, create *store.ConversationTurn) (*store.ConversationTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	create.ID = f.nextID
	f.appended = append(f.appended, create)
	return create, nil
}

func (f *fakeTurnLog) ListConversationTurns(_ context.Context, _ *store.FindConversationTurn) ([]*store.ConversationTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeTurnLog) turns() []*store.ConversationTurn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*store.ConversationTurn(nil), f.appended...)
}

type searchCall struct {
	query string
	limit int
}

type fakeSearcher struct {
	mu      sync.Mutex
	result  string
	err     error
	calls   []searchCall
	boundTo []string
}

func (f *fakeSearcher) Search(_ context.Context, query string, limit int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, searchCall{query, limit})
	if f.err != nil {
		return "", f.err
	}
	return f.result, nil
}

func (f *fakeSearcher) bind(serverID string) Searcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boundTo = append(f.boundTo, serverID)
	return f
}

type workerRig struct {
	queue     *Queue
	messenger *fakeMessenger
	chat      *fakeToolChat
	turns     *fakeTurnLog
	searcher  *fakeSearcher
	worker    *Worker
}

func newWorkerRig(cfg WorkerConfig) *workerRig {
	rig := &workerRig{
		queue:     NewQueue(10, nil),
		messenger: &fakeMessenger{},
		chat:      &fakeToolChat{},
		turns:     &fakeTurnLog{},
		searcher:  &fakeSearcher{result: "search results"},
	}
	rig.worker = NewWorker(rig.queue, rig.messenger, rig.chat, rig.searcher.bind, rig.turns, nil, cfg)
	return rig
}

func (rig *workerRig) process(t *testing.T, req *Request) {
	t.Helper()
	require.NoError(t, rig.queue.Submit(req))
	popped, err := rig.queue.Pop(context.Background())
	require.NoError(t, err)
	rig.worker.handle(context.Background(), popped)
}

func askRequest() *Request {
	return &Request{
		ID:         "req-1",
		UserID:     "u-1",
		ServerID:   "srv-1",
		ChannelID:  "dm-1",
		Question:   "When is the raid?",
		SessionTag: "req-1",
	}
}

func TestWorkerAnswersDirectly(t *testing.T) {
	rig := newWorkerRig(WorkerConfig{})
	rig.chat.turns = []chatTurn{{resp: &llm.ChatResponse{Content: "The raid is at nine."}}}

	req := askRequest()
	req.StatusMsg = platform.MessageHandle{ChannelID: "dm-1", MessageID: "status-1"}
	rig.process(t, req)

	assert.Equal(t, StatusCompleted, req.Status)
	assert.Equal(t, statusProcessing, rig.messenger.editOf("status-1"))

	sent := rig.messenger.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, sentMsg{"dm-1", "The raid is at nine."}, sent[0])

	turns := rig.turns.turns()
	require.Len(t, turns, 2)
	assert.Equal(t, store.TurnRoleUser, turns[0].Role)
	assert.Equal(t, "When is the raid?", turns[0].Content)
	assert.Equal(t, store.TurnRoleAssistant, turns[1].Role)
	assert.Equal(t, "The raid is at nine.", turns[1].Content)
	assert.Equal(t, "req-1", turns[0].SessionTag)
	assert.Equal(t, "req-1", turns[1].SessionTag)
}

func TestWorkerRunsToolLoop(t *testing.T) {
	rig := newWorkerRig(WorkerConfig{})
	rig.searcher.result = "1. Ada in #raids: raid starts at nine"
	rig.chat.turns = []chatTurn{
		{resp: &llm.ChatResponse{ToolCalls: []llm.ToolCall{{
			ID:   "call-1",
			Type: "function",
			Function: llm.FunctionCall{
				Name:      searchToolName,
				Arguments: `{"query":"raid time","limit":3}`,
			},
		}}}},
		{resp: &llm.ChatResponse{Content: "Nine, per Ada in #raids."}},
	}

	req := askRequest()
	rig.process(t, req)

	assert.Equal(t, StatusCompleted, req.Status)
	assert.Equal(t, []string{"srv-1"}, rig.searcher.boundTo, "the tool is bound to the request's server")
	require.Len(t, rig.searcher.calls, 1)
	assert.Equal(t, searchCall{"raid time", 3}, rig.searcher.calls[0])

	// The second model call sees the assistant tool request and the result.
	require.Equal(t, 2, rig.chat.callCount())
	second := rig.chat.call(1)
	toolMsg := second[len(second)-1]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Equal(t, "call-1", toolMsg.ToolCallID)
	assert.Equal(t, rig.searcher.result, toolMsg.Content)
	assistantMsg := second[len(second)-2]
	assert.Equal(t, "assistant", assistantMsg.Role)
	require.Len(t, assistantMsg.ToolCalls, 1)

	sent := rig.messenger.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Nine, per Ada in #raids.", sent[0].content)
}

func TestWorkerTimeout(t *testing.T) {
	rig := newWorkerRig(WorkerConfig{RequestTimeout: 50 * time.Millisecond})
	rig.chat.turns = []chatTurn{{block: true}}

	req := askRequest()
	start := time.Now()
	rig.process(t, req)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusFailed, req.Status)

	sent := rig.messenger.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, msgTimeout, sent[0].content)

	turns := rig.turns.turns()
	require.Len(t, turns, 2)
	assert.Equal(t, turnTimeout, turns[1].Content)
}

func TestWorkerProcessingError(t *testing.T) {
	rig := newWorkerRig(WorkerConfig{})
	rig.chat.turns = []chatTurn{{err: errors.New("model fell over")}}

	req := askRequest()
	rig.process(t, req)

	assert.Equal(t, StatusFailed, req.Status)
	sent := rig.messenger.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, msgError, sent[0].content)

	turns := rig.turns.turns()
	require.Len(t, turns, 2)
	assert.Equal(t, turnError, turns[1].Content)
}

func TestWorkerIterationCap(t *testing.T) {
	rig := newWorkerRig(WorkerConfig{MaxToolIterations: 3})
	rig.chat.turns = []chatTurn{{resp: &llm.ChatResponse{ToolCalls: []llm.ToolCall{{
		ID:       "call-loop",
		Type:     "function",
		Function: llm.FunctionCall{Name: searchToolName, Arguments: `{"query":"more"}`},
	}}}}}

	req := askRequest()
	rig.process(t, req)

	assert.Equal(t, StatusFailed, req.Status)
	assert.Equal(t, 3, rig.chat.callCount(), "the loop stops at the iteration cap")

	sent := rig.messenger.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, msgError, sent[0].content)
}

func TestWorkerEmptyAnswerFails(t *testing.T) {
	rig := newWorkerRig(WorkerConfig{})
	rig.chat.turns = []chatTurn{{resp: &llm.ChatResponse{Content: "   "}}}

	req := askRequest()
	rig.process(t, req)

	assert.Equal(t, StatusFailed, req.Status)
}

func TestWorkerUnknownToolReported(t *testing.T) {
	rig := newWorkerRig(WorkerConfig{})
	rig.chat.turns = []chatTurn{
		{resp: &llm.ChatResponse{ToolCalls: []llm.ToolCall{{
			ID:       "call-x",
			Type:     "function",
			Function: llm.FunctionCall{Name: "send_email", Arguments: `{}`},
		}}}},
		{resp: &llm.ChatResponse{Content: "Done without the tool."}},
	}

	req := askRequest()
	rig.process(t, req)

	assert.Equal(t, StatusCompleted, req.Status)
	assert.Empty(t, rig.searcher.calls)
	second := rig.chat.call(1)
	assert.Contains(t, second[len(second)-1].Content, "unknown tool")
}

func TestWorkerHistoryInPrompt(t *testing.T) {
	rig := newWorkerRig(WorkerConfig{})
	// Newest first, as the store returns them.
	rig.turns.history = []*store.ConversationTurn{
		{Role: store.TurnRoleAssistant, Content: "It is at nine."},
		{Role: store.TurnRoleUser, Content: "When is raid?"},
	}
	rig.chat.turns = []chatTurn{{resp: &llm.ChatResponse{Content: "Still nine."}}}

	rig.process(t, askRequest())

	first := rig.chat.call(0)
	require.Len(t, first, 4, "system, two history turns, current question")
	assert.Equal(t, "system", first[0].Role)
	assert.Equal(t, "When is raid?", first[1].Content)
	assert.Equal(t, "It is at nine.", first[2].Content)
	assert.Equal(t, "assistant", first[2].Role)
	assert.Equal(t, "When is the raid?", first[3].Content)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	rig := newWorkerRig(WorkerConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		rig.worker.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop within 1s of cancellation")
	}
}

func TestWorkerShutdownFailsInflightRequest(t *testing.T) {
	rig := newWorkerRig(WorkerConfig{})
	rig.chat.turns = []chatTurn{{block: true}}

	req := askRequest()
	require.NoError(t, rig.queue.Submit(req))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rig.worker.Run(ctx)
		close(done)
	}()

	// Wait for the worker to pop the request.
	require.Eventually(t, func() bool { return rig.queue.Inflight() == 1 },
		time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop within 1s of cancellation")
	}

	assert.Equal(t, StatusFailed, req.Status)
	assert.Empty(t, rig.messenger.sentMessages(), "no notice is sent on shutdown")
	assert.Equal(t, 0, rig.queue.Inflight())
}

func TestChunkText(t *testing.T) {
	t.Run("short text passes through", func(t *testing.T) {
		assert.Equal(t, []string{"hello"}, chunkText("hello", 100))
	})

	t.Run("prefers line boundaries", func(t *testing.T) {
		text := "line one\nline two\nline three"
		chunks := chunkText(text, 12)
		assert.Equal(t, []string{"line one", "line two", "line three"}, chunks)
	})

	t.Run("hard split without newlines", func(t *testing.T) {
		chunks := chunkText("abcdefghij", 4)
		assert.Equal(t, []string{"abcd", "efgh", "ij"}, chunks)
	})

	t.Run("never splits a rune", func(t *testing.T) {
		text := "ααααα" // 10 bytes, 5 runes
		chunks := chunkText(text, 5)
		var rebuilt string
		for _, c := range chunks {
			assert.True(t, utf8.ValidString(c))
			assert.LessOrEqual(t, len(c), 5)
			rebuilt += c
		}
		assert.Equal(t, text, rebuilt)
	})
}
