package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/guildseer/guildseer/ai/llm"
	"github.com/guildseer/guildseer/metrics"
	"github.com/guildseer/guildseer/platform"
	"github.com/guildseer/guildseer/store"
)

const (
	DefaultRequestTimeout    = 60 * time.Second
	DefaultMaxToolIterations = 10
	DefaultAnswerMaxChars    = 1800

	typingInterval   = 8 * time.Second
	historyTurnLimit = 6
	historySinceDays = 7

	statusProcessing = "Processing your request..."

	// User-visible failure notices.
	msgTimeout = "Request took too long. Try a simpler question."
	msgError   = "Something went wrong processing your request."

	// Assistant turns recorded for failed requests.
	turnTimeout = "request timeout"
	turnError   = "processing error"

	workerSystemPrompt = "You are an assistant answering questions about a community server's message history. " +
		"Use the search_messages tool to look up relevant messages before answering. " +
		"Base your answer on what the searches return, cite authors and channels when useful, " +
		"and say so plainly when nothing relevant was found. Answer in concise plain prose."
)

// Messenger is the platform surface the bot replies through.
type Messenger interface {
	SendMessage(ctx context.Context, channelID, content string) (platform.MessageHandle, error)
	EditMessage(ctx context.Context, handle platform.MessageHandle, content string) error
	Typing(ctx context.Context, channelID string) error
}

// ToolChat is the model surface for the tool-calling loop.
type ToolChat interface {
	ChatWithTools(ctx context.Context, messages []llm.Message, tools []llm.ToolDescriptor) (*llm.ChatResponse, *llm.CallStats, error)
}

// TurnLog is the conversation log surface the worker reads and appends.
type TurnLog interface {
	AppendConversationTurn(ctx context.Context, create *store.ConversationTurn) (*store.ConversationTurn, error)
	ListConversationTurns(ctx context.Context, find *store.FindConversationTurn) ([]*store.ConversationTurn, error)
}

// loopState names the tool loop's position, for logging and the exit paths.
type loopState int

const (
	stateAwaitingModel loopState = iota
	stateToolRequested
	stateToolExecuting
	stateFinal
	stateTimedOut
	stateErrored
)

func (s loopState) String() string {
	switch s {
	case stateAwaitingModel:
		return "awaiting_model"
	case stateToolRequested:
		return "tool_requested"
	case stateToolExecuting:
		return "tool_executing"
	case stateFinal:
		return "final"
	case stateTimedOut:
		return "timed_out"
	case stateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// WorkerConfig tunes the worker. Zero values take the defaults above.
type WorkerConfig struct {
	RequestTimeout    time.Duration
	MaxToolIterations int
	AnswerMaxChars    int
	ModelName         string
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = DefaultMaxToolIterations
	}
	if c.AnswerMaxChars <= 0 {
		c.AnswerMaxChars = DefaultAnswerMaxChars
	}
	return c
}

// Worker pops conversation requests and answers them through the
// tool-calling loop, one request at a time.
type Worker struct {
	queue     *Queue
	messenger Messenger
	chat      ToolChat
	searchFor func(serverID string) Searcher
	turns     TurnLog
	metrics   *metrics.Metrics
	cfg       WorkerConfig
}

func NewWorker(queue *Queue, messenger Messenger, chat ToolChat, searchFor func(serverID string) Searcher, turns TurnLog, m *metrics.Metrics, cfg WorkerConfig) *Worker {
	return &Worker{
		queue:     queue,
		messenger: messenger,
		chat:      chat,
		searchFor: searchFor,
		turns:     turns,
		metrics:   m,
		cfg:       cfg.withDefaults(),
	}
}

// Run serves requests until ctx is canceled or the queue closes. A cancel
// aborts a blocked Pop immediately and the in-flight model call
// cooperatively; the interrupted request is recorded as Failed.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.queue.Pop(ctx)
		if err != nil {
			return
		}
		w.handle(ctx, req)
	}
}

func (w *Worker) handle(ctx context.Context, req *Request) {
	start := time.Now()
	ok := false
	defer func() { w.queue.Complete(req, ok) }()

	if req.StatusMsg != (platform.MessageHandle{}) {
		if err := w.messenger.EditMessage(ctx, req.StatusMsg, statusProcessing); err != nil {
			slog.Debug("status edit failed", "request_id", req.ID, "error", err)
		}
	}

	w.logTurn(ctx, req, store.TurnRoleUser, req.Question)

	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	go w.typingLoop(typingCtx, req.ChannelID)

	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	answer, err := w.answer(reqCtx, req)
	cancel()
	stopTyping()

	switch {
	case err == nil:
		w.logTurn(ctx, req, store.TurnRoleAssistant, answer)
		w.deliver(ctx, req.ChannelID, answer)
		ok = true
		slog.Info("request completed",
			"request_id", req.ID, "user_id", req.UserID, "server_id", req.ServerID,
			"elapsed", time.Since(start).Round(time.Millisecond))
	case ctx.Err() != nil:
		// Shutdown: partial output is discarded, no notice is sent.
		slog.Info("request aborted by shutdown", "request_id", req.ID, "user_id", req.UserID)
	case errors.Is(err, context.DeadlineExceeded):
		w.logTurn(ctx, req, store.TurnRoleAssistant, turnTimeout)
		w.deliver(ctx, req.ChannelID, msgTimeout)
		slog.Warn("request timed out",
			"request_id", req.ID, "user_id", req.UserID, "timeout", w.cfg.RequestTimeout)
	default:
		w.logTurn(ctx, req, store.TurnRoleAssistant, turnError)
		w.deliver(ctx, req.ChannelID, msgError)
		slog.Error("request failed", "request_id", req.ID, "user_id", req.UserID, "error", err)
	}
}

// answer drives the bounded tool loop: ask the model, run any requested
// searches, feed results back, until a final answer, the iteration cap, or
// the request deadline.
func (w *Worker) answer(ctx context.Context, req *Request) (string, error) {
	searcher := w.searchFor(req.ServerID)
	tools := []llm.ToolDescriptor{searchToolDescriptor()}

	msgs := []llm.Message{llm.SystemPrompt(workerSystemPrompt)}
	msgs = append(msgs, w.historyMessages(ctx, req)...)
	msgs = append(msgs, llm.UserMessage(req.Question))

	state := stateAwaitingModel
	for iter := 0; iter < w.cfg.MaxToolIterations; iter++ {
		callStart := time.Now()
		resp, _, err := w.chat.ChatWithTools(ctx, msgs, tools)
		w.metrics.ObserveLLMRequest(w.cfg.ModelName, time.Since(callStart))
		if err != nil {
			state = stateErrored
			if errors.Is(err, context.DeadlineExceeded) {
				state = stateTimedOut
			}
			slog.Debug("tool loop aborted",
				"request_id", req.ID, "state", state.String(), "iteration", iter)
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			state = stateFinal
			if strings.TrimSpace(resp.Content) == "" {
				return "", errors.New("model returned an empty answer")
			}
			return resp.Content, nil
		}

		state = stateToolRequested
		slog.Debug("tool loop iteration",
			"request_id", req.ID, "state", state.String(),
			"iteration", iter, "tool_calls", len(resp.ToolCalls))

		msgs = append(msgs, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			state = stateToolExecuting
			msgs = append(msgs, llm.ToolResult(call.ID, w.runTool(ctx, searcher, call)))
		}
		state = stateAwaitingModel
	}
	return "", fmt.Errorf("no final answer after %d tool iterations (state %s)",
		w.cfg.MaxToolIterations, state.String())
}

func (w *Worker) runTool(ctx context.Context, searcher Searcher, call llm.ToolCall) string {
	if call.Function.Name != searchToolName {
		return fmt.Sprintf("unknown tool %q", call.Function.Name)
	}

	var args struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return "invalid arguments: " + err.Error()
	}

	result, err := searcher.Search(ctx, args.Query, args.Limit)
	if err != nil {
		slog.Warn("search tool failed", "query", args.Query, "error", err)
		return "search failed: " + err.Error()
	}
	return result
}

// historyMessages loads the user's recent turns for this server so the
// model sees the ongoing conversation. Failures degrade to no history.
func (w *Worker) historyMessages(ctx context.Context, req *Request) []llm.Message {
	limit, since := historyTurnLimit, historySinceDays
	turns, err := w.turns.ListConversationTurns(ctx, &store.FindConversationTurn{
		UserID:    req.UserID,
		ServerID:  req.ServerID,
		Limit:     &limit,
		SinceDays: &since,
	})
	if err != nil {
		slog.Warn("history lookup failed", "request_id", req.ID, "error", err)
		return nil
	}

	// The store returns newest first; the prompt wants chronological order.
	msgs := make([]llm.Message, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		switch turns[i].Role {
		case store.TurnRoleAssistant:
			msgs = append(msgs, llm.AssistantMessage(turns[i].Content))
		default:
			msgs = append(msgs, llm.UserMessage(turns[i].Content))
		}
	}
	return msgs
}

func (w *Worker) logTurn(ctx context.Context, req *Request, role store.TurnRole, content string) {
	_, err := w.turns.AppendConversationTurn(ctx, &store.ConversationTurn{
		UserID:     req.UserID,
		ServerID:   req.ServerID,
		Role:       role,
		Content:    content,
		SessionTag: req.SessionTag,
	})
	if err != nil {
		slog.Warn("conversation turn append failed",
			"request_id", req.ID, "role", string(role), "error", err)
	}
}

func (w *Worker) deliver(ctx context.Context, channelID, text string) {
	for _, chunk := range chunkText(text, w.cfg.AnswerMaxChars) {
		if _, err := w.messenger.SendMessage(ctx, channelID, chunk); err != nil {
			slog.Warn("answer delivery failed", "channel_id", channelID, "error", err)
			return
		}
	}
}

func (w *Worker) typingLoop(ctx context.Context, channelID string) {
	if err := w.messenger.Typing(ctx, channelID); err != nil {
		return
	}
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.messenger.Typing(ctx, channelID); err != nil {
				return
			}
		}
	}
}

// chunkText splits text into pieces of at most max bytes, preferring line
// boundaries and never splitting a UTF-8 sequence.
func chunkText(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}

	var chunks []string
	for len(text) > max {
		cut := strings.LastIndex(text[:max], "\n")
		if cut <= 0 {
			cut = max
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
