package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/lithammer/shortuuid/v4"

	"github.com/guildseer/guildseer/platform"
	"github.com/guildseer/guildseer/store"
)

const (
	// DefaultCommandPrefix starts every DM command.
	DefaultCommandPrefix = "!"

	msgBusy             = "Server is busy."
	msgAlreadyActiveFmt = "You already have a request in flight (position %d)."
)

// ServerDirectory lists the servers the bot is a member of, for resolving
// server tags to names.
type ServerDirectory interface {
	ListServers(ctx context.Context) ([]platform.Server, error)
}

// ConfigSource reports which servers are set up for indexing.
type ConfigSource interface {
	ConfiguredServerIDs() []string
}

// TurnDeleter clears a user's conversation log, scoped by server.
type TurnDeleter interface {
	DeleteConversationTurns(ctx context.Context, del *store.DeleteConversationTurn) (int64, error)
}

// StatusReport is what the status command renders.
type StatusReport struct {
	QueueDepth    int
	Inflight      int
	PipelineAlive bool
	Servers       []ServerStatus
}

// ServerStatus is one server's slice of the status report.
type ServerStatus struct {
	ServerID string
	Name     string
	Records  int64
}

// StatusSource produces the live status report.
type StatusSource interface {
	Report(ctx context.Context) StatusReport
}

// Router parses direct-message commands and feeds the queue. Guild messages
// never reach it; the live-event routing sends only DMs here.
type Router struct {
	prefix    string
	botUserID string
	queue     *Queue
	messenger Messenger
	servers   ServerDirectory
	configs   ConfigSource
	turns     TurnDeleter
	status    StatusSource
}

// RouterConfig tunes the router. Zero values take the defaults.
type RouterConfig struct {
	CommandPrefix string
	BotUserID     string
}

func NewRouter(queue *Queue, messenger Messenger, servers ServerDirectory, configs ConfigSource, turns TurnDeleter, status StatusSource, cfg RouterConfig) *Router {
	prefix := cfg.CommandPrefix
	if prefix == "" {
		prefix = DefaultCommandPrefix
	}
	return &Router{
		prefix:    prefix,
		botUserID: cfg.BotUserID,
		queue:     queue,
		messenger: messenger,
		servers:   servers,
		configs:   configs,
		turns:     turns,
		status:    status,
	}
}

// HandleDM processes one direct message. Messages from bots (including the
// bot itself) are ignored.
func (r *Router) HandleDM(ctx context.Context, msg platform.Message) {
	if !msg.IsDM() || msg.Author.Bot || msg.Author.ID == r.botUserID {
		return
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}
	if !strings.HasPrefix(content, r.prefix) {
		r.reply(ctx, msg.ChannelID, r.usage())
		return
	}

	rest := strings.TrimSpace(strings.TrimPrefix(content, r.prefix))
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		r.reply(ctx, msg.ChannelID, r.usage())
		return
	}

	command := strings.ToLower(fields[0])
	args := strings.TrimSpace(rest[len(fields[0]):])

	switch command {
	case "ask":
		r.handleAsk(ctx, msg, args)
	case "status":
		r.handleStatus(ctx, msg)
	case "clear-history":
		r.handleClearHistory(ctx, msg, args)
	default:
		r.reply(ctx, msg.ChannelID, fmt.Sprintf("Unknown command %q.\n\n%s", command, r.usage()))
	}
}

func (r *Router) handleAsk(ctx context.Context, msg platform.Message, args string) {
	if args == "" {
		r.reply(ctx, msg.ChannelID,
			fmt.Sprintf("Ask needs a question, like `%sask What did we decide about raid times?`", r.prefix))
		return
	}

	// The first word may name a server; if it matches one, the rest is the
	// question. Otherwise the whole text is the question and the server
	// must be unambiguous.
	server, question := platform.Server{}, args
	fields := strings.Fields(args)
	if len(fields) >= 2 {
		if matched, ok := r.matchServer(ctx, fields[0]); ok {
			server = matched
			question = strings.TrimSpace(args[len(fields[0]):])
		}
	}
	if server.ID == "" {
		def, explain := r.defaultServer(ctx)
		if explain != "" {
			r.reply(ctx, msg.ChannelID, explain)
			return
		}
		server = def
	}

	req := &Request{
		ID:        shortuuid.New(),
		UserID:    msg.Author.ID,
		ServerID:  server.ID,
		ChannelID: msg.ChannelID,
		Question:  question,
	}
	req.SessionTag = req.ID

	// The progress message is attached before Submit so the worker never
	// races the handle assignment.
	handle, err := r.messenger.SendMessage(ctx, msg.ChannelID,
		fmt.Sprintf("Queued (position %d)...", r.queue.Depth()+1))
	if err == nil {
		req.StatusMsg = handle
	}

	if err := r.queue.Submit(req); err != nil {
		r.replyRejection(ctx, msg.ChannelID, req.StatusMsg, err)
		return
	}
	slog.Info("request queued",
		"request_id", req.ID, "user_id", req.UserID, "server_id", req.ServerID)
}

func (r *Router) replyRejection(ctx context.Context, channelID string, handle platform.MessageHandle, err error) {
	var notice string
	var active *AlreadyActiveError
	switch {
	case errors.As(err, &active):
		notice = fmt.Sprintf(msgAlreadyActiveFmt, active.Position)
	case errors.Is(err, ErrQueueFull):
		notice = msgBusy
	default:
		notice = msgError
	}

	if handle != (platform.MessageHandle{}) {
		if err := r.messenger.EditMessage(ctx, handle, notice); err == nil {
			return
		}
	}
	r.reply(ctx, channelID, notice)
}

func (r *Router) handleStatus(ctx context.Context, msg platform.Message) {
	report := r.status.Report(ctx)

	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %d waiting, %d processing.\n", report.QueueDepth, report.Inflight)
	if report.PipelineAlive {
		b.WriteString("Indexing: live.\n")
	} else {
		b.WriteString("Indexing: stopped.\n")
	}
	for _, s := range report.Servers {
		name := s.Name
		if name == "" {
			name = s.ServerID
		}
		fmt.Fprintf(&b, "%s: %d messages indexed.\n", name, s.Records)
	}
	r.reply(ctx, msg.ChannelID, strings.TrimSpace(b.String()))
}

func (r *Router) handleClearHistory(ctx context.Context, msg platform.Message, args string) {
	var server platform.Server
	if args != "" {
		matched, ok := r.matchServer(ctx, args)
		if !ok {
			r.reply(ctx, msg.ChannelID, r.unknownServerText(ctx, args))
			return
		}
		server = matched
	} else {
		def, explain := r.defaultServer(ctx)
		if explain != "" {
			r.reply(ctx, msg.ChannelID, explain)
			return
		}
		server = def
	}

	// Server-scoped turns plus the user's unscoped ones.
	total := int64(0)
	for _, scope := range []string{server.ID, store.UnscopedServerID} {
		n, err := r.turns.DeleteConversationTurns(ctx, &store.DeleteConversationTurn{
			UserID:   msg.Author.ID,
			ServerID: scope,
		})
		if err != nil {
			slog.Warn("history clear failed",
				"user_id", msg.Author.ID, "server_id", scope, "error", err)
			r.reply(ctx, msg.ChannelID, msgError)
			return
		}
		total += n
	}

	label := server.Name
	if label == "" {
		label = server.ID
	}
	r.reply(ctx, msg.ChannelID, fmt.Sprintf("Cleared %d conversation entries for %s.", total, label))
}

// configuredServers joins the configured id set with platform names, sorted
// by name for stable listings.
func (r *Router) configuredServers(ctx context.Context) []platform.Server {
	ids := r.configs.ConfiguredServerIDs()
	if len(ids) == 0 {
		return nil
	}

	names := make(map[string]string)
	if servers, err := r.servers.ListServers(ctx); err == nil {
		for _, s := range servers {
			names[s.ID] = s.Name
		}
	} else {
		slog.Warn("server list unavailable", "error", err)
	}

	out := make([]platform.Server, 0, len(ids))
	for _, id := range ids {
		out = append(out, platform.Server{ID: id, Name: names[id]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// matchServer resolves tag against the configured servers: exact id, exact
// name (case-insensitive), or unique name prefix.
func (r *Router) matchServer(ctx context.Context, tag string) (platform.Server, bool) {
	candidates := r.configuredServers(ctx)
	lower := strings.ToLower(tag)

	var prefixed []platform.Server
	for _, c := range candidates {
		if c.ID == tag || strings.EqualFold(c.Name, tag) {
			return c, true
		}
		if c.Name != "" && strings.HasPrefix(strings.ToLower(c.Name), lower) {
			prefixed = append(prefixed, c)
		}
	}
	if len(prefixed) == 1 {
		return prefixed[0], true
	}
	return platform.Server{}, false
}

// defaultServer picks the server when no tag was given: only possible when
// exactly one server is configured.
func (r *Router) defaultServer(ctx context.Context) (platform.Server, string) {
	candidates := r.configuredServers(ctx)
	switch len(candidates) {
	case 0:
		return platform.Server{}, "No servers are set up for indexing yet."
	case 1:
		return candidates[0], ""
	default:
		return platform.Server{}, fmt.Sprintf(
			"Several servers are indexed; name one, like `%sask %s <question>`. Configured: %s.",
			r.prefix, serverLabel(candidates[0]), serverList(candidates))
	}
}

func (r *Router) unknownServerText(ctx context.Context, tag string) string {
	candidates := r.configuredServers(ctx)
	if len(candidates) == 0 {
		return "No servers are set up for indexing yet."
	}
	return fmt.Sprintf("No indexed server matches %q. Configured: %s.", tag, serverList(candidates))
}

func (r *Router) usage() string {
	p := r.prefix
	return "Commands:\n" +
		p + "ask [server] <question> - answer a question from the server's indexed history\n" +
		p + "status - queue and indexing status\n" +
		p + "clear-history [server] - delete your conversation history"
}

func (r *Router) reply(ctx context.Context, channelID, text string) {
	if _, err := r.messenger.SendMessage(ctx, channelID, text); err != nil {
		slog.Warn("reply failed", "channel_id", channelID, "error", err)
	}
}

func serverLabel(s platform.Server) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

func serverList(servers []platform.Server) string {
	labels := make([]string, len(servers))
	for i, s := range servers {
		labels[i] = serverLabel(s)
	}
	return strings.Join(labels, ", ")
}
