package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildseer/guildseer/platform"
	"github.com/guildseer/guildseer/store"
)

type fakeDirectory struct {
	servers []platform.Server
	err     error
}

func (f *fakeDirectory) ListServers(_ context.Context) ([]platform.Server, error) {
	return f.servers, f.err
}

type fakeConfigs struct {
	ids []string
}

func (f *fakeConfigs) ConfiguredServerIDs() []string { return f.ids }

type deleteCall struct {
	userID   string
	serverID string
}

type fakeDeleter struct {
	mu     sync.Mutex
	counts map[string]int64 // server id -> rows deleted
	calls  []deleteCall
}

func (f *fakeDeleter) DeleteConversationTurns(_ context.Context, del *store.DeleteConversationTurn) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, deleteCall{del.UserID, del.ServerID})
	return f.counts[del.ServerID], nil
}

type fakeStatus struct {
	report StatusReport
}

func (f *fakeStatus) Report(_ context.Context) StatusReport { return f.report }

type routerRig struct {
	queue     *Queue
	messenger *fakeMessenger
	directory *fakeDirectory
	configs   *fakeConfigs
	deleter   *fakeDeleter
	status    *fakeStatus
	router    *Router
}

func newRouterRig(capacity int, servers []platform.Server, configured []string) *routerRig {
	rig := &routerRig{
		queue:     NewQueue(capacity, nil),
		messenger: &fakeMessenger{},
		directory: &fakeDirectory{servers: servers},
		configs:   &fakeConfigs{ids: configured},
		deleter:   &fakeDeleter{counts: map[string]int64{}},
		status:    &fakeStatus{},
	}
	rig.router = NewRouter(rig.queue, rig.messenger, rig.directory, rig.configs, rig.deleter, rig.status,
		RouterConfig{BotUserID: "bot-1"})
	return rig
}

func dm(userID, content string) platform.Message {
	return platform.Message{
		ID:        "dm-msg-1",
		ChannelID: "dm-chan-" + userID,
		Author:    platform.Author{ID: userID, Username: "user-" + userID},
		Content:   content,
		Timestamp: time.Now(),
	}
}

func twoServers() ([]platform.Server, []string) {
	servers := []platform.Server{
		{ID: "srv-night", Name: "Night Watch"},
		{ID: "srv-day", Name: "Day Crew"},
	}
	return servers, []string{"srv-night", "srv-day"}
}

func TestRouterIgnoresGuildAndBotMessages(t *testing.T) {
	rig := newRouterRig(10, nil, []string{"srv-1"})

	guild := dm("u1", "!ask hello")
	guild.ServerID = "srv-1"
	rig.router.HandleDM(context.Background(), guild)

	bot := dm("u2", "!ask hello")
	bot.Author.Bot = true
	rig.router.HandleDM(context.Background(), bot)

	own := dm("bot-1", "!ask hello")
	rig.router.HandleDM(context.Background(), own)

	assert.Empty(t, rig.messenger.sentMessages())
	assert.Equal(t, 0, rig.queue.Depth())
}

func TestRouterUsageForUnprefixedMessage(t *testing.T) {
	rig := newRouterRig(10, nil, []string{"srv-1"})
	rig.router.HandleDM(context.Background(), dm("u1", "hello there"))

	sent := rig.messenger.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].content, "!ask")
	assert.Contains(t, sent[0].content, "!clear-history")
}

func TestRouterUnknownCommand(t *testing.T) {
	rig := newRouterRig(10, nil, []string{"srv-1"})
	rig.router.HandleDM(context.Background(), dm("u1", "!frobnicate now"))

	sent := rig.messenger.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].content, `Unknown command "frobnicate"`)
}

func TestAskSingleConfiguredServer(t *testing.T) {
	servers := []platform.Server{{ID: "srv-1", Name: "Night Watch"}}
	rig := newRouterRig(10, servers, []string{"srv-1"})

	rig.router.HandleDM(context.Background(), dm("u1", "!ask When is the raid?"))

	sent := rig.messenger.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Queued (position 1)...", sent[0].content)

	req, err := rig.queue.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", req.UserID)
	assert.Equal(t, "srv-1", req.ServerID)
	assert.Equal(t, "When is the raid?", req.Question)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, req.ID, req.SessionTag)
	assert.NotEmpty(t, req.StatusMsg.MessageID, "progress handle is attached before submit")
}

func TestAskWithServerTag(t *testing.T) {
	servers, configured := twoServers()
	rig := newRouterRig(10, servers, configured)

	rig.router.HandleDM(context.Background(), dm("u1", "!ask night When is the raid?"))

	req, err := rig.queue.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "srv-night", req.ServerID, "name prefix resolves the server")
	assert.Equal(t, "When is the raid?", req.Question)
}

func TestAskByServerID(t *testing.T) {
	servers, configured := twoServers()
	rig := newRouterRig(10, servers, configured)

	rig.router.HandleDM(context.Background(), dm("u1", "!ask srv-day anything new?"))

	req, err := rig.queue.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "srv-day", req.ServerID)
	assert.Equal(t, "anything new?", req.Question)
}

func TestAskAmbiguousServer(t *testing.T) {
	servers, configured := twoServers()
	rig := newRouterRig(10, servers, configured)

	rig.router.HandleDM(context.Background(), dm("u1", "!ask When is the raid?"))

	assert.Equal(t, 0, rig.queue.Depth(), "nothing queued without a resolvable server")
	sent := rig.messenger.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].content, "Several servers are indexed")
	assert.Contains(t, sent[0].content, "Night Watch")
	assert.Contains(t, sent[0].content, "Day Crew")
}

func TestAskUnmatchedFirstWordIsQuestion(t *testing.T) {
	servers := []platform.Server{{ID: "srv-1", Name: "Night Watch"}}
	rig := newRouterRig(10, servers, []string{"srv-1"})

	rig.router.HandleDM(context.Background(), dm("u1", "!ask zephyr cult lore?"))

	req, err := rig.queue.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "zephyr cult lore?", req.Question,
		"an unmatched first word stays part of the question")
}

func TestAskNoConfiguredServers(t *testing.T) {
	rig := newRouterRig(10, nil, nil)
	rig.router.HandleDM(context.Background(), dm("u1", "!ask anything?"))

	sent := rig.messenger.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].content, "No servers are set up")
}

func TestAskQueueFullEditsNotice(t *testing.T) {
	servers := []platform.Server{{ID: "srv-1", Name: "Night Watch"}}
	rig := newRouterRig(1, servers, []string{"srv-1"})
	require.NoError(t, rig.queue.Submit(newRequest("other", "occupies the slot")))

	rig.router.HandleDM(context.Background(), dm("u1", "!ask When is the raid?"))

	sent := rig.messenger.sentMessages()
	require.Len(t, sent, 1, "the progress message is reused for the notice")
	assert.Equal(t, "Queued (position 2)...", sent[0].content)
	assert.Equal(t, msgBusy, rig.messenger.editOf("sent-1"))
	assert.Equal(t, 1, rig.queue.Depth(), "the rejected request never entered the queue")
}

func TestAskAlreadyActive(t *testing.T) {
	servers := []platform.Server{{ID: "srv-1", Name: "Night Watch"}}
	rig := newRouterRig(10, servers, []string{"srv-1"})

	rig.router.HandleDM(context.Background(), dm("u1", "!ask first question"))
	rig.router.HandleDM(context.Background(), dm("u1", "!ask second question"))

	assert.Equal(t, 1, rig.queue.Depth())
	sent := rig.messenger.sentMessages()
	require.Len(t, sent, 2)
	// The second progress message is edited into the rejection.
	edited := rig.messenger.editOf("sent-2")
	assert.Equal(t, "You already have a request in flight (position 1).", edited)
}

func TestStatusCommand(t *testing.T) {
	rig := newRouterRig(10, nil, []string{"srv-1"})
	rig.status.report = StatusReport{
		QueueDepth:    2,
		Inflight:      1,
		PipelineAlive: true,
		Servers: []ServerStatus{
			{ServerID: "srv-1", Name: "Night Watch", Records: 1234},
		},
	}

	rig.router.HandleDM(context.Background(), dm("u1", "!status"))

	sent := rig.messenger.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].content, "Queue: 2 waiting, 1 processing.")
	assert.Contains(t, sent[0].content, "Indexing: live.")
	assert.Contains(t, sent[0].content, "Night Watch: 1234 messages indexed.")
}

func TestClearHistory(t *testing.T) {
	servers := []platform.Server{{ID: "srv-1", Name: "Night Watch"}}
	rig := newRouterRig(10, servers, []string{"srv-1"})
	rig.deleter.counts = map[string]int64{"srv-1": 4, store.UnscopedServerID: 2}

	rig.router.HandleDM(context.Background(), dm("u1", "!clear-history"))

	require.Len(t, rig.deleter.calls, 2)
	assert.Equal(t, deleteCall{"u1", "srv-1"}, rig.deleter.calls[0])
	assert.Equal(t, deleteCall{"u1", store.UnscopedServerID}, rig.deleter.calls[1])

	sent := rig.messenger.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Cleared 6 conversation entries for Night Watch.", sent[0].content)
}

func TestClearHistoryUnknownServer(t *testing.T) {
	servers, configured := twoServers()
	rig := newRouterRig(10, servers, configured)

	rig.router.HandleDM(context.Background(), dm("u1", "!clear-history atlantis"))

	assert.Empty(t, rig.deleter.calls)
	sent := rig.messenger.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].content, `No indexed server matches "atlantis"`)
}
