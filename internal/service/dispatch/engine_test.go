package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/tavern-irc/internal/config"
	"github.com/zhouzirui/tavern-irc/internal/model/chat"
	"github.com/zhouzirui/tavern-irc/internal/model/persona"
	"github.com/zhouzirui/tavern-irc/internal/service/ai"
	chatservice "github.com/zhouzirui/tavern-irc/internal/service/chat"
)

type line struct {
	notice bool
	target string
	text   string
}

type fakeShell struct {
	mu     sync.Mutex
	nick   string
	direct []line
	joined []string
	parted []string
}

func (s *fakeShell) SendMessage(target, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.direct = append(s.direct, line{target: target, text: text})
}

func (s *fakeShell) SendNotice(target, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.direct = append(s.direct, line{notice: true, target: target, text: text})
}

func (s *fakeShell) Join(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = append(s.joined, channel)
}

func (s *fakeShell) Part(channel, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parted = append(s.parted, channel)
}

func (s *fakeShell) SetNick(nick string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nick = nick
}

func (s *fakeShell) Nick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick
}

type fakeRelay struct {
	mu    sync.Mutex
	lines []line
}

func (r *fakeRelay) Deliver(_ context.Context, target string, lines []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range lines {
		r.lines = append(r.lines, line{target: target, text: l})
	}
	return nil
}

func (r *fakeRelay) Notify(_ context.Context, target string, lines []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range lines {
		r.lines = append(r.lines, line{notice: true, target: target, text: l})
	}
	return nil
}

func (r *fakeRelay) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	for i, l := range r.lines {
		out[i] = l.text
	}
	return out
}

type fakeModerator struct {
	flag func(string) bool
}

func (m fakeModerator) Check(_ context.Context, text string) bool {
	return m.flag != nil && m.flag(text)
}

type scriptedModel struct {
	mu     sync.Mutex
	calls  int
	answer string
	err    error
}

func (m *scriptedModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.answer, nil), nil
}

func (m *scriptedModel) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *scriptedModel) Stream(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type harness struct {
	engine   *Engine
	shell    *fakeShell
	relay    *fakeRelay
	model    *scriptedModel
	history  *chatservice.Service
	registry *ai.Registry
	queue    *Queue
}

func newHarness(t *testing.T, flag func(string) bool, opts Options) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	personas := persona.NewMemoryStore("")
	var prompts *ai.PersonaPromptManager
	history := chatservice.NewService(24, func() string { return prompts.DefaultPrompt() })
	prompts = ai.NewPersonaPromptManager(history, personas, persona.DefaultTemplate())

	registry, err := ai.NewRegistry(config.LLMConfig{
		DefaultModel: "gpt-4o",
		Providers: []config.ProviderConfig{
			{Name: "openai", Models: []string{"gpt-4o", "gpt-4o-mini"}},
			{Name: "xai", Models: []string{"grok-2"}},
		},
	})
	require.NoError(t, err)

	relay := &fakeRelay{}
	sm := &scriptedModel{answer: "Hi!"}
	responder := ai.NewService(history, prompts, registry, relay,
		ai.WithLogger(logger),
		ai.WithModelFactory(func(context.Context, ai.Selection) (model.BaseChatModel, error) { return sm, nil }),
	)

	shell := &fakeShell{nick: "InfiniGPT"}
	queue := NewQueue(8, 5*time.Second, logger, nil)
	engine := NewEngine(Deps{
		Shell:     shell,
		Responder: responder,
		Moderator: fakeModerator{flag: flag},
		Relay:     relay,
		History:   history,
		Roster:    chatservice.NewRoster(),
		Prompts:   prompts,
		Registry:  registry,
		Queue:     queue,
		Logger:    logger,
	}, opts)

	h := &harness{engine: engine, shell: shell, relay: relay, model: sm, history: history, registry: registry, queue: queue}
	t.Cleanup(func() { _ = queue.Close(time.Second) })
	return h
}

// settle waits for every queued job to finish.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.queue.Busy() == 0 }, 3*time.Second, 5*time.Millisecond)
}

func TestScenarioFirstMessageSeedsHistory(t *testing.T) {
	h := newHarness(t, nil, Options{})

	h.engine.HandleMessage("alice", "#tavern", ".ai hello")
	h.settle(t)

	msgs, err := h.history.Get(chat.NewKey("#tavern", "alice"))
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, schema.System, msgs[0].Role)
	assert.Equal(t, persona.DefaultTemplate().Compose(persona.DefaultPersona), msgs[0].Content)
	assert.Equal(t, "hello", msgs[1].Content)
	assert.Equal(t, "Hi!", msgs[2].Content)

	assert.Equal(t, []line{
		{target: "#tavern", text: "alice:"},
		{target: "#tavern", text: "Hi!"},
	}, h.relay.lines)
}

func TestScenarioPersonaReplacesHistoryAndIntroduces(t *testing.T) {
	h := newHarness(t, nil, Options{RespondOnPersona: true})
	key := chat.NewKey("#tavern", "bob")

	h.engine.HandleMessage("bob", "#tavern", ".ai earlier question")
	h.settle(t)
	h.engine.HandleMessage("bob", "#tavern", ".persona a grumpy pirate")
	h.settle(t)

	msgs, err := h.history.Get(key)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "assume the personality of a grumpy pirate.  roleplay and never break character. keep your responses short.", msgs[0].Content)
	assert.Equal(t, ai.IntroducePrompt, msgs[1].Content)
	assert.Equal(t, 2, h.model.callCount())
}

func TestPersonaWithoutIntroduction(t *testing.T) {
	h := newHarness(t, nil, Options{RespondOnPersona: false})

	h.engine.HandleMessage("bob", "#tavern", ".persona a grumpy pirate")
	h.settle(t)

	msgs, err := h.history.Get(chat.NewKey("#tavern", "bob"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Zero(t, h.model.callCount())
	assert.Empty(t, h.relay.lines)
}

func TestScenarioCollaborationNeedsExistingHistory(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.engine.HandleNames("#tavern", []string{"@alice", "bob"})

	h.engine.HandleMessage("bob", "#tavern", ".x alice what do you think?")
	h.settle(t)

	assert.Empty(t, h.relay.lines)
	assert.False(t, h.history.Has(chat.NewKey("#tavern", "alice")))
	assert.Zero(t, h.model.callCount())
}

func TestCollaborationSkipsTargetWhoseOnlyTurnFailed(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.model.fail(errors.New("upstream 500"))

	h.engine.HandleMessage("alice", "#tavern", ".ai hello")
	h.settle(t)
	assert.Equal(t, []string{ai.FailureMessage}, h.relay.texts())
	assert.False(t, h.history.Has(chat.NewKey("#tavern", "alice")))

	h.engine.HandleMessage("bob", "#tavern", ".x alice what do you think?")
	h.settle(t)

	assert.Equal(t, 1, h.model.callCount())
	assert.Equal(t, []string{ai.FailureMessage}, h.relay.texts())
}

func TestCollaborationWritesTargetHistory(t *testing.T) {
	h := newHarness(t, nil, Options{})

	h.engine.HandleMessage("alice", "#tavern", ".ai hello")
	h.settle(t)
	h.engine.HandleMessage("bob", "#tavern", ".x alice what do you think?")
	h.settle(t)

	msgs, err := h.history.Get(chat.NewKey("#tavern", "alice"))
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	assert.Equal(t, "what do you think?", msgs[3].Content)
	assert.False(t, h.history.Has(chat.NewKey("#tavern", "bob")))

	assert.Equal(t, []string{"alice:", "Hi!", "bob:", "Hi!"}, h.relay.texts())
}

func TestCollaborationIgnoredInPrivate(t *testing.T) {
	h := newHarness(t, nil, Options{})

	h.engine.HandleMessage("alice", "InfiniGPT", ".ai hello")
	h.settle(t)
	h.engine.HandleMessage("bob", "InfiniGPT", ".x alice hi")
	h.settle(t)

	assert.Equal(t, 1, h.model.callCount())
}

func TestScenarioNonAdminCannotChangeModel(t *testing.T) {
	h := newHarness(t, nil, Options{Admins: []string{"root"}})

	h.engine.HandleMessage("mallory", "#tavern", ".model grok-2")
	h.settle(t)

	assert.Equal(t, "gpt-4o", h.registry.Active().Model)
	assert.Empty(t, h.relay.lines)
}

func TestAdminModelCommands(t *testing.T) {
	h := newHarness(t, nil, Options{Admins: []string{"Root"}})

	h.engine.HandleMessage("root", "#tavern", ".model grok-2")
	h.engine.HandleMessage("root", "#tavern", ".model")
	h.engine.HandleMessage("root", "#tavern", ".model gpt-9")
	h.settle(t)

	assert.Equal(t, "grok-2", h.registry.Active().Model)
	assert.Equal(t, []line{
		{target: "#tavern", text: "Model set to grok-2"},
		{target: "#tavern", text: "Current model: grok-2"},
		{target: "#tavern", text: "Available models: gpt-4o, gpt-4o-mini, grok-2"},
		{notice: true, target: "root", text: "Unknown model: gpt-9"},
	}, h.relay.lines)
}

func TestScenarioFlaggedPersonaIsRefused(t *testing.T) {
	h := newHarness(t, func(text string) bool { return strings.Contains(text, "villain") }, Options{RespondOnPersona: true})
	key := chat.NewKey("#tavern", "bob")

	h.engine.HandleMessage("bob", "#tavern", ".persona a cartoon villain")
	h.settle(t)

	assert.False(t, h.history.Has(key))
	assert.Equal(t, []string{"bob: This persona violates OpenAI terms of use and was not set."}, h.relay.texts())
	assert.Zero(t, h.model.callCount())
}

func TestFlaggedMessageIsRefused(t *testing.T) {
	h := newHarness(t, func(string) bool { return true }, Options{})

	h.engine.HandleMessage("eve", "#tavern", ".ai something nasty")
	h.settle(t)

	assert.False(t, h.history.Has(chat.NewKey("#tavern", "eve")))
	assert.Equal(t, []string{"eve: This message violates OpenAI terms of use and was not sent"}, h.relay.texts())
}

func TestResetAndStock(t *testing.T) {
	h := newHarness(t, nil, Options{})
	key := chat.NewKey("#tavern", "carol")

	h.engine.HandleMessage("carol", "#tavern", ".persona a bard")
	h.engine.HandleMessage("carol", "#tavern", ".reset")
	h.settle(t)

	msgs, err := h.history.Get(key)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, persona.DefaultTemplate().Compose(persona.DefaultPersona), msgs[0].Content)

	h.engine.HandleMessage("carol", "#tavern", ".stock")
	h.settle(t)

	msgs, err = h.history.Get(key)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.Equal(t, []string{
		"InfiniGPT reset to default for carol",
		"Stock settings applied for carol",
	}, h.relay.texts())
}

func TestPrivateMessagesUsePrivateScope(t *testing.T) {
	h := newHarness(t, nil, Options{})

	h.engine.HandleMessage("alice", "InfiniGPT", "InfiniGPT: hi")
	h.settle(t)

	assert.True(t, h.history.Has(chat.NewKey(chat.PrivateScope, "alice")))
	assert.Equal(t, []line{
		{target: "alice", text: "alice:"},
		{target: "alice", text: "Hi!"},
	}, h.relay.lines)
}

func TestOwnAndUnknownMessagesIgnored(t *testing.T) {
	h := newHarness(t, nil, Options{})

	h.engine.HandleMessage("InfiniGPT", "#tavern", ".ai talking to myself")
	h.engine.HandleMessage("alice", "#tavern", "just chatting")
	h.engine.HandleMessage("alice", "#tavern", ".ai")
	h.engine.HandleMessage("alice", "#tavern", ".persona")
	h.settle(t)

	assert.Zero(t, h.model.callCount())
	assert.Empty(t, h.relay.lines)
	assert.Zero(t, h.history.Len())
}

func TestHelpIsNoticedToSender(t *testing.T) {
	h := newHarness(t, nil, Options{Admins: []string{"root"}})

	h.engine.HandleMessage("alice", "#tavern", ".help")
	h.settle(t)
	require.Len(t, h.relay.lines, len(DefaultHelp))
	for _, l := range h.relay.lines {
		assert.True(t, l.notice)
		assert.Equal(t, "alice", l.target)
	}

	h.relay.lines = nil
	h.engine.HandleMessage("root", "#tavern", ".help")
	h.settle(t)
	assert.Len(t, h.relay.lines, len(DefaultHelp)+len(AdminHelp))
}

func TestAdminChannelAndNickCommands(t *testing.T) {
	h := newHarness(t, nil, Options{Admins: []string{"root"}})

	h.engine.HandleMessage("root", "#tavern", ".join #cellar")
	h.engine.HandleMessage("root", "#tavern", ".part")
	h.engine.HandleMessage("root", "#tavern", ".nick Barkeep")
	h.engine.HandleMessage("root", "#tavern", ".default a wise owl")
	h.settle(t)

	assert.Equal(t, []string{"#cellar"}, h.shell.joined)
	assert.Equal(t, []string{"#tavern"}, h.shell.parted)
	assert.Equal(t, "Barkeep", h.shell.Nick())
	assert.Equal(t, []string{"Default persona set to a wise owl"}, h.relay.texts())

	h.engine.HandleMessage("dave", "Barkeep", "Barkeep: hi")
	h.settle(t)
	msgs, err := h.history.Get(chat.NewKey(chat.PrivateScope, "dave"))
	require.NoError(t, err)
	assert.Equal(t, persona.DefaultTemplate().Compose("a wise owl"), msgs[0].Content)
}

func TestInviteOnlyFromAdmin(t *testing.T) {
	h := newHarness(t, nil, Options{Admins: []string{"root"}})

	h.engine.HandleInvite("mallory", "#trap")
	h.engine.HandleInvite("ROOT", "#cellar")

	assert.Equal(t, []string{"#cellar"}, h.shell.joined)
}

func TestWelcomeSequence(t *testing.T) {
	h := newHarness(t, nil, Options{
		Channels:      []string{"#tavern", "#cellar"},
		Password:      "hunter2",
		IdentifyDelay: time.Millisecond,
	})
	require.NoError(t, h.registry.SetActive("grok-2"))
	require.True(t, h.engine.Prompts.SetDefaultPersona("a sleepy dragon"))

	h.engine.HandleWelcome()
	h.settle(t)

	assert.Equal(t, "gpt-4o", h.registry.Active().Model)
	assert.Equal(t, persona.DefaultPersona, h.engine.Prompts.DefaultPersona())
	assert.Equal(t, []line{{target: "NickServ", text: "IDENTIFY hunter2"}}, h.shell.direct)
	assert.Equal(t, []string{"#tavern", "#cellar"}, h.shell.joined)
	assert.Equal(t, []line{
		{target: "#tavern", text: "Hi!" + ai.HelpHint},
		{target: "#cellar", text: "Hi!" + ai.HelpHint},
	}, h.relay.lines)
	assert.Zero(t, h.history.Len())
}

func TestRosterTracking(t *testing.T) {
	h := newHarness(t, nil, Options{})
	roster := h.engine.Roster

	h.engine.HandleNames("#tavern", []string{"@alice", "+bob"})
	h.engine.HandleJoin("#tavern", "carol")
	h.engine.HandlePart("#tavern", "bob")
	h.engine.HandleNick("carol", "caroline")
	h.engine.HandleQuit("alice")

	assert.Equal(t, []string{"caroline"}, roster.Names("#tavern"))

	h.engine.HandlePart("#tavern", "InfiniGPT")
	assert.Empty(t, roster.Names("#tavern"))
}

func TestStatus(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.engine.HandleMessage("alice", "#tavern", ".ai hello")
	h.settle(t)

	st := h.engine.Status()
	assert.Equal(t, "InfiniGPT", st.Nick)
	assert.Equal(t, "gpt-4o", st.ActiveModel)
	assert.Equal(t, 1, st.Participants)
	assert.Equal(t, map[string]int{"#tavern": 1}, st.Scopes)
	assert.Equal(t, []string{"#tavern"}, st.Channels)
}
