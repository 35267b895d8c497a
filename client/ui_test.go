package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/model"
	"github.com/puyokura/hallmesh/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu      sync.Mutex
	events  chan model.Event
	status  session.Status
	sent    []string
	typing  int
	invites []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan model.Event, 8)}
}

func (f *fakeSession) Events() <-chan model.Event { return f.events }

func (f *fakeSession) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSession) Self() model.PeerInfo {
	return model.PeerInfo{UserID: uuid.New(), Username: "me"}
}

func (f *fakeSession) Send(_ context.Context, content string) (model.NetMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	return model.NetMessage{Content: content}, nil
}

func (f *fakeSession) ConnectInvite(_ context.Context, invite string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, invite)
	return nil
}

func (f *fakeSession) Host(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.Invite = "hall://127.0.0.1:9000/x?token=t"
	return nil
}

func (f *fakeSession) RegenerateInvite(context.Context) (model.InviteURL, error) {
	return model.InviteURL{}, errors.New("not hosting")
}

func (f *fakeSession) Disconnect(context.Context) error { return nil }

func (f *fakeSession) Typing() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
}

func testModel(t *testing.T) (modelState, *fakeSession) {
	t.Helper()
	s := newFakeSession()
	m := initialModel(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return next.(modelState), s
}

func TestFormatMessagePendingThenSequenced(t *testing.T) {
	msg := model.NewChat(uuid.New(), uuid.New(), "ada", "hello there")

	out := formatMessage(msg, 100)
	assert.Contains(t, out, "ada")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "hello there")

	out = formatMessage(msg.WithSequence(7, 1), 100)
	assert.Contains(t, out, "#7")
	assert.NotContains(t, out, "pending")
}

func TestFormatMessageWraps(t *testing.T) {
	msg := model.NewChat(uuid.New(), uuid.New(), "ada", strings.Repeat("word ", 40))
	out := formatMessage(msg, 60)
	assert.Greater(t, len(strings.Split(out, "\n")), 1)
}

func TestParseColorTags(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"<#FF0000>red</> text", "red text"},
		{"<#FF0000>unterminated", "<#FF0000>unterminated"},
		{"a <# b", "a <# b"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			// Tests run without a colour profile, so only the text survives.
			assert.Equal(t, tt.want, parseColorTags(tt.in))
		})
	}
}

func TestApplyAckSequencesEntry(t *testing.T) {
	m, _ := testModel(t)
	msg := model.NewChat(uuid.New(), uuid.New(), "me", "first")

	m.apply(model.Event{Type: model.EventMessage, Message: &msg})
	require.Len(t, m.entries, 1)
	assert.False(t, m.entries[0].msg.Sequenced())

	m.apply(model.Event{Type: model.EventMessageAcked, MessageID: msg.ID, Sequence: 3})
	require.True(t, m.entries[0].msg.Sequenced())
	assert.Equal(t, uint64(3), m.entries[0].msg.Seq())
	assert.Nil(t, msg.Sequence, "event payload is copied")
	assert.Contains(t, m.viewport.View(), "#3")
}

func TestApplySystemEvents(t *testing.T) {
	m, _ := testModel(t)
	m.apply(model.Event{Type: model.EventBecameHost, Epoch: 2})
	m.apply(model.Event{Type: model.EventAuthRejected, Reason: "auth rejected"})
	m.apply(model.Event{Type: model.EventQualityChanged})

	require.Len(t, m.entries, 2)
	assert.Equal(t, "You are now hosting (epoch 2).", m.entries[0].text)
	assert.Equal(t, "Join rejected: auth rejected", m.entries[1].text)
}

func TestTypingLine(t *testing.T) {
	m, _ := testModel(t)
	ada, bob := uuid.New(), uuid.New()
	m.status.Members = []model.PeerInfo{{UserID: ada, Username: "ada"}}

	assert.Empty(t, m.typingLine())
	m.status.Typing = []uuid.UUID{ada}
	assert.Equal(t, "ada is typing...", m.typingLine())
	m.status.Typing = []uuid.UUID{ada, bob}
	assert.Equal(t, "ada, "+bob.String()[:8]+" are typing...", m.typingLine())
}

func TestKeysSendAndSignalTyping(t *testing.T) {
	m, s := testModel(t)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("h")})
	m = next.(modelState)
	assert.Equal(t, 1, s.typing)

	m.textInput.SetValue("hello")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(modelState)
	require.NotNil(t, cmd)
	assert.Nil(t, cmd())
	assert.Equal(t, []string{"hello"}, s.sent)
	assert.Empty(t, m.textInput.Value())
}

func TestSlashCommands(t *testing.T) {
	m, s := testModel(t)

	msg := m.command("/connect hall://127.0.0.1:9000/x?token=t")()
	assert.Equal(t, infoMsg("Connecting..."), msg)
	assert.Len(t, s.invites, 1)

	assert.Equal(t, infoMsg("Usage: /connect <invite>"), m.command("/connect")())
	assert.Equal(t, infoMsg("Invite: hall://127.0.0.1:9000/x?token=t"), m.command("/host")())

	errOut, ok := m.command("/invite")().(errMsg)
	require.True(t, ok)
	assert.EqualError(t, errOut, "not hosting")
}

func TestClosedEventsQuit(t *testing.T) {
	m, s := testModel(t)
	close(s.events)
	msg := waitForEvent(s.Events())()
	assert.Equal(t, closedMsg{}, msg)
	_, cmd := m.Update(msg)
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
