package main

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/model"
	"github.com/puyokura/hallmesh/session"
)

const commandTimeout = 10 * time.Second

// chatSession is what the UI needs from a session.
type chatSession interface {
	Events() <-chan model.Event
	Status() session.Status
	Self() model.PeerInfo
	Send(ctx context.Context, content string) (model.NetMessage, error)
	ConnectInvite(ctx context.Context, invite string) error
	Host(ctx context.Context) error
	RegenerateInvite(ctx context.Context) (model.InviteURL, error)
	Disconnect(ctx context.Context) error
	Typing()
}

type eventMsg model.Event

type closedMsg struct{}

type errMsg error

type infoMsg string

type entry struct {
	msg  *model.NetMessage
	text string
}

type modelState struct {
	session   chatSession
	logger    *slog.Logger
	viewport  viewport.Model
	textInput textinput.Model
	entries   []entry
	status    session.Status
	ready     bool
}

func initialModel(s chatSession, logger *slog.Logger) modelState {
	ti := textinput.New()
	ti.Placeholder = "Type a message..."
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 20

	return modelState{
		session:   s,
		logger:    logger,
		textInput: ti,
		status:    s.Status(),
	}
}

func waitForEvent(events <-chan model.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m modelState) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvent(m.session.Events()))
}

func (m modelState) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			m.logger.Error("panic in Update", "panic", fmt.Sprint(r), "stack", string(buf[:n]))
		}
	}()

	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			content := strings.TrimSpace(m.textInput.Value())
			if content == "" {
				return m, nil
			}
			m.textInput.SetValue("")
			return m, m.command(content)
		default:
			m.session.Typing()
		}

	case tea.WindowSizeMsg:
		headerHeight := 1
		footerHeight := 4
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.textInput.Width = msg.Width
		m.rerender()

	case eventMsg:
		m.apply(model.Event(msg))
		return m, waitForEvent(m.session.Events())

	case closedMsg:
		return m, tea.Quit

	case infoMsg:
		m.appendLine(string(msg))

	case errMsg:
		m.appendLine("Error: " + msg.Error())
	}

	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd)
}

// command runs a slash command or sends content as chat.
func (m modelState) command(content string) tea.Cmd {
	s := m.session
	run := func(fn func(ctx context.Context) (string, error)) tea.Cmd {
		return func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			info, err := fn(ctx)
			if err != nil {
				return errMsg(err)
			}
			if info == "" {
				return nil
			}
			return infoMsg(info)
		}
	}

	parts := strings.Fields(content)
	switch parts[0] {
	case "/connect":
		if len(parts) != 2 {
			return func() tea.Msg { return infoMsg("Usage: /connect <invite>") }
		}
		return run(func(ctx context.Context) (string, error) {
			return "Connecting...", s.ConnectInvite(ctx, parts[1])
		})
	case "/unconnect", "/disconnect":
		return run(func(ctx context.Context) (string, error) {
			return "Disconnected.", s.Disconnect(ctx)
		})
	case "/host":
		return run(func(ctx context.Context) (string, error) {
			if err := s.Host(ctx); err != nil {
				return "", err
			}
			return "Invite: " + s.Status().Invite, nil
		})
	case "/invite":
		return run(func(ctx context.Context) (string, error) {
			u, err := s.RegenerateInvite(ctx)
			return "Invite: " + u.String(), err
		})
	case "/help":
		return func() tea.Msg {
			return infoMsg("/connect <invite>  /host  /invite  /unconnect  Esc to quit")
		}
	}
	return run(func(ctx context.Context) (string, error) {
		_, err := s.Send(ctx, content)
		return "", err
	})
}

func (m *modelState) apply(ev model.Event) {
	m.status = m.session.Status()
	switch ev.Type {
	case model.EventMessage:
		if ev.Message != nil {
			msg := *ev.Message
			m.entries = append(m.entries, entry{msg: &msg})
		}
	case model.EventMessageAcked:
		for i := len(m.entries) - 1; i >= 0; i-- {
			if e := m.entries[i]; e.msg != nil && e.msg.ID == ev.MessageID {
				seq := ev.Sequence
				e.msg.Sequence = &seq
				break
			}
		}
	case model.EventConnected:
		m.entries = append(m.entries, entry{text: fmt.Sprintf("Connected! host %s, epoch %d", shortID(ev.HostID), ev.Epoch)})
	case model.EventDisconnected:
		m.entries = append(m.entries, entry{text: "Disconnected."})
	case model.EventBecameHost:
		m.entries = append(m.entries, entry{text: fmt.Sprintf("You are now hosting (epoch %d).", ev.Epoch)})
	case model.EventElecting:
		m.entries = append(m.entries, entry{text: "Host lost, electing a new one..."})
	case model.EventNoEligibleHost:
		m.entries = append(m.entries, entry{text: "Nobody here can host. Waiting for a host."})
	case model.EventAuthRejected:
		m.entries = append(m.entries, entry{text: "Join rejected: " + ev.Reason})
	case model.EventSyncOutOfRange:
		m.entries = append(m.entries, entry{text: fmt.Sprintf("Older history before #%d is unavailable.", ev.Sequence)})
	default:
		return
	}
	m.rerender()
}

func (m *modelState) appendLine(text string) {
	m.entries = append(m.entries, entry{text: text})
	m.rerender()
}

func (m *modelState) rerender() {
	if !m.ready {
		return
	}
	lines := make([]string, len(m.entries))
	for i, e := range m.entries {
		if e.msg != nil {
			lines[i] = formatMessage(*e.msg, m.viewport.Width)
		} else {
			lines[i] = systemStyle.Render(e.text)
		}
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

var (
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))
	systemStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080")).Italic(true)
	headerStyle  = lipgloss.NewStyle().Bold(true)
	qualityColor = map[model.Quality]lipgloss.Color{
		model.QualityGood:    lipgloss.Color("#50C878"),
		model.QualityOK:      lipgloss.Color("#E0B000"),
		model.QualityPoor:    lipgloss.Color("#E05050"),
		model.QualityUnknown: lipgloss.Color("#808080"),
	}
)

func (m modelState) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	return fmt.Sprintf("%s\n%s\n%s\n%s\n%s",
		m.header(),
		m.viewport.View(),
		strings.Repeat("─", m.viewport.Width),
		m.typingLine(),
		m.textInput.View(),
	)
}

func (m modelState) header() string {
	st := m.status
	quality := lipgloss.NewStyle().Foreground(qualityColor[st.Quality]).Render("● " + st.Quality.String())
	return headerStyle.Render(fmt.Sprintf("%s │ host %s │ epoch %d │ %d members │ ",
		st.State, shortID(st.HostID), st.Epoch, len(st.Members))) + quality
}

func (m modelState) typingLine() string {
	if len(m.status.Typing) == 0 {
		return ""
	}
	names := make([]string, 0, len(m.status.Typing))
	for _, id := range m.status.Typing {
		names = append(names, m.memberName(id))
	}
	verb := "is"
	if len(names) > 1 {
		verb = "are"
	}
	return systemStyle.Render(fmt.Sprintf("%s %s typing...", strings.Join(names, ", "), verb))
}

func (m modelState) memberName(id uuid.UUID) string {
	for _, p := range m.status.Members {
		if p.UserID == id && p.Username != "" {
			return p.Username
		}
	}
	return shortID(id)
}

func shortID(id uuid.UUID) string {
	if id == uuid.Nil {
		return "-"
	}
	return id.String()[:8]
}

// formatMessage renders one message as
// │ Time  │ Sender          │ Seq      │ Message
// wrapping the message column to width.
func formatMessage(msg model.NetMessage, width int) string {
	if width < 50 {
		width = 80
	}

	timeStr := msg.CreatedAt.Local().Format("15:04")

	rawUser := msg.Sender
	if rawUser == "" {
		rawUser = "Unknown"
	}
	userWithColors := parseColorTags(rawUser)
	userWidth := lipgloss.Width(userWithColors)
	if padding := 15 - userWidth; padding > 0 {
		userWithColors += strings.Repeat(" ", padding)
	}

	// Unsequenced messages are still waiting for the host.
	seq := "pending"
	if msg.Sequenced() {
		seq = fmt.Sprintf("#%d", msg.Seq())
	}
	seq = fmt.Sprintf("%-8s", seq)

	vLine := borderStyle.Render("│")
	prefix := fmt.Sprintf("%s %s %s %s %s %s %s ", vLine, timeStr, vLine, userWithColors, vLine, seq, vLine)
	prefixWidth := lipgloss.Width(prefix)
	if prefixWidth <= 0 || prefixWidth > width {
		prefixWidth = 50
	}
	msgWidth := max(width-prefixWidth, 10)

	content := parseColorTags(msg.Content)
	if msg.Kind == model.MessageSystemNotice {
		content = systemStyle.Render(content)
	}
	wrapped := lipgloss.NewStyle().Width(msgWidth).Render(content)
	lines := strings.Split(wrapped, "\n")

	var result strings.Builder
	result.WriteString(prefix)
	if len(lines) > 0 {
		result.WriteString(lines[0])
	}

	emptyPrefix := fmt.Sprintf("%s %s %s %s %s %s %s ",
		vLine, strings.Repeat(" ", 5),
		vLine, strings.Repeat(" ", max(userWidth, 15)),
		vLine, strings.Repeat(" ", 8),
		vLine)
	for i := 1; i < len(lines); i++ {
		result.WriteString("\n")
		result.WriteString(emptyPrefix)
		result.WriteString(lines[i])
	}
	return result.String()
}

// parseColorTags renders <#RRGGBB>text</> spans in colour.
func parseColorTags(input string) string {
	var output strings.Builder
	remaining := input
	for {
		start := strings.Index(remaining, "<#")
		if start == -1 {
			output.WriteString(remaining)
			break
		}
		output.WriteString(remaining[:start])
		remaining = remaining[start:]

		endTagStart := strings.Index(remaining, ">")
		if endTagStart == -1 {
			output.WriteString(remaining)
			break
		}
		colorCode := remaining[1:endTagStart]
		remaining = remaining[endTagStart+1:]

		endTag := strings.Index(remaining, "</>")
		if endTag == -1 {
			output.WriteString("<" + colorCode + ">" + remaining)
			break
		}
		content := remaining[:endTag]
		remaining = remaining[endTag+3:]
		output.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color(colorCode)).Render(content))
	}
	return output.String()
}
