// Package tui is a terminal front end for a chat session.
package tui

import (
	"context"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/promptstorm/pkg/persistence/chatstore"
	"github.com/go-go-golems/promptstorm/pkg/render"
	"github.com/go-go-golems/promptstorm/pkg/scroll"
	"github.com/go-go-golems/promptstorm/pkg/turn"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	metaStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	userStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

const helpLine = "enter send · alt+enter newline · esc stop · ctrl+y copy · ctrl+n new chat · ctrl+c quit"

type Options struct {
	Session *turn.Session
	// Formatter renders saved assistant messages when a conversation is
	// loaded. It should be the formatter the session renders turns with.
	Formatter render.Formatter
	// Store enables /save, /load, /delete and /list.
	Store chatstore.ConversationStore
	// History renders the web markup stored with saved conversations.
	History *render.HTMLFormatter
	// Clipboard defaults to the system clipboard.
	Clipboard func(string) error
	Title     string
}

type entry struct {
	role     string
	turnID   string
	rendered string
	failed   bool
}

// Model is the bubbletea model of the chat. It is used by pointer.
type Model struct {
	ctx  context.Context
	opts Options
	send func(tea.Msg)

	input    textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	tracker  *scroll.Tracker

	entries  []entry
	busy     bool
	lastCopy string
	status   string
	isError  bool
	width    int
	height   int
	ready    bool
}

var _ tea.Model = &Model{}

func New(ctx context.Context, opts Options) *Model {
	if opts.Clipboard == nil {
		opts.Clipboard = clipboard.WriteAll
	}
	if opts.Title == "" {
		opts.Title = "PromptStorm"
	}
	if opts.History == nil {
		opts.History = render.NewHTMLFormatter()
	}
	ta := textarea.New()
	ta.Placeholder = "Ask anything"
	ta.ShowLineNumbers = false
	ta.Prompt = "┃ "
	ta.SetHeight(3)
	ta.KeyMap.InsertNewline.SetKeys("alt+enter", "ctrl+j")
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Line
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)

	vp := viewport.New(80, 20)
	vp.KeyMap.Up.SetKeys("ctrl+up")
	vp.KeyMap.Down.SetKeys("ctrl+down")

	return &Model{
		ctx:      ctx,
		opts:     opts,
		send:     func(tea.Msg) {},
		input:    ta,
		viewport: vp,
		spinner:  sp,
		tracker:  scroll.NewTracker(1),
	}
}

// Bind routes presenter messages to p. It must be called before p.Run.
func (m *Model) Bind(p *tea.Program) {
	m.send = p.Send
}

func (m *Model) Init() tea.Cmd {
	if entries := m.opts.Session.Transcript(); len(entries) > 0 {
		m.loadTranscript(entries)
	}
	return tea.Batch(textarea.Blink, m.spinner.Tick)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.opts.Session.Stop()
			return m, tea.Quit
		case "esc":
			if m.opts.Session.Stop() {
				m.setStatus("stopping…", false)
			}
			return m, nil
		case "ctrl+y":
			m.copyLast()
			return m, nil
		case "ctrl+n":
			m.newChat()
			return m, nil
		case "enter":
			return m, m.submit()
		case "home":
			m.viewport.GotoTop()
			m.trackScroll()
			return m, nil
		case "end":
			m.viewport.GotoBottom()
			m.trackScroll()
			return m, nil
		case "pgup", "pgdown", "ctrl+up", "ctrl+down", "ctrl+u", "ctrl+d":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			m.trackScroll()
			return m, cmd
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.trackScroll()
		return m, cmd

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case renderMsg:
		if i := m.find(msg.turnID); i >= 0 {
			m.entries[i].rendered = msg.rendered
			m.refresh()
		}
		return m, nil

	case busyMsg:
		if m.find(msg.turnID) >= 0 {
			m.busy = msg.busy
			m.layout()
		}
		return m, nil

	case copyMsg:
		if m.find(msg.turnID) >= 0 {
			m.lastCopy = msg.source
		}
		return m, nil

	case stateMsg:
		if msg.state == turn.StateFailed {
			if i := m.find(msg.turnID); i >= 0 {
				m.entries[i].failed = true
			}
			text := "turn failed"
			if msg.err != nil {
				text = msg.err.Error()
			}
			m.setStatus(text, true)
			m.refresh()
		} else if msg.state == turn.StateCancelled {
			m.setStatus("stopped", false)
		}
		return m, nil

	case turnDoneMsg:
		res := msg.result
		if res.State == turn.StateCompleted && res.Stats != nil {
			m.setStatus(statsLine(res), false)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) View() string {
	if !m.ready {
		return "\n  starting…"
	}
	var sb strings.Builder
	sb.WriteString(m.headerView())
	sb.WriteString("\n")
	sb.WriteString(m.viewport.View())
	sb.WriteString("\n")
	sb.WriteString(m.statusView())
	sb.WriteString("\n")
	sb.WriteString(m.input.View())
	return sb.String()
}

func (m *Model) headerView() string {
	s := m.opts.Session.Settings()
	meta := "model: " + orDash(s.Model) + "  framework: " + orDash(s.Framework)
	return titleStyle.Render(m.opts.Title) + "  " + metaStyle.Render(meta)
}

func (m *Model) statusView() string {
	var line string
	switch {
	case m.busy:
		line = m.spinner.View() + " generating · esc to stop"
	case m.status != "" && m.isError:
		return errorStyle.Render(m.status)
	case m.status != "":
		line = m.status
	default:
		line = helpLine
	}
	return statusStyle.Render(line)
}

func (m *Model) layout() {
	if m.width == 0 {
		return
	}
	m.input.SetWidth(m.width)
	h := m.height - 1 - 1 - m.input.Height() - 2
	if h < 3 {
		h = 3
	}
	m.viewport.Width = m.width
	m.viewport.Height = h
	m.ready = true
	m.refresh()
}

// refresh rebuilds the viewport content and keeps the end in view while the
// tracker says the user is following.
func (m *Model) refresh() {
	var parts []string
	for _, e := range m.entries {
		switch {
		case e.role == turn.RoleUser:
			parts = append(parts, userStyle.Render("› ")+e.rendered)
		case e.failed:
			parts = append(parts, e.rendered+"\n"+errorStyle.Render("✗ failed"))
		default:
			parts = append(parts, e.rendered)
		}
	}
	m.viewport.SetContent(strings.Join(parts, "\n\n"))
	if m.tracker.Following() {
		m.viewport.GotoBottom()
	}
	m.trackScroll()
}

func (m *Model) trackScroll() {
	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	if maxOffset < 0 {
		maxOffset = 0
	}
	if m.tracker.OnScroll(scroll.Position{Offset: m.viewport.YOffset, Max: maxOffset}) {
		log.Debug().Str("component", "tui").Bool("following", m.tracker.Following()).Msg("scroll lock changed")
	}
}

func (m *Model) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	if strings.HasPrefix(text, "/") {
		m.input.Reset()
		if err := m.command(text); err != nil {
			m.setStatus(err.Error(), true)
		}
		return nil
	}

	p := &teaPresenter{send: m.send}
	pending, err := m.opts.Session.Begin(m.ctx, "", text, p)
	if err != nil {
		m.setStatus(err.Error(), true)
		return nil
	}
	p.turnID = pending.ID()
	m.input.Reset()
	m.status, m.isError = "", false
	m.lastCopy = ""
	m.entries = append(m.entries,
		entry{role: turn.RoleUser, rendered: render.StripControl(text)},
		entry{role: turn.RoleAssistant, turnID: pending.ID()},
	)
	m.tracker.Reset()
	m.refresh()

	ctx := m.ctx
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		return turnDoneMsg{result: pending.Run(ctx)}
	})
}

func (m *Model) copyLast() {
	if m.lastCopy == "" {
		m.setStatus("nothing to copy yet", false)
		return
	}
	if err := m.opts.Clipboard(m.lastCopy); err != nil {
		m.setStatus(errors.Wrap(err, "copy").Error(), true)
		return
	}
	m.setStatus("copied response to clipboard", false)
}

func (m *Model) newChat() {
	m.opts.Session.Reset()
	m.entries = nil
	m.lastCopy = ""
	m.busy = false
	m.tracker.Reset()
	m.setStatus("new chat", false)
	m.refresh()
}

// loadTranscript replaces the view with a saved conversation.
func (m *Model) loadTranscript(entries []chatstore.TranscriptEntry) {
	m.entries = m.entries[:0]
	for _, e := range entries {
		if e.Role == turn.RoleUser {
			m.entries = append(m.entries, entry{role: turn.RoleUser, rendered: render.StripControl(e.Text)})
			continue
		}
		out := render.StripControl(e.Text)
		if m.opts.Formatter != nil {
			if r, err := m.opts.Formatter.Format(e.Text); err == nil {
				out = r
			}
		}
		m.entries = append(m.entries, entry{role: turn.RoleAssistant, rendered: out})
	}
	m.tracker.Reset()
	m.refresh()
}

func (m *Model) find(turnID string) int {
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].turnID == turnID {
			return i
		}
	}
	return -1
}

func (m *Model) setStatus(s string, isError bool) {
	m.status, m.isError = s, isError
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Run starts the program on the terminal and blocks until the user quits.
func Run(ctx context.Context, opts Options, progOpts ...tea.ProgramOption) error {
	m := New(ctx, opts)
	progOpts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx)}, progOpts...)
	p := tea.NewProgram(m, progOpts...)
	m.Bind(p)
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
