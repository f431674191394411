// Package tui is an interactive terminal chat built on the streaming
// pipeline. It renders conversation.Store snapshots and never writes to the
// store itself.
package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/williamcory/chatstream/conversation"
	"github.com/williamcory/chatstream/dispatch"
)

// Pipeline sends queries. *dispatch.Pipeline implements it.
type Pipeline interface {
	Send(ctx context.Context, sessionID, query string, opts ...dispatch.SendOption) error
	Cancel(sessionID string) bool
}

type storeChangedMsg struct{}

type sendDoneMsg struct{ err error }

// Model is the Bubble Tea model of the chat screen.
type Model struct {
	pipeline  Pipeline
	store     *conversation.Store
	sessionID string
	agent     string

	updates     <-chan struct{}
	unsubscribe func()

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	md       *markdown

	snap   conversation.Snapshot
	notice string
	width  int
	height int
}

// New returns the chat model for sessionID. agent, if set, is sent as the
// explicit agent with every query.
func New(p Pipeline, store *conversation.Store, sessionID, agent string) Model {
	ti := textinput.New()
	ti.Placeholder = "Ask something…"
	ti.Prompt = "› "
	ti.CharLimit = 4000
	ti.Focus()

	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(spinnerStyle))

	updates, unsubscribe := store.Subscribe()
	return Model{
		pipeline:    p,
		store:       store,
		sessionID:   sessionID,
		agent:       agent,
		updates:     updates,
		unsubscribe: unsubscribe,
		viewport:    viewport.New(80, 20),
		input:       ti,
		spinner:     sp,
		md:          newMarkdown(78),
		snap:        store.Snapshot(),
		width:       80,
		height:      24,
	}
}

// Run starts the program and blocks until the user quits.
func Run(ctx context.Context, p Pipeline, store *conversation.Store, sessionID, agent string) error {
	m := New(p, store, sessionID, agent)
	defer m.unsubscribe()
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func waitForChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return storeChangedMsg{}
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitForChange(m.updates))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			// first press stops the answer, the next one quits
			if m.snap.Busy && m.pipeline.Cancel(m.sessionID) {
				m.notice = "Response canceled."
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()

	case storeChangedMsg:
		m.snap = m.store.Snapshot()
		m.refresh()
		cmds = append(cmds, waitForChange(m.updates))

	case sendDoneMsg:
		// other failures already show through the store
		if errors.Is(msg.err, dispatch.ErrSessionBusy) {
			m.notice = "Still answering the previous question."
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	query := strings.TrimSpace(m.input.Value())
	if query == "" {
		return m, nil
	}
	if m.snap.Busy {
		m.notice = "Still answering the previous question."
		return m, nil
	}
	m.input.Reset()
	m.notice = ""

	p, id := m.pipeline, m.sessionID
	var opts []dispatch.SendOption
	if m.agent != "" {
		opts = append(opts, dispatch.WithAgent(m.agent))
	}
	return m, func() tea.Msg {
		return sendDoneMsg{err: p.Send(context.Background(), id, query, opts...)}
	}
}

func (m *Model) layout() {
	// header, status line, input box (3 rows) and a spacer
	chrome := 7
	h := max(3, m.height-chrome)
	m.viewport.Width = m.width
	m.viewport.Height = h
	m.input.Width = max(10, m.width-6)
	m.md.resize(max(20, m.width-2))
	m.refresh()
}

func (m *Model) refresh() {
	m.viewport.SetContent(renderMessages(m.snap.Messages, max(20, m.width-2), m.md))
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	header := titleStyle.Render("chatstream") + "  " + mutedStyle.Render(m.sessionID)
	if line := routingLine(m.snap.Routing, m.snap.CurrentModel); line != "" {
		header += "\n" + mutedStyle.Render(line)
	} else {
		header += "\n"
	}

	var status string
	switch {
	case m.snap.ProcessingStatus != "":
		status = m.spinner.View() + " " + statusStyle.Render(m.snap.ProcessingStatus)
	case m.snap.LastError != "":
		status = errorStyle.Render(m.snap.LastError)
	case m.notice != "":
		status = mutedStyle.Render(m.notice)
	case m.snap.Busy:
		status = m.spinner.View()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		status,
		inputStyle.Width(max(10, m.width-2)).Render(m.input.View()),
	)
}
