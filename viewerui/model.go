// Copyright 2026 The Virtview Authors
// SPDX-License-Identifier: Apache-2.0

package viewerui

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/virtview/virtview/session"
)

// viewerTitle is the title bar text.
const viewerTitle = "VM Viewer"

// noticeLogDepth is how many device notices the rolling log keeps.
const noticeLogDepth = 8

// diagnosticFadeDelay is how long a diagnostic stays in the status
// bar before the help line returns.
const diagnosticFadeDelay = 5 * time.Second

// keyMap defines the viewer key bindings.
type keyMap struct {
	Quit key.Binding
}

var defaultKeyMap = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "disconnect and quit"),
	),
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 2)

	devicePanelStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder()).
				BorderForeground(lipgloss.Color("70")).
				Padding(0, 1)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	diagnosticStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// Model is the bubbletea model for one viewer session. It holds only
// presentation state: the authoritative session state lives in the
// session controller and arrives here as messages via [ProgramSink].
type Model struct {
	target     string
	disconnect func()
	keys       keyMap

	state        session.State
	spinner      spinner.Model
	displays     map[int]bool
	deviceActive bool
	notices      []string

	diagnostic string
	quitting   bool

	width  int
	height int
}

// NewModel creates the viewer model. disconnect is invoked when the
// user asks to quit; the model then waits for the session to report
// Disconnected before exiting, so teardown always completes.
func NewModel(target string, disconnect func()) Model {
	connectSpinner := spinner.New()
	connectSpinner.Spinner = spinner.Dot
	connectSpinner.Style = stateStyle

	return Model{
		target:     target,
		disconnect: disconnect,
		keys:       defaultKeyMap,
		state:      session.StateIdle,
		spinner:    connectSpinner,
		displays:   make(map[int]bool),
	}
}

func (model Model) Init() tea.Cmd {
	return model.spinner.Tick
}

func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		model.width = message.Width
		model.height = message.Height
		return model, nil

	case tea.KeyMsg:
		if key.Matches(message, model.keys.Quit) {
			return model.requestQuit()
		}
		return model, nil

	case sessionStateMsg:
		model.state = message.state
		if message.state == session.StateDisconnected {
			return model, tea.Quit
		}
		return model, nil

	case displayAttachedMsg:
		model.displays[message.id] = true
		return model, nil

	case displayDetachedMsg:
		delete(model.displays, message.id)
		return model, nil

	case deviceSurfaceMsg:
		model.deviceActive = message.active
		return model, nil

	case deviceNoticeMsg:
		model.pushNotice(message.notice.String())
		return model, nil

	case diagnosticMsg:
		model.diagnostic = message.diagnostic.Err.Error()
		return model, tea.Tick(diagnosticFadeDelay, func(time.Time) tea.Msg {
			return diagnosticFadeMsg{}
		})

	case diagnosticFadeMsg:
		model.diagnostic = ""
		return model, nil

	case spinner.TickMsg:
		var command tea.Cmd
		model.spinner, command = model.spinner.Update(message)
		return model, command
	}

	return model, nil
}

// requestQuit asks the session to disconnect and keeps the UI alive
// until the Disconnected transition arrives. A second quit while
// already waiting exits immediately.
func (model Model) requestQuit() (tea.Model, tea.Cmd) {
	if model.state == session.StateDisconnected || model.quitting {
		return model, tea.Quit
	}
	model.quitting = true
	if model.disconnect != nil {
		model.disconnect()
	}
	return model, nil
}

// pushNotice appends one line to the rolling device notice log.
func (model *Model) pushNotice(line string) {
	model.notices = append(model.notices, line)
	if len(model.notices) > noticeLogDepth {
		model.notices = model.notices[len(model.notices)-noticeLogDepth:]
	}
}

// displayIDs returns the attached display ids in ascending order so
// the panel row renders stably.
func (model Model) displayIDs() []int {
	ids := make([]int, 0, len(model.displays))
	for id := range model.displays {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (model Model) View() string {
	title := titleStyle.Render(viewerTitle) + "  " + stateStyle.Render(model.target)

	stateLine := "state: " + model.state.String()
	if model.state == session.StateConnecting {
		stateLine = model.spinner.View() + " " + stateLine
	}
	if model.quitting && model.state != session.StateDisconnected {
		stateLine += "  (disconnecting...)"
	}

	var panels []string
	for _, id := range model.displayIDs() {
		panels = append(panels, panelStyle.Render(fmt.Sprintf("display %d\nattached", id)))
	}
	if len(panels) == 0 {
		panels = append(panels, panelStyle.Render("no displays"))
	}
	displayRow := lipgloss.JoinHorizontal(lipgloss.Top, panels...)

	sections := []string{title, stateStyle.Render(stateLine), displayRow}

	if model.deviceActive {
		deviceBody := "device redirection"
		for _, line := range model.notices {
			deviceBody += "\n" + noticeStyle.Render(line)
		}
		sections = append(sections, devicePanelStyle.Render(deviceBody))
	}

	status := helpStyle.Render("q: disconnect and quit")
	if model.diagnostic != "" {
		status = diagnosticStyle.Render(model.diagnostic)
	}
	sections = append(sections, status)

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
