// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Aurastim Medical

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aurastim/aurastat/pkg/session"
	"github.com/aurastim/aurastat/pkg/stimlink"
	"github.com/aurastim/aurastat/pkg/therapy"
)

//////////////////////////////////////////////////////////////
// Styles
//////////////////////////////////////////////////////////////

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	stateStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	faultStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type sessionEventMsg struct {
	ev session.Event
}

type sessionTickMsg time.Time

func sessionTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return sessionTickMsg(t)
	})
}

//////////////////////////////////////////////////////////////
// Model
//////////////////////////////////////////////////////////////

// protocolItem adapts a therapy protocol to the list component.
type protocolItem struct {
	p *therapy.Protocol
}

func (i protocolItem) Title() string { return i.p.Name() }
func (i protocolItem) Description() string {
	s := i.p.Snapshot()
	return fmt.Sprintf("%s  %.1f Hz, %d pulses", i.p.TargetRegion(), s.FrequencyHz, therapy.TotalPulses(s))
}
func (i protocolItem) FilterValue() string { return i.p.Name() }

type sessionModel struct {
	ctrl     *session.Controller
	store    *therapy.Store
	connInfo string

	state     session.State
	fault     session.Fault
	connected bool

	telemetry     stimlink.Telemetry
	haveTelemetry bool

	protoList list.Model
	debounce  *session.Debouncer

	lastError string
	width     int
	height    int
	quitting  bool
}

func initialSessionModel(ctrl *session.Controller, store *therapy.Store, connInfo string) sessionModel {
	delegate := list.NewDefaultDelegate()
	delegate.SetHeight(2)
	protoList := list.New(nil, delegate, 40, 12)
	protoList.Title = "Protocols"
	protoList.SetShowStatusBar(false)
	protoList.SetShowHelp(false)
	protoList.SetFilteringEnabled(false)

	items := make([]list.Item, 0, store.Len())
	for _, name := range store.Names() {
		if p, ok := store.Get(name); ok {
			items = append(items, protocolItem{p})
		}
	}
	protoList.SetItems(items)

	return sessionModel{
		ctrl:      ctrl,
		store:     store,
		connInfo:  connInfo,
		state:     ctrl.State(),
		connected: true,
		protoList: protoList,
		debounce:  session.NewDebouncer(50 * time.Millisecond),
		width:     80,
		height:    24,
	}
}

func (m sessionModel) Init() tea.Cmd {
	return sessionTickCmd()
}

//////////////////////////////////////////////////////////////
// Update
//////////////////////////////////////////////////////////////

func (m sessionModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.protoList.SetSize(msg.Width-4, msg.Height-10)
		return m, nil

	case sessionTickMsg:
		return m, sessionTickCmd()

	case sessionEventMsg:
		switch msg.ev.Kind {
		case session.EventStateChanged:
			m.state = msg.ev.State
			m.fault = msg.ev.Fault
		case session.EventTelemetry:
			m.telemetry = msg.ev.Telemetry
			m.haveTelemetry = true
		case session.EventTransportError:
			m.lastError = msg.ev.Err.Error()
		case session.EventConnectionChanged:
			m.connected = msg.ev.Connected
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m sessionModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if key == "q" || key == "ctrl+c" {
		m.quitting = true
		return m, tea.Quit
	}
	if !m.debounce.Allow(key) {
		return m, nil
	}

	// Protocol selection list captures navigation while active.
	if m.state == session.StateSelectingProtocol {
		switch key {
		case "enter", "a":
			if item, ok := m.protoList.SelectedItem().(protocolItem); ok {
				m.do(m.ctrl.BindProtocol(item.p))
			}
			m.do(m.ctrl.Apply())
			m.debounce.Guard(session.ApplyGuardWindow)
			return m, nil
		case "esc":
			m.do(m.ctrl.Cancel())
			return m, nil
		default:
			var cmd tea.Cmd
			m.protoList, cmd = m.protoList.Update(msg)
			return m, cmd
		}
	}

	switch key {
	case "s":
		m.do(m.ctrl.Start())
	case " ":
		if m.state == session.StateRunning {
			m.do(m.ctrl.Pause())
		} else {
			m.do(m.ctrl.Start())
		}
	case "x":
		m.do(m.ctrl.Stop())
	case "c":
		m.do(m.ctrl.EnterMode(session.ModeCalibration))
	case "p":
		m.do(m.ctrl.EnterMode(session.ModeProtocolSelect))
	case "e":
		m.do(m.ctrl.EnterMode(session.ModeSettings))
	case "a":
		m.do(m.ctrl.Apply())
		m.debounce.Guard(session.ApplyGuardWindow)
	case "esc":
		m.do(m.ctrl.Cancel())
	case "f":
		m.do(m.ctrl.ClearFault())
	case "up", "+":
		if m.state == session.StateCalibrating {
			m.ctrl.SetThresholdValue(m.ctrl.ThresholdValue() + 1)
		}
	case "down", "-":
		if m.state == session.StateCalibrating {
			m.ctrl.SetThresholdValue(m.ctrl.ThresholdValue() - 1)
		}
	case "t":
		if m.state == session.StateCalibrating {
			m.do(m.ctrl.SetThresholdStreaming(true))
		}
	case "enter":
		if m.state == session.StateCalibrating {
			m.do(m.ctrl.SinglePulse(m.ctrl.ThresholdValue()))
		}
	}
	return m, nil
}

// do records an operation error for the status line.
func (m *sessionModel) do(err error) {
	if err != nil {
		m.lastError = err.Error()
	} else {
		m.lastError = ""
	}
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m sessionModel) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Aurastat Session"))
	sb.WriteString(dimStyle.Render("  " + m.connInfo))
	sb.WriteString("\n\n")

	state := stateStyle.Render(m.state.String())
	if m.state == session.StateError {
		state = faultStyle.Render(fmt.Sprintf("%s (%s)", m.state, m.fault))
	}
	conn := "connected"
	if !m.connected {
		conn = faultStyle.Render("LINK DOWN")
	}
	sb.WriteString(fmt.Sprintf("State: %s   Link: %s\n", state, conn))

	if p := m.ctrl.Protocol(); p != nil {
		s := p.Snapshot()
		sb.WriteString(boxStyle.Render(fmt.Sprintf(
			"Protocol: %s (%s)\nMT %d%%  intensity %d%%MT (%.1f%% abs)  %.1f Hz\n%d trains × %d pulses, ITI %.1fs, burst %d\nTotal %d pulses over %.0fs",
			p.Name(), p.TargetRegion(),
			s.MTPercent, s.IntensityPercentMT, s.AbsoluteOutput(), s.FrequencyHz,
			s.TrainCount, s.PulsesPerTrain, s.InterTrainIntervalS, s.BurstPulses,
			therapy.TotalPulses(s), therapy.SessionDuration(s))))
		sb.WriteString("\n")
	}

	if m.state == session.StateCalibrating {
		sb.WriteString(fmt.Sprintf("\nCalibration output: %d%%  (↑/↓ adjust, enter = pulse, t = stream, a = apply)\n",
			m.ctrl.ThresholdValue()))
	}

	if m.state == session.StateSelectingProtocol {
		sb.WriteString("\n" + m.protoList.View() + "\n")
	}

	if m.haveTelemetry {
		sb.WriteString("\n" + boxStyle.Render(stimlink.FormatTelemetry(m.telemetry)) + "\n")
	}

	if m.lastError != "" {
		sb.WriteString("\n" + faultStyle.Render("! "+m.lastError) + "\n")
	}

	sb.WriteString("\n" + dimStyle.Render(
		"s start · space pause/resume · x stop · c calibrate · p protocol · e settings · a apply · esc cancel · f clear fault · q quit"))
	return sb.String()
}
