// Package tui is the terminal front end: it shows connection and sync
// status and lets the user browse the catalog.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/sahilm/fuzzy"

	"github.com/alexjbarnes/audiosync/internal/catalog"
	"github.com/alexjbarnes/audiosync/internal/engine"
	"github.com/alexjbarnes/audiosync/internal/rpc"
	"github.com/alexjbarnes/audiosync/internal/state"
)

// Navigator is the read side of the catalog plus the cursor.
type Navigator interface {
	ListCurrent() []catalog.Entry
	Enter(name string)
	Up()
	CurrentDir() []string
	Lookup(path string) (catalog.SyncState, *catalog.Info, bool)
}

// Controller accepts commands for the sync engine.
type Controller interface {
	Resync()
}

// Model is the root Bubble Tea model.
type Model struct {
	nav     Navigator
	control Controller
	events  <-chan engine.Event

	keys    KeyMap
	help    help.Model
	spinner spinner.Model

	filterInput  textinput.Model
	filterActive bool
	filtered     []int // indices into entries, nil when unfiltered

	entries []catalog.Entry
	cursor  int

	connected bool
	version   *rpc.VersionResult
	reloading bool
	progress  catalog.Progress
	lastErr   string
	lastSync  time.Time

	width  int
	height int
}

// New creates the root model.
func New(nav Navigator, control Controller, events <-chan engine.Event) Model {
	ti := textinput.New()
	ti.Placeholder = "type to filter..."
	ti.Prompt = "/ "
	ti.PromptStyle = FilterPromptStyle

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		nav:         nav,
		control:     control,
		events:      events,
		keys:        DefaultKeyMap(),
		help:        help.New(),
		spinner:     sp,
		filterInput: ti,
	}
	m.refresh()

	return m
}

// WithKnownDevice seeds the header with the device recorded by an
// earlier run, shown until the device reports again.
func (m Model) WithKnownDevice(ds state.DeviceState) Model {
	if ds.Project != "" {
		m.version = &rpc.VersionResult{Project: ds.Project, Version: ds.Version, ESPIDF: ds.ESPIDF}
	}

	m.lastSync = ds.SyncedAt

	return m
}

// Init starts listening for engine events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(WaitForEventCmd(m.events), m.spinner.Tick)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

		return m, nil

	case EngineEventMsg:
		m.apply(msg.Event)
		return m, WaitForEventCmd(m.events)

	case EngineClosedMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)

		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m *Model) apply(ev engine.Event) {
	switch ev.Kind {
	case engine.EventConnected:
		m.connected = true
		m.lastErr = ""
	case engine.EventDisconnected:
		m.connected = false
	case engine.EventVersion:
		m.version = ev.Version
	case engine.EventReloadStart:
		m.reloading = true
		m.progress = ev.Progress
		m.lastErr = ""
	case engine.EventReloadStep:
		m.reloading = true
		m.progress = ev.Progress
		m.refresh()
	case engine.EventReloadStop:
		m.reloading = false
		m.progress = ev.Progress

		// Aborted walks report an error just before stopping.
		if m.lastErr == "" {
			m.lastSync = time.Now()
		}

		m.refresh()
	case engine.EventError:
		if ev.Err != nil {
			m.lastErr = ev.Err.Error()
		}
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.filterActive {
		switch {
		case key.Matches(msg, m.keys.Escape):
			m.clearFilter()
			return m, nil
		case msg.Type == tea.KeyEnter:
			m.filterActive = false
			m.filterInput.Blur()

			return m, nil
		}

		var cmd tea.Cmd
		m.filterInput, cmd = m.filterInput.Update(msg)
		m.applyFilter()

		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.visible())-1 {
			m.cursor++
		}

	case key.Matches(msg, m.keys.Enter):
		if e, ok := m.selected(); ok && e.Kind == catalog.Dir {
			m.nav.Enter(e.Name)
			m.clearFilter()
			m.cursor = 0
			m.refresh()
		}

	case key.Matches(msg, m.keys.Back):
		m.nav.Up()
		m.clearFilter()
		m.cursor = 0
		m.refresh()

	case key.Matches(msg, m.keys.Resync):
		m.control.Resync()

	case key.Matches(msg, m.keys.Filter):
		m.filterActive = true
		return m, m.filterInput.Focus()

	case key.Matches(msg, m.keys.Escape):
		m.clearFilter()
	}

	return m, nil
}

// refresh reloads the listing for the current directory.
func (m *Model) refresh() {
	m.entries = m.nav.ListCurrent()
	m.applyFilter()

	if n := len(m.visible()); m.cursor >= n {
		m.cursor = max(n-1, 0)
	}
}

func (m *Model) applyFilter() {
	query := m.filterInput.Value()
	if query == "" {
		m.filtered = nil
		return
	}

	names := make([]string, len(m.entries))
	for i, e := range m.entries {
		names[i] = strings.ToLower(e.Name)
	}

	matches := fuzzy.Find(strings.ToLower(query), names)

	m.filtered = make([]int, len(matches))
	for i, match := range matches {
		m.filtered[i] = match.Index
	}

	m.cursor = 0
}

func (m *Model) clearFilter() {
	m.filterActive = false
	m.filterInput.Reset()
	m.filterInput.Blur()
	m.filtered = nil
}

// visible returns the entries shown after filtering.
func (m Model) visible() []catalog.Entry {
	if m.filtered == nil {
		return m.entries
	}

	out := make([]catalog.Entry, len(m.filtered))
	for i, idx := range m.filtered {
		out[i] = m.entries[idx]
	}

	return out
}

func (m Model) selected() (catalog.Entry, bool) {
	visible := m.visible()
	if m.cursor < 0 || m.cursor >= len(visible) {
		return catalog.Entry{}, false
	}

	return visible[m.cursor], true
}

// View renders the model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(HeaderStyle.Render(m.header()))
	b.WriteString("\n")
	b.WriteString(PathStyle.Render("/" + strings.Join(m.nav.CurrentDir(), "/")))
	b.WriteString("\n\n")

	visible := m.visible()
	if len(visible) == 0 {
		b.WriteString(DimStyle.Render("  (empty)"))
		b.WriteString("\n")
	}

	for i, e := range visible {
		line := renderEntry(e)
		if i == m.cursor {
			line = SelectedStyle.Render(line)
		} else {
			line = "  " + line
		}

		b.WriteString(line)
		b.WriteString("\n")
	}

	if detail := m.detail(); detail != "" {
		b.WriteString("\n")
		b.WriteString(DimStyle.Render(detail))
		b.WriteString("\n")
	}

	if m.filterActive || m.filterInput.Value() != "" {
		b.WriteString("\n")
		b.WriteString(m.filterInput.View())
		b.WriteString("\n")
	}

	if m.lastErr != "" {
		b.WriteString("\n")
		b.WriteString(ErrorStyle.Render("error: " + m.lastErr))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))

	return b.String()
}

func (m Model) header() string {
	var parts []string

	if m.connected {
		parts = append(parts, ConnectedStyle.Render("connected"))
	} else {
		parts = append(parts, DisconnectedStyle.Render(m.spinner.View()+" searching"))
	}

	if m.version != nil {
		parts = append(parts, TitleStyle.Render(m.version.Project)+" "+DimStyle.Render(m.version.Version))
	}

	switch {
	case m.reloading:
		parts = append(parts, fmt.Sprintf("%s syncing %d/%d", m.spinner.View(), m.progress.Synced, m.progress.Total))
	case m.progress.Total > 0:
		parts = append(parts, DimStyle.Render(fmt.Sprintf("synced %d/%d", m.progress.Synced, m.progress.Total)))
	}

	if !m.reloading && !m.lastSync.IsZero() {
		parts = append(parts, DimStyle.Render("last sync "+m.lastSync.Local().Format("2006-01-02 15:04")))
	}

	return strings.Join(parts, DimStyle.Render(" · "))
}

// detail describes the selected file from the catalog's stored metadata.
func (m Model) detail() string {
	e, ok := m.selected()
	if !ok || e.Kind != catalog.File {
		return ""
	}

	path := strings.Join(append(m.nav.CurrentDir(), e.Name), "/")

	st, info, ok := m.nav.Lookup(path)
	if !ok {
		return ""
	}

	if info == nil {
		return st.String()
	}

	fields := nonEmpty(info.Album, info.Genre)
	if info.Track > 0 {
		fields = append(fields, fmt.Sprintf("track %d", info.Track))
	}

	if info.Date != nil && *info.Date != "" {
		fields = append(fields, *info.Date)
	}

	fields = append(fields, st.String())

	return strings.Join(fields, " · ")
}

func renderEntry(e catalog.Entry) string {
	if e.Kind == catalog.Dir {
		return DirStyle.Render(e.Name + "/")
	}

	mark := MarkUnsynced

	switch e.State {
	case catalog.Synced:
		mark = MarkSynced
	case catalog.Cached:
		mark = MarkCached
	}

	line := mark + " " + e.Name

	if e.Info != nil {
		detail := strings.TrimSpace(strings.Join(nonEmpty(e.Info.Artist, e.Info.Title), " - "))
		if detail != "" {
			line += "  " + DimStyle.Render(detail)
		}

		if e.Info.Duration > 0 {
			line += " " + DimStyle.Render(fmt.Sprintf("%d:%02d", e.Info.Duration/60, e.Info.Duration%60))
		}
	}

	return line
}

func nonEmpty(values ...string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}

	return out
}
