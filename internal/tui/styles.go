package tui

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	Accent    = lipgloss.Color("#E5A00D")
	DimGray   = lipgloss.Color("#6B7280")
	LightGray = lipgloss.Color("#9CA3AF")
	White     = lipgloss.Color("#F9FAFB")
	Green     = lipgloss.Color("#10B981")
	Red       = lipgloss.Color("#EF4444")
	Blue      = lipgloss.Color("#3B82F6")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(White).
			Bold(true)

	DimStyle = lipgloss.NewStyle().
			Foreground(DimGray)

	PathStyle = lipgloss.NewStyle().
			Foreground(LightGray)

	ConnectedStyle = lipgloss.NewStyle().
			Foreground(Green)

	DisconnectedStyle = lipgloss.NewStyle().
				Foreground(Red)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Red)

	DirStyle = lipgloss.NewStyle().
			Foreground(Blue).
			Bold(true)

	SelectedStyle = lipgloss.NewStyle().
			Foreground(White).
			Background(Accent).
			Padding(0, 1)

	FilterPromptStyle = lipgloss.NewStyle().
				Foreground(Accent)

	HeaderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(DimGray).
			Padding(0, 1)
)

// Sync state markers
const (
	MarkSynced   = "●"
	MarkUnsynced = "○"
	MarkCached   = "◌"
)
