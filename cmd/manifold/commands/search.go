package commands

import (
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"github.com/bobisme/manifold/internal/objstore"
	"github.com/bobisme/manifold/internal/ui"
	"github.com/bobisme/manifold/internal/workspace"
)

func init() {
	register(func(root *cobra.Command) { root.AddCommand(newSearchCmd()) })
}

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Interactive fuzzy search across this project's workspaces",
		Long: `Opens a TUI listing every workspace, fuzzy-filtered as you type.

Keyboard shortcuts:
  ↑/↓ or ctrl+k/ctrl+j   Navigate list
  Enter                  Print a cd command for the selected workspace
  ctrl+m                 Merge the selected workspace into the current epoch
  ctrl+s                 Show the selected workspace's status
  Esc or ctrl+c          Quit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			return runSearch(root)
		},
	}
	return cmd
}

type wsItem struct {
	Name         string
	Path         string
	BaseEpoch    string
	Persistent   bool
	Clean        bool
	StaleVsEpoch bool
}

func (w wsItem) String() string { return w.Name }

type searchModel struct {
	root      string
	textInput textinput.Model
	items     []wsItem
	filtered  []wsItem
	cursor    int
	action    string
	target    *wsItem
}

// searchTitleStyle, searchSelected, searchNameStyle, and searchHelpStyle are
// TUI chrome with no equivalent elsewhere in the CLI, so they stay local.
// Clean/dirty/stale coloring is shared with `ws status` via internal/ui.
var (
	searchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	searchSelected   = lipgloss.NewStyle().Background(lipgloss.Color("236")).Foreground(lipgloss.Color("255"))
	searchNameStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Bold(true)
	searchHelpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

func loadWsItems(root string) []wsItem {
	store := openStore(root)
	epoch, _ := store.ReadRef(objstore.EpochRef)

	metas, err := workspace.List(root)
	if err != nil {
		return nil
	}
	items := make([]wsItem, 0, len(metas))
	for _, m := range metas {
		item := wsItem{
			Name:       m.Name,
			Path:       workspace.Dir(root, m.Name),
			BaseEpoch:  m.BaseEpoch,
			Persistent: m.Persistent,
			Clean:      true,
		}
		if ws, err := workspace.Open(root, m.Name); err == nil {
			if st, err := workspace.GetStatus(ws, epoch); err == nil {
				item.Clean = st.Clean
				item.StaleVsEpoch = st.StaleVsEpoch
			}
			ws.Close()
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

func initialSearchModel(root string) searchModel {
	ti := textinput.New()
	ti.Placeholder = "Search workspaces..."
	ti.Focus()
	ti.CharLimit = 100
	ti.Width = 50

	m := searchModel{root: root, textInput: ti}
	m.items = loadWsItems(root)
	m.filtered = m.items
	return m
}

func (m searchModel) Init() tea.Cmd { return textinput.Blink }

func (m searchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "up", "ctrl+k":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil
		case "down", "ctrl+j":
			if m.cursor < len(m.filtered)-1 {
				m.cursor++
			}
			return m, nil
		case "enter":
			if len(m.filtered) > 0 {
				m.action = "open"
				m.target = &m.filtered[m.cursor]
				return m, tea.Quit
			}
		case "ctrl+m":
			if len(m.filtered) > 0 {
				m.action = "merge"
				m.target = &m.filtered[m.cursor]
				return m, tea.Quit
			}
		case "ctrl+s":
			if len(m.filtered) > 0 {
				m.action = "status"
				m.target = &m.filtered[m.cursor]
				return m, tea.Quit
			}
		}
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	m.filterItems()
	return m, cmd
}

func (m *searchModel) filterItems() {
	query := m.textInput.Value()
	if query == "" {
		m.filtered = m.items
		return
	}
	strs := make([]string, len(m.items))
	for i, item := range m.items {
		strs[i] = item.String()
	}
	matches := fuzzy.Find(query, strs)
	m.filtered = make([]wsItem, len(matches))
	for i, match := range matches {
		m.filtered[i] = m.items[match.Index]
	}
	if m.cursor >= len(m.filtered) {
		if len(m.filtered) == 0 {
			m.cursor = 0
		} else {
			m.cursor = len(m.filtered) - 1
		}
	}
}

func (m searchModel) View() string {
	var out string
	out += searchTitleStyle.Render("manifold search") + "\n\n"
	out += m.textInput.View() + "\n\n"

	if len(m.filtered) == 0 {
		out += searchHelpStyle.Render("  no workspaces found") + "\n"
	}
	for i, item := range m.filtered {
		status := ui.StatusLabel(item.Clean, item.StaleVsEpoch)
		line := fmt.Sprintf("  %-20s  %s", searchNameStyle.Render(item.Name), status)
		if i == m.cursor {
			line = searchSelected.Render(line)
		}
		out += line + "\n"
	}

	out += "\n" + searchHelpStyle.Render("↑↓ navigate  enter cd  ctrl+m merge  ctrl+s status  esc quit")
	return out
}

func runSearch(root string) error {
	p := tea.NewProgram(initialSearchModel(root), tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("run search tui: %w", err)
	}
	m := final.(searchModel)
	if m.target == nil {
		return nil
	}

	switch m.action {
	case "open":
		fmt.Printf("cd %s\n", m.target.Path)
	case "merge":
		return runMerge([]string{m.target.Name}, false, false, false, false, defaultValidateTimeout)
	case "status":
		cmd := exec.Command(os.Args[0], "ws", "status", m.target.Name)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}
	return nil
}
