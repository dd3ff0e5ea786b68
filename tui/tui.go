// Package tui is the terminal shell for a relaywire peer: tabbed panels for
// chat, peers, transfers, and received files, driven by the peer's events.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"relaywire/peer"
	"relaywire/protocol"
)

type tab int

const (
	tabChat tab = iota
	tabPeers
	tabTransfers
	tabFiles
	numTabs
)

var tabLabels = []string{"Chat", "Peers", "Transfers", "Files"}

type chatLine struct {
	Time    string
	Sender  string
	Text    string
	Direct  bool
	IsLocal bool
}

type transferRow struct {
	Peer     string
	FileID   int32
	Filename string
	Size     int64
	Outbound bool
	Done     int32
	Total    int32
	Status   string
}

var (
	blue   = lipgloss.Color("#6ec4ff")
	header = lipgloss.NewStyle().
		Background(lipgloss.Color("#10223c")).
		Foreground(blue).
		Padding(0, 1).
		Bold(true)
	tabStyle       = lipgloss.NewStyle().Padding(0, 2)
	activeTabStyle = tabStyle.Bold(true).Foreground(blue)
	accentStyle    = lipgloss.NewStyle().Foreground(blue)
	footerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Padding(0, 1)
	sectionTitle   = lipgloss.NewStyle().Foreground(blue).Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff6e6e"))
)

// Messages carried from the peer's event callbacks into the program.

type chatMsg struct {
	Sender    string
	Recipient string
	Text      string
}

type peerListMsg []string

type fileEventMsg struct {
	kind string // "start", "progress", "complete", "failed"
	ev   peer.FileEvent
}

type filesLoadedMsg []peer.ReceivedFile

type errMsg struct{ err error }

// NewEvents builds the peer event callbacks that feed ch. The model drains
// ch through its waitForEvent command.
func NewEvents(ch chan<- tea.Msg) peer.Events {
	post := func(msg tea.Msg) {
		select {
		case ch <- msg:
		default:
		}
	}
	return peer.Events{
		Message:      func(s, r, t string) { post(chatMsg{Sender: s, Recipient: r, Text: t}) },
		PeerList:     func(ids []string) { post(peerListMsg(ids)) },
		FileStart:    func(ev peer.FileEvent) { post(fileEventMsg{kind: "start", ev: ev}) },
		FileProgress: func(ev peer.FileEvent) { post(fileEventMsg{kind: "progress", ev: ev}) },
		FileComplete: func(ev peer.FileEvent) { post(fileEventMsg{kind: "complete", ev: ev}) },
		FileFailed:   func(ev peer.FileEvent) { post(fileEventMsg{kind: "failed", ev: ev}) },
	}
}

type Model struct {
	Peer   *peer.Peer
	Width  int
	Height int

	CurrentTab tab
	Cursor     int
	Input      string

	events <-chan tea.Msg

	Chat      []chatLine
	Peers     []string
	Transfers []transferRow
	Files     []peer.ReceivedFile
}

func NewModel(p *peer.Peer, events <-chan tea.Msg) Model {
	return Model{Peer: p, events: events}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitForEvent(), scanFilesCmd(m.Peer))
}

func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg { return <-m.events }
}

func scanFilesCmd(p *peer.Peer) tea.Cmd {
	return func() tea.Msg {
		files, err := p.Files().ListReceived()
		if err != nil {
			return errMsg{err}
		}
		return filesLoadedMsg(files)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height

	case chatMsg:
		m.Chat = append(m.Chat, chatLine{
			Time:   time.Now().Format("[15:04]"),
			Sender: msg.Sender,
			Text:   msg.Text,
			Direct: msg.Recipient != protocol.Broadcast,
		})
		return m, m.waitForEvent()

	case peerListMsg:
		m.Peers = msg
		return m, m.waitForEvent()

	case fileEventMsg:
		m.applyFileEvent(msg)
		if msg.kind == "complete" && !msg.ev.Outbound {
			return m, tea.Batch(m.waitForEvent(), scanFilesCmd(m.Peer))
		}
		return m, m.waitForEvent()

	case filesLoadedMsg:
		m.Files = msg

	case errMsg:
		m.Chat = append(m.Chat, chatLine{
			Time:   time.Now().Format("[15:04]"),
			Sender: "system",
			Text:   msg.err.Error(),
		})
	}
	return m, nil
}

func (m *Model) applyFileEvent(msg fileEventMsg) {
	idx := -1
	for i, row := range m.Transfers {
		if row.Peer == msg.ev.PeerID && row.FileID == msg.ev.FileID && row.Outbound == msg.ev.Outbound {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.Transfers = append(m.Transfers, transferRow{
			Peer:     msg.ev.PeerID,
			FileID:   msg.ev.FileID,
			Filename: msg.ev.Filename,
			Size:     msg.ev.Size,
			Outbound: msg.ev.Outbound,
			Total:    msg.ev.Total,
		})
		idx = len(m.Transfers) - 1
	}
	row := &m.Transfers[idx]
	row.Done = msg.ev.Done
	if msg.ev.Total > 0 {
		row.Total = msg.ev.Total
	}
	switch msg.kind {
	case "start":
		row.Status = "ACTIVE"
	case "progress":
		row.Status = "ACTIVE"
	case "complete":
		row.Status = "COMPLETE"
		row.Done = row.Total
	case "failed":
		row.Status = "FAILED"
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "tab":
		m.CurrentTab = (m.CurrentTab + 1) % numTabs
		m.Cursor = 0
		if m.CurrentTab == tabFiles {
			return m, scanFilesCmd(m.Peer)
		}
		return m, nil
	case "shift+tab":
		m.CurrentTab = (m.CurrentTab - 1 + numTabs) % numTabs
		m.Cursor = 0
		return m, nil
	case "up":
		if m.Cursor > 0 {
			m.Cursor--
		}
		return m, nil
	case "down":
		m.Cursor++
		return m, nil
	case "enter":
		return m.submitInput()
	case "backspace":
		if len(m.Input) > 0 {
			m.Input = m.Input[:len(m.Input)-1]
		}
		return m, nil
	default:
		if msg.Type == tea.KeyRunes || msg.Type == tea.KeySpace {
			m.Input += msg.String()
		}
		return m, nil
	}
}

// submitInput executes the input line: a slash command or broadcast chat.
func (m Model) submitInput() (tea.Model, tea.Cmd) {
	line := strings.TrimSpace(m.Input)
	m.Input = ""
	if line == "" {
		return m, nil
	}

	if strings.HasPrefix(line, "/") {
		return m.runCommand(line)
	}

	m.Peer.SendMessage(line)
	m.Chat = append(m.Chat, chatLine{
		Time:    time.Now().Format("[15:04]"),
		Sender:  m.Peer.ID(),
		Text:    line,
		IsLocal: true,
	})
	return m, nil
}

func (m Model) runCommand(line string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(line)
	sysNote := func(text string) {
		m.Chat = append(m.Chat, chatLine{Time: time.Now().Format("[15:04]"), Sender: "system", Text: text})
	}

	switch fields[0] {
	case "/quit":
		return m, tea.Quit

	case "/msg":
		if len(fields) < 3 {
			sysNote("usage: /msg <peer> <text>")
			return m, nil
		}
		recipient := fields[1]
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "/msg"), " "+recipient))
		m.Peer.SendMessageTo(recipient, text)
		m.Chat = append(m.Chat, chatLine{
			Time:    time.Now().Format("[15:04]"),
			Sender:  m.Peer.ID(),
			Text:    fmt.Sprintf("(to %s) %s", recipient, text),
			Direct:  true,
			IsLocal: true,
		})
		return m, nil

	case "/file":
		if len(fields) < 2 {
			sysNote("usage: /file <path> [peer]")
			return m, nil
		}
		recipient := ""
		if len(fields) >= 3 {
			recipient = fields[2]
		}
		if err := m.Peer.SendFile(fields[1], recipient); err != nil {
			sysNote(err.Error())
			return m, nil
		}
		m.CurrentTab = tabTransfers
		return m, nil

	default:
		sysNote("unknown command " + fields[0])
		return m, nil
	}
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(header.Width(m.Width).Render(fmt.Sprintf("Relaywire - [%s]", m.Peer.ID())) + "\n")

	var tabViews []string
	for i, label := range tabLabels {
		if tab(i) == m.CurrentTab {
			tabViews = append(tabViews, activeTabStyle.Render(label))
		} else {
			tabViews = append(tabViews, tabStyle.Render(label))
		}
	}
	b.WriteString(lipgloss.NewStyle().Width(m.Width).Render(lipgloss.JoinHorizontal(lipgloss.Top, tabViews...)) + "\n")
	b.WriteString(accentStyle.Width(m.Width).Render(strings.Repeat("─", max(m.Width, 1))) + "\n")

	switch m.CurrentTab {
	case tabChat:
		b.WriteString(renderChatPanel(m))
	case tabPeers:
		b.WriteString(renderPeersPanel(m))
	case tabTransfers:
		b.WriteString(renderTransfersPanel(m))
	case tabFiles:
		b.WriteString(renderFilesPanel(m))
	}

	b.WriteString("\n" + footerStyle.Width(m.Width).Render("[Tab] Switch Panel  [Enter] Send  /msg /file /quit  [Ctrl+C] Quit"))
	return b.String()
}

func renderChatPanel(m Model) string {
	var b strings.Builder
	b.WriteString(sectionTitle.Render("Chat:") + "\n")

	lines := m.Chat
	if visible := m.Height - 8; visible > 0 && len(lines) > visible {
		lines = lines[len(lines)-visible:]
	}
	for _, l := range lines {
		sender := l.Sender
		if l.Direct {
			sender += " (dm)"
		}
		style := dimStyle
		if l.IsLocal {
			style = accentStyle
		}
		b.WriteString(fmt.Sprintf("%-7s %s %s\n", l.Time, style.Render(sender+":"), l.Text))
	}
	b.WriteString("\n> " + m.Input + "_\n")
	return b.String()
}

func renderPeersPanel(m Model) string {
	var b strings.Builder
	b.WriteString(sectionTitle.Render("Peers on the fabric:") + "\n")
	if len(m.Peers) == 0 {
		b.WriteString("\n  Nobody else is online.\n")
		return b.String()
	}
	for i, id := range m.Peers {
		cursor := " "
		if i == m.Cursor {
			cursor = accentStyle.Render(">")
		}
		b.WriteString(fmt.Sprintf("%s %s %s\n", cursor, id, accentStyle.Render("ONLINE")))
	}
	return b.String()
}

func renderTransfersPanel(m Model) string {
	var b strings.Builder
	b.WriteString(sectionTitle.Render("Transfers:") + "\n")
	headerRow := fmt.Sprintf("%-2s %-24s %-10s %-5s %-12s %-10s", "", "File", "Size", "Dir", "Progress", "Status")
	b.WriteString(sectionTitle.Render(headerRow) + "\n")
	if len(m.Transfers) == 0 {
		b.WriteString("\n  No transfers yet. Use /file <path> [peer].\n")
		return b.String()
	}
	for i, row := range m.Transfers {
		cursor := " "
		if i == m.Cursor {
			cursor = accentStyle.Render(">")
		}
		dir := "recv"
		if row.Outbound {
			dir = "send"
		}
		progress := fmt.Sprintf("%d/%d", row.Done, row.Total)
		if row.Total > 0 {
			progress = fmt.Sprintf("%d%%", row.Done*100/row.Total)
		}
		status := row.Status
		if status == "FAILED" {
			status = errStyle.Render(status)
		}
		b.WriteString(fmt.Sprintf("%-2s %-24s %-10s %-5s %-12s %-10s\n",
			cursor, row.Filename, formatBytes(row.Size), dir, progress, status))
	}
	return b.String()
}

func renderFilesPanel(m Model) string {
	var b strings.Builder
	b.WriteString(sectionTitle.Render("Received files ("+m.Peer.Files().Dir()+"):") + "\n")
	if len(m.Files) == 0 {
		b.WriteString("\n  Nothing received yet.\n")
		return b.String()
	}
	for i, f := range m.Files {
		cursor := " "
		if i == m.Cursor {
			cursor = accentStyle.Render(">")
		}
		b.WriteString(fmt.Sprintf("%s %-32s %s\n", cursor, f.Name, formatBytes(f.Size)))
	}
	return b.String()
}

// formatBytes renders a size with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
