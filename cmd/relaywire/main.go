package main

import (
	"flag"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"relaywire/peer"
	"relaywire/tui"
)

func main() {
	id := flag.String("id", "", "peer id on the fabric (generated when empty)")
	server := flag.String("server", peer.DefaultServerAddr, "broker address")
	dir := flag.String("dir", peer.DefaultReceiveDir, "directory for received files")
	flag.Parse()

	// The TUI owns the terminal, so peer logs go to a file next to the
	// received files.
	logFile, err := os.OpenFile("relaywire.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		log.SetOutput(logFile)
		defer logFile.Close()
	}

	events := make(chan tea.Msg, 64)
	p := peer.New(peer.Config{
		ID:         *id,
		ServerAddr: *server,
		ReceiveDir: *dir,
	}, tui.NewEvents(events))
	if err := p.Start(); err != nil {
		log.Fatalf("Failed to start peer: %v", err)
	}
	defer p.Close()

	prog := tea.NewProgram(tui.NewModel(p, events), tea.WithAltScreen())
	if _, err := prog.Run(); err != nil {
		log.Fatalf("UI error: %v", err)
	}
}
