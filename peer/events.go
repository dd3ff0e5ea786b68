package peer

// FileEvent describes one file transfer as it progresses, in either
// direction. PeerID is the remote party: the recipient for outbound
// transfers, the sender for inbound ones.
type FileEvent struct {
	PeerID   string
	FileID   int32
	Filename string
	Size     int64
	Outbound bool
	Done     int32
	Total    int32
	Path     string // where the assembled file landed, on completion
	Err      error  // why the transfer failed, on failure
}

// Events carries the shell-facing callbacks. Nil callbacks are skipped.
// Callbacks run on the peer's receive or transfer goroutines, so they must
// not block; shells hand the event off to their own loop.
type Events struct {
	Message      func(sender, recipient, text string)
	PeerList     func(ids []string)
	FileStart    func(ev FileEvent)
	FileProgress func(ev FileEvent)
	FileComplete func(ev FileEvent)
	FileFailed   func(ev FileEvent)
}

func (e Events) message(sender, recipient, text string) {
	if e.Message != nil {
		e.Message(sender, recipient, text)
	}
}

func (e Events) peerList(ids []string) {
	if e.PeerList != nil {
		e.PeerList(ids)
	}
}

func (e Events) fileStart(ev FileEvent) {
	if e.FileStart != nil {
		e.FileStart(ev)
	}
}

func (e Events) fileProgress(ev FileEvent) {
	if e.FileProgress != nil {
		e.FileProgress(ev)
	}
}

func (e Events) fileComplete(ev FileEvent) {
	if e.FileComplete != nil {
		e.FileComplete(ev)
	}
}

func (e Events) fileFailed(ev FileEvent) {
	if e.FileFailed != nil {
		e.FileFailed(ev)
	}
}
