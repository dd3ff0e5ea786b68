package peer

import (
	"log"
	"sync"
	"time"

	"relaywire/protocol"
)

// transfer drives one outbound file: FILE_START, paced chunk sends with a
// per-chunk ack window and retry budget, then FILE_END.
type transfer struct {
	peer      *Peer
	recipient string
	fileID    int32
	meta      protocol.FileMetadata
	chunks    [][]byte

	mu    sync.Mutex
	acked map[int32]bool
}

func (t *transfer) ack(seq int32) {
	t.mu.Lock()
	t.acked[seq] = true
	t.mu.Unlock()
}

func (t *transfer) isAcked(seq int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acked[seq]
}

// run executes the whole transfer. It owns the send pacing; the peer's
// receive loop feeds acks in through ack.
func (t *transfer) run() {
	total := int32(len(t.chunks))
	ev := FileEvent{
		PeerID:   t.recipient,
		FileID:   t.fileID,
		Filename: t.meta.Filename,
		Size:     t.meta.Size,
		Outbound: true,
		Total:    total,
	}
	t.peer.events.fileStart(ev)

	t.peer.send(protocol.NewFileStart(t.peer.cfg.ID, t.recipient, t.fileID, t.meta))

	lastPercent := -1
	for seq := int32(0); seq < total; seq++ {
		if t.peer.isClosed() {
			return
		}
		if !t.sendChunkWithRetry(seq) {
			log.Printf("[TRANSFER] Chunk %d of %s unacknowledged after %d attempts, continuing", seq, t.meta.Filename, t.peer.cfg.MaxAttempts)
		}
		ev.Done = seq + 1
		if percent := int(ev.Done * 100 / total); percent != lastPercent {
			lastPercent = percent
			t.peer.events.fileProgress(ev)
		}
		time.Sleep(t.peer.cfg.SendPacing)
	}

	t.peer.send(protocol.NewFileEnd(t.peer.cfg.ID, t.recipient, t.fileID, total))
	t.peer.dropTransfer(t.fileID)
	t.peer.events.fileComplete(ev)
	log.Printf("[TRANSFER] Sent %s (%d chunks) to %s", t.meta.Filename, total, t.recipient)
}

// sendChunkWithRetry sends one segment and waits one ack window per attempt.
// When the retry budget runs out the chunk is marked acknowledged anyway and
// the transfer moves on; the receiver's final gap check decides the outcome.
func (t *transfer) sendChunkWithRetry(seq int32) bool {
	pkt := protocol.NewFileChunk(t.peer.cfg.ID, t.recipient, t.fileID, seq, t.chunks[seq])
	for attempt := 0; attempt < t.peer.cfg.MaxAttempts; attempt++ {
		t.peer.send(pkt)
		time.Sleep(t.peer.cfg.AckWait)
		if t.isAcked(seq) {
			return true
		}
	}
	t.ack(seq)
	return false
}
