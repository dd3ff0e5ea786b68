// Package peer implements the client side of the relay fabric: registration
// and heartbeats against the broker, the inbound frame demultiplexer, chat
// operations, and chunked file transfer in both directions.
package peer

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"relaywire/protocol"
)

const (
	// DefaultServerAddr is the well-known broker address.
	DefaultServerAddr = "127.0.0.1:9876"
	// DefaultHeartbeatInterval is how often a peer announces liveness.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultAckWait is the per-attempt window for a chunk acknowledgement.
	DefaultAckWait = 50 * time.Millisecond
	// DefaultSendPacing is the gap between consecutive chunk sends.
	DefaultSendPacing = 10 * time.Millisecond
	// DefaultMaxAttempts bounds sends of a single chunk, first try included.
	DefaultMaxAttempts = 5
)

// Config carries the peer's tunables. The zero value works; tests shrink
// the intervals.
type Config struct {
	// ID is this peer's identity on the fabric. Empty picks a generated one.
	ID         string
	ServerAddr string
	ReceiveDir string

	HeartbeatInterval time.Duration
	AckWait           time.Duration
	SendPacing        time.Duration
	MaxAttempts       int
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = "peer-" + uuid.NewString()[:8]
	}
	if c.ServerAddr == "" {
		c.ServerAddr = DefaultServerAddr
	}
	if c.ReceiveDir == "" {
		c.ReceiveDir = DefaultReceiveDir
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.SendPacing <= 0 {
		c.SendPacing = DefaultSendPacing
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Peer is one endpoint on the fabric. Create with New, connect with Start,
// stop with Close.
type Peer struct {
	cfg    Config
	events Events
	fm     *FileManager

	conn      *net.UDPConn
	done      chan struct{}
	closeOnce sync.Once
	group     *errgroup.Group

	nextFileID atomic.Int32

	transfersMu sync.Mutex
	transfers   map[int32]*transfer

	peersMu sync.Mutex
	peers   []string
}

// New creates a peer with cfg applied over defaults. Nothing touches the
// network until Start.
func New(cfg Config, events Events) *Peer {
	cfg = cfg.withDefaults()
	return &Peer{
		cfg:       cfg,
		events:    events,
		fm:        NewFileManager(cfg.ReceiveDir),
		done:      make(chan struct{}),
		transfers: make(map[int32]*transfer),
	}
}

// ID returns the peer's identity on the fabric.
func (p *Peer) ID() string {
	return p.cfg.ID
}

// Files returns the peer's file manager, for receive-directory listings.
func (p *Peer) Files() *FileManager {
	return p.fm
}

// Start opens the ephemeral UDP socket, registers with the broker, and
// launches the receive and heartbeat loops.
func (p *Peer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", p.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("peer: resolve %s: %w", p.cfg.ServerAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("peer: dial %s: %w", p.cfg.ServerAddr, err)
	}
	p.conn = conn
	log.Printf("[START] Peer %s on %s, broker %s", p.cfg.ID, conn.LocalAddr(), addr)

	p.send(protocol.NewRegister(p.cfg.ID))

	p.group = &errgroup.Group{}
	p.group.Go(p.receiveLoop)
	p.group.Go(p.heartbeatLoop)
	return nil
}

// Close shuts the peer down and waits for its loops to drain.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.conn != nil {
			p.conn.Close()
		}
	})
	if p.group != nil {
		return p.group.Wait()
	}
	return nil
}

func (p *Peer) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// SendMessage broadcasts chat text to every peer on the fabric.
func (p *Peer) SendMessage(text string) {
	p.send(protocol.NewMessage(p.cfg.ID, protocol.Broadcast, text))
}

// SendMessageTo sends chat text to one peer.
func (p *Peer) SendMessageTo(recipient, text string) {
	p.send(protocol.NewMessage(p.cfg.ID, recipient, text))
}

// SendFile starts an asynchronous transfer of the file at path to recipient,
// which may be Broadcast. Progress and completion surface through Events.
func (p *Peer) SendFile(path, recipient string) error {
	if recipient == "" {
		recipient = protocol.Broadcast
	}
	chunks, meta, err := SplitFile(path)
	if err != nil {
		return err
	}
	t := &transfer{
		peer:      p,
		recipient: recipient,
		fileID:    p.nextFileID.Add(1),
		meta:      meta,
		chunks:    chunks,
		acked:     make(map[int32]bool),
	}
	p.transfersMu.Lock()
	p.transfers[t.fileID] = t
	p.transfersMu.Unlock()

	go t.run()
	return nil
}

// Peers returns the most recent presence snapshot from the broker.
func (p *Peer) Peers() []string {
	p.peersMu.Lock()
	defer p.peersMu.Unlock()
	out := make([]string, len(p.peers))
	copy(out, p.peers)
	return out
}

func (p *Peer) dropTransfer(fileID int32) {
	p.transfersMu.Lock()
	delete(p.transfers, fileID)
	p.transfersMu.Unlock()
}

func (p *Peer) send(pkt *protocol.Packet) {
	data, err := protocol.Marshal(pkt)
	if err != nil {
		log.Printf("[SEND] Cannot encode %s frame: %v", protocol.TypeName(pkt.Type), err)
		return
	}
	if _, err := p.conn.Write(data); err != nil && !p.isClosed() {
		log.Printf("[SEND] Write failed: %v", err)
	}
}

func (p *Peer) heartbeatLoop() error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return nil
		case <-ticker.C:
			p.send(protocol.NewHeartbeat(p.cfg.ID))
		}
	}
}

func (p *Peer) receiveLoop() error {
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			if p.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("peer: read: %w", err)
		}
		pkt, err := protocol.Unmarshal(buf[:n])
		if err != nil {
			log.Printf("[RECV] Malformed datagram: %v", err)
			continue
		}
		p.demux(pkt)
	}
}

// demux routes one inbound frame to chat, presence, or transfer handling.
func (p *Peer) demux(pkt *protocol.Packet) {
	switch pkt.Type {
	case protocol.TypeMessage:
		p.events.message(pkt.SenderID, pkt.Recipient, string(pkt.Payload))

	case protocol.TypeClientList:
		ids, err := protocol.ParseClientList(pkt.Payload)
		if err != nil {
			log.Printf("[RECV] Bad client list: %v", err)
			return
		}
		// The local view holds the others, not this peer itself.
		others := ids[:0]
		for _, id := range ids {
			if id != p.cfg.ID {
				others = append(others, id)
			}
		}
		p.peersMu.Lock()
		p.peers = others
		p.peersMu.Unlock()
		p.events.peerList(others)

	case protocol.TypeAck:
		log.Printf("[RECV] Registration confirmed by %s", pkt.SenderID)

	case protocol.TypeFileAck:
		p.transfersMu.Lock()
		t, ok := p.transfers[pkt.FileID]
		p.transfersMu.Unlock()
		if ok {
			t.ack(pkt.Sequence)
		}

	case protocol.TypeFileStart:
		p.handleFileStart(pkt)

	case protocol.TypeFileChunk:
		p.handleFileChunk(pkt)

	case protocol.TypeFileEnd:
		p.handleFileEnd(pkt)

	default:
		log.Printf("[RECV] Unexpected %s frame from %s", protocol.TypeName(pkt.Type), pkt.SenderID)
	}
}

func (p *Peer) handleFileStart(pkt *protocol.Packet) {
	meta, err := pkt.FileMeta()
	if err != nil {
		log.Printf("[RECV] Bad FILE_START from %s: %v", pkt.SenderID, err)
		return
	}
	p.fm.StartReception(pkt.SenderID, pkt.FileID, meta)
	log.Printf("[RECV] Incoming file %s (%d bytes) from %s", meta.Filename, meta.Size, pkt.SenderID)
	p.events.fileStart(FileEvent{
		PeerID:   pkt.SenderID,
		FileID:   pkt.FileID,
		Filename: meta.Filename,
		Size:     meta.Size,
		Total:    expectedChunks(meta.Size),
	})
}

func (p *Peer) handleFileChunk(pkt *protocol.Packet) {
	held := p.fm.AddChunk(pkt.SenderID, pkt.FileID, pkt.Sequence, pkt.Payload)
	meta, ok := p.fm.Meta(pkt.SenderID, pkt.FileID)
	if !ok {
		return
	}
	p.events.fileProgress(FileEvent{
		PeerID:   pkt.SenderID,
		FileID:   pkt.FileID,
		Filename: meta.Filename,
		Size:     meta.Size,
		Done:     int32(held),
		Total:    expectedChunks(meta.Size),
	})
}

func (p *Peer) handleFileEnd(pkt *protocol.Packet) {
	total, err := pkt.TotalChunks()
	if err != nil {
		log.Printf("[RECV] Bad FILE_END from %s: %v", pkt.SenderID, err)
		return
	}
	meta, _ := p.fm.Meta(pkt.SenderID, pkt.FileID)
	ev := FileEvent{
		PeerID:   pkt.SenderID,
		FileID:   pkt.FileID,
		Filename: meta.Filename,
		Size:     meta.Size,
		Done:     total,
		Total:    total,
	}
	path, err := p.fm.Finish(pkt.SenderID, pkt.FileID, total)
	if err != nil {
		log.Printf("[RECV] Transfer of %s from %s failed: %v", meta.Filename, pkt.SenderID, err)
		ev.Err = err
		p.events.fileFailed(ev)
		return
	}
	log.Printf("[RECV] Saved %s from %s to %s", meta.Filename, pkt.SenderID, path)
	ev.Path = path
	p.events.fileComplete(ev)
}

// expectedChunks derives the segment count from the announced file size.
func expectedChunks(size int64) int32 {
	return int32((size + protocol.MaxChunkSize - 1) / protocol.MaxChunkSize)
}
