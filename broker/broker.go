// Package broker implements the relay hub: a single UDP socket, a peer
// registry with liveness expiry, and a frame routing engine.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"relaywire/protocol"
)

const (
	// DefaultAddr is the well-known broker listen address.
	DefaultAddr = ":9876"
	// DefaultSweepInterval is how often the liveness sweeper runs.
	DefaultSweepInterval = 5 * time.Second
	// DefaultLivenessWindow is how long a peer may stay silent before it
	// is considered gone.
	DefaultLivenessWindow = 15 * time.Second
)

// Config carries the broker's tunables. The zero value works; tests shrink
// the intervals and bind to port 0.
type Config struct {
	Addr           string
	SweepInterval  time.Duration
	LivenessWindow time.Duration
	// StatusAddr, when non-empty, serves the HTTP status page there.
	StatusAddr string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = DefaultLivenessWindow
	}
	return c
}

// transferKey identifies one in-flight transfer as observed from relayed
// FILE_START and FILE_END frames.
type transferKey struct {
	sender string
	fileID int32
}

// Broker is the relay hub. Create with New, run with Start, stop with Stop.
type Broker struct {
	cfg  Config
	conn *net.UDPConn
	reg  *registry

	startedAt time.Time
	done      chan struct{}
	closeOnce sync.Once
	group     *errgroup.Group

	status *StatusService

	statsMu         sync.Mutex
	framesRelayed   int64
	framesDropped   int64
	activeTransfers map[transferKey]struct{}
	totalTransfers  int
}

// New creates a broker with cfg applied over defaults. The socket is not
// opened until Start.
func New(cfg Config) *Broker {
	return &Broker{
		cfg:             cfg.withDefaults(),
		reg:             newRegistry(),
		done:            make(chan struct{}),
		activeTransfers: make(map[transferKey]struct{}),
	}
}

// Start binds the UDP socket and launches the receive loop and the liveness
// sweeper. It returns once the socket is bound; errors after that surface
// from Wait.
func (b *Broker) Start() error {
	addr, err := net.ResolveUDPAddr("udp", b.cfg.Addr)
	if err != nil {
		return fmt.Errorf("broker: resolve %s: %w", b.cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("broker: listen: %w", err)
	}
	b.conn = conn
	b.startedAt = time.Now()
	log.Printf("[START] Broker listening on %s", conn.LocalAddr())

	b.group, _ = errgroup.WithContext(context.Background())
	b.group.Go(b.receiveLoop)
	b.group.Go(b.sweepLoop)

	if b.cfg.StatusAddr != "" {
		b.status = NewStatusService(b, b.cfg.StatusAddr)
		b.group.Go(b.status.Serve)
	}
	return nil
}

// Addr returns the bound socket address. Valid after Start.
func (b *Broker) Addr() net.Addr {
	return b.conn.LocalAddr()
}

// Stop closes the socket and waits for the loops to drain.
func (b *Broker) Stop() error {
	b.closeOnce.Do(func() {
		close(b.done)
		if b.conn != nil {
			b.conn.Close()
		}
		if b.status != nil {
			b.status.Close()
		}
	})
	if b.group != nil {
		return b.group.Wait()
	}
	return nil
}

// Wait blocks until the broker's loops exit.
func (b *Broker) Wait() error {
	return b.group.Wait()
}

func (b *Broker) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Broker) receiveLoop() error {
	buf := make([]byte, protocol.MaxPacketSize)
	for {
		n, src, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if b.closed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("broker: read: %w", err)
		}
		pkt, err := protocol.Unmarshal(buf[:n])
		if err != nil {
			log.Printf("[DROP] Malformed datagram from %s: %v", src, err)
			b.countDrop()
			continue
		}
		b.dispatch(pkt, src)
	}
}

func (b *Broker) sweepLoop() error {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return nil
		case now := <-ticker.C:
			if removed := b.reg.Expire(b.cfg.LivenessWindow, now); len(removed) > 0 {
				b.broadcastClientList()
			}
		}
	}
}

// dispatch routes one decoded frame. Replies always go to the datagram
// source address; relays go to registry addresses.
func (b *Broker) dispatch(pkt *protocol.Packet, src *net.UDPAddr) {
	now := time.Now()
	switch pkt.Type {
	case protocol.TypeRegister:
		b.register(pkt.SenderID, src, now)

	case protocol.TypeHeartbeat:
		// A heartbeat from a peer the sweeper already dropped (or that
		// never registered) counts as an implicit registration.
		if !b.reg.Touch(pkt.SenderID, src, now) {
			b.register(pkt.SenderID, src, now)
		}

	case protocol.TypeMessage:
		b.reg.Touch(pkt.SenderID, src, now)
		b.relay(pkt)

	case protocol.TypeFileStart:
		b.reg.Touch(pkt.SenderID, src, now)
		b.noteTransferStart(pkt)
		b.relay(pkt)

	case protocol.TypeFileChunk:
		b.reg.Touch(pkt.SenderID, src, now)
		b.send(protocol.NewFileAck(protocol.ServerID, pkt.Sequence, pkt.FileID), src)
		b.relay(pkt)

	case protocol.TypeFileEnd:
		b.reg.Touch(pkt.SenderID, src, now)
		b.noteTransferEnd(pkt)
		b.relay(pkt)

	case protocol.TypeFileAck:
		// Consumed silently; peer-side acks carry nothing for the hub.
		b.reg.Touch(pkt.SenderID, src, now)

	default:
		b.reg.Touch(pkt.SenderID, src, now)
		log.Printf("[DROP] Unexpected %s frame from %s", protocol.TypeName(pkt.Type), pkt.SenderID)
		b.countDrop()
	}
}

// register records a peer at its datagram source address, confirms with an
// ACK, and pushes the refreshed presence snapshot to everyone.
func (b *Broker) register(id string, src *net.UDPAddr, now time.Time) {
	if b.reg.Upsert(id, src, now) {
		log.Printf("[REGISTER] Peer %s at %s", id, src)
	} else {
		log.Printf("[REGISTER] Peer %s re-registered at %s", id, src)
	}
	b.send(protocol.NewAck(protocol.ServerID, 0, 0), src)
	b.broadcastClientList()
}

// relay forwards a frame to its recipient: every registered peer except the
// sender for Broadcast, or one looked-up peer otherwise. An unknown unicast
// recipient is logged and the frame dropped.
func (b *Broker) relay(pkt *protocol.Packet) {
	data, err := protocol.Marshal(pkt)
	if err != nil {
		log.Printf("[DROP] Cannot re-encode %s frame from %s: %v", protocol.TypeName(pkt.Type), pkt.SenderID, err)
		b.countDrop()
		return
	}

	if pkt.Recipient == protocol.Broadcast {
		for _, p := range b.reg.Snapshot() {
			if p.ID == pkt.SenderID {
				continue
			}
			b.sendRaw(data, p.Addr)
		}
		b.countRelay()
		return
	}

	addr, ok := b.reg.Lookup(pkt.Recipient)
	if !ok {
		log.Printf("[DROP] %s frame from %s for unknown peer %s", protocol.TypeName(pkt.Type), pkt.SenderID, pkt.Recipient)
		b.countDrop()
		return
	}
	b.sendRaw(data, addr)
	b.countRelay()
}

// broadcastClientList synthesizes the presence snapshot and sends it to
// every registered peer, including the one whose arrival triggered it.
func (b *Broker) broadcastClientList() {
	pkt := protocol.NewClientList(b.reg.IDs())
	data, err := protocol.Marshal(pkt)
	if err != nil {
		log.Printf("[DROP] Cannot encode client list: %v", err)
		return
	}
	for _, p := range b.reg.Snapshot() {
		b.sendRaw(data, p.Addr)
	}
}

func (b *Broker) send(pkt *protocol.Packet, addr *net.UDPAddr) {
	data, err := protocol.Marshal(pkt)
	if err != nil {
		log.Printf("[DROP] Cannot encode %s frame: %v", protocol.TypeName(pkt.Type), err)
		return
	}
	b.sendRaw(data, addr)
}

func (b *Broker) sendRaw(data []byte, addr *net.UDPAddr) {
	if _, err := b.conn.WriteToUDP(data, addr); err != nil && !b.closed() {
		log.Printf("[SEND] Write to %s failed: %v", addr, err)
	}
}

func (b *Broker) noteTransferStart(pkt *protocol.Packet) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	key := transferKey{sender: pkt.SenderID, fileID: pkt.FileID}
	if _, seen := b.activeTransfers[key]; !seen {
		b.activeTransfers[key] = struct{}{}
		b.totalTransfers++
	}
}

func (b *Broker) noteTransferEnd(pkt *protocol.Packet) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	delete(b.activeTransfers, transferKey{sender: pkt.SenderID, fileID: pkt.FileID})
}

func (b *Broker) countRelay() {
	b.statsMu.Lock()
	b.framesRelayed++
	b.statsMu.Unlock()
}

func (b *Broker) countDrop() {
	b.statsMu.Lock()
	b.framesDropped++
	b.statsMu.Unlock()
}

// Stats is a point-in-time counter snapshot for the status page.
type Stats struct {
	FramesRelayed     int64
	FramesDropped     int64
	TransfersInFlight int
	TotalTransfers    int
}

func (b *Broker) stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return Stats{
		FramesRelayed:     b.framesRelayed,
		FramesDropped:     b.framesDropped,
		TransfersInFlight: len(b.activeTransfers),
		TotalTransfers:    b.totalTransfers,
	}
}
