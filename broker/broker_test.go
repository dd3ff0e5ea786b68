package broker

import (
	"net"
	"testing"
	"time"

	"relaywire/protocol"
)

// testPeer is a bare UDP endpoint speaking the wire protocol, used to drive
// the broker without the full client stack.
type testPeer struct {
	t    *testing.T
	id   string
	conn *net.UDPConn
}

func dialPeer(t *testing.T, id string, broker net.Addr) *testPeer {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", broker.String())
	if err != nil {
		t.Fatalf("resolve broker addr: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("dial broker: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testPeer{t: t, id: id, conn: conn}
}

func (p *testPeer) send(pkt *protocol.Packet) {
	p.t.Helper()
	data, err := protocol.Marshal(pkt)
	if err != nil {
		p.t.Fatalf("marshal: %v", err)
	}
	if _, err := p.conn.Write(data); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

func (p *testPeer) recv(timeout time.Duration) *protocol.Packet {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, protocol.MaxPacketSize)
	n, err := p.conn.Read(buf)
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	pkt, err := protocol.Unmarshal(buf[:n])
	if err != nil {
		p.t.Fatalf("unmarshal: %v", err)
	}
	return pkt
}

// recvType reads frames until one of the wanted type arrives, skipping
// presence traffic interleaved by the broker.
func (p *testPeer) recvType(want byte, timeout time.Duration) *protocol.Packet {
	p.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pkt := p.recv(time.Until(deadline))
		if pkt.Type == want {
			return pkt
		}
	}
	p.t.Fatalf("no %s frame within %s", protocol.TypeName(want), timeout)
	return nil
}

// noFrame asserts that nothing arrives within the window.
func (p *testPeer) noFrame(window time.Duration) {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(window))
	buf := make([]byte, protocol.MaxPacketSize)
	n, err := p.conn.Read(buf)
	if err == nil {
		pkt, _ := protocol.Unmarshal(buf[:n])
		p.t.Fatalf("unexpected frame: %+v", pkt)
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		p.t.Fatalf("read: %v", err)
	}
}

func (p *testPeer) register() {
	p.t.Helper()
	p.send(protocol.NewRegister(p.id))
	ack := p.recvType(protocol.TypeAck, time.Second)
	if ack.SenderID != protocol.ServerID {
		p.t.Fatalf("ack sender = %q, want %q", ack.SenderID, protocol.ServerID)
	}
}

func startBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	b := New(cfg)
	if err := b.Start(); err != nil {
		t.Fatalf("start broker: %v", err)
	}
	t.Cleanup(func() { b.Stop() })
	return b
}

func TestRegisterAckAndClientList(t *testing.T) {
	b := startBroker(t, Config{})

	alice := dialPeer(t, "alice", b.Addr())
	alice.register()

	list := alice.recvType(protocol.TypeClientList, time.Second)
	ids, err := protocol.ParseClientList(list.Payload)
	if err != nil {
		t.Fatalf("parse client list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "alice" {
		t.Errorf("ids = %v, want [alice]", ids)
	}

	bob := dialPeer(t, "bob", b.Addr())
	bob.register()

	// Both peers see the updated snapshot.
	for _, p := range []*testPeer{alice, bob} {
		list := p.recvType(protocol.TypeClientList, time.Second)
		ids, err := protocol.ParseClientList(list.Payload)
		if err != nil {
			t.Fatalf("parse client list: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("%s sees ids = %v, want two entries", p.id, ids)
		}
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	b := startBroker(t, Config{})

	alice := dialPeer(t, "alice", b.Addr())
	alice.register()
	bob := dialPeer(t, "bob", b.Addr())
	bob.register()
	carol := dialPeer(t, "carol", b.Addr())
	carol.register()

	alice.send(protocol.NewMessage("alice", protocol.Broadcast, "hello"))

	for _, p := range []*testPeer{bob, carol} {
		msg := p.recvType(protocol.TypeMessage, time.Second)
		if msg.SenderID != "alice" || string(msg.Payload) != "hello" {
			t.Errorf("%s got %+v", p.id, msg)
		}
	}
	// Each of the three registrations pushed a presence snapshot to alice.
	for i := 0; i < 3; i++ {
		alice.recvType(protocol.TypeClientList, time.Second)
	}
	alice.noFrame(200 * time.Millisecond)
}

func TestUnicastRouting(t *testing.T) {
	b := startBroker(t, Config{})

	alice := dialPeer(t, "alice", b.Addr())
	alice.register()
	bob := dialPeer(t, "bob", b.Addr())
	bob.register()
	carol := dialPeer(t, "carol", b.Addr())
	carol.register()

	alice.send(protocol.NewMessage("alice", "bob", "secret"))

	msg := bob.recvType(protocol.TypeMessage, time.Second)
	if string(msg.Payload) != "secret" || msg.Recipient != "bob" {
		t.Errorf("bob got %+v", msg)
	}
	// Carol's own registration pushed one presence snapshot to her.
	carol.recvType(protocol.TypeClientList, time.Second)
	carol.noFrame(200 * time.Millisecond)
}

func TestUnicastToUnknownPeerIsDropped(t *testing.T) {
	b := startBroker(t, Config{})

	alice := dialPeer(t, "alice", b.Addr())
	alice.register()
	alice.recvType(protocol.TypeClientList, time.Second)

	alice.send(protocol.NewMessage("alice", "ghost", "anyone there"))
	alice.noFrame(200 * time.Millisecond)

	if got := b.stats().FramesDropped; got == 0 {
		t.Error("drop counter did not advance")
	}
}

func TestFileChunkAckedAndRelayed(t *testing.T) {
	b := startBroker(t, Config{})

	alice := dialPeer(t, "alice", b.Addr())
	alice.register()
	bob := dialPeer(t, "bob", b.Addr())
	bob.register()

	alice.send(protocol.NewFileChunk("alice", "bob", 7, 3, []byte("chunk-data")))

	ack := alice.recvType(protocol.TypeFileAck, time.Second)
	if ack.Sequence != 3 || ack.FileID != 7 {
		t.Errorf("ack seq/file = %d/%d, want 3/7", ack.Sequence, ack.FileID)
	}
	chunk := bob.recvType(protocol.TypeFileChunk, time.Second)
	if chunk.Sequence != 3 || chunk.FileID != 7 || string(chunk.Payload) != "chunk-data" {
		t.Errorf("bob got %+v", chunk)
	}
}

func TestTransferCountersFollowStartAndEnd(t *testing.T) {
	b := startBroker(t, Config{})

	alice := dialPeer(t, "alice", b.Addr())
	alice.register()
	bob := dialPeer(t, "bob", b.Addr())
	bob.register()

	alice.send(protocol.NewFileStart("alice", "bob", 1, protocol.FileMetadata{Filename: "a.bin", Size: 10}))
	bob.recvType(protocol.TypeFileStart, time.Second)
	if s := b.stats(); s.TransfersInFlight != 1 || s.TotalTransfers != 1 {
		t.Errorf("after start: %+v", s)
	}

	alice.send(protocol.NewFileEnd("alice", "bob", 1, 1))
	bob.recvType(protocol.TypeFileEnd, time.Second)
	if s := b.stats(); s.TransfersInFlight != 0 || s.TotalTransfers != 1 {
		t.Errorf("after end: %+v", s)
	}
}

func TestSilentPeerExpires(t *testing.T) {
	b := startBroker(t, Config{
		SweepInterval:  50 * time.Millisecond,
		LivenessWindow: 150 * time.Millisecond,
	})

	alice := dialPeer(t, "alice", b.Addr())
	alice.register()
	alice.recvType(protocol.TypeClientList, time.Second)

	bob := dialPeer(t, "bob", b.Addr())
	bob.register()
	bob.recvType(protocol.TypeClientList, time.Second)

	// Alice keeps heartbeating; bob goes silent.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		alice.send(protocol.NewHeartbeat("alice"))
		if _, ok := b.reg.Lookup("bob"); !ok {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if _, ok := b.reg.Lookup("bob"); ok {
		t.Fatal("bob was not expired")
	}

	// Drain presence updates until the post-expiry snapshot arrives.
	var ids []string
	listDeadline := time.Now().Add(2 * time.Second)
	for len(ids) != 1 && time.Now().Before(listDeadline) {
		list := alice.recvType(protocol.TypeClientList, time.Second)
		var err error
		ids, err = protocol.ParseClientList(list.Payload)
		if err != nil {
			t.Fatalf("parse client list: %v", err)
		}
	}
	if len(ids) != 1 || ids[0] != "alice" {
		t.Errorf("ids = %v, want [alice]", ids)
	}
}

func TestHeartbeatFromUnknownPeerRegistersImplicitly(t *testing.T) {
	b := startBroker(t, Config{})

	alice := dialPeer(t, "alice", b.Addr())
	alice.send(protocol.NewHeartbeat("alice"))

	ack := alice.recvType(protocol.TypeAck, time.Second)
	if ack.SenderID != protocol.ServerID {
		t.Errorf("ack sender = %q, want %q", ack.SenderID, protocol.ServerID)
	}
	list := alice.recvType(protocol.TypeClientList, time.Second)
	ids, err := protocol.ParseClientList(list.Payload)
	if err != nil {
		t.Fatalf("parse client list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "alice" {
		t.Errorf("ids = %v, want [alice]", ids)
	}
	if _, ok := b.reg.Lookup("alice"); !ok {
		t.Fatal("heartbeat did not register the peer")
	}
}

func TestAnyFrameRefreshesLiveness(t *testing.T) {
	b := startBroker(t, Config{
		SweepInterval:  50 * time.Millisecond,
		LivenessWindow: 200 * time.Millisecond,
	})

	alice := dialPeer(t, "alice", b.Addr())
	alice.register()

	// Chat traffic alone keeps the peer alive past the window.
	for i := 0; i < 10; i++ {
		alice.send(protocol.NewMessage("alice", protocol.Broadcast, "still here"))
		time.Sleep(50 * time.Millisecond)
	}
	if _, ok := b.reg.Lookup("alice"); !ok {
		t.Fatal("alice expired despite active chat traffic")
	}
}

func TestMalformedDatagramIsIgnored(t *testing.T) {
	b := startBroker(t, Config{})

	alice := dialPeer(t, "alice", b.Addr())
	alice.register()

	if _, err := alice.conn.Write([]byte{0xde, 0xad}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Broker stays up and keeps serving.
	alice.send(protocol.NewHeartbeat("alice"))
	if _, ok := b.reg.Lookup("alice"); !ok {
		t.Fatal("alice lost after malformed datagram")
	}
}

func TestRegistryExpire(t *testing.T) {
	r := newRegistry()
	now := time.Now()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}

	r.Upsert("old", addr, now.Add(-time.Minute))
	r.Upsert("fresh", addr, now)

	removed := r.Expire(15*time.Second, now)
	if len(removed) != 1 || removed[0] != "old" {
		t.Errorf("removed = %v, want [old]", removed)
	}
	if _, ok := r.Lookup("fresh"); !ok {
		t.Error("fresh peer was expired")
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
}

func TestRegistryUpsertAdoptsNewAddress(t *testing.T) {
	r := newRegistry()
	now := time.Now()
	a1 := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1111}
	a2 := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222}

	if !r.Upsert("alice", a1, now) {
		t.Error("first upsert reported existing peer")
	}
	if r.Upsert("alice", a2, now) {
		t.Error("re-register reported new peer")
	}
	addr, ok := r.Lookup("alice")
	if !ok || addr.Port != 2222 {
		t.Errorf("addr = %v, want port 2222", addr)
	}
}
