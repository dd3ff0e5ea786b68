package protocol

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		pkt  *Packet
	}{
		{"message", NewMessage("alice", Broadcast, "hello everyone")},
		{"direct message", NewMessage("alice", "bob", "just you")},
		{"register", NewRegister("alice")},
		{"heartbeat", NewHeartbeat("alice")},
		{"ack", NewAck(ServerID, 0, 0)},
		{"file ack", NewFileAck(ServerID, 17, 3)},
		{"file start", NewFileStart("alice", "bob", 3, FileMetadata{Filename: "notes.txt", Size: 4096})},
		{"file chunk", NewFileChunk("alice", "bob", 3, 17, []byte{0xde, 0xad, 0xbe, 0xef})},
		{"file end", NewFileEnd("alice", "bob", 3, 42)},
		{"client list", NewClientList([]string{"alice", "bob", "carol"})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.pkt)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			got, err := Unmarshal(data)
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, tc.pkt) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, tc.pkt)
			}
		})
	}
}

func TestMarshalDefaultsEmptyRecipientToBroadcast(t *testing.T) {
	data, err := Marshal(&Packet{Type: TypeMessage, SenderID: "alice", Payload: []byte("hi")})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Recipient != Broadcast {
		t.Errorf("recipient = %q, want %q", got.Recipient, Broadcast)
	}
}

func TestMarshalRejectsOversizedFrame(t *testing.T) {
	p := &Packet{Type: TypeFileChunk, SenderID: "a", Recipient: "b", Payload: make([]byte, MaxPacketSize)}
	if _, err := Marshal(p); err == nil {
		t.Fatal("Marshal accepted a frame larger than MaxPacketSize")
	}
}

func TestUnmarshalTruncatedFrames(t *testing.T) {
	full, err := Marshal(NewMessage("alice", "bob", "payload"))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for n := 0; n < len(full); n++ {
		if _, err := Unmarshal(full[:n]); err == nil {
			t.Errorf("Unmarshal accepted a frame truncated to %d of %d bytes", n, len(full))
		}
	}
}

func TestUnmarshalDeclaredLengthOverrun(t *testing.T) {
	data := []byte{TypeMessage, 0xff, 0xff, 0xff, 0xff}
	_, err := Unmarshal(data)
	if err == nil {
		t.Fatal("Unmarshal accepted a length that overruns the buffer")
	}
	if !errors.Is(err, ErrShortFrame) {
		t.Errorf("err = %v, want ErrShortFrame", err)
	}
}

func TestUnmarshalTrailingBytes(t *testing.T) {
	data, err := Marshal(NewHeartbeat("alice"))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Unmarshal(append(data, 0x00)); err == nil {
		t.Fatal("Unmarshal accepted trailing bytes after the frame")
	}
}

func TestUnmarshalRejectsInvalidUTF8Sender(t *testing.T) {
	data, err := Marshal(NewHeartbeat("ali"))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// Sender bytes start after the type tag and length prefix.
	i := bytes.Index(data, []byte("ali"))
	data[i] = 0xff
	if _, err := Unmarshal(data); err == nil {
		t.Fatal("Unmarshal accepted a sender id that is not valid UTF-8")
	}
}

func TestFileMetadataRoundTrip(t *testing.T) {
	meta := FileMetadata{Filename: "архив.tar.gz", Size: 1<<33 + 7}
	p := NewFileStart("alice", "bob", 9, meta)
	got, err := p.FileMeta()
	if err != nil {
		t.Fatalf("FileMeta: %v", err)
	}
	if got != meta {
		t.Errorf("metadata = %+v, want %+v", got, meta)
	}
}

func TestFileMetaRejectsWrongType(t *testing.T) {
	if _, err := NewHeartbeat("alice").FileMeta(); err == nil {
		t.Fatal("FileMeta accepted a non-FILE_START frame")
	}
}

func TestFileMetaShortPayload(t *testing.T) {
	p := &Packet{Type: TypeFileStart, Payload: []byte{0x00, 0x20, 'x'}}
	if _, err := p.FileMeta(); !errors.Is(err, ErrShortFrame) {
		t.Errorf("err = %v, want ErrShortFrame", err)
	}
}

func TestTotalChunks(t *testing.T) {
	p := NewFileEnd("alice", "bob", 3, 128)
	n, err := p.TotalChunks()
	if err != nil {
		t.Fatalf("TotalChunks: %v", err)
	}
	if n != 128 {
		t.Errorf("total = %d, want 128", n)
	}
	if _, err := NewHeartbeat("alice").TotalChunks(); err == nil {
		t.Fatal("TotalChunks accepted a non-FILE_END frame")
	}
}

func TestClientListRoundTrip(t *testing.T) {
	p := NewClientList([]string{"alice", "bob"})
	if p.SenderID != ServerID {
		t.Errorf("sender = %q, want %q", p.SenderID, ServerID)
	}
	ids, err := ParseClientList(p.Payload)
	if err != nil {
		t.Fatalf("ParseClientList: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"alice", "bob"}) {
		t.Errorf("ids = %v, want [alice bob]", ids)
	}
}

func TestParseClientListEmpty(t *testing.T) {
	ids, err := ParseClientList([]byte(clientListPrefix))
	if err != nil {
		t.Fatalf("ParseClientList: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ids = %v, want none", ids)
	}
}

func TestParseClientListMissingPrefix(t *testing.T) {
	if _, err := ParseClientList([]byte("alice,bob")); err == nil {
		t.Fatal("ParseClientList accepted a payload without the prefix")
	}
}

func TestTypeName(t *testing.T) {
	if got := TypeName(TypeFileChunk); got != "FILE_CHUNK" {
		t.Errorf("TypeName(TypeFileChunk) = %q", got)
	}
	if got := TypeName(200); !strings.HasPrefix(got, "UNKNOWN") {
		t.Errorf("TypeName(200) = %q", got)
	}
}
