// Package protocol defines the typed datagram frames exchanged between the
// relaywire broker and its peers, and their binary wire encoding.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Frame type tags.
const (
	TypeMessage    byte = 1 // UTF-8 chat text
	TypeFileStart  byte = 2 // filename + size metadata
	TypeFileChunk  byte = 3 // raw file segment
	TypeFileEnd    byte = 4 // total chunk count
	TypeRegister   byte = 5
	TypeHeartbeat  byte = 6
	TypeAck        byte = 7
	TypeClientList byte = 8
	TypeFileAck    byte = 9
)

const (
	// MaxPacketSize is the largest datagram either side will send or buffer.
	MaxPacketSize = 65507
	// MaxChunkSize bounds the payload of a single FILE_CHUNK frame.
	MaxChunkSize = 1024

	// Broadcast is the recipient sentinel that fans a frame out to every
	// registered peer except the sender.
	Broadcast = "ALL"
	// ServerID is the sender id the broker stamps on frames it originates.
	ServerID = "SERVER"

	clientListPrefix = "ONLINE_USERS:"
)

// ErrShortFrame is returned when a buffer ends before the encoding says it
// should.
var ErrShortFrame = errors.New("protocol: short frame")

// Packet is one datagram-sized envelope. Every frame carries all fields;
// Sequence and FileID are meaningful only for the file-transfer types and
// default to zero elsewhere.
type Packet struct {
	Type      byte
	SenderID  string
	Recipient string // Broadcast or a specific peer id
	Sequence  int32
	FileID    int32
	Payload   []byte
}

// Marshal encodes p into its wire form:
//
//	u8  type
//	u32 sender-id length, sender-id bytes
//	u32 recipient length, recipient bytes
//	i32 sequence number
//	i32 file id
//	u32 payload length, payload bytes
//
// All integers are big-endian. An empty recipient is written as Broadcast.
func Marshal(p *Packet) ([]byte, error) {
	recipient := p.Recipient
	if recipient == "" {
		recipient = Broadcast
	}

	size := 1 + 4 + len(p.SenderID) + 4 + len(recipient) + 4 + 4 + 4 + len(p.Payload)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("protocol: frame of %d bytes exceeds max packet size", size)
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	buf.WriteByte(p.Type)
	writeString(buf, p.SenderID)
	writeString(buf, recipient)
	binary.Write(buf, binary.BigEndian, p.Sequence)
	binary.Write(buf, binary.BigEndian, p.FileID)
	binary.Write(buf, binary.BigEndian, uint32(len(p.Payload)))
	buf.Write(p.Payload)
	return buf.Bytes(), nil
}

// Unmarshal decodes a wire frame produced by Marshal. It fails on truncated
// input, lengths that overrun the buffer, and id fields that are not valid
// UTF-8.
func Unmarshal(data []byte) (*Packet, error) {
	r := &frameReader{buf: data}

	p := &Packet{}
	p.Type = r.byte()

	sender := r.lengthPrefixed()
	recipient := r.lengthPrefixed()
	p.Sequence = r.int32()
	p.FileID = r.int32()
	payload := r.lengthPrefixed()

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(data) {
		return nil, fmt.Errorf("protocol: %d trailing bytes after frame", len(data)-r.off)
	}
	if !utf8.Valid(sender) {
		return nil, errors.New("protocol: sender id is not valid UTF-8")
	}
	if !utf8.Valid(recipient) {
		return nil, errors.New("protocol: recipient id is not valid UTF-8")
	}

	p.SenderID = string(sender)
	p.Recipient = string(recipient)
	if len(payload) > 0 {
		p.Payload = payload
	}
	return p, nil
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint32(len(s)))
	buf.WriteString(s)
}

// frameReader walks a frame buffer, latching the first error so call sites
// stay linear.
type frameReader struct {
	buf []byte
	off int
	err error
}

func (r *frameReader) byte() byte {
	if r.err != nil {
		return 0
	}
	if r.off+1 > len(r.buf) {
		r.err = ErrShortFrame
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *frameReader) uint32() uint32 {
	if r.err != nil {
		return 0
	}
	if r.off+4 > len(r.buf) {
		r.err = ErrShortFrame
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *frameReader) int32() int32 {
	return int32(r.uint32())
}

func (r *frameReader) lengthPrefixed() []byte {
	n := r.uint32()
	if r.err != nil {
		return nil
	}
	if uint32(len(r.buf)-r.off) < n {
		r.err = fmt.Errorf("protocol: declared length %d overruns frame: %w", n, ErrShortFrame)
		return nil
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b
}

// --- Constructors, one per frame type ---

// NewMessage builds a chat text frame. Recipient is Broadcast or a peer id.
func NewMessage(sender, recipient, text string) *Packet {
	return &Packet{Type: TypeMessage, SenderID: sender, Recipient: recipient, Payload: []byte(text)}
}

// NewRegister builds the registration frame a peer sends on startup.
func NewRegister(sender string) *Packet {
	return &Packet{Type: TypeRegister, SenderID: sender, Recipient: Broadcast}
}

// NewHeartbeat builds a liveness frame.
func NewHeartbeat(sender string) *Packet {
	return &Packet{Type: TypeHeartbeat, SenderID: sender, Recipient: Broadcast}
}

// NewAck builds the broker's registration confirmation.
func NewAck(sender string, seq, fileID int32) *Packet {
	return &Packet{Type: TypeAck, SenderID: sender, Recipient: Broadcast, Sequence: seq, FileID: fileID}
}

// NewFileAck builds the broker's per-chunk acknowledgement. Sequence and
// FileID echo the acknowledged chunk.
func NewFileAck(sender string, seq, fileID int32) *Packet {
	return &Packet{Type: TypeFileAck, SenderID: sender, Recipient: Broadcast, Sequence: seq, FileID: fileID}
}

// NewFileStart builds the transfer announcement carrying file metadata.
func NewFileStart(sender, recipient string, fileID int32, meta FileMetadata) *Packet {
	return &Packet{
		Type:      TypeFileStart,
		SenderID:  sender,
		Recipient: recipient,
		FileID:    fileID,
		Payload:   meta.encode(),
	}
}

// NewFileChunk builds one file segment frame.
func NewFileChunk(sender, recipient string, fileID, seq int32, data []byte) *Packet {
	return &Packet{
		Type:      TypeFileChunk,
		SenderID:  sender,
		Recipient: recipient,
		Sequence:  seq,
		FileID:    fileID,
		Payload:   data,
	}
}

// NewFileEnd builds the transfer-closing frame carrying the authoritative
// chunk count.
func NewFileEnd(sender, recipient string, fileID int32, totalChunks int32) *Packet {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(totalChunks))
	return &Packet{Type: TypeFileEnd, SenderID: sender, Recipient: recipient, FileID: fileID, Payload: payload}
}

// TotalChunks reads the chunk count out of a FILE_END payload.
func (p *Packet) TotalChunks() (int32, error) {
	if p.Type != TypeFileEnd {
		return 0, fmt.Errorf("protocol: TotalChunks on type %d frame", p.Type)
	}
	if len(p.Payload) < 4 {
		return 0, ErrShortFrame
	}
	return int32(binary.BigEndian.Uint32(p.Payload)), nil
}

// NewClientList builds the broker's presence snapshot. Ids are joined with
// commas in the order given.
func NewClientList(ids []string) *Packet {
	return &Packet{
		Type:      TypeClientList,
		SenderID:  ServerID,
		Recipient: Broadcast,
		Payload:   []byte(clientListPrefix + strings.Join(ids, ",")),
	}
}

// ParseClientList extracts the peer ids from a CLIENT_LIST payload, dropping
// empty entries.
func ParseClientList(payload []byte) ([]string, error) {
	s := string(payload)
	if !strings.HasPrefix(s, clientListPrefix) {
		return nil, fmt.Errorf("protocol: client list payload missing %q prefix", clientListPrefix)
	}
	var ids []string
	for _, id := range strings.Split(strings.TrimPrefix(s, clientListPrefix), ",") {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// FileMetadata travels in the FILE_START payload.
type FileMetadata struct {
	Filename string
	Size     int64
}

// encode writes the filename with a 16-bit length prefix followed by the
// file size as a big-endian i64.
func (m FileMetadata) encode() []byte {
	name := []byte(m.Filename)
	buf := make([]byte, 2+len(name)+8)
	binary.BigEndian.PutUint16(buf, uint16(len(name)))
	copy(buf[2:], name)
	binary.BigEndian.PutUint64(buf[2+len(name):], uint64(m.Size))
	return buf
}

// FileMeta decodes the metadata out of a FILE_START payload.
func (p *Packet) FileMeta() (FileMetadata, error) {
	if p.Type != TypeFileStart {
		return FileMetadata{}, fmt.Errorf("protocol: FileMeta on type %d frame", p.Type)
	}
	if len(p.Payload) < 2 {
		return FileMetadata{}, ErrShortFrame
	}
	n := int(binary.BigEndian.Uint16(p.Payload))
	if len(p.Payload) < 2+n+8 {
		return FileMetadata{}, ErrShortFrame
	}
	name := p.Payload[2 : 2+n]
	if !utf8.Valid(name) {
		return FileMetadata{}, errors.New("protocol: filename is not valid UTF-8")
	}
	return FileMetadata{
		Filename: string(name),
		Size:     int64(binary.BigEndian.Uint64(p.Payload[2+n:])),
	}, nil
}

// TypeName reports a log-friendly name for a frame type tag.
func TypeName(t byte) string {
	switch t {
	case TypeMessage:
		return "MSG"
	case TypeFileStart:
		return "FILE_START"
	case TypeFileChunk:
		return "FILE_CHUNK"
	case TypeFileEnd:
		return "FILE_END"
	case TypeRegister:
		return "REGISTER"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeAck:
		return "ACK"
	case TypeClientList:
		return "CLIENT_LIST"
	case TypeFileAck:
		return "FILE_ACK"
	}
	return fmt.Sprintf("UNKNOWN(%d)", t)
}
