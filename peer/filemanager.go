package peer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"relaywire/protocol"
)

// DefaultReceiveDir is where assembled inbound files land.
const DefaultReceiveDir = "received_files"

// MissingChunksError reports a transfer that ended with gaps. Missing holds
// the absent sequence numbers in ascending order.
type MissingChunksError struct {
	Filename string
	Missing  []int32
}

func (e *MissingChunksError) Error() string {
	return fmt.Sprintf("file %s incomplete: %d chunks missing %v", e.Filename, len(e.Missing), e.Missing)
}

// receptionKey identifies one inbound transfer. Keying by sender and file id
// together keeps two senders with colliding file ids apart.
type receptionKey struct {
	sender string
	fileID int32
}

// reception accumulates the chunks of one inbound transfer.
type reception struct {
	meta   protocol.FileMetadata
	chunks map[int32][]byte
}

// FileManager owns inbound transfer state and reassembly, plus outbound
// file segmentation. Safe for use from the receive and transfer goroutines.
type FileManager struct {
	dir string

	mu      sync.Mutex
	inbound map[receptionKey]*reception
}

// NewFileManager returns a manager that assembles files under dir.
func NewFileManager(dir string) *FileManager {
	if dir == "" {
		dir = DefaultReceiveDir
	}
	return &FileManager{
		dir:     dir,
		inbound: make(map[receptionKey]*reception),
	}
}

// StartReception opens inbound state for a transfer announced by FILE_START.
// A duplicate announcement resets nothing; chunks already held are kept.
func (m *FileManager) StartReception(sender string, fileID int32, meta protocol.FileMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := receptionKey{sender: sender, fileID: fileID}
	r, ok := m.inbound[key]
	if !ok {
		r = &reception{chunks: make(map[int32][]byte)}
		m.inbound[key] = r
	}
	r.meta = meta
}

// AddChunk stores one inbound segment. Only the first arrival of a sequence
// number is kept; retransmitted duplicates are dropped. Chunks that outrun
// their FILE_START are buffered under empty metadata until it arrives.
// It returns the number of chunks held so far.
func (m *FileManager) AddChunk(sender string, fileID, seq int32, data []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := receptionKey{sender: sender, fileID: fileID}
	r, ok := m.inbound[key]
	if !ok {
		r = &reception{chunks: make(map[int32][]byte)}
		m.inbound[key] = r
	}
	if _, dup := r.chunks[seq]; dup {
		return len(r.chunks)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	r.chunks[seq] = buf
	return len(r.chunks)
}

// Meta returns the announced metadata for an inbound transfer, if known.
func (m *FileManager) Meta(sender string, fileID int32) (protocol.FileMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.inbound[receptionKey{sender: sender, fileID: fileID}]
	if !ok {
		return protocol.FileMetadata{}, false
	}
	return r.meta, true
}

// Finish closes an inbound transfer against the authoritative chunk count
// from FILE_END. With every sequence number 0..total-1 present it assembles
// the chunks in order and writes the file atomically under the receive
// directory, returning the final path. Gaps fail the transfer with a
// *MissingChunksError. Either way the reception state is released.
func (m *FileManager) Finish(sender string, fileID, total int32) (string, error) {
	m.mu.Lock()
	key := receptionKey{sender: sender, fileID: fileID}
	r, ok := m.inbound[key]
	delete(m.inbound, key)
	m.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("peer: no transfer state for file %d from %s", fileID, sender)
	}

	var missing []int32
	for seq := int32(0); seq < total; seq++ {
		if _, ok := r.chunks[seq]; !ok {
			missing = append(missing, seq)
		}
	}
	if len(missing) > 0 {
		return "", &MissingChunksError{Filename: r.meta.Filename, Missing: missing}
	}

	name := r.meta.Filename
	if name == "" {
		name = fmt.Sprintf("file-%d", fileID)
	}
	return m.assemble(filepath.Base(name), r.chunks, total)
}

// assemble writes the ordered chunks to a temporary file and renames it into
// place, so readers never observe a half-written file. An existing file with
// the same name is overwritten.
func (m *FileManager) assemble(name string, chunks map[int32][]byte, total int32) (string, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("peer: create receive dir: %w", err)
	}
	tmp, err := os.CreateTemp(m.dir, name+".partial-*")
	if err != nil {
		return "", fmt.Errorf("peer: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	for seq := int32(0); seq < total; seq++ {
		if _, err := tmp.Write(chunks[seq]); err != nil {
			tmp.Close()
			return "", fmt.Errorf("peer: write chunk %d: %w", seq, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("peer: close temp file: %w", err)
	}

	final := filepath.Join(m.dir, name)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("peer: finalize %s: %w", name, err)
	}
	return final, nil
}

// PendingChunks reports how many chunks an inbound transfer holds.
func (m *FileManager) PendingChunks(sender string, fileID int32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.inbound[receptionKey{sender: sender, fileID: fileID}]
	if !ok {
		return 0
	}
	return len(r.chunks)
}

// SplitFile reads the file at path into transfer segments of at most
// protocol.MaxChunkSize bytes. An empty file yields zero segments.
func SplitFile(path string) ([][]byte, protocol.FileMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, protocol.FileMetadata{}, fmt.Errorf("peer: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, protocol.FileMetadata{}, fmt.Errorf("peer: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, protocol.FileMetadata{}, fmt.Errorf("peer: %s is a directory", path)
	}

	var chunks [][]byte
	for {
		buf := make([]byte, protocol.MaxChunkSize)
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			chunks = append(chunks, buf[:n])
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, protocol.FileMetadata{}, fmt.Errorf("peer: read %s: %w", path, err)
		}
	}

	meta := protocol.FileMetadata{Filename: filepath.Base(path), Size: info.Size()}
	return chunks, meta, nil
}

// ReceivedFile is one entry of the receive directory listing.
type ReceivedFile struct {
	Name string
	Size int64
}

// ListReceived returns the files currently in the receive directory, sorted
// by name. A missing directory is an empty listing.
func (m *FileManager) ListReceived() ([]ReceivedFile, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("peer: list %s: %w", m.dir, err)
	}
	var files []ReceivedFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, ReceivedFile{Name: e.Name(), Size: info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Dir returns the receive directory path.
func (m *FileManager) Dir() string {
	return m.dir
}
