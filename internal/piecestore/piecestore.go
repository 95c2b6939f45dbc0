// Package piecestore is the authoritative on-disk record of which
// pieces a torrent has. It pre-allocates sparse output files the way
// the teacher's StartDownload does, but gates visibility on a
// mutex-guarded progress bitmap instead of writing straight into an
// in-memory []bool, so commits are durable before any reader can
// observe them and a restart can resume from the sidecar file.
package piecestore

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"torrentcore/internal/bitfield"
	"torrentcore/internal/metainfo"
	"torrentcore/internal/torrenterr"
)

// fileSpan is one output file's position within the virtual
// concatenated stream of all files, mirroring BuildFileInfo's
// path/offset construction.
type fileSpan struct {
	handle *os.File
	offset int64
	length int64
}

// Store is the per-torrent piece store: sparse pre-allocated files
// plus a `<name>.progress` sidecar bitmap recording commit status.
type Store struct {
	mu sync.Mutex

	meta         metainfo.Metainfo
	files        []fileSpan
	progress     bitfield.Field
	progressPath string
}

// Open pre-creates (or reuses) the output files for meta under
// outputDir and loads any existing `.progress` sidecar, so a resumed
// run skips pieces already committed on a prior run.
func Open(meta metainfo.Metainfo, outputDir string) (*Store, error) {
	s := &Store{meta: meta}

	if err := s.buildFiles(outputDir); err != nil {
		return nil, err
	}

	s.progressPath = filepath.Join(outputDir, meta.Name+".progress")
	s.progress = bitfield.New(meta.NumPieces())

	if data, err := os.ReadFile(s.progressPath); err == nil {
		copy(s.progress, data)
	} else if !os.IsNotExist(err) {
		return nil, torrenterr.New(torrenterr.Storage, "piecestore.Open", err)
	}

	return s, nil
}

func (s *Store) buildFiles(outputDir string) error {
	if len(s.meta.Files) == 0 {
		path := filepath.Join(outputDir, s.meta.Name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return torrenterr.New(torrenterr.Storage, "piecestore.buildFiles", err)
		}
		f, err := openSparse(path, s.meta.Length)
		if err != nil {
			return err
		}
		s.files = []fileSpan{{handle: f, offset: 0, length: s.meta.Length}}
		return nil
	}

	baseDir := filepath.Join(outputDir, s.meta.Name)
	offset := int64(0)
	for _, entry := range s.meta.Files {
		parts := append([]string{baseDir}, entry.Path...)
		path := filepath.Join(parts...)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return torrenterr.New(torrenterr.Storage, "piecestore.buildFiles", err)
		}
		f, err := openSparse(path, entry.Length)
		if err != nil {
			return err
		}
		s.files = append(s.files, fileSpan{handle: f, offset: offset, length: entry.Length})
		offset += entry.Length
	}
	return nil
}

// openSparse opens (creating if needed) and truncates the output file
// at path to length, taking a non-blocking exclusive flock so two
// processes can never race writes into the same download.
func openSparse(path string, length int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, torrenterr.New(torrenterr.Storage, "piecestore.openSparse", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, torrenterr.New(torrenterr.Storage, "piecestore.openSparse", fmt.Errorf("%s is already locked by another process: %w", path, err))
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		return nil, torrenterr.New(torrenterr.Storage, "piecestore.openSparse", err)
	}
	return f, nil
}

// Has reports whether index has already been committed.
func (s *Store) Has(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress.Has(index)
}

// Missing returns the indices not yet committed, for resumed runs
// that only need to request the complement set from peers.
func (s *Store) Missing() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []int
	for i := 0; i < s.meta.NumPieces(); i++ {
		if !s.progress.Has(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// Commit verifies data's SHA-1 against piece index's expected hash,
// writes it across the file spans it touches, syncs, and only then
// flips its progress bit and persists the sidecar — so a crash between
// write and bitmap update never reports a piece as present that isn't
// fully on disk.
func (s *Store) Commit(index int, data []byte) error {
	if index < 0 || index >= s.meta.NumPieces() {
		return torrenterr.New(torrenterr.Storage, "piecestore.Commit", fmt.Errorf("index %d out of range", index))
	}
	expected := s.meta.PieceHashes[index]
	if sum := sha1.Sum(data); sum != expected {
		return torrenterr.New(torrenterr.Verification, "piecestore.Commit", fmt.Errorf("piece %d hash mismatch", index))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.progress.Has(index) {
		return nil // already committed, e.g. a duplicate completion race
	}

	pieceStart := int64(index) * s.meta.PieceLength
	pieceEnd := pieceStart + int64(len(data))

	for _, span := range s.files {
		spanEnd := span.offset + span.length
		start := max64(pieceStart, span.offset)
		end := min64(pieceEnd, spanEnd)
		if start >= end {
			continue
		}
		chunk := data[start-pieceStart : end-pieceStart]
		if _, err := span.handle.WriteAt(chunk, start-span.offset); err != nil {
			return torrenterr.New(torrenterr.Storage, "piecestore.Commit", err)
		}
		if err := span.handle.Sync(); err != nil {
			return torrenterr.New(torrenterr.Storage, "piecestore.Commit", err)
		}
	}

	s.progress.Set(index)
	pf, err := os.OpenFile(s.progressPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_SYNC, 0o644)
	if err != nil {
		return torrenterr.New(torrenterr.Storage, "piecestore.Commit", err)
	}
	_, werr := pf.Write(s.progress)
	if cerr := pf.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return torrenterr.New(torrenterr.Storage, "piecestore.Commit", werr)
	}
	return nil
}

// Read returns the bytes [begin, begin+length) of piece index, for
// serving an upload REQUEST. The piece must already be committed.
func (s *Store) Read(index int, begin, length int64) ([]byte, error) {
	s.mu.Lock()
	present := s.progress.Has(index)
	s.mu.Unlock()
	if !present {
		return nil, torrenterr.New(torrenterr.Storage, "piecestore.Read", fmt.Errorf("piece %d not committed", index))
	}

	pieceStart := int64(index)*s.meta.PieceLength + begin
	pieceEnd := pieceStart + length
	out := make([]byte, length)

	for _, span := range s.files {
		spanEnd := span.offset + span.length
		start := max64(pieceStart, span.offset)
		end := min64(pieceEnd, spanEnd)
		if start >= end {
			continue
		}
		buf := make([]byte, end-start)
		if _, err := span.handle.ReadAt(buf, start-span.offset); err != nil {
			return nil, torrenterr.New(torrenterr.Storage, "piecestore.Read", err)
		}
		copy(out[start-pieceStart:], buf)
	}
	return out, nil
}

// Complete reports whether every piece is committed.
func (s *Store) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress.All(s.meta.NumPieces())
}

// Downloaded returns the number of bytes committed so far, computed
// from the progress bitmap rather than tracked separately, so it can
// never drift from what Has/Missing report.
func (s *Store) Downloaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for i := 0; i < s.meta.NumPieces(); i++ {
		if s.progress.Has(i) {
			total += s.meta.PieceLen(i)
		}
	}
	return total
}

// Close releases all open file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, span := range s.files {
		if err := span.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
