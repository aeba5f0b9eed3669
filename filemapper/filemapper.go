// Package filemapper maps the torrent's flat piece/block address space
// onto one or more on-disk files, splitting a single write across a
// file boundary when a piece straddles one (spec §4.4).
package filemapper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nwagner/gotorrent/metainfo"
)

// ErrOutOfRange is returned when a requested byte range falls outside
// the torrent's total length.
var ErrOutOfRange = errors.New("filemapper: byte range out of bounds")

type fileSpan struct {
	path   string
	length int
	offset int // this file's starting byte offset in the flat address space
	handle *os.File
}

// Mapper owns the on-disk files backing a torrent's downloaded bytes.
// It is safe for concurrent Write calls on disjoint byte ranges; the
// caller (PieceEngine, via invariant 5) is responsible for ensuring no
// two callers write overlapping ranges concurrently.
type Mapper struct {
	root        string
	pieceLength int
	totalLength int
	spans       []fileSpan
}

// Open creates (or truncates) every file torrent describes under root
// and returns a Mapper ready to receive Write calls. Parent directories
// are created as needed for multi-file torrents.
func Open(root string, torrent *metainfo.Torrent) (*Mapper, error) {
	m := &Mapper{
		root:        root,
		pieceLength: torrent.PieceLength,
		totalLength: torrent.TotalLength,
	}

	files := torrent.Files
	multiFile := torrent.MultiFile
	if len(files) == 0 {
		files = []metainfo.File{{Path: []string{torrent.Name}, Length: torrent.TotalLength}}
		multiFile = false
	}

	offset := 0
	for _, f := range files {
		// Multi-file torrents nest under a directory named after the
		// torrent so two torrents sharing a relative file path don't
		// collide in the same output directory; single-file torrents
		// write directly under root.
		pathComponents := f.Path
		if multiFile {
			pathComponents = append([]string{torrent.Name}, f.Path...)
		}
		fullPath := filepath.Join(append([]string{root}, pathComponents...)...)
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return nil, fmt.Errorf("filemapper: creating directory for %s: %w", fullPath, err)
		}
		handle, err := os.OpenFile(fullPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("filemapper: opening %s: %w", fullPath, err)
		}
		if err := handle.Truncate(int64(f.Length)); err != nil {
			handle.Close()
			return nil, fmt.Errorf("filemapper: truncating %s: %w", fullPath, err)
		}
		m.spans = append(m.spans, fileSpan{path: fullPath, length: f.Length, offset: offset, handle: handle})
		offset += f.Length
	}

	return m, nil
}

// Write implements pieceengine.Writer: it writes data starting at
// pieceIndex's byte pieceIndex*pieceLength + offsetInPiece, splitting
// across file boundaries as needed.
func (m *Mapper) Write(pieceIndex, offsetInPiece int, data []byte) error {
	start := pieceIndex*m.pieceLength + offsetInPiece
	end := start + len(data)
	if start < 0 || end > m.totalLength {
		return ErrOutOfRange
	}

	consumed := 0
	for i := range m.spans {
		span := &m.spans[i]
		spanLo := span.offset
		spanHi := span.offset + span.length

		lo := max(start, spanLo)
		hi := min(end, spanHi)
		if lo >= hi {
			continue
		}

		chunk := data[lo-start : hi-start]
		if _, err := span.handle.WriteAt(chunk, int64(lo-spanLo)); err != nil {
			return fmt.Errorf("filemapper: writing to %s: %w", span.path, err)
		}
		consumed += len(chunk)
	}
	if consumed != len(data) {
		return ErrOutOfRange
	}
	return nil
}

// Close closes every underlying file handle.
func (m *Mapper) Close() error {
	var firstErr error
	for i := range m.spans {
		if err := m.spans[i].handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
