// Package metainfo parses bencoded .torrent files into the Torrent value
// the rest of the engine consumes: info_hash, piece hashes, and the
// ordered file list.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	"github.com/nwagner/gotorrent/bencode"
)

// ErrMetainfo is the base sentinel for malformed or incomplete metainfo.
// Specific failures wrap it so callers can match with errors.Is.
var ErrMetainfo = errors.New("metainfo: invalid torrent file")

const hashLen = 20

// File is one entry of a torrent's file list. Single-file torrents are
// represented as a one-element Files slice.
type File struct {
	Path   []string
	Length int
}

// Torrent is the immutable, parsed view of a .torrent file.
type Torrent struct {
	InfoHash    [hashLen]byte
	Name        string
	PieceLength int
	PieceHashes [][hashLen]byte
	TotalLength int
	Files       []File
	// MultiFile is true when the torrent declared an "info.files" list
	// rather than a single "info.length" — FileMapper nests this
	// torrent's files under a Name subdirectory only in this case.
	MultiFile    bool
	Announce     string
	AnnounceList [][]string
}

// AnnounceURLs flattens announce and announce-list into a deduplicated,
// order-preserving slice, per spec §6 ("announce-list... flattened by the
// engine").
func (t *Torrent) AnnounceURLs() []string {
	seen := make(map[string]struct{})
	var urls []string
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	add(t.Announce)
	for _, tier := range t.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return urls
}

// PieceSize returns the size in bytes of the piece at index, accounting
// for a shorter final piece.
func (t *Torrent) PieceSize(index int) int {
	begin := index * t.PieceLength
	end := begin + t.PieceLength
	if end > t.TotalLength {
		end = t.TotalLength
	}
	return end - begin
}

type rawMetainfo struct {
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
	Info         bencode.RawMessage `bencode:"info"`
}

type rawFile struct {
	Length int      `bencode:"length"`
	Path   []string `bencode:"path"`
}

type rawInfo struct {
	Name        string    `bencode:"name"`
	PieceLength int       `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Length      int       `bencode:"length"`
	Files       []rawFile `bencode:"files,omitempty"`
}

// Parse decodes a .torrent file from r.
func Parse(r io.Reader) (*Torrent, error) {
	var raw rawMetainfo
	if err := bencode.Decode(r, &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding top-level dictionary: %v", ErrMetainfo, err)
	}
	if len(raw.Info) == 0 {
		return nil, fmt.Errorf("%w: missing \"info\" dictionary", ErrMetainfo)
	}

	var info rawInfo
	if err := bencode.Decode(bytes.NewReader(raw.Info), &info); err != nil {
		return nil, fmt.Errorf("%w: decoding info dictionary: %v", ErrMetainfo, err)
	}
	if info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: piece length must be positive, got %d", ErrMetainfo, info.PieceLength)
	}

	pieceHashes, err := splitPieceHashes(info.Pieces)
	if err != nil {
		return nil, err
	}

	t := &Torrent{
		InfoHash:     sha1.Sum(raw.Info),
		Name:         info.Name,
		PieceLength:  info.PieceLength,
		PieceHashes:  pieceHashes,
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
	}

	if len(info.Files) == 0 {
		if info.Length <= 0 {
			return nil, fmt.Errorf("%w: single-file torrent must declare a positive length", ErrMetainfo)
		}
		t.TotalLength = info.Length
		t.Files = []File{{Path: []string{info.Name}, Length: info.Length}}
	} else {
		t.MultiFile = true
		t.Files = make([]File, len(info.Files))
		total := 0
		for i, f := range info.Files {
			t.Files[i] = File{Path: f.Path, Length: f.Length}
			total += f.Length
		}
		t.TotalLength = total
	}

	if expected := len(pieceHashes) * t.PieceLength; t.TotalLength > expected {
		return nil, fmt.Errorf("%w: total length %d exceeds %d pieces of length %d", ErrMetainfo, t.TotalLength, len(pieceHashes), t.PieceLength)
	}

	return t, nil
}

func splitPieceHashes(pieces string) ([][hashLen]byte, error) {
	if len(pieces)%hashLen != 0 {
		return nil, fmt.Errorf("%w: pieces string length %d is not a multiple of %d", ErrMetainfo, len(pieces), hashLen)
	}
	n := len(pieces) / hashLen
	hashes := make([][hashLen]byte, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], pieces[i*hashLen:(i+1)*hashLen])
	}
	return hashes, nil
}
