// Package bencode is a thin boundary over the bencode codecs used
// elsewhere in this module. Metainfo decoding needs the exact, raw bytes
// of the "info" dictionary to compute info_hash, so it goes through
// zeebo/bencode's RawMessage. Tracker HTTP responses are decoded with
// jackpal/bencode-go's package-level Marshal/Unmarshal, matching the
// shape of a typical tracker client.
package bencode

import (
	"io"

	"github.com/zeebo/bencode"
)

// RawMessage holds the verbatim bytes of a bencoded value, letting callers
// hash or re-emit it without re-encoding (which could reorder dict keys).
type RawMessage = bencode.RawMessage

// Decode reads a single bencoded value from r into v.
func Decode(r io.Reader, v interface{}) error {
	return bencode.NewDecoder(r).Decode(v)
}
