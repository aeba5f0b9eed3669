package metainfo_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwagner/gotorrent/metainfo"
)

func TestParseSingleFileTorrent(t *testing.T) {
	var b strings.Builder
	b.WriteString("d")
	b.WriteString("8:announce26:http://tracker.example.com")
	b.WriteString("13:announce-list")
	b.WriteString("ll26:http://tracker.example.com25:http://backup-tracker.comee")
	b.WriteString("4:info")
	b.WriteString("d")
	b.WriteString("6:lengthi90000e")
	b.WriteString("4:name14:Torrent_Folder")
	b.WriteString("12:piece lengthi32768e")
	b.WriteString("6:pieces60:01234567890123456789abcdefghijabcdefghijABCDEFGHIJABCDEFGHIJ")
	b.WriteString("e")
	b.WriteString("e")

	tor, err := metainfo.Parse(strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Equal(t, "http://tracker.example.com", tor.Announce)
	assert.Equal(t, [][]string{{"http://tracker.example.com", "http://backup-tracker.com"}}, tor.AnnounceList)
	assert.Equal(t, "Torrent_Folder", tor.Name)
	assert.Equal(t, 32768, tor.PieceLength)
	assert.Equal(t, 90000, tor.TotalLength)
	require.Len(t, tor.PieceHashes, 3)
	assert.Equal(t, []metainfo.File{{Path: []string{"Torrent_Folder"}, Length: 90000}}, tor.Files)
	assert.False(t, tor.MultiFile)
	assert.Equal(t,
		[]string{"http://tracker.example.com", "http://backup-tracker.com"},
		tor.AnnounceURLs(),
	)
}

func TestParseMultiFileTorrent(t *testing.T) {
	var b strings.Builder
	b.WriteString("d")
	b.WriteString("8:announce26:http://tracker.example.com")
	b.WriteString("4:info")
	b.WriteString("d")
	b.WriteString("4:name14:Torrent_Folder")
	b.WriteString("12:piece lengthi20e")
	b.WriteString("6:pieces20:01234567890123456789")
	b.WriteString("5:files")
	b.WriteString("l")
	b.WriteString("d6:lengthi10e4:pathl5:a.binee")
	b.WriteString("d6:lengthi10e4:pathl5:b.binee")
	b.WriteString("e")
	b.WriteString("e")
	b.WriteString("e")

	tor, err := metainfo.Parse(strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Equal(t, []metainfo.File{
		{Path: []string{"a.bin"}, Length: 10},
		{Path: []string{"b.bin"}, Length: 10},
	}, tor.Files)
	assert.True(t, tor.MultiFile)
	assert.Equal(t, 20, tor.TotalLength)
	assert.Equal(t, 20, tor.PieceSize(0))
}

func TestParseRejectsMalformedPieces(t *testing.T) {
	var b strings.Builder
	b.WriteString("d4:info")
	b.WriteString("d4:name1:a12:piece lengthi20e6:lengthi10e6:pieces3:abce")
	b.WriteString("e")

	_, err := metainfo.Parse(strings.NewReader(b.String()))
	require.Error(t, err)
	assert.ErrorIs(t, err, metainfo.ErrMetainfo)
}

func TestParseRejectsMissingInfo(t *testing.T) {
	_, err := metainfo.Parse(strings.NewReader("d8:announce4:teste"))
	require.Error(t, err)
	assert.ErrorIs(t, err, metainfo.ErrMetainfo)
}
