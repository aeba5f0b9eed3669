package bencode_test

import (
	"bytes"
	"testing"

	jackpal "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwagner/gotorrent/bencode"
)

func TestDecodeRawMessagePreservesExactBytes(t *testing.T) {
	var wrapper struct {
		Info bencode.RawMessage `bencode:"info"`
	}
	raw := "d4:infod4:name5:hello6:lengthi10eee"
	err := bencode.Decode(bytes.NewReader([]byte(raw)), &wrapper)
	require.NoError(t, err)
	assert.Equal(t, "d4:name5:hello6:lengthi10ee", string(wrapper.Info))
}

func TestRoundTripViaJackpalCodec(t *testing.T) {
	type value struct {
		Name   string `bencode:"name"`
		Length int    `bencode:"length"`
	}
	in := value{Name: "hello", Length: 10}

	var buf bytes.Buffer
	require.NoError(t, jackpal.Marshal(&buf, in))

	var out value
	require.NoError(t, jackpal.Unmarshal(&buf, &out))
	assert.Equal(t, in, out)
}
