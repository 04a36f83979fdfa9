package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFramesShortHeader(t *testing.T) {
	// "ping" framed with a 2-byte header, exactly the gate's S wire format
	buf := []byte{0x00, 0x04, 'p', 'i', 'n', 'g'}
	frames, rest := splitFrames(buf, 2)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("ping"), frames[0])
	assert.Empty(t, rest)
}

func TestSplitFramesLongHeader(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x00, 0x02, 'h', 'i'}
	frames, rest := splitFrames(buf, 4)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("hi"), frames[0])
	assert.Empty(t, rest)
}

func TestSplitFramesPartial(t *testing.T) {
	// header promises 4 bytes, only 2 arrived
	buf := []byte{0x00, 0x04, 'p', 'i'}
	frames, rest := splitFrames(buf, 2)
	assert.Empty(t, frames)
	assert.Equal(t, buf, rest)

	// a lone header byte is not even a length yet
	frames, rest = splitFrames([]byte{0x00}, 2)
	assert.Empty(t, frames)
	assert.Len(t, rest, 1)
}

func TestSplitFramesMultiple(t *testing.T) {
	buf := []byte{
		0x00, 0x01, 'a',
		0x00, 0x02, 'b', 'c',
		0x00, 0x03, 'd', // trailing partial
	}
	frames, rest := splitFrames(buf, 2)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte("a"), frames[0])
	assert.Equal(t, []byte("bc"), frames[1])
	assert.Equal(t, []byte{0x00, 0x03, 'd'}, rest)
}

func TestSplitFramesEmptyFrame(t *testing.T) {
	frames, rest := splitFrames([]byte{0x00, 0x00, 0x00, 0x01, 'x'}, 2)
	require.Len(t, frames, 2)
	assert.Empty(t, frames[0])
	assert.Equal(t, []byte("x"), frames[1])
	assert.Empty(t, rest)
}

func TestSplitFramesDoesNotAliasInput(t *testing.T) {
	buf := []byte{0x00, 0x02, 'o', 'k'}
	frames, _ := splitFrames(buf, 2)
	buf[2] = 'X'
	assert.Equal(t, []byte("ok"), frames[0])
}
