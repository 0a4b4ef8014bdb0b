package procmaps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `55d0c0a00000-55d0c0a02000 r--p 00000000 08:01 1311 /opt/game/Game.x86_64
55d0c0a02000-55d0c0a05000 r-xp 00002000 08:01 1311 /opt/game/Game.x86_64
7f1a2b000000-7f1a2b400000 r-xp 00000000 08:01 2222 /opt/game/UnityPlayer.so
7f1a2c000000-7f1a2c021000 rw-p 00000000 00:00 0
7ffd1e000000-7ffd1e021000 rw-p 00000000 00:00 0 [stack]
7f1a2d000000-7f1a2d001000 r--p 00000000 08:01 3333 /tmp/with space.so (deleted)
garbage line
`

func TestParse(t *testing.T) {
	entries := Parse(sampleMaps)
	require.Len(t, entries, 6)

	assert.Equal(t, uintptr(0x55d0c0a02000), entries[1].Start)
	assert.Equal(t, uintptr(0x55d0c0a05000), entries[1].End)
	assert.Equal(t, uintptr(0x2000), entries[1].Offset)
	assert.True(t, entries[1].Executable())
	assert.False(t, entries[1].Writable())
	assert.Equal(t, "/opt/game/UnityPlayer.so", entries[2].Path)
	assert.Equal(t, "", entries[3].Path)
	assert.Equal(t, "[stack]", entries[4].Path)
	assert.Equal(t, "/tmp/with space.so", entries[5].Path)
}

func TestContaining(t *testing.T) {
	entries := Parse(sampleMaps)

	e, err := Containing(entries, 0x7f1a2b000010)
	require.NoError(t, err)
	assert.Equal(t, "/opt/game/UnityPlayer.so", e.Path)

	_, err = Containing(entries, 0x1000)
	assert.ErrorIs(t, err, ErrNoMapping)
}

func TestParseHex(t *testing.T) {
	v, err := ParseHex("7fFf")
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x7fff), v)

	_, err = ParseHex("12g")
	assert.Error(t, err)
	_, err = ParseHex("")
	assert.Error(t, err)
}
