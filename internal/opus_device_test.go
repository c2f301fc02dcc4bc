package internal

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpusHeadLayout(t *testing.T) {
	head := opusHead(2, 48000)
	require.Len(t, head, 19)

	assert.Equal(t, "OpusHead", string(head[:8]))
	assert.Equal(t, byte(1), head[8])
	assert.Equal(t, byte(2), head[9])
	assert.Equal(t, uint16(3840), binary.LittleEndian.Uint16(head[10:]))
	assert.Equal(t, uint32(48000), binary.LittleEndian.Uint32(head[12:]))
	// output gain and mapping family stay zero
	assert.Equal(t, []byte{0, 0, 0}, head[16:])
}

func TestNewOpusDeviceRejectsUnsupportedConfig(t *testing.T) {
	_, err := NewOpusDevice(44100, 2)
	assert.Error(t, err)

	_, err = NewOpusDevice(48000, 6)
	assert.Error(t, err)
}
