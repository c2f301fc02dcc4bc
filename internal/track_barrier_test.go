package internal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrierOpensAtExpectedCount(t *testing.T) {
	calls := 0
	b := NewTrackBarrier(2, func() error {
		calls++
		return nil
	})

	assert.False(t, b.Ready())
	require.NoError(t, b.TrackAdded())
	assert.False(t, b.Ready())
	assert.Equal(t, 0, calls)

	require.NoError(t, b.TrackAdded())
	assert.True(t, b.Ready())
	// onReadyはN個目の登録でちょうど1回だけ走る
	assert.Equal(t, 1, calls)

	assert.NoError(t, b.AwaitReady(time.Second))
}

func TestBarrierSingleTrack(t *testing.T) {
	started := false
	b := NewTrackBarrier(1, func() error {
		started = true
		return nil
	})

	require.NoError(t, b.TrackAdded())
	assert.True(t, b.Ready())
	assert.True(t, started)
}

func TestBarrierRejectsExtraTrack(t *testing.T) {
	b := NewTrackBarrier(1, nil)
	require.NoError(t, b.TrackAdded())

	err := b.TrackAdded()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestBarrierPropagatesOnReadyError(t *testing.T) {
	boom := errors.New("container start failed")
	b := NewTrackBarrier(1, func() error { return boom })

	err := b.TrackAdded()
	assert.ErrorIs(t, err, boom)
	// 待っている側にも同じエラーが見える
	assert.ErrorIs(t, b.AwaitReady(time.Second), boom)
}

func TestBarrierAwaitTimesOut(t *testing.T) {
	b := NewTrackBarrier(2, nil)
	require.NoError(t, b.TrackAdded())

	err := b.AwaitReady(10 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
}
