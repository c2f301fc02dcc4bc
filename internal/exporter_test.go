package internal

import (
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopDevice は入力1つにつき出力1つを返すパススルーDevice。
// 実コーデックなしでエクスポート全体の配管を検証するために使う。
type loopDevice struct {
	mu     sync.Mutex
	format TrackFormat

	formatPending  bool
	formatReported bool
	// formatReports を増やすと二重フォーマット変更の異常系を再現できる
	extraFormatReports int

	frames    int64
	keyEvery  int64
	lastPtsUs int64
	eosQueued bool

	outQueue  []outputEntry
	dequeued  map[int]outputEntry
	nextOutIx int
	released  bool
}

func newLoopDevice(format TrackFormat) *loopDevice {
	keyEvery := int64(1)
	if format.Kind == TrackVideo {
		keyEvery = 30
	}
	return &loopDevice{
		format:   format,
		keyEvery: keyEvery,
		dequeued: make(map[int]outputEntry),
	}
}

func (d *loopDevice) DequeueInputBuffer(time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.eosQueued {
		return -1, ErrTryAgain
	}
	return 0, nil
}

func (d *loopDevice) QueueInputBuffer(index int, data []byte, ptsUs int64, flags int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if flags&FlagEndOfStream != 0 {
		return d.flushLocked()
	}

	outFlags := 0
	if d.frames%d.keyEvery == 0 {
		outFlags |= FlagKeyFrame
	}
	d.frames++
	d.lastPtsUs = ptsUs

	payload := []byte{byte(d.frames), byte(d.frames >> 8)}
	d.outQueue = append(d.outQueue, outputEntry{
		data: payload,
		info: BufferInfo{Size: len(payload), PtsUs: ptsUs, Flags: outFlags},
	})
	if !d.formatReported {
		d.formatPending = true
	}
	return nil
}

func (d *loopDevice) flushLocked() error {
	if d.eosQueued {
		return nil
	}
	d.eosQueued = true
	d.outQueue = append(d.outQueue, outputEntry{
		data: []byte{0xEE},
		info: BufferInfo{Size: 1, PtsUs: d.lastPtsUs, Flags: FlagKeyFrame | FlagEndOfStream},
	})
	return nil
}

func (d *loopDevice) DequeueOutputBuffer(time.Duration) (int, BufferInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.formatPending {
		d.formatPending = false
		if d.extraFormatReports > 0 {
			d.extraFormatReports--
			d.formatPending = true
		}
		d.formatReported = true
		return -1, BufferInfo{}, ErrFormatChanged
	}
	if len(d.outQueue) == 0 {
		return -1, BufferInfo{}, ErrTryAgain
	}
	entry := d.outQueue[0]
	d.outQueue = d.outQueue[1:]
	ix := d.nextOutIx
	d.nextOutIx++
	d.dequeued[ix] = entry
	return ix, entry.info, nil
}

func (d *loopDevice) OutputBuffer(index int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.dequeued[index]
	if !ok {
		return nil, ErrTryAgain
	}
	return entry.data, nil
}

func (d *loopDevice) OutputFormat() (TrackFormat, error) {
	return d.format, nil
}

func (d *loopDevice) ReleaseOutputBuffer(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.dequeued, index)
}

func (d *loopDevice) SignalEndOfInput() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *loopDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
}

// silencePCM は無音PCMを無限に供給するAudioSource
type silencePCM struct {
	rate     int
	channels int
}

func (s *silencePCM) ReadPCM(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func (s *silencePCM) SampleRate() int { return s.rate }

func (s *silencePCM) Channels() int { return s.channels }

func testComposition() (*Compositor, *Viewport) {
	vp := NewViewport(64, 48)
	comp := NewCompositor(vp)
	comp.AddLayer(LayerDescriptor{
		Tag:   "bg",
		Kind:  KindImage,
		Image: testImage(64, 48, color.RGBA{R: 40, G: 80, B: 120, A: 255}),
	})
	return comp, vp
}

func newTestExporter(cfg ExportConfig) (*Exporter, *fakeMuxer, *loopDevice, *loopDevice) {
	comp, vp := testComposition()
	e := NewExporter(comp, vp, cfg)

	mux := &fakeMuxer{}
	videoDev := newLoopDevice(TrackFormat{Kind: TrackVideo, CodecID: "V_VP8", Width: cfg.Width, Height: cfg.Height})
	audioDev := newLoopDevice(TrackFormat{Kind: TrackAudio, CodecID: "A_OPUS", SampleRate: 48000, Channels: 2})

	e.newMuxer = func() (Muxer, error) { return mux, nil }
	e.newVideoDevice = func() (Device, error) { return videoDev, nil }
	e.newAudioDevice = func() (Device, error) { return audioDev, nil }
	return e, mux, videoDev, audioDev
}

func TestExportEndToEnd(t *testing.T) {
	cfg := ExportConfig{
		Width:      64,
		Height:     48,
		FPS:        30,
		DurationMs: 5000,
		Audio:      &silencePCM{rate: 48000, channels: 2},
	}
	e, mux, _, _ := newTestExporter(cfg)

	require.NoError(t, e.Run())

	require.Len(t, mux.tracks, 2)
	assert.True(t, mux.started)
	assert.True(t, mux.finalized)
	assert.False(t, mux.discarded)

	var videoIdx, audioIdx int
	for i, f := range mux.tracks {
		if f.Kind == TrackVideo {
			videoIdx = i
		} else {
			audioIdx = i
		}
	}

	// 5秒×30fps → 150フレーム(±1)と終端マーカー1つ
	video := mux.trackSamples(videoIdx)
	data, eos := 0, 0
	for _, s := range video {
		if s.info.Flags&FlagEndOfStream != 0 {
			eos++
		} else {
			data++
		}
	}
	assert.InDelta(t, 150, data, 1)
	assert.Equal(t, 1, eos)
	// EOSは最後に書かれたサンプルが運ぶ
	assert.NotZero(t, video[len(video)-1].info.Flags&FlagEndOfStream)

	audio := mux.trackSamples(audioIdx)
	require.NotEmpty(t, audio)
	eos = 0
	for _, s := range audio {
		if s.info.Flags&FlagEndOfStream != 0 {
			eos++
		}
	}
	assert.Equal(t, 1, eos)

	// PTSはトラック内で単調
	for i := 1; i < len(video); i++ {
		assert.GreaterOrEqual(t, video[i].info.PtsUs, video[i-1].info.PtsUs)
	}
}

func TestExportVideoOnly(t *testing.T) {
	cfg := ExportConfig{
		Width:      64,
		Height:     48,
		FPS:        30,
		DurationMs: 1000,
	}
	e, mux, videoDev, _ := newTestExporter(cfg)

	require.NoError(t, e.Run())

	// 音声なしなら期待トラック数は最初から1
	require.Len(t, mux.tracks, 1)
	assert.Equal(t, TrackVideo, mux.tracks[0].Kind)
	assert.True(t, mux.finalized)
	assert.True(t, videoDev.released)
	assert.Equal(t, int64(30), videoDev.frames)
}

func TestExportCancelDiscardsOutput(t *testing.T) {
	var e *Exporter
	cfg := ExportConfig{
		Width:      64,
		Height:     48,
		FPS:        30,
		DurationMs: 5000,
		Progress: func(frac float64, done bool) {
			if frac >= 0.5 && !done {
				e.Cancel()
			}
		},
	}
	var mux *fakeMuxer
	var videoDev *loopDevice
	e, mux, videoDev, _ = newTestExporter(cfg)

	err := e.Run()
	assert.ErrorIs(t, err, ErrExportCancelled)
	// 書きかけの出力は破棄され、確定はされない
	assert.True(t, mux.discarded)
	assert.False(t, mux.finalized)
	assert.True(t, videoDev.released)
}

func TestExportAbortsOnDoubleFormatChange(t *testing.T) {
	cfg := ExportConfig{
		Width:      64,
		Height:     48,
		FPS:        30,
		DurationMs: 1000,
	}
	e, mux, videoDev, _ := newTestExporter(cfg)
	videoDev.extraFormatReports = 1

	err := e.Run()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.True(t, mux.discarded)
	assert.False(t, mux.finalized)
}

func TestExportRejectsInvalidConfig(t *testing.T) {
	comp, vp := testComposition()

	e := NewExporter(comp, vp, ExportConfig{Width: 64, Height: 48, FPS: 0, DurationMs: 1000})
	assert.Error(t, e.Run())

	e = NewExporter(comp, vp, ExportConfig{Width: 64, Height: 48, FPS: 30, DurationMs: 0})
	assert.Error(t, e.Run())
}
