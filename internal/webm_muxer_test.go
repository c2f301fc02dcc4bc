package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/remko/go-mkvparse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probeHandler は検証用に書き出した結果を読み戻して集計する
type probeHandler struct {
	codecIDs     []string
	trackNumbers []int64
	clusterTimes []int64
	blockTracks  []int64
	blockTimes   []int64

	curClusterTime int64
}

func (h *probeHandler) HandleMasterBegin(id mkvparse.ElementID, info mkvparse.ElementInfo) (bool, error) {
	return true, nil
}

func (h *probeHandler) HandleMasterEnd(id mkvparse.ElementID, info mkvparse.ElementInfo) error {
	return nil
}

func (h *probeHandler) HandleString(id mkvparse.ElementID, value string, info mkvparse.ElementInfo) error {
	if id == mkvparse.CodecIDElement {
		h.codecIDs = append(h.codecIDs, value)
	}
	return nil
}

func (h *probeHandler) HandleInteger(id mkvparse.ElementID, value int64, info mkvparse.ElementInfo) error {
	switch id {
	case mkvparse.TrackNumberElement:
		h.trackNumbers = append(h.trackNumbers, value)
	case mkvparse.TimecodeElement:
		h.curClusterTime = value
		h.clusterTimes = append(h.clusterTimes, value)
	}
	return nil
}

func (h *probeHandler) HandleFloat(id mkvparse.ElementID, value float64, info mkvparse.ElementInfo) error {
	return nil
}

func (h *probeHandler) HandleDate(id mkvparse.ElementID, value time.Time, info mkvparse.ElementInfo) error {
	return nil
}

func (h *probeHandler) HandleBinary(id mkvparse.ElementID, value []byte, info mkvparse.ElementInfo) error {
	if id != mkvparse.SimpleBlockElement {
		return nil
	}
	track, relTs, _, err := parseSimpleBlock(value)
	if err != nil {
		return err
	}
	h.blockTracks = append(h.blockTracks, track)
	h.blockTimes = append(h.blockTimes, h.curClusterTime+int64(relTs))
	return nil
}

func TestMuxerLifecycleProtocol(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mkv")
	m, err := NewWebMMuxer(path)
	require.NoError(t, err)

	// トラックゼロでの開始は違反
	assert.ErrorIs(t, m.Start(), ErrProtocol)

	_, err = m.AddTrack(TrackFormat{Kind: TrackVideo, CodecID: "V_VP8", Width: 64, Height: 48})
	require.NoError(t, err)

	// 開始前の書き込みは違反
	err = m.WriteSample(0, []byte{1}, BufferInfo{Size: 1, Flags: FlagKeyFrame})
	assert.ErrorIs(t, err, ErrProtocol)

	require.NoError(t, m.Start())

	// 開始後のトラック追加と二重開始は違反
	_, err = m.AddTrack(TrackFormat{Kind: TrackAudio, CodecID: "A_OPUS"})
	assert.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, m.Start(), ErrProtocol)

	require.NoError(t, m.WriteSample(0, []byte{1, 2}, BufferInfo{Size: 2, Flags: FlagKeyFrame}))
	require.NoError(t, m.Finalize())

	// 確定後の書き込みは違反
	err = m.WriteSample(0, []byte{3}, BufferInfo{Size: 1})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestMuxerDiscardRemovesPartialOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.mkv")
	m, err := NewWebMMuxer(path)
	require.NoError(t, err)

	_, err = m.AddTrack(TrackFormat{Kind: TrackVideo, CodecID: "V_VP8", Width: 64, Height: 48})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	require.NoError(t, m.WriteSample(0, []byte{1, 2, 3}, BufferInfo{Size: 3, Flags: FlagKeyFrame}))

	require.NoError(t, m.Discard())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestMuxedFileParsesBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "av.mkv")
	m, err := NewWebMMuxer(path)
	require.NoError(t, err)

	vt, err := m.AddTrack(TrackFormat{Kind: TrackVideo, CodecID: "V_VP8", Width: 320, Height: 240})
	require.NoError(t, err)
	at, err := m.AddTrack(TrackFormat{
		Kind: TrackAudio, CodecID: "A_OPUS", SampleRate: 48000, Channels: 2,
		CodecPrivate: opusHead(2, 48000),
	})
	require.NoError(t, err)
	require.NoError(t, m.Start())

	// 2秒ぶん: 30fpsの映像(毎秒キーフレーム)と10msごとの音声
	for i := 0; i < 60; i++ {
		flags := 0
		if i%30 == 0 {
			flags = FlagKeyFrame
		}
		info := BufferInfo{Size: 4, PtsUs: int64(i) * 1e6 / 30, Flags: flags}
		require.NoError(t, m.WriteSample(vt, []byte{0, 1, 2, 3}, info))
	}
	for i := 0; i < 200; i++ {
		info := BufferInfo{Size: 2, PtsUs: int64(i) * 10000}
		require.NoError(t, m.WriteSample(at, []byte{9, 9}, info))
	}
	require.NoError(t, m.Finalize())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	h := &probeHandler{}
	require.NoError(t, mkvparse.Parse(f, h))

	assert.Equal(t, []string{"V_VP8", "A_OPUS"}, h.codecIDs)
	assert.Equal(t, []int64{1, 2}, h.trackNumbers)

	video, audio := 0, 0
	for _, tr := range h.blockTracks {
		switch tr {
		case int64(vt + 1):
			video++
		case int64(at + 1):
			audio++
		}
	}
	assert.Equal(t, 60, video)
	assert.Equal(t, 200, audio)

	// クラスターはキーフレーム境界で切られ、タイムコードは単調
	require.GreaterOrEqual(t, len(h.clusterTimes), 2)
	for i := 1; i < len(h.clusterTimes); i++ {
		assert.Greater(t, h.clusterTimes[i], h.clusterTimes[i-1])
	}
}

func TestNonMonotonicPtsIsToleratedPerTrack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pts.mkv")
	m, err := NewWebMMuxer(path)
	require.NoError(t, err)
	_, err = m.AddTrack(TrackFormat{Kind: TrackVideo, CodecID: "V_VP8", Width: 64, Height: 48})
	require.NoError(t, err)
	require.NoError(t, m.Start())

	require.NoError(t, m.WriteSample(0, []byte{1}, BufferInfo{Size: 1, PtsUs: 100000, Flags: FlagKeyFrame}))
	// 戻ったPTSは警告されるが書き込み自体は失敗しない
	require.NoError(t, m.WriteSample(0, []byte{2}, BufferInfo{Size: 1, PtsUs: 50000}))
	require.NoError(t, m.Finalize())
}
