package internal

import (
	"fmt"
	"image"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/remko/go-mkvparse"
	"github.com/sirupsen/logrus"
)

type rawFrame struct {
	tsMs int64
	pix  []byte
}

// MKVSource はデコード済みメディアを収めたMKV(非圧縮RGBA映像 + PCM音声)を
// フレームソース/オーディオソースとして公開する。ベイク用素材は短尺なので
// クラスターを全てメモリへ先読みする。
type MKVSource struct {
	mu sync.Mutex

	width  int
	height int

	frames     []rawFrame
	durationMs int64
	posMs      int64

	pcm        []byte
	pcmPos     int
	sampleRate int
	channels   int
	hasAudio   bool
}

// OpenMKVSource parses the whole file up front and validates the tracks.
func OpenMKVSource(path string) (*MKVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	defer f.Close()

	h := newMKVSourceHandler()
	if err := mkvparse.Parse(f, h); err != nil {
		return nil, fmt.Errorf("failed to parse MKV: %w", err)
	}

	if h.videoTrack < 0 {
		return nil, fmt.Errorf("no uncompressed RGBA video track found in %s", path)
	}
	if h.width <= 0 || h.height <= 0 {
		return nil, fmt.Errorf("could not determine video dimensions")
	}

	src := &MKVSource{
		width:      h.width,
		height:     h.height,
		frames:     h.frames,
		pcm:        h.pcm,
		sampleRate: h.sampleRate,
		channels:   h.channels,
		hasAudio:   h.audioTrack >= 0,
	}
	sort.SliceStable(src.frames, func(i, j int) bool {
		return src.frames[i].tsMs < src.frames[j].tsMs
	})

	if h.durationMs > 0 {
		src.durationMs = h.durationMs
	} else if n := len(src.frames); n > 1 {
		// 最終フレームの表示時間はフレーム間隔の平均で見積もる
		interval := src.frames[n-1].tsMs / int64(n-1)
		src.durationMs = src.frames[n-1].tsMs + interval
	} else if n == 1 {
		src.durationMs = src.frames[0].tsMs
	}

	logrus.WithFields(logrus.Fields{
		"path": path, "frames": len(src.frames),
		"size":     fmt.Sprintf("%dx%d", src.width, src.height),
		"audio":    src.hasAudio,
		"duration": time.Duration(src.durationMs) * time.Millisecond,
	}).Info("MKV source loaded")
	return src, nil
}

// CurrentFrame returns the frame at the current playback position.
func (s *MKVSource) CurrentFrame() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	// posMs 以下で最大のタイムスタンプを持つフレーム
	i := sort.Search(len(s.frames), func(i int) bool {
		return s.frames[i].tsMs > s.posMs
	})
	if i == 0 {
		i = 1
	}
	frame := s.frames[i-1]

	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	copy(img.Pix, frame.pix)
	return img
}

func (s *MKVSource) AspectRatio() float64 {
	if s.height == 0 {
		return 0
	}
	return float64(s.width) / float64(s.height)
}

func (s *MKVSource) DurationMs() int64 {
	return s.durationMs
}

// SetPositionMs advances the pull position used by CurrentFrame.
func (s *MKVSource) SetPositionMs(ms int64) {
	s.mu.Lock()
	s.posMs = ms
	s.mu.Unlock()
}

func (s *MKVSource) HasAudio() bool { return s.hasAudio }

func (s *MKVSource) SampleRate() int { return s.sampleRate }

func (s *MKVSource) Channels() int { return s.channels }

// ReadPCM pulls the next chunk of interleaved S16LE samples.
func (s *MKVSource) ReadPCM(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pcmPos >= len(s.pcm) {
		return 0, io.EOF
	}
	n := copy(buf, s.pcm[s.pcmPos:])
	s.pcmPos += n
	return n, nil
}

// mkvSourceHandler collects track metadata and block payloads.
type mkvSourceHandler struct {
	width      int
	height     int
	sampleRate int
	channels   int
	durationMs int64

	videoTrack int64
	audioTrack int64

	timecodeScale uint64
	clusterTimeMs int64

	inTrackEntry bool
	curTrackNum  int64
	curTrackType int64
	curCodecID   string

	frames []rawFrame
	pcm    []byte
}

func newMKVSourceHandler() *mkvSourceHandler {
	return &mkvSourceHandler{
		videoTrack:    -1,
		audioTrack:    -1,
		timecodeScale: 1000000, // default 1ms
		sampleRate:    48000,
		channels:      2,
	}
}

func (h *mkvSourceHandler) HandleMasterBegin(id mkvparse.ElementID, info mkvparse.ElementInfo) (bool, error) {
	switch id {
	case mkvparse.SegmentElement, mkvparse.InfoElement, mkvparse.TracksElement,
		mkvparse.ClusterElement, mkvparse.VideoElement, mkvparse.AudioElement:
		return true, nil
	case mkvparse.TrackEntryElement:
		h.inTrackEntry = true
		h.curTrackNum = -1
		h.curTrackType = 0
		h.curCodecID = ""
		return true, nil
	}
	return false, nil
}

func (h *mkvSourceHandler) HandleMasterEnd(id mkvparse.ElementID, info mkvparse.ElementInfo) error {
	if id == mkvparse.TrackEntryElement {
		h.inTrackEntry = false
		switch {
		case h.curTrackType == 1 && h.curCodecID == "V_UNCOMPRESSED":
			h.videoTrack = h.curTrackNum
		case h.curTrackType == 2 && h.curCodecID == "A_PCM/INT/LIT":
			h.audioTrack = h.curTrackNum
		default:
			logrus.WithFields(logrus.Fields{"track": h.curTrackNum, "codec": h.curCodecID}).
				Warn("ignoring unsupported track")
		}
	}
	return nil
}

func (h *mkvSourceHandler) HandleString(id mkvparse.ElementID, value string, info mkvparse.ElementInfo) error {
	if id == mkvparse.CodecIDElement && h.inTrackEntry {
		h.curCodecID = value
	}
	return nil
}

func (h *mkvSourceHandler) HandleInteger(id mkvparse.ElementID, value int64, info mkvparse.ElementInfo) error {
	switch id {
	case mkvparse.TimecodeScaleElement:
		h.timecodeScale = uint64(value)
	case mkvparse.TimecodeElement:
		h.clusterTimeMs = value * int64(h.timecodeScale) / 1000000
	case mkvparse.TrackNumberElement:
		if h.inTrackEntry {
			h.curTrackNum = value
		}
	case mkvparse.TrackTypeElement:
		if h.inTrackEntry {
			h.curTrackType = value
		}
	case mkvparse.PixelWidthElement:
		h.width = int(value)
	case mkvparse.PixelHeightElement:
		h.height = int(value)
	case mkvparse.ChannelsElement:
		h.channels = int(value)
	}
	return nil
}

func (h *mkvSourceHandler) HandleFloat(id mkvparse.ElementID, value float64, info mkvparse.ElementInfo) error {
	switch id {
	case mkvparse.SamplingFrequencyElement:
		h.sampleRate = int(value)
	case mkvparse.DurationElement:
		h.durationMs = int64(value * float64(h.timecodeScale) / 1000000)
	}
	return nil
}

func (h *mkvSourceHandler) HandleDate(id mkvparse.ElementID, value time.Time, info mkvparse.ElementInfo) error {
	return nil
}

func (h *mkvSourceHandler) HandleBinary(id mkvparse.ElementID, value []byte, info mkvparse.ElementInfo) error {
	if id != mkvparse.SimpleBlockElement {
		return nil
	}
	trackNum, relTs, payload, err := parseSimpleBlock(value)
	if err != nil {
		logrus.WithError(err).Warn("skipping malformed SimpleBlock")
		return nil
	}
	tsMs := h.clusterTimeMs + int64(relTs)

	switch trackNum {
	case h.videoTrack:
		pix := make([]byte, len(payload))
		copy(pix, payload)
		h.frames = append(h.frames, rawFrame{tsMs: tsMs, pix: pix})
	case h.audioTrack:
		h.pcm = append(h.pcm, payload...)
	}
	return nil
}

// parseSimpleBlock はSimpleBlockのヘッダー(トラック番号vint、相対時刻、
// フラグ)を剥がしてペイロードを返す
func parseSimpleBlock(b []byte) (trackNum int64, relTs int16, payload []byte, err error) {
	if len(b) < 4 {
		return 0, 0, nil, fmt.Errorf("SimpleBlock too short: %d bytes", len(b))
	}
	// Track number is an EBML vint.
	first := b[0]
	length := 0
	for mask := byte(0x80); mask != 0; mask >>= 1 {
		length++
		if first&mask != 0 {
			break
		}
	}
	if length > 8 || len(b) < length+3 {
		return 0, 0, nil, fmt.Errorf("invalid track number vint")
	}
	num := int64(first & (0xFF >> length))
	for i := 1; i < length; i++ {
		num = num<<8 | int64(b[i])
	}
	relTs = int16(uint16(b[length])<<8 | uint16(b[length+1]))
	// b[length+2] is the flags byte
	return num, relTs, b[length+3:], nil
}
