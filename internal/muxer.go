package internal

// TrackKind は多重化するトラックの種別
type TrackKind int

const (
	TrackVideo TrackKind = iota
	TrackAudio
)

func (k TrackKind) String() string {
	if k == TrackAudio {
		return "audio"
	}
	return "video"
}

// TrackFormat はエンコーダーのformat-changedイベントで確定した
// トラックのパラメータ。add-trackより前には完全には分からない。
type TrackFormat struct {
	Kind         TrackKind
	CodecID      string // Matroska codec id, e.g. "V_VP8", "A_OPUS"
	Width        int
	Height       int
	SampleRate   int
	Channels     int
	CodecPrivate []byte
}

// Muxer はコンテナ書き出しの契約。AddTrackは全トラック分、Startより前に
// 完了していなければならず、Start前のWriteSampleは順序違反になる。
type Muxer interface {
	// AddTrack registers a track and returns its index.
	AddTrack(format TrackFormat) (int, error)

	// Start makes the muxer writable. Must be called exactly once, after
	// every expected track has been added.
	Start() error

	// WriteSample writes one encoded sample for the given track index.
	WriteSample(track int, data []byte, info BufferInfo) error

	// Finalize flushes and closes the container. Only legal after every
	// track has reached end-of-stream.
	Finalize() error

	// Discard tears the muxer down without producing a valid output.
	Discard() error
}
