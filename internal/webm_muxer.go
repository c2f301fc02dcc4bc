package internal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Matroska (MKV) EBML IDs
const (
	ebmlSegment     = 0x18538067
	ebmlInfo        = 0x1549A966
	ebmlTracks      = 0x1654AE6B
	ebmlCluster     = 0x1F43B675
	ebmlTimecode    = 0xE7
	ebmlSimpleBlock = 0xA3

	// Info elements
	ebmlTimecodeScale = 0x2AD7B1
	ebmlMuxingApp     = 0x4D80
	ebmlWritingApp    = 0x5741

	// Track elements
	ebmlTrackEntry        = 0xAE
	ebmlTrackNumber       = 0xD7
	ebmlTrackUID          = 0x73C5
	ebmlTrackType         = 0x83
	ebmlCodecID           = 0x86
	ebmlCodecPrivate      = 0x63A2
	ebmlVideo             = 0xE0
	ebmlAudio             = 0xE1
	ebmlPixelWidth        = 0xB0
	ebmlPixelHeight       = 0xBA
	ebmlSamplingFrequency = 0xB5
	ebmlChannels          = 0x9F
	ebmlColourSpace       = 0x2EB524

	// Track types
	ebmlTrackTypeVideo = 0x01
	ebmlTrackTypeAudio = 0x02
)

// WebMMuxer はMatroskaコンテナを1ファイルに書き出すmuxer。
// 全トラックのAddTrackが済むまでStartできず、Start前の書き込みは順序違反。
type WebMMuxer struct {
	mu sync.Mutex

	path      string
	file      *os.File
	writer    io.Writer
	bufWriter *bufio.Writer

	tracks      []TrackFormat
	lastPtsUs   []int64
	started     bool
	finalized   bool
	clusterTime uint64
	clusterOpen bool
}

func NewWebMMuxer(path string) (*WebMMuxer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	bufWriter := bufio.NewWriterSize(f, 64*1024) // 64KB buffer
	return &WebMMuxer{
		path:      path,
		file:      f,
		writer:    bufWriter,
		bufWriter: bufWriter,
	}, nil
}

func (m *WebMMuxer) AddTrack(format TrackFormat) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return -1, fmt.Errorf("%w: add track after muxer start", ErrProtocol)
	}
	m.tracks = append(m.tracks, format)
	m.lastPtsUs = append(m.lastPtsUs, -1)
	return len(m.tracks) - 1, nil
}

// Start はヘッダー一式を書き出して書き込み可能にする
func (m *WebMMuxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("%w: muxer started twice", ErrProtocol)
	}
	if len(m.tracks) == 0 {
		return fmt.Errorf("%w: muxer started with no tracks", ErrProtocol)
	}

	if err := m.writeEBMLHeader(); err != nil {
		return fmt.Errorf("failed to write EBML header: %w", err)
	}
	if err := m.writeSegmentHeader(); err != nil {
		return fmt.Errorf("failed to write segment header: %w", err)
	}
	if err := m.writeInfo(); err != nil {
		return fmt.Errorf("failed to write info: %w", err)
	}
	if err := m.writeTracks(); err != nil {
		return fmt.Errorf("failed to write tracks: %w", err)
	}
	if err := m.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush headers: %w", err)
	}
	m.started = true
	logrus.WithFields(logrus.Fields{"path": m.path, "tracks": len(m.tracks)}).Info("muxer started")
	return nil
}

func (m *WebMMuxer) WriteSample(track int, data []byte, info BufferInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return fmt.Errorf("%w: sample write before muxer start", ErrProtocol)
	}
	if m.finalized {
		return fmt.Errorf("%w: sample write after finalize", ErrProtocol)
	}
	if track < 0 || track >= len(m.tracks) {
		return fmt.Errorf("invalid track index %d", track)
	}
	if info.PtsUs < m.lastPtsUs[track] {
		logrus.WithFields(logrus.Fields{"track": track, "pts_us": info.PtsUs, "last_us": m.lastPtsUs[track]}).
			Warn("non-monotonic presentation timestamp")
	}
	m.lastPtsUs[track] = info.PtsUs

	timecode := uint64(info.PtsUs / 1000)
	keyframe := info.Flags&FlagKeyFrame != 0
	isVideo := m.tracks[track].Kind == TrackVideo

	// Start a new cluster on video keyframes or every second.
	needNewCluster := !m.clusterOpen
	if keyframe && isVideo {
		needNewCluster = true
	} else if timecode > m.clusterTime && timecode-m.clusterTime > 1000 {
		needNewCluster = true
	}
	if needNewCluster {
		if err := m.startNewCluster(timecode); err != nil {
			return fmt.Errorf("failed to start new cluster: %w", err)
		}
	}

	block := &bytes.Buffer{}

	// Track number (variable size integer), 1-based in the container
	if err := m.writeVarInt(block, uint64(track+1)); err != nil {
		return fmt.Errorf("failed to write track number: %w", err)
	}

	// Timecode (relative to cluster)
	relativeTime := int16(timecode - m.clusterTime)
	if err := binary.Write(block, binary.BigEndian, relativeTime); err != nil {
		return fmt.Errorf("failed to write timecode: %w", err)
	}

	flags := byte(0)
	if keyframe || !isVideo {
		flags |= 0x80
	}
	if err := block.WriteByte(flags); err != nil {
		return fmt.Errorf("failed to write flags: %w", err)
	}

	if _, err := block.Write(data); err != nil {
		return fmt.Errorf("failed to write frame data: %w", err)
	}

	if err := m.writeEBMLElement(m.writer, ebmlSimpleBlock, block.Bytes()); err != nil {
		return fmt.Errorf("failed to write simple block: %w", err)
	}
	return nil
}

// Finalize flushes and closes the container file.
func (m *WebMMuxer) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return nil
	}
	if !m.started {
		return fmt.Errorf("%w: finalize before start", ErrProtocol)
	}
	m.finalized = true
	if err := m.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush final data: %w", err)
	}
	return m.file.Close()
}

// Discard は不完全な出力ファイルを破棄する
func (m *WebMMuxer) Discard() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return nil
	}
	m.finalized = true
	_ = m.file.Close()
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove partial output: %w", err)
	}
	logrus.WithField("path", m.path).Info("partial output discarded")
	return nil
}

func (m *WebMMuxer) writeEBMLHeader() error {
	header := []byte{
		0x1A, 0x45, 0xDF, 0xA3, // EBML
		0x9F,                   // size (31 bytes)
		0x42, 0x86, 0x81, 0x01, // EBMLVersion = 1
		0x42, 0xF7, 0x81, 0x01, // EBMLReadVersion = 1
		0x42, 0xF2, 0x81, 0x04, // EBMLMaxIDLength = 4
		0x42, 0xF3, 0x81, 0x08, // EBMLMaxSizeLength = 8
		0x42, 0x82, 0x88, 0x6D, 0x61, 0x74, 0x72, 0x6F, 0x73, 0x6B, 0x61, // DocType = "matroska"
		0x42, 0x87, 0x81, 0x04, // DocTypeVersion = 4
		0x42, 0x85, 0x81, 0x02, // DocTypeReadVersion = 2
	}
	_, err := m.writer.Write(header)
	return err
}

func (m *WebMMuxer) writeSegmentHeader() error {
	// Segment with unknown size (0x01FFFFFFFFFFFFFF)
	_, err := m.writer.Write([]byte{0x18, 0x53, 0x80, 0x67, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	return err
}

func (m *WebMMuxer) writeInfo() error {
	info := &bytes.Buffer{}

	// TimecodeScale (1ms = 1000000ns)
	if err := m.writeEBMLElement(info, ebmlTimecodeScale, m.encodeUInt(1000000)); err != nil {
		return err
	}
	if err := m.writeEBMLElement(info, ebmlMuxingApp, []byte("layerbake")); err != nil {
		return err
	}
	if err := m.writeEBMLElement(info, ebmlWritingApp, []byte("layerbake")); err != nil {
		return err
	}
	return m.writeEBMLElement(m.writer, ebmlInfo, info.Bytes())
}

func (m *WebMMuxer) writeTracks() error {
	tracks := &bytes.Buffer{}

	for i, format := range m.tracks {
		entry := &bytes.Buffer{}
		num := uint64(i + 1)
		if err := m.writeEBMLElement(entry, ebmlTrackNumber, m.encodeUInt(num)); err != nil {
			return err
		}
		if err := m.writeEBMLElement(entry, ebmlTrackUID, m.encodeUInt(num)); err != nil {
			return err
		}

		trackType := byte(ebmlTrackTypeVideo)
		if format.Kind == TrackAudio {
			trackType = ebmlTrackTypeAudio
		}
		if err := m.writeEBMLElement(entry, ebmlTrackType, []byte{trackType}); err != nil {
			return err
		}
		if err := m.writeEBMLElement(entry, ebmlCodecID, []byte(format.CodecID)); err != nil {
			return err
		}
		if len(format.CodecPrivate) > 0 {
			if err := m.writeEBMLElement(entry, ebmlCodecPrivate, format.CodecPrivate); err != nil {
				return err
			}
		}

		switch format.Kind {
		case TrackVideo:
			settings := &bytes.Buffer{}
			if err := m.writeEBMLElement(settings, ebmlPixelWidth, m.encodeUInt(uint64(format.Width))); err != nil {
				return err
			}
			if err := m.writeEBMLElement(settings, ebmlPixelHeight, m.encodeUInt(uint64(format.Height))); err != nil {
				return err
			}
			if format.CodecID == "V_UNCOMPRESSED" {
				if err := m.writeEBMLElement(settings, ebmlColourSpace, []byte("RGBA")); err != nil {
					return err
				}
			}
			if err := m.writeEBMLElement(entry, ebmlVideo, settings.Bytes()); err != nil {
				return err
			}
		case TrackAudio:
			settings := &bytes.Buffer{}
			if err := m.writeEBMLElement(settings, ebmlSamplingFrequency, m.encodeFloat(float64(format.SampleRate))); err != nil {
				return err
			}
			if err := m.writeEBMLElement(settings, ebmlChannels, m.encodeUInt(uint64(format.Channels))); err != nil {
				return err
			}
			if err := m.writeEBMLElement(entry, ebmlAudio, settings.Bytes()); err != nil {
				return err
			}
		}

		if err := m.writeEBMLElement(tracks, ebmlTrackEntry, entry.Bytes()); err != nil {
			return err
		}
	}

	return m.writeEBMLElement(m.writer, ebmlTracks, tracks.Bytes())
}

func (m *WebMMuxer) startNewCluster(timecode uint64) error {
	m.clusterTime = timecode
	m.clusterOpen = true

	// Write Cluster element with unknown size
	if _, err := m.writer.Write([]byte{0x1F, 0x43, 0xB6, 0x75, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}); err != nil {
		return err
	}
	return m.writeEBMLElement(m.writer, ebmlTimecode, m.encodeUInt(timecode))
}

func (m *WebMMuxer) writeEBMLElement(w io.Writer, id uint32, data []byte) error {
	if err := m.writeEBMLID(w, id); err != nil {
		return err
	}
	if err := m.writeVarInt(w, uint64(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func (m *WebMMuxer) writeEBMLID(w io.Writer, id uint32) error {
	if id <= 0xFF {
		_, err := w.Write([]byte{byte(id)})
		return err
	} else if id <= 0xFFFF {
		return binary.Write(w, binary.BigEndian, uint16(id))
	} else if id <= 0xFFFFFF {
		_, err := w.Write([]byte{byte(id >> 16), byte(id >> 8), byte(id)})
		return err
	}
	return binary.Write(w, binary.BigEndian, id)
}

func (m *WebMMuxer) writeVarInt(w io.Writer, n uint64) error {
	if n < 127 {
		_, err := w.Write([]byte{byte(n | 0x80)})
		return err
	} else if n < 16383 {
		_, err := w.Write([]byte{byte((n >> 8) | 0x40), byte(n)})
		return err
	} else if n < 2097151 {
		_, err := w.Write([]byte{byte((n >> 16) | 0x20), byte(n >> 8), byte(n)})
		return err
	} else if n < 268435455 {
		_, err := w.Write([]byte{byte((n >> 24) | 0x10), byte(n >> 16), byte(n >> 8), byte(n)})
		return err
	}
	return fmt.Errorf("VarInt too large: %d", n)
}

func (m *WebMMuxer) encodeUInt(n uint64) []byte {
	buf := make([]byte, 8)
	size := 0
	for i := 7; i >= 0; i-- {
		if n > 0 || size > 0 {
			buf[size] = byte(n >> (uint(i) * 8))
			size++
		}
	}
	if size == 0 {
		return []byte{0}
	}
	return buf[:size]
}

func (m *WebMMuxer) encodeFloat(f float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(f))
	return buf
}
