package internal

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	opus "github.com/qrtc/opus-go"
	"github.com/sirupsen/logrus"
)

// OpusDevice はOpusエンコーダーをバッファキューデバイスの契約で包む。
// PCM (S16LE interleaved) を10msフレーム単位でエンコードする。
type OpusDevice struct {
	mu sync.Mutex

	enc        *opus.OpusEncoder
	sampleRate int
	channels   int
	frameSize  int // samples per channel per frame (10ms)

	pcmBuffer      []byte
	samplesDone    int64 // total samples per channel consumed
	formatPending  bool
	formatReported bool
	eosQueued      bool

	outQueue  []outputEntry
	dequeued  map[int]outputEntry
	nextOutIx int

	released bool
}

func NewOpusDevice(sampleRate, channels int) (*OpusDevice, error) {
	if sampleRate != 48000 {
		return nil, fmt.Errorf("only 48000Hz sample rate is supported, got %d", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("only 1 or 2 channels are supported, got %d", channels)
	}

	enc, err := opus.CreateOpusEncoder(&opus.OpusEncoderConfig{
		SampleRate:  sampleRate,
		MaxChannels: channels,
		Application: opus.AppAudio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus encoder: %v", err)
	}

	// 10ms frame at 48000Hz
	frameSize := sampleRate * 10 / 1000

	logrus.WithFields(logrus.Fields{
		"rate": sampleRate, "channels": channels, "frame_samples": frameSize,
	}).Debug("Opus device initialized")

	return &OpusDevice{
		enc:        enc,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  frameSize,
		dequeued:   make(map[int]outputEntry),
	}, nil
}

func (d *OpusDevice) DequeueInputBuffer(timeout time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return -1, fmt.Errorf("device released")
	}
	if d.eosQueued {
		return -1, ErrTryAgain
	}
	return 0, nil
}

func (d *OpusDevice) QueueInputBuffer(index int, data []byte, ptsUs int64, flags int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return fmt.Errorf("device released")
	}
	if index != 0 {
		return fmt.Errorf("invalid input slot %d", index)
	}
	if flags&FlagEndOfStream != 0 {
		return d.flushLocked()
	}

	d.pcmBuffer = append(d.pcmBuffer, data...)
	return d.encodeBufferedLocked()
}

// encodeBufferedLocked は完成した10msフレーム分だけエンコードする。
// PTSは消費済みサンプル数から導出され、単調非減少になる。
func (d *OpusDevice) encodeBufferedLocked() error {
	bytesPerFrame := d.frameSize * d.channels * 2
	for len(d.pcmBuffer) >= bytesPerFrame {
		frameData := d.pcmBuffer[:bytesPerFrame]
		d.pcmBuffer = d.pcmBuffer[bytesPerFrame:]

		ptsUs := d.samplesDone * 1e6 / int64(d.sampleRate)

		// Output buffer for encoded Opus data (max Opus frame size is ~1500 bytes)
		outBuf := make([]byte, 1500)
		n, err := d.enc.Encode(frameData, outBuf)
		if err != nil {
			// エンコード失敗時もサンプル消費分だけ時刻を進める
			logrus.WithError(err).Warn("opus encode error, skipping frame")
			d.samplesDone += int64(d.frameSize)
			continue
		}
		d.samplesDone += int64(d.frameSize)
		if n <= 0 {
			continue
		}
		d.outQueue = append(d.outQueue, outputEntry{
			data: outBuf[:n],
			info: BufferInfo{Size: n, PtsUs: ptsUs},
		})
		if !d.formatReported {
			d.formatPending = true
		}
	}
	return nil
}

// flushLocked は半端なPCMを無音でパディングして吐き切り、
// 最後のエントリにend-of-streamフラグを立てる。
func (d *OpusDevice) flushLocked() error {
	if d.eosQueued {
		return nil
	}
	d.eosQueued = true

	bytesPerFrame := d.frameSize * d.channels * 2
	if rem := len(d.pcmBuffer) % bytesPerFrame; rem != 0 {
		d.pcmBuffer = append(d.pcmBuffer, make([]byte, bytesPerFrame-rem)...)
	}
	if err := d.encodeBufferedLocked(); err != nil {
		return err
	}

	if n := len(d.outQueue); n > 0 {
		d.outQueue[n-1].info.Flags |= FlagEndOfStream
	} else {
		d.outQueue = append(d.outQueue, outputEntry{
			info: BufferInfo{Flags: FlagEndOfStream},
		})
		if !d.formatReported {
			d.formatPending = true
		}
	}
	return nil
}

func (d *OpusDevice) SignalEndOfInput() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return fmt.Errorf("device released")
	}
	return d.flushLocked()
}

func (d *OpusDevice) DequeueOutputBuffer(timeout time.Duration) (int, BufferInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return -1, BufferInfo{}, fmt.Errorf("device released")
	}
	if d.formatPending {
		d.formatPending = false
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

func (d *OpusDevice) OutputBuffer(index int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.dequeued[index]
	if !ok {
		return nil, fmt.Errorf("output buffer %d not dequeued", index)
	}
	return entry.data, nil
}

func (d *OpusDevice) OutputFormat() (TrackFormat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.formatReported {
		return TrackFormat{}, fmt.Errorf("output format not known yet")
	}
	return TrackFormat{
		Kind:         TrackAudio,
		CodecID:      "A_OPUS",
		SampleRate:   d.sampleRate,
		Channels:     d.channels,
		CodecPrivate: opusHead(d.channels, d.sampleRate),
	}, nil
}

func (d *OpusDevice) ReleaseOutputBuffer(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.dequeued, index)
}

func (d *OpusDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return
	}
	d.released = true
	if d.enc != nil {
		d.enc.Close()
		d.enc = nil
	}
}

// opusHead builds the OpusHead CodecPrivate block Matroska players expect.
func opusHead(channels, sampleRate int) []byte {
	head := make([]byte, 19)
	copy(head, "OpusHead")
	head[8] = 1 // version
	head[9] = byte(channels)
	binary.LittleEndian.PutUint16(head[10:], 3840) // pre-skip (80ms @48k)
	binary.LittleEndian.PutUint32(head[12:], uint32(sampleRate))
	// output gain 0, mapping family 0
	return head
}
