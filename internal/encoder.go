package internal

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Buffer flags, mirroring the hardware encoder's output metadata.
const (
	FlagKeyFrame    = 1 << 0
	FlagCodecConfig = 1 << 1
	FlagEndOfStream = 1 << 2
)

// BufferInfo はエンコード済みバッファのメタデータ
type BufferInfo struct {
	Offset int
	Size   int
	PtsUs  int64
	Flags  int
}

// Device dequeue sentinels and protocol errors.
var (
	// ErrTryAgain means no buffer is available within the bounded wait.
	// It is an expected, retryable outcome, never a failure.
	ErrTryAgain = errors.New("no buffer available, try again")

	// ErrFormatChanged is returned by DequeueOutputBuffer exactly once,
	// when the output format becomes known.
	ErrFormatChanged = errors.New("output format changed")

	// ErrProtocol marks fatal encoder protocol violations.
	ErrProtocol = errors.New("encoder protocol violation")

	// ErrStopped is returned when operating on a stopped encoder core.
	ErrStopped = errors.New("encoder core is stopped")
)

// Device はハードウェアエンコーダーのバッファキュー契約。
// dequeue系は有界待ちで、空振りは ErrTryAgain で表現される。
type Device interface {
	// DequeueInputBuffer returns an input slot index, or ErrTryAgain if
	// none frees up within the timeout.
	DequeueInputBuffer(timeout time.Duration) (int, error)

	// QueueInputBuffer submits payload bytes into the given slot.
	// FlagEndOfStream marks end of input.
	QueueInputBuffer(index int, data []byte, ptsUs int64, flags int) error

	// DequeueOutputBuffer returns an output buffer index and its
	// metadata, ErrTryAgain when nothing is ready, or ErrFormatChanged
	// exactly once before the first real buffer.
	DequeueOutputBuffer(timeout time.Duration) (int, BufferInfo, error)

	// OutputBuffer returns the bytes for a dequeued output index.
	OutputBuffer(index int) ([]byte, error)

	// OutputFormat is valid only after ErrFormatChanged was observed.
	OutputFormat() (TrackFormat, error)

	// ReleaseOutputBuffer returns the buffer to the device.
	ReleaseOutputBuffer(index int)

	// SignalEndOfInput tells the device no further input will arrive.
	SignalEndOfInput() error

	// Release stops the device and frees its resources. Must be safe
	// after partial initialization.
	Release()
}

// CoreState はEncoderCoreの状態
type CoreState int

const (
	StateConfigured CoreState = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s CoreState) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

const (
	inputDequeueTimeout  = 10 * time.Millisecond
	outputDequeueTimeout = 10 * time.Millisecond
	barrierWriteTimeout  = 5 * time.Second
)

// EncoderCore は1つのハードウェアエンコーダーを包み、エンコード済み出力を
// muxerのトラックへドレインする。音声・映像で構造は同一。
type EncoderCore struct {
	name    string
	dev     Device
	mux     Muxer
	barrier *TrackBarrier

	state      CoreState
	trackIndex int
	trackAdded bool
	eosSent    bool
	samples    int64

	// barrier待ちで書けなかった出力バッファの退避先。
	// 次のDrain呼び出しで最初に書き出される。
	pendingValid bool
	pendingIdx   int
	pendingInfo  BufferInfo
}

func NewEncoderCore(name string, dev Device, mux Muxer, barrier *TrackBarrier) *EncoderCore {
	return &EncoderCore{
		name:       name,
		dev:        dev,
		mux:        mux,
		barrier:    barrier,
		state:      StateConfigured,
		trackIndex: -1,
	}
}

func (c *EncoderCore) State() CoreState { return c.state }

// Encode は入力スロットが有界時間内に空けばペイロードを投入する。
// 空かなければ今回は何もしない(呼び出し側が次の機会に再試行する)。
// len(payload) == 0 はend-of-streamマーカーの投入を意味する。
func (c *EncoderCore) Encode(payload []byte, ptsUs int64) error {
	if c.state == StateStopped {
		return ErrStopped
	}
	idx, err := c.dev.DequeueInputBuffer(inputDequeueTimeout)
	if errors.Is(err, ErrTryAgain) {
		// Deliberate backpressure policy: drop this invocation, the
		// encoder is expected to become ready again.
		logrus.WithField("encoder", c.name).Debug("input slot not available, deferring")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: dequeue input: %w", c.name, err)
	}

	if len(payload) == 0 {
		c.eosSent = true
		c.state = StateDraining
		return c.dev.QueueInputBuffer(idx, nil, ptsUs, FlagEndOfStream)
	}

	if c.state == StateConfigured {
		c.state = StateRunning
	}
	if err := c.dev.QueueInputBuffer(idx, payload, ptsUs, 0); err != nil {
		return fmt.Errorf("%s: queue input: %w", c.name, err)
	}
	return nil
}

// Drain はエンコーダー出力をmuxerへ書き出す。endOfStreamが真なら先に
// end-of-inputを通知し、エンコーダーがEOSを確認するまでポーリングを続ける。
// 偽の場合、出力が無ければ即座に戻る(呼び出し側が後で再度呼ぶ)。
func (c *EncoderCore) Drain(endOfStream bool) error {
	if c.state == StateStopped {
		return nil
	}
	if endOfStream && !c.eosSent {
		if err := c.dev.SignalEndOfInput(); err != nil {
			return fmt.Errorf("%s: signal end of input: %w", c.name, err)
		}
		c.eosSent = true
		c.state = StateDraining
	}

	for {
		var idx int
		var info BufferInfo

		if c.pendingValid {
			idx, info = c.pendingIdx, c.pendingInfo
			c.pendingValid = false
		} else {
			var err error
			idx, info, err = c.dev.DequeueOutputBuffer(outputDequeueTimeout)
			switch {
			case errors.Is(err, ErrTryAgain):
				if !endOfStream {
					return nil
				}
				// EOSドレイン中は出力が現れるまでポーリングを続ける。
				// 1回ごとの待ちは有界で、終端確認はエンコーダーの生存性に依存する。
				continue

			case errors.Is(err, ErrFormatChanged):
				if c.trackAdded {
					return fmt.Errorf("%w: %s reported format change twice", ErrProtocol, c.name)
				}
				format, ferr := c.dev.OutputFormat()
				if ferr != nil {
					return fmt.Errorf("%s: output format: %w", c.name, ferr)
				}
				ti, aerr := c.mux.AddTrack(format)
				if aerr != nil {
					return fmt.Errorf("%s: add track: %w", c.name, aerr)
				}
				c.trackIndex = ti
				c.trackAdded = true
				if berr := c.barrier.TrackAdded(); berr != nil {
					return fmt.Errorf("%s: %w", c.name, berr)
				}
				logrus.WithFields(logrus.Fields{"encoder": c.name, "track": ti, "codec": format.CodecID}).
					Info("muxer track registered")
				continue

			case err != nil:
				// 上記2つ以外の負のステータスは回復可能なジッターとして
				// 記録だけして無視する
				logrus.WithField("encoder", c.name).WithError(err).
					Warn("unexpected dequeue status, ignoring")
				if !endOfStream {
					return nil
				}
				continue
			}
		}

		// 全トラックが揃うまでmuxerに触れない。揃う前の書き込みは順序違反。
		// 毎フレームのドレイン中はブロックせずバッファを退避して戻り、
		// もう一方のエンコーダーがトラック登録を進める機会を作る。
		if info.Size > 0 && info.Flags&FlagCodecConfig == 0 && !c.barrier.Ready() {
			if !c.trackAdded {
				c.dev.ReleaseOutputBuffer(idx)
				return fmt.Errorf("%w: %s produced data before track registration", ErrProtocol, c.name)
			}
			if !endOfStream {
				c.pendingIdx, c.pendingInfo, c.pendingValid = idx, info, true
				return nil
			}
			if err := c.barrier.AwaitReady(barrierWriteTimeout); err != nil {
				c.dev.ReleaseOutputBuffer(idx)
				return fmt.Errorf("%s: %w", c.name, err)
			}
		}

		if err := c.handleOutput(idx, info); err != nil {
			return err
		}

		if info.Flags&FlagEndOfStream != 0 {
			if !endOfStream {
				logrus.WithField("encoder", c.name).
					Warn("unexpected end of stream on output, terminating drain")
			}
			c.state = StateStopped
			return nil
		}
	}
}

func (c *EncoderCore) handleOutput(idx int, info BufferInfo) error {
	defer c.dev.ReleaseOutputBuffer(idx)

	if info.Flags&FlagCodecConfig != 0 {
		// Configuration was already captured at the format-change event;
		// the payload carries nothing the muxer still needs.
		logrus.WithField("encoder", c.name).Debug("discarding codec config buffer")
		return nil
	}
	if info.Size == 0 {
		return nil
	}
	if !c.trackAdded {
		return fmt.Errorf("%w: %s produced data before track registration", ErrProtocol, c.name)
	}

	buf, err := c.dev.OutputBuffer(idx)
	if err != nil || buf == nil {
		return fmt.Errorf("%w: %s promised output buffer %d is absent", ErrProtocol, c.name, idx)
	}
	if info.Offset+info.Size > len(buf) {
		return fmt.Errorf("%w: %s buffer %d metadata out of range", ErrProtocol, c.name, idx)
	}

	if err := c.mux.WriteSample(c.trackIndex, buf[info.Offset:info.Offset+info.Size], info); err != nil {
		return fmt.Errorf("%s: write sample: %w", c.name, err)
	}
	c.samples++
	return nil
}

// Samples returns the number of samples written to the muxer so far.
func (c *EncoderCore) Samples() int64 { return c.samples }

// Release stops and releases the underlying device. Safe to call after
// partial or failed initialization, and more than once.
func (c *EncoderCore) Release() {
	if c.dev != nil {
		c.dev.Release()
	}
	c.state = StateStopped
}
