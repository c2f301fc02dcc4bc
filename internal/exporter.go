package internal

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrExportCancelled is returned by Run when Cancel aborted the export.
var ErrExportCancelled = errors.New("export cancelled")

// ExportConfig はベイク1回分の設定
type ExportConfig struct {
	Width      int
	Height     int
	FPS        int
	DurationMs int64

	// OutputPath is the container file target. Ignored when WhipURL is set.
	OutputPath string
	// WhipURL, when non-empty, publishes the bake to a WHIP server
	// instead of writing a file.
	WhipURL string

	// Audio is the PCM source, or nil when the composition has no audio
	// track. The expected track count is fixed from this before the
	// export starts.
	Audio AudioSource

	// Progress receives a fraction in [0,1] at render-loop cadence and
	// a final call with done=true.
	Progress func(frac float64, done bool)
}

// positionable なフレームソースはエクスポートの時間軸に追従する
type positionable interface {
	SetPositionMs(int64)
}

// Exporter は合成をオフスクリーンで再レンダリングし、エンコーダーコアを
// 経由して1つのコンテナへ焼き込むオーケストレーター。
type Exporter struct {
	comp *Compositor
	vp   *Viewport
	cfg  ExportConfig

	done     chan struct{}
	cancelMu sync.Mutex

	// テストからデバイス/muxerを差し替えるためのフック
	newVideoDevice func() (Device, error)
	newAudioDevice func() (Device, error)
	newMuxer       func() (Muxer, error)
}

func NewExporter(comp *Compositor, vp *Viewport, cfg ExportConfig) *Exporter {
	e := &Exporter{
		comp: comp,
		vp:   vp,
		cfg:  cfg,
		done: make(chan struct{}),
	}
	e.newVideoDevice = func() (Device, error) {
		return NewVP8Device(cfg.Width, cfg.Height, cfg.FPS)
	}
	e.newAudioDevice = func() (Device, error) {
		return NewOpusDevice(cfg.Audio.SampleRate(), cfg.Audio.Channels())
	}
	e.newMuxer = func() (Muxer, error) {
		if cfg.WhipURL != "" {
			return NewWHIPMuxer(cfg.WhipURL), nil
		}
		return NewWebMMuxer(cfg.OutputPath)
	}
	return e
}

// Cancel はエクスポートを中断する唯一の手段。レンダーループを止め、
// 両エンコーダーを自然なEOSを待たずに解放し、書きかけの出力を破棄する。
func (e *Exporter) Cancel() {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

func (e *Exporter) cancelled() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Exporter) progress(frac float64, done bool) {
	if e.cfg.Progress != nil {
		e.cfg.Progress(frac, done)
	}
}

// Run drives the whole export and returns a single terminal error on
// failure, after best-effort cleanup of encoders and the output.
func (e *Exporter) Run() error {
	if e.cfg.FPS <= 0 {
		return fmt.Errorf("invalid frame rate %d", e.cfg.FPS)
	}
	if e.cfg.DurationMs <= 0 {
		return fmt.Errorf("invalid export duration %dms", e.cfg.DurationMs)
	}

	// トラック数はエクスポート開始前に確定する。音声の不在を途中で
	// 発見する構造にはしない。
	expectedTracks := 1
	if e.cfg.Audio != nil {
		expectedTracks = 2
	}

	mux, err := e.newMuxer()
	if err != nil {
		return fmt.Errorf("failed to create muxer: %w", err)
	}
	barrier := NewTrackBarrier(expectedTracks, mux.Start)

	videoDev, err := e.newVideoDevice()
	if err != nil {
		_ = mux.Discard()
		return fmt.Errorf("failed to create video encoder: %w", err)
	}
	videoCore := NewEncoderCore("video", videoDev, mux, barrier)

	var audioCore *EncoderCore
	if e.cfg.Audio != nil {
		audioDev, aerr := e.newAudioDevice()
		if aerr != nil {
			videoCore.Release()
			_ = mux.Discard()
			return fmt.Errorf("failed to create audio encoder: %w", aerr)
		}
		audioCore = NewEncoderCore("audio", audioDev, mux, barrier)
	}

	abort := func(cause error) error {
		videoCore.Release()
		if audioCore != nil {
			audioCore.Release()
		}
		if derr := mux.Discard(); derr != nil {
			logrus.WithError(derr).Warn("failed to discard output")
		}
		return cause
	}

	totalFrames := e.cfg.DurationMs * int64(e.cfg.FPS) / 1000
	if totalFrames < 1 {
		totalFrames = 1
	}

	var audioChunk []byte
	audioDone := audioCore == nil
	var audioPtsUs int64
	if audioCore != nil {
		bytesPerTick := e.cfg.Audio.SampleRate() * e.cfg.Audio.Channels() * 2 / e.cfg.FPS
		audioChunk = make([]byte, bytesPerTick)
	}

	logrus.WithFields(logrus.Fields{
		"frames": totalFrames, "fps": e.cfg.FPS, "tracks": expectedTracks,
	}).Info("export started")

	for i := int64(0); i < totalFrames; i++ {
		if e.cancelled() {
			return abort(ErrExportCancelled)
		}

		tsMs := i * 1000 / int64(e.cfg.FPS)
		e.advanceSources(tsMs)

		frame := RenderFrame(e.comp, e.vp)
		ptsUs := i * 1e6 / int64(e.cfg.FPS)
		if err := videoCore.Encode(FramePixels(frame), ptsUs); err != nil {
			return abort(fmt.Errorf("video encode: %w", err))
		}
		if err := videoCore.Drain(false); err != nil {
			return abort(fmt.Errorf("video drain: %w", err))
		}

		if !audioDone {
			n, rerr := e.cfg.Audio.ReadPCM(audioChunk)
			if n > 0 {
				if err := audioCore.Encode(audioChunk[:n], audioPtsUs); err != nil {
					return abort(fmt.Errorf("audio encode: %w", err))
				}
				samples := int64(n) / int64(e.cfg.Audio.Channels()*2)
				audioPtsUs += samples * 1e6 / int64(e.cfg.Audio.SampleRate())
			}
			if rerr != nil {
				if !errors.Is(rerr, io.EOF) {
					return abort(fmt.Errorf("audio source: %w", rerr))
				}
				audioDone = true
			}
			if err := audioCore.Drain(false); err != nil {
				return abort(fmt.Errorf("audio drain: %w", err))
			}
		}

		e.progress(float64(i+1)/float64(totalFrames), false)
	}

	if e.cancelled() {
		return abort(ErrExportCancelled)
	}

	// ソースを使い切ったら両方をEOSまでドレインする。順序は問わないが、
	// 双方がStoppedに達するまでmuxerは確定しない。
	if err := videoCore.Drain(true); err != nil {
		return abort(fmt.Errorf("video drain to eos: %w", err))
	}
	if audioCore != nil {
		if err := audioCore.Drain(true); err != nil {
			return abort(fmt.Errorf("audio drain to eos: %w", err))
		}
	}

	if videoCore.State() != StateStopped || (audioCore != nil && audioCore.State() != StateStopped) {
		return abort(fmt.Errorf("encoders did not reach stopped state"))
	}

	videoCore.Release()
	if audioCore != nil {
		audioCore.Release()
	}

	if err := mux.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize container: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"video_samples": videoCore.Samples(),
	}).Info("export finished")
	e.progress(1, true)
	return nil
}

// advanceSources は各レイヤーの動画ソースをエクスポート時間軸に合わせる
func (e *Exporter) advanceSources(tsMs int64) {
	for _, l := range e.comp.Layers() {
		if l.Kind != KindVideo || l.source == nil {
			continue
		}
		if p, ok := l.source.(positionable); ok {
			p.SetPositionMs(tsMs)
		}
	}
}
