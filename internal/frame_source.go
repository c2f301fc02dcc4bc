package internal

import "image"

// FrameSource は外部のプレイヤー/デコーダーが供給するデコード済み映像の
// 取り出し口。コンポジターはプル型の常時利用可能なソースとして扱う。
type FrameSource interface {
	// CurrentFrame returns the frame to paint right now, or nil if none
	// has been produced yet.
	CurrentFrame() *image.RGBA

	// AspectRatio returns width/height of the content, or 0 until known.
	AspectRatio() float64

	// DurationMs returns the content duration in milliseconds, or 0 if
	// unknown (live sources).
	DurationMs() int64
}

// AudioSource はデコード済みPCM (S16LE interleaved) の供給元
type AudioSource interface {
	// ReadPCM fills buf with interleaved S16LE samples and returns the
	// number of bytes read. io.EOF signals source exhaustion.
	ReadPCM(buf []byte) (int, error)

	SampleRate() int
	Channels() int
}
