package internal

import (
	"image"
	"image/color"
	"sync"

	"github.com/sirupsen/logrus"
)

// LayerKind はレイヤーの種別を示す
type LayerKind int

const (
	KindImage LayerKind = iota
	KindVideo
)

func (k LayerKind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Transform はレイヤーの描画変換を保持する。
// 適用順は translate → rotate → scale で、レイヤー中心を基準に適用される。
type Transform struct {
	RotationDeg float64
	Scale       float64
	TranslateX  float64
	TranslateY  float64
	Opacity     float64
	BorderWidth float64
	BorderColor color.Color
}

// DefaultTransform returns the identity transform with full opacity.
func DefaultTransform() Transform {
	return Transform{
		Scale:       1.0,
		Opacity:     1.0,
		BorderColor: color.White,
	}
}

// LayerDescriptor はaddLayer要求のパラメータ
type LayerDescriptor struct {
	Tag       string
	Kind      LayerKind
	Image     *image.RGBA // KindImage
	Source    FrameSource // KindVideo
	Transform Transform
	// ApplyAspectToViewport が真の場合、このレイヤーのソースアスペクトが
	// 判明した時点でビューポートのアスペクト再計算に使われる。
	ApplyAspectToViewport bool
}

// Layer は合成対象の1要素。IDは生成時に割り当てられ以後不変で、
// 既定のzオーダーと検索・削除・並べ替えの唯一のキーになる。
type Layer struct {
	ID        int64
	Tag       string
	Kind      LayerKind
	Transform Transform

	img    *image.RGBA
	source FrameSource

	mu           sync.Mutex
	sourceAspect float64
	fitScale     float64
	setUp        bool

	aspectOnce  sync.Once
	aspectReady chan struct{}
}

func newLayer(id int64, desc LayerDescriptor) *Layer {
	t := desc.Transform
	if t.Scale == 0 {
		t.Scale = 1.0
	}
	if t.Opacity == 0 {
		t.Opacity = 1.0
	}
	l := &Layer{
		ID:          id,
		Tag:         desc.Tag,
		Kind:        desc.Kind,
		Transform:   t,
		img:         desc.Image,
		source:      desc.Source,
		fitScale:    1.0,
		aspectReady: make(chan struct{}),
	}
	if desc.Kind == KindImage && desc.Image != nil {
		b := desc.Image.Bounds()
		if b.Dy() > 0 {
			l.resolveAspect(float64(b.Dx()) / float64(b.Dy()))
		}
	}
	return l
}

// setup はGPU相当のリソース確保を行う。描画スレッド上でのみ呼ばれる。
func (l *Layer) setup() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.setUp {
		return nil
	}
	if l.Kind == KindImage && l.img == nil {
		return errNoImage
	}
	if l.Kind == KindVideo && l.source == nil {
		return errNoSource
	}
	l.setUp = true
	return nil
}

// release frees the layer's resources. Idempotent.
func (l *Layer) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setUp = false
}

// currentFrame はこの描画で使うフレームを返す。動画はソースの「今の」フレームを
// 毎回サンプリングし、フレームのタイミング制御は持たない。
func (l *Layer) currentFrame() *image.RGBA {
	switch l.Kind {
	case KindImage:
		return l.img
	case KindVideo:
		if l.source == nil {
			return nil
		}
		return l.source.CurrentFrame()
	}
	return nil
}

// SourceAspect returns the content aspect ratio, or 0 if not yet known.
func (l *Layer) SourceAspect() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sourceAspect
}

// AspectReady returns a channel closed exactly once, when the source
// aspect ratio becomes known.
func (l *Layer) AspectReady() <-chan struct{} {
	return l.aspectReady
}

func (l *Layer) resolveAspect(aspect float64) {
	l.mu.Lock()
	l.sourceAspect = aspect
	l.mu.Unlock()
	l.aspectOnce.Do(func() {
		close(l.aspectReady)
	})
}

// pollAspect は動画ソースのアスペクト比が判明したかを確認する。
// 判明した最初の1回だけ true を返す。
func (l *Layer) pollAspect() bool {
	if l.Kind != KindVideo || l.source == nil {
		return false
	}
	l.mu.Lock()
	known := l.sourceAspect != 0
	l.mu.Unlock()
	if known {
		return false
	}
	a := l.source.AspectRatio()
	if a == 0 {
		return false
	}
	l.resolveAspect(a)
	logrus.WithFields(logrus.Fields{"layer": l.ID, "aspect": a}).Debug("video source aspect ready")
	return true
}

// onViewportAspect はビューポートのアスペクト変更を受けてフィット係数を再計算する
func (l *Layer) onViewportAspect(viewportAspect float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sourceAspect == 0 || viewportAspect == 0 {
		l.fitScale = 1.0
		return
	}
	// Fit-inside: the limiting axis keeps the content fully visible.
	if l.sourceAspect > viewportAspect {
		l.fitScale = viewportAspect / l.sourceAspect
	} else {
		l.fitScale = 1.0
	}
}

func (l *Layer) fit() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fitScale
}
