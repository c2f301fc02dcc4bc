package internal

import (
	"errors"
	"sort"
	"sync"

	"github.com/fogleman/gg"
	"github.com/sirupsen/logrus"
)

var (
	errNoImage  = errors.New("image layer has no bitmap")
	errNoSource = errors.New("video layer has no frame source")
)

// LayerListener はレイヤーの増減通知を受け取る
type LayerListener interface {
	LayerAdded(*Layer)
	LayerRemoved(*Layer)
}

// Compositor はレイヤー集合とビューポート状態を所有するメディエーター。
// すべての公開操作は単一の粗いロックで直列化され、描画パスとも排他になる。
type Compositor struct {
	mu        sync.Mutex
	layers    []*Layer
	nextID    int64
	listeners []LayerListener

	viewport     *Viewport
	surfaceReady bool

	// pending は描画スレッドに委譲された変更操作のキュー。
	// DrawFrame が描画前に毎フレーム1回ドレインする。
	pending []func()

	// aspectOwner はビューポートアスペクトを追従させるレイヤーのID。
	// 最初にフラグ付きで追加されたレイヤーだけが権利を持つ。
	aspectOwner int64

	invalidate func()
}

func NewCompositor(vp *Viewport) *Compositor {
	return &Compositor{
		viewport: vp,
		nextID:   1,
	}
}

// SetInvalidator registers the render host's redraw request hook.
func (c *Compositor) SetInvalidator(fn func()) {
	c.mu.Lock()
	c.invalidate = fn
	c.mu.Unlock()
}

func (c *Compositor) requestRedraw() {
	if c.invalidate != nil {
		c.invalidate()
	}
}

// Subscribe はリスナーを登録し、登録時点のレイヤー一覧を同期的に再生する。
// これにより購読前の追加を取りこぼす競合がなくなる。
func (c *Compositor) Subscribe(l LayerListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
	for _, layer := range c.layers {
		l.LayerAdded(layer)
	}
}

func (c *Compositor) notifyAdded(l *Layer) {
	for _, ln := range c.listeners {
		ln.LayerAdded(l)
	}
}

func (c *Compositor) notifyRemoved(l *Layer) {
	for _, ln := range c.listeners {
		ln.LayerRemoved(l)
	}
}

// AddLayer はレイヤーを生成して集合に加える。サーフェス生成後は
// GPUリソース確保が描画中のフレームと競合しないよう、挿入を描画スレッドへ
// 委譲し、適用された時点で通知が飛ぶ。
func (c *Compositor) AddLayer(desc LayerDescriptor) *Layer {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	layer := newLayer(id, desc)

	if desc.ApplyAspectToViewport {
		if c.aspectOwner == 0 {
			c.aspectOwner = id
		} else {
			logrus.WithFields(logrus.Fields{"layer": id, "owner": c.aspectOwner}).
				Warn("viewport aspect already follows another layer, ignoring")
		}
	}

	if !c.surfaceReady {
		c.layers = append(c.layers, layer)
		c.notifyAdded(layer)
		return layer
	}

	c.pending = append(c.pending, func() {
		if err := layer.setup(); err != nil {
			// 1レイヤーの失敗は他のレイヤーを巻き込まない
			logrus.WithFields(logrus.Fields{"layer": layer.ID, "kind": layer.Kind}).
				WithError(err).Error("layer setup failed, skipping")
			return
		}
		c.layers = append(c.layers, layer)
		c.notifyAdded(layer)
	})
	c.requestRedraw()
	return layer
}

// RemoveLayer はIDでレイヤーを探して除去する。見つからない場合は何もしない。
func (c *Compositor) RemoveLayer(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.layers {
		if l.ID == id {
			l.release()
			c.layers = append(c.layers[:i], c.layers[i+1:]...)
			if c.aspectOwner == id {
				c.aspectOwner = 0
			}
			c.notifyRemoved(l)
			c.requestRedraw()
			return
		}
	}
}

// BringToFront moves the layer to the end of the paint order.
func (c *Compositor) BringToFront(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bringToPositionLocked(len(c.layers)-1, id)
	c.requestRedraw()
}

// BringToPosition moves the layer to the given paint-order index.
// Negative indices are a no-op.
func (c *Compositor) BringToPosition(index int, id int64) {
	if index < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bringToPositionLocked(index, id)
	c.requestRedraw()
}

func (c *Compositor) bringToPositionLocked(index int, id int64) {
	from := -1
	for i, l := range c.layers {
		if l.ID == id {
			from = i
			break
		}
	}
	if from < 0 {
		return
	}
	if index > len(c.layers)-1 {
		index = len(c.layers) - 1
	}
	l := c.layers[from]
	c.layers = append(c.layers[:from], c.layers[from+1:]...)
	c.layers = append(c.layers[:index], append([]*Layer{l}, c.layers[index:]...)...)
}

// RestoreOrder はペイント順をID昇順(挿入順)に戻す
func (c *Compositor) RestoreOrder() {
	c.mu.Lock()
	defer c.mu.Unlock()
	sort.Slice(c.layers, func(i, j int) bool {
		return c.layers[i].ID < c.layers[j].ID
	})
	c.requestRedraw()
}

// Layers returns a snapshot of the current paint order.
func (c *Compositor) Layers() []*Layer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Layer, len(c.layers))
	copy(out, c.layers)
	return out
}

// LayerByID returns the live layer with the given id, or nil.
func (c *Compositor) LayerByID(id int64) *Layer {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.layers {
		if l.ID == id {
			return l
		}
	}
	return nil
}

// OnViewportChanged はアスペクト変更を全レイヤーへ伝搬する。
// add/remove と同じ排他規律の下で行われる。
func (c *Compositor) OnViewportChanged(newAspect float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyViewportAspectLocked(newAspect)
	c.requestRedraw()
}

func (c *Compositor) applyViewportAspectLocked(aspect float64) {
	for _, l := range c.layers {
		l.onViewportAspect(aspect)
	}
}

// SurfaceCreated marks the render surface as available. Layer setup from
// this point on is deferred to the render goroutine.
func (c *Compositor) SurfaceCreated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.surfaceReady = true
	for _, l := range c.layers {
		if err := l.setup(); err != nil {
			logrus.WithFields(logrus.Fields{"layer": l.ID}).
				WithError(err).Error("layer setup failed on surface creation")
		}
	}
}

// DrawFrame は描画スレッドからのみ呼ばれる。委譲済みの変更を先にドレインし、
// 追加・削除が混ざらない一貫したスナップショットに対して順番に描画する。
func (c *Compositor) DrawFrame(dc *gg.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tasks := c.pending
	c.pending = nil
	for _, task := range tasks {
		task()
	}

	for _, l := range c.layers {
		if l.pollAspect() && l.ID == c.aspectOwner {
			c.applyViewportAspectLocked(l.SourceAspect())
		}
	}

	for _, l := range c.layers {
		paintLayer(dc, l, c.viewport)
	}
}

// Release releases every layer's resources and marks the surface
// not-ready. Idempotent.
func (c *Compositor) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.layers {
		l.release()
	}
	c.surfaceReady = false
}
