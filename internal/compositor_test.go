package internal

import (
	"image"
	"image/color"
	"testing"

	"github.com/fogleman/gg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	return img
}

func imageDesc(tag string) LayerDescriptor {
	return LayerDescriptor{
		Tag:   tag,
		Kind:  KindImage,
		Image: testImage(4, 2, color.RGBA{R: 255, A: 255}),
	}
}

func layerIDs(c *Compositor) []int64 {
	var ids []int64
	for _, l := range c.Layers() {
		ids = append(ids, l.ID)
	}
	return ids
}

func TestAddRemoveKeepsCollectionConsistent(t *testing.T) {
	comp := NewCompositor(NewViewport(64, 48))

	a := comp.AddLayer(imageDesc("a"))
	b := comp.AddLayer(imageDesc("b"))
	c := comp.AddLayer(imageDesc("c"))
	require.Equal(t, []int64{a.ID, b.ID, c.ID}, layerIDs(comp))

	comp.RemoveLayer(b.ID)
	assert.Equal(t, []int64{a.ID, c.ID}, layerIDs(comp))

	// 残ったIDはちょうど1つずつ存在する
	assert.NotNil(t, comp.LayerByID(a.ID))
	assert.NotNil(t, comp.LayerByID(c.ID))
	assert.Nil(t, comp.LayerByID(b.ID))
}

func TestRemoveNonExistentIsNoOp(t *testing.T) {
	comp := NewCompositor(NewViewport(64, 48))
	a := comp.AddLayer(imageDesc("a"))
	b := comp.AddLayer(imageDesc("b"))

	comp.RemoveLayer(9999)
	assert.Equal(t, []int64{a.ID, b.ID}, layerIDs(comp))
}

func TestBringToFrontAndPosition(t *testing.T) {
	comp := NewCompositor(NewViewport(64, 48))
	a := comp.AddLayer(imageDesc("a"))
	b := comp.AddLayer(imageDesc("b"))
	c := comp.AddLayer(imageDesc("c"))

	comp.BringToFront(a.ID)
	assert.Equal(t, []int64{b.ID, c.ID, a.ID}, layerIDs(comp))

	comp.BringToPosition(0, c.ID)
	assert.Equal(t, []int64{c.ID, b.ID, a.ID}, layerIDs(comp))

	// 負のインデックスは無視される
	comp.BringToPosition(-1, a.ID)
	assert.Equal(t, []int64{c.ID, b.ID, a.ID}, layerIDs(comp))

	// 範囲外のインデックスは末尾に丸められる
	comp.BringToPosition(100, c.ID)
	assert.Equal(t, []int64{b.ID, a.ID, c.ID}, layerIDs(comp))
}

func TestRestoreOrderYieldsAscendingIDs(t *testing.T) {
	comp := NewCompositor(NewViewport(64, 48))
	a := comp.AddLayer(imageDesc("a"))
	b := comp.AddLayer(imageDesc("b"))
	c := comp.AddLayer(imageDesc("c"))
	d := comp.AddLayer(imageDesc("d"))

	comp.BringToFront(a.ID)
	comp.BringToPosition(0, d.ID)
	comp.BringToFront(b.ID)

	comp.RestoreOrder()
	assert.Equal(t, []int64{a.ID, b.ID, c.ID, d.ID}, layerIDs(comp))
}

type recordingListener struct {
	added   []int64
	removed []int64
}

func (r *recordingListener) LayerAdded(l *Layer) { r.added = append(r.added, l.ID) }

func (r *recordingListener) LayerRemoved(l *Layer) { r.removed = append(r.removed, l.ID) }

func TestSubscribeReplaysCurrentLayers(t *testing.T) {
	comp := NewCompositor(NewViewport(64, 48))
	a := comp.AddLayer(imageDesc("a"))
	b := comp.AddLayer(imageDesc("b"))

	ln := &recordingListener{}
	comp.Subscribe(ln)
	// 購読時点の一覧が同期的に再生される
	require.Equal(t, []int64{a.ID, b.ID}, ln.added)

	c := comp.AddLayer(imageDesc("c"))
	comp.RemoveLayer(a.ID)
	assert.Equal(t, []int64{a.ID, b.ID, c.ID}, ln.added)
	assert.Equal(t, []int64{a.ID}, ln.removed)
}

func TestDeferredAddAppliesOnDrawFrame(t *testing.T) {
	comp := NewCompositor(NewViewport(64, 48))
	comp.SurfaceCreated()

	a := comp.AddLayer(imageDesc("a"))
	// サーフェス準備後の追加は描画スレッドで適用されるまで見えない
	assert.Empty(t, layerIDs(comp))

	dc := gg.NewContext(64, 48)
	comp.DrawFrame(dc)
	assert.Equal(t, []int64{a.ID}, layerIDs(comp))
}

func TestViewportAspectChangeNotifiesEveryLayer(t *testing.T) {
	comp := NewCompositor(NewViewport(64, 48))

	// 横長コンテンツ3枚。ビューポートより広いのでfitScaleが縮む。
	var layers []*Layer
	for i := 0; i < 3; i++ {
		l := comp.AddLayer(LayerDescriptor{
			Kind:  KindImage,
			Image: testImage(8, 2, color.RGBA{A: 255}),
		})
		layers = append(layers, l)
	}

	comp.OnViewportChanged(2.0)
	for _, l := range layers {
		// sourceAspect 4.0 > viewport 2.0 → fit = 2.0/4.0
		assert.InDelta(t, 0.5, l.fit(), 1e-9, "layer %d", l.ID)
	}

	comp.OnViewportChanged(8.0)
	for _, l := range layers {
		assert.InDelta(t, 1.0, l.fit(), 1e-9, "layer %d", l.ID)
	}
}

func TestFirstLayerOwnsViewportAspect(t *testing.T) {
	comp := NewCompositor(NewViewport(64, 48))

	desc := imageDesc("owner")
	desc.ApplyAspectToViewport = true
	owner := comp.AddLayer(desc)

	desc2 := imageDesc("late")
	desc2.ApplyAspectToViewport = true
	comp.AddLayer(desc2)

	assert.Equal(t, owner.ID, comp.aspectOwner)
}

func TestReleaseIsIdempotent(t *testing.T) {
	comp := NewCompositor(NewViewport(64, 48))
	comp.AddLayer(imageDesc("a"))
	comp.SurfaceCreated()

	comp.Release()
	comp.Release()
	assert.False(t, comp.surfaceReady)
}
