package internal

import (
	"image"

	"github.com/fogleman/gg"
)

// RenderFrame は現在の合成状態をオフスクリーンのRGBAフレームに描画する。
// ライブプレビューのホストとエクスポートループの両方がこれを使う。
func RenderFrame(comp *Compositor, vp *Viewport) *image.RGBA {
	dc := gg.NewContext(vp.WidthPx, vp.HeightPx)
	dc.SetColor(vp.Background)
	dc.Clear()
	comp.DrawFrame(dc)
	return dc.Image().(*image.RGBA)
}

// paintLayer draws one layer with its transform applied about its own
// center: translate, then rotate, then scale, clipped to the viewport
// content area. The border is a separate overlay pass sharing the same
// transformed geometry.
func paintLayer(dc *gg.Context, l *Layer, vp *Viewport) {
	frame := l.currentFrame()
	if frame == nil {
		return
	}
	b := frame.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return
	}

	t := l.Transform
	contentH := float64(vp.ContentHeight())
	if contentH <= 0 {
		return
	}

	cx := float64(vp.WidthPx)/2 + t.TranslateX
	cy := float64(vp.MarginTop) + contentH/2 + t.TranslateY

	// Fit the content into the viewport, then apply the user scale.
	srcAspect := float64(b.Dx()) / float64(b.Dy())
	fitW := float64(vp.WidthPx)
	fitH := fitW / srcAspect
	if fitH > contentH {
		fitH = contentH
		fitW = fitH * srcAspect
	}
	fitW *= l.fit()
	fitH *= l.fit()

	sx := fitW / float64(b.Dx()) * t.Scale
	sy := fitH / float64(b.Dy()) * t.Scale

	dc.Push()
	defer dc.Pop()

	dc.DrawRectangle(0, float64(vp.MarginTop), float64(vp.WidthPx), contentH)
	dc.Clip()

	dc.RotateAbout(gg.Radians(t.RotationDeg), cx, cy)
	dc.ScaleAbout(sx, sy, cx, cy)

	img := frame
	if t.Opacity < 1.0 {
		img = applyOpacity(frame, t.Opacity)
	}
	dc.DrawImageAnchored(img, int(cx), int(cy), 0.5, 0.5)

	if t.BorderWidth > 0 {
		dc.SetColor(t.BorderColor)
		// 線幅はスケールの影響を受けるため、変換後の見た目が
		// BorderWidth になるよう補正する
		avg := (sx + sy) / 2
		if avg > 0 {
			dc.SetLineWidth(t.BorderWidth / avg)
		}
		dc.DrawRectangle(cx-float64(b.Dx())/2, cy-float64(b.Dy())/2, float64(b.Dx()), float64(b.Dy()))
		dc.Stroke()
	}
}

// applyOpacity は不透明度を乗じたコピーを返す。premultiplied-alphaのまま
// 全成分を一様に減衰させる。
func applyOpacity(src *image.RGBA, opacity float64) *image.RGBA {
	if opacity < 0 {
		opacity = 0
	}
	out := image.NewRGBA(src.Bounds())
	a := uint32(opacity * 256)
	for i := 0; i < len(src.Pix); i++ {
		out.Pix[i] = uint8(uint32(src.Pix[i]) * a >> 8)
	}
	return out
}
