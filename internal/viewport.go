package internal

import "image/color"

// Viewport は描画対象の矩形と背景・マージンを保持する
type Viewport struct {
	WidthPx      int
	HeightPx     int
	Background   color.Color
	MarginTop    int
	MarginBottom int
}

func NewViewport(width, height int) *Viewport {
	return &Viewport{
		WidthPx:    width,
		HeightPx:   height,
		Background: color.Black,
	}
}

// ContentHeight はUIクローム分のマージンを除いた描画可能高さを返す
func (v *Viewport) ContentHeight() int {
	h := v.HeightPx - v.MarginTop - v.MarginBottom
	if h < 0 {
		return 0
	}
	return h
}

func (v *Viewport) AspectRatio() float64 {
	ch := v.ContentHeight()
	if ch == 0 {
		return 0
	}
	return float64(v.WidthPx) / float64(ch)
}
