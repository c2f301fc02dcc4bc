package internal

import (
	"fmt"
	"image"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/Azunyan1111/libvpx-go/vpx"
	"github.com/sirupsen/logrus"
)

// RGB→YUV変換テーブル (ITU-R BT.601)
var (
	yRTable [256]int
	yGTable [256]int
	yBTable [256]int
	uRTable [256]int
	uGTable [256]int
	uBTable [256]int
	vRTable [256]int
	vGTable [256]int
	vBTable [256]int
)

func init() {
	for i := 0; i < 256; i++ {
		yRTable[i] = 66 * i
		yGTable[i] = 129 * i
		yBTable[i] = 25 * i

		uRTable[i] = -38 * i
		uGTable[i] = -74 * i
		uBTable[i] = 112 * i

		vRTable[i] = 112 * i
		vGTable[i] = -94 * i
		vBTable[i] = -18 * i
	}
}

type outputEntry struct {
	data []byte
	info BufferInfo
}

// VP8Device はlibvpxのVP8エンコーダーをバッファキューデバイスの契約で包む。
// 入力スロットは1つで、投入時に同期的にエンコードして出力キューへ積む。
type VP8Device struct {
	mu sync.Mutex

	ctx    *vpx.CodecCtx
	img    *vpx.Image
	width  int
	height int
	fps    int

	frameCount     int64
	formatPending  bool
	formatReported bool
	eosQueued      bool

	outQueue  []outputEntry
	dequeued  map[int]outputEntry
	nextOutIx int

	released bool
}

// NewVP8Device はエンコーダーを生成して開始済み(Configured)状態にする
func NewVP8Device(width, height, fps int) (*VP8Device, error) {
	ctx := vpx.NewCodecCtx()
	if ctx == nil {
		return nil, fmt.Errorf("failed to create codec context")
	}

	iface := vpx.EncoderIfaceVP8()
	if iface == nil {
		vpx.CodecDestroy(ctx)
		return nil, fmt.Errorf("failed to get VP8 encoder interface")
	}

	cfg := &vpx.CodecEncCfg{}
	if err := vpx.Error(vpx.CodecEncConfigDefault(iface, cfg, 0)); err != nil {
		vpx.CodecDestroy(ctx)
		return nil, fmt.Errorf("failed to get default encoder config: %v", err)
	}
	cfg.Deref()

	cfg.GW = uint32(width)
	cfg.GH = uint32(height)
	cfg.GTimebase = vpx.Rational{Num: 1, Den: int32(fps)}
	cfg.RcTargetBitrate = 2000 // 2 Mbps
	cfg.GPass = vpx.RcOnePass
	cfg.RcEndUsage = vpx.Cbr
	cfg.KfMode = vpx.KfAuto
	cfg.KfMaxDist = uint32(fps)
	// スレッド数は上限を設けてCPU過負荷を抑える
	numThreads := runtime.NumCPU()
	if numThreads > 4 {
		numThreads = 4
	}
	if numThreads < 1 {
		numThreads = 1
	}
	cfg.GThreads = uint32(numThreads)
	cfg.GLagInFrames = 0
	cfg.RcMinQuantizer = 4
	cfg.RcMaxQuantizer = 48
	cfg.GProfile = 0

	if err := vpx.Error(vpx.CodecEncInitVer(ctx, iface, cfg, 0, vpx.EncoderABIVersion)); err != nil {
		vpx.CodecDestroy(ctx)
		return nil, fmt.Errorf("failed to initialize encoder: %v", err)
	}

	img := vpx.ImageAlloc(nil, vpx.ImageFormatI420, uint32(width), uint32(height), 1)
	if img == nil {
		vpx.CodecDestroy(ctx)
		return nil, fmt.Errorf("failed to allocate image")
	}
	img.Deref()

	logrus.WithFields(logrus.Fields{
		"size": fmt.Sprintf("%dx%d", width, height), "fps": fps, "threads": numThreads,
	}).Debug("VP8 device initialized")

	return &VP8Device{
		ctx:      ctx,
		img:      img,
		width:    width,
		height:   height,
		fps:      fps,
		dequeued: make(map[int]outputEntry),
	}, nil
}

func (d *VP8Device) DequeueInputBuffer(timeout time.Duration) (int, error) {
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

func (d *VP8Device) QueueInputBuffer(index int, data []byte, ptsUs int64, flags int) error {
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

	w := int(d.img.DW)
	h := int(d.img.DH)
	expected := w * h * 4
	if len(data) != expected {
		return fmt.Errorf("invalid RGBA data size: expected %d (%dx%dx4), got %d", expected, w, h, len(data))
	}
	d.rgbaToI420(data)

	if err := vpx.Error(vpx.CodecEncode(d.ctx, d.img, vpx.CodecPts(d.frameCount), 1, 0, vpx.DlRealtime)); err != nil {
		detail := vpx.CodecErrorDetail(d.ctx)
		return fmt.Errorf("failed to encode frame: %v (detail: %s)", err, detail)
	}
	d.frameCount++
	d.collectPacketsLocked(ptsUs)
	return nil
}

// collectPacketsLocked drains encoded packets from libvpx into outQueue.
func (d *VP8Device) collectPacketsLocked(ptsUs int64) {
	var iter vpx.CodecIter
	for {
		pkt := vpx.CodecGetCxData(d.ctx, &iter)
		if pkt == nil {
			return
		}
		pkt.Deref()
		if pkt.Kind != vpx.CodecCxFramePkt {
			continue
		}
		data := pkt.GetFrameData()
		out := make([]byte, len(data))
		copy(out, data)

		flags := 0
		if pkt.IsKeyframe() {
			flags |= FlagKeyFrame
		}
		d.outQueue = append(d.outQueue, outputEntry{
			data: out,
			info: BufferInfo{Size: len(out), PtsUs: ptsUs, Flags: flags},
		})
		if !d.formatReported {
			d.formatPending = true
		}
	}
}

// flushLocked はエンコーダー内の残りパケットを吐き出させ、
// 最後のエントリにend-of-streamフラグを立てる。
func (d *VP8Device) flushLocked() error {
	if d.eosQueued {
		return nil
	}
	d.eosQueued = true

	// nilフレームのエンコードがフラッシュを意味する
	if err := vpx.Error(vpx.CodecEncode(d.ctx, nil, vpx.CodecPts(d.frameCount), 1, 0, vpx.DlRealtime)); err != nil {
		return fmt.Errorf("failed to flush encoder: %v", err)
	}
	lastPts := int64(0)
	if d.fps > 0 {
		lastPts = d.frameCount * 1e6 / int64(d.fps)
	}
	d.collectPacketsLocked(lastPts)

	if n := len(d.outQueue); n > 0 {
		d.outQueue[n-1].info.Flags |= FlagEndOfStream
	} else {
		d.outQueue = append(d.outQueue, outputEntry{
			info: BufferInfo{Flags: FlagEndOfStream},
		})
	}
	return nil
}

func (d *VP8Device) SignalEndOfInput() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return fmt.Errorf("device released")
	}
	return d.flushLocked()
}

func (d *VP8Device) DequeueOutputBuffer(timeout time.Duration) (int, BufferInfo, error) {
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

func (d *VP8Device) OutputBuffer(index int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.dequeued[index]
	if !ok {
		return nil, fmt.Errorf("output buffer %d not dequeued", index)
	}
	return entry.data, nil
}

func (d *VP8Device) OutputFormat() (TrackFormat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.formatReported {
		return TrackFormat{}, fmt.Errorf("output format not known yet")
	}
	return TrackFormat{
		Kind:    TrackVideo,
		CodecID: "V_VP8",
		Width:   d.width,
		Height:  d.height,
	}, nil
}

func (d *VP8Device) ReleaseOutputBuffer(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.dequeued, index)
}

func (d *VP8Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return
	}
	d.released = true
	if d.img != nil {
		vpx.ImageFree(d.img)
		d.img = nil
	}
	if d.ctx != nil {
		vpx.CodecDestroy(d.ctx)
		d.ctx = nil
	}
}

// FramePixels converts an *image.RGBA frame into the flat byte layout
// the device expects. Stride padding is stripped.
func FramePixels(img *image.RGBA) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if img.Stride == w*4 && b.Min == (image.Point{}) {
		return img.Pix[:w*h*4]
	}
	out := make([]byte, w*h*4)
	for row := 0; row < h; row++ {
		off := (b.Min.Y+row)*img.Stride + b.Min.X*4
		copy(out[row*w*4:(row+1)*w*4], img.Pix[off:off+w*4])
	}
	return out
}

func (d *VP8Device) rgbaToI420(rgba []byte) {
	h := int(d.img.DH)
	w := int(d.img.DW)

	yStride := int(d.img.Stride[vpx.PlaneY])
	uStride := int(d.img.Stride[vpx.PlaneU])
	vStride := int(d.img.Stride[vpx.PlaneV])

	// Access planes directly via unsafe.Pointer (same as libvpx-go test code)
	yPlane := (*(*[1 << 30]byte)(unsafe.Pointer(d.img.Planes[vpx.PlaneY])))[:yStride*h]
	uPlane := (*(*[1 << 30]byte)(unsafe.Pointer(d.img.Planes[vpx.PlaneU])))[:uStride*h/2]
	vPlane := (*(*[1 << 30]byte)(unsafe.Pointer(d.img.Planes[vpx.PlaneV])))[:vStride*h/2]

	// Convert RGBA to YUV420 with 2x2 traversal to avoid per-pixel modulo checks.
	for row := 0; row < h; row += 2 {
		row0Base := row * w * 4
		yRow0 := row * yStride

		row1 := row + 1
		hasRow1 := row1 < h
		row1Base := row1 * w * 4
		yRow1 := row1 * yStride

		uvRow := (row / 2) * uStride
		vvRow := (row / 2) * vStride

		for col := 0; col < w; col += 2 {
			idx00 := row0Base + col*4
			r00 := int(rgba[idx00])
			g00 := int(rgba[idx00+1])
			b00 := int(rgba[idx00+2])
			y00 := ((yRTable[r00] + yGTable[g00] + yBTable[b00] + 128) >> 8) + 16
			yPlane[yRow0+col] = clampToByte(y00)

			col1 := col + 1
			if col1 < w {
				idx01 := idx00 + 4
				r01 := int(rgba[idx01])
				g01 := int(rgba[idx01+1])
				b01 := int(rgba[idx01+2])
				y01 := ((yRTable[r01] + yGTable[g01] + yBTable[b01] + 128) >> 8) + 16
				yPlane[yRow0+col1] = clampToByte(y01)
			}

			if hasRow1 {
				idx10 := row1Base + col*4
				r10 := int(rgba[idx10])
				g10 := int(rgba[idx10+1])
				b10 := int(rgba[idx10+2])
				y10 := ((yRTable[r10] + yGTable[g10] + yBTable[b10] + 128) >> 8) + 16
				yPlane[yRow1+col] = clampToByte(y10)

				if col1 < w {
					idx11 := idx10 + 4
					r11 := int(rgba[idx11])
					g11 := int(rgba[idx11+1])
					b11 := int(rgba[idx11+2])
					y11 := ((yRTable[r11] + yGTable[g11] + yBTable[b11] + 128) >> 8) + 16
					yPlane[yRow1+col1] = clampToByte(y11)
				}
			}

			uvCol := col / 2
			uVal := ((uRTable[r00] + uGTable[g00] + uBTable[b00] + 128) >> 8) + 128
			vVal := ((vRTable[r00] + vGTable[g00] + vBTable[b00] + 128) >> 8) + 128
			uPlane[uvRow+uvCol] = clampToByte(uVal)
			vPlane[vvRow+uvCol] = clampToByte(vVal)
		}
	}
}

func clampToByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
