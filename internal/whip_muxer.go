package internal

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// WHIPMuxer はMuxer契約をWebRTC/WHIP配信として実装する。エンコード・
// 多重化の契約はファイル出力と同一で、輸送だけが差し替わる。
// 送出はPTSを実時間に合わせてペーシングされる。
type WHIPMuxer struct {
	mu sync.Mutex

	url    string
	tracks []TrackFormat

	pc         *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticRTP
	audioTrack *webrtc.TrackLocalStaticRTP
	videoIdx   int
	audioIdx   int

	videoPkt *VP8Packetizer
	audioPkt *OpusPacketizer
	pacer    *Pacer

	started bool
	closed  bool
}

func NewWHIPMuxer(url string) *WHIPMuxer {
	return &WHIPMuxer{
		url:      url,
		videoIdx: -1,
		audioIdx: -1,
		videoPkt: NewVP8Packetizer(rand.Uint32()),
		audioPkt: NewOpusPacketizer(rand.Uint32()),
		pacer:    NewPacer(2 * time.Second),
	}
}

func (m *WHIPMuxer) AddTrack(format TrackFormat) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return -1, fmt.Errorf("%w: add track after publish start", ErrProtocol)
	}

	switch format.Kind {
	case TrackVideo:
		if format.CodecID != "V_VP8" {
			return -1, fmt.Errorf("unsupported video codec for WHIP publish: %s", format.CodecID)
		}
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "layerbake",
		)
		if err != nil {
			return -1, err
		}
		m.videoTrack = track
	case TrackAudio:
		if format.CodecID != "A_OPUS" {
			return -1, fmt.Errorf("unsupported audio codec for WHIP publish: %s", format.CodecID)
		}
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "layerbake",
		)
		if err != nil {
			return -1, err
		}
		m.audioTrack = track
	}

	m.tracks = append(m.tracks, format)
	idx := len(m.tracks) - 1
	if format.Kind == TrackVideo {
		m.videoIdx = idx
	} else {
		m.audioIdx = idx
	}
	return idx, nil
}

// Start はピア接続を確立してWHIPサーバーとSDPを交換する
func (m *WHIPMuxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("%w: publish started twice", ErrProtocol)
	}
	if len(m.tracks) == 0 {
		return fmt.Errorf("%w: publish started with no tracks", ErrProtocol)
	}

	api, err := NewPublishAPI()
	if err != nil {
		return err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return err
	}

	if m.videoTrack != nil {
		if _, err := pc.AddTrack(m.videoTrack); err != nil {
			_ = pc.Close()
			return err
		}
	}
	if m.audioTrack != nil {
		if _, err := pc.AddTrack(m.audioTrack); err != nil {
			_ = pc.Close()
			return err
		}
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logrus.WithField("state", state.String()).Debug("ICE connection state changed")
	})

	if err := ExchangeSDPWithWHIP(pc, m.url); err != nil {
		_ = pc.Close()
		return fmt.Errorf("failed to exchange SDP: %w", err)
	}

	m.pc = pc
	m.started = true
	logrus.WithField("url", m.url).Info("WHIP publish started")
	return nil
}

func (m *WHIPMuxer) WriteSample(track int, data []byte, info BufferInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return fmt.Errorf("%w: sample write before publish start", ErrProtocol)
	}
	if m.closed {
		return fmt.Errorf("%w: sample write after close", ErrProtocol)
	}

	tsMs := info.PtsUs / 1000
	m.pacer.Wait(tsMs)

	switch track {
	case m.videoIdx:
		_, err := m.videoPkt.PacketizeAndWrite(data, tsMs, func(p *rtp.Packet) error {
			return m.videoTrack.WriteRTP(p)
		})
		return err
	case m.audioIdx:
		pkt := m.audioPkt.Packetize(data, tsMs)
		if pkt == nil {
			return nil
		}
		return m.audioTrack.WriteRTP(pkt)
	default:
		return fmt.Errorf("invalid track index %d", track)
	}
}

// Finalize closes the peer connection after the last sample.
func (m *WHIPMuxer) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

// Discard tears the session down; for a live publish there is no partial
// artifact to delete.
func (m *WHIPMuxer) Discard() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *WHIPMuxer) closeLocked() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if m.pc != nil {
		return m.pc.Close()
	}
	return nil
}
