package internal

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Pacer はPTSに基づいて送出タイミングを実時間へ揃える。
// ライブ配信パスで使い、ファイル書き出しはペーシングしない。
type Pacer struct {
	baseWallTime time.Time     // 基準実時刻
	basePTS      int64         // 基準PTS（ミリ秒）
	initialized  bool          // 初期化済みフラグ
	maxWait      time.Duration // 最大待機時間（異常PTS対策）
}

// NewPacer は新しいPacerを作成する
func NewPacer(maxWait time.Duration) *Pacer {
	return &Pacer{
		maxWait: maxWait,
	}
}

// Wait はPTSに基づいて適切なタイミングまで待機する。
// 入力がリアルタイムより遅い場合は待機なしで即座に返る。
func (p *Pacer) Wait(timestampMs int64) {
	if !p.initialized {
		p.resync(timestampMs)
		return
	}

	ptsDiff := timestampMs - p.basePTS
	if ptsDiff < 0 {
		// PTSが戻った場合はリセット
		p.resync(timestampMs)
		return
	}

	expectedTime := p.baseWallTime.Add(time.Duration(ptsDiff) * time.Millisecond)
	waitDuration := time.Until(expectedTime)

	if waitDuration > 0 {
		if waitDuration > p.maxWait {
			logrus.WithFields(logrus.Fields{"wait": waitDuration, "clamp": p.maxWait}).
				Debug("pacing: clamping wait, PTS jump detected")
			waitDuration = p.maxWait
		}
		time.Sleep(waitDuration)
	}
}

// Reset はPacerの状態をリセットする（再同期用）
func (p *Pacer) Reset() {
	p.initialized = false
	p.baseWallTime = time.Time{}
	p.basePTS = 0
}

func (p *Pacer) resync(timestampMs int64) {
	p.baseWallTime = time.Now()
	p.basePTS = timestampMs
	p.initialized = true
}
