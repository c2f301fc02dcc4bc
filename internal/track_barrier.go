package internal

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TrackBarrier は期待される全トラックのadd-trackが揃うまでmuxerへの
// サンプル書き込みを堰き止めるゲート。エクスポート1回ごとに作られ、
// 再利用されない。
type TrackBarrier struct {
	mu       sync.Mutex
	expected int
	added    int
	ready    chan struct{}
	onReady  func() error
	err      error
}

// NewTrackBarrier creates a barrier expecting the given number of
// tracks. onReady runs exactly once, when the count is reached; its
// error is reported to every AwaitReady caller.
func NewTrackBarrier(expected int, onReady func() error) *TrackBarrier {
	return &TrackBarrier{
		expected: expected,
		ready:    make(chan struct{}),
		onReady:  onReady,
	}
}

// TrackAdded records one add-track signal. Signalling more tracks than
// expected is a protocol violation.
func (b *TrackBarrier) TrackAdded() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.added >= b.expected {
		return fmt.Errorf("%w: track added after barrier was complete (%d expected)", ErrProtocol, b.expected)
	}
	b.added++
	logrus.WithFields(logrus.Fields{"added": b.added, "expected": b.expected}).Debug("track registered")
	if b.added == b.expected {
		if b.onReady != nil {
			b.err = b.onReady()
		}
		close(b.ready)
		return b.err
	}
	return nil
}

// Ready reports whether every expected track has been added.
func (b *TrackBarrier) Ready() bool {
	select {
	case <-b.ready:
		return true
	default:
		return false
	}
}

// AwaitReady blocks until the barrier opens or the timeout elapses.
func (b *TrackBarrier) AwaitReady(timeout time.Duration) error {
	select {
	case <-b.ready:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.err
	case <-time.After(timeout):
		b.mu.Lock()
		defer b.mu.Unlock()
		return fmt.Errorf("timed out waiting for tracks: %d of %d added", b.added, b.expected)
	}
}
