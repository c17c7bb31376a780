package infra

import (
	"sync"
	"time"
)

// Clock は時刻取得を抽象化する。本番では RealClock、テストでは FakeClock を注入する。
type Clock interface {
	Now() time.Time
}

// RealClock は time.Now を返す。
type RealClock struct{}

// Now は現在時刻を返す。
func (RealClock) Now() time.Time { return time.Now().UTC() }

// FakeClock は Advance されるまで進まない時計。並行利用可能。
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock は指定時刻で止まった FakeClock を生成する。
func NewFakeClock(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Now は現在の偽時刻を返す。
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance は時計を d だけ進める。
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}
