package proxy

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock is a coarse millisecond clock. A ticker refreshes it so that request
// accounting reads an atomic instead of asking the system for the time.
type Clock struct {
	now      atomic.Int64
	exit     chan struct{}
	exitOnce sync.Once
}

func NewClock(resolution time.Duration) *Clock {
	if resolution <= 0 {
		resolution = time.Millisecond
	}
	c := &Clock{exit: make(chan struct{})}
	c.update()
	go c.run(resolution)
	return c
}

func (c *Clock) run(resolution time.Duration) {
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.update()
		case <-c.exit:
			return
		}
	}
}

func (c *Clock) update() {
	c.now.Store(time.Now().UnixMilli())
}

func (c *Clock) NowMillis() int64 {
	return c.now.Load()
}

func (c *Clock) Stop() {
	c.exitOnce.Do(func() {
		close(c.exit)
	})
}
