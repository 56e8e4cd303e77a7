package proxy

import (
	"sync"
)

// FrontSession is the telemetry of the request currently running on a client connection
type FrontSession struct {
	RequestTimeMillis int64
	RequestCmd        string
	RequestKey        []byte
	RequestSize       int
	ResponseSize      int
}

// FrontGuard serializes reply writing on one client connection
type FrontGuard struct {
	lock      sync.Locker
	session   FrontSession
	principal string
	stats     StatCollector
	clock     *Clock
}

// NewFrontGuard uses a plain mutex when lock is nil
func NewFrontGuard(lock sync.Locker, principal string, stats StatCollector, clock *Clock) *FrontGuard {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &FrontGuard{
		lock:      lock,
		principal: principal,
		stats:     stats,
		clock:     clock,
	}
}

// Begin records the request metadata, it must run before any byte of the request is sent
func (g *FrontGuard) Begin(cmd string, key []byte, requestSize int) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.session = FrontSession{
		RequestTimeMillis: g.clock.NowMillis(),
		RequestCmd:        cmd,
		RequestKey:        key,
		RequestSize:       requestSize,
	}
}

// WithLock runs body with the connection locked. The lock is released whichever way body exits, panics included.
func (g *FrontGuard) WithLock(body func(session *FrontSession) error) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	return body(&g.session)
}

// record must be called with the lock held
func (g *FrontGuard) record(session *FrontSession, responseSize int, isError bool) {
	session.ResponseSize = responseSize
	if g.stats == nil {
		return
	}
	latency := g.clock.NowMillis() - session.RequestTimeMillis
	g.stats.Record(g.principal, session.RequestCmd, session.RequestKey,
		session.RequestSize, responseSize, latency, isError)
}
