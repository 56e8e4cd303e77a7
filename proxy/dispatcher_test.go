package proxy

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/redcon"
)

type fakeBackend struct {
	server string
	// chunks are delivered one by one once a request was written, nil keeps the backend silent
	chunks [][]byte
	// sync delivers the reply from inside Write
	sync     bool
	writeErr error

	mu       sync.Mutex
	onBytes  func([]byte) bool
	onError  func(error)
	written  [][]byte
	releases atomic.Int32
	healthy  atomic.Bool
}

func (b *fakeBackend) Server() string {
	return b.server
}

func (b *fakeBackend) Serve(onBytes func([]byte) bool, onError func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onBytes, b.onError = onBytes, onError
}

func (b *fakeBackend) Write(p []byte) error {
	if b.writeErr != nil {
		return b.writeErr
	}
	b.mu.Lock()
	b.written = append(b.written, p)
	onBytes := b.onBytes
	b.mu.Unlock()
	if b.chunks == nil {
		return nil
	}
	deliver := func() {
		for _, c := range b.chunks {
			if onBytes(c) {
				return
			}
		}
	}
	if b.sync {
		deliver()
	} else {
		go deliver()
	}
	return nil
}

func (b *fakeBackend) Release(healthy bool) {
	b.healthy.Store(healthy)
	b.releases.Add(1)
}

// deliver feeds a late reply, like a reading loop that raced the deadline
func (b *fakeBackend) deliver(p []byte) bool {
	b.mu.Lock()
	onBytes := b.onBytes
	b.mu.Unlock()
	return onBytes(p)
}

type fakePool struct {
	backends map[string]*fakeBackend
}

func (p *fakePool) Acquire(server string) (BackendConn, error) {
	b, ok := p.backends[server]
	if !ok {
		return nil, errors.New("dial tcp " + server + ": connection refused")
	}
	return b, nil
}

func newFakePool(backends ...*fakeBackend) *fakePool {
	p := &fakePool{backends: make(map[string]*fakeBackend)}
	for _, b := range backends {
		p.backends[b.server] = b
	}
	return p
}

type fakeFront struct {
	mu       sync.Mutex
	replies  []string
	writeErr error
	closed   atomic.Int32
	// closing cmds is the client hanging up
	cmds chan redcon.Command
}

func (f *fakeFront) ReadCommand() (redcon.Command, error) {
	cmd, ok := <-f.cmds
	if !ok {
		return redcon.Command{}, io.EOF
	}
	return cmd, nil
}

func (f *fakeFront) WriteReply(raw []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, string(raw))
	return len(raw), nil
}

func (f *fakeFront) Close() error {
	f.closed.Add(1)
	return nil
}

func (f *fakeFront) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4242}
}

func (f *fakeFront) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.replies...)
}

type countingLocker struct {
	mu      sync.Mutex
	locks   atomic.Int32
	unlocks atomic.Int32
}

func (l *countingLocker) Lock() {
	l.mu.Lock()
	l.locks.Add(1)
}

func (l *countingLocker) Unlock() {
	l.unlocks.Add(1)
	l.mu.Unlock()
}

type statRecord struct {
	principal    string
	cmd          string
	key          string
	requestSize  int
	responseSize int
	isError      bool
}

type recordingStats struct {
	mu      sync.Mutex
	records []statRecord
}

func (s *recordingStats) Record(principal, cmd string, key []byte, requestSize, responseSize int, latencyMillis int64, isError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, statRecord{principal, cmd, string(key), requestSize, responseSize, isError})
}

func (s *recordingStats) all() []statRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]statRecord(nil), s.records...)
}

type dispatchFixture struct {
	front *fakeFront
	lock  *countingLocker
	stats *recordingStats
	clock *Clock
	guard *FrontGuard
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	f := &dispatchFixture{
		front: &fakeFront{},
		lock:  &countingLocker{},
		stats: &recordingStats{},
		clock: NewClock(time.Millisecond),
	}
	t.Cleanup(f.clock.Stop)
	f.guard = NewFrontGuard(f.lock, "10.0.0.1", f.stats, f.clock)
	return f
}

func (f *dispatchFixture) assertLockBalanced(t *testing.T) {
	assert.Equal(t, f.lock.locks.Load(), f.lock.unlocks.Load())
	assert.True(t, f.lock.mu.TryLock(), "lock still held")
	f.lock.mu.Unlock()
}

// delRoute is DEL with one key on each server
func delRoute(servers ...string) *RouteResult {
	rr := &RouteResult{Cmd: DEL, NumKeys: len(servers), RequestSize: 32}
	for i, s := range servers {
		key := []byte{'k', byte('0' + i)}
		rr.Nodes = append(rr.Nodes, &RouteResultNode{
			Server:     s,
			Buffer:     encodeCommand(DEL, [][]byte{key}),
			Keys:       [][]byte{key},
			KeyIndexes: []int{i},
			NumReplies: 1,
		})
	}
	return rr
}

func waitDone(t *testing.T, mr *MultiRequest) error {
	select {
	case <-mr.Done():
		return mr.Err()
	case <-time.After(5 * time.Second):
		t.Fatal("request never finished")
		return nil
	}
}

func TestDispatchSumsTwoNodes(t *testing.T) {
	assert := assert.New(t)
	f := newDispatchFixture(t)
	a := &fakeBackend{server: "a", chunks: [][]byte{[]byte(":2\r\n")}}
	b := &fakeBackend{server: "b", chunks: [][]byte{[]byte(":"), []byte("0\r"), []byte("\n")}}
	d := NewDispatcher(newFakePool(a, b), time.Second, PartialErrorBestEffort)

	mr, err := d.Dispatch(delRoute("a", "b"), f.front, f.guard)
	require.NoError(t, err)
	assert.NoError(waitDone(t, mr))

	assert.Equal([]string{":2\r\n"}, f.front.written())
	assert.Equal(StateReplied, mr.State())
	for _, be := range []*fakeBackend{a, b} {
		assert.Equal(int32(1), be.releases.Load(), be.server)
		assert.True(be.healthy.Load(), be.server)
	}
	assert.Equal([]string{"*2\r\n$3\r\nDEL\r\n$2\r\nk0\r\n"}, toStrings(a.written))
	assert.Equal([]string{"*2\r\n$3\r\nDEL\r\n$2\r\nk1\r\n"}, toStrings(b.written))
	records := f.stats.all()
	require.Len(t, records, 1)
	assert.Equal(statRecord{"10.0.0.1", DEL, "k0", 32, 4, false}, records[0])
	f.assertLockBalanced(t)
}

func toStrings(bs [][]byte) []string {
	var out []string
	for _, b := range bs {
		out = append(out, string(b))
	}
	return out
}

func TestDispatchDecodeErrorBestEffort(t *testing.T) {
	assert := assert.New(t)
	f := newDispatchFixture(t)
	a := &fakeBackend{server: "a", chunks: [][]byte{[]byte(":2\r\n")}}
	b := &fakeBackend{server: "b", chunks: [][]byte{[]byte("!garbage\r\n")}}
	d := NewDispatcher(newFakePool(a, b), time.Second, PartialErrorBestEffort)

	mr, err := d.Dispatch(delRoute("a", "b"), f.front, f.guard)
	require.NoError(t, err)
	assert.NoError(waitDone(t, mr))

	assert.Equal([]string{":2\r\n"}, f.front.written())
	assert.True(a.healthy.Load())
	assert.False(b.healthy.Load())
	assert.Equal(int32(1), b.releases.Load())
	records := f.stats.all()
	require.Len(t, records, 1)
	assert.True(records[0].isError)
	f.assertLockBalanced(t)
}

func TestDispatchDecodeErrorStrict(t *testing.T) {
	assert := assert.New(t)
	f := newDispatchFixture(t)
	a := &fakeBackend{server: "a", chunks: [][]byte{[]byte(":2\r\n")}}
	b := &fakeBackend{server: "b", chunks: [][]byte{[]byte("!garbage\r\n")}}
	d := NewDispatcher(newFakePool(a, b), time.Second, PartialErrorStrict)

	mr, err := d.Dispatch(delRoute("a", "b"), f.front, f.guard)
	require.NoError(t, err)
	assert.NoError(waitDone(t, mr))

	replies := f.front.written()
	require.Len(t, replies, 1)
	assert.Contains(replies[0], "-ERR 1 of 2 shards failed: b: ")
	f.assertLockBalanced(t)
}

func TestDispatchFrontWriteError(t *testing.T) {
	assert := assert.New(t)
	f := newDispatchFixture(t)
	f.front.writeErr = io.ErrClosedPipe
	a := &fakeBackend{server: "a", chunks: [][]byte{[]byte(":1\r\n")}}
	b := &fakeBackend{server: "b", chunks: [][]byte{[]byte(":1\r\n")}}
	d := NewDispatcher(newFakePool(a, b), time.Second, PartialErrorBestEffort)

	mr, err := d.Dispatch(delRoute("a", "b"), f.front, f.guard)
	require.NoError(t, err)
	assert.ErrorIs(waitDone(t, mr), io.ErrClosedPipe)

	assert.Equal(StateFailed, mr.State())
	assert.Equal(int32(1), f.front.closed.Load())
	assert.Equal(int32(1), a.releases.Load())
	assert.Equal(int32(1), b.releases.Load())
	f.assertLockBalanced(t)
}

func TestDispatchTimeout(t *testing.T) {
	assert := assert.New(t)
	f := newDispatchFixture(t)
	a := &fakeBackend{server: "a", chunks: [][]byte{[]byte(":1\r\n")}}
	b := &fakeBackend{server: "b"}
	d := NewDispatcher(newFakePool(a, b), 50*time.Millisecond, PartialErrorBestEffort)

	mr, err := d.Dispatch(delRoute("a", "b"), f.front, f.guard)
	require.NoError(t, err)
	assert.ErrorIs(waitDone(t, mr), ErrRequestTimeout)

	assert.Equal([]string{"-" + ErrRequestTimeout.Error() + "\r\n"}, f.front.written())
	assert.Equal(int32(1), b.releases.Load())
	assert.False(b.healthy.Load())
	assert.Equal(int32(1), a.releases.Load())

	// the reply showing up after the deadline is dropped
	assert.True(b.deliver([]byte(":1\r\n")))
	assert.Len(f.front.written(), 1)
	assert.Equal(int32(1), b.releases.Load())
	f.assertLockBalanced(t)
}

func TestDispatchAcquireFailure(t *testing.T) {
	assert := assert.New(t)
	f := newDispatchFixture(t)
	a := &fakeBackend{server: "a", chunks: [][]byte{[]byte(":1\r\n")}}
	d := NewDispatcher(newFakePool(a), time.Second, PartialErrorBestEffort)

	mr, err := d.Dispatch(delRoute("a", "unreachable"), f.front, f.guard)
	require.NoError(t, err)
	assert.NoError(waitDone(t, mr))
	assert.Equal([]string{":1\r\n"}, f.front.written())
	f.assertLockBalanced(t)
}

func TestDispatchAllNodesUnreachable(t *testing.T) {
	f := newDispatchFixture(t)
	d := NewDispatcher(newFakePool(), time.Second, PartialErrorStrict)

	mr, err := d.Dispatch(delRoute("x", "y"), f.front, f.guard)
	require.NoError(t, err)
	assert.NoError(t, waitDone(t, mr))
	replies := f.front.written()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "-ERR 2 of 2 shards failed")
}

func TestDispatchBackendWriteError(t *testing.T) {
	assert := assert.New(t)
	f := newDispatchFixture(t)
	a := &fakeBackend{server: "a", chunks: [][]byte{[]byte(":3\r\n")}}
	b := &fakeBackend{server: "b", writeErr: errors.New("broken pipe")}
	d := NewDispatcher(newFakePool(a, b), time.Second, PartialErrorBestEffort)

	mr, err := d.Dispatch(delRoute("a", "b"), f.front, f.guard)
	require.NoError(t, err)
	assert.NoError(waitDone(t, mr))
	assert.Equal([]string{":3\r\n"}, f.front.written())
	assert.Equal(int32(1), b.releases.Load())
	assert.False(b.healthy.Load())
}

// every node answers before Dispatch wrote the next sub-request
func TestDispatchSynchronousReplies(t *testing.T) {
	assert := assert.New(t)
	for round := 0; round < 20; round++ {
		f := newDispatchFixture(t)
		var backends []*fakeBackend
		var servers []string
		for i := 0; i < 5; i++ {
			s := string(rune('a' + i))
			backends = append(backends, &fakeBackend{server: s, sync: true, chunks: [][]byte{[]byte(":1\r\n")}})
			servers = append(servers, s)
		}
		d := NewDispatcher(newFakePool(backends...), time.Second, PartialErrorBestEffort)
		mr, err := d.Dispatch(delRoute(servers...), f.front, f.guard)
		require.NoError(t, err)
		assert.NoError(waitDone(t, mr))
		assert.Equal([]string{":5\r\n"}, f.front.written())
		for _, b := range backends {
			assert.Equal(int32(1), b.releases.Load())
		}
		f.assertLockBalanced(t)
	}
}

func TestDispatchEmptyRoute(t *testing.T) {
	f := newDispatchFixture(t)
	d := NewDispatcher(newFakePool(), time.Second, PartialErrorBestEffort)
	_, err := d.Dispatch(&RouteResult{Cmd: DEL}, f.front, f.guard)
	assert.ErrorIs(t, err, ERR_EMPTY_ROUTE)
	assert.Empty(t, f.front.written())
}

func TestParsePartialErrorPolicy(t *testing.T) {
	p, err := ParsePartialErrorPolicy("strict")
	assert.NoError(t, err)
	assert.Equal(t, PartialErrorStrict, p)
	p, err = ParsePartialErrorPolicy("")
	assert.NoError(t, err)
	assert.Equal(t, "best-effort", p.String())
	_, err = ParsePartialErrorPolicy("lenient")
	assert.Error(t, err)
}
