package proxy

import (
	"net"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
	pool "gopkg.in/fatih/pool.v2"
)

// ConnPool keeps one channel pool of idle connections per backend server
type ConnPool struct {
	pools          *xsync.MapOf[string, pool.Pool]
	maxIdle        int
	connTimeout    time.Duration
	readBufferSize int
	writeTimeout   time.Duration
}

func NewConnPool(maxIdle int, connTimeout time.Duration) *ConnPool {
	if maxIdle <= 0 {
		maxIdle = 1
	}
	p := &ConnPool{
		pools:       xsync.NewMapOf[string, pool.Pool](),
		maxIdle:     maxIdle,
		connTimeout: connTimeout,
	}
	return p
}

// WithBuffers sets the read chunk size and write timeout of acquired backend sessions
func (cp *ConnPool) WithBuffers(readBufferSize int, writeTimeout time.Duration) *ConnPool {
	cp.readBufferSize = readBufferSize
	cp.writeTimeout = writeTimeout
	return cp
}

func (cp *ConnPool) GetConn(server string) (net.Conn, error) {
	// creating a pool is cheap and happens once per server
	p, _ := cp.pools.LoadOrCompute(server, func() pool.Pool {
		log.Infof("create conn pool, server=%s", server)
		// only fails for invalid capacities, maxIdle is checked in NewConnPool
		p, _ := pool.NewChannelPool(0, cp.maxIdle, func() (net.Conn, error) {
			return net.DialTimeout("tcp", server, cp.connTimeout)
		})
		return p
	})
	return p.Get()
}

func (cp *ConnPool) Acquire(server string) (BackendConn, error) {
	conn, err := cp.GetConn(server)
	if err != nil {
		log.Errorf("get conn failed, server=%s,err=%s", server, err)
		return nil, err
	}
	return NewBackendSession(server, conn, cp.readBufferSize, cp.writeTimeout), nil
}

// Idle returns the number of idle connections kept for server
func (cp *ConnPool) Idle(server string) int {
	if p, ok := cp.pools.Load(server); ok {
		return p.Len()
	}
	return 0
}

func (cp *ConnPool) Remove(server string) {
	if p, ok := cp.pools.LoadAndDelete(server); ok {
		p.Close()
	}
}

func (cp *ConnPool) Close() {
	cp.pools.Range(func(server string, p pool.Pool) bool {
		cp.Remove(server)
		return true
	})
}
