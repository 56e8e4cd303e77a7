package proxy

import (
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	pool "gopkg.in/fatih/pool.v2"
)

const (
	DEFAULT_READ_BUFFER_SIZE = 4096
)

// BackendConn is a backend connection held by a single request until its node finishes
type BackendConn interface {
	Server() string
	Write(p []byte) error
	// Serve delivers everything read from the backend to onBytes, in arrival order, until
	// onBytes returns true. A read failure is handed to onError and ends delivery.
	Serve(onBytes func(p []byte) (stop bool), onError func(err error))
	// Release gives the connection back. Unhealthy connections are closed, which also
	// unblocks a pending read. Only the first call has an effect.
	Release(healthy bool)
}

// BackendPool hands out backend connections
type BackendPool interface {
	Acquire(server string) (BackendConn, error)
}

// BackendSession wraps a pooled connection to a backend server. Its reading loop is the
// only place bytes from that server enter the proxy.
type BackendSession struct {
	server         string
	conn           net.Conn
	readBufferSize int
	writeTimeout   time.Duration
	releaseOnce    sync.Once
}

func NewBackendSession(server string, conn net.Conn, readBufferSize int, writeTimeout time.Duration) *BackendSession {
	if readBufferSize <= 0 {
		readBufferSize = DEFAULT_READ_BUFFER_SIZE
	}
	return &BackendSession{
		server:         server,
		conn:           conn,
		readBufferSize: readBufferSize,
		writeTimeout:   writeTimeout,
	}
}

func (s *BackendSession) Server() string {
	return s.server
}

func (s *BackendSession) Write(p []byte) (err error) {
	if s.writeTimeout > 0 {
		if err = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return
		}
	}
	if _, err = s.conn.Write(p); err != nil {
		log.Errorf("write to backend failed, server=%s,err=%s", s.server, err)
	}
	return
}

func (s *BackendSession) Serve(onBytes func(p []byte) bool, onError func(err error)) {
	go s.readingLoop(onBytes, onError)
}

func (s *BackendSession) readingLoop(onBytes func(p []byte) bool, onError func(err error)) {
	buf := make([]byte, s.readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 && onBytes(buf[:n]) {
			return
		}
		if err != nil {
			log.Debugf("exit reading loop, server=%s,err=%s", s.server, err)
			onError(err)
			return
		}
	}
}

func (s *BackendSession) Release(healthy bool) {
	s.releaseOnce.Do(func() {
		if !healthy {
			if pc, ok := s.conn.(*pool.PoolConn); ok {
				pc.MarkUnusable()
			}
		} else if s.writeTimeout > 0 {
			s.conn.SetWriteDeadline(time.Time{})
		}
		s.conn.Close()
	})
}
