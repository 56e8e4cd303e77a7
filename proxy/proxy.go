package proxy

import (
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

type Proxy struct {
	addr       string
	router     Router
	dispatcher *Dispatcher
	stats      StatCollector
	clock      *Clock
	listener   net.Listener
	exitChan   chan struct{}
	exitOnce   sync.Once
	sessions   sync.WaitGroup
	mu         sync.Mutex
	conns      map[net.Conn]struct{}
}

func NewProxy(addr string, router Router, dispatcher *Dispatcher, stats StatCollector, clock *Clock) *Proxy {
	p := &Proxy{
		addr:       addr,
		router:     router,
		dispatcher: dispatcher,
		stats:      stats,
		clock:      clock,
		exitChan:   make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
	return p
}

// Listen binds the serving address, Run accepts on it
func (p *Proxy) Listen() error {
	l, err := net.Listen("tcp", p.addr)
	if err != nil {
		return err
	}
	p.listener = l
	log.Infof("proxy listens on %s", l.Addr())
	return nil
}

func (p *Proxy) Addr() net.Addr {
	return p.listener.Addr()
}

func (p *Proxy) Run() {
	if p.listener == nil {
		if err := p.Listen(); err != nil {
			log.Fatal(err)
		}
	}
	defer p.listener.Close()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.exitChan:
				log.Info("exit accept loop")
				return
			default:
			}
			log.Error(err)
			continue
		}
		log.Debugf("accept client: %s", conn.RemoteAddr())
		p.sessions.Add(1)
		go p.handleConnection(conn)
	}
}

func (p *Proxy) handleConnection(conn net.Conn) {
	defer p.sessions.Done()
	p.track(conn, true)
	defer p.track(conn, false)

	principal, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		principal = conn.RemoteAddr().String()
	}
	guard := NewFrontGuard(nil, principal, p.stats, p.clock)
	session := NewSession(NewSessionReadWriter(conn), p.router, p.dispatcher, guard)
	session.Run()
}

func (p *Proxy) track(conn net.Conn, add bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if add {
		select {
		case <-p.exitChan:
			conn.Close()
			return
		default:
		}
		p.conns[conn] = struct{}{}
	} else {
		delete(p.conns, conn)
	}
}

// Exit stops accepting, closes client connections and waits for their sessions
func (p *Proxy) Exit() {
	p.exitOnce.Do(func() {
		close(p.exitChan)
		if p.listener != nil {
			p.listener.Close()
		}
		p.mu.Lock()
		for conn := range p.conns {
			conn.Close()
		}
		p.mu.Unlock()
	})
	p.sessions.Wait()
}
