package proxy

import (
	"errors"
	"io"
	"net"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/redcon"
)

var (
	BLACK_CMD_ERR = "ERR unsupported command"
)

type RespReadWriter interface {
	ReadCommand() (redcon.Command, error)
	WriteReply(raw []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
}

/**
* SessionReadWriter负责client端读写,
* 写出没有使用buffer io
 */
type SessionReadWriter struct {
	net.Conn
	reader *redcon.Reader
}

func NewSessionReadWriter(conn net.Conn) *SessionReadWriter {
	return &SessionReadWriter{
		Conn:   conn,
		reader: redcon.NewReader(conn),
	}
}

func (s *SessionReadWriter) ReadCommand() (cmd redcon.Command, err error) {
	if cmd, err = s.reader.ReadCommand(); err != nil && err != io.EOF {
		log.Error("read from client ", err, s.RemoteAddr())
	}
	return
}

func (s *SessionReadWriter) WriteReply(raw []byte) (n int, err error) {
	if n, err = s.Write(raw); err != nil {
		log.Error("write to client ", err, s.RemoteAddr())
	}
	return
}

// Session represents a connection between client and proxy.
// Commands are handled one at a time: the next command is read only after the
// reply of the previous one was written, so replies keep the request order even
// though the sub-requests of one command complete in any order.
type Session struct {
	io         RespReadWriter
	router     Router
	dispatcher *Dispatcher
	guard      *FrontGuard
}

func NewSession(io RespReadWriter, router Router, dispatcher *Dispatcher, guard *FrontGuard) *Session {
	session := &Session{
		io:         io,
		router:     router,
		dispatcher: dispatcher,
		guard:      guard,
	}
	return session
}

func (s *Session) Run() {
	defer func() {
		s.io.Close()
		log.Info("exit session ", s.io.RemoteAddr())
	}()
	for {
		cmd, err := s.io.ReadCommand()
		if err != nil {
			return
		}
		if err = s.handleCommand(cmd); err != nil {
			return
		}
	}
}

func (s *Session) handleCommand(cmd redcon.Command) error {
	if len(cmd.Args) == 0 {
		return nil
	}
	name := strings.ToUpper(string(cmd.Args[0]))
	switch {
	case name == "PING":
		return s.writeLocal(NewStatusReply("PONG"))
	case name == "QUIT":
		s.writeLocal(NewStatusReply("OK"))
		return io.EOF
	case IsBlackListCmd(name):
		return s.writeLocal(NewErrorReply(BLACK_CMD_ERR))
	}

	route, err := s.router.Route(cmd)
	if err != nil {
		return s.writeLocal(NewErrorReply(err.Error()))
	}
	mr, err := s.dispatcher.Dispatch(route, s.io, s.guard)
	if err != nil {
		return s.writeLocal(NewErrorReply("ERR " + err.Error()))
	}
	// a timeout was already answered, anything else means the client is gone
	if err = mr.Err(); err != nil && !errors.Is(err, ErrRequestTimeout) {
		return err
	}
	return nil
}

// writeLocal answers a command the proxy handles itself
func (s *Session) writeLocal(reply *Reply) error {
	return s.guard.WithLock(func(session *FrontSession) error {
		_, err := s.io.WriteReply(reply.Raw)
		return err
	})
}
