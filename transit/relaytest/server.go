// Package relaytest provides an in-process transit relay for tests. It
// implements the same line protocol as a production relay: each client sends
// "please relay <token>\n", and once two clients present the same token the
// relay answers both with "ok\n" and splices their streams together.
package relaytest

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nybble04/libpylon/transit"
)

const (
	relayPrefix = "please relay "
	tokenHexLen = 64
)

// Server is a loopback transit relay. Create one with NewServer and stop it
// with Close.
type Server struct {
	listener net.Listener

	mu      sync.Mutex
	waiting map[string]net.Conn
	closed  bool
}

// NewServer starts a relay on an ephemeral loopback port.
func NewServer() (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to bind relay listener: %w", err)
	}
	s := &Server{
		listener: listener,
		waiting:  make(map[string]net.Conn),
	}
	go s.acceptLoop()

	logrus.WithFields(logrus.Fields{
		"function": "NewServer",
		"addr":     listener.Addr().String(),
	}).Debug("In-memory transit relay started")
	return s, nil
}

// Hint returns the relay's location for use in transit configs.
func (s *Server) Hint() transit.RelayHint {
	addr := s.listener.Addr().(*net.TCPAddr)
	return transit.RelayHint{Host: addr.IP.String(), Port: uint16(addr.Port)}
}

// URL returns the relay's location as a tcp:// URL.
func (s *Server) URL() string {
	return "tcp://" + s.Hint().Addr()
}

// Close stops the relay and drops all parked connections.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	parked := make([]net.Conn, 0, len(s.waiting))
	for _, conn := range s.waiting {
		parked = append(parked, conn)
	}
	s.waiting = make(map[string]net.Conn)
	s.mu.Unlock()

	s.listener.Close()
	for _, conn := range parked {
		conn.Close()
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

// handle reads the fixed-size relay request line and either parks the
// connection or matches it with the waiting peer.
func (s *Server) handle(conn net.Conn) {
	request := make([]byte, len(relayPrefix)+tokenHexLen+1)
	if _, err := io.ReadFull(conn, request); err != nil {
		conn.Close()
		return
	}
	line := string(request)
	if !strings.HasPrefix(line, relayPrefix) || line[len(line)-1] != '\n' {
		conn.Close()
		return
	}
	token := line[len(relayPrefix) : len(line)-1]

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	peer, ok := s.waiting[token]
	if !ok {
		s.waiting[token] = conn
		s.mu.Unlock()
		return
	}
	delete(s.waiting, token)
	s.mu.Unlock()

	if _, err := conn.Write([]byte("ok\n")); err != nil {
		conn.Close()
		peer.Close()
		return
	}
	if _, err := peer.Write([]byte("ok\n")); err != nil {
		conn.Close()
		peer.Close()
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handle",
		"token":    token[:8],
	}).Debug("Relay pair matched, splicing")
	go splice(conn, peer)
	go splice(peer, conn)
}

// splice copies one direction until either side closes, then tears down
// both so the opposite copy unblocks.
func splice(dst, src net.Conn) {
	_, _ = io.Copy(dst, src)
	dst.Close()
	src.Close()
}
