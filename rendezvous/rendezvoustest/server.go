// Package rendezvoustest provides an in-memory rendezvous server for tests.
// It speaks the same JSON-over-websocket protocol as a production server but
// keeps all nameplate and mailbox state in process so tests never touch the
// network beyond the loopback interface.
package rendezvoustest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// frame is the union of all client and server frame shapes. The server
// decodes client frames into it and encodes server frames out of it.
type frame struct {
	Type      string   `json:"type"`
	AppID     string   `json:"appid,omitempty"`
	Side      string   `json:"side,omitempty"`
	Nameplate string   `json:"nameplate,omitempty"`
	Mailbox   string   `json:"mailbox,omitempty"`
	Phase     string   `json:"phase,omitempty"`
	Body      string   `json:"body,omitempty"`
	Mood      string   `json:"mood,omitempty"`
	Error     string   `json:"error,omitempty"`
	Welcome   *welcome `json:"welcome,omitempty"`
}

type welcome struct {
	MOTD string `json:"motd,omitempty"`
}

type nameplate struct {
	mailbox string
	claims  int
}

type storedMessage struct {
	side  string
	phase string
	body  string
}

type mailbox struct {
	stored   []storedMessage
	watchers map[*session]bool
}

// session is one websocket connection to the server.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	side    string
	mailbox string
}

func (s *session) send(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is an in-memory rendezvous server bound to a loopback httptest
// listener. Create one with NewServer and stop it with Close.
type Server struct {
	httpSrv  *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	motd          string
	nextNameplate int
	nameplates    map[string]*nameplate
	mailboxes     map[string]*mailbox
}

// NewServer starts an in-memory rendezvous server on the loopback interface.
func NewServer() *Server {
	s := &Server{
		nameplates: make(map[string]*nameplate),
		mailboxes:  make(map[string]*mailbox),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1", s.handle)
	s.httpSrv = httptest.NewServer(mux)

	logrus.WithFields(logrus.Fields{
		"function": "NewServer",
		"url":      s.URL(),
	}).Debug("In-memory rendezvous server started")
	return s
}

// URL returns the websocket URL clients should dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpSrv.URL, "http") + "/v1"
}

// SetMOTD sets the message of the day delivered in welcome frames.
func (s *Server) SetMOTD(motd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motd = motd
}

// ClaimCount reports how many claims a nameplate has received in total.
// Claims are never forgotten, which is what lets a redeemed code be
// recognized when someone tries to reuse it.
func (s *Server) ClaimCount(nameplate string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	np, ok := s.nameplates[nameplate]
	if !ok {
		return 0
	}
	return np.claims
}

// Close shuts the server down and drops all state.
func (s *Server) Close() {
	s.httpSrv.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := &session{conn: conn}
	defer s.dropSession(sess)

	s.mu.Lock()
	motd := s.motd
	s.mu.Unlock()
	sess.send(frame{Type: "welcome", Welcome: &welcome{MOTD: motd}})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			sess.send(frame{Type: "error", Error: "malformed frame"})
			continue
		}
		s.dispatch(sess, f)
	}
}

func (s *Server) dispatch(sess *session, f frame) {
	switch f.Type {
	case "bind":
		sess.side = f.Side
		sess.send(frame{Type: "ack"})
	case "allocate":
		sess.send(frame{Type: "allocated", Nameplate: s.allocate()})
	case "claim":
		mbox, err := s.claim(f.Nameplate)
		if err != "" {
			sess.send(frame{Type: "error", Error: err})
			return
		}
		sess.send(frame{Type: "claimed", Mailbox: mbox})
	case "open":
		s.open(sess, f.Mailbox)
		sess.send(frame{Type: "ack"})
	case "add":
		s.add(sess, f.Phase, f.Body)
		sess.send(frame{Type: "ack"})
	case "release":
		sess.send(frame{Type: "released", Nameplate: f.Nameplate})
	case "close":
		s.closeMailbox(sess, f.Mailbox)
		sess.send(frame{Type: "closed", Mailbox: f.Mailbox})
	default:
		sess.send(frame{Type: "error", Error: "unknown frame type " + f.Type})
	}
}

func (s *Server) allocate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextNameplate++
	label := strconv.Itoa(s.nextNameplate)
	s.nameplates[label] = &nameplate{mailbox: "mb-" + label}
	return label
}

// claim returns the nameplate's mailbox, or a non-empty error reason. A
// claim on an unknown nameplate creates it, mirroring production servers
// where a receiver may arrive before the sender's allocation is visible.
func (s *Server) claim(label string) (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	np, ok := s.nameplates[label]
	if !ok {
		np = &nameplate{mailbox: "mb-" + label}
		s.nameplates[label] = np
	}
	if np.claims >= 2 {
		return "", "crowded"
	}
	np.claims++
	if _, ok := s.mailboxes[np.mailbox]; !ok {
		s.mailboxes[np.mailbox] = &mailbox{watchers: make(map[*session]bool)}
	}
	return np.mailbox, ""
}

// open registers the session as a watcher and replays stored messages so a
// late-opening side observes the full history.
func (s *Server) open(sess *session, id string) {
	s.mu.Lock()
	mb, ok := s.mailboxes[id]
	if !ok {
		mb = &mailbox{watchers: make(map[*session]bool)}
		s.mailboxes[id] = mb
	}
	mb.watchers[sess] = true
	sess.mailbox = id
	replay := make([]storedMessage, len(mb.stored))
	copy(replay, mb.stored)
	s.mu.Unlock()

	for _, msg := range replay {
		sess.send(frame{Type: "message", Side: msg.side, Phase: msg.phase, Body: msg.body})
	}
}

// add stores a message in the session's open mailbox and broadcasts it to
// every watcher, the sender included. The echo doubles as delivery
// confirmation for the sender.
func (s *Server) add(sess *session, phase, body string) {
	s.mu.Lock()
	mb, ok := s.mailboxes[sess.mailbox]
	if !ok {
		s.mu.Unlock()
		sess.send(frame{Type: "error", Error: "no open mailbox"})
		return
	}
	mb.stored = append(mb.stored, storedMessage{side: sess.side, phase: phase, body: body})
	watchers := make([]*session, 0, len(mb.watchers))
	for w := range mb.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		w.send(frame{Type: "message", Side: sess.side, Phase: phase, Body: body})
	}
}

func (s *Server) closeMailbox(sess *session, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mb, ok := s.mailboxes[id]; ok {
		delete(mb.watchers, sess)
	}
	if sess.mailbox == id {
		sess.mailbox = ""
	}
}

func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	for _, mb := range s.mailboxes {
		delete(mb.watchers, sess)
	}
	s.mu.Unlock()
	_ = sess.conn.Close()
}
