package transit

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

// Role distinguishes the two ends of a transit connection. The sender
// selects the winning path; the receiver follows its choice.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleReceiver:
		return "receiver"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// relayGrace is how long relay candidates wait before dialing when a direct
// path is also being attempted, so direct connections win ties.
const relayGrace = 300 * time.Millisecond

// foundBuffer sizes the qualified-candidate queue. Qualified sockets beyond
// the winner are dismissed, so the buffer only needs to absorb a burst.
const foundBuffer = 16

var (
	// ErrKeySize is returned when the transit key is not 32 bytes.
	ErrKeySize = errors.New("transit key must be 32 bytes")

	// ErrNoAbilities is returned when an Endpoint is configured with no
	// connection methods at all.
	ErrNoAbilities = errors.New("no transit abilities enabled")

	// ErrNoCommonAbilities is returned when the peers share no connection
	// method.
	ErrNoCommonAbilities = errors.New("no transit abilities in common with peer")

	// ErrTransitFailed is returned when every candidate path was tried and
	// none qualified.
	ErrTransitFailed = errors.New("all transit paths failed")

	// ErrBadHandshake is returned for a candidate whose token handshake did
	// not match, meaning the socket does not belong to our peer.
	ErrBadHandshake = errors.New("transit handshake mismatch")
)

// Handshake line layout. Tokens are 32 bytes, hex encoded.
const (
	goLine        = "go\n"
	nevermindLine = "nevermind\n"
	relayOKLine   = "ok\n"
)

func senderLine(token []byte) string {
	return fmt.Sprintf("transit sender %x ready\n\n", token)
}

func receiverLine(token []byte) string {
	return fmt.Sprintf("transit receiver %x ready\n\n", token)
}

func relayLine(token []byte) string {
	return fmt.Sprintf("please relay %x\n", token)
}

// Config parameterizes an Endpoint.
type Config struct {
	// Key is the 32-byte transit key both sides derived from their session.
	Key []byte

	// Abilities are the connection methods this side is willing to use.
	Abilities Abilities

	// RelayHints are relay servers offered to the peer and dialed locally
	// when the relay ability is enabled.
	RelayHints []RelayHint
}

// Endpoint is one side's transit state for a single connection attempt:
// a bound listener, the handshake tokens and the record keys. Create it
// before advertising hints and close it once the connection is done.
type Endpoint struct {
	cfg      Config
	listener net.Listener

	senderToken   []byte
	receiverToken []byte
	relayToken    []byte

	senderKey   [32]byte
	receiverKey [32]byte
}

// NewEndpoint derives the handshake tokens and record keys from the transit
// key and, when direct TCP is enabled, binds a listener on an ephemeral
// port.
func NewEndpoint(cfg Config) (*Endpoint, error) {
	if len(cfg.Key) != 32 {
		return nil, fmt.Errorf("%w, got %d", ErrKeySize, len(cfg.Key))
	}
	if cfg.Abilities == AbilitiesNone {
		return nil, ErrNoAbilities
	}

	e := &Endpoint{cfg: cfg}
	e.senderToken = deriveTransit(cfg.Key, "transit-sender-token")
	e.receiverToken = deriveTransit(cfg.Key, "transit-receiver-token")
	e.relayToken = deriveTransit(cfg.Key, "transit-relay-token")
	copy(e.senderKey[:], deriveTransit(cfg.Key, "transit-record-sender"))
	copy(e.receiverKey[:], deriveTransit(cfg.Key, "transit-record-receiver"))

	if cfg.Abilities.Has(AbilityDirectTCP) {
		listener, err := net.Listen("tcp", ":0")
		if err != nil {
			return nil, fmt.Errorf("failed to bind transit listener: %w", err)
		}
		e.listener = listener
		logrus.WithFields(logrus.Fields{
			"function": "NewEndpoint",
			"addr":     listener.Addr().String(),
		}).Debug("Transit listener bound")
	}
	return e, nil
}

func deriveTransit(key []byte, purpose string) []byte {
	kdf := hkdf.New(sha256.New, key, nil, []byte(purpose))
	out := make([]byte, 32)
	if _, err := io.ReadFull(kdf, out); err != nil {
		panic(fmt.Sprintf("hkdf failure: %v", err))
	}
	return out
}

// Abilities returns the connection methods this endpoint was configured
// with.
func (e *Endpoint) Abilities() Abilities {
	return e.cfg.Abilities
}

// Hints returns the ways the peer can reach this endpoint: one direct hint
// per local IPv4 address plus the configured relays.
func (e *Endpoint) Hints() []Hint {
	var hints []Hint
	if e.listener != nil {
		port := uint16(e.listener.Addr().(*net.TCPAddr).Port)
		for _, host := range localIPv4Hosts() {
			hints = append(hints, Hint{Type: hintDirect, Host: host, Port: port})
		}
	}
	if e.cfg.Abilities.Has(AbilityRelay) {
		for _, relay := range e.cfg.RelayHints {
			hints = append(hints, Hint{Type: hintRelay, Host: relay.Host, Port: relay.Port, Priority: 1})
		}
	}
	return hints
}

// localIPv4Hosts enumerates candidate local addresses, loopback included so
// same-host peers can connect directly.
func localIPv4Hosts() []string {
	var hosts []string
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				hosts = append(hosts, ip4.String())
			}
		}
	}
	if len(hosts) == 0 {
		hosts = append(hosts, "127.0.0.1")
	}
	return hosts
}

// Close releases the endpoint's listener. Connect's cleanup also closes it,
// so Close only matters when Connect was never reached.
func (e *Endpoint) Close() error {
	if e.listener != nil {
		return e.listener.Close()
	}
	return nil
}

// Connect races every path the two sides share and returns the connection
// on the winning one. The sender confirms its chosen socket with a "go"
// line and dismisses the rest; the receiver waits for the "go". An Endpoint
// supports a single Connect call.
func (e *Endpoint) Connect(ctx context.Context, role Role, peerAbilities Abilities, peerHints []Hint) (*Conn, error) {
	common := e.cfg.Abilities & peerAbilities
	if common == AbilitiesNone {
		return nil, fmt.Errorf("%w: local %s, peer %s", ErrNoCommonAbilities, e.cfg.Abilities, peerAbilities)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"role":     role.String(),
		"common":   common.String(),
		"hints":    len(peerHints),
	}).Info("Negotiating transit connection")

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan net.Conn, foundBuffer)
	var wg sync.WaitGroup

	direct := common.Has(AbilityDirectTCP)
	if direct && e.listener != nil {
		wg.Add(1)
		go e.acceptCandidates(raceCtx, role, found, &wg)
	}
	for _, hint := range peerHints {
		switch {
		case hint.Type == hintDirect && direct:
			wg.Add(1)
			go e.dialCandidate(raceCtx, role, hint.addr(), false, 0, found, &wg)
		case hint.Type == hintRelay && common.Has(AbilityRelay):
			// handled below together with our own relays
		}
	}
	if common.Has(AbilityRelay) {
		grace := time.Duration(0)
		if direct {
			grace = relayGrace
		}
		for _, addr := range e.relayAddrs(peerHints) {
			wg.Add(1)
			go e.dialCandidate(raceCtx, role, addr, true, grace, found, &wg)
		}
	}
	go func() {
		wg.Wait()
		close(found)
	}()

	// Whatever happens, dismiss candidates that qualify after the decision.
	defer func() {
		go func() {
			for sock := range found {
				if role == RoleSender {
					_, _ = sock.Write([]byte(nevermindLine))
				}
				_ = sock.Close()
			}
		}()
	}()

	var winner net.Conn
	select {
	case sock, ok := <-found:
		if !ok {
			return nil, ErrTransitFailed
		}
		winner = sock
	case <-ctx.Done():
		return nil, fmt.Errorf("transit negotiation aborted: %w", ctx.Err())
	}
	cancel()

	if role == RoleSender {
		if _, err := winner.Write([]byte(goLine)); err != nil {
			winner.Close()
			return nil, fmt.Errorf("failed to confirm transit path: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"role":     role.String(),
		"peer":     winner.RemoteAddr().String(),
	}).Info("Transit connection established")

	if role == RoleSender {
		return newConn(winner, e.senderKey, e.receiverKey), nil
	}
	return newConn(winner, e.receiverKey, e.senderKey), nil
}

// relayAddrs merges our configured relays with the peer's relay hints,
// deduplicated by address.
func (e *Endpoint) relayAddrs(peerHints []Hint) []string {
	seen := make(map[string]bool)
	var addrs []string
	add := func(addr string) {
		if !seen[addr] {
			seen[addr] = true
			addrs = append(addrs, addr)
		}
	}
	for _, relay := range e.cfg.RelayHints {
		add(relay.Addr())
	}
	for _, hint := range peerHints {
		if hint.Type == hintRelay {
			add(hint.addr())
		}
	}
	return addrs
}

func (e *Endpoint) acceptCandidates(ctx context.Context, role Role, found chan<- net.Conn, wg *sync.WaitGroup) {
	defer wg.Done()
	stop := context.AfterFunc(ctx, func() { e.listener.Close() })
	defer stop()

	for {
		sock, err := e.listener.Accept()
		if err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.qualify(ctx, sock, role, false, found)
		}()
	}
}

func (e *Endpoint) dialCandidate(ctx context.Context, role Role, addr string, viaRelay bool, grace time.Duration, found chan<- net.Conn, wg *sync.WaitGroup) {
	defer wg.Done()

	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}

	var dialer net.Dialer
	sock, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dialCandidate",
			"addr":     addr,
			"relay":    viaRelay,
			"error":    err,
		}).Debug("Transit candidate dial failed")
		return
	}
	e.qualify(ctx, sock, role, viaRelay, found)
}

// qualify runs the token handshake on one candidate socket and hands
// verified sockets to the coordinator. Everything else is closed.
func (e *Endpoint) qualify(ctx context.Context, sock net.Conn, role Role, viaRelay bool, found chan<- net.Conn) {
	ok := false
	defer func() {
		if !ok {
			sock.Close()
		}
	}()
	stop := context.AfterFunc(ctx, func() { sock.Close() })
	defer stop()

	if viaRelay {
		if _, err := sock.Write([]byte(relayLine(e.relayToken))); err != nil {
			return
		}
		if err := expectExact(sock, relayOKLine); err != nil {
			return
		}
	}

	var err error
	switch role {
	case RoleSender:
		if _, err = sock.Write([]byte(senderLine(e.senderToken))); err != nil {
			return
		}
		err = expectExact(sock, receiverLine(e.receiverToken))
	case RoleReceiver:
		if _, err = sock.Write([]byte(receiverLine(e.receiverToken))); err != nil {
			return
		}
		if err = expectExact(sock, senderLine(e.senderToken)); err == nil {
			err = expectGo(sock)
		}
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "qualify",
			"role":     role.String(),
			"relay":    viaRelay,
			"error":    err,
		}).Debug("Transit candidate disqualified")
		return
	}

	// Detach from the race context before handing the socket over, so a
	// cancellation arriving as the coordinator picks this winner cannot
	// close it underneath them.
	stop()

	select {
	case found <- sock:
		ok = true
	case <-ctx.Done():
	}
}

// expectExact reads exactly the wanted bytes. Token lines have fixed
// lengths, so no buffered over-read can swallow record data that follows.
func expectExact(sock net.Conn, want string) error {
	got := make([]byte, len(want))
	if _, err := io.ReadFull(sock, got); err != nil {
		return fmt.Errorf("handshake read failed: %w", err)
	}
	if subtle.ConstantTimeCompare(got, []byte(want)) != 1 {
		return ErrBadHandshake
	}
	return nil
}

// expectGo waits for the sender's decision on this socket. A "go" wins;
// a "nevermind" or connection loss means another path was chosen.
func expectGo(sock net.Conn) error {
	first := make([]byte, 1)
	if _, err := io.ReadFull(sock, first); err != nil {
		return fmt.Errorf("handshake read failed: %w", err)
	}
	if first[0] != 'g' {
		return ErrBadHandshake
	}
	return expectExact(sock, goLine[1:])
}
