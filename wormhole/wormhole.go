package wormhole

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/nybble04/libpylon/rendezvous"
	"github.com/nybble04/libpylon/wordlist"
)

// Mailbox phases used by the handshake. Application records use numbered
// phases starting at "0".
const (
	phasePake1   = "pake-1"
	phasePake2   = "pake-2"
	phaseVersion = "version"
	phaseError   = "error"
)

var (
	// ErrKeyConfirmation is returned when the peer's handshake message fails
	// to authenticate, meaning the two sides hold different codes or the
	// channel is under attack.
	ErrKeyConfirmation = errors.New("key confirmation failed")

	// ErrNoPeer is returned by PendingConnection.Wait when the pending
	// handshake was cancelled before a peer arrived.
	ErrNoPeer = errors.New("handshake cancelled before a peer connected")
)

// PeerError is an error the peer posted to the mailbox, for example after
// its own key confirmation failed.
type PeerError struct {
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer reported error: %s", e.Message)
}

// noiseSuite fixes the cipher suite for the code-keyed handshake. Both sides
// must agree on it, so it is a constant of the protocol.
var noiseSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// AppConfig identifies an application to the rendezvous server. Two peers
// can only meet if they use the same ID.
type AppConfig struct {
	// ID namespaces nameplates on the rendezvous server.
	ID string

	// RendezvousURL is the websocket URL of the rendezvous server.
	RendezvousURL string

	// AppVersion is advertised to the peer during the version exchange.
	AppVersion string

	// CodeLength is the number of words in generated codes. Zero means 2.
	CodeLength int
}

func (cfg AppConfig) withDefaults() AppConfig {
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 2
	}
	if cfg.AppVersion == "" {
		cfg.AppVersion = "0"
	}
	return cfg
}

// pakeKey stretches a code into the 32-byte pre-shared key for the Noise
// handshake. The application ID is mixed in so identical codes under
// different applications produce unrelated keys.
func pakeKey(appID, code string) []byte {
	kdf := hkdf.New(sha256.New, []byte(code), nil, []byte("pylon-pake/"+appID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		panic(fmt.Sprintf("hkdf failure: %v", err))
	}
	return key
}

func newHandshakeState(appID, code string, initiator bool) (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:           noiseSuite,
		Pattern:               noise.HandshakeNN,
		Initiator:             initiator,
		PresharedKey:          pakeKey(appID, code),
		PresharedKeyPlacement: 0,
	})
}

// awaitPhase reads mailbox messages until one with the wanted phase arrives.
// A peer "error" phase aborts the wait; other unexpected phases are skipped.
func awaitPhase(ctx context.Context, client *rendezvous.Client, want string) (rendezvous.Message, error) {
	for {
		msg, err := client.Next(ctx)
		if err != nil {
			return rendezvous.Message{}, err
		}
		switch msg.Phase {
		case want:
			return msg, nil
		case phaseError:
			return rendezvous.Message{}, &PeerError{Message: string(msg.Body)}
		default:
			logrus.WithFields(logrus.Fields{
				"function": "awaitPhase",
				"want":     want,
				"got":      msg.Phase,
			}).Warn("Skipping out-of-order mailbox phase")
		}
	}
}

// ConnectWithCode redeems a code generated by a peer and completes the
// handshake as the initiator. It blocks until the channel is established or
// the context is cancelled.
func ConnectWithCode(ctx context.Context, cfg AppConfig, code string) (*Conn, error) {
	cfg = cfg.withDefaults()

	nameplate, _, err := wordlist.ParseCode(code)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "ConnectWithCode",
		"nameplate": nameplate,
	}).Info("Redeeming code")

	side := uuid.NewString()
	client, err := rendezvous.Connect(ctx, cfg.RendezvousURL, cfg.ID, side)
	if err != nil {
		return nil, err
	}

	mailbox, err := client.Claim(ctx, nameplate)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("code cannot be redeemed: %w", err)
	}
	if err := client.Open(ctx, mailbox); err != nil {
		client.Close()
		return nil, err
	}
	if err := client.Release(ctx, nameplate); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "ConnectWithCode",
			"nameplate": nameplate,
			"error":     err,
		}).Warn("Failed to release nameplate")
	}

	conn, err := runHandshake(ctx, client, mailbox, cfg, code)
	if err != nil {
		client.Close()
		return nil, err
	}
	return conn, nil
}

// PendingConnection is the generating side of a handshake that has published
// a code and is waiting for a peer to redeem it. Exactly one of Wait or
// Cancel consumes it.
type PendingConnection struct {
	result chan pendingResult
	cancel context.CancelFunc

	mu       sync.Mutex
	consumed bool
}

type pendingResult struct {
	conn *Conn
	err  error
}

// Wait blocks until a peer completes the handshake, the context is cancelled
// or the pending connection was cancelled.
func (p *PendingConnection) Wait(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.consumed {
		p.mu.Unlock()
		return nil, ErrNoPeer
	}
	p.consumed = true
	p.mu.Unlock()

	select {
	case res := <-p.result:
		return res.conn, res.err
	case <-ctx.Done():
		p.cancel()
		p.reap()
		return nil, fmt.Errorf("handshake wait aborted: %w", ctx.Err())
	}
}

// Cancel aborts the background handshake and releases its rendezvous
// connection. Cancelling an already-consumed PendingConnection is a no-op.
func (p *PendingConnection) Cancel() {
	p.mu.Lock()
	already := p.consumed
	p.consumed = true
	p.mu.Unlock()

	p.cancel()
	if already {
		return
	}
	p.reap()
}

// reap drains the background result so a connection established in the race
// window between cancellation and handshake completion does not leak its
// mailbox.
func (p *PendingConnection) reap() {
	go func() {
		if res := <-p.result; res.conn != nil {
			ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
			defer cancel()
			_ = res.conn.Close(ctx, rendezvous.MoodErrory)
		}
	}()
}

// ConnectWithoutCode allocates a fresh nameplate, derives a code from it and
// starts waiting for a peer in the background. The code is returned
// immediately so it can be shown to the human; the returned
// PendingConnection resolves once a peer redeems the code.
func ConnectWithoutCode(ctx context.Context, cfg AppConfig) (string, *PendingConnection, error) {
	cfg = cfg.withDefaults()

	side := uuid.NewString()
	client, err := rendezvous.Connect(ctx, cfg.RendezvousURL, cfg.ID, side)
	if err != nil {
		return "", nil, err
	}

	nameplate, err := client.Allocate(ctx)
	if err != nil {
		client.Close()
		return "", nil, err
	}
	words, err := wordlist.ChooseWords(cfg.CodeLength)
	if err != nil {
		client.Close()
		return "", nil, err
	}
	code := wordlist.MakeCode(nameplate, words)

	mailbox, err := client.Claim(ctx, nameplate)
	if err != nil {
		client.Close()
		return "", nil, err
	}
	if err := client.Open(ctx, mailbox); err != nil {
		client.Close()
		return "", nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "ConnectWithoutCode",
		"nameplate": nameplate,
		"words":     cfg.CodeLength,
	}).Info("Code published, awaiting peer")

	// The handshake must outlive the call that generated the code, so it
	// runs under its own context controlled by the PendingConnection.
	bgCtx, cancel := context.WithCancel(context.Background())
	pending := &PendingConnection{
		result: make(chan pendingResult, 1),
		cancel: cancel,
	}
	go func() {
		conn, err := respondHandshake(bgCtx, client, mailbox, nameplate, cfg, code)
		if err != nil {
			client.Close()
			if bgCtx.Err() != nil {
				err = fmt.Errorf("%w: %v", ErrNoPeer, err)
			}
		}
		pending.result <- pendingResult{conn: conn, err: err}
	}()
	return code, pending, nil
}

// runHandshake performs the initiator role: send pake-1, read pake-2, then
// exchange version records over the fresh ciphers.
func runHandshake(ctx context.Context, client *rendezvous.Client, mailbox string, cfg AppConfig, code string) (*Conn, error) {
	hs, err := newHandshakeState(cfg.ID, code, true)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize handshake: %w", err)
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to produce handshake message: %w", err)
	}
	if err := client.AddMessage(ctx, phasePake1, msg1); err != nil {
		return nil, err
	}

	reply, err := awaitPhase(ctx, client, phasePake2)
	if err != nil {
		var peerErr *PeerError
		if errors.As(err, &peerErr) {
			return nil, fmt.Errorf("%w: %s", ErrKeyConfirmation, peerErr.Message)
		}
		return nil, err
	}
	// Split returns the cipher states in protocol order: first the
	// initiator-to-responder direction, then the reverse. We initiated.
	_, csSend, csRecv, err := hs.ReadMessage(nil, reply.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyConfirmation, err)
	}

	conn := newConn(client, mailbox, csSend, csRecv, hs.ChannelBinding())
	if err := conn.exchangeVersions(ctx, cfg.AppVersion); err != nil {
		return nil, err
	}
	return conn, nil
}

// respondHandshake performs the responder role for the generating side: read
// pake-1, send pake-2, release the nameplate and exchange versions. A failed
// key confirmation is reported to the peer through an error phase so it does
// not wait out its timeout.
func respondHandshake(ctx context.Context, client *rendezvous.Client, mailbox, nameplate string, cfg AppConfig, code string) (*Conn, error) {
	hs, err := newHandshakeState(cfg.ID, code, false)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize handshake: %w", err)
	}

	first, err := awaitPhase(ctx, client, phasePake1)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, first.Body); err != nil {
		reportHandshakeFailure(client, mailbox)
		return nil, fmt.Errorf("%w: %v", ErrKeyConfirmation, err)
	}

	// Split returns the cipher states in protocol order: first the
	// initiator-to-responder direction, then the reverse. We responded, so
	// the first state decrypts and the second encrypts.
	msg2, csRecv, csSend, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to produce handshake message: %w", err)
	}
	if err := client.AddMessage(ctx, phasePake2, msg2); err != nil {
		return nil, err
	}

	if err := client.Release(ctx, nameplate); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "respondHandshake",
			"nameplate": nameplate,
			"error":     err,
		}).Warn("Failed to release nameplate")
	}

	conn := newConn(client, mailbox, csSend, csRecv, hs.ChannelBinding())
	if err := conn.exchangeVersions(ctx, cfg.AppVersion); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "respondHandshake",
		"mailbox":  mailbox,
	}).Info("Peer connected and verified")
	return conn, nil
}

// reportHandshakeFailure tells the peer its key confirmation will never
// succeed and marks the mailbox scary. Best effort: the peer also detects
// the failure itself when no valid pake-2 arrives.
func reportHandshakeFailure(client *rendezvous.Client, mailbox string) {
	ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()
	if err := client.AddMessage(ctx, phaseError, []byte("key confirmation failed")); err != nil {
		return
	}
	_ = client.CloseMailbox(ctx, mailbox, rendezvous.MoodScary)
}
