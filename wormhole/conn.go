package wormhole

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/nybble04/libpylon/rendezvous"
)

// closeGrace bounds best-effort cleanup traffic such as mailbox closes and
// handshake failure reports.
const closeGrace = 3 * time.Second

// ErrConnClosed is returned by operations on a closed Conn.
var ErrConnClosed = errors.New("wormhole connection closed")

// versionRecord is the first encrypted record each side sends. Decrypting it
// proves the peer derived the same keys; its content advertises the
// application version for compatibility checks.
type versionRecord struct {
	AppVersion string `cbor:"appVersion"`
}

// Conn is an established wormhole channel. Records are encrypted with
// per-direction Noise cipher states and carried as numbered mailbox phases,
// so each direction is reliable and ordered.
//
// SendRecord and ReadRecord may be used concurrently with each other, but
// each must not be called from multiple goroutines at once.
type Conn struct {
	client  *rendezvous.Client
	mailbox string

	send    *noise.CipherState
	recv    *noise.CipherState
	binding []byte

	nextPhase   uint64
	peerVersion string

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(client *rendezvous.Client, mailbox string, send, recv *noise.CipherState, binding []byte) *Conn {
	return &Conn{
		client:  client,
		mailbox: mailbox,
		send:    send,
		recv:    recv,
		binding: binding,
		closed:  make(chan struct{}),
	}
}

// Side returns the rendezvous side identifier of this end of the channel.
func (c *Conn) Side() string {
	return c.client.Side()
}

// PeerVersion returns the application version the peer advertised during the
// version exchange.
func (c *Conn) PeerVersion() string {
	return c.peerVersion
}

// exchangeVersions sends our version record and reads the peer's. It is the
// mutual key confirmation step: both directions must decrypt cleanly before
// the connection is handed to the application.
func (c *Conn) exchangeVersions(ctx context.Context, appVersion string) error {
	body, err := cbor.Marshal(versionRecord{AppVersion: appVersion})
	if err != nil {
		return fmt.Errorf("failed to encode version record: %w", err)
	}
	if err := c.sendEncrypted(ctx, phaseVersion, body); err != nil {
		return err
	}

	msg, err := awaitPhase(ctx, c.client, phaseVersion)
	if err != nil {
		return err
	}
	plaintext, err := c.recv.Decrypt(nil, nil, msg.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyConfirmation, err)
	}
	var peer versionRecord
	if err := cbor.Unmarshal(plaintext, &peer); err != nil {
		return fmt.Errorf("failed to decode version record: %w", err)
	}
	c.peerVersion = peer.AppVersion

	logrus.WithFields(logrus.Fields{
		"function":    "exchangeVersions",
		"peerVersion": peer.AppVersion,
	}).Debug("Version exchange complete")
	return nil
}

func (c *Conn) sendEncrypted(ctx context.Context, phase string, plaintext []byte) error {
	ciphertext, err := c.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt record: %w", err)
	}
	return c.client.AddMessage(ctx, phase, ciphertext)
}

// SendRecord encrypts payload and posts it as the next numbered phase.
func (c *Conn) SendRecord(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	phase := strconv.FormatUint(c.nextPhase, 10)
	c.nextPhase++
	return c.sendEncrypted(ctx, phase, payload)
}

// ReadRecord returns the payload of the next record from the peer. Records
// arrive in the order the peer sent them. A peer error phase is surfaced as
// *PeerError.
func (c *Conn) ReadRecord(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, ErrConnClosed
	default:
	}
	msg, err := c.client.Next(ctx)
	if err != nil {
		return nil, err
	}
	if msg.Phase == phaseError {
		return nil, &PeerError{Message: string(msg.Body)}
	}
	plaintext, err := c.recv.Decrypt(nil, nil, msg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt record %q: %w", msg.Phase, err)
	}
	return plaintext, nil
}

// SendError posts a plaintext error phase telling the peer the session is
// over. Used for failures the peer could not otherwise distinguish from a
// silent hang.
func (c *Conn) SendError(ctx context.Context, reason string) error {
	return c.client.AddMessage(ctx, phaseError, []byte(reason))
}

// DeriveKey derives n bytes of fresh key material bound to this session.
// Both sides derive identical keys for identical purpose strings, and keys
// for different purposes are independent.
func (c *Conn) DeriveKey(purpose string, n int) []byte {
	kdf := hkdf.New(sha256.New, c.binding, nil, []byte(purpose))
	key := make([]byte, n)
	if _, err := io.ReadFull(kdf, key); err != nil {
		panic(fmt.Sprintf("hkdf failure: %v", err))
	}
	return key
}

// Close closes the mailbox with the given mood and tears down the rendezvous
// connection. Safe to call more than once.
func (c *Conn) Close(ctx context.Context, mood string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if cerr := c.client.CloseMailbox(ctx, c.mailbox, mood); cerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Close",
				"mailbox":  c.mailbox,
				"error":    cerr,
			}).Warn("Failed to close mailbox cleanly")
		}
		err = c.client.Close()
	})
	return err
}
