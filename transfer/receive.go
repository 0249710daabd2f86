package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/nybble04/libpylon/rendezvous"
	"github.com/nybble04/libpylon/transit"
	"github.com/nybble04/libpylon/wormhole"
)

// ReceiveRequest is a file offer awaiting a decision. Exactly one of Accept,
// Reject or Close consumes it; afterwards the wormhole channel is gone.
type ReceiveRequest struct {
	// Name is the file name the sender offered. It is advisory: callers
	// decide where and whether to store the file.
	Name string

	// Size is the exact number of bytes the sender will stream.
	Size uint64

	conn     *wormhole.Conn
	endpoint *transit.Endpoint
	peer     *transitMsg
	opts     Options

	mu      sync.Mutex
	decided bool
}

// RequestFile waits for the peer's file offer on conn and returns it as a
// ReceiveRequest. The transit endpoint is prepared up front so the sender
// can start racing paths the moment the offer is accepted.
//
// If the peer aborts before offering, the wormhole channel is closed and
// ErrPeerAborted is returned.
func RequestFile(ctx context.Context, conn *wormhole.Conn, opts Options) (*ReceiveRequest, error) {
	logrus.WithFields(logrus.Fields{
		"function": "RequestFile",
	}).Info("Awaiting file offer")

	endpoint, err := transit.NewEndpoint(transit.Config{
		Key:        conn.DeriveKey(transitKeyPurpose, 32),
		Abilities:  opts.Abilities,
		RelayHints: opts.RelayHints,
	})
	if err != nil {
		closeConn(conn, rendezvous.MoodErrory)
		return nil, fmt.Errorf("failed to prepare transit: %w", err)
	}

	transitRec := &transitMsg{Abilities: opts.Abilities.Names(), Hints: endpoint.Hints()}
	if err := sendControl(ctx, conn, controlRecord{Transit: transitRec}); err != nil {
		endpoint.Close()
		closeConn(conn, rendezvous.MoodErrory)
		return nil, err
	}

	var offer *offerMsg
	var peerTransit *transitMsg
	for offer == nil || peerTransit == nil {
		rec, err := readControl(ctx, conn)
		if err != nil {
			endpoint.Close()
			var peerErr *wormhole.PeerError
			if errors.As(err, &peerErr) {
				closeConn(conn, rendezvous.MoodErrory)
				return nil, fmt.Errorf("%w: %s", ErrPeerAborted, peerErr.Message)
			}
			closeConn(conn, rendezvous.MoodErrory)
			return nil, err
		}
		switch {
		case rec.Error != "":
			endpoint.Close()
			closeConn(conn, rendezvous.MoodErrory)
			return nil, fmt.Errorf("%w: %s", ErrPeerAborted, rec.Error)
		case rec.Transit != nil:
			peerTransit = rec.Transit
		case rec.Offer != nil:
			offer = rec.Offer
		default:
			logrus.WithFields(logrus.Fields{
				"function": "RequestFile",
			}).Warn("Skipping unrecognized control record")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "RequestFile",
		"name":     offer.Name,
		"size":     offer.Size,
	}).Info("File offer received")

	return &ReceiveRequest{
		Name:     offer.Name,
		Size:     offer.Size,
		conn:     conn,
		endpoint: endpoint,
		peer:     peerTransit,
		opts:     opts,
	}, nil
}

// consume marks the request decided. It fails if a decision was already
// made.
func (r *ReceiveRequest) consume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decided {
		return ErrAlreadyDecided
	}
	r.decided = true
	return nil
}

// Accept answers the offer, receives the stream into w and acknowledges it
// with the SHA-256 of the written bytes. Cancellation is honored between
// chunks; the sender observes it as a broken transit connection.
func (r *ReceiveRequest) Accept(ctx context.Context, w io.Writer, progress ProgressFunc) (err error) {
	if err := r.consume(); err != nil {
		return err
	}
	defer r.endpoint.Close()
	defer func() {
		mood := rendezvous.MoodHappy
		if err != nil {
			mood = rendezvous.MoodErrory
		}
		closeConn(r.conn, mood)
	}()

	if err := sendControl(ctx, r.conn, controlRecord{Answer: &answerMsg{OK: true}}); err != nil {
		return err
	}

	tc, err := r.endpoint.Connect(ctx, transit.RoleReceiver,
		transit.AbilitiesFromNames(r.peer.Abilities), r.peer.Hints)
	if err != nil {
		return err
	}
	defer tc.Close()
	stopGuard := context.AfterFunc(ctx, func() { tc.Close() })
	defer stopGuard()

	digest, err := r.drainChunks(ctx, tc, w, progress)
	if err != nil {
		// Tell the sender not to wait for a clean acknowledgment.
		_ = sendAck(tc, ackMsg{OK: false, Message: err.Error()})
		return err
	}

	if err := sendAck(tc, ackMsg{OK: true, SHA256: digest}); err != nil {
		return fmt.Errorf("failed to send acknowledgment: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Accept",
		"name":     r.Name,
		"size":     r.Size,
		"sha256":   digest,
	}).Info("Transfer complete")
	return nil
}

// drainChunks reads exactly r.Size bytes from the transit connection into w
// and returns the hex SHA-256 of what was written.
func (r *ReceiveRequest) drainChunks(ctx context.Context, tc *transit.Conn, w io.Writer, progress ProgressFunc) (string, error) {
	hash := sha256.New()
	var received uint64

	for received < r.Size {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("transfer cancelled: %w", err)
		}
		chunk, err := tc.ReadRecord()
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("transfer cancelled: %w", ctx.Err())
			}
			return "", fmt.Errorf("failed to read chunk: %w", err)
		}
		if received+uint64(len(chunk)) > r.Size {
			return "", fmt.Errorf("%w: offered %d bytes", ErrOversizedTransfer, r.Size)
		}
		if _, err := w.Write(chunk); err != nil {
			return "", fmt.Errorf("failed to write chunk: %w", err)
		}
		hash.Write(chunk)
		received += uint64(len(chunk))
		if progress != nil {
			progress(received, r.Size)
		}
	}
	if r.Size == 0 && progress != nil {
		progress(0, 0)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Reject declines the offer and closes the session. The sender observes
// ErrOfferRejected.
func (r *ReceiveRequest) Reject(ctx context.Context) error {
	if err := r.consume(); err != nil {
		return err
	}
	defer r.endpoint.Close()
	defer closeConn(r.conn, rendezvous.MoodHappy)

	logrus.WithFields(logrus.Fields{
		"function": "Reject",
		"name":     r.Name,
	}).Info("Rejecting file offer")
	return sendControl(ctx, r.conn, controlRecord{Answer: &answerMsg{OK: false, Message: "transfer rejected"}})
}

// Close abandons an undecided offer, telling the sender the session is
// over. Used when the receiving side is torn down with the offer still
// pending.
func (r *ReceiveRequest) Close() error {
	if err := r.consume(); err != nil {
		return err
	}
	r.endpoint.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_ = sendControl(ctx, r.conn, controlRecord{Error: "transfer abandoned"})
	closeConn(r.conn, rendezvous.MoodErrory)
	return nil
}

func sendAck(tc *transit.Conn, ack ackMsg) error {
	body, err := cbor.Marshal(ack)
	if err != nil {
		return fmt.Errorf("failed to encode acknowledgment: %w", err)
	}
	return tc.SendRecord(body)
}

// closeConn tears down the wormhole channel with a bounded context so
// cleanup cannot hang on a dead server.
func closeConn(conn *wormhole.Conn, mood string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_ = conn.Close(ctx, mood)
}
