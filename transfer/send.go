package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/nybble04/libpylon/rendezvous"
	"github.com/nybble04/libpylon/transit"
	"github.com/nybble04/libpylon/wormhole"
)

// SendFile offers a single file to the peer on conn and, once accepted,
// streams size bytes from r over a transit connection. It blocks until the
// receiver's acknowledgment confirms the transfer end to end.
//
// SendFile consumes conn: the wormhole channel is closed when it returns,
// with a mood matching the outcome. Cancellation is honored between chunks.
func SendFile(ctx context.Context, conn *wormhole.Conn, opts Options, name string, size uint64, r io.Reader, progress ProgressFunc) (err error) {
	logrus.WithFields(logrus.Fields{
		"function": "SendFile",
		"name":     name,
		"size":     size,
	}).Info("Offering file")

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		mood := rendezvous.MoodHappy
		if err != nil {
			mood = rendezvous.MoodErrory
			_ = conn.SendError(closeCtx, "transfer failed")
		}
		_ = conn.Close(closeCtx, mood)
	}()

	endpoint, err := transit.NewEndpoint(transit.Config{
		Key:        conn.DeriveKey(transitKeyPurpose, 32),
		Abilities:  opts.Abilities,
		RelayHints: opts.RelayHints,
	})
	if err != nil {
		return fmt.Errorf("failed to prepare transit: %w", err)
	}
	defer endpoint.Close()

	transitRec := &transitMsg{Abilities: opts.Abilities.Names(), Hints: endpoint.Hints()}
	if err := sendControl(ctx, conn, controlRecord{Transit: transitRec}); err != nil {
		return err
	}
	if err := sendControl(ctx, conn, controlRecord{Offer: &offerMsg{Name: name, Size: size}}); err != nil {
		return err
	}

	peerTransit, err := awaitAnswer(ctx, conn)
	if err != nil {
		return err
	}

	tc, err := endpoint.Connect(ctx, transit.RoleSender,
		transit.AbilitiesFromNames(peerTransit.Abilities), peerTransit.Hints)
	if err != nil {
		return err
	}
	defer tc.Close()
	// Closing the transit socket is what unblocks a stalled send when the
	// caller cancels.
	stopGuard := context.AfterFunc(ctx, func() { tc.Close() })
	defer stopGuard()

	digest, err := streamChunks(ctx, tc, r, size, opts.chunkSize(), progress)
	if err != nil {
		return err
	}

	ackBody, err := tc.ReadRecord()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("transfer cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("failed to read acknowledgment: %w", err)
	}
	var ack ackMsg
	if err := cbor.Unmarshal(ackBody, &ack); err != nil {
		return fmt.Errorf("failed to decode acknowledgment: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("%w: %s", ErrReceiverFailed, ack.Message)
	}
	if ack.SHA256 != digest {
		return fmt.Errorf("%w: sent %s, receiver saw %s", ErrChecksumMismatch, digest, ack.SHA256)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SendFile",
		"name":     name,
		"size":     size,
		"sha256":   digest,
	}).Info("Transfer acknowledged by receiver")
	return nil
}

// awaitAnswer collects control records until both the peer's transit record
// and an affirmative answer have arrived.
func awaitAnswer(ctx context.Context, conn *wormhole.Conn) (*transitMsg, error) {
	var peerTransit *transitMsg
	var answer *answerMsg

	for peerTransit == nil || answer == nil {
		rec, err := readControl(ctx, conn)
		if err != nil {
			var peerErr *wormhole.PeerError
			if errors.As(err, &peerErr) {
				return nil, fmt.Errorf("%w: %s", ErrPeerAborted, peerErr.Message)
			}
			return nil, err
		}
		switch {
		case rec.Error != "":
			return nil, fmt.Errorf("%w: %s", ErrPeerAborted, rec.Error)
		case rec.Transit != nil:
			peerTransit = rec.Transit
		case rec.Answer != nil:
			if !rec.Answer.OK {
				if rec.Answer.Message != "" {
					return nil, fmt.Errorf("%w: %s", ErrOfferRejected, rec.Answer.Message)
				}
				return nil, ErrOfferRejected
			}
			answer = rec.Answer
		default:
			logrus.WithFields(logrus.Fields{
				"function": "awaitAnswer",
			}).Warn("Skipping unrecognized control record")
		}
	}
	return peerTransit, nil
}

// streamChunks pumps size bytes from r into the transit connection and
// returns the hex SHA-256 of everything sent.
func streamChunks(ctx context.Context, tc *transit.Conn, r io.Reader, size uint64, chunkSize int, progress ProgressFunc) (string, error) {
	hash := sha256.New()
	buf := make([]byte, chunkSize)
	var sent uint64

	for sent < size {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("transfer cancelled: %w", err)
		}
		n := uint64(chunkSize)
		if remaining := size - sent; remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return "", fmt.Errorf("%w: read %d of %d bytes", ErrFileTruncated, sent, size)
			}
			return "", fmt.Errorf("failed to read source: %w", err)
		}
		if err := tc.SendRecord(buf[:n]); err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("transfer cancelled: %w", ctx.Err())
			}
			return "", fmt.Errorf("failed to send chunk: %w", err)
		}
		hash.Write(buf[:n])
		sent += n
		if progress != nil {
			progress(sent, size)
		}
	}
	if size == 0 && progress != nil {
		progress(0, 0)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
