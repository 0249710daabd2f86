package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/nybble04/libpylon/transit"
	"github.com/nybble04/libpylon/wormhole"
)

// DefaultChunkSize is the plaintext size of one transit record when
// streaming file data.
const DefaultChunkSize = 16 * 1024

// transitKeyPurpose derives the transit key from the wormhole session.
const transitKeyPurpose = "pylon-transit-key"

// cleanupTimeout bounds best-effort teardown traffic after a transfer ends.
const cleanupTimeout = 3 * time.Second

// ProgressFunc is called after every chunk with the running byte count and
// the total. The final call reports transferred == total.
type ProgressFunc func(transferred, total uint64)

var (
	// ErrOfferRejected is returned to the sender when the receiver declined
	// the offer.
	ErrOfferRejected = errors.New("peer rejected the transfer")

	// ErrPeerAborted is returned when the peer gave up on the session
	// before the transfer completed.
	ErrPeerAborted = errors.New("peer aborted the transfer")

	// ErrChecksumMismatch is returned to the sender when the receiver's
	// acknowledgment carries a different digest than the data sent.
	ErrChecksumMismatch = errors.New("transfer checksum mismatch")

	// ErrFileTruncated is returned when the source yields fewer bytes than
	// the offered size.
	ErrFileTruncated = errors.New("file ended before the offered size")

	// ErrOversizedTransfer is returned when the peer streams more bytes
	// than it offered.
	ErrOversizedTransfer = errors.New("peer sent more data than offered")

	// ErrAlreadyDecided is returned when a ReceiveRequest is accepted,
	// rejected or closed more than once.
	ErrAlreadyDecided = errors.New("transfer request already decided")

	// ErrReceiverFailed is returned to the sender when the receiver
	// reported a local failure in its acknowledgment.
	ErrReceiverFailed = errors.New("receiver reported failure")
)

// Options configures one side of a transfer.
type Options struct {
	// Abilities are the transit methods this side is willing to use.
	Abilities transit.Abilities

	// RelayHints are transit relays offered to the peer.
	RelayHints []transit.RelayHint

	// ChunkSize overrides DefaultChunkSize when positive.
	ChunkSize int
}

func (o Options) chunkSize() int {
	if o.ChunkSize > 0 {
		return o.ChunkSize
	}
	return DefaultChunkSize
}

// Control records carried over the wormhole channel. Exactly one field is
// set per record.
type controlRecord struct {
	Offer   *offerMsg   `cbor:"offer,omitempty"`
	Answer  *answerMsg  `cbor:"answer,omitempty"`
	Transit *transitMsg `cbor:"transit,omitempty"`
	Error   string      `cbor:"error,omitempty"`
}

type offerMsg struct {
	Name string `cbor:"name"`
	Size uint64 `cbor:"size"`
}

type answerMsg struct {
	OK      bool   `cbor:"ok"`
	Message string `cbor:"message,omitempty"`
}

type transitMsg struct {
	Abilities []string       `cbor:"abilities"`
	Hints     []transit.Hint `cbor:"hints"`
}

// ackMsg closes the loop over the transit connection once the receiver has
// drained the stream.
type ackMsg struct {
	OK      bool   `cbor:"ok"`
	SHA256  string `cbor:"sha256,omitempty"`
	Message string `cbor:"message,omitempty"`
}

func sendControl(ctx context.Context, conn *wormhole.Conn, rec controlRecord) error {
	body, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode control record: %w", err)
	}
	return conn.SendRecord(ctx, body)
}

func readControl(ctx context.Context, conn *wormhole.Conn) (controlRecord, error) {
	body, err := conn.ReadRecord(ctx)
	if err != nil {
		return controlRecord{}, err
	}
	var rec controlRecord
	if err := cbor.Unmarshal(body, &rec); err != nil {
		return controlRecord{}, fmt.Errorf("failed to decode control record: %w", err)
	}
	return rec, nil
}
