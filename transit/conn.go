package transit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/nacl/secretbox"
)

// MaxRecordSize bounds the plaintext of a single transit record. It is far
// above the transfer chunk size; anything bigger indicates a broken or
// hostile peer.
const MaxRecordSize = 1 << 20

const lengthPrefixSize = 4

var (
	// ErrRecordTooLarge is returned when a record exceeds MaxRecordSize.
	ErrRecordTooLarge = errors.New("transit record exceeds maximum size")

	// ErrRecordTampered is returned when a received record fails
	// authentication, meaning it was corrupted or forged in flight.
	ErrRecordTampered = errors.New("transit record failed authentication")
)

// Conn is an established transit connection carrying sealed records. Each
// direction has its own key and a strictly increasing nonce counter, so the
// stream detects reordering, replay and truncation.
//
// A Conn is safe for one concurrent reader and one concurrent writer.
type Conn struct {
	sock net.Conn

	sendKey [32]byte
	recvKey [32]byte
	sendSeq uint64
	recvSeq uint64
}

func newConn(sock net.Conn, sendKey, recvKey [32]byte) *Conn {
	return &Conn{sock: sock, sendKey: sendKey, recvKey: recvKey}
}

// RemoteAddr returns the address of the peer endpoint, which is the relay's
// address when the connection is relayed.
func (c *Conn) RemoteAddr() net.Addr {
	return c.sock.RemoteAddr()
}

// SendRecord seals record and writes it as one length-delimited frame.
func (c *Conn) SendRecord(record []byte) error {
	if len(record) > MaxRecordSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(record))
	}

	var nonce [24]byte
	binary.BigEndian.PutUint64(nonce[16:], c.sendSeq)
	c.sendSeq++

	frame := make([]byte, lengthPrefixSize, lengthPrefixSize+len(record)+secretbox.Overhead)
	frame = secretbox.Seal(frame, record, &nonce, &c.sendKey)
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(frame)-lengthPrefixSize))

	if _, err := c.sock.Write(frame); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// ReadRecord reads the next frame and opens it. Records are returned in the
// exact order the peer sent them.
func (c *Conn) ReadRecord() ([]byte, error) {
	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(c.sock, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read record header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size < secretbox.Overhead || size > MaxRecordSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrRecordTooLarge, size)
	}

	sealed := make([]byte, size)
	if _, err := io.ReadFull(c.sock, sealed); err != nil {
		return nil, fmt.Errorf("failed to read record body: %w", err)
	}

	var nonce [24]byte
	binary.BigEndian.PutUint64(nonce[16:], c.recvSeq)
	c.recvSeq++

	record, ok := secretbox.Open(nil, sealed, &nonce, &c.recvKey)
	if !ok {
		return nil, ErrRecordTampered
	}
	return record, nil
}

// Close closes the underlying socket. A blocked SendRecord or ReadRecord
// returns with an error.
func (c *Conn) Close() error {
	return c.sock.Close()
}
