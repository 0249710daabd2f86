package transfer_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nybble04/libpylon/rendezvous/rendezvoustest"
	"github.com/nybble04/libpylon/transfer"
	"github.com/nybble04/libpylon/transit"
	"github.com/nybble04/libpylon/wormhole"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func directOptions() transfer.Options {
	return transfer.Options{Abilities: transit.AbilityDirectTCP}
}

// wormholePair establishes a connected sender/receiver wormhole channel
// through an in-memory rendezvous server.
func wormholePair(t *testing.T) (*wormhole.Conn, *wormhole.Conn) {
	t.Helper()
	srv := rendezvoustest.NewServer()
	t.Cleanup(srv.Close)

	ctx := testContext(t)
	cfg := wormhole.AppConfig{
		ID:            "libpylon-transfer-test",
		RendezvousURL: srv.URL(),
		AppVersion:    "test",
	}

	code, pending, err := wormhole.ConnectWithoutCode(ctx, cfg)
	require.NoError(t, err)

	type result struct {
		conn *wormhole.Conn
		err  error
	}
	followerCh := make(chan result, 1)
	go func() {
		conn, err := wormhole.ConnectWithCode(ctx, cfg, code)
		followerCh <- result{conn, err}
	}()

	leader, err := pending.Wait(ctx)
	require.NoError(t, err)
	follower := <-followerCh
	require.NoError(t, follower.err)

	return leader, follower.conn
}

// progressLog collects progress callbacks for later assertions.
type progressLog struct {
	mu    sync.Mutex
	calls [][2]uint64
}

func (p *progressLog) record(transferred, total uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, [2]uint64{transferred, total})
}

func (p *progressLog) assertComplete(t *testing.T, total uint64) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.calls, "no progress was reported")

	var prev uint64
	for i, call := range p.calls {
		assert.Equal(t, total, call[1], "call %d reported wrong total", i)
		assert.GreaterOrEqual(t, call[0], prev, "progress went backwards at call %d", i)
		prev = call[0]
	}
	assert.Equal(t, total, p.calls[len(p.calls)-1][0], "final progress is not the total")
}

func TestSendReceiveRoundTrip(t *testing.T) {
	ctx := testContext(t)
	sender, receiver := wormholePair(t)

	payload := make([]byte, 256*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	var senderProgress progressLog
	senderErr := make(chan error, 1)
	go func() {
		senderErr <- transfer.SendFile(ctx, sender, directOptions(), "blob.bin",
			uint64(len(payload)), bytes.NewReader(payload), senderProgress.record)
	}()

	req, err := transfer.RequestFile(ctx, receiver, directOptions())
	require.NoError(t, err)
	assert.Equal(t, "blob.bin", req.Name)
	assert.Equal(t, uint64(len(payload)), req.Size)

	var got bytes.Buffer
	var receiverProgress progressLog
	require.NoError(t, req.Accept(ctx, &got, receiverProgress.record))
	require.NoError(t, <-senderErr)

	assert.Equal(t, payload, got.Bytes())
	senderProgress.assertComplete(t, uint64(len(payload)))
	receiverProgress.assertComplete(t, uint64(len(payload)))
}

func TestEmptyFileTransfer(t *testing.T) {
	ctx := testContext(t)
	sender, receiver := wormholePair(t)

	senderErr := make(chan error, 1)
	go func() {
		senderErr <- transfer.SendFile(ctx, sender, directOptions(), "empty.txt",
			0, bytes.NewReader(nil), nil)
	}()

	req, err := transfer.RequestFile(ctx, receiver, directOptions())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), req.Size)

	var got bytes.Buffer
	var progress progressLog
	require.NoError(t, req.Accept(ctx, &got, progress.record))
	require.NoError(t, <-senderErr)

	assert.Zero(t, got.Len())
	progress.assertComplete(t, 0)
}

func TestRejectedOfferFailsSender(t *testing.T) {
	ctx := testContext(t)
	sender, receiver := wormholePair(t)

	senderErr := make(chan error, 1)
	go func() {
		senderErr <- transfer.SendFile(ctx, sender, directOptions(), "unwanted.bin",
			8, strings.NewReader("12345678"), nil)
	}()

	req, err := transfer.RequestFile(ctx, receiver, directOptions())
	require.NoError(t, err)
	require.NoError(t, req.Reject(ctx))

	require.ErrorIs(t, <-senderErr, transfer.ErrOfferRejected)
}

func TestAbandonedRequestAbortsSender(t *testing.T) {
	ctx := testContext(t)
	sender, receiver := wormholePair(t)

	senderErr := make(chan error, 1)
	go func() {
		senderErr <- transfer.SendFile(ctx, sender, directOptions(), "doomed.bin",
			8, strings.NewReader("12345678"), nil)
	}()

	req, err := transfer.RequestFile(ctx, receiver, directOptions())
	require.NoError(t, err)
	require.NoError(t, req.Close())

	require.ErrorIs(t, <-senderErr, transfer.ErrPeerAborted)
}

func TestRequestCanOnlyBeDecidedOnce(t *testing.T) {
	ctx := testContext(t)
	sender, receiver := wormholePair(t)

	senderErr := make(chan error, 1)
	go func() {
		senderErr <- transfer.SendFile(ctx, sender, directOptions(), "once.bin",
			4, strings.NewReader("data"), nil)
	}()

	req, err := transfer.RequestFile(ctx, receiver, directOptions())
	require.NoError(t, err)

	var got bytes.Buffer
	require.NoError(t, req.Accept(ctx, &got, nil))
	require.NoError(t, <-senderErr)

	require.ErrorIs(t, req.Reject(ctx), transfer.ErrAlreadyDecided)
	require.ErrorIs(t, req.Close(), transfer.ErrAlreadyDecided)
}

func TestSenderCancelWhileAwaitingAnswer(t *testing.T) {
	setupCtx := testContext(t)
	sender, receiver := wormholePair(t)

	sendCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	senderErr := make(chan error, 1)
	go func() {
		senderErr <- transfer.SendFile(sendCtx, sender, directOptions(), "stalled.bin",
			8, strings.NewReader("12345678"), nil)
	}()

	// The receiver sees the offer but never answers.
	req, err := transfer.RequestFile(setupCtx, receiver, directOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = req.Close() })

	require.ErrorIs(t, <-senderErr, context.DeadlineExceeded)
}

func TestReceiverCancelMidTransfer(t *testing.T) {
	ctx := testContext(t)
	sender, receiver := wormholePair(t)

	payload := make([]byte, 8*1024*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	senderErr := make(chan error, 1)
	go func() {
		senderErr <- transfer.SendFile(ctx, sender, directOptions(), "big.bin",
			uint64(len(payload)), bytes.NewReader(payload), nil)
	}()

	req, err := transfer.RequestFile(ctx, receiver, directOptions())
	require.NoError(t, err)

	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()

	// Abort after the first chunk lands.
	var once sync.Once
	abort := func(transferred, total uint64) {
		once.Do(cancelRecv)
	}

	var got bytes.Buffer
	err = req.Accept(recvCtx, &got, abort)
	require.ErrorIs(t, err, context.Canceled)

	require.Error(t, <-senderErr)
	assert.Less(t, got.Len(), len(payload))
}

func TestTruncatedSourceFailsBothSides(t *testing.T) {
	ctx := testContext(t)
	sender, receiver := wormholePair(t)

	senderErr := make(chan error, 1)
	go func() {
		// Offer 64 bytes but provide only 10.
		senderErr <- transfer.SendFile(ctx, sender, directOptions(), "short.bin",
			64, strings.NewReader("0123456789"), nil)
	}()

	req, err := transfer.RequestFile(ctx, receiver, directOptions())
	require.NoError(t, err)

	var got bytes.Buffer
	acceptErr := req.Accept(ctx, &got, nil)
	require.Error(t, acceptErr)

	require.ErrorIs(t, <-senderErr, transfer.ErrFileTruncated)
}
