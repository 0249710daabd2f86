package rendezvous_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nybble04/libpylon/rendezvous"
	"github.com/nybble04/libpylon/rendezvous/rendezvoustest"
)

const testAppID = "libpylon-test"

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectReceivesWelcome(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	srv.SetMOTD("welcome to the test server")

	ctx := testContext(t)
	client, err := rendezvous.Connect(ctx, srv.URL(), testAppID, "side-a")
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, "side-a", client.Side())
}

func TestConnectFailsWhenServerUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := rendezvous.Connect(ctx, "ws://127.0.0.1:1/v1", testAppID, "side-a")
	require.Error(t, err)
}

func TestNameplateLifecycle(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()

	ctx := testContext(t)
	client, err := rendezvous.Connect(ctx, srv.URL(), testAppID, "side-a")
	require.NoError(t, err)
	defer client.Close()

	nameplate, err := client.Allocate(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, nameplate)

	mailbox, err := client.Claim(ctx, nameplate)
	require.NoError(t, err)
	require.NotEmpty(t, mailbox)

	require.NoError(t, client.Open(ctx, mailbox))
	require.NoError(t, client.Release(ctx, nameplate))
	require.NoError(t, client.CloseMailbox(ctx, mailbox, rendezvous.MoodHappy))
}

// openPair connects two clients to the same mailbox via a freshly allocated
// nameplate and returns them ready to exchange messages.
func openPair(t *testing.T, srv *rendezvoustest.Server) (*rendezvous.Client, *rendezvous.Client, string) {
	t.Helper()
	ctx := testContext(t)

	a, err := rendezvous.Connect(ctx, srv.URL(), testAppID, "side-a")
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	b, err := rendezvous.Connect(ctx, srv.URL(), testAppID, "side-b")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	nameplate, err := a.Allocate(ctx)
	require.NoError(t, err)
	mailboxA, err := a.Claim(ctx, nameplate)
	require.NoError(t, err)
	require.NoError(t, a.Open(ctx, mailboxA))

	mailboxB, err := b.Claim(ctx, nameplate)
	require.NoError(t, err)
	require.Equal(t, mailboxA, mailboxB)
	require.NoError(t, b.Open(ctx, mailboxB))

	return a, b, nameplate
}

func TestMessageDeliveryFiltersOwnEcho(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	ctx := testContext(t)

	a, b, _ := openPair(t, srv)

	require.NoError(t, a.AddMessage(ctx, "pake-1", []byte{0x01, 0x02}))

	got, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "side-a", got.Side)
	assert.Equal(t, "pake-1", got.Phase)
	assert.Equal(t, []byte{0x01, 0x02}, got.Body)

	require.NoError(t, b.AddMessage(ctx, "pake-2", []byte{0x03}))

	// The first message a observes must be b's reply, not a's own echo.
	got, err = a.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "side-b", got.Side)
	assert.Equal(t, "pake-2", got.Phase)
	assert.Equal(t, []byte{0x03}, got.Body)
}

func TestLateOpenerReceivesStoredMessages(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	ctx := testContext(t)

	a, err := rendezvous.Connect(ctx, srv.URL(), testAppID, "side-a")
	require.NoError(t, err)
	defer a.Close()

	nameplate, err := a.Allocate(ctx)
	require.NoError(t, err)
	mailbox, err := a.Claim(ctx, nameplate)
	require.NoError(t, err)
	require.NoError(t, a.Open(ctx, mailbox))
	require.NoError(t, a.AddMessage(ctx, "offer", []byte("stored")))

	// b opens after the message was added and must still observe it.
	b, err := rendezvous.Connect(ctx, srv.URL(), testAppID, "side-b")
	require.NoError(t, err)
	defer b.Close()

	mailboxB, err := b.Claim(ctx, nameplate)
	require.NoError(t, err)
	require.NoError(t, b.Open(ctx, mailboxB))

	got, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "offer", got.Phase)
	assert.Equal(t, []byte("stored"), got.Body)
}

func TestThirdClaimReportsCrowded(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()
	ctx := testContext(t)

	_, _, nameplate := openPair(t, srv)

	c, err := rendezvous.Connect(ctx, srv.URL(), testAppID, "side-c")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Claim(ctx, nameplate)
	require.Error(t, err)

	var serverErr *rendezvous.ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, "crowded", serverErr.Reason)
	assert.Equal(t, 2, srv.ClaimCount(nameplate))
}

func TestNextHonorsContextCancellation(t *testing.T) {
	srv := rendezvoustest.NewServer()
	defer srv.Close()

	a, _, _ := openPair(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNextReportsConnectionLoss(t *testing.T) {
	srv := rendezvoustest.NewServer()
	ctx := testContext(t)

	a, err := rendezvous.Connect(ctx, srv.URL(), testAppID, "side-a")
	require.NoError(t, err)
	defer a.Close()

	srv.Close()

	_, err = a.Next(ctx)
	require.ErrorIs(t, err, rendezvous.ErrConnectionClosed)
}

func TestServerErrorFormatting(t *testing.T) {
	err := &rendezvous.ServerError{Reason: "crowded"}
	assert.Equal(t, "rendezvous server error: crowded", err.Error())
}
