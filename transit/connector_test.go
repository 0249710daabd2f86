package transit_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nybble04/libpylon/transit"
	"github.com/nybble04/libpylon/transit/relaytest"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestAbilitiesNames(t *testing.T) {
	tests := []struct {
		name      string
		abilities transit.Abilities
		names     []string
	}{
		{"none", transit.AbilitiesNone, nil},
		{"direct only", transit.AbilityDirectTCP, []string{"direct-tcp-v1"}},
		{"relay only", transit.AbilityRelay, []string{"relay-v1"}},
		{"all", transit.AbilitiesAll, []string{"direct-tcp-v1", "relay-v1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.names, tt.abilities.Names())
			assert.Equal(t, tt.abilities, transit.AbilitiesFromNames(tt.names))
		})
	}
}

func TestAbilitiesFromNamesIgnoresUnknown(t *testing.T) {
	got := transit.AbilitiesFromNames([]string{"direct-tcp-v1", "quantum-tunnel-v9"})
	assert.Equal(t, transit.AbilityDirectTCP, got)
}

func TestAbilitiesString(t *testing.T) {
	assert.Equal(t, "none", transit.AbilitiesNone.String())
	assert.Equal(t, "direct-tcp-v1+relay-v1", transit.AbilitiesAll.String())
}

func TestParseRelayURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    transit.RelayHint
		wantErr error
	}{
		{"valid", "tcp://relay.example.org:4001", transit.RelayHint{Host: "relay.example.org", Port: 4001}, nil},
		{"valid ip", "tcp://127.0.0.1:9009", transit.RelayHint{Host: "127.0.0.1", Port: 9009}, nil},
		{"wrong scheme", "ws://relay.example.org:4001", transit.RelayHint{}, transit.ErrRelayScheme},
		{"missing port", "tcp://relay.example.org", transit.RelayHint{}, transit.ErrRelayAddress},
		{"missing host", "tcp://:4001", transit.RelayHint{}, transit.ErrRelayAddress},
		{"port out of range", "tcp://relay.example.org:99999", transit.RelayHint{}, transit.ErrRelayAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := transit.ParseRelayURL(tt.raw)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRelayURLRejectsGarbage(t *testing.T) {
	_, err := transit.ParseRelayURL("tcp://bad\x00host:1")
	require.Error(t, err)
}

func TestNewEndpointValidation(t *testing.T) {
	_, err := transit.NewEndpoint(transit.Config{Key: []byte("short"), Abilities: transit.AbilitiesAll})
	require.ErrorIs(t, err, transit.ErrKeySize)

	_, err = transit.NewEndpoint(transit.Config{Key: make([]byte, 32), Abilities: transit.AbilitiesNone})
	require.ErrorIs(t, err, transit.ErrNoAbilities)
}

// connectPeers races two endpoints against each other and returns both
// established connections.
func connectPeers(t *testing.T, ctx context.Context, sender, receiver *transit.Endpoint) (*transit.Conn, *transit.Conn) {
	t.Helper()

	senderHints := sender.Hints()
	receiverHints := receiver.Hints()

	type result struct {
		conn *transit.Conn
		err  error
	}
	senderCh := make(chan result, 1)
	go func() {
		conn, err := sender.Connect(ctx, transit.RoleSender, receiver.Abilities(), receiverHints)
		senderCh <- result{conn, err}
	}()

	receiverConn, err := receiver.Connect(ctx, transit.RoleReceiver, sender.Abilities(), senderHints)
	require.NoError(t, err)

	senderRes := <-senderCh
	require.NoError(t, senderRes.err)

	t.Cleanup(func() {
		senderRes.conn.Close()
		receiverConn.Close()
	})
	return senderRes.conn, receiverConn
}

func exchangeRecords(t *testing.T, senderConn, receiverConn *transit.Conn) {
	t.Helper()

	payload := bytes.Repeat([]byte{0x5A}, 4096)
	require.NoError(t, senderConn.SendRecord(payload))
	got, err := receiverConn.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, receiverConn.SendRecord([]byte("ack")))
	got, err = senderConn.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, []byte("ack"), got)
}

func TestDirectConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	key := randomKey(t)

	sender, err := transit.NewEndpoint(transit.Config{Key: key, Abilities: transit.AbilityDirectTCP})
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := transit.NewEndpoint(transit.Config{Key: key, Abilities: transit.AbilityDirectTCP})
	require.NoError(t, err)
	defer receiver.Close()

	senderConn, receiverConn := connectPeers(t, ctx, sender, receiver)
	exchangeRecords(t, senderConn, receiverConn)
}

func TestRelayOnlyConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relay, err := relaytest.NewServer()
	require.NoError(t, err)
	defer relay.Close()

	key := randomKey(t)
	cfg := transit.Config{
		Key:        key,
		Abilities:  transit.AbilityRelay,
		RelayHints: []transit.RelayHint{relay.Hint()},
	}
	sender, err := transit.NewEndpoint(cfg)
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := transit.NewEndpoint(cfg)
	require.NoError(t, err)
	defer receiver.Close()

	senderConn, receiverConn := connectPeers(t, ctx, sender, receiver)
	exchangeRecords(t, senderConn, receiverConn)
}

func TestNoCommonAbilitiesFailsFast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sender, err := transit.NewEndpoint(transit.Config{Key: randomKey(t), Abilities: transit.AbilityDirectTCP})
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.Connect(ctx, transit.RoleSender, transit.AbilityRelay, nil)
	require.ErrorIs(t, err, transit.ErrNoCommonAbilities)
}

func TestMismatchedKeysNeverConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	sender, err := transit.NewEndpoint(transit.Config{Key: randomKey(t), Abilities: transit.AbilityDirectTCP})
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := transit.NewEndpoint(transit.Config{Key: randomKey(t), Abilities: transit.AbilityDirectTCP})
	require.NoError(t, err)
	defer receiver.Close()

	senderHints := sender.Hints()
	receiverHints := receiver.Hints()

	errCh := make(chan error, 1)
	go func() {
		_, err := sender.Connect(ctx, transit.RoleSender, transit.AbilityDirectTCP, receiverHints)
		errCh <- err
	}()
	_, receiverErr := receiver.Connect(ctx, transit.RoleReceiver, transit.AbilityDirectTCP, senderHints)

	require.Error(t, receiverErr)
	require.Error(t, <-errCh)
}
