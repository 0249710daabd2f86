// Package wormhole establishes an authenticated, encrypted message channel
// between two peers who share nothing but a short human-readable code, using
// an untrusted rendezvous server as the meeting point.
//
// # Overview
//
// One side generates a code and waits; the other side redeems the code. The
// code's nameplate routes both peers to the same rendezvous mailbox, and the
// code's words key a Noise NNpsk0 handshake run through that mailbox. The
// server only ever sees ciphertext: a wrong code, a tampering server or a
// third party on the mailbox all surface as a key confirmation failure, never
// as a silently wrong key.
//
// # Generating Side
//
//	code, pending, err := wormhole.ConnectWithoutCode(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// show `code` to the human, then wait for the peer
//	conn, err := pending.Wait(ctx)
//
// # Redeeming Side
//
//	conn, err := wormhole.ConnectWithCode(ctx, cfg, code)
//
// # Connections
//
// A Conn carries length-delimited encrypted records over the mailbox and can
// derive further secrets bound to the session:
//
//	err = conn.SendRecord(ctx, payload)
//	reply, err := conn.ReadRecord(ctx)
//	transitKey := conn.DeriveKey("transit", 32)
//	err = conn.Close(ctx, rendezvous.MoodHappy)
//
// Records are delivered reliably and in order per direction. The mailbox is
// a low-bandwidth control channel; bulk data belongs on a transit connection
// keyed via DeriveKey.
package wormhole
