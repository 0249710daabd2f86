// Package rendezvous implements the client side of the pylon rendezvous
// protocol, a small JSON-over-websocket message relay that lets two peers
// who share nothing but a human-readable code find each other and exchange
// handshake messages.
//
// # Overview
//
// A rendezvous server keeps two kinds of state:
//
//   - Nameplates: short numeric labels ("7", "42") that form the first
//     component of a pylon code. A nameplate points at a mailbox and is
//     released by both sides once the mailbox is open.
//   - Mailboxes: durable message queues. Every message added to a mailbox
//     is stored and broadcast to all connected watchers, including an echo
//     to the sender, so either side may connect late and still observe the
//     full history.
//
// # Connecting
//
// Connect dials the server, waits for the welcome frame and binds the
// client's application ID and side:
//
//	client, err := rendezvous.Connect(ctx, url, appID, side)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
// # Nameplate Lifecycle
//
//	nameplate, err := client.Allocate(ctx)          // reserve a fresh nameplate
//	mailbox, err := client.Claim(ctx, nameplate)    // claim it (both sides do this)
//	err = client.Open(ctx, mailbox)                 // start watching the mailbox
//	err = client.Release(ctx, nameplate)            // drop the nameplate claim
//
// A nameplate admits at most two claims. A third claim is answered with a
// "crowded" error, which is how reuse of an already-redeemed code is
// detected.
//
// # Messages
//
// AddMessage posts a phase-labelled binary body. Messages from the peer
// side arrive on the Messages channel; the client's own echoes are
// filtered out:
//
//	err = client.AddMessage(ctx, "pake-1", body)
//	msg, err := client.Next(ctx)
//
// # Errors
//
// Server-reported failures are returned as *ServerError so callers can
// inspect the server's reason string. Connection loss surfaces as
// ErrConnectionClosed wrapped around the underlying websocket error.
package rendezvous
