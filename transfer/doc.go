// Package transfer implements single-file transfer over an established
// wormhole channel: offer negotiation on the control channel, bulk data on a
// transit connection, and an end-to-end checksum acknowledgment.
//
// # Protocol
//
// The sender opens a transit endpoint, then posts two control records: its
// transit abilities and hints, and the file offer (name and size). The
// receiver posts its own transit record when it starts listening, and an
// answer record once the human accepts or rejects the offer. On an accepted
// offer both sides race their transit paths, the file streams across in
// chunks, and the receiver finishes with an acknowledgment carrying the
// SHA-256 of everything it wrote.
//
// # Sending
//
//	err := transfer.SendFile(ctx, conn, opts, name, size, file, progress)
//
// # Receiving
//
//	req, err := transfer.RequestFile(ctx, conn, opts)
//	// inspect req.Name, req.Size, then:
//	err = req.Accept(ctx, dst, progress)
//	// or decline:
//	err = req.Reject(ctx)
//
// Both directions report progress after every chunk and stop between chunks
// when their context is cancelled. The wormhole channel is consumed either
// way: it is closed when the transfer ends, whatever the outcome.
package transfer
