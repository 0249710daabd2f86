package pylon

// AppID is a ready-made application identity for Options.ID. Identities
// namespace sessions on the rendezvous server; both peers must run with the
// same one to meet.
const AppID = "nybble04.github.io/pylon/transfer"

// AppVersion is advertised to the peer during the handshake's version
// exchange.
const AppVersion = "0.1.0"

// Well-known public endpoints used when a session does not configure its
// own.
const (
	DefaultRendezvousURL = "ws://rendezvous.libpylon.net:4000/v1"
	DefaultRelayURL      = "tcp://relay.libpylon.net:4001"
)

// DefaultCodeLength is a reasonable word count for generated codes.
const DefaultCodeLength = 2
