// Package pylon implements secure peer-to-peer file transfer sessions keyed
// by short human-readable codes.
//
// A transfer happens between two sessions that share an application
// identity. The sending side generates a one-time code such as
// "4-cobalt-raccoon" and speaks it, texts it, or otherwise hands it to the
// receiving side out of band. The code never crosses the network: both sides
// use it to key a mutual handshake through an untrusted rendezvous server,
// then move the file over a direct TCP connection or a transit relay,
// encrypted end to end.
//
// # Getting Started
//
// Create a session with options, generate a code, and offer a file:
//
//	options := pylon.NewOptions()
//	options.ID = pylon.AppID
//
//	sender, err := pylon.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sender.Destroy()
//
//	code, err := sender.GenCode(ctx, pylon.DefaultCodeLength)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("tell your peer:", code)
//
//	err = sender.SendFile(ctx, "/tmp/photo.jpg", func(sent, total uint64) {
//	    fmt.Printf("\r%d/%d bytes", sent, total)
//	})
//
// The receiving side redeems the code, inspects the offer, and accepts it:
//
//	receiver, err := pylon.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer receiver.Destroy()
//
//	offer, err := receiver.RequestFile(ctx, code)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("incoming: %s (%d bytes)\n", offer.Name, offer.Size)
//
//	err = receiver.AcceptFile(ctx, filepath.Join(downloads, offer.Name), nil)
//
// # Core Types
//
// The package defines several core types:
//
//   - [Pylon]: a transfer session holding at most one outgoing handshake
//     ticket and at most one incoming file offer
//   - [Options]: configuration for creating a session
//   - [Offer]: name and size of a file a peer wants to send
//   - [Error]: the uniform failure type, tagged with an [ErrorKind]
//   - [ProgressFunc]: per-chunk progress callback
//
// # Application Identity
//
// Options.ID names the application on the rendezvous server and is mixed
// into the handshake key. Two sessions can only complete a transfer when
// they use the same ID, so embedding applications should pick one constant
// and use it on both sides. [AppID] is a ready-made value for tools that do
// not need their own namespace.
//
// # Transfer Codes
//
// GenCode returns codes of the form "4-cobalt-raccoon": a numeric channel
// identifier followed by codeLength random words. The words protect the
// handshake, so a longer code is stronger against an attacker who tries to
// redeem it before the intended peer does. A code is valid for a single
// handshake. Redeeming it a second time fails on the rendezvous server, and
// a wrong code fails key confirmation on both sides without revealing
// anything about the file.
//
// # Progress and Cancellation
//
// SendFile and AcceptFile report progress after every chunk and always
// finish with transferred equal to total on success. Both honor context
// cancellation between chunks, and RequestFile honors it while awaiting the
// peer, so a deadline or cancel terminates a stuck session instead of
// hanging:
//
//	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
//	defer cancel()
//	err := sender.SendFile(ctx, path, progress)
//	if errors.Is(err, context.DeadlineExceeded) {
//	    fmt.Println("peer never showed up")
//	}
//
// # Error Handling
//
// Every failure surfaces as an [*Error] whose Kind names the failing layer:
// KindCodegen for code generation, KindRelayHint and KindURLParse for
// endpoint configuration, KindInternal for the handshake machinery,
// KindTransfer for the transfer protocol, KindBuilder for construction, and
// KindGeneric for session misuse and local file problems. The underlying
// cause stays reachable through errors.Is and errors.As:
//
//	var perr *pylon.Error
//	if errors.As(err, &perr) && perr.Kind == pylon.KindTransfer {
//	    // transfer-layer failure
//	}
//
// # Network Configuration
//
// Sessions default to the public rendezvous and relay endpoints. Both can
// be replaced, and transit methods can be restricted:
//
//	options := pylon.NewOptions()
//	options.ID = pylon.AppID
//	options.RendezvousURL = "ws://rendezvous.example.com:4000/v1"
//	options.RelayURL = "tcp://relay.example.com:4001"
//	options.Abilities = pylon.AbilityRelay // never attempt direct TCP
//
// Endpoint URLs are kept as given and checked by the first operation that
// would use them, before any network traffic.
//
// # Session Lifecycle
//
// A session holds two independent slots. GenCode fills the handshake slot
// and SendFile consumes it, success or failure. RequestFile fills the offer
// slot and AcceptFile or RejectFile consumes it. Filling an occupied slot
// fails without touching the pending work, and consuming an empty slot
// fails immediately. Destroy abandons whatever is pending and may be called
// any number of times.
//
// # Thread Safety
//
// The two slots are guarded by a mutex and independent of each other, so a
// session can offer a file and receive another concurrently. Operations on
// the same slot race for it; the loser observes the slot-state error.
//
// # Deterministic Testing
//
// The rendezvoustest and relaytest subpackages host both endpoints
// in-process, so round trips run hermetically on loopback:
//
//	broker := rendezvoustest.NewServer()
//	relay, err := relaytest.NewServer()
//
//	options := pylon.NewOptions()
//	options.ID = pylon.AppID
//	options.RendezvousURL = broker.URL()
//	options.RelayURL = relay.URL()
//
// # Integration Architecture
//
// This package is the session facade, orchestrating:
//
//   - [wordlist]: code generation and parsing
//   - [rendezvous]: the websocket broker client used to match peers
//   - [wormhole]: the code-keyed encrypted channel over the rendezvous
//   - [transit]: direct and relayed bulk-data connections
//   - [transfer]: the offer/answer/ack file transfer protocol
package pylon
