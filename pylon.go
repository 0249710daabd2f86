// Package pylon implements secure peer-to-peer file transfer sessions keyed
// by short human-readable codes.
//
// One side generates a code and offers a file; the other side redeems the
// code and receives it. The code never travels over the network: it keys a
// handshake through an untrusted rendezvous server, and the file moves over
// a direct or relayed transit connection, encrypted end to end.
//
// Example (sending side):
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
// Example (receiving side):
//
//	options := pylon.NewOptions()
//	options.ID = pylon.AppID
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
package pylon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nybble04/libpylon/transfer"
	"github.com/nybble04/libpylon/transit"
	"github.com/nybble04/libpylon/wormhole"
)

// Abilities selects the transit methods a session may use.
type Abilities = transit.Abilities

// Re-exported transit abilities so embedding applications rarely need to
// import the transit package directly.
const (
	AbilityDirectTCP = transit.AbilityDirectTCP
	AbilityRelay     = transit.AbilityRelay
	AbilitiesAll     = transit.AbilitiesAll
)

// ProgressFunc reports transfer progress after every chunk. The final call
// reports transferred == total.
type ProgressFunc = transfer.ProgressFunc

// Offer describes an incoming file held by the session until the caller
// accepts, rejects, or destroys the session.
type Offer struct {
	// Name is the sender's file name, advisory only.
	Name string
	// Size is the exact number of bytes the sender will stream.
	Size uint64
}

// Options contains configuration options for creating a Pylon.
type Options struct {
	// ID is the application identity. Both peers of a transfer must use the
	// same ID: it namespaces codes on the rendezvous server and is mixed
	// into the handshake key. Required.
	ID string

	// RelayURL locates the transit relay as "tcp://host:port". It is kept
	// as given and parsed when a transfer needs it.
	RelayURL string

	// RendezvousURL locates the rendezvous server as a ws:// or wss:// URL.
	// It is kept as given and checked before the first connection.
	RendezvousURL string

	// Abilities restricts transit methods. Zero means all methods.
	Abilities Abilities

	// ChunkSize overrides the transfer chunk size when positive.
	ChunkSize int

	// OverwriteExisting lets AcceptFile replace an existing destination
	// file. NewOptions enables it, matching classic behavior; zero-valued
	// Options leave it off so accidental construction fails safe.
	OverwriteExisting bool
}

// NewOptions returns Options with the default endpoints and behavior. The
// caller still has to set ID.
func NewOptions() *Options {
	return &Options{
		RelayURL:          DefaultRelayURL,
		RendezvousURL:     DefaultRendezvousURL,
		Abilities:         AbilitiesAll,
		OverwriteExisting: true,
	}
}

// Pylon is a file transfer session. It holds at most one pending handshake
// ticket and at most one pending incoming offer. The two slots are
// independent, so one session can offer a file and await another at the same
// time. Long calls block; run them in a goroutine and stop them through
// their context.
type Pylon struct {
	id            string
	relayURL      string
	rendezvousURL string
	abilities     Abilities
	chunkSize     int
	overwrite     bool

	mu        sync.Mutex
	handshake *wormhole.PendingConnection
	request   *transfer.ReceiveRequest
}

// New validates opts and creates a session. Endpoint URLs are not parsed
// here: a bad relay or rendezvous locator surfaces from the first operation
// that would use it, before any network traffic.
func New(opts *Options) (*Pylon, error) {
	if opts == nil {
		opts = NewOptions()
	}

	if opts.ID == "" {
		return nil, newError(KindBuilder, "id must be set")
	}
	if opts.ChunkSize < 0 {
		return nil, newError(KindBuilder, "chunk size must be positive")
	}

	relayURL := opts.RelayURL
	if relayURL == "" {
		relayURL = DefaultRelayURL
	}
	rendezvousURL := opts.RendezvousURL
	if rendezvousURL == "" {
		rendezvousURL = DefaultRendezvousURL
	}
	abilities := opts.Abilities
	if abilities == transit.AbilitiesNone {
		abilities = AbilitiesAll
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"id":         opts.ID,
		"relay":      relayURL,
		"rendezvous": rendezvousURL,
		"abilities":  abilities.String(),
	}).Info("Creating Pylon session")

	return &Pylon{
		id:            opts.ID,
		relayURL:      relayURL,
		rendezvousURL: rendezvousURL,
		abilities:     abilities,
		chunkSize:     opts.ChunkSize,
		overwrite:     opts.OverwriteExisting,
	}, nil
}

// ID returns the application identity this session connects under.
func (p *Pylon) ID() string { return p.id }

// RelayURL returns the configured transit relay endpoint.
func (p *Pylon) RelayURL() string { return p.relayURL }

// RendezvousURL returns the configured rendezvous endpoint.
func (p *Pylon) RendezvousURL() string { return p.rendezvousURL }

// Abilities returns the transit methods this session may use.
func (p *Pylon) Abilities() Abilities { return p.abilities }

// MarshalJSON serializes the session's identity and configuration. Pending
// handshakes and offers are runtime state and never serialize.
func (p *Pylon) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID            string   `json:"id"`
		RelayURL      string   `json:"relayUrl"`
		RendezvousURL string   `json:"rendezvousUrl"`
		Abilities     []string `json:"abilities"`
	}{
		ID:            p.id,
		RelayURL:      p.relayURL,
		RendezvousURL: p.rendezvousURL,
		Abilities:     p.abilities.Names(),
	})
}

// checkRendezvousURL validates the rendezvous locator before it is dialed.
func (p *Pylon) checkRendezvousURL() error {
	parsed, err := url.Parse(p.rendezvousURL)
	if err != nil {
		return &Error{Kind: KindURLParse, Message: "invalid rendezvous endpoint", Err: err}
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return newError(KindURLParse, fmt.Sprintf("rendezvous endpoint scheme must be ws or wss, got %q", parsed.Scheme))
	}
	return nil
}

// relayHints parses the configured relay locator. A locator that is not a
// URL at all is a URL-parse failure; one that is a URL but not a usable
// relay endpoint is a relay-hint failure.
func (p *Pylon) relayHints() ([]transit.RelayHint, error) {
	hint, err := transit.ParseRelayURL(p.relayURL)
	if err != nil {
		kind := KindURLParse
		if errors.Is(err, transit.ErrRelayScheme) || errors.Is(err, transit.ErrRelayAddress) {
			kind = KindRelayHint
		}
		return nil, &Error{Kind: kind, Err: err}
	}
	return []transit.RelayHint{hint}, nil
}

func (p *Pylon) appConfig(codeLength int) wormhole.AppConfig {
	return wormhole.AppConfig{
		ID:            p.id,
		RendezvousURL: p.rendezvousURL,
		AppVersion:    AppVersion,
		CodeLength:    codeLength,
	}
}

func (p *Pylon) transferOptions(hints []transit.RelayHint) transfer.Options {
	return transfer.Options{
		Abilities:  p.abilities,
		RelayHints: hints,
		ChunkSize:  p.chunkSize,
	}
}

// GenCode allocates a fresh code of codeLength words on the rendezvous
// server and stores the resulting handshake ticket. The code is returned
// immediately; the handshake completes in the background when a peer
// redeems it.
//
// A session holds at most one ticket: GenCode fails while one is pending.
func (p *Pylon) GenCode(ctx context.Context, codeLength int) (string, error) {
	p.mu.Lock()
	if p.handshake != nil {
		p.mu.Unlock()
		return "", newError(KindCodegen, msgPendingHandshake)
	}
	p.mu.Unlock()

	if codeLength < 1 {
		return "", newError(KindCodegen, "code length must be at least 1")
	}
	if err := p.checkRendezvousURL(); err != nil {
		return "", err
	}

	code, pending, err := wormhole.ConnectWithoutCode(ctx, p.appConfig(codeLength))
	if err != nil {
		return "", classify(err, KindInternal)
	}

	p.mu.Lock()
	p.handshake = pending
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "GenCode",
		"id":       p.id,
	}).Info("Code generated, handshake pending")
	return code, nil
}

// takeHandshake removes and returns the pending ticket, if any.
func (p *Pylon) takeHandshake() *wormhole.PendingConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending := p.handshake
	p.handshake = nil
	return pending
}

// takeRequest removes and returns the pending offer, if any.
func (p *Pylon) takeRequest() *transfer.ReceiveRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	request := p.request
	p.request = nil
	return request
}

// SendFile waits for the peer holding this session's code, offers the file
// at path and streams it. The pending ticket is consumed on entry, success
// or failure: a failed send needs a new code.
//
// Cancelling ctx while waiting for the peer abandons the handshake;
// cancelling mid-transfer stops between chunks.
func (p *Pylon) SendFile(ctx context.Context, path string, progress ProgressFunc) error {
	pending := p.takeHandshake()
	if pending == nil {
		return newError(KindGeneric, msgNoHandshake)
	}

	name := filepath.Base(filepath.Clean(path))
	if name == "." || name == string(filepath.Separator) || name == "" {
		pending.Cancel()
		return newError(KindGeneric, msgNoFileName)
	}

	file, err := os.Open(path)
	if err != nil {
		pending.Cancel()
		return &Error{Kind: KindGeneric, Message: "failed to open source file", Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		pending.Cancel()
		return &Error{Kind: KindGeneric, Message: "failed to inspect source file", Err: err}
	}
	if info.IsDir() {
		pending.Cancel()
		return newError(KindGeneric, fmt.Sprintf("%s is a directory", path))
	}

	hints, err := p.relayHints()
	if err != nil {
		pending.Cancel()
		return err
	}

	conn, err := pending.Wait(ctx)
	if err != nil {
		return classify(err, KindInternal)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SendFile",
		"id":       p.id,
		"name":     name,
		"size":     info.Size(),
	}).Info("Peer connected, starting transfer")

	err = transfer.SendFile(ctx, conn, p.transferOptions(hints), name, uint64(info.Size()), file, progress)
	return classify(err, KindTransfer)
}

// RequestFile redeems a peer's code and waits for its file offer. The offer
// is stored in the session for a later AcceptFile and its metadata is
// returned. A session holds at most one offer at a time.
func (p *Pylon) RequestFile(ctx context.Context, code string) (Offer, error) {
	p.mu.Lock()
	if p.request != nil {
		p.mu.Unlock()
		return Offer{}, newError(KindGeneric, msgPendingRequest)
	}
	p.mu.Unlock()

	hints, err := p.relayHints()
	if err != nil {
		return Offer{}, err
	}
	if err := p.checkRendezvousURL(); err != nil {
		return Offer{}, err
	}

	conn, err := wormhole.ConnectWithCode(ctx, p.appConfig(0), code)
	if err != nil {
		return Offer{}, classify(err, KindInternal)
	}

	request, err := transfer.RequestFile(ctx, conn, p.transferOptions(hints))
	if err != nil {
		return Offer{}, classify(err, KindTransfer)
	}

	p.mu.Lock()
	p.request = request
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "RequestFile",
		"id":       p.id,
		"name":     request.Name,
		"size":     request.Size,
	}).Info("Offer received and stored")
	return Offer{Name: request.Name, Size: request.Size}, nil
}

// AcceptFile receives the pending offer into the file at path. The offer is
// consumed on entry, success or failure. With OverwriteExisting disabled an
// existing destination is left untouched, the offer is abandoned, and the
// sender observes the abort.
func (p *Pylon) AcceptFile(ctx context.Context, path string, progress ProgressFunc) error {
	request := p.takeRequest()
	if request == nil {
		return newError(KindGeneric, msgNoRequest)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !p.overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if cerr := request.Close(); cerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "AcceptFile",
				"id":       p.id,
				"error":    cerr,
			}).Warn("Failed to abandon transfer request")
		}
		return &Error{Kind: KindGeneric, Message: "failed to create destination file", Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"function": "AcceptFile",
		"id":       p.id,
		"name":     request.Name,
		"path":     path,
	}).Info("Accepting transfer")

	err = request.Accept(ctx, file, progress)
	if cerr := file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return classify(err, KindTransfer)
}

// RejectFile declines the pending offer and ends that session with the
// sender, which observes the rejection. The offer is consumed.
func (p *Pylon) RejectFile(ctx context.Context) error {
	request := p.takeRequest()
	if request == nil {
		return newError(KindGeneric, msgNoRequest)
	}
	return classify(request.Reject(ctx), KindTransfer)
}

// Destroy releases everything the session holds: a pending ticket is
// cancelled and a pending offer is abandoned, failing the peer's awaiting
// operation. Destroy is idempotent and the session can keep being used for
// new codes afterwards.
func (p *Pylon) Destroy() error {
	if pending := p.takeHandshake(); pending != nil {
		pending.Cancel()
		logrus.WithFields(logrus.Fields{
			"function": "Destroy",
			"id":       p.id,
		}).Info("Cancelled pending handshake")
	}
	if request := p.takeRequest(); request != nil {
		if err := request.Close(); err != nil {
			return classify(err, KindTransfer)
		}
		logrus.WithFields(logrus.Fields{
			"function": "Destroy",
			"id":       p.id,
		}).Info("Abandoned pending transfer request")
	}
	return nil
}
