package rendezvous

// Wire frames exchanged with the rendezvous server. Every frame is a single
// JSON object with a "type" discriminator; unused fields are omitted.

// clientFrame is a message sent from the client to the server.
type clientFrame struct {
	Type      string `json:"type"`
	AppID     string `json:"appid,omitempty"`
	Side      string `json:"side,omitempty"`
	Nameplate string `json:"nameplate,omitempty"`
	Mailbox   string `json:"mailbox,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Body      string `json:"body,omitempty"` // hex-encoded payload
	Mood      string `json:"mood,omitempty"`
}

// serverFrame is a message sent from the server to the client.
type serverFrame struct {
	Type      string   `json:"type"`
	Welcome   *Welcome `json:"welcome,omitempty"`
	Nameplate string   `json:"nameplate,omitempty"`
	Mailbox   string   `json:"mailbox,omitempty"`
	Side      string   `json:"side,omitempty"`
	Phase     string   `json:"phase,omitempty"`
	Body      string   `json:"body,omitempty"` // hex-encoded payload
	Error     string   `json:"error,omitempty"`
}

// Client frame types.
const (
	frameBind     = "bind"
	frameAllocate = "allocate"
	frameClaim    = "claim"
	frameOpen     = "open"
	frameAdd      = "add"
	frameRelease  = "release"
	frameClose    = "close"
)

// Server frame types.
const (
	frameWelcome   = "welcome"
	frameAck       = "ack"
	frameAllocated = "allocated"
	frameClaimed   = "claimed"
	frameMessage   = "message"
	frameReleased  = "released"
	frameClosed    = "closed"
	frameError     = "error"
)

// Welcome carries server metadata delivered on connect. A non-empty MOTD is
// logged by the client; an Error field means the server refuses service.
type Welcome struct {
	MOTD  string `json:"motd,omitempty"`
	Error string `json:"error,omitempty"`
}

// Message is a mailbox message observed from the peer side.
type Message struct {
	Side  string
	Phase string
	Body  []byte
}
