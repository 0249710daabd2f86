package transit

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Abilities is the set of connection methods a peer is willing to use.
type Abilities uint8

const (
	// AbilityDirectTCP allows direct TCP connections between the peers.
	AbilityDirectTCP Abilities = 1 << iota
	// AbilityRelay allows connections through a transit relay server.
	AbilityRelay
)

// AbilitiesAll enables every connection method.
const AbilitiesAll = AbilityDirectTCP | AbilityRelay

// AbilitiesNone disables transit entirely. Endpoints reject it.
const AbilitiesNone Abilities = 0

// Wire names for abilities and hints.
const (
	hintDirect = "direct-tcp-v1"
	hintRelay  = "relay-v1"
)

// Has reports whether every ability in other is enabled.
func (a Abilities) Has(other Abilities) bool {
	return a&other == other
}

// Names returns the wire names of the enabled abilities.
func (a Abilities) Names() []string {
	var names []string
	if a.Has(AbilityDirectTCP) {
		names = append(names, hintDirect)
	}
	if a.Has(AbilityRelay) {
		names = append(names, hintRelay)
	}
	return names
}

// AbilitiesFromNames parses wire ability names. Unknown names are ignored so
// newer peers can advertise methods this version does not know about.
func AbilitiesFromNames(names []string) Abilities {
	var a Abilities
	for _, name := range names {
		switch name {
		case hintDirect:
			a |= AbilityDirectTCP
		case hintRelay:
			a |= AbilityRelay
		}
	}
	return a
}

func (a Abilities) String() string {
	names := a.Names()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "+")
}

var (
	// ErrRelayScheme is returned when a relay URL does not use the tcp
	// scheme.
	ErrRelayScheme = errors.New("relay url scheme must be tcp")

	// ErrRelayAddress is returned when a relay URL is missing its host or
	// port.
	ErrRelayAddress = errors.New("relay url must include host and port")
)

// RelayHint is the location of a transit relay server.
type RelayHint struct {
	Host string
	Port uint16
}

// Addr returns the relay's dialable host:port address.
func (h RelayHint) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(int(h.Port)))
}

// ParseRelayURL parses a relay locator of the form "tcp://host:port".
func ParseRelayURL(raw string) (RelayHint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return RelayHint{}, fmt.Errorf("invalid relay url: %w", err)
	}
	if u.Scheme != "tcp" {
		return RelayHint{}, fmt.Errorf("%w, got %q", ErrRelayScheme, u.Scheme)
	}
	host := u.Hostname()
	portStr := u.Port()
	if host == "" || portStr == "" {
		return RelayHint{}, fmt.Errorf("%w: %q", ErrRelayAddress, raw)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return RelayHint{}, fmt.Errorf("%w: %q", ErrRelayAddress, raw)
	}
	return RelayHint{Host: host, Port: uint16(port)}, nil
}

// Hint is one way to reach a peer, exchanged through the control channel.
type Hint struct {
	// Type is the hint's wire name, one of "direct-tcp-v1" or "relay-v1".
	Type string `cbor:"type"`
	Host string `cbor:"host"`
	Port uint16 `cbor:"port"`
	// Priority orders candidates; lower values are preferred.
	Priority uint8 `cbor:"priority,omitempty"`
}

func (h Hint) addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(int(h.Port)))
}
