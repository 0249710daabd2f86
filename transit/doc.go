// Package transit moves bulk data between two peers that already share a
// session key, over the fastest path that works: direct TCP when the peers
// can reach each other, or a relay server when they cannot.
//
// # Overview
//
// Each side creates an Endpoint from the shared transit key, publishes its
// connection hints through the control channel and then races every viable
// path:
//
//	endpoint, err := transit.NewEndpoint(transit.Config{
//	    Key:       key,
//	    Abilities: transit.AbilitiesAll,
//	})
//	hints := endpoint.Hints() // send these to the peer
//
//	conn, err := endpoint.Connect(ctx, transit.RoleSender, peerAbilities, peerHints)
//
// Every candidate socket performs a token handshake derived from the transit
// key, so only the real peer can qualify a path. The sender picks the first
// qualified socket, confirms it with a "go" line and dismisses the rest; the
// receiver uses whichever socket the "go" arrives on.
//
// # Records
//
// A Conn carries length-delimited records sealed with NaCl secretbox under
// per-direction keys and strictly sequential nonces, so records cannot be
// reordered, replayed or truncated without detection:
//
//	err = conn.SendRecord(chunk)
//	chunk, err := conn.ReadRecord()
//
// # Relays
//
// A relay server blindly splices two TCP streams whose clients present the
// same relay token. Relay candidates start after a short grace period so a
// workable direct path wins ties. The relaytest subpackage provides an
// in-process relay for tests.
package transit
