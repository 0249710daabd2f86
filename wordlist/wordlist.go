// Package wordlist provides generation and parsing of human-readable
// wormhole codes of the form "4-cobalt-raccoon": a numeric nameplate
// followed by one or more words exchanged out-of-band between the two
// parties.
//
// Words alternate between two 128-entry lists so that adjacent words in a
// code never come from the same list, which keeps spoken codes easier to
// transcribe. Each word contributes 7 bits of entropy.
package wordlist

import (
	"crypto/rand"
	"errors"
	"strconv"
	"strings"
)

// ErrMalformedCode indicates a code that does not have the expected
// "<nameplate>-<word>[-<word>...]" shape.
var ErrMalformedCode = errors.New("malformed wormhole code")

// evenWords supplies the words at even positions (the first word after the
// nameplate, the third, and so on).
var evenWords = []string{
	"acrobat", "almond", "amber", "anchor", "apricot", "arrow", "aspen", "atlas",
	"badge", "bamboo", "banjo", "barley", "beacon", "bedrock", "beehive", "bicycle",
	"bison", "blizzard", "bluebird", "bobcat", "bonfire", "breeze", "bridge", "bronze",
	"bucket", "burlap", "cabin", "camera", "canyon", "carpet", "cascade", "cedar",
	"cello", "chalk", "chapel", "cheetah", "cherry", "chisel", "cinder", "citrus",
	"clover", "cobalt", "comet", "compass", "condor", "copper", "coral", "cotton",
	"cougar", "cradle", "crater", "cricket", "crystal", "cyclone", "dagger", "dahlia",
	"daisy", "decoy", "dewdrop", "dolphin", "domino", "dragon", "drizzle", "drummer",
	"eagle", "easel", "echo", "eclipse", "ember", "emerald", "falcon", "feather",
	"fedora", "fiddle", "firefly", "fjord", "flannel", "flint", "fossil", "fountain",
	"gadget", "galaxy", "garnet", "gazebo", "geyser", "ginger", "glacier", "goblet",
	"granite", "gravel", "grotto", "guitar", "hammock", "harbor", "hazel", "heron",
	"hickory", "honey", "hornet", "iceberg", "indigo", "ivory", "jaguar", "jasmine",
	"jigsaw", "juniper", "kayak", "kestrel", "lagoon", "lantern", "lilac", "lobster",
	"locket", "magnet", "mango", "maple", "marble", "meadow", "meteor", "mosaic",
	"mulberry", "mustang", "nectar", "nutmeg", "oasis", "ocelot", "orchid", "otter",
}

// oddWords supplies the words at odd positions.
var oddWords = []string{
	"abacus", "acorn", "alfalfa", "antler", "pagoda", "palette", "panther", "papaya",
	"parlor", "peacock", "pebble", "pelican", "pepper", "petal", "pewter", "pigeon",
	"pillow", "pinecone", "pistachio", "plasma", "plaza", "plume", "pocket", "polygon",
	"poplar", "poppy", "prairie", "pretzel", "prism", "pulley", "puma", "pumpkin",
	"quarry", "quartz", "quill", "rabbit", "raccoon", "radish", "rainbow", "raptor",
	"raven", "redwood", "reef", "rhubarb", "ribbon", "ripple", "rocket", "rooster",
	"rosewood", "ruby", "rudder", "saddle", "saffron", "salmon", "sandbar", "sapphire",
	"satchel", "seahorse", "sequoia", "shale", "shutter", "sierra", "skillet", "sleigh",
	"slipper", "sonnet", "sparrow", "sphinx", "spiral", "spruce", "squall", "stanza",
	"starling", "steeple", "stirrup", "summit", "sundial", "sunflower", "tabby", "taffeta",
	"talon", "tangelo", "teapot", "thicket", "thimble", "thistle", "tidepool", "timber",
	"toffee", "topaz", "torrent", "toucan", "trellis", "trumpet", "tundra", "turbine",
	"turnip", "tuxedo", "umbrella", "unicorn", "valley", "vanilla", "velvet", "verbena",
	"violet", "vulture", "wagon", "walnut", "walrus", "wasabi", "waterfall", "weasel",
	"whistle", "wicker", "wigwam", "willow", "windmill", "wisteria", "wolverine", "wombat",
	"yarrow", "yearling", "yodel", "yucca", "zeppelin", "zephyr", "zinnia", "zircon",
}

// ChooseWords selects n random words for a wormhole code, alternating
// between the even and odd lists starting with the even list.
func ChooseWords(n int) ([]string, error) {
	if n < 1 {
		return nil, errors.New("word count must be at least 1")
	}

	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}

	words := make([]string, n)
	for i, b := range raw {
		// Both lists hold 128 entries, so reducing a random byte
		// modulo the list length introduces no bias.
		if i%2 == 0 {
			words[i] = evenWords[int(b)%len(evenWords)]
		} else {
			words[i] = oddWords[int(b)%len(oddWords)]
		}
	}

	return words, nil
}

// MakeCode joins a nameplate and words into the canonical code form.
func MakeCode(nameplate string, words []string) string {
	return nameplate + "-" + strings.Join(words, "-")
}

// ParseCode splits a wormhole code into its nameplate and words.
// The nameplate must be a non-negative integer and at least one word must
// follow it.
func ParseCode(code string) (nameplate string, words []string, err error) {
	parts := strings.Split(code, "-")
	if len(parts) < 2 {
		return "", nil, ErrMalformedCode
	}

	nameplate = parts[0]
	if n, convErr := strconv.Atoi(nameplate); convErr != nil || n < 0 {
		return "", nil, ErrMalformedCode
	}

	words = parts[1:]
	for _, w := range words {
		if w == "" {
			return "", nil, ErrMalformedCode
		}
	}

	return nameplate, words, nil
}
