// Package idgen generates entity ids in five flavors: timestamp, nano,
// uuid, ulid, and typed/prefixed. Every flavor produces strings that
// never collide in normal operation; timestamp and ulid are additionally
// lexicographically sortable.
package idgen

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Flavor selects which id algorithm a collection's generator uses.
type Flavor string

const (
	FlavorTimestamp Flavor = "timestamp"
	FlavorNano      Flavor = "nano"
	FlavorUUID      Flavor = "uuid"
	FlavorULID      Flavor = "ulid"
	FlavorPrefixed  Flavor = "prefixed"
)

// Generator produces new ids for one collection. The zero value (an empty
// Flavor) behaves as FlavorTimestamp: if none is set, timestamp is used.
type Generator struct {
	Flavor Flavor
	Prefix string // used by FlavorPrefixed; default "id" when empty

	mu       sync.Mutex
	lastMs   int64
	monotone int
}

// New builds a Generator for the given flavor and, for FlavorPrefixed, the
// human-readable type prefix.
func New(flavor Flavor, prefix string) *Generator {
	return &Generator{Flavor: flavor, Prefix: prefix}
}

// Next returns a new id in the generator's configured flavor.
func (g *Generator) Next() string {
	switch g.Flavor {
	case FlavorNano:
		return nanoID()
	case FlavorUUID:
		return uuid.NewString()
	case FlavorULID:
		return g.ulid()
	case FlavorPrefixed:
		prefix := g.Prefix
		if prefix == "" {
			prefix = "id"
		}
		return prefix + "_" + g.randomBody(12)
	case FlavorTimestamp, "":
		return g.timestampID()
	default:
		return g.timestampID()
	}
}

// timestampID produces a millisecond-epoch prefix plus a random base36
// suffix, bumping a per-process monotonic counter within the same
// millisecond so back-to-back calls still sort strictly increasing.
func (g *Generator) timestampID() string {
	g.mu.Lock()
	ms := time.Now().UnixMilli()
	if ms == g.lastMs {
		g.monotone++
	} else {
		g.lastMs = ms
		g.monotone = 0
	}
	seq := g.monotone
	g.mu.Unlock()

	suffix := EncodeBase36(randomBytes(5), 8)
	return fmt.Sprintf("%013d%02d%s", ms, seq%100, suffix)
}

// nanoID returns a short, URL-safe crypto-random id. No third-party
// nano-id generator appears anywhere in the retrieved corpus, so this one
// leaf is built on crypto/rand + base64 URL encoding (see DESIGN.md).
func nanoID() string {
	return base64.RawURLEncoding.EncodeToString(randomBytes(12))
}

// crockfordAlphabet is ULID's base32 alphabet (no I, L, O, U to avoid
// visual ambiguity).
const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// ulid hand-rolls a Crockford base32 ULID (48-bit millisecond timestamp +
// 80 bits of crypto-random payload) in the same spirit as this package's
// own EncodeBase36 — no ulid library exists anywhere in the retrieved
// corpus (see DESIGN.md).
func (g *Generator) ulid() string {
	var buf [16]byte
	ms := uint64(time.Now().UnixMilli())
	buf[0] = byte(ms >> 40)
	buf[1] = byte(ms >> 32)
	buf[2] = byte(ms >> 24)
	buf[3] = byte(ms >> 16)
	buf[4] = byte(ms >> 8)
	buf[5] = byte(ms)
	copy(buf[6:], randomBytes(10))

	return encodeCrockford(buf[:])
}

func encodeCrockford(data []byte) string {
	// 16 bytes = 128 bits -> 26 base32 characters (130 bits); the last
	// character carries the final 3 data bits followed by 2 zero padding bits.
	var bits uint64
	var bitCount uint
	out := make([]byte, 0, 26)
	idx := 0
	for len(out) < 26 {
		for bitCount < 5 && idx < len(data) {
			bits = bits<<8 | uint64(data[idx])
			bitCount += 8
			idx++
		}
		if bitCount < 5 {
			out = append(out, crockfordAlphabet[(bits<<(5-bitCount))&0x1F])
			bitCount = 0
			continue
		}
		shift := bitCount - 5
		out = append(out, crockfordAlphabet[(bits>>shift)&0x1F])
		bitCount -= 5
	}
	return string(out)
}

func (g *Generator) randomBody(n int) string {
	return EncodeBase36(randomBytes((n*5+7)/8+1), n)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken;
		// there is no sane fallback, so surface it loudly rather than
		// silently degrading id uniqueness.
		panic(fmt.Sprintf("idgen: crypto/rand unavailable: %v", err))
	}
	return b
}
