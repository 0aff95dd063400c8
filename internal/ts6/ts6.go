// Package ts6 implements the TS6 identifier scheme: fixed-width server
// and user IDs that, once assigned, never change for the lifetime of
// the entity.
package ts6

import (
	"fmt"
	"regexp"
)

// SID is a 3-character server identifier: a digit followed by two
// alphanumerics.
type SID string

// UID is a 9-character user identifier: a SID followed by six
// alphanumerics.
type UID string

// SentinelTS is the fixed timestamp a SAVE'd client is given. Invariant
// 5 (spec.md §8): after a SAVE of client c, c.TS == SentinelTS.
const SentinelTS int64 = 100

// BogusTSFloor is the threshold below which a channel TS is considered
// bogus (spec.md §4.4 "Bogus TS guard").
const BogusTSFloor int64 = 800_000_000

var sidPattern = regexp.MustCompile(`^[0-9][0-9A-Z]{2}$`)

// ValidSID reports whether s is a well-formed SID string.
func ValidSID(s string) bool {
	return sidPattern.MatchString(s)
}

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// IDGenerator produces the sequence of 6-character ID suffixes a server
// appends to its SID to mint UIDs, cycling through [A-Z0-9] with carry
// the way the teacher's makeTS6ID does, starting from all 'A's and
// wrapping back to it (in practice unreachable: 36^6 is billions of
// users before a single link's uptime would ever cycle).
type IDGenerator struct {
	sid   SID
	digit [6]int
}

// NewIDGenerator creates a generator rooted at the given server SID.
func NewIDGenerator(sid SID) *IDGenerator {
	return &IDGenerator{sid: sid}
}

// Next returns the next UID in sequence.
func (g *IDGenerator) Next() UID {
	suffix := make([]byte, 6)
	for i, d := range g.digit {
		suffix[i] = idAlphabet[d]
	}
	g.advance()
	return UID(fmt.Sprintf("%s%s", g.sid, suffix))
}

func (g *IDGenerator) advance() {
	for i := 5; i >= 0; i-- {
		g.digit[i]++
		if g.digit[i] < len(idAlphabet) {
			return
		}
		g.digit[i] = 0
	}
}
