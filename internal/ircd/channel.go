package ircd

import (
	"fmt"
	"strings"
	"time"

	"github.com/horgh/catboxd/internal/ircmsg"
	"github.com/horgh/catboxd/internal/ts6"
)

// Channel is a named chat room (spec.md §3 "Channel").
type Channel struct {
	Name string
	TS   int64

	Modes map[byte]struct{}

	Limit   int
	Key     string
	Forward string

	// Join-throttle (+j N:T): at most N joins per T seconds.
	ThrottleNum    int
	ThrottleTime   time.Duration
	joinWindowFrom time.Time
	joinCount      int

	Topic       string
	TopicSetter string
	TopicTime   int64

	MLock string

	// BansVersion increments on any list-mode mutation; Memberships
	// compare their cached version to decide staleness (spec.md §3,
	// §9 "cyclic graphs → intrusive lists with version counters").
	BansVersion int

	Bans    []*Ban
	Excepts []*Ban
	Invex   []*Ban
	Quiets  []*Ban

	Members      map[ts6.UID]*Membership
	LocalMembers map[uint64]*Membership

	InviteList map[ts6.UID]time.Time

	floodCount int
	floodSince time.Time
}

// Ban is a single list-mode entry (spec.md §3 "Ban").
type Ban struct {
	Mask    string
	SetBy   string
	SetAt   int64
	Forward string // only meaningful on the ban (+b) list.
}

// Membership is the (Channel, User) association (spec.md §3
// "Membership"). It is linked, conceptually, into three lists at
// once: Channel.Members, Channel.LocalMembers (if local), and
// User.Channels; those maps ARE those lists.
type Membership struct {
	Channel *Channel
	Client  *User

	Op    bool
	Voice bool

	// cachedBansVersion lets a membership skip ban re-evaluation until
	// the channel's list modes actually changed.
	cachedBansVersion int
	cachedBanned      bool
	cachedQuieted     bool
}

func newChannel(name string, ts int64) *Channel {
	return &Channel{
		Name:         name,
		TS:           ts,
		Modes:        make(map[byte]struct{}),
		Members:      make(map[ts6.UID]*Membership),
		LocalMembers: make(map[uint64]*Membership),
		InviteList:   make(map[ts6.UID]time.Time),
	}
}

func (ch *Channel) hasMode(m byte) bool {
	_, ok := ch.Modes[m]
	return ok
}

func (ch *Channel) isEmpty() bool { return len(ch.Members) == 0 }

func (ch *Channel) isPermanent() bool { return ch.hasMode('P') }

// modeStringForSJOIN renders the simple/parametered modes (not list
// modes, which travel via BMASK) for an outbound SJOIN/burst line.
func (ch *Channel) modeStringForSJOIN() string {
	var letters strings.Builder
	var params []string
	letters.WriteByte('+')
	for m := range ch.Modes {
		if isListModeLetter(m) {
			continue
		}
		letters.WriteByte(m)
	}
	if ch.hasMode('k') && ch.Key != "" {
		params = append(params, ch.Key)
	}
	if ch.hasMode('l') && ch.Limit > 0 {
		params = append(params, fmt.Sprintf("%d", ch.Limit))
	}
	if ch.hasMode('j') {
		params = append(params, fmt.Sprintf("%d:%d", ch.ThrottleNum, int(ch.ThrottleTime.Seconds())))
	}
	if ch.hasMode('f') && ch.Forward != "" {
		params = append(params, ch.Forward)
	}
	out := letters.String()
	if len(params) > 0 {
		out += " " + strings.Join(params, " ")
	}
	return out
}

// allowJoinUnderThrottle enforces +j N:T (spec.md §4.5 "Throttle"):
// at most ThrottleNum joins per ThrottleTime window, the window
// resetting every ThrottleTime seconds (spec.md §5 "Channel
// join-throttle window: resets every T seconds per channel").
func (ch *Channel) allowJoinUnderThrottle() bool {
	now := time.Now()
	if ch.joinWindowFrom.IsZero() || now.Sub(ch.joinWindowFrom) >= ch.ThrottleTime {
		ch.joinWindowFrom = now
		ch.joinCount = 0
	}
	if ch.joinCount >= ch.ThrottleNum {
		return false
	}
	ch.joinCount++
	return true
}

// droppedModeLetters renders the simple/parametered mode letters
// currently set (excluding list modes, which have no standalone
// letter representation in a MODE string) for use in a "-mode"
// notice when a lower-TS SJOIN strips them (spec.md §4.4).
func (ch *Channel) droppedModeLetters() string {
	var letters strings.Builder
	for m := range ch.Modes {
		if isListModeLetter(m) {
			continue
		}
		letters.WriteByte(m)
	}
	return letters.String()
}

func isListModeLetter(m byte) bool {
	switch m {
	case 'b', 'e', 'I', 'q':
		return true
	}
	return false
}

// bumpBansVersion invalidates every membership's cached ban/quiet
// evaluation (spec.md §3, §9).
func (ch *Channel) bumpBansVersion() {
	ch.BansVersion++
}

// membershipFor looks up u's membership in ch, refreshing its cached
// ban/quiet bits if the channel's list modes changed since last use.
func (ch *Channel) membershipFor(u *User) *Membership {
	m, ok := ch.Members[u.UID]
	if !ok {
		return nil
	}
	if m.cachedBansVersion != ch.BansVersion {
		m.cachedBanned = ch.matchesAnyBan(ch.Bans, u) && !ch.matchesAnyBan(ch.Excepts, u)
		m.cachedQuieted = ch.matchesAnyBan(ch.Quiets, u) && !ch.matchesAnyBan(ch.Excepts, u)
		m.cachedBansVersion = ch.BansVersion
	}
	return m
}

func (ch *Channel) matchesAnyBan(list []*Ban, u *User) bool {
	for _, b := range list {
		if matchBanMask(b.Mask, u, ch) {
			return true
		}
	}
	return false
}

// matchingBan returns the first ban entry covering u, or nil if u is
// excepted or no ban applies. Callers that need the specific matched
// Ban (e.g. to honor its own $forward target, spec.md §8 Scenario F)
// use this instead of matchesAnyBan.
func (ch *Channel) matchingBan(u *User) *Ban {
	if ch.matchesAnyBan(ch.Excepts, u) {
		return nil
	}
	for _, b := range ch.Bans {
		if matchBanMask(b.Mask, u, ch) {
			return b
		}
	}
	return nil
}

// addMember links u into ch, creating the Membership.
func (ch *Channel) addMember(u *User, op, voice bool) *Membership {
	m := &Membership{Channel: ch, Client: u, Op: op, Voice: voice}
	ch.Members[u.UID] = m
	if u.isLocal() {
		ch.LocalMembers[u.LocalUser.ID] = m
	}
	u.Channels[ch.Name] = m
	return m
}

// removeMember unlinks u from ch. Returns true if the channel is now
// empty and should be destroyed (unless +P).
func (ch *Channel) removeMember(u *User) bool {
	delete(ch.Members, u.UID)
	if u.isLocal() {
		delete(ch.LocalMembers, u.LocalUser.ID)
	}
	delete(u.Channels, ch.Name)
	return ch.isEmpty()
}

// findChannel looks up a channel by (already case-folded) name.
func (cb *Catbox) findChannel(name string) *Channel {
	return cb.Channels[name]
}

// getOrCreateChannel returns the existing channel or lazily creates
// one at the given TS (spec.md §3 "Channel" lifecycle).
func (cb *Catbox) getOrCreateChannel(name string, ts int64) (*Channel, bool) {
	if ch, ok := cb.Channels[name]; ok {
		return ch, false
	}
	ch := newChannel(name, ts)
	cb.Channels[name] = ch
	return ch, true
}

// destroyChannelIfEmpty removes ch from the store if it has no
// members and is not +P.
func (cb *Catbox) destroyChannelIfEmpty(ch *Channel) {
	if ch.isEmpty() && !ch.isPermanent() {
		delete(cb.Channels, ch.Name)
	}
}

// broadcastToChannel sends msg to every local member of ch (optionally
// excluding one), preserving origination order (spec.md §5 "Local
// broadcasts to a channel preserve the order of the originating
// events").
func (cb *Catbox) broadcastToChannel(ch *Channel, exclude *User, msg ircmsg.Message) {
	for _, m := range ch.LocalMembers {
		if m.Client == exclude {
			continue
		}
		m.Client.LocalUser.maybeQueueMessage(msg)
	}
}
