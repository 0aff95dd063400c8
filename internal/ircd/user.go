package ircd

import (
	"fmt"
	"strings"
	"time"

	"github.com/horgh/catboxd/internal/ircmsg"
	"github.com/horgh/catboxd/internal/ts6"
	"golang.org/x/time/rate"
)

// User is the global, replicated entity for a nickname-bearing client.
// Local and remote users share this type; LocalUser is set only for
// the former (spec.md §3 "Client").
type User struct {
	UID ts6.UID

	DisplayNick string
	NickTS      int64
	HopCount    int

	Username string
	// Three hostnames per spec.md §3: the visible one, the original
	// (real) one, and the socket/IP textual form.
	VisibleHost string
	RealHost    string
	IP          string

	RealName string
	Account  string // services account name; "" if not identified.

	Modes   map[byte]struct{}
	SNOMask string // server-notice mask, opers only.

	Channels map[string]*Membership // canonical channel name -> membership

	// ClosestServer is the link we heard this user from; Server is the
	// server they are actually connected to (may be further away).
	ClosestServer *LocalServer
	Server        *Server

	LocalUser *LocalUser

	// AcceptList is this user's caller-id (+g) accept list, by UID.
	AcceptList map[ts6.UID]struct{}

	Away string
}

func (u *User) String() string {
	return fmt.Sprintf("%s: %s", u.UID, u.NickUhost())
}

// NickUhost renders nick!user@host for use in message prefixes.
func (u *User) NickUhost() string {
	return fmt.Sprintf("%s!%s@%s", u.DisplayNick, u.Username, u.VisibleHost)
}

// Prefix is the message-source string peers and local clients see:
// nick!user@host for ordinary traffic.
func (u *User) Prefix() string {
	return u.NickUhost()
}

func (u *User) isOperator() bool {
	_, exists := u.Modes['o']
	return exists
}

func (u *User) isService() bool {
	_, exists := u.Modes['S']
	return exists
}

func (u *User) isInvisible() bool {
	_, exists := u.Modes['i']
	return exists
}

func (u *User) isLocal() bool { return u.LocalUser != nil }
func (u *User) isRemote() bool { return !u.isLocal() }

func (u *User) onChannel(ch *Channel) bool {
	_, exists := u.Channels[ch.Name]
	return exists
}

func (u *User) modesString() string {
	if len(u.Modes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('+')
	for m := range u.Modes {
		b.WriteByte(m)
	}
	return b.String()
}

// maxChans is the channel-count ceiling for this user: opers get 3x
// the configured limit (spec.md §8 invariant 6).
func (u *User) maxChans(cfg int) int {
	if u.isOperator() {
		return cfg * 3
	}
	return cfg
}

// LocalUser augments User with the state only a locally connected
// client needs: its socket, registration scratch, and per-second
// counters.
type LocalUser struct {
	*LocalClient

	User *User

	LastActivityTime time.Time
	LastPingTime     time.Time
	LastMessageTime  time.Time

	LastNickChange   time.Time
	NickChangeCount  int

	LastJoinTime time.Time
	JoinCount    int

	// RateLimiter backs "ratelimit_client" (spec.md §4.7): a token
	// bucket of max_ratelimit_tokens seconds of credit, debited by
	// expensive commands like WHO and LIST.
	RateLimiter *rate.Limiter
	// WhoCredits is extra allowance granted by a recent JOIN (spec.md
	// §4.7 "Joining a channel grants a single WHO credit"), consumed
	// before the token bucket is.
	WhoCredits int

	CapHandshakeEnd bool

	MonitorList map[string]struct{}
}

// NewLocalUser promotes a LocalClient to a LocalUser during
// registration.
func NewLocalUser(c *LocalClient) *LocalUser {
	now := time.Now()
	tokens := c.Catbox.Config.General.MaxRatelimitTokens
	return &LocalUser{
		LocalClient:      c,
		LastActivityTime: now,
		LastPingTime:     now,
		LastMessageTime:  now,
		RateLimiter:      rate.NewLimiter(rate.Limit(1), tokens),
		MonitorList:      make(map[string]struct{}),
	}
}

// consumeRateToken debits one unit of ratelimit_client credit, a WHO
// credit first if one is available (spec.md §4.7). Opers are exempt.
func (u *LocalUser) consumeRateToken() bool {
	if u.User.isOperator() {
		return true
	}
	if u.WhoCredits > 0 {
		u.WhoCredits--
		return true
	}
	return u.RateLimiter.Allow()
}

func (u *LocalUser) String() string {
	return u.User.String()
}

func (u *LocalUser) notice(s string) {
	u.messageFromServer("NOTICE", []string{u.User.DisplayNick,
		fmt.Sprintf("*** Notice -- %s", s)})
}

// messageFromServer overrides LocalClient's to use the registered
// nick once one exists.
func (u *LocalUser) messageFromServer(command string, params []string) {
	if isNumericCommand(command) {
		newParams := make([]string, 0, len(params)+1)
		newParams = append(newParams, u.User.DisplayNick)
		newParams = append(newParams, params...)
		params = newParams
	}
	u.maybeQueueMessage(ircmsg.Message{
		Prefix:  u.Catbox.Config.ServerName,
		Command: command,
		Params:  params,
	})
}

// messageFrom sends a message appearing to come from src to this
// local user.
func (u *LocalUser) messageFrom(src *User, command string, params []string) {
	u.maybeQueueMessage(ircmsg.Message{
		Prefix:  src.Prefix(),
		Command: command,
		Params:  params,
	})
}

func (u *LocalUser) serverNotice(s string) {
	u.messageFromServer("NOTICE", []string{u.User.DisplayNick, "*** " + s})
}
