package ircd

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/horgh/catboxd/internal/ircmsg"
)

// clientStatus discriminates the kind of entity a Client represents
// (spec.md §3 "Client"). Status drives which maps a Client is filed
// under and which command-handler slot the dispatcher selects.
type clientStatus int

// Client statuses.
const (
	StatusConnecting clientStatus = iota
	StatusHandshake
	StatusUnknown
	StatusRejected
	StatusServer
	StatusClient
)

// LocalClient holds everything about a locally-connected socket, from
// the moment it is accepted through registration and for the lifetime
// of the link. Every Client that `from == this` (spec.md §3 invariant)
// has one of these; remote Clients do not.
type LocalClient struct {
	Conn Conn

	// Hostname as resolved by authd. Blank until authd replies; the
	// dotted-quad form is used meanwhile.
	Hostname string

	// TLSActive and TLSCertFP are reported by the ssld helper over the
	// control channel (spec.md §4.11); the core never terminates TLS
	// itself.
	TLSActive bool
	TLSCertFP string

	ID uint64

	IsServerPort bool

	WriteChan chan ircmsg.Message

	ConnectionStartTime time.Time

	Catbox *Catbox

	SendQueueExceeded bool
	closing           bool

	// --- pre-client registration scratch (spec.md §3, §4.3) ---

	PreRegDisplayNick string
	PreRegUser        string
	PreRegRealName    string

	PreRegPass       string
	PreRegTS6SID     string
	PreRegCapabs     map[string]struct{}
	PreRegServerName string
	PreRegServerDesc string

	GotPASS   bool
	GotCAPAB  bool
	GotSERVER bool

	SentSERVER bool
	SentSVINFO bool

	// CAP negotiation (client protocol, §6 "CAP"). Registration is
	// suspended while CapNegotiating is true.
	CapNegotiating bool
	CapVersion302  bool
	RequestedCaps  map[string]struct{}

	// authd/DNS/ident deferred flags and ping cookie (§4.3, §9 source
	// ambiguity 2: all three must clear, in any order, before
	// registration completes).
	AuthWaiting  bool
	IdentWaiting bool
	DNSWaiting   bool
	PingCookie   uint32
	GotPingCookie bool
	PingCookieSent bool

	ConnID string // correlation id for helper control-channel replies.

	// --- flood/rate-limit state (§4.7) ---

	AllowRead      int
	AllowReadBurst int
	SentParsed     int
	FloodGraceDone bool
	ExemptFlood    bool

	// target-change ring (§4.6).
	TargetRing []targetEntry

	LastActivityTime time.Time
	LastPingTime     time.Time
}

type targetEntry struct {
	fingerprint string
	at          time.Time
}

// NewLocalClient wraps an accepted connection.
func NewLocalClient(cb *Catbox, id uint64, conn Conn) *LocalClient {
	now := time.Now()
	return &LocalClient{
		Conn:                conn,
		ID:                  id,
		ConnID:              uuid.NewString(),
		WriteChan:           make(chan ircmsg.Message, 32768),
		ConnectionStartTime: now,
		Catbox:              cb,
		PreRegCapabs:        make(map[string]struct{}),
		RequestedCaps:       make(map[string]struct{}),
		AllowRead:           cb.Config.General.ClientFlood,
		AllowReadBurst:      cb.Config.General.ClientFlood * 2,
		LastActivityTime:    now,
		LastPingTime:        now,
	}
}

func (c *LocalClient) String() string {
	return fmt.Sprintf("%d %s", c.ID, c.Conn.RemoteAddr())
}

func (c *LocalClient) isTLS() bool {
	return c.TLSActive
}

// maybeQueueMessage enqueues m for delivery without blocking. If the
// client's write buffer is full we flag SendQueueExceeded rather than
// stall the single dispatch goroutine on a slow peer (spec.md §5).
func (c *LocalClient) maybeQueueMessage(m ircmsg.Message) {
	if c.SendQueueExceeded {
		return
	}

	select {
	case c.WriteChan <- m:
	default:
		c.SendQueueExceeded = true
	}
}

// messageFromServer sends a message appearing to originate from this
// server, prefixing numerics with the client's current nick (or "*"
// before one is known, matching ratbox's convention).
func (c *LocalClient) messageFromServer(command string, params []string) {
	if isNumericCommand(command) {
		nick := "*"
		if len(c.PreRegDisplayNick) > 0 {
			nick = c.PreRegDisplayNick
		}
		newParams := make([]string, 0, len(params)+1)
		newParams = append(newParams, nick)
		newParams = append(newParams, params...)
		params = newParams
	}

	c.maybeQueueMessage(ircmsg.Message{
		Prefix:  c.Catbox.Config.ServerName,
		Command: command,
		Params:  params,
	})
}

func isNumericCommand(command string) bool {
	if len(command) != 3 {
		return false
	}
	for _, r := range command {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// readLoop reads protocol lines from the socket and hands each parsed
// message to the single dispatch goroutine as an Event. It never
// touches the entity store directly (spec.md §5).
func (c *LocalClient) readLoop() {
	defer c.Catbox.WG.Done()

	for {
		if c.Catbox.isShuttingDown() {
			break
		}

		line, err := c.Conn.Read()
		if err != nil {
			c.Catbox.Log.WithField("client", c.String()).WithError(err).Debug("read error")
			c.Catbox.newEvent(Event{Type: EventDeadClient, Client: c, Reason: readErrorReason(err)})
			return
		}

		if len(line) > ircmsg.MaxLineLength {
			// Source ambiguity 1 (spec.md §9): reject, don't silently
			// truncate-and-accept, lines over the protocol limit.
			c.Catbox.newEvent(Event{Type: EventDeadClient, Client: c, Reason: "Excess flood"})
			return
		}

		msg, err := ircmsg.ParseMessage(line)
		if err != nil {
			continue
		}

		c.Catbox.newEvent(Event{Type: EventMessage, Client: c, Message: msg})
	}
}

func readErrorReason(err error) string {
	return fmt.Sprintf("Read error: %s", err)
}

// writeLoop drains the client's outbound channel to its socket. It
// closes the connection itself once the channel is closed or a write
// fails, so that queued messages (e.g. the final ERROR line) get a
// chance to flush before the socket dies.
func (c *LocalClient) writeLoop() {
	defer c.Catbox.WG.Done()

Loop:
	for {
		select {
		case m, ok := <-c.WriteChan:
			if !ok {
				break Loop
			}
			if err := c.Conn.WriteMessage(m); err != nil {
				c.Catbox.newEvent(Event{Type: EventDeadClient, Client: c, Reason: readErrorReason(err)})
				break Loop
			}
		case <-c.Catbox.ShutdownChan:
			break Loop
		}
	}

	_ = c.Conn.Close()
}

// quit tells the client why it is being disconnected and stops its
// writer. It is idempotent: a client may already be mid-cleanup.
func (c *LocalClient) quit(reason string) {
	if c.closing {
		return
	}
	c.closing = true

	c.messageFromServer("ERROR", []string{fmt.Sprintf("Closing link: (%s)", reason)})
	close(c.WriteChan)
}

func newPingCookie() uint32 {
	return rand.Uint32()
}
