package ircd

import (
	"fmt"
	"time"

	"github.com/horgh/catboxd/internal/ircmsg"
)

// removeClient is invoked on EventDeadClient: the reader or writer
// goroutine observed an I/O failure (or we decided to drop the link
// ourselves) and the socket is already gone or going. This is the
// single place a LocalClient transitions out of every map it could be
// in (spec.md §4.12 "Failure taxonomy").
func (cb *Catbox) removeClient(c *LocalClient, reason string) {
	if lu := cb.localUserFor(c); lu != nil {
		cb.exitUser(lu.User, reason)
		return
	}
	if ls := cb.localServerFor(c); ls != nil {
		cb.exitServer(ls, reason)
		return
	}

	// Still unregistered.
	if _, ok := cb.UnregisteredClients[c.ID]; ok {
		delete(cb.UnregisteredClients, c.ID)
		c.quit(reason)
	}
}

func (cb *Catbox) localUserFor(c *LocalClient) *LocalUser {
	return cb.LocalUsers[c.ID]
}

func (cb *Catbox) localServerFor(c *LocalClient) *LocalServer {
	return cb.LocalServers[c.ID]
}

// exitUser removes u from the entity store, tells its own socket
// (if local) why, and propagates QUIT to every peer except the one it
// arrived from (spec.md §4.12).
func (cb *Catbox) exitUser(u *User, reason string) {
	quitMsg := ircmsg.Message{
		Prefix:  u.Prefix(),
		Command: "QUIT",
		Params:  []string{reason},
	}

	seen := make(map[string]struct{})
	for _, m := range u.Channels {
		cb.broadcastToChannel(m.Channel, u, quitMsg)
	}
	_ = seen

	var fromPeer *LocalServer
	if u.isLocal() {
		delete(cb.LocalUsers, u.LocalUser.ID)
		u.LocalUser.quit(reason)
	} else if u.ClosestServer != nil {
		fromPeer = u.ClosestServer
	}

	cb.removeUser(u)
	cb.Hooks.Run(HookClientExit, u)

	if u.isLocal() || fromPeer != nil {
		killMsg := ircmsg.Message{
			Prefix:  string(u.UID),
			Command: "QUIT",
			Params:  []string{reason},
		}
		cb.propagateToServers(fromPeer, killMsg)
	}

	cb.Metrics.UserCount.Set(float64(len(cb.Users)))
}

// exitServer handles an SQUIT: remove the server and every entity it
// (directly or transitively) hosted, and tell the rest of the network
// once per peer (spec.md §4.12).
func (cb *Catbox) exitServer(ls *LocalServer, reason string) {
	s := ls.Server
	removedUIDs := cb.removeServer(s)
	_ = removedUIDs

	delete(cb.LocalServers, ls.ID)
	ls.quit(reason)

	squitMsg := ircmsg.Message{
		Prefix:  string(cb.SID),
		Command: "SQUIT",
		Params:  []string{s.Name, reason},
	}
	cb.propagateToServers(ls, squitMsg)
	cb.noticeOpers(fmt.Sprintf("Netsplit from %s (%s)", s.Name, reason))

	cb.Metrics.ServerCount.Set(float64(len(cb.Servers)))
	cb.Metrics.UserCount.Set(float64(len(cb.Users)))
}

// checkAndPingClients runs once per General.WakeupTime: it refills
// flood budgets, sends PINGs to idle links, and reaps ones that never
// answered (spec.md §5 "Cancellation / timeouts").
func (cb *Catbox) checkAndPingClients() {
	now := time.Now()

	for _, c := range cb.UnregisteredClients {
		if now.Sub(c.ConnectionStartTime) > cb.Config.General.DeadTime {
			cb.newEvent(Event{Type: EventDeadClient, Client: c, Reason: "Registration timeout"})
		}
	}

	for _, lu := range cb.LocalUsers {
		cb.refillFlood(lu.LocalClient)
		cb.checkPingTimeout(lu.LocalClient, lu.User.NickUhost())
	}

	for _, ls := range cb.LocalServers {
		cb.checkPingTimeout(ls.LocalClient, ls.Server.Name)
	}
}

func (cb *Catbox) refillFlood(c *LocalClient) {
	if !c.FloodGraceDone {
		c.AllowRead = cb.Config.General.ClientFlood * 8
		c.AllowReadBurst = cb.Config.General.ClientFlood * 8
	} else {
		c.AllowRead = 5
		c.AllowReadBurst = 40
	}
	c.SentParsed = 0
}

func (cb *Catbox) checkPingTimeout(c *LocalClient, name string) {
	now := time.Now()
	pingTime := cb.Config.General.PingTime

	if now.Sub(c.LastActivityTime) > pingTime*2 {
		seconds := int(pingTime.Seconds() * 2)
		cb.newEvent(Event{
			Type:   EventDeadClient,
			Client: c,
			Reason: fmt.Sprintf("Ping timeout: %d seconds", seconds),
		})
		return
	}

	if now.Sub(c.LastActivityTime) > pingTime && now.Sub(c.LastPingTime) > pingTime {
		c.maybeQueueMessage(ircmsg.Message{
			Prefix:  cb.Config.ServerName,
			Command: "PING",
			Params:  []string{cb.Config.ServerName},
		})
		c.LastPingTime = now
	}
}
