package ircd

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/horgh/catboxd/internal/ircmsg"
	"github.com/horgh/catboxd/internal/ts6"
)

// Clean-nick/user/host character classes (spec.md §4.3).
var (
	cleanNickRe = regexp.MustCompile(`^[A-Za-z_\[\]{}|^` + "`" + `][A-Za-z0-9_\[\]{}|^` + "`" + `-]*$`)
	cleanUserRe = regexp.MustCompile(`^[A-Za-z0-9~.+_-]+$`)
)

func isValidNick(maxLen int, nick string) bool {
	if len(nick) == 0 || len(nick) > maxLen {
		return false
	}
	return cleanNickRe.MatchString(nick)
}

func isValidUser(maxLen int, user string) bool {
	if len(user) == 0 || len(user) > maxLen {
		return false
	}
	return cleanUserRe.MatchString(user)
}

func isValidRealName(name string) bool {
	return len(name) > 0 && len(name) <= 350
}

// isValidChannelName reports whether name (already case-folded) is a
// well-formed channel name (spec.md §3 "Channel").
func isValidChannelName(name string) bool {
	if len(name) < 2 || len(name) > 50 {
		return false
	}
	switch name[0] {
	case '#', '&':
	default:
		return false
	}
	for i := 1; i < len(name); i++ {
		switch name[i] {
		case ' ', ',', '\x07', ':':
			return false
		}
	}
	return true
}

// dispatchUnregistered drives an Unknown socket through the
// registration state machine (spec.md §4.3).
func (cb *Catbox) dispatchUnregistered(c *LocalClient, msg ircmsg.Message) {
	if msg.Prefix != "" {
		cb.removeClient(c, "No prefix permitted")
		return
	}

	cmd := strings.ToUpper(msg.Command)

	switch cmd {
	case "CAP":
		c.capCommand(msg)
	case "PASS":
		c.passCommand(msg)
	case "NICK":
		c.nickCommandPreReg(msg)
	case "USER":
		c.userCommandPreReg(msg)
	case "CAPAB":
		c.capabCommand(msg)
	case "SERVER":
		c.serverCommand(msg)
	case "SVINFO":
		c.svinfoCommand(msg)
	case "PING":
		c.messageFromServer("PONG", []string{cb.Config.ServerName})
	case "PONG":
		if c.PingCookieSent && len(msg.Params) > 0 {
			c.GotPingCookie = true
			c.maybeCompleteRegistration()
		}
	case "STARTTLS":
		c.starttlsCommand()
	case "ERROR":
		c.errorCommand(msg)
	case "QUIT":
		cb.removeClient(c, "Client Quit")
	case "NOTICE":
		// Ignore; may arrive while initiating an outbound server link.
	default:
		c.messageFromServer("451", []string{"You have not registered"})
	}
}

// starttlsCommand answers STARTTLS (spec.md §1 OUT OF SCOPE: the core
// never terminates TLS itself). Rather than attempt a fragile live fd
// handoff to ssld mid-session, clients are pointed at a dedicated TLS
// listener (spec.md §6 "listener... tls").
func (c *LocalClient) starttlsCommand() {
	if c.isTLS() {
		c.messageFromServer(ircmsg.ErrStartTLS, []string{"STARTTLS failure; connection already using TLS"})
		return
	}
	c.messageFromServer(ircmsg.ErrStartTLS, []string{"STARTTLS not supported here; connect to the TLS listener instead"})
}

func (c *LocalClient) capCommand(m ircmsg.Message) {
	if len(m.Params) == 0 {
		return
	}
	sub := strings.ToUpper(m.Params[0])
	switch sub {
	case "LS", "LIST":
		c.CapNegotiating = true
		caps := "multi-prefix invite-notify account-notify extended-join sasl"
		c.maybeQueueMessage(ircmsg.Message{
			Command: "CAP",
			Params:  []string{"*", "LS", caps},
		})
	case "REQ":
		c.CapNegotiating = true
		if len(m.Params) < 2 {
			return
		}
		requested := strings.Fields(m.Params[1])
		for _, cap := range requested {
			c.RequestedCaps[cap] = struct{}{}
		}
		c.maybeQueueMessage(ircmsg.Message{
			Command: "CAP",
			Params:  []string{"*", "ACK", m.Params[1]},
		})
	case "END":
		c.CapNegotiating = false
		c.maybeCompleteRegistration()
	case "CLEAR":
		c.RequestedCaps = make(map[string]struct{})
	}
}

func (c *LocalClient) nickCommandPreReg(m ircmsg.Message) {
	if len(m.Params) == 0 {
		c.messageFromServer(ircmsg.ErrNoNicknameGiven, []string{"No nickname given"})
		return
	}
	nick := m.Params[0]
	if len(nick) > c.Catbox.Config.MaxNickLength {
		nick = nick[:c.Catbox.Config.MaxNickLength]
	}
	if !isValidNick(c.Catbox.Config.MaxNickLength, nick) {
		c.messageFromServer(ircmsg.ErrErroneusNickname, []string{nick, "Erroneous nickname"})
		return
	}
	if c.Catbox.findUserByNick(nick) != nil {
		c.messageFromServer(ircmsg.ErrNicknameInUse, []string{nick, "Nickname is already in use"})
		return
	}
	if reason, resvd := c.Catbox.BanDB.MatchesResv(ircmsg.CaseFold(nick)); resvd && !c.exemptResv() {
		c.messageFromServer(ircmsg.ErrErroneusNickname, []string{nick, "Reserved nickname: " + reason})
		return
	}

	c.PreRegDisplayNick = nick

	if c.Catbox.Config.General.PingCookie && !c.PingCookieSent {
		c.PingCookie = newPingCookie()
		c.PingCookieSent = true
		c.maybeQueueMessage(ircmsg.Message{
			Command: "PING",
			Params:  []string{fmt.Sprintf("%d", c.PingCookie)},
		})
	}

	c.maybeCompleteRegistration()
}

func (c *LocalClient) exemptResv() bool {
	return false
}

func (c *LocalClient) userCommandPreReg(m ircmsg.Message) {
	if len(m.Params) != 4 {
		c.messageFromServer(ircmsg.ErrNeedMoreParams, []string{"USER", "Not enough parameters"})
		return
	}

	user := m.Params[0]
	if len(user) > 10 {
		user = user[:10]
	}
	if !isValidUser(10, user) {
		c.quit("Invalid username")
		return
	}
	c.PreRegUser = user

	if !isValidRealName(m.Params[3]) {
		c.quit("Invalid realname")
		return
	}
	c.PreRegRealName = m.Params[3]

	c.maybeCompleteRegistration()
}

// maybeCompleteRegistration checks the source ambiguity spec.md §9
// calls out explicitly: NICK+USER, the ping cookie (if enabled), and
// authd acceptance must ALL be satisfied, in any order, before
// registration completes.
func (c *LocalClient) maybeCompleteRegistration() {
	if c.PreRegDisplayNick == "" || c.PreRegUser == "" {
		return
	}
	if c.CapNegotiating {
		return
	}
	if c.Catbox.Config.General.PingCookie && c.PingCookieSent && !c.GotPingCookie {
		return
	}
	if c.AuthWaiting || c.IdentWaiting || c.DNSWaiting {
		return
	}

	c.registerUser()
}

// registerUser promotes a fully-vetted LocalClient to a registered
// User (spec.md §4.3).
func (c *LocalClient) registerUser() {
	cb := c.Catbox

	if cb.findUserByNick(c.PreRegDisplayNick) != nil {
		c.messageFromServer(ircmsg.ErrNicknameInUse, []string{c.PreRegDisplayNick, "Nickname is already in use"})
		c.PreRegDisplayNick = ""
		return
	}

	hostname := c.Conn.IP.String()
	if c.Hostname != "" {
		hostname = c.Hostname
	}

	if reason, banned := cb.BanDB.MatchesKLine("~"+c.PreRegUser, hostname); banned {
		c.messageFromServer("465", []string{"You are banned from this server: " + reason})
		cb.removeClient(c, "K-lined: "+reason)
		return
	}
	if reason, banned := cb.BanDB.MatchesDLine(c.Conn.IP.String()); banned {
		cb.removeClient(c, "D-lined: "+reason)
		return
	}
	if reason, banned := cb.BanDB.MatchesXLine(c.PreRegRealName); banned {
		cb.removeClient(c, "X-lined: "+reason)
		return
	}

	lu := NewLocalUser(c)

	u := &User{
		UID:         cb.IDGen.Next(),
		DisplayNick: c.PreRegDisplayNick,
		NickTS:      time.Now().Unix(),
		HopCount:    0,
		Modes:       make(map[byte]struct{}),
		Username:    "~" + c.PreRegUser,
		VisibleHost: hostname,
		RealHost:    hostname,
		IP:          c.Conn.IP.String(),
		RealName:    c.PreRegRealName,
		Channels:    make(map[string]*Membership),
		LocalUser:   lu,
		AcceptList:  make(map[ts6.UID]struct{}),
	}
	lu.User = u

	delete(cb.UnregisteredClients, c.ID)
	cb.LocalUsers[c.ID] = lu
	cb.addUser(u)

	cb.sendWelcomeBurst(lu)

	u.Modes['i'] = struct{}{}
	lu.messageFrom(u, "MODE", []string{u.DisplayNick, "+i"})

	cb.propagateUserIntro(u)
	cb.Hooks.Run(HookNewLocalUser, u)

	cb.noticeOpers(fmt.Sprintf("Client connecting: %s (%s) [%s]",
		u.DisplayNick, u.NickUhost(), u.IP))

	cb.Metrics.ClientCount.Set(float64(len(cb.LocalUsers) + len(cb.LocalServers)))
	cb.Metrics.UserCount.Set(float64(len(cb.Users)))
}

func (cb *Catbox) sendWelcomeBurst(lu *LocalUser) {
	u := lu.User
	lu.messageFromServer(ircmsg.ReplyWelcome, []string{
		fmt.Sprintf("Welcome to the %s IRC Network %s", cb.Config.ServerInfo, u.NickUhost()),
	})
	lu.messageFromServer(ircmsg.ReplyYourHost, []string{
		fmt.Sprintf("Your host is %s, running version %s", cb.Config.ServerName, cb.Config.Version),
	})
	lu.messageFromServer(ircmsg.ReplyCreated, []string{
		fmt.Sprintf("This server was created %s", cb.Config.CreatedDate),
	})
	lu.messageFromServer(ircmsg.ReplyMyInfo, []string{
		cb.Config.ServerName, cb.Config.Version, "ioCrz", "biklmnopstvIq",
	})
	lu.messageFromServer(ircmsg.ReplyISupport, []string{
		fmt.Sprintf("NETWORK=%s", cb.Config.ServerInfo),
		"CHANTYPES=#&", "PREFIX=(ov)@+", "CHANMODES=beIq,k,jl,imnprstzcCRMQFLP",
		"are supported by this server",
	})
	cb.lusersCommandFor(lu)
	cb.motdCommandFor(lu)
}
