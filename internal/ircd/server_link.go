package ircd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/horgh/catboxd/internal/ircmsg"
	"github.com/horgh/catboxd/internal/ts6"
)

// knownServerCapabs are the TS6 capability tokens this server
// understands (spec.md §6 CAPAB row).
var knownServerCapabs = map[string]struct{}{
	"TS6": {}, "EX": {}, "IE": {}, "SAVE": {}, "ENCAP": {}, "EUID": {},
	"SERVICES": {}, "RSFNC": {}, "CHW": {}, "CLUSTER": {}, "HOPS": {},
	"QS": {}, "ZIP": {},
}

// Server is the global entity for a (local or remote) linked server
// (spec.md §3 "Server").
type Server struct {
	SID         ts6.SID
	Name        string
	Description string
	HopCount    int

	ServPtr  *Server // direct upstream in the spanning tree; nil for us.
	Downstream []*Server
	Users    map[ts6.UID]*User

	Capabs map[string]struct{}

	LocalServer *LocalServer
}

func (s *Server) isLocal() bool  { return s.LocalServer != nil }
func (s *Server) hasCapab(c string) bool {
	_, ok := s.Capabs[c]
	return ok
}

// LocalServer augments Server with the directly-connected link state.
type LocalServer struct {
	*LocalClient

	Server *Server

	GotEOB  bool
	SentEOB bool

	TheirWallClock int64
}

func NewLocalServer(c *LocalClient) *LocalServer {
	return &LocalServer{LocalClient: c}
}

// --- registration-time handshake (spec.md §4.3) ---

func (c *LocalClient) passCommand(m ircmsg.Message) {
	if len(m.Params) < 4 {
		c.messageFromServer(ircmsg.ErrNeedMoreParams, []string{"PASS", "Not enough parameters"})
		return
	}
	if c.GotPASS {
		c.quit("Double PASS")
		return
	}
	if m.Params[1] != "TS" {
		c.quit("Unexpected PASS format: TS")
		return
	}
	tsVersion, err := strconv.ParseInt(m.Params[2], 10, 64)
	if err != nil || tsVersion != 6 {
		c.quit("Unsupported TS version")
		return
	}
	if !ts6.ValidSID(m.Params[3]) {
		c.quit("Malformed SID")
		return
	}

	c.PreRegPass = m.Params[0]
	c.PreRegTS6SID = m.Params[3]
	c.GotPASS = true
}

func (c *LocalClient) capabCommand(m ircmsg.Message) {
	if len(m.Params) == 0 {
		c.messageFromServer(ircmsg.ErrNeedMoreParams, []string{"CAPAB", "Not enough parameters"})
		return
	}
	if !c.GotPASS {
		c.quit("PASS first")
		return
	}
	if c.GotCAPAB {
		c.quit("Double CAPAB")
		return
	}

	for _, tok := range strings.Fields(m.Params[0]) {
		c.PreRegCapabs[strings.ToUpper(tok)] = struct{}{}
	}

	if _, ok := c.PreRegCapabs["QS"]; !ok {
		c.quit("Missing QS")
		return
	}
	if _, ok := c.PreRegCapabs["ENCAP"]; !ok {
		c.quit("Missing ENCAP")
		return
	}

	c.GotCAPAB = true
}

func (c *LocalClient) serverCommand(m ircmsg.Message) {
	if len(m.Params) != 3 {
		c.messageFromServer(ircmsg.ErrNeedMoreParams, []string{"SERVER", "Not enough parameters"})
		return
	}
	if !c.GotCAPAB {
		c.quit("CAPAB first")
		return
	}
	if c.GotSERVER {
		c.quit("Double SERVER")
		return
	}

	name := m.Params[0]
	block, exists := c.Catbox.Config.Servers[name]
	if !exists {
		c.quit("I don't know you")
		return
	}
	if block.Pass != c.PreRegPass {
		c.quit("Bad password")
		return
	}
	if m.Params[1] != "1" {
		c.quit("Bad hopcount")
		return
	}
	if c.Catbox.isLinkedToServer(name) {
		c.quit("I'm already linked to you!")
		return
	}

	c.PreRegServerName = name
	c.PreRegServerDesc = m.Params[2]
	c.GotSERVER = true

	if !c.SentSERVER {
		c.sendServerIntro(block.Pass)
		return
	}
	c.sendSVINFO()
}

func (c *LocalClient) sendServerIntro(pass string) {
	c.maybeQueueMessage(ircmsg.Message{
		Command: "PASS",
		Params:  []string{pass, "TS", "6", string(c.Catbox.SID)},
	})
	c.maybeQueueMessage(ircmsg.Message{
		Command: "CAPAB",
		Params:  []string{"QS EX IE SAVE ENCAP EUID SERVICES RSFNC CHW HOPS CLUSTER"},
	})
	c.maybeQueueMessage(ircmsg.Message{
		Command: "SERVER",
		Params:  []string{c.Catbox.Config.ServerName, "1", c.Catbox.Config.ServerInfo},
	})
	c.SentSERVER = true
}

func (c *LocalClient) sendSVINFO() {
	c.maybeQueueMessage(ircmsg.Message{
		Command: "SVINFO",
		Params:  []string{"6", "6", "0", strconv.FormatInt(time.Now().Unix(), 10)},
	})
	c.SentSVINFO = true
}

func (c *LocalClient) svinfoCommand(m ircmsg.Message) {
	if len(m.Params) < 4 {
		c.messageFromServer(ircmsg.ErrNeedMoreParams, []string{"SVINFO", "Not enough parameters"})
		return
	}
	if !c.GotSERVER || !c.SentSERVER {
		c.quit("SERVER first")
		return
	}
	if m.Params[0] != "6" || m.Params[1] != "6" || m.Params[2] != "0" {
		c.quit("Unsupported TS version")
		return
	}
	theirEpoch, err := strconv.ParseInt(m.Params[3], 10, 64)
	if err != nil {
		c.quit("Malformed time")
		return
	}

	delta := time.Now().Unix() - theirEpoch
	if delta < 0 {
		delta = -delta
	}
	if delta > c.Catbox.Config.General.TSMaxDelta {
		// §4.9: drop the link and disable autoconnect for this block.
		if block, ok := c.Catbox.Config.Servers[c.PreRegServerName]; ok {
			block.AutoConn = false
			c.Catbox.Config.Servers[c.PreRegServerName] = block
		}
		c.quit("Clock is insane")
		return
	}

	if !c.SentSVINFO {
		c.sendSVINFO()
	}

	c.registerServer()
}

func (c *LocalClient) errorCommand(m ircmsg.Message) {
	reason := "Bye"
	if len(m.Params) > 0 {
		reason = m.Params[0]
	}
	c.Catbox.Log.WithField("client", c.String()).Infof("peer sent ERROR: %s", reason)
	c.closing = true
	close(c.WriteChan)
}

// registerServer promotes a handshaking LocalClient to a full
// LocalServer, emits our burst, and introduces it to the rest of the
// network (spec.md §4.3, §4.9).
func (c *LocalClient) registerServer() {
	ls := NewLocalServer(c)

	capabs := make(map[string]struct{})
	for cap := range c.PreRegCapabs {
		if _, known := knownServerCapabs[cap]; known {
			capabs[cap] = struct{}{}
		}
	}

	s := &Server{
		SID:         ts6.SID(c.PreRegTS6SID),
		Name:        c.PreRegServerName,
		Description: c.PreRegServerDesc,
		HopCount:    1,
		ServPtr:     cb2server(c.Catbox),
		Users:       make(map[ts6.UID]*User),
		Capabs:      capabs,
		LocalServer: ls,
	}
	ls.Server = s

	delete(c.Catbox.UnregisteredClients, c.ID)
	c.Catbox.LocalServers[ls.ID] = ls
	c.Catbox.Servers[s.SID] = s

	c.Catbox.noticeOpers(fmt.Sprintf("Established link to %s.", s.Name))
	c.Catbox.Hooks.Run(HookServerIntroduced, s)

	ls.sendBurst()
	ls.maybeQueueMessage(ircmsg.Message{Command: "PING", Params: []string{string(c.Catbox.SID)}})

	// Introduce the new server to the rest of the spanning tree.
	for _, peer := range c.Catbox.LocalServers {
		if peer == ls {
			continue
		}
		peer.maybeQueueMessage(ircmsg.Message{
			Prefix:  string(c.Catbox.SID),
			Command: "SID",
			Params:  []string{s.Name, strconv.Itoa(s.HopCount + 1), string(s.SID), s.Description},
		})
	}

	c.Catbox.Metrics.ServerCount.Set(float64(len(c.Catbox.Servers)))
}

// cb2server returns a placeholder Server representing "us"; used only
// to set ServPtr on directly-connected peers.
func cb2server(cb *Catbox) *Server {
	return &Server{SID: cb.SID, Name: cb.Config.ServerName}
}

func (cb *Catbox) isLinkedToServer(name string) bool {
	for _, ls := range cb.LocalServers {
		if ls.Server.Name == name {
			return true
		}
	}
	return false
}

// --- burst emission (spec.md §4.9) ---

// sendBurst replays our full view of the network to a newly linked
// peer: servers, users, channels with modes/lists, then an EOB
// marker.
func (ls *LocalServer) sendBurst() {
	cb := ls.Catbox

	for _, s := range cb.Servers {
		if s.SID == cb.SID || s == ls.Server {
			continue
		}
		ls.maybeQueueMessage(ircmsg.Message{
			Prefix:  string(cb.SID),
			Command: "SID",
			Params:  []string{s.Name, strconv.Itoa(s.HopCount + 1), string(s.SID), s.Description},
		})
	}

	for _, u := range cb.Users {
		ls.sendUserIntro(u)
	}

	for _, ch := range cb.Channels {
		ls.sendChannelBurst(ch)
	}

	ls.maybeQueueMessage(ircmsg.Message{Command: "PING", Params: []string{string(cb.SID)}})
	ls.SentEOB = true
}

func (ls *LocalServer) sendUserIntro(u *User) {
	cb := ls.Catbox
	hop := strconv.Itoa(u.HopCount + 1)
	ts := strconv.FormatInt(u.NickTS, 10)

	if ls.Server.hasCapab("EUID") {
		ls.maybeQueueMessage(ircmsg.Message{
			Prefix:  string(cb.SID),
			Command: "EUID",
			Params: []string{
				u.DisplayNick, hop, ts, u.modesStringOrPlus(), u.Username,
				u.VisibleHost, u.IP, string(u.UID), u.RealHost, accountOrStar(u), u.RealName,
			},
		})
		return
	}

	ls.maybeQueueMessage(ircmsg.Message{
		Prefix:  string(cb.SID),
		Command: "UID",
		Params: []string{
			u.DisplayNick, hop, ts, u.modesStringOrPlus(), u.Username,
			u.VisibleHost, u.IP, string(u.UID), u.RealName,
		},
	})

	if u.RealHost != u.VisibleHost || u.Account != "" {
		ls.maybeQueueMessage(ircmsg.Message{
			Prefix:  string(u.UID),
			Command: "ENCAP",
			Params:  []string{"*", "REALHOST", u.RealHost},
		})
		if u.Account != "" {
			ls.maybeQueueMessage(ircmsg.Message{
				Prefix:  string(u.UID),
				Command: "ENCAP",
				Params:  []string{"*", "LOGIN", u.Account},
			})
		}
	}
}

func accountOrStar(u *User) string {
	if u.Account == "" {
		return "*"
	}
	return u.Account
}

func (u *User) modesStringOrPlus() string {
	s := u.modesString()
	if s == "" {
		return "+"
	}
	return s
}

func (ls *LocalServer) sendChannelBurst(ch *Channel) {
	cb := ls.Catbox
	members := make([]string, 0, len(ch.Members))
	for _, m := range ch.Members {
		members = append(members, m.sjoinToken())
	}

	ls.maybeQueueMessage(ircmsg.Message{
		Prefix:  string(cb.SID),
		Command: "SJOIN",
		Params: append([]string{
			strconv.FormatInt(ch.TS, 10), ch.Name, ch.modeStringForSJOIN(),
		}, strings.Join(members, " ")),
	})

	sendListModeBurst(ls, ch, 'b', ch.Bans)
	sendListModeBurst(ls, ch, 'e', ch.Excepts)
	sendListModeBurst(ls, ch, 'I', ch.Invex)
	sendListModeBurst(ls, ch, 'q', ch.Quiets)

	if ch.Topic != "" {
		ls.maybeQueueMessage(ircmsg.Message{
			Prefix:  string(cb.SID),
			Command: "TB",
			Params:  []string{ch.Name, strconv.FormatInt(ch.TopicTime, 10), ch.TopicSetter, ch.Topic},
		})
	}
	if ch.MLock != "" {
		ls.maybeQueueMessage(ircmsg.Message{
			Prefix:  string(cb.SID),
			Command: "MLOCK",
			Params:  []string{strconv.FormatInt(ch.TS, 10), ch.Name, ch.MLock},
		})
	}
}

func sendListModeBurst(ls *LocalServer, ch *Channel, letter byte, list []*Ban) {
	if len(list) == 0 {
		return
	}
	masks := make([]string, 0, len(list))
	for _, b := range list {
		masks = append(masks, b.fullMask())
	}
	const chunk = 4
	for i := 0; i < len(masks); i += chunk {
		end := i + chunk
		if end > len(masks) {
			end = len(masks)
		}
		ls.maybeQueueMessage(ircmsg.Message{
			Prefix:  string(ls.Catbox.SID),
			Command: "BMASK",
			Params: append([]string{
				strconv.FormatInt(ch.TS, 10), ch.Name, string(letter),
			}, strings.Join(masks[i:end], " ")),
		})
	}
}

// sjoinToken renders a member for SJOIN/burst: prefix characters for
// op/voice followed by the UID.
func (m *Membership) sjoinToken() string {
	prefix := ""
	if m.Op {
		prefix += "@"
	}
	if m.Voice {
		prefix += "+"
	}
	return prefix + string(m.Client.UID)
}

func (b *Ban) fullMask() string {
	if b.Forward != "" {
		return b.Mask + "$" + b.Forward
	}
	return b.Mask
}

// --- propagation helpers (spec.md §7 "Propagation") ---

// propagateToServers forwards msg to every local server link except
// origin (nil forwards to all).
func (cb *Catbox) propagateToServers(origin *LocalServer, msg ircmsg.Message) {
	for _, ls := range cb.LocalServers {
		if ls == origin {
			continue
		}
		ls.maybeQueueMessage(msg)
	}
}

// propagateUserIntro forwards a freshly-registered local user to every
// peer, downgrading to UID+ENCAP for peers without EUID.
func (cb *Catbox) propagateUserIntro(u *User) {
	for _, ls := range cb.LocalServers {
		ls.sendUserIntro(u)
	}
}

// propagateSave emits SAVE to SAVE-capable peers and KILL to the rest
// (spec.md §4.4, §7: "SAVE is rewritten to KILL for non-SAVE-capable
// peers").
func (cb *Catbox) propagateSave(origin *LocalServer, uid ts6.UID, ts int64) {
	for _, ls := range cb.LocalServers {
		if ls == origin {
			continue
		}
		if ls.Server.hasCapab("SAVE") {
			ls.maybeQueueMessage(ircmsg.Message{
				Prefix:  string(cb.SID),
				Command: "SAVE",
				Params:  []string{string(uid), strconv.FormatInt(ts, 10)},
			})
		} else {
			ls.maybeQueueMessage(ircmsg.Message{
				Prefix:  string(cb.SID),
				Command: "KILL",
				Params:  []string{string(uid), cb.Config.ServerName + " (Nick collision)"},
			})
		}
	}
}

// noticeTSChange tells a channel's local members its TS shifted under
// them, in the form spec.md §8 Scenario B expects.
func (cb *Catbox) noticeTSChange(ch *Channel, oldTS, newTS int64) {
	cb.broadcastToChannel(ch, nil, ircmsg.Message{
		Prefix:  cb.Config.ServerName,
		Command: "NOTICE",
		Params: []string{ch.Name, fmt.Sprintf(
			"*** Notice -- TS for %s changed from %d to %d", ch.Name, oldTS, newTS)},
	})
}

func (cb *Catbox) noticeOpers(text string) {
	for _, u := range cb.Opers {
		if !u.isLocal() {
			continue
		}
		u.LocalUser.serverNotice(text)
	}
}
