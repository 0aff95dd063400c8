package ircd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/horgh/catboxd/internal/ircmsg"
)

// cmdOperKill lets an operator forcibly disconnect a user (spec.md
// §4.2 "KILL"). It is local-origin here; the TS6 form is
// cmdServerKill.
func cmdOperKill(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	target := cb.findUserByNick(msg.Params[0])
	if target == nil {
		lu.messageFromServer(ircmsg.ErrNoSuchNick, []string{msg.Params[0], "No such nick/channel"})
		return
	}
	reason := msg.Params[1]

	cb.noticeOpers(fmt.Sprintf("Received KILL message for %s. From %s Path: %s (%s)",
		target.NickUhost(), lu.User.DisplayNick, cb.Config.ServerName, reason))

	if target.isLocal() {
		target.LocalUser.messageFromServer("ERROR", []string{
			fmt.Sprintf("Closing link: Killed (%s (%s))", lu.User.DisplayNick, reason),
		})
	}

	killMsg := ircmsg.Message{
		Prefix: string(cb.SID), Command: "KILL",
		Params: []string{string(target.UID), cb.Config.ServerName + " (" + reason + ")"},
	}
	var fromPeer *LocalServer
	if !target.isLocal() && target.ClosestServer != nil {
		fromPeer = target.ClosestServer
	}
	cb.propagateToServers(fromPeer, killMsg)

	cb.exitUser(target, "Killed ("+lu.User.DisplayNick+" ("+reason+"))")
	cb.Metrics.KillCount.Inc()
}

// cmdConnect forces an outbound link attempt to a configured server
// block (spec.md §4.9 autoconnect). Actually dialing is handled by
// cmd/catboxd's connector; here we only validate and request it via a
// hook so the daemon entrypoint can own net.Dial.
func cmdConnect(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	name := msg.Params[0]
	if _, ok := cb.Config.Servers[name]; !ok {
		lu.messageFromServer(ircmsg.ErrNoSuchServer, []string{name, "No such server"})
		return
	}
	if cb.isLinkedToServer(name) {
		lu.serverNotice("Already linked to " + name)
		return
	}
	cb.Hooks.Run(HookConnectRequested, name)
	lu.serverNotice("Connecting to " + name)
}

func cmdOperSquit(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	name := msg.Params[0]
	reason := "Requested"
	if len(msg.Params) > 1 {
		reason = msg.Params[1]
	}
	for _, ls := range cb.LocalServers {
		if ircmsg.EqualFold(ls.Server.Name, name) {
			cb.exitServer(ls, reason)
			return
		}
	}
	lu.messageFromServer(ircmsg.ErrNoSuchServer, []string{name, "No such server"})
}

func cmdRehash(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	cb.Hooks.Run(HookRehashRequested, lu.User)
	lu.serverNotice("Rehashing")
	cb.noticeOpers(fmt.Sprintf("%s is rehashing", lu.User.NickUhost()))
}

func cmdDie(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	cb.noticeOpers(fmt.Sprintf("Server terminated by %s", lu.User.NickUhost()))
	cb.Shutdown()
}

func cmdRestart(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	cb.noticeOpers(fmt.Sprintf("Server restarted by %s", lu.User.NickUhost()))
	cb.Hooks.Run(HookRestartRequested, lu.User)
	cb.Shutdown()
}

// cmdSet adjusts the live-tunable subset of General (spec.md §6
// "general" block, the SET command classically exposes a handful of
// these at runtime).
func cmdSet(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	sub := strings.ToUpper(msg.Params[0])
	switch sub {
	case "SPLITMODE":
		if len(msg.Params) < 2 {
			return
		}
		switch strings.ToUpper(msg.Params[1]) {
		case "ON":
			cb.splitModeOverride = splitForceOn
		case "OFF":
			cb.splitModeOverride = splitForceOff
		case "AUTO":
			cb.splitModeOverride = splitAuto
		}
		cb.checkSplitMode()
	case "MAXCLIENTS":
		if len(msg.Params) < 2 {
			return
		}
		if n, err := strconv.Atoi(msg.Params[1]); err == nil && n > 0 {
			cb.Config.General.MaxClients = n
		}
	case "AUTOCONN":
		if len(msg.Params) < 3 {
			return
		}
		if block, ok := cb.Config.Servers[msg.Params[1]]; ok {
			block.AutoConn = strings.EqualFold(msg.Params[2], "ON")
			cb.Config.Servers[msg.Params[1]] = block
		}
	default:
		lu.serverNotice("Unknown SET parameter: " + sub)
		return
	}
	lu.serverNotice(fmt.Sprintf("SET %s applied", sub))
}

func cmdStats(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	letter := msg.Params[0]
	switch letter {
	case "u", "U":
		uptime := time.Since(cb.startTime)
		lu.messageFromServer("242", []string{fmt.Sprintf("Server Up %s", uptime.Round(time.Second))})
	case "l", "L":
		for _, ls := range cb.LocalServers {
			lu.messageFromServer("211", []string{ls.Server.Name, "0", "0", "0", "0", "0"})
		}
	case "k", "K":
		for _, k := range cb.BanDB.KLines {
			lu.messageFromServer("216", []string{k.HostMask, "*", k.UserMask, k.Reason})
		}
	case "o", "O":
		for name := range cb.Config.Opers {
			lu.messageFromServer("243", []string{"O", "*", "*", name, "0"})
		}
	case "p", "P":
		for _, u := range cb.Opers {
			if u.isLocal() {
				lu.messageFromServer("249", []string{u.DisplayNick})
			}
		}
	}
	lu.messageFromServer("219", []string{letter, "End of /STATS report"})
}

func cmdTrace(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	for _, other := range cb.LocalUsers {
		lu.messageFromServer("204", []string{"Class", other.User.DisplayNick})
	}
	lu.messageFromServer("262", []string{cb.Config.ServerName, "End of TRACE"})
}

func cmdKline(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	mask := msg.Params[0]
	reason := msg.Params[1]
	userMask, hostMask := splitUserHost(mask)

	if err := cb.BanDB.AddKLine(KLine{
		UserMask: userMask, HostMask: hostMask,
		SetBy: lu.User.DisplayNick, SetAt: nowUnix(), Reason: reason,
	}); err != nil {
		lu.serverNotice("Failed to save K-line: " + err.Error())
		return
	}
	cb.Metrics.KLineCount.Inc()
	cb.noticeOpers(fmt.Sprintf("%s added K-Line for [%s@%s] [%s]", lu.User.DisplayNick, userMask, hostMask, reason))
	cb.revalidateBans()
}

func cmdUnkline(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	userMask, hostMask := splitUserHost(msg.Params[0])
	if cb.BanDB.RemoveKLine(userMask, hostMask) {
		cb.noticeOpers(fmt.Sprintf("%s removed K-Line for [%s@%s]", lu.User.DisplayNick, userMask, hostMask))
		return
	}
	lu.messageFromServer(ircmsg.ErrNoSuchNick, []string{msg.Params[0], "No such K-Line"})
}

func splitUserHost(mask string) (string, string) {
	if idx := strings.Index(mask, "@"); idx != -1 {
		return mask[:idx], mask[idx+1:]
	}
	return "*", mask
}

func cmdDline(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	ipMask := msg.Params[0]
	reason := msg.Params[1]
	if err := cb.BanDB.AddDLine(DLine{IPMask: ipMask, SetBy: lu.User.DisplayNick, SetAt: nowUnix(), Reason: reason}); err != nil {
		lu.serverNotice("Failed to save D-line: " + err.Error())
		return
	}
	cb.noticeOpers(fmt.Sprintf("%s added D-Line for [%s] [%s]", lu.User.DisplayNick, ipMask, reason))
	cb.revalidateBans()
}

func cmdUndline(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	if cb.BanDB.RemoveDLine(msg.Params[0]) {
		cb.noticeOpers(fmt.Sprintf("%s removed D-Line for [%s]", lu.User.DisplayNick, msg.Params[0]))
		return
	}
	lu.messageFromServer(ircmsg.ErrNoSuchNick, []string{msg.Params[0], "No such D-Line"})
}

func cmdXline(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	mask := msg.Params[0]
	reason := msg.Params[1]
	if err := cb.BanDB.AddXLine(XLine{Mask: mask, SetBy: lu.User.DisplayNick, SetAt: nowUnix(), Reason: reason}); err != nil {
		lu.serverNotice("Failed to save X-line: " + err.Error())
		return
	}
	cb.noticeOpers(fmt.Sprintf("%s added X-Line for [%s] [%s]", lu.User.DisplayNick, mask, reason))
	cb.revalidateBans()
}

func cmdResv(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	mask := msg.Params[0]
	reason := msg.Params[1]
	if err := cb.BanDB.AddResv(Resv{Mask: mask, SetBy: lu.User.DisplayNick, SetAt: nowUnix(), Reason: reason}); err != nil {
		lu.serverNotice("Failed to save RESV: " + err.Error())
		return
	}
	cb.noticeOpers(fmt.Sprintf("%s added RESV for [%s] [%s]", lu.User.DisplayNick, mask, reason))
}

func cmdUnresv(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	if cb.BanDB.RemoveResv(msg.Params[0]) {
		cb.noticeOpers(fmt.Sprintf("%s removed RESV for [%s]", lu.User.DisplayNick, msg.Params[0]))
		return
	}
	lu.messageFromServer(ircmsg.ErrNoSuchNick, []string{msg.Params[0], "No such RESV"})
}

// cmdOmode lets an operator force a channel-mode change bypassing the
// ordinary chanop check (spec.md §4.5 access check: "or an operator
// wielding OMODE").
func cmdOmode(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	name := ircmsg.CaseFold(msg.Params[0])
	ch := cb.Channels[name]
	if ch == nil {
		lu.messageFromServer(ircmsg.ErrNoSuchChannel, []string{msg.Params[0], "No such channel"})
		return
	}
	res := cb.applyModes(ch, lu.User, true, false, msg.Params[1:])
	if len(res.AppliedTokens) == 0 {
		return
	}
	modeMsg := ircmsg.Message{Prefix: lu.User.Prefix(), Command: "MODE", Params: append([]string{ch.Name}, res.AppliedTokens...)}
	cb.broadcastToChannel(ch, nil, modeMsg)
	cb.noticeOpers(fmt.Sprintf("%s used OMODE on %s: %s", lu.User.DisplayNick, ch.Name, strings.Join(res.AppliedTokens, " ")))
	cb.propagateToServers(nil, ircmsg.Message{
		Prefix: string(lu.User.UID), Command: "TMODE",
		Params: append([]string{strconv.FormatInt(ch.TS, 10), ch.Name}, res.AppliedTokens...),
	})
}

func cmdOkick(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	name := ircmsg.CaseFold(msg.Params[0])
	ch := cb.Channels[name]
	if ch == nil {
		lu.messageFromServer(ircmsg.ErrNoSuchChannel, []string{msg.Params[0], "No such channel"})
		return
	}
	target := cb.findUserByNick(msg.Params[1])
	if target == nil || !target.onChannel(ch) {
		lu.messageFromServer("441", []string{msg.Params[1], ch.Name, "They aren't on that channel"})
		return
	}
	reason := "Oper-enforced kick"
	if len(msg.Params) > 2 {
		reason = msg.Params[2]
	}
	kickMsg := ircmsg.Message{Prefix: lu.User.Prefix(), Command: "KICK", Params: []string{ch.Name, target.DisplayNick, reason}}
	cb.broadcastToChannel(ch, nil, kickMsg)
	if target.isLocal() {
		target.LocalUser.maybeQueueMessage(kickMsg)
	}
	ch.removeMember(target)
	cb.destroyChannelIfEmpty(ch)
	cb.propagateToServers(nil, ircmsg.Message{
		Prefix: string(lu.User.UID), Command: "KICK", Params: []string{ch.Name, string(target.UID), reason},
	})
}

func cmdOlist(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	for name, ch := range cb.Channels {
		lu.messageFromServer(ircmsg.ReplyList, []string{ch.Name, strconv.Itoa(len(ch.Members)), ch.Topic})
		_ = name
	}
	lu.messageFromServer(ircmsg.ReplyListEnd, []string{"End of /LIST"})
}

// cmdClearchan removes every local member of a channel, for abuse
// response (spec.md §4.10 can-kick/can-create hooks implicitly reach
// this kind of bulk action; this is the operator-facing entrypoint).
func cmdClearchan(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	name := ircmsg.CaseFold(msg.Params[0])
	ch := cb.Channels[name]
	if ch == nil {
		lu.messageFromServer(ircmsg.ErrNoSuchChannel, []string{msg.Params[0], "No such channel"})
		return
	}
	reason := "Clearing channel"
	if len(msg.Params) > 1 {
		reason = msg.Params[1]
	}
	for _, m := range ch.LocalMembers {
		kickMsg := ircmsg.Message{Prefix: lu.User.Prefix(), Command: "KICK", Params: []string{ch.Name, m.Client.DisplayNick, reason}}
		m.Client.LocalUser.maybeQueueMessage(kickMsg)
		cb.broadcastToChannel(ch, m.Client, kickMsg)
		ch.removeMember(m.Client)
		cb.propagateToServers(nil, ircmsg.Message{
			Prefix: string(lu.User.UID), Command: "KICK", Params: []string{ch.Name, string(m.Client.UID), reason},
		})
	}
	cb.destroyChannelIfEmpty(ch)
	cb.noticeOpers(fmt.Sprintf("%s cleared %s", lu.User.DisplayNick, ch.Name))
}

// cmdOperwall sends text to every user with +w set, regardless of oper
// status, tagged to distinguish it from a plain WALLOPS (spec.md §4.2
// "reuse sendWallops' fan-out, tag the text").
func cmdOperwall(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	text := strings.Join(msg.Params, " ")
	cb.sendWallops(lu.User.Prefix(), "OPERWALL - "+text)
	cb.propagateToServers(nil, ircmsg.Message{
		Prefix: string(lu.User.UID), Command: "OPERWALL", Params: []string{text},
	})
}

// cmdCnotice lets a chanop NOTICE a fellow channel member while
// bypassing that target's +g caller-id restriction (spec.md §4.6
// "caller-id"): shared channel membership with op status substitutes
// for being on the accept list.
func cmdCnotice(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	cnoticeOrPrivmsg(cb, lu, msg, "NOTICE")
}

// cmdCprivmsg is CNOTICE's PRIVMSG counterpart.
func cmdCprivmsg(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	cnoticeOrPrivmsg(cb, lu, msg, "PRIVMSG")
}

func cnoticeOrPrivmsg(cb *Catbox, lu *LocalUser, msg ircmsg.Message, command string) {
	target := cb.findUserByNick(msg.Params[0])
	if target == nil {
		lu.messageFromServer(ircmsg.ErrNoSuchNick, []string{msg.Params[0], "No such nick/channel"})
		return
	}
	chName := ircmsg.CaseFold(msg.Params[1])
	ch := cb.Channels[chName]
	if ch == nil || !lu.User.onChannel(ch) || !target.onChannel(ch) {
		lu.messageFromServer(ircmsg.ErrNotOnChannel, []string{msg.Params[1], "They aren't on that channel"})
		return
	}
	m := ch.Members[lu.User.UID]
	if m == nil || !m.Op {
		lu.messageFromServer(ircmsg.ErrChanOPrivsNeeded, []string{ch.Name, "You're not a channel operator"})
		return
	}
	text := strings.Join(msg.Params[2:], " ")
	if target.isLocal() {
		target.LocalUser.maybeQueueMessage(ircmsg.Message{
			Prefix: lu.User.Prefix(), Command: command, Params: []string{target.DisplayNick, text},
		})
		return
	}
	cb.propagateToServers(nil, ircmsg.Message{
		Prefix: string(lu.User.UID), Command: command, Params: []string{string(target.UID), text},
	})
}

// cmdSendbans forces an immediate flush of the ban database to disk,
// for an operator who just made several changes and wants the loader's
// replica refreshed without waiting on the next mutation.
func cmdSendbans(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	if err := cb.BanDB.flush(); err != nil {
		lu.serverNotice("Failed to flush ban database: " + err.Error())
		return
	}
	lu.serverNotice("Ban database flushed")
}

// cmdTestmask reports whether a user@host mask matches a configured
// K-line, or its host a D-line, without adding a ban (spec.md §4
// "testline/testmask let an operator preview ban effect"). X-lines,
// resvs and gecos masks are not checked.
func cmdTestmask(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	userHost := msg.Params[0]
	user, host := splitUserHost(userHost)
	if reason, ok := cb.BanDB.MatchesKLine(user, host); ok {
		lu.serverNotice(fmt.Sprintf("Matches K-line %s@%s: %s", user, host, reason))
		return
	}
	if reason, ok := cb.BanDB.MatchesDLine(host); ok {
		lu.serverNotice(fmt.Sprintf("Matches D-line %s: %s", host, reason))
		return
	}
	lu.serverNotice("No matching ban")
}

// cmdTestline looks up a connected user by nick and reports whether
// their user@host matches a K-line, their IP a D-line, or their real
// name an X-line.
func cmdTestline(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	target := cb.findUserByNick(msg.Params[0])
	if target == nil {
		lu.messageFromServer(ircmsg.ErrNoSuchNick, []string{msg.Params[0], "No such nick/channel"})
		return
	}
	if reason, ok := cb.BanDB.MatchesKLine(target.Username, target.VisibleHost); ok {
		lu.serverNotice(fmt.Sprintf("%s matches K-line: %s", target.NickUhost(), reason))
		return
	}
	if reason, ok := cb.BanDB.MatchesDLine(target.IP); ok {
		lu.serverNotice(fmt.Sprintf("%s matches D-line: %s", target.NickUhost(), reason))
		return
	}
	if reason, ok := cb.BanDB.MatchesXLine(target.RealName); ok {
		lu.serverNotice(fmt.Sprintf("%s matches X-line: %s", target.NickUhost(), reason))
		return
	}
	lu.serverNotice(target.NickUhost() + " matches no ban")
}

// cmdModStub answers the MODLOAD/MODUNLOAD/MODRELOAD/MODLIST/
// MODRESTART family. Module loading is an external collaborator's job
// (spec.md §1 Non-goals: no in-process extension loader), so these
// just tell the operator that.
func cmdModStub(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	lu.serverNotice("This build of catboxd has no loadable module subsystem")
}
