package ircd

import (
	"strconv"
	"strings"

	"github.com/horgh/catboxd/internal/ircmsg"
	"github.com/horgh/catboxd/internal/ts6"
)

// normalizeTS guards against a bogus incoming timestamp (zero,
// negative, or below ts6.BogusTSFloor) by substituting the local wall
// clock; timestamps in the future are not checked. This is the way charybdis's ts6 layer treats sjoin_ts <= 0
// (spec.md §4.4 "bogus-TS guard").
func normalizeTS(ts int64) int64 {
	if ts <= 0 || ts < ts6.BogusTSFloor {
		return nowUnix()
	}
	return ts
}

// cmdSID introduces a server two or more hops away, reached through
// ls (spec.md §4.9 "Burst").
func cmdSID(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	name, hopStr, sidStr := msg.Params[0], msg.Params[1], msg.Params[2]
	desc := msg.Params[3]

	hop, err := strconv.Atoi(hopStr)
	if err != nil {
		cb.exitServer(ls, "Malformed SID hopcount")
		return
	}

	sid := ts6.SID(sidStr)
	if cb.findServerBySID(sid) != nil {
		cb.exitServer(ls, "SID collision: "+sidStr)
		return
	}

	parent := ls.Server
	s := &Server{
		SID: sid, Name: name, Description: desc, HopCount: hop,
		ServPtr: parent, Users: make(map[ts6.UID]*User),
		Capabs: make(map[string]struct{}),
	}
	parent.Downstream = append(parent.Downstream, s)
	cb.Servers[sid] = s

	cb.propagateToServers(ls, msg)
	cb.Metrics.ServerCount.Set(float64(len(cb.Servers)))
}

// cmdUID introduces a remote user without REALHOST/LOGIN riders
// (spec.md §4.4 "User introduction").
func cmdUID(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	introduceRemoteUser(cb, ls, msg, false)
}

// cmdEUID introduces a remote user with real-host and account inline
// (spec.md §4.4, the EUID capability).
func cmdEUID(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	introduceRemoteUser(cb, ls, msg, true)
}

func introduceRemoteUser(cb *Catbox, ls *LocalServer, msg ircmsg.Message, euid bool) {
	p := msg.Params
	nick, hopStr, tsStr, umodes, username, host, ip, uidStr := p[0], p[1], p[2], p[3], p[4], p[5], p[6], p[7]

	realHost := host
	account := ""
	var realName string
	if euid {
		// EUID: nick hop ts umode user host ip uid realhost account :gecos
		realHost = p[8]
		account = p[9]
		realName = p[10]
	} else {
		// UID: nick hop ts umode user host ip uid :gecos
		realName = p[8]
	}

	hop, err := strconv.Atoi(hopStr)
	if err != nil {
		cb.exitServer(ls, "Malformed UID hopcount")
		return
	}
	ts := normalizeTS(atoiTS(tsStr))
	uid := ts6.UID(uidStr)

	if cb.findUserByUID(uid) != nil {
		cb.exitServer(ls, "UID collision: "+uidStr)
		return
	}

	if account == "" {
		account = "*"
	}
	if account == "*" {
		account = ""
	}

	server := ls.Server
	if hop > 1 {
		if s := cb.findServerBySID(ts6.SID(uidStr[:3])); s != nil {
			server = s
		}
	}

	u := &User{
		UID: uid, DisplayNick: nick, NickTS: ts, HopCount: hop,
		Username: username, VisibleHost: host, RealHost: realHost, IP: ip,
		RealName: realName, Account: account,
		Modes:         parseUmodeString(umodes),
		Channels:      make(map[string]*Membership),
		ClosestServer: ls,
		Server:        server,
		AcceptList:    make(map[ts6.UID]struct{}),
	}

	if existing := cb.findUserByNick(nick); existing != nil {
		resolveNickCollisionOnIntroduce(cb, ls, existing, u)
	}

	cb.addUser(u)
	cb.propagateToServers(ls, msg)
	cb.Hooks.Run(HookNewRemoteUser, u)
	cb.Metrics.UserCount.Set(float64(len(cb.Users)))
}

func atoiTS(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseUmodeString(s string) map[byte]struct{} {
	m := make(map[byte]struct{})
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '+' {
			continue
		}
		m[c] = struct{}{}
	}
	return m
}

// sameUserHost reports whether two users present the same identity
// (matching username and visible host, case-insensitively), the
// "sameuser" test m_nick.c:876-877 centers nick-collision arbitration
// on (spec.md §4.4 "compare user@host").
func sameUserHost(a, b *User) bool {
	return strings.EqualFold(a.Username, b.Username) &&
		strings.EqualFold(a.VisibleHost, b.VisibleHost)
}

// nickCollisionNewerWins decides, for two distinct TSs, which side of a
// nick collision keeps the nickname, per m_nick.c:876-880
// (perform_nick_collides): when both sides share the same user@host
// (a reconnect/ghost of the same identity) the newer claim wins;
// otherwise the older claim wins. ts is the challenger's; holderTS is
// the current nick holder's.
func nickCollisionNewerWins(sameuser bool, ts, holderTS int64) bool {
	if sameuser {
		return ts > holderTS
	}
	return ts < holderTS
}

// resolveNickCollisionOnIntroduce implements spec.md §4.4's TS6
// collision rules for a freshly-introduced UID landing on an existing
// nick. Equal or bogus TS is a double-collision: both sides are
// SAVE'd (or KILL'd, for peers lacking SAVE). Otherwise user@host
// decides the winner per nickCollisionNewerWins. incoming is mutated
// in place (renamed onto its own UID at the sentinel TS) when it
// loses or double-collides, so the caller's subsequent addUser files
// it correctly either way.
func resolveNickCollisionOnIntroduce(cb *Catbox, ls *LocalServer, existing, incoming *User) {
	if incoming.NickTS == 0 || existing.NickTS == 0 || incoming.NickTS == existing.NickTS {
		// Equal or bogus TS: a double collision (spec.md §8 Scenario A).
		cb.collideUser(existing, ls)
		cb.saveIntroducingUser(incoming, ls)
		return
	}

	if nickCollisionNewerWins(sameUserHost(existing, incoming), incoming.NickTS, existing.NickTS) {
		cb.collideUser(existing, ls)
		return
	}

	// incoming loses: it is never filed under the contested nick, but
	// is still SAVE'd onto its own UID rather than silently dropped
	// (m_nick.c: "register_client(client_p, source_p, uid, SAVE_NICKTS, ...)").
	cb.saveIntroducingUser(incoming, ls)
}

// collideUser forces u onto its UID as nick at the sentinel TS (SAVE)
// and tells peers to SAVE it, or KILL it for peers without SAVE
// support. origin is excluded from propagation (it already knows).
func (cb *Catbox) collideUser(u *User, origin *LocalServer) {
	cb.propagateSave(origin, u.UID, u.NickTS)

	oldPrefix := u.Prefix()
	cb.renameUser(u, string(u.UID), ts6.SentinelTS)
	if u.isLocal() {
		u.LocalUser.maybeQueueMessage(ircmsg.Message{
			Prefix: oldPrefix, Command: "NICK", Params: []string{string(u.UID)},
		})
		cb.broadcastNickChangeToChannels(u, oldPrefix, string(u.UID))
	}
}

// saveIntroducingUser renames a not-yet-filed incoming UID onto its
// own UID at the sentinel TS and tells peers to SAVE (or KILL, for
// non-SAVE-capable peers) it. It mirrors collideUser, but for a
// client that has no entity-store entry yet to collide out of
// (m_nick.c: "register_client(client_p, source_p, uid, SAVE_NICKTS, ...)").
// The caller still files u under addUser afterward, now under its
// UID rather than the contested nick.
func (cb *Catbox) saveIntroducingUser(u *User, origin *LocalServer) {
	cb.propagateSave(origin, u.UID, u.NickTS)
	u.DisplayNick = string(u.UID)
	u.NickTS = ts6.SentinelTS
}

// cmdRemoteNick handles a NICK change arriving from a server link,
// either a rename of an existing remote/local user (source is a UID)
// (spec.md §4.4).
func cmdRemoteNick(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	u := cb.findUserByUID(ts6.UID(msg.Prefix))
	if u == nil {
		return
	}
	newNick := msg.Params[0]
	newTS := normalizeTS(atoiTS(msg.Params[1]))

	if existing := cb.findUserByNick(newNick); existing != nil && existing != u {
		switch {
		case newTS == 0 || existing.NickTS == 0 || newTS == existing.NickTS:
			// Equal or bogus TS: a double collision (spec.md §8 Scenario A).
			cb.collideUser(existing, ls)
			cb.collideUser(u, ls)
			return
		case nickCollisionNewerWins(sameUserHost(existing, u), newTS, existing.NickTS):
			cb.collideUser(existing, ls)
		default:
			cb.collideUser(u, ls)
			return
		}
	}

	oldPrefix := u.Prefix()
	cb.renameUser(u, newNick, newTS)
	if u.isLocal() {
		u.LocalUser.maybeQueueMessage(ircmsg.Message{Prefix: oldPrefix, Command: "NICK", Params: []string{newNick}})
	}
	cb.broadcastNickChangeToChannels(u, oldPrefix, newNick)
	cb.propagateToServers(ls, msg)
}

// cmdSJOIN merges a remote burst/rejoin of a channel, performing the
// TS arbitration spec.md §4.4/§8 Scenario B describes: the lower TS
// wins; modes and list entries from the losing side are dropped
// (merged only if TS are equal), and ops carried by the losing side
// are stripped ("mode-drop/merge/ignore").
func cmdSJOIN(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	theirTS := normalizeTS(atoiTS(msg.Params[0]))
	name := ircmsg.CaseFold(msg.Params[1])
	modeStr := msg.Params[2]
	nickList := msg.Params[len(msg.Params)-1]

	ch, created := cb.getOrCreateChannel(name, theirTS)

	var dropTheirOps, ridingCheck bool
	var oldKey string
	var riders []*User
	switch {
	case created:
		ch.TS = theirTS
	case theirTS < ch.TS:
		// Their side is older: it wins outright. Our modes, list modes
		// and mode-lock are all cleared; every existing local op is
		// stripped (spec.md §4.4/§8 Scenario B).
		oldTS := ch.TS
		oldModes := ch.droppedModeLetters()
		oldKey = ch.Key
		ridingCheck = true
		ch.Modes = make(map[byte]struct{})
		ch.Limit, ch.Key, ch.Forward = 0, "", ""
		ch.Bans = nil
		ch.Excepts = nil
		ch.Invex = nil
		ch.Quiets = nil
		ch.MLock = ""
		ch.bumpBansVersion()
		for _, m := range ch.Members {
			m.Op = false
			m.Voice = false
			if m.Client.isLocal() {
				riders = append(riders, m.Client)
			}
		}
		ch.TS = theirTS
		cb.noticeTSChange(ch, oldTS, theirTS)
		if oldModes != "" {
			cb.broadcastToChannel(ch, nil, ircmsg.Message{
				Prefix:  string(ls.Server.SID),
				Command: "MODE",
				Params:  []string{ch.Name, "-" + oldModes},
			})
		}
	case theirTS > ch.TS:
		// Ours is older: we win. Their modes and any ops they're carrying
		// in nickList are dropped (kept as plain joins).
		dropTheirOps = true
	default:
		// Equal TS: modes merge (union), ops from both sides are kept.
	}

	if !dropTheirOps && theirTS <= ch.TS {
		applyBurstModeString(cb, ch, modeStr)
	}

	// kick_on_split_riding (spec.md §4.4, §9 ambiguity 4): when the
	// arriving side rides in with +i or a changed key, local members
	// who were already on the channel are kicked rather than left
	// stranded under modes they never agreed to.
	if ridingCheck && cb.Config.Channel.KickOnSplitRiding && len(riders) > 0 &&
		(ch.hasMode('i') || ch.Key != oldKey) {
		for _, u := range riders {
			cb.partLocalForSplitRiding(ch, u)
		}
	}

	for _, tok := range strings.Fields(nickList) {
		op, voice, uid := parseSJOINToken(tok)
		if dropTheirOps {
			op, voice = false, false
		}
		u := cb.findUserByUID(uid)
		if u == nil {
			continue
		}
		if _, already := ch.Members[u.UID]; already {
			continue
		}
		ch.addMember(u, op, voice)
		if u.isLocal() {
			u.LocalUser.maybeQueueMessage(ircmsg.Message{
				Prefix: u.Prefix(), Command: "JOIN", Params: []string{ch.Name},
			})
		}
	}

	cb.destroyChannelIfEmpty(ch)

	cb.propagateToServers(ls, msg)
	cb.Metrics.ChannelCount.Set(float64(len(cb.Channels)))
}

// partLocalForSplitRiding forces a local member off ch when a
// lower-TS SJOIN rides in with +i or a changed key and
// kick_on_split_riding is enabled (spec.md §4.4, §9 ambiguity 4).
func (cb *Catbox) partLocalForSplitRiding(ch *Channel, u *User) {
	partMsg := ircmsg.Message{
		Prefix:  u.Prefix(),
		Command: "PART",
		Params:  []string{ch.Name, "Net-riding"},
	}
	cb.broadcastToChannel(ch, u, partMsg)
	u.LocalUser.maybeQueueMessage(partMsg)

	ch.removeMember(u)

	cb.propagateToServers(nil, ircmsg.Message{
		Prefix: string(u.UID), Command: "PART", Params: []string{ch.Name, "Net-riding"},
	})
}

func applyBurstModeString(cb *Catbox, ch *Channel, modeStr string) {
	tokens := strings.Fields(modeStr)
	if len(tokens) == 0 {
		return
	}
	cb.applyModes(ch, nil, false, true, tokens)
}

func parseSJOINToken(tok string) (op, voice bool, uid ts6.UID) {
	i := 0
	for i < len(tok) {
		switch tok[i] {
		case '@':
			op = true
		case '+':
			voice = true
		default:
			return op, voice, ts6.UID(tok[i:])
		}
		i++
	}
	return op, voice, ""
}

// cmdTMODE applies a targeted mode change from a peer (spec.md §4.4,
// §4.5): TS-gated the same way SJOIN is, but operating on an existing
// channel only.
func cmdTMODE(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	theirTS := normalizeTS(atoiTS(msg.Params[0]))
	name := ircmsg.CaseFold(msg.Params[1])
	ch := cb.Channels[name]
	if ch == nil {
		return
	}
	if theirTS > ch.TS {
		// Stale TMODE for a channel that's since been recreated; ignore.
		return
	}

	res := cb.applyModes(ch, nil, false, true, msg.Params[2:])
	if len(res.AppliedTokens) == 0 {
		return
	}

	var source *User
	if u := cb.findUserByUID(ts6.UID(msg.Prefix)); u != nil {
		source = u
	}
	prefix := msg.Prefix
	if source != nil {
		prefix = source.Prefix()
	} else if s := cb.findServerBySID(ts6.SID(msg.Prefix)); s != nil {
		prefix = s.Name
	}

	modeMsg := ircmsg.Message{Prefix: prefix, Command: "MODE", Params: append([]string{ch.Name}, res.AppliedTokens...)}
	cb.broadcastToChannel(ch, nil, modeMsg)
	cb.propagateToServers(ls, msg)
}

// cmdBMASK replays a batch of list-mode entries during burst (spec.md
// §4.9 "Burst"): it never emits a local notification, only files the
// entries.
func cmdBMASK(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	theirTS := normalizeTS(atoiTS(msg.Params[0]))
	name := ircmsg.CaseFold(msg.Params[1])
	letter := msg.Params[2][0]

	ch := cb.Channels[name]
	if ch == nil || theirTS > ch.TS {
		return
	}

	list := ch.listFor(letter)
	for _, mask := range strings.Fields(msg.Params[3]) {
		mask, forward := splitForward(mask)
		if banListFind(*list, mask) != nil {
			continue
		}
		*list = append(*list, &Ban{Mask: mask, SetBy: msg.Prefix, SetAt: nowUnix(), Forward: forward})
	}
	ch.bumpBansVersion()

	cb.propagateToServers(ls, msg)
}

// cmdMLOCK replicates a services-set mode lock (spec.md §4.5
// "MLOCK").
func cmdMLOCK(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	name := ircmsg.CaseFold(msg.Params[1])
	ch := cb.Channels[name]
	if ch == nil {
		return
	}
	ch.MLock = msg.Params[2]
	cb.propagateToServers(ls, msg)
}

// cmdSAVE resolves a simultaneous-nick-change race: force the named
// UID onto its bare-UID nick (spec.md §4.4 "SAVE").
func cmdSAVE(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	uid := ts6.UID(msg.Params[0])
	u := cb.findUserByUID(uid)
	if u == nil {
		return
	}
	savedTS := atoiTS(msg.Params[1])
	if u.NickTS != savedTS {
		// Stale SAVE for a nick change that's already happened; ignore.
		return
	}

	oldPrefix := u.Prefix()
	cb.renameUser(u, string(u.UID), ts6.SentinelTS)
	if u.isLocal() {
		u.LocalUser.maybeQueueMessage(ircmsg.Message{Prefix: oldPrefix, Command: "NICK", Params: []string{string(u.UID)}})
	}
	cb.broadcastNickChangeToChannels(u, oldPrefix, string(u.UID))
	cb.propagateToServers(ls, msg)
}

// cmdServerKill handles a KILL arriving from a peer, targeting either
// a local or remote user.
func cmdServerKill(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	target := cb.findUserByUID(ts6.UID(msg.Params[0]))
	if target == nil {
		return
	}
	reason := msg.Params[1]
	if target.isLocal() {
		target.LocalUser.messageFromServer("ERROR", []string{"Closing link: Killed (" + reason + ")"})
	}
	cb.propagateToServers(ls, msg)
	cb.exitUser(target, "Killed ("+reason+")")
	cb.Metrics.KillCount.Inc()
}

// cmdServerSquit handles an SQUIT arriving from a peer.
func cmdServerSquit(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	name := msg.Params[0]
	s := cb.findServerByName(name)
	if s == nil {
		return
	}
	if s.LocalServer != nil {
		cb.exitServer(s.LocalServer, msg.Params[1])
		return
	}

	removed := cb.removeServer(s)
	_ = removed
	cb.propagateToServers(ls, msg)
	cb.Metrics.ServerCount.Set(float64(len(cb.Servers)))
}

// cmdServerQuit handles a remote user's own QUIT.
func cmdServerQuit(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	u := cb.findUserByUID(ts6.UID(msg.Prefix))
	if u == nil {
		return
	}
	reason := "Remote host closed the connection"
	if len(msg.Params) > 0 {
		reason = msg.Params[0]
	}
	cb.propagateToServers(ls, msg)
	cb.removeUser(u)
	cb.Hooks.Run(HookClientExit, u)
	cb.Metrics.UserCount.Set(float64(len(cb.Users)))
	_ = reason
}

func cmdServerPart(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	u := cb.findUserByUID(ts6.UID(msg.Prefix))
	if u == nil {
		return
	}
	reason := ""
	if len(msg.Params) > 1 {
		reason = msg.Params[1]
	}
	for _, raw := range strings.Split(msg.Params[0], ",") {
		name := ircmsg.CaseFold(raw)
		ch := cb.Channels[name]
		if ch == nil || !u.onChannel(ch) {
			continue
		}
		partMsg := ircmsg.Message{Prefix: u.Prefix(), Command: "PART", Params: []string{ch.Name, reason}}
		cb.broadcastToChannel(ch, nil, partMsg)
		ch.removeMember(u)
		cb.destroyChannelIfEmpty(ch)
	}
	cb.propagateToServers(ls, msg)
}

func cmdServerKick(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	name := ircmsg.CaseFold(msg.Params[0])
	ch := cb.Channels[name]
	if ch == nil {
		return
	}
	target := cb.findUserByUID(ts6.UID(msg.Params[1]))
	if target == nil || !target.onChannel(ch) {
		return
	}
	reason := ""
	if len(msg.Params) > 2 {
		reason = msg.Params[2]
	}

	var source string
	if u := cb.findUserByUID(ts6.UID(msg.Prefix)); u != nil {
		source = u.Prefix()
	} else if s := cb.findServerBySID(ts6.SID(msg.Prefix)); s != nil {
		source = s.Name
	}

	kickMsg := ircmsg.Message{Prefix: source, Command: "KICK", Params: []string{ch.Name, target.DisplayNick, reason}}
	cb.broadcastToChannel(ch, nil, kickMsg)
	if target.isLocal() {
		target.LocalUser.maybeQueueMessage(kickMsg)
	}
	ch.removeMember(target)
	cb.destroyChannelIfEmpty(ch)
	cb.propagateToServers(ls, msg)
}

// cmdServerJoin handles TS6's overloaded remote JOIN: "0" parts every
// channel the source is on; otherwise it's a TS-stamped rejoin of a
// single channel the source already exists on (spec.md §4.4).
func cmdServerJoin(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	u := cb.findUserByUID(ts6.UID(msg.Prefix))
	if u == nil {
		return
	}

	if msg.Params[0] == "0" {
		for _, m := range u.Channels {
			ch := m.Channel
			partMsg := ircmsg.Message{Prefix: u.Prefix(), Command: "PART", Params: []string{ch.Name, "Left all channels"}}
			cb.broadcastToChannel(ch, nil, partMsg)
			ch.removeMember(u)
			cb.destroyChannelIfEmpty(ch)
		}
		cb.propagateToServers(ls, msg)
		return
	}

	theirTS := normalizeTS(atoiTS(msg.Params[0]))
	name := ircmsg.CaseFold(msg.Params[1])
	ch := cb.Channels[name]
	if ch == nil || theirTS > ch.TS {
		return
	}
	if _, already := ch.Members[u.UID]; already {
		return
	}
	ch.addMember(u, false, false)
	joinMsg := ircmsg.Message{Prefix: u.Prefix(), Command: "JOIN", Params: []string{ch.Name}}
	cb.broadcastToChannel(ch, u, joinMsg)
	cb.propagateToServers(ls, msg)
}

func cmdServerPrivmsg(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	routeServerMessage(cb, ls, msg, "PRIVMSG")
}

func cmdServerNotice(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	routeServerMessage(cb, ls, msg, "NOTICE")
}

func routeServerMessage(cb *Catbox, ls *LocalServer, msg ircmsg.Message, verb string) {
	target := msg.Params[0]
	text := msg.Params[1]

	var prefix string
	if u := cb.findUserByUID(ts6.UID(msg.Prefix)); u != nil {
		prefix = u.Prefix()
	} else if s := cb.findServerBySID(ts6.SID(msg.Prefix)); s != nil {
		prefix = s.Name
	} else {
		prefix = msg.Prefix
	}
	deliverMsg := ircmsg.Message{Prefix: prefix, Command: verb, Params: []string{target, text}}

	if strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&") {
		if ch := cb.Channels[ircmsg.CaseFold(target)]; ch != nil {
			var exclude *User
			if u := cb.findUserByUID(ts6.UID(msg.Prefix)); u != nil {
				exclude = u
			}
			cb.broadcastToChannel(ch, exclude, deliverMsg)
		}
		cb.propagateToServers(ls, msg)
		return
	}

	if u := cb.findUserByUID(ts6.UID(target)); u != nil {
		if u.isLocal() {
			u.LocalUser.maybeQueueMessage(deliverMsg)
			return
		}
		cb.propagateToServers(ls, msg)
	}
}

func cmdServerUserMode(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	u := cb.findUserByUID(ts6.UID(msg.Params[0]))
	if u == nil {
		u = cb.findUserByNick(msg.Params[0])
	}
	if u == nil {
		return
	}
	adding := true
	for _, r := range msg.Params[1] {
		switch r {
		case '+':
			adding = true
		case '-':
			adding = false
		default:
			if adding {
				u.Modes[byte(r)] = struct{}{}
				if r == 'o' {
					cb.Opers[u.UID] = u
				}
			} else {
				delete(u.Modes, byte(r))
				if r == 'o' {
					delete(cb.Opers, u.UID)
				}
			}
		}
	}
	if u.isLocal() {
		u.LocalUser.maybeQueueMessage(ircmsg.Message{Prefix: u.Prefix(), Command: "MODE", Params: []string{u.DisplayNick, msg.Params[1]}})
	}
	cb.propagateToServers(ls, msg)
}

func cmdServerTopic(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	name := ircmsg.CaseFold(msg.Params[0])
	ch := cb.Channels[name]
	if ch == nil {
		return
	}
	ch.Topic = msg.Params[1]
	ch.TopicTime = nowUnix()
	if u := cb.findUserByUID(ts6.UID(msg.Prefix)); u != nil {
		ch.TopicSetter = u.NickUhost()
	}
	topicMsg := ircmsg.Message{Prefix: msg.Prefix, Command: "TOPIC", Params: []string{ch.Name, ch.Topic}}
	cb.broadcastToChannel(ch, nil, topicMsg)
	cb.propagateToServers(ls, msg)
}

// cmdTB replicates a topic-burst line (spec.md §4.9): channel,
// topic-set-time, [setter,] topic.
func cmdTB(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	name := ircmsg.CaseFold(msg.Params[0])
	ch := cb.Channels[name]
	if ch == nil {
		return
	}
	ts := atoiTS(msg.Params[1])
	if ch.Topic != "" && ch.TopicTime != 0 && ts >= ch.TopicTime {
		return
	}
	if len(msg.Params) >= 4 {
		ch.TopicSetter = msg.Params[2]
		ch.Topic = msg.Params[3]
	} else {
		ch.Topic = msg.Params[2]
	}
	ch.TopicTime = ts
	cb.propagateToServers(ls, msg)
}

// cmdENCAP tunnels a sub-command to a target mask, dispatching the
// handful of riders this implementation understands (spec.md §4.9
// "ENCAP tunneling").
func cmdENCAP(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	targetMask := msg.Params[0]
	sub := strings.ToUpper(msg.Params[1])
	rest := msg.Params[2:]

	if targetMask != "*" && !globMatch(targetMask, cb.Config.ServerName) {
		cb.propagateToServers(ls, msg)
		return
	}

	switch sub {
	case "REALHOST":
		if u := cb.findUserByUID(ts6.UID(msg.Prefix)); u != nil && len(rest) > 0 {
			u.RealHost = rest[0]
		}
	case "LOGIN":
		if u := cb.findUserByUID(ts6.UID(msg.Prefix)); u != nil && len(rest) > 0 {
			u.Account = rest[0]
		}
	case "SU":
		// Services-forced login change; same handling as LOGIN.
		if u := cb.findUserByUID(ts6.UID(msg.Prefix)); u != nil && len(rest) > 0 {
			u.Account = rest[0]
		}
	case "KLINE", "UNKLINE":
		// Propagated operator ban actions land here in real TS6. They are
		// not applied to the local ban store; like every ENCAP they are
		// only relayed to the other peers below. Local KLINE/UNKLINE
		// (cmdKline/cmdUnkline) are not sent to peers at all.
	}

	cb.propagateToServers(ls, msg)
}

func cmdServerPing(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	ls.maybeQueueMessage(ircmsg.Message{Prefix: string(cb.SID), Command: "PONG", Params: []string{cb.Config.ServerName, string(cb.SID)}})
}

// cmdServerPong marks end-of-burst the first time it's seen after we
// sent our own burst-closing PING (spec.md §4.9 "EOB via PING").
func cmdServerPong(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	if !ls.GotEOB {
		ls.GotEOB = true
		cb.noticeOpers("End of burst from " + ls.Server.Name)
		cb.Hooks.Run(HookServerEOB, ls.Server)
	}
}

func cmdServerError(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	reason := "Remote ERROR"
	if len(msg.Params) > 0 {
		reason = msg.Params[0]
	}
	cb.exitServer(ls, reason)
}

// cmdServerWallops relays a WALLOPS that originated on another server
// to our own +w users and onward through the rest of the tree.
func cmdServerWallops(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	from := msg.Prefix
	if u := cb.findUserByUID(ts6.UID(msg.Prefix)); u != nil {
		from = u.Prefix()
	}
	cb.sendWallops(from, msg.Params[0])
	cb.propagateToServers(ls, msg)
}

// cmdServerOperwall is cmdServerWallops's OPERWALL counterpart.
func cmdServerOperwall(cb *Catbox, ls *LocalServer, msg ircmsg.Message) {
	from := msg.Prefix
	if u := cb.findUserByUID(ts6.UID(msg.Prefix)); u != nil {
		from = u.Prefix()
	}
	cb.sendWallops(from, "OPERWALL - "+msg.Params[0])
	cb.propagateToServers(ls, msg)
}
