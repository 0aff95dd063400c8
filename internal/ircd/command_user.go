package ircd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/horgh/catboxd/internal/ircmsg"
)

// cmdNick handles a NICK from an already-registered local user:
// validation, collision check, anti-nick-flood, then propagation
// (spec.md §4.3 "NICK command", §4.7 "Anti-nick-flood").
func cmdNick(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	newNick := msg.Params[0]
	if len(newNick) > cb.Config.MaxNickLength {
		newNick = newNick[:cb.Config.MaxNickLength]
	}
	if !isValidNick(cb.Config.MaxNickLength, newNick) {
		lu.messageFromServer(ircmsg.ErrErroneusNickname, []string{newNick, "Erroneous nickname"})
		return
	}

	u := lu.User

	// §8 round-trip law: same-cased rename doesn't reset TS.
	if ircmsg.EqualFold(newNick, u.DisplayNick) {
		if newNick == u.DisplayNick {
			return
		}
		oldPrefix := u.Prefix()
		cb.renameUser(u, newNick, u.NickTS)
		nickMsg := ircmsg.Message{Prefix: oldPrefix, Command: "NICK", Params: []string{newNick}}
		lu.maybeQueueMessage(nickMsg)
		cb.broadcastNickChangeToChannels(u, oldPrefix, newNick)
		cb.propagateToServers(nil, ircmsg.Message{
			Prefix: string(u.UID), Command: "NICK",
			Params: []string{newNick, strconv.FormatInt(u.NickTS, 10)},
		})
		return
	}

	if existing := cb.findUserByNick(newNick); existing != nil {
		lu.messageFromServer(ircmsg.ErrNicknameInUse, []string{newNick, "Nickname is already in use"})
		return
	}

	if reason, resvd := cb.BanDB.MatchesResv(ircmsg.CaseFold(newNick)); resvd && !u.isOperator() {
		lu.messageFromServer(ircmsg.ErrErroneusNickname, []string{newNick, "Reserved nickname: " + reason})
		return
	}

	now := time.Now()
	if now.Sub(lu.LastNickChange) < 30*time.Second {
		lu.NickChangeCount++
	} else {
		lu.NickChangeCount = 1
	}
	lu.LastNickChange = now
	if lu.NickChangeCount > 5 && !u.isOperator() {
		lu.messageFromServer(ircmsg.ErrNickTooFast, []string{newNick, "Nick change too fast. Please wait."})
		return
	}

	oldPrefix := u.Prefix()
	newTS := time.Now().Unix()
	cb.renameUser(u, newNick, newTS)

	lu.maybeQueueMessage(ircmsg.Message{Prefix: oldPrefix, Command: "NICK", Params: []string{newNick}})
	cb.broadcastNickChangeToChannels(u, oldPrefix, newNick)

	cb.propagateToServers(nil, ircmsg.Message{
		Prefix: string(u.UID), Command: "NICK",
		Params: []string{newNick, strconv.FormatInt(newTS, 10)},
	})
}

func (cb *Catbox) broadcastNickChangeToChannels(u *User, oldPrefix, newNick string) {
	seen := make(map[uint64]struct{})
	for _, m := range u.Channels {
		for _, om := range m.Channel.LocalMembers {
			if om.Client == u {
				continue
			}
			if _, done := seen[om.Client.LocalUser.ID]; done {
				continue
			}
			seen[om.Client.LocalUser.ID] = struct{}{}
			om.Client.LocalUser.maybeQueueMessage(ircmsg.Message{
				Prefix: oldPrefix, Command: "NICK", Params: []string{newNick},
			})
		}
	}
}

// cmdJoin handles JOIN from a local user (spec.md §4.5, §4.8
// split-mode, §4.3 clean-channel rules implicit in isValidChannelName).
func cmdJoin(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	u := lu.User
	names := strings.Split(msg.Params[0], ",")
	var keys []string
	if len(msg.Params) > 1 {
		keys = strings.Split(msg.Params[1], ",")
	}

	if len(u.Channels) >= u.maxChans(cb.Config.Channel.MaxChansPerUser) {
		lu.messageFromServer("405", []string{strings.Join(names, ","), "You have joined too many channels"})
		return
	}

	for i, raw := range names {
		name := ircmsg.CaseFold(raw)
		if !isValidChannelName(name) {
			lu.messageFromServer(ircmsg.ErrNoSuchChannel, []string{raw, "Invalid channel name"})
			continue
		}

		key := ""
		if i < len(keys) {
			key = keys[i]
		}

		ch, created := cb.Channels[name], false
		if ch == nil {
			if cb.splitMode {
				lu.messageFromServer("407", []string{name, "Cannot create new channel while split"})
				continue
			}
			ch, created = cb.getOrCreateChannel(name, time.Now().Unix())
		}

		if !created {
			if reason, matchedBan := cb.joinDenyReason(ch, u, key); reason != "" {
				forwardTo := ch.Forward
				if matchedBan != nil && matchedBan.Forward != "" {
					forwardTo = matchedBan.Forward
				}
				if forwardTo != "" {
					if fch := cb.Channels[forwardTo]; fch != nil {
						lu.messageFromServer(ircmsg.ErrLinkChannel, []string{name, forwardTo, "Forwarding to another channel"})
						cb.joinChannel(lu, fch, "", false)
						continue
					}
				}
				lu.messageFromServer(reason, []string{name, channelDenyText(reason)})
				continue
			}
		}

		cb.joinChannel(lu, ch, key, created)
	}
}

func channelDenyText(code string) string {
	switch code {
	case ircmsg.ErrCannotSendToChan:
		return "Cannot join channel"
	case "471":
		return "Cannot join channel (+l)"
	case "473":
		return "Cannot join channel (+i)"
	case "474":
		return "You are banned from this channel"
	case "475":
		return "Cannot join channel (+k)"
	case ircmsg.ErrThrottle:
		return "Cannot join channel (throttle exceeded), try again later"
	}
	return "Cannot join channel"
}

// joinDenyReason returns a numeric code if u may not join ch, "forward"
// if the join is to be redirected to a forward target instead, or "" if
// the join is allowed. When a ban denial is forwarded, the matched
// Ban is also returned so the caller can honor its own $forward target
// in preference to the channel's +f target (spec.md §8 Scenario F).
func (cb *Catbox) joinDenyReason(ch *Channel, u *User, key string) (string, *Ban) {
	if ch.hasMode('j') && ch.ThrottleNum > 0 && !u.isOperator() && !ch.allowJoinUnderThrottle() {
		return ircmsg.ErrThrottle, nil
	}
	if ch.hasMode('l') && ch.Limit > 0 && len(ch.Members) >= ch.Limit {
		return "471", nil
	}
	if ch.hasMode('i') {
		if _, invited := ch.InviteList[u.UID]; !invited && !cb.onInvex(ch, u) {
			if ch.Forward != "" {
				return "forward", nil
			}
			return "473", nil
		}
	}
	if ch.hasMode('k') && ch.Key != "" && ch.Key != key {
		if ch.Forward != "" {
			return "forward", nil
		}
		return "475", nil
	}
	if b := ch.matchingBan(u); b != nil {
		if b.Forward != "" || ch.Forward != "" {
			return "forward", b
		}
		return "474", nil
	}
	return "", nil
}

func (cb *Catbox) onInvex(ch *Channel, u *User) bool {
	if !cb.Config.Channel.UseInvex {
		return false
	}
	for _, b := range ch.Invex {
		if matchBanMask(b.Mask, u, ch) {
			return true
		}
	}
	return false
}

// joinChannel links u into ch, sends JOIN/NAMES to the client, tells
// local members, and propagates a TS-carrying JOIN upstream.
func (cb *Catbox) joinChannel(lu *LocalUser, ch *Channel, key string, created bool) {
	u := lu.User
	op := created

	joinMsg := ircmsg.Message{Prefix: u.Prefix(), Command: "JOIN", Params: []string{ch.Name}}
	cb.broadcastToChannel(ch, nil, joinMsg)
	ch.addMember(u, op, false)

	if created {
		ch.Modes['n'] = struct{}{}
		ch.Modes['t'] = struct{}{}
	}

	cb.sendNames(lu, ch)
	if ch.Topic != "" {
		lu.messageFromServer(ircmsg.ReplyTopic, []string{ch.Name, ch.Topic})
	}

	lu.WhoCredits++

	cb.Hooks.Run(HookClientJoin, ch.Members[u.UID])

	cb.propagateToServers(nil, ircmsg.Message{
		Prefix: string(u.UID), Command: "JOIN",
		Params: []string{strconv.FormatInt(ch.TS, 10), ch.Name, "+"},
	})

	cb.Metrics.ChannelCount.Set(float64(len(cb.Channels)))
}

func (cb *Catbox) sendNames(lu *LocalUser, ch *Channel) {
	var names []string
	for _, m := range ch.Members {
		prefix := ""
		if m.Op {
			prefix = "@"
		} else if m.Voice {
			prefix = "+"
		}
		names = append(names, prefix+m.Client.DisplayNick)
	}
	symbol := "="
	if ch.hasMode('s') {
		symbol = "@"
	} else if ch.hasMode('p') {
		symbol = "*"
	}
	lu.messageFromServer(ircmsg.ReplyNamReply, []string{symbol, ch.Name, strings.Join(names, " ")})
	lu.messageFromServer(ircmsg.ReplyEndOfNames, []string{ch.Name, "End of /NAMES list"})
}

// cmdPart handles PART (spec.md §3 Membership lifecycle).
func cmdPart(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	u := lu.User
	reason := u.DisplayNick
	if len(msg.Params) > 1 {
		reason = msg.Params[1]
	}

	for _, raw := range strings.Split(msg.Params[0], ",") {
		name := ircmsg.CaseFold(raw)
		ch := cb.Channels[name]
		if ch == nil {
			lu.messageFromServer(ircmsg.ErrNoSuchChannel, []string{raw, "No such channel"})
			continue
		}
		if !u.onChannel(ch) {
			lu.messageFromServer(ircmsg.ErrNotOnChannel, []string{raw, "You're not on that channel"})
			continue
		}

		partMsg := ircmsg.Message{Prefix: u.Prefix(), Command: "PART", Params: []string{ch.Name, reason}}
		cb.broadcastToChannel(ch, u, partMsg)
		lu.maybeQueueMessage(partMsg)

		ch.removeMember(u)
		cb.destroyChannelIfEmpty(ch)

		cb.propagateToServers(nil, ircmsg.Message{
			Prefix: string(u.UID), Command: "PART", Params: []string{ch.Name, reason},
		})
	}
}

// cmdKick handles a local KICK (spec.md §4.10 can-kick hook).
func cmdKick(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	u := lu.User
	name := ircmsg.CaseFold(msg.Params[0])
	ch := cb.Channels[name]
	if ch == nil {
		lu.messageFromServer(ircmsg.ErrNoSuchChannel, []string{msg.Params[0], "No such channel"})
		return
	}
	mem := ch.membershipFor(u)
	if mem == nil {
		lu.messageFromServer(ircmsg.ErrNotOnChannel, []string{ch.Name, "You're not on that channel"})
		return
	}
	if !mem.Op && !u.isOperator() {
		lu.messageFromServer(ircmsg.ErrChanOPrivsNeeded, []string{ch.Name, "You're not channel operator"})
		return
	}

	target := cb.findUserByNick(msg.Params[1])
	if target == nil || !target.onChannel(ch) {
		lu.messageFromServer("441", []string{msg.Params[1], ch.Name, "They aren't on that channel"})
		return
	}
	if target.isService() {
		lu.messageFromServer(ircmsg.ErrChanOPrivsNeeded, []string{ch.Name, "Cannot kick services"})
		return
	}

	reason := u.DisplayNick
	if len(msg.Params) > 2 {
		reason = msg.Params[2]
	}

	payload := &CanKickPayload{Channel: ch, Kicker: u, Target: target, Approved: true}
	cb.Hooks.Run(HookCanKick, payload)
	if !payload.Approved {
		lu.messageFromServer(ircmsg.ErrChanOPrivsNeeded, []string{ch.Name, "Kick blocked"})
		return
	}

	kickMsg := ircmsg.Message{Prefix: u.Prefix(), Command: "KICK", Params: []string{ch.Name, target.DisplayNick, reason}}
	cb.broadcastToChannel(ch, nil, kickMsg)
	if target.isLocal() {
		target.LocalUser.maybeQueueMessage(kickMsg)
	}

	ch.removeMember(target)
	cb.destroyChannelIfEmpty(ch)

	cb.propagateToServers(nil, ircmsg.Message{
		Prefix: string(u.UID), Command: "KICK",
		Params: []string{ch.Name, string(target.UID), reason},
	})
}

// cmdTopic handles TOPIC get/set.
func cmdTopic(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	u := lu.User
	name := ircmsg.CaseFold(msg.Params[0])
	ch := cb.Channels[name]
	if ch == nil {
		lu.messageFromServer(ircmsg.ErrNoSuchChannel, []string{msg.Params[0], "No such channel"})
		return
	}

	if len(msg.Params) == 1 {
		if ch.Topic == "" {
			lu.messageFromServer(ircmsg.ReplyNoTopic, []string{ch.Name, "No topic is set"})
			return
		}
		lu.messageFromServer(ircmsg.ReplyTopic, []string{ch.Name, ch.Topic})
		return
	}

	mem := ch.membershipFor(u)
	if mem == nil {
		lu.messageFromServer(ircmsg.ErrNotOnChannel, []string{ch.Name, "You're not on that channel"})
		return
	}
	if ch.hasMode('t') && !mem.Op && !u.isOperator() {
		lu.messageFromServer(ircmsg.ErrChanOPrivsNeeded, []string{ch.Name, "You're not channel operator"})
		return
	}

	topic := msg.Params[1]
	if len(topic) > 300 {
		topic = topic[:300]
	}
	ch.Topic = topic
	ch.TopicSetter = u.NickUhost()
	ch.TopicTime = time.Now().Unix()

	topicMsg := ircmsg.Message{Prefix: u.Prefix(), Command: "TOPIC", Params: []string{ch.Name, topic}}
	cb.broadcastToChannel(ch, u, topicMsg)
	lu.maybeQueueMessage(topicMsg)

	cb.propagateToServers(nil, ircmsg.Message{
		Prefix: string(u.UID), Command: "TOPIC", Params: []string{ch.Name, topic},
	})
}

// cmdUserMode handles both user-mode (MODE nick ...) and channel-mode
// (MODE #chan ...) forms, as RFC 2812 overloads the one verb.
func cmdUserMode(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	target := msg.Params[0]

	if isValidChannelName(ircmsg.CaseFold(target)) {
		cb.handleChannelModeCommand(lu, msg)
		return
	}

	u := lu.User
	if !ircmsg.EqualFold(target, u.DisplayNick) {
		lu.messageFromServer(ircmsg.ErrUsersDontMatch, []string{"Cannot change mode for other users"})
		return
	}

	if len(msg.Params) == 1 {
		lu.messageFromServer(ircmsg.ReplyUModeIs, []string{u.modesStringOrPlus()})
		return
	}

	adding := true
	var applied strings.Builder
	for _, r := range msg.Params[1] {
		switch r {
		case '+':
			adding = true
			applied.WriteByte('+')
		case '-':
			adding = false
			applied.WriteByte('-')
		case 'i', 'w', 's', 'g', 'D', 'Q':
			if adding {
				u.Modes[byte(r)] = struct{}{}
			} else {
				delete(u.Modes, byte(r))
			}
			applied.WriteRune(r)
		case 'o':
			if !adding {
				delete(u.Modes, 'o')
				delete(cb.Opers, u.UID)
				applied.WriteByte('o')
			}
		default:
			lu.messageFromServer(ircmsg.ErrUModeUnknownFlag, []string{"Unknown MODE flag"})
		}
	}

	modeMsg := ircmsg.Message{Prefix: u.Prefix(), Command: "MODE", Params: []string{u.DisplayNick, applied.String()}}
	lu.maybeQueueMessage(modeMsg)
	cb.Hooks.Run(HookUModeChanged, u)
	cb.propagateToServers(nil, ircmsg.Message{
		Prefix: string(u.UID), Command: "MODE", Params: []string{u.DisplayNick, applied.String()},
	})
}

func (cb *Catbox) handleChannelModeCommand(lu *LocalUser, msg ircmsg.Message) {
	u := lu.User
	name := ircmsg.CaseFold(msg.Params[0])
	ch := cb.Channels[name]
	if ch == nil {
		lu.messageFromServer(ircmsg.ErrNoSuchChannel, []string{msg.Params[0], "No such channel"})
		return
	}

	if len(msg.Params) == 1 {
		lu.messageFromServer(ircmsg.ReplyChannelModeIs, []string{ch.Name, "+" + channelModeLetters(ch), ""})
		return
	}

	mem := ch.membershipFor(u)
	isOp := mem != nil && mem.Op
	if !isOp && u.isService() {
		isOp = true
	}
	access := &ChannelAccessPayload{Channel: ch, User: u, HasOp: isOp}
	cb.Hooks.Run(HookGetChannelAccess, access)
	if access.Override != nil {
		isOp = *access.Override
	}

	res := cb.applyModes(ch, u, isOp, false, msg.Params[1:])
	for _, e := range res.Errors {
		parts := strings.SplitN(e, " ", 2)
		lu.messageFromServer(parts[0], strings.Split(parts[1], " :"))
	}
	if len(res.AppliedTokens) == 0 {
		return
	}

	modeMsg := ircmsg.Message{Prefix: u.Prefix(), Command: "MODE", Params: append([]string{ch.Name}, res.AppliedTokens...)}
	cb.broadcastToChannel(ch, u, modeMsg)
	lu.maybeQueueMessage(modeMsg)

	cb.propagateToServers(nil, ircmsg.Message{
		Prefix: string(u.UID), Command: "TMODE",
		Params: append([]string{strconv.FormatInt(ch.TS, 10), ch.Name}, res.AppliedTokens...),
	})
}

func channelModeLetters(ch *Channel) string {
	var b strings.Builder
	for m := range ch.Modes {
		if isListModeLetter(m) {
			continue
		}
		b.WriteByte(m)
	}
	return b.String()
}

// --- messaging (spec.md §4.6 "Message routing") ---

func cmdPrivmsg(cb *Catbox, lu *LocalUser, msg ircmsg.Message) { cb.routeMessage(lu, msg, "PRIVMSG") }
func cmdNotice(cb *Catbox, lu *LocalUser, msg ircmsg.Message)  { cb.routeMessage(lu, msg, "NOTICE") }

const maxMessageTargets = 4

func (cb *Catbox) routeMessage(lu *LocalUser, msg ircmsg.Message, verb string) {
	targets := strings.Split(msg.Params[0], ",")
	if len(targets) > maxMessageTargets {
		targets = targets[:maxMessageTargets]
	}
	text := msg.Params[1]

	for _, t := range targets {
		if isValidChannelName(ircmsg.CaseFold(stripTargetPrefix(t))) {
			cb.deliverToChannel(lu, t, text, verb)
			continue
		}
		cb.deliverPrivmsgToNick(lu, t, text)
	}
}

func stripTargetPrefix(t string) string {
	for len(t) > 0 && (t[0] == '+' || t[0] == '@' || t[0] == '=') {
		t = t[1:]
	}
	return t
}

func (cb *Catbox) deliverToChannel(lu *LocalUser, rawTarget, text, verb string) {
	u := lu.User
	opModerated := strings.HasPrefix(rawTarget, "=")
	name := ircmsg.CaseFold(stripTargetPrefix(rawTarget))
	ch := cb.Channels[name]
	if ch == nil {
		lu.messageFromServer(ircmsg.ErrNoSuchChannel, []string{rawTarget, "No such channel"})
		return
	}

	mem := ch.membershipFor(u)
	canSpeak := true
	reasonOpOnly := false

	if mem == nil && ch.hasMode('n') {
		canSpeak = false
	}
	if mem != nil && !mem.Op && !mem.Voice {
		if ch.hasMode('m') {
			canSpeak = false
		}
		if mem.cachedBanned || mem.cachedQuieted {
			canSpeak = false
		}
	}
	if ch.hasMode('R') && u.Account == "" && !u.isOperator() {
		canSpeak = false
	}

	if !canSpeak {
		if ch.hasMode('z') {
			reasonOpOnly = true
		} else {
			lu.messageFromServer(ircmsg.ErrCannotSendToChan, []string{ch.Name, "Cannot send to channel"})
			return
		}
	}

	body := text
	if ch.hasMode('c') {
		body = stripColorCodes(body)
	}
	if ch.hasMode('C') && strings.HasPrefix(body, "\x01") && !strings.HasPrefix(body, "\x01ACTION") {
		lu.messageFromServer(ircmsg.ErrCannotSendToChan, []string{ch.Name, "CTCP blocked"})
		return
	}

	deliverMsg := ircmsg.Message{Prefix: u.Prefix(), Command: verb, Params: []string{ch.Name, body}}

	if reasonOpOnly || opModerated {
		for _, m := range ch.LocalMembers {
			if m.Op || m.Voice {
				m.Client.LocalUser.maybeQueueMessage(deliverMsg)
			}
		}
	} else {
		cb.broadcastToChannel(ch, u, deliverMsg)
	}

	cb.propagateToServers(nil, ircmsg.Message{
		Prefix: string(u.UID), Command: verb, Params: []string{ch.Name, body},
	})
}

func stripColorCodes(s string) string {
	var b strings.Builder
	skip := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if skip > 0 {
			skip--
			continue
		}
		switch c {
		case 0x03: // mIRC color
			skip = 0
			j := i + 1
			for j < len(s) && (s[j] >= '0' && s[j] <= '9') && j < i+3 {
				j++
			}
			if j < len(s) && s[j] == ',' {
				j++
				for j < len(s) && (s[j] >= '0' && s[j] <= '9') && j < i+6 {
					j++
				}
			}
			skip = j - i - 1
		case 0x02, 0x1d, 0x1f, 0x16, 0x0f: // bold/italic/underline/reverse/reset
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// deliverPrivmsgToNick routes a message to a single nick (spec.md
// §4.6 "User delivery rules"): caller-id, registered-only,
// target-change enforcement.
func (cb *Catbox) deliverPrivmsgToNick(lu *LocalUser, nick, text string) {
	u := lu.User
	target := cb.findUserByNick(nick)
	if target == nil {
		lu.messageFromServer(ircmsg.ErrNoSuchNick, []string{nick, "No such nick/channel"})
		return
	}

	if target.isLocal() {
		tu := target
		if tu.Modes != nil {
			if _, gset := tu.Modes['g']; gset && !u.isOperator() {
				if _, accepted := tu.AcceptList[u.UID]; !accepted {
					lu.messageFromServer(ircmsg.ErrTargUModeG, []string{nick, "is in +g mode (server-side ignore)"})
					return
				}
			}
			if _, rset := tu.Modes['R']; rset && u.Account == "" && !u.isOperator() {
				lu.messageFromServer(ircmsg.ErrNoSuchNick, []string{nick, "You must be identified to message this user"})
				return
			}
		}
	}

	if !u.isOperator() && !cb.shareChannel(u, target) {
		if !cb.checkTargetChange(lu, target) {
			lu.messageFromServer(ircmsg.ErrTargChange, []string{nick, "Targets changing too fast. Message dropped"})
			return
		}
	}

	deliverMsg := ircmsg.Message{Prefix: u.Prefix(), Command: "PRIVMSG", Params: []string{target.DisplayNick, text}}
	if target.isLocal() {
		target.LocalUser.maybeQueueMessage(deliverMsg)
		return
	}

	cb.propagateToServers(nil, ircmsg.Message{
		Prefix: string(u.UID), Command: "PRIVMSG", Params: []string{string(target.UID), text},
	})
}

func (cb *Catbox) shareChannel(a, b *User) bool {
	for name := range a.Channels {
		if _, ok := b.Channels[name]; ok {
			return true
		}
	}
	return false
}

// checkTargetChange enforces the target-change ring (spec.md §4.6,
// §8 Scenario C).
func (cb *Catbox) checkTargetChange(lu *LocalUser, target *User) bool {
	now := time.Now()
	fp := string(target.UID)

	fresh := lu.TargetRing[:0]
	for _, e := range lu.TargetRing {
		if now.Sub(e.at) < time.Duration(cb.Config.General.TargetChange)*time.Second*6 {
			fresh = append(fresh, e)
		}
	}
	lu.TargetRing = fresh

	for _, e := range lu.TargetRing {
		if e.fingerprint == fp {
			return true
		}
	}

	if len(lu.TargetRing) >= 10 {
		return false
	}

	lu.TargetRing = append(lu.TargetRing, targetEntry{fingerprint: fp, at: now})
	return true
}

// --- informational commands ---

func cmdWho(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	u := lu.User
	if !lu.consumeRateToken() {
		lu.serverNotice("WHO is rate limited; please wait a moment")
		return
	}
	var members []*Membership
	if len(msg.Params) > 0 && isValidChannelName(ircmsg.CaseFold(msg.Params[0])) {
		if ch := cb.Channels[ircmsg.CaseFold(msg.Params[0])]; ch != nil {
			for _, m := range ch.Members {
				members = append(members, m)
			}
		}
	} else {
		pattern := "*"
		if len(msg.Params) > 0 {
			pattern = msg.Params[0]
		}
		for _, other := range cb.Users {
			if globMatch(pattern, other.DisplayNick) || globMatch(pattern, other.VisibleHost) {
				members = append(members, &Membership{Client: other})
			}
		}
	}

	for _, m := range members {
		other := m.Client
		flags := "H"
		if other.isOperator() {
			flags += "*"
		}
		server := cb.Config.ServerName
		if other.Server != nil {
			server = other.Server.Name
		}
		lu.messageFromServer(ircmsg.ReplyWhoReply, []string{
			"*", other.Username, other.VisibleHost, server, other.DisplayNick,
			flags, "0 " + other.RealName,
		})
	}
	target := "*"
	if len(msg.Params) > 0 {
		target = msg.Params[0]
	}
	lu.messageFromServer(ircmsg.ReplyEndOfWho, []string{target, "End of /WHO list"})
	_ = u
}

func cmdWhois(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	target := cb.findUserByNick(msg.Params[len(msg.Params)-1])
	if target == nil {
		lu.messageFromServer(ircmsg.ErrNoSuchNick, []string{msg.Params[0], "No such nick/channel"})
		lu.messageFromServer(ircmsg.ReplyEndOfWhois, []string{msg.Params[0], "End of /WHOIS list"})
		return
	}
	lu.messageFromServer(ircmsg.ReplyWhoisUser, []string{target.DisplayNick, target.Username, target.VisibleHost, "*", target.RealName})
	server := cb.Config.ServerName
	if target.Server != nil {
		server = target.Server.Name
	}
	lu.messageFromServer(ircmsg.ReplyWhoisServer, []string{target.DisplayNick, server, cb.Config.ServerInfo})
	if target.isOperator() {
		lu.messageFromServer(ircmsg.ReplyWhoisOperator, []string{target.DisplayNick, "is an IRC operator"})
	}
	var chans []string
	for name, m := range target.Channels {
		prefix := ""
		if m.Op {
			prefix = "@"
		} else if m.Voice {
			prefix = "+"
		}
		chans = append(chans, prefix+name)
	}
	if len(chans) > 0 {
		lu.messageFromServer(ircmsg.ReplyWhoisChannels, []string{target.DisplayNick, strings.Join(chans, " ")})
	}
	lu.messageFromServer(ircmsg.ReplyEndOfWhois, []string{target.DisplayNick, "End of /WHOIS list"})
}

func cmdUserQuit(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	reason := "Client Quit"
	if len(msg.Params) > 0 {
		reason = msg.Params[0]
	}
	cb.exitUser(lu.User, reason)
}

func cmdUserPing(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	lu.LastActivityTime = time.Now()
	target := cb.Config.ServerName
	if len(msg.Params) > 0 {
		target = msg.Params[0]
	}
	lu.messageFromServer("PONG", []string{cb.Config.ServerName, target})
}

func cmdUserPong(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	lu.LastActivityTime = time.Now()
}

func cmdOper(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	name, pass := msg.Params[0], msg.Params[1]
	block, ok := cb.Config.Opers[name]
	if !ok || block.Pass != pass {
		lu.messageFromServer(ircmsg.ErrPasswdMismatch, []string{"Password incorrect"})
		cb.noticeOpers(fmt.Sprintf("Failed OPER attempt by %s as %s", lu.User.NickUhost(), name))
		return
	}
	userAtHost := lu.User.Username + "@" + lu.User.VisibleHost
	if block.Host != "" && !globMatch(block.Host, userAtHost) {
		lu.messageFromServer(ircmsg.ErrNoOperHost, []string{"No O-lines for your host"})
		return
	}

	lu.User.Modes['o'] = struct{}{}
	cb.Opers[lu.User.UID] = lu.User
	lu.messageFromServer(ircmsg.ReplyYoureOper, []string{"You are now an IRC operator"})
	lu.maybeQueueMessage(ircmsg.Message{Prefix: lu.User.Prefix(), Command: "MODE", Params: []string{lu.User.DisplayNick, "+o"}})
	cb.noticeOpers(fmt.Sprintf("%s is now an operator", lu.User.NickUhost()))
	cb.propagateToServers(nil, ircmsg.Message{
		Prefix: string(lu.User.UID), Command: "MODE", Params: []string{lu.User.DisplayNick, "+o"},
	})
}

func cmdLusers(cb *Catbox, lu *LocalUser, msg ircmsg.Message) { cb.lusersCommandFor(lu) }

func (cb *Catbox) lusersCommandFor(lu *LocalUser) {
	lu.messageFromServer(ircmsg.ReplyLUserClient, []string{
		fmt.Sprintf("There are %d users and 0 invisible on %d servers", len(cb.Users), len(cb.Servers)+1),
	})
	lu.messageFromServer(ircmsg.ReplyLUserOp, []string{fmt.Sprintf("%d", len(cb.Opers)), "IRC Operators online"})
	lu.messageFromServer(ircmsg.ReplyLUserChans, []string{fmt.Sprintf("%d", len(cb.Channels)), "channels formed"})
	lu.messageFromServer(ircmsg.ReplyLUserMe, []string{
		fmt.Sprintf("I have %d clients and %d servers", len(cb.LocalUsers), len(cb.LocalServers)),
	})
}

func cmdMotd(cb *Catbox, lu *LocalUser, msg ircmsg.Message) { cb.motdCommandFor(lu) }

func (cb *Catbox) motdCommandFor(lu *LocalUser) {
	if cb.Config.MOTD == "" {
		lu.messageFromServer(ircmsg.ErrNoMOTD, []string{"MOTD File is missing"})
		return
	}
	lu.messageFromServer(ircmsg.ReplyMotdStart, []string{fmt.Sprintf("- %s Message of the Day -", cb.Config.ServerName)})
	for _, line := range strings.Split(cb.Config.MOTD, "\n") {
		lu.messageFromServer(ircmsg.ReplyMotd, []string{"- " + line})
	}
	lu.messageFromServer(ircmsg.ReplyEndOfMotd, []string{"End of /MOTD command"})
}

func cmdCap(cb *Catbox, lu *LocalUser, msg ircmsg.Message) { lu.capCommand(msg) }

func cmdAway(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	if len(msg.Params) == 0 || msg.Params[0] == "" {
		lu.User.Away = ""
		lu.messageFromServer("305", []string{"You are no longer marked as being away"})
		return
	}
	lu.User.Away = msg.Params[0]
	lu.messageFromServer("306", []string{"You have been marked as being away"})
}

func cmdInvite(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	target := cb.findUserByNick(msg.Params[0])
	name := ircmsg.CaseFold(msg.Params[1])
	ch := cb.Channels[name]
	if target == nil {
		lu.messageFromServer(ircmsg.ErrNoSuchNick, []string{msg.Params[0], "No such nick/channel"})
		return
	}
	if ch == nil {
		lu.messageFromServer(ircmsg.ErrNoSuchChannel, []string{msg.Params[1], "No such channel"})
		return
	}
	mem := ch.membershipFor(lu.User)
	if ch.hasMode('i') && (mem == nil || !mem.Op) && !ch.hasMode('g') {
		lu.messageFromServer(ircmsg.ErrChanOPrivsNeeded, []string{ch.Name, "You're not channel operator"})
		return
	}
	ch.InviteList[target.UID] = time.Now()
	lu.messageFromServer(ircmsg.ReplyInviting, []string{target.DisplayNick, ch.Name})
	if target.isLocal() {
		target.LocalUser.maybeQueueMessage(ircmsg.Message{
			Prefix: lu.User.Prefix(), Command: "INVITE", Params: []string{target.DisplayNick, ch.Name},
		})
	}
}

func cmdNames(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	if len(msg.Params) == 0 {
		return
	}
	name := ircmsg.CaseFold(msg.Params[0])
	if ch := cb.Channels[name]; ch != nil {
		cb.sendNames(lu, ch)
	}
}

// cmdList handles LIST, optionally restricted to a comma-separated set
// of channel names. Secret (+s) channels are omitted unless the
// caller is a member or an operator (spec.md §4.5 mode-class table,
// "Hidden"/"Staff" visibility).
func cmdList(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	if !lu.consumeRateToken() {
		lu.serverNotice("LIST is rate limited; please wait a moment")
		return
	}

	u := lu.User
	var names []string
	if len(msg.Params) > 0 && msg.Params[0] != "" {
		names = strings.Split(msg.Params[0], ",")
	}

	lu.messageFromServer(ircmsg.ReplyListStart, []string{"Channel", "Users Name"})

	emit := func(ch *Channel) {
		if ch.hasMode('s') && !u.onChannel(ch) && !u.isOperator() {
			return
		}
		topic := ch.Topic
		if ch.hasMode('p') && !u.onChannel(ch) && !u.isOperator() {
			topic = ""
		}
		lu.messageFromServer(ircmsg.ReplyList, []string{ch.Name, strconv.Itoa(len(ch.Members)), topic})
	}

	if len(names) > 0 {
		for _, raw := range names {
			if ch := cb.Channels[ircmsg.CaseFold(raw)]; ch != nil {
				emit(ch)
			}
		}
	} else {
		for _, ch := range cb.Channels {
			emit(ch)
		}
	}

	lu.messageFromServer(ircmsg.ReplyListEnd, []string{"End of /LIST"})
}

func cmdIson(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	var online []string
	for _, nick := range msg.Params {
		if u := cb.findUserByNick(nick); u != nil {
			online = append(online, u.DisplayNick)
		}
	}
	lu.messageFromServer("303", []string{strings.Join(online, " ")})
}

func cmdUserhost(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	var results []string
	for _, nick := range msg.Params {
		if u := cb.findUserByNick(nick); u != nil {
			op := ""
			if u.isOperator() {
				op = "*"
			}
			results = append(results, fmt.Sprintf("%s%s=+%s@%s", u.DisplayNick, op, u.Username, u.VisibleHost))
		}
	}
	lu.messageFromServer("302", []string{strings.Join(results, " ")})
}

func cmdUserWallops(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	cb.sendWallops(lu.User.Prefix(), msg.Params[0])
	cb.propagateToServers(nil, ircmsg.Message{Prefix: string(lu.User.UID), Command: "WALLOPS", Params: msg.Params})
}

func (cb *Catbox) sendWallops(from, text string) {
	for _, other := range cb.LocalUsers {
		if _, ok := other.User.Modes['w']; ok {
			other.maybeQueueMessage(ircmsg.Message{Prefix: from, Command: "WALLOPS", Params: []string{text}})
		}
	}
}

func cmdLinks(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	for _, s := range cb.Servers {
		lu.messageFromServer(ircmsg.ReplyLinks, []string{s.Name, cb.Config.ServerName, fmt.Sprintf("%d %s", s.HopCount, s.Description)})
	}
	lu.messageFromServer(ircmsg.ReplyEndOfLinks, []string{"*", "End of /LINKS list"})
}

func cmdVersion(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	lu.messageFromServer("351", []string{cb.Config.Version, cb.Config.ServerName, "catboxd TS6"})
}

func cmdMonitor(cb *Catbox, lu *LocalUser, msg ircmsg.Message) {
	sub := strings.ToUpper(msg.Params[0])
	switch sub {
	case "+":
		if len(msg.Params) > 1 {
			for _, nick := range strings.Split(msg.Params[1], ",") {
				lu.MonitorList[ircmsg.CaseFold(nick)] = struct{}{}
			}
		}
	case "-":
		if len(msg.Params) > 1 {
			for _, nick := range strings.Split(msg.Params[1], ",") {
				delete(lu.MonitorList, ircmsg.CaseFold(nick))
			}
		}
	case "C":
		lu.MonitorList = make(map[string]struct{})
	case "L":
		var nicks []string
		for n := range lu.MonitorList {
			nicks = append(nicks, n)
		}
		lu.messageFromServer("732", []string{strings.Join(nicks, ",")})
		lu.messageFromServer("733", []string{"End of MONITOR list"})
	}
}
