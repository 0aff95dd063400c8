package ircd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/horgh/catboxd/internal/ircmsg"
)

// modeClass discriminates how a channel mode letter's parameter (if
// any) is parsed and who may set it (spec.md §4.5 "Channel mode
// engine" table).
type modeClass int

const (
	classSimple modeClass = iota
	classHidden
	classStaff
	classLimit
	classKey
	classThrottle
	classForward
	classOpVoice
	classList
)

type modeDef struct {
	class    modeClass
	listKind byte // for classList: 'b', 'e', 'I', 'q'
}

// modeTable is the 256-slot table spec.md §9 calls for: byte-indexed,
// extensible by table assignment. Simple modes cover the common
// Charybdis/ratbox set.
var modeTable = map[byte]modeDef{
	'i': {class: classSimple}, // invite-only
	'n': {class: classSimple}, // no external messages
	't': {class: classSimple}, // topic locked to ops
	'm': {class: classSimple}, // moderated
	's': {class: classHidden}, // secret
	'p': {class: classSimple}, // private
	'r': {class: classSimple}, // registered-only channel (services)
	'z': {class: classSimple}, // op-moderated (blocked messages to ops)
	'c': {class: classSimple}, // strip colour codes
	'C': {class: classSimple}, // block CTCP
	'R': {class: classSimple}, // block unregistered users
	'M': {class: classSimple}, // block unidentified users
	'g': {class: classSimple}, // free-invite
	'Q': {class: classSimple}, // no kicks (services protected)
	'F': {class: classSimple}, // free-forward target
	'L': {class: classStaff},  // large ban list
	'P': {class: classStaff},  // permanent

	'l': {class: classLimit},
	'k': {class: classKey},
	'j': {class: classThrottle},
	'f': {class: classForward},

	'o': {class: classOpVoice},
	'v': {class: classOpVoice},

	'b': {class: classList, listKind: 'b'},
	'e': {class: classList, listKind: 'e'},
	'I': {class: classList, listKind: 'I'},
	'q': {class: classList, listKind: 'q'},
}

// extbanHandler matches a $letter extban against (user, channel).
// negated is whether the mask had a leading ~.
type extbanHandler func(param string, negated bool, u *User, ch *Channel) bool

// extbanTable is the parallel 256-entry table keyed by the letter
// after "$" (spec.md §4.5 "Mask canonicalization").
var extbanTable = map[byte]extbanHandler{
	'a': func(param string, neg bool, u *User, ch *Channel) bool {
		matched := u.Account != "" && (param == "" || ircmsg.EqualFold(param, u.Account))
		return matched != neg
	},
	'c': func(param string, neg bool, u *User, ch *Channel) bool {
		target := ircmsg.CaseFold(param)
		_, onChan := u.Channels[target]
		return onChan != neg
	},
	'r': func(param string, neg bool, u *User, ch *Channel) bool {
		return globMatch(param, u.RealName) != neg
	},
	's': func(param string, neg bool, u *User, ch *Channel) bool {
		sname := ""
		if u.Server != nil {
			sname = u.Server.Name
		}
		return globMatch(param, sname) != neg
	},
	'~': nil, // sentinel; unused, negation is parsed out before lookup.
}

// maxModeParamsClient / maxModeParamsServer bound how many mode
// changes, with or without a parameter, a single command applies (spec.md
// §4.5 "server batches allow more than client batches").
const (
	maxModeParamsClient = 4
	maxModeParamsServer = 20
)

// modeResult carries everything needed to notify local members, peers,
// and the actor.
type modeResult struct {
	AppliedTokens []string // e.g. "+nt-k", "+o", as individual mode-change strings with their params inline
	BMask         map[byte][]string
	Errors        []string // numeric-reply-ready notices for the actor
}

// applyModes parses and applies a mode-change string against ch.
// actor is nil for a server-originated (authoritative) change.
// actorIsChanop gates the access checks in spec.md §4.5
// "Access check for mode changes"; byServer bypasses them entirely
// ("the network is authoritative").
func (cb *Catbox) applyModes(
	ch *Channel,
	actor *User,
	actorIsChanop bool,
	byServer bool,
	tokens []string,
) *modeResult {
	res := &modeResult{BMask: make(map[byte][]string)}

	maxParams := maxModeParamsClient
	if byServer {
		maxParams = maxModeParamsServer
	}

	if len(tokens) == 0 {
		return res
	}

	argi := 1
	adding := true
	var plus, minus strings.Builder
	var plusParams, minusParams []string
	applied := 0

	takeArg := func() (string, bool) {
		if argi >= len(tokens) {
			return "", false
		}
		a := tokens[argi]
		argi++
		return a, true
	}

	for _, r := range tokens[0] {
		switch r {
		case '+':
			adding = true
			continue
		case '-':
			adding = false
			continue
		case '=':
			continue
		}

		letter := byte(r)
		def, known := modeTable[letter]
		if !known {
			res.Errors = append(res.Errors, fmt.Sprintf("%s %c :is unknown mode char to me", ircmsg.ErrUnknownMode, letter))
			continue
		}

		if !byServer && cb.isMlocked(ch, letter) {
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s %c :MLOCK enabled", ircmsg.ErrMLockRestricted, ch.Name, letter))
			continue
		}

		if applied >= maxParams {
			break
		}

		switch def.class {
		case classSimple, classHidden:
			if !byServer && !actorIsChanop {
				res.Errors = append(res.Errors, fmt.Sprintf("%s %s :You're not channel operator", ircmsg.ErrChanOPrivsNeeded, ch.Name))
				continue
			}
			if adding {
				if _, has := ch.Modes[letter]; !has {
					ch.Modes[letter] = struct{}{}
					plus.WriteByte(letter)
					applied++
				}
			} else {
				if _, has := ch.Modes[letter]; has {
					delete(ch.Modes, letter)
					minus.WriteByte(letter)
					applied++
				}
			}

		case classStaff:
			if !byServer && !actorIsChanop {
				res.Errors = append(res.Errors, fmt.Sprintf("%s %s :You're not channel operator", ircmsg.ErrChanOPrivsNeeded, ch.Name))
				continue
			}
			if adding {
				ch.Modes[letter] = struct{}{}
				plus.WriteByte(letter)
			} else {
				delete(ch.Modes, letter)
				minus.WriteByte(letter)
			}
			applied++

		case classLimit:
			if !byServer && !actorIsChanop {
				continue
			}
			if adding {
				arg, ok := takeArg()
				if !ok {
					continue
				}
				n, err := strconv.Atoi(arg)
				if err != nil || n <= 0 {
					continue
				}
				ch.Limit = n
				ch.Modes['l'] = struct{}{}
				plus.WriteByte('l')
				plusParams = append(plusParams, arg)
			} else {
				ch.Limit = 0
				delete(ch.Modes, 'l')
				minus.WriteByte('l')
			}
			applied++

		case classKey:
			if !byServer && !actorIsChanop {
				continue
			}
			if adding {
				arg, ok := takeArg()
				if !ok {
					continue
				}
				key := cleanKey(arg)
				if key == "" {
					continue
				}
				ch.Key = key
				ch.Modes['k'] = struct{}{}
				plus.WriteByte('k')
				plusParams = append(plusParams, key)
			} else {
				// §4.5 "Key": "+k then -k in same batch still emits +k newkey -k *"
				takeArg()
				ch.Key = ""
				delete(ch.Modes, 'k')
				minus.WriteByte('k')
				minusParams = append(minusParams, "*")
			}
			applied++

		case classThrottle:
			if !byServer && !actorIsChanop {
				continue
			}
			if adding {
				arg, ok := takeArg()
				if !ok {
					continue
				}
				num, secs, ok := parseThrottle(arg)
				if !ok {
					continue
				}
				ch.ThrottleNum = num
				ch.ThrottleTime = secs
				ch.Modes['j'] = struct{}{}
				plus.WriteByte('j')
				plusParams = append(plusParams, arg)
			} else {
				ch.ThrottleNum = 0
				ch.ThrottleTime = 0
				ch.joinCount = 0
				delete(ch.Modes, 'j')
				minus.WriteByte('j')
			}
			applied++

		case classForward:
			if !byServer && !actorIsChanop {
				continue
			}
			if adding {
				arg, ok := takeArg()
				if !ok {
					continue
				}
				target := ircmsg.CaseFold(arg)
				if !byServer && !cb.forwardAllowed(target, actor) {
					res.Errors = append(res.Errors, fmt.Sprintf("%s %s :Cannot set forward, target channel doesn't permit it", ircmsg.ErrChanOPrivsNeeded, ch.Name))
					continue
				}
				ch.Forward = target
				ch.Modes['f'] = struct{}{}
				plus.WriteByte('f')
				plusParams = append(plusParams, target)
			} else {
				ch.Forward = ""
				delete(ch.Modes, 'f')
				minus.WriteByte('f')
			}
			applied++

		case classOpVoice:
			arg, ok := takeArg()
			if !ok {
				continue
			}
			if !byServer && !actorIsChanop {
				res.Errors = append(res.Errors, fmt.Sprintf("%s %s :You're not channel operator", ircmsg.ErrChanOPrivsNeeded, ch.Name))
				continue
			}
			target := cb.findUserByNick(arg)
			if target == nil {
				continue
			}
			mem, ok := ch.Members[target.UID]
			if !ok {
				continue
			}
			if letter == 'o' {
				mem.Op = adding
			} else {
				mem.Voice = adding
			}
			ch.bumpBansVersion()
			if adding {
				plus.WriteByte(letter)
				plusParams = append(plusParams, string(target.UID))
			} else {
				minus.WriteByte(letter)
				minusParams = append(minusParams, string(target.UID))
			}
			applied++

		case classList:
			arg, hasArg := takeArg()
			if !hasArg {
				// bare "b"/"e"/"I"/"q" with no arg is a query; handled by caller.
				continue
			}
			mask, forward := splitForward(canonicalizeMask(arg))
			list := ch.listFor(def.listKind)
			if adding {
				if banListFind(*list, mask) != nil {
					continue
				}
				if cb.listTotalLen(ch) >= cb.maxBansFor(ch) {
					res.Errors = append(res.Errors, fmt.Sprintf("478 %s %s :Channel ban list is full", ch.Name, mask))
					continue
				}
				setter := cb.Config.ServerName
				if actor != nil {
					setter = actor.NickUhost()
				}
				*list = append(*list, &Ban{Mask: mask, SetBy: setter, SetAt: nowUnix(), Forward: forward})
				ch.bumpBansVersion()
				plus.WriteByte(letter)
				plusParams = append(plusParams, arg)
			} else {
				if removeBan(list, mask) {
					ch.bumpBansVersion()
					minus.WriteByte(letter)
					minusParams = append(minusParams, arg)
				}
			}
			applied++
		}
	}

	if plus.Len() > 0 {
		res.AppliedTokens = append(res.AppliedTokens, "+"+plus.String())
		res.AppliedTokens = append(res.AppliedTokens, plusParams...)
	}
	if minus.Len() > 0 {
		res.AppliedTokens = append(res.AppliedTokens, "-"+minus.String())
		res.AppliedTokens = append(res.AppliedTokens, minusParams...)
	}

	return res
}

func (ch *Channel) listFor(kind byte) *[]*Ban {
	switch kind {
	case 'b':
		return &ch.Bans
	case 'e':
		return &ch.Excepts
	case 'I':
		return &ch.Invex
	default:
		return &ch.Quiets
	}
}

func (cb *Catbox) listTotalLen(ch *Channel) int {
	return len(ch.Bans) + len(ch.Excepts) + len(ch.Invex) + len(ch.Quiets)
}

func (cb *Catbox) maxBansFor(ch *Channel) int {
	if ch.hasMode('L') {
		return cb.Config.Channel.MaxBansLarge
	}
	return cb.Config.Channel.MaxBans
}

func (cb *Catbox) isMlocked(ch *Channel, letter byte) bool {
	return strings.IndexByte(ch.MLock, letter) != -1
}

func (cb *Catbox) forwardAllowed(targetName string, actor *User) bool {
	target := cb.Channels[targetName]
	if target == nil {
		return false
	}
	if target.hasMode('F') {
		return true
	}
	if actor == nil {
		return true
	}
	if mem, ok := target.Members[actor.UID]; ok && mem.Op {
		return true
	}
	return false
}

func banListFind(list []*Ban, mask string) *Ban {
	for _, b := range list {
		if b.Mask == mask {
			return b
		}
	}
	return nil
}

func removeBan(list *[]*Ban, mask string) bool {
	for i, b := range *list {
		if b.Mask == mask {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

// splitForward separates a trailing "$#channel" forward target from a
// ban mask (spec.md §4.5 "Ban" forward suffix, §8 Scenario F). An
// extban mask (leading "$") carries its own type marker first, e.g.
// "$~a$#lobby" forwards account-less joiners to #lobby; the forward
// suffix is the first "$" after that marker, not the mask's own.
func splitForward(mask string) (string, string) {
	start := 0
	if strings.HasPrefix(mask, "$") {
		start = 1
	}
	if idx := strings.IndexByte(mask[start:], '$'); idx >= 0 {
		pos := start + idx
		if pos+1 < len(mask) && mask[pos+1] == '#' {
			return mask[:pos], mask[pos+1:]
		}
	}
	return mask, ""
}

// canonicalizeMask normalizes a ban/except/invex/quiet parameter into
// nick!user@host form (with "*" defaults), or leaves an $extban mask
// untouched (spec.md §4.5 "Mask canonicalization").
func canonicalizeMask(raw string) string {
	if strings.HasPrefix(raw, "$") {
		return raw
	}

	nick, user, host := "*", "*", "*"
	rest := raw

	if idx := strings.Index(rest, "!"); idx != -1 {
		nick = rest[:idx]
		rest = rest[idx+1:]
	} else if idx := strings.Index(rest, "@"); idx == -1 {
		nick = rest
		rest = ""
	}

	if idx := strings.Index(rest, "@"); idx != -1 {
		user = rest[:idx]
		host = rest[idx+1:]
	} else if rest != "" {
		host = rest
	}

	if nick == "" {
		nick = "*"
	}
	if user == "" {
		user = "*"
	}
	if host == "" {
		host = "*"
	}

	return fmt.Sprintf("%s!%s@%s", nick, user, host)
}

// matchBanMask reports whether u matches mask on channel ch, handling
// extbans (spec.md §4.5 "Extbans").
func matchBanMask(mask string, u *User, ch *Channel) bool {
	if strings.HasPrefix(mask, "$") {
		body := mask[1:]
		negated := strings.HasPrefix(body, "~")
		if negated {
			body = body[1:]
		}
		if body == "" {
			return false
		}
		letter := body[0]
		param := body[1:]
		param = strings.TrimPrefix(param, ":")
		handler, ok := extbanTable[letter]
		if !ok || handler == nil {
			return false
		}
		return handler(param, negated, u, ch)
	}

	return globMatch(mask, u.NickUhost())
}

// globMatch is a small * / ? glob matcher, case-folded per RFC1459.
func globMatch(pattern, text string) bool {
	return globMatchFold(ircmsg.CaseFold(pattern), ircmsg.CaseFold(text))
}

func globMatchFold(pattern, text string) bool {
	// classic recursive glob; patterns here are short (hostmasks).
	if pattern == "" {
		return text == ""
	}
	if pattern[0] == '*' {
		if globMatchFold(pattern[1:], text) {
			return true
		}
		for i := 0; i < len(text); i++ {
			if globMatchFold(pattern[1:], text[i+1:]) {
				return true
			}
		}
		return false
	}
	if text == "" {
		return false
	}
	if pattern[0] == '?' || pattern[0] == text[0] {
		return globMatchFold(pattern[1:], text[1:])
	}
	return false
}

func cleanKey(s string) string {
	var b strings.Builder
	for i := 0; i < len(s) && i < 23; i++ {
		c := s[i]
		if c == ':' || c == ',' || c == ' ' || c >= 0x7f {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func parseThrottle(s string) (int, time.Duration, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	n, err1 := strconv.Atoi(parts[0])
	t, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || n <= 0 || t <= 0 {
		return 0, 0, false
	}
	return n, time.Duration(t) * time.Second, true
}
