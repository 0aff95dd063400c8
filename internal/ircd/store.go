package ircd

import (
	"time"

	"github.com/horgh/catboxd/internal/ircmsg"
	"github.com/horgh/catboxd/internal/ts6"
)

// nowUnix is the single place that reads the wall clock for TS
// stamping, so tests can substitute a fake if ever needed.
func nowUnix() int64 { return time.Now().Unix() }

// findUserByNick resolves a nickname to a User using RFC1459
// case-folding, the invariant spec.md §4.1 requires ("find_by_name
// never returns a Client not in its appropriate list").
func (cb *Catbox) findUserByNick(nick string) *User {
	uid, ok := cb.Nicks[ircmsg.CaseFold(nick)]
	if !ok {
		return nil
	}
	return cb.Users[uid]
}

func (cb *Catbox) findUserByUID(uid ts6.UID) *User {
	return cb.Users[uid]
}

func (cb *Catbox) findServerBySID(sid ts6.SID) *Server {
	return cb.Servers[sid]
}

func (cb *Catbox) findServerByName(name string) *Server {
	folded := ircmsg.CaseFold(name)
	for _, s := range cb.Servers {
		if ircmsg.CaseFold(s.Name) == folded {
			return s
		}
	}
	return nil
}

// addUser files u under every index the entity store maintains:
// UID, nick, and (if on a local/remote server) the hosting Server's
// user list. Keeping insertion in one place is what keeps "a
// name-indexed and a UID-indexed lookup of the same Client agree"
// (spec.md §4.1) true.
func (cb *Catbox) addUser(u *User) {
	cb.Users[u.UID] = u
	cb.Nicks[ircmsg.CaseFold(u.DisplayNick)] = u.UID
	if u.Server != nil {
		u.Server.Users[u.UID] = u
	}
	if u.isOperator() {
		cb.Opers[u.UID] = u
	}
}

// renameUser updates the nick index for a NICK change, preserving the
// invariant that removing the old index happens atomically with
// adding the new one.
func (cb *Catbox) renameUser(u *User, newNick string, newTS int64) {
	delete(cb.Nicks, ircmsg.CaseFold(u.DisplayNick))
	u.DisplayNick = newNick
	u.NickTS = newTS
	cb.Nicks[ircmsg.CaseFold(u.DisplayNick)] = u.UID
}

// removeUser deletes u from every index (spec.md §4.1 "Removing from
// one index removes from all").
func (cb *Catbox) removeUser(u *User) {
	delete(cb.Users, u.UID)
	delete(cb.Nicks, ircmsg.CaseFold(u.DisplayNick))
	delete(cb.Opers, u.UID)
	if u.Server != nil {
		delete(u.Server.Users, u.UID)
	}
	for _, m := range u.Channels {
		ch := m.Channel
		ch.removeMember(u)
		cb.destroyChannelIfEmpty(ch)
	}
}

// removeServer removes s and cascades removal of every user it (or a
// downstream server) hosted, as well as any downstream servers
// (spec.md §4.12 "Every exit propagates one message over each peer").
func (cb *Catbox) removeServer(s *Server) []ts6.UID {
	var removedUIDs []ts6.UID

	for _, ds := range s.Downstream {
		removedUIDs = append(removedUIDs, cb.removeServer(ds)...)
	}

	for _, u := range s.Users {
		removedUIDs = append(removedUIDs, u.UID)
		cb.removeUser(u)
	}

	delete(cb.Servers, s.SID)
	return removedUIDs
}
