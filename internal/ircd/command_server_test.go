package ircd

import (
	"net"
	"testing"

	"github.com/horgh/catboxd/internal/config"
	"github.com/horgh/catboxd/internal/ircmsg"
	"github.com/horgh/catboxd/internal/ts6"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestCatbox() *Catbox {
	cfg := &config.Config{
		ServerName: "hub.example",
		TS6SID:     "1SV",
		Channel:    config.ChannelPolicy{KickOnSplitRiding: true},
	}
	return NewCatbox(cfg, logrus.NewEntry(logrus.New()))
}

func newTestLocalUser(cb *Catbox, nick, uid string, ts int64, op bool, ch *Channel) *User {
	clientConn, _ := net.Pipe()
	lc := NewLocalClient(cb, cb.getClientID(), NewConn(clientConn, 0))
	u := &User{
		UID:         ts6.UID(uid),
		DisplayNick: nick,
		NickTS:      ts,
		Username:    "u",
		VisibleHost: "host",
		Modes:       make(map[byte]struct{}),
		Channels:    make(map[string]*Membership),
	}
	lu := &LocalUser{LocalClient: lc, User: u}
	u.LocalUser = lu
	cb.addUser(u)
	cb.LocalUsers[lc.ID] = lu
	ch.addMember(u, op, false)
	return u
}

// TestSJOINLowerTSTakeoverStripsLocalState exercises spec.md §8
// Scenario B: an SJOIN arriving with an older TS wins outright,
// clearing local modes, list modes, and ops, and kicks riding local
// members under kick_on_split_riding when the arriving side carries
// +i.
func TestSJOINLowerTSTakeoverStripsLocalState(t *testing.T) {
	cb := newTestCatbox()

	ch := newChannel("#c", 2000)
	ch.Modes['n'] = struct{}{}
	ch.Modes['t'] = struct{}{}
	ch.Bans = append(ch.Bans, &Ban{Mask: "*!*@troll.example"})
	cb.Channels[ch.Name] = ch

	bob := newTestLocalUser(cb, "bob", "1SVAAAAAA", 1000, true, ch)
	carol := newTestLocalUser(cb, "carol", "1SVAAAAAB", 1000, false, ch)

	dave := &User{
		UID:         "2SVAAAAAA",
		DisplayNick: "dave",
		Username:    "u",
		VisibleHost: "host",
		Modes:       make(map[byte]struct{}),
		Channels:    make(map[string]*Membership),
	}
	cb.addUser(dave)

	other := &Server{SID: "2SV", Name: "leaf.example", Users: map[ts6.UID]*User{}}
	ls := &LocalServer{
		LocalClient: NewLocalClient(cb, cb.getClientID(), Conn{}),
		Server:      other,
	}

	cmdSJOIN(cb, ls, ircmsg.Message{
		Command: "SJOIN",
		Params:  []string{"1500", "#c", "+i", "@2SVAAAAAA"},
	})

	require.Equal(t, int64(1500), ch.TS, "arriving (lower) TS wins")
	require.True(t, ch.hasMode('i'), "arriving mode is adopted")
	require.False(t, ch.hasMode('n'), "local-only mode is dropped")
	require.False(t, ch.hasMode('t'), "local-only mode is dropped")
	require.Empty(t, ch.Bans, "list modes are cleared on takeover")

	daveMembership := ch.membershipFor(dave)
	require.NotNil(t, daveMembership)
	require.True(t, daveMembership.Op, "arriving op is kept")

	require.False(t, bob.onChannel(ch), "riding local op is kicked under kick_on_split_riding")
	require.Nil(t, ch.membershipFor(bob))
	require.False(t, carol.onChannel(ch), "every riding local member is kicked, not just ops")
}

func TestSJOINEqualTSMergesModes(t *testing.T) {
	cb := newTestCatbox()

	ch := newChannel("#c", 1500)
	ch.Modes['n'] = struct{}{}
	cb.Channels[ch.Name] = ch

	dave := &User{
		UID:         "2SVAAAAAA",
		DisplayNick: "dave",
		Username:    "u",
		VisibleHost: "host",
		Modes:       make(map[byte]struct{}),
		Channels:    make(map[string]*Membership),
	}
	cb.addUser(dave)

	other := &Server{SID: "2SV", Name: "leaf.example", Users: map[ts6.UID]*User{}}
	ls := &LocalServer{
		LocalClient: NewLocalClient(cb, cb.getClientID(), Conn{}),
		Server:      other,
	}

	cmdSJOIN(cb, ls, ircmsg.Message{
		Command: "SJOIN",
		Params:  []string{"1500", "#c", "+i", "@2SVAAAAAA"},
	})

	require.True(t, ch.hasMode('n'), "our pre-existing mode survives an equal-TS merge")
	require.True(t, ch.hasMode('i'), "their mode is unioned in on an equal-TS merge")
}
