package ircd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowJoinUnderThrottle(t *testing.T) {
	ch := newChannel("#test", 12345)
	ch.ThrottleNum = 2
	ch.ThrottleTime = 50 * time.Millisecond

	require.True(t, ch.allowJoinUnderThrottle(), "first join allowed")
	require.True(t, ch.allowJoinUnderThrottle(), "second join allowed")
	require.False(t, ch.allowJoinUnderThrottle(), "third join within window denied")

	time.Sleep(60 * time.Millisecond)
	require.True(t, ch.allowJoinUnderThrottle(), "join allowed again once the window resets")
}

func TestMembershipForRefreshesOnBansVersionChange(t *testing.T) {
	ch := newChannel("#test", 12345)
	u := &User{UID: "001AAAAAA", DisplayNick: "nick", Username: "u", VisibleHost: "host", Channels: make(map[string]*Membership)}
	ch.addMember(u, false, false)

	m := ch.membershipFor(u)
	require.NotNil(t, m)
	require.False(t, m.cachedBanned)

	ch.Bans = append(ch.Bans, &Ban{Mask: "*!*@host"})
	ch.bumpBansVersion()

	m = ch.membershipFor(u)
	require.True(t, m.cachedBanned, "ban added after join should be picked up once BansVersion bumps")
}
