package ircd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitForwardExtbanMask(t *testing.T) {
	mask, forward := splitForward("$~a$#lobby")
	require.Equal(t, "$~a", mask, "extban marker is kept intact")
	require.Equal(t, "#lobby", forward, "forward suffix is split off")

	mask, forward = splitForward("$~a")
	require.Equal(t, "$~a", mask, "an extban with no forward suffix is untouched")
	require.Empty(t, forward)

	mask, forward = splitForward("*!*@troll.example$#lobby")
	require.Equal(t, "*!*@troll.example", mask, "a plain mask still splits its forward suffix")
	require.Equal(t, "#lobby", forward)

	mask, forward = splitForward("*!*@troll.example")
	require.Equal(t, "*!*@troll.example", mask)
	require.Empty(t, forward)
}

// TestJoinDenyReasonBanForwardOverridesChannelForward exercises spec.md
// §8 Scenario F: a ban with its own $forward target takes precedence
// over (and doesn't require) a channel-level +f target.
func TestJoinDenyReasonBanForwardOverridesChannelForward(t *testing.T) {
	cb := newTestCatbox()

	ch := newChannel("#vip", 12345)
	ch.Bans = append(ch.Bans, &Ban{Mask: "$~a", Forward: "#lobby"})

	u := &User{UID: "1SVAAAAAA", DisplayNick: "guest", Username: "u", VisibleHost: "host"}

	reason, ban := cb.joinDenyReason(ch, u, "")
	require.Equal(t, "forward", reason)
	require.NotNil(t, ban)
	require.Equal(t, "#lobby", ban.Forward, "the matched ban's own forward target is surfaced")
}

func TestJoinDenyReasonPlainBanWithNoForward(t *testing.T) {
	cb := newTestCatbox()

	ch := newChannel("#vip", 12345)
	ch.Bans = append(ch.Bans, &Ban{Mask: "*!*@troll.example"})

	u := &User{UID: "1SVAAAAAA", DisplayNick: "troll", Username: "u", VisibleHost: "troll.example"}

	reason, ban := cb.joinDenyReason(ch, u, "")
	require.Equal(t, "474", reason, "a ban with no forward target (channel or ban-level) denies outright")
	require.Nil(t, ban)
}
