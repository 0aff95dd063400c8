package ircmsg

// Numeric reply codes. Every numeric is sent as a server-originated message
// with the form ":<server-or-SID> <numeric> <target> <params...>" so clients
// can parse replies positionally regardless of locale.
const (
	ReplyWelcome       = "001" // RPL_WELCOME
	ReplyYourHost      = "002" // RPL_YOURHOST
	ReplyCreated       = "003" // RPL_CREATED
	ReplyMyInfo        = "004" // RPL_MYINFO
	ReplyISupport      = "005" // RPL_ISUPPORT

	ReplyAway             = "301"
	ReplyWhoisUser        = "311"
	ReplyWhoisServer      = "312"
	ReplyWhoisOperator    = "313"
	ReplyEndOfWho         = "315"
	ReplyWhoisIdle        = "317"
	ReplyEndOfWhois       = "318"
	ReplyWhoisChannels    = "319"
	ReplyListStart        = "321"
	ReplyList             = "322"
	ReplyListEnd          = "323"
	ReplyChannelModeIs    = "324"
	ReplyNoTopic          = "331"
	ReplyTopic            = "332"
	ReplyInviting         = "341"
	ReplyWhoReply         = "352"
	ReplyNamReply         = "353"
	ReplyLinks            = "364"
	ReplyEndOfLinks       = "365"
	ReplyEndOfNames       = "366"
	ReplyBanList          = "367"
	ReplyEndOfBanList     = "368"
	ReplyMotd             = "372"
	ReplyMotdStart        = "375"
	ReplyEndOfMotd        = "376"
	ReplyYoureOper        = "381"

	ReplyLUserClient  = "251"
	ReplyLUserOp      = "252"
	ReplyLUserUnknown = "253"
	ReplyLUserChans   = "254"
	ReplyLUserMe      = "255"
	ReplyUModeIs      = "221"

	ErrNoSuchNick       = "401"
	ErrNoSuchServer     = "402"
	ErrNoSuchChannel    = "403"
	ErrCannotSendToChan = "404"
	ErrNoOrigin         = "409"
	ErrNoRecipient      = "411"
	ErrNoTextToSend     = "412"
	ErrUnknownCommand   = "421"
	ErrNoMOTD           = "422"
	ErrNoNicknameGiven  = "431"
	ErrErroneusNickname = "432"
	ErrNicknameInUse    = "433"
	ErrUserOnChannel    = "443"
	ErrNotOnChannel     = "442"
	ErrNeedMoreParams   = "461"
	ErrAlreadyRegistred = "462"
	ErrPasswdMismatch   = "464"
	ErrChanOPrivsNeeded = "482"
	ErrUModeUnknownFlag = "501"
	ErrUsersDontMatch   = "502"
	ErrUnknownMode      = "472"
	ErrNoPrivileges     = "481"
	ErrNoOperHost       = "491"
	ErrNickTooFast      = "438"
	ErrTargetTooFast    = "707" // ERR_TARGCHANGE (ratbox numeric reuse)
	ErrTargChange       = "707"
	ErrTargUModeG       = "716"
	ErrLinkChannel      = "470"
	ErrMLockRestricted  = "742"
	ErrThrottle         = "480" // ERR_THROTTLE: +j join-throttle exceeded.
	ErrStartTLS         = "691" // ERR_STARTTLS
)
