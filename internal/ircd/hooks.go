package ircd

// Hook event names (spec.md §4.10).
const (
	HookClientExit       = "client-exit"
	HookNewLocalUser     = "new-local-user"
	HookNewRemoteUser    = "new-remote-user"
	HookUModeChanged     = "umode-changed"
	HookServerIntroduced = "server-introduced"
	HookServerEOB        = "server-eob"
	HookBurstStart       = "burst-start"
	HookBurstEnd         = "burst-end"
	HookClientJoin       = "client-join"
	HookCanKick          = "can-kick"
	HookCanCreateChannel = "can-create-channel"
	HookGetChannelAccess = "get-channel-access"
	HookIOSend           = "io-send"
	HookIORecv           = "io-recv"
	HookConnectRequested = "connect-requested"
	HookRehashRequested  = "rehash-requested"
	HookRestartRequested = "restart-requested"
)

// HookHandler receives a mutable payload; it may type-assert to the
// concrete type the event name implies and mutate fields the event
// documents as overridable (e.g. CanKickPayload.Approved).
type HookHandler func(payload interface{})

// HookRegistry is the append-only, name-keyed registry spec.md §4.10
// describes: "stable across reloads", handlers run "synchronous, in
// registration order".
type HookRegistry struct {
	handlers map[string][]HookHandler
}

// NewHookRegistry builds an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{handlers: make(map[string][]HookHandler)}
}

// Register appends h to the ordered handler list for event.
func (r *HookRegistry) Register(event string, h HookHandler) {
	r.handlers[event] = append(r.handlers[event], h)
}

// Run invokes every handler registered for event, in order, passing
// payload to each.
func (r *HookRegistry) Run(event string, payload interface{}) {
	for _, h := range r.handlers[event] {
		h(payload)
	}
}

// CanKickPayload is the payload for HookCanKick: a handler may deny a
// kick that would otherwise succeed by setting Approved = false
// (spec.md §4.10 "can_kick sets approved = 0").
type CanKickPayload struct {
	Channel  *Channel
	Kicker   *User
	Target   *User
	Approved bool
}

// CanCreateChannelPayload is the payload for HookCanCreateChannel.
type CanCreateChannelPayload struct {
	Name     string
	Creator  *User
	Approved bool
}

// ChannelAccessPayload is the payload for HookGetChannelAccess,
// letting an extension override the built-in chanop/services check
// (spec.md §4.5 "a hook get_channel_access allows extensions to
// override").
type ChannelAccessPayload struct {
	Channel  *Channel
	User     *User
	HasOp    bool
	Override *bool
}
