package ircd

import (
	"fmt"
	"strings"
	"time"

	"github.com/horgh/catboxd/internal/ircmsg"
	"github.com/horgh/catboxd/internal/ts6"
)

// userCommandHandler handles a command from a registered local user.
type userCommandHandler func(cb *Catbox, lu *LocalUser, msg ircmsg.Message)

// serverCommandHandler handles a command arriving over a server link,
// already resolved to its source Client-ish value (either *User or
// *Server, as the verb dictates) and the LocalServer it arrived
// through.
type serverCommandHandler func(cb *Catbox, ls *LocalServer, msg ircmsg.Message)

// commandDef is the six-slot table entry spec.md §4.2 describes,
// collapsed to the two slots this implementation actually
// distinguishes (local-user vs. server-link); unregistered dispatch is
// handled separately in registration.go because its state machine is
// sequence-sensitive rather than table-driven.
type commandDef struct {
	minArgs int
	user    userCommandHandler
	server  serverCommandHandler
	// operOnly, if set, additionally requires the source to have oper
	// privileges; user is still the handler invoked.
	operOnly bool
}

var userCommands map[string]*commandDef
var serverCommands map[string]*commandDef

// aliasTable maps an unknown command, lowercased, to a services
// target nick (spec.md §4.2 step 2: "an alias table is consulted").
var aliasTable = map[string]string{
	"nickserv": "NickServ",
	"ns":       "NickServ",
	"chanserv": "ChanServ",
	"cs":       "ChanServ",
}

func init() {
	userCommands = map[string]*commandDef{
		"NICK":    {minArgs: 1, user: cmdNick},
		"JOIN":    {minArgs: 1, user: cmdJoin},
		"PART":    {minArgs: 1, user: cmdPart},
		"PRIVMSG": {minArgs: 2, user: cmdPrivmsg},
		"NOTICE":  {minArgs: 2, user: cmdNotice},
		"MODE":    {minArgs: 1, user: cmdUserMode},
		"TOPIC":   {minArgs: 1, user: cmdTopic},
		"WHO":     {minArgs: 0, user: cmdWho},
		"WHOIS":   {minArgs: 1, user: cmdWhois},
		"KICK":    {minArgs: 2, user: cmdKick},
		"QUIT":    {minArgs: 0, user: cmdUserQuit},
		"PING":    {minArgs: 0, user: cmdUserPing},
		"PONG":    {minArgs: 0, user: cmdUserPong},
		"OPER":    {minArgs: 2, user: cmdOper},
		"LUSERS":  {minArgs: 0, user: cmdLusers},
		"MOTD":    {minArgs: 0, user: cmdMotd},
		"CAP":     {minArgs: 1, user: cmdCap},
		"AWAY":    {minArgs: 0, user: cmdAway},
		"INVITE":  {minArgs: 2, user: cmdInvite},
		"NAMES":   {minArgs: 0, user: cmdNames},
		"LIST":    {minArgs: 0, user: cmdList},
		"ISON":    {minArgs: 0, user: cmdIson},
		"WALLOPS": {minArgs: 1, user: cmdUserWallops, operOnly: true},
		"USERHOST": {minArgs: 0, user: cmdUserhost},
		"LINKS":   {minArgs: 0, user: cmdLinks},
		"VERSION": {minArgs: 0, user: cmdVersion},
		"MONITOR": {minArgs: 1, user: cmdMonitor},
		"KILL":    {minArgs: 2, user: cmdOperKill, operOnly: true},
		"CONNECT": {minArgs: 1, user: cmdConnect, operOnly: true},
		"SQUIT":   {minArgs: 1, user: cmdOperSquit, operOnly: true},
		"REHASH":  {minArgs: 0, user: cmdRehash, operOnly: true},
		"DIE":     {minArgs: 0, user: cmdDie, operOnly: true},
		"RESTART": {minArgs: 0, user: cmdRestart, operOnly: true},
		"SET":     {minArgs: 1, user: cmdSet, operOnly: true},
		"STATS":   {minArgs: 1, user: cmdStats, operOnly: true},
		"TRACE":   {minArgs: 0, user: cmdTrace, operOnly: true},
		"KLINE":   {minArgs: 2, user: cmdKline, operOnly: true},
		"UNKLINE": {minArgs: 1, user: cmdUnkline, operOnly: true},
		"DLINE":   {minArgs: 2, user: cmdDline, operOnly: true},
		"UNDLINE": {minArgs: 1, user: cmdUndline, operOnly: true},
		"XLINE":   {minArgs: 2, user: cmdXline, operOnly: true},
		"RESV":    {minArgs: 2, user: cmdResv, operOnly: true},
		"UNRESV":  {minArgs: 1, user: cmdUnresv, operOnly: true},
		"OMODE":   {minArgs: 2, user: cmdOmode, operOnly: true},
		"OKICK":   {minArgs: 2, user: cmdOkick, operOnly: true},
		"OLIST":   {minArgs: 0, user: cmdOlist, operOnly: true},
		"CLEARCHAN": {minArgs: 1, user: cmdClearchan, operOnly: true},
		"OPERWALL":   {minArgs: 1, user: cmdOperwall, operOnly: true},
		"CNOTICE":    {minArgs: 3, user: cmdCnotice},
		"CPRIVMSG":   {minArgs: 3, user: cmdCprivmsg},
		"SENDBANS":   {minArgs: 0, user: cmdSendbans, operOnly: true},
		"TESTMASK":   {minArgs: 1, user: cmdTestmask, operOnly: true},
		"TESTLINE":   {minArgs: 1, user: cmdTestline, operOnly: true},
		"MODLOAD":    {minArgs: 0, user: cmdModStub, operOnly: true},
		"MODUNLOAD":  {minArgs: 0, user: cmdModStub, operOnly: true},
		"MODRELOAD":  {minArgs: 0, user: cmdModStub, operOnly: true},
		"MODLIST":    {minArgs: 0, user: cmdModStub, operOnly: true},
		"MODRESTART": {minArgs: 0, user: cmdModStub, operOnly: true},
	}

	serverCommands = map[string]*commandDef{
		"SID":    {minArgs: 4, server: cmdSID},
		"UID":    {minArgs: 9, server: cmdUID},
		"EUID":   {minArgs: 11, server: cmdEUID},
		"NICK":   {minArgs: 2, server: cmdRemoteNick},
		"SJOIN":  {minArgs: 4, server: cmdSJOIN},
		"TMODE":  {minArgs: 3, server: cmdTMODE},
		"BMASK":  {minArgs: 4, server: cmdBMASK},
		"MLOCK":  {minArgs: 3, server: cmdMLOCK},
		"SAVE":   {minArgs: 2, server: cmdSAVE},
		"KILL":   {minArgs: 2, server: cmdServerKill},
		"SQUIT":  {minArgs: 2, server: cmdServerSquit},
		"QUIT":   {minArgs: 0, server: cmdServerQuit},
		"PART":   {minArgs: 1, server: cmdServerPart},
		"KICK":   {minArgs: 2, server: cmdServerKick},
		"JOIN":   {minArgs: 2, server: cmdServerJoin},
		"PRIVMSG": {minArgs: 2, server: cmdServerPrivmsg},
		"NOTICE": {minArgs: 2, server: cmdServerNotice},
		"MODE":   {minArgs: 1, server: cmdServerUserMode},
		"TOPIC":  {minArgs: 2, server: cmdServerTopic},
		"TB":       {minArgs: 3, server: cmdTB},
		"ENCAP":    {minArgs: 2, server: cmdENCAP},
		"WALLOPS":  {minArgs: 1, server: cmdServerWallops},
		"OPERWALL": {minArgs: 1, server: cmdServerOperwall},
		"PING":   {minArgs: 0, server: cmdServerPing},
		"PONG":   {minArgs: 0, server: cmdServerPong},
		"ERROR":  {minArgs: 0, server: cmdServerError},
	}
}

// dispatchMessage is the single entry point every inbound protocol
// line flows through (spec.md §4.2). It never runs concurrently with
// another call: it is only ever invoked from Catbox.handleEvent on the
// single dispatch goroutine.
func (cb *Catbox) dispatchMessage(c *LocalClient, msg ircmsg.Message) {
	cb.Metrics.MessagesIn.Inc()
	c.LastActivityTime = time.Now()

	if _, unregistered := cb.UnregisteredClients[c.ID]; unregistered {
		cb.dispatchUnregistered(c, msg)
		return
	}

	if lu, ok := cb.LocalUsers[c.ID]; ok {
		cb.dispatchUser(lu, msg)
		return
	}

	if ls, ok := cb.LocalServers[c.ID]; ok {
		cb.dispatchServer(ls, msg)
		return
	}
}

func (cb *Catbox) dispatchUser(lu *LocalUser, msg ircmsg.Message) {
	// §4.2: clients SHOULD NOT send a prefix; the dispatcher ignores
	// it and uses the connection's own identity as source.
	cmd := strings.ToUpper(msg.Command)

	if isNumericCommand(cmd) {
		return
	}

	if !cb.checkFloodBudget(lu.LocalClient) {
		return
	}

	def, ok := userCommands[cmd]
	if !ok {
		if target, aliased := aliasTable[strings.ToLower(cmd)]; aliased {
			cb.deliverPrivmsgToNick(lu, target, strings.Join(msg.Params, " "))
			return
		}
		lu.messageFromServer(ircmsg.ErrUnknownCommand, []string{cmd, "Unknown command"})
		return
	}

	if len(msg.Params) < def.minArgs {
		lu.messageFromServer(ircmsg.ErrNeedMoreParams, []string{cmd, "Not enough parameters"})
		return
	}

	if def.operOnly && !lu.User.isOperator() {
		lu.messageFromServer(ircmsg.ErrNoPrivileges, []string{"Permission Denied - You're not an IRC operator"})
		return
	}

	def.user(cb, lu, msg)
}

func (cb *Catbox) dispatchServer(ls *LocalServer, msg ircmsg.Message) {
	cmd := strings.ToUpper(msg.Command)

	// §4.2 step 1: an unknown source prefix on a server link triggers a
	// targeted KILL (user) or SQUIT (server) rather than being
	// processed.
	if msg.Prefix != "" && !cb.resolveServerSource(ls, msg.Prefix) {
		return
	}

	if isNumericCommand(cmd) {
		cb.routeNumericFromServer(ls, msg)
		return
	}

	def, ok := serverCommands[cmd]
	if !ok {
		return
	}

	if len(msg.Params) < def.minArgs {
		cb.exitServer(ls, fmt.Sprintf("Malformed %s: not enough parameters", cmd))
		return
	}

	def.server(cb, ls, msg)
}

// resolveServerSource validates that prefix names a Client we know
// about via this link. Returns false (and has already reacted) if
// not.
func (cb *Catbox) resolveServerSource(ls *LocalServer, prefix string) bool {
	if len(prefix) == 3 {
		if cb.findServerBySID(ts6.SID(prefix)) != nil {
			return true
		}
		cb.exitServer(ls, "Unknown SID in prefix: "+prefix)
		return false
	}

	if len(prefix) == 9 {
		if u := cb.findUserByUID(ts6.UID(prefix)); u != nil {
			return true
		}
		// Ghost: the peer is talking about a UID we've already removed.
		// Targeted KILL back toward the source (spec.md §7 "Consistency
		// errors"), but don't drop the link.
		ls.maybeQueueMessage(ircmsg.Message{
			Prefix:  string(cb.SID),
			Command: "KILL",
			Params:  []string{prefix, cb.Config.ServerName + " (Ghost)"},
		})
		return false
	}

	cb.exitServer(ls, "Malformed source prefix: "+prefix)
	return false
}

// routeNumericFromServer implements §4.2: numerics from a server are
// routed by target, not dispatched as commands.
func (cb *Catbox) routeNumericFromServer(ls *LocalServer, msg ircmsg.Message) {
	if len(msg.Params) == 0 {
		return
	}
	target := msg.Params[0]

	if u := cb.findUserByUID(ts6.UID(target)); u != nil && u.isLocal() {
		u.LocalUser.maybeQueueMessage(msg)
		return
	}
	if u := cb.findUserByNick(target); u != nil && u.isLocal() {
		u.LocalUser.maybeQueueMessage(msg)
	}
	// A numeric destined for us is silently dropped (§4.2), except
	// ERR_NOSUCHNICK/ERR_NOSUCHSERVER tolerated during collision
	// aftermath — both are no-ops here regardless.
}

// checkFloodBudget enforces the per-second read budget (spec.md §4.7).
// Exempt-flood clients bypass the cap. Clients still within grace may
// send AllowRead+AllowReadBurst lines, all others 4*AllowRead.
func (cb *Catbox) checkFloodBudget(c *LocalClient) bool {
	if c.ExemptFlood {
		return true
	}
	c.SentParsed++
	if !c.FloodGraceDone {
		return c.SentParsed <= c.AllowRead+c.AllowReadBurst
	}
	return c.SentParsed <= 4*c.AllowRead
}
