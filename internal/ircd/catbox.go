// Package ircd implements the catboxd network state engine: the
// authoritative in-memory replica of a TS6 network's users, servers,
// channels, memberships and bans, and the command dispatcher that
// keeps that replica consistent across a spanning tree of linked
// servers.
package ircd

import (
	"net"
	"sync"
	"time"

	"github.com/horgh/catboxd/internal/config"
	"github.com/horgh/catboxd/internal/ircmsg"
	"github.com/horgh/catboxd/internal/ts6"
	"github.com/sirupsen/logrus"
)

// EventType discriminates the kind of work queued onto the single
// dispatch goroutine. Exactly one goroutine ever touches the entity
// store; every mutation arrives as an Event (spec.md §5: "a handler
// runs to completion without intervening mutations of the entity
// store").
type EventType int

// Event kinds processed by Catbox.Run.
const (
	EventNewClient EventType = iota
	EventMessage
	EventDeadClient
	EventWakeup
	EventHelperMessage
)

// Event is a unit of work for the dispatch loop.
type Event struct {
	Type        EventType
	Client      *LocalClient
	Message     ircmsg.Message
	Reason      string
	HelperFrame *helperEvent
}

// Catbox is the process-wide entity store and event dispatcher. There
// is exactly one instance per running daemon (spec.md §9: "a
// process-wide entity store").
type Catbox struct {
	Config *config.Config
	SID    ts6.SID
	IDGen  *ts6.IDGenerator

	// Sockets that have not completed registration yet.
	UnregisteredClients map[uint64]*LocalClient

	// Locally connected, registered users and servers.
	LocalUsers   map[uint64]*LocalUser
	LocalServers map[uint64]*LocalServer

	// Global entity store: every known user/server/channel, local or
	// remote. Name-indexed and ID-indexed lookups always agree (spec.md
	// §4.1, invariant 1).
	Users    map[ts6.UID]*User
	Nicks    map[string]ts6.UID // case-folded nick -> uid
	Servers  map[ts6.SID]*Server
	Channels map[string]*Channel // case-folded name -> channel

	Opers map[ts6.UID]*User

	BanDB *BanStore

	Hooks *HookRegistry

	Metrics *Metrics

	// Helpers holds the running ssld/authd/wsockd child-process
	// supervisors by role (spec.md §4.11). Populated by cmd/catboxd
	// after NewCatbox, before Run.
	Helpers map[HelperRole][]*HelperSupervisor

	nextClientID uint64

	eventChan chan Event

	ShutdownChan chan struct{}
	WG           sync.WaitGroup

	shuttingDown      bool
	splitMode         bool
	splitModeOverride splitModeState
	startTime         time.Time

	Log *logrus.Entry
}

// NewCatbox builds a Catbox ready to Run.
func NewCatbox(cfg *config.Config, log *logrus.Entry) *Catbox {
	return &Catbox{
		Config:              cfg,
		SID:                 ts6.SID(cfg.TS6SID),
		IDGen:               ts6.NewIDGenerator(ts6.SID(cfg.TS6SID)),
		UnregisteredClients: make(map[uint64]*LocalClient),
		LocalUsers:          make(map[uint64]*LocalUser),
		LocalServers:        make(map[uint64]*LocalServer),
		Users:               make(map[ts6.UID]*User),
		Nicks:               make(map[string]ts6.UID),
		Servers:             make(map[ts6.SID]*Server),
		Channels:            make(map[string]*Channel),
		Opers:               make(map[ts6.UID]*User),
		BanDB:               NewBanStore(cfg.BanDBPath),
		Hooks:               NewHookRegistry(),
		Metrics:             NewMetrics(),
		Helpers:             make(map[HelperRole][]*HelperSupervisor),
		eventChan:           make(chan Event, 1024),
		ShutdownChan:        make(chan struct{}),
		startTime:           time.Now(),
		Log:                 log,
	}
}

func (cb *Catbox) getClientID() uint64 {
	cb.nextClientID++
	return cb.nextClientID
}

func (cb *Catbox) newEvent(e Event) {
	select {
	case cb.eventChan <- e:
	case <-cb.ShutdownChan:
	}
}

// isShuttingDown reports whether the daemon is tearing down. It checks
// whether ShutdownChan is closed, so any goroutine may call it.
func (cb *Catbox) isShuttingDown() bool {
	select {
	case <-cb.ShutdownChan:
		return true
	default:
		return false
	}
}

// Accept runs an accept loop on ln, handing each connection to the
// dispatch loop as a new unregistered client.
func (cb *Catbox) Accept(ln net.Listener, isServerPort bool) {
	defer cb.WG.Done()

	for {
		rawConn, err := ln.Accept()
		if err != nil {
			select {
			case <-cb.ShutdownChan:
				return
			default:
			}
			cb.Log.WithError(err).Warn("accept error")
			continue
		}

		conn := NewConn(rawConn, cb.Config.General.DeadTime)
		id := cb.getClientID()
		lc := NewLocalClient(cb, id, conn)
		lc.IsServerPort = isServerPort

		cb.WG.Add(1)
		go lc.readLoop()
		cb.WG.Add(1)
		go lc.writeLoop()

		cb.newEvent(Event{Type: EventNewClient, Client: lc})
	}
}

// Run is the single-threaded cooperative dispatch loop (spec.md §5).
// It owns every mutation of the entity store; nothing else may touch
// Catbox's maps.
func (cb *Catbox) Run() {
	pingTicker := time.NewTicker(cb.Config.General.WakeupTime)
	defer pingTicker.Stop()

	splitTicker := time.NewTicker(30 * time.Second)
	defer splitTicker.Stop()

	for {
		select {
		case e := <-cb.eventChan:
			cb.handleEvent(e)

		case <-pingTicker.C:
			cb.checkAndPingClients()

		case <-splitTicker.C:
			cb.checkSplitMode()

		case <-cb.ShutdownChan:
			return
		}
	}
}

func (cb *Catbox) handleEvent(e Event) {
	switch e.Type {
	case EventNewClient:
		cb.UnregisteredClients[e.Client.ID] = e.Client
		if !e.Client.IsServerPort {
			cb.RequestIdentAndDNS(e.Client)
		}

	case EventMessage:
		cb.dispatchMessage(e.Client, e.Message)

	case EventDeadClient:
		cb.removeClient(e.Client, e.Reason)

	case EventHelperMessage:
		cb.handleHelperFrame(e.HelperFrame)
	}
}

// Shutdown begins a graceful shutdown by closing ShutdownChan: Run
// returns, and the accept loops exit once their listeners are closed.
// Connected clients are not sent ERROR.
func (cb *Catbox) Shutdown() {
	cb.shuttingDown = true
	close(cb.ShutdownChan)
}
