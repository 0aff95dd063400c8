package ircd

import (
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// HelperRole identifies which of the three child-process kinds
// spec.md §4.11 describes a HelperSupervisor is managing: ssld
// (TLS/zlib offload), authd (ident/DNS/DNSBL), or wsockd (WebSocket
// framing).
type HelperRole int

// Helper roles (spec.md §4.11).
const (
	HelperSSLD HelperRole = iota
	HelperAuthd
	HelperWsockd
)

func (r HelperRole) String() string {
	switch r {
	case HelperSSLD:
		return "ssld"
	case HelperAuthd:
		return "authd"
	case HelperWsockd:
		return "wsockd"
	default:
		return "helper"
	}
}

// helperFrame is one `<byte command> <payload>` message on the
// control socket (spec.md §4.11). Leading space-separated Fields carry
// the fixed-format tokens the frame descriptions show (connection ids,
// fd indices, integers); an optional trailing NUL-terminated Text
// carries the free-form string fields (paths, reasons, certs).
type helperFrame struct {
	Command byte
	Fields  []string
	Text    string
	HasText bool
	FDs     []int
}

func (f helperFrame) encode() []byte {
	var b strings.Builder
	b.WriteByte(f.Command)
	for _, field := range f.Fields {
		b.WriteByte(' ')
		b.WriteString(field)
	}
	if f.HasText {
		b.WriteByte(' ')
		b.WriteString(f.Text)
		b.WriteByte(0)
	}
	return []byte(b.String())
}

func decodeHelperFrame(buf []byte, fds []int) (helperFrame, error) {
	if len(buf) == 0 {
		return helperFrame{}, errors.New("empty control frame")
	}
	f := helperFrame{Command: buf[0], FDs: fds}
	rest := strings.TrimPrefix(string(buf[1:]), " ")
	if rest == "" {
		return f, nil
	}
	if nul := strings.IndexByte(rest, 0); nul != -1 {
		leading := strings.TrimSpace(rest[:nul])
		if leading != "" {
			f.Fields = strings.Fields(leading)
		}
		f.Text = rest[nul+1:]
		f.HasText = true
		return f, nil
	}
	f.Fields = strings.Fields(rest)
	return f, nil
}

// HelperSupervisor owns one spawned helper process and its datagram
// control socket, respawning it per spec.md §4.11's backoff policy
// ("≤20 restarts within 5s triggers a 60s wait").
type HelperSupervisor struct {
	Role HelperRole
	Path string
	Args []string

	cb  *Catbox
	log *logrus.Entry

	proc *os.Process
	conn *os.File // our end of the AF_UNIX SOCK_DGRAM socketpair.

	restarts []time.Time
	dead     bool
}

// NewHelperSupervisor constructs a supervisor for one helper instance.
// Call Start to spawn the process.
func NewHelperSupervisor(cb *Catbox, role HelperRole, path string, args []string) *HelperSupervisor {
	return &HelperSupervisor{
		Role: role,
		Path: path,
		Args: args,
		cb:   cb,
		log:  cb.Log.WithField("helper", role.String()),
	}
}

// Start spawns the helper process and begins reading its control
// socket. The caller's WaitGroup tracks the read goroutine.
func (h *HelperSupervisor) Start() error {
	return h.spawn()
}

// spawn creates a fresh AF_UNIX SOCK_DGRAM socketpair (spec.md §4.11:
// "a framed command protocol over a datagram socket that also conveys
// file descriptors"), execs the helper binary with the child end on
// fd 3, and starts the read loop.
func (h *HelperSupervisor) spawn() error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return errors.Wrap(err, "socketpair")
	}
	parent := os.NewFile(uintptr(fds[0]), h.Role.String()+"-parent")
	child := os.NewFile(uintptr(fds[1]), h.Role.String()+"-child")

	cmd := exec.Command(h.Path, h.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{child}

	if err := cmd.Start(); err != nil {
		_ = parent.Close()
		_ = child.Close()
		return errors.Wrapf(err, "starting %s", h.Path)
	}
	_ = child.Close()

	h.proc = cmd.Process
	h.conn = parent
	h.dead = false

	h.cb.WG.Add(1)
	go h.readLoop()
	h.cb.WG.Add(1)
	go h.waitLoop(cmd)

	h.log.WithField("pid", cmd.Process.Pid).Info("helper started")
	return nil
}

// waitLoop blocks on the child exiting, then respawns it unless the
// daemon itself is shutting down.
func (h *HelperSupervisor) waitLoop(cmd *exec.Cmd) {
	defer h.cb.WG.Done()

	err := cmd.Wait()
	h.dead = true
	_ = h.conn.Close()

	if h.cb.isShuttingDown() {
		return
	}

	h.log.WithError(err).Warn("helper exited; respawning")

	wait := h.recordRestart()
	if wait > 0 {
		h.log.Warnf("helper respawned too often; backing off %s", wait)
		time.Sleep(wait)
	}

	if err := h.spawn(); err != nil {
		h.log.WithError(err).Error("failed to respawn helper")
	}
}

// recordRestart implements "≤20 restarts within 5s triggers a 60s
// wait" (spec.md §4.11).
func (h *HelperSupervisor) recordRestart() time.Duration {
	now := time.Now()
	cutoff := now.Add(-5 * time.Second)
	kept := h.restarts[:0]
	for _, t := range h.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.restarts = append(kept, now)
	if len(h.restarts) > 20 {
		return 60 * time.Second
	}
	return 0
}

// readLoop reads control-socket datagrams and hands each decoded
// frame to the single dispatch goroutine as an Event, never touching
// the entity store itself (spec.md §5).
func (h *HelperSupervisor) readLoop() {
	defer h.cb.WG.Done()

	buf := make([]byte, 8192)
	oob := make([]byte, unix.CmsgSpace(4*4))

	sysconn, err := h.conn.SyscallConn()
	if err != nil {
		h.log.WithError(err).Error("control socket syscall access failed")
		return
	}

	for {
		var n, oobn int
		var recvErr error
		ctrlErr := sysconn.Read(func(fd uintptr) bool {
			n, oobn, _, _, recvErr = unix.Recvmsg(int(fd), buf, oob, 0)
			return recvErr != unix.EAGAIN
		})
		if ctrlErr != nil || recvErr != nil {
			if !h.cb.isShuttingDown() {
				h.log.WithError(recvErr).Debug("helper control read ended")
			}
			return
		}
		if n == 0 {
			continue
		}

		var fds []int
		if oobn > 0 {
			if scms, err := unix.ParseSocketControlMessage(oob[:oobn]); err == nil {
				for _, scm := range scms {
					if got, err := unix.ParseUnixRights(&scm); err == nil {
						fds = append(fds, got...)
					}
				}
			}
		}

		frame, err := decodeHelperFrame(buf[:n], fds)
		if err != nil {
			continue
		}

		h.cb.newEvent(Event{Type: EventHelperMessage, HelperFrame: &helperEvent{Role: h.Role, Frame: frame}})
	}
}

// send writes one frame (with optional passed fds) to the helper.
func (h *HelperSupervisor) send(f helperFrame) error {
	if h.dead || h.conn == nil {
		return errors.New("helper not running")
	}
	payload := f.encode()

	var oob []byte
	if len(f.FDs) > 0 {
		oob = unix.UnixRights(f.FDs...)
	}

	sysconn, err := h.conn.SyscallConn()
	if err != nil {
		return err
	}
	var sendErr error
	ctrlErr := sysconn.Write(func(fd uintptr) bool {
		sendErr = unix.Sendmsg(int(fd), payload, oob, nil, 0)
		return sendErr != unix.EAGAIN
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sendErr
}

// --- ssld outbound frames ---

// RequestAccept hands ssld the raw TLS socket (sslFD) plus its end of
// a fresh plaintext socketpair (plainFD), correlated by connID
// (spec.md §4.11 "A <connid> <sslF> <plainF>"). ssld terminates TLS
// between sslFD and its peers and relays cleartext over plainFD; the
// core keeps the other end of that socketpair and speaks the ordinary
// line protocol over it, so it never touches crypto/tls itself.
func (h *HelperSupervisor) RequestAccept(connID string, sslFD, plainFD int) error {
	return h.send(helperFrame{Command: 'A', Fields: []string{connID}, FDs: []int{sslFD, plainFD}})
}

// RequestConnect asks ssld to perform an outbound TLS connect for a
// server link (spec.md §4.11 "C <connid> <sslF> <plainF>").
func (h *HelperSupervisor) RequestConnect(connID string, sslFD, plainFD int) error {
	return h.send(helperFrame{Command: 'C', Fields: []string{connID}, FDs: []int{sslFD, plainFD}})
}

// RequestCertReload tells ssld to reload its certificate/key/DH params
// (spec.md §4.11 "K <cert\0key\0dh\0>").
func (h *HelperSupervisor) RequestCertReload(cert, key, dh string) error {
	return h.send(helperFrame{Command: 'K', Text: cert + "\x00" + key + "\x00" + dh, HasText: true})
}

// RequestZipstats asks ssld for compression statistics on connID
// (spec.md §4.11 "S <connid> <servername\0>").
func (h *HelperSupervisor) RequestZipstats(connID, serverName string) error {
	return h.send(helperFrame{Command: 'S', Fields: []string{connID}, Text: serverName, HasText: true})
}

// helperEvent is the payload EventHelperMessage carries: which
// supervisor (by role) the frame arrived on and the decoded frame.
type helperEvent struct {
	Role  HelperRole
	Frame helperFrame
}

// handleHelperFrame is invoked from Catbox.handleEvent on the single
// dispatch goroutine for every inbound control-socket frame.
func (cb *Catbox) handleHelperFrame(he *helperEvent) {
	switch he.Role {
	case HelperSSLD, HelperWsockd:
		cb.handleSSLDFrame(he.Frame)
	case HelperAuthd:
		cb.handleAuthdFrame(he.Frame)
	}
}

// handleSSLDFrame processes ssld/wsockd replies (spec.md §4.11):
// D (dead), F (cert fingerprint), S (zipstats reply), and the bare
// status bytes N/U/z/I.
func (cb *Catbox) handleSSLDFrame(f helperFrame) {
	switch f.Command {
	case 'D':
		if len(f.Fields) == 0 {
			return
		}
		c := cb.localClientByConnID(f.Fields[0])
		if c == nil {
			return
		}
		reason := f.Text
		if reason == "" {
			reason = "TLS helper reported connection dead"
		}
		cb.newEvent(Event{Type: EventDeadClient, Client: c, Reason: reason})

	case 'F':
		if len(f.Fields) == 0 {
			return
		}
		c := cb.localClientByConnID(f.Fields[0])
		if c == nil {
			return
		}
		c.TLSActive = true
		c.TLSCertFP = f.Text

	case 'S':
		// Zipstats reply: connid in|in_wire|out|out_wire. Surfaced via
		// STATS z rather than stored on the client.

	case 'N', 'U', 'z', 'I':
		// Bare status acknowledgements; nothing for the core to react to.
	}
}

// handleAuthdFrame processes authd replies (spec.md §4.11): A/R for
// accept/reject, E for DNS results, N for client notices, W for oper
// warnings.
func (cb *Catbox) handleAuthdFrame(f helperFrame) {
	if len(f.Fields) == 0 {
		return
	}
	c := cb.localClientByConnID(f.Fields[0])

	switch f.Command {
	case 'A':
		if c == nil {
			return
		}
		c.AuthWaiting = false
		c.IdentWaiting = false
		if len(f.Fields) > 1 {
			c.PreRegUser = "~" + f.Fields[1]
		}
		c.maybeCompleteRegistration()

	case 'R':
		if c == nil {
			return
		}
		reason := f.Text
		if reason == "" {
			reason = "Rejected by authd"
		}
		cb.removeClient(c, reason)

	case 'E':
		if c == nil {
			return
		}
		c.DNSWaiting = false
		if f.HasText && f.Text != "" {
			c.Hostname = f.Text
		}
		c.maybeCompleteRegistration()

	case 'N':
		if c != nil && f.HasText {
			c.serverNoticeIfKnown(f.Text)
		}

	case 'W':
		cb.noticeOpers("authd: " + f.Text)

	case 'X', 'Y', 'Z':
		// Stats replies; nothing for the core to react to by default.
	}
}

func (c *LocalClient) serverNoticeIfKnown(text string) {
	c.messageFromServer("NOTICE", []string{"*", "*** " + text})
}

// localClientByConnID finds the LocalClient a helper frame's
// correlation id names, across unregistered, user, and server links.
func (cb *Catbox) localClientByConnID(connID string) *LocalClient {
	for _, c := range cb.UnregisteredClients {
		if c.ConnID == connID {
			return c
		}
	}
	for _, lu := range cb.LocalUsers {
		if lu.ConnID == connID {
			return lu.LocalClient
		}
	}
	for _, ls := range cb.LocalServers {
		if ls.ConnID == connID {
			return ls.LocalClient
		}
	}
	return nil
}

// RequestIdentAndDNS asks authd to resolve ident and reverse DNS for a
// newly accepted client, deferring registration until it answers
// (spec.md §4.3, §9 source ambiguity 2).
func (cb *Catbox) RequestIdentAndDNS(c *LocalClient) {
	sup := cb.helperFor(HelperAuthd)
	if sup == nil {
		return
	}
	c.AuthWaiting = true
	c.IdentWaiting = true
	c.DNSWaiting = true
	_ = sup.send(helperFrame{
		Command: 'C',
		Fields:  []string{c.ConnID, c.Conn.IP.String(), strconv.FormatUint(c.ID, 10)},
	})
}

func (cb *Catbox) helperFor(role HelperRole) *HelperSupervisor {
	sups := cb.Helpers[role]
	if len(sups) == 0 {
		return nil
	}
	// Round-robin would spread load; a fixed first instance keeps
	// correlation simple and is sufficient for a single authd/ssld in
	// most deployments.
	return sups[0]
}

// AcceptTLS takes a freshly-accepted socket on a TLS listener and
// hands it to ssld rather than terminating TLS itself (spec.md §1 "TLS
// ... worker processes" are out of scope for the core). It keeps a
// plaintext socketpair end for itself and wires a LocalClient around
// that end exactly as it would around a plain listener's connection.
func (cb *Catbox) AcceptTLS(rawConn net.Conn, isServerPort bool) error {
	sup := cb.helperFor(HelperSSLD)
	if sup == nil {
		_ = rawConn.Close()
		return errors.New("no ssld helper configured; refusing TLS connection")
	}

	tcpConn, ok := rawConn.(interface{ File() (*os.File, error) })
	if !ok {
		_ = rawConn.Close()
		return errors.New("listener connection does not support fd export")
	}
	sslFile, err := tcpConn.File()
	if err != nil {
		_ = rawConn.Close()
		return errors.Wrap(err, "exporting TLS socket fd")
	}
	_ = rawConn.Close() // the duplicate in sslFile keeps the socket alive.

	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		_ = sslFile.Close()
		return errors.Wrap(err, "socketpair for plaintext relay")
	}
	coreFile := os.NewFile(uintptr(pair[0]), "catboxd-plain")
	coreConn, err := net.FileConn(coreFile)
	if err != nil {
		_ = sslFile.Close()
		_ = coreFile.Close()
		unix.Close(pair[1])
		return errors.Wrap(err, "wrapping plaintext relay end")
	}
	_ = coreFile.Close() // net.FileConn dups; close our copy.

	conn := NewConn(coreConn, cb.Config.General.DeadTime)
	id := cb.getClientID()
	lc := NewLocalClient(cb, id, conn)
	lc.IsServerPort = isServerPort
	lc.TLSActive = true

	cb.WG.Add(1)
	go lc.readLoop()
	cb.WG.Add(1)
	go lc.writeLoop()

	if err := sup.RequestAccept(lc.ConnID, int(sslFile.Fd()), pair[1]); err != nil {
		_ = sslFile.Close()
		unix.Close(pair[1])
		lc.quit("ssld handoff failed")
		return err
	}
	_ = sslFile.Close() // ssld now owns this fd via SCM_RIGHTS.
	unix.Close(pair[1]) // likewise for its end of the plaintext pair.

	cb.newEvent(Event{Type: EventNewClient, Client: lc})
	return nil
}
