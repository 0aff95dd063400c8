package ircd

import (
	"bufio"
	"net"
	"time"

	"github.com/horgh/catboxd/internal/ircmsg"
	"github.com/pkg/errors"
)

// Conn wraps a net.Conn with the line-oriented read/write behaviour
// the protocol needs: a read/write deadline applied per operation, and
// buffered line framing.
type Conn struct {
	conn    net.Conn
	rw      *bufio.ReadWriter
	ioWait  time.Duration
	IP      net.IP
}

// NewConn wraps conn. ioWait bounds how long a single Read or Write may
// take before the connection is considered dead.
func NewConn(conn net.Conn, ioWait time.Duration) Conn {
	ip := parseRemoteIP(conn)

	return Conn{
		conn: conn,
		rw: bufio.NewReadWriter(
			bufio.NewReader(conn),
			bufio.NewWriter(conn),
		),
		ioWait: ioWait,
		IP:     ip,
	}
}

func parseRemoteIP(conn net.Conn) net.IP {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// Close closes the underlying connection.
func (c Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr is the remote address of the connection.
func (c Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Read reads a single CRLF-terminated protocol line, not including the
// CRLF.
func (c Conn) Read() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.ioWait)); err != nil {
		return "", errors.Wrap(err, "setting read deadline")
	}

	line, err := c.rw.ReadString('\n')
	if err != nil {
		return "", err
	}

	return line, nil
}

// Write writes a raw protocol line. s should already include CRLF.
func (c Conn) Write(s string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ioWait)); err != nil {
		return errors.Wrap(err, "setting write deadline")
	}

	if _, err := c.rw.WriteString(s); err != nil {
		return err
	}

	return c.rw.Flush()
}

// WriteMessage encodes and writes a single protocol message.
func (c Conn) WriteMessage(m ircmsg.Message) error {
	buf, err := m.Encode()
	if err != nil && err != ircmsg.ErrTruncated {
		return err
	}
	return c.Write(buf)
}
