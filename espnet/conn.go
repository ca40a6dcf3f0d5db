package espnet

import (
	"net"
	"sync"
	"time"

	"github.com/embeddedgo/esp8266"
)

// Conn is an implementation of the net.Conn interface for TCP and UDP network
// connections.
type Conn struct {
	d     *esp8266.Device
	id    int
	laddr netAddr
	raddr netAddr
	rtim  *time.Timer

	mu     sync.Mutex
	rdl    time.Time
	wdl    time.Time
	closed bool
}

func newConn(d *esp8266.Device, id int, network string) (*Conn, error) {
	sas, err := getSockAddrs(d)
	if err != nil {
		return nil, err
	}
	c := &Conn{d: d, id: id, rtim: time.NewTimer(0)}
	c.laddr.net = network
	c.raddr.net = network
	for _, sa := range sas {
		if int(sa[0]) == id+'0' {
			c.raddr.str, c.laddr.str = parseSockAddr(sa[2:])
			break
		}
	}
	<-c.rtim.C // unfortunately this is the only way to get a stopped timer
	return c, nil
}

// ID returns the ESP8266 socket id used by the connection.
func (c *Conn) ID() int {
	return c.id
}

// Read implements the net.Conn Read method.
func (c *Conn) Read(p []byte) (n int, err error) {
	c.mu.Lock()
	rdl, closed := c.rdl, c.closed
	c.mu.Unlock()
	if closed {
		return 0, netOpError(c, "read", net.ErrClosed)
	}
	if !rdl.IsZero() && !time.Now().Before(rdl) {
		return 0, netOpError(c, "read", esp8266.ErrTimeout)
	}
	n, err = c.d.RecvWait(c.id, p, c.rtim.C)
	if err != nil {
		err = netOpError(c, "read", err)
	}
	return
}

// Write implements the net.Conn Write method.
func (c *Conn) Write(p []byte) (n int, err error) {
	timeout := c.d.Timeout()
	c.mu.Lock()
	wdl, closed := c.wdl, c.closed
	c.mu.Unlock()
	if closed {
		return 0, netOpError(c, "write", net.ErrClosed)
	}
	if !wdl.IsZero() {
		timeout = time.Until(wdl)
		if timeout <= 0 {
			return 0, netOpError(c, "write", esp8266.ErrTimeout)
		}
	}
	n, err = c.d.SendTimeout(c.id, p, timeout)
	if err != nil {
		err = netOpError(c, "write", err)
	}
	return
}

// WriteString implements io.StringWriter interface.
func (c *Conn) WriteString(s string) (n int, err error) {
	return c.Write([]byte(s))
}

// Close implements the net.Conn Close method. The socket id is released so
// the following Close calls return net.ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	closed := c.closed
	c.closed = true
	c.mu.Unlock()
	if closed {
		return netOpError(c, "close", net.ErrClosed)
	}
	c.rtim.Stop()
	err := c.d.Close(c.id)
	if err != nil {
		err = netOpError(c, "close", err)
	}
	return err
}

// SetReadDeadline implements the net.Conn SetReadDeadline method.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.rdl = t
	c.mu.Unlock()
	tim := c.rtim
	if !tim.Stop() {
		select {
		case <-tim.C:
		default:
		}
	}
	if !t.IsZero() {
		tim.Reset(time.Until(t))
	}
	return nil
}

// SetWriteDeadline implements the net.Conn SetWriteDeadline method.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.wdl = t
	c.mu.Unlock()
	return nil
}

// SetDeadline implements the net.Conn SetDeadline method.
func (c *Conn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	c.SetWriteDeadline(t)
	return nil
}

// LocalAddr implements the net.Conn LocalAddr method.
func (c *Conn) LocalAddr() net.Addr {
	return &c.laddr
}

// RemoteAddr implements the net.Conn RemoteAddr method.
func (c *Conn) RemoteAddr() net.Addr {
	return &c.raddr
}

var _ net.Conn = (*Conn)(nil)
