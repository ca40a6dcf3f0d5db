package esp8266

import (
	"errors"
	"io"
	"strings"
	"time"
)

// maxSend is the maximum amount of data accepted by a single AT+CIPSEND.
const maxSend = 2048

const openTimeout = 10 * time.Second

// Open opens a TCP or UDP connection to addr:port using the socket id. Typ
// must be "TCP" or "UDP", id must be in the range [0, MaxSockets). Packets
// left unread from the previous use of id are discarded.
func (d *Device) Open(typ string, id int, addr string, port int) error {
	if uint(id) >= MaxSockets {
		return &Error{d.name, "open", ErrBadID}
	}
	typ = strings.ToUpper(typ)
	if typ != "TCP" && typ != "UDP" {
		return &Error{d.name, "open", ErrProto}
	}
	if port <= 0 || port > 0xffff {
		return &Error{d.name, "open", ErrPort}
	}
	q := &d.receiver.queue
	if q.getState(id) == sockOpen {
		return &Error{d.name, "open", ErrInUse}
	}
	q.reset(id, sockOpen)
	_, err := exec(d, true, atLeast(d, openTimeout), "+CIPSTART=", []any{id, typ, addr, port})
	if err != nil {
		q.setState(id, sockClosed)
	}
	return err
}

// Send sends data to the socket id. Data longer than 2048 bytes is sent in
// chunks. It returns the number of bytes accepted by the ESP8266.
func (d *Device) Send(id int, data []byte) (int, error) {
	return d.SendTimeout(id, data, d.Timeout())
}

// SendTimeout works like Send but uses the provided timeout instead of the
// device one for every AT command involved.
func (d *Device) SendTimeout(id int, data []byte, timeout time.Duration) (n int, err error) {
	if uint(id) >= MaxSockets {
		return 0, &Error{d.name, "send", ErrBadID}
	}
	if d.receiver.queue.getState(id) != sockOpen {
		return 0, &Error{d.name, "send", ErrClosed}
	}
	for len(data) != 0 {
		m := len(data)
		if m > maxSend {
			m = maxSend
		}
		// The firmware refuses data when busy, try again once.
		for try := 0; ; try++ {
			err = sendChunk(d, id, data[:m], timeout)
			var e *ErrorESP
			if err == nil || try == 1 || !errors.As(err, &e) {
				break
			}
		}
		if err != nil {
			return n, err
		}
		n += m
		data = data[m:]
	}
	return n, nil
}

func sendChunk(d *Device, id int, p []byte, timeout time.Duration) error {
	d.Lock()
	defer d.Unlock()
	c := submit(d, false, timeout, "+CIPSEND=", []any{id, len(p)})
	if _, err := wait(d, c); err != nil {
		var e *Error
		if !errors.As(err, &e) || !e.Timeout() {
			return err
		}
		// After a late prompt the firmware takes the next command line as
		// data so the data phase must be completed anyway.
		<-c.done
		if _, bad := c.resp.(error); bad {
			return err
		}
		d.receiver.debugf("-> late CIPSEND prompt, sending %d bytes", len(p))
	}
	sent := submit(d, false, timeout, "", nil) // waits for SEND OK
	if _, err := d.UnsafeWrite(p); err != nil {
		close(sent.abandon)
		return &Error{d.name, "send", err}
	}
	_, err := wait(d, sent)
	return err
}

// Recv reads data received from the socket id into buf. It returns the data
// of the oldest packet received from this socket or its first len(buf) bytes
// if the packet is longer (the rest is returned by the next Recv). Recv waits
// for a packet up to the device timeout. It returns io.EOF if the connection
// was closed by the remote side and all received data was read.
func (d *Device) Recv(id int, buf []byte) (int, error) {
	var tc <-chan time.Time
	if t := d.Timeout(); t > 0 {
		tim := time.NewTimer(t)
		defer tim.Stop()
		tc = tim.C
	}
	return d.RecvWait(id, buf, tc)
}

// RecvWait works like Recv but waits for a packet until the timeout channel
// is ready for receiving. Nil timeout means wait forever.
func (d *Device) RecvWait(id int, buf []byte, timeout <-chan time.Time) (int, error) {
	if uint(id) >= MaxSockets {
		return 0, &Error{d.name, "recv", ErrBadID}
	}
	if len(buf) == 0 {
		return 0, nil
	}
	q := &d.receiver.queue
	for {
		q.mu.Lock()
		n, ok := q.take(id, buf)
		st, err, wait := q.state[id], q.err, q.wait
		q.mu.Unlock()
		switch {
		case ok:
			return n, nil
		case st == sockEOF || err == io.EOF:
			return 0, io.EOF
		case st == sockClosed:
			return 0, &Error{d.name, "recv", ErrClosed}
		case err != nil:
			return 0, &Error{d.name, "recv", err}
		}
		select {
		case <-wait:
		case <-timeout:
			return 0, &Error{d.name, "recv", ErrTimeout}
		}
	}
}

// Close closes the socket id and discards all its unread packets.
func (d *Device) Close(id int) error {
	if uint(id) >= MaxSockets {
		return &Error{d.name, "close", ErrBadID}
	}
	_, err := d.Cmd("+CIPCLOSE=", id)
	d.receiver.queue.reset(id, sockClosed)
	return err
}

// Opened reports whether the socket id is open. A socket closed by the remote
// side is reported as open until Close is called.
func (d *Device) Opened(id int) bool {
	if uint(id) >= MaxSockets {
		return false
	}
	return d.receiver.queue.getState(id) != sockClosed
}
