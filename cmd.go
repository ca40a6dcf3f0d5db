package esp8266

import (
	"errors"
	"io"
	"sync/atomic"
	"time"
)

type cmd struct {
	name    string
	args    []any
	timeout time.Duration

	abandon chan struct{} // closed by the caller on timeout
	done    chan struct{}
	resp    any
}

func finish(rcv *receiver, c *cmd, resp any) {
	c.resp = resp
	close(c.done)
	atomic.AddInt32(&rcv.pending, -1)
}

func processCmd(d *Device) {
	var buf [128]byte
	for cmd := range d.cmdq {
		select {
		case <-cmd.abandon:
			finish(&d.receiver, cmd, ErrTimeout) // never written
			continue
		default:
		}
		if cmd.name != "" {
			d.receiver.debugf("-> AT%s %v", cmd.name, cmd.args)
			err := writeCmd(d.w, &buf, cmd.name, cmd.args)
			if err != nil {
				finish(&d.receiver, cmd, err)
				continue
			}
		}
		if !handoff(d, cmd) {
			d.receiver.debugf("-> AT%s: no response, given up", cmd.name)
			finish(&d.receiver, cmd, ErrTimeout)
		}
	}
}

// handoff passes c to the receiver which waits for its response. An abandoned
// command still gets one more timeout for a late response. After that the
// next command is written.
func handoff(d *Device, c *cmd) bool {
	select {
	case d.receiver.cmd <- c:
		return true
	case <-c.abandon:
	}
	tim := time.NewTimer(c.timeout)
	defer tim.Stop()
	select {
	case d.receiver.cmd <- c:
		return true
	case <-tim.C:
		return false
	}
}

func writeCmd(w io.Writer, buf *[128]byte, name string, args []any) error {
	buf[0] = 'A'
	buf[1] = 'T'
	n := 2
	n += copy(buf[n:], name)
	insert := func(c byte) {
		if n < len(buf) {
			buf[n] = c
			n++
		}
	}
	for i, arg := range args {
		if i != 0 {
			insert(',')
		}
		switch a := arg.(type) {
		case string:
			insert('"')
			for k := 0; k < len(a); k++ {
				c := a[k]
				if c == '"' || c == '\\' || c == ',' {
					insert('\\')
				}
				insert(c)
			}
			insert('"')
		case int:
			if a < 0 {
				insert('-')
				a = -a
			}
			switch {
			case a < 10:
				insert(byte(a + '0')) // fast path
			default:
				f := n
				for a != 0 {
					r := a % 10
					a /= 10
					insert(byte(r + '0'))
				}
				l := n - 1
				for f < l {
					buf[f], buf[l] = buf[l], buf[f]
					f++
					l--
				}
			}
		default:
			if arg != nil {
				return ErrArgType
			}
		}
	}
	if n > len(buf)-2 {
		return errors.New("Tx buffer overflow")
	}
	buf[n] = '\r'
	buf[n+1] = '\n'
	n += 2
	_, err := w.Write(buf[:n])
	return err
}
