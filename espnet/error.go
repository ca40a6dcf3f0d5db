package espnet

import (
	"errors"
	"io"
	"net"
)

// ErrNoSocket is returned by DialDev if all ESP8266 sockets are in use.
var ErrNoSocket = errors.New("no free socket")

func netOpError(c *Conn, op string, err error) error {
	if err != nil && err != io.EOF {
		err = &net.OpError{
			Op:     op,
			Net:    c.laddr.net,
			Source: &c.laddr,
			Addr:   &c.raddr,
			Err:    err,
		}
	}
	return err
}
