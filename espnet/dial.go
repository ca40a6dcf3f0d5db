package espnet

import (
	"errors"
	"net"
	"strconv"

	"github.com/embeddedgo/esp8266"
)

// DialDev works like net.Dial. Network must be one of "tcp", "tcp4", "udp",
// "udp4". DialDev uses the lowest free socket id of the ESP8266.
func DialDev(d *esp8266.Device, network, address string) (*Conn, error) {
	var proto string
	switch network {
	case "tcp", "tcp4":
		proto = "TCP"
	case "udp", "udp4":
		proto = "UDP"
	default:
		return nil, net.UnknownNetworkError(network)
	}
	if len(address) == 0 {
		return nil, &net.AddrError{Err: "empty address"}
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	pn, err := strconv.ParseUint(port, 10, 16)
	if err != nil || pn == 0 {
		return nil, &net.AddrError{Err: "unknown port", Addr: port}
	}
	for id := 0; id < esp8266.MaxSockets; id++ {
		if d.Opened(id) {
			continue
		}
		err = d.Open(proto, id, host, int(pn))
		if errors.Is(err, esp8266.ErrInUse) {
			continue // taken by a concurrent DialDev
		}
		if err != nil {
			return nil, &net.OpError{Op: "dial", Net: network, Err: err}
		}
		c, err := newConn(d, id, network)
		if err != nil {
			d.Close(id)
			return nil, &net.OpError{Op: "dial", Net: network, Err: err}
		}
		return c, nil
	}
	return nil, &net.OpError{Op: "dial", Net: network, Err: ErrNoSocket}
}
