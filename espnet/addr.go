package espnet

import (
	"strings"

	"github.com/embeddedgo/esp8266"
)

// getSockAddrs returns the +CIPSTATUS lines without the prefix:
//
//	<id>,"<type>","<remote ip>",<remote port>,<local port>,<server>
func getSockAddrs(d *esp8266.Device) ([]string, error) {
	cmdColon := "+CIPSTATUS:"
	status, err := d.CmdStr(cmdColon[:len(cmdColon)-1])
	if err != nil {
		return nil, err
	}
	ret := make([]string, 0, esp8266.MaxSockets)
	for _, line := range strings.Split(status, "\n") {
		if sa, ok := strings.CutPrefix(line, cmdColon); ok && len(sa) >= 2 {
			ret = append(ret, sa)
		}
	}
	return ret, nil
}

type netAddr struct {
	net, str string
}

func (a *netAddr) Network() string { return a.net }
func (a *netAddr) String() string  { return a.str }

// parseSockAddr parses `"TCP","192.168.1.2",80,54321,0`. The returned strings
// are newly allocated and do not refer to sa.
func parseSockAddr(sa string) (remote, local string) {
	f := strings.Split(sa, ",")
	if len(f) < 4 {
		return
	}
	host := strings.Trim(f[1], `"`)
	if strings.IndexByte(host, ':') >= 0 {
		host = "[" + host + "]"
	}
	remote = host + ":" + f[2]
	local = ":" + f[3]
	return
}
