package esp8266

import (
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Wi-Fi modes accepted by Startup.
const (
	Station      = 1
	SoftAP       = 2
	StationAndAP = 3
)

// DHCP modes accepted by DHCP.
const (
	DHCPSoftAP  = 0
	DHCPStation = 1
	DHCPBoth    = 2
)

const (
	resetWait      = 2 * time.Second
	resetTries     = 2
	connectTimeout = 20 * time.Second
	scanTimeout    = 10 * time.Second
)

// ErrNoAP is returned by RSSI if the station is not connected to an AP.
var ErrNoAP = errors.New("no AP")

// Reset resets the ESP8266 (AT+RST), waits for the ready message and disables
// the command echo (ATE0). The reset is tried twice before giving up.
func (d *Device) Reset() error {
	var err error
	for i := 0; i < resetTries; i++ {
		if err = reset(d); err == nil {
			break
		}
	}
	if err != nil {
		return err
	}
	if _, err := d.Cmd("E0"); err != nil {
		return err
	}
	atomic.StoreInt32(&d.receiver.ready, 1)
	return nil
}

func reset(d *Device) error {
	atomic.StoreInt32(&d.receiver.ready, 0)
	if _, err := d.Cmd("+RST"); err != nil {
		return err
	}
	for end := time.Now().Add(resetWait); !d.Ready(); {
		if time.Now().After(end) {
			return &Error{d.name, "ready", ErrTimeout}
		}
		time.Sleep(10 * time.Millisecond)
	}
	// All sockets are closed after reboot.
	for id := 0; id < MaxSockets; id++ {
		d.receiver.queue.reset(id, sockClosed)
	}
	return nil
}

// Startup resets the ESP8266, sets the Wi-Fi mode (Station, SoftAP,
// StationAndAP) and enables the multiple connection mode required by the
// socket API.
func (d *Device) Startup(mode int) error {
	if mode < Station || mode > StationAndAP {
		return &Error{d.name, "startup", ErrMode}
	}
	if err := d.Reset(); err != nil {
		return err
	}
	if _, err := d.Cmd("+CWMODE=", mode); err != nil {
		return err
	}
	_, err := d.Cmd("+CIPMUX=1")
	return err
}

// DHCP enables or disables DHCP for the given mode (DHCPSoftAP, DHCPStation,
// DHCPBoth).
func (d *Device) DHCP(enabled bool, mode int) error {
	if mode < DHCPSoftAP || mode > DHCPBoth {
		return &Error{d.name, "dhcp", ErrMode}
	}
	en := 0
	if enabled {
		en = 1
	}
	_, err := d.Cmd("+CWDHCP=", mode, en)
	return err
}

// Connect connects the station to the AP. It may take several seconds so the
// command timeout is extended to at least 20 seconds.
func (d *Device) Connect(ap, passPhrase string) error {
	_, err := exec(d, true, atLeast(d, connectTimeout), "+CWJAP=", []any{ap, passPhrase})
	return err
}

// Disconnect disconnects the station from the AP.
func (d *Device) Disconnect() error {
	_, err := d.Cmd("+CWQAP")
	return err
}

// IPAddress returns the station IP address or "" if no address is assigned.
func (d *Device) IPAddress() (string, error) {
	s, err := d.CmdStr("+CIFSR")
	if err != nil {
		return "", err
	}
	return quotedField(s, "+CIFSR:STAIP,"), nil
}

// MACAddress returns the station MAC address.
func (d *Device) MACAddress() (string, error) {
	s, err := d.CmdStr("+CIFSR")
	if err != nil {
		return "", err
	}
	return quotedField(s, "+CIFSR:STAMAC,"), nil
}

// Gateway returns the station gateway address or "" if it is unknown.
func (d *Device) Gateway() (string, error) {
	s, err := d.CmdStr("+CIPSTA?")
	if err != nil {
		return "", err
	}
	return quotedField(s, "+CIPSTA:gateway:"), nil
}

// Netmask returns the station network mask or "" if it is unknown.
func (d *Device) Netmask() (string, error) {
	s, err := d.CmdStr("+CIPSTA?")
	if err != nil {
		return "", err
	}
	return quotedField(s, "+CIPSTA:netmask:"), nil
}

// RSSI returns the signal strength (dBm) of the AP the station is connected
// to.
func (d *Device) RSSI() (int, error) {
	s, err := d.CmdStr("+CWJAP?")
	if err != nil {
		return 0, err
	}
	line := prefixedLine(s, "+CWJAP:")
	if line == "" {
		return 0, &Error{d.name, "+CWJAP?", ErrNoAP}
	}
	f := splitFields(line)
	if len(f) < 4 {
		return 0, &Error{d.name, "+CWJAP?", ErrParse}
	}
	rssi, err := strconv.Atoi(f[3])
	if err != nil {
		return 0, &Error{d.name, "+CWJAP?", ErrParse}
	}
	return rssi, nil
}

// IsConnected reports whether the station has an IP address.
func (d *Device) IsConnected() bool {
	ip, err := d.IPAddress()
	return err == nil && ip != "" && ip != "0.0.0.0"
}

// Security is the AP authentication/encryption method.
type Security int

const (
	SecOpen Security = iota
	SecWEP
	SecWPA
	SecWPA2
	SecWPAWPA2
	SecUnknown
)

func (s Security) String() string {
	switch s {
	case SecOpen:
		return "open"
	case SecWEP:
		return "WEP"
	case SecWPA:
		return "WPA"
	case SecWPA2:
		return "WPA2"
	case SecWPAWPA2:
		return "WPA/WPA2"
	}
	return "unknown"
}

// AccessPoint describes an AP found by Scan.
type AccessPoint struct {
	SSID     string
	BSSID    string
	Security Security
	RSSI     int
	Channel  int
}

// Scan scans for available networks. It returns at most limit APs and the
// number of all APs found. Use limit = 0 to count the networks only.
func (d *Device) Scan(limit int) ([]AccessPoint, int, error) {
	s, err := cmdStr(d, atLeast(d, scanTimeout), "+CWLAP", nil)
	if err != nil {
		return nil, 0, err
	}
	aps, err := parseCWLAP(s, limit)
	if err != nil {
		return nil, 0, &Error{d.name, "+CWLAP", err}
	}
	return aps, strings.Count(s, "+CWLAP:"), nil
}

// parseCWLAP parses lines in the form:
//
//	+CWLAP:(<ecn>,"<ssid>",<rssi>,"<mac>",<channel>,...)
func parseCWLAP(s string, limit int) ([]AccessPoint, error) {
	var aps []AccessPoint
	for len(aps) < limit {
		i := strings.Index(s, "+CWLAP:")
		if i < 0 {
			break
		}
		s = s[i+len("+CWLAP:"):]
		line := s
		if k := strings.IndexByte(s, '\n'); k >= 0 {
			line, s = s[:k], s[k+1:]
		} else {
			s = ""
		}
		line = strings.TrimSuffix(strings.TrimPrefix(line, "("), ")")
		f := splitFields(line)
		if len(f) < 5 {
			return nil, ErrParse
		}
		ecn, err1 := strconv.Atoi(f[0])
		rssi, err2 := strconv.Atoi(f[2])
		ch, err3 := strconv.Atoi(f[4])
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, ErrParse
		}
		sec := SecUnknown
		if ecn >= int(SecOpen) && ecn < int(SecUnknown) {
			sec = Security(ecn)
		}
		aps = append(aps, AccessPoint{
			SSID:     f[1],
			BSSID:    f[3],
			Security: sec,
			RSSI:     rssi,
			Channel:  ch,
		})
	}
	return aps, nil
}

// prefixedLine returns the rest of the first line of s that starts with
// prefix.
func prefixedLine(s, prefix string) string {
	for s != "" {
		line := s
		if k := strings.IndexByte(s, '\n'); k >= 0 {
			line, s = s[:k], s[k+1:]
		} else {
			s = ""
		}
		if strings.HasPrefix(line, prefix) {
			return line[len(prefix):]
		}
	}
	return ""
}

// quotedField returns the first field of the line that starts with prefix
// with quotes removed.
func quotedField(s, prefix string) string {
	f := splitFields(prefixedLine(s, prefix))
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

// splitFields splits a comma separated list of response values. Quoted values
// are unquoted and the backslash escapes in them are resolved.
func splitFields(s string) []string {
	var (
		fields []string
		sb     strings.Builder
		quoted bool
	)
	if s == "" {
		return nil
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quoted && c == '\\' && i+1 < len(s):
			i++
			sb.WriteByte(s[i])
		case c == '"':
			quoted = !quoted
		case c == ',' && !quoted:
			fields = append(fields, sb.String())
			sb.Reset()
		default:
			sb.WriteByte(c)
		}
	}
	return append(fields, sb.String())
}
