package esp8266

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
)

// MaxSockets is the number of sockets supported by the ESP8266 AT firmware in
// the multiple connection mode. The receiver assumes a socket id is a single
// digit number.
const MaxSockets = 5

// maxPacket limits the data length accepted in a single +IPD report.
const maxPacket = 8192

type receiver struct {
	cmd     chan *cmd
	async   chan string
	ready   int32
	pending int32
	attach  atomic.Value // func()
	debug   atomic.Value // func(string, ...any)
	queue   queue
}

func receiverInit(rcv *receiver) {
	rcv.cmd = make(chan *cmd)
	rcv.async = make(chan string, 5)
	rcv.attach.Store((func())(nil))
	rcv.debug.Store((func(string, ...any))(nil))
	rcv.queue.init()
}

func (rcv *receiver) debugf(format string, args ...any) {
	if logf := rcv.debug.Load().(func(string, ...any)); logf != nil {
		logf(format, args...)
	}
}

func (rcv *receiver) notify() {
	if fn := rcv.attach.Load().(func()); fn != nil {
		fn()
	}
}

func receiverLoop(rcv *receiver, inp io.Reader) {
	var (
		sb    strings.Builder
		emptl  bool
		failed bool
		resp   any
	)
	r := bufio.NewReaderSize(inp, 256)
	for {
		if isIPD(r) {
			err := readIPD(rcv, r)
			if err == nil {
				rcv.notify()
				continue
			}
			if errors.Is(err, ErrParse) {
				rcv.debugf("<- bad +IPD: %v", err)
				continue
			}
			failed = true
			resp = err
			goto sendResp
		}
		{
			line, err := r.ReadSlice('\n')
			if err != nil && err != bufio.ErrBufferFull {
				rcv.queue.fail(err)
				failed = true
				resp = err
				goto sendResp
			}
			if err == bufio.ErrBufferFull || len(line) < 2 || line[len(line)-2] != '\r' {
				sb.Write(line)
				continue
			}
			line = line[:len(line)-2]
			rcv.debugf("<- %s", line)
			line = bytes.TrimPrefix(line, []byte("> ")) // CIPSEND prompt
			if len(line) == 0 {
				emptl = true
				continue
			}
			if emptl {
				emptl = false
				switch string(line) {
				case "OK", "SEND OK":
					if s := sb.String(); s != "" {
						resp = s
					}
					goto sendResp
				case "ERROR", "FAIL":
					s := strings.TrimSuffix(sb.String(), "\n")
					if s == "" {
						s = strings.ToLower(string(line))
					}
					resp = &ErrorESP{s}
					goto sendResp
				case "SEND FAIL":
					resp = ErrTimeout
					goto sendResp
				}
			}
			switch {
			case len(line) >= 5 && string(line[:5]) == "Recv ":
				// skip confirmation of data receipt
			case len(line) >= 4 && string(line[:4]) == "busy":
				// skip busy p... / busy s...
			case len(line) > 5 && string(line[:5]) == "WIFI ":
				sendAsync(rcv, string(line))
				rcv.notify()
			case string(line) == "ready":
				atomic.StoreInt32(&rcv.ready, 1)
				sb.Reset() // drop the boot messages
				sendAsync(rcv, string(line))
				rcv.notify()
			default:
				if id, st, ok := parseSockState(line); ok {
					rcv.queue.report(id, st)
					rcv.notify()
					continue
				}
				sb.Grow(len(line) + 1)
				sb.Write(line)
				sb.WriteByte('\n')
			}
			continue
		}
	sendResp:
		if !failed && atomic.LoadInt32(&rcv.pending) == 0 {
			rcv.debugf("<- unexpected response dropped: %v", resp)
		} else {
			cmd := <-rcv.cmd
			finish(rcv, cmd, resp)
		}
		resp = nil
		sb.Reset()
	}
}

// sendAsync sends msg to the async channel. If the channel is full it removes
// the oldest messages.
func sendAsync(rcv *receiver, msg string) {
	overrun := false
	for {
		select {
		case rcv.async <- msg:
			return
		default:
		}
		// Async channel is full. Remove the oldest message.
		select {
		case <-rcv.async:
		default:
		}
		if !overrun {
			overrun = true
			rcv.async <- "" // inform about an overrun
		}
	}
}

// parseSockState recognizes the socket state reports:
//
//	<id>,CONNECT
//	<id>,CLOSED
//	<id>,CONNECT FAIL
//
// The id may be missing in the single connection mode which is reported as
// socket 0.
func parseSockState(line []byte) (id int, st sockState, ok bool) {
	if len(line) >= 2 && line[1] == ',' {
		id = int(line[0]) - '0'
		if uint(id) >= MaxSockets {
			return 0, 0, false
		}
		line = line[2:]
	}
	switch string(line) {
	case "CONNECT":
		return id, sockOpen, true
	case "CLOSED", "CONNECT FAIL":
		return id, sockEOF, true
	}
	return 0, 0, false
}

func isIPD(r *bufio.Reader) bool {
	b, err := r.Peek(1)
	if err != nil || b[0] != '+' {
		return false
	}
	// Every line starting with '+' is at least 5 bytes long.
	b, err = r.Peek(5)
	return err == nil && string(b) == "+IPD,"
}

// readIPD reads a packet reported in one of the forms:
//
//	+IPD,<id>,<len>:<data>
//	+IPD,<id>,<len>,<remote ip>,<remote port>:<data>
//	+IPD,<len>:<data>
//
// and appends it to the queue.
func readIPD(rcv *receiver, r *bufio.Reader) error {
	hdr, err := r.ReadSlice(':')
	if err != nil {
		if err == bufio.ErrBufferFull {
			return ErrParse
		}
		return err
	}
	rcv.debugf("<- %s", hdr)
	fields := bytes.Split(hdr[5:len(hdr)-1], []byte{','})
	id := 0
	if len(fields) >= 2 {
		if len(fields[0]) != 1 {
			return ErrParse
		}
		id = int(fields[0][0]) - '0'
		if uint(id) >= MaxSockets {
			return ErrParse
		}
		fields = fields[1:]
	}
	m, err := strconv.Atoi(string(fields[0]))
	if err != nil || m <= 0 || m > maxPacket {
		return ErrParse
	}
	data := make([]byte, m)
	if _, err = io.ReadFull(r, data); err != nil {
		rcv.queue.fail(err)
		return err
	}
	rcv.queue.push(id, data)
	return nil
}
