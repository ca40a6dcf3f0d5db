// Package esptest provides a scripted fake ESP8266 for driver tests. The fake
// reads AT commands written by the driver and answers them the way the AT
// firmware does.
package esptest

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Handler answers a command. Args is the command text after '=' (empty if
// the command has no arguments).
type Handler func(f *Fake, args string)

// Fake is a fake ESP8266. Connect the driver to DevR and DevW.
type Fake struct {
	DevR io.Reader // ESP8266 output
	DevW io.Writer // ESP8266 input

	out *io.PipeWriter
	in  *bufio.Reader
	inr *io.PipeReader

	mu       sync.Mutex
	handlers map[string]Handler
	cmds     []string
	sent     map[int][]byte
	open     map[int]string
}

// New returns a running fake with the default handlers installed.
func New() *Fake {
	devR, out := io.Pipe()
	inr, devW := io.Pipe()
	f := &Fake{
		DevR:     devR,
		DevW:     devW,
		out:      out,
		in:       bufio.NewReader(inr),
		inr:      inr,
		handlers: make(map[string]Handler),
		sent:     make(map[int][]byte),
		open:     make(map[int]string),
	}
	for name, h := range defaultHandlers {
		f.handlers[name] = h
	}
	go f.serve()
	return f
}

// Close stops the fake. The driver receives io.EOF.
func (f *Fake) Close() {
	f.out.Close()
	f.inr.Close()
}

// Handle sets the handler for the command name, e.g. "AT+CWJAP" for
// AT+CWJAP="ssid","pass" or "AT+CWJAP?" for the query.
func (f *Fake) Handle(name string, h Handler) {
	f.mu.Lock()
	f.handlers[name] = h
	f.mu.Unlock()
}

// Reply writes s to the driver as if it was printed by the ESP8266. It blocks
// until the driver reads it.
func (f *Fake) Reply(s string) {
	io.WriteString(f.out, s)
}

// ReadData reads n bytes of raw data sent by the driver.
func (f *Fake) ReadData(n int) []byte {
	buf := make([]byte, n)
	io.ReadFull(f.in, buf)
	return buf
}

// Commands returns all command lines received so far.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

// Sent returns the data sent to the socket id.
func (f *Fake) Sent(id int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.sent[id]...)
}

func (f *Fake) serve() {
	for {
		line, err := f.in.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		name, args, _ := strings.Cut(line, "=")
		f.mu.Lock()
		f.cmds = append(f.cmds, line)
		h := f.handlers[name]
		f.mu.Unlock()
		if h == nil {
			h = OK
		}
		h(f, args)
	}
}

// OK answers a command with the OK result code.
func OK(f *Fake, args string) {
	f.Reply("\r\nOK\r\n")
}

// Error answers a command with the ERROR result code.
func Error(f *Fake, args string) {
	f.Reply("\r\nERROR\r\n")
}

// Silent does not answer at all.
func Silent(f *Fake, args string) {}

// Respond returns a handler that prints resp followed by OK.
func Respond(resp string) Handler {
	return func(f *Fake, args string) {
		f.Reply(resp + "\r\n\r\nOK\r\n")
	}
}

func sockID(args string) int {
	s, _, _ := strings.Cut(args, ",")
	id, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return id
}

var defaultHandlers = map[string]Handler{
	"AT+RST": func(f *Fake, args string) {
		f.Reply("\r\nOK\r\n")
		f.Reply(" ets Jan  8 2013,rst cause:2, boot mode:(3,6)\r\n\r\n")
		f.Reply("Ai-Thinker Technology Co. Ltd.\r\n\r\nready\r\n")
	},
	"AT+CWJAP": func(f *Fake, args string) {
		f.Reply("WIFI CONNECTED\r\nWIFI GOT IP\r\n\r\nOK\r\n")
	},
	"AT+CWJAP?": Respond(`+CWJAP:"home","aa:bb:cc:dd:ee:ff",6,-57`),
	"AT+CIFSR": Respond("+CIFSR:STAIP,\"192.168.1.7\"\r\n" +
		"+CIFSR:STAMAC,\"5c:cf:7f:01:02:03\""),
	"AT+CIPSTA?": Respond("+CIPSTA:ip:\"192.168.1.7\"\r\n" +
		"+CIPSTA:gateway:\"192.168.1.1\"\r\n" +
		"+CIPSTA:netmask:\"255.255.255.0\""),
	"AT+CWLAP": Respond("+CWLAP:(3,\"home\",-57,\"aa:bb:cc:dd:ee:ff\",6,-12,0)\r\n" +
		"+CWLAP:(0,\"cafe \\\"free\\\"\",-80,\"11:22:33:44:55:66\",11,7,0)\r\n" +
		"+CWLAP:(4,\"office\",-70,\"66:55:44:33:22:11\",1,0,0)"),
	"AT+CIPSTART": func(f *Fake, args string) {
		id := sockID(args)
		f.mu.Lock()
		busy := f.open[id] != ""
		if !busy {
			f.open[id] = args
		}
		f.mu.Unlock()
		if busy {
			f.Reply("ALREADY CONNECTED\r\n\r\nERROR\r\n")
			return
		}
		f.Reply(fmt.Sprintf("%d,CONNECT\r\n\r\nOK\r\n", id))
	},
	"AT+CIPSEND": func(f *Fake, args string) {
		id := sockID(args)
		_, ns, _ := strings.Cut(args, ",")
		n, _ := strconv.Atoi(ns)
		f.Reply("\r\nOK\r\n> ")
		data := f.ReadData(n)
		f.mu.Lock()
		f.sent[id] = append(f.sent[id], data...)
		f.mu.Unlock()
		f.Reply(fmt.Sprintf("\r\nRecv %d bytes\r\n\r\nSEND OK\r\n", n))
	},
	"AT+CIPCLOSE": func(f *Fake, args string) {
		id := sockID(args)
		f.mu.Lock()
		delete(f.open, id)
		f.mu.Unlock()
		f.Reply(fmt.Sprintf("%d,CLOSED\r\n\r\nOK\r\n", id))
	},
	"AT+CIPSTATUS": func(f *Fake, args string) {
		var sb strings.Builder
		sb.WriteString("STATUS:3\r\n")
		f.mu.Lock()
		for id := 0; id < 5; id++ {
			a := f.open[id]
			if a == "" {
				continue
			}
			// a is: <id>,"TCP","1.2.3.4",80
			fmt.Fprintf(&sb, "+CIPSTATUS:%s,%d,0\r\n", a, 50000+id)
		}
		f.mu.Unlock()
		f.Reply(sb.String() + "\r\nOK\r\n")
	},
}
