package esp8266

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout is the default time to wait for a response to an AT command.
const DefaultTimeout = 5 * time.Second

// Device is a driver for an ESP8266 running the Espressif AT firmware. It
// requires the multiple connection mode (CIPMUX=1, see Startup) and the active
// receive mode (the firmware default).
type Device struct {
	name     string
	cmdq     chan *cmd
	cmdx     sync.Mutex
	w        io.Writer
	timeout  int64 // time.Duration, atomic
	receiver receiver
}

// NewDevice returns a driver for the ESP8266 available via r and w. It also
// starts required background goroutines. You must call Init or Startup before
// use the returned device.
func NewDevice(name string, r io.Reader, w io.Writer) *Device {
	d := &Device{
		name:    name,
		cmdq:    make(chan *cmd, 3),
		w:       w,
		timeout: int64(DefaultTimeout),
	}
	receiverInit(&d.receiver)
	go receiverLoop(&d.receiver, r)
	go processCmd(d)
	return d
}

// Name returns the device name passed to NewDevice.
func (d *Device) Name() string {
	return d.name
}

// Ready reports whether the device is ready to accept AT commands.
func (d *Device) Ready() bool {
	return atomic.LoadInt32(&d.receiver.ready) != 0
}

// Async returns a channel that can be used to wait for asynchronous messages
// from the ESP8266 like WIFI CONNECTED, WIFI GOT IP, WIFI DISCONNECT, ready.
// If the async channel is full up two oldest messages are removed and an empty
// message is sent before a new one to inform about the channel overrun.
func (d *Device) Async() <-chan string {
	return d.receiver.async
}

// Attach sets a function that is called whenever the network state changes or
// new data is received: on Wi-Fi state messages, socket connect/close and
// every incoming packet. The function is called from the receiver goroutine
// so it must not block nor call Device methods that wait for the ESP8266.
// Attach(nil) removes the function.
func (d *Device) Attach(fn func()) {
	d.receiver.attach.Store(fn)
}

// SetDebug enables tracing of all AT commands written and lines received.
// SetDebug(nil) disables it.
func (d *Device) SetDebug(logf func(format string, args ...any)) {
	d.receiver.debug.Store(logf)
}

// SetTimeout sets the time to wait for a command response. Zero or negative
// timeout means wait forever.
func (d *Device) SetTimeout(timeout time.Duration) {
	atomic.StoreInt64(&d.timeout, int64(timeout))
}

// Timeout returns the timeout set by SetTimeout.
func (d *Device) Timeout() time.Duration {
	return time.Duration(atomic.LoadInt64(&d.timeout))
}

// Readable reports whether there is at least one received packet waiting to
// be read by Recv.
func (d *Device) Readable() bool {
	return d.receiver.queue.readable()
}

// Writeable reports whether the device is ready and there is no AT command
// waiting for a response.
func (d *Device) Writeable() bool {
	return d.Ready() && atomic.LoadInt32(&d.receiver.pending) == 0
}

// Init initializes the device to the known state using the following command:
//
//	ATE0
//
// If reset is true it first resets the device and waits for the ready state
// (see Reset).
func (d *Device) Init(reset bool) error {
	if reset {
		return d.Reset()
	}
	if _, err := d.Cmd("E0"); err != nil {
		return err
	}
	atomic.StoreInt32(&d.receiver.ready, 1)
	return nil
}

// Lock locks the device. Device should be locked before use UnsafeCmd,
// UnsafeWrite, UnsafeWriteString methods.
func (d *Device) Lock() {
	d.cmdx.Lock()
}

// Unlock unlocks the device.
func (d *Device) Unlock() {
	d.cmdx.Unlock()
}

func exec(d *Device, safe bool, timeout time.Duration, name string, args []any) (resp any, err error) {
	return wait(d, submit(d, safe, timeout, name, args))
}

// submit queues the command for writing. The caller must wait for it.
func submit(d *Device, safe bool, timeout time.Duration, name string, args []any) *cmd {
	c := &cmd{
		name:    name,
		args:    args,
		timeout: timeout,
		abandon: make(chan struct{}),
		done:    make(chan struct{}),
	}
	atomic.AddInt32(&d.receiver.pending, 1)
	if safe {
		d.cmdx.Lock()
	}
	d.cmdq <- c
	if safe {
		d.cmdx.Unlock()
	}
	return c
}

// wait waits for the response to c. On timeout c is abandoned: a late response
// is still consumed by c, otherwise processCmd gives up on it after another
// timeout.
func wait(d *Device, c *cmd) (resp any, err error) {
	if c.timeout > 0 {
		tim := time.NewTimer(c.timeout)
		select {
		case <-c.done:
			tim.Stop()
		case <-tim.C:
			close(c.abandon)
			return nil, &Error{d.name, c.name, ErrTimeout}
		}
	} else {
		<-c.done
	}
	return result(d, c)
}

func result(d *Device, c *cmd) (any, error) {
	if err, ok := c.resp.(error); ok {
		return nil, &Error{d.name, c.name, err}
	}
	return c.resp, nil
}

// Cmd executes an AT command. Name should be a command name without the AT
// prefix (e.g. "+GMR" instead of "AT+GMR"). Args may be of type nil, string,
// int. If err is nil the returned response may be of type nil or string. Use
// CmdStr if a string response is expected.
func (d *Device) Cmd(name string, args ...any) (resp any, err error) {
	return exec(d, true, d.Timeout(), name, args)
}

// CmdStr provides a convenient way to execute a command when a string response
// is expected.
func (d *Device) CmdStr(name string, args ...any) (string, error) {
	return cmdStr(d, d.Timeout(), name, args)
}

func cmdStr(d *Device, timeout time.Duration, name string, args []any) (string, error) {
	resp, err := exec(d, true, timeout, name, args)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	if s, ok := resp.(string); ok {
		return s, nil
	}
	return "", &Error{d.name, name, ErrRespType}
}

// UnsafeCmd is like Cmd but intended to be used with a locked device.
func (d *Device) UnsafeCmd(name string, args ...any) (resp any, err error) {
	return exec(d, false, d.Timeout(), name, args)
}

// UnsafeWrite works like io.Writer Write method. Device must be locked and
// ready for at least len(p) bytes of data.
func (d *Device) UnsafeWrite(p []byte) (int, error) {
	return d.w.Write(p)
}

// UnsafeWriteString works like io.StringWriter WriteString method. Device must
// be locked and ready for at least len(s) bytes of data.
func (d *Device) UnsafeWriteString(s string) (int, error) {
	return io.WriteString(d.w, s)
}

// atLeast returns the device timeout but not less than floor. It is used by
// commands known to take long (joining an AP, scanning, opening a socket).
func atLeast(d *Device, floor time.Duration) time.Duration {
	t := d.Timeout()
	if t <= 0 || t >= floor {
		return t
	}
	return floor
}
