package esp8266

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddedgo/esp8266/internal/esptest"
)

func newTestDevice(t *testing.T) (*Device, *esptest.Fake) {
	t.Helper()
	f := esptest.New()
	t.Cleanup(f.Close)
	d := NewDevice("esp0", f.DevR, f.DevW)
	d.SetTimeout(time.Second)
	return d, f
}

func startTestDevice(t *testing.T) (*Device, *esptest.Fake) {
	t.Helper()
	d, f := newTestDevice(t)
	require.NoError(t, d.Startup(Station))
	return d, f
}

func TestStartup(t *testing.T) {
	d, f := newTestDevice(t)
	require.NoError(t, d.Startup(Station))
	assert.True(t, d.Ready())
	assert.True(t, d.Writeable())
	want := []string{"AT+RST", "ATE0", "AT+CWMODE=1", "AT+CIPMUX=1"}
	if diff := cmp.Diff(want, f.Commands()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestStartupBadMode(t *testing.T) {
	d, f := newTestDevice(t)
	for _, mode := range []int{0, 4, -1} {
		err := d.Startup(mode)
		require.ErrorIs(t, err, ErrMode)
	}
	assert.Empty(t, f.Commands())
}

func TestResetRetry(t *testing.T) {
	d, f := newTestDevice(t)
	tries := 0
	f.Handle("AT+RST", func(f *esptest.Fake, args string) {
		tries++
		if tries == 1 {
			esptest.Error(f, args)
			return
		}
		f.Reply("\r\nOK\r\n\r\nready\r\n")
	})
	require.NoError(t, d.Reset())
	assert.Equal(t, 2, tries)
}

func TestResetNoReady(t *testing.T) {
	d, f := newTestDevice(t)
	f.Handle("AT+RST", esptest.OK)
	err := d.Reset()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "ready", e.Cmd)
	assert.True(t, e.Timeout())
}

func TestDHCP(t *testing.T) {
	d, f := newTestDevice(t)
	require.NoError(t, d.DHCP(true, DHCPStation))
	require.NoError(t, d.DHCP(false, DHCPBoth))
	require.ErrorIs(t, d.DHCP(true, 3), ErrMode)
	assert.Equal(t, []string{"AT+CWDHCP=1,1", "AT+CWDHCP=2,0"}, f.Commands())
}

func TestConnectDisconnect(t *testing.T) {
	d, f := newTestDevice(t)
	require.NoError(t, d.Connect("home", "secret,1"))
	require.NoError(t, d.Disconnect())
	assert.Equal(t, []string{`AT+CWJAP="home","secret\,1"`, "AT+CWQAP"}, f.Commands())

	var got []string
	for len(got) < 2 {
		select {
		case msg := <-d.Async():
			got = append(got, msg)
		case <-time.After(time.Second):
			t.Fatal("missing async messages")
		}
	}
	assert.Equal(t, []string{"WIFI CONNECTED", "WIFI GOT IP"}, got)
}

func TestConnectFail(t *testing.T) {
	d, f := newTestDevice(t)
	f.Handle("AT+CWJAP", func(f *esptest.Fake, args string) {
		f.Reply("+CWJAP:3\r\n\r\nFAIL\r\n")
	})
	err := d.Connect("home", "bad")
	var ee *ErrorESP
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "+CWJAP:3", ee.Code)
}

func TestStatus(t *testing.T) {
	d, _ := newTestDevice(t)
	ip, err := d.IPAddress()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.7", ip)
	mac, err := d.MACAddress()
	require.NoError(t, err)
	assert.Equal(t, "5c:cf:7f:01:02:03", mac)
	gw, err := d.Gateway()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", gw)
	mask, err := d.Netmask()
	require.NoError(t, err)
	assert.Equal(t, "255.255.255.0", mask)
	rssi, err := d.RSSI()
	require.NoError(t, err)
	assert.Equal(t, -57, rssi)
	assert.True(t, d.IsConnected())
}

func TestStatusNotConnected(t *testing.T) {
	d, f := newTestDevice(t)
	f.Handle("AT+CIFSR", esptest.Respond("+CIFSR:STAIP,\"0.0.0.0\"\r\n"+
		"+CIFSR:STAMAC,\"5c:cf:7f:01:02:03\""))
	f.Handle("AT+CWJAP?", esptest.Respond("No AP"))
	f.Handle("AT+CIPSTA?", esptest.OK)
	assert.False(t, d.IsConnected())
	_, err := d.RSSI()
	require.ErrorIs(t, err, ErrNoAP)
	gw, err := d.Gateway()
	require.NoError(t, err)
	assert.Equal(t, "", gw)
}

func TestScan(t *testing.T) {
	d, _ := newTestDevice(t)
	aps, n, err := d.Scan(2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	want := []AccessPoint{
		{SSID: "home", BSSID: "aa:bb:cc:dd:ee:ff", Security: SecWPA2, RSSI: -57, Channel: 6},
		{SSID: `cafe "free"`, BSSID: "11:22:33:44:55:66", Security: SecOpen, RSSI: -80, Channel: 11},
	}
	if diff := cmp.Diff(want, aps); diff != "" {
		t.Errorf("Scan mismatch (-want +got):\n%s", diff)
	}

	aps, n, err = d.Scan(0)
	require.NoError(t, err)
	assert.Empty(t, aps)
	assert.Equal(t, 3, n)
}

func TestCmdError(t *testing.T) {
	d, f := newTestDevice(t)
	f.Handle("AT+BAD", esptest.Error)
	_, err := d.Cmd("+BAD")
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "esp0", e.Dev)
	assert.Equal(t, "+BAD", e.Cmd)
	assert.Equal(t, &ErrorESP{"error"}, e.Err)
	assert.Equal(t, "esp0: +BAD: error", err.Error())
}

func TestCmdTimeoutKeepsSync(t *testing.T) {
	d, f := newTestDevice(t)
	d.SetTimeout(50 * time.Millisecond)
	release := make(chan struct{})
	f.Handle("AT+SLOW", func(f *esptest.Fake, args string) {
		<-release
		f.Reply("slow\r\n\r\nOK\r\n")
	})
	f.Handle("AT+GMR", esptest.Respond("AT version:1.2.0.0"))

	_, err := d.Cmd("+SLOW")
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.True(t, e.Timeout())
	assert.False(t, d.Writeable())

	close(release)
	d.SetTimeout(time.Second)
	s, err := d.CmdStr("+GMR")
	require.NoError(t, err)
	assert.Equal(t, "AT version:1.2.0.0\n", s)
}

func TestCmdLostResponse(t *testing.T) {
	d, f := newTestDevice(t)
	f.Handle("AT+LOST", esptest.Silent)
	f.Handle("AT+GMR", esptest.Respond("AT version:1.2.0.0"))

	d.SetTimeout(50 * time.Millisecond)
	_, err := d.Cmd("+LOST")
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.True(t, e.Timeout())

	d.SetTimeout(time.Second)
	s, err := d.CmdStr("+GMR")
	require.NoError(t, err)
	assert.Equal(t, "AT version:1.2.0.0\n", s)
	require.NoError(t, d.Reset())
	assert.True(t, d.Writeable())
	assert.Equal(t, []string{"AT+LOST", "AT+GMR", "AT+RST", "ATE0"}, f.Commands())
}

func TestCmdTimeoutBeforeWrite(t *testing.T) {
	d, f := newTestDevice(t)
	f.Handle("AT+LOST", esptest.Silent)
	d.SetTimeout(50 * time.Millisecond)

	errs := make(chan error, 2)
	go func() {
		_, err := d.Cmd("+LOST")
		errs <- err
	}()
	require.Eventually(t, func() bool { return len(f.Commands()) == 1 },
		time.Second, time.Millisecond)
	go func() {
		_, err := d.Cmd("+QUEUED")
		errs <- err
	}()
	for i := 0; i < 2; i++ {
		err := <-errs
		require.Error(t, err)
		assert.True(t, err.(*Error).Timeout())
	}

	d.SetTimeout(time.Second)
	_, err := d.Cmd("+GMR")
	require.NoError(t, err)
	assert.Equal(t, []string{"AT+LOST", "AT+GMR"}, f.Commands(), "timed out command is not written")
}

func TestAttach(t *testing.T) {
	d, f := startTestDevice(t)
	var calls int32
	d.Attach(func() { atomic.AddInt32(&calls, 1) })
	require.NoError(t, d.Open("TCP", 0, "1.2.3.4", 80)) // 0,CONNECT
	f.Reply("+IPD,0,2:hi")
	_, err := d.Recv(0, make([]byte, 8))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 2 },
		time.Second, time.Millisecond)

	d.Attach(nil)
	n := atomic.LoadInt32(&calls)
	f.Reply("\r\n+IPD,0,2:hi")
	_, err = d.Recv(0, make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, n, atomic.LoadInt32(&calls))
}

func TestDebug(t *testing.T) {
	d, _ := newTestDevice(t)
	lines := make(chan string, 16)
	d.SetDebug(func(format string, args ...any) {
		select {
		case lines <- format:
		default:
		}
	})
	_, err := d.Cmd("")
	require.NoError(t, err)
	d.SetDebug(nil)
	assert.NotEmpty(t, lines)
}

func TestOpenSendRecvClose(t *testing.T) {
	d, f := startTestDevice(t)
	require.NoError(t, d.Open("tcp", 1, "1.2.3.4", 80))
	assert.True(t, d.Opened(1))

	n, err := d.Send(1, []byte("GET / HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 18, n)
	assert.Equal(t, "GET / HTTP/1.0\r\n\r\n", string(f.Sent(1)))

	f.Reply("\r\n+IPD,1,8:HTTP/1.0")
	f.Reply("\r\n+IPD,1,5: 200\n")
	buf := make([]byte, 4)
	n, err = d.Recv(1, buf)
	require.NoError(t, err)
	assert.Equal(t, "HTTP", string(buf[:n]))
	n, err = d.Recv(1, buf)
	require.NoError(t, err)
	assert.Equal(t, "/1.0", string(buf[:n]))
	big := make([]byte, 100)
	n, err = d.Recv(1, big)
	require.NoError(t, err)
	assert.Equal(t, " 200\n", string(big[:n]))

	require.NoError(t, d.Close(1))
	assert.False(t, d.Opened(1))
	_, err = d.Recv(1, buf)
	require.ErrorIs(t, err, ErrClosed)
	_, err = d.Send(1, []byte("x"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestRecvInterleaved(t *testing.T) {
	d, f := startTestDevice(t)
	for id := 0; id < 3; id++ {
		require.NoError(t, d.Open("UDP", id, "10.0.0.1", 5000+id))
	}
	f.Reply("\r\n+IPD,2,2:c1\r\n+IPD,0,2:a1\r\n+IPD,2,2:c2\r\n+IPD,1,2:b1\r\n+IPD,0,2:a2")

	buf := make([]byte, 10)
	for _, want := range []struct {
		id   int
		data string
	}{
		{1, "b1"}, {2, "c1"}, {0, "a1"}, {0, "a2"}, {2, "c2"},
	} {
		n, err := d.Recv(want.id, buf)
		require.NoError(t, err)
		assert.Equal(t, want.data, string(buf[:n]), "socket %d", want.id)
	}
	assert.False(t, d.Readable())
}

func TestRecvTimeout(t *testing.T) {
	d, _ := startTestDevice(t)
	require.NoError(t, d.Open("TCP", 0, "1.2.3.4", 80))
	d.SetTimeout(20 * time.Millisecond)
	_, err := d.Recv(0, make([]byte, 10))
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.True(t, e.Timeout())
	n, err := d.Recv(0, nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecvRemoteClose(t *testing.T) {
	d, f := startTestDevice(t)
	require.NoError(t, d.Open("TCP", 4, "1.2.3.4", 80))
	f.Reply("\r\n+IPD,4,3:bye\r\n4,CLOSED\r\n")

	buf := make([]byte, 10)
	n, err := d.Recv(4, buf)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(buf[:n]))
	_, err = d.Recv(4, buf)
	assert.Equal(t, io.EOF, err)
	assert.True(t, d.Opened(4), "remotely closed socket stays allocated until Close")

	_, err = d.Send(4, []byte("x"))
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, d.Close(4))
}

func TestCloseDiscardsPackets(t *testing.T) {
	d, f := startTestDevice(t)
	require.NoError(t, d.Open("TCP", 0, "1.2.3.4", 80))
	require.NoError(t, d.Open("TCP", 1, "1.2.3.4", 81))
	f.Reply("\r\n+IPD,0,5:stale\r\n+IPD,1,4:keep")
	buf := make([]byte, 10)
	n, err := d.Recv(1, buf) // both packets are queued now
	require.NoError(t, err)
	assert.Equal(t, "keep", string(buf[:n]))

	require.NoError(t, d.Close(0))
	require.NoError(t, d.Open("TCP", 0, "1.2.3.4", 80))
	d.SetTimeout(20 * time.Millisecond)
	_, err = d.Recv(0, buf)
	require.Error(t, err)
	assert.True(t, err.(*Error).Timeout())
}

func TestOpenErrors(t *testing.T) {
	d, f := startTestDevice(t)
	require.ErrorIs(t, d.Open("TCP", 5, "1.2.3.4", 80), ErrBadID)
	require.ErrorIs(t, d.Open("TCP", -1, "1.2.3.4", 80), ErrBadID)
	require.ErrorIs(t, d.Open("SSL", 0, "1.2.3.4", 443), ErrProto)
	require.ErrorIs(t, d.Open("TCP", 0, "1.2.3.4", 0), ErrPort)
	require.ErrorIs(t, d.Open("TCP", 0, "1.2.3.4", 70000), ErrPort)

	require.NoError(t, d.Open("TCP", 0, "1.2.3.4", 80))
	require.ErrorIs(t, d.Open("TCP", 0, "1.2.3.4", 80), ErrInUse)

	f.Handle("AT+CIPSTART", func(f *esptest.Fake, args string) {
		f.Reply("\r\nERROR\r\n2,CLOSED\r\n")
	})
	err := d.Open("TCP", 2, "1.2.3.4", 80)
	var ee *ErrorESP
	require.True(t, errors.As(err, &ee))
	assert.False(t, d.Opened(2))

	_, err = d.Recv(7, make([]byte, 1))
	require.ErrorIs(t, err, ErrBadID)
	_, err = d.Send(-1, []byte("x"))
	require.ErrorIs(t, err, ErrBadID)
	require.ErrorIs(t, d.Close(9), ErrBadID)
}

func TestSendChunks(t *testing.T) {
	d, f := startTestDevice(t)
	require.NoError(t, d.Open("TCP", 3, "1.2.3.4", 80))
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := d.Send(3, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, f.Sent(3))

	var sends []string
	for _, c := range f.Commands() {
		if len(c) > 11 && c[:11] == "AT+CIPSEND=" {
			sends = append(sends, c)
		}
	}
	assert.Equal(t, []string{"AT+CIPSEND=3,2048", "AT+CIPSEND=3,2048", "AT+CIPSEND=3,904"}, sends)
}

func TestSendRetry(t *testing.T) {
	d, f := startTestDevice(t)
	require.NoError(t, d.Open("TCP", 0, "1.2.3.4", 80))
	tries := 0
	f.Handle("AT+CIPSEND", func(f *esptest.Fake, args string) {
		tries++
		if tries == 1 {
			f.Reply("busy s...\r\n\r\nERROR\r\n")
			return
		}
		f.Reply("\r\nOK\r\n> ")
		f.ReadData(3)
		f.Reply("\r\nRecv 3 bytes\r\n\r\nSEND OK\r\n")
	})
	n, err := d.Send(0, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, tries)
}

func TestSendLatePrompt(t *testing.T) {
	d, f := startTestDevice(t)
	require.NoError(t, d.Open("TCP", 0, "1.2.3.4", 80))
	f.Handle("AT+GMR", esptest.Respond("AT version:1.2.0.0"))
	data := make(chan []byte, 1)
	f.Handle("AT+CIPSEND", func(f *esptest.Fake, args string) {
		time.Sleep(70 * time.Millisecond)
		f.Reply("\r\nOK\r\n> ")
		data <- f.ReadData(3)
		f.Reply("\r\nRecv 3 bytes\r\n\r\nSEND OK\r\n")
	})
	d.SetTimeout(50 * time.Millisecond)
	n, err := d.Send(0, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", string(<-data))

	d.SetTimeout(time.Second)
	s, err := d.CmdStr("+GMR")
	require.NoError(t, err)
	assert.Equal(t, "AT version:1.2.0.0\n", s)
}

func TestSendNoPrompt(t *testing.T) {
	d, f := startTestDevice(t)
	require.NoError(t, d.Open("TCP", 0, "1.2.3.4", 80))
	f.Handle("AT+CIPSEND", esptest.Silent)
	d.SetTimeout(50 * time.Millisecond)
	n, err := d.Send(0, []byte("abc"))
	require.Error(t, err)
	assert.True(t, err.(*Error).Timeout())
	assert.Equal(t, 0, n)

	d.SetTimeout(time.Second)
	_, err = d.Cmd("+GMR")
	require.NoError(t, err)
	cmds := f.Commands()
	assert.Equal(t, []string{"AT+CIPSEND=0,3", "AT+GMR"}, cmds[len(cmds)-2:])
}

func TestSendFail(t *testing.T) {
	d, f := startTestDevice(t)
	require.NoError(t, d.Open("TCP", 0, "1.2.3.4", 80))
	f.Handle("AT+CIPSEND", func(f *esptest.Fake, args string) {
		f.Reply("\r\nOK\r\n> ")
		f.ReadData(3)
		f.Reply("\r\nRecv 3 bytes\r\n\r\nSEND FAIL\r\n")
	})
	n, err := d.Send(0, []byte("abc"))
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, err.(*Error).Timeout())
}

func TestInputClosed(t *testing.T) {
	d, f := startTestDevice(t)
	require.NoError(t, d.Open("TCP", 0, "1.2.3.4", 80))
	f.Close()
	_, err := d.Recv(0, make([]byte, 10))
	assert.Equal(t, io.EOF, err)
}
