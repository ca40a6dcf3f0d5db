// Esp8266 is a command line tool to configure and test an ESP8266 attached to
// a serial port.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pterm/pterm"

	"github.com/embeddedgo/esp8266"
	"github.com/embeddedgo/esp8266/espnet"
	"github.com/embeddedgo/esp8266/internal/config"
	"github.com/embeddedgo/esp8266/internal/logutil"
	"github.com/embeddedgo/esp8266/internal/uart"
)

func fatalErr(err error) {
	if err != nil {
		logutil.LogError("%v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage:")
	fmt.Println("  esp8266 [options] info")
	fmt.Println("  esp8266 [options] scan")
	fmt.Println("  esp8266 [options] join [SSID PASSPHRASE]")
	fmt.Println("  esp8266 [options] dial tcp|udp HOST:PORT")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  esp8266 -d /dev/ttyUSB0 dial tcp 192.168.1.100:1234")
}

func main() {
	var (
		fc = flag.String("c", "", "JSON configuration file")
		fd = flag.String("d", "", "UART device (overrides config)")
		fb = flag.Int("b", 0, "baudrate (overrides config)")
		ft = flag.Duration("t", 0, "AT command timeout (overrides config)")
		fh = flag.Bool("hw", false, "hardware reset using DTR/RTS before start")
		fv = flag.Bool("v", false, "trace AT commands")
	)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}
	if *fv {
		logutil.EnableDebug()
	}

	cfg := config.Default()
	if *fc != "" {
		var err error
		cfg, err = config.Load(*fc)
		fatalErr(err)
	}
	if *fd != "" {
		cfg.Device = *fd
	}
	if *fb != 0 {
		cfg.Port.BaudRate = *fb
	}
	if *ft != 0 {
		cfg.Timeout = ft.String()
	}
	fatalErr(cfg.Validate())

	port, err := uart.Open(cfg.Device, cfg.Port)
	fatalErr(err)
	defer port.Close()
	if *fh {
		fatalErr(uart.Reset(port))
	}
	logutil.LogInfo("opened %s (%v)", cfg.Device, cfg.Port)

	d := esp8266.NewDevice("esp0", port, port)
	d.SetTimeout(cfg.GetTimeout())
	if *fv {
		d.SetDebug(logutil.LogDebug)
	}
	fatalErr(d.Startup(cfg.Mode))

	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "info":
		fatalErr(info(d))
	case "scan":
		fatalErr(scan(d))
	case "join":
		if len(args) == 2 {
			cfg.SSID, cfg.Pass = args[0], args[1]
		}
		fatalErr(join(d, cfg))
	case "dial":
		if len(args) != 2 {
			usage()
			os.Exit(1)
		}
		fatalErr(dial(d, args[0], args[1]))
	default:
		usage()
		os.Exit(1)
	}
}

func info(d *esp8266.Device) error {
	version, err := d.CmdStr("+GMR")
	if err != nil {
		return err
	}
	pterm.DefaultSection.Println("Firmware")
	pterm.Println(version)
	data := pterm.TableData{{"Property", "Value"}}
	for _, q := range []struct {
		name string
		get  func() (string, error)
	}{
		{"MAC", d.MACAddress},
		{"IP", d.IPAddress},
		{"Gateway", d.Gateway},
		{"Netmask", d.Netmask},
	} {
		v, err := q.get()
		if err != nil {
			return err
		}
		data = append(data, []string{q.name, v})
	}
	rssi := "n/a"
	if v, err := d.RSSI(); err == nil {
		rssi = strconv.Itoa(v) + " dBm"
	} else if !errors.Is(err, esp8266.ErrNoAP) {
		return err
	}
	data = append(data, []string{"RSSI", rssi})
	data = append(data, []string{"Connected", strconv.FormatBool(d.IsConnected())})
	pterm.DefaultSection.Println("Station")
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func scan(d *esp8266.Device) error {
	aps, n, err := d.Scan(64)
	if err != nil {
		return err
	}
	logutil.LogInfo("found %d networks", n)
	data := pterm.TableData{{"SSID", "BSSID", "Security", "RSSI", "Channel"}}
	for _, ap := range aps {
		data = append(data, []string{
			ap.SSID, ap.BSSID, ap.Security.String(),
			strconv.Itoa(ap.RSSI), strconv.Itoa(ap.Channel),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func join(d *esp8266.Device, cfg *config.Config) error {
	if cfg.SSID == "" {
		return errors.New("no SSID given")
	}
	if err := d.DHCP(cfg.GetDHCP(), esp8266.DHCPStation); err != nil {
		return err
	}
	logutil.LogInfo("joining %q", cfg.SSID)
	if err := d.Connect(cfg.SSID, cfg.Pass); err != nil {
		return fmt.Errorf("join %q: %w", cfg.SSID, err)
	}
	ip, err := d.IPAddress()
	if err != nil {
		return err
	}
	logutil.LogInfo("connected, IP address %s", ip)
	return nil
}

func dial(d *esp8266.Device, network, address string) error {
	if !d.IsConnected() {
		logutil.LogWarning("station has no IP address, waiting for it")
		if err := waitForIP(d, 10*time.Second); err != nil {
			return err
		}
	}
	conn, err := espnet.DialDev(d, network, address)
	if err != nil {
		return err
	}
	defer conn.Close()
	logutil.LogInfo("connected %v -> %v (socket %d)", conn.LocalAddr(), conn.RemoteAddr(), conn.ID())

	// Sender
	go func() {
		var buf [4096]byte // bigger than a single CIPSEND
		for {
			n, err := os.Stdin.Read(buf[:])
			if n != 0 {
				if _, err := conn.Write(buf[:n]); err != nil {
					logutil.LogError("%v", err)
					os.Exit(1)
				}
				logutil.LogDebug("%d bytes sent", n)
			}
			if err == io.EOF {
				conn.Close()
				os.Exit(0)
			}
			if err != nil {
				logutil.LogError("%v", err)
				os.Exit(1)
			}
		}
	}()

	// Receiver
	var buf [512]byte
	for {
		n, err := conn.Read(buf[:])
		if n != 0 {
			if _, err := os.Stdout.Write(buf[:n]); err != nil {
				return err
			}
		}
		if err != nil {
			if err == io.EOF {
				logutil.LogInfo("connection closed by remote part")
				return nil
			}
			return err
		}
	}
}

func waitForIP(d *esp8266.Device, timeout time.Duration) error {
	tim := time.After(timeout)
	for {
		select {
		case msg := <-d.Async():
			if msg == "WIFI GOT IP" {
				return nil
			}
		case <-tim:
			return errors.New("cannot obtain an IP address: timeout")
		}
	}
}
