// Simpleclient is a simple TCP-only client that uses the net.Conn provided by
// the espnet package.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/embeddedgo/esp8266"
	"github.com/embeddedgo/esp8266/espnet"
	"github.com/ziutek/serial"
)

func fatalErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func main() {
	if len(os.Args) != 3 {
		fmt.Println("Usage:")
		fmt.Println("  simpleclient UART_DEVICE IP_ADDR:PORT")
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  simpleclient /dev/ttyUSB0 192.168.1.100:1234")
		fmt.Println("  simpleclient /dev/ttyUSB0 test.server.local:1234")
		os.Exit(1)
	}

	// Setup the UART interface.
	uart, err := serial.Open(os.Args[1])
	fatalErr(err)
	fatalErr(uart.SetSpeed(115200))

	// Initialize the ESP8266.
	dev := esp8266.NewDevice("esp0", uart, uart)
	fatalErr(dev.Startup(esp8266.Station))
waitForIP:
	for {
		select {
		case msg := <-dev.Async():
			if msg == "WIFI GOT IP" {
				break waitForIP
			}
		case <-time.After(5 * time.Second):
			fmt.Println("Cannot obtain an IP address: timeout.")
			os.Exit(1)
		}
	}

	conn, err := espnet.DialDev(dev, "tcp", os.Args[2])
	fatalErr(err)
	fmt.Print("\r\n[connected]\r\n\r\n")

	// Sender
	go func() {
		var buf [4096]byte // big buffer to test the 2048 bytes CIPSEND limit
		for {
			n, err := os.Stdin.Read(buf[:])
			if n != 0 {
				_, err = conn.Write(buf[:n])
				fatalErr(err)
				fmt.Print("\r\n[ ", n, " sent ]\r\n\r\n")
			}
			if err == io.EOF {
				os.Exit(0)
			}
			fatalErr(err)
		}
	}()

	// Receiver
	var buf [64]byte // small buffer to test reading in chunks
	for {
		n, err := conn.Read(buf[:])
		if n != 0 {
			fmt.Print("\r\n[", n, " received]\r\n\r\n")
			_, err := os.Stdout.Write(buf[:n])
			fatalErr(err)
		}
		if err != nil {
			if err == io.EOF {
				break // connection closed by remote part
			}
			fatalErr(err)
		}
	}
}
