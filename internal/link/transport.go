package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

const tcpScheme = "tcp://"

// Transport is a byte connection to the device. Read returns 0, nil when
// nothing arrived within the poll interval.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// inputResetter is implemented by transports that can drop unread input
type inputResetter interface {
	ResetInputBuffer() error
}

// Dialer opens a Transport whose reads block for at most poll
type Dialer func(ctx context.Context, address string, baud int, poll time.Duration) (Transport, error)

// SerialDialer opens a serial port at 8N1
func SerialDialer(ctx context.Context, address string, baud int, poll time.Duration) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(address, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", address, err)
	}

	if err := port.SetReadTimeout(poll); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", address, err)
	}

	return port, nil
}

// ListSerialPorts returns the serial ports present on the host
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	return ports, nil
}

// tcpTransport turns read deadlines into empty polls
type tcpTransport struct {
	conn net.Conn
	poll time.Duration
}

// TCPDialer connects to a sensor bridged over TCP, address tcp://host:port
func TCPDialer(ctx context.Context, address string, _ int, poll time.Duration) (Transport, error) {
	hostport := strings.TrimPrefix(address, tcpScheme)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", hostport, err)
	}

	return &tcpTransport{conn: conn, poll: poll}, nil
}

func (t *tcpTransport) Read(p []byte) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.poll)); err != nil {
		return 0, err
	}

	n, err := t.conn.Read(p)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}
	return n, err
}

func (t *tcpTransport) Write(p []byte) (int, error) {
	if err := t.conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		return 0, err
	}
	return t.conn.Write(p)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// DialerFor picks the transport for an address
func DialerFor(address string) Dialer {
	if strings.HasPrefix(address, tcpScheme) {
		return TCPDialer
	}
	return SerialDialer
}
