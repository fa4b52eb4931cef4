/*Package comm provides a line-oriented connection to lab hardware over TCP or
a serial port.

Most usages of this package will boil down to:
	1.  embed RemoteDevice in a type that represents your hardware.
	2.  set TxTerminator and RxTerminator if the device does not use newlines.
	3.  write methods on top of SendRecv that speak the device's protocol.

A minimal example for a device that answers "RD?" with a number:

	type MySensor struct {
		*comm.RemoteDevice
	}

	func (ms *MySensor) Read(ctx context.Context) (float64, error) {
		resp, err := ms.SendRecv(ctx, []byte("RD?"))
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(string(resp), 64)
	}

The connection is opened lazily on first use and re-opened after a transport
error.
*/
package comm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

const (
	// DefaultTimeout bounds connecting and every send/receive
	DefaultTimeout = 3 * time.Second
)

var (
	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Config describes how to reach a device
type Config struct {
	// Addr is host:port for TCP, or the serial device path
	Addr string `koanf:"addr" yaml:"addr"`

	// Serial selects a serial port instead of TCP
	Serial bool `koanf:"serial" yaml:"serial"`

	// Baud is the serial baud rate
	Baud int `koanf:"baud" yaml:"baud"`

	// Timeout bounds connecting and each exchange
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

// RemoteDevice is a concurrent-safe, line-oriented connection to a device.
// Commands are serialized so replies are never interleaved.
type RemoteDevice struct {
	Config

	// TxTerminator is appended to every command
	TxTerminator byte

	// RxTerminator ends every reply; a preceding carriage return is stripped
	RxTerminator byte

	// Dial, if not nil, replaces the TCP/serial connection, for tests and bridges
	Dial func(ctx context.Context) (io.ReadWriteCloser, error)

	mu   sync.Mutex
	conn io.ReadWriteCloser
	rd   *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice with newline terminators
func NewRemoteDevice(cfg Config) *RemoteDevice {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &RemoteDevice{Config: cfg, TxTerminator: '\n', RxTerminator: '\n'}
}

// SerialConf yields the serial config for the device
func (rd *RemoteDevice) SerialConf() *serial.Config {
	baud := rd.Baud
	if baud == 0 {
		baud = 9600
	}
	return &serial.Config{Name: rd.Addr, Baud: baud, ReadTimeout: rd.timeout()}
}

func (rd *RemoteDevice) timeout() time.Duration {
	if rd.Timeout <= 0 {
		return DefaultTimeout
	}
	return rd.Timeout
}

// Open the connection if it is not already open
func (rd *RemoteDevice) Open(ctx context.Context) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.openLocked(ctx)
}

func (rd *RemoteDevice) openLocked(ctx context.Context) error {
	if rd.conn != nil {
		return nil
	}
	// exponential backoff, serial adapters and terminal servers do not like
	// being connection thrashed
	var conn io.ReadWriteCloser
	op := func() error {
		var err error
		conn, err = rd.dial(ctx)
		return err
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      rd.timeout(),
		Clock:               backoff.SystemClock}
	b.Reset()
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("connecting to %s: %w", rd.Addr, err)
	}
	rd.conn = conn
	rd.rd = bufio.NewReader(conn)
	return nil
}

func (rd *RemoteDevice) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if rd.Dial != nil {
		return rd.Dial(ctx)
	}
	if rd.Serial {
		return serial.OpenPort(rd.SerialConf())
	}
	return TCPSetup(ctx, rd.Addr, rd.timeout())
}

// Close the connection
func (rd *RemoteDevice) Close() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.closeLocked()
}

func (rd *RemoteDevice) closeLocked() error {
	if rd.conn == nil {
		return nil
	}
	err := rd.conn.Close()
	rd.conn = nil
	rd.rd = nil
	return err
}

type deadliner interface {
	SetDeadline(time.Time) error
}

func (rd *RemoteDevice) arm(ctx context.Context) {
	d, ok := rd.conn.(deadliner)
	if !ok {
		return
	}
	deadline := time.Now().Add(rd.timeout())
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	d.SetDeadline(deadline)
}

func (rd *RemoteDevice) sendLocked(b []byte) error {
	if rd.conn == nil {
		return ErrNotConnected
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, rd.TxTerminator)
	_, err := rd.conn.Write(buf)
	return err
}

func (rd *RemoteDevice) recvLocked() ([]byte, error) {
	if rd.conn == nil {
		return nil, ErrNotConnected
	}
	term := rd.RxTerminator
	buf, err := rd.rd.ReadBytes(term)
	if err != nil {
		if len(buf) > 0 && errors.Is(err, io.EOF) {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	buf = bytes.TrimSuffix(buf, []byte{term})
	buf = bytes.TrimSuffix(buf, []byte{'\r'})
	return buf, nil
}

// Send writes one command
func (rd *RemoteDevice) Send(ctx context.Context, b []byte) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if err := rd.openLocked(ctx); err != nil {
		return err
	}
	rd.arm(ctx)
	err := rd.sendLocked(b)
	if err != nil {
		rd.closeLocked()
	}
	return err
}

// Recv reads one reply with the terminator stripped
func (rd *RemoteDevice) Recv(ctx context.Context) ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn == nil {
		return nil, ErrNotConnected
	}
	rd.arm(ctx)
	buf, err := rd.recvLocked()
	if err != nil && !errors.Is(err, ErrTerminatorNotFound) {
		rd.closeLocked()
	}
	return buf, err
}

// SendRecv sends a command then returns the reply, as one exchange
func (rd *RemoteDevice) SendRecv(ctx context.Context, b []byte) ([]byte, error) {
	return rd.Exchange(ctx, b, func([]byte) bool { return true })
}

// Exchange sends a command then reads replies until accept returns true for
// one, which is returned.  Devices that interleave alerts or info lines with
// replies use accept to skip them.
func (rd *RemoteDevice) Exchange(ctx context.Context, b []byte, accept func([]byte) bool) ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if err := rd.openLocked(ctx); err != nil {
		return nil, err
	}
	rd.arm(ctx)
	if err := rd.sendLocked(b); err != nil {
		rd.closeLocked()
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			// the reply is lost, so is the framing
			rd.closeLocked()
			return nil, err
		}
		resp, err := rd.recvLocked()
		if err != nil {
			rd.closeLocked()
			return nil, err
		}
		if accept(resp) {
			return resp, nil
		}
	}
}

// TCPSetup opens a new TCP connection with a timeout on connect
func TCPSetup(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr)
}
