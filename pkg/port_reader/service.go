// Package port_reader reads the tank controller's serial line and routes
// each text line to the tank channel it belongs to.
package port_reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/jacobsa/go-serial/serial"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/metrics"
)

// Longest accepted line, prefix and checksum included.
const maxLineLength = 128

// Back-to-back empty reads, each returning well before the read timeout,
// after which the port is treated as hung up.
const maxFastEmptyReads = 5

var ErrHangup = errors.New("serial port hung up")

// TankReader owns the serial handle and feeds a Router.
type TankReader struct {
	port     string
	baudrate uint
	timeout  time.Duration
	router   *Router
	log      *log.Logger
}

// NewTankReader prepares a reader for port. A read that sees no byte for
// timeout returns so cancellation is noticed.
func NewTankReader(port string, baudrate uint, timeout time.Duration, router *Router) *TankReader {
	return &TankReader{
		port:     port,
		baudrate: baudrate,
		timeout:  timeout,
		router:   router,
		log:      log.WithPrefix("serial"),
	}
}

// Run opens the serial port and reads until ctx is cancelled or the port
// fails. It does not reconnect.
func (p *TankReader) Run(ctx context.Context) error {
	port, timeout, err := p.connect()
	if err != nil {
		return err
	}
	defer func() {
		port.Close()
		p.log.Info("Disconnected from serial port", "port", p.port)
	}()

	// Unblock a pending read on shutdown.
	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer stop()

	err = p.ReadLines(ctx, newTimeoutReader(port, timeout))
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// connect returns the open port and the read timeout actually applied.
func (p *TankReader) connect() (io.ReadWriteCloser, time.Duration, error) {
	// The termios read timeout has 100ms resolution.
	timeoutMs := uint(p.timeout / time.Millisecond)
	timeoutMs = (timeoutMs + 99) / 100 * 100
	if timeoutMs == 0 {
		timeoutMs = 100
	}

	options := serial.OpenOptions{
		PortName:              p.port,
		BaudRate:              p.baudrate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: timeoutMs,
	}

	port, err := serial.Open(options)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open serial port %s: %w", p.port, err)
	}
	p.log.Info("Connected to serial port", "port", p.port, "baud", p.baudrate)
	return port, time.Duration(timeoutMs) * time.Millisecond, nil
}

// ReadLines splits r into LF terminated lines and dispatches them. CR bytes
// are ignored, lines that are not valid UTF-8 or exceed the length bound are
// dropped. An unterminated tail at EOF is dropped. Returns nil on EOF or
// cancellation.
func (p *TankReader) ReadLines(ctx context.Context, r io.Reader) error {
	buf := make([]byte, 256)
	line := make([]byte, 0, maxLineLength)
	overflow := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			switch {
			case b == '\r':
			case b == '\n':
				if overflow {
					p.router.discard(string(line), metrics.ReasonTooLong)
				} else {
					p.handleLine(line)
				}
				line = line[:0]
				overflow = false
			case len(line) >= maxLineLength:
				overflow = true
			default:
				line = append(line, b)
			}
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("serial read failed: %w", err)
		}
	}
}

func (p *TankReader) handleLine(raw []byte) {
	if !utf8.Valid(raw) {
		p.router.discard(fmt.Sprintf("%q", raw), metrics.ReasonEncoding)
		return
	}
	line := strings.TrimSpace(string(bytes.TrimRight(raw, "\x00")))
	if line == "" {
		return
	}
	p.router.Dispatch(line)
}

// timeoutReader turns the zero-byte read of an expired serial timeout into
// an empty read instead of io.EOF. A hung up tty also reads as EOF, but
// immediately; a run of such fast empty reads is reported as ErrHangup.
type timeoutReader struct {
	r       io.Reader
	timeout time.Duration
	now     func() time.Time
	fast    int
}

func newTimeoutReader(r io.Reader, timeout time.Duration) *timeoutReader {
	return &timeoutReader{r: r, timeout: timeout, now: time.Now}
}

func (t *timeoutReader) Read(b []byte) (int, error) {
	start := t.now()
	n, err := t.r.Read(b)
	if n > 0 || !errors.Is(err, io.EOF) {
		t.fast = 0
		return n, err
	}

	if t.now().Sub(start) < t.timeout/2 {
		t.fast++
		if t.fast >= maxFastEmptyReads {
			return 0, ErrHangup
		}
	} else {
		t.fast = 0
	}
	return 0, nil
}
