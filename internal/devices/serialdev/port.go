package serialdev

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

// readSlice bounds one blocking Read so deadlines are checked regularly.
const readSlice = 100 * time.Millisecond

// maxLine bounds a line before it is treated as garbage.
const maxLine = 4096

// ErrReadTimeout is returned when no complete line arrives in time.
var ErrReadTimeout = errors.New("serialdev: read timed out")

// conn is the part of serial.Port the sensor uses.
type conn interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

var openPort = func(name string, baud int) (conn, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	return p, nil
}

// port is one opened serial device, shared by every sensor configured on
// the same path. Exchanges are serialised.
type port struct {
	name string
	mu   sync.Mutex
	c    conn
	buf  []byte
}

func newPort(name string, baud int) (*port, error) {
	c, err := openPort(name, baud)
	if err != nil {
		return nil, err
	}
	if err := c.SetReadTimeout(readSlice); err != nil {
		c.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	return &port{name: name, c: c}, nil
}

// exchange optionally writes request, then reads one line within timeout.
// Stale input is discarded before a request is sent.
func (p *port) exchange(request string, timeout time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if request != "" {
		p.buf = p.buf[:0]
		if err := p.c.ResetInputBuffer(); err != nil {
			return "", fmt.Errorf("flushing %s: %w", p.name, err)
		}
		if _, err := io.WriteString(p.c, request); err != nil {
			return "", fmt.Errorf("writing to %s: %w", p.name, err)
		}
	}
	return p.readLine(time.Now().Add(timeout))
}

// readLine returns the next newline-terminated line without its line
// ending. Bytes after the newline are kept for the next call.
func (p *port) readLine(deadline time.Time) (string, error) {
	chunk := make([]byte, 256)
	for {
		if i := bytes.IndexByte(p.buf, '\n'); i >= 0 {
			line := string(bytes.TrimRight(p.buf[:i], "\r"))
			p.buf = append(p.buf[:0], p.buf[i+1:]...)
			return line, nil
		}
		if len(p.buf) > maxLine {
			p.buf = p.buf[:0]
			return "", fmt.Errorf("%s: line longer than %d bytes", p.name, maxLine)
		}
		if !time.Now().Before(deadline) {
			return "", fmt.Errorf("%w on %s", ErrReadTimeout, p.name)
		}
		n, err := p.c.Read(chunk)
		p.buf = append(p.buf, chunk[:n]...)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", p.name, err)
		}
	}
}

// Close closes the device.
func (p *port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.c.Close()
}
