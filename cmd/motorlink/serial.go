package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tarm/serial"
)

var errNotConnected = errors.New("serial port not connected")

// SerialPort is the part of *serial.Port the client needs. Tests substitute fakes.
type SerialPort interface {
	io.ReadWriteCloser
}

// PortOpener opens the underlying port.
type PortOpener func() (SerialPort, error)

// SendResult is the outcome of one write. Err is nil only if every byte was written.
type SendResult struct {
	Bytes int
	Err   error
}

func (r SendResult) OK() bool { return r.Err == nil }

// SerialTransport is what the effects stage writes commands to.
type SerialTransport interface {
	// SendBytes writes raw bytes.
	SendBytes(b []byte) SendResult
	// Send writes text followed by terminator.
	Send(text, terminator string) SendResult
}

// SerialClientConfig configures SerialClient.
type SerialClientConfig struct {
	Device     string
	Retries    int
	RetryDelay time.Duration
	Lock       bool

	// ConnectOnSend opens a missing port from SendBytes. Set for write-only ports that
	// have no Run loop to reopen them.
	ConnectOnSend bool
}

// SerialClient owns the controller's serial port: writes from the effects stage and a
// reader that turns telemetry lines into events. A failed write closes the port; Run
// notices, reports the disconnect and reopens it.
type SerialClient struct {
	mu     sync.Mutex
	port   SerialPort
	lock   *portLock
	open   PortOpener
	cfg    SerialClientConfig
	logger *slog.Logger
}

// NewSerialClient creates a client. It does not open the port; call Connect or Run.
func NewSerialClient(cfg SerialClientConfig, open PortOpener, logger *slog.Logger) *SerialClient {
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	return &SerialClient{
		open:   open,
		cfg:    cfg,
		logger: logger,
	}
}

// OpenTarmPort returns a PortOpener backed by github.com/tarm/serial.
func OpenTarmPort(device string, baud int, readTimeout time.Duration) PortOpener {
	return func() (SerialPort, error) {
		p, err := serial.OpenPort(&serial.Config{
			Name:        device,
			Baud:        baud,
			ReadTimeout: readTimeout,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// connect opens the port (and the advisory lock, if configured).
func (c *SerialClient) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *SerialClient) connectLocked() error {
	c.closeLocked()

	if c.cfg.Lock {
		l, err := acquirePortLock(c.cfg.Device)
		if err != nil {
			return err
		}
		c.lock = l
	}

	p, err := c.open()
	if err != nil {
		c.releaseLockLocked()
		return fmt.Errorf("open %s: %w", c.cfg.Device, err)
	}
	c.port = p
	return nil
}

// Connect opens the port, retrying up to the configured number of attempts.
func (c *SerialClient) Connect() error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		err := c.connect()
		if err == nil {
			c.logger.Info("serial port open", "device", c.cfg.Device)
			return nil
		}
		lastErr = err
		c.logger.Warn("serial open failed; retrying...", "error", err, "attempt", attempt+1)
		if attempt+1 < c.cfg.Retries {
			time.Sleep(c.cfg.RetryDelay)
		}
	}
	return fmt.Errorf("failed to open serial port after %d attempts: %w", c.cfg.Retries, lastErr)
}

// Connected reports whether a port is currently open.
func (c *SerialClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}

// SendBytes writes b to the port. Writes are serialized; a failed or short write
// closes the port.
func (c *SerialClient) SendBytes(b []byte) SendResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		if !c.cfg.ConnectOnSend {
			return SendResult{Err: errNotConnected}
		}
		if err := c.connectLocked(); err != nil {
			return SendResult{Err: fmt.Errorf("%w: %v", errNotConnected, err)}
		}
		c.logger.Info("serial port open", "device", c.cfg.Device)
	}

	n, err := c.port.Write(b)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	if err != nil {
		c.logger.Warn("serial write failed; closing port", "device", c.cfg.Device, "error", err)
		c.closeLocked()
		return SendResult{Bytes: n, Err: fmt.Errorf("write %s: %w", c.cfg.Device, err)}
	}
	return SendResult{Bytes: n}
}

// Send writes text followed by terminator.
func (c *SerialClient) Send(text, terminator string) SendResult {
	b := make([]byte, 0, len(text)+len(terminator))
	b = append(b, text...)
	b = append(b, terminator...)
	return c.SendBytes(b)
}

// Close closes the port and releases the lock.
func (c *SerialClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *SerialClient) closeLocked() error {
	var err error
	if c.port != nil {
		err = c.port.Close()
		c.port = nil
	}
	c.releaseLockLocked()
	return err
}

func (c *SerialClient) releaseLockLocked() {
	if c.lock != nil {
		if err := c.lock.Release(); err != nil {
			c.logger.Debug("serial lock release failed", "device", c.cfg.Device, "error", err)
		}
		c.lock = nil
	}
}

func (c *SerialClient) currentPort() SerialPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// dropPort closes p if it is still the current port.
func (c *SerialClient) dropPort(p SerialPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == p {
		c.closeLocked()
	}
}

// Run reads controller output until ctx is canceled, reconnecting whenever the port
// is lost. Connection changes and telemetry lines are reported through emit.
func (c *SerialClient) Run(ctx context.Context, emit func(Event)) error {
	defer c.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}

		port := c.currentPort()
		if port == nil {
			if err := c.connect(); err != nil {
				emit(SerialConnectionChanged{Connected: false, Device: c.cfg.Device, Err: err, At: time.Now()})
				if !sleepCtx(ctx, c.cfg.RetryDelay) {
					return nil
				}
				continue
			}
			c.logger.Info("serial port open", "device", c.cfg.Device)
			port = c.currentPort()
			if port == nil {
				continue
			}
		}
		emit(SerialConnectionChanged{Connected: true, Device: c.cfg.Device, At: time.Now()})

		err := c.readLines(ctx, port, emit)
		c.dropPort(port)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("serial port lost", "device", c.cfg.Device, "error", err)
		emit(SerialConnectionChanged{Connected: false, Device: c.cfg.Device, Err: err, At: time.Now()})
		if !sleepCtx(ctx, c.cfg.RetryDelay) {
			return nil
		}
	}
}

// maxDeviceLine bounds a single telemetry line; longer lines are truncated.
const maxDeviceLine = 256

// readLines splits port output on '\n' and emits one event per non-empty line.
// A zero-byte read (read timeout) is not an error. Canceling ctx closes the port,
// which unblocks a pending Read.
func (c *SerialClient) readLines(ctx context.Context, port SerialPort, emit func(Event)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.dropPort(port)
		case <-stop:
		}
	}()

	buf := make([]byte, 128)
	line := make([]byte, 0, maxDeviceLine)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := port.Read(buf)
		for _, b := range buf[:n] {
			switch {
			case b == '\n':
				c.emitLine(string(line), emit)
				line = line[:0]
			case b == '\r':
			case len(line) < maxDeviceLine:
				line = append(line, b)
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				continue
			}
			return err
		}
	}
}

func (c *SerialClient) emitLine(s string, emit func(Event)) {
	dl := parseDeviceLine(s)
	now := time.Now()
	switch dl.Kind {
	case deviceLinePosition:
		emit(DevicePositionObserved{Position: dl.Position, Free: false, At: now})
	case deviceLineFreePosition:
		emit(DevicePositionObserved{Position: dl.Position, Free: true, At: now})
	default:
		if dl.Text == "" {
			return
		}
		c.logger.Debug("device", "line", dl.Text)
		emit(DeviceLogObserved{Line: dl.Text, At: now})
	}
}

// sleepCtx waits for d or until ctx is done. It reports whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
