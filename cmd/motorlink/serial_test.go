package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePort serves queued reads, then reports a read timeout (0, io.EOF) until closed
// or until readErr is set.
type fakePort struct {
	mu       sync.Mutex
	reads    [][]byte
	readErr  error
	written  []byte
	writeErr error
	shortBy  int
	closed   bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if len(p.reads) > 0 {
		chunk := p.reads[0]
		p.reads = p.reads[1:]
		n := copy(b, chunk)
		p.mu.Unlock()
		return n, nil
	}
	err := p.readErr
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}
	time.Sleep(5 * time.Millisecond)
	return 0, io.EOF
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	n := len(b) - p.shortBy
	p.written = append(p.written, b[:n]...)
	return n, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func newTestSerialClient(ports ...*fakePort) (*SerialClient, *int) {
	opened := 0
	open := func() (SerialPort, error) {
		if opened >= len(ports) {
			return nil, errors.New("no such device")
		}
		p := ports[opened]
		opened++
		return p, nil
	}
	c := NewSerialClient(SerialClientConfig{
		Device:     "/dev/ttyTEST",
		Retries:    2,
		RetryDelay: time.Millisecond,
	}, open, discardLogger())
	return c, &opened
}

func TestSerialClient_SendBeforeConnect(t *testing.T) {
	c, _ := newTestSerialClient()
	res := c.Send("F", lineTerminator)
	require.False(t, res.OK())
	require.ErrorIs(t, res.Err, errNotConnected)
}

func TestSerialClient_ConnectRetriesThenFails(t *testing.T) {
	c, opened := newTestSerialClient()
	err := c.Connect()
	require.Error(t, err)
	require.Equal(t, 0, *opened)
	require.False(t, c.Connected())
}

func TestSerialClient_SendWritesBytes(t *testing.T) {
	port := &fakePort{}
	c, _ := newTestSerialClient(port)
	require.NoError(t, c.Connect())

	res := c.Send("P42", lineTerminator)
	require.True(t, res.OK())
	require.Equal(t, 4, res.Bytes)

	var data [bulkSampleCount]byte
	res = c.SendBytes(encodeBulk(data))
	require.True(t, res.OK())
	require.Equal(t, bulkFrameLen, res.Bytes)

	require.Equal(t, append([]byte("P42\n"), encodeBulk(data)...), port.written)
}

func TestSerialClient_ShortWriteClosesPort(t *testing.T) {
	port := &fakePort{shortBy: 1}
	c, _ := newTestSerialClient(port)
	require.NoError(t, c.Connect())

	res := c.Send("L", lineTerminator)
	require.ErrorIs(t, res.Err, io.ErrShortWrite)
	require.Equal(t, 1, res.Bytes)
	require.True(t, port.isClosed())
	require.False(t, c.Connected())

	// Nothing more goes out until the port is reopened.
	require.ErrorIs(t, c.Send("F", lineTerminator).Err, errNotConnected)
}

func TestSerialClient_RunParsesTelemetryAndReconnects(t *testing.T) {
	first := &fakePort{
		reads: [][]byte{
			[]byte("Pos:1"),
			[]byte("2\r\nFreePos:-4\r\nhello\r\n\r\n"),
		},
		readErr: errors.New("device unplugged"),
	}
	second := &fakePort{}
	c, opened := newTestSerialClient(first, second)

	var mu sync.Mutex
	var got []Event
	emit := func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, emit) }()

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		connects := 0
		for _, ev := range got {
			if cc, ok := ev.(SerialConnectionChanged); ok && cc.Connected {
				connects++
			}
		}
		return connects == 2
	}, "expected reconnect")

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 2, *opened)
	require.True(t, second.isClosed())

	mu.Lock()
	defer mu.Unlock()

	var positions []DevicePositionObserved
	var logs []string
	var lost bool
	for _, ev := range got {
		switch e := ev.(type) {
		case DevicePositionObserved:
			positions = append(positions, e)
		case DeviceLogObserved:
			logs = append(logs, e.Line)
		case SerialConnectionChanged:
			if !e.Connected && e.Err != nil {
				lost = true
			}
		}
	}
	require.Len(t, positions, 2)
	require.EqualValues(t, 12, positions[0].Position)
	require.False(t, positions[0].Free)
	require.EqualValues(t, -4, positions[1].Position)
	require.True(t, positions[1].Free)
	require.Equal(t, []string{"hello"}, logs)
	require.True(t, lost, "disconnect should be reported")
}

// pipePort blocks in Read until data arrives or the port is closed, like a serial
// device opened without a read timeout.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return len(b), nil }
func (p *pipePort) Close() error {
	_ = p.w.Close()
	return p.r.Close()
}

func TestSerialClient_RunStopsWhileReadBlocked(t *testing.T) {
	port := newPipePort()
	c := NewSerialClient(SerialClientConfig{Device: "/dev/ttyTEST", Retries: 1, RetryDelay: time.Millisecond},
		func() (SerialPort, error) { return port, nil }, discardLogger())

	connected := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(ev Event) {
			if cc, ok := ev.(SerialConnectionChanged); ok && cc.Connected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		})
	}()

	<-connected
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Run still blocked after cancel")
	}
	require.False(t, c.Connected())
}

func TestSerialClient_ConnectOnSend(t *testing.T) {
	port := &fakePort{}
	c, opened := newTestSerialClient(port)
	c.cfg.ConnectOnSend = true

	res := c.SendBytes([]byte{bulkHeader})
	require.True(t, res.OK())
	require.Equal(t, 1, *opened)
	require.Equal(t, []byte{bulkHeader}, port.written)

	// Nothing left to open: the send fails but reports why.
	require.NoError(t, c.Close())
	res = c.SendBytes([]byte{bulkHeader})
	require.ErrorIs(t, res.Err, errNotConnected)
	require.ErrorContains(t, res.Err, "no such device")
}
