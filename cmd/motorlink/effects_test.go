package main

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeTransport records writes. failNext makes the next N sends fail.
type fakeTransport struct {
	mu       sync.Mutex
	writes   [][]byte
	lines    []string // Send calls only
	failNext int
}

func (f *fakeTransport) SendBytes(b []byte) SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return SendResult{Err: errors.New("write failed")}
	}
	f.writes = append(f.writes, append([]byte(nil), b...))
	return SendResult{Bytes: len(b)}
}

func (f *fakeTransport) Send(text, terminator string) SendResult {
	res := f.SendBytes([]byte(text + terminator))
	if res.OK() {
		f.mu.Lock()
		f.lines = append(f.lines, text)
		f.mu.Unlock()
	}
	return res
}

func (f *fakeTransport) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	for i, w := range f.writes {
		out[i] = string(w)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collectEffect(transports Transports, cmd Command) []Event {
	var got []Event
	runEffect(transports, cmd, discardLogger(), func(ev Event) { got = append(got, ev) })
	return got
}

func TestRunEffect_LineCommandUsesSend(t *testing.T) {
	ft := &fakeTransport{}
	got := collectEffect(Transports{Motor: ft}, CmdSetPosition{Position: 42})

	require.Equal(t, []string{"P42\n"}, ft.Writes())
	require.Equal(t, []string{"P42"}, ft.lines)
	require.Len(t, got, 1)
	obs, ok := got[0].(SerialWriteObserved)
	require.True(t, ok)
	require.Equal(t, 4, obs.Bytes)
}

func TestRunEffect_BulkGoesToBulkPort(t *testing.T) {
	motor, bulk := &fakeTransport{}, &fakeTransport{}
	var cmd CmdSendBulk
	cmd.Data[0] = 0x0A
	got := collectEffect(Transports{Motor: motor, Bulk: bulk}, cmd)

	require.Empty(t, motor.Writes())
	require.Len(t, bulk.Writes(), 1)
	require.Len(t, bulk.Writes()[0], bulkFrameLen)
	require.Empty(t, bulk.lines, "bulk frames are not newline terminated")
	require.IsType(t, SerialWriteObserved{}, got[0])

	// Line commands never use the bulk port.
	collectEffect(Transports{Motor: motor, Bulk: bulk}, CmdFreeMode{})
	require.Equal(t, []string{"F\n"}, motor.Writes())
	require.Len(t, bulk.Writes(), 1)
}

func TestRunEffect_BulkWithoutBulkPort(t *testing.T) {
	motor := &fakeTransport{}
	got := collectEffect(Transports{Motor: motor}, CmdSendBulk{})

	require.Empty(t, motor.Writes(), "bulk frames must not fall back to the motor port")
	require.Len(t, got, 1)
	require.ErrorIs(t, got[0].(SerialWriteFailed).Err, errNoBulkTransport)
}

func TestRunEffect_FailureReported(t *testing.T) {
	ft := &fakeTransport{failNext: 1}
	got := collectEffect(Transports{Motor: ft}, CmdFreeMode{})

	require.Empty(t, ft.Writes())
	require.Len(t, got, 1)
	failed, ok := got[0].(SerialWriteFailed)
	require.True(t, ok)
	require.Error(t, failed.Err)
}

func TestRunEffect_NoTransport(t *testing.T) {
	got := collectEffect(Transports{}, CmdLock{})
	require.Len(t, got, 1)
	require.ErrorIs(t, got[0].(SerialWriteFailed).Err, errNoTransport)
}

func TestRunEffect_SnapshotReplyNeverBlocks(t *testing.T) {
	reply := make(chan StateSnapshot) // unbuffered, nobody reading
	got := collectEffect(Transports{}, CmdPublishStateSnapshot{Reply: reply})
	require.Empty(t, got)

	buffered := make(chan StateSnapshot, 1)
	collectEffect(Transports{}, CmdPublishStateSnapshot{Snapshot: StateSnapshot{DataBufferLen: 3}, Reply: buffered})
	snap := <-buffered
	require.Equal(t, 3, snap.DataBufferLen)
}
