package scpi_test

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pennmem/fungen/comm"
	"github.com/pennmem/fungen/scpi"
)

// fakeDevice answers line-oriented SCPI traffic over net.Pipe.  respond maps
// a received line to the reply; lines with no entry get no reply.
type fakeDevice struct {
	mu      sync.Mutex
	lines   []string
	respond func(line string) (string, bool)
}

func (f *fakeDevice) pool() *comm.Pool {
	maker := func() (io.ReadWriteCloser, error) {
		client, srv := net.Pipe()
		go f.serve(srv)
		return client, nil
	}
	return comm.NewPool(1, time.Minute, maker)
}

func (f *fakeDevice) serve(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		f.mu.Lock()
		f.lines = append(f.lines, line)
		f.mu.Unlock()
		if f.respond == nil {
			continue
		}
		if resp, ok := f.respond(line); ok {
			conn.Write([]byte(resp + "\n"))
		}
	}
}

func (f *fakeDevice) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.lines))
	copy(out, f.lines)
	return out
}

// waitReceived polls until the device has logged n lines.  Writes without a
// reply return before the serve goroutine records the line, so assertions on
// received traffic have to wait for it.
func (f *fakeDevice) waitReceived(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := f.received(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("device never received %d lines, have %v", n, f.received())
	return nil
}

func TestWriteNoHandshaking(t *testing.T) {
	dev := &fakeDevice{}
	pool := dev.pool()
	defer pool.Close()
	s := scpi.SCPI{Pool: pool}
	if err := s.Write("OUTPut1", "ON"); err != nil {
		t.Fatal(err)
	}
	got := dev.waitReceived(t, 1)
	if len(got) != 1 || got[0] != "OUTPut1 ON" {
		t.Errorf("device received %v", got)
	}
}

func TestWriteHandshakingOK(t *testing.T) {
	dev := &fakeDevice{respond: func(line string) (string, bool) {
		return `+0,"No error"`, true
	}}
	pool := dev.pool()
	defer pool.Close()
	s := scpi.SCPI{Pool: pool, Handshaking: true}
	if err := s.Write("OUTPut1 ON"); err != nil {
		t.Fatal(err)
	}
	got := dev.received()
	want := "*CLS; OUTPut1 ON ;:SYSTem:ERRor?"
	if len(got) != 1 || got[0] != want {
		t.Errorf("device received %v, want [%s]", got, want)
	}
}

func TestWriteHandshakingDeviceError(t *testing.T) {
	dev := &fakeDevice{respond: func(line string) (string, bool) {
		return `-113,"Undefined header"`, true
	}}
	pool := dev.pool()
	defer pool.Close()
	s := scpi.SCPI{Pool: pool, Handshaking: true}
	err := s.Write("BOGUS:CMD 1")
	var cerr *scpi.CommunicationError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *CommunicationError", err)
	}
	if cerr.Cmd != "BOGUS:CMD 1" {
		t.Errorf("Cmd = %q", cerr.Cmd)
	}
	if !strings.Contains(cerr.Resp, "-113") {
		t.Errorf("Resp = %q, want device status", cerr.Resp)
	}
	if cerr.Err != nil {
		t.Errorf("Err = %v, want nil for a device-reported error", cerr.Err)
	}
}

func TestWriteReadHandshakingSplitsPayload(t *testing.T) {
	dev := &fakeDevice{respond: func(line string) (string, bool) {
		return `SIN;+0,"No error"`, true
	}}
	pool := dev.pool()
	defer pool.Close()
	s := scpi.SCPI{Pool: pool, Handshaking: true}
	resp, err := s.ReadString("SOURce1:FUNCtion?")
	if err != nil {
		t.Fatal(err)
	}
	if resp != "SIN" {
		t.Errorf("payload = %q, want SIN", resp)
	}
}

func TestReadFloat(t *testing.T) {
	dev := &fakeDevice{respond: func(line string) (string, bool) {
		return "+1.5E+03", true
	}}
	pool := dev.pool()
	defer pool.Close()
	s := scpi.SCPI{Pool: pool}
	f, err := s.ReadFloat("SOURce1:FREQuency?")
	if err != nil {
		t.Fatal(err)
	}
	if f != 1500 {
		t.Errorf("value = %v, want 1500", f)
	}
}

func TestReadBool(t *testing.T) {
	dev := &fakeDevice{respond: func(line string) (string, bool) {
		return "1", true
	}}
	pool := dev.pool()
	defer pool.Close()
	s := scpi.SCPI{Pool: pool}
	b, err := s.ReadBool("OUTPut1?")
	if err != nil {
		t.Fatal(err)
	}
	if !b {
		t.Error("value = false, want true")
	}
}

func TestReadInt(t *testing.T) {
	dev := &fakeDevice{respond: func(line string) (string, bool) {
		return "42", true
	}}
	pool := dev.pool()
	defer pool.Close()
	s := scpi.SCPI{Pool: pool}
	n, err := s.ReadInt("SOURce1:BURSt:NCYCles?")
	if err != nil {
		t.Fatal(err)
	}
	if n != 42 {
		t.Errorf("value = %d, want 42", n)
	}
}

func TestRawDispatchesOnQuestionMark(t *testing.T) {
	dev := &fakeDevice{respond: func(line string) (string, bool) {
		if strings.Contains(line, "?") {
			return "PULS", true
		}
		return "", false
	}}
	pool := dev.pool()
	defer pool.Close()
	s := scpi.SCPI{Pool: pool, Handshaking: true}
	resp, err := s.Raw("SOURce1:FUNCtion?")
	if err != nil {
		t.Fatal(err)
	}
	if resp != "PULS" {
		t.Errorf("query response = %q", resp)
	}
	if _, err = s.Raw("OUTPut1 OFF"); err != nil {
		t.Fatal(err)
	}
	// raw traffic bypasses handshaking in both directions
	got := dev.waitReceived(t, 2)
	if len(got) != 2 || got[0] != "SOURce1:FUNCtion?" || got[1] != "OUTPut1 OFF" {
		t.Errorf("device received %v", got)
	}
	if !s.Handshaking {
		t.Error("Handshaking was not restored")
	}
}

func TestLoggerEchoesCommands(t *testing.T) {
	dev := &fakeDevice{}
	pool := dev.pool()
	defer pool.Close()
	var buf bytes.Buffer
	s := scpi.SCPI{Pool: pool, Logger: log.New(&buf, "", 0)}
	if err := s.Write("OUTPut1 ON"); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "OUTPut1 ON\n" {
		t.Errorf("echo = %q", got)
	}
}

func TestCheckStatusShortResponse(t *testing.T) {
	dev := &fakeDevice{respond: func(line string) (string, bool) {
		return "0", true
	}}
	pool := dev.pool()
	defer pool.Close()
	s := scpi.SCPI{Pool: pool, Handshaking: true}
	err := s.Write("OUTPut1 ON")
	var cerr *scpi.CommunicationError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *CommunicationError", err)
	}
}
