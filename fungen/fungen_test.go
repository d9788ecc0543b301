package fungen_test

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pennmem/fungen/comm"
	"github.com/pennmem/fungen/fungen"
)

// fakeInstrument is an in-memory SCPI endpoint.  It records every command
// it receives and answers queries from a canned reply table.
type fakeInstrument struct {
	mu      sync.Mutex
	cmds    []string
	replies map[string]string
}

func newFakeInstrument() *fakeInstrument {
	return &fakeInstrument{replies: map[string]string{}}
}

func (f *fakeInstrument) reply(cmd, resp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[cmd] = resp
}

func (f *fakeInstrument) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cmds))
	copy(out, f.cmds)
	return out
}

// waitCommands polls until n commands have been recorded.  A set command
// returns as soon as the bytes cross the pipe, which can be before the serve
// goroutine logs the line.
func (f *fakeInstrument) waitCommands(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := f.commands(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("instrument never received %d commands, have %v", n, f.commands())
	return nil
}

func (f *fakeInstrument) maker() comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		client, srv := net.Pipe()
		go f.serve(srv)
		return client, nil
	}
}

func (f *fakeInstrument) serve(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		cmd := sc.Text()
		f.mu.Lock()
		f.cmds = append(f.cmds, cmd)
		resp, ok := f.replies[cmd]
		f.mu.Unlock()
		if strings.Contains(cmd, "?") {
			if !ok {
				resp = "0"
			}
			conn.Write([]byte(resp + "\n"))
		}
	}
}

func newTestGenerator(f *fakeInstrument) *fungen.FunctionGenerator {
	pool := comm.NewPool(1, time.Minute, f.maker())
	return fungen.NewFunctionGeneratorPool(pool)
}

func TestSetFrequency(t *testing.T) {
	f := newFakeInstrument()
	gen := newTestGenerator(f)
	defer gen.Close()
	if err := gen.SetFrequency(1000); err != nil {
		t.Fatal(err)
	}
	cmds := f.waitCommands(t, 1)
	if len(cmds) != 1 || cmds[0] != "SOURce1:FREQuency 1000" {
		t.Errorf("commands = %v", cmds)
	}
}

func TestSetAmplitudeSendsUnitThenValue(t *testing.T) {
	f := newFakeInstrument()
	gen := newTestGenerator(f)
	defer gen.Close()
	if err := gen.SetAmplitude(2, fungen.VPP); err != nil {
		t.Fatal(err)
	}
	want := []string{"SOURce1:VOLT:UNIT VPP", "SOURce1:VOLTage 2"}
	cmds := f.waitCommands(t, 2)
	if len(cmds) != 2 || cmds[0] != want[0] || cmds[1] != want[1] {
		t.Errorf("commands = %v, want %v", cmds, want)
	}
}

func TestSetAmplitudeInvalidUnitSendsNothing(t *testing.T) {
	f := newFakeInstrument()
	gen := newTestGenerator(f)
	defer gen.Close()
	err := gen.SetAmplitude(2, fungen.VoltageUnit(42))
	if _, ok := err.(fungen.InvalidUnitsError); !ok {
		t.Fatalf("err = %v, want InvalidUnitsError", err)
	}
	if n := len(f.commands()); n != 0 {
		t.Errorf("issued %d commands, want 0", n)
	}
}

func TestSetOffsetInvalidUnitSendsNothing(t *testing.T) {
	f := newFakeInstrument()
	gen := newTestGenerator(f)
	defer gen.Close()
	err := gen.SetOffset(0.5, fungen.VoltageUnit(-1))
	if _, ok := err.(fungen.InvalidUnitsError); !ok {
		t.Fatalf("err = %v, want InvalidUnitsError", err)
	}
	if n := len(f.commands()); n != 0 {
		t.Errorf("issued %d commands, want 0", n)
	}
}

func TestSetNCyclesInfinity(t *testing.T) {
	f := newFakeInstrument()
	gen := newTestGenerator(f)
	defer gen.Close()
	if err := gen.SetNCyclesExtremum(fungen.Infinity); err != nil {
		t.Fatal(err)
	}
	cmds := f.waitCommands(t, 1)
	if len(cmds) != 1 || cmds[0] != "SOURce1:BURSt:NCYCles INFinity" {
		t.Errorf("commands = %v", cmds)
	}
}

func TestSetNCyclesInteger(t *testing.T) {
	f := newFakeInstrument()
	gen := newTestGenerator(f)
	defer gen.Close()
	if err := gen.SetNCycles(12); err != nil {
		t.Fatal(err)
	}
	cmds := f.waitCommands(t, 1)
	if len(cmds) != 1 || cmds[0] != "SOURce1:BURSt:NCYCles 12" {
		t.Errorf("commands = %v", cmds)
	}
}

func TestSetBurstModeTriggered(t *testing.T) {
	f := newFakeInstrument()
	gen := newTestGenerator(f)
	defer gen.Close()
	if err := gen.SetBurstMode(fungen.Triggered); err != nil {
		t.Fatal(err)
	}
	cmds := f.waitCommands(t, 1)
	if len(cmds) != 1 || cmds[0] != "SOURce1:BURSt:MODE TRIGgered" {
		t.Errorf("commands = %v", cmds)
	}
}

func TestSetBurstModeInvalidSendsNothing(t *testing.T) {
	f := newFakeInstrument()
	gen := newTestGenerator(f)
	defer gen.Close()
	err := gen.SetBurstMode(fungen.BurstMode(7))
	if _, ok := err.(fungen.InvalidModeError); !ok {
		t.Fatalf("err = %v, want InvalidModeError", err)
	}
	if n := len(f.commands()); n != 0 {
		t.Errorf("issued %d commands, want 0", n)
	}
}

func TestSetBurstPeriodRejectsInfinity(t *testing.T) {
	f := newFakeInstrument()
	gen := newTestGenerator(f)
	defer gen.Close()
	err := gen.SetBurstPeriodExtremum(fungen.Infinity)
	if _, ok := err.(fungen.InvalidModeError); !ok {
		t.Fatalf("err = %v, want InvalidModeError", err)
	}
	if n := len(f.commands()); n != 0 {
		t.Errorf("issued %d commands, want 0", n)
	}
}

func TestGetFunction(t *testing.T) {
	f := newFakeInstrument()
	f.reply("SOURce1:FUNCtion?", "SIN")
	gen := newTestGenerator(f)
	defer gen.Close()
	fcn, err := gen.GetFunction()
	if err != nil {
		t.Fatal(err)
	}
	if fcn != fungen.Sine {
		t.Errorf("function = %v, want %v", fcn, fungen.Sine)
	}
}

func TestGetOutput(t *testing.T) {
	f := newFakeInstrument()
	f.reply("OUTPut1?", "1")
	gen := newTestGenerator(f)
	defer gen.Close()
	on, err := gen.GetOutput()
	if err != nil {
		t.Fatal(err)
	}
	if !on {
		t.Error("output = off, want on")
	}
}

func TestChannelParametrization(t *testing.T) {
	f := newFakeInstrument()
	gen := newTestGenerator(f)
	defer gen.Close()
	gen.Channel = 2
	if err := gen.EnableOutput(); err != nil {
		t.Fatal(err)
	}
	cmds := f.waitCommands(t, 1)
	if len(cmds) != 1 || cmds[0] != "OUTPut2 ON" {
		t.Errorf("commands = %v", cmds)
	}
}

func TestUploadThroughSession(t *testing.T) {
	f := newFakeInstrument()
	gen := newTestGenerator(f)
	defer gen.Close()
	w, err := fungen.NewWaveform([]float64{1, -2, 2}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if err := gen.Upload(w, "", true); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"OUTPUT OFF",
		"data:arb func, 0.5,-1,1",
		"func:arb func",
		"func:arb:srate 100",
		"voltage:amplitude 2 V",
		"OUTPUT ON",
	}
	cmds := f.waitCommands(t, len(want))
	if len(cmds) != len(want) {
		t.Fatalf("received %d commands, want %d: %v", len(cmds), len(want), cmds)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, cmds[i], want[i])
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFakeInstrument()
	gen := newTestGenerator(f)
	if err := gen.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gen.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestParseTriggerSourceRejectsUnknown(t *testing.T) {
	_, err := fungen.ParseTriggerSource("sometimes")
	if _, ok := err.(fungen.InvalidModeError); !ok {
		t.Fatalf("err = %v, want InvalidModeError", err)
	}
}

func TestParseVoltageUnit(t *testing.T) {
	if _, err := fungen.ParseVoltageUnit("FOO"); err == nil {
		t.Error("FOO: expected an error")
	}
	u, err := fungen.ParseVoltageUnit("vrms")
	if err != nil || u != fungen.VRMS {
		t.Errorf("vrms parsed to %v, %v", u, err)
	}
}
