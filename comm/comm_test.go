package comm

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeConn is an in-memory ReadWriteCloser that records whether it was closed
type fakeConn struct {
	mu     sync.Mutex
	rbuf   bytes.Buffer
	wbuf   bytes.Buffer
	closed bool
}

func (f *fakeConn) Read(p []byte) (int, error)  { return f.rbuf.Read(p) }
func (f *fakeConn) Write(p []byte) (int, error) { return f.wbuf.Write(p) }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestTerminatorAppendsOnWrite(t *testing.T) {
	fc := &fakeConn{}
	term := NewTerminator(fc, '\n', '\n')
	n, err := term.Write([]byte("*IDN?"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("n = %d, want the pre-terminator length 5", n)
	}
	if got := fc.wbuf.String(); got != "*IDN?\n" {
		t.Errorf("wire bytes = %q", got)
	}
}

func TestTerminatorStripsOnRead(t *testing.T) {
	fc := &fakeConn{}
	fc.rbuf.WriteString("+1.0E+00\r\n")
	term := NewTerminator(fc, '\n', '\n')
	buf := make([]byte, 64)
	n, err := term.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "+1.0E+00" {
		t.Errorf("read %q, want terminator and CR stripped", got)
	}
}

func TestTimeoutPassesThroughPlainReadWriters(t *testing.T) {
	var buf bytes.Buffer
	rw, err := NewTimeout(&buf, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if rw != io.ReadWriter(&buf) {
		t.Error("a deadline-less ReadWriter should come back unwrapped")
	}
}

func TestTimeoutExpires(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()
	rw, err := NewTimeout(client, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err = rw.Read(buf); err == nil {
		t.Fatal("read with nothing to read should hit the deadline")
	}
}

func TestPoolReusesIdleConnections(t *testing.T) {
	var made int
	maker := func() (io.ReadWriteCloser, error) {
		made++
		return &fakeConn{}, nil
	}
	p := NewPool(1, time.Minute, maker)
	defer p.Close()
	c, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	p.Put(c)
	c2, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Put(c2)
	if made != 1 {
		t.Errorf("made %d connections, want 1", made)
	}
	if c2 != c {
		t.Error("second lease should reuse the idle connection")
	}
}

func TestPoolReturnWithErrorDestroys(t *testing.T) {
	var made int
	maker := func() (io.ReadWriteCloser, error) {
		made++
		return &fakeConn{}, nil
	}
	p := NewPool(1, time.Minute, maker)
	defer p.Close()
	c, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	p.ReturnWithError(c, io.ErrUnexpectedEOF)
	if !c.(*fakeConn).isClosed() {
		t.Error("errored connection was not closed")
	}
	if p.Size() != 0 {
		t.Errorf("Size = %d, want 0 after destroy", p.Size())
	}
	c2, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Put(c2)
	if made != 2 {
		t.Errorf("made %d connections, want a fresh one after destroy", made)
	}
}

func TestPoolReturnWithErrorNilPuts(t *testing.T) {
	maker := func() (io.ReadWriteCloser, error) {
		return &fakeConn{}, nil
	}
	p := NewPool(1, time.Minute, maker)
	defer p.Close()
	c, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	p.ReturnWithError(c, nil)
	if p.Size() != 1 || p.Active() != 0 {
		t.Errorf("Size, Active = %d, %d; want 1, 0", p.Size(), p.Active())
	}
}

func TestPoolBlocksWhenExhausted(t *testing.T) {
	maker := func() (io.ReadWriteCloser, error) {
		return &fakeConn{}, nil
	}
	p := NewPool(1, time.Minute, maker)
	defer p.Close()
	c, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Put(c)
	}()
	c2, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Put(c2)
	if c2 != c {
		t.Error("exhausted pool should hand back the returned connection")
	}
}

func TestPoolTimeoutReclaimsIdle(t *testing.T) {
	maker := func() (io.ReadWriteCloser, error) {
		return &fakeConn{}, nil
	}
	p := NewPool(1, 10*time.Millisecond, maker)
	defer p.Close()
	c, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	p.Put(c)
	deadline := time.Now().Add(time.Second)
	for p.Size() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.Size() != 0 {
		t.Fatalf("Size = %d, idle connection was never reclaimed", p.Size())
	}
	if !c.(*fakeConn).isClosed() {
		t.Error("reclaimed connection was not closed")
	}
}

func TestPoolGetAfterClose(t *testing.T) {
	maker := func() (io.ReadWriteCloser, error) {
		return &fakeConn{}, nil
	}
	p := NewPool(1, time.Minute, maker)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(); err != ErrPoolClosed {
		t.Errorf("err = %v, want ErrPoolClosed", err)
	}
}

func TestPoolCloseClosesLateReturns(t *testing.T) {
	maker := func() (io.ReadWriteCloser, error) {
		return &fakeConn{}, nil
	}
	p := NewPool(1, time.Minute, maker)
	c, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	if err = p.Close(); err != nil {
		t.Fatal(err)
	}
	p.Put(c)
	if !c.(*fakeConn).isClosed() {
		t.Error("lease returned after Close was not closed")
	}
}

func TestTCPSetup(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		conn, aerr := l.Accept()
		if aerr == nil {
			conn.Close()
		}
	}()
	conn, err := TCPSetup(l.Addr().String(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
}
