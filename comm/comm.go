/*Package comm provides transport plumbing for communication with lab hardware.

The pieces here are deliberately small and composable:

	1.  TCPSetup dials a socket instrument with retry logic, since some
	    devices reject connections while their firmware is busy tearing
	    down the previous one.
	2.  NewTerminator wraps a connection so that writes carry the Tx
	    termination byte and reads have the Rx terminator stripped.
	3.  NewTimeout arms a fresh deadline before each read or write when
	    the underlying connection supports deadlines.
	4.  Pool holds connections to a single device, reopening them as
	    needed and freeing them after a period of disuse.

A session layer (see package scpi) composes these per command.
*/
package comm

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

var (
	// ErrNotConnected is generated when an operation is attempted on a
	// connection that was never established.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrPoolClosed is generated when a connection is requested from a
	// closed pool.
	ErrPoolClosed = errors.New("pool is closed")
)

// Terminators holds the Rx and Tx termination bytes for a device
type Terminators struct {
	Rx, Tx byte
}

// Terminator wraps an io.ReadWriter; writes have the Tx terminator
// appended and reads have the Rx terminator (and any preceding carriage
// return) stripped.
type Terminator struct {
	rw     io.ReadWriter
	rx, tx byte
}

// NewTerminator returns a Terminator wrapping rw
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, rx: rx, tx: tx}
}

// Write sends p with the Tx terminator appended.  The returned count
// excludes the terminator.
func (t *Terminator) Write(p []byte) (int, error) {
	buf := make([]byte, len(p)+1)
	copy(buf, p)
	buf[len(p)] = t.tx
	n, err := t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// Read reads into p and strips a trailing Rx terminator and carriage return
func (t *Terminator) Read(p []byte) (int, error) {
	n, err := t.rw.Read(p)
	if err != nil {
		return n, err
	}
	buf := p[:n]
	buf = bytes.TrimSuffix(buf, []byte{t.rx})
	buf = bytes.TrimSuffix(buf, []byte{'\r'})
	return len(buf), nil
}

// SetDeadline passes the deadline to the wrapped connection if it
// supports deadlines
func (t *Terminator) SetDeadline(tt time.Time) error {
	if d, ok := t.rw.(deadliner); ok {
		return d.SetDeadline(tt)
	}
	return nil
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// timeoutRW arms a deadline before every read and write
type timeoutRW struct {
	rw io.ReadWriter
	d  deadliner
	t  time.Duration
}

// NewTimeout wraps rw such that each Read or Write call is bounded by
// timeout.  If the connection does not support deadlines (e.g. a serial
// port, which carries its own read timeout) rw is returned unchanged.
func NewTimeout(rw io.ReadWriter, timeout time.Duration) (io.ReadWriter, error) {
	if d, ok := rw.(deadliner); ok {
		return &timeoutRW{rw: rw, d: d, t: timeout}, nil
	}
	return rw, nil
}

func (t *timeoutRW) Read(p []byte) (int, error) {
	err := t.d.SetDeadline(time.Now().Add(t.t))
	if err != nil {
		return 0, err
	}
	return t.rw.Read(p)
}

func (t *timeoutRW) Write(p []byte) (int, error) {
	err := t.d.SetDeadline(time.Now().Add(t.t))
	if err != nil {
		return 0, err
	}
	return t.rw.Write(p)
}

// TCPSetup opens a new TCP connection and sets a timeout on connect.
// Refused connections are retried with an exponential backoff; devices
// with lethargic TCP stacks do not like being connection thrashed.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	var conn net.Conn
	var permanent error
	op := func() error {
		var err error
		conn, err = net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return err
			}
			permanent = err
			return nil
		}
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, err
	}
	if permanent != nil {
		return nil, permanent
	}
	return conn, nil
}
