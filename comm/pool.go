package comm

import (
	"io"
	"sync"
	"time"
)

// CreationFunc is a function which returns a new "connection" to something.
// A closure should be used to encapsulate the variables and functions needed.
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// It is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	mu      sync.Mutex
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out
	timeout time.Duration           // time after all connections return to free them
	conns   chan io.ReadWriteCloser // the circular buffer of idle connections
	timer   *time.Timer
	maker   CreationFunc
	closed  bool

	reclaiming bool // whether startReclaim's goroutine is running
}

// NewPool creates a new Pool holding up to maxSize connections, which are
// freed after timeout elapses with all of them idle.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		timer:   time.NewTimer(timeout),
		maker:   maker,
	}
	p.timer.Stop() // nothing to close initially
	return p
}

// Get retrieves a connection from the pool, blocking until one is available
// if all are in use.  It is guaranteed that there is no contention for the
// ReadWriter.  The consumer should not cast it to its concrete type and use
// it outside this interface.
//
// When done, return it with Put, or discard it with Destroy if it has gone
// bad (e.g., all calls error).  ReturnWithError does the right thing based
// on an error value.
func (p *Pool) Get() (io.ReadWriter, error) {
	// the Stop can fail as documented ( https://golang.org/pkg/time/#Timer.Stop )
	// but a fresh connection will be made anyway, so we can ignore that
	p.timer.Stop()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	// short circuit: an idle connection is immediately returned
	select {
	case ret := <-p.conns:
		p.onLease++
		p.mu.Unlock()
		return ret, nil
	default:
	}
	if p.onLease == p.maxSize {
		// all given out, wait for one to come back.  Unlock so it can.
		p.mu.Unlock()
		ret := <-p.conns
		p.mu.Lock()
		p.onLease++
		p.mu.Unlock()
		return ret, nil
	}
	// none idle and room to grow; make one and lease it out.
	// only increment the lease count if we are giving out something
	// other than garbage.
	p.mu.Unlock()
	c, err := p.maker()
	if err == nil {
		p.mu.Lock()
		p.onLease++
		p.mu.Unlock()
	}
	return c, err
}

// Put restores a connection to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.  Junk connections should be Destroy()'d instead.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	if p.closed {
		p.onLease--
		p.mu.Unlock()
		rwc.Close()
		return
	}
	p.conns <- rwc
	p.onLease--
	if len(p.conns) == p.maxSize {
		p.startReclaim()
	}
	p.mu.Unlock()
}

// Destroy immediately frees a connection.  This should be used instead of
// Put if the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
}

// ReturnWithError Puts the connection back if err is nil, else Destroys it.
// Transport errors leave a connection in an unknown framing state, so it is
// not safe to reuse.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if rw == nil {
		return
	}
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections currently given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close closes all idle connections and marks the pool closed; Get errors
// afterward and returned leases are closed on arrival.  Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.timer.Stop()
	var err error
	for {
		select {
		case c := <-p.conns:
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		default:
			return err
		}
	}
}

// startReclaim spawns a goroutine which closes all idle connections after
// the timeout elapses.  Callers must hold p.mu.
func (p *Pool) startReclaim() {
	p.timer.Reset(p.timeout)
	if p.reclaiming {
		return
	}
	p.reclaiming = true
	go func() {
		<-p.timer.C
		p.mu.Lock()
		defer p.mu.Unlock()
		p.reclaiming = false
		for {
			select {
			case c := <-p.conns:
				c.Close()
			default:
				return
			}
		}
	}()
}
