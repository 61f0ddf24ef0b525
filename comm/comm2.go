package comm

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
//
// A pool of size 1 serializes every user of a link, which is how a control
// loop and an HTTP server share one USB serial port.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out, <= cap(conns)
	timeout time.Duration           // time after all are returned to free all connections
	conns   chan io.ReadWriteCloser // the circular buffer of idle connections
	slots   chan struct{}           // one token per connection that may exist
	timer   *time.Timer             // fires to destroy idle connections
	maker   CreationFunc

	mu *sync.Mutex
}

// NewPool creates a new pool of at most maxSize connections, which are
// closed after timeout elapses with none of them in use
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		slots:   make(chan struct{}, maxSize),
		maker:   maker,
		mu:      &sync.Mutex{},
	}
	for i := 0; i < maxSize; i++ {
		p.slots <- struct{}{}
	}
	p.timer = time.AfterFunc(timeout, p.reclaim)
	p.timer.Stop() // nothing to close initially
	return p
}

// Get retrieves a communicator from the pool, blocking until one is
// available if all are in use.  It is guaranteed that there is no contention
// for the ReadWriter.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good.  ReturnWithError chooses between the two.
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.timer.Stop()
	select {
	case c := <-p.conns:
		p.lease(1)
		return c, nil
	case <-p.slots:
		// room to make a new one
	}
	// an idle connection may have come back while we waited on the slot
	select {
	case c := <-p.conns:
		p.slots <- struct{}{}
		p.lease(1)
		return c, nil
	default:
	}
	c, err := p.maker()
	if err != nil {
		p.slots <- struct{}{}
		return nil, err
	}
	p.lease(1)
	return c, nil
}

func (p *Pool) lease(n int) {
	p.mu.Lock()
	p.onLease += n
	p.mu.Unlock()
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	p.onLease--
	idle := p.onLease == 0
	p.mu.Unlock()
	p.conns <- rwc
	if idle {
		p.timer.Reset(p.timeout)
	}
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	if rwc, ok := rw.(io.ReadWriteCloser); ok {
		rwc.Close()
	}
	p.lease(-1)
	p.slots <- struct{}{}
}

// ReturnWithError returns the communicator with Put if err is nil or a
// recoverable condition (a timeout) and Destroys it otherwise.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err == nil || isTimeout(err) || errors.Is(err, ErrTerminatorNotFound) {
		p.Put(rw)
		return
	}
	p.Destroy(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close frees every idle connection.  Connections on lease are unaffected.
func (p *Pool) Close() error {
	p.timer.Stop()
	p.reclaim()
	return nil
}

// reclaim closes all idle connections
func (p *Pool) reclaim() {
	for {
		select {
		case c := <-p.conns:
			c.Close()
			p.slots <- struct{}{}
		default:
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
