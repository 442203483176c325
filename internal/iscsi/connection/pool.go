package connection

import "runtime"

// WriterPool is the bounded set of goroutines that actually drain
// connections' write_lists to their sockets (SPEC_FULL.md §7 "Reader/
// writer pools ... via a small worker pool", spec.md §5 "a dedicated
// writer pool distinct from readers"). Reads stay one goroutine per
// connection — a blocking net.Conn.Read cannot be multiplexed over a
// shared pool without an async I/O layer the teacher doesn't use
// either — but writes are CPU-bound batching plus socket sends that
// BACKEND completion callbacks (running on BACKEND's own goroutines,
// not a connection's reader) should never block on directly. Grounded
// on the teacher's bounded worker-pool pattern for background work
// (fixed goroutine count draining a channel of jobs).
type WriterPool struct {
	jobs chan *Connection
	done chan struct{}
}

// defaultWriterPool is the process-wide writer pool every Connection
// submits to unless told otherwise, sized the way pkg/bufpool keeps one
// unexported global Pool behind package-level Get/Put.
var defaultWriterPool = NewWriterPool(poolSize())

// poolSize mirrors SPEC_FULL.md's "max(GOMAXPROCS, 2)" sizing.
func poolSize() int {
	if n := runtime.GOMAXPROCS(0); n > 2 {
		return n
	}
	return 2
}

// NewWriterPool starts n worker goroutines, each pulling connections
// off the job channel and draining their write_list to completion
// before looping for the next one. Tests that need isolation from the
// process-wide defaultWriterPool can construct their own.
func NewWriterPool(n int) *WriterPool {
	if n < 1 {
		n = 1
	}
	p := &WriterPool{
		jobs: make(chan *Connection, n*4),
		done: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *WriterPool) worker() {
	for {
		select {
		case c := <-p.jobs:
			c.drainWriteList()
		case <-p.done:
			return
		}
	}
}

// Submit hands a connection whose write_list has pending responses to
// the pool. The caller must already own the wr_state PROCESSING claim
// (spec.md §9 "wr_state machine") before calling Submit.
func (p *WriterPool) Submit(c *Connection) {
	p.jobs <- c
}

// Close stops the pool's workers. Unused by the process-wide
// defaultWriterPool, which runs for the life of the target; provided
// for tests that spin up their own WriterPool.
func (p *WriterPool) Close() {
	close(p.done)
}
