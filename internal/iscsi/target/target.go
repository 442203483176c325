// Package target owns the listening socket and the per-connection
// session/executor wiring (spec.md §1 OVERVIEW, §3 "Session"): it is
// the one place that constructs a session.Session and its paired
// connection.Connection + executor.Executor and lets them loose on an
// accepted TCP connection. Grounded on the teacher's pkg/adapter
// BaseAdapter accept loop (shutdown channel, WaitGroup-tracked active
// connections, connection semaphore), simplified to the one transport
// this core speaks.
package target

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blocktier/iscsit/internal/iscsi/backend"
	"github.com/blocktier/iscsit/internal/iscsi/connection"
	"github.com/blocktier/iscsit/internal/iscsi/executor"
	"github.com/blocktier/iscsit/internal/iscsi/session"
	"github.com/blocktier/iscsit/internal/logger"
	"github.com/blocktier/iscsit/internal/sockopt"
	"github.com/blocktier/iscsit/pkg/config"
	"github.com/blocktier/iscsit/pkg/metrics"
	"github.com/rs/xid"
)

// Target listens for iSCSI TCP connections and spins up a session per
// accepted connection (spec.md §1 Non-goals: no MC/S, one connection
// per session).
type Target struct {
	cfg     config.TargetConfig
	backend backend.Backend
	metrics metrics.TargetMetrics
	router  *router

	listenerMu sync.RWMutex
	listener   net.Listener

	active    sync.WaitGroup
	connCount atomic.Int32

	sem chan struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New constructs a Target bound to the given configuration and BACKEND.
// It does not start listening; call Serve for that.
func New(cfg config.TargetConfig, be backend.Backend, m metrics.TargetMetrics) (*Target, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("target: listen_addr is required")
	}
	if m == nil {
		m = metrics.Noop()
	}

	var sem chan struct{}
	if cfg.MaxConnectionsPerSession > 0 {
		sem = make(chan struct{}, cfg.MaxConnectionsPerSession)
	}

	r := newRouter()
	be.SetCallbacks(r)

	return &Target{
		cfg:      cfg,
		backend:  be,
		metrics:  m,
		router:   r,
		sem:      sem,
		shutdown: make(chan struct{}),
	}, nil
}

// Serve runs the accept loop until ctx is cancelled or Shutdown is
// called. Returns nil on a clean shutdown.
func (t *Target) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("target: failed to listen on %s: %w", t.cfg.ListenAddr, err)
	}

	t.listenerMu.Lock()
	t.listener = listener
	t.listenerMu.Unlock()

	logger.Info("iscsi target listening", "addr", t.cfg.ListenAddr, "iqn", t.cfg.Name)

	go func() {
		<-ctx.Done()
		t.closeListener()
	}()

	for {
		if t.sem != nil {
			select {
			case t.sem <- struct{}{}:
			case <-t.shutdown:
				return t.wait()
			}
		}

		conn, err := listener.Accept()
		if err != nil {
			t.releaseSem()
			select {
			case <-t.shutdown:
				return t.wait()
			default:
				logger.Warn("accept error", "error", err)
				continue
			}
		}

		t.active.Add(1)
		t.connCount.Add(1)
		go t.serveConn(conn)
	}
}

// serveConn wires up one session + connection + executor and runs the
// receive loop until the initiator disconnects or protocol error
// (spec.md C4+C5+C6).
func (t *Target) serveConn(sock net.Conn) {
	addr := sock.RemoteAddr().String()
	defer func() {
		_ = sock.Close()
		t.active.Done()
		t.connCount.Add(-1)
		t.releaseSem()
		t.metrics.ConnectionClosed()
		logger.Debug("iscsi connection closed", "addr", addr, "active", t.connCount.Load())
	}()

	if tcp, ok := sock.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(t.cfg.TCPNoDelay)
	}

	sess := session.New(xid.New().String(), session.Params{
		InitialR2T:        t.cfg.Session.InitialR2T,
		ImmediateData:     t.cfg.Session.ImmediateData,
		MaxRecvDataLength: t.cfg.Session.MaxRecvDataSegmentLength,
		MaxXmitDataLength: t.cfg.Session.MaxXmitDataSegmentLength,
		MaxBurstLength:    t.cfg.Session.MaxBurstLength,
		MaxOutstandingR2T: t.cfg.Session.MaxOutstandingR2T,
		MaxQueuedCmnds:    uint32(t.cfg.Session.MaxQueuedCmnds),
		HeaderDigest:      t.cfg.HeaderDigest,
		DataDigest:        t.cfg.DataDigest,
	}, 0)

	conn := connection.New(sock, sess, nil, t.metrics, t.cfg.TCPCork)
	ex := executor.New(conn, t.backend)
	conn.Dispatcher = ex

	t.router.add(sess.ID, ex)
	defer t.router.remove(sess.ID)

	t.metrics.ConnectionOpened()
	logger.Debug("iscsi connection accepted", "addr", addr, "active", t.connCount.Load())

	if t.cfg.TCPCork {
		_ = sockopt.SetCork(sock, true)
	}

	if err := conn.ReceiveLoop(); err != nil {
		logger.Debug("iscsi connection receive loop ended", "addr", addr, "error", err)
	}
}

// Shutdown stops accepting new connections and waits for active
// connections to drain, or for ctx to expire.
func (t *Target) Shutdown(ctx context.Context) error {
	t.closeListener()

	done := make(chan struct{})
	go func() {
		t.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		remaining := t.connCount.Load()
		logger.Warn("iscsi target shutdown timed out, connections still active", "remaining", remaining)
		return fmt.Errorf("target: shutdown timed out with %d connection(s) still active", remaining)
	}
}

func (t *Target) closeListener() {
	t.shutdownOnce.Do(func() {
		close(t.shutdown)
		t.listenerMu.RLock()
		l := t.listener
		t.listenerMu.RUnlock()
		if l != nil {
			_ = l.Close()
		}
	})
}

func (t *Target) wait() error {
	done := make(chan struct{})
	go func() {
		t.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("target: serve loop exit timed out waiting for connections")
	}
}

func (t *Target) releaseSem() {
	if t.sem != nil {
		select {
		case <-t.sem:
		default:
		}
	}
}

// router implements backend.Callbacks once for the whole target and
// fans each callback out to the connection whose executor owns the
// referenced command (spec.md §6: BACKEND is registered once and is
// target-scoped, not connection-scoped, so a single Callbacks
// registration must serve every concurrent connection). Grounded on
// the same "one shared resource, many per-connection owners" shape as
// the teacher's BaseAdapter.ActiveConnections map.
type router struct {
	mu    sync.RWMutex
	execs map[string]*executor.Executor
}

func newRouter() *router {
	return &router{execs: make(map[string]*executor.Executor)}
}

func (r *router) add(sessionID string, ex *executor.Executor) {
	r.mu.Lock()
	r.execs[sessionID] = ex
	r.mu.Unlock()
}

func (r *router) remove(sessionID string) {
	r.mu.Lock()
	delete(r.execs, sessionID)
	r.mu.Unlock()
}

// find locates the executor whose connection's cmd_list contains bcmd.
// Linear in the number of live connections, acceptable at the scale
// this reference core targets (spec.md §9).
func (r *router) find(bcmd backend.Cmd) *executor.Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ex := range r.execs {
		if ex.Conn.FindByBackendCmd(bcmd) != nil {
			return ex
		}
	}
	return nil
}

func (r *router) PreprocessingDone(cmd backend.Cmd) {
	if ex := r.find(cmd); ex != nil {
		ex.PreprocessingDone(cmd)
	}
}

func (r *router) PreExec(cmd backend.Cmd) error {
	if ex := r.find(cmd); ex != nil {
		return ex.PreExec(cmd)
	}
	return nil
}

func (r *router) XmitResponse(cmd backend.Cmd, resp backend.Response) {
	if ex := r.find(cmd); ex != nil {
		ex.XmitResponse(cmd, resp)
	}
}

func (r *router) TaskMgmtFnDone(cmd backend.Cmd, status backend.TMStatus) {
	if ex := r.find(cmd); ex != nil {
		ex.TaskMgmtFnDone(cmd, status)
	}
}

func (r *router) AllocDataBuf(cmd backend.Cmd, size int) []byte {
	if ex := r.find(cmd); ex != nil {
		return ex.AllocDataBuf(cmd, size)
	}
	return make([]byte, size)
}
