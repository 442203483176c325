package connection

import (
	"sync/atomic"

	"github.com/blocktier/iscsit/internal/iscsi/cmnd"
	"github.com/blocktier/iscsit/internal/iscsi/digest"
	"github.com/blocktier/iscsit/internal/iscsi/pdu"
	"github.com/blocktier/iscsit/internal/logger"
	"github.com/blocktier/iscsit/internal/sockopt"
)

// EnqueueResponse assembles a batch of one or more responses and splices
// them onto write_list under write_list_lock (spec.md §4.7). Before
// transmission begins, if the parent request is hashed and has no
// outstanding R2T, it is unhashed here — the race-avoidance rule that
// prevents a reused ITT from producing a false duplicate error while
// release is still pending (spec.md §4.7).
func (c *Connection) EnqueueResponse(responses ...*cmnd.Command) {
	for _, rsp := range responses {
		c.stampAndPad(rsp)

		if parent := rsp.ParentReq; parent != nil && parent.ITTHashed && parent.OutstandingR2T == 0 {
			c.Sess.ITTHash.Remove(parent)
		}
	}

	c.writeListMu.Lock()
	for _, rsp := range responses {
		rsp.OnWriteList = true
		c.writeList = append(c.writeList, rsp)
	}
	c.writeListMu.Unlock()

	c.tryLocalProcessing()
}

// stampAndPad stamps sequence numbers (spec.md §4.4) on transmit-start
// and pads the data segment to a 4-byte boundary.
func (c *Connection) stampAndPad(rsp *cmnd.Command) {
	if carriesStatus(rsp.Opcode) {
		c.statMu.Lock()
		rsp.BHS.SetStatSN(c.statSN)
		c.statSN++
		c.statMu.Unlock()
		c.Metrics.StatSNAdvanced()
	}
	// ExpCmdSN/MaxCmdSN are stamped on every response, R2T included
	// (spec.md §4.4 "For R2T, only ExpCmdSN/MaxCmdSN are stamped").
	c.Sess.StampOrdering(&rsp.BHS)

	n := rsp.BHS.DataSegmentLength()
	if pad := pdu.PadLen(n); pad > 0 && n > 0 {
		rsp.SG.Pages = append(rsp.SG.Pages, make([]byte, pad))
	}

	if c.DataDigest == digest.CRC32C && n > 0 {
		d := digest.NewCRC32C()
		buf := make([]byte, n)
		rsp.SG.CopyTo(buf, 0, n)
		sum := d.Sum(buf)
		rsp.SG.Pages = append(rsp.SG.Pages, sum[:])
	}
}

// carriesStatus reports whether an opcode consumes a StatSN on transmit
// (spec.md I5: every status-bearing response except R2T).
func carriesStatus(op pdu.Opcode) bool {
	switch op {
	case pdu.OpR2T:
		return false
	default:
		return true
	}
}

// tryLocalProcessing implements the wr_state CAS machine (spec.md §4.7
// "Local-processing optimisation", §9 "wr_state machine", supplemented
// feature `iscsi_try_local_processing`): when a new batch is queued and
// no drain is already running, claim PROCESSING and hand this
// connection to the writer pool instead of blocking the calling
// goroutine on socket I/O — the caller is as likely to be a BACKEND
// completion callback as the connection's own reader. If a drain is
// already in flight, flag IN_LIST so that drain notices the new batch
// before it goes idle, rather than risk a lost wakeup stranding the
// batch until some unrelated later enqueue.
func (c *Connection) tryLocalProcessing() {
	for {
		cur := atomic.LoadInt32(&c.wrState)
		switch cur {
		case wrProcessing:
			if atomic.CompareAndSwapInt32(&c.wrState, wrProcessing, wrInList) {
				return
			}
		case wrInList:
			return
		default:
			if atomic.CompareAndSwapInt32(&c.wrState, cur, wrProcessing) {
				c.writerPool.Submit(c)
				return
			}
		}
	}
}

// drainWriteList sends every response currently on write_list. Returns
// the connection to IDLE when the list empties, unless a concurrent
// producer flagged IN_LIST while draining was in progress, in which
// case it loops instead of yielding (spec.md §9 "wr_state machine").
func (c *Connection) drainWriteList() {
	if c.TCPCork {
		_ = sockopt.SetCork(c.Sock, true)
		defer func() { _ = sockopt.SetCork(c.Sock, false) }()
	}

	for {
		c.writeListMu.Lock()
		if len(c.writeList) == 0 {
			c.writeListMu.Unlock()
			if atomic.CompareAndSwapInt32(&c.wrState, wrProcessing, wrIdle) {
				return
			}
			// A producer set IN_LIST between our empty check and this
			// CAS; consume the flag and re-check write_list.
			atomic.StoreInt32(&c.wrState, wrProcessing)
			continue
		}
		rsp := c.writeList[0]
		c.writeList = c.writeList[1:]
		c.writeListMu.Unlock()

		rsp.WriteProcessingStarted = true
		if err := c.sendOne(rsp); err != nil {
			logger.Error("transmit failed", "conn", c.ID, "opcode", rsp.Opcode.String(), "error", err)
			c.MarkClosing()
		}
		rsp.OnWriteList = false

		shouldClose := rsp.ShouldCloseConn
		rsp.Put()

		if shouldClose {
			_ = c.Close()
		}
	}
}

// sendOne writes one response PDU (BHS + data segment) to the socket.
func (c *Connection) sendOne(rsp *cmnd.Command) error {
	if _, err := c.Sock.Write(rsp.BHS.Bytes()); err != nil {
		return err
	}
	for _, page := range rsp.SG.Pages {
		if _, err := c.Sock.Write(page); err != nil {
			return err
		}
	}
	return nil
}
