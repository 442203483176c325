package cmnd

import (
	"testing"
	"time"

	"github.com/blocktier/iscsit/internal/iscsi/pdu"
	"github.com/blocktier/iscsit/pkg/bufpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	added   []*Command
	removed []*Command
}

func (f *fakeConn) AddToCmdList(c *Command)      { f.added = append(f.added, c) }
func (f *fakeConn) RemoveFromCmdList(c *Command) { f.removed = append(f.removed, c) }

func TestRootCommandLifecycle(t *testing.T) {
	conn := &fakeConn{}
	c := New(pdu.OpSCSICmd, conn)

	assert.EqualValues(t, 1, c.RefCount())
	assert.Len(t, conn.added, 1)

	c.Get()
	assert.EqualValues(t, 2, c.RefCount())

	c.Put()
	assert.EqualValues(t, 1, c.RefCount())
	assert.Empty(t, conn.removed, "must not unlink until refcount reaches zero")

	c.Put()
	assert.EqualValues(t, 0, c.RefCount())
	require.Len(t, conn.removed, 1)
	assert.Same(t, c, conn.removed[0])
}

func TestChildResponseKeepsParentAlive(t *testing.T) {
	conn := &fakeConn{}
	parent := New(pdu.OpSCSICmd, conn)
	child := NewChild(pdu.OpSCSIRsp, parent)

	assert.EqualValues(t, 2, parent.RefCount(), "NewChild must Get the parent")
	assert.Len(t, parent.Children, 1)

	child.Put()
	assert.EqualValues(t, 0, child.RefCount())
	assert.Empty(t, parent.Children, "child must unlink itself from the parent's response list")
	assert.EqualValues(t, 1, parent.RefCount(), "releasing the child must drop the parent's refcount exactly once")

	parent.Put()
	assert.EqualValues(t, 0, parent.RefCount())
	require.Len(t, conn.removed, 1)
}

func TestStateWaitWakesOnSetState(t *testing.T) {
	conn := &fakeConn{}
	c := New(pdu.OpSCSICmd, conn)
	c.SetState(StateRxCmd)

	done := make(chan BackendState, 1)
	go func() {
		done <- c.WaitStateNot(StateRxCmd)
	}()

	c.SetState(StateAfterPreproc)

	select {
	case s := <-done:
		assert.Equal(t, StateAfterPreproc, s)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitStateNot did not wake within the test timeout")
	}
}

func TestAbortFlag(t *testing.T) {
	conn := &fakeConn{}
	c := New(pdu.OpSCSITaskMgmt, conn)
	assert.False(t, c.IsAborted())

	c.TMFAbort.Store(true)
	assert.True(t, c.IsAborted())
}

// Releasing a command that owns its scatter buffer exercises the
// bufpool.Put path rather than leaking it, mirroring bufpool's own
// TestBufferPutAndReuse size-class assertion.
func TestPutReturnsOwnedPagesToBufpool(t *testing.T) {
	page := bufpool.Get(bufpool.DefaultSmallSize)
	originalCap := cap(page)

	conn := &fakeConn{}
	c := New(pdu.OpSCSIDataOut, conn)
	c.SG = SGL{Pages: [][]byte{page}, Buflen: len(page), OwnSG: true}

	c.Put()

	reused := bufpool.Get(bufpool.DefaultSmallSize)
	assert.Equal(t, originalCap, cap(reused), "Put must have returned the page to its size-class pool")
}

// A response command whose SG aliases BACKEND-owned memory (OwnSG
// false) must not have its pages handed to bufpool — they were never
// checked out of it.
func TestPutLeavesNonOwnedPagesAlone(t *testing.T) {
	backendBuf := make([]byte, 64)

	conn := &fakeConn{}
	c := New(pdu.OpSCSIRsp, conn)
	c.SG = SGL{Pages: [][]byte{backendBuf}, Buflen: len(backendBuf), OwnSG: false}

	require.NotPanics(t, func() { c.Put() })
}
