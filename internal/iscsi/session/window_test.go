package session

import (
	"testing"

	"github.com/blocktier/iscsit/internal/iscsi/cmnd"
	"github.com/blocktier/iscsit/internal/iscsi/pdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cmdWithCmdSN(sn uint32) *cmnd.Command {
	c := cmnd.New(pdu.OpSCSICmd, nil)
	c.BHS.SetCmdSN(sn)
	return c
}

func TestPushInOrderExecutesImmediately(t *testing.T) {
	s := New("sess", Params{MaxQueuedCmnds: 16}, 5)

	var executed []uint32
	s.Push(5, cmdWithCmdSN(5), func(c *cmnd.Command) {
		executed = append(executed, c.BHS.CmdSN())
	})

	assert.Equal(t, []uint32{5}, executed)
	assert.EqualValues(t, 6, s.ExpCmdSN())
}

func TestPushOutOfOrderBuffersUntilGapCloses(t *testing.T) {
	s := New("sess", Params{MaxQueuedCmnds: 16}, 0)

	var executed []uint32
	record := func(c *cmnd.Command) { executed = append(executed, c.BHS.CmdSN()) }

	// CmdSN 1 and 2 arrive before 0: both must buffer, nothing executes.
	s.Push(1, cmdWithCmdSN(1), record)
	s.Push(2, cmdWithCmdSN(2), record)
	assert.Empty(t, executed)
	require.EqualValues(t, 2, s.PendingLen())

	// CmdSN 0 arrives: 0, 1, 2 must all flush in order.
	s.Push(0, cmdWithCmdSN(0), record)
	assert.Equal(t, []uint32{0, 1, 2}, executed)
	assert.EqualValues(t, 3, s.ExpCmdSN())
	assert.Zero(t, s.PendingLen())
}

func TestPushBehindWindowDropsCommand(t *testing.T) {
	// Reaching Push with a behind-window CmdSN at all means it slipped
	// past ITTHash.Insert's validation (only possible via an MC/S race);
	// Push itself has no protocol-correct way to execute it, so it must
	// drop the command rather than run it out of order.
	s := New("sess", Params{MaxQueuedCmnds: 16}, 10)

	cmd := cmdWithCmdSN(3)
	var executed []uint32
	s.Push(3, cmd, func(c *cmnd.Command) {
		executed = append(executed, c.BHS.CmdSN())
	})

	assert.Empty(t, executed, "a behind-window CmdSN reaching Push must be dropped, not executed")
	assert.EqualValues(t, 10, s.ExpCmdSN(), "a behind-window CmdSN must not move the window")
	assert.Zero(t, cmd.RefCount(), "the dropped command must be released")
}

func TestMaxCmdSNTracksWindow(t *testing.T) {
	s := New("sess", Params{MaxQueuedCmnds: 4}, 0)
	assert.EqualValues(t, 4, s.MaxCmdSN())

	s.Push(0, cmdWithCmdSN(0), func(*cmnd.Command) {})
	assert.EqualValues(t, 5, s.MaxCmdSN())
}
