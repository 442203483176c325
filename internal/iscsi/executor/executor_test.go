package executor_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/blocktier/iscsit/internal/iscsi/backend"
	"github.com/blocktier/iscsit/internal/iscsi/cmnd"
	"github.com/blocktier/iscsit/internal/iscsi/connection"
	"github.com/blocktier/iscsit/internal/iscsi/executor"
	"github.com/blocktier/iscsit/internal/iscsi/pdu"
	"github.com/blocktier/iscsit/internal/iscsi/session"
	"github.com/blocktier/iscsit/pkg/metrics"
	"github.com/stretchr/testify/require"
)

// stubBackend implements backend.Backend just enough for XmitResponse
// tests to drive it directly, bypassing the real RxCmd/RestartCmd round
// trip memblock would otherwise require.
type stubBackend struct{}

func (b *stubBackend) RxCmd(context.Context, *backend.Request) (backend.Cmd, error) { return nil, nil }
func (b *stubBackend) InitStage1Done(backend.Cmd)                                   {}
func (b *stubBackend) RestartCmd(backend.Cmd, backend.Status, any)                   {}
func (b *stubBackend) TgtCmdDone(backend.Cmd)                                        {}
func (b *stubBackend) RxMgmtFnTag(backend.TMFunction, uint32, any) (backend.Cmd, error) {
	return nil, nil
}
func (b *stubBackend) RxMgmtFnLun(backend.TMFunction, uint64, any) (backend.Cmd, error) {
	return nil, nil
}
func (b *stubBackend) SetCallbacks(backend.Callbacks) {}

func newRig(t *testing.T) (*connection.Connection, net.Conn) {
	t.Helper()
	sess := session.New("test-session", session.Params{MaxQueuedCmnds: 64}, 0)
	client, server := net.Pipe()
	conn := connection.New(server, sess, nil, metrics.Noop(), false)
	t.Cleanup(func() { _ = client.Close() })
	return conn, client
}

func recvPDU(t *testing.T, client net.Conn) pdu.BHS {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var buf [pdu.BHSLen]byte
	_, err := io.ReadFull(client, buf[:])
	require.NoError(t, err)
	h, ok := pdu.ParseBHS(buf[:])
	require.True(t, ok)
	if n := pdu.PaddedLen(h.DataSegmentLength()); n > 0 {
		data := make([]byte, n)
		_, err := io.ReadFull(client, data)
		require.NoError(t, err)
	}
	return h
}

// S1: GOOD status with read data collapses into one Data-In carrying
// FINAL and the Data-In status flag, with zero residual.
func TestXmitResponseGoodStatusSinglePDU(t *testing.T) {
	conn, client := newRig(t)
	ex := executor.New(conn, &stubBackend{})
	conn.Dispatcher = ex

	cmd := cmnd.New(pdu.OpSCSICmd, conn)
	cmd.BHS.SetITT(0x10)
	cmd.ExpectedTransferLen = 4096
	cmd.BackendCmd = "tok-1"

	data := make([]byte, 4096)
	go ex.XmitResponse(cmd.BackendCmd, backend.Response{Status: backend.StatusGood, Data: data})

	din := recvPDU(t, client)
	require.Equal(t, pdu.OpDataIn, din.Opcode())
	require.EqualValues(t, 0x10, din.ITT())
	require.True(t, din.Final())
	require.True(t, din.DataInStatusFlag())
	require.EqualValues(t, 0, din.Bytes()[3])
	require.Zero(t, din.ResidualCount())
}

// S6: CHECK_CONDITION on a partial read splits into a status-less
// Data-In followed by a separate SCSI-Rsp carrying sense, status, and
// the underflow residual.
func TestXmitResponseCheckConditionSplitsDataInAndRsp(t *testing.T) {
	conn, client := newRig(t)
	ex := executor.New(conn, &stubBackend{})
	conn.Dispatcher = ex

	cmd := cmnd.New(pdu.OpSCSICmd, conn)
	cmd.BHS.SetITT(0x20)
	cmd.ExpectedTransferLen = 8192
	cmd.BackendCmd = "tok-2"

	data := make([]byte, 4096)
	sense := []byte{0x70, 0x00, 0x05}
	go ex.XmitResponse(cmd.BackendCmd, backend.Response{Status: backend.StatusCheckCondition, Data: data, Sense: sense})

	din := recvPDU(t, client)
	require.Equal(t, pdu.OpDataIn, din.Opcode())
	require.True(t, din.Final())
	require.False(t, din.DataInStatusFlag(), "CHECK_CONDITION Data-In must not carry status")

	rsp := recvPDU(t, client)
	require.Equal(t, pdu.OpSCSIRsp, rsp.Opcode())
	require.EqualValues(t, 0x20, rsp.ITT())
	require.EqualValues(t, byte(backend.StatusCheckCondition), rsp.Bytes()[3])
	require.EqualValues(t, 4096, rsp.ResidualCount())
	require.True(t, rsp.Underflow())
	require.False(t, rsp.Overflow())
}

// An aborted command short-circuits to force-release: no response PDU
// is ever transmitted (invariant 6, spec.md §4.8).
func TestXmitResponseAbortedShortCircuits(t *testing.T) {
	conn, client := newRig(t)
	ex := executor.New(conn, &stubBackend{})
	conn.Dispatcher = ex

	cmd := cmnd.New(pdu.OpSCSICmd, conn)
	cmd.BHS.SetITT(0x30)
	cmd.ExpectedTransferLen = 512
	cmd.BackendCmd = "tok-3"
	cmd.TMFAbort.Store(true)

	ex.XmitResponse(cmd.BackendCmd, backend.Response{Status: backend.StatusGood, Data: make([]byte, 512)})

	require.True(t, cmd.ForceCleanupDone)
	require.Zero(t, cmd.RefCount())

	client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var buf [1]byte
	_, err := client.Read(buf[:])
	require.Error(t, err, "no response PDU should be transmitted for an aborted command")
}
