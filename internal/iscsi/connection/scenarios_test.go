package connection_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/blocktier/iscsit/internal/iscsi/backend/memblock"
	"github.com/blocktier/iscsit/internal/iscsi/connection"
	"github.com/blocktier/iscsit/internal/iscsi/executor"
	"github.com/blocktier/iscsit/internal/iscsi/pdu"
	"github.com/blocktier/iscsit/internal/iscsi/session"
	"github.com/blocktier/iscsit/pkg/config"
	"github.com/stretchr/testify/require"
)

// testRig wires one Connection+Executor pair over an in-process
// net.Pipe against a fresh memblock backend, mirroring what
// target.serveConn assembles for a real TCP accept.
type testRig struct {
	t      *testing.T
	client net.Conn
	sess   *session.Session
}

func newRig(t *testing.T, lunSize uint64) *testRig {
	t.Helper()

	be, err := memblock.New(config.BackendConfig{
		Type: "memblock",
		LUNs: []config.LUNConfig{{ID: 0, SizeBytes: lunSize, BlockSize: 512}},
	})
	require.NoError(t, err)

	client, server := net.Pipe()

	sess := session.New("test-session", session.Params{
		MaxRecvDataLength: 1 << 20,
		MaxXmitDataLength: 1 << 20,
		MaxOutstandingR2T: 1,
		MaxBurstLength:    1 << 20,
		MaxQueuedCmnds:    64,
		InitialR2T:        true,
	}, 0)

	conn := connection.New(server, sess, nil, nil, false)
	ex := executor.New(conn, be)
	conn.Dispatcher = ex
	be.SetCallbacks(ex)

	go conn.ReceiveLoop()

	t.Cleanup(func() { _ = client.Close() })

	return &testRig{t: t, client: client, sess: sess}
}

// sendPDU writes a BHS plus an already-padded data segment to the
// server side of the pipe.
func (r *testRig) sendPDU(h pdu.BHS, data []byte) {
	r.t.Helper()
	_, err := r.client.Write(h.Bytes())
	require.NoError(r.t, err)
	if len(data) > 0 {
		_, err := r.client.Write(data)
		require.NoError(r.t, err)
	}
}

// recvPDU reads one full response PDU (BHS plus its data segment,
// already padded by the sender) off the client side.
func (r *testRig) recvPDU() pdu.BHS {
	r.t.Helper()
	r.client.SetReadDeadline(time.Now().Add(2 * time.Second))

	var buf [pdu.BHSLen]byte
	_, err := io.ReadFull(r.client, buf[:])
	require.NoError(r.t, err)
	h, ok := pdu.ParseBHS(buf[:])
	require.True(r.t, ok)

	if n := pdu.PaddedLen(h.DataSegmentLength()); n > 0 {
		data := make([]byte, n)
		_, err := io.ReadFull(r.client, data)
		require.NoError(r.t, err)
	}
	return h
}

func buildCDB(opcode byte, rest ...byte) [16]byte {
	var cdb [16]byte
	cdb[0] = opcode
	copy(cdb[1:], rest)
	return cdb
}

// A NOP-Out ping is answered with a NOP-In carrying the same ITT.
func TestScenarioNopOutPing(t *testing.T) {
	r := newRig(t, 1<<20)

	var h pdu.BHS
	h.SetOpcode(pdu.OpNopOut)
	h.SetFinal(true)
	h.SetITT(1)
	h.SetTaskTag(pdu.ReservedTag)
	r.sendPDU(h, nil)

	resp := r.recvPDU()
	require.Equal(t, pdu.OpNopIn, resp.Opcode())
	require.EqualValues(t, 1, resp.ITT())
}

// A READ(10) that fits in one PDU and completes GOOD yields exactly
// one Data-In carrying FINAL and the Data-In status flag together, with
// no separate SCSI-Rsp (spec.md §4.8 "a single Data-In-with-status
// burst", Testable Scenario S1).
func TestScenarioReadFitsOnePDU(t *testing.T) {
	r := newRig(t, 64*512)

	cdb := buildCDB(0x28, 0, 0, 0, 0, 0, 0, 0, 4) // READ(10), LBA 0, 4 blocks

	var h pdu.BHS
	h.SetOpcode(pdu.OpSCSICmd)
	h.SetFinal(true)
	h.SetITT(7)
	h.SetField1(4 * 512) // ExpectedDataLength
	h.SetCmdSN(0)
	h.SetExpStatSN(0)
	copy(h.Bytes()[32:48], cdb[:])
	h.Bytes()[1] |= 0x40 // R bit
	r.sendPDU(h, nil)

	din := r.recvPDU()
	require.Equal(t, pdu.OpDataIn, din.Opcode())
	require.EqualValues(t, 7, din.ITT())
	require.Equal(t, 4*512, din.DataSegmentLength())
	require.True(t, din.Final(), "Data-In must carry FINAL")
	require.True(t, din.DataInStatusFlag(), "GOOD-status read must not need a separate SCSI-Rsp")
	require.EqualValues(t, 0, din.Bytes()[3], "GOOD status")
	require.Zero(t, din.ResidualCount())
}

// A WRITE(10) whose payload is sent as immediate data (no R2T round
// trip needed since immediate_data is negotiated and the command PDU
// carries the full transfer).
func TestScenarioImmediateWrite(t *testing.T) {
	r := newRig(t, 64*512)
	r.sess.Params.ImmediateData = true
	r.sess.Params.InitialR2T = false

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}

	cdb := buildCDB(0x2a, 0, 0, 0, 0, 0, 0, 0, 1) // WRITE(10), LBA 0, 1 block

	var h pdu.BHS
	h.SetOpcode(pdu.OpSCSICmd)
	h.SetFinal(true)
	h.SetITT(9)
	h.SetField1(uint32(len(payload))) // ExpectedDataLength
	h.SetCmdSN(0)
	h.SetExpStatSN(0)
	h.SetDataSegmentLength(len(payload))
	copy(h.Bytes()[32:48], cdb[:])
	h.Bytes()[1] |= 0x20 // W bit
	r.sendPDU(h, payload)

	status := r.recvPDU()
	require.Equal(t, pdu.OpSCSIRsp, status.Opcode())
	require.EqualValues(t, 9, status.ITT())
	require.EqualValues(t, 0, status.Bytes()[3], "GOOD status")
}

// ABORT TASK against a task that doesn't exist reports
// TASK_NOT_EXIST rather than hanging or crashing.
func TestScenarioAbortUnknownTask(t *testing.T) {
	r := newRig(t, 1<<20)

	var h pdu.BHS
	h.SetOpcode(pdu.OpSCSITaskMgmt)
	h.SetFinal(true)
	h.SetITT(55)
	h.SetCmdSN(0)
	h.SetExpStatSN(0)
	h.SetTaskMgmtFunction(pdu.TMFAbortTask)
	h.SetRefTaskTag(123) // no such ITT was ever issued
	r.sendPDU(h, nil)

	resp := r.recvPDU()
	require.Equal(t, pdu.OpTaskMgmtRsp, resp.Opcode())
	require.EqualValues(t, 55, resp.ITT())
	require.EqualValues(t, byte(pdu.TMRespTaskNotExist), resp.Bytes()[3])
}

// A WRITE whose immediate data carries a corrupted data digest is never
// handed to BACKEND: the pre-exec hook catches the CRC mismatch and the
// initiator sees CHECK_CONDITION with a CRC-error sense instead of a
// silently-applied corrupt write (spec.md §4.6.1 "sense CRC_ERROR").
func TestScenarioBadDataDigestReportsCheckCondition(t *testing.T) {
	be, err := memblock.New(config.BackendConfig{
		Type: "memblock",
		LUNs: []config.LUNConfig{{ID: 0, SizeBytes: 64 * 512, BlockSize: 512}},
	})
	require.NoError(t, err)

	client, server := net.Pipe()
	sess := session.New("test-session", session.Params{
		MaxRecvDataLength: 1 << 20,
		MaxXmitDataLength: 1 << 20,
		MaxOutstandingR2T: 1,
		MaxBurstLength:    1 << 20,
		MaxQueuedCmnds:    64,
		InitialR2T:        false,
		ImmediateData:     true,
		DataDigest:        "crc32c",
	}, 0)

	conn := connection.New(server, sess, nil, nil, false)
	ex := executor.New(conn, be)
	conn.Dispatcher = ex
	be.SetCallbacks(ex)

	go conn.ReceiveLoop()
	t.Cleanup(func() { _ = client.Close() })
	r := &testRig{t: t, client: client, sess: sess}

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}

	cdb := buildCDB(0x2a, 0, 0, 0, 0, 0, 0, 0, 1) // WRITE(10), LBA 0, 1 block

	var h pdu.BHS
	h.SetOpcode(pdu.OpSCSICmd)
	h.SetFinal(true)
	h.SetITT(13)
	h.SetField1(uint32(len(payload)))
	h.SetCmdSN(0)
	h.SetExpStatSN(0)
	h.SetDataSegmentLength(len(payload))
	copy(h.Bytes()[32:48], cdb[:])
	h.Bytes()[1] |= 0x20 // W bit

	r.t.Helper()
	_, err = r.client.Write(h.Bytes())
	require.NoError(r.t, err)
	_, err = r.client.Write(payload)
	require.NoError(r.t, err)
	_, err = r.client.Write([]byte{0xde, 0xad, 0xbe, 0xef}) // wrong trailer
	require.NoError(r.t, err)

	status := r.recvPDU()
	require.Equal(t, pdu.OpSCSIRsp, status.Opcode())
	require.EqualValues(t, 13, status.ITT())
	require.EqualValues(t, 0x02, status.Bytes()[3], "CHECK_CONDITION")
	require.Greater(t, status.DataSegmentLength(), 0, "sense data must be carried")
}

// A SCSI-Cmd for an unconfigured LUN surfaces as a Reject PDU
// rather than wedging the connection: SubmitToBackend's error becomes a
// start-phase ProtocolError, which rejectStart routes through the
// ordered stream instead of closing the connection outright.
func TestScenarioUnknownLUNIsRejected(t *testing.T) {
	r := newRig(t, 64*512)

	cdb := buildCDB(0x00) // TEST UNIT READY

	var h pdu.BHS
	h.SetOpcode(pdu.OpSCSICmd)
	h.SetFinal(true)
	h.SetITT(11)
	h.SetCmdSN(0)
	h.SetExpStatSN(0)
	h.SetLUN(99) // no such LUN configured
	copy(h.Bytes()[32:48], cdb[:])
	r.sendPDU(h, nil)

	resp := r.recvPDU()
	require.Equal(t, pdu.OpReject, resp.Opcode())
	require.EqualValues(t, pdu.BHSLen, resp.DataSegmentLength())
}
