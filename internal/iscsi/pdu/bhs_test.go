package pdu

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These fields alias the same wire bytes under different opcode-specific
// names (RFC 3720 §10 per-opcode BHS layouts). A round-trip test here is
// the one place a silent off-by-one in the byte ranges would otherwise
// go unnoticed, since every higher-level test only ever calls the named
// accessor for its own opcode.
func TestBHSSharedByteRangeAliasing(t *testing.T) {
	var h BHS

	h.SetITT(0x11223344)
	assert.EqualValues(t, 0x11223344, h.ITT())
	assert.EqualValues(t, 0x11223344, binary.BigEndian.Uint32(h.raw[16:20]))

	h.SetField1(0xaabbccdd)
	assert.EqualValues(t, 0xaabbccdd, h.Field1())
	assert.EqualValues(t, 0xaabbccdd, h.TaskTag())
	assert.EqualValues(t, 0xaabbccdd, h.ExpectedDataLength())
	assert.EqualValues(t, 0xaabbccdd, h.RefTaskTag())

	h.SetCmdSN(99)
	assert.EqualValues(t, 99, h.CmdSN())
	assert.EqualValues(t, 99, h.DesiredLength(), "DesiredLength aliases CmdSN bytes 24-27")

	h.SetExpStatSN(7)
	assert.EqualValues(t, 7, h.ExpStatSN())
	assert.EqualValues(t, 7, h.StatSN(), "StatSN shares bytes 28-31 with ExpStatSN")
}

func TestBHSOpcodeAndImmediateBitsIsolated(t *testing.T) {
	var h BHS
	h.SetOpcode(OpSCSICmd)
	h.SetFinal(true)

	assert.Equal(t, OpSCSICmd, h.Opcode())
	assert.True(t, h.Final())
	assert.False(t, h.Immediate(), "I-bit must stay clear when only F-bit is set")

	h.SetOpcode(OpSCSITaskMgmt)
	assert.True(t, h.Final(), "setting opcode must not disturb the F-bit")
	assert.Equal(t, OpSCSITaskMgmt, h.Opcode())
}

func TestBHSLUNRoundTrip(t *testing.T) {
	var h BHS
	h.SetLUN(0x0102030405060708)
	assert.EqualValues(t, 0x0102030405060708, h.LUN())
}

func TestBHSDataSegmentLengthRoundTrip(t *testing.T) {
	var h BHS
	h.SetDataSegmentLength(0x00ffee)
	assert.Equal(t, 0x00ffee, h.DataSegmentLength())
}

func TestParseBHSRejectsShortBuffer(t *testing.T) {
	_, ok := ParseBHS(make([]byte, BHSLen-1))
	assert.False(t, ok)

	buf := make([]byte, BHSLen)
	buf[0] = byte(OpSCSICmd)
	h, ok := ParseBHS(buf)
	require.True(t, ok)
	assert.Equal(t, OpSCSICmd, h.Opcode())
}

func TestBHSRejectReasonRoundTrip(t *testing.T) {
	var h BHS
	h.SetRejectReason(RejectReason(0x09))
	assert.Equal(t, RejectReason(0x09), h.RejectReasonCode())
}
