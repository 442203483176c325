package pdu

import "encoding/binary"

// BHSLen is the fixed length of the Basic Header Segment (RFC 3720 §10).
const BHSLen = 48

// BHS is the 48-byte Basic Header Segment common to every iSCSI PDU.
// Fields are decoded lazily by the opcode-specific accessors below;
// the struct itself just carries the raw bytes plus the handful of
// fields every opcode shares.
type BHS struct {
	raw [BHSLen]byte
}

// ParseBHS decodes a 48-byte buffer into a BHS. The buffer is copied, so
// the caller's buffer may be reused or returned to bufpool afterward.
func ParseBHS(b []byte) (BHS, bool) {
	var h BHS
	if len(b) < BHSLen {
		return h, false
	}
	copy(h.raw[:], b[:BHSLen])
	return h, true
}

// Bytes returns the raw 48-byte header.
func (h *BHS) Bytes() []byte { return h.raw[:] }

// Immediate reports the I-bit (byte 0, bit 6): PDUs with I-bit set bypass
// CmdSN reorder (spec.md §4.3).
func (h *BHS) Immediate() bool { return h.raw[0]&0x40 != 0 }

// Opcode returns the low 6 bits of byte 0.
func (h *BHS) Opcode() Opcode { return Opcode(h.raw[0] & 0x3f) }

// SetOpcode overwrites the opcode field, preserving the I-bit. Used to
// rewrite a request's opcode to OpPDUReject on start-phase validation
// failure (spec.md §4.5 step 3).
func (h *BHS) SetOpcode(op Opcode) {
	h.raw[0] = (h.raw[0] & 0xc0) | byte(op&0x3f)
}

// Final reports the F-bit, present at byte 1 bit 7 on most opcodes
// (Data-Out/Data-In repurpose it as "final PDU of this sequence").
func (h *BHS) Final() bool { return h.raw[1]&0x80 != 0 }

// SetFinal sets or clears the F-bit.
func (h *BHS) SetFinal(v bool) {
	if v {
		h.raw[1] |= 0x80
	} else {
		h.raw[1] &^= 0x80
	}
}

// TotalAHSLength is byte 4, in 4-byte words.
func (h *BHS) TotalAHSLength() int { return int(h.raw[4]) }

// DataSegmentLength is the 24-bit big-endian field at bytes 5-7.
func (h *BHS) DataSegmentLength() int {
	return int(h.raw[5])<<16 | int(h.raw[6])<<8 | int(h.raw[7])
}

// SetDataSegmentLength writes the 24-bit data segment length.
func (h *BHS) SetDataSegmentLength(n int) {
	h.raw[5] = byte(n >> 16)
	h.raw[6] = byte(n >> 8)
	h.raw[7] = byte(n)
}

// LUN returns the 8-byte LUN field at bytes 8-15, flattened to a uint64
// in the common single-level-addressing form (first two bytes are the
// bus/target selector, which the memblock backend ignores).
func (h *BHS) LUN() uint64 { return binary.BigEndian.Uint64(h.raw[8:16]) }

// SetLUN writes the LUN field.
func (h *BHS) SetLUN(lun uint64) { binary.BigEndian.PutUint64(h.raw[8:16], lun) }

// ITT is the Initiator Task Tag at bytes 16-19.
func (h *BHS) ITT() uint32 { return binary.BigEndian.Uint32(h.raw[16:20]) }

// SetITT writes the ITT field.
func (h *BHS) SetITT(itt uint32) { binary.BigEndian.PutUint32(h.raw[16:20], itt) }

// Field1 is the 4 bytes at offset 20-23: TTT on requests that carry one
// (Data-Out, NOP-Out), or opcode-specific on others (e.g. ExpDataSN on
// Data-In). Named generically because its meaning is opcode-dependent.
func (h *BHS) Field1() uint32 { return binary.BigEndian.Uint32(h.raw[20:24]) }

// SetField1 writes the generic 20-23 field.
func (h *BHS) SetField1(v uint32) { binary.BigEndian.PutUint32(h.raw[20:24], v) }

// CmdSN is the Command Sequence Number at bytes 24-27 (on requests), or
// the stamped value on responses.
func (h *BHS) CmdSN() uint32 { return binary.BigEndian.Uint32(h.raw[24:28]) }

// SetCmdSN writes the CmdSN field.
func (h *BHS) SetCmdSN(sn uint32) { binary.BigEndian.PutUint32(h.raw[24:28], sn) }

// ExpStatSN is the initiator's acked StatSN at bytes 28-31 on requests.
func (h *BHS) ExpStatSN() uint32 { return binary.BigEndian.Uint32(h.raw[28:32]) }

// SetExpStatSN writes the ExpStatSN field.
func (h *BHS) SetExpStatSN(sn uint32) { binary.BigEndian.PutUint32(h.raw[28:32], sn) }

// StatSN is the target's response sequence number at bytes 28-31 on
// responses. Same wire offset as ExpStatSN; named separately for
// readability at call sites.
func (h *BHS) StatSN() uint32 { return binary.BigEndian.Uint32(h.raw[28:32]) }

// SetStatSN writes the StatSN field.
func (h *BHS) SetStatSN(sn uint32) { binary.BigEndian.PutUint32(h.raw[28:32], sn) }

// ExpCmdSN is stamped on every response at bytes 32-35 (spec.md §4.4).
func (h *BHS) ExpCmdSN() uint32 { return binary.BigEndian.Uint32(h.raw[32:36]) }

// SetExpCmdSN writes the ExpCmdSN field.
func (h *BHS) SetExpCmdSN(sn uint32) { binary.BigEndian.PutUint32(h.raw[32:36], sn) }

// MaxCmdSN is stamped on every response at bytes 36-39 (spec.md §4.4).
func (h *BHS) MaxCmdSN() uint32 { return binary.BigEndian.Uint32(h.raw[36:40]) }

// SetMaxCmdSN writes the MaxCmdSN field.
func (h *BHS) SetMaxCmdSN(sn uint32) { binary.BigEndian.PutUint32(h.raw[36:40], sn) }

// TaskTag returns bytes 20-23 as the target task tag (R2T/Data-In/Data-Out
// use this offset for TTT rather than the generic Field1 name).
func (h *BHS) TaskTag() uint32 { return h.Field1() }

// SetTaskTag writes the TTT field.
func (h *BHS) SetTaskTag(ttt uint32) { h.SetField1(ttt) }

// BufferOffset is the data-segment byte offset carried by Data-Out/Data-In
// at bytes 40-43.
func (h *BHS) BufferOffset() uint32 { return binary.BigEndian.Uint32(h.raw[40:44]) }

// SetBufferOffset writes the buffer offset field.
func (h *BHS) SetBufferOffset(off uint32) { binary.BigEndian.PutUint32(h.raw[40:44], off) }

// DataSN is the per-sequence data/R2T sequence number at bytes 44-47
// (R2T's r2t_sn, Data-In/Data-Out's DataSN).
func (h *BHS) DataSN() uint32 { return binary.BigEndian.Uint32(h.raw[44:48]) }

// SetDataSN writes the DataSN/r2t_sn field.
func (h *BHS) SetDataSN(sn uint32) { binary.BigEndian.PutUint32(h.raw[44:48], sn) }

// Read reports the R-bit on a SCSI-Cmd BHS (byte 1 bit 6): the command
// expects to transfer data from target to initiator.
func (h *BHS) Read() bool { return h.raw[1]&0x40 != 0 }

// Write reports the W-bit on a SCSI-Cmd BHS (byte 1 bit 5): the command
// expects to transfer data from initiator to target.
func (h *BHS) Write() bool { return h.raw[1]&0x20 != 0 }

// TaskAttr decodes the 3-bit task attribute field on a SCSI-Cmd BHS
// (byte 1 bits 0-2): 0=UNTAGGED, 1=SIMPLE, 2=ORDERED, 3=HEAD_OF_QUEUE,
// 4=ACA.
func (h *BHS) TaskAttr() byte { return h.raw[1] & 0x07 }

// ExpectedDataLength is the 4-byte field at bytes 20-23 on a SCSI-Cmd
// request: the total expected transfer length for this command.
func (h *BHS) ExpectedDataLength() uint32 { return h.Field1() }

// TaskMgmtFunction decodes byte 1 bits 0-6 on a SCSI-TaskMgmt request.
func (h *BHS) TaskMgmtFunction() TaskMgmtFunction { return TaskMgmtFunction(h.raw[1] & 0x7f) }

// SetTaskMgmtFunction writes the TM function field, preserving the F-bit.
func (h *BHS) SetTaskMgmtFunction(fn TaskMgmtFunction) {
	h.raw[1] = (h.raw[1] & 0x80) | (byte(fn) & 0x7f)
}

// RefTaskTag is the Referenced Task Tag of a SCSI-TaskMgmt request
// (ABORT TASK's RTT), at bytes 20-23 per RFC 3720 Table 10.
func (h *BHS) RefTaskTag() uint32 { return h.Field1() }

// SetRefTaskTag writes the referenced task tag field.
func (h *BHS) SetRefTaskTag(rtt uint32) { h.SetField1(rtt) }

// DesiredLength is the Desired Data Transfer Length of an R2T response,
// at bytes 24-27 (the CmdSN slot on requests, unused on R2T since R2T
// carries no CmdSN of its own).
func (h *BHS) DesiredLength() uint32 { return h.CmdSN() }

// SetDesiredLength writes the R2T desired transfer length field.
func (h *BHS) SetDesiredLength(n uint32) { h.SetCmdSN(n) }

// SetSCSIResponseCode writes byte 2 of a SCSI-Rsp PDU: the iSCSI
// response field (0x00 = command completed, distinct from the SCSI
// status byte).
func (h *BHS) SetSCSIResponseCode(v byte) { h.raw[2] = v }

// SetStatus writes byte 3 of a SCSI-Rsp PDU: the SCSI status byte
// BACKEND reported (spec.md §4.8 xmit_response).
func (h *BHS) SetStatus(v byte) { h.raw[3] = v }

// RejectReasonCode decodes byte 1 of a Reject PDU.
func (h *BHS) RejectReasonCode() RejectReason { return RejectReason(h.raw[1]) }

// SetRejectReason writes the reject reason byte.
func (h *BHS) SetRejectReason(r RejectReason) { h.raw[1] = byte(r) }

// DataInStatusFlag reports the S-bit on a Data-In BHS (byte 1 bit 0):
// when set together with F, this Data-In also carries the command's
// final status and no separate SCSI-Rsp follows (spec.md §4.8, Testable
// Scenario S1).
func (h *BHS) DataInStatusFlag() bool { return h.raw[1]&0x01 != 0 }

// SetDataInStatusFlag sets or clears the Data-In S-bit.
func (h *BHS) SetDataInStatusFlag(v bool) {
	if v {
		h.raw[1] |= 0x01
	} else {
		h.raw[1] &^= 0x01
	}
}

// Underflow reports the U-bit on a SCSI-Rsp BHS (byte 1 bit 1): set
// when BACKEND's response was shorter than the command's expected
// transfer length.
func (h *BHS) Underflow() bool { return h.raw[1]&0x02 != 0 }

// SetUnderflow sets or clears the SCSI-Rsp U-bit.
func (h *BHS) SetUnderflow(v bool) {
	if v {
		h.raw[1] |= 0x02
	} else {
		h.raw[1] &^= 0x02
	}
}

// Overflow reports the O-bit on a SCSI-Rsp BHS (byte 1 bit 2): set when
// BACKEND's response was longer than the command's expected transfer
// length.
func (h *BHS) Overflow() bool { return h.raw[1]&0x04 != 0 }

// SetOverflow sets or clears the SCSI-Rsp O-bit.
func (h *BHS) SetOverflow(v bool) {
	if v {
		h.raw[1] |= 0x04
	} else {
		h.raw[1] &^= 0x04
	}
}

// ResidualCount is the SCSI-Rsp residual byte count at bytes 44-47,
// shared with DataSN's wire range (SCSI-Rsp carries no DataSN).
func (h *BHS) ResidualCount() uint32 { return h.DataSN() }

// SetResidualCount writes the residual count field.
func (h *BHS) SetResidualCount(n uint32) { h.SetDataSN(n) }
