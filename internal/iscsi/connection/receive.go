package connection

import (
	"fmt"
	"io"

	"github.com/blocktier/iscsit/internal/iscsi/backend"
	"github.com/blocktier/iscsit/internal/iscsi/cmnd"
	"github.com/blocktier/iscsit/internal/iscsi/digest"
	"github.com/blocktier/iscsit/internal/iscsi/ierrors"
	"github.com/blocktier/iscsit/internal/iscsi/pdu"
	"github.com/blocktier/iscsit/internal/logger"
)

// ReceiveLoop drives the per-connection read side (spec.md C5, §4.5)
// until the socket errors out or the connection is marked closing. The
// pipeline is serialised per connection on the read side: only one
// goroutine may call ReceiveLoop for a given Connection at a time
// (spec.md §4.7 "a connection is affinitised to one reader at a time").
func (c *Connection) ReceiveLoop() error {
	for !c.Closing() {
		if err := c.receiveOne(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
	return nil
}

// receiveOne reads exactly one PDU and runs it through the start phase
// and PDU-end routing (spec.md §4.5 steps 1-3, §4.5.2).
func (c *Connection) receiveOne() error {
	var bhsBuf [pdu.BHSLen]byte
	if _, err := io.ReadFull(c.Sock, bhsBuf[:]); err != nil {
		return err
	}
	h, ok := pdu.ParseBHS(bhsBuf[:])
	if !ok {
		return fmt.Errorf("short BHS")
	}

	var ahs pdu.AHS
	if n := h.TotalAHSLength() * 4; n > 0 {
		ahsBuf := make([]byte, n)
		if _, err := io.ReadFull(c.Sock, ahsBuf); err != nil {
			return err
		}
		ahs = pdu.ParseAHS(ahsBuf)
	}

	dsLen := h.DataSegmentLength()
	if dsLen > c.maxRecvDataLength {
		// spec.md §4.5 step 1: NegotiationViolation, close the
		// connection outright — no Reject is attempted since the
		// oversized segment itself cannot safely be drained.
		logger.Error("data segment exceeds max_recv_data_length", "conn", c.ID, "len", dsLen, "max", c.maxRecvDataLength)
		return fmt.Errorf("data segment %d exceeds max_recv_data_length %d", dsLen, c.maxRecvDataLength)
	}

	cmd := cmnd.New(h.Opcode(), c)
	cmd.BHS = h
	cmd.AHS = ahs

	if dsLen > 0 {
		buf := allocPage(pdu.PaddedLen(dsLen))
		if _, err := io.ReadFull(c.Sock, buf[:pdu.PaddedLen(dsLen)]); err != nil {
			return err
		}
		cmd.SG = cmnd.SGL{Pages: [][]byte{buf[:dsLen]}, Buflen: dsLen, OwnSG: true}
	}

	if c.DataDigest != 0 && dsLen > 0 {
		var trailer [4]byte
		if _, err := io.ReadFull(c.Sock, trailer[:]); err != nil {
			return err
		}
		// Each data-segment's digest covers only its own payload (RFC
		// 3720 §3.2.2.3), so it can be verified as soon as the trailer
		// arrives; the result is carried on cmd (for immediate write
		// data on a SCSI-Cmd, cmd is already the root request) and
		// folded into the parent request's rx_ddigest_cmd_list outcome
		// once startDataOut resolves the parent for a solicited
		// Data-Out (spec.md §4.6.1).
		d := digest.ForType(c.DataDigest)
		sum := d.Sum(cmd.SG.Pages[0][:dsLen])
		cmd.DigestFailed = sum != trailer
	}

	c.UpdateExpStatSN(h.ExpStatSN())

	if err := c.startPhase(cmd); err != nil {
		c.rejectStart(cmd, err)
		return nil
	}

	c.pduEnd(cmd)
	return nil
}

// startPhase is the opcode dispatch of spec.md §4.5 step 2.
func (c *Connection) startPhase(cmd *cmnd.Command) error {
	switch cmd.Opcode {
	case pdu.OpNopOut:
		return c.startNopOut(cmd)
	case pdu.OpSCSICmd:
		if err := c.Sess.ITTHash.Insert(cmd); err != nil {
			return err
		}
		return c.scsiCmndStart(cmd)
	case pdu.OpSCSITaskMgmt:
		return c.Sess.ITTHash.Insert(cmd)
	case pdu.OpSCSIDataOut:
		return c.startDataOut(cmd)
	case pdu.OpLogout:
		return c.Sess.ITTHash.Insert(cmd)
	default:
		return ierrors.NewUnsupportedCommand("opcode " + cmd.Opcode.String() + " is not implemented")
	}
}

// startNopOut handles NOP-Out start phase (spec.md §4.5 step 2).
func (c *Connection) startNopOut(cmd *cmnd.Command) error {
	if cmd.BHS.TaskTag() != pdu.ReservedTag && cmd.BHS.ITT() == pdu.ReservedTag {
		return ierrors.NewProtocolError("NOP-Out with TTT set must echo a target-initiated ping", byte(pdu.RejectProtocolError))
	}
	if cmd.BHS.ITT() == pdu.ReservedTag {
		// Ping-ack: StatSN/CmdSN bookkeeping only, data (if any) is
		// already sitting in the command's own scatter buffer and is
		// simply dropped when the command is released (spec.md §9
		// "Global dummy discard region" — this core discards per-command
		// instead of sharing one region, since SG already owns a
		// freshly allocated buffer per PDU). Never reaches ITTHash.Insert
		// (it carries no ITT to hash), so CmdSN is validated here
		// directly (spec.md §4.2).
		if !cmd.BHS.Immediate() {
			if err := c.Sess.ValidateCmdSN(cmd.BHS.CmdSN()); err != nil {
				return err
			}
		}
		return nil
	}
	return c.Sess.ITTHash.Insert(cmd)
}

// startDataOut handles Data-Out start phase: look up the write request
// by (ITT, TTT), validate and account for the incoming burst (spec.md
// §4.5 step 2 "Data-Out").
func (c *Connection) startDataOut(cmd *cmnd.Command) error {
	itt := cmd.BHS.ITT()
	ttt := cmd.BHS.TaskTag()
	req := c.Sess.ITTHash.Find(itt, ttt)
	if req == nil {
		return ierrors.NewProtocolError("Data-Out for unknown request", byte(pdu.RejectProtocolError))
	}

	bufOff := int(cmd.BHS.BufferOffset())
	dsLen := cmd.BHS.DataSegmentLength()
	if req.R2TLength < dsLen {
		return ierrors.NewNegotiationViolation("Data-Out exceeds outstanding r2t_length")
	}
	if bufOff+dsLen > req.ExpectedTransferLen {
		return ierrors.NewNegotiationViolation("Data-Out buffer_offset+length exceeds declared write size")
	}
	req.R2TLength -= dsLen

	if dsLen > 0 {
		req.SG.CopyFrom(bufOff, cmd.SG.Pages[0][:dsLen])
	}
	if cmd.DigestFailed {
		req.DigestFailed = true
	}
	cmd.ParentReq = req
	return nil
}

// scsiCmndStart implements spec.md §4.5.1.
func (c *Connection) scsiCmndStart(cmd *cmnd.Command) error {
	cmd.LUN = cmd.BHS.LUN()
	cmd.CDB = c.extractCDB(cmd)

	dir := backend.DirNone
	switch {
	case cmd.BHS.Read() && cmd.BHS.Write():
		dir = backend.DirBidi
	case cmd.BHS.Read():
		dir = backend.DirRead
	case cmd.BHS.Write():
		dir = backend.DirWrite
	}

	cmd.ExpectedTransferLen = int(cmd.BHS.ExpectedDataLength())
	if cmd.AHS.HasBidiRead {
		cmd.ExpectedBidiReadLen = int(cmd.AHS.BidiReadLength)
	}

	req := &backend.Request{
		LUN:                 cmd.LUN,
		CDB:                 cmd.CDB,
		Direction:           dir,
		ExpectedTransferLen: cmd.ExpectedTransferLen,
		ExpectedBidiReadLen: cmd.ExpectedBidiReadLen,
		QueueAttr:           taskAttrToQueueAttr(cmd.BHS.TaskAttr()),
	}

	bcmd, err := c.Dispatcher.SubmitToBackend(req)
	if err != nil {
		return ierrors.New(ierrors.KindProtocolError, err.Error())
	}
	cmd.BackendCmd = bcmd

	cmd.SetState(cmnd.StateRxCmd)
	c.Dispatcher.StartBackend(bcmd)

	state := cmd.WaitStateNot(cmnd.StateRxCmd)
	if cmd.IsAborted() || state == cmnd.StateProcessed {
		return nil
	}

	// AAFTER_PREPROC: compute r2t_length for writes, validate immediate
	// data, allocate a fresh target task tag (spec.md §4.5.1).
	if dir == backend.DirWrite || dir == backend.DirBidi {
		// The CDB lives in the BHS itself (bytes 32-47), never in the
		// data segment, so the whole data segment received with the
		// command PDU is immediate write data.
		immediateLen := cmd.SG.Buflen
		if immediateLen > 0 && !c.Sess.Params.ImmediateData {
			return ierrors.NewNegotiationViolation("immediate data forbidden by negotiation")
		}
		if immediateLen == 0 && c.Sess.Params.InitialR2T && !cmd.BHS.Final() {
			return ierrors.NewNegotiationViolation("initial_r2t requires FINAL on the command PDU")
		}
		if cmd.ExpectedTransferLen > immediateLen {
			// Size the scatter buffer for the whole write so startDataOut
			// can copy each Data-Out payload in at its buffer offset.
			buf := make([]byte, cmd.ExpectedTransferLen)
			cmd.SG.CopyTo(buf, 0, immediateLen)
			cmd.SG = cmnd.SGL{Pages: [][]byte{buf}, Buflen: cmd.ExpectedTransferLen}
		}
		cmd.R2TLength = cmd.ExpectedTransferLen - immediateLen
		cmd.IsUnsolicitedData = immediateLen > 0 || !c.Sess.Params.InitialR2T
		cmd.TargetTaskTag = c.Sess.NextTargetTaskTag()
	}

	return nil
}

// extractCDB assembles the CDB from the fixed 16-byte field at BHS
// offset 32 plus, for CDBs longer than 16 bytes, the Extended CDB AHS
// (spec.md §4.5.1, RFC 3720 §10.2.2.1).
func (c *Connection) extractCDB(cmd *cmnd.Command) []byte {
	raw := cmd.BHS.Bytes()
	if len(cmd.AHS.ExtendedCDB) == 0 {
		cdb := make([]byte, 16)
		copy(cdb, raw[32:48])
		return cdb
	}
	cdb := make([]byte, 0, 16+len(cmd.AHS.ExtendedCDB))
	cdb = append(cdb, raw[32:48]...)
	cdb = append(cdb, cmd.AHS.ExtendedCDB...)
	return cdb
}

// taskAttrToQueueAttr maps the 3-bit iSCSI task attribute to BACKEND's
// queue-tag class; unknown codes map to ORDERED (spec.md §4.5.1).
func taskAttrToQueueAttr(attr byte) backend.QueueAttr {
	switch attr {
	case 0:
		return backend.QueueUntagged
	case 1:
		return backend.QueueSimple
	case 3:
		return backend.QueueHeadOfQueue
	case 4:
		return backend.QueueACA
	case 2:
		return backend.QueueOrdered
	default:
		return backend.QueueOrdered
	}
}

// pduEnd routes a fully-received PDU (spec.md §4.5.2, §4.5.3).
func (c *Connection) pduEnd(cmd *cmnd.Command) {
	switch cmd.Opcode {
	case pdu.OpSCSIDataOut:
		c.dataOutEnd(cmd)
	default:
		if cmd.BHS.Immediate() {
			c.Dispatcher.Dispatch(cmd)
			return
		}
		c.Sess.Push(cmd.BHS.CmdSN(), cmd, c.Dispatcher.Dispatch)
	}
}

// dataOutEnd implements spec.md §4.5.3.
func (c *Connection) dataOutEnd(cmd *cmnd.Command) {
	req := cmd.ParentReq
	if req == nil {
		cmd.Put()
		return
	}

	if req.TargetTaskTag == pdu.ReservedTag || req.IsUnsolicitedData {
		if cmd.BHS.Final() {
			req.IsUnsolicitedData = false
			if !req.Pending {
				c.Dispatcher.Dispatch(req)
			}
		}
	} else if cmd.BHS.Final() {
		req.OutstandingR2T--
		c.Dispatcher.Dispatch(req)
	}

	// The Data-Out PDU holds no reference on its request, so it is
	// released as the root command it was created as (unlinked from
	// cmd_list, pages returned) without touching the request's refcount.
	cmd.ParentReq = nil
	cmd.Put()
}

// rejectStart implements spec.md §4.5 step 3: a NegotiationViolation
// closes the connection outright (§7); any other start-phase failure
// rewrites the command's opcode to the OpPDUReject sentinel and routes
// it through the normal PDU-end path, so the eventual Reject PDU still
// consumes this PDU's CmdSN slot in order relative to every other
// command on the stream (executor.flushReject builds the actual wire
// PDU once it reaches the head of the order).
func (c *Connection) rejectStart(cmd *cmnd.Command, err error) {
	ce, ok := err.(*ierrors.CoreError)
	if !ok {
		ce = ierrors.New(ierrors.KindProtocolError, err.Error())
	}
	logger.Warn("PDU rejected at start phase", "conn", c.ID, "opcode", cmd.Opcode.String(), "kind", ce.Kind.String(), "error", ce.Message)

	if ce.ClosesConnection() {
		c.MarkClosing()
		_ = c.Close()
		return
	}

	cmd.Opcode = pdu.OpPDUReject
	cmd.RejectReason = ce.RejectReason
	c.pduEnd(cmd)
}
