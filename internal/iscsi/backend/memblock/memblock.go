// Package memblock is a reference in-memory BACKEND implementation
// (spec.md §1 "the backend SCSI executor ... their internals are not
// specified"; spec.md §6 BACKEND): each configured LUN is backed by a
// plain byte slice. It exists to exercise the core's PDU pipeline
// end-to-end in tests and local development, not as a production SCSI
// target (SPEC_FULL.md §6), grounded on the teacher's pkg/store
// in-memory store pattern (a mutex-guarded byte-addressable blob per
// logical unit).
package memblock

import (
	"context"
	"fmt"
	"sync"

	"github.com/blocktier/iscsit/internal/iscsi/backend"
	"github.com/blocktier/iscsit/pkg/config"
)

const (
	cdbTestUnitReady  = 0x00
	cdbInquiry        = 0x12
	cdbReadCapacity10 = 0x25
	cdbRead10         = 0x28
	cdbWrite10        = 0x2a
)

// senseIllegalRequest is a minimal fixed-format sense buffer: key
// ILLEGAL REQUEST (0x05), ASC/ASCQ INVALID COMMAND OPERATION CODE
// (0x20/0x00).
var senseIllegalRequest = []byte{
	0x70, 0x00, 0x05, 0x00, 0x00, 0x00, 0x00, 0x0a,
	0x00, 0x00, 0x00, 0x00, 0x20, 0x00, 0x00, 0x00,
	0x00, 0x00,
}

type lun struct {
	mu        sync.RWMutex
	data      []byte
	blockSize int
}

func (l *lun) blocks() uint32 {
	return uint32(len(l.data) / l.blockSize)
}

// command is the concrete type behind backend.Cmd.
type command struct {
	req    backend.Request
	lun    *lun
	readBuf []byte // pre-allocated for READ commands at preprocess time
}

// Backend implements backend.Backend over a fixed LUN map.
type Backend struct {
	luns map[uint64]*lun
	cb   backend.Callbacks
}

// New constructs a Backend from the configured LUNs.
func New(cfg config.BackendConfig) (*Backend, error) {
	b := &Backend{luns: make(map[uint64]*lun, len(cfg.LUNs))}
	for _, l := range cfg.LUNs {
		blockSize := l.BlockSize
		if blockSize == 0 {
			blockSize = 512
		}
		if _, exists := b.luns[l.ID]; exists {
			return nil, fmt.Errorf("duplicate LUN id %d", l.ID)
		}
		b.luns[l.ID] = &lun{
			data:      make([]byte, l.SizeBytes),
			blockSize: blockSize,
		}
	}
	return b, nil
}

// SetCallbacks registers the core's callback surface. Must be called
// once before any command is submitted.
func (b *Backend) SetCallbacks(cb backend.Callbacks) {
	b.cb = cb
}

// RxCmd allocates a command record for a prepared SCSI request.
func (b *Backend) RxCmd(_ context.Context, req *backend.Request) (backend.Cmd, error) {
	l, ok := b.luns[req.LUN]
	if !ok {
		return nil, fmt.Errorf("no such LUN: %d", req.LUN)
	}
	return &command{req: *req, lun: l}, nil
}

// InitStage1Done runs "preprocessing": for a READ (or bidi), allocate
// an internal read buffer of the expected transfer length, which is not
// handed to the core; for WRITE, nothing to precompute. Calls back PreprocessingDone synchronously —
// memblock has no real asynchronous I/O to overlap with.
func (b *Backend) InitStage1Done(cmd backend.Cmd) {
	c := cmd.(*command)
	if c.req.Direction == backend.DirRead || c.req.Direction == backend.DirBidi {
		c.readBuf = make([]byte, c.req.ExpectedTransferLen)
	}
	b.cb.PreprocessingDone(cmd)
}

// RestartCmd executes the SCSI command against the backing store now
// that all write data (if any) has been received, then reports the
// response via XmitResponse.
func (b *Backend) RestartCmd(cmd backend.Cmd, _ backend.Status, writeData any) {
	c := cmd.(*command)
	resp := b.execute(c, writeData)
	b.cb.XmitResponse(cmd, resp)
}

// TgtCmdDone is a no-op: memblock holds no per-command resources beyond
// the command struct itself, which is GC'd normally.
func (b *Backend) TgtCmdDone(backend.Cmd) {}

// RxMgmtFnTag handles ABORT TASK; memblock has no per-task state to
// clean up beyond what the core already tracks, so this always reports
// success.
func (b *Backend) RxMgmtFnTag(fn backend.TMFunction, _ uint32, _ any) (backend.Cmd, error) {
	mc := &tmCommand{fn: fn}
	go b.cb.TaskMgmtFnDone(mc, backend.TMStatusSuccess)
	return mc, nil
}

// RxMgmtFnLun handles LUN/session/target-scoped TM functions.
func (b *Backend) RxMgmtFnLun(fn backend.TMFunction, lunID uint64, _ any) (backend.Cmd, error) {
	mc := &tmCommand{fn: fn}
	status := backend.TMStatusSuccess
	switch fn {
	case backend.TMLogicalUnitReset:
		if l, ok := b.luns[lunID]; ok {
			l.mu.Lock()
			for i := range l.data {
				l.data[i] = 0
			}
			l.mu.Unlock()
		} else {
			status = backend.TMStatusLUNNotExist
		}
	case backend.TMTaskReassign:
		status = backend.TMStatusFnNotSupported
	}
	go b.cb.TaskMgmtFnDone(mc, status)
	return mc, nil
}

type tmCommand struct {
	fn backend.TMFunction
}

// execute runs the actual SCSI op. writeData, when non-nil, is the
// scatter-gathered write payload the core already validated against
// r2t_length (spec.md §4.5.3).
func (b *Backend) execute(c *command, writeData any) backend.Response {
	if len(c.req.CDB) == 0 {
		return backend.Response{Status: backend.StatusCheckCondition, Sense: senseIllegalRequest}
	}

	switch c.req.CDB[0] {
	case cdbTestUnitReady:
		return backend.Response{Status: backend.StatusGood, ResidualOK: true}

	case cdbInquiry:
		inq := make([]byte, 36)
		inq[0] = 0x00 // direct-access block device
		copy(inq[8:16], []byte("BLOCKTI "))
		copy(inq[16:32], []byte("MEMBLOCK TARGET "))
		copy(inq[32:36], []byte("1.0 "))
		return backend.Response{Status: backend.StatusGood, Data: inq, ResidualOK: true}

	case cdbReadCapacity10:
		data := make([]byte, 8)
		lastLBA := c.lun.blocks() - 1
		data[0] = byte(lastLBA >> 24)
		data[1] = byte(lastLBA >> 16)
		data[2] = byte(lastLBA >> 8)
		data[3] = byte(lastLBA)
		bs := uint32(c.lun.blockSize)
		data[4] = byte(bs >> 24)
		data[5] = byte(bs >> 16)
		data[6] = byte(bs >> 8)
		data[7] = byte(bs)
		return backend.Response{Status: backend.StatusGood, Data: data, ResidualOK: true}

	case cdbRead10:
		lba, length := decode10(c.req.CDB)
		off := int(lba) * c.lun.blockSize
		n := int(length) * c.lun.blockSize
		if off < 0 || n < 0 || off+n > len(c.lun.data) {
			return backend.Response{Status: backend.StatusCheckCondition, Sense: senseIllegalRequest}
		}
		c.lun.mu.RLock()
		data := make([]byte, n)
		copy(data, c.lun.data[off:off+n])
		c.lun.mu.RUnlock()
		return backend.Response{Status: backend.StatusGood, Data: data, ResidualOK: true}

	case cdbWrite10:
		lba, length := decode10(c.req.CDB)
		off := int(lba) * c.lun.blockSize
		n := int(length) * c.lun.blockSize
		payload, _ := writeData.([]byte)
		if off < 0 || n < 0 || off+n > len(c.lun.data) {
			return backend.Response{Status: backend.StatusCheckCondition, Sense: senseIllegalRequest}
		}
		c.lun.mu.Lock()
		copy(c.lun.data[off:off+n], payload)
		c.lun.mu.Unlock()
		return backend.Response{Status: backend.StatusGood, ResidualOK: true}

	default:
		return backend.Response{Status: backend.StatusCheckCondition, Sense: senseIllegalRequest}
	}
}

// decode10 extracts LBA and transfer length from a 10-byte READ/WRITE
// CDB (bytes 2-5 LBA, bytes 7-8 length).
func decode10(cdb []byte) (lba uint32, length uint16) {
	lba = uint32(cdb[2])<<24 | uint32(cdb[3])<<16 | uint32(cdb[4])<<8 | uint32(cdb[5])
	length = uint16(cdb[7])<<8 | uint16(cdb[8])
	return lba, length
}
